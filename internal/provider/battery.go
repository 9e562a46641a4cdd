package provider

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/trackwire/trackwire/internal/track"
)

// SysfsBattery reads the Linux power-supply interface under base (normally
// /sys/class/power_supply/<name>). Missing or unreadable attributes degrade
// to zero values rather than erroring; a reader that fails constantly would
// otherwise poison every heartbeat.
func SysfsBattery(base string) track.BatteryReader {
	return func() track.BatteryStatus {
		var s track.BatteryStatus
		if v, err := readSysfsFloat(filepath.Join(base, "capacity")); err == nil {
			s.Level = v
		}
		if raw, err := os.ReadFile(filepath.Join(base, "status")); err == nil {
			s.Charging = strings.TrimSpace(string(raw)) == "Charging"
		}
		// temp is tenths of a degree
		if v, err := readSysfsFloat(filepath.Join(base, "temp")); err == nil {
			t := v / 10.0
			s.TemperatureC = &t
		}
		return s
	}
}

// StaticBattery always reports the same status, for hosts with no battery.
func StaticBattery(level float64) track.BatteryReader {
	return func() track.BatteryStatus {
		return track.BatteryStatus{Level: level}
	}
}

func readSysfsFloat(path string) (float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
}
