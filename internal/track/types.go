// Package track defines the core telemetry types shared by the filter,
// queue, protocol and worker layers.
package track

import "time"

// gpsRollover corrects GPS week-number rollover: receivers that predate the
// April 2019 rollover report timestamps 1024 weeks in the past.
var gpsRollover = time.Date(2019, time.April, 6, 0, 0, 0, 0, time.UTC)

const gpsRolloverOffset = 1024 * 7 * 24 * time.Hour

// CorrectRollover shifts a pre-rollover GPS timestamp forward by 1024 weeks.
func CorrectRollover(t time.Time) time.Time {
	if t.Before(gpsRollover) {
		return t.Add(gpsRolloverOffset)
	}
	return t
}

// Position is one GPS-derived observation, either raw from a provider or
// accepted by the stream filter and queued for upload.
type Position struct {
	ID        int64
	DeviceID  string
	Time      time.Time
	Latitude  float64 // degrees, [-90, 90]
	Longitude float64 // degrees, [-180, 180]
	Altitude  float64 // metres
	Speed     float64 // km/h, >= 0
	Course    float64 // degrees, [0, 360)
	Accuracy  float64 // horizontal accuracy, metres
	Battery   float64 // percent
	Charging  bool
	// BatteryTempC is nil when the platform exposes no battery thermometer.
	BatteryTempC *float64
	Mock         bool
	Sats         int
	Sent         bool
	CreatedAt    time.Time
}

// ParamType tags the wire type of a position parameter.
type ParamType int

const (
	ParamInt    ParamType = 1
	ParamFloat  ParamType = 2
	ParamString ParamType = 3
	ParamBool   ParamType = 4
)

// Param is a named side-channel value attached to a Position (acceleration
// RMS, motion confidence and the like). Params ride along with their parent
// sample through the queue and onto the wire.
type Param struct {
	PositionID int64
	Name       string
	Type       ParamType
	Value      string
}

// CoreEvent is an externally submitted payload (opaque JSON) queued for
// forwarding. It is correlated with the nearest-in-time Position at send
// time rather than carrying coordinates of its own.
type CoreEvent struct {
	ID      int64
	Time    time.Time
	Payload string
	Source  string
	Sent    bool
}

// BatteryStatus is a point-in-time reading from the platform battery.
type BatteryStatus struct {
	Level        float64 // percent
	Charging     bool
	TemperatureC *float64
}

// BatteryReader returns the current battery status. Implementations must be
// safe to call from any goroutine.
type BatteryReader func() BatteryStatus

// AccelSample is one 3-axis acceleration observation in m/s².
type AccelSample struct {
	X, Y, Z float64
	// Linear reports whether gravity has already been removed. When false
	// the classifier subtracts a low-pass gravity estimate itself.
	Linear bool
}
