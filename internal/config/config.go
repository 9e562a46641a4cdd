// Package config loads the service settings from a JSON file with optional
// environment overrides. The worker re-reads the file every iteration so
// operator changes apply without a restart; fields omitted from the JSON
// keep their defaults, so partial configs are safe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/trackwire/trackwire/internal/monitoring"
)

// DefaultPath is where the service looks for its settings file.
const DefaultPath = "trackwire.json"

// File is the on-disk schema. Every field is a pointer so an absent key is
// distinguishable from a zero value.
type File struct {
	Protocol              *string  `json:"protocol,omitempty"`
	Host                  *string  `json:"host,omitempty"`
	Port                  *int     `json:"port,omitempty"`
	DeviceID              *string  `json:"device_id,omitempty"`
	Credential            *string  `json:"credential,omitempty"`
	ReportIntervalSec     *int     `json:"report_interval_sec,omitempty"`
	MinDistanceM          *float64 `json:"min_distance_m,omitempty"`
	MinAngleDeg           *float64 `json:"min_angle_deg,omitempty"`
	MotionThreshold       *float64 `json:"motion_threshold,omitempty"`
	AccelConfidenceMoving *float64 `json:"accel_confidence_moving,omitempty"`
	Enabled               *bool    `json:"enabled,omitempty"`
	JumpGuardEnabled      *bool    `json:"jump_guard_enabled,omitempty"`
	MinSatellites         *int     `json:"min_satellites,omitempty"`
	MaxAccuracyM          *float64 `json:"max_accuracy_m,omitempty"`
}

// Config is the resolved settings snapshot handed to the pipeline.
type Config struct {
	Protocol              string
	Host                  string
	Port                  int
	DeviceID              string
	Credential            string
	ReportInterval        time.Duration
	MinDistanceM          float64
	MinAngleDeg           float64
	MotionThreshold       float64
	AccelConfidenceMoving float64
	Enabled               bool
	JumpGuardEnabled      bool
	MinSatellites         int
	MaxAccuracyM          float64
}

// Defaults returns the built-in settings, valid except for the empty host.
func Defaults() Config {
	return Config{
		Protocol:              "wialon",
		Credential:            "NA",
		ReportInterval:        30 * time.Second,
		MinDistanceM:          50,
		MinAngleDeg:           30,
		MotionThreshold:       0.80,
		AccelConfidenceMoving: 0.10,
		Enabled:               true,
		MinSatellites:         4,
		MaxAccuracyM:          60,
	}
}

// Loader reads and resolves the settings file. A missing file yields the
// defaults; a missing device id gets a generated UUID persisted back so the
// identity survives restarts.
type Loader struct {
	path string

	envOnce sync.Once
}

// NewLoader returns a loader for path, or DefaultPath when path is empty.
func NewLoader(path string) *Loader {
	if path == "" {
		path = DefaultPath
	}
	return &Loader{path: path}
}

// Load reads the file, applies environment overrides and validates the
// result. The settings file is re-read on every call; .env is loaded into
// the environment once, on the first call, so editing it does not take
// effect until restart.
func (l *Loader) Load() (Config, error) {
	// .env is optional; real env vars win over it either way
	l.envOnce.Do(func() { _ = godotenv.Load() })

	f, err := l.readFile()
	if err != nil {
		return Config{}, err
	}

	cfg := Defaults()
	if f.Protocol != nil {
		cfg.Protocol = *f.Protocol
	}
	if f.Host != nil {
		cfg.Host = *f.Host
	}
	if f.Port != nil {
		cfg.Port = *f.Port
	}
	if f.DeviceID != nil {
		cfg.DeviceID = *f.DeviceID
	}
	if f.Credential != nil {
		cfg.Credential = *f.Credential
	}
	if f.ReportIntervalSec != nil {
		cfg.ReportInterval = time.Duration(*f.ReportIntervalSec) * time.Second
	}
	if f.MinDistanceM != nil {
		cfg.MinDistanceM = *f.MinDistanceM
	}
	if f.MinAngleDeg != nil {
		cfg.MinAngleDeg = *f.MinAngleDeg
	}
	if f.MotionThreshold != nil {
		cfg.MotionThreshold = *f.MotionThreshold
	}
	if f.AccelConfidenceMoving != nil {
		cfg.AccelConfidenceMoving = *f.AccelConfidenceMoving
	}
	if f.Enabled != nil {
		cfg.Enabled = *f.Enabled
	}
	if f.JumpGuardEnabled != nil {
		cfg.JumpGuardEnabled = *f.JumpGuardEnabled
	}
	if f.MinSatellites != nil {
		cfg.MinSatellites = *f.MinSatellites
	}
	if f.MaxAccuracyM != nil {
		cfg.MaxAccuracyM = *f.MaxAccuracyM
	}

	applyEnv(&cfg)

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		l.persistDeviceID(f, cfg.DeviceID)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (l *Loader) readFile() (File, error) {
	var f File

	cleanPath := filepath.Clean(l.path)
	info, err := os.Stat(cleanPath)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return f, fmt.Errorf("stat config: %w", err)
	}
	const maxFileSize = 1 << 20
	if info.Size() > maxFileSize {
		return f, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return f, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse config: %w", err)
	}
	return f, nil
}

// persistDeviceID writes the generated id back so the device keeps its
// identity across restarts. Failure to persist is logged, not fatal.
func (l *Loader) persistDeviceID(f File, id string) {
	f.DeviceID = &id
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		monitoring.Logf("config: marshal for device id persist: %v", err)
		return
	}
	if err := os.WriteFile(l.path, append(data, '\n'), 0o600); err != nil {
		monitoring.Logf("config: persist device id: %v", err)
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TRACKWIRE_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("TRACKWIRE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		} else {
			monitoring.Logf("config: bad TRACKWIRE_PORT %q: %v", v, err)
		}
	}
	if v := os.Getenv("TRACKWIRE_DEVICE_ID"); v != "" {
		cfg.DeviceID = v
	}
	if v := os.Getenv("TRACKWIRE_CREDENTIAL"); v != "" {
		cfg.Credential = v
	}
	if v := os.Getenv("TRACKWIRE_PROTOCOL"); v != "" {
		cfg.Protocol = v
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	switch strings.ToLower(c.Protocol) {
	case "wialon", "osmand":
	default:
		return fmt.Errorf("protocol must be wialon or osmand, got %q", c.Protocol)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.ReportInterval <= 0 {
		return fmt.Errorf("report_interval_sec must be positive, got %v", c.ReportInterval)
	}
	if c.MotionThreshold <= 0 {
		return fmt.Errorf("motion_threshold must be positive, got %v", c.MotionThreshold)
	}
	if c.MinSatellites < 0 {
		return fmt.Errorf("min_satellites must not be negative, got %d", c.MinSatellites)
	}
	if c.MaxAccuracyM <= 0 {
		return fmt.Errorf("max_accuracy_m must be positive, got %v", c.MaxAccuracyM)
	}
	return nil
}
