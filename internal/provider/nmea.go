package provider

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/trackwire/trackwire/internal/monitoring"
	"github.com/trackwire/trackwire/internal/track"
)

const knotsToKmh = 1.852

// hdopErrorScaleM turns HDOP into a rough horizontal accuracy estimate; 5m
// is the usual single-constellation user-range error.
const hdopErrorScaleM = 5.0

// NMEAProvider reads NMEA 0183 sentences from a serial GPS receiver and
// emits one Fix per valid RMC sentence, merged with satellite count, HDOP
// and altitude from the most recent GGA.
type NMEAProvider struct {
	port     io.ReadCloser
	deviceID string
	fixes    chan Fix

	// last GGA quality data, consumed by the next RMC
	sats     int
	hdop     float64
	altitude float64
	hasGGA   bool
}

// OpenNMEA opens portName at the standard GPS 9600 8N1 and wraps it in a
// provider.
func OpenNMEA(portName, deviceID string) (*NMEAProvider, error) {
	mode := &serial.Mode{
		BaudRate: 9600,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open gps port %s: %w", portName, err)
	}
	return NewNMEAProvider(port, deviceID), nil
}

// NewNMEAProvider wraps an already-open sentence stream. Tests feed it a
// reader of canned sentences.
func NewNMEAProvider(port io.ReadCloser, deviceID string) *NMEAProvider {
	return &NMEAProvider{
		port:     port,
		deviceID: deviceID,
		fixes:    make(chan Fix),
	}
}

// Fixes is the output channel. It closes when Run returns.
func (p *NMEAProvider) Fixes() <-chan Fix { return p.fixes }

// Run reads sentences until ctx is cancelled or the port fails. Cancelling
// ctx closes the port, which unblocks the read.
func (p *NMEAProvider) Run(ctx context.Context) error {
	defer close(p.fixes)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			p.port.Close()
		case <-done:
		}
	}()

	scan := bufio.NewScanner(p.port)
	for scan.Scan() {
		fix := p.handleSentence(strings.TrimSpace(scan.Text()))
		if fix == nil {
			continue
		}
		select {
		case p.fixes <- *fix:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := scan.Err(); err != nil {
		return fmt.Errorf("read gps port: %w", err)
	}
	return nil
}

// handleSentence folds one sentence into the provider state and returns a
// Fix when an RMC completes an observation.
func (p *NMEAProvider) handleSentence(line string) *Fix {
	fields, ok := checksumFields(line)
	if !ok {
		return nil
	}

	talker := fields[0]
	switch {
	case strings.HasSuffix(talker, "GGA"):
		p.applyGGA(fields)
		return nil
	case strings.HasSuffix(talker, "RMC"):
		return p.applyRMC(fields)
	}
	return nil
}

// checksumFields validates "$...*hh" framing and returns the comma fields.
func checksumFields(line string) ([]string, bool) {
	if len(line) < 9 || line[0] != '$' {
		return nil, false
	}
	star := strings.LastIndexByte(line, '*')
	if star < 0 || star+3 != len(line) {
		return nil, false
	}
	want, err := strconv.ParseUint(line[star+1:], 16, 8)
	if err != nil {
		return nil, false
	}
	var sum byte
	for i := 1; i < star; i++ {
		sum ^= line[i]
	}
	if sum != byte(want) {
		return nil, false
	}
	return strings.Split(line[1:star], ","), true
}

// applyGGA latches sats, HDOP and altitude for the next RMC.
func (p *NMEAProvider) applyGGA(fields []string) {
	if len(fields) < 10 {
		return
	}
	sats, err := strconv.Atoi(fields[7])
	if err != nil {
		return
	}
	p.sats = sats
	if v, err := strconv.ParseFloat(fields[8], 64); err == nil {
		p.hdop = v
	}
	if v, err := strconv.ParseFloat(fields[9], 64); err == nil {
		p.altitude = v
	}
	p.hasGGA = true
}

// applyRMC builds a Fix from an active RMC sentence.
func (p *NMEAProvider) applyRMC(fields []string) *Fix {
	if len(fields) < 10 {
		return nil
	}
	if fields[2] != "A" {
		// void fix, receiver has no solution
		return nil
	}

	lat, err := parseCoordinate(fields[3], fields[4], 2)
	if err != nil {
		monitoring.Logf("nmea: bad latitude %q: %v", fields[3], err)
		return &Fix{Err: err}
	}
	lon, err := parseCoordinate(fields[5], fields[6], 3)
	if err != nil {
		monitoring.Logf("nmea: bad longitude %q: %v", fields[5], err)
		return &Fix{Err: err}
	}
	ts, err := parseDateTime(fields[9], fields[1])
	if err != nil {
		monitoring.Logf("nmea: bad timestamp %q %q: %v", fields[9], fields[1], err)
		return &Fix{Err: err}
	}

	speedKnots, _ := strconv.ParseFloat(fields[7], 64)
	course, _ := strconv.ParseFloat(fields[8], 64)

	pos := track.Position{
		DeviceID:  p.deviceID,
		Time:      track.CorrectRollover(ts),
		Latitude:  lat,
		Longitude: lon,
		Speed:     speedKnots * knotsToKmh,
		Course:    course,
		Accuracy:  p.accuracy(),
		Sats:      p.sats,
		Altitude:  p.altitude,
	}
	return &Fix{Position: pos}
}

func (p *NMEAProvider) accuracy() float64 {
	if p.hasGGA && p.hdop > 0 {
		return p.hdop * hdopErrorScaleM
	}
	// no quality data yet, assume a mediocre consumer receiver
	return 15
}

// parseCoordinate converts "ddmm.mmmm"/"dddmm.mmmm" plus hemisphere into
// signed degrees.
func parseCoordinate(raw, hemi string, degDigits int) (float64, error) {
	if len(raw) <= degDigits {
		return 0, fmt.Errorf("coordinate too short: %q", raw)
	}
	deg, err := strconv.ParseFloat(raw[:degDigits], 64)
	if err != nil {
		return 0, err
	}
	minutes, err := strconv.ParseFloat(raw[degDigits:], 64)
	if err != nil {
		return 0, err
	}
	v := deg + minutes/60.0
	if hemi == "S" || hemi == "W" {
		v = -v
	}
	return v, nil
}

// parseDateTime combines RMC date "ddmmyy" and time "hhmmss[.sss]" into UTC.
func parseDateTime(date, clock string) (time.Time, error) {
	if dot := strings.IndexByte(clock, '.'); dot >= 0 {
		clock = clock[:dot]
	}
	return time.Parse("020106 150405", date+" "+clock)
}
