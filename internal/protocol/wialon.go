package protocol

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/trackwire/trackwire/internal/monitoring"
	"github.com/trackwire/trackwire/internal/timeutil"
	"github.com/trackwire/trackwire/internal/track"
)

const (
	wialonVersion = "2.0"
	wialonTimeout = 5 * time.Second
	loginAck      = "#AL#1"
)

// WialonSender speaks the Wialon IPS text framing over TCP. Every send opens
// a fresh socket, performs a login exchange, pushes exactly one data frame
// and closes. A rejected login surfaces as BlockedError so the worker leaves
// the item queued instead of dropping it.
type WialonSender struct {
	host       string
	port       int
	deviceID   string
	credential string
	timeout    time.Duration
	clock      timeutil.Clock
}

// NewWialonSender builds a sender for cfg with the default 5s socket timeout.
func NewWialonSender(cfg Config) *WialonSender {
	return &WialonSender{
		host:       cfg.Host,
		port:       cfg.Port,
		deviceID:   cfg.DeviceID,
		credential: cfg.Credential,
		timeout:    wialonTimeout,
		clock:      timeutil.RealClock{},
	}
}

// SetClock overrides the time source used for no-GPS frames. Tests only.
func (w *WialonSender) SetClock(c timeutil.Clock) { w.clock = c }

// navData holds the navigation fields of a data frame, already rendered.
type navData struct {
	t      time.Time
	lat1   string // "5544.6025"
	latDir string // "N" / "S"
	lon1   string // "03739.6834"
	lonDir string // "E" / "W"
	speed  string
	course string
	alt    string
	sats   string
}

// wireParam is one name:type:value entry of a frame's parameter list.
type wireParam struct {
	name  string
	typ   track.ParamType
	value string
}

// SendPosition logs in and pushes one data frame carrying the report's
// navigation fields plus battery and side-channel params.
func (w *WialonSender) SendPosition(ctx context.Context, pos track.Position, params []track.Param) error {
	wire := append(batteryParams(pos), toWireParams(params)...)
	_, err := w.exchange(ctx, navFromPosition(pos), wire)
	return err
}

// SendCoreEvent expands a table-structured payload into one data frame per
// classified row, each anchored to the nearest position report (or zero
// navigation when none correlates).
func (w *WialonSender) SendCoreEvent(ctx context.Context, event track.CoreEvent, nearest *track.Position, params []track.Param) error {
	rows, err := extractTextRows(event.Payload)
	if err != nil {
		return fmt.Errorf("core event %d payload: %w", event.ID, err)
	}
	if len(rows) == 0 {
		monitoring.Logf("wialon: core event %d has no table rows, nothing to send", event.ID)
		return nil
	}

	nav := w.navWithoutGPS()
	if nearest != nil {
		nav = navFromPosition(*nearest)
	}
	extra := toWireParams(params)

	lastSystem := ""
	for i, texts := range rows {
		var rowParams []wireParam
		rowParams, lastSystem = classifyRow(texts, lastSystem)
		if len(rowParams) == 0 {
			continue
		}
		if _, err := w.exchange(ctx, nav, append(rowParams, extra...)); err != nil {
			return fmt.Errorf("core event %d row %d: %w", event.ID, i, err)
		}
	}
	return nil
}

// exchange runs one login + data frame round trip and returns the server's
// reply to the data frame.
func (w *WialonSender) exchange(ctx context.Context, nav navData, params []wireParam) (string, error) {
	dialer := net.Dialer{Timeout: w.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(w.host, strconv.Itoa(w.port)))
	if err != nil {
		return "", fmt.Errorf("wialon dial: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(w.clock.Now().Add(w.timeout)); err != nil {
		return "", fmt.Errorf("wialon deadline: %w", err)
	}
	r := bufio.NewReader(conn)

	if _, err := conn.Write([]byte(w.loginFrame())); err != nil {
		return "", fmt.Errorf("wialon write login: %w", err)
	}
	resp, err := r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("wialon read login ack: %w", err)
	}
	if strings.TrimSpace(resp) != loginAck {
		return "", &BlockedError{Response: strings.TrimSpace(resp)}
	}

	if _, err := conn.Write([]byte(dataFrame(nav, params))); err != nil {
		return "", fmt.Errorf("wialon write data: %w", err)
	}
	resp, err = r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("wialon read data ack: %w", err)
	}
	return strings.TrimSpace(resp), nil
}

// loginFrame renders "#L#version;deviceId;credential;CRC\r\n".
func (w *WialonSender) loginFrame() string {
	body := fmt.Sprintf("%s;%s;%s;", wialonVersion, w.deviceID, w.credential)
	return fmt.Sprintf("#L#%s%04X\r\n", body, crc16([]byte(body)))
}

// dataFrame renders a "#D#" frame. The CRC covers the body, everything
// between the prefix and the checksum field.
func dataFrame(nav navData, params []wireParam) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		name := asciiSafe(sanitizeValue(p.name))
		value := asciiSafe(sanitizeValue(p.value))
		parts = append(parts, fmt.Sprintf("%s:%d:%s", name, int(p.typ), value))
	}

	t := nav.t.UTC()
	body := fmt.Sprintf("%s;%s;%s;%s;%s;%s;%s;%s;%s;%s;NA;NA;NA;;NA;%s;",
		t.Format("020106"), t.Format("150405"),
		nav.lat1, nav.latDir, nav.lon1, nav.lonDir,
		nav.speed, nav.course, nav.alt, nav.sats,
		strings.Join(parts, ","))
	return fmt.Sprintf("#D#%s%04X\r\n", body, crc16([]byte(body)))
}

// navFromPosition renders a report's navigation fields: degrees-and-decimal-
// minutes coordinates, km/h speed floored at 0, course clamped to 0..359.
func navFromPosition(pos track.Position) navData {
	speed := int(pos.Speed)
	if speed < 0 {
		speed = 0
	}
	course := int(pos.Course)
	if course < 0 {
		course = 0
	} else if course > 359 {
		course = 359
	}

	return navData{
		t:      pos.Time,
		lat1:   degreesMinutes(pos.Latitude, 2),
		latDir: hemisphere(pos.Latitude, "N", "S"),
		lon1:   degreesMinutes(pos.Longitude, 3),
		lonDir: hemisphere(pos.Longitude, "E", "W"),
		speed:  strconv.Itoa(speed),
		course: strconv.Itoa(course),
		alt:    strconv.Itoa(int(pos.Altitude)),
		sats:   strconv.Itoa(pos.Sats),
	}
}

// navWithoutGPS renders zero coordinates stamped with the current time, used
// for core events that correlate to no position report.
func (w *WialonSender) navWithoutGPS() navData {
	return navData{
		t:      w.clock.Now(),
		lat1:   "0000.0000",
		latDir: "N",
		lon1:   "00000.0000",
		lonDir: "E",
		speed:  "0",
		course: "0",
		alt:    "0",
		sats:   "0",
	}
}

func hemisphere(deg float64, pos, neg string) string {
	if deg >= 0 {
		return pos
	}
	return neg
}

// degreesMinutes renders |deg| as zero-padded whole degrees (degWidth
// digits) directly followed by decimal minutes with four decimals.
func degreesMinutes(deg float64, degWidth int) string {
	abs := math.Abs(deg)
	d := int(abs)
	minutes := (abs - float64(d)) * 60.0
	return fmt.Sprintf("%0*d%06.4f", degWidth, d, minutes)
}

// batteryParams renders the battery/mock side channel every data frame
// carries.
func batteryParams(pos track.Position) []wireParam {
	level := pos.Battery
	if level < 0 {
		level = 0
	} else if level > 100 {
		level = 100
	}
	out := []wireParam{
		{name: "bat_lvl", typ: track.ParamFloat, value: fmt.Sprintf("%.1f", level)},
		{name: "bat_chg", typ: track.ParamInt, value: boolParam(pos.Charging)},
	}
	if pos.BatteryTempC != nil {
		out = append(out, wireParam{name: "bat_tmp", typ: track.ParamFloat, value: fmt.Sprintf("%.1f", *pos.BatteryTempC)})
	}
	out = append(out, wireParam{name: "mock", typ: track.ParamInt, value: boolParam(pos.Mock)})
	return out
}

func toWireParams(params []track.Param) []wireParam {
	out := make([]wireParam, 0, len(params))
	for _, p := range params {
		out = append(out, wireParam{name: p.Name, typ: p.Type, value: p.Value})
	}
	return out
}

func boolParam(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
