package protocol

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/trackwire/trackwire/internal/monitoring"
	"github.com/trackwire/trackwire/internal/track"
)

const (
	osmandTimeout = 15 * time.Second

	// Small acc_* floats are rescaled to integers because downstream UIs
	// truncate values below 1.0 to zero.
	accScale = 10000.0
)

// OsmAndSender reports positions as HTTP POSTs with all fields in the query
// string, the scheme most hosted trackers accept. It carries positions only;
// the table/event path is a no-op.
type OsmAndSender struct {
	host       string
	port       int
	deviceID   string
	httpClient *http.Client
}

// NewOsmAndSender builds a sender for cfg with the default 15s HTTP timeout.
func NewOsmAndSender(cfg Config) *OsmAndSender {
	return &OsmAndSender{
		host:       cfg.Host,
		port:       cfg.Port,
		deviceID:   cfg.DeviceID,
		httpClient: &http.Client{Timeout: osmandTimeout},
	}
}

// SendPosition POSTs the report. Any non-2xx response is an error; transient
// classification is left to the caller via IsTransient.
func (o *OsmAndSender) SendPosition(ctx context.Context, pos track.Position, params []track.Param) error {
	base, err := o.baseURL()
	if err != nil {
		return err
	}

	q := url.Values{}
	q.Set("id", o.deviceID)
	q.Set("timestamp", strconv.FormatInt(pos.Time.Unix(), 10))
	q.Set("lat", formatFloat(pos.Latitude))
	q.Set("lon", formatFloat(pos.Longitude))
	q.Set("speed", formatFloat(pos.Speed))
	q.Set("bearing", formatFloat(pos.Course))
	q.Set("altitude", formatFloat(pos.Altitude))
	q.Set("accuracy", formatFloat(pos.Accuracy))
	q.Set("batt", formatFloat(pos.Battery))
	q.Set("bat_chg", boolParam(pos.Charging))
	if pos.BatteryTempC != nil {
		q.Set("bat_tmp", fmt.Sprintf("%.1f", *pos.BatteryTempC))
	}
	q.Set("mock", boolParam(pos.Mock))
	for _, p := range params {
		q.Set(p.Name, scaleAccelValue(p))
	}
	base.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.String(), nil)
	if err != nil {
		return fmt.Errorf("osmand request: %w", err)
	}
	req.Close = true

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("osmand post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		return fmt.Errorf("osmand post: HTTP %d body=%q", resp.StatusCode, body)
	}
	return nil
}

// SendCoreEvent is unsupported on this protocol; the event is acknowledged
// without transmission so it does not stall the queue.
func (o *OsmAndSender) SendCoreEvent(ctx context.Context, event track.CoreEvent, nearest *track.Position, params []track.Param) error {
	monitoring.Logf("osmand: core event %d ignored, protocol carries positions only", event.ID)
	return nil
}

// baseURL accepts a bare host, host:port, or a full http(s) URL in the host
// field; a port embedded in the host wins over the configured one.
func (o *OsmAndSender) baseURL() (*url.URL, error) {
	h := strings.TrimRight(strings.TrimSpace(o.host), "/")
	if !strings.HasPrefix(strings.ToLower(h), "http://") && !strings.HasPrefix(strings.ToLower(h), "https://") {
		h = "http://" + h
	}
	u, err := url.Parse(h)
	if err != nil || u.Hostname() == "" {
		return nil, fmt.Errorf("bad osmand host %q", o.host)
	}
	port := u.Port()
	if port == "" {
		port = strconv.Itoa(o.port)
	}
	return &url.URL{Scheme: u.Scheme, Host: net.JoinHostPort(u.Hostname(), port), Path: "/"}, nil
}

// scaleAccelValue rescales small acc_* float params; acc_state and non-float
// params pass through untouched.
func scaleAccelValue(p track.Param) string {
	if !strings.HasPrefix(p.Name, "acc_") || p.Name == "acc_state" || p.Type != track.ParamFloat {
		return p.Value
	}
	v, err := strconv.ParseFloat(p.Value, 64)
	if err != nil {
		return p.Value
	}
	return strconv.Itoa(int(v * accScale))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
