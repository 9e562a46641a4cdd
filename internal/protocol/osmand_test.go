package protocol

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackwire/trackwire/internal/track"
)

func osmandSenderFor(t *testing.T, srv *httptest.Server) *OsmAndSender {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return NewOsmAndSender(Config{Host: u.Hostname(), Port: port, DeviceID: "dev-42"})
}

func TestOsmAndSendPositionQuery(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	temp := 28.0
	pos := track.Position{
		Time:         time.Unix(1740830400, 0),
		Latitude:     55.7558,
		Longitude:    37.6173,
		Altitude:     150,
		Speed:        12.5,
		Course:       90,
		Accuracy:     8,
		Battery:      64,
		Charging:     true,
		BatteryTempC: &temp,
		Mock:         true,
	}
	params := []track.Param{
		{Name: "acc_rms_ema", Type: track.ParamFloat, Value: "0.0123"},
		{Name: "acc_conf", Type: track.ParamFloat, Value: "0.5"},
		{Name: "acc_state", Type: track.ParamInt, Value: "2"},
	}

	err := osmandSenderFor(t, srv).SendPosition(context.Background(), pos, params)
	require.NoError(t, err)
	require.NotNil(t, got, "server never saw the request")

	assert.Equal(t, http.MethodPost, got.Method)
	q := got.URL.Query()
	assert.Equal(t, "dev-42", q.Get("id"))
	assert.Equal(t, "1740830400", q.Get("timestamp"))
	assert.Equal(t, "55.7558", q.Get("lat"))
	assert.Equal(t, "37.6173", q.Get("lon"))
	assert.Equal(t, "12.5", q.Get("speed"))
	assert.Equal(t, "90", q.Get("bearing"))
	assert.Equal(t, "64", q.Get("batt"))
	assert.Equal(t, "1", q.Get("bat_chg"))
	assert.Equal(t, "28.0", q.Get("bat_tmp"))
	assert.Equal(t, "1", q.Get("mock"))

	// small acc floats scale x10000, acc_state passes through
	assert.Equal(t, "123", q.Get("acc_rms_ema"))
	assert.Equal(t, "5000", q.Get("acc_conf"))
	assert.Equal(t, "2", q.Get("acc_state"))
}

func TestOsmAndNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	err := osmandSenderFor(t, srv).SendPosition(context.Background(), track.Position{Time: time.Now()}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 403")
	assert.False(t, IsTransient(err))
	assert.False(t, IsBlocked(err))
}

func TestOsmAndCoreEventIsNoOp(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))
	defer srv.Close()

	err := osmandSenderFor(t, srv).SendCoreEvent(context.Background(),
		track.CoreEvent{ID: 1, Payload: "{}"}, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, calls)
}

func TestOsmAndBaseURLVariants(t *testing.T) {
	cases := []struct {
		host string
		port int
		want string
	}{
		{"example.com", 5055, "http://example.com:5055/"},
		{"http://example.com", 5055, "http://example.com:5055/"},
		{"https://example.com", 5055, "https://example.com:5055/"},
		{"https://example.com:8443", 5055, "https://example.com:8443/"},
		{"example.com/", 5055, "http://example.com:5055/"},
	}
	for _, tc := range cases {
		s := &OsmAndSender{host: tc.host, port: tc.port}
		u, err := s.baseURL()
		require.NoError(t, err, "host %q", tc.host)
		assert.Equal(t, tc.want, u.String(), "host %q", tc.host)
	}

	s := &OsmAndSender{host: "https://", port: 5055}
	_, err := s.baseURL()
	assert.Error(t, err)
}

func TestScaleAccelValueEdgeCases(t *testing.T) {
	assert.Equal(t, "0.5", scaleAccelValue(track.Param{Name: "hdop", Type: track.ParamFloat, Value: "0.5"}))
	assert.Equal(t, "1", scaleAccelValue(track.Param{Name: "acc_state", Type: track.ParamInt, Value: "1"}))
	assert.Equal(t, "notanumber", scaleAccelValue(track.Param{Name: "acc_conf", Type: track.ParamFloat, Value: "notanumber"}))
	assert.Equal(t, "tag", scaleAccelValue(track.Param{Name: "acc_label", Type: track.ParamString, Value: "tag"}))
	if got := scaleAccelValue(track.Param{Name: "acc_rms_ema", Type: track.ParamFloat, Value: "0.0100"}); !strings.EqualFold(got, "100") {
		t.Errorf("acc_rms_ema scaled = %q, want 100", got)
	}
}
