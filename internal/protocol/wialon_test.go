package protocol

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackwire/trackwire/internal/track"
)

// fakeWialonServer accepts one login + data exchange per connection and
// records every frame it sees.
type fakeWialonServer struct {
	ln        net.Listener
	loginResp string

	mu     sync.Mutex
	frames []string
}

func newFakeWialonServer(t *testing.T, loginResp string) *fakeWialonServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeWialonServer{ln: ln, loginResp: loginResp}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeWialonServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeWialonServer) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	login, err := r.ReadString('\n')
	if err != nil {
		return
	}
	s.record(login)
	fmt.Fprintf(conn, "%s\r\n", s.loginResp)
	if s.loginResp != "#AL#1" {
		return
	}

	data, err := r.ReadString('\n')
	if err != nil {
		return
	}
	s.record(data)
	fmt.Fprintf(conn, "#AP#\r\n")
}

func (s *fakeWialonServer) record(frame string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, strings.TrimRight(frame, "\r\n"))
}

func (s *fakeWialonServer) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func (s *fakeWialonServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func newTestSender(s *fakeWialonServer) *WialonSender {
	return NewWialonSender(Config{
		Protocol:   "wialon",
		Host:       "127.0.0.1",
		Port:       s.port(),
		DeviceID:   "860000000000001",
		Credential: "NA",
	})
}

func TestWialonSendPositionFrames(t *testing.T) {
	server := newFakeWialonServer(t, "#AL#1")
	sender := newTestSender(server)

	temp := 31.5
	pos := track.Position{
		DeviceID:     "860000000000001",
		Time:         time.Date(2025, 3, 1, 12, 30, 45, 0, time.UTC),
		Latitude:     55.0 + 44.6025/60.0,
		Longitude:    37.0 + 39.6834/60.0,
		Altitude:     150.7,
		Speed:        42.9,
		Course:       180.4,
		Battery:      76.0,
		Charging:     true,
		BatteryTempC: &temp,
		Sats:         9,
	}
	params := []track.Param{{Name: "acc_state", Type: track.ParamInt, Value: "1"}}

	err := sender.SendPosition(context.Background(), pos, params)
	require.NoError(t, err)

	frames := server.recorded()
	require.Len(t, frames, 2)

	login, data := frames[0], frames[1]
	assert.True(t, strings.HasPrefix(login, "#L#2.0;860000000000001;NA;"), "login frame %q", login)
	verifyCRC(t, login, "#L#")

	require.True(t, strings.HasPrefix(data, "#D#"), "data frame %q", data)
	verifyCRC(t, data, "#D#")

	fields := strings.Split(strings.TrimPrefix(data, "#D#"), ";")
	require.Len(t, fields, 17) // 16 semicolon-terminated body fields + crc
	assert.Equal(t, "010325", fields[0])
	assert.Equal(t, "123045", fields[1])
	assert.Equal(t, "5544.6025", fields[2])
	assert.Equal(t, "N", fields[3])
	assert.Equal(t, "03739.6834", fields[4])
	assert.Equal(t, "E", fields[5])
	assert.Equal(t, "42", fields[6])  // speed truncated to int
	assert.Equal(t, "180", fields[7]) // course truncated to int
	assert.Equal(t, "150", fields[8])
	assert.Equal(t, "9", fields[9])
	assert.Equal(t, []string{"NA", "NA", "NA", "", "NA"}, fields[10:15])
	assert.Equal(t, "bat_lvl:2:76.0,bat_chg:1:1,bat_tmp:2:31.5,mock:1:0,acc_state:1:1", fields[15])
}

// verifyCRC recomputes the checksum over the frame body and compares it with
// the trailing hex field.
func verifyCRC(t *testing.T, frame, prefix string) {
	t.Helper()
	body := strings.TrimPrefix(frame, prefix)
	require.Greater(t, len(body), 4)
	payload, crcHex := body[:len(body)-4], body[len(body)-4:]

	decoded, err := strconv.ParseUint(crcHex, 16, 16)
	require.NoError(t, err)
	assert.Equal(t, uint16(decoded), crc16([]byte(payload)), "frame %q", frame)
}

func TestWialonBlockedLoginKeepsDataFrameUnsent(t *testing.T) {
	server := newFakeWialonServer(t, "#AL#0")
	sender := newTestSender(server)

	err := sender.SendPosition(context.Background(), track.Position{Time: time.Now()}, nil)
	require.Error(t, err)
	assert.True(t, IsBlocked(err), "want blocked error, got %v", err)
	assert.False(t, IsTransient(err))

	// only the login frame reached the server
	require.Len(t, server.recorded(), 1)
}

func TestWialonConnectionRefusedIsTransient(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	sender := NewWialonSender(Config{Host: "127.0.0.1", Port: port, DeviceID: "x", Credential: "NA"})
	err = sender.SendPosition(context.Background(), track.Position{Time: time.Now()}, nil)
	require.Error(t, err)
	assert.True(t, IsTransient(err), "want transient, got %v", err)
	assert.False(t, IsBlocked(err))
}

func TestWialonSendCoreEventExpandsRows(t *testing.T) {
	server := newFakeWialonServer(t, "#AL#1")
	sender := newTestSender(server)

	payload := `{"rows":[
		{"texts":[{"text":"Engine"},{"text":"2"},{"text":"details"}]},
		{"texts":[{"text":"Low oil pressure"},{"text":"Active"}]},
		{"texts":[{"text":"Knock sensor"},{"text":"Stored"}]},
		{"texts":[{"text":"orphan cell"}]}
	]}`
	event := track.CoreEvent{ID: 7, Time: time.Now(), Payload: payload}
	nearest := &track.Position{
		Time:     time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Latitude: 55.5, Longitude: 37.5, Sats: 7,
	}

	err := sender.SendCoreEvent(context.Background(), event, nearest, []track.Param{
		{Name: "src", Type: track.ParamString, Value: "diag"},
	})
	require.NoError(t, err)

	frames := server.recorded()
	var dataFrames []string
	for _, f := range frames {
		if strings.HasPrefix(f, "#D#") {
			dataFrames = append(dataFrames, f)
		}
	}
	// the single-cell row produces nothing
	require.Len(t, dataFrames, 3)

	assert.Contains(t, dataFrames[0], "type:1:1,system:3:Engine,err_cnt:1:2,src:3:diag")
	assert.Contains(t, dataFrames[1], "type:2:2,err:3:Low oil pressure,active:1:1,system:3:Engine,src:3:diag")
	assert.Contains(t, dataFrames[2], "type:2:2,err:3:Knock sensor,active:1:0,system:3:Engine,src:3:diag")
	for _, f := range dataFrames {
		// all rows anchored at the correlated position
		assert.Contains(t, f, ";5530.0000;N;03730.0000;E;")
	}
}

func TestDataFrameSanitizesParamSegment(t *testing.T) {
	nav := navData{
		t:    time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		lat1: "0000.0000", latDir: "N", lon1: "00000.0000", lonDir: "E",
		speed: "0", course: "0", alt: "0", sats: "0",
	}
	frame := dataFrame(nav, []wireParam{{name: "a#b,c", typ: track.ParamString, value: "d#e"}})

	fields := strings.Split(strings.TrimPrefix(frame, "#D#"), ";")
	segment := fields[15]
	assert.NotContains(t, segment, "#")
	assert.NotContains(t, segment, ",")
	assert.Equal(t, "aN. b.c:3:dN. e", segment)
}

func TestNavFromPositionClampsSpeedAndCourse(t *testing.T) {
	nav := navFromPosition(track.Position{Speed: -3.2, Course: 420, Latitude: -1.5, Longitude: -0.25})
	assert.Equal(t, "0", nav.speed)
	assert.Equal(t, "359", nav.course)
	assert.Equal(t, "S", nav.latDir)
	assert.Equal(t, "W", nav.lonDir)
	assert.Equal(t, "0130.0000", nav.lat1)
	assert.Equal(t, "00015.0000", nav.lon1)
}
