package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/trackwire/trackwire/internal/monitoring"
	"github.com/trackwire/trackwire/internal/track"
)

// MQTTProvider consumes fixes and acceleration samples published as JSON on
// a broker, for deployments where the sensors live on another box. Topics
// are <prefix>/fix and <prefix>/accel.
type MQTTProvider struct {
	broker   string
	prefix   string
	deviceID string

	fixes chan Fix
	accel chan track.AccelSample
}

// fixMessage is the wire schema of a <prefix>/fix payload.
type fixMessage struct {
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Alt      float64  `json:"alt"`
	SpeedKmh float64  `json:"speed_kmh"`
	Course   float64  `json:"course"`
	Accuracy float64  `json:"accuracy"`
	Sats     int      `json:"sats"`
	TimeMs   int64    `json:"time_ms"`
	Battery  float64  `json:"battery"`
	Charging bool     `json:"charging"`
	BatTempC *float64 `json:"bat_temp_c,omitempty"`
	Mock     bool     `json:"mock"`
}

// accelMessage is the wire schema of a <prefix>/accel payload.
type accelMessage struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Z      float64 `json:"z"`
	Linear bool    `json:"linear"`
}

// NewMQTTProvider builds a provider for broker (e.g. "tcp://host:1883")
// and topic prefix (e.g. "trackwire/veh-12").
func NewMQTTProvider(broker, prefix, deviceID string) *MQTTProvider {
	return &MQTTProvider{
		broker:   broker,
		prefix:   prefix,
		deviceID: deviceID,
		fixes:    make(chan Fix, 16),
		accel:    make(chan track.AccelSample, 64),
	}
}

// Fixes is the location output channel. It closes when Run returns.
func (p *MQTTProvider) Fixes() <-chan Fix { return p.fixes }

// Accel is the acceleration output channel. It closes when Run returns.
func (p *MQTTProvider) Accel() <-chan track.AccelSample { return p.accel }

// Run connects, subscribes and pumps messages until ctx is cancelled.
func (p *MQTTProvider) Run(ctx context.Context) error {
	defer close(p.fixes)
	defer close(p.accel)

	opts := mqtt.NewClientOptions().
		AddBroker(p.broker).
		SetClientID(fmt.Sprintf("trackwire-%s-%d", p.deviceID, time.Now().UnixNano())).
		SetOrderMatters(false).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect %s: %w", p.broker, token.Error())
	}
	defer client.Disconnect(250)

	fixTopic := p.prefix + "/fix"
	if token := client.Subscribe(fixTopic, 1, func(_ mqtt.Client, m mqtt.Message) {
		p.onFix(ctx, m.Payload())
	}); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", fixTopic, token.Error())
	}

	accelTopic := p.prefix + "/accel"
	if token := client.Subscribe(accelTopic, 0, func(_ mqtt.Client, m mqtt.Message) {
		p.onAccel(ctx, m.Payload())
	}); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", accelTopic, token.Error())
	}

	monitoring.Logf("mqtt: consuming %s/{fix,accel} from %s", p.prefix, p.broker)
	<-ctx.Done()
	return ctx.Err()
}

func (p *MQTTProvider) onFix(ctx context.Context, payload []byte) {
	pos, err := p.decodeFix(payload)
	fix := Fix{Err: err}
	if err == nil {
		fix.Position = pos
	} else {
		monitoring.Logf("mqtt: bad fix payload: %v", err)
	}
	select {
	case p.fixes <- fix:
	case <-ctx.Done():
	}
}

func (p *MQTTProvider) onAccel(ctx context.Context, payload []byte) {
	var m accelMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		monitoring.Logf("mqtt: bad accel payload: %v", err)
		return
	}
	select {
	case p.accel <- track.AccelSample{X: m.X, Y: m.Y, Z: m.Z, Linear: m.Linear}:
	case <-ctx.Done():
	}
}

func (p *MQTTProvider) decodeFix(payload []byte) (track.Position, error) {
	var m fixMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return track.Position{}, fmt.Errorf("decode fix: %w", err)
	}
	return track.Position{
		DeviceID:     p.deviceID,
		Time:         track.CorrectRollover(time.UnixMilli(m.TimeMs).UTC()),
		Latitude:     m.Lat,
		Longitude:    m.Lon,
		Altitude:     m.Alt,
		Speed:        m.SpeedKmh,
		Course:       m.Course,
		Accuracy:     m.Accuracy,
		Battery:      m.Battery,
		Charging:     m.Charging,
		BatteryTempC: m.BatTempC,
		Mock:         m.Mock,
		Sats:         m.Sats,
	}, nil
}
