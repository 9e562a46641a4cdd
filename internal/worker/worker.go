// Package worker drains the durable queue through a protocol sender. The
// loop reloads config every iteration, checks connectivity, trims retained
// rows, and applies the three-way failure policy: blocked logins and
// transient network errors leave the item queued with a backoff, anything
// else drops the item so one poison row cannot stall the pipeline.
package worker

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/trackwire/trackwire/internal/config"
	"github.com/trackwire/trackwire/internal/monitoring"
	"github.com/trackwire/trackwire/internal/motion"
	"github.com/trackwire/trackwire/internal/protocol"
	"github.com/trackwire/trackwire/internal/store"
	"github.com/trackwire/trackwire/internal/timeutil"
	"github.com/trackwire/trackwire/internal/track"
)

const (
	idleSleep        = 2 * time.Second
	blockedBackoff   = 5 * time.Second
	transientBackoff = 10 * time.Second
	permanentBackoff = 5 * time.Second
	noNetBackoff     = 10 * time.Second
	errorBackoff     = 5 * time.Second

	trimEvery         = 10 * time.Minute
	trimKeepLast      = 5
	correlationWindow = 120 * time.Second
)

// MotionSource is the read side of the classifier the worker consults when
// it inserts heartbeat samples.
type MotionSource interface {
	Snapshot() motion.Snapshot
	Confidence() float64
}

// ConnectivityChecker reports whether the upload target looks reachable.
// The worker skips the iteration with a backoff when it returns false.
type ConnectivityChecker func(ctx context.Context, cfg config.Config) bool

// Options wire a Worker. Queue and Config are required; the rest default.
type Options struct {
	Queue  store.Queue
	Config func() (config.Config, error)

	// NewSender builds a sender for the current config each iteration so a
	// protocol or host change applies without restart. Defaults to
	// protocol.New.
	NewSender func(protocol.Config) (protocol.Sender, error)

	// Connectivity gates each iteration. Defaults to a TCP dial probe; set
	// to nil explicitly via AlwaysOnline for tests.
	Connectivity ConnectivityChecker

	// Battery supplies heartbeat battery data. Optional.
	Battery track.BatteryReader

	// Motion supplies heartbeat acceleration params. Optional.
	Motion MotionSource

	// ApplyConfig is invoked with each freshly loaded config so runtime
	// tunables (motion threshold, confidence gate) propagate. Optional.
	ApplyConfig func(config.Config)

	Clock timeutil.Clock
}

// Worker is the upload loop. Run it on its own goroutine; all queue and
// network I/O happens inside the loop, never on a producer's goroutine.
type Worker struct {
	queue        store.Queue
	loadConfig   func() (config.Config, error)
	newSender    func(protocol.Config) (protocol.Sender, error)
	connectivity ConnectivityChecker
	battery      track.BatteryReader
	motion       MotionSource
	applyConfig  func(config.Config)
	clock        timeutil.Clock

	lastTrim time.Time
}

// New builds a Worker from opts.
func New(opts Options) *Worker {
	w := &Worker{
		queue:        opts.Queue,
		loadConfig:   opts.Config,
		newSender:    opts.NewSender,
		connectivity: opts.Connectivity,
		battery:      opts.Battery,
		motion:       opts.Motion,
		applyConfig:  opts.ApplyConfig,
		clock:        opts.Clock,
	}
	if w.newSender == nil {
		w.newSender = protocol.New
	}
	if w.connectivity == nil {
		w.connectivity = DialProbe(3 * time.Second)
	}
	if w.clock == nil {
		w.clock = timeutil.RealClock{}
	}
	return w
}

// AlwaysOnline is a ConnectivityChecker that never gates. Tests and
// loopback deployments use it.
func AlwaysOnline(context.Context, config.Config) bool { return true }

// DialProbe returns a checker that considers the target reachable when a
// TCP connection to the configured host opens within timeout.
func DialProbe(timeout time.Duration) ConnectivityChecker {
	return func(ctx context.Context, cfg config.Config) bool {
		host := cfg.Host
		if i := strings.Index(host, "://"); i >= 0 {
			host = host[i+3:]
		}
		host = strings.TrimRight(host, "/")
		if _, _, err := net.SplitHostPort(host); err != nil {
			host = net.JoinHostPort(host, strconv.Itoa(cfg.Port))
		}

		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", host)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
}

// Run loops until ctx is cancelled or the config disables the service. It
// never exits on error; failures log and back off.
func (w *Worker) Run(ctx context.Context) error {
	monitoring.Logf("worker: started")
	defer monitoring.Logf("worker: stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		delay, stop := w.iterate(ctx)
		if stop {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.clock.After(delay):
		}
	}
}

// iterate runs one pass and returns how long to sleep before the next, or
// stop=true when the config disables the service.
func (w *Worker) iterate(ctx context.Context) (delay time.Duration, stop bool) {
	cfg, err := w.loadConfig()
	if err != nil {
		monitoring.Logf("worker: load config: %v", err)
		return errorBackoff, false
	}
	if !cfg.Enabled {
		monitoring.Logf("worker: disabled in config, stopping")
		return 0, true
	}
	if w.applyConfig != nil {
		w.applyConfig(cfg)
	}

	if !w.connectivity(ctx, cfg) {
		monitoring.Logf("worker: no connectivity to %s, backing off", cfg.Host)
		return noNetBackoff, false
	}

	w.maybeTrim(ctx)

	sender, err := w.newSender(protocol.Config{
		Protocol:   cfg.Protocol,
		Host:       cfg.Host,
		Port:       cfg.Port,
		DeviceID:   cfg.DeviceID,
		Credential: cfg.Credential,
	})
	if err != nil {
		monitoring.Logf("worker: build sender: %v", err)
		return errorBackoff, false
	}

	// core events go first so diagnostics never starve behind a position
	// backlog
	event, err := w.queue.OldestUnsentCoreEvent(ctx)
	if err != nil {
		monitoring.Logf("worker: read core event: %v", err)
		return errorBackoff, false
	}
	if event != nil {
		return w.sendCoreEvent(ctx, sender, *event), false
	}

	pos, err := w.queue.OldestUnsentPosition(ctx)
	if err != nil {
		monitoring.Logf("worker: read position: %v", err)
		return errorBackoff, false
	}
	if pos != nil {
		return w.sendPosition(ctx, sender, *pos), false
	}

	if err := w.insertHeartbeatIfDue(ctx, cfg); err != nil {
		monitoring.Logf("worker: heartbeat insert: %v", err)
		return errorBackoff, false
	}
	return idleSleep, false
}

func (w *Worker) maybeTrim(ctx context.Context) {
	now := w.clock.Now()
	if !w.lastTrim.IsZero() && now.Sub(w.lastTrim) < trimEvery {
		return
	}
	w.lastTrim = now
	if err := w.queue.TrimRetained(ctx, trimKeepLast); err != nil {
		monitoring.Logf("worker: trim retained: %v", err)
	}
}

// sendCoreEvent delivers one event correlated with its nearest-in-time
// position and returns the backoff for the outcome.
func (w *Worker) sendCoreEvent(ctx context.Context, sender protocol.Sender, event track.CoreEvent) time.Duration {
	nearest, err := w.queue.ClosestPosition(ctx, event.Time, correlationWindow)
	if err != nil {
		monitoring.Logf("worker: correlate core event %d: %v", event.ID, err)
		return errorBackoff
	}
	var params []track.Param
	if nearest != nil {
		if params, err = w.queue.PositionParams(ctx, nearest.ID); err != nil {
			monitoring.Logf("worker: core event %d params: %v", event.ID, err)
			return errorBackoff
		}
	}

	err = sender.SendCoreEvent(ctx, event, nearest, params)
	switch {
	case err == nil:
		if err := w.queue.MarkCoreEventSent(ctx, event.ID); err != nil {
			monitoring.Logf("worker: mark core event %d sent: %v", event.ID, err)
			return errorBackoff
		}
		// the correlated sample rode along with the event; drop its row so
		// it neither re-sends nor counts against retention
		if nearest != nil {
			if err := w.queue.DeletePosition(ctx, nearest.ID); err != nil {
				monitoring.Logf("worker: delete correlated position %d: %v", nearest.ID, err)
			}
		}
		return 0

	case protocol.IsBlocked(err):
		monitoring.Logf("worker: core event %d blocked: %v", event.ID, err)
		return blockedBackoff

	case protocol.IsTransient(err):
		monitoring.Logf("worker: core event %d transient failure: %v", event.ID, err)
		return transientBackoff

	default:
		monitoring.Logf("worker: core event %d dropped after permanent failure: %v", event.ID, err)
		if err := w.queue.MarkCoreEventSent(ctx, event.ID); err != nil {
			monitoring.Logf("worker: mark dropped core event %d: %v", event.ID, err)
		}
		return permanentBackoff
	}
}

// sendPosition delivers one position with the identical three-way policy.
func (w *Worker) sendPosition(ctx context.Context, sender protocol.Sender, pos track.Position) time.Duration {
	params, err := w.queue.PositionParams(ctx, pos.ID)
	if err != nil {
		monitoring.Logf("worker: position %d params: %v", pos.ID, err)
		return errorBackoff
	}

	err = sender.SendPosition(ctx, pos, params)
	switch {
	case err == nil:
		if err := w.queue.MarkPositionSent(ctx, pos.ID); err != nil {
			monitoring.Logf("worker: mark position %d sent: %v", pos.ID, err)
			return errorBackoff
		}
		return 0

	case protocol.IsBlocked(err):
		monitoring.Logf("worker: position %d blocked: %v", pos.ID, err)
		return blockedBackoff

	case protocol.IsTransient(err):
		monitoring.Logf("worker: position %d transient failure: %v", pos.ID, err)
		return transientBackoff

	default:
		monitoring.Logf("worker: position %d dropped after permanent failure: %v", pos.ID, err)
		if err := w.queue.MarkPositionSent(ctx, pos.ID); err != nil {
			monitoring.Logf("worker: mark dropped position %d: %v", pos.ID, err)
		}
		return permanentBackoff
	}
}

// insertHeartbeatIfDue queues a zero-coordinate liveness sample when nothing
// has been inserted for two report intervals.
func (w *Worker) insertHeartbeatIfDue(ctx context.Context, cfg config.Config) error {
	last, ok, err := w.queue.LastInsertWallTime(ctx)
	if err != nil {
		return err
	}
	now := w.clock.Now()
	if ok && now.Sub(last) < 2*cfg.ReportInterval {
		return nil
	}

	hb := track.Position{
		DeviceID: cfg.DeviceID,
		Time:     track.CorrectRollover(now),
		Mock:     true,
	}
	if w.battery != nil {
		b := w.battery()
		hb.Battery = b.Level
		hb.Charging = b.Charging
		hb.BatteryTempC = b.TemperatureC
	}

	id, err := w.queue.InsertPosition(ctx, hb, w.heartbeatParams())
	if err != nil {
		return err
	}
	monitoring.Logf("worker: heartbeat inserted id=%d", id)
	return nil
}

// heartbeatParams renders the motion side channel for a heartbeat sample.
func (w *Worker) heartbeatParams() []track.Param {
	if w.motion == nil {
		return nil
	}
	snap := w.motion.Snapshot()
	return []track.Param{
		{Name: "acc_rms_ema", Type: track.ParamFloat, Value: fmt.Sprintf("%.4f", snap.RMSEMA)},
		{Name: "acc_conf", Type: track.ParamFloat, Value: fmt.Sprintf("%.4f", w.motion.Confidence())},
		{Name: "acc_state", Type: track.ParamInt, Value: strconv.Itoa(int(snap.State))},
	}
}
