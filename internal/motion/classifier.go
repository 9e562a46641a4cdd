// Package motion turns a stream of 3-axis acceleration samples into a
// decaying motion-confidence signal.
//
// The classifier does not decide moving-vs-stationary as ground truth. It
// records when motion was last seen and how fresh that observation is; the
// position filter combines this trace with GPS quality to make the actual
// emission decision.
package motion

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/trackwire/trackwire/internal/timeutil"
	"github.com/trackwire/trackwire/internal/track"
)

// State is the discrete, display-oriented motion state. Filtering decisions
// use the continuous confidence, never this value.
type State int

const (
	StateUnknown State = iota
	StateStationary
	StateMoving
)

func (s State) String() string {
	switch s {
	case StateStationary:
		return "stationary"
	case StateMoving:
		return "moving"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable view of the classifier published after every
// sample. Cross-goroutine readers get the whole struct at once.
type Snapshot struct {
	RMS       float64
	RMSEMA    float64
	Threshold float64
	// LastMotionAt is zero when no motion event has ever been observed.
	LastMotionAt time.Time
	State        State
	At           time.Time
}

// Options tune the classifier. Zero fields fall back to defaults.
type Options struct {
	WindowSize    int           // sliding window length, default 40
	EMAAlpha      float64       // RMS smoothing factor, default 0.20
	Threshold     float64       // smoothed-RMS motion threshold, default 0.80
	HalfLife      time.Duration // confidence decay half-life, default 25s
	EnterConfirm  time.Duration // sustained time before flipping to moving, default 2.5s
	ExitConfirm   time.Duration // sustained time before flipping to stationary, default 4.5s
	GravityAlpha  float64       // gravity low-pass factor for raw samples, default 0.90
	Clock         timeutil.Clock
	StateBus      *track.Bus[State] // optional; receives discrete state changes
}

// Classifier consumes acceleration samples and maintains the motion trace.
// All mutation happens on the goroutine calling Observe; other goroutines
// read through the atomic snapshot.
type Classifier struct {
	windowSize   int
	emaAlpha     float64
	halfLife     time.Duration
	enterConfirm time.Duration
	exitConfirm  time.Duration
	gravityAlpha float64
	clock        timeutil.Clock
	stateBus     *track.Bus[State]

	threshold atomic.Uint64 // float64 bits, runtime-adjustable

	mu             sync.Mutex // guards Observe against concurrent misuse only
	window         []track.AccelSample
	gx, gy, gz     float64
	rmsEMA         float64
	lastMotionAt   time.Time
	state          State
	candidate      State
	candidateSince time.Time

	snap atomic.Pointer[Snapshot]
}

// New builds a Classifier with the given options.
func New(opts Options) *Classifier {
	if opts.WindowSize <= 0 {
		opts.WindowSize = 40
	}
	if opts.EMAAlpha <= 0 {
		opts.EMAAlpha = 0.20
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 0.80
	}
	if opts.HalfLife <= 0 {
		opts.HalfLife = 25 * time.Second
	}
	if opts.EnterConfirm <= 0 {
		opts.EnterConfirm = 2500 * time.Millisecond
	}
	if opts.ExitConfirm <= 0 {
		opts.ExitConfirm = 4500 * time.Millisecond
	}
	if opts.GravityAlpha <= 0 {
		opts.GravityAlpha = 0.90
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	c := &Classifier{
		windowSize:   opts.WindowSize,
		emaAlpha:     opts.EMAAlpha,
		halfLife:     opts.HalfLife,
		enterConfirm: opts.EnterConfirm,
		exitConfirm:  opts.ExitConfirm,
		gravityAlpha: opts.GravityAlpha,
		clock:        opts.Clock,
		stateBus:     opts.StateBus,
		window:       make([]track.AccelSample, 0, opts.WindowSize),
	}
	c.SetThreshold(opts.Threshold)
	c.publish(0, 0)
	return c
}

// SetThreshold adjusts the motion threshold at runtime.
func (c *Classifier) SetThreshold(v float64) {
	c.threshold.Store(math.Float64bits(v))
}

// Threshold returns the current motion threshold.
func (c *Classifier) Threshold() float64 {
	return math.Float64frombits(c.threshold.Load())
}

// Observe processes one acceleration sample.
func (c *Classifier) Observe(s track.AccelSample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()

	if !s.Linear {
		// no linear-acceleration source: estimate gravity with a low-pass
		// filter and subtract it
		a := c.gravityAlpha
		c.gx = a*c.gx + (1-a)*s.X
		c.gy = a*c.gy + (1-a)*s.Y
		c.gz = a*c.gz + (1-a)*s.Z
		s = track.AccelSample{X: s.X - c.gx, Y: s.Y - c.gy, Z: s.Z - c.gz, Linear: true}
	}

	c.window = append(c.window, s)
	if len(c.window) > c.windowSize {
		c.window = c.window[1:]
	}

	rms := demeanedRMS(c.window)
	if c.rmsEMA == 0 {
		c.rmsEMA = rms
	} else {
		c.rmsEMA = c.emaAlpha*rms + (1-c.emaAlpha)*c.rmsEMA
	}

	thr := c.Threshold()
	if c.rmsEMA >= thr {
		c.lastMotionAt = now
	}

	c.updateState(now, thr)
	c.publish(rms, c.rmsEMA)
}

// updateState runs the display-only state machine: flipping requires the
// candidate state to hold for the enter/exit confirmation window.
func (c *Classifier) updateState(now time.Time, thr float64) {
	newCandidate := StateStationary
	if c.rmsEMA >= thr {
		newCandidate = StateMoving
	}

	if c.state == StateUnknown && newCandidate == StateStationary {
		c.state = StateStationary
		c.candidate = StateStationary
		c.candidateSince = now
		c.emitState()
		return
	}

	if newCandidate != c.candidate {
		c.candidate = newCandidate
		c.candidateSince = now
		return
	}

	need := c.exitConfirm
	if c.candidate == StateMoving {
		need = c.enterConfirm
	}
	if c.candidate != c.state && now.Sub(c.candidateSince) >= need {
		c.state = c.candidate
		c.emitState()
	}
}

func (c *Classifier) emitState() {
	if c.stateBus != nil {
		c.stateBus.Publish(c.state)
	}
}

func (c *Classifier) publish(rms, rmsEMA float64) {
	c.snap.Store(&Snapshot{
		RMS:          rms,
		RMSEMA:       rmsEMA,
		Threshold:    c.Threshold(),
		LastMotionAt: c.lastMotionAt,
		State:        c.state,
		At:           c.clock.Now(),
	})
}

// Snapshot returns the latest published classifier state.
func (c *Classifier) Snapshot() Snapshot {
	return *c.snap.Load()
}

// Confidence returns the decaying motion trace at the current time: 1.0
// immediately after a motion event, 0.5 one half-life later, 0 if motion has
// never been observed.
func (c *Classifier) Confidence() float64 {
	snap := c.snap.Load()
	return ConfidenceAt(snap.LastMotionAt, c.clock.Now(), c.halfLife)
}

// LastMotionAt returns when motion was last detected (zero if never).
func (c *Classifier) LastMotionAt() time.Time {
	return c.snap.Load().LastMotionAt
}

// ConfidenceAt computes the pure exponential decay 0.5^(elapsed/halfLife)
// relative to a last-motion timestamp.
func ConfidenceAt(lastMotion, now time.Time, halfLife time.Duration) float64 {
	if lastMotion.IsZero() {
		return 0
	}
	dt := now.Sub(lastMotion)
	if dt < 0 {
		dt = 0
	}
	return math.Pow(0.5, float64(dt)/float64(halfLife))
}

// demeanedRMS removes the per-axis mean over the window, then returns the
// RMS of the residual magnitudes.
func demeanedRMS(window []track.AccelSample) float64 {
	if len(window) == 0 {
		return 0
	}
	xs := make([]float64, len(window))
	ys := make([]float64, len(window))
	zs := make([]float64, len(window))
	for i, v := range window {
		xs[i], ys[i], zs[i] = v.X, v.Y, v.Z
	}
	mx := stat.Mean(xs, nil)
	my := stat.Mean(ys, nil)
	mz := stat.Mean(zs, nil)

	var sumSq float64
	for i := range window {
		dx := xs[i] - mx
		dy := ys[i] - my
		dz := zs[i] - mz
		sumSq += dx*dx + dy*dy + dz*dz
	}
	return math.Sqrt(sumSq / float64(len(window)))
}
