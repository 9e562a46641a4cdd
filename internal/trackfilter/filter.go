// Package trackfilter converts a raw GPS fix stream into a sparse stream of
// meaningful reports: movement reports while moving, anchored heartbeats
// while stationary, nothing for noise.
package trackfilter

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/trackwire/trackwire/internal/timeutil"
	"github.com/trackwire/trackwire/internal/track"
)

// MotionSource is the view of the motion classifier the filter consumes.
// A nil source degrades the filter to GPS-only motion detection.
type MotionSource interface {
	// LastMotionAt returns when motion was last detected (zero if never).
	LastMotionAt() time.Time
	// Confidence returns the decaying 0..1 motion trace.
	Confidence() float64
}

// Options tune the filter. Zero fields fall back to defaults.
type Options struct {
	ReportInterval      time.Duration // min time between moving reports, default 30s
	MinDistanceM        float64       // min distance between moving reports, default 50
	MinAngleDeg         float64       // course change that forces a report, default 30
	StationaryHeartbeat time.Duration // min time between anchored heartbeats, defaults to ReportInterval

	AccelRecentWindow       time.Duration // motion counted as fact within this window, default 3s
	AccelConfidenceMoving   float64       // confidence floor for "still moving", default 0.10
	GPSMovingSpeedKmh       float64       // GPS-only moving threshold, default 5
	MinSats                 int           // good-fix satellite floor, default 4
	MaxAccuracyM            float64       // good-fix accuracy ceiling, default 60
	AnchorGoodStreak        int           // consecutive good fixes to promote, default 5
	AnchorWarmupTimeout     time.Duration // promote best candidate after this, default 30s
	AnchorMaxDriftM         float64       // first-to-last streak drift bound, default 25
	StartupGoodStreak       int           // good fixes required before first emission, default 30
	AngleMinDistanceM       float64       // distance floor for angle-based emission, default 10

	// JumpGuard enables the speed-based anti-teleport hold. Off by default;
	// its interaction with the anchor machine is not fully exercised, so
	// enabling it is an operator decision.
	JumpGuard         bool
	JumpMaxSpeedMps   float64       // default 80
	JumpHold          time.Duration // anchor hold after a teleport, default 20s
	JumpNoDtDistanceM float64       // distance cutoff when dt is unusable, default 300

	Clock timeutil.Clock
}

// Filter owns the moving/stationary emission decision and the anchor state
// machine. All mutation happens on the goroutine delivering fixes; the only
// cross-goroutine entry point is SetAccelConfidenceMoving.
type Filter struct {
	opts   Options
	motion MotionSource
	clock  timeutil.Clock

	confidenceMoving atomic.Uint64 // float64 bits

	lastSent   *track.Position
	lastSentAt time.Time

	// anchor coordinates are frozen once set
	anchor *track.Position

	// wall-clock reconciliation: last good fix time plus monotonic elapsed
	lastGoodWall time.Time
	lastGoodAt   time.Time

	warmupStart   time.Time
	goodStreak    int
	bestCandidate *track.Position
	streakFirst   *track.Position

	startGoodStreak int

	jumpHoldUntil time.Time

	lastBattery *track.BatteryStatus
}

// New builds a Filter. motion may be nil when no acceleration source exists.
func New(opts Options, motion MotionSource) *Filter {
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = 30 * time.Second
	}
	if opts.MinDistanceM <= 0 {
		opts.MinDistanceM = 50
	}
	if opts.MinAngleDeg <= 0 {
		opts.MinAngleDeg = 30
	}
	if opts.StationaryHeartbeat <= 0 {
		opts.StationaryHeartbeat = opts.ReportInterval
	}
	if opts.AccelRecentWindow <= 0 {
		opts.AccelRecentWindow = 3 * time.Second
	}
	if opts.AccelConfidenceMoving <= 0 {
		opts.AccelConfidenceMoving = 0.10
	}
	if opts.GPSMovingSpeedKmh <= 0 {
		opts.GPSMovingSpeedKmh = 5
	}
	if opts.MinSats <= 0 {
		opts.MinSats = 4
	}
	if opts.MaxAccuracyM <= 0 {
		opts.MaxAccuracyM = 60
	}
	if opts.AnchorGoodStreak <= 0 {
		opts.AnchorGoodStreak = 5
	}
	if opts.AnchorWarmupTimeout <= 0 {
		opts.AnchorWarmupTimeout = 30 * time.Second
	}
	if opts.AnchorMaxDriftM <= 0 {
		opts.AnchorMaxDriftM = 25
	}
	if opts.StartupGoodStreak <= 0 {
		opts.StartupGoodStreak = 30
	}
	if opts.AngleMinDistanceM <= 0 {
		opts.AngleMinDistanceM = 10
	}
	if opts.JumpMaxSpeedMps <= 0 {
		opts.JumpMaxSpeedMps = 80
	}
	if opts.JumpHold <= 0 {
		opts.JumpHold = 20 * time.Second
	}
	if opts.JumpNoDtDistanceM <= 0 {
		opts.JumpNoDtDistanceM = 300
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	f := &Filter{opts: opts, motion: motion, clock: opts.Clock}
	f.SetAccelConfidenceMoving(opts.AccelConfidenceMoving)
	return f
}

// SetAccelConfidenceMoving adjusts the confidence-to-moving threshold at
// runtime. Safe to call from any goroutine.
func (f *Filter) SetAccelConfidenceMoving(v float64) {
	f.confidenceMoving.Store(math.Float64bits(clamp01(v)))
}

func (f *Filter) accelConfidenceMoving() float64 {
	return math.Float64frombits(f.confidenceMoving.Load())
}

// Filter decides what one raw fix turns into: a moving report, an anchored
// heartbeat, or nothing. The returned position has its timestamp rebuilt
// from the last good GPS wall time plus monotonic elapsed time.
func (f *Filter) Filter(pos track.Position) *track.Position {
	now := f.clock.Now()

	sane := isSane(pos)
	good := sane && f.isGoodFix(pos)

	f.lastBattery = &track.BatteryStatus{
		Level:        pos.Battery,
		Charging:     pos.Charging,
		TemperatureC: pos.BatteryTempC,
	}

	// remember the last trustworthy GPS time so heartbeats carry a growing
	// timestamp even when derived from a stale anchor
	if good {
		f.lastGoodWall = pos.Time
		f.lastGoodAt = now
	}

	if !sane {
		f.ensureAnchorFromLastSent()
		return f.emitAnchorIfDue(now)
	}

	if f.lastSent == nil {
		if good {
			f.startGoodStreak++
		} else {
			f.startGoodStreak = 0
		}
		if f.startGoodStreak < f.opts.StartupGoodStreak {
			return nil
		}
	}

	if f.opts.JumpGuard {
		if f.maybeEnterJumpHold(good, pos, now) || f.inJumpHold(now) {
			f.ensureAnchorFromLastSent()
			return f.emitAnchorIfDue(now)
		}
	}

	if f.movingNow(pos, good, now) {
		f.anchor = nil
		f.resetAnchorWarmup()
		return f.emitMovingIfDue(pos, now)
	}

	f.ensureAnchorStationary(pos, now, good)
	return f.emitAnchorIfDue(now)
}

// Anchor returns the current stationary anchor, nil while moving or warming
// up. Exposed for diagnostics.
func (f *Filter) Anchor() *track.Position {
	if f.anchor == nil {
		return nil
	}
	a := *f.anchor
	return &a
}

// movingNow combines the acceleration trace with fix quality. With a motion
// source present the accelerometer is authoritative; without one the filter
// degrades to GPS speed.
func (f *Filter) movingNow(pos track.Position, good bool, now time.Time) bool {
	if f.motion == nil {
		return good && pos.Speed >= f.opts.GPSMovingSpeedKmh
	}
	return f.hasRecentMotion(now) && good
}

func (f *Filter) hasRecentMotion(now time.Time) bool {
	lm := f.motion.LastMotionAt()
	if lm.IsZero() {
		return false
	}
	if now.Sub(lm) <= f.opts.AccelRecentWindow {
		return true
	}
	return f.motion.Confidence() >= f.accelConfidenceMoving()
}

// ---- moving branch ----

func (f *Filter) emitMovingIfDue(pos track.Position, now time.Time) *track.Position {
	prev := f.lastSent
	if prev == nil {
		return f.send(pos, now)
	}

	byInterval := now.Sub(f.lastSentAt) >= f.opts.ReportInterval

	dist := track.Distance(prev.Latitude, prev.Longitude, pos.Latitude, pos.Longitude)
	byDistance := dist >= f.opts.MinDistanceM

	courseDiff := track.BearingDiff(prev.Course, pos.Course)
	byAngle := dist >= f.opts.AngleMinDistanceM && courseDiff >= f.opts.MinAngleDeg

	if !byInterval && !byDistance && !byAngle {
		return nil
	}
	return f.send(pos, now)
}

// ---- stationary branch / anchor warm-up ----

func (f *Filter) ensureAnchorStationary(pos track.Position, now time.Time, good bool) {
	if f.anchor != nil {
		return
	}

	if f.warmupStart.IsZero() {
		f.warmupStart = now
	}

	// track the best candidate even off a bad fix; the warm-up timeout may
	// have nothing better to promote
	f.bestCandidate = chooseBetter(f.bestCandidate, pos)

	if good {
		if f.goodStreak == 0 {
			p := pos
			f.streakFirst = &p
		}
		f.goodStreak++

		if f.goodStreak >= f.opts.AnchorGoodStreak {
			driftOK := true
			if first := f.streakFirst; first != nil {
				drift := track.Distance(first.Latitude, first.Longitude, pos.Latitude, pos.Longitude)
				driftOK = drift <= f.opts.AnchorMaxDriftM
			}
			if driftOK {
				f.promoteAnchor(pos)
				return
			}
			// too much drift: the streak is broken, restart with the
			// current fix as its first point
			f.goodStreak = 1
			p := pos
			f.streakFirst = &p
		}
	} else {
		f.goodStreak = 0
		f.streakFirst = nil
	}

	if now.Sub(f.warmupStart) >= f.opts.AnchorWarmupTimeout {
		f.promoteAnchor(pos)
	}
}

func (f *Filter) promoteAnchor(fallback track.Position) {
	chosen := fallback
	if f.bestCandidate != nil {
		chosen = *f.bestCandidate
	}
	chosen.Speed = 0
	f.anchor = &chosen
	f.resetAnchorWarmup()
}

func (f *Filter) ensureAnchorFromLastSent() {
	if f.anchor != nil || f.lastSent == nil {
		return
	}
	a := *f.lastSent
	a.Speed = 0
	f.anchor = &a
}

func (f *Filter) resetAnchorWarmup() {
	f.warmupStart = time.Time{}
	f.goodStreak = 0
	f.bestCandidate = nil
	f.streakFirst = nil
}

// chooseBetter prefers more satellites, breaking ties on lower accuracy.
func chooseBetter(a *track.Position, b track.Position) *track.Position {
	if a == nil {
		return &b
	}
	switch {
	case b.Sats > a.Sats:
		return &b
	case b.Sats < a.Sats:
		return a
	case b.Accuracy < a.Accuracy:
		return &b
	default:
		return a
	}
}

func (f *Filter) emitAnchorIfDue(now time.Time) *track.Position {
	a := f.anchor
	if a == nil {
		return nil
	}
	if !f.lastSentAt.IsZero() && now.Sub(f.lastSentAt) < f.opts.StationaryHeartbeat {
		return nil
	}

	out := *a
	out.Speed = 0
	if b := f.lastBattery; b != nil {
		out.Battery = b.Level
		out.Charging = b.Charging
		out.BatteryTempC = b.TemperatureC
	}
	return f.send(out, now)
}

// ---- anti-teleport guard (optional) ----

func (f *Filter) maybeEnterJumpHold(good bool, pos track.Position, now time.Time) bool {
	if !good || f.lastSentAt.IsZero() {
		return false
	}
	// if we were anchored and real motion started, a genuine departure must
	// not be mistaken for a teleport: a bad anchor would pin us forever
	if f.anchor != nil && f.hasRecentMotionSafe(now) {
		return false
	}

	ref := f.anchor
	if ref == nil {
		ref = f.lastSent
	}
	if ref == nil {
		return false
	}

	dt := now.Sub(f.lastSentAt)
	if dt <= 0 && f.lastSent != nil {
		wallDt := pos.Time.Sub(f.lastSent.Time)
		if wallDt > 0 && wallDt <= 30*time.Second {
			dt = wallDt
		}
	}

	dist := track.Distance(ref.Latitude, ref.Longitude, pos.Latitude, pos.Longitude)

	const noDt = 5 * time.Millisecond
	if dt <= noDt {
		if dist > f.opts.JumpNoDtDistanceM {
			f.jumpHoldUntil = now.Add(f.opts.JumpHold)
			return true
		}
		return false
	}

	if dist/dt.Seconds() > f.opts.JumpMaxSpeedMps {
		f.jumpHoldUntil = now.Add(f.opts.JumpHold)
		return true
	}
	return false
}

func (f *Filter) hasRecentMotionSafe(now time.Time) bool {
	if f.motion == nil {
		return false
	}
	return f.hasRecentMotion(now)
}

func (f *Filter) inJumpHold(now time.Time) bool {
	if f.jumpHoldUntil.IsZero() {
		return false
	}
	if now.Before(f.jumpHoldUntil) {
		return true
	}
	f.jumpHoldUntil = time.Time{}
	return false
}

// ---- emission ----

func (f *Filter) send(p track.Position, now time.Time) *track.Position {
	out := p
	out.Time = f.wallTime(now)
	f.lastSent = &out
	f.lastSentAt = now
	return &out
}

// wallTime derives the emission timestamp from the last known-good fix time
// plus monotonic elapsed time, so heartbeats from a stale anchor still carry
// non-decreasing, causally consistent timestamps.
func (f *Filter) wallTime(now time.Time) time.Time {
	if !f.lastGoodWall.IsZero() {
		return f.lastGoodWall.Add(now.Sub(f.lastGoodAt))
	}
	return now
}

// ---- quality / sanity ----

func (f *Filter) isGoodFix(p track.Position) bool {
	return p.Sats >= f.opts.MinSats && p.Accuracy <= f.opts.MaxAccuracyM
}

func isSane(p track.Position) bool {
	return p.Latitude >= -90 && p.Latitude <= 90 &&
		p.Longitude >= -180 && p.Longitude <= 180 &&
		p.Accuracy > 0 && p.Accuracy <= 500 &&
		p.Speed >= 0
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
