package trackfilter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackwire/trackwire/internal/timeutil"
	"github.com/trackwire/trackwire/internal/track"
)

type fakeMotion struct {
	last time.Time
	conf float64
}

func (m *fakeMotion) LastMotionAt() time.Time { return m.last }
func (m *fakeMotion) Confidence() float64     { return m.conf }

func goodFix(clock timeutil.Clock, lat, lon float64) track.Position {
	return track.Position{
		DeviceID: "dev-1",
		Time:     clock.Now(),
		Latitude: lat, Longitude: lon,
		Accuracy: 10,
		Sats:     6,
		Battery:  80,
	}
}

func TestStartupGatingRequiresGoodStreak(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	f := New(Options{ReportInterval: 10 * time.Second, Clock: clock}, nil)

	for i := 0; i < 29; i++ {
		out := f.Filter(goodFix(clock, 55.75, 37.62))
		require.Nil(t, out, "fix %d emitted before the startup streak completed", i)
		clock.Advance(time.Second)
	}

	// streak satisfied: the stationary branch now warms up an anchor over
	// the next five good fixes and emits the first heartbeat on promotion
	var emitted *track.Position
	for i := 0; i < 5 && emitted == nil; i++ {
		emitted = f.Filter(goodFix(clock, 55.75, 37.62))
		clock.Advance(time.Second)
	}
	require.NotNil(t, emitted)
	assert.Zero(t, emitted.Speed)
}

func TestStartupStreakResetsOnBadFix(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	f := New(Options{Clock: clock}, nil)

	for i := 0; i < 20; i++ {
		require.Nil(t, f.Filter(goodFix(clock, 55.75, 37.62)))
		clock.Advance(time.Second)
	}
	bad := goodFix(clock, 55.75, 37.62)
	bad.Sats = 2
	require.Nil(t, f.Filter(bad))
	clock.Advance(time.Second)

	// streak restarted: 29 more good fixes still emit nothing
	for i := 0; i < 29; i++ {
		require.Nil(t, f.Filter(goodFix(clock, 55.75, 37.62)))
		clock.Advance(time.Second)
	}
}

// Five consecutive good fixes within the drift bound while
// motion confidence is zero promote an anchor on the fifth fix; subsequent
// heartbeats repeat that anchor's exact coordinates with speed zero.
func TestAnchorPromotedOnFifthGoodFix(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	motion := &fakeMotion{}
	f := New(Options{
		ReportInterval:    10 * time.Second,
		StartupGoodStreak: 1,
		Clock:             clock,
	}, motion)

	// ~11m of jitter per 0.0001 degrees latitude; all five fixes stay well
	// inside the 25m drift bound
	lats := []float64{55.7500, 55.75004, 55.75008, 55.75004, 55.7500}
	var promoted *track.Position
	for i, lat := range lats {
		promoted = f.Filter(goodFix(clock, lat, 37.62))
		if i < 4 {
			require.Nil(t, promoted, "fix %d must not emit before promotion", i)
		}
		clock.Advance(time.Second)
	}
	require.NotNil(t, promoted, "fifth good fix must promote and emit the anchor")
	assert.Zero(t, promoted.Speed)

	anchor := f.Anchor()
	require.NotNil(t, anchor)

	// heartbeats no more often than the stationary interval, always the
	// anchor's frozen coordinates, timestamps non-decreasing
	lastTime := promoted.Time
	beats := 0
	for i := 0; i < 25; i++ {
		out := f.Filter(goodFix(clock, 55.75006, 37.62002))
		if out != nil {
			beats++
			assert.Equal(t, anchor.Latitude, out.Latitude)
			assert.Equal(t, anchor.Longitude, out.Longitude)
			assert.Zero(t, out.Speed)
			assert.False(t, out.Time.Before(lastTime), "heartbeat time went backwards")
			lastTime = out.Time
		}
		clock.Advance(time.Second)
	}
	assert.Equal(t, 2, beats, "25s of 1Hz fixes with a 10s interval yields 2 heartbeats")
}

func TestDriftRejectionRestartsStreak(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	f := New(Options{StartupGoodStreak: 1, Clock: clock}, &fakeMotion{})

	// four tight fixes, then a fifth ~110m away: streak must break
	for _, lat := range []float64{55.7500, 55.75002, 55.75004, 55.75002} {
		require.Nil(t, f.Filter(goodFix(clock, lat, 37.62)))
		clock.Advance(time.Second)
	}
	far := goodFix(clock, 55.7510, 37.62)
	far.Sats = 8 // best candidate moves to the new cluster
	require.Nil(t, f.Filter(far))
	require.Nil(t, f.Anchor(), "drifted streak must not promote")
	clock.Advance(time.Second)

	// four more fixes around the new location complete a fresh streak
	var out *track.Position
	for _, lat := range []float64{55.75102, 55.75100, 55.75102, 55.75100} {
		p := goodFix(clock, lat, 37.62)
		p.Sats = 8
		out = f.Filter(p)
		clock.Advance(time.Second)
	}
	require.NotNil(t, out)
	anchor := f.Anchor()
	require.NotNil(t, anchor)
	assert.InDelta(t, 55.751, anchor.Latitude, 0.0002)
}

func TestAnchorStableUnderNoisyFixes(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	f := New(Options{
		ReportInterval:    5 * time.Second,
		StartupGoodStreak: 1,
		Clock:             clock,
	}, &fakeMotion{})

	for i := 0; i < 5; i++ {
		f.Filter(goodFix(clock, 55.75, 37.62))
		clock.Advance(time.Second)
	}
	anchor := f.Anchor()
	require.NotNil(t, anchor)

	// noisy but still-sane fixes scattered up to ~50m away must not move
	// the emitted coordinates
	for i := 0; i < 20; i++ {
		p := goodFix(clock, 55.7504, 37.6204)
		p.Accuracy = 55
		out := f.Filter(p)
		if out != nil {
			assert.Equal(t, anchor.Latitude, out.Latitude)
			assert.Equal(t, anchor.Longitude, out.Longitude)
		}
		clock.Advance(time.Second)
	}
}

func TestMovingEmissionRules(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	motion := &fakeMotion{}
	f := New(Options{
		ReportInterval:    30 * time.Second,
		MinDistanceM:      50,
		MinAngleDeg:       30,
		StartupGoodStreak: 1,
		Clock:             clock,
	}, motion)

	move := func(lat, lon, course float64) *track.Position {
		motion.last = clock.Now()
		p := goodFix(clock, lat, lon)
		p.Course = course
		p.Speed = 40
		return f.Filter(p)
	}

	// first emission after silence is immediate
	require.NotNil(t, move(55.7500, 37.6200, 90))
	clock.Advance(time.Second)

	// ~11m, same course, inside the interval: suppressed
	assert.Nil(t, move(55.7501, 37.6200, 90))
	clock.Advance(time.Second)

	// ~100m from the last emission: distance rule fires
	require.NotNil(t, move(55.7509, 37.6200, 90))
	clock.Advance(time.Second)

	// ~22m with a 90-degree course change: angle rule fires
	require.NotNil(t, move(55.7511, 37.6200, 0))
	clock.Advance(time.Second)

	// sharp turn but only ~5m of travel: below the angle-distance floor
	assert.Nil(t, move(55.75114, 37.6200, 120))

	// interval elapsed with no movement at all: time rule fires
	clock.Advance(31 * time.Second)
	require.NotNil(t, move(55.75114, 37.6200, 120))
}

func TestGPSOnlyDegradation(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	f := New(Options{StartupGoodStreak: 1, GPSMovingSpeedKmh: 5, Clock: clock}, nil)

	fast := goodFix(clock, 55.75, 37.62)
	fast.Speed = 20
	require.NotNil(t, f.Filter(fast), "fast good fix must emit without a motion source")
	clock.Advance(time.Second)

	slow := goodFix(clock, 55.7501, 37.62)
	slow.Speed = 3
	assert.Nil(t, f.Filter(slow), "slow fix lands in the stationary branch")
}

func TestInsaneFixStillHeartbeatsFromAnchor(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	f := New(Options{
		ReportInterval:    5 * time.Second,
		StartupGoodStreak: 1,
		Clock:             clock,
	}, nil)

	fast := goodFix(clock, 55.75, 37.62)
	fast.Speed = 20
	require.NotNil(t, f.Filter(fast))
	clock.Advance(6 * time.Second)

	insane := goodFix(clock, 55.75, 37.62)
	insane.Accuracy = 900
	insane.Battery = 55
	out := f.Filter(insane)
	require.NotNil(t, out, "anchor derived from last sent must still heartbeat")
	assert.Equal(t, 55.75, out.Latitude)
	assert.Zero(t, out.Speed)
	assert.Equal(t, 55.0, out.Battery, "heartbeat refreshes battery from the latest reading")
}

func TestWallTimeReconciliation(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	f := New(Options{
		ReportInterval:    5 * time.Second,
		StartupGoodStreak: 1,
		Clock:             clock,
	}, &fakeMotion{})

	wall := time.Date(2025, 3, 1, 11, 59, 0, 0, time.UTC) // GPS wall clock runs 60s behind
	for i := 0; i < 5; i++ {
		p := goodFix(clock, 55.75, 37.62)
		p.Time = wall.Add(time.Duration(i) * time.Second)
		f.Filter(p)
		clock.Advance(time.Second)
	}
	require.NotNil(t, f.Anchor())

	// an insane fix carries no usable wall time; the heartbeat timestamp
	// must be the last good wall time plus monotonic elapsed time
	clock.Advance(10 * time.Second)
	insane := goodFix(clock, 55.75, 37.62)
	insane.Accuracy = 900
	out := f.Filter(insane)
	require.NotNil(t, out)

	wantWall := wall.Add(4 * time.Second).Add(11 * time.Second)
	assert.Equal(t, wantWall, out.Time)
}

func TestJumpGuardHoldsAnchorOnTeleport(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	f := New(Options{
		ReportInterval:    5 * time.Second,
		StartupGoodStreak: 1,
		JumpGuard:         true,
		Clock:             clock,
	}, nil)

	fast := goodFix(clock, 55.75, 37.62)
	fast.Speed = 20
	require.NotNil(t, f.Filter(fast))
	clock.Advance(time.Second)

	// ~11km in one second: implausible, guard holds the previous position
	tele := goodFix(clock, 55.85, 37.62)
	tele.Speed = 20
	out := f.Filter(tele)
	if out != nil {
		assert.Equal(t, 55.75, out.Latitude, "teleported coordinates must not be emitted")
	}

	// once enough time has passed that the displacement implies a plausible
	// speed, the guard releases and the new location emits again
	clock.Advance(150 * time.Second)
	after := goodFix(clock, 55.85, 37.62)
	after.Speed = 20
	out = f.Filter(after)
	require.NotNil(t, out)
	assert.Equal(t, 55.85, out.Latitude)
}
