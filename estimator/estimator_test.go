package estimator

import (
	"testing"
	"time"

	"github.com/LatencyUtils/LatencyUtils/pause"
)

func TestMovingAverageConstantRate(t *testing.T) {
	e := NewMovingAverageEstimator(16)
	const interval = int64(1_000_000) // 1ms in nanoseconds
	var now int64
	for i := 0; i < 16; i++ {
		now += interval
		e.Record(now)
	}
	got := e.Estimate(now)
	if got != interval {
		t.Fatalf("expected estimate %d, got %d", interval, got)
	}
}

func TestMovingAverageRoundsWindowUpToPowerOfTwo(t *testing.T) {
	e := NewMovingAverageEstimator(10)
	if e.Window() != 16 {
		t.Fatalf("expected window rounded up to 16, got %d", e.Window())
	}
}

func TestMovingAverageImpossiblyLargeBeforeWindowFull(t *testing.T) {
	e := NewMovingAverageEstimator(8)
	for i := 0; i < 7; i++ {
		e.Record(int64(i) * 1000)
	}
	if got := e.Estimate(7000); got != ImpossiblyLarge {
		t.Fatalf("expected ImpossiblyLarge with a partial window, got %d", got)
	}
}

func TestTimeCappedEstimatorTracksMovingAverageWithoutPauses(t *testing.T) {
	e := NewTimeCappedEstimator(16, int64(1_000_000_000), nil)
	const interval = int64(1_000_000)
	var now int64
	for i := 0; i < 16; i++ {
		now += interval
		e.Record(now)
	}
	got := e.Estimate(now)
	if got != interval {
		t.Fatalf("expected estimate %d, got %d", interval, got)
	}
}

func TestTimeCappedEstimatorExpiresStaleWindow(t *testing.T) {
	baseCap := int64(1000) // nanoseconds, deliberately tiny
	e := NewTimeCappedEstimator(16, baseCap, nil)
	var now int64
	for i := 0; i < 16; i++ {
		now += 100
		e.Record(now)
	}
	// Query far enough in the future that every recorded sample falls
	// outside the time cap: the window can't be trusted any more.
	got := e.Estimate(now + 10_000_000)
	if got != ImpossiblyLarge {
		t.Fatalf("expected ImpossiblyLarge once every sample predates the time cap, got %d", got)
	}
}

func TestTimeCappedEstimatorPauseInflatesCap(t *testing.T) {
	baseCap := int64(200)
	e := NewTimeCappedEstimator(16, baseCap, nil)
	var now int64
	for i := 0; i < 16; i++ {
		now += 100
		e.Record(now)
	}
	query := now + 5000
	// Baseline: no pause recorded, so by the time we query, every sample
	// predates the (tiny) time cap - the window can't be trusted.
	withoutPause := e.Estimate(query)

	e2 := NewTimeCappedEstimator(16, baseCap, nil)
	now = 0
	for i := 0; i < 16; i++ {
		now += 100
		e2.Record(now)
	}
	query = now + 5000
	// A pause ending exactly at the query time inflates timeCap enough
	// that some of the recorded samples fall back inside the window.
	e2.RecordPause(5000, query)
	withPause := e2.Estimate(query)

	if withoutPause != ImpossiblyLarge {
		t.Fatalf("expected baseline query to be stale without the pause, got %d", withoutPause)
	}
	if withPause == ImpossiblyLarge {
		t.Fatalf("expected the pause to keep the window usable, got ImpossiblyLarge")
	}
}

func TestTimeCappedEstimatorRegistersAsPauseListener(t *testing.T) {
	d := pause.NewDetector()
	defer d.Shutdown()
	e := NewTimeCappedEstimator(16, 200, d)
	defer e.Stop()
	var now int64
	for i := 0; i < 16; i++ {
		now += 100
		e.Record(now)
	}
	query := now + 5000
	if got := e.Estimate(query); got != ImpossiblyLarge {
		t.Fatalf("expected baseline query to be stale before any pause notification, got %d", got)
	}
	d.Notify(5000, query)
	waitForCondition(t, func() bool {
		return e.Estimate(query) != ImpossiblyLarge
	})
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition never became true")
}
