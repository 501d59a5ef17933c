package latencystats

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/LatencyUtils/LatencyUtils/clock"
	"github.com/LatencyUtils/LatencyUtils/histogram"
	"github.com/LatencyUtils/LatencyUtils/pause"
)

func newTestDetector(t *testing.T) (*clock.VirtualClock, *pause.SimplePauseDetector) {
	t.Helper()
	v := clock.NewVirtual()
	d, err := pause.NewSimplePauseDetector(v, 1, 0, time.Nanosecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(d.Shutdown)
	return v, d
}

func TestRecordLatencyNoPauseCountsSum(t *testing.T) {
	v, d := newTestDetector(t)
	ls, err := NewLatencyStats(Config{Clock: v, PauseDetector: d})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer ls.Stop()

	const n = 2000
	for i := 0; i < n; i++ {
		ls.RecordLatency(1)
	}
	h, err := ls.GetIntervalHistogram()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Count() != n {
		t.Fatalf("expected %d recorded samples, got %d", n, h.Count())
	}

	// A second interval with no further recording should be empty.
	h2, err := ls.GetIntervalHistogram()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h2.Count() != 0 {
		t.Fatalf("expected empty second interval, got %d", h2.Count())
	}
}

func TestOnPauseSynthesizesCorrections(t *testing.T) {
	v, d := newTestDetector(t)
	ls, err := NewLatencyStats(Config{
		Clock:            v,
		PauseDetector:    d,
		EstimatorWindow:  16,
		EstimatorTimeCap: 1_000_000_000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer ls.Stop()

	// Establish a steady rate so the estimator has a real interval.
	for i := 0; i < 32; i++ {
		ls.RecordLatency(1000)
		v.MoveTimeForward(time.Millisecond)
	}
	if _, err := ls.GetIntervalHistogram(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Inject a pause much longer than the established interval (1ms):
	// this should synthesize several correction samples. The virtual clock
	// moves over the pause first, as it would during a real stall.
	v.MoveTimeForward(50 * time.Millisecond)
	now := v.NowNanos()
	d.Notify(50_000_000, now) // 50ms pause
	waitUntil(t, func() bool {
		h, _ := ls.GetIntervalHistogram()
		return h.Count() > 0
	})
}

func TestUncorrectedIntervalHistogramExcludesCorrections(t *testing.T) {
	v, d := newTestDetector(t)
	ls, err := NewLatencyStats(Config{
		Clock:            v,
		PauseDetector:    d,
		EstimatorWindow:  16,
		EstimatorTimeCap: 1_000_000_000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer ls.Stop()

	for i := 0; i < 32; i++ {
		ls.RecordLatency(1000)
		v.MoveTimeForward(time.Millisecond)
	}
	// Flush the steady-state batch so the upcoming pause's correction
	// samples land in a clean interval.
	if _, err := ls.GetIntervalHistogram(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	v.MoveTimeForward(50 * time.Millisecond)
	now := v.NowNanos()
	d.Notify(50_000_000, now) // 50ms pause, well beyond the 1ms interval
	waitUntil(t, func() bool {
		corrected, _ := ls.GetIntervalHistogram()
		return corrected.Count() > 0
	})

	// Fresh batch of raw samples plus another pause, checked through the
	// uncorrected accessor this time.
	for i := 0; i < 10; i++ {
		ls.RecordLatency(1000)
		v.MoveTimeForward(time.Millisecond)
	}
	v.MoveTimeForward(50 * time.Millisecond)
	now = v.NowNanos()
	d.Notify(50_000_000, now)
	// Give the single-goroutine dispatcher time to deliver OnPause into
	// the active corrections histogram before rotating past it.
	time.Sleep(20 * time.Millisecond)

	uncorrected, err := ls.GetUncorrectedIntervalHistogram()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uncorrected.Count() != 10 {
		t.Fatalf("expected the uncorrected histogram to contain only the 10 raw samples, got %d", uncorrected.Count())
	}
}

func TestAddUncorrectedIntervalHistogramTo(t *testing.T) {
	v, d := newTestDetector(t)
	ls, err := NewLatencyStats(Config{Clock: v, PauseDetector: d})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer ls.Stop()

	for i := 0; i < 10; i++ {
		ls.RecordLatency(1)
	}
	target := histogram.MustNew(ls.rawActive.Load().LowestTrackable(), ls.rawActive.Load().HighestTrackable(), 2)
	ls.AddUncorrectedIntervalHistogramTo(target)
	if target.Count() != 10 {
		t.Fatalf("expected 10 accumulated raw samples, got %d", target.Count())
	}

	for i := 0; i < 5; i++ {
		ls.RecordLatency(1)
	}
	ls.AddUncorrectedIntervalHistogramTo(target)
	if target.Count() != 15 {
		t.Fatalf("expected accumulation across calls to reach 15, got %d", target.Count())
	}
}

func TestPhaseFlipSafetyConcurrentWritersAndReader(t *testing.T) {
	v, d := newTestDetector(t)
	ls, err := NewLatencyStats(Config{Clock: v, PauseDetector: d})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer ls.Stop()

	const writers = 4
	const perWriter = 50_000
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				ls.RecordLatency(1)
			}
		}()
	}

	var total int64
	done := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-done:
				return
			default:
			}
			h, err := ls.GetIntervalHistogram()
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			total += h.Count()
			time.Sleep(time.Microsecond)
		}
	}()

	wg.Wait()
	close(done)
	<-readerDone
	// Drain whatever remains in the active histogram.
	h, err := ls.GetIntervalHistogram()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	total += h.Count()

	if want := int64(writers * perWriter); total != want {
		t.Fatalf("expected total recorded count %d, got %d", want, total)
	}
}

func TestWeakRegistrationSelfCleansUp(t *testing.T) {
	v, d := newTestDetector(t)
	func() {
		ls, err := NewLatencyStats(Config{Clock: v, PauseDetector: d})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ls.RecordLatency(1)
		_ = ls
		// Deliberately do not call ls.Stop(): let it become unreachable
		// and rely on the weak-reference self-deregistration instead.
	}()

	for i := 0; i < 5; i++ {
		runtime.GC()
		d.Notify(1, int64(i))
		time.Sleep(5 * time.Millisecond)
	}
	_, normal := d.ListenerCounts()
	if normal != 0 {
		t.Fatalf("expected the dropped LatencyStats registration to be pruned, still have %d", normal)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}
