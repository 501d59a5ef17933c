package estimator

import (
	"sync"

	"github.com/LatencyUtils/LatencyUtils/pause"
)

// pauseRingCapacity is the bounded capacity P of the active-pause ring,
// per spec.md section 3 ("capacity P (e.g. 32)").
const pauseRingCapacity = 32

type pauseRecord struct {
	startTime int64
	length    int64
}

// TimeCappedEstimator wraps a MovingAverageEstimator with a time cap: it
// listens (at high priority) for detected pauses, inflates the cap while
// those pauses are still within the query window, and expires stale
// samples once the window shrinks back. See spec.md section 4.3.
type TimeCappedEstimator struct {
	base *MovingAverageEstimator

	mu          sync.Mutex
	baseTimeCap int64
	timeCap     int64
	pauses      [pauseRingCapacity]pauseRecord
	head, tail  int // circular, tail-head == number of active pauses

	detector     *pause.Detector
	registration *pause.Registration
}

// NewTimeCappedEstimator creates an estimator over the given window
// (rounded up to a power of two) and base time cap (nanoseconds). If
// detector is non-nil, the estimator registers itself as a high-priority
// listener so recorded pauses immediately inflate the cap.
func NewTimeCappedEstimator(window int, baseTimeCap int64, detector *pause.Detector) *TimeCappedEstimator {
	e := &TimeCappedEstimator{
		base:        NewMovingAverageEstimator(window),
		baseTimeCap: baseTimeCap,
		timeCap:     baseTimeCap,
		detector:    detector,
	}
	if detector != nil {
		e.registration = pause.AddListener(detector, e, true)
	}
	return e
}

// OnPause implements pause.Listener.
func (e *TimeCappedEstimator) OnPause(length, endTime int64) {
	e.RecordPause(length, endTime)
}

// Record appends endTime as the latest observed sample end.
func (e *TimeCappedEstimator) Record(endTime int64) {
	e.base.Record(endTime)
}

// RecordPause registers a detected pause of the given length ending at
// endTime, inflating timeCap by length. If the active-pause ring is full,
// the oldest (still "active") pause is evicted first, its length
// subtracted back out of timeCap.
func (e *TimeCappedEstimator) RecordPause(length, endTime int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tail-e.head == pauseRingCapacity {
		evicted := e.pauses[e.head%pauseRingCapacity]
		e.timeCap -= evicted.length
		e.head++
	}
	e.pauses[e.tail%pauseRingCapacity] = pauseRecord{startTime: endTime - length, length: length}
	e.tail++
	e.timeCap += length
}

// Estimate returns the current expected interval as of queryTime, or
// ImpossiblyLarge if there isn't a reliable estimate (too few raw samples,
// the usable window has shrunk to one sample or fewer, or the active pause
// time is at least as long as the usable window's span).
func (e *TimeCappedEstimator) Estimate(queryTime int64) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Expire pauses that have fallen outside [queryTime-timeCap, queryTime].
	// Looped to a fixpoint: each eviction shrinks timeCap, which can pull
	// the window boundary in further and expire the next-oldest pause too.
	for {
		if e.tail == e.head {
			break
		}
		oldest := e.pauses[e.head%pauseRingCapacity]
		if oldest.startTime >= queryTime-e.timeCap {
			break
		}
		e.timeCap -= oldest.length
		e.head++
	}

	count := e.base.sampleCount()
	window := e.base.Window()
	if count < int64(window) {
		return ImpossiblyLarge
	}

	threshold := queryTime - e.timeCap
	// Binary search the minimal age-from-oldest index whose recorded end
	// time is within the capped window; intervalEndTimes are monotonically
	// non-decreasing from oldest to newest (spec.md section 4.3).
	lo, hi := int64(0), int64(window)
	for lo < hi {
		mid := (lo + hi) / 2
		if e.base.timeAt(count, mid) >= threshold {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	outside := lo
	usable := int64(window) - outside
	if usable <= 1 {
		return ImpossiblyLarge
	}
	windowStart := e.base.timeAt(count, outside)
	windowSpan := queryTime - windowStart
	pauseInWindow := e.timeCap - e.baseTimeCap
	numerator := windowSpan - pauseInWindow
	if numerator <= 0 {
		return ImpossiblyLarge
	}
	interval := numerator / (usable - 1)
	if interval < 1 {
		interval = 1
	}
	return interval
}

// Stop deregisters the estimator from its pause detector, if any.
func (e *TimeCappedEstimator) Stop() {
	if e.detector != nil && e.registration != nil {
		e.detector.RemoveListener(e.registration)
	}
}
