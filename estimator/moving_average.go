// Package estimator implements the moving-average and time-capped
// interval estimators of spec.md sections 4.2 and 4.3: a running estimate
// of the expected time between recordLatency calls, used by latencystats
// to size synthetic correction samples.
package estimator // import "github.com/LatencyUtils/LatencyUtils/estimator"

import (
	"math"
	"sync/atomic"

	"fortio.org/log"
)

// ImpossiblyLarge is the sentinel interval returned when there isn't
// enough data (or the window has gone stale) to produce a real estimate.
const ImpossiblyLarge int64 = math.MaxInt64

// MovingAverageEstimator tracks the average interval between the last W
// recorded end-times, where W is rounded up to a power of two. Record is
// wait-free (a single fetch-add plus a slot store); Estimate retries a
// torn read as described in spec.md section 4.2.
type MovingAverageEstimator struct {
	window int64 // power of two
	mask   int64

	count atomic.Int64
	times []atomic.Int64
}

// NewMovingAverageEstimator creates an estimator over the given window
// size, rounding up to the next power of two if needed (logged once, not
// an error - per spec.md section 7).
func NewMovingAverageEstimator(window int) *MovingAverageEstimator {
	w := nextPowerOfTwo(window)
	if w != window {
		log.Warnf("estimator window %d is not a power of two, rounding up to %d", window, w)
	}
	return &MovingAverageEstimator{
		window: int64(w),
		mask:   int64(w - 1),
		times:  make([]atomic.Int64, w),
	}
}

func nextPowerOfTwo(n int) int {
	if n < 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Window returns the (power-of-two) window size in effect.
func (e *MovingAverageEstimator) Window() int { return int(e.window) }

// sampleCount returns the current raw sample counter (monotonically
// increasing, not wrapped). Used by TimeCappedEstimator to index into the
// same ring this estimator already maintains, instead of duplicating
// storage.
func (e *MovingAverageEstimator) sampleCount() int64 { return e.count.Load() }

// timeAt returns the recorded end-time ageFromOldest slots newer than the
// oldest live sample, given a raw counter snapshot from sampleCount(). Callers
// must ensure ageFromOldest is within [0, window).
func (e *MovingAverageEstimator) timeAt(count, ageFromOldest int64) int64 {
	return e.times[(count+ageFromOldest)&e.mask].Load()
}

// Record appends endTime (nanoseconds) as the latest observed sample end.
func (e *MovingAverageEstimator) Record(endTime int64) {
	prev := e.count.Add(1) - 1
	e.times[prev&e.mask].Store(endTime)
}

// Estimate returns the current average inter-sample interval observed as
// of queryTime, or ImpossiblyLarge if fewer than Window() samples have
// been recorded yet.
func (e *MovingAverageEstimator) Estimate(queryTime int64) int64 {
	for {
		count := e.count.Load()
		if count < e.window {
			return ImpossiblyLarge
		}
		oldestIdx := count & e.mask
		newestIdx := (count + e.window - 1) & e.mask
		start := e.times[oldestIdx].Load()
		end := e.times[newestIdx].Load()
		if end < queryTime {
			end = queryTime
		}
		// Guard against the torn read where count advanced but the slot
		// write for the new oldest/newest hasn't landed yet: re-sample
		// count and retry until stable and the span is non-negative.
		if e.count.Load() == count && end-start >= 0 {
			interval := (end - start) / (e.window - 1)
			if interval < 1 {
				interval = 1
			}
			return interval
		}
	}
}
