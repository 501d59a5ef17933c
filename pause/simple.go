package pause

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"fortio.org/log"

	"github.com/LatencyUtils/LatencyUtils/clock"
)

// Defaults per spec.md section 6.
const (
	DefaultSleepInterval        = time.Millisecond
	DefaultNotificationThreshold = time.Millisecond
	DefaultThreads              = 3
	// MaxThreads bounds the observer fleet so the bitmask fields below
	// (uint64) can address every thread by index.
	MaxThreads = 64
)

// ErrInvalidThreadCount is returned when threads is outside [1, MaxThreads].
var ErrInvalidThreadCount = errors.New("pause: thread count must be between 1 and 64")

// SimplePauseDetector discovers process-wide stalls by consensus across N
// observer threads, per spec.md section 4.5: a stall local to a single
// thread (e.g. blocked I/O) is not reported; a stall visible to every
// observer is.
type SimplePauseDetector struct {
	*Detector

	clock                 clock.Clock
	sleepInterval         time.Duration
	notificationThreshold int64
	threads               int

	consensusLatestTime atomic.Int64

	// Test-only hooks: bit i of stallMask forces observer i to busy-loop;
	// bit i of stopMask tells observer i to exit. Both per spec.md
	// section 4.5/6.
	stallMask atomic.Uint64
	stopMask  atomic.Uint64

	started atomic.Bool
	wg      sync.WaitGroup
}

// NewSimplePauseDetector creates (but does not start) a detector with the
// given observer fleet size, inter-tick sleep, and notification threshold.
func NewSimplePauseDetector(c clock.Clock, threads int, sleepInterval, notificationThreshold time.Duration) (*SimplePauseDetector, error) {
	if threads < 1 || threads > MaxThreads {
		return nil, ErrInvalidThreadCount
	}
	if c == nil {
		c = clock.Default()
	}
	return &SimplePauseDetector{
		Detector:              NewDetector(),
		clock:                 c,
		sleepInterval:         sleepInterval,
		notificationThreshold: notificationThreshold.Nanoseconds(),
		threads:               threads,
	}, nil
}

// NewDefaultSimplePauseDetector creates a detector using spec.md's
// defaults: 3 threads, 1ms sleep, 1ms notification threshold.
func NewDefaultSimplePauseDetector(c clock.Clock) *SimplePauseDetector {
	d, err := NewSimplePauseDetector(c, DefaultThreads, DefaultSleepInterval, DefaultNotificationThreshold)
	if err != nil {
		// Unreachable: DefaultThreads is always in range.
		log.Fatalf("pause: default detector construction failed: %v", err)
	}
	return d
}

// Start launches the N observer goroutines. Safe to call only once.
func (s *SimplePauseDetector) Start() {
	if !s.started.CompareAndSwap(false, true) {
		log.Warnf("pause: Start called twice on the same detector, ignoring")
		return
	}
	now := s.clock.NowNanos()
	s.consensusLatestTime.Store(now)
	s.wg.Add(s.threads)
	for i := 0; i < s.threads; i++ {
		go s.observe(i, now)
	}
}

func bit(id int) uint64 { return 1 << uint(id) }

func (s *SimplePauseDetector) stopped(id int) bool {
	return s.stopMask.Load()&bit(id) != 0
}

func (s *SimplePauseDetector) observe(id int, prevNow int64) {
	defer s.wg.Done()
	shortestAround := int64(1<<63 - 1)
	for {
		if s.stopped(id) {
			return
		}
		if s.sleepInterval > 0 {
			s.clock.SleepNanos(int64(s.sleepInterval))
		}
		for s.stallMask.Load()&bit(id) != 0 {
			if s.stopped(id) {
				return
			}
			runtime.Gosched()
		}
		if s.stopped(id) {
			return
		}
		prior := s.consensusLatestTime.Load()
		now := s.clock.NowNanos()
		if s.consensusLatestTime.CompareAndSwap(prior, now) {
			delta := now - prior
			around := now - prevNow
			if around > 0 && around < shortestAround {
				shortestAround = around
			}
			hiccup := delta - shortestAround
			if hiccup < 0 {
				hiccup = 0
			}
			if hiccup > s.notificationThreshold {
				log.LogVf("pause: observer %d detected hiccup of %dns (threshold %dns)", id, hiccup, s.notificationThreshold)
				s.Notify(hiccup, now)
			}
		}
		// Only one observer wins the CAS per tick; everyone else simply
		// retries on the next tick - that's the consensus property.
		prevNow = now
	}
}

// SetStalled forces (or releases) observer thread id into a busy-loop,
// for tests simulating a single-thread-only stall that must NOT trigger
// consensus detection (spec.md section 8, scenario 2).
func (s *SimplePauseDetector) SetStalled(id int, stalled bool) {
	if stalled {
		s.stallMask.Or(bit(id))
	} else {
		s.stallMask.And(^bit(id))
	}
}

// Shutdown signals every observer thread to stop, waits for them to exit,
// then tears down the listener-dispatch goroutine. Cooperative: relies on
// observers noticing the stop bitmask within one sleepInterval/tick.
func (s *SimplePauseDetector) Shutdown() {
	if !s.started.Load() {
		s.Detector.Shutdown()
		return
	}
	var all uint64
	if s.threads == 64 {
		all = ^uint64(0)
	} else {
		all = (uint64(1) << uint(s.threads)) - 1
	}
	s.stopMask.Store(all)
	s.wg.Wait()
	s.Detector.Shutdown()
}
