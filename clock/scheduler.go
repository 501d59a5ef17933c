package clock

import (
	"sync"
	"time"

	"fortio.org/log"
	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
)

// Scheduler runs callbacks at a fixed period against a single Clock (real
// or virtual). It is the "shared scheduler" of spec.md section 2: an
// optional periodic callback used for interval rotation. Modeled on
// fortio's periodic.Aborter cooperative-shutdown channel idiom.
type Scheduler struct {
	c clock.Clock

	mu      sync.Mutex
	stopped bool
	group   *errgroup.Group
	cancels []func()
}

func newScheduler(c clock.Clock) *Scheduler {
	return &Scheduler{c: c, group: &errgroup.Group{}}
}

// Task is a callback scheduled by Schedule.
type Task func()

// Cancel stops a single scheduled task. Safe to call more than once.
type Cancel func()

// Schedule runs task every period, starting after the first period elapses,
// until either Cancel is called or the Scheduler is shut down. On a virtual
// clock, task only fires when MoveTimeForward advances time past the next
// tick - no wall-clock sleeping ever happens in tests.
func (s *Scheduler) Schedule(period time.Duration, task Task) Cancel {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		log.Warnf("Schedule called on a stopped Scheduler, task will never run")
		return func() {}
	}
	ticker := s.c.Ticker(period)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()

	s.group.Go(func() error {
		for {
			select {
			case <-done:
				return nil
			case <-ticker.C:
				task()
			}
		}
	})
	return cancel
}

// Stop cancels every scheduled task and waits for their goroutines to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	_ = s.group.Wait()
}
