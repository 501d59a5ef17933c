// Package clock abstracts monotonic time for the rest of the module.
//
// Default() always hands back a clock backed by the host monotonic clock;
// there is no process-wide switch to virtual time. A virtual clock, only
// ever advanced by tests calling MoveTimeForward, is created with
// NewVirtual and passed in explicitly. Library code should
// almost always take a Clock as a constructor parameter instead of calling
// Default() directly, the way fortio's periodic runner takes its Aborter
// as a parameter rather than reaching for global state.
package clock // import "github.com/LatencyUtils/LatencyUtils/clock"

import (
	"sync"
	"time"

	"fortio.org/log"
	"github.com/benbjohnson/clock"
)

// Clock is the facade consumed by the rest of the module. It is satisfied
// by both the real, host-backed clock and the virtual clock used in tests.
type Clock interface {
	// NowNanos returns the current monotonic time in nanoseconds.
	NowNanos() int64
	// NowMillis returns the current monotonic time in milliseconds.
	NowMillis() int64
	// SleepNanos parks the calling goroutine for d nanoseconds. On a
	// virtual clock this blocks until a test calls MoveTimeForward past
	// the wakeup point.
	SleepNanos(d int64)
	// NewScheduler returns a Scheduler bound to this clock.
	NewScheduler() *Scheduler
	// underlying exposes the benbjohnson/clock.Clock for Scheduler use.
	underlying() clock.Clock
}

// realClock is backed by the host monotonic clock.
type realClock struct {
	c clock.Clock
}

// NewReal returns a Clock backed by the host's monotonic clock.
func NewReal() Clock {
	return &realClock{c: clock.New()}
}

func (r *realClock) NowNanos() int64          { return r.c.Now().UnixNano() }
func (r *realClock) NowMillis() int64         { return r.c.Now().UnixNano() / int64(time.Millisecond) }
func (r *realClock) SleepNanos(d int64)       { r.c.Sleep(time.Duration(d)) }
func (r *realClock) NewScheduler() *Scheduler { return newScheduler(r.c) }
func (r *realClock) underlying() clock.Clock  { return r.c }

// NewVirtual returns a Clock that only advances when MoveTimeForward is
// called. Intended for deterministic tests. It wraps benbjohnson/clock's
// Mock, which parks Sleep, After, and Ticker callers on the same virtual
// timeline that Add/Set advances.
func NewVirtual() *VirtualClock {
	return &VirtualClock{m: clock.NewMock()}
}

// VirtualClock is the concrete, test-facing virtual clock. It implements
// Clock and additionally exposes MoveTimeForward.
type VirtualClock struct {
	m *clock.Mock
}

func (v *VirtualClock) NowNanos() int64          { return v.m.Now().UnixNano() }
func (v *VirtualClock) NowMillis() int64         { return v.m.Now().UnixNano() / int64(time.Millisecond) }
func (v *VirtualClock) SleepNanos(d int64)       { v.m.Sleep(time.Duration(d)) }
func (v *VirtualClock) NewScheduler() *Scheduler { return newScheduler(v.m) }
func (v *VirtualClock) underlying() clock.Clock  { return v.m }

// MoveTimeForward advances the virtual clock by d nanoseconds, releasing
// any goroutine parked in SleepNanos or waiting on the Scheduler whose
// deadline has now passed. Never called implicitly - only test code should
// call this.
func (v *VirtualClock) MoveTimeForward(d time.Duration) {
	log.Debugf("virtual clock advancing by %v", d)
	v.m.Add(d)
}

var (
	defaultOnce sync.Once
	defaultC    Clock
)

// Default returns the process-wide default Clock, lazily created as a
// real clock on first use - mirrors the "global default detector" idiom
// in pause.DefaultDetector.
func Default() Clock {
	defaultOnce.Do(func() {
		defaultC = NewReal()
	})
	return defaultC
}
