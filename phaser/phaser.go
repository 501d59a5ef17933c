// Package phaser implements the phased writer-reader lock of spec.md
// section 4.1: writers never block (a fetch-add on entry, a matching
// fetch-add on exit); only flipPhase, called by a reader, ever waits, and
// only for writers that are already in flight under the phase being
// retired.
package phaser // import "github.com/LatencyUtils/LatencyUtils/phaser"

import (
	"runtime"
	"sync"
	"sync/atomic"

	"fortio.org/log"
)

// Token is returned by WriterEnter and must be passed back to WriterExit
// on every exit path (including recover-from-panic paths), or a future
// FlipPhase will spin forever waiting for a writer that never checked out.
type Token int64

// Phaser is the phased writer-reader lock. Zero value is not usable; use
// New.
type Phaser struct {
	startEpoch   atomic.Int64
	evenEndEpoch atomic.Int64
	oddEndEpoch  atomic.Int64

	readerMu sync.Mutex
	locked   atomic.Bool // set while readerMu is held, for FlipPhase's fail-fast check
}

// New creates a Phaser with startEpoch at 0, evenEndEpoch at 0, and
// oddEndEpoch at 1, per spec.md section 4.
func New() *Phaser {
	p := &Phaser{}
	p.oddEndEpoch.Store(1)
	return p
}

// WriterEnter atomically advances startEpoch by 2 and returns the value it
// held beforehand; that value's parity selects which end epoch WriterExit
// must advance. Wait-free, never blocks.
func (p *Phaser) WriterEnter() Token {
	return Token(p.startEpoch.Add(2) - 2)
}

// WriterExit advances the end epoch matching token's parity by 2. Must be
// called exactly once per WriterEnter, on every exit path - a deferred
// call is the usual way to guarantee that even if the writer's critical
// section panics.
func (p *Phaser) WriterExit(token Token) {
	if token&1 == 0 {
		p.evenEndEpoch.Add(2)
	} else {
		p.oddEndEpoch.Add(2)
	}
}

// ReaderLock takes the single reader-side critical section. Only one
// reader may be inside at a time; FlipPhase requires this lock held.
func (p *Phaser) ReaderLock() {
	p.readerMu.Lock()
	p.locked.Store(true)
}

// ReaderUnlock releases the reader-side critical section.
func (p *Phaser) ReaderUnlock() {
	p.locked.Store(false)
	p.readerMu.Unlock()
}

// FlipPhase retires the currently active phase and activates the other
// one, returning only once every writer that entered under the
// now-retired parity has called WriterExit. Must be called with the
// reader lock held; calling it otherwise is a programmer error and is
// reported as such (spec.md section 7).
func (p *Phaser) FlipPhase() {
	if !p.locked.Load() {
		log.Critf("phaser: FlipPhase called without holding the reader lock")
		return
	}

	current := p.startEpoch.Load()
	nextIsOdd := current&1 == 0
	// Reset the next phase's end epoch to its base before any writer can
	// enter under that parity; every writer of that parity already exited
	// before the previous flip returned.
	var base int64
	if nextIsOdd {
		base = 1
		p.oddEndEpoch.Store(base)
	} else {
		base = 0
		p.evenEndEpoch.Store(base)
	}

	startAtFlip := p.startEpoch.Swap(base)

	// The currently active (about-to-retire) parity is that of
	// startAtFlip: if it's even, outstanding writers bump evenEndEpoch on
	// exit, and so on. Spin until that end epoch catches up to
	// startAtFlip - at that instant every writer that entered under the
	// retiring parity has exited. Bounded in practice by the longest
	// writer critical section.
	var retiring *atomic.Int64
	if startAtFlip&1 == 0 {
		retiring = &p.evenEndEpoch
	} else {
		retiring = &p.oddEndEpoch
	}
	for retiring.Load() != startAtFlip {
		runtime.Gosched()
	}
}
