// Package pause implements the pause detector of spec.md sections 4.4 and
// 4.5: a consensus-based detector of process-wide execution stalls, plus
// the listener registration/dispatch machinery shared by every consumer
// (the time-capped estimator and the latency stats recorder).
package pause // import "github.com/LatencyUtils/LatencyUtils/pause"

import (
	"sync"
	"weak"

	"fortio.org/log"
)

// Listener is notified of detected pauses. Implementations should not
// block - dispatch is serialized through a single internal queue, so a
// slow listener delays every other listener and every future pause
// notification.
type Listener interface {
	OnPause(length, endTimeNanos int64)
}

// ptrListener constrains AddListener's type parameter to pointer types
// whose pointee implements Listener - it's how we obtain a weak.Pointer
// to the caller's concrete object while only requiring a Listener at the
// call site.
type ptrListener[T any] interface {
	*T
	Listener
}

// Registration is returned by AddListener and passed to RemoveListener.
// It is opaque; the detector does not keep the registered listener alive -
// see the weak pointer discussion in spec.md section 9.
type Registration struct {
	highPriority bool
	check        func() (notify func(length, endTime int64), live bool)
}

type msgKind int

const (
	msgAdd msgKind = iota
	msgRemove
	msgNotify
	msgProbe
)

type message struct {
	kind            msgKind
	reg             *Registration
	length, endTime int64
	probe           chan [2]int
}

// Detector is the abstract pause detector: ordered listener lists (high
// priority dispatched before normal within a single notification), and a
// single dispatcher goroutine draining a message queue so that listener
// mutations and notifications are always observed in publish order.
type Detector struct {
	queue chan message

	mu     sync.Mutex // guards only closed, not the lists (dispatcher-owned)
	closed bool
	wg     sync.WaitGroup

	high   []*Registration
	normal []*Registration
}

// NewDetector creates a Detector with its dispatcher goroutine running.
// Most callers want SimplePauseDetector instead; NewDetector is exposed
// for tests and for custom detector implementations that only need the
// listener-dispatch plumbing.
func NewDetector() *Detector {
	d := &Detector{queue: make(chan message, 256)}
	d.wg.Add(1)
	go d.dispatchLoop()
	return d
}

// AddListener registers l (a pointer to a concrete listener type) with the
// detector. The detector holds only a weak reference: if l becomes
// otherwise unreachable, the registration self-removes the next time an
// event is dispatched (spec.md section 9, "weak back-reference from
// detector to consumer").
func AddListener[T any, PT ptrListener[T]](d *Detector, l PT, highPriority bool) *Registration {
	wp := weak.Make((*T)(l))
	reg := &Registration{highPriority: highPriority}
	reg.check = func() (func(int64, int64), bool) {
		v := wp.Value()
		if v == nil {
			return nil, false
		}
		pt := PT(v)
		return pt.OnPause, true
	}
	d.enqueue(message{kind: msgAdd, reg: reg})
	return reg
}

// RemoveListener deregisters reg. A notification already in flight may
// still be delivered once more (spec.md section 7: "eventually
// consistent").
func (d *Detector) RemoveListener(reg *Registration) {
	if reg == nil {
		return
	}
	d.enqueue(message{kind: msgRemove, reg: reg})
}

// Notify publishes a detected pause of the given length (nanoseconds)
// ending at endTime (nanoseconds, clock.Clock.NowNanos scale) to every
// live listener, high priority first.
func (d *Detector) Notify(length, endTime int64) {
	d.enqueue(message{kind: msgNotify, length: length, endTime: endTime})
}

func (d *Detector) enqueue(m message) bool {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		log.LogVf("pause: dropping message on shut-down detector: %+v", m)
		return false
	}
	d.queue <- m
	return true
}

// Shutdown stops the dispatcher goroutine after draining any already
// queued messages. Safe to call once; a second call is a no-op.
func (d *Detector) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	close(d.queue)
	d.wg.Wait()
}

// ListenerCounts returns the current number of live high-priority and
// normal-priority registrations, synchronized through the dispatcher.
// Intended for tests and diagnostics.
func (d *Detector) ListenerCounts() (high, normal int) {
	probe := make(chan [2]int, 1)
	if !d.enqueue(message{kind: msgProbe, probe: probe}) {
		return 0, 0
	}
	counts := <-probe
	return counts[0], counts[1]
}

func (d *Detector) dispatchLoop() {
	defer d.wg.Done()
	for m := range d.queue {
		switch m.kind {
		case msgAdd:
			if m.reg.highPriority {
				d.high = append(d.high, m.reg)
			} else {
				d.normal = append(d.normal, m.reg)
			}
		case msgRemove:
			d.high = removeReg(d.high, m.reg)
			d.normal = removeReg(d.normal, m.reg)
		case msgNotify:
			// High priority first within this single event, per spec.md
			// section 9: "the estimator must see a pause before the
			// recorder does".
			d.high = dispatchAndPrune(d.high, m.length, m.endTime)
			d.normal = dispatchAndPrune(d.normal, m.length, m.endTime)
		case msgProbe:
			m.probe <- [2]int{len(d.high), len(d.normal)}
		}
	}
}

func removeReg(list []*Registration, target *Registration) []*Registration {
	for i, r := range list {
		if r == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func dispatchAndPrune(list []*Registration, length, endTime int64) []*Registration {
	live := list[:0]
	for _, r := range list {
		notify, ok := r.check()
		if !ok {
			log.LogVf("pause: listener garbage collected, dropping registration")
			continue
		}
		notify(length, endTime)
		live = append(live, r)
	}
	return live
}
