package pause

import (
	"sync"

	"github.com/LatencyUtils/LatencyUtils/clock"
)

var (
	defaultOnce sync.Once
	defaultMu   sync.Mutex
	defaultDet  *SimplePauseDetector
)

// DefaultDetector returns the process-wide default pause detector, lazily
// created (with spec.md's defaults: 3 observer threads, 1ms sleep, 1ms
// notification threshold) and started on first use. Every LatencyStats
// created without an explicit detector registers against this one, so a
// single observer fleet serves the whole process - per spec.md section 6.
// A prior call to SetDefaultDetector short-circuits the lazy creation and
// its detector is returned instead.
func DefaultDetector() *SimplePauseDetector {
	defaultOnce.Do(func() {
		defaultMu.Lock()
		defer defaultMu.Unlock()
		if defaultDet == nil {
			defaultDet = NewDefaultSimplePauseDetector(clock.Default())
			defaultDet.Start()
		}
	})
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultDet
}

// SetDefaultDetector installs d as the process-wide default, overriding
// whatever DefaultDetector would otherwise lazily create or has already
// created. Per spec.md section 9 ("tests that require determinism inject
// their own detector"), callers are responsible for the lifecycle
// (Start/Shutdown) of a detector they install here - DefaultDetector never
// starts or shuts down an explicitly-set detector. Calling this before the
// first DefaultDetector() call skips the lazy default entirely; calling it
// afterwards replaces the already-created one (the prior default keeps
// running until its owner shuts it down - SetDefaultDetector does not stop
// it).
func SetDefaultDetector(d *SimplePauseDetector) {
	defaultMu.Lock()
	defaultDet = d
	defaultMu.Unlock()
	defaultOnce.Do(func() {})
}
