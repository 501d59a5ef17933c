// Package latencystats implements the latency statistics recorder of
// spec.md section 4.6: wait-free value recording, pause-driven correction
// value synthesis, and a non-blocking reader/writer phase flip that lets a
// reader atomically rotate between two histograms while recording
// proceeds concurrently.
package latencystats // import "github.com/LatencyUtils/LatencyUtils/latencystats"

import (
	"errors"
	"sync/atomic"

	"fortio.org/log"

	"github.com/LatencyUtils/LatencyUtils/clock"
	"github.com/LatencyUtils/LatencyUtils/estimator"
	"github.com/LatencyUtils/LatencyUtils/histogram"
	"github.com/LatencyUtils/LatencyUtils/pause"
	"github.com/LatencyUtils/LatencyUtils/phaser"
)

// Defaults per spec.md section 6.
const (
	DefaultLowestTrackable   = 1_000
	DefaultHighestTrackable  = 3_600_000_000_000
	DefaultSignificantDigits = 2
	DefaultEstimatorWindow   = 1024
	DefaultEstimatorTimeCap  = 10_000_000_000
)

// ErrInvalidRange is returned by NewLatencyStats for the same reasons
// histogram.New rejects a range: lowestTrackable < 1, or highestTrackable
// less than twice lowestTrackable.
var ErrInvalidRange = errors.New("latencystats: invalid lowest/highest trackable range")

// Config holds LatencyStats construction parameters. Zero value uses the
// package defaults for every field left unset via NewLatencyStats's
// normalization.
type Config struct {
	LowestTrackable   int64
	HighestTrackable  int64
	SignificantDigits int
	EstimatorWindow   int
	EstimatorTimeCap  int64
	Clock             clock.Clock
	PauseDetector     *pause.SimplePauseDetector
}

func (c *Config) normalize() {
	if c.LowestTrackable == 0 {
		c.LowestTrackable = DefaultLowestTrackable
	}
	if c.HighestTrackable == 0 {
		c.HighestTrackable = DefaultHighestTrackable
	}
	if c.EstimatorWindow == 0 {
		c.EstimatorWindow = DefaultEstimatorWindow
	}
	if c.EstimatorTimeCap == 0 {
		c.EstimatorTimeCap = DefaultEstimatorTimeCap
	}
	if c.Clock == nil {
		c.Clock = clock.Default()
	}
	if c.PauseDetector == nil {
		c.PauseDetector = pause.DefaultDetector()
	}
}

// LatencyStats is the recorder: wait-free recordLatency, a reader-side
// interval-histogram snapshot that rotates active/inactive pairs under the
// phaser, and a pause-detector listener that synthesizes correction
// samples for detected stalls.
type LatencyStats struct {
	clock clock.Clock

	phase *phaser.Phaser

	// Plain pointer fields would race: a writer reads rawActive while the
	// reader swaps it inside rotate(). The phaser guarantees a writer that
	// captured its token under the retiring parity finishes its record
	// before FlipPhase returns, but that invariant governs ordering of the
	// histogram's own internal state, not the visibility of these pointer
	// fields themselves - so they're atomic, matching the volatile
	// activeHistogram/inactiveHistogram fields of the original recorder.
	rawActive, rawInactive                 atomic.Pointer[histogram.AtomicHistogram]
	correctionsActive, correctionsInactive atomic.Pointer[histogram.AtomicHistogram]

	estimator *estimator.TimeCappedEstimator

	detector     *pause.SimplePauseDetector
	registration *pause.Registration
}

// NewLatencyStats creates a recorder per the given config, normalizing
// zero-valued fields to spec.md's defaults.
func NewLatencyStats(cfg Config) (*LatencyStats, error) {
	cfg.normalize()
	if cfg.LowestTrackable < 1 || cfg.HighestTrackable < 2*cfg.LowestTrackable {
		return nil, ErrInvalidRange
	}
	sigDigits := cfg.SignificantDigits
	if sigDigits == 0 {
		sigDigits = DefaultSignificantDigits
	}

	newHist := func() *histogram.AtomicHistogram {
		h, err := histogram.NewAtomic(cfg.LowestTrackable, cfg.HighestTrackable, sigDigits)
		if err != nil {
			// cfg was already range-checked above with the same bounds.
			log.Fatalf("latencystats: unreachable histogram construction error: %v", err)
		}
		return h
	}

	ls := &LatencyStats{
		clock:    cfg.Clock,
		phase:    phaser.New(),
		detector: cfg.PauseDetector,
	}
	ls.rawActive.Store(newHist())
	ls.rawInactive.Store(newHist())
	ls.correctionsActive.Store(newHist())
	ls.correctionsInactive.Store(newHist())

	now := cfg.Clock.NowMillis()
	ls.rawActive.Load().SetStartTimeStamp(now)
	ls.correctionsActive.Load().SetStartTimeStamp(now)

	// The estimator itself listens at high priority, so it always sees a
	// pause and inflates its cap before LatencyStats (normal priority)
	// asks it for the estimated interval in OnPause.
	ls.estimator = estimator.NewTimeCappedEstimator(cfg.EstimatorWindow, cfg.EstimatorTimeCap, cfg.PauseDetector.Detector)
	ls.registration = pause.AddListener(cfg.PauseDetector.Detector, ls, false)
	return ls, nil
}

// RecordLatency records a single latency sample (in nanoseconds), ticking
// the interval estimator with the current clock time.
func (ls *LatencyStats) RecordLatency(ns int64) {
	tok := ls.phase.WriterEnter()
	defer ls.phase.WriterExit(tok)
	now := ls.clock.NowNanos()
	ls.estimator.Record(now)
	ls.rawActive.Load().Record(ns)
}

// OnPause implements pause.Listener: synthesizes correction samples for a
// detected pause of the given length ending at endTime, per spec.md
// section 4.6.
func (ls *LatencyStats) OnPause(length, endTime int64) {
	tok := ls.phase.WriterEnter()
	defer ls.phase.WriterExit(tok)

	estimatedInterval := ls.estimator.Estimate(endTime)
	if estimatedInterval == estimator.ImpossiblyLarge {
		return
	}
	minBar := length - estimatedInterval
	if minBar < estimatedInterval {
		return
	}
	corrections := ls.correctionsActive.Load()
	// Original LatencyStats.onPause clamps minBar to the histogram's
	// highest trackable value before recording, rather than letting it
	// silently overflow into the overflow bucket.
	if minBar > corrections.HighestTrackable() {
		log.Debugf("latencystats: clamping correction minBar %d to highest trackable %d", minBar, corrections.HighestTrackable())
		minBar = corrections.HighestTrackable()
	}
	corrections.RecordWithExpectedInterval(minBar, estimatedInterval)
}

// rotate swaps active/inactive histogram pairs and flips the phaser.
// Must be called with the reader lock held.
func (ls *LatencyStats) rotate() {
	rawInactive := ls.rawInactive.Load()
	correctionsInactive := ls.correctionsInactive.Load()
	rawInactive.Reset()
	correctionsInactive.Reset()

	rawActive := ls.rawActive.Swap(rawInactive)
	correctionsActive := ls.correctionsActive.Swap(correctionsInactive)
	ls.rawInactive.Store(rawActive)
	ls.correctionsInactive.Store(correctionsActive)

	now := ls.clock.NowMillis()
	rawInactive.SetStartTimeStamp(now) // now the active histogram
	correctionsInactive.SetStartTimeStamp(now)
	rawActive.SetEndTimeStamp(now) // now the inactive (just-retired) histogram
	correctionsActive.SetEndTimeStamp(now)

	ls.phase.FlipPhase()
}

// GetIntervalHistogram rotates and returns a new corrected interval
// histogram (raw + corrections since the previous call).
func (ls *LatencyStats) GetIntervalHistogram() (*histogram.Histogram, error) {
	inactive := ls.rawInactive.Load()
	target, err := histogram.New(inactive.LowestTrackable(), inactive.HighestTrackable(), 0)
	if err != nil {
		return nil, err
	}
	ls.GetIntervalHistogramInto(target)
	return target, nil
}

// GetIntervalHistogramInto rotates and overwrites target with the
// corrected interval histogram (raw + corrections) since the previous
// rotation.
func (ls *LatencyStats) GetIntervalHistogramInto(target *histogram.Histogram) {
	ls.phase.ReaderLock()
	defer ls.phase.ReaderUnlock()
	ls.rotate()
	target.Reset()
	ls.rawInactive.Load().Add(target)
	ls.correctionsInactive.Load().Add(target)
}

// AddIntervalHistogramTo rotates and adds the corrected interval
// histogram (raw + corrections) into target, leaving target's prior
// contents intact (accumulation, not replacement).
func (ls *LatencyStats) AddIntervalHistogramTo(target *histogram.Histogram) {
	ls.phase.ReaderLock()
	defer ls.phase.ReaderUnlock()
	ls.rotate()
	ls.rawInactive.Load().Add(target)
	ls.correctionsInactive.Load().Add(target)
}

// GetUncorrectedIntervalHistogram rotates and returns a new interval
// histogram built from the raw recorded samples only, per spec.md section
// 4.6's uncorrected accessor family - no pause-driven correction samples
// are mixed in, even if pauses were detected during the interval.
func (ls *LatencyStats) GetUncorrectedIntervalHistogram() (*histogram.Histogram, error) {
	inactive := ls.rawInactive.Load()
	target, err := histogram.New(inactive.LowestTrackable(), inactive.HighestTrackable(), 0)
	if err != nil {
		return nil, err
	}
	ls.GetUncorrectedIntervalHistogramInto(target)
	return target, nil
}

// GetUncorrectedIntervalHistogramInto rotates and overwrites target with
// the raw-only interval histogram since the previous rotation, discarding
// whatever correction samples were synthesized during the interval.
func (ls *LatencyStats) GetUncorrectedIntervalHistogramInto(target *histogram.Histogram) {
	ls.phase.ReaderLock()
	defer ls.phase.ReaderUnlock()
	ls.rotate()
	target.Reset()
	ls.rawInactive.Load().Add(target)
}

// AddUncorrectedIntervalHistogramTo rotates and adds the raw-only interval
// histogram into target, leaving target's prior contents intact
// (accumulation, not replacement).
func (ls *LatencyStats) AddUncorrectedIntervalHistogramTo(target *histogram.Histogram) {
	ls.phase.ReaderLock()
	defer ls.phase.ReaderUnlock()
	ls.rotate()
	ls.rawInactive.Load().Add(target)
}

// Stop deregisters this recorder from its pause detector. Safe to call
// even if the recorder is later garbage collected without Stop - the weak
// listener registration self-removes, see pause.AddListener.
func (ls *LatencyStats) Stop() {
	ls.estimator.Stop()
	if ls.detector != nil && ls.registration != nil {
		ls.detector.RemoveListener(ls.registration)
	}
}
