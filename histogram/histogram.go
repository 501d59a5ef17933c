// Package histogram is the bucketed latency histogram consumed by the core
// of this module (phaser, estimator, pause, latencystats). It is an
// external collaborator per spec.md section 1/6: the core only ever calls
// Record, RecordWithExpectedInterval, Reset, CopyInto, Add,
// SetStartTimeStamp/SetEndTimeStamp, the LowestTrackable/HighestTrackable
// accessors, and construction with (low, high, sigDigits).
//
// Bucket layout is adapted from fortio's stats.Histogram (itself inspired
// by facebook/wdt's Stats.h): a fixed table of bucket boundaries growing
// 1,2,3...11,12,14,...,100000 scaled by an Offset/Divider pair, giving
// roughly 2-3 significant decimal digits of resolution per decade. Divider
// is derived from (highestTrackable-lowestTrackable) so the table spans
// exactly the caller's trackable range; significantDigits is validated
// (0-5) but does not change the bucket layout, which is always the fixed
// table above.
package histogram // import "github.com/LatencyUtils/LatencyUtils/histogram"

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync/atomic"

	"fortio.org/log"
)

var (
	bucketBoundaries = []int64{
		1, 2, 3, 4, 5, 6,
		7, 8, 9, 10, 11,
		12, 14, 16, 18, 20,
		25, 30, 35, 40, 45, 50,
		60, 70, 80, 90, 100,
		120, 140, 160, 180, 200,
		250, 300, 350, 400, 450, 500,
		600, 700, 800, 900, 1000,
		2000, 3000, 4000, 5000, 7500, 10000,
		20000, 30000, 40000, 50000, 75000, 100000,
	}
	numBuckets = len(bucketBoundaries)
	lastBucket = bucketBoundaries[numBuckets-1]
)

// ErrInvalidRange is returned by New when highestTrackable is not at least
// twice lowestTrackable, or lowestTrackable < 1, or significantDigits is
// out of [0,5].
var ErrInvalidRange = errors.New("histogram: invalid lowest/highest trackable range")

// Histogram is a bucketed counter of int64 values (nanoseconds in this
// module, but unitless here). Not safe for concurrent Record calls -
// use AtomicHistogram for that. Must be created via New.
type Histogram struct {
	lowestTrackable  int64
	highestTrackable int64
	divider          float64

	count        int64
	min          int64
	max          int64
	sum          int64
	sumOfSquares float64

	data []int64 // numBuckets+1 entries, last is overflow

	startTimeStampMs int64
	endTimeStampMs   int64
}

// New creates a Histogram covering [lowestTrackable, highestTrackable] with
// the requested number of significant decimal digits (0-5).
func New(lowestTrackable, highestTrackable int64, significantDigits int) (*Histogram, error) {
	if lowestTrackable < 1 || highestTrackable < 2*lowestTrackable || significantDigits < 0 || significantDigits > 5 {
		return nil, ErrInvalidRange
	}
	h := &Histogram{
		lowestTrackable:  lowestTrackable,
		highestTrackable: highestTrackable,
		divider:          float64(highestTrackable-lowestTrackable) / float64(lastBucket),
		data:             make([]int64, numBuckets+1),
	}
	if h.divider <= 0 {
		h.divider = 1
	}
	return h, nil
}

// MustNew is New but panics on error - for package-level test fixtures only.
func MustNew(low, high int64, sigDigits int) *Histogram {
	h, err := New(low, high, sigDigits)
	if err != nil {
		log.Fatalf("histogram.MustNew: %v", err)
	}
	return h
}

// Record records a single occurrence of value.
func (h *Histogram) Record(value int64) {
	h.RecordN(value, 1)
}

// RecordN records value occurring n times.
func (h *Histogram) RecordN(value int64, n int64) {
	if n <= 0 {
		return
	}
	first := h.count == 0
	h.count += n
	if first {
		h.min = value
		h.max = value
	} else {
		if value < h.min {
			h.min = value
		}
		if value > h.max {
			h.max = value
		}
	}
	h.sum += value * n
	h.sumOfSquares += float64(value) * float64(value) * float64(n)
	h.data[h.bucketIndex(value)] += n
}

// RecordWithExpectedInterval records value, and additionally back-fills
// synthetic samples at value minus each multiple of
// expectedIntervalBetweenSamples, down to no less than
// expectedIntervalBetweenSamples (value itself is recorded once as
// normal). This is the mechanism
// latencystats uses to materialize the linear tail of a detected pause:
// a pause of length L reported with expected interval I results in
// roughly L/I synthetic entries from I up to L-I, per spec.md section 4.6.
func (h *Histogram) RecordWithExpectedInterval(value, expectedIntervalBetweenSamples int64) {
	h.Record(value)
	if expectedIntervalBetweenSamples <= 0 || value <= expectedIntervalBetweenSamples {
		return
	}
	for missingValue := value - expectedIntervalBetweenSamples; missingValue >= expectedIntervalBetweenSamples; missingValue -= expectedIntervalBetweenSamples {
		h.Record(missingValue)
	}
}

func (h *Histogram) bucketIndex(value int64) int {
	scaled := float64(value-h.lowestTrackable) / h.divider
	if scaled >= float64(lastBucket) {
		return numBuckets
	}
	if scaled < float64(bucketBoundaries[0]) {
		return 0
	}
	// linear scan is fine: numBuckets is small (55) and this is already
	// the slow/overflow path relative to the common low-value case above.
	for i, b := range bucketBoundaries {
		if scaled < float64(b) {
			return i
		}
	}
	return numBuckets
}

// LowestTrackable returns the lower bound of h's trackable range.
func (h *Histogram) LowestTrackable() int64 { return h.lowestTrackable }

// HighestTrackable returns the upper bound of h's trackable range.
func (h *Histogram) HighestTrackable() int64 { return h.highestTrackable }

// Count returns the number of recorded samples.
func (h *Histogram) Count() int64 { return h.count }

// Min returns the minimum recorded value, or 0 if empty.
func (h *Histogram) Min() int64 { return h.min }

// Max returns the maximum recorded value, or 0 if empty.
func (h *Histogram) Max() int64 { return h.max }

// Sum returns the sum of all recorded values.
func (h *Histogram) Sum() int64 { return h.sum }

// Mean returns the arithmetic mean of recorded values, or NaN if empty.
func (h *Histogram) Mean() float64 {
	if h.count == 0 {
		return math.NaN()
	}
	return float64(h.sum) / float64(h.count)
}

// StdDev returns the population standard deviation of recorded values.
func (h *Histogram) StdDev() float64 {
	if h.count == 0 {
		return math.NaN()
	}
	fc := float64(h.count)
	fsum := float64(h.sum)
	sigma := (h.sumOfSquares - fsum*fsum/fc) / fc
	if sigma < 0 {
		sigma = 0
	}
	return math.Sqrt(sigma)
}

// ValueAtPercentile returns an estimate of the value below which percentile
// percent of recorded values fall.
func (h *Histogram) ValueAtPercentile(percentile float64) float64 {
	if h.count == 0 {
		return 0
	}
	if percentile >= 100 {
		return float64(h.max)
	}
	if percentile <= 0 {
		return float64(h.min)
	}
	var total int64
	prev := float64(h.lowestTrackable)
	var prevPerc float64
	total_f := float64(h.count)
	for i := 0; i < numBuckets; i++ {
		cur := float64(bucketBoundaries[i])*h.divider + float64(h.lowestTrackable)
		total += h.data[i]
		perc := 100. * float64(total) / total_f
		if cur > float64(h.max) {
			cur = float64(h.max)
		}
		if perc >= percentile {
			if prev < float64(h.min) {
				prev = float64(h.min)
			}
			if perc == prevPerc {
				return cur
			}
			return prev + (percentile-prevPerc)*(cur-prev)/(perc-prevPerc)
		}
		prevPerc = perc
		prev = cur
	}
	return float64(h.max)
}

// Reset clears all recorded data back to the New() state. Offsets/divider
// and timestamps are left alone except the timestamps, which are cleared.
func (h *Histogram) Reset() {
	h.count, h.min, h.max, h.sum, h.sumOfSquares = 0, 0, 0, 0, 0
	for i := range h.data {
		h.data[i] = 0
	}
	h.startTimeStampMs = 0
	h.endTimeStampMs = 0
}

// CopyInto overwrites target with a copy of h's data (target keeps its own
// range/divider only if identical; otherwise buckets are re-distributed by
// bucket midpoint, same as fortio's copyHDataFrom).
func (h *Histogram) CopyInto(target *Histogram) {
	target.Reset()
	target.addFrom(h)
	target.startTimeStampMs = h.startTimeStampMs
	target.endTimeStampMs = h.endTimeStampMs
}

// Add merges h's data into target (leaving h untouched). This is the
// "addIntervalHistogramTo" accumulation primitive.
func (h *Histogram) Add(target *Histogram) {
	target.addFrom(h)
}

func (target *Histogram) addFrom(src *Histogram) {
	if src.count == 0 {
		return
	}
	first := target.count == 0
	target.count += src.count
	if first {
		target.min = src.min
		target.max = src.max
	} else {
		if src.min < target.min {
			target.min = src.min
		}
		if src.max > target.max {
			target.max = src.max
		}
	}
	target.sum += src.sum
	target.sumOfSquares += src.sumOfSquares
	if target.divider == src.divider && target.lowestTrackable == src.lowestTrackable {
		for i := range target.data {
			target.data[i] += src.data[i]
		}
		return
	}
	// Different scale: redistribute by bucket midpoint.
	prev := src.lowestTrackable
	for i := 0; i <= numBuckets; i++ {
		n := src.data[i]
		if n == 0 {
			if i < numBuckets {
				prev = int64(float64(bucketBoundaries[i])*src.divider) + src.lowestTrackable
			}
			continue
		}
		var cur int64
		if i < numBuckets {
			cur = int64(float64(bucketBoundaries[i])*src.divider) + src.lowestTrackable
		} else {
			cur = src.max
		}
		mid := (prev + cur) / 2
		target.data[target.bucketIndex(mid)] += n
		prev = cur
	}
}

// SetStartTimeStamp stamps the histogram with the wall-clock start time in
// milliseconds since epoch, used only for reporting.
func (h *Histogram) SetStartTimeStamp(ms int64) { h.startTimeStampMs = ms }

// SetEndTimeStamp stamps the histogram with the wall-clock end time in
// milliseconds since epoch, used only for reporting.
func (h *Histogram) SetEndTimeStamp(ms int64) { h.endTimeStampMs = ms }

// StartTimeStamp returns the previously set start timestamp.
func (h *Histogram) StartTimeStamp() int64 { return h.startTimeStampMs }

// EndTimeStamp returns the previously set end timestamp.
func (h *Histogram) EndTimeStamp() int64 { return h.endTimeStampMs }

// Print writes a human-readable summary plus percentiles, in fortio's
// HistogramData.Print text format.
func (h *Histogram) Print(out io.Writer, msg string, percentiles []float64) {
	fmt.Fprintf(out, "%s : count %d avg %.8g +/- %.4g min %d max %d sum %d\n",
		msg, h.count, h.Mean(), h.StdDev(), h.min, h.max, h.sum)
	for _, p := range percentiles {
		fmt.Fprintf(out, "# target %g%% %.6g\n", p, h.ValueAtPercentile(p))
	}
}

// ParsePercentiles extracts a list of percentiles from a comma-separated
// string (flag), e.g. "50,90,99,99.9".
func ParsePercentiles(percentiles string) ([]float64, error) {
	percs := strings.Split(percentiles, ",") // size-1 array for empty input
	res := make([]float64, 0, len(percs))
	for _, pStr := range percs {
		pStr = strings.TrimSpace(pStr)
		if len(pStr) == 0 {
			continue
		}
		p, err := strconv.ParseFloat(pStr, 64)
		if err != nil {
			return res, err
		}
		res = append(res, p)
	}
	if len(res) == 0 {
		return res, errors.New("histogram: percentile list can't be empty")
	}
	log.LogVf("will use %v for percentiles", res)
	return res, nil
}

// Log logs the same content as Print through fortio.org/log at Info level.
func (h *Histogram) Log(msg string, percentiles []float64) {
	var b bytes.Buffer
	w := bufio.NewWriter(&b)
	h.Print(w, msg, percentiles)
	_ = w.Flush()
	log.Infof("%s", b.Bytes())
}

// AtomicHistogram is a thread-safe Histogram whose Record is lock-free
// (bucket counts, min/max/sum/count are plain atomics, no mutex). This is
// the variant the recorder uses for its active histograms: spec.md section
// 5 requires recordLatency be wait-free up to the histogram's own Record.
type AtomicHistogram struct {
	lowestTrackable  int64
	highestTrackable int64
	divider          float64

	count        atomic.Int64
	min          atomic.Int64
	max          atomic.Int64
	sum          atomic.Int64
	sumOfSquares atomic.Uint64 // bits of a float64, updated via CAS

	data []atomic.Int64

	startTimeStampMs atomic.Int64
	endTimeStampMs   atomic.Int64
}

// NewAtomic creates an AtomicHistogram covering [lowestTrackable,
// highestTrackable] with the requested significant digits.
func NewAtomic(lowestTrackable, highestTrackable int64, significantDigits int) (*AtomicHistogram, error) {
	if lowestTrackable < 1 || highestTrackable < 2*lowestTrackable || significantDigits < 0 || significantDigits > 5 {
		return nil, ErrInvalidRange
	}
	h := &AtomicHistogram{
		lowestTrackable:  lowestTrackable,
		highestTrackable: highestTrackable,
		divider:          float64(highestTrackable-lowestTrackable) / float64(lastBucket),
		data:             make([]atomic.Int64, numBuckets+1),
	}
	if h.divider <= 0 {
		h.divider = 1
	}
	h.min.Store(math.MaxInt64)
	return h, nil
}

func (h *AtomicHistogram) bucketIndex(value int64) int {
	scaled := float64(value-h.lowestTrackable) / h.divider
	if scaled >= float64(lastBucket) {
		return numBuckets
	}
	if scaled < float64(bucketBoundaries[0]) {
		return 0
	}
	for i, b := range bucketBoundaries {
		if scaled < float64(b) {
			return i
		}
	}
	return numBuckets
}

// Record atomically records a single occurrence of value. Lock-free:
// fetch-add on the count, the bucket and the sum, and CAS retry loops for
// min, max and the sum of squares.
func (h *AtomicHistogram) Record(value int64) {
	h.count.Add(1)
	h.data[h.bucketIndex(value)].Add(1)
	h.sum.Add(value)
	casMin(&h.min, value)
	casMax(&h.max, value)
	casAddFloat(&h.sumOfSquares, float64(value)*float64(value))
}

// RecordWithExpectedInterval is the atomic analogue of
// Histogram.RecordWithExpectedInterval, used by latencystats to materialize
// a pause's synthetic back-fill directly into the active corrections
// histogram while other writers may be concurrently recording.
func (h *AtomicHistogram) RecordWithExpectedInterval(value, expectedIntervalBetweenSamples int64) {
	h.Record(value)
	if expectedIntervalBetweenSamples <= 0 || value <= expectedIntervalBetweenSamples {
		return
	}
	for missingValue := value - expectedIntervalBetweenSamples; missingValue >= expectedIntervalBetweenSamples; missingValue -= expectedIntervalBetweenSamples {
		h.Record(missingValue)
	}
}

func casMin(p *atomic.Int64, v int64) {
	for {
		cur := p.Load()
		if v >= cur {
			return
		}
		if p.CompareAndSwap(cur, v) {
			return
		}
	}
}

func casMax(p *atomic.Int64, v int64) {
	for {
		cur := p.Load()
		if v <= cur {
			return
		}
		if p.CompareAndSwap(cur, v) {
			return
		}
	}
}

func casAddFloat(p *atomic.Uint64, delta float64) {
	for {
		curBits := p.Load()
		cur := math.Float64frombits(curBits)
		next := math.Float64bits(cur + delta)
		if p.CompareAndSwap(curBits, next) {
			return
		}
	}
}

// LowestTrackable returns the lower bound of h's trackable range.
func (h *AtomicHistogram) LowestTrackable() int64 { return h.lowestTrackable }

// HighestTrackable returns the upper bound of h's trackable range.
func (h *AtomicHistogram) HighestTrackable() int64 { return h.highestTrackable }

// Count returns the number of recorded samples.
func (h *AtomicHistogram) Count() int64 { return h.count.Load() }

// Reset clears all recorded data. Not safe to call concurrently with
// Record - callers must only reset the inactive side of a rotation, which
// is guaranteed quiescent by the phaser's flip protocol.
func (h *AtomicHistogram) Reset() {
	h.count.Store(0)
	h.min.Store(math.MaxInt64)
	h.max.Store(0)
	h.sum.Store(0)
	h.sumOfSquares.Store(0)
	for i := range h.data {
		h.data[i].Store(0)
	}
	h.startTimeStampMs.Store(0)
	h.endTimeStampMs.Store(0)
}

// CopyInto snapshots h into a plain (non-atomic) Histogram covering the
// same range. Intended to be called only when h is quiescent (no
// concurrent Record), i.e. after a successful phaser flip.
func (h *AtomicHistogram) CopyInto(target *Histogram) {
	target.Reset()
	h.addInto(target)
	target.startTimeStampMs = h.startTimeStampMs.Load()
	target.endTimeStampMs = h.endTimeStampMs.Load()
}

// Add merges h's (quiescent) data into target.
func (h *AtomicHistogram) Add(target *Histogram) {
	h.addInto(target)
}

func (h *AtomicHistogram) addInto(target *Histogram) {
	count := h.count.Load()
	if count == 0 {
		return
	}
	first := target.count == 0
	target.count += count
	minV, maxV := h.min.Load(), h.max.Load()
	if first {
		target.min, target.max = minV, maxV
	} else {
		if minV < target.min {
			target.min = minV
		}
		if maxV > target.max {
			target.max = maxV
		}
	}
	target.sum += h.sum.Load()
	target.sumOfSquares += math.Float64frombits(h.sumOfSquares.Load())
	if target.divider == h.divider && target.lowestTrackable == h.lowestTrackable {
		for i := range target.data {
			target.data[i] += h.data[i].Load()
		}
		return
	}
	prev := h.lowestTrackable
	for i := 0; i <= numBuckets; i++ {
		n := h.data[i].Load()
		if n == 0 {
			if i < numBuckets {
				prev = int64(float64(bucketBoundaries[i])*h.divider) + h.lowestTrackable
			}
			continue
		}
		var cur int64
		if i < numBuckets {
			cur = int64(float64(bucketBoundaries[i])*h.divider) + h.lowestTrackable
		} else {
			cur = maxV
		}
		mid := (prev + cur) / 2
		target.data[target.bucketIndex(mid)] += n
		prev = cur
	}
}

// SetStartTimeStamp stamps the histogram with a wall-clock start time.
func (h *AtomicHistogram) SetStartTimeStamp(ms int64) { h.startTimeStampMs.Store(ms) }

// SetEndTimeStamp stamps the histogram with a wall-clock end time.
func (h *AtomicHistogram) SetEndTimeStamp(ms int64) { h.endTimeStampMs.Store(ms) }
