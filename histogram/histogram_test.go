package histogram

import (
	"math"
	"testing"

	"fortio.org/assert"
)

func TestNewRejectsInvalidRange(t *testing.T) {
	_, err := New(0, 100, 2)
	assert.Error(t, err, "lowestTrackable below 1 must be rejected")

	_, err = New(10, 15, 2)
	assert.Error(t, err, "highestTrackable below 2x lowestTrackable must be rejected")

	_, err = New(10, 100, 6)
	assert.Error(t, err, "significantDigits above 5 must be rejected")

	h, err := New(1, 100, 2)
	assert.NoError(t, err, "a valid range must be accepted")
	assert.Equal(t, int64(0), h.Count(), "a fresh histogram has no samples")
}

func TestRecordAndBasicStats(t *testing.T) {
	h := MustNew(1, 100_000, 2)
	for _, v := range []int64{10, 20, 30, 40, 50} {
		h.Record(v)
	}
	assert.Equal(t, int64(5), h.Count(), "expected 5 recorded samples")
	assert.Equal(t, int64(10), h.Min(), "expected min 10")
	assert.Equal(t, int64(50), h.Max(), "expected max 50")
	assert.Equal(t, int64(150), h.Sum(), "expected sum 150")
	if mean := h.Mean(); mean != 30 {
		t.Fatalf("expected mean 30, got %v", mean)
	}
}

func TestRecordWithExpectedIntervalBackfillsLinearTail(t *testing.T) {
	h := MustNew(1, 1_000_000, 2)
	h.RecordWithExpectedInterval(100, 10)
	// 100 itself, plus synthetic 90, 80, ..., 10 => 10 total samples.
	assert.Equal(t, int64(10), h.Count(), "expected 10 samples including the synthetic back-fill")
	assert.Equal(t, int64(10), h.Min(), "expected the smallest synthetic sample to be the interval itself")
	assert.Equal(t, int64(100), h.Max(), "expected the recorded value to remain the max")
}

func TestRecordWithExpectedIntervalNoBackfillBelowInterval(t *testing.T) {
	h := MustNew(1, 1_000_000, 2)
	h.RecordWithExpectedInterval(5, 10)
	assert.Equal(t, int64(1), h.Count(), "a value below the expected interval should not be back-filled")
}

func TestValueAtPercentileMonotonic(t *testing.T) {
	h := MustNew(1, 1_000_000, 2)
	for i := int64(1); i <= 1000; i++ {
		h.Record(i)
	}
	p50 := h.ValueAtPercentile(50)
	p99 := h.ValueAtPercentile(99)
	if p99 < p50 {
		t.Fatalf("expected p99 (%v) >= p50 (%v)", p99, p50)
	}
	if got := h.ValueAtPercentile(0); got != float64(h.Min()) {
		t.Fatalf("expected ValueAtPercentile(0) to equal Min(), got %v vs %v", got, h.Min())
	}
	if got := h.ValueAtPercentile(100); got != float64(h.Max()) {
		t.Fatalf("expected ValueAtPercentile(100) to equal Max(), got %v vs %v", got, h.Max())
	}
}

func TestResetClearsState(t *testing.T) {
	h := MustNew(1, 1000, 2)
	h.Record(42)
	h.SetStartTimeStamp(123)
	h.Reset()
	assert.Equal(t, int64(0), h.Count(), "Reset must clear the sample count")
	assert.Equal(t, int64(0), h.StartTimeStamp(), "Reset must clear the start timestamp")
}

func TestCopyIntoAndAdd(t *testing.T) {
	src := MustNew(1, 1000, 2)
	for _, v := range []int64{1, 2, 3} {
		src.Record(v)
	}
	dst := MustNew(1, 1000, 2)
	src.CopyInto(dst)
	assert.Equal(t, src.Count(), dst.Count(), "CopyInto must replicate the sample count")
	assert.Equal(t, src.Sum(), dst.Sum(), "CopyInto must replicate the sum")

	other := MustNew(1, 1000, 2)
	other.Record(10)
	other.Add(dst)
	assert.Equal(t, int64(4), dst.Count(), "Add must accumulate into the target")
}

func TestAtomicHistogramRecordMatchesPlain(t *testing.T) {
	a, err := NewAtomic(1, 100_000, 2)
	assert.NoError(t, err, "NewAtomic with a valid range must succeed")
	for _, v := range []int64{5, 15, 25} {
		a.Record(v)
	}
	assert.Equal(t, int64(3), a.Count(), "expected 3 recorded samples")

	plain := MustNew(1, 100_000, 2)
	a.CopyInto(plain)
	assert.Equal(t, int64(3), plain.Count(), "CopyInto from AtomicHistogram must replicate the count")
}

func TestAtomicHistogramResetIsQuiescentSafe(t *testing.T) {
	a := mustNewAtomic(t, 1, 1000, 2)
	a.Record(10)
	a.Reset()
	assert.Equal(t, int64(0), a.Count(), "Reset must clear the sample count")
}

func TestMeanOfEmptyHistogramIsNaN(t *testing.T) {
	h := MustNew(1, 1000, 2)
	if !math.IsNaN(h.Mean()) {
		t.Fatalf("expected NaN mean for an empty histogram, got %v", h.Mean())
	}
}

func TestParsePercentiles(t *testing.T) {
	got, err := ParsePercentiles("50, 90,99.9")
	assert.NoError(t, err, "a well-formed percentile list must parse")
	assert.Equal(t, []float64{50, 90, 99.9}, got, "expected the parsed percentiles in order")

	_, err = ParsePercentiles("")
	assert.Error(t, err, "an empty percentile list must be rejected")

	_, err = ParsePercentiles("not-a-number")
	assert.Error(t, err, "a non-numeric percentile must be rejected")
}

func mustNewAtomic(t *testing.T, low, high int64, sigDigits int) *AtomicHistogram {
	t.Helper()
	h, err := NewAtomic(low, high, sigDigits)
	if err != nil {
		t.Fatalf("NewAtomic: %v", err)
	}
	return h
}
