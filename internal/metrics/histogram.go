package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// defaultWindow bounds the samples a histogram retains. Old observations are
// evicted FIFO once the window is full.
const defaultWindow = 2048

// HistogramStats summarizes a histogram. Count covers every observation ever
// made; the distribution fields describe the retained window. Quantiles are
// interpolated from the sorted window, so p50 <= p90 <= p95 <= p99 always.
type HistogramStats struct {
	Count int64   `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// Histogram records float64 observations (the gateway uses seconds) in a
// bounded ring.
type Histogram struct {
	mu      sync.Mutex
	samples []float64
	next    int
	count   int64
}

func newHistogram(window int) *Histogram {
	return &Histogram{samples: make([]float64, 0, window)}
}

// Observe records one value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	if len(h.samples) < cap(h.samples) {
		h.samples = append(h.samples, v)
	} else {
		h.samples[h.next] = v
	}
	h.next = (h.next + 1) % cap(h.samples)
	h.count++
	h.mu.Unlock()
}

// ObserveSince records the seconds elapsed since t0.
func (h *Histogram) ObserveSince(t0 time.Time) {
	h.Observe(time.Since(t0).Seconds())
}

// Stats computes the summary. An empty histogram yields all zeros.
func (h *Histogram) Stats() HistogramStats {
	h.mu.Lock()
	count := h.count
	window := make([]float64, len(h.samples))
	copy(window, h.samples)
	h.mu.Unlock()

	if len(window) == 0 {
		return HistogramStats{Count: count}
	}
	sort.Float64s(window)

	sum := 0.0
	for _, v := range window {
		sum += v
	}
	return HistogramStats{
		Count: count,
		Min:   window[0],
		Max:   window[len(window)-1],
		Mean:  sum / float64(len(window)),
		P50:   percentile(window, 0.50),
		P90:   percentile(window, 0.90),
		P95:   percentile(window, 0.95),
		P99:   percentile(window, 0.99),
	}
}

// percentile returns the p-th percentile (0..1) of sorted values using linear
// interpolation between the two nearest ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := p * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi || hi >= len(sorted) {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
