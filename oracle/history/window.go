package history

import (
	"math"
	"sync"
	"time"
)

const (
	// DefaultWindowSize bounds the per feed price history used for the
	// statistical checks.
	DefaultWindowSize = 50

	// recentSamples is how many of the newest samples feed the short mean.
	recentSamples = 5
)

type (
	// Sample is one observed price in a series.
	Sample struct {
		Price float64
		Time  time.Time
	}

	// Stats summarizes one series for the statistical validation tier.
	Stats struct {
		Count      int
		Mean       float64
		StdDev     float64
		RecentMean float64
	}

	// Window keeps a bounded FIFO of samples per series, keyed by feed.
	// Writers and readers run on different goroutines so all access goes
	// through the window lock.
	Window struct {
		mtx      sync.RWMutex
		capacity int
		series   map[string][]Sample
	}
)

func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &Window{
		capacity: capacity,
		series:   map[string][]Sample{},
	}
}

// Record appends a sample, dropping the oldest once the series is full.
func (w *Window) Record(key string, price float64, timestamp time.Time) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return
	}

	w.mtx.Lock()
	defer w.mtx.Unlock()

	samples := append(w.series[key], Sample{Price: price, Time: timestamp})
	if len(samples) > w.capacity {
		samples = samples[len(samples)-w.capacity:]
	}
	w.series[key] = samples
}

// Stats returns the series summary. ok is false until at least one sample
// was recorded.
func (w *Window) Stats(key string) (Stats, bool) {
	w.mtx.RLock()
	defer w.mtx.RUnlock()

	samples, ok := w.series[key]
	if !ok || len(samples) == 0 {
		return Stats{}, false
	}

	var sum float64
	for _, s := range samples {
		sum += s.Price
	}
	mean := sum / float64(len(samples))

	var variance float64
	for _, s := range samples {
		d := s.Price - mean
		variance += d * d
	}
	variance /= float64(len(samples))

	recent := samples
	if len(recent) > recentSamples {
		recent = recent[len(recent)-recentSamples:]
	}
	var recentSum float64
	for _, s := range recent {
		recentSum += s.Price
	}

	return Stats{
		Count:      len(samples),
		Mean:       mean,
		StdDev:     math.Sqrt(variance),
		RecentMean: recentSum / float64(len(recent)),
	}, true
}

// Len returns the sample count of one series.
func (w *Window) Len(key string) int {
	w.mtx.RLock()
	defer w.mtx.RUnlock()
	return len(w.series[key])
}

// ZScore places price against the series distribution. ok is false when the
// series is too short or flat for a meaningful score.
func (s Stats) ZScore(price float64) (float64, bool) {
	if s.Count < 3 || s.StdDev == 0 {
		return 0, false
	}
	return (price - s.Mean) / s.StdDev, true
}
