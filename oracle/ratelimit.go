package oracle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// warnLimiter throttles repeated quality warnings per source and symbol so a
// flapping feed cannot flood the logs. Each bucket holds one token and
// refills one per interval.
type warnLimiter struct {
	mtx      sync.Mutex
	interval time.Duration
	buckets  map[string]*rate.Limiter
}

func newWarnLimiter(interval time.Duration) *warnLimiter {
	return &warnLimiter{
		interval: interval,
		buckets:  map[string]*rate.Limiter{},
	}
}

// Allow reports whether a warning for the source and symbol may be logged
// now.
func (w *warnLimiter) Allow(source, symbol string) bool {
	key := source + "|" + symbol

	w.mtx.Lock()
	limiter, ok := w.buckets[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(w.interval), 1)
		w.buckets[key] = limiter
	}
	w.mtx.Unlock()

	return limiter.Allow()
}
