package history

import (
	"sync"
	"time"
)

// DefaultCrossSourceMaxAge bounds how old a peer quote may be to count as
// concurrent during cross source validation.
const DefaultCrossSourceMaxAge = 10 * time.Second

type (
	// PeerQuote is the latest price one source reported for a symbol.
	PeerQuote struct {
		Source string
		Price  float64
		Time   time.Time
	}

	// CrossSourceWindow keeps the newest quote per (symbol, source) so a
	// price can be compared against what every other source said around the
	// same time. Expired quotes are dropped on read and by Sweep.
	CrossSourceWindow struct {
		mtx    sync.RWMutex
		maxAge time.Duration
		quotes map[string]map[string]PeerQuote
	}
)

func NewCrossSourceWindow(maxAge time.Duration) *CrossSourceWindow {
	if maxAge <= 0 {
		maxAge = DefaultCrossSourceMaxAge
	}
	return &CrossSourceWindow{
		maxAge: maxAge,
		quotes: map[string]map[string]PeerQuote{},
	}
}

// Record stores the quote, replacing any older one from the same source.
func (w *CrossSourceWindow) Record(symbol, source string, price float64, timestamp time.Time) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	bySource, ok := w.quotes[symbol]
	if !ok {
		bySource = map[string]PeerQuote{}
		w.quotes[symbol] = bySource
	}
	if prev, ok := bySource[source]; ok && prev.Time.After(timestamp) {
		return
	}
	bySource[source] = PeerQuote{Source: source, Price: price, Time: timestamp}
}

// Peers returns the live quotes for symbol from every source except exclude.
func (w *CrossSourceWindow) Peers(symbol, exclude string, now time.Time) []PeerQuote {
	w.mtx.RLock()
	defer w.mtx.RUnlock()

	bySource, ok := w.quotes[symbol]
	if !ok {
		return nil
	}

	cutoff := now.Add(-w.maxAge)
	peers := make([]PeerQuote, 0, len(bySource))
	for source, quote := range bySource {
		if source == exclude || quote.Time.Before(cutoff) {
			continue
		}
		peers = append(peers, quote)
	}
	return peers
}

// Sweep drops every expired quote. Run periodically so symbols that went
// quiet do not pin memory.
func (w *CrossSourceWindow) Sweep(now time.Time) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	cutoff := now.Add(-w.maxAge)
	for symbol, bySource := range w.quotes {
		for source, quote := range bySource {
			if quote.Time.Before(cutoff) {
				delete(bySource, source)
			}
		}
		if len(bySource) == 0 {
			delete(w.quotes, symbol)
		}
	}
}
