package oracle

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/provider"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"
)

// Event is the closed set of notifications published on the Bus. Subscribers
// switch on the concrete type; the marker method keeps the set closed.
type Event interface {
	event()
}

type (
	// PriceEvent fires for every update accepted on ingest.
	PriceEvent struct {
		Update types.PriceUpdate
	}

	// ConnectionEvent mirrors the adapter connection-change callbacks.
	ConnectionEvent struct {
		Source    provider.Name
		Connected bool
	}

	// HealthEvent fires when a source flips between healthy and unhealthy.
	HealthEvent struct {
		Source    provider.Name
		Healthy   bool
		LatencyMs float64
	}

	// FailoverEvent reports one failover attempt for a feed. Promoted lists
	// the backups activated by the transition; Completed is false when no
	// healthy alternative was available.
	FailoverEvent struct {
		Feed      types.FeedId
		Failed    provider.Name
		Promoted  []provider.Name
		Completed bool
		Elapsed   time.Duration
	}

	// RecoveryEvent reports a recovered source and the backups demoted
	// because of it.
	RecoveryEvent struct {
		Feed    types.FeedId
		Source  provider.Name
		Demoted []provider.Name
	}
)

func (PriceEvent) event()      {}
func (ConnectionEvent) event() {}
func (HealthEvent) event()     {}
func (FailoverEvent) event()   {}
func (RecoveryEvent) event()   {}

// Bus fans events out to registered subscribers. Publish never blocks: an
// event for a subscriber with a full buffer is dropped and counted, so a slow
// consumer cannot stall the update path.
type Bus struct {
	mtx     sync.RWMutex
	nextID  int
	subs    map[int]*Subscription
	dropped atomic.Uint64
}

// Subscription is one subscriber handle. Close unregisters it; a handle that
// is dropped without Close keeps receiving until garbage collected alongside
// the bus.
type Subscription struct {
	bus  *Bus
	id   int
	ch   chan Event
	once sync.Once
}

func NewBus() *Bus {
	return &Bus{subs: map[int]*Subscription{}}
}

// Subscribe registers a subscriber with the given channel buffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()

	b.nextID++
	sub := &Subscription{
		bus: b,
		id:  b.nextID,
		ch:  make(chan Event, buffer),
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers the event to every subscriber with buffer room.
func (b *Bus) Publish(ev Event) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events discarded on full buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Events is the receive side of the subscription.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close unregisters the subscription. The channel stays open; events already
// buffered remain readable.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mtx.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mtx.Unlock()
	})
}
