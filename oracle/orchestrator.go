package oracle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/provider"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/telemetry"

	"github.com/rs/zerolog"
)

// reconnectCooldown is the minimum spacing between connection attempts for
// one exchange, measured from the previous attempt whether or not it
// succeeded.
const reconnectCooldown = 10 * time.Second

type (
	// ConnectionStatus is a point-in-time view of one exchange.
	ConnectionStatus struct {
		Connected       bool
		SubscribedCount int
		RequiredCount   int
	}

	// exchangeState is the orchestrator side bookkeeping for one adapter.
	// Its mutex serializes subscription changes per exchange, keeping the
	// subscribed set a subset of the required set.
	exchangeState struct {
		mtx         sync.Mutex
		adapter     provider.Provider
		connected   bool
		lastAttempt time.Time
		required    map[string]types.CurrencyPair
		subscribed  map[string]types.CurrencyPair
	}

	// Orchestrator is the single owner of adapter lifecycles: exactly-once
	// bring-up, declarative required symbols per exchange, and demand
	// driven reconnects behind a per-exchange cooldown.
	Orchestrator struct {
		logger zerolog.Logger
		states map[provider.Name]*exchangeState

		mtx         sync.RWMutex
		catalog     Catalog
		initialized bool
	}
)

func NewOrchestrator(
	logger zerolog.Logger,
	providers map[provider.Name]provider.Provider,
	catalog Catalog,
) *Orchestrator {
	states := make(map[provider.Name]*exchangeState, len(providers))
	for name, adapter := range providers {
		states[name] = &exchangeState{
			adapter:    adapter,
			required:   map[string]types.CurrencyPair{},
			subscribed: map[string]types.CurrencyPair{},
		}
	}

	return &Orchestrator{
		logger:  logger.With().Str("module", "orchestrator").Logger(),
		states:  states,
		catalog: catalog,
	}
}

// Initialize declares the required pairs from the catalog, connects every
// adapter in parallel and issues one batched subscribe per exchange. Repeat
// calls are no-ops. Per-exchange connect failures are isolated; it fails only
// when no exchange comes up at all.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mtx.Lock()
	if o.initialized {
		o.mtx.Unlock()
		return nil
	}
	o.initialized = true
	catalog := o.catalog
	o.mtx.Unlock()

	for feed, sources := range catalog {
		for _, source := range sources {
			state, ok := o.states[source.Provider]
			if !ok {
				o.logger.Warn().
					Str("provider", string(source.Provider)).
					Str("feed", feed.Name()).
					Msg("feed references an unconfigured provider")
				continue
			}
			state.mtx.Lock()
			state.required[source.Pair.String()] = source.Pair
			state.mtx.Unlock()
		}
	}

	var (
		wg             sync.WaitGroup
		connectedCount int32
	)
	for name, state := range o.states {
		wg.Add(1)
		go func(name provider.Name, state *exchangeState) {
			defer wg.Done()

			state.mtx.Lock()
			state.lastAttempt = time.Now()
			state.mtx.Unlock()

			err := state.adapter.Connect(ctx)

			state.mtx.Lock()
			state.connected = err == nil
			state.mtx.Unlock()

			if err != nil {
				o.logger.Err(err).Str("provider", string(name)).Msg("failed to connect provider")
				telemetry.IncrCounter(1, "failure", "provider", string(name), "type", "connect")
				return
			}
			atomic.AddInt32(&connectedCount, 1)
		}(name, state)
	}
	wg.Wait()

	if len(o.states) > 0 && connectedCount == 0 {
		return fmt.Errorf("no provider connected")
	}

	for name, state := range o.states {
		state.mtx.Lock()
		pairs := types.MapPairsToSlice(state.required)
		state.mtx.Unlock()
		if len(pairs) == 0 {
			continue
		}
		if err := o.subscribePairs(state, pairs...); err != nil {
			o.logger.Err(err).Str("provider", string(name)).Msg("initial subscription failed")
		}
	}

	o.logger.Info().
		Int("providers", len(o.states)).
		Int32("connected", connectedCount).
		Int("feeds", len(catalog)).
		Msg("orchestrator initialized")
	return nil
}

// SubscribeToFeed adds the feed's sources to the required sets and subscribes
// any that are missing. Idempotent; unknown feeds fail.
func (o *Orchestrator) SubscribeToFeed(feed types.FeedId) error {
	o.mtx.RLock()
	sources, ok := o.catalog[feed]
	o.mtx.RUnlock()
	if !ok {
		return fmt.Errorf("feed %s is not in the catalog", feed.Name())
	}

	for _, source := range sources {
		state, found := o.states[source.Provider]
		if !found {
			o.logger.Warn().
				Str("provider", string(source.Provider)).
				Str("feed", feed.Name()).
				Msg("feed references an unconfigured provider")
			continue
		}
		if err := o.subscribePairs(state, source.Pair); err != nil {
			o.logger.Err(err).
				Str("provider", string(source.Provider)).
				Str("pair", source.Pair.String()).
				Msg("failed to subscribe feed source")
		}
	}
	return nil
}

// SubscribeSymbols inserts the pairs into the exchange's required set and
// subscribes the missing ones. Used by the failover controller when it
// promotes a backup.
func (o *Orchestrator) SubscribeSymbols(name provider.Name, pairs ...types.CurrencyPair) error {
	state, ok := o.states[name]
	if !ok {
		return fmt.Errorf("unknown provider: %s", name)
	}
	return o.subscribePairs(state, pairs...)
}

// UnsubscribeSymbols drops the exchange subscriptions for the given pairs.
// The pairs stay in the required set: the requirement is declarative and a
// later promotion re-subscribes them.
func (o *Orchestrator) UnsubscribeSymbols(name provider.Name, pairs ...types.CurrencyPair) error {
	state, ok := o.states[name]
	if !ok {
		return fmt.Errorf("unknown provider: %s", name)
	}

	state.mtx.Lock()
	defer state.mtx.Unlock()

	present := make([]types.CurrencyPair, 0, len(pairs))
	for _, pair := range pairs {
		if _, subscribed := state.subscribed[pair.String()]; subscribed {
			present = append(present, pair)
		}
	}
	if len(present) == 0 {
		return nil
	}

	if err := state.adapter.UnsubscribeCurrencyPairs(present...); err != nil {
		return err
	}
	for _, pair := range present {
		delete(state.subscribed, pair.String())
	}
	return nil
}

// ReconnectExchange attempts to reconnect a disconnected exchange. It returns
// false when the adapter already reports connected, when the last attempt was
// under the cooldown, or when the dial fails. On success the required set is
// re-subscribed.
func (o *Orchestrator) ReconnectExchange(ctx context.Context, name provider.Name) bool {
	state, ok := o.states[name]
	if !ok {
		return false
	}

	state.mtx.Lock()
	if state.adapter.IsConnected() {
		state.connected = true
		state.mtx.Unlock()
		return false
	}
	if time.Since(state.lastAttempt) < reconnectCooldown {
		state.mtx.Unlock()
		return false
	}
	state.lastAttempt = time.Now()
	state.mtx.Unlock()

	o.logger.Info().Str("provider", string(name)).Msg("reconnecting exchange")

	if err := state.adapter.Connect(ctx); err != nil {
		o.logger.Err(err).Str("provider", string(name)).Msg("reconnect failed")
		telemetry.IncrCounter(1, "failure", "provider", string(name), "type", "reconnect")
		state.mtx.Lock()
		state.connected = false
		state.mtx.Unlock()
		return false
	}

	state.mtx.Lock()
	state.connected = true
	required := types.MapPairsToSlice(state.required)
	state.mtx.Unlock()

	if err := o.subscribePairs(state, required...); err != nil {
		o.logger.Err(err).Str("provider", string(name)).Msg("resubscribe after reconnect failed")
	}
	return true
}

// ConnectionStatus reports a per-exchange snapshot, re-reading each adapter's
// authoritative connection state and reconciling the cached flag.
func (o *Orchestrator) ConnectionStatus() map[provider.Name]ConnectionStatus {
	out := make(map[provider.Name]ConnectionStatus, len(o.states))
	for name, state := range o.states {
		state.mtx.Lock()
		connected := state.adapter.IsConnected()
		state.connected = connected
		out[name] = ConnectionStatus{
			Connected:       connected,
			SubscribedCount: len(state.subscribed),
			RequiredCount:   len(state.required),
		}
		state.mtx.Unlock()
	}
	return out
}

// IsConnected re-reads the adapter's transport state.
func (o *Orchestrator) IsConnected(name provider.Name) bool {
	state, ok := o.states[name]
	if !ok {
		return false
	}
	return state.adapter.IsConnected()
}

// ProviderLatency returns the adapter's smoothed receipt latency.
func (o *Orchestrator) ProviderLatency(name provider.Name) float64 {
	state, ok := o.states[name]
	if !ok {
		return 0
	}
	return state.adapter.LatencyMs()
}

// ProbeProvider runs the adapter's bounded health check.
func (o *Orchestrator) ProbeProvider(ctx context.Context, name provider.Name) bool {
	state, ok := o.states[name]
	if !ok {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return state.adapter.HealthCheck(ctx)
}

// SetCatalog swaps the catalog used for subsequent feed subscriptions.
// Providers are fixed at construction; feeds referencing new providers log a
// warning when subscribed.
func (o *Orchestrator) SetCatalog(catalog Catalog) {
	o.mtx.Lock()
	o.catalog = catalog
	o.mtx.Unlock()
}

// Cleanup disconnects every adapter. Failures are logged and swallowed so a
// stuck adapter cannot block shutdown of the rest.
func (o *Orchestrator) Cleanup() {
	for name, state := range o.states {
		if err := state.adapter.Disconnect(); err != nil {
			o.logger.Warn().Err(err).Str("provider", string(name)).Msg("failed to disconnect provider")
		}
	}
}

// subscribePairs records the pairs as required and subscribes those not yet
// subscribed, all under the exchange lock.
func (o *Orchestrator) subscribePairs(state *exchangeState, pairs ...types.CurrencyPair) error {
	state.mtx.Lock()
	defer state.mtx.Unlock()

	missing := make([]types.CurrencyPair, 0, len(pairs))
	for _, pair := range pairs {
		state.required[pair.String()] = pair
		if _, ok := state.subscribed[pair.String()]; !ok {
			missing = append(missing, pair)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	if err := state.adapter.SubscribeCurrencyPairs(missing...); err != nil {
		return err
	}
	for _, pair := range missing {
		state.subscribed[pair.String()] = pair
	}
	return nil
}
