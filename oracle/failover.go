package oracle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/provider"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/telemetry"

	"github.com/rs/zerolog"
)

const (
	defaultFailureThreshold  = 3
	defaultRecoveryThreshold = 5
	defaultMaxFailoverTime   = 100 * time.Millisecond

	// latencySmoothing is the EMA factor for the per-source latency track.
	latencySmoothing = 0.2
)

type (
	// FailoverConfig carries the health flip thresholds and the failover
	// time budget. Zero fields fall back to defaults.
	FailoverConfig struct {
		FailureThreshold  int
		RecoveryThreshold int
		MaxFailoverTime   time.Duration
	}

	// SourceHealth tracks rolling connection quality for one source.
	SourceHealth struct {
		Source               provider.Name
		Healthy              bool
		ConsecutiveFailures  int
		ConsecutiveSuccesses int
		LastCheck            time.Time
		AverageLatencyMs     float64
	}

	// failoverGroup tracks which of a feed's sources currently contribute.
	// active and failed are disjoint at all times.
	failoverGroup struct {
		feed    types.FeedId
		sources []FeedSource
		active  map[provider.Name]struct{}
		failed  map[provider.Name]struct{}
	}

	// subscriptionDriver is the slice of the orchestrator the failover
	// controller drives.
	subscriptionDriver interface {
		SubscribeSymbols(name provider.Name, pairs ...types.CurrencyPair) error
		UnsubscribeSymbols(name provider.Name, pairs ...types.CurrencyPair) error
		IsConnected(name provider.Name) bool
		ProviderLatency(name provider.Name) float64
		ReconnectExchange(ctx context.Context, name provider.Name) bool
	}

	// Failover keeps at least one healthy source active per feed. It
	// consumes connection observations, flips source health on the
	// configured thresholds and promotes or demotes backup subscriptions
	// through the orchestrator.
	Failover struct {
		logger zerolog.Logger
		cfg    FailoverConfig
		driver subscriptionDriver
		bus    *Bus

		mtx    sync.Mutex
		health map[provider.Name]*SourceHealth
		groups map[types.FeedId]*failoverGroup
	}
)

func (c *FailoverConfig) SetDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.RecoveryThreshold == 0 {
		c.RecoveryThreshold = defaultRecoveryThreshold
	}
	if c.MaxFailoverTime == 0 {
		c.MaxFailoverTime = defaultMaxFailoverTime
	}
}

func NewFailover(
	logger zerolog.Logger,
	cfg FailoverConfig,
	driver subscriptionDriver,
	bus *Bus,
	catalog Catalog,
) *Failover {
	cfg.SetDefaults()

	f := &Failover{
		logger: logger.With().Str("module", "failover").Logger(),
		cfg:    cfg,
		driver: driver,
		bus:    bus,
		health: map[provider.Name]*SourceHealth{},
		groups: map[types.FeedId]*failoverGroup{},
	}
	for feed, sources := range catalog {
		f.addGroup(feed, sources)
	}
	return f
}

// AddFeed registers a group for a feed added at runtime. Existing groups are
// left untouched.
func (f *Failover) AddFeed(feed types.FeedId, sources []FeedSource) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if _, ok := f.groups[feed]; ok {
		return
	}
	f.addGroup(feed, sources)
}

// addGroup creates the group with every primary active and seeds health
// entries for each referenced source. Callers hold f.mtx or run before any
// concurrent use.
func (f *Failover) addGroup(feed types.FeedId, sources []FeedSource) {
	group := &failoverGroup{
		feed:    feed,
		sources: sources,
		active:  map[provider.Name]struct{}{},
		failed:  map[provider.Name]struct{}{},
	}
	for _, source := range sources {
		if !source.Backup {
			group.active[source.Provider] = struct{}{}
		}
		if _, ok := f.health[source.Provider]; !ok {
			f.health[source.Provider] = &SourceHealth{
				Source:  source.Provider,
				Healthy: true,
			}
		}
	}
	f.groups[feed] = group
}

// ObserveConnection feeds one connection observation into the health
// counters. Crossing the failure threshold marks the source unhealthy and
// fails it over; crossing the recovery threshold marks it healthy and
// recovers it.
func (f *Failover) ObserveConnection(name provider.Name, connected bool) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	h, ok := f.health[name]
	if !ok {
		return
	}
	h.LastCheck = time.Now()

	if connected {
		h.ConsecutiveSuccesses++
		h.ConsecutiveFailures = 0
		if !h.Healthy && h.ConsecutiveSuccesses >= f.cfg.RecoveryThreshold {
			h.Healthy = true
			f.bus.Publish(HealthEvent{Source: name, Healthy: true, LatencyMs: h.AverageLatencyMs})
			f.recoverSource(name)
		}
		return
	}

	h.ConsecutiveFailures++
	h.ConsecutiveSuccesses = 0
	if h.Healthy && h.ConsecutiveFailures >= f.cfg.FailureThreshold {
		h.Healthy = false
		f.bus.Publish(HealthEvent{Source: name, Healthy: false, LatencyMs: h.AverageLatencyMs})
		telemetry.IncrCounter(1, "failure", "provider", string(name), "type", "health")
		f.failSource(name)
	}
}

// RecordLatency folds a latency sample into the source's moving average.
func (f *Failover) RecordLatency(name provider.Name, latencyMs float64) {
	if latencyMs <= 0 {
		return
	}

	f.mtx.Lock()
	defer f.mtx.Unlock()

	h, ok := f.health[name]
	if !ok {
		return
	}
	if h.AverageLatencyMs == 0 {
		h.AverageLatencyMs = latencyMs
		return
	}
	h.AverageLatencyMs = (1-latencySmoothing)*h.AverageLatencyMs + latencySmoothing*latencyMs
}

// CheckSources is the periodic health monitor: it re-reads every source's
// authoritative connection state and latency, requests a reconnect for down
// sources and folds the observation into the health counters.
func (f *Failover) CheckSources(ctx context.Context) {
	f.mtx.Lock()
	names := make([]provider.Name, 0, len(f.health))
	for name := range f.health {
		names = append(names, name)
	}
	f.mtx.Unlock()

	for _, name := range names {
		connected := f.driver.IsConnected(name)
		f.RecordLatency(name, f.driver.ProviderLatency(name))
		if !connected {
			f.driver.ReconnectExchange(ctx, name)
		}
		f.ObserveConnection(name, connected)
	}
}

// ActiveSources returns the providers currently contributing to the feed,
// sorted. Unknown feeds return nil, which callers treat as all-active.
func (f *Failover) ActiveSources(feed types.FeedId) []string {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	group, ok := f.groups[feed]
	if !ok {
		return nil
	}

	out := make([]string, 0, len(group.active))
	for name := range group.active {
		out = append(out, string(name))
	}
	sort.Strings(out)
	return out
}

// HealthSnapshot returns a copy of every source's health state.
func (f *Failover) HealthSnapshot() map[provider.Name]SourceHealth {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	out := make(map[provider.Name]SourceHealth, len(f.health))
	for name, h := range f.health {
		out[name] = *h
	}
	return out
}

// failSource moves the source to failed in every group referencing it and
// ensures each group keeps a healthy active set, promoting backups when no
// primary is left. Callers hold f.mtx.
func (f *Failover) failSource(name provider.Name) {
	start := time.Now()

	for _, group := range f.groups {
		if !group.references(name) {
			continue
		}
		delete(group.active, name)
		group.failed[name] = struct{}{}

		if f.activateHealthyPrimaries(group) {
			f.bus.Publish(FailoverEvent{
				Feed:      group.feed,
				Failed:    name,
				Completed: true,
				Elapsed:   time.Since(start),
			})
			continue
		}

		promoted := f.promoteBackups(group)
		elapsed := time.Since(start)
		if elapsed > f.cfg.MaxFailoverTime {
			f.logger.Warn().
				Str("feed", group.feed.Name()).
				Dur("elapsed", elapsed).
				Dur("budget", f.cfg.MaxFailoverTime).
				Msg("failover exceeded time budget")
		}

		if len(promoted) == 0 {
			f.logger.Error().
				Str("feed", group.feed.Name()).
				Str("failed", string(name)).
				Msg("no healthy source remains for feed")
			f.bus.Publish(FailoverEvent{
				Feed:      group.feed,
				Failed:    name,
				Completed: false,
				Elapsed:   elapsed,
			})
			continue
		}

		f.logger.Info().
			Str("feed", group.feed.Name()).
			Str("failed", string(name)).
			Int("promoted", len(promoted)).
			Msg("failover completed")
		telemetry.IncrCounter(1, "failover", "completed", "feed", group.feed.Name())
		f.bus.Publish(FailoverEvent{
			Feed:      group.feed,
			Failed:    name,
			Promoted:  promoted,
			Completed: true,
			Elapsed:   elapsed,
		})
	}
}

// recoverSource re-adds a recovered primary to its groups and demotes any
// backup made redundant by the recovery. Callers hold f.mtx.
func (f *Failover) recoverSource(name provider.Name) {
	for _, group := range f.groups {
		if !group.references(name) {
			continue
		}
		delete(group.failed, name)
		if group.isPrimary(name) {
			group.active[name] = struct{}{}
		}

		var demoted []provider.Name
		if f.hasActiveHealthyPrimary(group) {
			demoted = f.demoteBackups(group)
		}

		f.logger.Info().
			Str("feed", group.feed.Name()).
			Str("source", string(name)).
			Int("demoted", len(demoted)).
			Msg("source recovered")
		f.bus.Publish(RecoveryEvent{
			Feed:    group.feed,
			Source:  name,
			Demoted: demoted,
		})
	}
}

// activateHealthyPrimaries ensures every healthy connected primary is active
// and reports whether the group still has one.
func (f *Failover) activateHealthyPrimaries(group *failoverGroup) bool {
	found := false
	for _, source := range group.sources {
		if source.Backup || !f.healthyAndConnected(source.Provider) {
			continue
		}
		if _, failed := group.failed[source.Provider]; failed {
			continue
		}
		group.active[source.Provider] = struct{}{}
		found = true
	}
	return found
}

// promoteBackups activates every healthy connected backup and issues its
// subscription.
func (f *Failover) promoteBackups(group *failoverGroup) []provider.Name {
	var promoted []provider.Name
	for _, source := range group.sources {
		if !source.Backup || !f.healthyAndConnected(source.Provider) {
			continue
		}
		if _, failed := group.failed[source.Provider]; failed {
			continue
		}
		group.active[source.Provider] = struct{}{}
		if err := f.driver.SubscribeSymbols(source.Provider, source.Pair); err != nil {
			f.logger.Err(err).
				Str("provider", string(source.Provider)).
				Str("pair", source.Pair.String()).
				Msg("backup subscription failed")
		}
		promoted = append(promoted, source.Provider)
	}
	return promoted
}

// demoteBackups deactivates every active backup and drops its subscription.
func (f *Failover) demoteBackups(group *failoverGroup) []provider.Name {
	var demoted []provider.Name
	for _, source := range group.sources {
		if !source.Backup {
			continue
		}
		if _, active := group.active[source.Provider]; !active {
			continue
		}
		if err := f.driver.UnsubscribeSymbols(source.Provider, source.Pair); err != nil {
			f.logger.Warn().Err(err).
				Str("provider", string(source.Provider)).
				Str("pair", source.Pair.String()).
				Msg("backup unsubscribe failed")
		}
		delete(group.active, source.Provider)
		demoted = append(demoted, source.Provider)
	}
	return demoted
}

func (f *Failover) hasActiveHealthyPrimary(group *failoverGroup) bool {
	for _, source := range group.sources {
		if source.Backup {
			continue
		}
		if _, active := group.active[source.Provider]; !active {
			continue
		}
		if f.healthyAndConnected(source.Provider) {
			return true
		}
	}
	return false
}

func (f *Failover) healthyAndConnected(name provider.Name) bool {
	h, ok := f.health[name]
	if !ok || !h.Healthy {
		return false
	}
	return f.driver.IsConnected(name)
}

func (g *failoverGroup) references(name provider.Name) bool {
	for _, source := range g.sources {
		if source.Provider == name {
			return true
		}
	}
	return false
}

func (g *failoverGroup) isPrimary(name provider.Name) bool {
	for _, source := range g.sources {
		if source.Provider == name && !source.Backup {
			return true
		}
	}
	return false
}
