package oracle

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/aggregator"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/history"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/provider"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/validator"
	pfsync "github.com/NiftyLeague/ftso-feed-value-provider-sub005/pkg/sync"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/telemetry"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMinSources    = 2
	defaultMinConfidence = 0.1
	defaultFreshWindow   = 2 * time.Second
	defaultRestTimeout   = 5 * time.Second
	defaultWarnInterval  = 5 * time.Minute

	// warmStartWindow bounds how far back boot-time history loading reads
	// from the tick store.
	warmStartWindow = time.Hour
)

type (
	// Config carries the data manager knobs. Zero fields fall back to the
	// defaults.
	Config struct {
		MinSources    int
		MinConfidence float64
		FreshWindow   time.Duration
		RestTimeout   time.Duration
		WarnInterval  time.Duration
	}

	// ConnectionHealth is the source summary served by the health
	// endpoints.
	ConnectionHealth struct {
		TotalSources     int
		ConnectedSources int
		AverageLatencyMs float64
		FailedSources    []string
		HealthScore      float64
	}

	// feedState holds the hot per-feed ingest state behind its own lock so
	// concurrent updates for different feeds never contend.
	feedState struct {
		mtx        sync.RWMutex
		latest     map[string]types.PriceUpdate
		lastUpdate time.Time
	}

	// Oracle is the data manager. It fans in every provider update, keeps
	// the per-feed windows and serves consensus prices on demand through
	// the validator and aggregator.
	Oracle struct {
		logger      zerolog.Logger
		cfg         Config
		providers   map[provider.Name]provider.Provider
		orch        *Orchestrator
		failover    *Failover
		validator   *validator.Validator
		aggregator  *aggregator.Aggregator
		bus         *Bus
		history     *history.Window
		crossSource *history.CrossSourceWindow
		ticks       *history.TickStore
		warns       *warnLimiter
		closer      *pfsync.Closer
		startedAt   time.Time

		mtx     sync.RWMutex
		catalog Catalog
		resolve map[string]types.FeedId
		feeds   map[string]*feedState
	}
)

func (c *Config) SetDefaults() {
	if c.MinSources == 0 {
		c.MinSources = defaultMinSources
	}
	if c.MinConfidence == 0 {
		c.MinConfidence = defaultMinConfidence
	}
	if c.FreshWindow == 0 {
		c.FreshWindow = defaultFreshWindow
	}
	if c.RestTimeout == 0 {
		c.RestTimeout = defaultRestTimeout
	}
	if c.WarnInterval == 0 {
		c.WarnInterval = defaultWarnInterval
	}
}

func New(
	logger zerolog.Logger,
	cfg Config,
	catalog Catalog,
	providers map[provider.Name]provider.Provider,
	orch *Orchestrator,
	fo *Failover,
	v *validator.Validator,
	agg *aggregator.Aggregator,
	bus *Bus,
	priceHistory *history.Window,
	crossSource *history.CrossSourceWindow,
	ticks *history.TickStore,
) *Oracle {
	cfg.SetDefaults()

	return &Oracle{
		logger:      logger.With().Str("module", "oracle").Logger(),
		cfg:         cfg,
		providers:   providers,
		orch:        orch,
		failover:    fo,
		validator:   v,
		aggregator:  agg,
		bus:         bus,
		history:     priceHistory,
		crossSource: crossSource,
		ticks:       ticks,
		warns:       newWarnLimiter(cfg.WarnInterval),
		closer:      pfsync.NewCloser(),
		catalog:     catalog,
		resolve:     buildResolveIndex(catalog),
		feeds:       map[string]*feedState{},
	}
}

// Start wires the provider callbacks, brings the orchestrator up, warms the
// statistical history from the tick store and then blocks until the context
// is cancelled or Stop is called. Adapters are disconnected on the way out.
func (o *Oracle) Start(ctx context.Context) error {
	o.startedAt = time.Now()

	for _, p := range o.providers {
		p.SetCallbacks(provider.Callbacks{
			OnPriceUpdate:      o.ingest,
			OnConnectionChange: o.handleConnectionChange,
			OnError:            o.handleProviderError,
		})
	}

	if err := o.orch.Initialize(ctx); err != nil {
		return err
	}
	o.warmStart()

	select {
	case <-ctx.Done():
	case <-o.closer.Done():
	}

	o.orch.Cleanup()
	return nil
}

// Stop releases Start. Safe to call multiple times.
func (o *Oracle) Stop() {
	o.closer.Close()
}

// Uptime reports how long the oracle has been running.
func (o *Oracle) Uptime() time.Duration {
	if o.startedAt.IsZero() {
		return 0
	}
	return time.Since(o.startedAt)
}

// Feeds returns the served feeds sorted by key.
func (o *Oracle) Feeds() []types.FeedId {
	o.mtx.RLock()
	defer o.mtx.RUnlock()
	return o.catalog.Feeds()
}

// HasFeed reports whether the feed is in the catalog.
func (o *Oracle) HasFeed(feed types.FeedId) bool {
	o.mtx.RLock()
	defer o.mtx.RUnlock()
	return o.catalog.Has(feed)
}

// ReloadCatalog swaps in a new feed catalog at runtime. The reload is
// additive: new feeds are subscribed and grouped, removed feeds simply stop
// being served on the next lookup.
func (o *Oracle) ReloadCatalog(catalog Catalog) {
	o.mtx.Lock()
	previous := o.catalog
	o.catalog = catalog
	o.resolve = buildResolveIndex(catalog)
	o.mtx.Unlock()

	o.orch.SetCatalog(catalog)

	added := 0
	for feed, sources := range catalog {
		if previous.Has(feed) {
			continue
		}
		added++
		if err := o.orch.SubscribeToFeed(feed); err != nil {
			o.logger.Err(err).Str("feed", feed.Name()).Msg("failed to subscribe reloaded feed")
		}
		if o.failover != nil {
			o.failover.AddFeed(feed, sources)
		}
	}

	o.logger.Info().
		Int("feeds", len(catalog)).
		Int("added", added).
		Msg("feed catalog reloaded")
}

// ingest is the OnPriceUpdate callback shared by every provider. It resolves
// the update against the catalog, gates obviously broken data, records the
// windows and publishes the update on the bus. Staleness never rejects an
// update here; the update is tagged and the aggregator decays it.
func (o *Oracle) ingest(update types.PriceUpdate) {
	feed, ok := o.resolveFeed(update.Source, update.Pair)
	if !ok {
		// providers may stream more symbols than the catalog serves
		return
	}

	price, err := update.Price.Float64()
	if err != nil || price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		if o.warns.Allow(update.Source, update.Pair.String()) {
			o.logger.Warn().
				Str("source", update.Source).
				Str("pair", update.Pair.String()).
				Msg("dropping broken price update")
		}
		return
	}
	if update.Confidence < o.cfg.MinConfidence {
		if o.warns.Allow(update.Source, update.Pair.String()) {
			o.logger.Warn().
				Str("source", update.Source).
				Str("pair", update.Pair.String()).
				Float64("confidence", update.Confidence).
				Msg("dropping low confidence update")
		}
		return
	}

	update.StalenessMs = update.AgeMs(time.Now())

	state := o.feedState(feed)
	state.mtx.Lock()
	state.latest[update.Source] = update
	state.lastUpdate = update.ReceivedAt
	state.mtx.Unlock()

	o.history.Record(feed.Key(), price, update.Time)
	o.crossSource.Record(feed.Key(), update.Source, price, update.Time)

	o.bus.Publish(PriceEvent{Update: update})
}

func (o *Oracle) handleConnectionChange(name provider.Name, connected bool) {
	o.logger.Info().
		Str("provider", string(name)).
		Bool("connected", connected).
		Msg("provider connection changed")

	o.bus.Publish(ConnectionEvent{Source: name, Connected: connected})
	if o.failover != nil {
		o.failover.ObserveConnection(name, connected)
	}
}

func (o *Oracle) handleProviderError(name provider.Name, err error) {
	o.logger.Err(err).Str("provider", string(name)).Msg("provider error")
	telemetry.IncrCounter(1, "failure", "provider", string(name), "type", "stream")
}

// GetCurrentPrice assembles fresh updates for the feed from its active
// sources, falls back to a REST fan-out when too few are streaming, validates
// the batch and aggregates it. A successful consensus is fed back to the
// validator for the alignment tier.
func (o *Oracle) GetCurrentPrice(ctx context.Context, feed types.FeedId) (types.AggregatedPrice, error) {
	o.mtx.RLock()
	sources, known := o.catalog[feed]
	o.mtx.RUnlock()
	if !known {
		return types.AggregatedPrice{}, &types.UnknownFeedError{Feed: feed}
	}

	updates := o.collectFresh(feed)
	if len(updates) < o.cfg.MinSources {
		updates = o.fetchRESTFallback(ctx, feed, sources, updates)
	}
	if len(updates) == 0 {
		return types.AggregatedPrice{}, &types.InsufficientDataError{Feed: feed}
	}

	valid := o.validateUpdates(feed, updates)

	result, err := o.aggregator.Aggregate(feed, valid)
	if err != nil {
		if fallback, ok := o.coldStartFallback(feed, valid); ok {
			return fallback, nil
		}
		return types.AggregatedPrice{}, err
	}

	if price, ferr := result.Price.Float64(); ferr == nil {
		o.validator.SetConsensusPrice(feed, price)
	}
	return result, nil
}

// GetCurrentPrices resolves many feeds in parallel, best effort. Results and
// failures are keyed by feed key; a failed feed never aborts the rest.
func (o *Oracle) GetCurrentPrices(
	ctx context.Context,
	feeds []types.FeedId,
) (map[string]types.AggregatedPrice, map[string]error) {
	var (
		mtx      sync.Mutex
		results  = make(map[string]types.AggregatedPrice, len(feeds))
		failures = map[string]error{}
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, feed := range feeds {
		feed := feed
		g.Go(func() error {
			result, err := o.GetCurrentPrice(ctx, feed)

			mtx.Lock()
			defer mtx.Unlock()
			if err != nil {
				failures[feed.Key()] = err
				o.logger.Debug().Err(err).Str("feed", feed.Name()).Msg("feed lookup failed")
				return nil
			}
			results[feed.Key()] = result
			return nil
		})
	}
	_ = g.Wait()

	return results, failures
}

// GetConnectionHealth summarizes the source fleet for the health endpoints.
func (o *Oracle) GetConnectionHealth() ConnectionHealth {
	status := o.orch.ConnectionStatus()

	health := ConnectionHealth{
		TotalSources:  len(status),
		FailedSources: []string{},
	}

	var latencySum float64
	var latencyCount int
	for name, s := range status {
		if s.Connected {
			health.ConnectedSources++
		} else {
			health.FailedSources = append(health.FailedSources, string(name))
		}
		if p, ok := o.providers[name]; ok {
			if latency := p.LatencyMs(); latency > 0 {
				latencySum += latency
				latencyCount++
			}
		}
	}
	sort.Strings(health.FailedSources)

	if latencyCount > 0 {
		health.AverageLatencyMs = latencySum / float64(latencyCount)
	}
	if health.TotalSources > 0 {
		health.HealthScore = 100 * float64(health.ConnectedSources) / float64(health.TotalSources)
	}
	return health
}

// GetDataFreshness returns the age of the newest update for the feed in
// milliseconds. ok is false when no update has ever arrived.
func (o *Oracle) GetDataFreshness(feed types.FeedId) (int64, bool) {
	o.mtx.RLock()
	state, ok := o.feeds[feed.Key()]
	o.mtx.RUnlock()
	if !ok {
		return 0, false
	}

	state.mtx.RLock()
	last := state.lastUpdate
	state.mtx.RUnlock()
	if last.IsZero() {
		return 0, false
	}

	age := time.Since(last).Milliseconds()
	if age < 0 {
		age = 0
	}
	return age, true
}

// GetVolume sums the feed's traded volume over the window from the tick
// store.
func (o *Oracle) GetVolume(feed types.FeedId, start, end time.Time) (sdkmath.LegacyDec, error) {
	if o.ticks == nil {
		return sdkmath.LegacyZeroDec(), types.ErrVolumeHistoryDisabled
	}
	return o.ticks.VolumeTotal(feed.Key(), start, end)
}

// SnapshotVolumes persists the latest update per source for every feed. Runs
// on the scheduler.
func (o *Oracle) SnapshotVolumes() {
	if o.ticks == nil {
		return
	}

	o.mtx.RLock()
	states := make(map[string]*feedState, len(o.feeds))
	for key, state := range o.feeds {
		states[key] = state
	}
	o.mtx.RUnlock()

	for key, state := range states {
		state.mtx.RLock()
		updates := make([]types.PriceUpdate, 0, len(state.latest))
		for _, update := range state.latest {
			updates = append(updates, update)
		}
		state.mtx.RUnlock()

		if len(updates) == 0 {
			continue
		}
		if err := o.ticks.AddTicks(key, updates); err != nil {
			o.logger.Err(err).Str("feed", key).Msg("failed to persist ticks")
		}
	}
}

// CleanupTicks drops tick rows past the retention window. Runs on the
// scheduler.
func (o *Oracle) CleanupTicks() {
	if o.ticks == nil {
		return
	}
	dropped, err := o.ticks.Cleanup(time.Now().Add(-history.DefaultRetention))
	if err != nil {
		o.logger.Err(err).Msg("tick store cleanup failed")
		return
	}
	if dropped > 0 {
		o.logger.Debug().Int64("rows", dropped).Msg("tick store cleaned up")
	}
}

// collectFresh gathers the latest update per active source inside the
// freshness window, re-tagging staleness at read time.
func (o *Oracle) collectFresh(feed types.FeedId) []types.PriceUpdate {
	active := o.activeSet(feed)

	o.mtx.RLock()
	state, ok := o.feeds[feed.Key()]
	o.mtx.RUnlock()
	if !ok {
		return nil
	}

	now := time.Now()
	maxAgeMs := o.cfg.FreshWindow.Milliseconds()

	state.mtx.RLock()
	defer state.mtx.RUnlock()

	updates := make([]types.PriceUpdate, 0, len(state.latest))
	for source, update := range state.latest {
		if active != nil {
			if _, ok := active[source]; !ok {
				continue
			}
		}
		age := update.AgeMs(now)
		if age > maxAgeMs {
			continue
		}
		update.StalenessMs = age
		updates = append(updates, update)
	}
	return updates
}

// fetchRESTFallback fans out to the active sources not already contributing
// and appends whatever admissible updates come back. Per-source failures are
// logged and dropped.
func (o *Oracle) fetchRESTFallback(
	ctx context.Context,
	feed types.FeedId,
	sources []FeedSource,
	have []types.PriceUpdate,
) []types.PriceUpdate {
	contributed := make(map[string]struct{}, len(have))
	for _, update := range have {
		contributed[update.Source] = struct{}{}
	}
	active := o.activeSet(feed)

	ctx, cancel := context.WithTimeout(ctx, o.cfg.RestTimeout)
	defer cancel()

	var mtx sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for _, source := range sources {
		if _, ok := contributed[string(source.Provider)]; ok {
			continue
		}
		if active != nil {
			if _, ok := active[string(source.Provider)]; !ok {
				continue
			}
		}
		p, ok := o.providers[source.Provider]
		if !ok {
			continue
		}

		source := source
		g.Go(func() error {
			start := time.Now()
			update, err := p.FetchTickerREST(ctx, source.Pair)
			if err != nil {
				o.logger.Debug().Err(err).
					Str("provider", string(source.Provider)).
					Str("pair", source.Pair.String()).
					Msg("rest fallback failed")
				return nil
			}
			telemetry.MeasureSince(start, "oracle", "rest_fallback")

			if !o.admissible(update) {
				return nil
			}
			o.ingest(update)

			mtx.Lock()
			have = append(have, update)
			mtx.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return have
}

// validateUpdates runs the batch through the validator and keeps the valid
// updates with their penalized confidence.
func (o *Oracle) validateUpdates(feed types.FeedId, updates []types.PriceUpdate) []types.PriceUpdate {
	results := o.validator.ValidateBatch(feed, updates)

	valid := make([]types.PriceUpdate, 0, len(updates))
	for _, update := range updates {
		result, ok := results[update.Key()]
		if !ok {
			continue
		}
		if !result.Valid {
			if o.warns.Allow(update.Source, update.Pair.String()) {
				o.logger.Warn().
					Str("source", update.Source).
					Str("pair", update.Pair.String()).
					Int("findings", len(result.Findings)).
					Msg("update rejected by validation")
			}
			continue
		}
		update.Confidence = result.Confidence
		valid = append(valid, update)
	}
	return valid
}

// coldStartFallback serves a confidence-weighted mean when consensus is not
// yet possible, typically right after boot when only one source has data. The
// result carries a zero consensus score and half the average confidence.
func (o *Oracle) coldStartFallback(feed types.FeedId, updates []types.PriceUpdate) (types.AggregatedPrice, bool) {
	var (
		weightSum float64
		priceSum  float64
		confSum   float64
		sources   []string
	)
	for _, update := range updates {
		price, err := update.Price.Float64()
		if err != nil || price <= 0 {
			continue
		}
		weightSum += update.Confidence
		priceSum += update.Confidence * price
		confSum += update.Confidence
		sources = append(sources, update.Source)
	}
	if weightSum == 0 || len(sources) == 0 {
		return types.AggregatedPrice{}, false
	}
	sort.Strings(sources)

	confidence := confSum / float64(len(sources)) / 2
	if confidence > 1 {
		confidence = 1
	}

	o.logger.Warn().
		Str("feed", feed.Name()).
		Int("sources", len(sources)).
		Msg("serving cold start fallback price")

	return types.AggregatedPrice{
		Feed:           feed,
		Price:          floatToDec(priceSum / weightSum),
		Time:           time.Now(),
		Sources:        sources,
		Confidence:     confidence,
		ConsensusScore: 0,
	}, true
}

// warmStart preloads the statistical history windows from the tick store so
// the outlier tier has samples right after a restart.
func (o *Oracle) warmStart() {
	if o.ticks == nil {
		return
	}

	end := time.Now()
	start := end.Add(-warmStartWindow)

	o.mtx.RLock()
	feeds := o.catalog.Feeds()
	o.mtx.RUnlock()

	loaded := 0
	for _, feed := range feeds {
		series, err := o.ticks.GetTicks(feed.Key(), start, end)
		if err != nil {
			o.logger.Warn().Err(err).Str("feed", feed.Name()).Msg("history warm start failed")
			continue
		}
		for _, ticks := range series {
			for _, tick := range ticks {
				price, err := tick.Price.Float64()
				if err != nil || price <= 0 {
					continue
				}
				o.history.Record(feed.Key(), price, tick.Time)
				loaded++
			}
		}
	}
	if loaded > 0 {
		o.logger.Info().Int("ticks", loaded).Msg("warmed statistical history from tick store")
	}
}

// activeSet returns the failover controller's active source view for the
// feed, or nil when every catalog source counts.
func (o *Oracle) activeSet(feed types.FeedId) map[string]struct{} {
	if o.failover == nil {
		return nil
	}
	names := o.failover.ActiveSources(feed)
	if names == nil {
		return nil
	}

	active := make(map[string]struct{}, len(names))
	for _, name := range names {
		active[name] = struct{}{}
	}
	return active
}

// admissible applies the broken-data gate shared by ingest and the REST
// fallback path.
func (o *Oracle) admissible(update types.PriceUpdate) bool {
	price, err := update.Price.Float64()
	if err != nil || price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return false
	}
	return update.Confidence >= o.cfg.MinConfidence
}

// feedState returns the per-feed ingest state, creating it on first use.
func (o *Oracle) feedState(feed types.FeedId) *feedState {
	key := feed.Key()

	o.mtx.RLock()
	state, ok := o.feeds[key]
	o.mtx.RUnlock()
	if ok {
		return state
	}

	o.mtx.Lock()
	defer o.mtx.Unlock()
	if state, ok = o.feeds[key]; ok {
		return state
	}
	state = &feedState{latest: map[string]types.PriceUpdate{}}
	o.feeds[key] = state
	return state
}

func (o *Oracle) resolveFeed(source string, pair types.CurrencyPair) (types.FeedId, bool) {
	o.mtx.RLock()
	defer o.mtx.RUnlock()
	feed, ok := o.resolve[resolveKey(source, pair)]
	return feed, ok
}

// buildResolveIndex maps every (provider, pair) the catalog references to its
// feed for O(1) ingest resolution.
func buildResolveIndex(catalog Catalog) map[string]types.FeedId {
	index := map[string]types.FeedId{}
	for feed, sources := range catalog {
		for _, source := range sources {
			index[resolveKey(string(source.Provider), source.Pair)] = feed
		}
	}
	return index
}

func resolveKey(source string, pair types.CurrencyPair) string {
	return source + "|" + pair.String()
}

func floatToDec(f float64) sdkmath.LegacyDec {
	return sdkmath.LegacyMustNewDecFromStr(strconv.FormatFloat(f, 'f', -1, 64))
}
