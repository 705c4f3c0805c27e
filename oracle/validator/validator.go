package validator

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/history"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"

	"github.com/rs/zerolog"
)

const (
	zScoreThreshold   = 2.5
	minHistorySamples = 3

	minCrossSourcePeers        = 2
	crossSourceMediumDeviation = 0.02
	crossSourceHighDeviation   = 0.04

	consensusMediumDeviation = 0.005
	consensusHighDeviation   = 0.01
)

type (
	// Config carries the tunable validation bounds. Zero fields fall back
	// to the defaults.
	Config struct {
		MaxAgeMs         int64
		OutlierThreshold float64
		MinPrice         float64
		MaxPrice         float64
		CacheSize        int
		CacheTTL         time.Duration
	}

	// Result is the full verdict for one update. Confidence is the update
	// confidence after the multiplicative finding penalties.
	Result struct {
		Update     types.PriceUpdate
		Findings   []Finding
		Valid      bool
		Confidence float64
	}

	// Validator applies the tiered quality checks to price updates. Tiers
	// run in order and collect findings; a critical finding stops the
	// remaining tiers. The statistical and cross source tiers read the
	// shared history windows the oracle records into on ingest.
	Validator struct {
		logger      zerolog.Logger
		cfg         Config
		history     *history.Window
		crossSource *history.CrossSourceWindow
		cache       *resultCache

		mtx       sync.RWMutex
		consensus map[string]float64
	}
)

func (c *Config) SetDefaults() {
	if c.MaxAgeMs == 0 {
		c.MaxAgeMs = 2000
	}
	if c.OutlierThreshold == 0 {
		c.OutlierThreshold = 0.12
	}
	if c.MinPrice == 0 {
		c.MinPrice = 0.01
	}
	if c.MaxPrice == 0 {
		c.MaxPrice = 1_000_000
	}
}

func New(
	logger zerolog.Logger,
	cfg Config,
	priceHistory *history.Window,
	crossSource *history.CrossSourceWindow,
) *Validator {
	cfg.SetDefaults()
	return &Validator{
		logger:      logger.With().Str("module", "validator").Logger(),
		cfg:         cfg,
		history:     priceHistory,
		crossSource: crossSource,
		cache:       newResultCache(cfg.CacheSize, cfg.CacheTTL),
		consensus:   map[string]float64{},
	}
}

// SetConsensusPrice records the latest aggregated price so subsequent
// validations can check alignment against it.
func (v *Validator) SetConsensusPrice(feed types.FeedId, price float64) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return
	}
	v.mtx.Lock()
	v.consensus[feed.Key()] = price
	v.mtx.Unlock()
}

func (v *Validator) consensusPrice(feed types.FeedId) (float64, bool) {
	v.mtx.RLock()
	defer v.mtx.RUnlock()
	price, ok := v.consensus[feed.Key()]
	return price, ok
}

// Validate runs every tier against one update.
func (v *Validator) Validate(feed types.FeedId, update types.PriceUpdate) Result {
	return v.validate(feed, update, nil, time.Now())
}

// ValidateBatch validates updates that arrived together. Batch members see
// each other in the cross source tier, so two concurrent quotes confirm one
// another even before the shared window catches up. Results are keyed by
// the update key.
func (v *Validator) ValidateBatch(feed types.FeedId, updates []types.PriceUpdate) map[string]Result {
	now := time.Now()

	batchPeers := make([]history.PeerQuote, 0, len(updates))
	for _, update := range updates {
		price, err := update.Price.Float64()
		if err != nil || price <= 0 {
			continue
		}
		batchPeers = append(batchPeers, history.PeerQuote{
			Source: update.Source,
			Price:  price,
			Time:   update.Time,
		})
	}

	results := make(map[string]Result, len(updates))
	for _, update := range updates {
		results[update.Key()] = v.validate(feed, update, batchPeers, now)
	}
	return results
}

func (v *Validator) validate(
	feed types.FeedId,
	update types.PriceUpdate,
	batchPeers []history.PeerQuote,
	now time.Time,
) Result {
	key := newCacheKey(feed, update)
	if cached, ok := v.cache.get(key, now); ok {
		return cached
	}

	var findings []Finding
	price, formatFinding := v.checkFormat(update)
	if formatFinding != nil {
		findings = append(findings, formatFinding)
	} else {
		findings = v.runTiers(feed, update, price, batchPeers, now)
	}

	result := v.decide(update, findings)
	v.cache.put(key, result, now)

	if !result.Valid {
		v.logger.Debug().
			Str("feed", feed.Key()).
			Str("source", update.Source).
			Int("findings", len(result.Findings)).
			Msg("update failed validation")
	}
	return result
}

// runTiers walks range, staleness, statistical, cross source and consensus
// in order. A critical finding short circuits whatever remains.
func (v *Validator) runTiers(
	feed types.FeedId,
	update types.PriceUpdate,
	price float64,
	batchPeers []history.PeerQuote,
	now time.Time,
) []Finding {
	var findings []Finding

	if f := v.checkRange(price); f != nil {
		findings = append(findings, f)
		if f.Severity() == SeverityCritical {
			return findings
		}
	}

	if f := v.checkStaleness(update, now); f != nil {
		findings = append(findings, f)
		if f.Severity() == SeverityCritical {
			return findings
		}
	}

	if f := v.checkStatistical(feed, price); f != nil {
		findings = append(findings, f)
	}
	if f := v.checkCrossSource(feed, update, price, batchPeers, now); f != nil {
		findings = append(findings, f)
	}
	if f := v.checkConsensus(feed, price); f != nil {
		findings = append(findings, f)
	}
	return findings
}

// checkFormat verifies the update is structurally usable and returns the
// price as a float for the later tiers.
func (v *Validator) checkFormat(update types.PriceUpdate) (float64, Finding) {
	if update.Source == "" {
		return 0, FormatFinding{Reason: "missing source"}
	}
	if update.Price.IsNil() {
		return 0, FormatFinding{Reason: "missing price"}
	}
	if update.Time.IsZero() {
		return 0, FormatFinding{Reason: "missing timestamp"}
	}
	if update.Confidence < 0 || update.Confidence > 1 {
		return 0, FormatFinding{Reason: "confidence out of range"}
	}

	price, err := update.Price.Float64()
	if err != nil || math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, FormatFinding{Reason: "unusable price"}
	}
	return price, nil
}

func (v *Validator) checkRange(price float64) Finding {
	if price < v.cfg.MinPrice || price > v.cfg.MaxPrice {
		return RangeFinding{Price: price, Min: v.cfg.MinPrice, Max: v.cfg.MaxPrice}
	}
	return nil
}

func (v *Validator) checkStaleness(update types.PriceUpdate, now time.Time) Finding {
	age := update.AgeMs(now)
	if age >= v.cfg.MaxAgeMs {
		return StaleFinding{AgeMs: age, MaxAgeMs: v.cfg.MaxAgeMs}
	}
	if float64(age) > 0.8*float64(v.cfg.MaxAgeMs) {
		return StaleFinding{AgeMs: age, MaxAgeMs: v.cfg.MaxAgeMs}
	}
	return nil
}

func (v *Validator) checkStatistical(feed types.FeedId, price float64) Finding {
	if v.history == nil {
		return nil
	}
	stats, ok := v.history.Stats(feed.Key())
	if !ok || stats.Count < minHistorySamples {
		return nil
	}

	var (
		zScore    float64
		zOutlier  bool
		deviation float64
	)
	if z, ok := stats.ZScore(price); ok {
		zScore = z
		zOutlier = math.Abs(z) > zScoreThreshold
	}
	if stats.RecentMean > 0 {
		deviation = math.Abs(price-stats.RecentMean) / stats.RecentMean
	}

	if !zOutlier && deviation <= v.cfg.OutlierThreshold {
		return nil
	}
	return OutlierFinding{
		ZScore:    zScore,
		Deviation: deviation,
		Threshold: v.cfg.OutlierThreshold,
	}
}

func (v *Validator) checkCrossSource(
	feed types.FeedId,
	update types.PriceUpdate,
	price float64,
	batchPeers []history.PeerQuote,
	now time.Time,
) Finding {
	if v.crossSource == nil {
		return nil
	}

	// latest quote per peer source, batch members overriding the window
	bySource := map[string]float64{}
	for _, peer := range v.crossSource.Peers(feed.Key(), update.Source, now) {
		bySource[peer.Source] = peer.Price
	}
	for _, peer := range batchPeers {
		if peer.Source == update.Source {
			continue
		}
		bySource[peer.Source] = peer.Price
	}

	if len(bySource) < minCrossSourcePeers {
		return nil
	}

	peerPrices := make([]float64, 0, len(bySource))
	for _, p := range bySource {
		peerPrices = append(peerPrices, p)
	}
	median := medianFloat(peerPrices)
	if median <= 0 {
		return nil
	}

	deviation := math.Abs(price-median) / median
	if deviation <= crossSourceMediumDeviation {
		return nil
	}
	return CrossSourceFinding{Deviation: deviation, Peers: len(bySource)}
}

func (v *Validator) checkConsensus(feed types.FeedId, price float64) Finding {
	consensus, ok := v.consensusPrice(feed)
	if !ok {
		return nil
	}

	deviation := math.Abs(price-consensus) / consensus
	if deviation <= consensusMediumDeviation {
		return nil
	}
	return ConsensusFinding{Deviation: deviation}
}

// decide applies the validity rule and the multiplicative confidence
// penalties. An update stays valid with no critical finding and at most
// one high finding.
func (v *Validator) decide(update types.PriceUpdate, findings []Finding) Result {
	confidence := clamp01(update.Confidence)
	criticals, highs := 0, 0
	for _, f := range findings {
		switch f.Severity() {
		case SeverityCritical:
			criticals++
		case SeverityHigh:
			highs++
		}
		confidence *= f.Severity().penalty()
	}

	return Result{
		Update:     update,
		Findings:   findings,
		Valid:      criticals == 0 && highs <= 1,
		Confidence: clamp01(confidence),
	}
}

func medianFloat(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sort.Float64s(values)
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid]
	}
	return (values[mid-1] + values[mid]) / 2
}

func clamp01(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}
