package aggregator

import (
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"
)

const (
	defaultMinSources     = 2
	defaultMaxStalenessMs = 1500
	defaultLambda         = 4e-5
	defaultOutlierBound   = 0.12

	minPointsForTrim = 5
)

type (
	// Config carries the aggregation tunables. Zero fields fall back to
	// the defaults.
	Config struct {
		MinSources       int
		MaxStalenessMs   int64
		OutlierThreshold float64
		Lambda           float64
		CacheTTL         time.Duration
		Weights          map[string]SourceWeight
	}

	// point is one update surviving fast validation, with its price pulled
	// out and its weight computed.
	point struct {
		source     string
		price      float64
		confidence float64
		weight     float64
	}

	// Aggregator folds concurrent price updates into one consensus price
	// per feed using an age and confidence weighted median.
	Aggregator struct {
		logger zerolog.Logger
		cfg    Config
		cache  *resultCache

		mtx           sync.RWMutex
		weights       map[string]SourceWeight
		lastOptimized time.Time
	}
)

func (c *Config) SetDefaults() {
	if c.MinSources == 0 {
		c.MinSources = defaultMinSources
	}
	if c.MaxStalenessMs == 0 {
		c.MaxStalenessMs = defaultMaxStalenessMs
	}
	if c.OutlierThreshold == 0 {
		c.OutlierThreshold = defaultOutlierBound
	}
	if c.Lambda == 0 {
		c.Lambda = defaultLambda
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = defaultCacheTTL
	}
}

func New(logger zerolog.Logger, cfg Config) *Aggregator {
	cfg.SetDefaults()

	weights := make(map[string]SourceWeight, len(defaultSourceWeights))
	for source, weight := range defaultSourceWeights {
		weights[source] = weight
	}
	for source, weight := range cfg.Weights {
		weights[source] = weight
	}

	return &Aggregator{
		logger:  logger.With().Str("module", "aggregator").Logger(),
		cfg:     cfg,
		cache:   newResultCache(cfg.CacheTTL),
		weights: weights,
	}
}

// SourceWeightFor resolves the weight priors for a source, falling back to
// the conservative unknown-source default.
func (a *Aggregator) SourceWeightFor(source string) SourceWeight {
	a.mtx.RLock()
	defer a.mtx.RUnlock()
	if weight, ok := a.weights[source]; ok {
		return weight
	}
	return unknownSourceWeight
}

// OptimizeWeights is the periodic weight adjustment hook driven by the
// scheduler. The current strategy keeps the configured priors; any change
// made here takes effect on the next aggregation.
func (a *Aggregator) OptimizeWeights() {
	a.mtx.Lock()
	a.lastOptimized = time.Now()
	a.mtx.Unlock()
	a.logger.Debug().Msg("weight optimization pass")
}

// Aggregate computes the consensus price for one feed from the given
// updates. It returns typed errors for the empty, all-filtered and
// too-few-sources cases so callers can distinguish them.
func (a *Aggregator) Aggregate(feed types.FeedId, updates []types.PriceUpdate) (types.AggregatedPrice, error) {
	if len(updates) == 0 {
		return types.AggregatedPrice{}, &types.InsufficientDataError{Feed: feed}
	}

	now := time.Now()
	hash := inputHash(updates)
	if cached, ok := a.cache.get(feed.Key(), hash, now); ok {
		return cached, nil
	}

	points := a.fastValidate(updates, now)
	if len(points) == 0 {
		return types.AggregatedPrice{}, &types.NoValidDataError{Feed: feed, Dropped: len(updates)}
	}
	if len(points) < a.cfg.MinSources {
		return types.AggregatedPrice{}, &types.InsufficientSourcesError{
			Feed: feed,
			Got:  len(points),
			Want: a.cfg.MinSources,
		}
	}

	points = trimOutliers(points)
	median := weightedMedian(points)

	score := a.consensusScore(points, median)
	confidence := overallConfidence(points, score)

	result := types.AggregatedPrice{
		Feed:           feed,
		Price:          floatToDec(median),
		Time:           now,
		Sources:        sourceNames(points),
		Confidence:     confidence,
		ConsensusScore: score,
	}

	a.cache.put(feed.Key(), result, hash, now)
	return result, nil
}

// fastValidate drops unusable updates and computes the surviving weights.
// This is a cheap pre-filter; the tiered validator owns the full checks.
func (a *Aggregator) fastValidate(updates []types.PriceUpdate, now time.Time) []point {
	points := make([]point, 0, len(updates))
	for _, update := range updates {
		if update.AgeMs(now) > a.cfg.MaxStalenessMs {
			continue
		}
		if update.Confidence < 0.1 || update.Confidence > 1 {
			continue
		}
		if update.Price.IsNil() || !update.Price.IsPositive() {
			continue
		}
		price, err := update.Price.Float64()
		if err != nil || math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
			continue
		}

		weight := decayedWeight(
			a.SourceWeightFor(update.Source),
			a.cfg.Lambda,
			update.AgeMs(now),
			update.Confidence,
		)
		points = append(points, point{
			source:     update.Source,
			price:      price,
			confidence: update.Confidence,
			weight:     weight,
		})
	}
	return points
}

// trimOutliers drops points outside [Q1 − 1.5·IQR, Q3 + 1.5·IQR]. Small
// sets are kept whole since quartiles mean little there.
func trimOutliers(points []point) []point {
	if len(points) < minPointsForTrim {
		return points
	}

	prices := make([]float64, len(points))
	for i, p := range points {
		prices[i] = p.price
	}
	sort.Float64s(prices)

	q1 := percentile(prices, 0.25)
	q3 := percentile(prices, 0.75)
	iqr := q3 - q1
	lo, hi := q1-1.5*iqr, q3+1.5*iqr

	kept := make([]point, 0, len(points))
	for _, p := range points {
		if p.price < lo || p.price > hi {
			continue
		}
		kept = append(kept, p)
	}
	return kept
}

// percentile interpolates linearly between the two nearest ranks.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := float64(len(sorted)-1) * q
	lower := int(math.Floor(pos))
	if lower >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lower)
	return sorted[lower] + frac*(sorted[lower+1]-sorted[lower])
}

// weightedMedian walks the cumulative weight to its midpoint. With no
// usable weight it degrades to the plain median.
func weightedMedian(points []point) float64 {
	sorted := make([]point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].price < sorted[j].price
	})

	var total float64
	for _, p := range sorted {
		total += p.weight
	}
	if total == 0 {
		mid := len(sorted) / 2
		if len(sorted)%2 == 1 {
			return sorted[mid].price
		}
		return (sorted[mid-1].price + sorted[mid].price) / 2
	}

	var cumulative float64
	for _, p := range sorted {
		cumulative += p.weight
		if cumulative >= total/2 {
			return p.price
		}
	}
	return sorted[len(sorted)-1].price
}

// consensusScore measures how tightly the points sit around the median.
func (a *Aggregator) consensusScore(points []point, median float64) float64 {
	if median <= 0 {
		return 0
	}

	var weightedDev, total float64
	for _, p := range points {
		weightedDev += p.weight * math.Abs(p.price-median) / median
		total += p.weight
	}
	if total == 0 {
		return 0
	}
	return math.Max(0, 1-(weightedDev/total)/a.cfg.OutlierThreshold)
}

// overallConfidence mixes the weighted source confidence, the consensus
// score and a small bonus for the number of contributing points.
func overallConfidence(points []point, score float64) float64 {
	var weightedConf, total float64
	for _, p := range points {
		weightedConf += p.weight * p.confidence
		total += p.weight
	}

	avgConf := 0.0
	if total > 0 {
		avgConf = weightedConf / total
	} else {
		for _, p := range points {
			avgConf += p.confidence
		}
		avgConf /= float64(len(points))
	}

	bonus := math.Min(0.2, 0.04*float64(len(points)))
	return math.Max(0, math.Min(1, 0.7*avgConf+0.3*score+bonus))
}

func sourceNames(points []point) []string {
	seen := map[string]struct{}{}
	names := make([]string, 0, len(points))
	for _, p := range points {
		if _, ok := seen[p.source]; ok {
			continue
		}
		seen[p.source] = struct{}{}
		names = append(names, p.source)
	}
	sort.Strings(names)
	return names
}

func floatToDec(f float64) sdkmath.LegacyDec {
	return sdkmath.LegacyMustNewDecFromStr(strconv.FormatFloat(f, 'f', -1, 64))
}
