package aggregator

import "math"

// SourceWeight carries the static quality priors for one source. BaseWeight
// sets how much a source counts before decay, TierMultiplier boosts the
// deep-liquidity venues, ReliabilityScore feeds failover ranking.
type SourceWeight struct {
	BaseWeight       float64
	TierMultiplier   float64
	ReliabilityScore float64
}

// unknownSourceWeight is applied to sources missing from the weight table
// so an unrecognized venue can never dominate the median.
var unknownSourceWeight = SourceWeight{
	BaseWeight:       0.05,
	TierMultiplier:   1.0,
	ReliabilityScore: 0.7,
}

// defaultSourceWeights covers the shipped roster. The tier-1 venues carry
// the 1.4 multiplier.
var defaultSourceWeights = map[string]SourceWeight{
	"binance":  {BaseWeight: 0.20, TierMultiplier: 1.4, ReliabilityScore: 0.95},
	"coinbase": {BaseWeight: 0.18, TierMultiplier: 1.4, ReliabilityScore: 0.93},
	"kraken":   {BaseWeight: 0.15, TierMultiplier: 1.4, ReliabilityScore: 0.92},
	"okx":      {BaseWeight: 0.12, TierMultiplier: 1.0, ReliabilityScore: 0.88},
	"bybit":    {BaseWeight: 0.10, TierMultiplier: 1.0, ReliabilityScore: 0.85},
	"bitfinex": {BaseWeight: 0.08, TierMultiplier: 1.0, ReliabilityScore: 0.82},
	"mexc":     {BaseWeight: 0.08, TierMultiplier: 1.0, ReliabilityScore: 0.80},
	"gate":     {BaseWeight: 0.07, TierMultiplier: 1.0, ReliabilityScore: 0.78},
	"crypto":   {BaseWeight: 0.06, TierMultiplier: 1.0, ReliabilityScore: 0.75},
	"mock":     {BaseWeight: 0.05, TierMultiplier: 1.0, ReliabilityScore: 0.70},
}

// decayedWeight computes the effective weight of one update:
// base · tier · exp(−λ·age) · confidence.
func decayedWeight(sw SourceWeight, lambda float64, ageMs int64, confidence float64) float64 {
	return sw.BaseWeight * sw.TierMultiplier * math.Exp(-lambda*float64(ageMs)) * confidence
}
