package types

import (
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
)

// TickerPrice defines price and volume information for a symbol or ticker
// exchange rate as cached inside a provider.
type TickerPrice struct {
	Price  sdkmath.LegacyDec `json:"price"`  // last trade price
	Volume sdkmath.LegacyDec `json:"volume"` // 24h volume
	Time   time.Time         `json:"time"`
}

func NewTickerPrice(price string, volume string, timestamp time.Time) (TickerPrice, error) {
	priceDec, err := sdkmath.LegacyNewDecFromStr(price)
	if err != nil {
		return TickerPrice{}, fmt.Errorf("failed to convert ticker price: %v", err)
	}
	volumeDec, err := sdkmath.LegacyNewDecFromStr(volume)
	if err != nil {
		return TickerPrice{}, fmt.Errorf("failed to convert ticker volume: %v", err)
	}
	ticker := TickerPrice{
		Price:  priceDec,
		Volume: volumeDec,
		Time:   timestamp,
	}
	return ticker, nil
}

// PriceUpdate is one normalized observation emitted by a provider and fanned
// into the oracle. Providers speak in currency pairs; the oracle resolves the
// pair against its feed catalog on ingest. StalenessMs is annotated there,
// never used to reject an update outright.
type PriceUpdate struct {
	Pair        CurrencyPair
	Source      string
	Price       sdkmath.LegacyDec
	Volume      sdkmath.LegacyDec
	Spread      sdkmath.LegacyDec // relative bid/ask spread, zero when unknown
	Time        time.Time         // exchange timestamp
	ReceivedAt  time.Time
	Confidence  float64
	StalenessMs int64
}

// AgeMs returns the update age relative to now, clamped at zero for
// exchange clocks running ahead.
func (u PriceUpdate) AgeMs(now time.Time) int64 {
	age := now.Sub(u.Time).Milliseconds()
	if age < 0 {
		return 0
	}
	return age
}

// Key returns a stable identity for batch validation results.
func (u PriceUpdate) Key() string {
	return fmt.Sprintf("%s|%s|%d", u.Source, u.Pair.String(), u.Time.UnixMilli())
}

// AggregatedPrice is the consensus result for one feed. Sources is never
// empty on a successful aggregation.
type AggregatedPrice struct {
	Feed           FeedId
	Price          sdkmath.LegacyDec
	Time           time.Time
	Sources        []string
	Confidence     float64
	ConsensusScore float64
}
