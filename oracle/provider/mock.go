package provider

import (
	"context"
	"math"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"

	"github.com/rs/zerolog"
)

var (
	_ Provider = (*MockProvider)(nil)

	mockDefaultEndpoints = Endpoint{
		Name:         ProviderMock,
		Urls:         []string{""},
		PollInterval: 500 * time.Millisecond,
	}

	// mockReferencePrices anchor the synthetic feed per base asset.
	mockReferencePrices = map[string]float64{
		"BTC":  60000,
		"ETH":  3000,
		"SOL":  150,
		"ATOM": 10,
		"XRP":  0.5,
		"ADA":  0.45,
		"DOGE": 0.12,
		"FLR":  0.02,
	}
)

type (
	// MockProvider defines an oracle provider that synthesizes tickers with a
	// small deterministic drift around fixed reference prices. Used for local
	// runs and tests, never in production catalogs.
	MockProvider struct {
		provider
	}
)

func NewMockProvider(
	ctx context.Context,
	logger zerolog.Logger,
	endpoints Endpoint,
	pairs ...types.CurrencyPair,
) (*MockProvider, error) {
	endpoints = endpoints.orDefaults(ProviderMock, mockDefaultEndpoints)

	provider := &MockProvider{}
	provider.Init(
		ctx,
		endpoints,
		logger,
		pairs,
		nil,
		nil,
	)

	if err := provider.setPairs(pairs, nil, nil); err != nil {
		return nil, err
	}

	go startPolling(provider, provider.endpoints.PollInterval, logger)
	return provider, nil
}

func (p *MockProvider) Poll() error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	timestamp := time.Now()

	for symbol, pair := range p.subscribedPairs {
		price := mockPrice(pair.Base, timestamp)
		p.setTickerPriceWithSpread(
			symbol,
			floatToDec(price),
			floatToDec(1000000),
			floatToDec(0.0002),
			timestamp,
		)
	}
	p.markPollSuccess()
	return nil
}

func (p *MockProvider) FetchTickerREST(_ context.Context, pair types.CurrencyPair) (types.PriceUpdate, error) {
	now := time.Now()
	return p.newPriceUpdate(
		pair,
		floatToDec(mockPrice(pair.Base, now)),
		floatToDec(1000000),
		floatToDec(0.0002),
		now,
	), nil
}

func (p *MockProvider) GetAvailablePairs() (map[string]struct{}, error) {
	return nil, nil
}

// mockPrice drifts 0.1% around the reference on a one minute cycle so
// consecutive reads differ but stay within every validation band.
func mockPrice(base string, now time.Time) float64 {
	reference, ok := mockReferencePrices[base]
	if !ok {
		reference = 100
	}
	phase := float64(now.UnixMilli()%60000) / 60000
	return reference * (1 + 0.001*math.Sin(2*math.Pi*phase))
}
