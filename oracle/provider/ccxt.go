package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

var (
	_ Provider = (*CcxtProvider)(nil)

	ccxtDefaultEndpoints = Endpoint{
		Name:         ProviderCcxt,
		Urls:         []string{"http://localhost:3000"},
		PollInterval: 3 * time.Second,
	}
)

type (
	// CcxtProvider bridges exchanges without a native adapter through a
	// ccxt-rest gateway. The provider name selects the exchange behind the
	// gateway: "ccxt.kucoin" polls /exchanges/kucoin. Responses are keyed
	// by the ccxt unified symbol ex.: "BTC/USDT".
	//
	// REF: https://github.com/ccxt-rest/ccxt-rest
	CcxtProvider struct {
		provider
		exchange string
	}
)

func NewCcxtProvider(
	ctx context.Context,
	logger zerolog.Logger,
	endpoints Endpoint,
	pairs ...types.CurrencyPair,
) (*CcxtProvider, error) {
	name := endpoints.Name.String()
	if !strings.HasPrefix(name, "ccxt.") || name == "ccxt." {
		return nil, fmt.Errorf("invalid ccxt provider name: %s", name)
	}
	exchange := strings.TrimPrefix(name, "ccxt.")
	if len(endpoints.Urls) == 0 {
		endpoints.Urls = ccxtDefaultEndpoints.Urls
	}
	if endpoints.PollInterval == 0 {
		endpoints.PollInterval = ccxtDefaultEndpoints.PollInterval
	}

	provider := &CcxtProvider{exchange: exchange}
	provider.Init(
		ctx,
		endpoints,
		logger,
		pairs,
		nil,
		nil,
	)

	availablePairs, _ := provider.GetAvailablePairs()
	if err := provider.setPairs(pairs, availablePairs, currencyPairToCcxtSymbol); err != nil {
		return nil, err
	}

	go startPolling(provider, provider.endpoints.PollInterval, logger)
	return provider, nil
}

func (p *CcxtProvider) Poll() error {
	content, err := p.httpGet("/exchanges/" + p.exchange + "/tickers")
	if err != nil {
		return err
	}

	result := gjson.ParseBytes(content)
	if !result.IsObject() {
		return fmt.Errorf("unexpected tickers payload from %s", p.exchange)
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	result.ForEach(func(key, ticker gjson.Result) bool {
		symbol := key.String()
		if !p.isPair(symbol) {
			return true
		}

		last := ticker.Get("last")
		if !last.Exists() || last.Float() <= 0 {
			return true
		}

		timestamp := time.Now()
		if ms := ticker.Get("timestamp").Int(); ms > 0 {
			timestamp = time.UnixMilli(ms)
		}

		p.setTickerPriceWithSpread(
			symbol,
			floatToDec(last.Float()),
			floatToDec(ticker.Get("baseVolume").Float()),
			relativeSpreadFloat(ticker.Get("bid").Float(), ticker.Get("ask").Float()),
			timestamp,
		)
		return true
	})

	p.markPollSuccess()
	p.logger.Debug().Msg("updated tickers")
	return nil
}

func (p *CcxtProvider) FetchTickerREST(_ context.Context, pair types.CurrencyPair) (types.PriceUpdate, error) {
	symbol := currencyPairToCcxtSymbol(pair)

	content, err := p.httpGet("/exchanges/" + p.exchange + "/ticker?symbol=" + url.QueryEscape(symbol))
	if err != nil {
		return types.PriceUpdate{}, err
	}

	ticker := gjson.ParseBytes(content)
	last := ticker.Get("last")
	if !last.Exists() || last.Float() <= 0 {
		return types.PriceUpdate{}, fmt.Errorf("%s rest ticker missing for %s", p.endpoints.Name, pair.String())
	}

	timestamp := time.Now()
	if ms := ticker.Get("timestamp").Int(); ms > 0 {
		timestamp = time.UnixMilli(ms)
	}

	return p.newPriceUpdate(
		pair,
		floatToDec(last.Float()),
		floatToDec(ticker.Get("baseVolume").Float()),
		relativeSpreadFloat(ticker.Get("bid").Float(), ticker.Get("ask").Float()),
		timestamp,
	), nil
}

// GetAvailablePairs returns the unified symbols listed by the exchange
// behind the gateway.
func (p *CcxtProvider) GetAvailablePairs() (map[string]struct{}, error) {
	content, err := p.httpGet("/exchanges/" + p.exchange + "/symbols")
	if err != nil {
		return nil, err
	}

	symbols := map[string]struct{}{}
	for _, symbol := range gjson.ParseBytes(content).Array() {
		symbols[symbol.String()] = struct{}{}
	}

	return symbols, nil
}

func currencyPairToCcxtSymbol(pair types.CurrencyPair) string {
	return pair.Join("/")
}
