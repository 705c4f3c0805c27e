package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"
)

var (
	_                        Provider = (*BitfinexProvider)(nil)
	bitfinexDefaultEndpoints          = Endpoint{
		Name:         ProviderBitfinex,
		Urls:         []string{"https://api-pub.bitfinex.com"},
		PollInterval: 2500 * time.Millisecond,
	}
)

type (
	// BitfinexProvider defines an oracle provider implemented by the Bitfinex
	// public API. Bitfinex writes pairs with a colon only when one side is
	// longer than three characters, so a symbol table is built on startup.
	//
	// REF: https://docs.bitfinex.com/docs
	BitfinexProvider struct {
		provider
		symbols map[string]string // BTCUSD => BTCUSD | LUNAUSD => LUNA2:USD
	}
)

func NewBitfinexProvider(
	ctx context.Context,
	logger zerolog.Logger,
	endpoints Endpoint,
	pairs ...types.CurrencyPair,
) (*BitfinexProvider, error) {
	endpoints = endpoints.orDefaults(ProviderBitfinex, bitfinexDefaultEndpoints)

	provider := &BitfinexProvider{}
	provider.Init(
		ctx,
		endpoints,
		logger,
		pairs,
		nil,
		nil,
	)

	content, err := provider.httpGet("/v2/conf/pub:list:pair:exchange")
	if err != nil {
		return nil, err
	}

	var bitfinexPairs [1][]string
	err = json.Unmarshal(content, &bitfinexPairs)
	if err != nil {
		return nil, err
	}

	provider.symbols = map[string]string{}
	availablePairs := map[string]struct{}{}
	for _, pair := range bitfinexPairs[0] {
		symbol := normalizeBitfinexSymbol(pair)
		provider.symbols[symbol] = pair
		availablePairs[symbol] = struct{}{}
	}

	if err := provider.setPairs(pairs, availablePairs, nil); err != nil {
		return nil, err
	}

	go startPolling(provider, provider.endpoints.PollInterval, logger)
	return provider, nil
}

func (p *BitfinexProvider) Poll() error {
	p.mtx.RLock()
	wanted := make(map[string]string, len(p.subscribedPairs))
	for symbol := range p.subscribedPairs {
		bitfinexSymbol, ok := p.symbols[symbol]
		if !ok {
			continue
		}
		wanted["t"+bitfinexSymbol] = symbol
	}
	p.mtx.RUnlock()

	content, err := p.httpGet("/v2/tickers?symbols=ALL")
	if err != nil {
		return err
	}

	var tickersResponse [][11]json.RawMessage
	err = json.Unmarshal(content, &tickersResponse)
	if err != nil {
		return err
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	timestamp := time.Now()

	for _, ticker := range tickersResponse {
		var (
			tickerSymbol string
			tickerBid    float64
			tickerAsk    float64
			tickerPrice  float64
			tickerVolume float64
		)

		err := json.Unmarshal(ticker[0], &tickerSymbol)
		if err != nil {
			p.logger.Error().Msg("failed to parse ticker")
			continue
		}

		symbol, ok := wanted[tickerSymbol]
		if !ok {
			continue
		}

		err = json.Unmarshal(ticker[7], &tickerPrice)
		if err != nil {
			p.logger.Error().Msg("failed to parse price")
			continue
		}

		err = json.Unmarshal(ticker[8], &tickerVolume)
		if err != nil {
			p.logger.Error().Msg("failed to parse volume")
			continue
		}

		// bid/ask are optional for the confidence spread factor
		_ = json.Unmarshal(ticker[1], &tickerBid)
		_ = json.Unmarshal(ticker[3], &tickerAsk)

		p.setTickerPriceWithSpread(
			symbol,
			floatToDec(tickerPrice),
			floatToDec(tickerVolume),
			relativeSpreadFloat(tickerBid, tickerAsk),
			timestamp,
		)
	}
	p.markPollSuccess()
	p.logger.Debug().Msg("updated tickers")
	return nil
}

func (p *BitfinexProvider) FetchTickerREST(_ context.Context, pair types.CurrencyPair) (types.PriceUpdate, error) {
	p.mtx.RLock()
	bitfinexSymbol, ok := p.symbols[pair.String()]
	p.mtx.RUnlock()
	if !ok {
		return types.PriceUpdate{}, fmt.Errorf("bitfinex does not list %s", pair.String())
	}

	content, err := p.httpGet("/v2/ticker/t" + bitfinexSymbol)
	if err != nil {
		return types.PriceUpdate{}, err
	}

	var ticker [10]float64
	if err := json.Unmarshal(content, &ticker); err != nil {
		return types.PriceUpdate{}, err
	}

	// [0]=bid [2]=ask [6]=last [7]=volume
	return p.newPriceUpdate(
		pair,
		floatToDec(ticker[6]),
		floatToDec(ticker[7]),
		relativeSpreadFloat(ticker[0], ticker[2]),
		time.Now(),
	), nil
}

func (p *BitfinexProvider) GetAvailablePairs() (map[string]struct{}, error) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	availablePairs := make(map[string]struct{}, len(p.symbols))
	for symbol := range p.symbols {
		availablePairs[symbol] = struct{}{}
	}
	return availablePairs, nil
}

// normalizeBitfinexSymbol maps a raw bitfinex pair to our symbol spelling.
// Bitfinex lists the original Terra chain as LUNA and the relaunch as LUNA2.
func normalizeBitfinexSymbol(pair string) string {
	symbol := strings.Replace(pair, "LUNA:", "LUNC:", 1)
	symbol = strings.Replace(symbol, "LUNA2:", "LUNA:", 1)
	return strings.Replace(symbol, ":", "", 1)
}

func relativeSpreadFloat(bid, ask float64) sdkmath.LegacyDec {
	if bid <= 0 || ask <= 0 || ask <= bid {
		return sdkmath.LegacyZeroDec()
	}
	return floatToDec((ask - bid) / ((ask + bid) / 2))
}
