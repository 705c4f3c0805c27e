package provider

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"

	"github.com/rs/zerolog"
)

var (
	_                       Provider = (*BinanceProvider)(nil)
	binanceDefaultEndpoints          = Endpoint{
		Name:          ProviderBinance,
		Urls:          []string{"https://api1.binance.com", "https://api.binance.com"},
		Websocket:     "stream.binance.com:9443",
		WebsocketPath: "/ws",
	}
)

type (
	// BinanceProvider defines an oracle provider implemented by the Binance
	// public API.
	//
	// REF: https://binance-docs.github.io/apidocs/spot/en/#individual-symbol-ticker-streams
	BinanceProvider struct {
		provider
	}

	// BinanceTicker ticker price response. https://pkg.go.dev/encoding/json#Unmarshal
	// Unmarshal matches incoming object keys to the keys used by Marshal (either the
	// struct field name or its tag), preferring an exact match but also accepting a
	// case-insensitive match. C field which is Statistics close time is not used, but
	// it avoids to implement specific UnmarshalJSON.
	BinanceTicker struct {
		Symbol    string `json:"s"` // Symbol ex.: BTCUSDT
		LastPrice string `json:"c"` // Last price ex.: 0.0025
		Volume    string `json:"v"` // Total traded base asset volume ex.: 1000
		Bid       string `json:"b"` // Best bid price ex.: 0.0024
		Ask       string `json:"a"` // Best ask price ex.: 0.0026
		Time      uint64 `json:"C"` // Statistics close time
	}

	// BinanceSubscriptionMsg Msg to subscribe all the tickers channels.
	BinanceSubscriptionMsg struct {
		Method string   `json:"method"` // SUBSCRIBE/UNSUBSCRIBE
		Params []string `json:"params"` // streams to subscribe ex.: btcusdt@ticker
		ID     uint16   `json:"id"`     // identify messages going back and forth
	}

	// BinanceSubscriptionResp the response structure for a binance subscription response
	BinanceSubscriptionResp struct {
		Result string `json:"result"`
		ID     uint16 `json:"id"`
	}

	// BinancePairSummary defines the response structure for a Binance pair
	// summary.
	BinancePairSummary struct {
		Symbol string `json:"symbol"`
	}

	// BinanceRestTicker is the 24hr statistics response used for the rest
	// fallback path.
	BinanceRestTicker struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
		Volume    string `json:"volume"`
		BidPrice  string `json:"bidPrice"`
		AskPrice  string `json:"askPrice"`
		CloseTime int64  `json:"closeTime"`
	}
)

func NewBinanceProvider(
	ctx context.Context,
	logger zerolog.Logger,
	endpoints Endpoint,
	pairs ...types.CurrencyPair,
) (*BinanceProvider, error) {
	endpoints = endpoints.orDefaults(ProviderBinance, binanceDefaultEndpoints)

	provider := &BinanceProvider{}
	provider.Init(
		ctx,
		endpoints,
		logger,
		pairs,
		provider.messageReceived,
		provider.subscriptionMsgs,
	)
	provider.unsubscribe = provider.unsubscriptionMsgs

	availablePairs, _ := provider.GetAvailablePairs()
	if err := provider.setPairs(pairs, availablePairs, currencyPairToBinanceSymbol); err != nil {
		return nil, err
	}

	if err := provider.queueInitialSubscriptions(); err != nil {
		return nil, err
	}
	return provider, nil
}

func (p *BinanceProvider) subscriptionMsgs(cps ...types.CurrencyPair) []interface{} {
	msg := BinanceSubscriptionMsg{
		Method: "SUBSCRIBE",
		Params: make([]string, len(cps)),
		ID:     1,
	}
	for i, cp := range cps {
		msg.Params[i] = strings.ToLower(currencyPairToBinanceSymbol(cp)) + "@ticker"
	}
	return []interface{}{msg}
}

func (p *BinanceProvider) unsubscriptionMsgs(cps ...types.CurrencyPair) []interface{} {
	msg := BinanceSubscriptionMsg{
		Method: "UNSUBSCRIBE",
		Params: make([]string, len(cps)),
		ID:     2,
	}
	for i, cp := range cps {
		msg.Params[i] = strings.ToLower(currencyPairToBinanceSymbol(cp)) + "@ticker"
	}
	return []interface{}{msg}
}

func (p *BinanceProvider) messageReceived(_ int, bz []byte) {
	var (
		tickerResp       BinanceTicker
		tickerErr        error
		subscribeResp    BinanceSubscriptionResp
		subscribeRespErr error
	)

	tickerErr = json.Unmarshal(bz, &tickerResp)
	if tickerErr == nil && tickerResp.Symbol != "" && tickerResp.LastPrice != "" {
		p.setTickerPair(tickerResp)
		telemetryWebsocketMessage(ProviderBinance, MessageTypeTicker)
		return
	}

	subscribeRespErr = json.Unmarshal(bz, &subscribeResp)
	if subscribeRespErr == nil && subscribeResp.ID > 0 {
		return
	}

	p.logger.Error().
		Int("length", len(bz)).
		AnErr("ticker", tickerErr).
		AnErr("subscribeResp", subscribeRespErr).
		Str("msg", string(bz)).
		Msg("Error on receive message")
}

func (p *BinanceProvider) setTickerPair(ticker BinanceTicker) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if !p.isPair(ticker.Symbol) {
		return
	}

	p.setTickerPriceWithSpread(
		ticker.Symbol,
		strToDec(ticker.LastPrice),
		strToDec(ticker.Volume),
		relativeSpread(ticker.Bid, ticker.Ask),
		time.UnixMilli(int64(ticker.Time)),
	)
}

func (p *BinanceProvider) FetchTickerREST(_ context.Context, pair types.CurrencyPair) (types.PriceUpdate, error) {
	symbol := currencyPairToBinanceSymbol(pair)

	content, err := p.httpGet("/api/v3/ticker/24hr?symbol=" + symbol)
	if err != nil {
		return types.PriceUpdate{}, err
	}

	var ticker BinanceRestTicker
	if err := json.Unmarshal(content, &ticker); err != nil {
		return types.PriceUpdate{}, err
	}

	return p.newPriceUpdate(
		pair,
		strToDec(ticker.LastPrice),
		strToDec(ticker.Volume),
		relativeSpread(ticker.BidPrice, ticker.AskPrice),
		time.UnixMilli(ticker.CloseTime),
	), nil
}

// GetAvailablePairs returns all pairs to which the provider can subscribe.
// ex.: map["ATOMUSDT" => {}, "BTCUSDT" => {}].
func (p *BinanceProvider) GetAvailablePairs() (map[string]struct{}, error) {
	content, err := p.httpGet("/api/v3/ticker/price")
	if err != nil {
		return nil, err
	}

	var pairsSummary []BinancePairSummary
	if err := json.Unmarshal(content, &pairsSummary); err != nil {
		return nil, err
	}

	availablePairs := make(map[string]struct{}, len(pairsSummary))
	for _, pairName := range pairsSummary {
		availablePairs[strings.ToUpper(pairName.Symbol)] = struct{}{}
	}

	return availablePairs, nil
}

func currencyPairToBinanceSymbol(pair types.CurrencyPair) string {
	return strings.ToUpper(pair.Base + pair.Quote)
}
