package provider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	_                        Provider = (*CoinbaseProvider)(nil)
	coinbaseDefaultEndpoints          = Endpoint{
		Name:         ProviderCoinbase,
		Urls:         []string{"https://api.exchange.coinbase.com"},
		Websocket:    "ws-feed.exchange.coinbase.com",
		PingDuration: 28 * time.Second, // should be < 30
		PingType:     websocket.PingMessage,
	}
)

type (
	// CoinbaseProvider defines an oracle provider implemented by the Coinbase
	// public API.
	//
	// REF: https://docs.cloud.coinbase.com/exchange/docs/websocket-channels
	CoinbaseProvider struct {
		provider
	}

	// CoinbaseSubscriptionMsg Msg to subscribe to all channels.
	CoinbaseSubscriptionMsg struct {
		Type       string   `json:"type"`        // ex. "subscribe"
		ProductIDs []string `json:"product_ids"` // streams to subscribe ex.: ["BTC-USD", ...]
		Channels   []string `json:"channels"`    // channels to subscribe to ex.: "ticker"
	}

	// CoinbaseTicker defines the ticker info we'd like to save.
	CoinbaseTicker struct {
		Type      string `json:"type"`       // "ticker"
		ProductID string `json:"product_id"` // ex.: ATOM-USDT
		Price     string `json:"price"`      // ex.: 523.0
		Volume    string `json:"volume_24h"` // 24-hour volume
		Bid       string `json:"best_bid"`
		Ask       string `json:"best_ask"`
		Time      string `json:"time"` // timestamp
	}

	// CoinbaseErrResponse defines the response body for errors.
	CoinbaseErrResponse struct {
		Type   string `json:"type"`   // should be "error"
		Reason string `json:"reason"` // ex.: "tickers" is not a valid channel
	}

	// CoinbasePairSummary defines the response structure for a Coinbase pair summary.
	CoinbasePairSummary struct {
		ID string `json:"id"` // ex.: BTC-USD
	}

	// CoinbaseRestTicker is the /products/{id}/ticker response for the rest
	// fallback path.
	CoinbaseRestTicker struct {
		Price  string `json:"price"`
		Bid    string `json:"bid"`
		Ask    string `json:"ask"`
		Volume string `json:"volume"`
		Time   string `json:"time"`
	}
)

// NewCoinbaseProvider creates a new CoinbaseProvider.
func NewCoinbaseProvider(
	ctx context.Context,
	logger zerolog.Logger,
	endpoints Endpoint,
	pairs ...types.CurrencyPair,
) (*CoinbaseProvider, error) {
	endpoints = endpoints.orDefaults(ProviderCoinbase, coinbaseDefaultEndpoints)

	provider := &CoinbaseProvider{}
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
	if err := provider.setPairs(pairs, availablePairs, currencyPairToCoinbaseSymbol); err != nil {
		return nil, err
	}

	if err := provider.queueInitialSubscriptions(); err != nil {
		return nil, err
	}
	return provider, nil
}

func (p *CoinbaseProvider) subscriptionMsgs(cps ...types.CurrencyPair) []interface{} {
	msg := CoinbaseSubscriptionMsg{
		Type:       "subscribe",
		ProductIDs: make([]string, len(cps)),
		Channels:   []string{"ticker", "heartbeat"},
	}
	for i, cp := range cps {
		msg.ProductIDs[i] = currencyPairToCoinbaseSymbol(cp)
	}
	return []interface{}{msg}
}

func (p *CoinbaseProvider) unsubscriptionMsgs(cps ...types.CurrencyPair) []interface{} {
	msg := CoinbaseSubscriptionMsg{
		Type:       "unsubscribe",
		ProductIDs: make([]string, len(cps)),
		Channels:   []string{"ticker"},
	}
	for i, cp := range cps {
		msg.ProductIDs[i] = currencyPairToCoinbaseSymbol(cp)
	}
	return []interface{}{msg}
}

func (p *CoinbaseProvider) messageReceived(_ int, bz []byte) {
	var (
		tickerResp CoinbaseTicker
		tickerErr  error
		errResp    CoinbaseErrResponse
	)

	tickerErr = json.Unmarshal(bz, &tickerResp)
	if tickerErr == nil {
		switch tickerResp.Type {
		case "ticker":
			p.setTickerPair(tickerResp)
			telemetryWebsocketMessage(ProviderCoinbase, MessageTypeTicker)
			return
		case "subscriptions", "heartbeat":
			return
		case "error":
			_ = json.Unmarshal(bz, &errResp)
			p.logger.Error().Str("reason", errResp.Reason).Msg("subscription error")
			return
		}
	}

	p.logger.Error().
		Int("length", len(bz)).
		AnErr("ticker", tickerErr).
		Str("msg", string(bz)).
		Msg("Error on receive message")
}

func (p *CoinbaseProvider) setTickerPair(ticker CoinbaseTicker) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if !p.isPair(ticker.ProductID) {
		return
	}

	timestamp, err := time.Parse(time.RFC3339Nano, ticker.Time)
	if err != nil {
		timestamp = time.Now()
	}

	p.setTickerPriceWithSpread(
		ticker.ProductID,
		strToDec(ticker.Price),
		strToDec(ticker.Volume),
		relativeSpread(ticker.Bid, ticker.Ask),
		timestamp,
	)
}

func (p *CoinbaseProvider) FetchTickerREST(_ context.Context, pair types.CurrencyPair) (types.PriceUpdate, error) {
	symbol := currencyPairToCoinbaseSymbol(pair)

	content, err := p.httpGet("/products/" + symbol + "/ticker")
	if err != nil {
		return types.PriceUpdate{}, err
	}

	var ticker CoinbaseRestTicker
	if err := json.Unmarshal(content, &ticker); err != nil {
		return types.PriceUpdate{}, err
	}

	timestamp, err := time.Parse(time.RFC3339Nano, ticker.Time)
	if err != nil {
		timestamp = time.Now()
	}

	return p.newPriceUpdate(
		pair,
		strToDec(ticker.Price),
		strToDec(ticker.Volume),
		relativeSpread(ticker.Bid, ticker.Ask),
		timestamp,
	), nil
}

// GetAvailablePairs returns all pairs to which the provider can subscribe.
func (p *CoinbaseProvider) GetAvailablePairs() (map[string]struct{}, error) {
	content, err := p.httpGet("/products")
	if err != nil {
		return nil, err
	}

	var pairsSummary []CoinbasePairSummary
	if err := json.Unmarshal(content, &pairsSummary); err != nil {
		return nil, err
	}

	availablePairs := make(map[string]struct{}, len(pairsSummary))
	for _, summary := range pairsSummary {
		availablePairs[summary.ID] = struct{}{}
	}

	return availablePairs, nil
}

func currencyPairToCoinbaseSymbol(pair types.CurrencyPair) string {
	return pair.Join("-")
}
