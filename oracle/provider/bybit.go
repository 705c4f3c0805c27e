package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	_                     Provider = (*BybitProvider)(nil)
	bybitDefaultEndpoints          = Endpoint{
		Name:          ProviderBybit,
		Urls:          []string{"https://api.bybit.com"},
		Websocket:     "stream.bybit.com",
		WebsocketPath: "/v5/public/spot",
		PingDuration:  20 * time.Second,
		PingType:      websocket.TextMessage,
		PingMessage:   `{"op":"ping"}`,
	}
)

type (
	// BybitProvider defines an oracle provider implemented by the Bybit
	// public API.
	//
	// REF: https://bybit-exchange.github.io/docs/v5/websocket/public/ticker
	BybitProvider struct {
		provider
	}

	// BybitTickerMsg is a push message from the spot tickers topic.
	BybitTickerMsg struct {
		Topic string          `json:"topic"` // ex.: tickers.BTCUSDT
		Type  string          `json:"type"`  // snapshot
		TS    int64           `json:"ts"`    // ms
		Data  BybitTickerData `json:"data"`
	}

	BybitTickerData struct {
		Symbol    string `json:"symbol"`    // ex.: BTCUSDT
		LastPrice string `json:"lastPrice"` // ex.: 21455.04
		Volume24h string `json:"volume24h"` // base asset volume
		Bid1Price string `json:"bid1Price"`
		Ask1Price string `json:"ask1Price"`
	}

	// BybitOpResponse covers subscribe acks and pong replies.
	BybitOpResponse struct {
		Op      string `json:"op"`
		Success *bool  `json:"success"`
		RetMsg  string `json:"ret_msg"`
	}

	// BybitSubscriptionMsg Msg to subscribe to N ticker topics.
	BybitSubscriptionMsg struct {
		Op   string   `json:"op"`   // subscribe/unsubscribe
		Args []string `json:"args"` // ex.: ["tickers.BTCUSDT"]
	}

	// BybitRestTickerResponse is the /v5/market/tickers response used for
	// the rest fallback path and the instrument listing.
	BybitRestTickerResponse struct {
		RetCode int `json:"retCode"`
		Result  struct {
			Category string            `json:"category"`
			List     []BybitTickerData `json:"list"`
		} `json:"result"`
	}
)

// NewBybitProvider creates a new BybitProvider.
func NewBybitProvider(
	ctx context.Context,
	logger zerolog.Logger,
	endpoints Endpoint,
	pairs ...types.CurrencyPair,
) (*BybitProvider, error) {
	endpoints = endpoints.orDefaults(ProviderBybit, bybitDefaultEndpoints)

	provider := &BybitProvider{}
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
	if err := provider.setPairs(pairs, availablePairs, currencyPairToBybitSymbol); err != nil {
		return nil, err
	}

	if err := provider.queueInitialSubscriptions(); err != nil {
		return nil, err
	}
	return provider, nil
}

func (p *BybitProvider) subscriptionMsgs(cps ...types.CurrencyPair) []interface{} {
	msg := BybitSubscriptionMsg{
		Op:   "subscribe",
		Args: make([]string, len(cps)),
	}
	for i, cp := range cps {
		msg.Args[i] = "tickers." + currencyPairToBybitSymbol(cp)
	}
	return []interface{}{msg}
}

func (p *BybitProvider) unsubscriptionMsgs(cps ...types.CurrencyPair) []interface{} {
	msg := BybitSubscriptionMsg{
		Op:   "unsubscribe",
		Args: make([]string, len(cps)),
	}
	for i, cp := range cps {
		msg.Args[i] = "tickers." + currencyPairToBybitSymbol(cp)
	}
	return []interface{}{msg}
}

func (p *BybitProvider) messageReceived(_ int, bz []byte) {
	var (
		tickerMsg BybitTickerMsg
		tickerErr error
		opResp    BybitOpResponse
		opErr     error
	)

	tickerErr = json.Unmarshal(bz, &tickerMsg)
	if tickerErr == nil && strings.HasPrefix(tickerMsg.Topic, "tickers.") {
		p.setTickerPair(tickerMsg)
		telemetryWebsocketMessage(ProviderBybit, MessageTypeTicker)
		return
	}

	opErr = json.Unmarshal(bz, &opResp)
	if opErr == nil && opResp.Op != "" {
		if opResp.Success != nil && !*opResp.Success {
			p.logger.Error().Str("ret_msg", opResp.RetMsg).Msg("subscription error")
		}
		return
	}

	p.logger.Error().
		Int("length", len(bz)).
		AnErr("ticker", tickerErr).
		AnErr("op", opErr).
		Str("msg", string(bz)).
		Msg("Error on receive message")
}

func (p *BybitProvider) setTickerPair(msg BybitTickerMsg) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if !p.isPair(msg.Data.Symbol) {
		return
	}

	// delta pushes may omit unchanged fields
	if msg.Data.LastPrice == "" {
		return
	}

	timestamp := time.Now()
	if msg.TS > 0 {
		timestamp = time.UnixMilli(msg.TS)
	}

	p.setTickerPriceWithSpread(
		msg.Data.Symbol,
		strToDec(msg.Data.LastPrice),
		strToDec(msg.Data.Volume24h),
		relativeSpread(msg.Data.Bid1Price, msg.Data.Ask1Price),
		timestamp,
	)
}

func (p *BybitProvider) FetchTickerREST(_ context.Context, pair types.CurrencyPair) (types.PriceUpdate, error) {
	symbol := currencyPairToBybitSymbol(pair)

	content, err := p.httpGet("/v5/market/tickers?category=spot&symbol=" + symbol)
	if err != nil {
		return types.PriceUpdate{}, err
	}

	var resp BybitRestTickerResponse
	if err := json.Unmarshal(content, &resp); err != nil {
		return types.PriceUpdate{}, err
	}
	if resp.RetCode != 0 || len(resp.Result.List) == 0 {
		return types.PriceUpdate{}, fmt.Errorf("bybit rest ticker missing for %s", pair.String())
	}

	ticker := resp.Result.List[0]
	return p.newPriceUpdate(
		pair,
		strToDec(ticker.LastPrice),
		strToDec(ticker.Volume24h),
		relativeSpread(ticker.Bid1Price, ticker.Ask1Price),
		time.Now(),
	), nil
}

// GetAvailablePairs returns all spot symbols to which the provider can
// subscribe. ex.: map["BTCUSDT" => {}, "ATOMUSDT" => {}].
func (p *BybitProvider) GetAvailablePairs() (map[string]struct{}, error) {
	content, err := p.httpGet("/v5/market/tickers?category=spot")
	if err != nil {
		return nil, err
	}

	var resp BybitRestTickerResponse
	if err := json.Unmarshal(content, &resp); err != nil {
		return nil, err
	}

	availablePairs := make(map[string]struct{}, len(resp.Result.List))
	for _, ticker := range resp.Result.List {
		availablePairs[strings.ToUpper(ticker.Symbol)] = struct{}{}
	}

	return availablePairs, nil
}

func currencyPairToBybitSymbol(pair types.CurrencyPair) string {
	return strings.ToUpper(pair.Base + pair.Quote)
}
