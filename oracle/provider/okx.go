package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	_                   Provider = (*OkxProvider)(nil)
	okxDefaultEndpoints          = Endpoint{
		Name:          ProviderOkx,
		Urls:          []string{"https://www.okx.com"},
		Websocket:     "ws.okx.com:8443",
		WebsocketPath: "/ws/v5/public",
		PingDuration:  20 * time.Second,
		PingType:      websocket.TextMessage,
		PingMessage:   "ping",
	}
)

type (
	// OkxProvider defines an oracle provider implemented by the Okx public
	// API.
	//
	// REF: https://www.okx.com/docs-v5/en/#websocket-api-public-channel-tickers-channel
	OkxProvider struct {
		provider
	}

	// OkxInstId defines the id Symbol of an pair.
	OkxInstID struct {
		InstID string `json:"instId"` // Instrument ID ex.: BTC-USDT
	}

	// OkxTickerPair defines a ticker pair of Okx.
	OkxTickerPair struct {
		OkxInstID
		Last   string `json:"last"`   // Last traded price ex.: 43508.9
		Vol24h string `json:"vol24h"` // 24h trading volume ex.: 11159.87127845
		BidPx  string `json:"bidPx"`  // Best bid price
		AskPx  string `json:"askPx"`  // Best ask price
		TS     string `json:"ts"`     // Timestamp
	}

	// OkxID defines the structure containing ID information for the OkxResponses.
	OkxID struct {
		OkxInstID
		Channel string `json:"channel"`
	}

	// OkxTickerResponse defines the response structure of a Okx ticker request.
	OkxTickerResponse struct {
		Data []OkxTickerPair `json:"data"`
		ID   OkxID           `json:"arg"`
	}

	// OkxSubscriptionTopic Topic with the ticker to be subscribed/unsubscribed.
	OkxSubscriptionTopic struct {
		Channel string `json:"channel"` // Channel name ex.: tickers
		InstID  string `json:"instId"`  // Instrument ID ex.: BTC-USDT
	}

	// OkxSubscriptionMsg Message to subscribe/unsubscribe with N Topics.
	OkxSubscriptionMsg struct {
		Op   string                 `json:"op"` // Operation ex.: subscribe
		Args []OkxSubscriptionTopic `json:"args"`
	}

	// OkxPairsSummary defines the response structure for an Okx pairs summary.
	OkxPairsSummary struct {
		Data []OkxInstID `json:"data"`
	}
)

// NewOkxProvider creates a new OkxProvider.
func NewOkxProvider(
	ctx context.Context,
	logger zerolog.Logger,
	endpoints Endpoint,
	pairs ...types.CurrencyPair,
) (*OkxProvider, error) {
	endpoints = endpoints.orDefaults(ProviderOkx, okxDefaultEndpoints)

	provider := &OkxProvider{}
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
	if err := provider.setPairs(pairs, availablePairs, currencyPairToOkxSymbol); err != nil {
		return nil, err
	}

	if err := provider.queueInitialSubscriptions(); err != nil {
		return nil, err
	}
	return provider, nil
}

func (p *OkxProvider) subscriptionMsgs(cps ...types.CurrencyPair) []interface{} {
	okxTopics := make([]OkxSubscriptionTopic, len(cps))
	for i, cp := range cps {
		okxTopics[i] = OkxSubscriptionTopic{
			Channel: "tickers",
			InstID:  currencyPairToOkxSymbol(cp),
		}
	}

	return []interface{}{
		OkxSubscriptionMsg{
			Op:   "subscribe",
			Args: okxTopics,
		},
	}
}

func (p *OkxProvider) unsubscriptionMsgs(cps ...types.CurrencyPair) []interface{} {
	okxTopics := make([]OkxSubscriptionTopic, len(cps))
	for i, cp := range cps {
		okxTopics[i] = OkxSubscriptionTopic{
			Channel: "tickers",
			InstID:  currencyPairToOkxSymbol(cp),
		}
	}

	return []interface{}{
		OkxSubscriptionMsg{
			Op:   "unsubscribe",
			Args: okxTopics,
		},
	}
}

// messageReceived handles the received tickers and the "pong" replies to
// our textual keepalives.
func (p *OkxProvider) messageReceived(_ int, bz []byte) {
	if string(bz) == "pong" {
		return
	}

	var (
		tickerResp OkxTickerResponse
		tickerErr  error
	)

	tickerErr = json.Unmarshal(bz, &tickerResp)
	if tickerErr == nil && tickerResp.ID.Channel == "tickers" {
		for _, tickerPair := range tickerResp.Data {
			p.setTickerPair(tickerPair)
			telemetryWebsocketMessage(ProviderOkx, MessageTypeTicker)
		}
		return
	}

	// subscribe/unsubscribe acks carry an "event" field
	var event struct {
		Event string `json:"event"`
		Msg   string `json:"msg"`
	}
	if err := json.Unmarshal(bz, &event); err == nil && event.Event != "" {
		if event.Event == "error" {
			p.logger.Error().Str("msg", event.Msg).Msg("subscription error")
		}
		return
	}

	p.logger.Error().
		Int("length", len(bz)).
		AnErr("ticker", tickerErr).
		Str("msg", string(bz)).
		Msg("Error on receive message")
}

func (p *OkxProvider) setTickerPair(ticker OkxTickerPair) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if !p.isPair(ticker.InstID) {
		return
	}

	timestamp := time.Now()
	if ms, err := strconv.ParseInt(ticker.TS, 10, 64); err == nil {
		timestamp = time.UnixMilli(ms)
	}

	p.setTickerPriceWithSpread(
		ticker.InstID,
		strToDec(ticker.Last),
		strToDec(ticker.Vol24h),
		relativeSpread(ticker.BidPx, ticker.AskPx),
		timestamp,
	)
}

func (p *OkxProvider) FetchTickerREST(_ context.Context, pair types.CurrencyPair) (types.PriceUpdate, error) {
	symbol := currencyPairToOkxSymbol(pair)

	content, err := p.httpGet("/api/v5/market/ticker?instId=" + symbol)
	if err != nil {
		return types.PriceUpdate{}, err
	}

	var resp OkxTickerResponse
	if err := json.Unmarshal(content, &resp); err != nil {
		return types.PriceUpdate{}, err
	}
	if len(resp.Data) == 0 {
		return types.PriceUpdate{}, fmt.Errorf("okx rest ticker missing for %s", pair.String())
	}

	ticker := resp.Data[0]
	timestamp := time.Now()
	if ms, err := strconv.ParseInt(ticker.TS, 10, 64); err == nil {
		timestamp = time.UnixMilli(ms)
	}

	return p.newPriceUpdate(
		pair,
		strToDec(ticker.Last),
		strToDec(ticker.Vol24h),
		relativeSpread(ticker.BidPx, ticker.AskPx),
		timestamp,
	), nil
}

// GetAvailablePairs returns all spot instruments to which the provider can
// subscribe. ex.: map["BTC-USDT" => {}, "ATOM-USDT" => {}].
func (p *OkxProvider) GetAvailablePairs() (map[string]struct{}, error) {
	content, err := p.httpGet("/api/v5/market/tickers?instType=SPOT")
	if err != nil {
		return nil, err
	}

	var pairsSummary OkxPairsSummary
	if err := json.Unmarshal(content, &pairsSummary); err != nil {
		return nil, err
	}

	availablePairs := make(map[string]struct{}, len(pairsSummary.Data))
	for _, pair := range pairsSummary.Data {
		availablePairs[strings.ToUpper(pair.InstID)] = struct{}{}
	}

	return availablePairs, nil
}

func currencyPairToOkxSymbol(pair types.CurrencyPair) string {
	return strings.ToUpper(pair.Join("-"))
}
