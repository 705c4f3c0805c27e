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

const (
	krakenEventSystemStatus       = "systemStatus"
	krakenEventSubscriptionStatus = "subscriptionStatus"
	krakenEventHeartbeat          = "heartbeat"
)

var (
	_                      Provider = (*KrakenProvider)(nil)
	krakenDefaultEndpoints          = Endpoint{
		Name:      ProviderKraken,
		Urls:      []string{"https://api.kraken.com"},
		Websocket: "ws.kraken.com",
	}
)

type (
	// KrakenProvider defines an oracle provider implemented by the Kraken
	// public API. Kraken lists bitcoin as XBT; the symbol mapping keeps the
	// exchange spelling internally and the canonical BTC outside.
	//
	// REF: https://docs.kraken.com/websockets/#overview
	KrakenProvider struct {
		provider
	}

	// KrakenTicker ticker price response from Kraken ticker channel.
	// REF: https://docs.kraken.com/websockets/#message-ticker
	KrakenTicker struct {
		A []interface{} `json:"a"` // Ask with price in the first position
		B []interface{} `json:"b"` // Bid with price in the first position
		C []string      `json:"c"` // Close with price in the first position
		V []string      `json:"v"` // Volume with the value over last 24 hours in the second position
	}

	// KrakenSubscriptionMsg Msg to subscribe to all the pairs at once.
	KrakenSubscriptionMsg struct {
		Event        string                    `json:"event"`        // subscribe/unsubscribe
		Pair         []string                  `json:"pair"`         // Array of currency pairs ex.: "XBT/USD",
		Subscription KrakenSubscriptionChannel `json:"subscription"` // subscription object
	}

	// KrakenSubscriptionChannel Msg with the channel name to be subscribed.
	KrakenSubscriptionChannel struct {
		Name string `json:"name"` // channel to be subscribed ex.: ticker
	}

	// KrakenEvent wraps the possible events from the provider.
	KrakenEvent struct {
		Event string `json:"event"` // events from kraken ex.: systemStatus | subscriptionStatus
	}

	// KrakenEventSubscriptionStatus parse the subscriptionStatus event message.
	KrakenEventSubscriptionStatus struct {
		Status       string `json:"status"`       // subscribed|unsubscribed|error
		Pair         string `json:"pair"`         // Pair symbol base/quote ex.: "XBT/USD"
		ErrorMessage string `json:"errorMessage"` // error description
	}

	// KrakenPairsSummary defines the response structure for an Kraken pairs summary.
	KrakenPairsSummary struct {
		Result map[string]KrakenPairData `json:"result"`
	}

	// KrakenPairData defines the data response structure for an Kraken pair.
	KrakenPairData struct {
		WsName string `json:"wsname"`
	}

	// KrakenRestTicker is one entry of the /0/public/Ticker result used for
	// the rest fallback path. The rest API returns all sides as strings.
	KrakenRestTicker struct {
		A []string `json:"a"` // Ask
		B []string `json:"b"` // Bid
		C []string `json:"c"` // Close
		V []string `json:"v"` // Volume
	}

	// KrakenRestTickerResponse wraps the /0/public/Ticker response.
	KrakenRestTickerResponse struct {
		Error  []interface{}               `json:"error"`
		Result map[string]KrakenRestTicker `json:"result"`
	}
)

// NewKrakenProvider returns a new Kraken provider with the WS connection and msg handler.
func NewKrakenProvider(
	ctx context.Context,
	logger zerolog.Logger,
	endpoints Endpoint,
	pairs ...types.CurrencyPair,
) (*KrakenProvider, error) {
	endpoints = endpoints.orDefaults(ProviderKraken, krakenDefaultEndpoints)

	provider := &KrakenProvider{}
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
	if err := provider.setPairs(pairs, availablePairs, currencyPairToKrakenSymbol); err != nil {
		return nil, err
	}

	if err := provider.queueInitialSubscriptions(); err != nil {
		return nil, err
	}
	return provider, nil
}

func (p *KrakenProvider) subscriptionMsgs(cps ...types.CurrencyPair) []interface{} {
	pairs := make([]string, len(cps))
	for i, cp := range cps {
		pairs[i] = currencyPairToKrakenSymbol(cp)
	}

	return []interface{}{
		KrakenSubscriptionMsg{
			Event: "subscribe",
			Pair:  pairs,
			Subscription: KrakenSubscriptionChannel{
				Name: "ticker",
			},
		},
	}
}

func (p *KrakenProvider) unsubscriptionMsgs(cps ...types.CurrencyPair) []interface{} {
	pairs := make([]string, len(cps))
	for i, cp := range cps {
		pairs[i] = currencyPairToKrakenSymbol(cp)
	}

	return []interface{}{
		KrakenSubscriptionMsg{
			Event: "unsubscribe",
			Pair:  pairs,
			Subscription: KrakenSubscriptionChannel{
				Name: "ticker",
			},
		},
	}
}

// messageReceived handles any message sent by the provider.
func (p *KrakenProvider) messageReceived(messageType int, bz []byte) {
	if messageType != websocket.TextMessage {
		return
	}

	var (
		krakenEvent KrakenEvent
		krakenErr   error
		tickerErr   error
	)

	krakenErr = json.Unmarshal(bz, &krakenEvent)
	if krakenErr == nil {
		switch krakenEvent.Event {
		case krakenEventSystemStatus, krakenEventHeartbeat:
			return
		case krakenEventSubscriptionStatus:
			p.messageReceivedSubscriptionStatus(bz)
			return
		}
		return
	}

	tickerErr = p.messageReceivedTickerPrice(bz)
	if tickerErr == nil {
		telemetryWebsocketMessage(ProviderKraken, MessageTypeTicker)
		return
	}

	p.logger.Error().
		Int("length", len(bz)).
		AnErr("ticker", tickerErr).
		AnErr("event", krakenErr).
		Msg("Error on receive message")
}

// messageReceivedTickerPrice handles the ticker price msg.
func (p *KrakenProvider) messageReceivedTickerPrice(bz []byte) error {
	// the provider response is an array with different types at each index
	// kraken documentation https://docs.kraken.com/websockets/#message-ticker
	var tickerMessage []interface{}
	if err := json.Unmarshal(bz, &tickerMessage); err != nil {
		return err
	}

	if len(tickerMessage) != 4 {
		return fmt.Errorf("received an unexpected structure")
	}

	channelName, ok := tickerMessage[2].(string)
	if !ok || channelName != "ticker" {
		return fmt.Errorf("received an unexpected channel name")
	}

	tickerBz, err := json.Marshal(tickerMessage[1])
	if err != nil {
		return err
	}

	var krakenTicker KrakenTicker
	if err := json.Unmarshal(tickerBz, &krakenTicker); err != nil {
		return err
	}

	krakenPair, ok := tickerMessage[3].(string)
	if !ok {
		return fmt.Errorf("received an unexpected pair")
	}

	if len(krakenTicker.C) < 1 || len(krakenTicker.V) < 2 {
		return fmt.Errorf("received an incomplete ticker")
	}

	p.setTickerPair(krakenPair, krakenTicker)
	return nil
}

// messageReceivedSubscriptionStatus handle the subscription status message
// sent by the provider.
func (p *KrakenProvider) messageReceivedSubscriptionStatus(bz []byte) {
	var subscriptionStatus KrakenEventSubscriptionStatus
	if err := json.Unmarshal(bz, &subscriptionStatus); err != nil {
		p.logger.Err(err).Msg("could not unmarshal subscription status")
		return
	}

	switch subscriptionStatus.Status {
	case "error":
		p.logger.Error().Msg(subscriptionStatus.ErrorMessage)
	case "unsubscribed":
		p.logger.Debug().Msgf("ticker %s was unsubscribed", subscriptionStatus.Pair)
	}
}

func (p *KrakenProvider) setTickerPair(symbol string, ticker KrakenTicker) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if !p.isPair(symbol) {
		return
	}

	// ticker.C has the price in the first position, ticker.V the 24h volume
	// in the second. The ticker channel carries no timestamp.
	p.setTickerPriceWithSpread(
		symbol,
		strToDec(ticker.C[0]),
		strToDec(ticker.V[1]),
		relativeSpread(ticker.bestBid(), ticker.bestAsk()),
		time.Now(),
	)
}

func (p *KrakenProvider) FetchTickerREST(_ context.Context, pair types.CurrencyPair) (types.PriceUpdate, error) {
	symbol := strings.ReplaceAll(currencyPairToKrakenSymbol(pair), "/", "")

	content, err := p.httpGet("/0/public/Ticker?pair=" + symbol)
	if err != nil {
		return types.PriceUpdate{}, err
	}

	var resp KrakenRestTickerResponse
	if err := json.Unmarshal(content, &resp); err != nil {
		return types.PriceUpdate{}, err
	}
	if len(resp.Error) > 0 {
		return types.PriceUpdate{}, fmt.Errorf("kraken rest error: %v", resp.Error)
	}

	for _, ticker := range resp.Result {
		if len(ticker.C) < 1 || len(ticker.V) < 2 {
			continue
		}
		var bid, ask string
		if len(ticker.B) > 0 {
			bid = ticker.B[0]
		}
		if len(ticker.A) > 0 {
			ask = ticker.A[0]
		}
		return p.newPriceUpdate(
			pair,
			strToDec(ticker.C[0]),
			strToDec(ticker.V[1]),
			relativeSpread(bid, ask),
			time.Now(),
		), nil
	}

	return types.PriceUpdate{}, fmt.Errorf("kraken rest ticker missing for %s", pair.String())
}

// GetAvailablePairs returns all pairs to which the provider can subscribe,
// keyed by the websocket pair name ex.: "XBT/USD".
func (p *KrakenProvider) GetAvailablePairs() (map[string]struct{}, error) {
	content, err := p.httpGet("/0/public/AssetPairs")
	if err != nil {
		return nil, err
	}

	var pairsSummary KrakenPairsSummary
	if err := json.Unmarshal(content, &pairsSummary); err != nil {
		return nil, err
	}

	availablePairs := make(map[string]struct{}, len(pairsSummary.Result))
	for _, pair := range pairsSummary.Result {
		if pair.WsName == "" {
			continue
		}
		availablePairs[pair.WsName] = struct{}{}
	}

	return availablePairs, nil
}

func (ticker KrakenTicker) bestBid() string {
	return firstString(ticker.B)
}

func (ticker KrakenTicker) bestAsk() string {
	return firstString(ticker.A)
}

// firstString pulls the leading price out of a kraken quote array, which
// mixes strings and numbers in one json array.
func firstString(side []interface{}) string {
	if len(side) == 0 {
		return ""
	}
	s, _ := side[0].(string)
	return s
}

// currencyPairToKrakenSymbol maps to the kraken websocket pair name,
// changing BTC to the XBT spelling kraken uses.
func currencyPairToKrakenSymbol(pair types.CurrencyPair) string {
	base := pair.Base
	if base == "BTC" {
		base = "XBT"
	}
	quote := pair.Quote
	if quote == "BTC" {
		quote = "XBT"
	}
	return base + "/" + quote
}
