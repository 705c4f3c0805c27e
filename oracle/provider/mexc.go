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
	_                    Provider = (*MexcProvider)(nil)
	mexcDefaultEndpoints          = Endpoint{
		Name:          ProviderMexc,
		Urls:          []string{"https://www.mexc.com"},
		Websocket:     "wbs.mexc.com",
		WebsocketPath: "/raw/ws",
		PingDuration:  15 * time.Second,
		PingType:      websocket.PingMessage,
	}
)

type (
	// MexcProvider defines an oracle provider implemented by the Mexc public
	// API. The overview channel pushes every listed symbol at once; we keep
	// only the subscribed ones.
	//
	// REF: https://mxcdevelop.github.io/apidocs/spot_v2_en/#overview
	MexcProvider struct {
		provider
	}

	// MexcTickerResponse is the ticker price response object.
	MexcTickerResponse struct {
		Symbol map[string]MexcTicker `json:"data"` // e.x. ATOM_USDT
	}

	MexcTicker struct {
		LastPrice float64 `json:"p"` // Last price ex.: 0.0025
		Volume    float64 `json:"v"` // Total traded base asset volume ex.: 1000
	}

	// MexcTickerSubscription Msg to subscribe all the ticker channels.
	MexcTickerSubscription struct {
		OP string `json:"op"` // ex.: sub.overview
	}

	// MexcRestTickerResponse is the /open/api/v2/market/ticker response used
	// for the rest fallback path.
	MexcRestTickerResponse struct {
		Code int              `json:"code"`
		Data []MexcRestTicker `json:"data"`
	}

	MexcRestTicker struct {
		Symbol string `json:"symbol"` // ex.: ATOM_USDT
		Last   string `json:"last"`
		Volume string `json:"volume"`
		Bid    string `json:"bid"`
		Ask    string `json:"ask"`
	}
)

func NewMexcProvider(
	ctx context.Context,
	logger zerolog.Logger,
	endpoints Endpoint,
	pairs ...types.CurrencyPair,
) (*MexcProvider, error) {
	endpoints = endpoints.orDefaults(ProviderMexc, mexcDefaultEndpoints)

	provider := &MexcProvider{}
	provider.Init(
		ctx,
		endpoints,
		logger,
		pairs,
		provider.messageReceived,
		provider.subscriptionMsgs,
	)

	availablePairs, _ := provider.GetAvailablePairs()
	if err := provider.setPairs(pairs, availablePairs, currencyPairToMexcSymbol); err != nil {
		return nil, err
	}

	if err := provider.queueInitialSubscriptions(); err != nil {
		return nil, err
	}
	return provider, nil
}

// subscriptionMsgs subscribes the overview channel, which already carries
// every symbol. Additional pairs never need another message.
func (p *MexcProvider) subscriptionMsgs(_ ...types.CurrencyPair) []interface{} {
	return []interface{}{
		MexcTickerSubscription{OP: "sub.overview"},
	}
}

func (p *MexcProvider) messageReceived(_ int, bz []byte) {
	var (
		tickerResp MexcTickerResponse
		tickerErr  error
	)

	tickerErr = json.Unmarshal(bz, &tickerResp)
	if tickerErr == nil && len(tickerResp.Symbol) > 0 {
		p.setTickerPairs(tickerResp)
		telemetryWebsocketMessage(ProviderMexc, MessageTypeTicker)
		return
	}

	// channel acks and pong frames carry no data field
	var ack struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(bz, &ack); err == nil {
		return
	}

	p.logger.Error().
		Int("length", len(bz)).
		AnErr("ticker", tickerErr).
		Str("msg", string(bz)).
		Msg("Error on receive message")
}

func (p *MexcProvider) setTickerPairs(resp MexcTickerResponse) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	now := time.Now()
	for symbol, ticker := range resp.Symbol {
		if !p.isPair(symbol) {
			continue
		}
		p.setTickerPrice(
			symbol,
			floatToDec(ticker.LastPrice),
			floatToDec(ticker.Volume),
			now,
		)
	}
}

func (p *MexcProvider) FetchTickerREST(_ context.Context, pair types.CurrencyPair) (types.PriceUpdate, error) {
	symbol := currencyPairToMexcSymbol(pair)

	content, err := p.httpGet("/open/api/v2/market/ticker?symbol=" + symbol)
	if err != nil {
		return types.PriceUpdate{}, err
	}

	var resp MexcRestTickerResponse
	if err := json.Unmarshal(content, &resp); err != nil {
		return types.PriceUpdate{}, err
	}
	if len(resp.Data) == 0 {
		return types.PriceUpdate{}, fmt.Errorf("mexc rest ticker missing for %s", pair.String())
	}

	ticker := resp.Data[0]
	return p.newPriceUpdate(
		pair,
		strToDec(ticker.Last),
		strToDec(ticker.Volume),
		relativeSpread(ticker.Bid, ticker.Ask),
		time.Now(),
	), nil
}

// GetAvailablePairs returns all pairs to which the provider can subscribe.
// ex.: map["ATOM_USDT" => {}, "BTC_USDT" => {}].
func (p *MexcProvider) GetAvailablePairs() (map[string]struct{}, error) {
	content, err := p.httpGet("/open/api/v2/market/ticker")
	if err != nil {
		return nil, err
	}

	var resp MexcRestTickerResponse
	if err := json.Unmarshal(content, &resp); err != nil {
		return nil, err
	}

	availablePairs := make(map[string]struct{}, len(resp.Data))
	for _, ticker := range resp.Data {
		availablePairs[strings.ToUpper(ticker.Symbol)] = struct{}{}
	}

	return availablePairs, nil
}

func currencyPairToMexcSymbol(pair types.CurrencyPair) string {
	return strings.ToUpper(pair.Join("_"))
}
