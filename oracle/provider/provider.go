package provider

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"

	sdkmath "cosmossdk.io/math"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultPollInterval = 2 * time.Second
	defaultRestRetries  = 2

	// staleStartGrace is how long a freshly started poll loop counts as
	// connected before its first successful poll.
	staleStartGrace = 5 * time.Second

	ProviderBinance  Name = "binance"
	ProviderCoinbase Name = "coinbase"
	ProviderKraken   Name = "kraken"
	ProviderOkx      Name = "okx"
	ProviderBybit    Name = "bybit"
	ProviderMexc     Name = "mexc"
	ProviderCrypto   Name = "crypto"
	ProviderGate     Name = "gate"
	ProviderBitfinex Name = "bitfinex"
	ProviderCcxt     Name = "ccxt"
	ProviderMock     Name = "mock"
)

type (
	// Provider defines the interface an exchange price provider must
	// implement. Implementations embed the shared provider runtime and
	// supply protocol specific encode/decode functions.
	Provider interface {
		// Name returns the provider identity used in logs, weights and
		// health tracking.
		Name() Name

		// Connect brings the transport up. It is idempotent and performs
		// bounded internal retries; exactly one error and one
		// connection-change callback fire when every attempt fails.
		Connect(ctx context.Context) error

		// Disconnect tears the transport down and stops callbacks before
		// returning. Safe to call when already disconnected.
		Disconnect() error

		// IsConnected reflects the authoritative transport state.
		IsConnected() bool

		// SubscribeCurrencyPairs subscribes to the given pairs. Pairs the
		// exchange does not list are filtered with a warning; it fails
		// only when nothing valid remains.
		SubscribeCurrencyPairs(...types.CurrencyPair) error

		// UnsubscribeCurrencyPairs is a silent no-op for pairs that are
		// not subscribed or when the transport is down.
		UnsubscribeCurrencyPairs(...types.CurrencyPair) error

		// GetTickerPrices returns the cached tickerPrices for the
		// provided pairs.
		GetTickerPrices(...types.CurrencyPair) (map[string]types.TickerPrice, error)

		// FetchTickerREST queries the exchange REST API for a single
		// pair, bypassing the stream. Used as the fallback path.
		FetchTickerREST(ctx context.Context, pair types.CurrencyPair) (types.PriceUpdate, error)

		// HealthCheck reports source liveness, bounded to two seconds.
		HealthCheck(ctx context.Context) bool

		// GetAvailablePairs return all available pairs symbol to subscribe.
		GetAvailablePairs() (map[string]struct{}, error)

		// GetSubscribedPair returns the currency pair and true for given
		// symbol if found in 'subscribedPairs' otherwise returns an
		// empty currency pair and false
		GetSubscribedPair(s string) (types.CurrencyPair, bool)

		// SetSubscribedPair adds the currency pair to subscribedPairs map
		SetSubscribedPair(types.CurrencyPair)

		// SetCallbacks registers the update, connection-change and error
		// callbacks. Must be called before Connect.
		SetCallbacks(Callbacks)

		// LatencyMs reports the smoothed receipt latency.
		LatencyMs() float64
	}

	// Name name of an oracle provider. Usually it is an exchange
	// but this can be any provider name that can give token prices
	// examples.: "binance", "kraken", "ccxt".
	Name string

	// Callbacks carries the functions a provider invokes from its
	// transport task. Handlers must not block and must not call back
	// into the provider synchronously.
	Callbacks struct {
		OnPriceUpdate      func(types.PriceUpdate)
		OnConnectionChange func(name Name, connected bool)
		OnError            func(name Name, err error)
	}

	// TickerSymbol maps a canonical currency pair to the exchange native
	// symbol, ex. BTC/USDT -> "BTC-USDT".
	TickerSymbol func(types.CurrencyPair) string

	// PollingProvider is implemented by providers that refresh tickers on
	// an interval instead of a stream.
	PollingProvider interface {
		Poll() error
		done() <-chan struct{}
		polling() bool
	}

	// Endpoint defines an override setting in our config for the
	// hardcoded rest and websocket api endpoints.
	Endpoint struct {
		// Name of the provider, ex. "binance"
		Name Name `toml:"name"`

		// Urls are the rest endpoints for the provider, rotated on
		// failure, ex. "https://api1.binance.com"
		Urls []string `toml:"urls"`

		// Websocket endpoint host for the provider, ex. "stream.binance.com:9443"
		Websocket string `toml:"websocket"`

		// WebsocketPath, ex. "/ws"
		WebsocketPath string `toml:"websocket_path"`

		PollInterval time.Duration `toml:"poll_interval"`

		// PingDuration is the application level keepalive cadence; zero
		// disables keepalives.
		PingDuration time.Duration `toml:"ping_duration"`

		// PingType is the websocket frame type used for keepalives.
		PingType int `toml:"ping_type"`

		// PingMessage is the payload for textual keepalives, ex. "ping".
		PingMessage string `toml:"ping_message"`

		// RestTimeout bounds every rest request; zero falls back to the
		// built in default.
		RestTimeout time.Duration `toml:"rest_timeout"`
	}
)

// provider is the shared runtime embedded by every adapter. It owns the
// subscription bookkeeping, the cached tickers, the REST client with its
// circuit breaker, and the confidence computation on every update.
type provider struct {
	ctx       context.Context
	endpoints Endpoint
	logger    zerolog.Logger

	mtx             sync.RWMutex
	tickers         map[string]types.TickerPrice
	subscribedPairs map[string]types.CurrencyPair // native symbol => currency pair
	pairToSymbol    map[string]string             // pair.String() => native symbol
	toSymbol        TickerSymbol
	callbacks       Callbacks
	latencyEMA      float64

	http     *retryablehttp.Client
	breaker  *gobreaker.CircuitBreaker
	urlIndex int

	websocket *WebsocketController

	// polling lifecycle
	pollActive bool
	startedAt  time.Time
	lastPollOk time.Time

	unsubscribe  SubscribeHandler
	lastNotified *bool
}

// Init prepares the shared runtime. Websocket providers pass their message
// and subscription handlers; polling providers pass nil for both.
func (p *provider) Init(
	ctx context.Context,
	endpoints Endpoint,
	logger zerolog.Logger,
	pairs []types.CurrencyPair,
	websocketMessageHandler MessageHandler,
	websocketSubscribeHandler SubscribeHandler,
) {
	endpoints.SetDefaults()
	p.ctx = ctx
	p.endpoints = endpoints
	p.logger = logger.With().Str("provider", endpoints.Name.String()).Logger()
	p.tickers = map[string]types.TickerPrice{}
	p.subscribedPairs = map[string]types.CurrencyPair{}
	p.pairToSymbol = map[string]string{}
	p.http = newRestClient(endpoints.RestTimeout)
	p.breaker = newRestBreaker(endpoints.Name)

	if websocketMessageHandler != nil {
		p.websocket = NewWebsocketController(
			ctx,
			endpoints.Name,
			endpoints.websocketURL(),
			websocketMessageHandler,
			websocketSubscribeHandler,
			p.handleConnectionChange,
			endpoints.PingDuration,
			endpoints.PingType,
			[]byte(endpoints.PingMessage),
			p.logger,
		)
	}
}

func (p *provider) Name() Name {
	return p.endpoints.Name
}

func (p *provider) Connect(ctx context.Context) error {
	if p.websocket != nil {
		return p.websocket.Connect(ctx)
	}

	p.mtx.Lock()
	alreadyActive := p.pollActive
	if !alreadyActive {
		p.pollActive = true
		p.startedAt = time.Now()
	}
	p.mtx.Unlock()

	if !alreadyActive {
		p.invokeConnectionChange(true, nil)
	}
	return nil
}

func (p *provider) Disconnect() error {
	if p.websocket != nil {
		return p.websocket.Disconnect()
	}

	p.mtx.Lock()
	wasActive := p.pollActive
	p.pollActive = false
	p.mtx.Unlock()

	if wasActive {
		p.invokeConnectionChange(false, nil)
	}
	return nil
}

func (p *provider) IsConnected() bool {
	if p.websocket != nil {
		return p.websocket.IsOpen()
	}

	p.mtx.RLock()
	defer p.mtx.RUnlock()
	if !p.pollActive {
		return false
	}
	if time.Since(p.startedAt) < staleStartGrace {
		return true
	}
	return time.Since(p.lastPollOk) < 3*p.endpoints.PollInterval
}

func (p *provider) HealthCheck(_ context.Context) bool {
	return p.IsConnected()
}

func (p *provider) SetCallbacks(cb Callbacks) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.callbacks = cb
}

func (p *provider) LatencyMs() float64 {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.latencyEMA
}

// setPairs validates the requested pairs against the exchange listing and
// records the bidirectional symbol mapping. Unlisted pairs are dropped with
// a warning; it fails only when nothing remains.
func (p *provider) setPairs(
	pairs []types.CurrencyPair,
	availablePairs map[string]struct{},
	toSymbol TickerSymbol,
) error {
	if toSymbol == nil {
		toSymbol = func(pair types.CurrencyPair) string { return pair.String() }
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.toSymbol = toSymbol

	for _, pair := range pairs {
		symbol := toSymbol(pair)
		if availablePairs != nil {
			if _, found := availablePairs[symbol]; !found {
				p.logger.Warn().Str("symbol", symbol).Msg("symbol not available on exchange")
				continue
			}
		}
		p.subscribedPairs[symbol] = pair
		p.pairToSymbol[pair.String()] = symbol
	}

	if len(pairs) > 0 && len(p.subscribedPairs) == 0 {
		return fmt.Errorf("%s has no supported pairs: %w", p.endpoints.Name, types.ErrPairNotSupported)
	}
	return nil
}

// queueInitialSubscriptions queues the subscription messages for every pair
// recorded by setPairs. The controller replays them once connected.
func (p *provider) queueInitialSubscriptions() error {
	if p.websocket == nil {
		return nil
	}

	p.mtx.RLock()
	pairs := make([]types.CurrencyPair, 0, len(p.subscribedPairs))
	for _, cp := range p.subscribedPairs {
		pairs = append(pairs, cp)
	}
	p.mtx.RUnlock()

	if len(pairs) == 0 {
		return nil
	}
	return p.websocket.AddSubscriptions(pairs...)
}

// isPair reports whether the exchange native symbol belongs to a
// subscribed pair. Callers hold p.mtx.
func (p *provider) isPair(symbol string) bool {
	_, found := p.subscribedPairs[symbol]
	return found
}

// setTickerPrice stores a fresh ticker and emits the normalized update.
// Callers hold p.mtx.
func (p *provider) setTickerPrice(symbol string, price, volume sdkmath.LegacyDec, timestamp time.Time) {
	p.setTickerPriceWithSpread(symbol, price, volume, sdkmath.LegacyZeroDec(), timestamp)
}

// setTickerPriceWithSpread is setTickerPrice for frames that carry a best
// bid/ask derived spread. Callers hold p.mtx.
func (p *provider) setTickerPriceWithSpread(
	symbol string,
	price, volume, spread sdkmath.LegacyDec,
	timestamp time.Time,
) {
	pair, found := p.subscribedPairs[symbol]
	if !found {
		return
	}

	now := time.Now()
	latency := float64(now.Sub(timestamp).Milliseconds())
	if latency < 0 {
		latency = 0
	}
	if p.latencyEMA == 0 {
		p.latencyEMA = latency
	} else {
		p.latencyEMA = 0.8*p.latencyEMA + 0.2*latency
	}

	p.tickers[symbol] = types.TickerPrice{
		Price:  price,
		Volume: volume,
		Time:   timestamp,
	}

	telemetryProviderPrice(p.endpoints.Name, symbol, price)

	if p.callbacks.OnPriceUpdate != nil {
		p.callbacks.OnPriceUpdate(types.PriceUpdate{
			Pair:       pair,
			Source:     p.endpoints.Name.String(),
			Price:      price,
			Volume:     volume,
			Spread:     spread,
			Time:       timestamp,
			ReceivedAt: now,
			Confidence: computeConfidence(latency, volume, spread),
		})
	}
}

// markPollSuccess records a completed poll round. Callers hold p.mtx.
func (p *provider) markPollSuccess() {
	p.lastPollOk = time.Now()
}

func (p *provider) handleConnectionChange(connected bool, err error) {
	p.invokeConnectionChange(connected, err)
}

// invokeConnectionChange forwards every error but collapses repeated
// connection-change values so subscribers observe strict alternation.
func (p *provider) invokeConnectionChange(connected bool, err error) {
	p.mtx.Lock()
	cb := p.callbacks
	repeat := p.lastNotified != nil && *p.lastNotified == connected
	if !repeat {
		state := connected
		p.lastNotified = &state
	}
	p.mtx.Unlock()

	if err != nil && cb.OnError != nil {
		cb.OnError(p.endpoints.Name, err)
	}
	if !repeat && cb.OnConnectionChange != nil {
		cb.OnConnectionChange(p.endpoints.Name, connected)
	}
}

func (p *provider) GetTickerPrices(cps ...types.CurrencyPair) (map[string]types.TickerPrice, error) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	tickerPrices := make(map[string]types.TickerPrice, len(cps))
	for _, cp := range cps {
		symbol, found := p.pairToSymbol[cp.String()]
		if !found {
			symbol = cp.String()
		}
		ticker, found := p.tickers[symbol]
		if !found {
			return nil, fmt.Errorf(
				"%s failed to get ticker price for %s: %w",
				p.endpoints.Name, cp.String(), types.ErrTickerNotFound,
			)
		}
		tickerPrices[cp.String()] = ticker
	}

	return tickerPrices, nil
}

func (p *provider) GetSubscribedPair(s string) (types.CurrencyPair, bool) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	cp, ok := p.subscribedPairs[s]
	return cp, ok
}

func (p *provider) SetSubscribedPair(cp types.CurrencyPair) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	symbol := cp.String()
	if p.toSymbol != nil {
		symbol = p.toSymbol(cp)
	}
	p.subscribedPairs[symbol] = cp
	p.pairToSymbol[cp.String()] = symbol
}

func (p *provider) SubscribeCurrencyPairs(cps ...types.CurrencyPair) error {
	newPairs := []types.CurrencyPair{}
	for _, cp := range cps {
		symbol := cp.String()
		p.mtx.RLock()
		if p.toSymbol != nil {
			symbol = p.toSymbol(cp)
		}
		_, subscribed := p.subscribedPairs[symbol]
		p.mtx.RUnlock()
		if !subscribed {
			newPairs = append(newPairs, cp)
		}
	}
	if len(newPairs) == 0 {
		return nil
	}

	if p.websocket != nil {
		if err := p.websocket.AddSubscriptions(newPairs...); err != nil {
			return err
		}
	}

	for _, cp := range newPairs {
		p.SetSubscribedPair(cp)
	}
	return nil
}

func (p *provider) UnsubscribeCurrencyPairs(cps ...types.CurrencyPair) error {
	subscribed := []types.CurrencyPair{}
	symbols := []string{}

	p.mtx.Lock()
	for _, cp := range cps {
		symbol, found := p.pairToSymbol[cp.String()]
		if !found {
			continue
		}
		if _, ok := p.subscribedPairs[symbol]; !ok {
			continue
		}
		delete(p.subscribedPairs, symbol)
		delete(p.pairToSymbol, cp.String())
		delete(p.tickers, symbol)
		subscribed = append(subscribed, cp)
		symbols = append(symbols, symbol)
	}
	unsub := p.unsubscribe
	p.mtx.Unlock()

	if len(subscribed) == 0 {
		return nil
	}

	if p.websocket != nil {
		// dropped pairs must not be resubscribed on the next reconnect
		p.websocket.RemoveSubscriptions(subscribed...)

		if p.websocket.IsOpen() && unsub != nil {
			if err := p.websocket.SendJSONMsgs(unsub(subscribed...)); err != nil {
				p.logger.Warn().Err(err).Strs("symbols", symbols).Msg("failed to send unsubscribe")
			}
		}
	}
	return nil
}

// done exposes the runtime context for poll loops.
func (p *provider) done() <-chan struct{} {
	return p.ctx.Done()
}

func (p *provider) polling() bool {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.pollActive
}

// httpGet performs a GET against the current rest url, rotating to the next
// configured url and tripping the circuit breaker on failure.
func (p *provider) httpGet(path string) ([]byte, error) {
	res, err := p.breaker.Execute(func() (interface{}, error) {
		p.mtx.RLock()
		url := p.endpoints.Urls[p.urlIndex]
		p.mtx.RUnlock()

		start := time.Now()
		resp, err := p.http.Get(url + path)
		if err != nil {
			p.rotateURL()
			return nil, err
		}
		defer resp.Body.Close()

		if err := checkHTTPStatus(resp); err != nil {
			p.rotateURL()
			return nil, err
		}

		content, err := readAllBounded(resp.Body)
		if err != nil {
			return nil, err
		}

		telemetryRestLatency(p.endpoints.Name, time.Since(start))
		return content, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

func (p *provider) rotateURL() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if len(p.endpoints.Urls) > 1 {
		p.urlIndex = (p.urlIndex + 1) % len(p.endpoints.Urls)
	}
}

// newPriceUpdate assembles a normalized update for REST sourced prices.
func (p *provider) newPriceUpdate(
	pair types.CurrencyPair,
	price, volume, spread sdkmath.LegacyDec,
	timestamp time.Time,
) types.PriceUpdate {
	now := time.Now()
	latency := float64(now.Sub(timestamp).Milliseconds())
	if latency < 0 {
		latency = 0
	}
	return types.PriceUpdate{
		Pair:       pair,
		Source:     p.endpoints.Name.String(),
		Price:      price,
		Volume:     volume,
		Spread:     spread,
		Time:       timestamp,
		ReceivedAt: now,
		Confidence: computeConfidence(latency, volume, spread),
	}
}

// SetDefaults fills the zero fields an override config may omit.
func (e *Endpoint) SetDefaults() {
	if e.PollInterval == 0 {
		e.PollInterval = defaultPollInterval
	}
	if e.RestTimeout == 0 {
		e.RestTimeout = defaultTimeout
	}
}

// orDefaults returns def when e does not carry the adapter's own override,
// keeping the deployment wide rest timeout from e.
func (e Endpoint) orDefaults(name Name, def Endpoint) Endpoint {
	if e.Name == name {
		return e
	}
	def.RestTimeout = e.RestTimeout
	return def
}

func (e Endpoint) websocketURL() string {
	scheme := "wss"
	if strings.HasPrefix(e.Websocket, "ws://") || strings.HasPrefix(e.Websocket, "wss://") {
		return e.Websocket + e.WebsocketPath
	}
	return scheme + "://" + e.Websocket + e.WebsocketPath
}

// startPolling drives a polling provider at the given interval until its
// runtime context is cancelled. Polls are skipped while the provider is
// disconnected.
func startPolling(p PollingProvider, interval time.Duration, logger zerolog.Logger) {
	logger.Debug().Dur("interval", interval).Msg("starting poll loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done():
			return
		case <-ticker.C:
			if !p.polling() {
				continue
			}
			if err := p.Poll(); err != nil {
				logger.Error().Err(err).Msg("failed to poll")
			}
		}
	}
}

// computeConfidence scores one observation from its receipt latency, traded
// volume and relative spread. Each factor is monotone in the healthy
// direction and the result is clamped to [0, 1].
func computeConfidence(latencyMs float64, volume, spread sdkmath.LegacyDec) float64 {
	const baseline = 0.98

	latencyFactor := 1 - latencyMs/10000
	if latencyFactor < 0.5 {
		latencyFactor = 0.5
	}

	volumeFactor := 0.9
	if !volume.IsNil() && volume.IsPositive() {
		v, err := volume.Float64()
		if err == nil {
			scaled := math.Log10(1+v) / 6
			if scaled > 1 {
				scaled = 1
			}
			volumeFactor = 0.9 + 0.1*scaled
		}
	}

	spreadFactor := 1.0
	if !spread.IsNil() && spread.IsPositive() {
		s, err := spread.Float64()
		if err == nil {
			spreadFactor = 1 - 5*s
			if spreadFactor < 0.7 {
				spreadFactor = 0.7
			}
		}
	}

	confidence := baseline * latencyFactor * volumeFactor * spreadFactor
	if confidence < 0 {
		return 0
	}
	if confidence > 1 {
		return 1
	}
	return confidence
}

// String cast provider name to string.
func (n Name) String() string {
	return string(n)
}

// preventRedirect avoid any redirect in the http.Client the request call
// will not return an error, but a valid response with redirect response code.
func preventRedirect(_ *http.Request, _ []*http.Request) error {
	return http.ErrUseLastResponse
}

func newRestClient(timeout time.Duration) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = defaultRestRetries
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil
	client.HTTPClient.Timeout = timeout
	client.HTTPClient.CheckRedirect = preventRedirect
	return client
}

func newRestBreaker(name Name) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name.String() + "-rest",
		Interval: 60 * time.Second,
		Timeout:  60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 5 {
				return true
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 20 && failureRatio > 0.5
		},
	})
}

// PastUnixTime returns a millisecond timestamp that represents the unix time
// minus t.
func PastUnixTime(t time.Duration) int64 {
	return time.Now().Add(t*-1).Unix() * int64(time.Second/time.Millisecond)
}

// SecondsToMilli converts seconds to milliseconds for our unix timestamps.
func SecondsToMilli(t int64) int64 {
	return t * int64(time.Second/time.Millisecond)
}

func checkHTTPStatus(resp *http.Response) error {
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}
	return nil
}

// readAllBounded caps response bodies at 8 MiB so a misbehaving endpoint
// cannot exhaust memory.
func readAllBounded(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, 8<<20))
}

// relativeSpread returns (ask-bid)/mid for two positive quote strings and
// zero when either side is missing, unparsable or crossed.
func relativeSpread(bid, ask string) sdkmath.LegacyDec {
	if bid == "" || ask == "" {
		return sdkmath.LegacyZeroDec()
	}
	b, err := sdkmath.LegacyNewDecFromStr(bid)
	if err != nil || !b.IsPositive() {
		return sdkmath.LegacyZeroDec()
	}
	a, err := sdkmath.LegacyNewDecFromStr(ask)
	if err != nil || !a.IsPositive() || a.LTE(b) {
		return sdkmath.LegacyZeroDec()
	}
	mid := a.Add(b).QuoInt64(2)
	return a.Sub(b).Quo(mid)
}

func strToDec(str string) sdkmath.LegacyDec {
	if strings.Contains(str, ".") {
		split := strings.Split(str, ".")
		if len(split[1]) > 18 {
			// LegacyNewDecFromStr errors if decimal precision is greater than 18
			str = split[0] + "." + split[1][0:18]
		}
	}
	dec, _ := sdkmath.LegacyNewDecFromStr(str)
	return dec
}

func floatToDec(f float64) sdkmath.LegacyDec {
	return sdkmath.LegacyMustNewDecFromStr(strconv.FormatFloat(f, 'f', -1, 64))
}
