package provider

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
)

const (
	maxConnectAttempts = 3
	dialTimeout        = 5 * time.Second
	writeWait          = 10 * time.Second
	pongTimeout        = 10 * time.Second
)

type (
	// ConnectionState tracks the websocket lifecycle. Closing is only
	// entered on an intentional Disconnect; transport failures jump
	// straight back to Disconnected.
	ConnectionState int32

	// MessageHandler defines a callback function for handling received
	// messages from a websocket connection.
	MessageHandler func(messageType int, bz []byte)

	// SubscribeHandler builds the exchange specific subscription messages
	// for the given currency pairs.
	SubscribeHandler func(...types.CurrencyPair) []interface{}

	// ConnectionHandler is notified on every effective connectivity
	// transition. err is non-nil only when a connect cycle exhausted its
	// attempts or the transport failed underneath an open connection.
	ConnectionHandler func(connected bool, err error)

	// WebsocketController defines a provider agnostic websocket handler
	// that manages the connection lifecycle, keepalives and subscription
	// replay. It never reconnects on its own; the orchestrator owns
	// reconnection policy.
	WebsocketController struct {
		parentCtx  context.Context
		name       Name
		url        string
		msgHandler MessageHandler
		subHandler SubscribeHandler
		connHandler ConnectionHandler

		pingDuration    time.Duration
		pingMessageType int
		pingMessage     []byte

		logger zerolog.Logger

		mtx           sync.Mutex
		state         ConnectionState
		client        *websocket.Conn
		subscriptions map[string]types.CurrencyPair
		openedAt      time.Time
		lastReceive   time.Time
		lastPong      time.Time

		writeMtx sync.Mutex
	}
)

const (
	Disconnected ConnectionState = iota
	Connecting
	Open
	Closing
	Closed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

func NewWebsocketController(
	ctx context.Context,
	name Name,
	url string,
	msgHandler MessageHandler,
	subHandler SubscribeHandler,
	connHandler ConnectionHandler,
	pingDuration time.Duration,
	pingMessageType int,
	pingMessage []byte,
	logger zerolog.Logger,
) *WebsocketController {
	return &WebsocketController{
		parentCtx:       ctx,
		name:            name,
		url:             url,
		msgHandler:      msgHandler,
		subHandler:      subHandler,
		connHandler:     connHandler,
		pingDuration:    pingDuration,
		pingMessageType: pingMessageType,
		pingMessage:     pingMessage,
		logger:          logger,
	}
}

// Connect dials the websocket endpoint with bounded retries. It is
// idempotent: a call while connecting or open returns immediately. When
// every attempt fails exactly one error notification and one disconnected
// notification are delivered.
func (wsc *WebsocketController) Connect(ctx context.Context) error {
	wsc.mtx.Lock()
	if wsc.state == Connecting || wsc.state == Open {
		wsc.mtx.Unlock()
		return nil
	}
	wsc.state = Connecting
	wsc.mtx.Unlock()

	bo := &backoff.Backoff{
		Min:    250 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt < maxConnectAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				wsc.setState(Disconnected)
				return ctx.Err()
			case <-time.After(bo.Duration()):
			}
		}

		conn, err := wsc.dial(ctx)
		if err != nil {
			lastErr = err
			wsc.logger.Debug().
				Err(err).
				Int("attempt", attempt+1).
				Msg("websocket dial failed")
			continue
		}

		wsc.mtx.Lock()
		wsc.client = conn
		wsc.state = Open
		now := time.Now()
		wsc.openedAt = now
		wsc.lastReceive = now
		wsc.lastPong = now
		pairs := make([]types.CurrencyPair, 0, len(wsc.subscriptions))
		for _, cp := range wsc.subscriptions {
			pairs = append(pairs, cp)
		}
		wsc.mtx.Unlock()

		conn.SetPongHandler(func(string) error {
			wsc.mtx.Lock()
			wsc.lastPong = time.Now()
			wsc.mtx.Unlock()
			return nil
		})

		go wsc.readLoop(conn)
		if wsc.pingDuration > 0 {
			go wsc.pingLoop(conn)
		}

		if len(pairs) > 0 {
			if err := wsc.SendJSONMsgs(wsc.subscriptionMsgsFor(pairs...)); err != nil {
				wsc.logger.Err(err).Msg("failed to replay subscriptions")
			}
		}

		telemetryWebsocketConnect(wsc.name)
		wsc.notify(true, nil)
		return nil
	}

	wsc.setState(Disconnected)
	if lastErr == nil {
		lastErr = fmt.Errorf("websocket connect to %s failed", wsc.url)
	}
	wsc.notify(false, fmt.Errorf("%s websocket: %w", wsc.name, lastErr))
	return lastErr
}

func (wsc *WebsocketController) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: dialTimeout,
	}
	conn, resp, err := dialer.DialContext(dialCtx, wsc.url, nil)
	if resp != nil {
		defer resp.Body.Close()
	}
	return conn, err
}

// Disconnect performs the graceful close handshake and stops all loops.
// Safe to call in any state.
func (wsc *WebsocketController) Disconnect() error {
	wsc.mtx.Lock()
	if wsc.state != Open && wsc.state != Connecting {
		wsc.mtx.Unlock()
		return nil
	}
	wsc.state = Closing
	conn := wsc.client
	wsc.client = nil
	wsc.mtx.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
			wsc.logger.Debug().Err(err).Msg("failed to write close frame")
		}
		if err := conn.Close(); err != nil {
			wsc.logger.Debug().Err(err).Msg("failed to close websocket")
		}
	}

	wsc.setState(Closed)
	telemetryWebsocketDisconnect(wsc.name)
	wsc.notify(false, nil)
	return nil
}

// IsOpen re-reads the authoritative connection state.
func (wsc *WebsocketController) IsOpen() bool {
	return wsc.State() == Open
}

func (wsc *WebsocketController) State() ConnectionState {
	wsc.mtx.Lock()
	defer wsc.mtx.Unlock()
	return wsc.state
}

func (wsc *WebsocketController) setState(s ConnectionState) {
	wsc.mtx.Lock()
	wsc.state = s
	wsc.mtx.Unlock()
}

// AddSubscriptions records the pairs in the replay set, so every connect
// resubscribes them, and sends their subscribe messages immediately when the
// connection is open. The messages are rebuilt from the pair set on each
// replay, so removed pairs never come back.
func (wsc *WebsocketController) AddSubscriptions(cps ...types.CurrencyPair) error {
	if len(cps) == 0 {
		return nil
	}

	wsc.mtx.Lock()
	if wsc.subscriptions == nil {
		wsc.subscriptions = map[string]types.CurrencyPair{}
	}
	for _, cp := range cps {
		wsc.subscriptions[cp.String()] = cp
	}
	open := wsc.state == Open
	wsc.mtx.Unlock()

	if !open {
		return nil
	}
	return wsc.SendJSONMsgs(wsc.subscriptionMsgsFor(cps...))
}

// RemoveSubscriptions drops the pairs from the replay set. Sending the
// exchange unsubscribe message stays with the adapter.
func (wsc *WebsocketController) RemoveSubscriptions(cps ...types.CurrencyPair) {
	wsc.mtx.Lock()
	defer wsc.mtx.Unlock()
	for _, cp := range cps {
		delete(wsc.subscriptions, cp.String())
	}
}

func (wsc *WebsocketController) subscriptionMsgsFor(cps ...types.CurrencyPair) []interface{} {
	if wsc.subHandler == nil {
		return nil
	}
	return wsc.subHandler(cps...)
}

// SendJSONMsgs sends a slice of json messages to the websocket connection.
func (wsc *WebsocketController) SendJSONMsgs(msgs []interface{}) error {
	wsc.mtx.Lock()
	conn := wsc.client
	wsc.mtx.Unlock()
	if conn == nil {
		return fmt.Errorf("%s websocket not connected", wsc.name)
	}

	wsc.writeMtx.Lock()
	defer wsc.writeMtx.Unlock()
	for _, msg := range msgs {
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("failed to send: %v", msg)
		}
	}
	return nil
}

func (wsc *WebsocketController) readLoop(conn *websocket.Conn) {
	for {
		messageType, bz, err := conn.ReadMessage()
		if err != nil {
			wsc.handleReadErr(conn, err)
			return
		}

		wsc.mtx.Lock()
		wsc.lastReceive = time.Now()
		wsc.mtx.Unlock()

		if len(bz) == 0 {
			continue
		}
		telemetryWebsocketMessage(wsc.name, MessageTypeUnknown)
		wsc.msgHandler(messageType, bz)
	}
}

// handleReadErr marks an open connection as failed. Errors surfacing after
// an intentional Disconnect or a superseding connection are ignored.
func (wsc *WebsocketController) handleReadErr(conn *websocket.Conn, err error) {
	wsc.mtx.Lock()
	if wsc.client != conn || wsc.state != Open {
		wsc.mtx.Unlock()
		return
	}
	wsc.client = nil
	wsc.state = Disconnected
	wsc.mtx.Unlock()

	_ = conn.Close()
	wsc.logger.Err(err).Msg("websocket read failed")
	telemetryWebsocketDisconnect(wsc.name)
	wsc.notify(false, fmt.Errorf("%s websocket read: %w", wsc.name, err))
}

// pingLoop sends keepalives on the configured cadence and force closes the
// connection when neither a pong nor any data arrives within the grace
// window. The read loop then surfaces the failure.
func (wsc *WebsocketController) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(wsc.pingDuration)
	defer ticker.Stop()

	for {
		select {
		case <-wsc.parentCtx.Done():
			return
		case <-ticker.C:
			wsc.mtx.Lock()
			if wsc.client != conn || wsc.state != Open {
				wsc.mtx.Unlock()
				return
			}
			ref := wsc.openedAt
			if wsc.lastReceive.After(ref) {
				ref = wsc.lastReceive
			}
			if wsc.lastPong.After(ref) {
				ref = wsc.lastPong
			}
			wsc.mtx.Unlock()

			if time.Since(ref) > wsc.pingDuration+pongTimeout {
				wsc.logger.Warn().Msg("no pong received, closing connection")
				_ = conn.Close()
				return
			}

			if err := wsc.ping(conn); err != nil {
				wsc.logger.Debug().Err(err).Msg("failed to send ping")
			}
		}
	}
}

func (wsc *WebsocketController) ping(conn *websocket.Conn) error {
	if wsc.pingMessageType == websocket.PingMessage {
		return conn.WriteControl(websocket.PingMessage, wsc.pingMessage, time.Now().Add(writeWait))
	}

	wsc.writeMtx.Lock()
	defer wsc.writeMtx.Unlock()
	return conn.WriteMessage(wsc.pingMessageType, wsc.pingMessage)
}

func (wsc *WebsocketController) notify(connected bool, err error) {
	if wsc.connHandler != nil {
		wsc.connHandler(connected, err)
	}
}
