package provider

import (
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/telemetry"

	sdkmath "cosmossdk.io/math"
)

// MessageType represents the type of message received from a provider
// websocket, used as a telemetry label.
type MessageType string

const (
	MessageTypeTicker  MessageType = "ticker"
	MessageTypeTrade   MessageType = "trade"
	MessageTypeUnknown MessageType = "unknown"
)

// String cast provider MessageType to string.
func (mt MessageType) String() string {
	return string(mt)
}

// telemetryWebsocketMessage gives an standard way to add
// `websocket.message{type="x", provider="y"}` metric.
func telemetryWebsocketMessage(n Name, mt MessageType) {
	telemetry.IncrCounterWithLabels(
		[]string{"websocket", "message"},
		1,
		[]telemetry.Label{
			telemetry.NewLabel("provider", n.String()),
			telemetry.NewLabel("type", mt.String()),
		},
	)
}

func telemetryWebsocketConnect(n Name) {
	telemetry.IncrCounterWithLabels(
		[]string{"websocket", "connect"},
		1,
		[]telemetry.Label{telemetry.NewLabel("provider", n.String())},
	)
}

func telemetryWebsocketDisconnect(n Name) {
	telemetry.IncrCounterWithLabels(
		[]string{"websocket", "disconnect"},
		1,
		[]telemetry.Label{telemetry.NewLabel("provider", n.String())},
	)
}

func telemetryProviderPrice(n Name, symbol string, price sdkmath.LegacyDec) {
	p, err := price.Float64()
	if err != nil {
		return
	}
	telemetry.SetGaugeWithLabels(
		[]string{"provider", "price"},
		float32(p),
		[]telemetry.Label{
			telemetry.NewLabel("provider", n.String()),
			telemetry.NewLabel("symbol", symbol),
		},
	)
}

func telemetryRestLatency(n Name, d time.Duration) {
	telemetry.SetGaugeWithLabels(
		[]string{"rest", "latency", "ms"},
		float32(d.Milliseconds()),
		[]telemetry.Label{telemetry.NewLabel("provider", n.String())},
	)
}
