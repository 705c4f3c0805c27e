package oracle

import (
	"testing"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"

	"github.com/stretchr/testify/require"
)

func TestBus_PublishFanout(t *testing.T) {
	bus := NewBus()
	first := bus.Subscribe(4)
	second := bus.Subscribe(4)

	bus.Publish(ConnectionEvent{Source: "binance", Connected: true})

	for _, sub := range []*Subscription{first, second} {
		ev := <-sub.Events()
		ce, ok := ev.(ConnectionEvent)
		require.True(t, ok)
		require.Equal(t, ConnectionEvent{Source: "binance", Connected: true}, ce)
	}
	require.Zero(t, bus.Dropped())
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)

	bus.Publish(HealthEvent{Source: "kraken", Healthy: false})
	bus.Publish(HealthEvent{Source: "kraken", Healthy: true})
	bus.Publish(HealthEvent{Source: "kraken", Healthy: false})

	require.Equal(t, uint64(2), bus.Dropped())

	ev := <-sub.Events()
	require.Equal(t, HealthEvent{Source: "kraken", Healthy: false}, ev)
	require.Empty(t, sub.Events())
}

func TestBus_CloseUnregisters(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	sub.Close()
	sub.Close()

	bus.Publish(PriceEvent{Update: types.PriceUpdate{Source: "binance"}})

	require.Zero(t, bus.Dropped())
	require.Empty(t, sub.Events())
}

func TestBus_SubscribeBufferFloor(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(0)

	bus.Publish(RecoveryEvent{Feed: testBtcFeed, Source: "binance"})
	require.Len(t, sub.Events(), 1)
}

func TestEvent_TypeSwitch(t *testing.T) {
	events := []Event{
		PriceEvent{},
		ConnectionEvent{},
		HealthEvent{},
		FailoverEvent{},
		RecoveryEvent{},
	}

	seen := map[string]bool{}
	for _, ev := range events {
		switch ev.(type) {
		case PriceEvent:
			seen["price"] = true
		case ConnectionEvent:
			seen["connection"] = true
		case HealthEvent:
			seen["health"] = true
		case FailoverEvent:
			seen["failover"] = true
		case RecoveryEvent:
			seen["recovery"] = true
		}
	}
	require.Len(t, seen, 5)
}
