package v1

import (
	"context"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"

	sdkmath "cosmossdk.io/math"
)

// Oracle defines the Oracle interface contract that the v1 router depends on.
type Oracle interface {
	HasFeed(feed types.FeedId) bool
	GetCurrentPrices(ctx context.Context, feeds []types.FeedId) (map[string]types.AggregatedPrice, map[string]error)
	GetVolume(feed types.FeedId, start, end time.Time) (sdkmath.LegacyDec, error)
	GetConnectionHealth() oracle.ConnectionHealth
	Uptime() time.Duration
}
