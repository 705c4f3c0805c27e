package oracle

import (
	"sort"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/provider"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"
)

type (
	// FeedSource binds one exchange listing to a feed. Pair is the pair as
	// subscribed on that exchange, which may differ from the feed's
	// canonical pair: crypto BTC/USD commonly rides on an exchange's
	// BTC/USDT book.
	FeedSource struct {
		Provider provider.Name
		Pair     types.CurrencyPair
		Backup   bool
	}

	// Catalog maps every served feed to its ordered source list, primaries
	// first.
	Catalog map[types.FeedId][]FeedSource
)

// Feeds returns the served feeds sorted by key.
func (c Catalog) Feeds() []types.FeedId {
	feeds := make([]types.FeedId, 0, len(c))
	for feed := range c {
		feeds = append(feeds, feed)
	}
	sort.Slice(feeds, func(i, j int) bool {
		return feeds[i].Key() < feeds[j].Key()
	})
	return feeds
}

// Has reports whether the feed is served.
func (c Catalog) Has(feed types.FeedId) bool {
	_, ok := c[feed]
	return ok
}

// Providers returns every provider referenced by any feed, sorted.
func (c Catalog) Providers() []provider.Name {
	seen := map[provider.Name]struct{}{}
	for _, sources := range c {
		for _, source := range sources {
			seen[source.Provider] = struct{}{}
		}
	}

	names := make([]provider.Name, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// PairsFor returns the pairs the provider must carry to cover every feed
// referencing it, backups included.
func (c Catalog) PairsFor(name provider.Name) []types.CurrencyPair {
	seen := map[string]struct{}{}
	pairs := []types.CurrencyPair{}
	for _, feed := range c.Feeds() {
		for _, source := range c[feed] {
			if source.Provider != name {
				continue
			}
			if _, ok := seen[source.Pair.String()]; ok {
				continue
			}
			seen[source.Pair.String()] = struct{}{}
			pairs = append(pairs, source.Pair)
		}
	}
	return pairs
}

// Primaries returns the feed's primary sources in catalog order.
func (c Catalog) Primaries(feed types.FeedId) []FeedSource {
	return c.filterSources(feed, false)
}

// Backups returns the feed's backup sources in catalog order.
func (c Catalog) Backups(feed types.FeedId) []FeedSource {
	return c.filterSources(feed, true)
}

func (c Catalog) filterSources(feed types.FeedId, backup bool) []FeedSource {
	var out []FeedSource
	for _, source := range c[feed] {
		if source.Backup == backup {
			out = append(out, source)
		}
	}
	return out
}
