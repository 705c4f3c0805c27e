package types

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// FeedCategory classifies a feed by asset class. Values match the category
// integers accepted on the wire.
type FeedCategory uint8

const (
	CategoryCrypto FeedCategory = iota + 1
	CategoryForex
	CategoryCommodity
	CategoryStock
)

var feedNameRegex = regexp.MustCompile(`^[A-Z0-9]+/[A-Z0-9]+$`)

func (c FeedCategory) Valid() bool {
	return c >= CategoryCrypto && c <= CategoryStock
}

func (c FeedCategory) String() string {
	switch c {
	case CategoryCrypto:
		return "crypto"
	case CategoryForex:
		return "forex"
	case CategoryCommodity:
		return "commodity"
	case CategoryStock:
		return "stock"
	}
	return fmt.Sprintf("category(%d)", uint8(c))
}

// FeedId identifies one canonical price series, e.g. crypto BTC/USD.
type FeedId struct {
	Category FeedCategory
	Pair     CurrencyPair
}

// NewFeedId builds a FeedId from a category integer and a "BASE/QUOTE" name.
func NewFeedId(category FeedCategory, name string) (FeedId, error) {
	if !category.Valid() {
		return FeedId{}, fmt.Errorf("invalid feed category: %d", category)
	}

	if !feedNameRegex.MatchString(name) {
		return FeedId{}, fmt.Errorf("invalid feed name: %s", name)
	}

	pair, err := ParsePairString(name)
	if err != nil {
		return FeedId{}, err
	}

	return FeedId{Category: category, Pair: pair}, nil
}

// Name returns the canonical "BASE/QUOTE" form.
func (f FeedId) Name() string {
	return f.Pair.Join("/")
}

// Key returns a stable map key unique across categories.
func (f FeedId) Key() string {
	return fmt.Sprintf("%d:%s", f.Category, f.Name())
}

func (f FeedId) String() string {
	return f.Key()
}

type feedIdJSON struct {
	Category FeedCategory `json:"category"`
	Name     string       `json:"name"`
}

func (f FeedId) MarshalJSON() ([]byte, error) {
	return json.Marshal(feedIdJSON{Category: f.Category, Name: f.Name()})
}

func (f *FeedId) UnmarshalJSON(bz []byte) error {
	var raw feedIdJSON
	if err := json.Unmarshal(bz, &raw); err != nil {
		return err
	}

	feed, err := NewFeedId(raw.Category, raw.Name)
	if err != nil {
		return err
	}

	*f = feed
	return nil
}
