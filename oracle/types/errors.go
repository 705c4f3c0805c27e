package types

import (
	"errors"
	"fmt"
)

var (
	// ErrTickerNotFound is returned when a provider has no cached ticker
	// for a subscribed pair.
	ErrTickerNotFound = errors.New("ticker not found")

	// ErrPairNotSupported is returned when a provider does not list the
	// requested pair.
	ErrPairNotSupported = errors.New("pair not supported")

	// ErrProviderConnection is returned when a provider transport is down
	// after internal retries.
	ErrProviderConnection = errors.New("provider connection failed")

	// ErrVolumeHistoryDisabled is returned for volume queries when no tick
	// store is configured.
	ErrVolumeHistoryDisabled = errors.New("volume history disabled")
)

// UnknownFeedError signals a feed missing from the catalog.
type UnknownFeedError struct {
	Feed FeedId
}

func (e *UnknownFeedError) Error() string {
	return fmt.Sprintf("feed %s is not configured", e.Feed.Name())
}

// InsufficientDataError signals an aggregation attempt with no updates at all.
type InsufficientDataError struct {
	Feed FeedId
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("no price updates for %s", e.Feed.Name())
}

// NoValidDataError signals that every update was dropped by fast validation.
type NoValidDataError struct {
	Feed    FeedId
	Dropped int
}

func (e *NoValidDataError) Error() string {
	return fmt.Sprintf("all %d price updates for %s failed validation", e.Dropped, e.Feed.Name())
}

// InsufficientSourcesError signals fewer surviving sources than the consensus
// minimum.
type InsufficientSourcesError struct {
	Feed FeedId
	Got  int
	Want int
}

func (e *InsufficientSourcesError) Error() string {
	return fmt.Sprintf("%s has %d valid sources, need %d", e.Feed.Name(), e.Got, e.Want)
}
