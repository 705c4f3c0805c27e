package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/aggregator"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/history"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/validator"

	sdkmath "cosmossdk.io/math"
)

// replayTick is one recorded ticker update in the replay input file.
type replayTick struct {
	Category   int       `json:"category"`
	Name       string    `json:"name"`
	Source     string    `json:"source"`
	Price      string    `json:"price"`
	Volume     string    `json:"volume"`
	Time       time.Time `json:"time"`
	Confidence float64   `json:"confidence"`
}

func getReplayCmd() *cobra.Command {
	replayCmd := &cobra.Command{
		Use:   "replay [ticks-file]",
		Short: "Replay recorded ticker updates through validation and consensus",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("no file provided")
			}

			period, err := cmd.Flags().GetInt64("period")
			if err != nil {
				return err
			}

			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()

			bz, err := io.ReadAll(file)
			if err != nil {
				return err
			}

			var ticks []replayTick
			if err := json.Unmarshal(bz, &ticks); err != nil {
				return err
			}
			if len(ticks) == 0 {
				return fmt.Errorf("no ticks in file")
			}

			feeds := map[types.FeedId][]types.PriceUpdate{}
			var first, last time.Time

			for _, tick := range ticks {
				feed, err := types.NewFeedId(types.FeedCategory(tick.Category), tick.Name)
				if err != nil {
					return err
				}
				price, err := sdkmath.LegacyNewDecFromStr(tick.Price)
				if err != nil {
					return err
				}
				volume := sdkmath.LegacyZeroDec()
				if tick.Volume != "" {
					if volume, err = sdkmath.LegacyNewDecFromStr(tick.Volume); err != nil {
						return err
					}
				}

				feeds[feed] = append(feeds[feed], types.PriceUpdate{
					Pair:       feed.Pair,
					Source:     tick.Source,
					Price:      price,
					Volume:     volume,
					Time:       tick.Time,
					ReceivedAt: tick.Time,
					Confidence: tick.Confidence,
				})

				if first.IsZero() || tick.Time.Before(first) {
					first = tick.Time
				}
				if last.IsZero() || tick.Time.After(last) {
					last = tick.Time
				}
			}

			for feed := range feeds {
				sort.Slice(feeds[feed], func(i, j int) bool {
					return feeds[feed][i].Time.Before(feeds[feed][j].Time)
				})
			}

			first = time.Unix(first.Unix()/period*period, 0)
			last = time.Unix(last.Unix()/period*period+period, 0)

			logger := zerolog.Nop()
			priceHistory := history.NewWindow(0)
			crossSource := history.NewCrossSourceWindow(0)
			validate := validator.New(logger, validator.Config{}, priceHistory, crossSource)
			aggregate := aggregator.New(logger, aggregator.Config{})

			feedIds := make([]types.FeedId, 0, len(feeds))
			for feed := range feeds {
				feedIds = append(feedIds, feed)
			}
			sort.Slice(feedIds, func(i, j int) bool { return feedIds[i].Key() < feedIds[j].Key() })

			start := first
			for start.Before(last) {
				end := start.Add(time.Second * time.Duration(period))

				for _, feed := range feedIds {
					window := bucketUpdates(feeds[feed], start, end)
					if len(window) == 0 {
						continue
					}

					// the validator and aggregator measure age against the
					// wall clock, so each bucket is re-stamped to end now
					offset := time.Until(end)
					for i := range window {
						window[i].Time = window[i].Time.Add(offset)
						window[i].ReceivedAt = window[i].Time

						price, err := window[i].Price.Float64()
						if err != nil {
							continue
						}
						priceHistory.Record(feed.Key(), price, window[i].Time)
						crossSource.Record(feed.Key(), window[i].Source, price, window[i].Time)
					}

					results := validate.ValidateBatch(feed, window)
					valid := make([]types.PriceUpdate, 0, len(window))
					for _, update := range window {
						result, ok := results[update.Key()]
						if !ok || !result.Valid {
							continue
						}
						update.Confidence = result.Confidence
						valid = append(valid, update)
					}

					consensus, err := aggregate.Aggregate(feed, valid)
					if err != nil {
						fmt.Println(start.UTC(), feed.Name(), err)
						continue
					}
					fmt.Printf(
						"%s %s price=%s sources=%d score=%.3f confidence=%.3f\n",
						start.UTC(), feed.Name(),
						consensus.Price, len(consensus.Sources),
						consensus.ConsensusScore, consensus.Confidence,
					)
				}

				start = end
			}

			return nil
		},
	}

	replayCmd.PersistentFlags().Int64("period", 90, "Bucket length for the replayed consensus in seconds")

	return replayCmd
}

func bucketUpdates(updates []types.PriceUpdate, start, end time.Time) []types.PriceUpdate {
	out := []types.PriceUpdate{}
	for _, update := range updates {
		if update.Time.Before(start) || !update.Time.Before(end) {
			continue
		}
		out = append(out, update)
	}
	return out
}
