package history

import (
	"database/sql"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"

	sdkmath "cosmossdk.io/math"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// DefaultRetention is how long ticks stay in the store before the cleanup
// job removes them.
const DefaultRetention = 48 * time.Hour

type (
	// Tick is one persisted price observation.
	Tick struct {
		Source string
		Price  sdkmath.LegacyDec
		Volume sdkmath.LegacyDec
		Time   time.Time
	}

	// TickStore persists price updates to sqlite. It backs the volume
	// endpoint and warms the statistical history after a restart.
	TickStore struct {
		logger  zerolog.Logger
		db      *sql.DB
		insert  *sql.Stmt
		query   *sql.Stmt
		cleanup *sql.Stmt
	}
)

func NewTickStore(path string, logger zerolog.Logger) (*TickStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logger.Error().Err(err).Str("path", path).Msg("failed to open sqlite db")
		return nil, err
	}

	s := &TickStore{
		db:     db,
		logger: logger.With().Str("module", "history").Logger(),
	}
	return s, s.Init()
}

func (s *TickStore) Init() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS ticker_history(
		symbol TEXT NOT NULL,
		provider TEXT NOT NULL,
		time INT NOT NULL,
		price TEXT NOT NULL,
		volume TEXT NOT NULL,
		CONSTRAINT id PRIMARY KEY (symbol, provider, time)
	)`)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to create db table")
		return err
	}

	insert, err := s.db.Prepare(`INSERT OR IGNORE INTO
		ticker_history(symbol, provider, time, price, volume)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to prepare sql insert statement")
		return err
	}

	query, err := s.db.Prepare(`SELECT provider, time, price, volume FROM ticker_history
		WHERE symbol = ? AND time BETWEEN ? AND ?
		ORDER BY time ASC
	`)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to prepare sql query statement")
		return err
	}

	cleanup, err := s.db.Prepare(`DELETE FROM ticker_history WHERE time < ?`)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to prepare sql cleanup statement")
		return err
	}

	s.insert = insert
	s.query = query
	s.cleanup = cleanup
	return nil
}

// AddTicks writes a batch of updates in one transaction. Replayed rows with
// the same (symbol, provider, time) key are ignored.
func (s *TickStore) AddTicks(symbol string, updates []types.PriceUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	stmt := tx.Stmt(s.insert)
	for _, update := range updates {
		_, err := stmt.Exec(
			symbol,
			update.Source,
			update.Time.UnixMilli(),
			update.Price.String(),
			update.Volume.String(),
		)
		if err != nil {
			_ = tx.Rollback()
			s.logger.Error().Err(err).Str("symbol", symbol).Msg("failed to store ticks")
			return err
		}
	}
	return tx.Commit()
}

// GetTicks returns every stored tick for symbol within [start, end], keyed
// by source and ordered oldest first.
func (s *TickStore) GetTicks(symbol string, start, end time.Time) (map[string][]Tick, error) {
	rows, err := s.query.Query(symbol, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		s.logger.Error().Err(err).Str("symbol", symbol).Msg("failed to query stored ticks")
		return nil, err
	}
	defer rows.Close()

	ticks := map[string][]Tick{}
	for rows.Next() {
		var (
			source, price, volume string
			epochMs               int64
		)
		if err := rows.Scan(&source, &epochMs, &price, &volume); err != nil {
			s.logger.Error().Err(err).Str("symbol", symbol).Msg("failed to parse tick query results")
			return nil, err
		}
		priceDec, err := sdkmath.LegacyNewDecFromStr(price)
		if err != nil {
			continue
		}
		volumeDec, err := sdkmath.LegacyNewDecFromStr(volume)
		if err != nil {
			volumeDec = sdkmath.LegacyZeroDec()
		}
		ticks[source] = append(ticks[source], Tick{
			Source: source,
			Price:  priceDec,
			Volume: volumeDec,
			Time:   time.UnixMilli(epochMs),
		})
	}
	if err := rows.Err(); err != nil {
		s.logger.Error().Err(err).Str("symbol", symbol).Msg("failed to read all stored ticks")
		return nil, err
	}
	return ticks, nil
}

// VolumeTotal sums the newest volume sample per source for symbol within
// [start, end]. Exchanges report rolling 24h volume, so the latest sample
// per source is the window total, not the tick sum.
func (s *TickStore) VolumeTotal(symbol string, start, end time.Time) (sdkmath.LegacyDec, error) {
	ticks, err := s.GetTicks(symbol, start, end)
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}

	total := sdkmath.LegacyZeroDec()
	for _, sourceTicks := range ticks {
		if len(sourceTicks) == 0 {
			continue
		}
		total = total.Add(sourceTicks[len(sourceTicks)-1].Volume)
	}
	return total, nil
}

// Cleanup removes every tick older than the cutoff and reports how many
// rows were dropped.
func (s *TickStore) Cleanup(olderThan time.Time) (int64, error) {
	res, err := s.cleanup.Exec(olderThan.UnixMilli())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to clean up ticks")
		return 0, err
	}
	dropped, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if dropped > 0 {
		s.logger.Debug().Int64("rows", dropped).Msg("cleaned up old ticks")
	}
	return dropped, nil
}

func (s *TickStore) Close() error {
	return s.db.Close()
}
