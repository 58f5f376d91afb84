// Package sqlite persists engine output — closed frames, candle rows
// and trade events — in a WAL-mode SQLite database, and reads candle
// rows back in replay order for backtests.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tickframe/internal/model"
	"tickframe/internal/trade"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// FrameRecord is one closed frame tagged with its frame set, the
// payload of the writer's frame channel.
type FrameRecord struct {
	EpicRef     string
	FrameSetRef string
	Frame       *model.Frame
}

// Config configures the store.
type Config struct {
	DBPath string // e.g. "data/backtest.db"
}

// Store is a single-writer SQLite store with transaction batching on
// the frame path.
type Store struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the database in WAL mode and creates the schema.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			ref    TEXT    NOT NULL,
			ts     INTEGER NOT NULL,
			open   REAL    NOT NULL,
			high   REAL    NOT NULL,
			low    REAL    NOT NULL,
			close  REAL    NOT NULL,
			spread REAL    NOT NULL,
			PRIMARY KEY (ref, ts)
		);

		CREATE TABLE IF NOT EXISTS frames (
			epic_ref  TEXT    NOT NULL,
			frame_set TEXT    NOT NULL,
			start_ts  INTEGER NOT NULL,
			end_ts    INTEGER NOT NULL,
			open      REAL    NOT NULL,
			high      REAL    NOT NULL,
			low       REAL    NOT NULL,
			close     REAL    NOT NULL,
			ticks     INTEGER NOT NULL,
			PRIMARY KEY (epic_ref, frame_set, start_ts)
		);

		CREATE TABLE IF NOT EXISTS trade_events (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			trade_ref    TEXT NOT NULL,
			epic_ref     TEXT NOT NULL,
			strategy_ref TEXT NOT NULL,
			direction    TEXT NOT NULL,
			status       TEXT NOT NULL,
			quantity     REAL NOT NULL,
			open_price   REAL NOT NULL,
			result       REAL NOT NULL,
			at           INTEGER NOT NULL
		);
	`)
	return err
}

// Run reads closed frames from frameCh and inserts them in batched
// transactions: a flush every batchSize frames or every flushDelay,
// whichever comes first. Blocks until ctx is cancelled or frameCh is
// closed.
func (s *Store) Run(ctx context.Context, frameCh <-chan FrameRecord) {
	batch := make([]FrameRecord, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := s.insertFrames(batch); err != nil {
			log.Printf("[sqlite] frame batch insert error: %v", err)
		} else {
			log.Printf("[sqlite] committed %d frames in %v", len(batch), time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case rec, ok := <-frameCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

func (s *Store) insertFrames(records []FrameRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO frames (epic_ref, frame_set, start_ts, end_ts, open, high, low, close, ticks)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		f := rec.Frame
		_, err := stmt.Exec(rec.EpicRef, rec.FrameSetRef, f.Start.UnixNano(), f.End.UnixNano(),
			f.Open.Mid(), f.High.Mid(), f.Low.Mid(), f.Close.Mid(), f.Ticks)
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// InsertCandles bulk-loads candle rows, the seed data a backtest
// replays.
func (s *Store) InsertCandles(candles []model.Candle) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO candles (ref, ts, open, high, low, close, spread)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.Exec(c.Ref, c.Time.UnixNano(), c.Open, c.High, c.Low, c.Close, c.Spread); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// ReadCandles reads the candle rows for one instrument after the given
// time, ordered by timestamp ascending for correct replay order.
func (s *Store) ReadCandles(ref string, after time.Time) ([]model.Candle, error) {
	rows, err := s.db.Query(`
		SELECT ref, ts, open, high, low, close, spread
		FROM candles
		WHERE ref = ? AND ts > ?
		ORDER BY ts ASC
	`, ref, after.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	defer rows.Close()

	var candles []model.Candle
	for rows.Next() {
		var c model.Candle
		var ts int64
		if err := rows.Scan(&c.Ref, &ts, &c.Open, &c.High, &c.Low, &c.Close, &c.Spread); err != nil {
			return nil, fmt.Errorf("sqlite scan candle: %w", err)
		}
		c.Time = time.Unix(0, ts).UTC()
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// WriteTradeEvent appends one trade state transition. Wire it to the
// book's OnTransition hook.
func (s *Store) WriteTradeEvent(t *trade.Trade) error {
	_, err := s.db.Exec(`
		INSERT INTO trade_events (trade_ref, epic_ref, strategy_ref, direction, status, quantity, open_price, result, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.Ref, t.EpicRef, t.StrategyRef, t.Direction.String(), t.Status().String(),
		t.Quantity, t.OpenPrice(), t.Result(), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite insert trade event: %w", err)
	}
	return nil
}

// LastCandleTime returns the newest stored candle timestamp for an
// instrument, zero time when none exist.
func (s *Store) LastCandleTime(ref string) (time.Time, error) {
	var ts sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(ts) FROM candles WHERE ref = ?`, ref).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(0, ts.Int64).UTC(), nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
