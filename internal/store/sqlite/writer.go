package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"crypto-priceengine/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/prices.db"
}

// Store is the single-writer SQLite persistence for snapshots, historical
// samples, the raw tick log and the canonical merged series.
// All timestamps are stored as UTC Unix milliseconds.
type Store struct {
	db *sql.DB
}

var (
	_ model.SnapshotStore   = (*Store)(nil)
	_ model.HistoricalStore = (*Store)(nil)
	_ model.TickLog         = (*Store)(nil)
	_ model.CanonicalStore  = (*Store)(nil)
)

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the database with WAL mode and creates the schema.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS live_prices (
			symbol  TEXT    NOT NULL,
			ts      INTEGER NOT NULL,
			price   REAL    NOT NULL,
			origin  TEXT    NOT NULL,
			sources TEXT,
			PRIMARY KEY (symbol, ts)
		);

		CREATE TABLE IF NOT EXISTS historical_prices (
			symbol TEXT    NOT NULL,
			source TEXT    NOT NULL,
			ts     INTEGER NOT NULL,
			price  REAL    NOT NULL,
			PRIMARY KEY (symbol, source, ts)
		);

		CREATE TABLE IF NOT EXISTS ticks (
			seq      INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol   TEXT    NOT NULL,
			source   TEXT    NOT NULL,
			trade_id TEXT    NOT NULL,
			ts       INTEGER NOT NULL,
			price    REAL    NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_ticks_symbol_ts ON ticks (symbol, ts);

		CREATE TABLE IF NOT EXISTS canonical_prices (
			symbol  TEXT    NOT NULL,
			ts      INTEGER NOT NULL,
			price   REAL    NOT NULL,
			sources TEXT,
			PRIMARY KEY (symbol, ts)
		);
	`)
	return err
}

func persistErr(op string, err error) error {
	return fmt.Errorf("sqlite %s: %w: %w", op, model.ErrPersistence, err)
}

func encodeSources(prices map[string]float64) (string, error) {
	if len(prices) == 0 {
		return "{}", nil
	}
	// encoding/json sorts map keys, so the encoding is deterministic
	b, err := json.Marshal(prices)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// AppendSnapshot stores a snapshot keyed by (symbol, ts). If the key already
// exists the existing row is kept.
func (s *Store) AppendSnapshot(ctx context.Context, snap model.Snapshot) error {
	if !snap.Valid {
		return fmt.Errorf("sqlite append snapshot: %w: snapshot %s@%s has no average",
			model.ErrPersistence, snap.Symbol, snap.TS.Format(time.RFC3339))
	}
	sources, err := encodeSources(snap.Prices)
	if err != nil {
		return persistErr("encode sources", err)
	}
	origin := snap.Origin
	if origin == "" {
		origin = model.OriginLive
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO live_prices (symbol, ts, price, origin, sources)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (symbol, ts) DO NOTHING
	`, snap.Symbol, snap.TS.UnixMilli(), snap.Average, string(origin), sources)
	if err != nil {
		return persistErr("insert snapshot", err)
	}
	return nil
}

// AppendTick appends one accepted tick to the log.
func (s *Store) AppendTick(ctx context.Context, t model.Tick) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ticks (symbol, source, trade_id, ts, price)
		VALUES (?, ?, ?, ?, ?)
	`, t.Symbol, t.Source, t.TradeID, t.TS.UnixMilli(), t.Price)
	if err != nil {
		return persistErr("append tick", err)
	}
	return nil
}

// AppendHistorical inserts historical samples in a single transaction.
// Samples already stored for (symbol, source, ts) are ignored.
func (s *Store) AppendHistorical(ctx context.Context, prices []model.HistoricalPrice) error {
	if len(prices) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("begin historical", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO historical_prices (symbol, source, ts, price)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return persistErr("prepare historical", err)
	}
	defer stmt.Close()

	for _, p := range prices {
		if _, err := stmt.ExecContext(ctx, p.Symbol, p.Source, p.TS.UnixMilli(), p.Price); err != nil {
			tx.Rollback()
			return persistErr("insert historical", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return persistErr("commit historical", err)
	}
	return nil
}

// WriteCanonical inserts or replaces canonical rows in a single transaction.
// Rewriting the same merge output leaves the table unchanged.
func (s *Store) WriteCanonical(ctx context.Context, snaps []model.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("begin canonical", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO canonical_prices (symbol, ts, price, sources)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return persistErr("prepare canonical", err)
	}
	defer stmt.Close()

	written := 0
	for _, snap := range snaps {
		if !snap.Valid {
			continue
		}
		sources, err := encodeSources(snap.Prices)
		if err != nil {
			tx.Rollback()
			return persistErr("encode sources", err)
		}
		if _, err := stmt.ExecContext(ctx, snap.Symbol, snap.TS.UnixMilli(), snap.Average, sources); err != nil {
			tx.Rollback()
			return persistErr("insert canonical", err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return persistErr("commit canonical", err)
	}
	log.Printf("[sqlite] committed %d canonical rows in %v", written, time.Since(start))
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
