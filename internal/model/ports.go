package model

import (
	"context"
	"time"
)

// ── Source and Storage Port Interfaces ──
// These interfaces decouple the reconciliation logic from concrete exchange
// clients and storage implementations (SQLite, Redis).

// PriceSource is one independently pluggable exchange adapter.
type PriceSource interface {
	// Name is the source identifier used in weights and tick logs.
	Name() string

	// CurrentPrice returns the latest price. Fails soft with ErrNoData or
	// ErrTransport; an unsupported symbol yields ErrInvalidSymbol.
	CurrentPrice(ctx context.Context, symbol string) (float64, error)

	// HistoricalTrades returns trades in [start, end] ordered by timestamp.
	// May return an empty slice.
	HistoricalTrades(ctx context.Context, symbol string, start, end time.Time) ([]Trade, error)
}

// TickLog is the append-only per-source record of accepted ticks.
type TickLog interface {
	// AppendTick durably records an accepted tick.
	AppendTick(ctx context.Context, t Tick) error

	// ReadTicks returns ticks per source with timestamps in [start, end],
	// each slice in append order.
	ReadTicks(ctx context.Context, symbol string, start, end time.Time) (map[string][]Tick, error)
}

// SnapshotStore persists the scheduled and backfilled price series.
type SnapshotStore interface {
	// AppendSnapshot stores a snapshot keyed by (symbol, ts). An existing
	// row for the key is left untouched, which makes retries safe.
	AppendSnapshot(ctx context.Context, s Snapshot) error

	// QueryRange returns persisted points with ts in [start, end), ascending.
	QueryRange(ctx context.Context, symbol string, start, end time.Time) ([]PricePoint, error)

	// LastBefore returns the latest persisted point strictly before t.
	LastBefore(ctx context.Context, symbol string, t time.Time) (PricePoint, bool, error)
}

// HistoricalStore persists historical samples fetched during backfill.
type HistoricalStore interface {
	AppendHistorical(ctx context.Context, prices []HistoricalPrice) error

	// QueryHistoricalRange returns samples in [start, end]. An empty source
	// matches every source.
	QueryHistoricalRange(ctx context.Context, symbol, source string, start, end time.Time) ([]HistoricalPrice, error)
}

// CanonicalStore holds the merged canonical series.
type CanonicalStore interface {
	// WriteCanonical replaces rows for the given grid points.
	WriteCanonical(ctx context.Context, snaps []Snapshot) error

	QueryCanonical(ctx context.Context, symbol string, start, end time.Time) ([]PricePoint, error)
}

// SnapshotPublisher pushes snapshots to downstream consumers (e.g. Redis).
type SnapshotPublisher interface {
	PublishSnapshot(ctx context.Context, s Snapshot) error
}
