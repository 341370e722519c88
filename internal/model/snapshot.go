package model

import "time"

// Origin tags how a persisted price row was produced.
type Origin string

const (
	OriginLive     Origin = "live"
	OriginBackfill Origin = "backfill"
	OriginFallback Origin = "fallback"
	OriginMerge    Origin = "merge"
)

// Snapshot is the weighted price of a symbol at one grid point.
// Average is meaningful only when Valid is true; a snapshot with no
// contributing source has no average (never zero).
type Snapshot struct {
	Symbol  string             `json:"symbol"`
	TS      time.Time          `json:"ts"`
	Prices  map[string]float64 `json:"prices"`
	Average float64            `json:"average"`
	Valid   bool               `json:"valid"`
	Origin  Origin             `json:"origin"`
}

// PricePoint is a persisted (timestamp, value) pair of the canonical series.
type PricePoint struct {
	TS    time.Time `json:"ts"`
	Value float64   `json:"value"`
}

// HistoricalPrice is one historical sample stored per source.
type HistoricalPrice struct {
	Symbol string    `json:"symbol"`
	Source string    `json:"source"`
	TS     time.Time `json:"ts"`
	Price  float64   `json:"price"`
}
