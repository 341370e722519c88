package model

import "time"

// Tick is one deduplicated price observation from a source.
// Immutable once recorded. Timestamps are UTC with millisecond resolution.
type Tick struct {
	Symbol  string    `json:"symbol"`
	Source  string    `json:"source"`
	TradeID string    `json:"trade_id"`
	Price   float64   `json:"price"`
	TS      time.Time `json:"ts"`
}

// EntryKey is the secondary dedup key of a tick.
func (t Tick) EntryKey() EntryKey {
	return EntryKey{TSMilli: t.TS.UnixMilli(), Price: t.Price}
}

// EntryKey identifies a sample by (timestamp, price) for sources whose
// trade ids are unstable or absent.
type EntryKey struct {
	TSMilli int64
	Price   float64
}

// Trade is a normalized inbound trade event, either pushed by a live stream
// or returned by a historical lookup. ID may be empty.
type Trade struct {
	ID    string    `json:"id"`
	Price float64   `json:"price"`
	TS    time.Time `json:"ts"`
}
