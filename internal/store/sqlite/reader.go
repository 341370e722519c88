package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"crypto-priceengine/internal/model"
)

// LiveRow is a persisted snapshot row with its provenance.
type LiveRow struct {
	TS      time.Time
	Price   float64
	Origin  model.Origin
	Sources map[string]float64
}

func fromMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// QueryRange returns snapshot points with ts in [start, end), ordered by
// timestamp ascending.
func (s *Store) QueryRange(ctx context.Context, symbol string, start, end time.Time) ([]model.PricePoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, price FROM live_prices
		WHERE symbol = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC
	`, symbol, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, persistErr("query live_prices", err)
	}
	defer rows.Close()
	return scanPoints(rows)
}

// LastBefore returns the latest snapshot point strictly before t.
func (s *Store) LastBefore(ctx context.Context, symbol string, t time.Time) (model.PricePoint, bool, error) {
	var ms int64
	var price float64
	err := s.db.QueryRowContext(ctx, `
		SELECT ts, price FROM live_prices
		WHERE symbol = ? AND ts < ?
		ORDER BY ts DESC LIMIT 1
	`, symbol, t.UnixMilli()).Scan(&ms, &price)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PricePoint{}, false, nil
	}
	if err != nil {
		return model.PricePoint{}, false, persistErr("last live_prices", err)
	}
	return model.PricePoint{TS: fromMilli(ms), Value: price}, true, nil
}

// QueryLive returns full snapshot rows in [start, end) for display.
func (s *Store) QueryLive(ctx context.Context, symbol string, start, end time.Time) ([]LiveRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, price, origin, sources FROM live_prices
		WHERE symbol = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC
	`, symbol, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, persistErr("query live_prices", err)
	}
	defer rows.Close()

	var out []LiveRow
	for rows.Next() {
		var r LiveRow
		var ms int64
		var origin string
		var sources sql.NullString
		if err := rows.Scan(&ms, &r.Price, &origin, &sources); err != nil {
			return nil, persistErr("scan live_prices", err)
		}
		r.TS = fromMilli(ms)
		r.Origin = model.Origin(origin)
		if sources.Valid && sources.String != "" {
			if err := json.Unmarshal([]byte(sources.String), &r.Sources); err != nil {
				return nil, persistErr("decode sources", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReadTicks returns the tick log per source for ts in [start, end], each
// source's ticks in append order.
func (s *Store) ReadTicks(ctx context.Context, symbol string, start, end time.Time) (map[string][]model.Tick, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, trade_id, ts, price FROM ticks
		WHERE symbol = ? AND ts >= ? AND ts <= ?
		ORDER BY seq ASC
	`, symbol, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, persistErr("query ticks", err)
	}
	defer rows.Close()

	out := make(map[string][]model.Tick)
	for rows.Next() {
		t := model.Tick{Symbol: symbol}
		var ms int64
		if err := rows.Scan(&t.Source, &t.TradeID, &ms, &t.Price); err != nil {
			return nil, persistErr("scan ticks", err)
		}
		t.TS = fromMilli(ms)
		out[t.Source] = append(out[t.Source], t)
	}
	return out, rows.Err()
}

// TickBounds returns the first and last tick timestamps recorded for symbol.
func (s *Store) TickBounds(ctx context.Context, symbol string) (time.Time, time.Time, bool, error) {
	var lo, hi sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(ts), MAX(ts) FROM ticks WHERE symbol = ?`, symbol,
	).Scan(&lo, &hi)
	if err != nil {
		return time.Time{}, time.Time{}, false, persistErr("tick bounds", err)
	}
	if !lo.Valid || !hi.Valid {
		return time.Time{}, time.Time{}, false, nil
	}
	return fromMilli(lo.Int64), fromMilli(hi.Int64), true, nil
}

// QueryHistoricalRange returns historical samples in [start, end], ordered by
// timestamp then source. An empty source matches all sources.
func (s *Store) QueryHistoricalRange(ctx context.Context, symbol, source string, start, end time.Time) ([]model.HistoricalPrice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, ts, price FROM historical_prices
		WHERE symbol = ? AND (? = '' OR source = ?) AND ts >= ? AND ts <= ?
		ORDER BY ts ASC, source ASC
	`, symbol, source, source, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, persistErr("query historical_prices", err)
	}
	defer rows.Close()

	var out []model.HistoricalPrice
	for rows.Next() {
		p := model.HistoricalPrice{Symbol: symbol}
		var ms int64
		if err := rows.Scan(&p.Source, &ms, &p.Price); err != nil {
			return nil, persistErr("scan historical_prices", err)
		}
		p.TS = fromMilli(ms)
		out = append(out, p)
	}
	return out, rows.Err()
}

// QueryCanonical returns canonical points with ts in [start, end], ascending.
func (s *Store) QueryCanonical(ctx context.Context, symbol string, start, end time.Time) ([]model.PricePoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, price FROM canonical_prices
		WHERE symbol = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC
	`, symbol, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, persistErr("query canonical_prices", err)
	}
	defer rows.Close()
	return scanPoints(rows)
}

func scanPoints(rows *sql.Rows) ([]model.PricePoint, error) {
	var out []model.PricePoint
	for rows.Next() {
		var ms int64
		var p model.PricePoint
		if err := rows.Scan(&ms, &p.Value); err != nil {
			return nil, persistErr("scan points", err)
		}
		p.TS = fromMilli(ms)
		out = append(out, p)
	}
	return out, rows.Err()
}
