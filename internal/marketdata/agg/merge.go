package agg

import (
	"sort"
	"time"

	"crypto-priceengine/internal/model"
)

// Merge resamples each source's ticks onto a uniform grid and computes the
// weighted average per grid point.
//
// Every grid point takes, per source, the latest tick at or before it
// (forward-fill); points before a source's first tick have no value for that
// source. The grid spans AlignUp(min first tick) to max last tick inclusive.
// Input order does not matter: ticks are sorted by (TS, Price, TradeID)
// first, so the same tick set always yields the same series.
func Merge(symbol string, series map[string][]model.Tick, interval time.Duration, weights model.Weights) []model.Snapshot {
	if interval <= 0 {
		return nil
	}

	sorted := make(map[string][]model.Tick, len(series))
	var first, last time.Time
	for source, ticks := range series {
		if len(ticks) == 0 {
			continue
		}
		s := append([]model.Tick(nil), ticks...)
		sort.Slice(s, func(i, j int) bool {
			if !s[i].TS.Equal(s[j].TS) {
				return s[i].TS.Before(s[j].TS)
			}
			if s[i].Price != s[j].Price {
				return s[i].Price < s[j].Price
			}
			return s[i].TradeID < s[j].TradeID
		})
		sorted[source] = s
		if first.IsZero() || s[0].TS.Before(first) {
			first = s[0].TS
		}
		if l := s[len(s)-1].TS; l.After(last) {
			last = l
		}
	}
	if len(sorted) == 0 {
		return nil
	}

	names := make([]string, 0, len(sorted))
	for name := range sorted {
		names = append(names, name)
	}
	sort.Strings(names)

	cursor := make(map[string]int, len(sorted))
	var out []model.Snapshot
	for gp := model.AlignUp(first, interval); !gp.After(last); gp = gp.Add(interval) {
		prices := make(map[string]float64, len(names))
		for _, name := range names {
			ticks := sorted[name]
			i := cursor[name]
			for i < len(ticks) && !ticks[i].TS.After(gp) {
				i++
			}
			cursor[name] = i
			if i > 0 {
				prices[name] = ticks[i-1].Price
			}
		}
		avg, ok := weights.WeightedAverage(prices)
		out = append(out, model.Snapshot{
			Symbol:  symbol,
			TS:      gp,
			Prices:  prices,
			Average: avg,
			Valid:   ok,
			Origin:  model.OriginMerge,
		})
	}
	return out
}
