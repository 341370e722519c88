// Package reconcile backfills missing grid points after a source gap or a
// total outage. Historical trades are replayed through the ingestion layer,
// then every missing grid point in the window is synthesized from the
// closest historical sample per source, falling back to the last known good
// value and clamping outliers against it.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math"
	"sort"
	"time"

	"crypto-priceengine/internal/logger"
	"crypto-priceengine/internal/model"
)

// DefaultThreshold is the absolute outlier deviation from the last known value.
const DefaultThreshold = 50.0

// Ingester replays historical trades through the dedup path.
type Ingester interface {
	Ingest(ctx context.Context, source string, tr model.Trade) (model.Tick, bool, error)
}

// Config configures the Reconciler.
type Config struct {
	Symbol   string
	Interval time.Duration

	// Threshold is the largest accepted deviation from the last known value.
	// Zero selects DefaultThreshold; config.Validate rejects zero upstream.
	Threshold float64
	Weights   model.Weights
}

// Report summarizes one reconciliation.
type Report struct {
	Window     model.GapWindow
	TraceID    string
	Fetched    map[string]int // historical trades per source
	Ingested   int            // trades accepted by dedup
	Backfilled int            // grid points written from historical samples
	Fallbacks  int            // grid points written from the last known value
	Outliers   []model.OutlierEvent
	Existing   int // grid points already persisted
	Unfilled   int // grid points with neither samples nor a last known value
}

// Filled returns the number of grid points written.
func (r Report) Filled() int { return r.Backfilled + r.Fallbacks + len(r.Outliers) }

// Reconciler runs gap-fill for one symbol.
type Reconciler struct {
	cfg       Config
	sources   map[string]model.PriceSource
	names     []string
	ingester  Ingester
	snapshots model.SnapshotStore
	history   model.HistoricalStore
	lastKnown *LastKnown

	// Optional hooks
	OnOutlier func(ev model.OutlierEvent)
	OnReport  func(r Report)
}

// New creates a Reconciler. history may be nil.
func New(cfg Config, srcs []model.PriceSource, ingester Ingester, snapshots model.SnapshotStore,
	history model.HistoricalStore, lastKnown *LastKnown) *Reconciler {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if lastKnown == nil {
		lastKnown = NewLastKnown()
	}
	r := &Reconciler{
		cfg:       cfg,
		sources:   make(map[string]model.PriceSource, len(srcs)),
		ingester:  ingester,
		snapshots: snapshots,
		history:   history,
		lastKnown: lastKnown,
	}
	for _, s := range srcs {
		r.sources[s.Name()] = s
		r.names = append(r.names, s.Name())
	}
	sort.Strings(r.names)
	return r
}

// LastKnown exposes the shared tracker.
func (r *Reconciler) LastKnown() *LastKnown { return r.lastKnown }

// Reconcile backfills window. A single-source window replays only that
// source; an "all" window replays every source. Grid points already
// persisted are left alone and End is exclusive.
func (r *Reconciler) Reconcile(ctx context.Context, window model.GapWindow) (Report, error) {
	report := Report{Window: window, Fetched: make(map[string]int)}
	if window.Empty() {
		return report, nil
	}

	scope, err := r.scope(window.Source)
	if err != nil {
		return report, err
	}

	report.TraceID = logger.NewTraceID("reconcile")
	ctx = logger.WithTraceID(ctx, report.TraceID)
	slog.Info("reconcile started", append(logger.LogWithTrace(ctx),
		slog.String("symbol", r.cfg.Symbol),
		slog.String("source", window.Source),
		slog.Time("start", window.Start),
		slog.Time("end", window.End))...)

	samples, err := r.replay(ctx, scope, window, &report)
	if err != nil {
		return report, err
	}

	persistErr := r.fillGrid(ctx, window, samples, &report)

	slog.Info("reconcile finished", append(logger.LogWithTrace(ctx),
		slog.String("symbol", r.cfg.Symbol),
		slog.Int("ingested", report.Ingested),
		slog.Int("backfilled", report.Backfilled),
		slog.Int("fallbacks", report.Fallbacks),
		slog.Int("outliers", len(report.Outliers)),
		slog.Int("existing", report.Existing),
		slog.Int("unfilled", report.Unfilled))...)
	if r.OnReport != nil {
		r.OnReport(report)
	}
	return report, persistErr
}

func (r *Reconciler) scope(source string) ([]string, error) {
	if source == model.AllSources {
		return r.names, nil
	}
	if _, ok := r.sources[source]; !ok {
		return nil, fmt.Errorf("reconcile: %w: %q", model.ErrUnknownSource, source)
	}
	return []string{source}, nil
}

// replay fetches historical trades per source, feeds them through dedup and
// stores them as historical samples. Returns the samples per source sorted
// by timestamp.
func (r *Reconciler) replay(ctx context.Context, scope []string, window model.GapWindow, report *Report) (map[string][]model.Trade, error) {
	samples := make(map[string][]model.Trade, len(scope))
	for _, name := range scope {
		trades, err := r.sources[name].HistoricalTrades(ctx, r.cfg.Symbol, window.Start, window.End)
		if errors.Is(err, model.ErrInvalidSymbol) {
			return nil, err
		}
		if err != nil {
			slog.Warn("historical fetch failed", append(logger.LogWithTrace(ctx),
				slog.String("source", name), slog.String("error", err.Error()))...)
			continue
		}
		report.Fetched[name] = len(trades)
		if len(trades) == 0 {
			continue
		}

		hist := make([]model.HistoricalPrice, 0, len(trades))
		for _, tr := range trades {
			if _, ok, err := r.ingester.Ingest(ctx, name, tr); err != nil {
				log.Printf("[reconcile] %s replay ingest error: %v", name, err)
			} else if ok {
				report.Ingested++
			}
			hist = append(hist, model.HistoricalPrice{Symbol: r.cfg.Symbol, Source: name, TS: tr.TS.UTC(), Price: tr.Price})
		}
		if r.history != nil {
			if err := r.history.AppendHistorical(ctx, hist); err != nil {
				log.Printf("[reconcile] %s store historical: %v", name, err)
			}
		}

		sorted := append([]model.Trade(nil), trades...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TS.Before(sorted[j].TS) })
		samples[name] = sorted
	}
	return samples, nil
}

// fillGrid synthesizes every missing grid point of window.
func (r *Reconciler) fillGrid(ctx context.Context, window model.GapWindow, samples map[string][]model.Trade, report *Report) error {
	existing, err := r.snapshots.QueryRange(ctx, r.cfg.Symbol, window.Start, window.End)
	if err != nil {
		return err
	}
	persisted := make(map[int64]float64, len(existing))
	for _, p := range existing {
		persisted[p.TS.UnixMilli()] = p.Value
	}

	lkv, haveLKV, err := r.seed(ctx, window.Start)
	if err != nil {
		return err
	}

	var firstErr error
	for _, gp := range model.GridPoints(window.Start, window.End, r.cfg.Interval) {
		if v, ok := persisted[gp.UnixMilli()]; ok {
			report.Existing++
			lkv, haveLKV = model.PricePoint{TS: gp, Value: v}, true
			continue
		}

		prices := closestPerSource(samples, gp)
		avg, ok := r.cfg.Weights.WeightedAverage(prices)

		snap := model.Snapshot{Symbol: r.cfg.Symbol, TS: gp, Prices: prices, Valid: true}
		switch {
		case !ok && !haveLKV:
			report.Unfilled++
			continue
		case !ok:
			snap.Average = lkv.Value
			snap.Origin = model.OriginFallback
			report.Fallbacks++
		case haveLKV && math.Abs(avg-lkv.Value) > r.cfg.Threshold:
			ev := model.OutlierEvent{
				Symbol:      r.cfg.Symbol,
				TS:          gp,
				Rejected:    avg,
				Substituted: lkv.Value,
				Threshold:   r.cfg.Threshold,
			}
			slog.Warn("outlier clamped", append(logger.LogWithTrace(ctx),
				slog.String("symbol", ev.Symbol),
				slog.Time("ts", ev.TS),
				slog.Float64("rejected", ev.Rejected),
				slog.Float64("substituted", ev.Substituted),
				slog.Float64("last_known", lkv.Value))...)
			if r.OnOutlier != nil {
				r.OnOutlier(ev)
			}
			report.Outliers = append(report.Outliers, ev)
			snap.Average = lkv.Value
			snap.Origin = model.OriginFallback
		default:
			snap.Average = avg
			snap.Origin = model.OriginBackfill
			report.Backfilled++
		}

		if err := r.persist(ctx, snap); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		lkv, haveLKV = model.PricePoint{TS: gp, Value: snap.Average}, true
	}

	if haveLKV {
		r.lastKnown.Observe(r.cfg.Symbol, lkv)
	}
	return firstErr
}

// seed returns the last known good value preceding start: the latest
// persisted point before it, else the in-memory tracker when it predates start.
func (r *Reconciler) seed(ctx context.Context, start time.Time) (model.PricePoint, bool, error) {
	p, ok, err := r.snapshots.LastBefore(ctx, r.cfg.Symbol, start)
	if err != nil {
		return model.PricePoint{}, false, err
	}
	if ok {
		return p, true, nil
	}
	if p, ok := r.lastKnown.Get(r.cfg.Symbol); ok && p.TS.Before(start) {
		return p, true, nil
	}
	return model.PricePoint{}, false, nil
}

// persist appends a snapshot, retrying once: the append is keyed by
// (symbol, ts) so a repeat cannot duplicate the row.
func (r *Reconciler) persist(ctx context.Context, snap model.Snapshot) error {
	err := r.snapshots.AppendSnapshot(ctx, snap)
	if err == nil {
		return nil
	}
	log.Printf("[reconcile] persist %s retrying: %v", snap.TS.Format(time.RFC3339), err)
	if err = r.snapshots.AppendSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("reconcile persist %s: %w", snap.TS.Format(time.RFC3339), err)
	}
	return nil
}

// closestPerSource picks, per source, the sample whose timestamp is closest
// to gp. Ties go to the earlier sample.
func closestPerSource(samples map[string][]model.Trade, gp time.Time) map[string]float64 {
	prices := make(map[string]float64, len(samples))
	for name, trades := range samples {
		if len(trades) == 0 {
			continue
		}
		// First sample at or after gp
		i := sort.Search(len(trades), func(i int) bool { return !trades[i].TS.Before(gp) })
		best := -1
		switch {
		case i == 0:
			best = 0
		case i == len(trades):
			best = len(trades) - 1
		default:
			before, after := gp.Sub(trades[i-1].TS), trades[i].TS.Sub(gp)
			if after < before {
				best = i
			} else {
				best = i - 1
			}
		}
		prices[name] = trades[best].Price
	}
	return prices
}
