// Package agg is the time-grid merge and aggregator. It re-derives the
// canonical series from the tick log, either periodically while ticks flow
// or post-hoc over a recorded range.
package agg

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"crypto-priceengine/internal/clock"
	"crypto-priceengine/internal/model"
)

// Config configures the Aggregator.
type Config struct {
	Symbol   string
	Interval time.Duration // grid interval
	Every    time.Duration // periodic merge cadence while running
	Weights  model.Weights

	// Since is the start of the tick range merged by Run. Defaults to the
	// clock's time at New.
	Since time.Time
}

// Aggregator merges recorded ticks into the canonical store.
type Aggregator struct {
	cfg       Config
	ticks     model.TickLog
	store     model.CanonicalStore
	publisher model.SnapshotPublisher
	clk       clock.Clock

	dirty     bool
	published time.Time

	// Metrics hooks (optional, set externally)
	OnMerge func(rows int, took time.Duration)
}

// New creates an Aggregator. publisher may be nil.
func New(cfg Config, ticks model.TickLog, store model.CanonicalStore, publisher model.SnapshotPublisher, clk clock.Clock) *Aggregator {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.Every <= 0 {
		cfg.Every = 30 * time.Second
	}
	if cfg.Since.IsZero() {
		cfg.Since = clk.Now()
	}
	return &Aggregator{cfg: cfg, ticks: ticks, store: store, publisher: publisher, clk: clk}
}

// Run consumes accepted ticks and re-merges every Every when new ticks have
// arrived. Blocks until ctx is cancelled or tickCh is closed, then runs a
// final merge over everything recorded.
func (a *Aggregator) Run(ctx context.Context, tickCh <-chan model.Tick) {
	next := a.clk.After(a.cfg.Every)
	for {
		select {
		case <-ctx.Done():
			a.flush(context.WithoutCancel(ctx))
			return

		case _, ok := <-tickCh:
			if !ok {
				a.flush(context.WithoutCancel(ctx))
				return
			}
			a.dirty = true

		case <-next:
			if a.dirty {
				a.flush(ctx)
			}
			next = a.clk.After(a.cfg.Every)
		}
	}
}

func (a *Aggregator) flush(ctx context.Context) {
	snaps, err := a.MergeRange(ctx, a.cfg.Since, a.clk.Now())
	if err != nil {
		slog.Error("merge failed", "symbol", a.cfg.Symbol, "error", err)
		return
	}
	a.dirty = false
	a.publish(ctx, snaps)
}

// MergeRange reads ticks in [start, end], merges them and replaces the
// canonical rows for the resulting grid points.
func (a *Aggregator) MergeRange(ctx context.Context, start, end time.Time) ([]model.Snapshot, error) {
	begin := time.Now()
	series, err := a.ticks.ReadTicks(ctx, a.cfg.Symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("merge read ticks: %w", err)
	}
	snaps := Merge(a.cfg.Symbol, series, a.cfg.Interval, a.cfg.Weights)
	if len(snaps) == 0 {
		return nil, nil
	}
	if err := a.store.WriteCanonical(ctx, snaps); err != nil {
		return nil, err
	}
	took := time.Since(begin)
	slog.Info("merge complete", "symbol", a.cfg.Symbol, "rows", len(snaps),
		"first", snaps[0].TS, "last", snaps[len(snaps)-1].TS, "took", took)
	if a.OnMerge != nil {
		a.OnMerge(len(snaps), took)
	}
	return snaps, nil
}

// publish pushes canonical rows newer than the last published one.
func (a *Aggregator) publish(ctx context.Context, snaps []model.Snapshot) {
	if a.publisher == nil {
		return
	}
	for _, s := range snaps {
		if !s.Valid || !s.TS.After(a.published) {
			continue
		}
		if err := a.publisher.PublishSnapshot(ctx, s); err != nil {
			log.Printf("[agg] publish %s: %v", s.TS.Format(time.RFC3339), err)
			return
		}
		a.published = s.TS
	}
}
