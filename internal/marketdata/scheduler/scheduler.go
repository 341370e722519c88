// Package scheduler is the polling aggregator. Every interval, aligned to
// wall-clock boundaries, it polls the current price of every source and
// persists the weighted snapshot under the scheduled timestamp. When every
// source fails it enters an outage loop, and on recovery hands the missed
// window to the gap-fill reconciler before resuming on the next boundary.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"time"

	"crypto-priceengine/internal/clock"
	"crypto-priceengine/internal/marketdata/reconcile"
	"crypto-priceengine/internal/model"
)

// Reconciler backfills a gap window.
type Reconciler interface {
	Reconcile(ctx context.Context, window model.GapWindow) (reconcile.Report, error)
}

// Config configures the Scheduler.
type Config struct {
	Symbol   string
	Interval time.Duration
	Weights  model.Weights

	// RetryDelay is the pause between polls while in an outage.
	RetryDelay time.Duration

	// MaxOutageAttempts bounds outage retries. Zero retries until shutdown.
	MaxOutageAttempts int
}

// Scheduler runs the snapshot loop for one symbol.
type Scheduler struct {
	cfg        Config
	sources    []model.PriceSource
	store      model.SnapshotStore
	publisher  model.SnapshotPublisher
	reconciler Reconciler
	lastKnown  *reconcile.LastKnown
	clk        clock.Clock

	lastSuccess time.Time

	// Optional hooks
	OnSnapshot     func(s model.Snapshot)
	OnSourceError  func(source string, err error)
	OnPersistError func(err error)
	OnOutageStart  func(at time.Time)
	OnRecovered    func(window model.GapWindow, report reconcile.Report, err error)
}

// New creates a Scheduler. publisher may be nil.
func New(cfg Config, srcs []model.PriceSource, store model.SnapshotStore, publisher model.SnapshotPublisher,
	rec Reconciler, lastKnown *reconcile.LastKnown, clk clock.Clock) *Scheduler {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if lastKnown == nil {
		lastKnown = reconcile.NewLastKnown()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Scheduler{
		cfg:        cfg,
		sources:    srcs,
		store:      store,
		publisher:  publisher,
		reconciler: rec,
		lastKnown:  lastKnown,
		clk:        clk,
	}
}

// Run blocks until ctx is cancelled or an unrecoverable error occurs
// (ErrInvalidSymbol, ErrOutageUnresolved). Cancellation lets the current
// iteration finish and returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		return fmt.Errorf("scheduler: non-positive interval %s", s.cfg.Interval)
	}
	next := model.AlignUp(s.clk.Now(), s.cfg.Interval)
	slog.Info("scheduler started", "symbol", s.cfg.Symbol, "interval", s.cfg.Interval, "first", next)

	for {
		if err := s.clk.Sleep(ctx, next.Sub(s.clk.Now())); err != nil {
			slog.Info("scheduler stopped", "symbol", s.cfg.Symbol)
			return nil
		}

		resume, err := s.iterate(ctx, next)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			slog.Info("scheduler stopped", "symbol", s.cfg.Symbol)
			return nil
		}
		next = resume
	}
}

// iterate handles one scheduled boundary and returns the next boundary.
func (s *Scheduler) iterate(ctx context.Context, ts time.Time) (time.Time, error) {
	snap, err := s.poll(ctx, ts)
	if err != nil {
		return time.Time{}, err
	}
	if snap.Valid {
		s.record(ctx, snap)
		return ts.Add(s.cfg.Interval), nil
	}
	return s.outage(ctx, ts)
}

// outage retries every RetryDelay until any source answers, then reconciles
// [last success, next boundary after recovery).
func (s *Scheduler) outage(ctx context.Context, failedAt time.Time) (time.Time, error) {
	start := s.lastSuccess
	if start.IsZero() {
		start = failedAt
	}
	slog.Error("total outage: no source returned a price", "symbol", s.cfg.Symbol, "at", failedAt, "last_success", start)
	if s.OnOutageStart != nil {
		s.OnOutageStart(failedAt)
	}

	var recoveredAt time.Time
	for attempt := 1; ; attempt++ {
		if s.cfg.MaxOutageAttempts > 0 && attempt > s.cfg.MaxOutageAttempts {
			return time.Time{}, fmt.Errorf("scheduler: %w after %d attempts since %s",
				model.ErrOutageUnresolved, s.cfg.MaxOutageAttempts, failedAt.Format(time.RFC3339))
		}
		if err := s.clk.Sleep(ctx, s.cfg.RetryDelay); err != nil {
			// Shutting down mid-outage: nothing to resume.
			return time.Time{}, nil
		}
		now := s.clk.Now()
		snap, err := s.poll(ctx, now)
		if err != nil {
			return time.Time{}, err
		}
		if snap.Valid {
			recoveredAt = now
			break
		}
		log.Printf("[scheduler] outage attempt %d: still no price", attempt)
	}

	boundary := model.AlignUp(recoveredAt, s.cfg.Interval)
	window := model.GapWindow{Source: model.AllSources, Start: start, End: boundary}
	slog.Info("outage recovered", "symbol", s.cfg.Symbol, "recovered_at", recoveredAt, "window_start", window.Start, "window_end", window.End)

	var report reconcile.Report
	var err error
	if s.reconciler != nil {
		report, err = s.reconciler.Reconcile(context.WithoutCancel(ctx), window)
		if errors.Is(err, model.ErrInvalidSymbol) {
			return time.Time{}, err
		}
		if err != nil {
			slog.Error("outage reconcile failed", "symbol", s.cfg.Symbol, "error", err)
		}
	}
	if s.OnRecovered != nil {
		s.OnRecovered(window, report, err)
	}
	return boundary, nil
}

// poll queries every source in parallel. Per-source failures are isolated;
// only ErrInvalidSymbol is returned.
func (s *Scheduler) poll(ctx context.Context, ts time.Time) (model.Snapshot, error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Interval)
	defer cancel()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		prices   = make(map[string]float64, len(s.sources))
		fatalErr error
	)
	for _, src := range s.sources {
		wg.Add(1)
		go func(src model.PriceSource) {
			defer wg.Done()
			price, err := src.CurrentPrice(pctx, s.cfg.Symbol)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				prices[src.Name()] = price
			case errors.Is(err, model.ErrInvalidSymbol):
				fatalErr = err
			default:
				if s.OnSourceError != nil {
					s.OnSourceError(src.Name(), err)
				}
				slog.Debug("source poll failed", "source", src.Name(), "error", err)
			}
		}(src)
	}
	wg.Wait()

	if fatalErr != nil {
		return model.Snapshot{}, fatalErr
	}
	avg, ok := s.cfg.Weights.WeightedAverage(prices)
	return model.Snapshot{
		Symbol:  s.cfg.Symbol,
		TS:      ts,
		Prices:  prices,
		Average: avg,
		Valid:   ok,
		Origin:  model.OriginLive,
	}, nil
}

// record persists, publishes and tracks a valid snapshot.
func (s *Scheduler) record(ctx context.Context, snap model.Snapshot) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Interval)
	defer cancel()

	s.lastSuccess = snap.TS
	s.lastKnown.Observe(snap.Symbol, model.PricePoint{TS: snap.TS, Value: snap.Average})

	err := s.store.AppendSnapshot(wctx, snap)
	if err != nil {
		err = s.store.AppendSnapshot(wctx, snap)
	}
	if err != nil {
		slog.Error("snapshot persist failed", "symbol", snap.Symbol, "ts", snap.TS, "error", err)
		if s.OnPersistError != nil {
			s.OnPersistError(err)
		}
	}

	if s.publisher != nil {
		if err := s.publisher.PublishSnapshot(wctx, snap); err != nil {
			log.Printf("[scheduler] publish %s: %v", snap.TS.Format(time.RFC3339), err)
		}
	}

	slog.Debug("snapshot", "symbol", snap.Symbol, "ts", snap.TS, "average", snap.Average, "sources", len(snap.Prices))
	if s.OnSnapshot != nil {
		s.OnSnapshot(snap)
	}
}
