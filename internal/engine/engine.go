// Package engine wires the price reconciliation pipeline: one stream worker
// per live source feeding the ingestion layer, the polling scheduler with
// outage detection, gap-fill reconciliation on reconnects and recoveries, and
// the periodic time-grid merge.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"crypto-priceengine/config"
	"crypto-priceengine/internal/clock"
	"crypto-priceengine/internal/marketdata/agg"
	"crypto-priceengine/internal/marketdata/bus"
	"crypto-priceengine/internal/marketdata/ingest"
	"crypto-priceengine/internal/marketdata/reconcile"
	"crypto-priceengine/internal/marketdata/scheduler"
	"crypto-priceengine/internal/marketdata/stream"
	"crypto-priceengine/internal/metrics"
	"crypto-priceengine/internal/model"
	"crypto-priceengine/internal/notification"
)

const (
	tickBuffer   = 10000
	alertTimeout = 10 * time.Second
)

// Storage is everything the engine persists.
type Storage interface {
	model.TickLog
	model.SnapshotStore
	model.HistoricalStore
	model.CanonicalStore
}

// Deps are the engine's collaborators. Store and Sources are required.
type Deps struct {
	Store     Storage
	Sources   []model.PriceSource
	Publisher model.SnapshotPublisher
	Notifier  notification.Notifier
	Metrics   *metrics.Metrics
	Health    *metrics.HealthStatus
	Clock     clock.Clock
}

// Engine runs the pipeline for one symbol.
type Engine struct {
	cfg  *config.Config
	deps Deps

	tickCh     chan model.Tick
	ingestor   *ingest.Ingestor
	lastKnown  *reconcile.LastKnown
	reconciler *reconcile.Reconciler
	startedAt  time.Time
}

// New builds an engine from validated configuration.
func New(cfg *config.Config, deps Deps) *Engine {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notification.NewLogNotifier()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics(prometheus.NewRegistry())
	}
	if deps.Health == nil {
		deps.Health = metrics.NewHealthStatus()
	}

	e := &Engine{
		cfg:       cfg,
		deps:      deps,
		tickCh:    make(chan model.Tick, tickBuffer),
		lastKnown: reconcile.NewLastKnown(),
		startedAt: deps.Clock.Now(),
	}
	prom := deps.Metrics

	e.ingestor = ingest.New(ingest.Config{Symbol: cfg.Symbol, Capacity: cfg.DedupCapacity}, deps.Store, e.tickCh)
	e.ingestor.OnAccepted = func(t model.Tick) { prom.TicksAccepted.WithLabelValues(t.Source).Inc() }
	e.ingestor.OnDuplicate = func(source string) { prom.TicksDuplicate.WithLabelValues(source).Inc() }
	e.ingestor.OnDropped = func(source string) { prom.TicksDropped.WithLabelValues(source).Inc() }

	e.reconciler = reconcile.New(reconcile.Config{
		Symbol:    cfg.Symbol,
		Interval:  cfg.Interval,
		Threshold: cfg.OutlierThreshold,
		Weights:   cfg.Weights(),
	}, deps.Sources, e.ingestor, deps.Store, deps.Store, e.lastKnown)
	e.reconciler.OnOutlier = func(ev model.OutlierEvent) {
		prom.OutliersClamped.Inc()
		e.alert(notification.OutlierClamped(ev))
	}
	e.reconciler.OnReport = func(r reconcile.Report) {
		scope := "source"
		if r.Window.IsTotal() {
			scope = "all"
		}
		prom.Reconciliations.WithLabelValues(scope).Inc()
		prom.BackfilledPoints.Add(float64(r.Backfilled))
		prom.FallbackPoints.Add(float64(r.Fallbacks))
		prom.UnfilledPoints.Add(float64(r.Unfilled))
	}
	return e
}

// Reconcile backfills one gap window and reports the result.
func (e *Engine) Reconcile(ctx context.Context, window model.GapWindow) (reconcile.Report, error) {
	report, err := e.reconciler.Reconcile(ctx, window)
	if errors.Is(err, model.ErrPersistence) {
		e.deps.Metrics.PersistErrors.Inc()
	}
	if err == nil && report.TraceID == "" {
		return report, nil // empty window
	}
	e.alert(notification.Reconciled(e.cfg.Symbol, report, err))
	return report, err
}

// Merge re-derives the canonical series from ticks recorded in [start, end].
func (e *Engine) Merge(ctx context.Context, start, end time.Time) ([]model.Snapshot, error) {
	return e.newAggregator(start).MergeRange(ctx, start, end)
}

func (e *Engine) newAggregator(since time.Time) *agg.Aggregator {
	a := agg.New(agg.Config{
		Symbol:   e.cfg.Symbol,
		Interval: e.cfg.MergeInterval,
		Every:    e.cfg.MergeEvery,
		Weights:  e.cfg.Weights(),
		Since:    since,
	}, e.deps.Store, e.deps.Store, e.deps.Publisher, e.deps.Clock)
	a.OnMerge = func(rows int, took time.Duration) {
		e.deps.Metrics.MergeRows.Add(float64(rows))
		e.deps.Metrics.MergeDur.Observe(took.Seconds())
	}
	return a
}

// Run starts live mode and blocks until ctx is cancelled or a component fails
// permanently. On shutdown the scheduler finishes its iteration and a final
// merge runs over every recorded tick.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	prom, health := e.deps.Metrics, e.deps.Health

	fanout := bus.New(tickBuffer)
	fanout.OnDrop = func(subscriber string) { prom.FanoutDropsTotal.WithLabelValues(subscriber).Inc() }
	aggIn := fanout.Subscribe("agg")
	spawn(func() { fanout.Run(ctx, e.tickCh) })

	aggregator := e.newAggregator(e.startedAt)
	spawn(func() { aggregator.Run(ctx, aggIn) })

	// Live streams
	events := make(chan stream.Event, 64)
	gaps := make(chan model.GapWindow, 64)
	workers := 0
	for _, src := range e.deps.Sources {
		feed, ok := src.(stream.Feed)
		if !ok || e.cfg.Sources[src.Name()].WSURL == "" {
			continue
		}
		name := src.Name()
		w := stream.NewWorker(stream.Config{
			Source:         name,
			Symbol:         e.cfg.Symbol,
			ReconnectDelay: e.cfg.ReconnectDelay,
			ReadTimeout:    e.cfg.ReadTimeout,
		}, feed, e.ingestor, e.deps.Clock, events)
		w.OnReconnect = func() { prom.WSReconnects.WithLabelValues(name).Inc() }
		w.OnParseError = func() { prom.StreamParseErrs.WithLabelValues(name).Inc() }
		health.SetSourceConnected(name, false)
		workers++
		spawn(func() {
			if err := w.Run(ctx); err != nil {
				fail(err)
			}
		})
	}
	spawn(func() { e.dispatchEvents(ctx, events, gaps) })
	spawn(func() { e.reconcileGaps(ctx, gaps) })

	// Scheduler
	sched := scheduler.New(scheduler.Config{
		Symbol:            e.cfg.Symbol,
		Interval:          e.cfg.Interval,
		Weights:           e.cfg.Weights(),
		RetryDelay:        e.cfg.OutageRetryDelay,
		MaxOutageAttempts: e.cfg.OutageMaxAttempts,
	}, e.deps.Sources, e.deps.Store, e.deps.Publisher, e, e.lastKnown, e.deps.Clock)
	sched.OnSnapshot = func(s model.Snapshot) {
		prom.SnapshotsTotal.Inc()
		prom.SnapshotPrice.Set(s.Average)
		health.SetLastSnapshot(s.TS)
	}
	sched.OnSourceError = func(source string, _ error) { prom.PollErrors.WithLabelValues(source).Inc() }
	sched.OnPersistError = func(error) { prom.PersistErrors.Inc() }
	sched.OnOutageStart = func(at time.Time) {
		prom.Outages.Inc()
		prom.InOutage.Set(1)
		health.SetInOutage(true)
		e.alert(notification.OutageStarted(e.cfg.Symbol, at))
	}
	sched.OnRecovered = func(model.GapWindow, reconcile.Report, error) {
		prom.InOutage.Set(0)
		health.SetInOutage(false)
	}
	spawn(func() {
		if err := sched.Run(ctx); err != nil {
			fail(err)
			return
		}
		cancel()
	})

	slog.Info("engine running", "symbol", e.cfg.Symbol, "sources", len(e.deps.Sources),
		"streams", workers, "interval", e.cfg.Interval)

	wg.Wait()
	slog.Info("engine stopped", "symbol", e.cfg.Symbol)
	return firstErr
}

// dispatchEvents records connection transitions and queues gap windows.
func (e *Engine) dispatchEvents(ctx context.Context, events <-chan stream.Event, gaps chan<- model.GapWindow) {
	defer close(gaps)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if gap := e.handleEvent(ev); gap != nil {
				select {
				case gaps <- *gap:
				default:
					log.Printf("[engine] gap queue full, dropping %s window %s..%s",
						gap.Source, gap.Start.Format(time.RFC3339), gap.End.Format(time.RFC3339))
				}
			}
		}
	}
}

func (e *Engine) handleEvent(ev stream.Event) *model.GapWindow {
	connected := ev.Kind == stream.EventConnected
	e.deps.Health.SetSourceConnected(ev.Source, connected)
	if connected {
		e.deps.Metrics.SourceConnected.WithLabelValues(ev.Source).Set(1)
	} else {
		e.deps.Metrics.SourceConnected.WithLabelValues(ev.Source).Set(0)
		slog.Warn("source disconnected", "source", ev.Source, "at", ev.At, "error", fmt.Sprint(ev.Err))
	}
	if connected && ev.Gap != nil && !ev.Gap.Empty() {
		slog.Info("source reconnected, scheduling backfill", "source", ev.Source,
			"start", ev.Gap.Start, "end", ev.Gap.End)
		return ev.Gap
	}
	return nil
}

// reconcileGaps runs queued single-source backfills one at a time.
func (e *Engine) reconcileGaps(ctx context.Context, gaps <-chan model.GapWindow) {
	for gap := range gaps {
		if _, err := e.Reconcile(context.WithoutCancel(ctx), gap); err != nil {
			slog.Error("gap reconcile failed", "source", gap.Source, "error", err)
		}
	}
}

func (e *Engine) alert(a notification.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()
	if err := e.deps.Notifier.Send(ctx, a); err != nil {
		log.Printf("[engine] alert %q not delivered: %v", a.Title, err)
	}
}
