package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-priceengine/internal/clock"
	"crypto-priceengine/internal/marketdata/reconcile"
	"crypto-priceengine/internal/model"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// scriptedSource answers CurrentPrice from a function of the clock.
type scriptedSource struct {
	name  string
	clk   clock.Clock
	price func(now time.Time) (float64, error)
}

func (s *scriptedSource) Name() string { return s.name }

func (s *scriptedSource) CurrentPrice(context.Context, string) (float64, error) {
	return s.price(s.clk.Now())
}

func (s *scriptedSource) HistoricalTrades(context.Context, string, time.Time, time.Time) ([]model.Trade, error) {
	return nil, nil
}

type memStore struct {
	mu     sync.Mutex
	points map[int64]model.Snapshot
}

func newMemStore() *memStore { return &memStore{points: make(map[int64]model.Snapshot)} }

func (m *memStore) AppendSnapshot(_ context.Context, s model.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.points[s.TS.UnixMilli()]; !ok {
		m.points[s.TS.UnixMilli()] = s
	}
	return nil
}

func (m *memStore) QueryRange(_ context.Context, _ string, start, end time.Time) ([]model.PricePoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PricePoint
	for _, s := range m.points {
		if !s.TS.Before(start) && s.TS.Before(end) {
			out = append(out, model.PricePoint{TS: s.TS, Value: s.Average})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	return out, nil
}

func (m *memStore) LastBefore(_ context.Context, _ string, t time.Time) (model.PricePoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best model.PricePoint
	found := false
	for _, s := range m.points {
		if s.TS.Before(t) && (!found || s.TS.After(best.TS)) {
			best, found = model.PricePoint{TS: s.TS, Value: s.Average}, true
		}
	}
	return best, found, nil
}

func (m *memStore) get(ts time.Time) (model.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.points[ts.UnixMilli()]
	return s, ok
}

type nopIngester struct{}

func (nopIngester) Ingest(_ context.Context, _ string, tr model.Trade) (model.Tick, bool, error) {
	return model.Tick{TradeID: tr.ID, Price: tr.Price, TS: tr.TS}, true, nil
}

func testConfig() Config {
	return Config{
		Symbol:     "ETHUSDT",
		Interval:   5 * time.Second,
		RetryDelay: time.Second,
		Weights:    model.Weights{"a": 0.6, "b": 0.4},
	}
}

func newReconciler(cfg Config, srcs []model.PriceSource, store *memStore, lk *reconcile.LastKnown) *reconcile.Reconciler {
	return reconcile.New(reconcile.Config{
		Symbol:    cfg.Symbol,
		Interval:  cfg.Interval,
		Threshold: 50,
		Weights:   cfg.Weights,
	}, srcs, nopIngester{}, store, nil, lk)
}

func TestScheduler_TotalOutageBackfillsWindow(t *testing.T) {
	clk := clock.NewManual(base.Add(-5 * time.Second))
	price := func(now time.Time) (float64, error) {
		switch {
		case now.Before(base):
			return 48, nil
		case now.Before(base.Add(13 * time.Second)):
			return 0, fmt.Errorf("dial tcp: %w", model.ErrTransport)
		default:
			return 50, nil
		}
	}
	srcs := []model.PriceSource{
		&scriptedSource{name: "a", clk: clk, price: price},
		&scriptedSource{name: "b", clk: clk, price: price},
	}
	store := newMemStore()
	lk := reconcile.NewLastKnown()
	cfg := testConfig()
	s := New(cfg, srcs, store, nil, newReconciler(cfg, srcs, store, lk), lk, clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		outageAt  time.Time
		window    model.GapWindow
		report    reconcile.Report
		recovered bool
	)
	s.OnOutageStart = func(at time.Time) { outageAt = at }
	s.OnRecovered = func(w model.GapWindow, r reconcile.Report, err error) {
		require.NoError(t, err)
		window, report, recovered = w, r, true
	}
	s.OnSnapshot = func(snap model.Snapshot) {
		if !snap.TS.Before(base.Add(15 * time.Second)) {
			cancel()
		}
	}

	require.NoError(t, s.Run(ctx))

	require.True(t, recovered)
	assert.Equal(t, base, outageAt)
	assert.Equal(t, model.GapWindow{Source: model.AllSources, Start: base.Add(-5 * time.Second), End: base.Add(15 * time.Second)}, window)
	assert.Equal(t, 3, report.Fallbacks)
	assert.Equal(t, 1, report.Existing)

	for _, off := range []time.Duration{-5, 0, 5, 10} {
		snap, ok := store.get(base.Add(off * time.Second))
		require.True(t, ok, "grid point %ds missing", off)
		assert.Equal(t, 48.0, snap.Average)
	}
	snap, ok := store.get(base.Add(15 * time.Second))
	require.True(t, ok)
	assert.Equal(t, 50.0, snap.Average)
	assert.Equal(t, model.OriginLive, snap.Origin)

	p, ok := lk.Get("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, 50.0, p.Value)
}

func TestScheduler_PartialFailureIsNotOutage(t *testing.T) {
	clk := clock.NewManual(base.Add(-2 * time.Second))
	srcs := []model.PriceSource{
		&scriptedSource{name: "a", clk: clk, price: func(time.Time) (float64, error) { return 0, model.ErrNoData }},
		&scriptedSource{name: "b", clk: clk, price: func(time.Time) (float64, error) { return 100, nil }},
	}
	store := newMemStore()
	s := New(testConfig(), srcs, store, nil, nil, nil, clk)

	var failed []string
	s.OnSourceError = func(source string, _ error) { failed = append(failed, source) }
	s.OnOutageStart = func(time.Time) { t.Fatal("partial failure must not start an outage") }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var snaps []model.Snapshot
	s.OnSnapshot = func(snap model.Snapshot) {
		snaps = append(snaps, snap)
		if len(snaps) == 2 {
			cancel()
		}
	}
	require.NoError(t, s.Run(ctx))

	require.Len(t, snaps, 2)
	assert.Equal(t, base, snaps[0].TS, "snapshot carries the scheduled timestamp")
	assert.Equal(t, base.Add(5*time.Second), snaps[1].TS)
	assert.Equal(t, 100.0, snaps[0].Average)
	assert.Equal(t, map[string]float64{"b": 100}, snaps[0].Prices)
	assert.Equal(t, []string{"a", "a"}, failed)
}

func TestScheduler_OutageAttemptsExhausted(t *testing.T) {
	clk := clock.NewManual(base)
	down := func(time.Time) (float64, error) { return 0, model.ErrTransport }
	srcs := []model.PriceSource{&scriptedSource{name: "a", clk: clk, price: down}}
	cfg := testConfig()
	cfg.MaxOutageAttempts = 3

	s := New(cfg, srcs, newMemStore(), nil, nil, nil, clk)
	err := s.Run(context.Background())
	require.ErrorIs(t, err, model.ErrOutageUnresolved)
	assert.Equal(t, base.Add(3*time.Second), clk.Now())
}

func TestScheduler_InvalidSymbolTerminates(t *testing.T) {
	clk := clock.NewManual(base)
	srcs := []model.PriceSource{
		&scriptedSource{name: "a", clk: clk, price: func(time.Time) (float64, error) {
			return 0, fmt.Errorf("ETHXYZ: %w", model.ErrInvalidSymbol)
		}},
	}
	s := New(testConfig(), srcs, newMemStore(), nil, nil, nil, clk)
	err := s.Run(context.Background())
	assert.ErrorIs(t, err, model.ErrInvalidSymbol)
}

func TestScheduler_CancelDuringOutageStops(t *testing.T) {
	clk := clock.NewManual(base)
	srcs := []model.PriceSource{&scriptedSource{name: "a", clk: clk, price: func(time.Time) (float64, error) {
		return 0, model.ErrNoData
	}}}
	s := New(testConfig(), srcs, newMemStore(), nil, nil, nil, clk)

	ctx, cancel := context.WithCancel(context.Background())
	clk.OnSleep = func(now time.Time) {
		if now.Sub(base) >= 4*time.Second {
			cancel()
		}
	}
	assert.NoError(t, s.Run(ctx))
}
