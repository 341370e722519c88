package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-priceengine/internal/marketdata/ingest"
	"crypto-priceengine/internal/model"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	name   string
	trades []model.Trade
	err    error
	calls  int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) CurrentPrice(context.Context, string) (float64, error) {
	return 0, model.ErrNoData
}

func (f *fakeSource) HistoricalTrades(_ context.Context, _ string, start, end time.Time) ([]model.Trade, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []model.Trade
	for _, tr := range f.trades {
		if !tr.TS.Before(start) && !tr.TS.After(end) {
			out = append(out, tr)
		}
	}
	return out, nil
}

// memStore implements SnapshotStore and HistoricalStore in memory.
type memStore struct {
	mu     sync.Mutex
	points map[int64]model.Snapshot
	hist   []model.HistoricalPrice
	fail   int
}

func newMemStore() *memStore { return &memStore{points: make(map[int64]model.Snapshot)} }

func (m *memStore) AppendSnapshot(_ context.Context, s model.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail > 0 {
		m.fail--
		return fmt.Errorf("database is locked: %w", model.ErrPersistence)
	}
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

func (m *memStore) AppendHistorical(_ context.Context, prices []model.HistoricalPrice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hist = append(m.hist, prices...)
	return nil
}

func (m *memStore) QueryHistoricalRange(context.Context, string, string, time.Time, time.Time) ([]model.HistoricalPrice, error) {
	return nil, nil
}

func (m *memStore) at(off time.Duration) (model.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.points[t0.Add(off).UnixMilli()]
	return s, ok
}

type memLog struct {
	mu    sync.Mutex
	ticks []model.Tick
}

func (l *memLog) AppendTick(_ context.Context, t model.Tick) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ticks = append(l.ticks, t)
	return nil
}

func (l *memLog) ReadTicks(context.Context, string, time.Time, time.Time) (map[string][]model.Tick, error) {
	return nil, nil
}

func trade(id string, off time.Duration, price float64) model.Trade {
	return model.Trade{ID: id, TS: t0.Add(off), Price: price}
}

func newReconciler(store *memStore, lk *LastKnown, srcs ...model.PriceSource) (*Reconciler, *memLog) {
	tl := &memLog{}
	in := ingest.New(ingest.Config{Symbol: "ETHUSDT"}, tl, nil)
	cfg := Config{
		Symbol:    "ETHUSDT",
		Interval:  5 * time.Second,
		Threshold: 50,
		Weights:   model.Weights{"a": 0.6, "b": 0.4},
	}
	return New(cfg, srcs, in, store, store, lk), tl
}

func TestReconcile_FillsEveryMissingGridPoint(t *testing.T) {
	a := &fakeSource{name: "a", trades: []model.Trade{
		trade("a1", 0, 100), trade("a2", 5*time.Second, 102), trade("a3", 10*time.Second, 104),
		trade("a4", 15*time.Second, 106), trade("a5", 20*time.Second, 108),
	}}
	b := &fakeSource{name: "b", trades: []model.Trade{
		trade("b1", 1*time.Second, 100), trade("b2", 19*time.Second, 108),
	}}
	store := newMemStore()
	require.NoError(t, store.AppendSnapshot(context.Background(), model.Snapshot{TS: t0.Add(10 * time.Second), Average: 104, Valid: true, Origin: model.OriginLive}))

	r, tl := newReconciler(store, nil, a, b)
	rep, err := r.Reconcile(context.Background(), model.GapWindow{Source: model.AllSources, Start: t0, End: t0.Add(25 * time.Second)})
	require.NoError(t, err)

	assert.Equal(t, 5, rep.Fetched["a"])
	assert.Equal(t, 2, rep.Fetched["b"])
	assert.Equal(t, 7, rep.Ingested)
	assert.Len(t, tl.ticks, 7)
	assert.Equal(t, 1, rep.Existing)
	assert.Equal(t, 4, rep.Backfilled)
	assert.Zero(t, rep.Unfilled)
	assert.NotEmpty(t, rep.TraceID)

	for _, off := range []time.Duration{0, 5, 10, 15, 20} {
		_, ok := store.at(off * time.Second)
		assert.True(t, ok, "grid point +%ds missing", off)
	}

	// b's closest sample to +5s is the one at +1s.
	s, _ := store.at(5 * time.Second)
	assert.InDelta(t, 0.6*102+0.4*100, s.Average, 1e-9)
	assert.Equal(t, model.OriginBackfill, s.Origin)

	existing, _ := store.at(10 * time.Second)
	assert.Equal(t, model.OriginLive, existing.Origin, "persisted point must not be overwritten")

	s, _ = store.at(20 * time.Second)
	assert.InDelta(t, 108, s.Average, 1e-9)
	assert.Len(t, store.hist, 7)

	lkv, ok := r.LastKnown().Get("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, t0.Add(20*time.Second), lkv.TS)
}

func TestReconcile_IdempotentReplay(t *testing.T) {
	a := &fakeSource{name: "a", trades: []model.Trade{trade("a1", 0, 100), trade("a2", 5*time.Second, 101)}}
	store := newMemStore()
	r, tl := newReconciler(store, nil, a)
	window := model.GapWindow{Source: "a", Start: t0, End: t0.Add(10 * time.Second)}

	_, err := r.Reconcile(context.Background(), window)
	require.NoError(t, err)
	rep, err := r.Reconcile(context.Background(), window)
	require.NoError(t, err)

	assert.Zero(t, rep.Ingested, "second replay is fully deduplicated")
	assert.Equal(t, 2, rep.Existing)
	assert.Zero(t, rep.Filled())
	assert.Len(t, tl.ticks, 2)
}

func TestReconcile_OutlierClamped(t *testing.T) {
	a := &fakeSource{name: "a", trades: []model.Trade{trade("a1", 0, 200)}}
	store := newMemStore()
	require.NoError(t, store.AppendSnapshot(context.Background(), model.Snapshot{TS: t0.Add(-5 * time.Second), Average: 100, Valid: true}))

	r, _ := newReconciler(store, nil, a)
	var events []model.OutlierEvent
	r.OnOutlier = func(ev model.OutlierEvent) { events = append(events, ev) }

	rep, err := r.Reconcile(context.Background(), model.GapWindow{Source: model.AllSources, Start: t0, End: t0.Add(5 * time.Second)})
	require.NoError(t, err)

	require.Len(t, rep.Outliers, 1)
	require.Len(t, events, 1)
	assert.Equal(t, 200.0, events[0].Rejected)
	assert.Equal(t, 100.0, events[0].Substituted)
	assert.Equal(t, 50.0, events[0].Threshold)

	s, ok := store.at(0)
	require.True(t, ok)
	assert.Equal(t, 100.0, s.Average)
	assert.Equal(t, model.OriginFallback, s.Origin)
}

func TestReconcile_WithinThresholdKept(t *testing.T) {
	a := &fakeSource{name: "a", trades: []model.Trade{trade("a1", 0, 149)}}
	store := newMemStore()
	require.NoError(t, store.AppendSnapshot(context.Background(), model.Snapshot{TS: t0.Add(-5 * time.Second), Average: 100, Valid: true}))

	r, _ := newReconciler(store, nil, a)
	rep, err := r.Reconcile(context.Background(), model.GapWindow{Source: "a", Start: t0, End: t0.Add(time.Second)})
	require.NoError(t, err)
	assert.Empty(t, rep.Outliers)
	s, _ := store.at(0)
	assert.Equal(t, 149.0, s.Average)
}

func TestReconcile_FallbackAndUnfilled(t *testing.T) {
	a := &fakeSource{name: "a", err: fmt.Errorf("timeout: %w", model.ErrTransport)}
	window := model.GapWindow{Source: model.AllSources, Start: t0, End: t0.Add(15 * time.Second)}

	t.Run("no last known value", func(t *testing.T) {
		store := newMemStore()
		r, _ := newReconciler(store, nil, a)
		rep, err := r.Reconcile(context.Background(), window)
		require.NoError(t, err)
		assert.Equal(t, 3, rep.Unfilled)
		assert.Zero(t, rep.Filled())
	})

	t.Run("tracker seeds the fallback", func(t *testing.T) {
		store := newMemStore()
		lk := NewLastKnown()
		lk.Observe("ETHUSDT", model.PricePoint{TS: t0.Add(-5 * time.Second), Value: 48})
		r, _ := newReconciler(store, lk, a)
		rep, err := r.Reconcile(context.Background(), window)
		require.NoError(t, err)
		assert.Equal(t, 3, rep.Fallbacks)
		for _, off := range []time.Duration{0, 5, 10} {
			s, ok := store.at(off * time.Second)
			require.True(t, ok)
			assert.Equal(t, 48.0, s.Average)
			assert.Equal(t, model.OriginFallback, s.Origin)
		}
	})
}

func TestReconcile_PersistRetry(t *testing.T) {
	a := &fakeSource{name: "a", trades: []model.Trade{trade("a1", 0, 100)}}
	window := model.GapWindow{Source: "a", Start: t0, End: t0.Add(time.Second)}

	store := newMemStore()
	store.fail = 1
	r, _ := newReconciler(store, nil, a)
	_, err := r.Reconcile(context.Background(), window)
	require.NoError(t, err)
	_, ok := store.at(0)
	assert.True(t, ok)

	store = newMemStore()
	store.fail = 2
	r, _ = newReconciler(store, nil, a)
	_, err = r.Reconcile(context.Background(), window)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrPersistence))
}

func TestReconcile_Errors(t *testing.T) {
	store := newMemStore()
	bad := &fakeSource{name: "a", err: fmt.Errorf("ETHXYZ: %w", model.ErrInvalidSymbol)}
	r, _ := newReconciler(store, nil, bad)

	_, err := r.Reconcile(context.Background(), model.GapWindow{Source: "kraken", Start: t0, End: t0.Add(time.Minute)})
	assert.ErrorIs(t, err, model.ErrUnknownSource)

	_, err = r.Reconcile(context.Background(), model.GapWindow{Source: "a", Start: t0, End: t0.Add(time.Minute)})
	assert.ErrorIs(t, err, model.ErrInvalidSymbol)

	rep, err := r.Reconcile(context.Background(), model.GapWindow{Source: "a", Start: t0, End: t0})
	require.NoError(t, err)
	assert.Equal(t, 1, bad.calls, "empty window must not fetch")
	assert.Empty(t, rep.TraceID)
}

func TestClosestPerSource(t *testing.T) {
	samples := map[string][]model.Trade{
		"a": {trade("1", 0, 1), trade("2", 4*time.Second, 2)},
		"b": {trade("3", 10*time.Second, 3)},
		"c": nil,
	}
	got := closestPerSource(samples, t0.Add(2*time.Second))
	assert.Equal(t, map[string]float64{"a": 1, "b": 3}, got, "tie resolves to the earlier sample")

	got = closestPerSource(samples, t0.Add(3*time.Second))
	assert.Equal(t, 2.0, got["a"])
}

func TestLastKnown_IgnoresOlder(t *testing.T) {
	lk := NewLastKnown()
	_, ok := lk.Get("ETHUSDT")
	assert.False(t, ok)

	lk.Observe("ETHUSDT", model.PricePoint{TS: t0, Value: 10})
	lk.Observe("ETHUSDT", model.PricePoint{TS: t0.Add(-time.Second), Value: 9})
	p, _ := lk.Get("ETHUSDT")
	assert.Equal(t, 10.0, p.Value)

	lk.Observe("ETHUSDT", model.PricePoint{TS: t0.Add(time.Second), Value: 11})
	p, _ = lk.Get("ETHUSDT")
	assert.Equal(t, 11.0, p.Value)
}
