// Package ingest is the dedup and ingestion layer. Every trade, whether pushed
// by a live stream or replayed by a backfill, passes through Ingest so the
// dedup windows and the tick log stay consistent for both paths.
package ingest

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"crypto-priceengine/internal/model"
	"crypto-priceengine/internal/ringbuf"
)

// DefaultCapacity is the size of each per-source dedup window.
const DefaultCapacity = 10000

// Config configures the Ingestor.
type Config struct {
	Symbol string

	// Capacity bounds the per-source recent-id and recent-entry windows.
	// Defaults to DefaultCapacity.
	Capacity int
}

// dedupState is the per-source dedup window. Its mutex serializes live and
// backfill ingestion for the same source.
type dedupState struct {
	mu       sync.Mutex
	tradeIDs *ringbuf.Set[string]
	entries  *ringbuf.Set[model.EntryKey]
}

// Ingestor drops duplicate trades, appends unique ticks to the tick log and
// forwards them to out.
type Ingestor struct {
	cfg Config
	log model.TickLog
	out chan<- model.Tick

	mu     sync.Mutex
	states map[string]*dedupState

	// Metrics hooks (optional, set externally)
	OnAccepted  func(t model.Tick)
	OnDuplicate func(source string)
	OnDropped   func(source string) // out channel full
}

// New creates an Ingestor. out may be nil when nothing subscribes.
func New(cfg Config, log model.TickLog, out chan<- model.Tick) *Ingestor {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	return &Ingestor{
		cfg:    cfg,
		log:    log,
		out:    out,
		states: make(map[string]*dedupState),
	}
}

func (in *Ingestor) state(source string) *dedupState {
	in.mu.Lock()
	defer in.mu.Unlock()
	st, ok := in.states[source]
	if !ok {
		st = &dedupState{
			tradeIDs: ringbuf.New[string](in.cfg.Capacity),
			entries:  ringbuf.New[model.EntryKey](in.cfg.Capacity),
		}
		in.states[source] = st
	}
	return st
}

// Ingest normalizes one trade from source. It returns the accepted tick and
// true, or false when the trade is a duplicate of one in the recent window.
// The tick is appended to the log before it is forwarded; if the append
// fails the dedup windows are left untouched so a replay can succeed.
func (in *Ingestor) Ingest(ctx context.Context, source string, tr model.Trade) (model.Tick, bool, error) {
	if source == "" {
		return model.Tick{}, false, fmt.Errorf("ingest: empty source")
	}
	if tr.TS.IsZero() || math.IsNaN(tr.Price) || math.IsInf(tr.Price, 0) || tr.Price <= 0 {
		return model.Tick{}, false, fmt.Errorf("ingest %s: malformed trade id=%q price=%v ts=%v", source, tr.ID, tr.Price, tr.TS)
	}

	tick := model.Tick{
		Symbol:  in.cfg.Symbol,
		Source:  source,
		TradeID: tr.ID,
		Price:   tr.Price,
		TS:      tr.TS.UTC().Truncate(time.Millisecond),
	}
	key := tick.EntryKey()

	st := in.state(source)
	st.mu.Lock()
	defer st.mu.Unlock()

	if (tick.TradeID != "" && st.tradeIDs.Contains(tick.TradeID)) || st.entries.Contains(key) {
		if in.OnDuplicate != nil {
			in.OnDuplicate(source)
		}
		return tick, false, nil
	}

	// Id-less events get a synthesized id; the entry key still dedups them.
	if tick.TradeID == "" {
		tick.TradeID = "syn-" + uuid.NewString()
	}

	if err := in.log.AppendTick(ctx, tick); err != nil {
		return tick, false, fmt.Errorf("ingest %s: %w", source, err)
	}

	st.tradeIDs.Add(tick.TradeID)
	st.entries.Add(key)

	if in.out != nil {
		select {
		case in.out <- tick:
		default:
			if in.OnDropped != nil {
				in.OnDropped(source)
			}
		}
	}
	if in.OnAccepted != nil {
		in.OnAccepted(tick)
	}
	return tick, true, nil
}

// WindowStats returns the current (ids, entries) window sizes for source.
func (in *Ingestor) WindowStats(source string) (int, int) {
	in.mu.Lock()
	st, ok := in.states[source]
	in.mu.Unlock()
	if !ok {
		return 0, 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.tradeIDs.Len(), st.entries.Len()
}
