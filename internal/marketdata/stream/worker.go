// Package stream runs one live connection per source. Each Worker owns its
// source's connection state, feeds inbound trades through the ingestion
// layer and reports Connected/Disconnected transitions as events; a
// reconnect after a disconnect carries the gap window to backfill.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"crypto-priceengine/internal/clock"
	"crypto-priceengine/internal/model"
)

const (
	// DefaultReconnectDelay is the fixed backoff between connection attempts.
	DefaultReconnectDelay = 5 * time.Second

	pingWriteWait = 10 * time.Second
)

// Feed adapts one exchange's push interface.
type Feed interface {
	// StreamURL returns the websocket endpoint for symbol.
	StreamURL(symbol string) (string, error)

	// SubscribeMessage returns the frame to send after connecting, or nil.
	SubscribeMessage(symbol string) ([]byte, error)

	// ParseStream decodes one frame into zero or more trades.
	// Frames that carry no trade (acks, heartbeats) return nil, nil.
	ParseStream(raw []byte) ([]model.Trade, error)
}

// Ingester accepts normalized trades. Implemented by ingest.Ingestor.
type Ingester interface {
	Ingest(ctx context.Context, source string, tr model.Trade) (model.Tick, bool, error)
}

// Config holds configuration for one source worker.
type Config struct {
	Source string
	Symbol string

	// ReconnectDelay is the fixed delay between connection attempts.
	// Defaults to DefaultReconnectDelay if zero.
	ReconnectDelay time.Duration

	// ReadTimeout treats a connection that delivers neither frames nor pongs
	// for this long as disconnected. Zero disables it.
	ReadTimeout time.Duration
}

// EventKind is a connection lifecycle transition.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
)

func (k EventKind) String() string {
	if k == EventConnected {
		return "connected"
	}
	return "disconnected"
}

// Event reports a lifecycle transition of one source.
type Event struct {
	Source string
	Kind   EventKind
	At     time.Time
	Err    error // cause of a disconnect

	// Gap is set on a reconnect that follows a recorded disconnect.
	Gap *model.GapWindow
}

// sourceState is owned exclusively by the worker goroutine.
type sourceState struct {
	connected        bool
	lastDisconnectAt time.Time
	lastReconnectAt  time.Time
	gapOpen          bool
}

// Worker maintains the live connection for one source.
type Worker struct {
	cfg      Config
	feed     Feed
	ingester Ingester
	clock    clock.Clock
	events   chan<- Event
	dialer   *websocket.Dialer

	state sourceState

	// Optional hooks
	OnReconnect  func()
	OnParseError func()
}

// NewWorker creates a worker. events receives lifecycle transitions and must
// be drained by the caller.
func NewWorker(cfg Config, feed Feed, ingester Ingester, clk clock.Clock, events chan<- Event) *Worker {
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Worker{
		cfg:      cfg,
		feed:     feed,
		ingester: ingester,
		clock:    clk,
		events:   events,
		dialer:   websocket.DefaultDialer,
	}
}

// Run connects and streams trades until ctx is cancelled, reconnecting after
// every error or close with the fixed delay. Returns an error only when the
// feed cannot serve the symbol.
func (w *Worker) Run(ctx context.Context) error {
	url, err := w.feed.StreamURL(w.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("stream %s: %w", w.cfg.Source, err)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := w.runOnce(ctx, url)
		if ctx.Err() != nil {
			return nil
		}

		w.markDisconnected(ctx, err)
		log.Printf("[stream] %s disconnected (%v), reconnecting in %s...", w.cfg.Source, err, w.cfg.ReconnectDelay)
		if w.OnReconnect != nil {
			w.OnReconnect()
		}

		if err := w.clock.Sleep(ctx, w.cfg.ReconnectDelay); err != nil {
			return nil
		}
	}
}

// runOnce makes a single connection attempt and reads until disconnect or ctx cancel.
func (w *Worker) runOnce(ctx context.Context, url string) error {
	conn, _, err := w.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub, err := w.feed.SubscribeMessage(w.cfg.Symbol)
	if err != nil {
		return err
	}
	if sub != nil {
		if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	log.Printf("[stream] %s connected to %s", w.cfg.Source, url)
	w.markConnected(ctx)

	// Pings at half the read timeout; every pong or frame pushes the deadline out.
	var pings <-chan time.Time
	if w.cfg.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
		})
		ticker := time.NewTicker(w.cfg.ReadTimeout / 2)
		defer ticker.Stop()
		pings = ticker.C
	}

	// Closes the connection when ctx is cancelled so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-ctx.Done():
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
				conn.Close()
				return
			case <-pings:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteWait)); err != nil {
					pings = nil // the read deadline will end the connection
				}
			case <-done:
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if w.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
		}

		trades, err := w.feed.ParseStream(raw)
		if err != nil {
			if w.OnParseError != nil {
				w.OnParseError()
			}
			log.Printf("[stream] %s parse error: %v (raw: %.200s)", w.cfg.Source, err, raw)
			continue
		}

		for _, tr := range trades {
			if _, _, err := w.ingester.Ingest(ctx, w.cfg.Source, tr); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				log.Printf("[stream] %s ingest error: %v", w.cfg.Source, err)
			}
		}
	}
}

func (w *Worker) markConnected(ctx context.Context) {
	now := w.clock.Now()
	w.state.connected = true
	w.state.lastReconnectAt = now

	ev := Event{Source: w.cfg.Source, Kind: EventConnected, At: now}
	if w.state.gapOpen {
		ev.Gap = &model.GapWindow{
			Source: w.cfg.Source,
			Start:  w.state.lastDisconnectAt,
			End:    w.state.lastReconnectAt,
		}
		w.state.gapOpen = false
	}
	w.emit(ctx, ev)
}

// markDisconnected records the first failure of a disconnected streak.
// Repeated dial failures keep the first disconnect time.
func (w *Worker) markDisconnected(ctx context.Context, cause error) {
	if w.state.gapOpen {
		return
	}
	now := w.clock.Now()
	wasConnected := w.state.connected
	w.state.connected = false
	w.state.lastDisconnectAt = now
	w.state.gapOpen = true

	if wasConnected {
		w.emit(ctx, Event{Source: w.cfg.Source, Kind: EventDisconnected, At: now, Err: cause})
	}
}

func (w *Worker) emit(ctx context.Context, ev Event) {
	if w.events == nil {
		return
	}
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}
