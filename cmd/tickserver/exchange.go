package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	defaultAggLimit = 500
	maxAggLimit     = 1000
)

var (
	minPrice = decimal.New(1, -2) // 0.01
	hundred  = decimal.NewFromInt(100)
)

// tradeFrame is the Binance <symbol>@trade event.
type tradeFrame struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Qty       string `json:"q"`
	TradeTime int64  `json:"T"`
}

// aggTrade is one element of the /api/v3/aggTrades response.
type aggTrade struct {
	ID    int64  `json:"a"`
	Price string `json:"p"`
	Qty   string `json:"q"`
	Time  int64  `json:"T"`
}

type trade struct {
	ID    int64
	Price decimal.Decimal
	Qty   decimal.Decimal
	At    time.Time
}

// instrument holds per-symbol simulation state.
type instrument struct {
	Symbol  string
	Price   decimal.Decimal
	nextID  int64
	history []trade
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

type client struct {
	conn   *websocket.Conn
	symbol string
	ch     chan []byte
}

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]*client)}
}

func (h *hub) register(conn *websocket.Conn, symbol string) *client {
	c := &client{conn: conn, symbol: symbol, ch: make(chan []byte, 256)}
	h.mu.Lock()
	h.clients[conn] = c
	h.mu.Unlock()
	return c
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if c, ok := h.clients[conn]; ok {
		close(c.ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(symbol string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.symbol != symbol {
			continue
		}
		select {
		case c.ch <- msg:
		default: // slow client, drop trade
		}
	}
}

// dropAll closes every stream connection and returns how many were closed.
func (h *hub) dropAll() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.Close()
	}
	return len(h.clients)
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ─── Exchange ─────────────────────────────────────────────────────────────────

type exchange struct {
	mu          sync.Mutex
	instruments map[string]*instrument
	historySize int
	rng         *rand.Rand
	now         func() time.Time

	hub *hub
}

func newExchange(instruments []*instrument, historySize int) *exchange {
	if historySize <= 0 {
		historySize = 100000
	}
	ex := &exchange{
		instruments: make(map[string]*instrument, len(instruments)),
		historySize: historySize,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		now:         func() time.Time { return time.Now().UTC() },
		hub:         newHub(),
	}
	for _, in := range instruments {
		in.nextID = 1
		ex.instruments[in.Symbol] = in
	}
	return ex
}

// walkPrice applies a small random walk (±0.1%) rounded to cents.
func walkPrice(price decimal.Decimal, rng *rand.Rand) decimal.Decimal {
	pct := decimal.NewFromFloat(rng.Float64()*0.2 - 0.1).Div(hundred)
	next := price.Add(price.Mul(pct)).Round(2)
	if next.LessThan(minPrice) {
		next = minPrice
	}
	return next
}

// step records one trade for symbol and returns its stream frame.
func (ex *exchange) step(symbol string) ([]byte, error) {
	ex.mu.Lock()
	in, ok := ex.instruments[symbol]
	if !ok {
		ex.mu.Unlock()
		return nil, fmt.Errorf("unknown symbol %s", symbol)
	}
	in.Price = walkPrice(in.Price, ex.rng)
	tr := trade{
		ID:    in.nextID,
		Price: in.Price,
		Qty:   decimal.NewFromInt(int64(ex.rng.Intn(100) + 1)).Div(hundred),
		At:    ex.now().Truncate(time.Millisecond),
	}
	in.nextID++
	in.history = append(in.history, tr)
	if over := len(in.history) - ex.historySize; over > 0 {
		in.history = in.history[over:]
	}
	ex.mu.Unlock()

	return json.Marshal(tradeFrame{
		Event:     "trade",
		EventTime: tr.At.UnixMilli(),
		Symbol:    symbol,
		TradeID:   tr.ID,
		Price:     tr.Price.StringFixed(2),
		Qty:       tr.Qty.String(),
		TradeTime: tr.At.UnixMilli(),
	})
}

func (ex *exchange) symbols() []string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	out := make([]string, 0, len(ex.instruments))
	for s := range ex.instruments {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (ex *exchange) runGenerator(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	symbols := ex.symbols()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sym := range symbols {
				b, err := ex.step(sym)
				if err != nil {
					continue
				}
				ex.hub.broadcast(sym, b)
			}
		}
	}
}

// runDropper force-closes every stream each period so clients exercise
// their reconnect and backfill path.
func (ex *exchange) runDropper(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := ex.hub.dropAll(); n > 0 {
				log.Printf("[tickserver] forced disconnect of %d stream(s)", n)
			}
		}
	}
}

// ─── HTTP ─────────────────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func (ex *exchange) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", ex.wsHandler)
	mux.HandleFunc("/api/v3/ticker/price", ex.tickerPrice)
	mux.HandleFunc("/api/v3/aggTrades", ex.aggTrades)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"status":"ok","service":"tickserver","streams":%d}`+"\n", ex.hub.count())
	})
	return mux
}

// wsHandler serves /ws/<symbol>@trade.
func (ex *exchange) wsHandler(w http.ResponseWriter, r *http.Request) {
	stream := strings.TrimPrefix(r.URL.Path, "/ws/")
	sym, kind, _ := strings.Cut(stream, "@")
	sym = strings.ToUpper(sym)
	if kind != "trade" || !ex.known(sym) {
		http.Error(w, "unknown stream "+stream, http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[tickserver] upgrade error: %v", err)
		return
	}
	log.Printf("[tickserver] client connected: %s (%s)", r.RemoteAddr, stream)

	c := ex.hub.register(conn, sym)
	defer func() {
		ex.hub.unregister(conn)
		conn.Close()
		log.Printf("[tickserver] client disconnected: %s", r.RemoteAddr)
	}()

	// Read pump: only detects the client going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				ex.hub.unregister(conn)
				return
			}
		}
	}()

	// Write pump
	for msg := range c.ch {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (ex *exchange) known(symbol string) bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	_, ok := ex.instruments[symbol]
	return ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func invalidSymbol(w http.ResponseWriter) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"code": -1121, "msg": "Invalid symbol."})
}

func (ex *exchange) tickerPrice(w http.ResponseWriter, r *http.Request) {
	sym := strings.ToUpper(r.URL.Query().Get("symbol"))
	ex.mu.Lock()
	in, ok := ex.instruments[sym]
	var price string
	if ok {
		price = in.Price.StringFixed(2)
	}
	ex.mu.Unlock()
	if !ok {
		invalidSymbol(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"symbol": sym, "price": price})
}

func (ex *exchange) aggTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sym := strings.ToUpper(q.Get("symbol"))

	limit := defaultAggLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"code": -1100, "msg": "Illegal limit."})
			return
		}
		limit = min(n, maxAggLimit)
	}
	parseInt := func(key string) (int64, bool) {
		n, err := strconv.ParseInt(q.Get(key), 10, 64)
		return n, err == nil
	}
	fromID, hasFrom := parseInt("fromId")
	startMs, hasStart := parseInt("startTime")
	endMs, hasEnd := parseInt("endTime")

	ex.mu.Lock()
	in, ok := ex.instruments[sym]
	var out []aggTrade
	if ok {
		out = make([]aggTrade, 0)
		for _, tr := range in.history {
			ms := tr.At.UnixMilli()
			switch {
			case hasFrom && tr.ID < fromID:
				continue
			case !hasFrom && hasStart && ms < startMs:
				continue
			case !hasFrom && hasEnd && ms > endMs:
				continue
			}
			out = append(out, aggTrade{ID: tr.ID, Price: tr.Price.StringFixed(2), Qty: tr.Qty.String(), Time: ms})
			if len(out) == limit {
				break
			}
		}
	}
	ex.mu.Unlock()

	if !ok {
		invalidSymbol(w)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
