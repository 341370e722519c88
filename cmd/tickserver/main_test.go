package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-priceengine/internal/sources"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestExchange(t *testing.T) (*exchange, *httptest.Server, *sources.BinanceSource) {
	t.Helper()
	ex := newExchange(parseInstruments("ETHUSDT:3000"), 10)
	tick := 0
	ex.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	srv := httptest.NewServer(ex.routes())
	t.Cleanup(srv.Close)

	src := sources.NewBinance(sources.Endpoints{
		API:     srv.URL,
		History: srv.URL,
		WS:      "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}, srv.Client())
	return ex, srv, src
}

func TestParseInstruments(t *testing.T) {
	got := parseInstruments("ethusdt:3000.5, BTCUSDT:65000, bad, SOLUSDT:-1")
	require.Len(t, got, 2)
	assert.Equal(t, "ETHUSDT", got[0].Symbol)
	assert.True(t, got[0].Price.Equal(decimal.RequireFromString("3000.5")))
	assert.Equal(t, "BTCUSDT", got[1].Symbol)
}

func TestExchange_RESTMatchesBinanceAdapter(t *testing.T) {
	ex, _, src := newTestExchange(t)
	for i := 0; i < 5; i++ {
		_, err := ex.step("ETHUSDT")
		require.NoError(t, err)
	}

	price, err := src.CurrentPrice(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	ex.mu.Lock()
	want, _ := ex.instruments["ETHUSDT"].Price.Float64()
	ex.mu.Unlock()
	assert.Equal(t, want, price)

	trades, err := src.HistoricalTrades(context.Background(), "ETHUSDT", base.Add(2*time.Second), base.Add(4*time.Second))
	require.NoError(t, err)
	require.Len(t, trades, 3)
	assert.Equal(t, "agg-2", trades[0].ID)
	assert.Equal(t, "agg-4", trades[2].ID)
	assert.True(t, trades[0].TS.Equal(base.Add(2*time.Second)))
}

func TestExchange_HistoryBounded(t *testing.T) {
	ex, _, _ := newTestExchange(t)
	for i := 0; i < 15; i++ {
		_, err := ex.step("ETHUSDT")
		require.NoError(t, err)
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	h := ex.instruments["ETHUSDT"].history
	require.Len(t, h, 10)
	assert.Equal(t, int64(6), h[0].ID)
}

func TestExchange_StreamFramesParse(t *testing.T) {
	ex, _, src := newTestExchange(t)

	url, err := src.StreamURL("ETHUSDT")
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ex.hub.count() == 1 }, time.Second, 10*time.Millisecond)

	frame, err := ex.step("ETHUSDT")
	require.NoError(t, err)
	ex.hub.broadcast("ETHUSDT", frame)
	ex.hub.broadcast("BTCUSDT", []byte(`{"e":"trade"}`)) // other symbol, not delivered

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	trades, err := src.ParseStream(raw)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "1", trades[0].ID)
	assert.True(t, trades[0].TS.Equal(base.Add(time.Second)))
}

func TestExchange_DropAllClosesStreams(t *testing.T) {
	ex, _, src := newTestExchange(t)
	url, err := src.StreamURL("ETHUSDT")
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ex.hub.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, ex.hub.dropAll())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return ex.hub.count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestExchange_UnknownStreamRejected(t *testing.T) {
	_, srv, _ := newTestExchange(t)
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/dogeusdt@trade", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.StatusCode)
}
