// Command tickserver is a simulated exchange feed for staging.
// Serves Binance-shaped trade frames over WebSocket plus the two REST
// endpoints the engine polls, so the live workers, the scheduler and the
// gap-fill replay can run without exchange access.
//
//	ws   /ws/<symbol>@trade          {"e":"trade","s":"ETHUSDT","t":42,"p":"3001.25","T":1709294400000}
//	GET  /api/v3/ticker/price        ?symbol=ETHUSDT
//	GET  /api/v3/aggTrades           ?symbol=&startTime=&endTime=&limit= | ?symbol=&fromId=&limit=
//
// Config (env vars):
//
//	TICK_SERVER_ADDR  listen address (default: ":9001")
//	TICK_SYMBOLS      comma-separated SYMBOL:PRICE pairs (default: "ETHUSDT:3000,BTCUSDT:65000")
//	TICK_INTERVAL_MS  trade interval in milliseconds (default: "250")
//	TICK_DROP_EVERY   force-close every stream at this period, e.g. "45s" (default: off)
//	TICK_HISTORY      trades kept per symbol for aggTrades (default: "100000")
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[tickserver] starting simulated exchange feed...")

	addr := envOrDefault("TICK_SERVER_ADDR", ":9001")
	instruments := parseInstruments(envOrDefault("TICK_SYMBOLS", "ETHUSDT:3000,BTCUSDT:65000"))
	if len(instruments) == 0 {
		log.Fatalf("[tickserver] no instruments configured via TICK_SYMBOLS")
	}
	interval := time.Duration(envIntOrDefault("TICK_INTERVAL_MS", 250)) * time.Millisecond
	historySize := envIntOrDefault("TICK_HISTORY", 100000)

	var dropEvery time.Duration
	if v := os.Getenv("TICK_DROP_EVERY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("[tickserver] invalid TICK_DROP_EVERY %q: %v", v, err)
		}
		dropEvery = d
	}

	ex := newExchange(instruments, historySize)
	for _, in := range instruments {
		log.Printf("[tickserver] %s starting at %s", in.Symbol, in.Price.StringFixed(2))
	}
	log.Printf("[tickserver] trade interval: %s, forced disconnect: %v", interval, dropEvery)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go ex.runGenerator(ctx, interval)
	if dropEvery > 0 {
		go ex.runDropper(ctx, dropEvery)
	}

	srv := &http.Server{Addr: addr, Handler: ex.routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Printf("[tickserver] listening on %s  (WebSocket: ws://localhost%s/ws)", addr, addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[tickserver] server error: %v", err)
		}
	}()

	<-sigCh
	log.Println("[tickserver] shutting down...")
	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	srv.Shutdown(shutdownCtx)
}

// parseInstruments reads SYMBOL:PRICE pairs into decimal prices.
func parseInstruments(s string) []*instrument {
	var result []*instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		seg := strings.SplitN(part, ":", 2)
		if len(seg) != 2 {
			log.Printf("[tickserver] skipping invalid symbol entry: %q", part)
			continue
		}
		price, err := decimal.NewFromString(strings.TrimSpace(seg[1]))
		if err != nil || !price.IsPositive() {
			log.Printf("[tickserver] skipping %q: invalid price", part)
			continue
		}
		result = append(result, &instrument{
			Symbol: strings.ToUpper(strings.TrimSpace(seg[0])),
			Price:  price,
		})
	}
	return result
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
