// Package sources holds the exchange adapters. Each adapter exposes the
// current price and historical trades over REST, and those with a push feed
// also implement stream.Feed.
//
// Adapters fail soft: transport problems surface as model.ErrTransport and
// empty answers as model.ErrNoData. An unsupported symbol yields
// model.ErrInvalidSymbol before any request is made.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"crypto-priceengine/internal/model"
)

const (
	Binance   = "binance"
	Coinbase  = "coinbase"
	CoinGecko = "coingecko"

	defaultTimeout = 5 * time.Second
	maxPages       = 50
)

// Endpoints are the base URLs of one adapter.
type Endpoints struct {
	API     string
	History string
	WS      string
}

// New builds the adapter registered under name.
func New(name string, ep Endpoints, client *http.Client) (model.PriceSource, error) {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	switch strings.ToLower(name) {
	case Binance:
		return NewBinance(ep, client), nil
	case Coinbase:
		return NewCoinbase(ep, client), nil
	case CoinGecko:
		return NewCoinGecko(ep, client), nil
	}
	return nil, fmt.Errorf("%w: %q", model.ErrUnknownSource, name)
}

// Names lists the registered adapters.
func Names() []string {
	return []string{Binance, Coinbase, CoinGecko}
}

func mapSymbol(source string, table map[string]string, symbol string) (string, error) {
	v, ok := table[strings.ToUpper(symbol)]
	if !ok {
		return "", fmt.Errorf("%s: %w: %q", source, model.ErrInvalidSymbol, symbol)
	}
	return v, nil
}

// getJSON issues a GET and decodes a 2xx JSON body into out.
func getJSON(ctx context.Context, client *http.Client, source, url string, out any) (http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", source, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", source, model.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s: %w: status %d: %s", source, model.ErrTransport, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return nil, fmt.Errorf("%s: %w: decode: %v", source, model.ErrTransport, err)
	}
	return resp.Header, nil
}

// parsePrice parses an exchange decimal string exactly before narrowing to float64.
func parsePrice(s string) (float64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("parse price %q: not positive", s)
	}
	return d.InexactFloat64(), nil
}

// inWindow keeps trades with ts in [start, end] and orders them by (ts, id).
// warnTruncated reports a backfill that stopped at maxPages before covering
// the requested window.
func warnTruncated(source, symbol string, start, end time.Time, trades []model.Trade) {
	var lo, hi time.Time
	for _, t := range trades {
		if lo.IsZero() || t.TS.Before(lo) {
			lo = t.TS
		}
		if t.TS.After(hi) {
			hi = t.TS
		}
	}
	log.Printf("[%s] %s backfill truncated after %d pages: covered %s..%s of %s..%s",
		source, symbol, maxPages, lo.Format(time.RFC3339), hi.Format(time.RFC3339),
		start.Format(time.RFC3339), end.Format(time.RFC3339))
}

func inWindow(trades []model.Trade, start, end time.Time) []model.Trade {
	out := trades[:0]
	for _, t := range trades {
		if t.TS.Before(start) || t.TS.After(end) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].TS.Equal(out[j].TS) {
			return out[i].TS.Before(out[j].TS)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
