package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"crypto-priceengine/internal/model"
)

var binanceSymbols = map[string]string{
	"BTCUSDT": "BTCUSDT",
	"ETHUSDT": "ETHUSDT",
	"SOLUSDT": "SOLUSDT",
}

const binancePageLimit = 1000

// aggIDPrefix keeps aggregate trade ids apart from the @trade stream's ids,
// which count in a different sequence.
const aggIDPrefix = "agg-"

// BinanceSource reads spot prices, aggregated trades and the @trade stream.
type BinanceSource struct {
	ep     Endpoints
	client *http.Client
}

func NewBinance(ep Endpoints, client *http.Client) *BinanceSource {
	return &BinanceSource{ep: ep, client: client}
}

func (b *BinanceSource) Name() string { return Binance }

func (b *BinanceSource) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	sym, err := mapSymbol(Binance, binanceSymbols, symbol)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	u := b.ep.API + "/api/v3/ticker/price?symbol=" + url.QueryEscape(sym)
	if _, err := getJSON(ctx, b.client, Binance, u, &resp); err != nil {
		return 0, err
	}
	if resp.Price == "" {
		return 0, fmt.Errorf("%s: %w: empty price", Binance, model.ErrNoData)
	}
	p, err := parsePrice(resp.Price)
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %v", Binance, model.ErrNoData, err)
	}
	return p, nil
}

type binanceAggTrade struct {
	ID    json.Number `json:"a"`
	Price string      `json:"p"`
	Time  json.Number `json:"T"`
}

// HistoricalTrades pages /api/v3/aggTrades from start, following fromId
// until a page ends past end.
func (b *BinanceSource) HistoricalTrades(ctx context.Context, symbol string, start, end time.Time) ([]model.Trade, error) {
	sym, err := mapSymbol(Binance, binanceSymbols, symbol)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("symbol", sym)
	q.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	q.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	q.Set("limit", strconv.Itoa(binancePageLimit))

	var trades []model.Trade
	page := 0
	for ; page < maxPages; page++ {
		var batch []binanceAggTrade
		if _, err := getJSON(ctx, b.client, Binance, b.ep.History+"/api/v3/aggTrades?"+q.Encode(), &batch); err != nil {
			if len(trades) > 0 {
				break // keep what we have
			}
			return nil, err
		}

		var lastID int64
		var lastTS time.Time
		for _, at := range batch {
			ms, err := at.Time.Int64()
			if err != nil {
				continue
			}
			price, err := parsePrice(at.Price)
			if err != nil {
				continue
			}
			ts := time.UnixMilli(ms).UTC()
			trades = append(trades, model.Trade{ID: aggIDPrefix + at.ID.String(), Price: price, TS: ts})
			if id, err := at.ID.Int64(); err == nil {
				lastID = id
			}
			lastTS = ts
		}

		if len(batch) < binancePageLimit || !lastTS.Before(end) || lastID == 0 {
			break
		}
		q = url.Values{}
		q.Set("symbol", sym)
		q.Set("fromId", strconv.FormatInt(lastID+1, 10))
		q.Set("limit", strconv.Itoa(binancePageLimit))
	}
	if page == maxPages {
		warnTruncated(Binance, symbol, start, end, trades)
	}

	return inWindow(trades, start, end), nil
}

// StreamURL returns the raw trade stream endpoint.
func (b *BinanceSource) StreamURL(symbol string) (string, error) {
	sym, err := mapSymbol(Binance, binanceSymbols, symbol)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(b.ep.WS, "/") + "/" + strings.ToLower(sym) + "@trade", nil
}

// SubscribeMessage is nil: the stream name is part of the URL.
func (b *BinanceSource) SubscribeMessage(string) ([]byte, error) { return nil, nil }

type binanceTradeEvent struct {
	Event   string      `json:"e"`
	TradeID json.Number `json:"t"`
	Price   string      `json:"p"`
	Time    int64       `json:"T"`
}

// ParseStream decodes {"e":"trade","t":id,"p":"price","T":ms} frames.
func (b *BinanceSource) ParseStream(raw []byte) ([]model.Trade, error) {
	var ev binanceTradeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	if ev.Event != "trade" {
		return nil, nil
	}
	price, err := parsePrice(ev.Price)
	if err != nil {
		return nil, err
	}
	return []model.Trade{{ID: ev.TradeID.String(), Price: price, TS: time.UnixMilli(ev.Time).UTC()}}, nil
}
