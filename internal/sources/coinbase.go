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

var coinbaseProducts = map[string]string{
	"BTCUSDT": "BTC-USD",
	"ETHUSDT": "ETH-USD",
	"SOLUSDT": "SOL-USD",
}

const coinbasePageLimit = 1000

// CoinbaseSource reads spot prices from the retail API and trades from the
// exchange API, and streams the matches channel.
type CoinbaseSource struct {
	ep     Endpoints
	client *http.Client
}

func NewCoinbase(ep Endpoints, client *http.Client) *CoinbaseSource {
	return &CoinbaseSource{ep: ep, client: client}
}

func (c *CoinbaseSource) Name() string { return Coinbase }

func (c *CoinbaseSource) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	product, err := mapSymbol(Coinbase, coinbaseProducts, symbol)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Data struct {
			Amount string `json:"amount"`
		} `json:"data"`
	}
	if _, err := getJSON(ctx, c.client, Coinbase, c.ep.API+"/v2/prices/"+product+"/spot", &resp); err != nil {
		return 0, err
	}
	if resp.Data.Amount == "" {
		return 0, fmt.Errorf("%s: %w: empty amount", Coinbase, model.ErrNoData)
	}
	p, err := parsePrice(resp.Data.Amount)
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %v", Coinbase, model.ErrNoData, err)
	}
	return p, nil
}

type coinbaseTrade struct {
	TradeID json.Number `json:"trade_id"`
	Price   string      `json:"price"`
	Time    time.Time   `json:"time"`
}

// HistoricalTrades walks /products/<id>/trades newest-first using the
// CB-AFTER cursor until it passes start.
func (c *CoinbaseSource) HistoricalTrades(ctx context.Context, symbol string, start, end time.Time) ([]model.Trade, error) {
	product, err := mapSymbol(Coinbase, coinbaseProducts, symbol)
	if err != nil {
		return nil, err
	}

	var trades []model.Trade
	cursor := ""
	page := 0
	for ; page < maxPages; page++ {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(coinbasePageLimit))
		if cursor != "" {
			q.Set("after", cursor)
		}

		var batch []coinbaseTrade
		hdr, err := getJSON(ctx, c.client, Coinbase, c.ep.History+"/products/"+product+"/trades?"+q.Encode(), &batch)
		if err != nil {
			if len(trades) > 0 {
				break
			}
			return nil, err
		}
		if len(batch) == 0 {
			break
		}

		oldest := batch[0].Time
		for _, t := range batch {
			price, err := parsePrice(t.Price)
			if err != nil {
				continue
			}
			trades = append(trades, model.Trade{ID: t.TradeID.String(), Price: price, TS: t.Time.UTC()})
			if t.Time.Before(oldest) {
				oldest = t.Time
			}
		}

		cursor = hdr.Get("Cb-After")
		if cursor == "" || oldest.Before(start) {
			break
		}
	}
	if page == maxPages {
		warnTruncated(Coinbase, symbol, start, end, trades)
	}

	return inWindow(trades, start, end), nil
}

// StreamURL returns the exchange feed endpoint; the product is chosen by the
// subscription frame.
func (c *CoinbaseSource) StreamURL(symbol string) (string, error) {
	if _, err := mapSymbol(Coinbase, coinbaseProducts, symbol); err != nil {
		return "", err
	}
	return c.ep.WS, nil
}

func (c *CoinbaseSource) SubscribeMessage(symbol string) ([]byte, error) {
	product, err := mapSymbol(Coinbase, coinbaseProducts, symbol)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"type":        "subscribe",
		"product_ids": []string{product},
		"channels":    []string{"matches"},
	})
}

type coinbaseMessage struct {
	Type    string      `json:"type"`
	Message string      `json:"message"`
	Reason  string      `json:"reason"`
	TradeID json.Number `json:"trade_id"`
	Price   string      `json:"price"`
	Time    time.Time   `json:"time"`
}

// ParseStream decodes match and last_match messages.
func (c *CoinbaseSource) ParseStream(raw []byte) ([]model.Trade, error) {
	var msg coinbaseMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	switch msg.Type {
	case "match", "last_match":
	case "error":
		return nil, fmt.Errorf("%s feed error: %s %s", Coinbase, msg.Message, strings.TrimSpace(msg.Reason))
	default:
		return nil, nil
	}
	price, err := parsePrice(msg.Price)
	if err != nil {
		return nil, err
	}
	return []model.Trade{{ID: msg.TradeID.String(), Price: price, TS: msg.Time.UTC()}}, nil
}
