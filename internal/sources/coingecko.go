package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"crypto-priceengine/internal/model"
)

var coingeckoIDs = map[string]string{
	"BTCUSDT": "bitcoin",
	"ETHUSDT": "ethereum",
	"SOLUSDT": "solana",
}

// CoinGeckoSource is REST only: simple/price for the current value and
// market_chart/range samples as historical trades.
type CoinGeckoSource struct {
	ep     Endpoints
	client *http.Client
}

func NewCoinGecko(ep Endpoints, client *http.Client) *CoinGeckoSource {
	return &CoinGeckoSource{ep: ep, client: client}
}

func (g *CoinGeckoSource) Name() string { return CoinGecko }

func (g *CoinGeckoSource) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	id, err := mapSymbol(CoinGecko, coingeckoIDs, symbol)
	if err != nil {
		return 0, err
	}

	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", "usd")

	var resp map[string]map[string]json.Number
	if _, err := getJSON(ctx, g.client, CoinGecko, g.ep.API+"/simple/price?"+q.Encode(), &resp); err != nil {
		return 0, err
	}
	num, ok := resp[id]["usd"]
	if !ok {
		return 0, fmt.Errorf("%s: %w: no usd price for %s", CoinGecko, model.ErrNoData, id)
	}
	p, err := parsePrice(num.String())
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %v", CoinGecko, model.ErrNoData, err)
	}
	return p, nil
}

// HistoricalTrades converts market_chart/range samples into trades with
// synthesized ids "cg-<unix ms>".
func (g *CoinGeckoSource) HistoricalTrades(ctx context.Context, symbol string, start, end time.Time) ([]model.Trade, error) {
	id, err := mapSymbol(CoinGecko, coingeckoIDs, symbol)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("vs_currency", "usd")
	q.Set("from", strconv.FormatInt(start.Unix(), 10))
	q.Set("to", strconv.FormatInt(end.Add(time.Second-1).Unix(), 10))

	var resp struct {
		Prices [][]json.Number `json:"prices"`
	}
	if _, err := getJSON(ctx, g.client, CoinGecko, g.ep.History+"/coins/"+id+"/market_chart/range?"+q.Encode(), &resp); err != nil {
		return nil, err
	}

	trades := make([]model.Trade, 0, len(resp.Prices))
	for _, pair := range resp.Prices {
		if len(pair) != 2 {
			continue
		}
		msDec, err := decimal.NewFromString(pair[0].String())
		if err != nil {
			continue
		}
		price, err := parsePrice(pair[1].String())
		if err != nil {
			continue
		}
		ms := msDec.IntPart()
		trades = append(trades, model.Trade{
			ID:    "cg-" + strconv.FormatInt(ms, 10),
			Price: price,
			TS:    time.UnixMilli(ms).UTC(),
		})
	}
	return inWindow(trades, start, end), nil
}
