package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"crypto-priceengine/config"
	"crypto-priceengine/internal/engine"
	"crypto-priceengine/internal/model"
	"crypto-priceengine/internal/notification"
	redisstore "crypto-priceengine/internal/store/redis"
	sqlitestore "crypto-priceengine/internal/store/sqlite"
)

// parseTime accepts "2006-01-02 15:04:05" (UTC) or RFC3339.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(timeLayout, s, time.UTC); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want %q or RFC3339", s, timeLayout)
	}
	return t.UTC(), nil
}

// parseRange reads -start/-end. When both are empty and fallback is non-zero
// the range is the last fallback duration.
func parseRange(opts options, fallback time.Duration) (time.Time, time.Time, error) {
	if opts.start == "" && opts.end == "" && fallback > 0 {
		end := time.Now().UTC()
		return end.Add(-fallback), end, nil
	}
	if opts.start == "" || opts.end == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("-start and -end are required in %s mode", opts.mode)
	}
	start, err := parseTime(opts.start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parseTime(opts.end)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("-end must be after -start")
	}
	return start, end, nil
}

func runReconcile(ctx context.Context, cfg *config.Config, opts options, store *sqlitestore.Store, srcs []model.PriceSource) error {
	start, end, err := parseRange(opts, 0)
	if err != nil {
		return err
	}
	notifier, err := buildNotifier(cfg)
	if err != nil {
		return err
	}
	eng := engine.New(cfg, engine.Deps{Store: store, Sources: srcs, Notifier: notifier})

	report, err := eng.Reconcile(ctx, model.GapWindow{Source: strings.ToLower(opts.source), Start: start, End: end})
	fmt.Printf("reconcile %s %s [%s, %s) trace=%s\n", cfg.Symbol, report.Window.Source,
		start.Format(timeLayout), end.Format(timeLayout), report.TraceID)
	names := make([]string, 0, len(report.Fetched))
	for name := range report.Fetched {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  fetched %-10s %d\n", name, report.Fetched[name])
	}
	fmt.Printf("  ingested=%d backfilled=%d fallbacks=%d outliers=%d existing=%d unfilled=%d\n",
		report.Ingested, report.Backfilled, report.Fallbacks, len(report.Outliers), report.Existing, report.Unfilled)
	for _, ev := range report.Outliers {
		fmt.Printf("  outlier %s\n", ev)
	}
	return err
}

func runMerge(ctx context.Context, cfg *config.Config, opts options, store *sqlitestore.Store, srcs []model.PriceSource) error {
	var start, end time.Time
	if opts.start == "" && opts.end == "" {
		first, last, ok, err := store.TickBounds(ctx, cfg.Symbol)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Printf("no ticks recorded for %s\n", cfg.Symbol)
			return nil
		}
		start, end = first, last
	} else {
		var err error
		if start, end, err = parseRange(opts, 0); err != nil {
			return err
		}
	}

	eng := engine.New(cfg, engine.Deps{Store: store, Sources: srcs, Notifier: notification.NewLogNotifier()})
	snaps, err := eng.Merge(ctx, start, end)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Printf("no ticks for %s in [%s, %s]\n", cfg.Symbol, start.Format(timeLayout), end.Format(timeLayout))
		return nil
	}
	fmt.Printf("merged %d canonical rows for %s: %s .. %s\n", len(snaps), cfg.Symbol,
		snaps[0].TS.Format(timeLayout), snaps[len(snaps)-1].TS.Format(timeLayout))
	return nil
}

func runQueryDB(ctx context.Context, cfg *config.Config, opts options, store *sqlitestore.Store) error {
	start, end, err := parseRange(opts, time.Hour)
	if err != nil {
		return err
	}

	live, err := store.QueryLive(ctx, cfg.Symbol, start, end)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "SNAPSHOTS %s\t%d rows\n", cfg.Symbol, len(live))
	fmt.Fprintln(tw, "ts\tprice\torigin\tsources")
	for _, r := range live {
		fmt.Fprintf(tw, "%s\t%.4f\t%s\t%s\n", r.TS.Format(timeLayout), r.Price, r.Origin, formatSources(r.Sources))
	}
	tw.Flush()

	canon, err := store.QueryCanonical(ctx, cfg.Symbol, start, end)
	if err != nil {
		return err
	}
	fmt.Fprintf(tw, "\nCANONICAL %s\t%d rows\n", cfg.Symbol, len(canon))
	fmt.Fprintln(tw, "ts\tprice")
	for _, p := range canon {
		fmt.Fprintf(tw, "%s\t%.4f\n", p.TS.Format(timeLayout), p.Value)
	}
	tw.Flush()

	if cfg.Redis.Enabled {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer client.Close()
		snap, ok, err := redisstore.NewReader(client).Latest(ctx, cfg.Symbol)
		switch {
		case err != nil:
			log.Printf("[priceengine] redis latest: %v", err)
		case ok:
			fmt.Printf("\nREDIS latest %s: %s %.4f (%s)\n", cfg.Symbol, snap.TS.Format(timeLayout), snap.Average, snap.Origin)
		default:
			fmt.Printf("\nREDIS latest %s: none\n", cfg.Symbol)
		}
	}
	return nil
}

func runHistorical(ctx context.Context, cfg *config.Config, opts options, store *sqlitestore.Store, srcs []model.PriceSource) error {
	start, end, err := parseRange(opts, 0)
	if err != nil {
		return err
	}
	want := strings.ToLower(opts.source)
	matched := false
	for _, src := range srcs {
		if want != model.AllSources && src.Name() != want {
			continue
		}
		matched = true

		trades, err := src.HistoricalTrades(ctx, cfg.Symbol, start, end)
		if err != nil {
			if model.IsSourceAbsent(err) {
				log.Printf("[priceengine] %s: %v", src.Name(), err)
				continue
			}
			return fmt.Errorf("%s: %w", src.Name(), err)
		}
		hist := make([]model.HistoricalPrice, 0, len(trades))
		for _, tr := range trades {
			hist = append(hist, model.HistoricalPrice{Symbol: cfg.Symbol, Source: src.Name(), TS: tr.TS.UTC(), Price: tr.Price})
		}
		if err := store.AppendHistorical(ctx, hist); err != nil {
			return err
		}

		stored, err := store.QueryHistoricalRange(ctx, cfg.Symbol, src.Name(), start, end)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s: fetched %d trades, %d stored in range\n", src.Name(), cfg.Symbol, len(trades), len(stored))
		for _, p := range stored {
			fmt.Printf("  %s  %.4f\n", p.TS.Format("2006-01-02 15:04:05.000"), p.Price)
		}
	}
	if !matched {
		return fmt.Errorf("%w: %q", model.ErrUnknownSource, opts.source)
	}
	return nil
}

func formatSources(prices map[string]float64) string {
	names := make([]string, 0, len(prices))
	for name := range prices {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%.4f", name, prices[name]))
	}
	return strings.Join(parts, " ")
}
