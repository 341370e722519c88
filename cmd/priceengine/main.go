package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"crypto-priceengine/config"
	"crypto-priceengine/internal/engine"
	"crypto-priceengine/internal/logger"
	"crypto-priceengine/internal/metrics"
	"crypto-priceengine/internal/model"
	"crypto-priceengine/internal/notification"
	"crypto-priceengine/internal/sources"
	redisstore "crypto-priceengine/internal/store/redis"
	sqlitestore "crypto-priceengine/internal/store/sqlite"
)

const (
	modeLive       = "live"
	modeReconcile  = "reconcile"
	modeMerge      = "merge"
	modeQueryDB    = "query-db"
	modeHistorical = "historical"

	timeLayout = "2006-01-02 15:04:05"
)

type options struct {
	configPath string
	mode       string
	symbol     string
	start      string
	end        string
	source     string
	sources    string
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	var opts options
	flag.StringVar(&opts.configPath, "config", "", "path to YAML config file (optional)")
	flag.StringVar(&opts.mode, "mode", modeLive, "run mode: live | reconcile | merge | query-db | historical")
	flag.StringVar(&opts.symbol, "symbol", "", "symbol override, e.g. ETHUSDT")
	flag.StringVar(&opts.start, "start", "", `range start, UTC "2006-01-02 15:04:05" or RFC3339`)
	flag.StringVar(&opts.end, "end", "", `range end, UTC "2006-01-02 15:04:05" or RFC3339`)
	flag.StringVar(&opts.source, "source", model.AllSources, "source to reconcile (reconcile mode), or all")
	flag.StringVar(&opts.sources, "sources", "", "comma-separated subset of configured sources")
	flag.Parse()

	if err := run(opts); err != nil {
		log.Printf("[priceengine] %v", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.symbol != "" {
		cfg.Symbol = strings.ToUpper(opts.symbol)
	}
	if opts.sources != "" {
		if err := cfg.Restrict(strings.Split(opts.sources, ",")); err != nil {
			return fmt.Errorf("-sources: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger.Init("priceengine", cfg.LogLevel())
	log.Printf("[priceengine] mode=%s symbol=%s sources=%v", opts.mode, cfg.Symbol, cfg.EnabledSources())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[priceengine] received %v, shutting down...", sig)
		cancel()
	}()

	if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	store, err := sqlitestore.New(sqlitestore.Config{DBPath: cfg.SQLitePath})
	if err != nil {
		return err
	}
	defer store.Close()

	srcs, err := buildSources(cfg)
	if err != nil {
		return err
	}

	switch opts.mode {
	case modeLive:
		return runLive(ctx, cfg, store, srcs)
	case modeReconcile:
		return runReconcile(ctx, cfg, opts, store, srcs)
	case modeMerge:
		return runMerge(ctx, cfg, opts, store, srcs)
	case modeQueryDB:
		return runQueryDB(ctx, cfg, opts, store)
	case modeHistorical:
		return runHistorical(ctx, cfg, opts, store, srcs)
	}
	return fmt.Errorf("unknown mode %q", opts.mode)
}

func buildSources(cfg *config.Config) ([]model.PriceSource, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	var out []model.PriceSource
	for _, name := range cfg.EnabledSources() {
		sc := cfg.Sources[name]
		src, err := sources.New(name, sources.Endpoints{API: sc.APIURL, History: sc.HistoryURL, WS: sc.WSURL}, client)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

func buildNotifier(cfg *config.Config) (notification.Notifier, error) {
	multi := notification.Multi{notification.NewLogNotifier()}
	if cfg.Notify.WebhookURL != "" {
		multi = append(multi, notification.NewWebhookNotifier(cfg.Notify.WebhookURL, nil))
	}
	if cfg.Notify.TelegramToken != "" {
		tg, err := notification.NewTelegramNotifier(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID)
		if err != nil {
			return nil, fmt.Errorf("telegram notifier: %w", err)
		}
		multi = append(multi, tg)
	}
	return multi, nil
}

func runLive(ctx context.Context, cfg *config.Config, store *sqlitestore.Store, srcs []model.PriceSource) error {
	// ---- Metrics & health ----
	prom := metrics.NewMetrics(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus()
	health.SetSQLiteOK(true)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, prometheus.DefaultGatherer, health)
	metricsSrv.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Stop(shutdownCtx)
	}()

	// ---- Redis publication (optional) ----
	var publisher model.SnapshotPublisher
	if cfg.Redis.Enabled {
		health.SetRedisEnabled(true)
		writer, err := redisstore.New(redisstore.WriterConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Printf("[priceengine] WARNING: redis init failed: %v (continuing without redis)", err)
			health.StartLivenessChecker(ctx, nil, store.DB(), 10*time.Second)
		} else {
			defer writer.Close()
			cb := redisstore.NewCircuitBreaker(5, 30*time.Second, nil)
			cb.OnStateChange = func(from, to redisstore.State) {
				log.Printf("[priceengine] redis circuit %s -> %s", from, to)
				prom.RedisCircuitBreakerState.Set(float64(to))
				if to == redisstore.StateOpen {
					prom.RedisCircuitBreakerTrips.Inc()
				}
			}
			buffered := redisstore.NewBufferedWriter(ctx, writer, cb, 10000)
			buffered.OnBuffer = func() { prom.RedisBufferedWrites.Inc() }
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				buffered.Flush(flushCtx)
			}()
			publisher = buffered
			health.CheckRedis(ctx, writer.Client())
			health.StartLivenessChecker(ctx, writer.Client(), store.DB(), 10*time.Second)
		}
	} else {
		health.StartLivenessChecker(ctx, nil, store.DB(), 10*time.Second)
	}

	notifier, err := buildNotifier(cfg)
	if err != nil {
		return err
	}

	eng := engine.New(cfg, engine.Deps{
		Store:     store,
		Sources:   srcs,
		Publisher: publisher,
		Notifier:  notifier,
		Metrics:   prom,
		Health:    health,
	})
	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Println("[priceengine] shutdown complete")
	return nil
}
