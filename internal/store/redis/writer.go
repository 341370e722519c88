package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"crypto-priceengine/internal/model"
)

const (
	// ~12h of 5s snapshots
	streamMaxLen     = 10000
	defaultLatestTTL = 30 * time.Minute
)

// Key layout for one symbol.
func LatestKey(symbol string) string  { return "price:latest:" + symbol }
func StreamKey(symbol string) string  { return "price:stream:" + symbol }
func ChannelKey(symbol string) string { return "pub:price:" + symbol }

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Writer publishes canonical snapshots to Redis.
type Writer struct {
	client *goredis.Client
}

var _ model.SnapshotPublisher = (*Writer)(nil)

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Writer{client: client}, nil
}

// PublishSnapshot writes one snapshot in a single pipeline: SET latest,
// XADD to the trimmed stream, PUBLISH to subscribers.
func (w *Writer) PublishSnapshot(ctx context.Context, s model.Snapshot) error {
	if !s.Valid {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	payload := string(data)

	pipe := w.client.Pipeline()
	pipe.Set(ctx, LatestKey(s.Symbol), payload, defaultLatestTTL)
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: StreamKey(s.Symbol),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": payload},
	})
	pipe.Publish(ctx, ChannelKey(s.Symbol), payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline %s@%s: %w", s.Symbol, s.TS.Format(time.RFC3339), err)
	}
	return nil
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
