package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"crypto-priceengine/internal/model"
)

// Reader reads published snapshots back from Redis.
type Reader struct {
	client *goredis.Client
}

// NewReader wraps an existing client, typically Writer.Client().
func NewReader(client *goredis.Client) *Reader {
	return &Reader{client: client}
}

// Latest returns the most recently published snapshot for symbol.
func (r *Reader) Latest(ctx context.Context, symbol string) (model.Snapshot, bool, error) {
	data, err := r.client.Get(ctx, LatestKey(symbol)).Result()
	if errors.Is(err, goredis.Nil) {
		return model.Snapshot{}, false, nil
	}
	if err != nil {
		return model.Snapshot{}, false, fmt.Errorf("redis get %s: %w", LatestKey(symbol), err)
	}
	var s model.Snapshot
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return model.Snapshot{}, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return s, true, nil
}

// Recent returns up to n snapshots from the stream, newest first.
func (r *Reader) Recent(ctx context.Context, symbol string, n int64) ([]model.Snapshot, error) {
	msgs, err := r.client.XRevRangeN(ctx, StreamKey(symbol), "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", StreamKey(symbol), err)
	}
	out := make([]model.Snapshot, 0, len(msgs))
	for _, msg := range msgs {
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var s model.Snapshot
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
