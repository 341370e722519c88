package redis

import (
	"context"
	"errors"
	"log"
	"sync"

	"crypto-priceengine/internal/model"
)

// BufferedWriter wraps a publisher with a circuit breaker. While the circuit
// is open, snapshots are buffered locally (dropping the oldest when full) and
// replayed once the circuit closes again.
type BufferedWriter struct {
	pub model.SnapshotPublisher
	cb  *CircuitBreaker
	ctx context.Context

	mu     sync.Mutex
	buffer []model.Snapshot
	maxBuf int

	// Callbacks
	OnBuffer func()          // a snapshot was buffered
	OnDrop   func()          // the oldest buffered snapshot was dropped
	OnFlush  func(count int) // buffered snapshots were replayed
}

var _ model.SnapshotPublisher = (*BufferedWriter)(nil)

// NewBufferedWriter creates a BufferedWriter. ctx bounds replays triggered by
// the breaker closing.
func NewBufferedWriter(ctx context.Context, pub model.SnapshotPublisher, cb *CircuitBreaker, maxBufferSize int) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bw := &BufferedWriter{
		pub:    pub,
		cb:     cb,
		ctx:    ctx,
		buffer: make([]model.Snapshot, 0, 256),
		maxBuf: maxBufferSize,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			go bw.Flush(bw.ctx)
		}
	}
	return bw
}

// PublishSnapshot publishes through the breaker. Snapshots rejected by an open
// breaker are buffered and nil is returned; publish failures are returned.
func (bw *BufferedWriter) PublishSnapshot(ctx context.Context, s model.Snapshot) error {
	err := bw.cb.Execute(func() error { return bw.pub.PublishSnapshot(ctx, s) })
	if errors.Is(err, ErrCircuitOpen) {
		bw.bufferWrite(s)
		return nil
	}
	return err
}

func (bw *BufferedWriter) bufferWrite(s model.Snapshot) {
	bw.mu.Lock()
	dropped := false
	if len(bw.buffer) >= bw.maxBuf {
		bw.buffer = bw.buffer[1:]
		dropped = true
	}
	bw.buffer = append(bw.buffer, s)
	bw.mu.Unlock()

	if dropped && bw.OnDrop != nil {
		bw.OnDrop()
	}
	if bw.OnBuffer != nil {
		bw.OnBuffer()
	}
}

// Flush replays buffered snapshots in order. Snapshots that fail again stay
// buffered.
func (bw *BufferedWriter) Flush(ctx context.Context) {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return
	}
	toFlush := bw.buffer
	bw.buffer = make([]model.Snapshot, 0, 256)
	bw.mu.Unlock()

	flushed := 0
	for i, s := range toFlush {
		if err := bw.pub.PublishSnapshot(ctx, s); err != nil {
			log.Printf("[buffered-writer] replay failed after %d snapshots: %v", flushed, err)
			bw.mu.Lock()
			bw.buffer = append(toFlush[i:len(toFlush):len(toFlush)], bw.buffer...)
			if over := len(bw.buffer) - bw.maxBuf; over > 0 {
				bw.buffer = bw.buffer[over:]
			}
			bw.mu.Unlock()
			break
		}
		flushed++
	}

	if flushed > 0 {
		log.Printf("[buffered-writer] flushed %d buffered snapshots", flushed)
	}
	if bw.OnFlush != nil {
		bw.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered snapshots.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}
