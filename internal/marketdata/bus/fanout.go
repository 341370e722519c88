package bus

import (
	"context"
	"log"
	"sync"

	"crypto-priceengine/internal/model"
)

// FanOut broadcasts accepted ticks from a single input channel to N output
// channels. If an output channel is full, the tick is dropped for that
// consumer so a slow consumer never blocks ingestion.
type FanOut struct {
	mu      sync.RWMutex
	outputs []chan model.Tick
	names   []string
	bufSize int

	// OnDrop is called when a tick is dropped for a subscriber.
	OnDrop func(subscriber string)
}

// New creates a FanOut with the given buffer size for output channels.
func New(outputBufferSize int) *FanOut {
	return &FanOut{
		bufSize: outputBufferSize,
	}
}

// Subscribe creates and returns a new named output channel.
func (f *FanOut) Subscribe(name string) <-chan model.Tick {
	ch := make(chan model.Tick, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, ch)
	f.names = append(f.names, name)
	f.mu.Unlock()
	return ch
}

// Run reads from the input channel and fans out to all subscribers.
// Blocks until ctx is cancelled or input is closed; closes every output on exit.
func (f *FanOut) Run(ctx context.Context, input <-chan model.Tick) {
	defer func() {
		f.mu.RLock()
		for _, ch := range f.outputs {
			close(ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for i, ch := range f.outputs {
				select {
				case ch <- tick:
				default:
					if f.OnDrop != nil {
						f.OnDrop(f.names[i])
					} else {
						log.Printf("[bus] subscriber %s full, dropping tick %s/%s", f.names[i], tick.Source, tick.TradeID)
					}
				}
			}
			f.mu.RUnlock()
		}
	}
}

// ChannelStat is the (length, capacity) of one subscriber channel.
// Used for reporting channel saturation percentage.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, ch := range f.outputs {
		stats[i] = ChannelStat{Name: f.names[i], Len: len(ch), Cap: cap(ch)}
	}
	return stats
}
