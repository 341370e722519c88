package reconcile

import (
	"sync"

	"crypto-priceengine/internal/model"
)

// LastKnown tracks the last known good canonical value per symbol for the
// whole engine lifetime. It is shared by the scheduler and the reconciler.
type LastKnown struct {
	mu     sync.RWMutex
	values map[string]model.PricePoint
}

func NewLastKnown() *LastKnown {
	return &LastKnown{values: make(map[string]model.PricePoint)}
}

// Get returns the last known good value for symbol.
func (l *LastKnown) Get(symbol string) (model.PricePoint, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.values[symbol]
	return p, ok
}

// Observe records p unless a later value is already known.
func (l *LastKnown) Observe(symbol string, p model.PricePoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.values[symbol]; ok && cur.TS.After(p.TS) {
		return
	}
	l.values[symbol] = p
}
