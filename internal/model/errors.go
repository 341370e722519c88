package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransport is a network or timeout failure talking to a source.
	// Retried with backoff, never fatal to the engine.
	ErrTransport = errors.New("transport error")

	// ErrNoData means the source had no price or trades for the request.
	// Callers treat it as "source absent".
	ErrNoData = errors.New("no data")

	// ErrInvalidSymbol is a configuration error; it is never retried.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrPersistence wraps storage read and write failures.
	ErrPersistence = errors.New("persistence error")

	ErrUnknownSource    = errors.New("unknown source")
	ErrOutageUnresolved = errors.New("outage unresolved")
)

// IsSourceAbsent reports whether err means a source simply did not contribute.
func IsSourceAbsent(err error) bool {
	return errors.Is(err, ErrNoData) || errors.Is(err, ErrTransport)
}

// OutlierEvent records a grid point whose computed value was replaced by the
// last known good value.
type OutlierEvent struct {
	Symbol      string    `json:"symbol"`
	TS          time.Time `json:"ts"`
	Rejected    float64   `json:"rejected"`
	Substituted float64   `json:"substituted"`
	Threshold   float64   `json:"threshold"`
}

func (e OutlierEvent) String() string {
	return fmt.Sprintf("%s@%s rejected=%.8g substituted=%.8g (threshold %.8g)",
		e.Symbol, e.TS.Format(time.RFC3339), e.Rejected, e.Substituted, e.Threshold)
}
