package notification

import (
	"fmt"
	"time"

	"crypto-priceengine/internal/marketdata/reconcile"
	"crypto-priceengine/internal/model"
)

const tsLayout = "2006-01-02 15:04:05"

// OutageStarted reports that every source failed at a scheduled boundary.
func OutageStarted(symbol string, at time.Time) Alert {
	return Alert{
		Level:   AlertCritical,
		Title:   "Total outage " + symbol,
		Message: fmt.Sprintf("no source returned a price at %s UTC; retrying", at.UTC().Format(tsLayout)),
		At:      at,
	}
}

// Reconciled summarizes a gap-fill run. Clamped outliers or unfilled grid
// points raise the level to WARNING, a failed run to CRITICAL.
func Reconciled(symbol string, r reconcile.Report, err error) Alert {
	level := AlertInfo
	if len(r.Outliers) > 0 || r.Unfilled > 0 {
		level = AlertWarning
	}
	msg := fmt.Sprintf("window %s .. %s UTC (%s): ingested=%d backfilled=%d fallbacks=%d outliers=%d unfilled=%d",
		r.Window.Start.UTC().Format(tsLayout), r.Window.End.UTC().Format(tsLayout), r.Window.Source,
		r.Ingested, r.Backfilled, r.Fallbacks, len(r.Outliers), r.Unfilled)
	if err != nil {
		level = AlertCritical
		msg += "; error: " + err.Error()
	}
	return Alert{
		Level:   level,
		Title:   "Reconciled " + symbol,
		Message: msg,
		At:      r.Window.End,
	}
}

// OutlierClamped reports one substituted grid value.
func OutlierClamped(ev model.OutlierEvent) Alert {
	return Alert{
		Level:   AlertWarning,
		Title:   "Outlier clamped " + ev.Symbol,
		Message: ev.String(),
		At:      ev.TS,
	}
}
