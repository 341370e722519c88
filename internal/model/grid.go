package model

import "time"

// AllSources marks a gap window that covers every configured source.
const AllSources = "all"

// GapWindow is the half-open interval [Start, End) for which live data is
// missing and must be reconstructed.
type GapWindow struct {
	Source string    `json:"source"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

// IsTotal reports whether the window covers all sources.
func (g GapWindow) IsTotal() bool { return g.Source == AllSources }

// Empty reports whether the window contains no instant.
func (g GapWindow) Empty() bool { return !g.End.After(g.Start) }

// AlignUp returns the first multiple of interval since the Unix epoch that is
// at or after t. Aligned instants are returned unchanged.
func AlignUp(t time.Time, interval time.Duration) time.Time {
	ns := t.UnixNano()
	step := int64(interval)
	rem := ns % step
	if rem < 0 {
		rem += step
	}
	if rem == 0 {
		return t.UTC()
	}
	return time.Unix(0, ns-rem+step).UTC()
}

// GridPoints returns the aligned grid points in [start, end).
func GridPoints(start, end time.Time, interval time.Duration) []time.Time {
	if interval <= 0 {
		return nil
	}
	var points []time.Time
	for ts := AlignUp(start, interval); ts.Before(end); ts = ts.Add(interval) {
		points = append(points, ts)
	}
	return points
}
