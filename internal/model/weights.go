package model

import "sort"

// Weights maps source name to a non-negative weight. Weights need not sum to 1.
type Weights map[string]float64

// Sources returns the weighted source names in sorted order.
func (w Weights) Sources() []string {
	names := make([]string, 0, len(w))
	for name := range w {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WeightedAverage computes Σ(price·weight)/Σ(weight) over the sources present
// in prices. Sources are summed in sorted name order so repeated calls over
// the same input are bit-identical. Returns false when no weighted source is
// present.
func (w Weights) WeightedAverage(prices map[string]float64) (float64, bool) {
	if len(prices) == 0 {
		return 0, false
	}
	names := make([]string, 0, len(prices))
	for name := range prices {
		names = append(names, name)
	}
	sort.Strings(names)

	var sum, total float64
	for _, name := range names {
		weight := w[name]
		if weight <= 0 {
			continue
		}
		sum += prices[name] * weight
		total += weight
	}
	if total == 0 {
		return 0, false
	}
	return sum / total, true
}
