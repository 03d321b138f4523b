// Package indicators holds single-pass statistics over price and value series.
// Accumulators carry only running state so callers can stream rows straight
// from a cursor.
package indicators

import "math"

// Returns converts a price series into consecutive simple returns
// r_t = p_t/p_{t-1} - 1. Steps from a non-positive price are skipped.
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		prev := prices[i-1]
		if prev <= 0 {
			continue
		}
		out = append(out, prices[i]/prev-1)
	}
	return out
}

// StepReturns is Returns with one entry per step. A step from a non-positive
// price is NaN so later steps keep their position for pairing.
func StepReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		prev := prices[i-1]
		if prev <= 0 {
			out[i-1] = math.NaN()
			continue
		}
		out[i-1] = prices[i]/prev - 1
	}
	return out
}

// ChangePct returns (current-old)/old, or 0 when old is not positive.
func ChangePct(old, current float64) float64 {
	if old <= 0 {
		return 0
	}
	return (current - old) / old
}
