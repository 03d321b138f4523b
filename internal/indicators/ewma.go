package indicators

import "math"

// DefaultLambda is the RiskMetrics decay factor.
const DefaultLambda = 0.94

// EWMA tracks an exponentially weighted variance of returns:
// var_t = lambda*var_{t-1} + (1-lambda)*r_t^2, seeded at 0.
type EWMA struct {
	lambda   float64
	variance float64
	n        int
}

// NewEWMA returns an accumulator. lambda outside (0,1) falls back to DefaultLambda.
func NewEWMA(lambda float64) *EWMA {
	if lambda <= 0 || lambda >= 1 {
		lambda = DefaultLambda
	}
	return &EWMA{lambda: lambda}
}

// Add folds one return into the variance.
func (e *EWMA) Add(r float64) {
	e.variance = e.lambda*e.variance + (1-e.lambda)*r*r
	e.n++
}

// Lambda is the effective decay factor.
func (e *EWMA) Lambda() float64 { return e.lambda }

// Variance returns the current variance estimate.
func (e *EWMA) Variance() float64 { return e.variance }

// Volatility is sqrt(variance).
func (e *EWMA) Volatility() float64 { return math.Sqrt(e.variance) }

// Count is the number of returns seen.
func (e *EWMA) Count() int { return e.n }
