package indicators

import "math"

// Welford keeps a running mean and sample variance.
type Welford struct {
	n    int
	mean float64
	m2   float64
}

// Add folds one observation.
func (w *Welford) Add(x float64) {
	w.n++
	delta := x - w.mean
	w.mean += delta / float64(w.n)
	w.m2 += delta * (x - w.mean)
}

// Count is the number of observations.
func (w *Welford) Count() int { return w.n }

// Mean is the running mean.
func (w *Welford) Mean() float64 { return w.mean }

// StdDev is the sample standard deviation, 0 with fewer than two points.
func (w *Welford) StdDev() float64 {
	if w.n < 2 {
		return 0
	}
	return math.Sqrt(w.m2 / float64(w.n-1))
}
