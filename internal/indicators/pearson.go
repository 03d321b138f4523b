package indicators

import "math"

// Pearson accumulates paired observations for a correlation coefficient.
type Pearson struct {
	n                   int
	sumX, sumY          float64
	sumXX, sumYY, sumXY float64
}

// Add records one (x, y) pair.
func (p *Pearson) Add(x, y float64) {
	p.n++
	p.sumX += x
	p.sumY += y
	p.sumXX += x * x
	p.sumYY += y * y
	p.sumXY += x * y
}

// Count returns the number of pairs.
func (p *Pearson) Count() int { return p.n }

// Correlation returns the coefficient in [-1, 1], or 0 with fewer than two
// pairs or when either side has no variance.
func (p *Pearson) Correlation() float64 {
	if p.n < 2 {
		return 0
	}
	n := float64(p.n)
	cov := p.sumXY - p.sumX*p.sumY/n
	varX := p.sumXX - p.sumX*p.sumX/n
	varY := p.sumYY - p.sumY*p.sumY/n
	if varX <= 0 || varY <= 0 {
		return 0
	}
	r := cov / math.Sqrt(varX*varY)
	return math.Max(-1, math.Min(1, r))
}

// Correlate aligns two return series by index, truncating to the shorter one.
// Pairs where either side is NaN are left out.
func Correlate(a, b []float64) (float64, int) {
	var p Pearson
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if math.IsNaN(a[i]) || math.IsNaN(b[i]) {
			continue
		}
		p.Add(a[i], b[i])
	}
	return p.Correlation(), p.Count()
}
