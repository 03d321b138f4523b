package indicators

// MovingAverage is a fixed-window running mean over the most recent samples.
type MovingAverage struct {
	window []float64
	next   int
	filled bool
	sum    float64
}

// NewMovingAverage returns an accumulator over period samples.
func NewMovingAverage(period int) *MovingAverage {
	if period <= 0 {
		period = 1
	}
	return &MovingAverage{window: make([]float64, period)}
}

// Add pushes v, evicting the oldest sample once the window is full.
func (m *MovingAverage) Add(v float64) {
	m.sum += v - m.window[m.next]
	m.window[m.next] = v
	m.next++
	if m.next == len(m.window) {
		m.next = 0
		m.filled = true
	}
}

// Ready reports whether a full window has been seen.
func (m *MovingAverage) Ready() bool { return m.filled }

// Value is the window mean, 0 until Ready.
func (m *MovingAverage) Value() float64 {
	if !m.filled {
		return 0
	}
	return m.sum / float64(len(m.window))
}

// SMA is the mean of the last period values, 0 with fewer values.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	m := NewMovingAverage(period)
	for _, v := range values[len(values)-period:] {
		m.Add(v)
	}
	return m.Value()
}
