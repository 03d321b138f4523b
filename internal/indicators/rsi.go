package indicators

// RSI computes an unsmoothed Relative Strength Index over the last period
// price changes.
func RSI(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return 0
	}

	gain, loss := 0.0, 0.0
	for i := len(values) - period; i < len(values); i++ {
		switch change := values[i] - values[i-1]; {
		case change > 0:
			gain += change
		case change < 0:
			loss -= change
		}
	}
	if loss == 0 {
		if gain == 0 {
			return 50
		}
		return 100
	}
	rs := gain / loss
	return 100 - (100 / (1 + rs))
}
