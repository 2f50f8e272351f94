package indicators

import "math"

// RSI computes a basic Relative Strength Index without Wilder smoothing.
func RSI(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return 0
	}

	gain := 0.0
	loss := 0.0
	for i := len(values) - period; i < len(values); i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}

	if loss == 0 {
		return 100
	}
	rs := gain / loss
	return 100 - (100 / (1 + rs))
}

// Bollinger returns the middle band (SMA) and the upper/lower bands at the
// given standard-deviation multiple.
func Bollinger(values []float64, period int, mult float64) (middle, upper, lower float64) {
	if period <= 0 || len(values) < period {
		return 0, 0, 0
	}
	middle = SMA(values, period)

	variance := 0.0
	for i := len(values) - period; i < len(values); i++ {
		d := values[i] - middle
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(period))
	return middle, middle + mult*sd, middle - mult*sd
}
