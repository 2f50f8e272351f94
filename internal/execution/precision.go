package execution

import "math"

// decimalPlaces derives display precision from an exchange step or tick
// size, e.g. 0.001 -> 3. A zero or malformed step yields 8 as a safe
// default for crypto quantities.
func decimalPlaces(step float64) int {
	if step <= 0 {
		return 8
	}
	if step >= 1 {
		return 0
	}
	return int(math.Ceil(-math.Log10(step)))
}

// truncate floors a value at the given number of decimal places. Order
// quantities are always truncated, never rounded up, so sizing can never
// exceed the available balance.
func truncate(v float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Floor(v)
	}
	pow := math.Pow(10, float64(decimals))
	return math.Floor(v*pow) / pow
}
