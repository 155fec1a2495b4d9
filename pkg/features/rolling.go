package features

import "math"

var aggregateSuffixes = []string{"_mean", "_std", "_min", "_max"}

// rollingAggregates computes trailing mean/std/min/max over the window ending
// at (and including) hour. The series is the imputed hourly sequence, so the
// window is always fully populated.
func rollingAggregates(series []float64, hour, windowHours int) (mean, std, min, max float64) {
	start := hour - windowHours + 1
	if start < 0 {
		start = 0
	}
	window := series[start : hour+1]

	min = window[0]
	max = window[0]
	var sum float64
	for _, v := range window {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	n := float64(len(window))
	mean = sum / n

	var sq float64
	for _, v := range window {
		d := v - mean
		sq += d * d
	}
	std = math.Sqrt(sq / n)
	return mean, std, min, max
}
