package window

// Temporal statistics used by the trend and pattern strategies. All
// slope computations run against elapsed time, not sample index, so
// irregular sampling intervals do not distort the estimate.

// Mean returns the arithmetic mean of values.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Variance returns the population variance of values.
func Variance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := Mean(values)
	sum := 0.0
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return sum / float64(len(values))
}

// Lag1Autocorr returns the lag-1 autocorrelation of values. ok is false
// when the series is too short or has zero variance.
func Lag1Autocorr(values []float64) (float64, bool) {
	if len(values) < 3 {
		return 0, false
	}
	mean := Mean(values)

	var num, den float64
	for i := 0; i < len(values)-1; i++ {
		num += (values[i] - mean) * (values[i+1] - mean)
	}
	for _, v := range values {
		d := v - mean
		den += d * d
	}
	if den == 0 {
		return 0, false
	}
	return num / den, true
}

// SlopePerSecond fits a least-squares line through samples with x as
// elapsed seconds from the first sample and returns its slope. ok is
// false when there are fewer than two distinct timestamps.
func SlopePerSecond(samples []Sample) (float64, bool) {
	if len(samples) < 2 {
		return 0, false
	}

	t0 := samples[0].Timestamp
	var sumX, sumY, sumXY, sumXX float64
	n := float64(len(samples))
	for _, s := range samples {
		x := float64(s.Timestamp-t0) / 1000.0
		sumX += x
		sumY += s.Value
		sumXY += x * s.Value
		sumXX += x * x
	}

	den := n*sumXX - sumX*sumX
	if den == 0 {
		return 0, false
	}
	return (n*sumXY - sumX*sumY) / den, true
}

// IndexSlope fits a least-squares line through values against their
// index. Used on sequences of windowed estimates, which are evenly
// spaced by construction.
func IndexSlope(values []float64) (float64, bool) {
	if len(values) < 2 {
		return 0, false
	}
	var sumX, sumY, sumXY, sumXX float64
	n := float64(len(values))
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	den := n*sumXX - sumX*sumX
	if den == 0 {
		return 0, false
	}
	return (n*sumXY - sumX*sumY) / den, true
}

// Values extracts the value series from samples.
func Values(samples []Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Value
	}
	return out
}
