package engine

import (
	"math"
	"sort"

	"github.com/m-lab/speedcore/pkg/engine/model"
	"github.com/m-lab/speedcore/pkg/engine/spec"
)

// NewPingStats summarizes latency samples expressed in milliseconds. With at
// least spec.MinSamplesForTrim samples, the single lowest and highest values
// are excluded from the average and the jitter.
func NewPingStats(samples []float64) model.PingStats {
	stats := model.PingStats{
		Samples: append([]float64(nil), samples...),
	}
	if len(samples) == 0 {
		return stats
	}
	trimmed := trim(samples)
	stats.Average = mean(trimmed)
	stats.Jitter = stddev(trimmed, stats.Average)
	stats.Min, stats.Max = samples[0], samples[0]
	for _, s := range samples[1:] {
		stats.Min = math.Min(stats.Min, s)
		stats.Max = math.Max(stats.Max, s)
	}
	return stats
}

// trim returns a sorted copy of samples without its extremes.
func trim(samples []float64) []float64 {
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	if len(sorted) >= spec.MinSamplesForTrim {
		return sorted[1 : len(sorted)-1]
	}
	return sorted
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stddev is the population standard deviation of values around m.
func stddev(values []float64, m float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sq float64
	for _, v := range values {
		sq += (v - m) * (v - m)
	}
	return math.Sqrt(sq / float64(len(values)))
}

// BufferbloatRating grades a latency increase under load, in milliseconds.
func BufferbloatRating(increase float64) string {
	switch {
	case increase < 30:
		return "A"
	case increase < 60:
		return "B"
	case increase < 200:
		return "C"
	case increase < 400:
		return "D"
	default:
		return "F"
	}
}
