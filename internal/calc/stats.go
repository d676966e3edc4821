// Summary statistics over metric samples
package calc

import (
	"math"
	"slices"
)

type Number interface {
	~int | ~int64 | ~int32 | ~uint | ~uint64 | ~uint32 | ~float64 | ~float32
}

// Mean after dropping trimFraction of the sorted samples from each end.
// At least one sample always survives.
func TrimmedMean[T Number](values []T, trimFraction float64) (mean float64) {
	n := len(values)
	if n == 0 {
		return
	}
	trimFraction = max(trimFraction, 0)

	sorted := slices.Clone(values)
	slices.Sort(sorted)

	trimCount := int(float64(n) * trimFraction)
	if trimCount*2 >= n {
		trimCount = (n - 1) / 2
	}

	var sum float64
	kept := sorted[trimCount : n-trimCount]
	for _, v := range kept {
		sum += float64(v)
	}
	mean = sum / float64(len(kept))
	return
}

// Sample at quantile q (0..1) using nearest rank on the sorted samples
func Quantile[T Number](values []T, q float64) (value T) {
	n := len(values)
	if n == 0 {
		return
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)

	q = min(max(q, 0), 1)
	rank := int(math.Ceil(q*float64(n))) - 1
	value = sorted[max(rank, 0)]
	return
}
