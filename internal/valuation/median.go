package valuation

import "sort"

const cumulativeEpsilon = 1e-9

type weightedValue struct {
	value  float64
	weight float64
}

// weightedQuantile returns the smallest value whose cumulative normalized
// weight reaches q. At q=0.5 this is the lower weighted median: when the
// cumulative weight lands exactly on one half the lower of the two
// straddling values wins.
func weightedQuantile(points []weightedValue, q float64) float64 {
	if len(points) == 0 {
		return 0
	}
	sorted := make([]weightedValue, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].value != sorted[j].value {
			return sorted[i].value < sorted[j].value
		}
		return sorted[i].weight < sorted[j].weight
	})

	total := 0.0
	for _, p := range sorted {
		total += p.weight
	}
	if total <= 0 {
		return sorted[(len(sorted)-1)/2].value
	}

	cum := 0.0
	for _, p := range sorted {
		cum += p.weight / total
		if cum >= q-cumulativeEpsilon {
			return p.value
		}
	}
	return sorted[len(sorted)-1].value
}

func weightedMedian(points []weightedValue) float64 {
	return weightedQuantile(points, 0.5)
}

func weightedIQR(points []weightedValue) float64 {
	return weightedQuantile(points, 0.75) - weightedQuantile(points, 0.25)
}

func adjustedPoints(comps []*scoredComp) []weightedValue {
	out := make([]weightedValue, len(comps))
	for i, c := range comps {
		out[i] = weightedValue{value: c.adjusted, weight: c.weight}
	}
	return out
}
