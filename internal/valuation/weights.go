package valuation

import (
	"math"
	"strings"
)

const earthRadiusMiles = 3958.8

// assignWeights sets each comp's similarity weight to the product of its
// recency, distance, size and age kernels, normalized to sum to 1. When
// every raw product underflows the comps share weight equally.
func assignWeights(comps []*scoredComp, req Request) {
	if len(comps) == 0 {
		return
	}
	total := 0.0
	for _, c := range comps {
		c.weight = recencyWeight(c.monthsAgo) *
			distanceWeight(req, c) *
			sizeWeight(req.BuildingSF, c.comp.BuildingSF) *
			ageWeight(req.YearBuilt, c.comp.YearBuilt)
		total += c.weight
	}
	if total <= 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		for _, c := range comps {
			c.weight = 1 / float64(len(comps))
		}
		return
	}
	for _, c := range comps {
		c.weight /= total
	}
}

func recencyWeight(monthsAgo float64) float64 {
	if monthsAgo < 0 {
		monthsAgo = 0
	}
	return math.Exp(-math.Ln2 * monthsAgo / recencyHalfLifeMonths)
}

func distanceWeight(req Request, c *scoredComp) float64 {
	w := 1.0
	if req.Latitude != nil && req.Longitude != nil && c.comp.Latitude != nil && c.comp.Longitude != nil {
		miles := haversineMiles(*req.Latitude, *req.Longitude, *c.comp.Latitude, *c.comp.Longitude)
		w = math.Exp(-miles / distanceScaleMiles)
	}
	if req.Submarket != "" && strings.EqualFold(req.Submarket, c.comp.Submarket) {
		w *= sameSubmarketBoost
	}
	return w
}

func sizeWeight(subjectSF, compSF float64) float64 {
	if subjectSF <= 0 || compSF <= 0 {
		return 1
	}
	d := math.Log(compSF) - math.Log(subjectSF)
	return math.Exp(-d * d / (2 * sizeSigma * sizeSigma))
}

func ageWeight(subject, comp *int) float64 {
	if subject == nil || comp == nil {
		return 1
	}
	d := float64(*comp - *subject)
	return math.Exp(-d * d / (2 * ageSigmaYears * ageSigmaYears))
}

func haversineMiles(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMiles * math.Asin(math.Sqrt(a))
}
