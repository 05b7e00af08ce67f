package valuation

import (
	"sort"
	"strings"

	"github.com/montanaflynn/stats"

	"valuation-pipeline/internal/models"
)

// rejectOutliers drops comps with an implausible cap rate or no usable size.
func rejectOutliers(comps []models.Comparable, monthsAgo func(models.Comparable) float64) []*scoredComp {
	out := make([]*scoredComp, 0, len(comps))
	for _, c := range comps {
		if c.CapRate < MinCapRate || c.CapRate > MaxCapRate || c.BuildingSF <= 0 || c.SaleDate.IsZero() {
			continue
		}
		out = append(out, &scoredComp{
			comp:      c,
			market:    strings.ToUpper(c.Market),
			capRate:   c.CapRate,
			ppsf:      c.PricePerSF(),
			monthsAgo: monthsAgo(c),
		})
	}
	return out
}

func groupByMarket(comps []*scoredComp) map[string][]*scoredComp {
	out := map[string][]*scoredComp{}
	for _, c := range comps {
		out[c.market] = append(out[c.market], c)
	}
	return out
}

// winsorize clamps cap rate and price-per-sf to each market's [P5, P95].
func winsorize(comps []*scoredComp) {
	for _, group := range groupByMarket(comps) {
		caps := make(stats.Float64Data, len(group))
		ppsf := make(stats.Float64Data, 0, len(group))
		for i, c := range group {
			caps[i] = c.capRate
			if c.ppsf > 0 {
				ppsf = append(ppsf, c.ppsf)
			}
		}
		capLo, capHi := bounds(caps)
		ppsfLo, ppsfHi := bounds(ppsf)
		for _, c := range group {
			c.capRate = clamp(c.capRate, capLo, capHi)
			if c.ppsf > 0 {
				c.ppsf = clamp(c.ppsf, ppsfLo, ppsfHi)
			}
		}
	}
}

func bounds(data stats.Float64Data) (float64, float64) {
	if len(data) == 0 {
		return 0, 0
	}
	lo, _ := stats.PercentileNearestRank(data, winsorLowPct)
	hi, _ := stats.PercentileNearestRank(data, winsorHighPct)
	return lo, hi
}

// trimTails removes floor(5% of n) comps from each end of every market's
// adjusted cap rate distribution.
func trimTails(comps []*scoredComp) []*scoredComp {
	groups := groupByMarket(comps)
	markets := make([]string, 0, len(groups))
	for m := range groups {
		markets = append(markets, m)
	}
	sort.Strings(markets)

	out := make([]*scoredComp, 0, len(comps))
	for _, m := range markets {
		group := groups[m]
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].adjusted != group[j].adjusted {
				return group[i].adjusted < group[j].adjusted
			}
			return group[i].comp.ID < group[j].comp.ID
		})
		// floor: markets with fewer than 20 comps are not trimmed
		k := int(float64(len(group)) * trimFraction)
		out = append(out, group[k:len(group)-k]...)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
