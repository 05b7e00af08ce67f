package valuation

import (
	"github.com/montanaflynn/stats"
)

// trendSlopes fits a Theil-Sen slope of cap rate against time per market,
// in cap-rate units per month. Markets with under 24 months of sale history
// get no entry.
func trendSlopes(comps []*scoredComp) map[string]float64 {
	out := map[string]float64{}
	for market, group := range groupByMarket(comps) {
		if slope, ok := theilSen(group); ok {
			out[market] = slope
		}
	}
	return out
}

func theilSen(group []*scoredComp) (float64, bool) {
	if len(group) < 3 {
		return 0, false
	}
	oldest, newest := group[0].monthsAgo, group[0].monthsAgo
	for _, c := range group {
		if c.monthsAgo > oldest {
			oldest = c.monthsAgo
		}
		if c.monthsAgo < newest {
			newest = c.monthsAgo
		}
	}
	if oldest-newest < minTrendMonths {
		return 0, false
	}

	slopes := make(stats.Float64Data, 0, len(group)*(len(group)-1)/2)
	for i := 0; i < len(group); i++ {
		for j := i + 1; j < len(group); j++ {
			// time runs opposite to monthsAgo
			dt := group[i].monthsAgo - group[j].monthsAgo
			if dt == 0 {
				continue
			}
			slopes = append(slopes, (group[j].capRate-group[i].capRate)/dt)
		}
	}
	if len(slopes) == 0 {
		return 0, false
	}
	m, err := stats.Median(slopes)
	if err != nil {
		return 0, false
	}
	return m, true
}

// timeAdjust projects each comp's cap rate forward to the valuation date.
// It reports whether every market had a usable trend.
func timeAdjust(comps []*scoredComp, slopes map[string]float64) bool {
	complete := true
	for _, c := range comps {
		slope, ok := slopes[c.market]
		if !ok {
			complete = false
			c.adjusted = c.capRate
			continue
		}
		c.adjusted = clamp(c.capRate+slope*c.monthsAgo, MinCapRate, MaxCapRate)
	}
	return complete
}
