package valuation

import (
	"math"

	"github.com/montanaflynn/stats"

	"valuation-pipeline/internal/models"
)

// conformalHalfWidth returns the 80th percentile absolute percentage error
// of the backtest set, or the default band when the set is too small to
// calibrate against.
func conformalHalfWidth(points []models.BacktestPoint, minPoints int, fallback float64) (float64, bool) {
	apes := make(stats.Float64Data, 0, len(points))
	for _, p := range points {
		if p.Actual <= 0 || math.IsNaN(p.Predicted) {
			continue
		}
		apes = append(apes, math.Abs(p.Predicted-p.Actual)/p.Actual)
	}
	if len(apes) < minPoints {
		return fallback, false
	}
	q, err := stats.PercentileNearestRank(apes, conformalPct)
	if err != nil {
		return fallback, false
	}
	return q, true
}
