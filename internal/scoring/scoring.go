// Package scoring turns a valuation into deal, market-positioning and yield
// scores. Every score is a pure function of its Input.
package scoring

import (
	"math"

	"valuation-pipeline/internal/models"
)

// Classification and grade thresholds on the 0-100 Deal Score.
const (
	BuyThreshold  = 70.0
	HoldThreshold = 45.0

	GradeA = 85.0
	GradeB = 70.0
	GradeC = 55.0
	GradeD = 45.0

	weightSpread     = 0.40
	weightUpside     = 0.35
	weightConfidence = 0.25

	// bps of cap spread or treasury spread that map onto the full 0-100 range
	spreadRangeBps = 400.0
	yieldRangeBps  = 400.0
	// upside of +/-25% maps onto 0-100
	upsideRange = 0.50

	StrongYieldBps   = 250.0
	ModerateYieldBps = 150.0
)

const (
	YieldStrong   = "STRONG"
	YieldModerate = "MODERATE"
	YieldWeak     = "WEAK"
)

type Input struct {
	Valuation *models.Valuation
	// MarketCapRate is the market's trailing 12 month median cap rate.
	MarketCapRate float64
	// TenYearTreasury is used for the yield signal. Zero disables it.
	TenYearTreasury float64
	AskingPrice     *float64
	// CompCapRates are the cap rates of the comp set the valuation used.
	CompCapRates []float64
}

// Score returns nil for INSUFFICIENT_DATA valuations, which carry no price.
func Score(in Input) *models.Score {
	v := in.Valuation
	if v == nil || v.Status == models.ValuationInsufficientData || v.Point <= 0 {
		return nil
	}

	spread := spreadScore(v.CapRateApplied, in.MarketCapRate)
	upside := upsideScore(v.Point, in.AskingPrice)
	confidence := clamp(v.Confidence*100, 0, 100)
	deal := round2(weightSpread*spread + weightUpside*upside + weightConfidence*confidence)

	yieldSignal, label := yield(v.CapRateApplied, in.TenYearTreasury)

	return &models.Score{
		PropertyID:     v.PropertyID,
		RunID:          v.RunID,
		DealScore:      deal,
		MTSScore:       round2(mtsScore(v.CapRateApplied, in.CompCapRates)),
		YieldSignal:    round2(yieldSignal),
		YieldLabel:     label,
		Classification: Classify(deal),
		Grade:          Grade(deal),
		Components: models.ScoreBreakdown{
			Spread:     round2(spread),
			Upside:     round2(upside),
			Confidence: round2(confidence),
		},
	}
}

func Classify(deal float64) models.Classification {
	switch {
	case deal >= BuyThreshold:
		return models.ClassBuy
	case deal >= HoldThreshold:
		return models.ClassHold
	default:
		return models.ClassAvoid
	}
}

func Grade(deal float64) string {
	switch {
	case deal >= GradeA:
		return "A"
	case deal >= GradeB:
		return "B"
	case deal >= GradeC:
		return "C"
	case deal >= GradeD:
		return "D"
	default:
		return "F"
	}
}

// spreadScore is 50 at the market median and moves 25 points per 100bp
// the applied cap rate sits above it.
func spreadScore(applied, market float64) float64 {
	if market <= 0 {
		return 50
	}
	bps := (applied - market) * 10000
	return clamp(50+bps*100/spreadRangeBps, 0, 100)
}

// upsideScore is neutral when no asking price is known.
func upsideScore(point float64, asking *float64) float64 {
	if asking == nil || *asking <= 0 {
		return 50
	}
	upside := (point - *asking) / *asking
	return clamp(50+upside*100/upsideRange, 0, 100)
}

// mtsScore is the mid-rank percentile of the applied cap rate within the
// comp set.
func mtsScore(applied float64, comps []float64) float64 {
	if len(comps) == 0 {
		return 50
	}
	below, equal := 0, 0
	for _, c := range comps {
		switch {
		case c < applied:
			below++
		case c == applied:
			equal++
		}
	}
	return 100 * (float64(below) + 0.5*float64(equal)) / float64(len(comps))
}

func yield(applied, treasury float64) (float64, string) {
	if treasury <= 0 {
		return 0, YieldWeak
	}
	bps := (applied - treasury) * 10000
	label := YieldWeak
	switch {
	case bps >= StrongYieldBps:
		label = YieldStrong
	case bps >= ModerateYieldBps:
		label = YieldModerate
	}
	return clamp(bps*100/yieldRangeBps, 0, 100), label
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
