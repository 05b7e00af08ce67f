package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valuation-pipeline/internal/models"
)

func createTestValuation(capRate, confidence float64) *models.Valuation {
	return &models.Valuation{
		PropertyID:     "prop-1",
		RunID:          "run-1",
		Point:          1200000 / capRate,
		Low:            1200000 / capRate * 0.95,
		High:           1200000 / capRate * 1.05,
		CapRateApplied: capRate,
		Confidence:     confidence,
		Status:         models.ValuationFresh,
	}
}

func TestClassifyAndGrade(t *testing.T) {
	tests := []struct {
		deal      float64
		wantClass models.Classification
		wantGrade string
	}{
		{deal: 100, wantClass: models.ClassBuy, wantGrade: "A"},
		{deal: 85, wantClass: models.ClassBuy, wantGrade: "A"},
		{deal: 84.99, wantClass: models.ClassBuy, wantGrade: "B"},
		{deal: 70, wantClass: models.ClassBuy, wantGrade: "B"},
		{deal: 69.99, wantClass: models.ClassHold, wantGrade: "C"},
		{deal: 55, wantClass: models.ClassHold, wantGrade: "C"},
		{deal: 45, wantClass: models.ClassHold, wantGrade: "D"},
		{deal: 44.99, wantClass: models.ClassAvoid, wantGrade: "F"},
		{deal: 0, wantClass: models.ClassAvoid, wantGrade: "F"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.wantClass, Classify(tt.deal), "deal %v", tt.deal)
		assert.Equal(t, tt.wantGrade, Grade(tt.deal), "deal %v", tt.deal)
	}
}

func TestScore(t *testing.T) {
	asking := 1200000 / 0.063 * 0.9
	tests := []struct {
		name       string
		input      Input
		wantDeal   float64
		wantMTS    float64
		wantYield  string
		wantClass  models.Classification
		wantSpread float64
	}{
		{
			name:       "at market with no asking price",
			input:      Input{Valuation: createTestValuation(0.063, 0.9), MarketCapRate: 0.063, TenYearTreasury: 0.043},
			wantDeal:   0.40*50 + 0.35*50 + 0.25*90,
			wantMTS:    50,
			wantYield:  YieldModerate,
			wantClass:  models.ClassHold,
			wantSpread: 50,
		},
		{
			name: "above market cap and priced below value",
			input: Input{
				Valuation: createTestValuation(0.071, 0.9), MarketCapRate: 0.063, TenYearTreasury: 0.043,
				AskingPrice:  &asking,
				CompCapRates: []float64{0.058, 0.060, 0.062, 0.065, 0.071, 0.075},
			},
			// spread +80bp -> 70; upside vs a 0.071 valuation of an asking
			// price set 10% under the 0.063 value
			wantMTS:    100 * 4.5 / 6,
			wantYield:  YieldStrong,
			wantSpread: 70,
		},
		{
			name:       "thin treasury spread",
			input:      Input{Valuation: createTestValuation(0.050, 0.4), MarketCapRate: 0.063, TenYearTreasury: 0.043},
			wantDeal:   0.40*17.5 + 0.35*50 + 0.25*40,
			wantMTS:    50,
			wantYield:  YieldWeak,
			wantClass:  models.ClassAvoid,
			wantSpread: 17.5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Score(tt.input)
			require.NotNil(t, s)
			assert.Equal(t, "prop-1", s.PropertyID)
			assert.Equal(t, "run-1", s.RunID)
			assert.InDelta(t, tt.wantMTS, s.MTSScore, 0.01)
			assert.Equal(t, tt.wantYield, s.YieldLabel)
			assert.InDelta(t, tt.wantSpread, s.Components.Spread, 0.01)
			if tt.wantDeal != 0 {
				assert.InDelta(t, tt.wantDeal, s.DealScore, 0.01)
				assert.Equal(t, tt.wantClass, s.Classification)
			}
			assert.Equal(t, Classify(s.DealScore), s.Classification)
			assert.Equal(t, Grade(s.DealScore), s.Grade)
			assert.GreaterOrEqual(t, s.DealScore, 0.0)
			assert.LessOrEqual(t, s.DealScore, 100.0)
		})
	}
}

func TestScore_Deterministic(t *testing.T) {
	asking := 18000000.0
	in := Input{
		Valuation: createTestValuation(0.066, 0.72), MarketCapRate: 0.063, TenYearTreasury: 0.043,
		AskingPrice: &asking, CompCapRates: []float64{0.061, 0.066, 0.070},
	}
	first := Score(in)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Score(in))
	}
}

func TestScore_InsufficientData(t *testing.T) {
	assert.Nil(t, Score(Input{}))
	assert.Nil(t, Score(Input{Valuation: &models.Valuation{Status: models.ValuationInsufficientData}}))
}
