// internal/models/valuation.go
package models

import "time"

type ValuationStatus string

const (
	ValuationFresh            ValuationStatus = "FRESH"
	ValuationStaleData        ValuationStatus = "STALE_DATA"
	ValuationInsufficientData ValuationStatus = "INSUFFICIENT_DATA"
)

// Warning flags attached to a valuation.
const (
	WarnLowCompCount          = "low_comp_count"
	WarnWideSpread            = "wide_comp_spread"
	WarnStaleComps            = "stale_comps"
	WarnStaleConfirmation     = "stale_comps_confirmation_required"
	WarnEngineDisagreement    = "engine_disagreement"
	WarnTrendUnavailable      = "insufficient_trend_history"
	WarnUncalibratedBand      = "uncalibrated_band"
	WarnStaleFundamentals     = "stale_fundamentals"
	WarnStaleMacro            = "stale_macro"
	WarnMissingFundamentals   = "missing_fundamentals"
	WarnMissingMacro          = "missing_macro"
	WarnNoUsableComparables   = "no_usable_comparables"
	WarnDegradedExternalFetch = "degraded_external_fetch"
)

// DataProvenance records where one data category came from.
type DataProvenance struct {
	Source    string    `json:"source"`
	AsOf      time.Time `json:"as_of"`
	Freshness string    `json:"freshness"`
}

// CompContribution is a masked view of a comparable that drove the estimate.
type CompContribution struct {
	Ref             string  `json:"ref"`
	Submarket       string  `json:"submarket"`
	SaleMonth       string  `json:"sale_month"`
	CapRate         float64 `json:"cap_rate"`
	AdjustedCapRate float64 `json:"adjusted_cap_rate"`
	PricePerSF      float64 `json:"price_per_sf"`
	Weight          float64 `json:"weight"`
}

func NewCompContribution(ref, submarket string, saleDate time.Time, capRate, adjusted, ppsf, weight float64) CompContribution {
	return CompContribution{
		Ref:             ref,
		Submarket:       submarket,
		SaleMonth:       saleDate.Format("2006-01"),
		CapRate:         capRate,
		AdjustedCapRate: adjusted,
		PricePerSF:      ppsf,
		Weight:          weight,
	}
}

type ValueRange struct {
	Low   float64 `json:"low"`
	Point float64 `json:"point"`
	High  float64 `json:"high"`
}

// Valuation is produced once per (property, run) and not modified afterwards.
type Valuation struct {
	PropertyID     string                    `json:"property_id,omitempty"`
	RunID          string                    `json:"run_id,omitempty"`
	Market         string                    `json:"market"`
	Point          float64                   `json:"point"`
	Low            float64                   `json:"low"`
	High           float64                   `json:"high"`
	CapRateApplied float64                   `json:"cap_rate_applied"`
	Confidence     float64                   `json:"confidence"`
	Status         ValuationStatus           `json:"status"`
	Provenance     map[string]DataProvenance `json:"provenance"`
	TopComps       []CompContribution        `json:"top_comps"`
	Warnings       []string                  `json:"warnings"`
	ValidComps     int                       `json:"valid_comps"`
	HalfWidth      float64                   `json:"half_width"`
	ValuedAt       time.Time                 `json:"valued_at"`
	Diagnostics    map[string]interface{}    `json:"diagnostics,omitempty"`
	// CompCapRates are the cap rates of the comps behind the estimate, kept
	// for scoring and never serialized.
	CompCapRates []float64 `json:"-"`
}

func (v *Valuation) HasWarning(flag string) bool {
	for _, w := range v.Warnings {
		if w == flag {
			return true
		}
	}
	return false
}

// ValuationResponse is the external request/response shape.
type ValuationResponse struct {
	EstimatedValue  float64                   `json:"estimated_value"`
	ValueRange      ValueRange                `json:"value_range"`
	CapRateApplied  float64                   `json:"cap_rate_applied"`
	ConfidenceScore float64                   `json:"confidence_score"`
	Status          ValuationStatus           `json:"status"`
	Provenance      map[string]DataProvenance `json:"provenance"`
	TopComps        []CompContribution        `json:"top_comps"`
	Warnings        []string                  `json:"warnings"`
	Diagnostics     map[string]interface{}    `json:"diagnostics,omitempty"`
}

func (v *Valuation) ToResponse() ValuationResponse {
	warnings := v.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	comps := v.TopComps
	if comps == nil {
		comps = []CompContribution{}
	}
	return ValuationResponse{
		EstimatedValue:  v.Point,
		ValueRange:      ValueRange{Low: v.Low, Point: v.Point, High: v.High},
		CapRateApplied:  v.CapRateApplied,
		ConfidenceScore: v.Confidence,
		Status:          v.Status,
		Provenance:      v.Provenance,
		TopComps:        comps,
		Warnings:        warnings,
		Diagnostics:     v.Diagnostics,
	}
}
