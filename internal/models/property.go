// internal/models/property.go
package models

import "time"

// RawProperty is a record as delivered by a connector. It is never mutated
// after the connector returns it.
type RawProperty struct {
	Source       string                 `json:"source"`
	SourceID     string                 `json:"source_id"`
	FetchedAt    time.Time              `json:"fetched_at"`
	Address      string                 `json:"address"`
	City         string                 `json:"city"`
	State        string                 `json:"state"`
	PostalCode   string                 `json:"postal_code"`
	Market       string                 `json:"market"`
	Submarket    string                 `json:"submarket,omitempty"`
	PropertyType string                 `json:"property_type,omitempty"`
	BuildingSF   float64                `json:"building_sf"`
	YearBuilt    *int                   `json:"year_built,omitempty"`
	NOIAnnual    *float64               `json:"noi_annual,omitempty"`
	AskingPrice  *float64               `json:"asking_price,omitempty"`
	Latitude     *float64               `json:"latitude,omitempty"`
	Longitude    *float64               `json:"longitude,omitempty"`
	Attributes   map[string]interface{} `json:"attributes,omitempty"`
}

type Geocode struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Precision string  `json:"precision"` // "source" or "centroid"
}

// NormalizedProperty is the one-to-one cleaned form of a RawProperty.
type NormalizedProperty struct {
	ID               string      `json:"id"`
	DedupeKey        string      `json:"dedupe_key"`
	CanonicalAddress string      `json:"canonical_address"`
	Geocode          Geocode     `json:"geocode"`
	Raw              RawProperty `json:"raw"`
}

func (p NormalizedProperty) Market() string    { return p.Raw.Market }
func (p NormalizedProperty) Submarket() string { return p.Raw.Submarket }

type Demographics struct {
	Population       int     `json:"population"`
	PopulationGrowth float64 `json:"population_growth"`
	MedianIncome     float64 `json:"median_income"`
}

type RiskFactors struct {
	FloodRisk   float64 `json:"flood_risk"`
	ClimateRisk float64 `json:"climate_risk"`
	CrimeIndex  float64 `json:"crime_index"`
}

// MarketFundamentals is the per-market snapshot consumed by the enricher and
// the estimator.
type MarketFundamentals struct {
	Market           string       `json:"market"`
	CapRateMedian12M float64      `json:"cap_rate_median_12m"`
	RentPerSF        float64      `json:"rent_per_sf"`
	VacancyRate      float64      `json:"vacancy_rate"`
	ExpenseRatio     float64      `json:"expense_ratio"`
	RentGrowth       float64      `json:"rent_growth"`
	Demographics     Demographics `json:"demographics"`
	Risk             RiskFactors  `json:"risk"`
	AsOf             time.Time    `json:"as_of"`
	Source           string       `json:"source"`
}

// EnrichedProperty is written only by the enricher.
type EnrichedProperty struct {
	NormalizedProperty
	Fundamentals MarketFundamentals `json:"fundamentals"`
	Demographics Demographics       `json:"demographics"`
	Risk         RiskFactors        `json:"risk"`
	NOIAnnual    float64            `json:"noi_annual"`
	NOIEstimated bool               `json:"noi_estimated"`
	Warnings     []string           `json:"warnings,omitempty"`
}
