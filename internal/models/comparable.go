// internal/models/comparable.go
package models

import "time"

// Comparable is a historical sale used as valuation evidence.
type Comparable struct {
	ID         string    `json:"id"`
	Market     string    `json:"market"`
	Submarket  string    `json:"submarket"`
	Price      float64   `json:"price"`
	BuildingSF float64   `json:"building_sf"`
	CapRate    float64   `json:"cap_rate"`
	SaleDate   time.Time `json:"sale_date"`
	YearBuilt  *int      `json:"year_built,omitempty"`
	Latitude   *float64  `json:"latitude,omitempty"`
	Longitude  *float64  `json:"longitude,omitempty"`
	Verified   bool      `json:"verified"`
}

func (c Comparable) PricePerSF() float64 {
	if c.BuildingSF <= 0 {
		return 0
	}
	return c.Price / c.BuildingSF
}

// MacroSnapshot holds rate indicators as of a date.
type MacroSnapshot struct {
	TenYearTreasury        float64   `json:"ten_year_treasury"`
	TenYearTreasuryYearAgo float64   `json:"ten_year_treasury_year_ago"`
	FedFunds               float64   `json:"fed_funds"`
	AsOf                   time.Time `json:"as_of"`
	Source                 string    `json:"source"`
}

// BacktestPoint is one historical prediction and the price later realised.
type BacktestPoint struct {
	Predicted float64   `json:"predicted"`
	Actual    float64   `json:"actual"`
	Date      time.Time `json:"date"`
}
