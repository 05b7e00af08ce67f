// Package valuation estimates property value from weighted comparable sales,
// checked against an income-approach value and wrapped in a calibrated band.
//
// Cap rates are fractions throughout (0.062 is 6.2%).
package valuation

import (
	"time"

	"valuation-pipeline/internal/marketdata"
	"valuation-pipeline/internal/models"
)

const (
	MinCapRate = 0.02
	MaxCapRate = 0.15

	recencyHalfLifeMonths = 12.0
	distanceScaleMiles    = 15.0
	sameSubmarketBoost    = 2.0
	sizeSigma             = 0.35
	ageSigmaYears         = 10.0

	winsorLowPct    = 5.0
	winsorHighPct   = 95.0
	trimFraction    = 0.05
	minTrendMonths  = 24.0
	conformalPct    = 80.0
	maxHalfWidth    = 0.95
	disagreementMax = 0.15

	lowCompWidenPerComp = 0.01
	wideSpreadIQR       = 0.015
	wideSpreadWiden     = 0.025
	staleCompWiden      = 0.045

	penaltyStaleComps        = 0.15
	penaltyStaleFundamentals = 0.10
	penaltyStaleMacro        = 0.05
	penaltyPerMissingComp    = 0.05
	penaltyDisagreement      = 0.10

	daysPerMonth = 30.4375
)

// Request is a single-property valuation request.
type Request struct {
	PropertyID        string   `json:"property_id,omitempty"`
	RunID             string   `json:"-"`
	Market            string   `json:"market" validate:"required"`
	Submarket         string   `json:"submarket,omitempty"`
	BuildingSF        float64  `json:"building_sf" validate:"gt=0"`
	NOIAnnual         float64  `json:"noi_annual" validate:"gt=0"`
	YearBuilt         *int     `json:"year_built,omitempty" validate:"omitempty,gte=1800,lte=2100"`
	Latitude          *float64 `json:"latitude,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Longitude         *float64 `json:"longitude,omitempty" validate:"omitempty,gte=-180,lte=180"`
	ConfirmStaleComps bool     `json:"confirm_stale_comps,omitempty"`
	Debug             bool     `json:"debug,omitempty"`
}

// Inputs is everything the estimator reads besides the request. Absent
// categories carry a Missing meta.
type Inputs struct {
	Comps            []models.Comparable
	CompsMeta        marketdata.Meta
	Fundamentals     *models.MarketFundamentals
	FundamentalsMeta marketdata.Meta
	Macro            *models.MacroSnapshot
	MacroMeta        marketdata.Meta
	Backtest         []models.BacktestPoint
	BacktestMeta     marketdata.Meta
}

func (in Inputs) degraded() bool {
	return in.CompsMeta.Degraded || in.FundamentalsMeta.Degraded || in.MacroMeta.Degraded
}

type Options struct {
	MinComps          int
	TopN              int
	DefaultBand       float64
	BacktestMinPoints int
	StaleCompMonths   int
	RatePassThrough   float64
	Windows           marketdata.Windows
	Now               func() time.Time
}

func DefaultOptions() Options {
	return Options{
		MinComps:          8,
		TopN:              5,
		DefaultBand:       0.10,
		BacktestMinPoints: 50,
		StaleCompMonths:   18,
		RatePassThrough:   0.5,
		Windows:           marketdata.DefaultWindows(),
		Now:               time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MinComps <= 0 {
		o.MinComps = d.MinComps
	}
	if o.TopN <= 0 {
		o.TopN = d.TopN
	}
	if o.DefaultBand <= 0 {
		o.DefaultBand = d.DefaultBand
	}
	if o.BacktestMinPoints <= 0 {
		o.BacktestMinPoints = d.BacktestMinPoints
	}
	if o.StaleCompMonths <= 0 {
		o.StaleCompMonths = d.StaleCompMonths
	}
	if o.RatePassThrough == 0 {
		o.RatePassThrough = d.RatePassThrough
	}
	if o.Windows == (marketdata.Windows{}) {
		o.Windows = d.Windows
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// scoredComp is a comparable as it moves through the estimator.
type scoredComp struct {
	comp      models.Comparable
	market    string
	capRate   float64 // after winsorization
	ppsf      float64 // after winsorization
	adjusted  float64 // time-normalized cap rate
	monthsAgo float64
	weight    float64
}
