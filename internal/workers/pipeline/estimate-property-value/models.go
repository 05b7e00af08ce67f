// internal/workers/pipeline/estimate-property-value/models.go
package estimatepropertyvalue

import (
	"valuation-pipeline/internal/models"
	"valuation-pipeline/internal/valuation"
)

type Input struct {
	PropertyID        string   `json:"propertyId,omitempty"`
	Market            string   `json:"market"`
	Submarket         string   `json:"submarket,omitempty"`
	BuildingSF        float64  `json:"buildingSf"`
	NOIAnnual         float64  `json:"noiAnnual"`
	YearBuilt         *int     `json:"yearBuilt,omitempty"`
	Latitude          *float64 `json:"latitude,omitempty"`
	Longitude         *float64 `json:"longitude,omitempty"`
	ConfirmStaleComps bool     `json:"confirmStaleComps,omitempty"`
	Debug             bool     `json:"debug,omitempty"`
}

func (in Input) request() valuation.Request {
	return valuation.Request{
		PropertyID:        in.PropertyID,
		Market:            in.Market,
		Submarket:         in.Submarket,
		BuildingSF:        in.BuildingSF,
		NOIAnnual:         in.NOIAnnual,
		YearBuilt:         in.YearBuilt,
		Latitude:          in.Latitude,
		Longitude:         in.Longitude,
		ConfirmStaleComps: in.ConfirmStaleComps,
		Debug:             in.Debug,
	}
}

type Output struct {
	Valuation models.ValuationResponse `json:"valuation"`
}
