// internal/models/score.go
package models

type Classification string

const (
	ClassBuy   Classification = "BUY"
	ClassHold  Classification = "HOLD"
	ClassAvoid Classification = "AVOID"
)

type Score struct {
	PropertyID     string         `json:"property_id,omitempty"`
	RunID          string         `json:"run_id,omitempty"`
	DealScore      float64        `json:"deal_score"`
	MTSScore       float64        `json:"mts_score"`
	YieldSignal    float64        `json:"yield_signal"`
	YieldLabel     string         `json:"yield_label"`
	Classification Classification `json:"classification"`
	Grade          string         `json:"grade"`
	Components     ScoreBreakdown `json:"components"`
}

type ScoreBreakdown struct {
	Spread     float64 `json:"spread"`
	Upside     float64 `json:"upside"`
	Confidence float64 `json:"confidence"`
}
