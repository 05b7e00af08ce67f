// internal/workers/pipeline/run-valuation-pipeline/models.go
package runvaluationpipeline

import (
	"valuation-pipeline/internal/models"
	"valuation-pipeline/internal/pipeline"
)

type Input struct {
	RunID             string   `json:"runId,omitempty"`
	MaxProperties     *int     `json:"maxProperties,omitempty"`
	EnableWebhooks    *bool    `json:"enableWebhooks,omitempty"`
	SkipStages        []string `json:"skipStages,omitempty"`
	DryRun            *bool    `json:"dryRun,omitempty"`
	Sources           []string `json:"sources,omitempty"`
	ConfirmStaleComps bool     `json:"confirmStaleComps,omitempty"`
}

func (in Input) request() pipeline.RunRequest {
	return pipeline.RunRequest{
		RunID:             in.RunID,
		MaxProperties:     in.MaxProperties,
		EnableWebhooks:    in.EnableWebhooks,
		SkipStages:        in.SkipStages,
		DryRun:            in.DryRun,
		Sources:           in.Sources,
		ConfirmStaleComps: in.ConfirmStaleComps,
	}
}

type Output struct {
	RunID      string            `json:"runId"`
	RunStatus  models.RunStatus  `json:"runStatus"`
	RunSummary models.RunSummary `json:"runSummary"`
}
