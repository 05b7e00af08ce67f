package pipeline

import (
	"valuation-pipeline/internal/common/config"
	apperrors "valuation-pipeline/internal/common/errors"
	"valuation-pipeline/internal/models"
)

// RunRequest is the run configuration accepted from HTTP, Zeebe and the
// scheduler. Unset fields take the configured defaults.
type RunRequest struct {
	RunID             string   `json:"run_id,omitempty"`
	MaxProperties     *int     `json:"max_properties,omitempty"`
	EnableWebhooks    *bool    `json:"enable_webhooks,omitempty"`
	SkipStages        []string `json:"skip_stages,omitempty"`
	DryRun            *bool    `json:"dry_run,omitempty"`
	Sources           []string `json:"sources,omitempty"`
	ConfirmStaleComps bool     `json:"confirm_stale_comps,omitempty"`
}

// Resolve applies defaults and validates stage names once, rejecting the
// first unknown one.
func (r RunRequest) Resolve(defaults config.PipelineConfig) (models.RunConfig, error) {
	cfg := models.RunConfig{
		RunID:             r.RunID,
		MaxProperties:     defaults.MaxProperties,
		EnableWebhooks:    defaults.EnableWebhooks,
		DryRun:            defaults.DryRun,
		Sources:           defaults.Sources,
		ConfirmStaleComps: r.ConfirmStaleComps,
	}
	if r.MaxProperties != nil {
		cfg.MaxProperties = *r.MaxProperties
	}
	if r.EnableWebhooks != nil {
		cfg.EnableWebhooks = *r.EnableWebhooks
	}
	if r.DryRun != nil {
		cfg.DryRun = *r.DryRun
	}
	if len(r.Sources) > 0 {
		cfg.Sources = r.Sources
	}

	names := defaults.SkipStages
	if r.SkipStages != nil {
		names = r.SkipStages
	}
	stages, err := models.ParseStages(names)
	if err != nil {
		return models.RunConfig{}, apperrors.NewValidationError(err.Error())
	}
	cfg.SkipStages = stages
	if cfg.MaxProperties < 0 {
		return models.RunConfig{}, apperrors.NewValidationError("max_properties must not be negative")
	}
	return cfg, nil
}
