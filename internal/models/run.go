// internal/models/run.go
package models

import (
	"fmt"
	"strings"
	"time"
)

type RunStatus string

const (
	RunQueued    RunStatus = "QUEUED"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// Stage is one of the fixed pipeline stages.
type Stage string

const (
	StageIngestion     Stage = "ingestion"
	StageNormalization Stage = "normalization"
	StageEnrichment    Stage = "enrichment"
	StageValuation     Stage = "valuation"
	StageScoring       Stage = "scoring"
	StagePersistence   Stage = "persistence"
	StageWebhooks      Stage = "webhooks"
)

// Stages lists every stage in execution order.
var Stages = []Stage{
	StageIngestion,
	StageNormalization,
	StageEnrichment,
	StageValuation,
	StageScoring,
	StagePersistence,
	StageWebhooks,
}

// ParseStage accepts a stage name in any case.
func ParseStage(s string) (Stage, error) {
	name := Stage(strings.ToLower(strings.TrimSpace(s)))
	for _, st := range Stages {
		if st == name {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// ParseStages validates a list of stage names, rejecting the first unknown one.
func ParseStages(names []string) ([]Stage, error) {
	out := make([]Stage, 0, len(names))
	for _, n := range names {
		st, err := ParseStage(n)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// RunConfig is the run configuration surface accepted from callers.
type RunConfig struct {
	RunID             string   `json:"run_id,omitempty"`
	MaxProperties     int      `json:"max_properties,omitempty" validate:"gte=0"`
	EnableWebhooks    bool     `json:"enable_webhooks"`
	SkipStages        []Stage  `json:"skip_stages,omitempty"`
	DryRun            bool     `json:"dry_run"`
	Sources           []string `json:"sources,omitempty"`
	ConfirmStaleComps bool     `json:"confirm_stale_comps,omitempty"`
}

func (c RunConfig) Skips(st Stage) bool {
	for _, s := range c.SkipStages {
		if s == st {
			return true
		}
	}
	return false
}

// StageError ties a failure to the run, the stage and (when known) the property.
type StageError struct {
	RunID      string `json:"run_id"`
	Stage      Stage  `json:"stage"`
	PropertyID string `json:"property_id,omitempty"`
	Source     string `json:"source,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

type StageResult struct {
	Stage     Stage         `json:"stage"`
	Skipped   bool          `json:"skipped"`
	Simulated bool          `json:"simulated,omitempty"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Errors    []StageError  `json:"errors"`
	Duration  time.Duration `json:"duration"`
}

type WebhookCounts struct {
	Queued    int `json:"queued"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Rejected  int `json:"rejected"`
	Simulated int `json:"simulated"`
}

// PipelineRun tracks one execution of the pipeline.
type PipelineRun struct {
	RunID       string                 `json:"run_id"`
	Status      RunStatus              `json:"status"`
	Config      RunConfig              `json:"config"`
	Stages      map[Stage]*StageResult `json:"stages"`
	Webhooks    WebhookCounts          `json:"webhooks"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	FailReason  string                 `json:"fail_reason,omitempty"`
	// Aborted marks a run that failed because it was aborted.
	Aborted     bool                   `json:"aborted,omitempty"`
}

func NewPipelineRun(runID string, cfg RunConfig, now time.Time) *PipelineRun {
	cfg.RunID = runID
	return &PipelineRun{
		RunID:     runID,
		Status:    RunQueued,
		Config:    cfg,
		Stages:    make(map[Stage]*StageResult, len(Stages)),
		StartedAt: now,
	}
}

var runTransitions = map[RunStatus][]RunStatus{
	RunQueued:  {RunRunning, RunFailed},
	RunRunning: {RunCompleted, RunFailed},
}

// Transition moves the run forward. Terminal states never change.
func (r *PipelineRun) Transition(to RunStatus, now time.Time) error {
	for _, allowed := range runTransitions[r.Status] {
		if allowed == to {
			r.Status = to
			if to == RunCompleted || to == RunFailed {
				t := now
				r.CompletedAt = &t
			}
			return nil
		}
	}
	return fmt.Errorf("invalid run transition %s -> %s", r.Status, to)
}

func (r *PipelineRun) Terminal() bool {
	return r.Status == RunCompleted || r.Status == RunFailed
}

// StageSummary is the per-stage line of a run summary.
type StageSummary struct {
	Stage     Stage        `json:"stage"`
	Skipped   bool         `json:"skipped"`
	Simulated bool         `json:"simulated,omitempty"`
	Attempted int          `json:"attempted"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Errors    []StageError `json:"errors"`
}

// RunSummary is the aggregate view returned to callers once a run is terminal.
type RunSummary struct {
	RunID      string         `json:"run_id"`
	Status     RunStatus      `json:"status"`
	DryRun     bool           `json:"dry_run"`
	Stages     []StageSummary `json:"stages"`
	Webhooks   WebhookCounts  `json:"webhooks"`
	DurationMs int64          `json:"duration_ms"`
	StartedAt  time.Time      `json:"started_at"`
	FailReason string         `json:"fail_reason,omitempty"`
	Aborted    bool           `json:"aborted,omitempty"`
}

func (r *PipelineRun) Summary() RunSummary {
	s := RunSummary{
		RunID:      r.RunID,
		Status:     r.Status,
		DryRun:     r.Config.DryRun,
		Webhooks:   r.Webhooks,
		StartedAt:  r.StartedAt,
		FailReason: r.FailReason,
		Aborted:    r.Aborted,
	}
	if r.CompletedAt != nil {
		s.DurationMs = r.CompletedAt.Sub(r.StartedAt).Milliseconds()
	}
	for _, st := range Stages {
		res, ok := r.Stages[st]
		if !ok {
			continue
		}
		errs := res.Errors
		if errs == nil {
			errs = []StageError{}
		}
		s.Stages = append(s.Stages, StageSummary{
			Stage:     st,
			Skipped:   res.Skipped,
			Simulated: res.Simulated,
			Attempted: res.Attempted,
			Succeeded: res.Succeeded,
			Failed:    res.Failed,
			Errors:    errs,
		})
	}
	return s
}
