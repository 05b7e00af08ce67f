package pipeline

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"valuation-pipeline/internal/common/config"
	"valuation-pipeline/internal/common/logger"
	"valuation-pipeline/internal/models"
)

type Submitter interface {
	Submit(ctx context.Context, cfg models.RunConfig) (string, error)
}

// Scheduler submits a run with the configured defaults on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	runs     Submitter
	defaults config.PipelineConfig
	logger   logger.Logger
}

// NewScheduler parses a standard five-field cron spec.
func NewScheduler(spec string, runs Submitter, defaults config.PipelineConfig, log logger.Logger) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid pipeline schedule %q: %w", spec, err)
	}
	s := &Scheduler{
		cron:     cron.New(),
		runs:     runs,
		defaults: defaults,
		logger:   log.WithFields(map[string]interface{}{"component": "scheduler"}),
	}
	if _, err := s.cron.AddFunc(spec, s.trigger); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule and waits for a trigger in progress to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) trigger() {
	cfg, err := RunRequest{}.Resolve(s.defaults)
	if err != nil {
		s.logger.Error("Scheduled run has invalid defaults", map[string]interface{}{"error": err.Error()})
		return
	}
	runID, err := s.runs.Submit(context.Background(), cfg)
	if err != nil {
		s.logger.Error("Scheduled run rejected", map[string]interface{}{"error": err.Error()})
		return
	}
	s.logger.Info("Scheduled run submitted", map[string]interface{}{"runId": runID})
}
