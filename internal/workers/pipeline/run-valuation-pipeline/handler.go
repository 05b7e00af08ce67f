// internal/workers/pipeline/run-valuation-pipeline/handler.go
package runvaluationpipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"

	apperrors "valuation-pipeline/internal/common/errors"
	"valuation-pipeline/internal/common/logger"
	"valuation-pipeline/internal/common/validation"
	"valuation-pipeline/internal/models"
)

const (
	TaskType = "run-valuation-pipeline"
)

// Runner executes one pipeline run to completion.
type Runner interface {
	Run(ctx context.Context, cfg models.RunConfig) (models.RunSummary, error)
}

type Handler struct {
	config       *Config
	runner       Runner
	schemas      *validation.SchemaSet
	errorHandler *apperrors.ErrorHandler
	logger       logger.Logger
}

func NewHandler(config *Config, runner Runner, schemas *validation.SchemaSet, log logger.Logger) *Handler {
	l := log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:       config,
		runner:       runner,
		schemas:      schemas,
		errorHandler: apperrors.NewErrorHandler(l),
		logger:       l,
	}
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) error {
	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	input, err := h.parseInput([]byte(job.Variables))
	if err == nil {
		var output *Output
		output, err = h.execute(ctx, input)
		if err == nil {
			return h.completeJob(ctx, client, job, output)
		}
	}
	h.errorHandler.HandleJobError(ctx, client, job, err)
	return err
}

func (h *Handler) parseInput(body []byte) (*Input, error) {
	if h.schemas != nil {
		if err := h.schemas.Validate(TaskType, body); err != nil {
			return nil, err
		}
	}
	var input Input
	if err := json.Unmarshal(body, &input); err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("parse input: %v", err))
	}
	return &input, nil
}

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	cfg, err := input.request().Resolve(h.config.Defaults)
	if err != nil {
		return nil, err
	}

	summary, err := h.runner.Run(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if summary.Aborted {
		return nil, apperrors.NewRunAbortedError(summary.RunID)
	}

	h.logger.Info("pipeline run finished", map[string]interface{}{
		"runId":  summary.RunID,
		"status": summary.Status,
	})
	return &Output{
		RunID:      summary.RunID,
		RunStatus:  summary.Status,
		RunSummary: summary,
	}, nil
}

func (h *Handler) completeJob(ctx context.Context, client worker.JobClient, job entities.Job, output *Output) error {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}
	if _, err := cmd.Send(ctx); err != nil {
		h.logger.Error("failed to send complete job command", map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}
	return nil
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input)
}
