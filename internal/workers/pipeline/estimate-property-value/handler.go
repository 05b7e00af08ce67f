// internal/workers/pipeline/estimate-property-value/handler.go
package estimatepropertyvalue

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
	"valuation-pipeline/internal/valuation"
)

const (
	TaskType = "estimate-property-value"
)

type Valuer interface {
	Value(ctx context.Context, req valuation.Request) (*models.Valuation, error)
}

type Handler struct {
	config       *Config
	valuer       Valuer
	schemas      *validation.SchemaSet
	errorHandler *apperrors.ErrorHandler
	logger       logger.Logger
}

func NewHandler(config *Config, valuer Valuer, schemas *validation.SchemaSet, log logger.Logger) *Handler {
	l := log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:       config,
		valuer:       valuer,
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

	body := []byte(job.Variables)
	var output *Output
	err := h.schemas.Validate(TaskType, body)
	if err == nil {
		var input Input
		if jerr := json.Unmarshal(body, &input); jerr != nil {
			err = apperrors.NewValidationError(fmt.Sprintf("parse input: %v", jerr))
		} else {
			output, err = h.execute(ctx, &input)
		}
	}
	if err != nil {
		h.errorHandler.HandleJobError(ctx, client, job, err)
		return err
	}

	cmd, err := client.NewCompleteJobCommand().JobKey(job.Key).VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{"error": err.Error()})
		return err
	}
	if _, err := cmd.Send(ctx); err != nil {
		h.logger.Error("failed to send complete job command", map[string]interface{}{"error": err.Error()})
		return err
	}
	return nil
}

// execute values the property. An INSUFFICIENT_DATA valuation is a result,
// not a job failure; the process decides what to do with it.
func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	v, err := h.valuer.Value(ctx, input.request())
	if err != nil {
		return nil, err
	}
	h.logger.Info("property valued", map[string]interface{}{
		"propertyId": input.PropertyID,
		"market":     v.Market,
		"status":     v.Status,
		"confidence": v.Confidence,
	})
	return &Output{Valuation: v.ToResponse()}, nil
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input)
}
