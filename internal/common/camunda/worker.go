// internal/common/camunda/worker.go
package camunda

import (
	"context"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"

	apperrors "valuation-pipeline/internal/common/errors"
	"valuation-pipeline/internal/common/logger"
	"valuation-pipeline/internal/common/metrics"
)

// JobHandler completes or fails the job itself; a returned error is only
// recorded.
type JobHandler interface {
	Handle(client worker.JobClient, job entities.Job) error
}

// JobHandlerFunc adapts a function to JobHandler.
type JobHandlerFunc func(client worker.JobClient, job entities.Job) error

func (f JobHandlerFunc) Handle(client worker.JobClient, job entities.Job) error {
	return f(client, job)
}

type Worker struct {
	jobs     worker.JobWorker
	logger   logger.Logger
	taskType string
}

// instrument wraps handler with job metrics and error logging.
func instrument(taskType string, handler JobHandler, log logger.Logger) worker.JobHandler {
	return func(client worker.JobClient, job entities.Job) {
		start := time.Now()
		err := handler.Handle(client, job)
		metrics.WorkerJobDuration.WithLabelValues(taskType).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.WorkerJobsFailed.WithLabelValues(taskType, string(apperrors.CodeOf(err))).Inc()
			log.Error("job handler failed", map[string]interface{}{
				"jobKey": job.Key,
				"error":  err.Error(),
			})
			return
		}
		metrics.WorkerJobsCompleted.WithLabelValues(taskType).Inc()
	}
}

// NewWorker opens a job worker for taskType. Timeout bounds how long the
// broker keeps a job locked to this worker.
func NewWorker(client zbc.Client, taskType string, maxJobsActive int, timeout time.Duration, handler JobHandler, log logger.Logger) *Worker {
	log = log.With(map[string]interface{}{"taskType": taskType})
	jobs := client.NewJobWorker().
		JobType(taskType).
		Handler(instrument(taskType, handler, log)).
		MaxJobsActive(maxJobsActive).
		Timeout(timeout).
		Open()

	log.Info("worker opened", map[string]interface{}{"maxJobsActive": maxJobsActive})
	return &Worker{jobs: jobs, logger: log, taskType: taskType}
}

// Stop closes the job worker. The shared client is closed by its owner.
func (w *Worker) Stop(ctx context.Context) {
	w.logger.Info("stopping worker", nil)
	w.jobs.Close()
}
