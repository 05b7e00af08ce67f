// Package pipeline runs ingestion through webhook delivery as a state
// machine per run: QUEUED -> RUNNING -> COMPLETED or FAILED.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"valuation-pipeline/internal/common/breaker"
	apperrors "valuation-pipeline/internal/common/errors"
	"valuation-pipeline/internal/common/logger"
	"valuation-pipeline/internal/common/metrics"
	"valuation-pipeline/internal/common/validation"
	"valuation-pipeline/internal/connectors"
	"valuation-pipeline/internal/marketdata"
	"valuation-pipeline/internal/models"
	"valuation-pipeline/internal/persistence"
	"valuation-pipeline/internal/valuation"
	"valuation-pipeline/internal/webhook"
)

type Fetcher interface {
	Sources() []string
	FetchBatch(ctx context.Context, source string, limit int) (connectors.Batch, error)
}

type Normalizer interface {
	Normalize(ctx context.Context, raw models.RawProperty) (models.NormalizedProperty, error)
}

type Enricher interface {
	Enrich(ctx context.Context, p models.NormalizedProperty) (models.EnrichedProperty, error)
}

type Valuer interface {
	Value(ctx context.Context, req valuation.Request) (*models.Valuation, error)
}

type MacroSource interface {
	Macro(ctx context.Context) (models.MacroSnapshot, marketdata.Meta, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, eventType, runID, propertyID string, payload interface{}) (*webhook.Handle, error)
	BreakerStates() map[string]breaker.State
}

type Alerter interface {
	NotifyRun(ctx context.Context, summary models.RunSummary)
}

type RunRecorder interface {
	RecordRun(ctx context.Context, status string, duration time.Duration)
}

type CacheSizer interface {
	Len() int
}

// Deps are the collaborators of a run. Dispatcher, Alerter, Recorder and
// Cache may be nil.
type Deps struct {
	Connectors Fetcher
	Normalizer Normalizer
	Enricher   Enricher
	Valuer     Valuer
	Macro      MacroSource
	Store      persistence.Store
	Dispatcher Dispatcher
	Alerter    Alerter
	Recorder   RunRecorder
	Breakers   *breaker.Registry
	Cache      CacheSizer
	Logger     logger.Logger
}

type Options struct {
	Concurrency  int
	DefaultLimit int
	RunTimeout   time.Duration
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.DefaultLimit <= 0 {
		o.DefaultLimit = 500
	}
	if o.RunTimeout <= 0 {
		o.RunTimeout = 30 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Result is one property's outputs from a run.
type Result struct {
	PropertyID string
	Valuation  *models.Valuation
	Score      *models.Score
	Persisted  bool
}

type runEntry struct {
	mu      sync.Mutex
	run     *models.PipelineRun
	results []Result
	aborted atomic.Bool
	done    chan struct{}
}

func (e *runEntry) summary() models.RunSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run.Summary()
}

type Orchestrator struct {
	deps Deps
	opts Options

	mu      sync.Mutex
	runs    map[string]*runEntry
	lastRun *models.RunSummary
}

func New(deps Deps, opts Options) *Orchestrator {
	return &Orchestrator{deps: deps, opts: opts.withDefaults(), runs: map[string]*runEntry{}}
}

// Submit registers a run and executes it in the background. It returns as
// soon as the run is QUEUED.
func (o *Orchestrator) Submit(ctx context.Context, cfg models.RunConfig) (string, error) {
	e, err := o.register(cfg)
	if err != nil {
		return "", err
	}
	go o.execute(context.WithoutCancel(ctx), e)
	return e.run.RunID, nil
}

// Run executes a run to completion and returns its summary.
func (o *Orchestrator) Run(ctx context.Context, cfg models.RunConfig) (models.RunSummary, error) {
	e, err := o.register(cfg)
	if err != nil {
		return models.RunSummary{}, err
	}
	o.execute(ctx, e)
	return e.summary(), nil
}

func (o *Orchestrator) register(cfg models.RunConfig) (*runEntry, error) {
	if err := o.validate(cfg); err != nil {
		return nil, err
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.runs[cfg.RunID]; exists {
		return nil, apperrors.NewValidationError(fmt.Sprintf("run %s already exists", cfg.RunID))
	}
	e := &runEntry{run: models.NewPipelineRun(cfg.RunID, cfg, o.opts.Now()), done: make(chan struct{})}
	o.runs[cfg.RunID] = e
	return e, nil
}

func (o *Orchestrator) validate(cfg models.RunConfig) error {
	if err := validation.Struct(cfg); err != nil {
		return err
	}
	for _, st := range cfg.SkipStages {
		if _, err := models.ParseStage(string(st)); err != nil {
			return apperrors.NewValidationError(err.Error())
		}
	}
	known := map[string]bool{}
	for _, s := range o.deps.Connectors.Sources() {
		known[s] = true
	}
	for _, s := range cfg.Sources {
		if !known[s] {
			return apperrors.NewValidationError(fmt.Sprintf("unknown source %q", s))
		}
	}
	return nil
}

func (o *Orchestrator) Get(runID string) (models.RunSummary, bool) {
	e, ok := o.entry(runID)
	if !ok {
		return models.RunSummary{}, false
	}
	return e.summary(), true
}

// Results returns the per-property outputs of a finished run.
func (o *Orchestrator) Results(runID string) ([]Result, bool) {
	e, ok := o.entry(runID)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Result, len(e.results))
	copy(out, e.results)
	return out, true
}

// Wait blocks until the run is terminal.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (models.RunSummary, error) {
	e, ok := o.entry(runID)
	if !ok {
		return models.RunSummary{}, apperrors.NewValidationError(fmt.Sprintf("unknown run %s", runID))
	}
	select {
	case <-e.done:
		return e.summary(), nil
	case <-ctx.Done():
		return e.summary(), ctx.Err()
	}
}

// Abort lets in-flight property work finish its current stage and stops
// the run from entering further stages. The run ends FAILED.
func (o *Orchestrator) Abort(runID string) error {
	e, ok := o.entry(runID)
	if !ok {
		return apperrors.NewValidationError(fmt.Sprintf("unknown run %s", runID))
	}
	e.mu.Lock()
	terminal := e.run.Terminal()
	e.mu.Unlock()
	if terminal {
		return apperrors.NewValidationError(fmt.Sprintf("run %s already finished", runID))
	}
	e.aborted.Store(true)
	o.deps.Logger.Warn("Run abort requested", map[string]interface{}{"runId": runID})
	return nil
}

func (o *Orchestrator) entry(runID string) (*runEntry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.runs[runID]
	return e, ok
}

func (o *Orchestrator) execute(ctx context.Context, e *runEntry) {
	defer close(e.done)
	ctx, cancel := context.WithTimeout(ctx, o.opts.RunTimeout)
	defer cancel()

	runID := e.run.RunID
	log := o.deps.Logger.With(map[string]interface{}{"runId": runID})

	e.mu.Lock()
	_ = e.run.Transition(models.RunRunning, o.opts.Now())
	cfg := e.run.Config
	e.mu.Unlock()

	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()
	log.Info("Pipeline run started", map[string]interface{}{
		"dryRun":         cfg.DryRun,
		"enableWebhooks": cfg.EnableWebhooks,
		"skipStages":     cfg.SkipStages,
	})

	r := &runState{o: o, e: e, cfg: cfg, log: log}
	failReason := r.execute(ctx)

	status := models.RunCompleted
	if failReason != "" {
		status = models.RunFailed
	}
	e.mu.Lock()
	e.run.FailReason = failReason
	e.run.Aborted = status == models.RunFailed && e.aborted.Load()
	_ = e.run.Transition(status, o.opts.Now())
	e.results = r.results()
	summary := e.run.Summary()
	e.mu.Unlock()

	// the run record is written even after a timeout
	bg := context.WithoutCancel(ctx)
	if !cfg.DryRun && o.deps.Store != nil {
		e.mu.Lock()
		err := persistence.SaveRun(bg, o.deps.Store, e.run)
		e.mu.Unlock()
		if err != nil {
			log.Error("Failed to save run record", map[string]interface{}{"error": err.Error()})
		}
	}
	if o.deps.Recorder != nil {
		o.deps.Recorder.RecordRun(bg, string(status), time.Duration(summary.DurationMs)*time.Millisecond)
	}
	if o.deps.Alerter != nil {
		o.deps.Alerter.NotifyRun(bg, summary)
	}

	o.mu.Lock()
	o.lastRun = &summary
	o.mu.Unlock()

	fields := map[string]interface{}{"status": status, "durationMs": summary.DurationMs, "webhooks": summary.Webhooks}
	if failReason != "" {
		fields["reason"] = failReason
		log.Error("Pipeline run failed", fields)
		return
	}
	log.Info("Pipeline run completed", fields)
}
