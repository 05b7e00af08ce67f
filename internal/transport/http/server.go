// Package http exposes valuations, pipeline runs and health over a chi router.
package http

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"valuation-pipeline/internal/common/config"
	apperrors "valuation-pipeline/internal/common/errors"
	"valuation-pipeline/internal/common/logger"
	"valuation-pipeline/internal/models"
	"valuation-pipeline/internal/pipeline"
	"valuation-pipeline/internal/valuation"
)

type Valuer interface {
	Value(ctx context.Context, req valuation.Request) (*models.Valuation, error)
}

// Runs is the slice of the orchestrator the API drives.
type Runs interface {
	Submit(ctx context.Context, cfg models.RunConfig) (string, error)
	Get(runID string) (models.RunSummary, bool)
	Abort(runID string) error
	Health() pipeline.Health
}

type Options struct {
	// RatePerSecond limits the /v1 endpoints. Zero disables limiting.
	RatePerSecond float64
	Burst         int
}

type Server struct {
	valuer   Valuer
	runs     Runs
	defaults config.PipelineConfig
	limiter  *rate.Limiter
	logger   logger.Logger
}

func NewServer(valuer Valuer, runs Runs, defaults config.PipelineConfig, opts Options, log logger.Logger) *Server {
	s := &Server{
		valuer:   valuer,
		runs:     runs,
		defaults: defaults,
		logger:   log.WithFields(map[string]interface{}{"component": "http"}),
	}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return s
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.rateLimit)
		}
		r.Post("/valuations", s.createValuation)
		r.Post("/runs", s.submitRun)
		r.Get("/runs/{runID}", s.getRun)
		r.Post("/runs/{runID}/abort", s.abortRun)
	})
	return r
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.logger.Warn("rate limit exceeded", map[string]interface{}{
				"method": r.Method,
				"path":   r.URL.Path,
			})
			w.Header().Set("Retry-After", "1")
			render.Status(r, http.StatusTooManyRequests)
			render.JSON(w, r, ErrorResponse{Code: "RATE_LIMITED", Message: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.runs.Health())
}

func (s *Server) createValuation(w http.ResponseWriter, r *http.Request) {
	var req valuation.Request
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		s.writeError(w, r, apperrors.NewValidationError("malformed request body: "+err.Error()))
		return
	}
	v, err := s.valuer.Value(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, v.ToResponse())
}

type RunAccepted struct {
	RunID  string           `json:"run_id"`
	Status models.RunStatus `json:"status"`
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	var req pipeline.RunRequest
	// an empty body runs with the configured defaults
	if err := render.DecodeJSON(r.Body, &req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, apperrors.NewValidationError("malformed request body: "+err.Error()))
		return
	}
	cfg, err := req.Resolve(s.defaults)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	runID, err := s.runs.Submit(r.Context(), cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("run submitted", map[string]interface{}{"runId": runID, "dryRun": cfg.DryRun})
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, RunAccepted{RunID: runID, Status: models.RunQueued})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	summary, ok := s.runs.Get(runID)
	if !ok {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, ErrorResponse{Code: "NOT_FOUND", Message: "unknown run " + runID, RunID: runID})
		return
	}
	render.JSON(w, r, summary)
}

func (s *Server) abortRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, ok := s.runs.Get(runID); !ok {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, ErrorResponse{Code: "NOT_FOUND", Message: "unknown run " + runID, RunID: runID})
		return
	}
	if err := s.runs.Abort(runID); err != nil {
		se := apperrors.AsStandard(err)
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, ErrorResponse{Code: string(se.Code), Message: se.Message, RunID: runID})
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]string{"run_id": runID, "status": "ABORTING"})
}
