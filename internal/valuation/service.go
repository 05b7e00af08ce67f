package valuation

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	apperrors "valuation-pipeline/internal/common/errors"
	"valuation-pipeline/internal/common/logger"
	"valuation-pipeline/internal/common/validation"
	"valuation-pipeline/internal/marketdata"
	"valuation-pipeline/internal/models"
)

// DataProvider is satisfied by *marketdata.CachedProvider.
type DataProvider interface {
	Macro(ctx context.Context) (models.MacroSnapshot, marketdata.Meta, error)
	Fundamentals(ctx context.Context, market string) (models.MarketFundamentals, marketdata.Meta, error)
	Comps(ctx context.Context, market string, count int) ([]models.Comparable, marketdata.Meta, error)
	Backtest(ctx context.Context, market string) ([]models.BacktestPoint, marketdata.Meta, error)
}

type Recorder interface {
	RecordValuation(ctx context.Context, status string)
}

type Service struct {
	data       DataProvider
	estimator  *Estimator
	compsCount int
	recorder   Recorder
	logger     logger.Logger
}

func NewService(data DataProvider, estimator *Estimator, compsCount int, recorder Recorder, log logger.Logger) *Service {
	if compsCount <= 0 {
		compsCount = 200
	}
	return &Service{data: data, estimator: estimator, compsCount: compsCount, recorder: recorder, logger: log}
}

// Value validates the request before touching any data source, gathers
// inputs for its market and runs the estimator.
func (s *Service) Value(ctx context.Context, req Request) (*models.Valuation, error) {
	if err := validation.Struct(req); err != nil {
		return nil, apperrors.WithRunID(err, req.RunID)
	}
	in, err := s.Gather(ctx, req.Market)
	if err != nil {
		return nil, apperrors.WithRunID(err, req.RunID)
	}
	v, err := s.estimator.Estimate(ctx, req, in)
	if err != nil {
		return nil, apperrors.WithRunID(err, req.RunID)
	}
	if s.recorder != nil {
		s.recorder.RecordValuation(ctx, string(v.Status))
	}
	if v.Status != models.ValuationFresh {
		s.logger.Warn("Valuation degraded", map[string]interface{}{
			"runId":      req.RunID,
			"propertyId": req.PropertyID,
			"market":     v.Market,
			"status":     v.Status,
			"warnings":   v.Warnings,
		})
	}
	return v, nil
}

// Gather fetches the four input categories concurrently. A category that
// fails is left empty so the estimator can fall back; only cancellation is
// returned as an error.
func (s *Service) Gather(ctx context.Context, market string) (Inputs, error) {
	market = strings.ToUpper(market)
	var in Inputs
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		m, meta, err := s.data.Macro(gctx)
		in.MacroMeta = meta
		if err != nil {
			s.logFailure("macro", market, err)
		} else {
			in.Macro = &m
		}
		return cancelled(ctx)
	})
	g.Go(func() error {
		f, meta, err := s.data.Fundamentals(gctx, market)
		in.FundamentalsMeta = meta
		if err != nil {
			s.logFailure("fundamentals", market, err)
		} else {
			in.Fundamentals = &f
		}
		return cancelled(ctx)
	})
	g.Go(func() error {
		comps, meta, err := s.data.Comps(gctx, market, s.compsCount)
		in.CompsMeta = meta
		if err != nil {
			s.logFailure("comps", market, err)
		} else {
			in.Comps = comps
		}
		return cancelled(ctx)
	})
	g.Go(func() error {
		points, meta, err := s.data.Backtest(gctx, market)
		in.BacktestMeta = meta
		if err != nil {
			s.logFailure("backtest", market, err)
		} else {
			in.Backtest = points
		}
		return cancelled(ctx)
	})

	if err := g.Wait(); err != nil {
		return Inputs{}, err
	}
	return in, nil
}

func (s *Service) logFailure(category, market string, err error) {
	fields := map[string]interface{}{"category": category, "market": market, "error": err.Error()}
	if apperrors.CodeOf(err) == apperrors.ErrCodeDataUnavailable {
		s.logger.Debug("Market data unavailable", fields)
	} else {
		s.logger.Warn("Market data fetch failed", fields)
	}
}

func cancelled(ctx context.Context) error {
	return ctx.Err()
}
