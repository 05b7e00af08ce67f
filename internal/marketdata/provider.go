// Package marketdata supplies the estimator's inputs: comparable sales,
// market fundamentals, the macro snapshot and backtest history.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "valuation-pipeline/internal/common/errors"
	"valuation-pipeline/internal/models"
	"valuation-pipeline/internal/persistence"
)

type Provider interface {
	Macro(ctx context.Context) (models.MacroSnapshot, error)
	Fundamentals(ctx context.Context, market string) (models.MarketFundamentals, error)
	Comps(ctx context.Context, market string, count int) ([]models.Comparable, error)
	Backtest(ctx context.Context, market string) ([]models.BacktestPoint, error)
}

type CompsSource interface {
	Comps(ctx context.Context, market string, count int) ([]models.Comparable, error)
}

type SnapshotReader interface {
	ReadLatest(ctx context.Context, key string) (persistence.Snapshot, error)
}

func MacroKey() string                     { return "macro" }
func FundamentalsKey(market string) string { return "fundamentals:" + strings.ToUpper(market) }
func BacktestKey(market string) string     { return "backtest:" + strings.ToUpper(market) }

// Sources combines a comps search with snapshot reads from the store.
type Sources struct {
	comps     CompsSource
	snapshots SnapshotReader
}

func NewSources(comps CompsSource, snapshots SnapshotReader) *Sources {
	return &Sources{comps: comps, snapshots: snapshots}
}

func (s *Sources) Comps(ctx context.Context, market string, count int) ([]models.Comparable, error) {
	return s.comps.Comps(ctx, market, count)
}

func (s *Sources) Macro(ctx context.Context) (models.MacroSnapshot, error) {
	var m models.MacroSnapshot
	asOf, err := s.readInto(ctx, MacroKey(), &m)
	if err != nil {
		return m, err
	}
	if m.AsOf.IsZero() {
		m.AsOf = asOf
	}
	if m.Source == "" {
		m.Source = "store:" + MacroKey()
	}
	return m, nil
}

func (s *Sources) Fundamentals(ctx context.Context, market string) (models.MarketFundamentals, error) {
	var f models.MarketFundamentals
	asOf, err := s.readInto(ctx, FundamentalsKey(market), &f)
	if err != nil {
		return f, err
	}
	if f.AsOf.IsZero() {
		f.AsOf = asOf
	}
	if f.Market == "" {
		f.Market = strings.ToUpper(market)
	}
	if f.Source == "" {
		f.Source = "store:" + FundamentalsKey(market)
	}
	return f, nil
}

func (s *Sources) Backtest(ctx context.Context, market string) ([]models.BacktestPoint, error) {
	var points []models.BacktestPoint
	_, err := s.readInto(ctx, BacktestKey(market), &points)
	return points, err
}

func (s *Sources) readInto(ctx context.Context, key string, dst interface{}) (asOf time.Time, err error) {
	snap, err := s.snapshots.ReadLatest(ctx, key)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return snap.AsOf, apperrors.NewDataUnavailableError(key, err.Error())
		}
		return snap.AsOf, err
	}
	if err := json.Unmarshal(snap.Payload, dst); err != nil {
		return snap.AsOf, apperrors.NewDataUnavailableError(key, fmt.Sprintf("decode snapshot: %v", err))
	}
	return snap.AsOf, nil
}
