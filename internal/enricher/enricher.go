// Package enricher attaches market context to normalized properties.
package enricher

import (
	"context"
	"strings"

	apperrors "valuation-pipeline/internal/common/errors"
	"valuation-pipeline/internal/common/logger"
	"valuation-pipeline/internal/marketdata"
	"valuation-pipeline/internal/models"
)

// FundamentalsSource is satisfied by *marketdata.CachedProvider.
type FundamentalsSource interface {
	Fundamentals(ctx context.Context, market string) (models.MarketFundamentals, marketdata.Meta, error)
}

type Enricher struct {
	source FundamentalsSource
	logger logger.Logger
}

func New(source FundamentalsSource, log logger.Logger) *Enricher {
	return &Enricher{source: source, logger: log}
}

// Enrich attaches the market's fundamentals snapshot and fills in NOI when
// the source record has none. A property with no NOI and no way to
// estimate one fails with DATA_UNAVAILABLE.
func (e *Enricher) Enrich(ctx context.Context, p models.NormalizedProperty) (models.EnrichedProperty, error) {
	out := models.EnrichedProperty{NormalizedProperty: p}
	market := strings.ToUpper(p.Market())

	f, meta, err := e.source.Fundamentals(ctx, market)
	haveFundamentals := err == nil
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		out.Warnings = append(out.Warnings, models.WarnMissingFundamentals)
		e.logger.Warn("Fundamentals unavailable for enrichment", map[string]interface{}{
			"propertyId": p.ID,
			"market":     market,
			"error":      err.Error(),
		})
	} else {
		out.Fundamentals = f
		out.Demographics = f.Demographics
		out.Risk = f.Risk
		if meta.Freshness == marketdata.Stale {
			out.Warnings = append(out.Warnings, models.WarnStaleFundamentals)
		}
		if meta.Degraded {
			out.Warnings = append(out.Warnings, models.WarnDegradedExternalFetch)
		}
	}

	if p.Raw.NOIAnnual != nil && *p.Raw.NOIAnnual > 0 {
		out.NOIAnnual = *p.Raw.NOIAnnual
		return out, nil
	}
	if !haveFundamentals {
		return out, apperrors.NewDataUnavailableError("noi", "source has no NOI and market fundamentals are unavailable")
	}
	noi := EstimateNOI(f, p.Raw.BuildingSF)
	if noi <= 0 {
		return out, apperrors.NewDataUnavailableError("noi", "fundamentals cannot support an NOI estimate for market "+market)
	}
	out.NOIAnnual = noi
	out.NOIEstimated = true
	return out, nil
}

// EstimateNOI is rent per sf times area, net of vacancy and operating
// expenses.
func EstimateNOI(f models.MarketFundamentals, buildingSF float64) float64 {
	if f.RentPerSF <= 0 || buildingSF <= 0 {
		return 0
	}
	return f.RentPerSF * buildingSF * (1 - f.VacancyRate) * (1 - f.ExpenseRatio)
}
