package enricher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "valuation-pipeline/internal/common/errors"
	"valuation-pipeline/internal/common/logger"
	"valuation-pipeline/internal/marketdata"
	"valuation-pipeline/internal/models"
)

type fakeFundamentals struct {
	f    models.MarketFundamentals
	meta marketdata.Meta
	err  error
	seen []string
}

func (s *fakeFundamentals) Fundamentals(ctx context.Context, market string) (models.MarketFundamentals, marketdata.Meta, error) {
	s.seen = append(s.seen, market)
	return s.f, s.meta, s.err
}

func createTestFundamentals() models.MarketFundamentals {
	return models.MarketFundamentals{
		Market:           "DFW",
		CapRateMedian12M: 0.063,
		RentPerSF:        10,
		VacancyRate:      0.05,
		ExpenseRatio:     0.30,
		Demographics:     models.Demographics{Population: 7600000, PopulationGrowth: 0.018},
		Risk:             models.RiskFactors{FloodRisk: 0.2},
		AsOf:             time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		Source:           "store:fundamentals:DFW",
	}
}

func createTestProperty(noi *float64) models.NormalizedProperty {
	return models.NormalizedProperty{
		ID: "prop-1",
		Raw: models.RawProperty{
			Source:     "county",
			Market:     "dfw",
			BuildingSF: 200000,
			NOIAnnual:  noi,
		},
	}
}

func TestEstimateNOI(t *testing.T) {
	// 10 * 200000 * 0.95 * 0.70
	assert.InDelta(t, 1330000.0, EstimateNOI(createTestFundamentals(), 200000), 1e-6)
	assert.Zero(t, EstimateNOI(models.MarketFundamentals{}, 200000))
	assert.Zero(t, EstimateNOI(createTestFundamentals(), 0))
}

func TestEnrich(t *testing.T) {
	noi := 1200000.0
	tests := []struct {
		name          string
		source        *fakeFundamentals
		noi           *float64
		wantErr       apperrors.ErrorCode
		wantNOI       float64
		wantEstimated bool
		wantWarnings  []string
	}{
		{
			name:    "source NOI is kept",
			source:  &fakeFundamentals{f: createTestFundamentals(), meta: marketdata.Meta{Freshness: marketdata.Fresh}},
			noi:     &noi,
			wantNOI: 1200000,
		},
		{
			name:          "missing NOI is estimated",
			source:        &fakeFundamentals{f: createTestFundamentals(), meta: marketdata.Meta{Freshness: marketdata.Fresh}},
			wantNOI:       1330000,
			wantEstimated: true,
		},
		{
			name:         "stale degraded fundamentals warn",
			source:       &fakeFundamentals{f: createTestFundamentals(), meta: marketdata.Meta{Freshness: marketdata.Stale, Degraded: true}},
			noi:          &noi,
			wantNOI:      1200000,
			wantWarnings: []string{models.WarnStaleFundamentals, models.WarnDegradedExternalFetch},
		},
		{
			name:         "fundamentals outage with source NOI",
			source:       &fakeFundamentals{err: apperrors.NewCircuitOpenError("marketdata:fundamentals")},
			noi:          &noi,
			wantNOI:      1200000,
			wantWarnings: []string{models.WarnMissingFundamentals},
		},
		{
			name:    "fundamentals outage without NOI",
			source:  &fakeFundamentals{err: apperrors.NewExternalServiceError("postgres", errors.New("down"))},
			wantErr: apperrors.ErrCodeDataUnavailable,
		},
		{
			name:    "fundamentals without rent",
			source:  &fakeFundamentals{f: models.MarketFundamentals{Market: "DFW"}},
			wantErr: apperrors.ErrCodeDataUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(tt.source, logger.NewNoOpLogger())
			out, err := e.Enrich(context.Background(), createTestProperty(tt.noi))

			assert.Equal(t, []string{"DFW"}, tt.source.seen)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, apperrors.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.wantNOI, out.NOIAnnual, 1e-6)
			assert.Equal(t, tt.wantEstimated, out.NOIEstimated)
			assert.Equal(t, tt.wantWarnings, out.Warnings)
			assert.Equal(t, "prop-1", out.ID)
			if tt.source.err == nil {
				assert.Equal(t, tt.source.f.Demographics, out.Demographics)
			}
		})
	}
}
