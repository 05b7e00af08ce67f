// internal/workers/pipeline/estimate-property-value/handler_test.go
package estimatepropertyvalue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "valuation-pipeline/internal/common/errors"
	"valuation-pipeline/internal/common/logger"
	"valuation-pipeline/internal/common/validation"
	"valuation-pipeline/internal/models"
	"valuation-pipeline/internal/valuation"
	"valuation-pipeline/pkg/registry"
)

type fakeValuer struct {
	got valuation.Request
	v   *models.Valuation
	err error
}

func (f *fakeValuer) Value(ctx context.Context, req valuation.Request) (*models.Valuation, error) {
	f.got = req
	return f.v, f.err
}

func createTestSchemas(t *testing.T) *validation.SchemaSet {
	t.Helper()
	reg, err := registry.Default()
	require.NoError(t, err)
	docs, err := reg.InputSchemas()
	require.NoError(t, err)
	schemas, err := validation.CompileSchemas(docs)
	require.NoError(t, err)
	return schemas
}

func createTestHandler(t *testing.T, v Valuer) *Handler {
	return NewHandler(&Config{Timeout: 5 * time.Second}, v, createTestSchemas(t), logger.NewNoOpLogger())
}

func TestInputSchema(t *testing.T) {
	schemas := createTestSchemas(t)
	tests := []struct {
		name  string
		body  string
		valid bool
	}{
		{"valid", `{"market":"DFW","buildingSf":200000,"noiAnnual":1200000}`, true},
		{"missing noi", `{"market":"DFW","buildingSf":200000}`, false},
		{"zero size", `{"market":"DFW","buildingSf":0,"noiAnnual":1}`, false},
		{"empty market", `{"market":"","buildingSf":1,"noiAnnual":1}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schemas.Validate(TaskType, []byte(tt.body))
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, apperrors.ErrSchema)
			}
		})
	}
}

func TestExecute(t *testing.T) {
	v := &fakeValuer{v: &models.Valuation{
		Market: "DFW", Point: 19047619, Low: 18133333, High: 19961904,
		CapRateApplied: 0.063, Confidence: 0.8, Status: models.ValuationFresh,
	}}
	h := createTestHandler(t, v)
	year := 1999

	out, err := h.Execute(context.Background(), &Input{
		PropertyID: "p-1", Market: "DFW", BuildingSF: 200000, NOIAnnual: 1200000, YearBuilt: &year, Debug: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 19047619.0, out.Valuation.EstimatedValue)
	assert.Equal(t, models.ValuationFresh, out.Valuation.Status)
	assert.Equal(t, "p-1", v.got.PropertyID)
	assert.True(t, v.got.Debug)
	assert.Equal(t, &year, v.got.YearBuilt)
}

func TestExecute_InsufficientIsAResult(t *testing.T) {
	v := &fakeValuer{v: &models.Valuation{Market: "ELP", Status: models.ValuationInsufficientData, Warnings: []string{"no_usable_comparables"}}}
	h := createTestHandler(t, v)

	out, err := h.Execute(context.Background(), &Input{Market: "ELP", BuildingSF: 1, NOIAnnual: 1})
	require.NoError(t, err)
	assert.Equal(t, models.ValuationInsufficientData, out.Valuation.Status)
	assert.Equal(t, []string{"no_usable_comparables"}, out.Valuation.Warnings)
}

func TestExecute_PropagatesErrors(t *testing.T) {
	h := createTestHandler(t, &fakeValuer{err: apperrors.NewValidationError("building_sf must be positive")})
	_, err := h.Execute(context.Background(), &Input{Market: "DFW"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}
