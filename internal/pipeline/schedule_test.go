package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valuation-pipeline/internal/common/config"
	"valuation-pipeline/internal/common/logger"
	"valuation-pipeline/internal/models"
)

type recordingSubmitter struct {
	cfgs []models.RunConfig
}

func (r *recordingSubmitter) Submit(ctx context.Context, cfg models.RunConfig) (string, error) {
	r.cfgs = append(r.cfgs, cfg)
	return "scheduled", nil
}

func TestScheduler(t *testing.T) {
	_, err := NewScheduler("every tuesday", &recordingSubmitter{}, config.PipelineConfig{}, logger.NewNoOpLogger())
	assert.Error(t, err)

	sub := &recordingSubmitter{}
	defaults := config.PipelineConfig{MaxProperties: 25, DryRun: true, SkipStages: []string{"webhooks"}}
	s, err := NewScheduler("0 2 * * *", sub, defaults, logger.NewNoOpLogger())
	require.NoError(t, err)

	s.trigger()
	require.Len(t, sub.cfgs, 1)
	assert.Equal(t, 25, sub.cfgs[0].MaxProperties)
	assert.True(t, sub.cfgs[0].DryRun)
	assert.Equal(t, []models.Stage{models.StageWebhooks}, sub.cfgs[0].SkipStages)

	// a bad default stage never reaches the orchestrator
	bad, err := NewScheduler("0 2 * * *", sub, config.PipelineConfig{SkipStages: []string{"nope"}}, logger.NewNoOpLogger())
	require.NoError(t, err)
	bad.trigger()
	assert.Len(t, sub.cfgs, 1)
}
