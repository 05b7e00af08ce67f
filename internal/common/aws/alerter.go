// internal/common/aws/alerter.go
package aws

import (
	"context"
	"encoding/json"
	"fmt"

	"valuation-pipeline/internal/common/logger"
	"valuation-pipeline/internal/models"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// RunAlerter notifies operators when a pipeline run ends FAILED. Either
// channel may be nil.
type RunAlerter struct {
	sns    *SNSClient
	ses    *SESClient
	logger logger.Logger
}

func NewRunAlerter(sns *SNSClient, ses *SESClient, log logger.Logger) *RunAlerter {
	return &RunAlerter{sns: sns, ses: ses, logger: log}
}

// NewRunAlerterFromRegion loads the default credential chain for region and
// enables each channel whose target is set.
func NewRunAlerterFromRegion(ctx context.Context, region, topicARN, from string, to []string, log logger.Logger) (*RunAlerter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	a := &RunAlerter{logger: log}
	if topicARN != "" {
		a.sns = NewSNSClient(cfg, topicARN)
	}
	if from != "" && len(to) > 0 {
		a.ses = NewSESClient(cfg, from, to)
	}
	return a, nil
}

// NotifyRun sends alerts for FAILED runs and is a no-op otherwise. Delivery
// errors are logged, never returned to the run.
func (a *RunAlerter) NotifyRun(ctx context.Context, summary models.RunSummary) {
	if a == nil || summary.Status != models.RunFailed {
		return
	}

	subject := fmt.Sprintf("pipeline run %s failed", summary.RunID)
	body, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		a.logger.Error("failed to encode run summary", map[string]interface{}{"runId": summary.RunID, "error": err.Error()})
		return
	}

	if a.sns != nil {
		if _, err := a.sns.PublishAlert(ctx, subject, string(body)); err != nil {
			a.logger.Error("sns alert failed", map[string]interface{}{"runId": summary.RunID, "error": err.Error()})
		}
	}
	if a.ses != nil {
		if err := a.ses.SendText(ctx, subject, string(body)); err != nil {
			a.logger.Error("ses alert failed", map[string]interface{}{"runId": summary.RunID, "error": err.Error()})
		}
	}
}
