// internal/common/aws/ses.go
package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// SESAPI is the subset of the SES client used for operator summaries.
type SESAPI interface {
	SendEmail(ctx context.Context, input *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESClient struct {
	client SESAPI
	from   string
	to     []string
}

func NewSESClient(cfg aws.Config, from string, to []string) *SESClient {
	return &SESClient{client: ses.NewFromConfig(cfg), from: from, to: to}
}

func NewSESClientWithAPI(api SESAPI, from string, to []string) *SESClient {
	return &SESClient{client: api, from: from, to: to}
}

func (s *SESClient) SendText(ctx context.Context, subject, body string) error {
	_, err := s.client.SendEmail(ctx, &ses.SendEmailInput{
		Source:      aws.String(s.from),
		Destination: &types.Destination{ToAddresses: s.to},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject)},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(body)},
			},
		},
	})
	return err
}
