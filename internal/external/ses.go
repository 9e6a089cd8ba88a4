package external

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"inactivity/internal/types"
)

// SESAPI is the part of the SES v2 client used here.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type SESClientConfig struct {
	// ConfigSetName is optional.
	ConfigSetName string
	Logger        *slog.Logger
}

// SESClient sends through AWS SES v2 with IAM credentials. The SDK retries
// throttling on its own, so no BaseClient is involved.
type SESClient struct {
	api           SESAPI
	configSetName string
	logger        *slog.Logger
}

func NewSESClient(awsCfg aws.Config, cfg SESClientConfig) *SESClient {
	return NewSESClientWithAPI(sesv2.NewFromConfig(awsCfg), cfg)
}

func NewSESClientWithAPI(api SESAPI, cfg SESClientConfig) *SESClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SESClient{api: api, configSetName: cfg.ConfigSetName, logger: logger}
}

func (s *SESClient) Name() string { return "ses" }

func utf8Content(data string) *sestypes.Content {
	return &sestypes.Content{Data: aws.String(data), Charset: aws.String("UTF-8")}
}

// Send maps MessageRejected to email_blocked, throttling to
// upstream_rate_limited and paused sending to upstream_unavailable.
func (s *SESClient) Send(ctx context.Context, input types.SendInput) (string, error) {
	body := &sestypes.Body{}
	if input.BodyText != "" {
		body.Text = utf8Content(input.BodyText)
	}
	if input.BodyHTML != "" {
		body.Html = utf8Content(input.BodyHTML)
	}

	params := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(formatAddress(input.From)),
		Destination:      &sestypes.Destination{ToAddresses: []string{input.To}},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: utf8Content(input.Subject),
				Body:    body,
			},
		},
	}
	if s.configSetName != "" {
		params.ConfigurationSetName = aws.String(s.configSetName)
	}
	if input.ReferenceID != "" {
		params.EmailTags = []sestypes.MessageTag{{
			Name:  aws.String("ReferenceID"),
			Value: aws.String(input.ReferenceID),
		}}
	}

	out, err := s.api.SendEmail(ctx, params)
	if err != nil {
		return "", mapSESError(err)
	}
	return aws.ToString(out.MessageId), nil
}

// formatAddress renders "Name <addr>" with RFC 5322 quoting, or the bare
// address when no name is set.
func formatAddress(id types.SenderIdentity) string {
	if id.Name == "" {
		return id.Address
	}
	return (&mail.Address{Name: id.Name, Address: id.Address}).String()
}

func mapSESError(err error) error {
	var rejected *sestypes.MessageRejected
	if errors.As(err, &rejected) {
		return types.NewAppError(types.ErrCodeEmailBlocked, fmt.Sprintf("SES rejected message: %v", err), err)
	}
	var throttled *sestypes.TooManyRequestsException
	if errors.As(err, &throttled) {
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, fmt.Sprintf("SES rate limit exceeded: %v", err), err)
	}
	var paused *sestypes.SendingPausedException
	if errors.As(err, &paused) {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("SES sending paused: %v", err), err)
	}
	return types.NewAppError(types.ErrCodeUpstreamEmailProvider, fmt.Sprintf("SES error: %v", err), err)
}

var _ EmailProvider = (*SESClient)(nil)
