// Package app assembles the lifecycle service from configuration. The CLI,
// the scheduled Lambda and the admin API build the same object graph here
// so they cannot drift apart.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/coder/quartz"
	"github.com/hashicorp/go-multierror"

	"inactivity/internal/config"
	"inactivity/internal/external"
	ncore "inactivity/internal/notifications/core"
	"inactivity/internal/notifications/email"
	"inactivity/internal/queue"
	"inactivity/internal/runner"
	"inactivity/internal/scheduler"
)

// App is the assembled lifecycle.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Stores   *Stores
	Provider external.EmailProvider
	Service  *scheduler.Service
	Runner   *runner.Runner
}

// Options overrides parts of the graph, mostly for tests.
type Options struct {
	Clock    quartz.Clock
	Provider external.EmailProvider
	WorkerID string
}

// New builds the App. The caller owns Close.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if cfg.Policy.InvertedThresholds() {
		logger.WarnContext(ctx, "Lockout threshold is shorter than the inactivity threshold",
			"inactivity_threshold_days", cfg.Policy.InactivityThresholdDays,
			"lockout_threshold_days", cfg.Policy.LockoutThresholdDays,
		)
	}

	var (
		awsCfg aws.Config
		err    error
	)
	if needsAWS(cfg, opts) {
		awsCfg, err = LoadAWSConfig(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
	}

	provider := opts.Provider
	if provider == nil {
		provider, err = NewEmailProvider(cfg, awsCfg, logger)
		if err != nil {
			return nil, err
		}
	}

	renderer, err := email.NewRenderer(email.RendererConfig{
		FromAddress: cfg.Email.FromAddress,
		FromName:    cfg.Email.FromName,
		SiteName:    cfg.Email.SiteName,
		Location:    cfg.Policy.Location,
	})
	if err != nil {
		return nil, fmt.Errorf("load email templates: %w", err)
	}

	stores, err := OpenStores(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}

	svc := scheduler.NewService(scheduler.ServiceConfig{
		Policy: scheduler.Policy{
			InactivityThresholdDays: cfg.Policy.InactivityThresholdDays,
			LockoutThresholdDays:    cfg.Policy.LockoutThresholdDays,
			WarningScheduleDays:     cfg.Policy.WarningScheduleDays,
			Location:                cfg.Policy.Location,
		},
		Directory:        stores.Users,
		Ledger:           stores.Ledger,
		Lockouts:         stores.Lockouts,
		Mailer:           email.NewMailer(email.MailerConfig{Provider: provider, Renderer: renderer, Logger: logger}),
		Events:           NewEventPublisher(cfg, awsCfg, logger),
		Metrics:          NewRunMetrics(cfg, awsCfg, logger),
		Clock:            clock,
		LockoutReason:    cfg.Policy.LockoutReason,
		LockoutPerformer: cfg.Policy.LockoutPerformer,
		Logger:           logger,
	})

	return &App{
		Config:   cfg,
		Logger:   logger,
		Stores:   stores,
		Provider: provider,
		Service:  svc,
		Runner: runner.New(runner.Config{
			Service:  svc,
			Locks:    stores.Locks,
			History:  stores.History,
			LockTTL:  cfg.Run.LockTTL,
			WorkerID: opts.WorkerID,
			Logger:   logger,
		}),
	}, nil
}

// Close releases the store.
func (a *App) Close() error {
	var result *multierror.Error
	if a.Stores != nil && a.Stores.Close != nil {
		if err := a.Stores.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close store: %w", err))
		}
	}
	return result.ErrorOrNil()
}

func needsAWS(cfg *config.Config, opts Options) bool {
	return (opts.Provider == nil && cfg.Email.Provider == "ses") ||
		cfg.Observability.EnableMetrics ||
		cfg.AWS.LifecycleEventsQueue != ""
}

// LoadAWSConfig loads the default credential chain for the configured
// region. AWS_ENDPOINT_URL points every client at LocalStack.
func LoadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS SDK config: %w", err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}
	return awsCfg, nil
}

// NewEmailProvider selects the transport named by EMAIL_PROVIDER.
func NewEmailProvider(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) (external.EmailProvider, error) {
	switch cfg.Email.Provider {
	case "ses":
		return external.NewSESClient(awsCfg, external.SESClientConfig{
			ConfigSetName: cfg.Email.SESConfigSet,
			Logger:        logger,
		}), nil
	case "sendgrid":
		return external.NewSendGridClient(
			&http.Client{Timeout: 10 * time.Second},
			external.SendGridClientConfig{
				APIKey: cfg.Email.SendGridAPIKey,
				Logger: logger,
			},
		), nil
	case "smtp":
		return external.NewSMTPClient(external.SMTPClientConfig{
			Host:     cfg.Email.SMTPHost,
			Port:     cfg.Email.SMTPPort,
			Username: cfg.Email.SMTPUsername,
			Password: cfg.Email.SMTPPassword,
			Logger:   logger,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported EMAIL_PROVIDER %q", cfg.Email.Provider)
	}
}

// NewRunMetrics returns CloudWatch counters when ENABLE_METRICS is set.
func NewRunMetrics(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) scheduler.RunMetrics {
	if !cfg.Observability.EnableMetrics {
		return ncore.NoopRunMetrics{}
	}
	return ncore.NewCloudWatchRunMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger)
}

// NewEventPublisher returns the SQS lockout publisher, or nil when no queue
// is configured.
func NewEventPublisher(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) scheduler.EventPublisher {
	if cfg.AWS.LifecycleEventsQueue == "" {
		return nil
	}
	return queue.NewLockoutPublisher(sqs.NewFromConfig(awsCfg), cfg.AWS, logger)
}
