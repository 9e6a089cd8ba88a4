// Package core carries the run-level telemetry of the lifecycle
// notifications.
package core

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"inactivity/internal/scheduler"
	"inactivity/internal/types"
)

const (
	MetricLifecycleAction = "LifecycleAction"
	MetricMailFailure     = "MailFailure"
	MetricUsersScanned    = "UsersScanned"

	DimAction = "Action"
	DimKind   = "Kind"
)

// CloudWatchClient is the PutMetricData subset of the CloudWatch client.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchRunMetrics counts in memory during a run and publishes the
// totals in one PutMetricData call on Flush. Counters reset after a
// successful flush.
type CloudWatchRunMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger

	mu       sync.Mutex
	scanned  int
	actions  map[types.LifecycleAction]int
	failures map[types.MailKind]int
}

func NewCloudWatchRunMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchRunMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchRunMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
		actions:   make(map[types.LifecycleAction]int),
		failures:  make(map[types.MailKind]int),
	}
}

func (m *CloudWatchRunMetrics) RecordScanned(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanned += n
}

func (m *CloudWatchRunMetrics) RecordAction(action types.LifecycleAction) {
	if action == types.ActionNone {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[action]++
}

func (m *CloudWatchRunMetrics) RecordMailFailure(kind types.MailKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[kind]++
}

func count(name string, value int, dims ...cwtypes.Dimension) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(float64(value)),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: dims,
	}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

// Flush publishes UsersScanned, one LifecycleAction datum per action that
// occurred and one MailFailure datum per failing kind.
func (m *CloudWatchRunMetrics) Flush(ctx context.Context) error {
	m.mu.Lock()
	data := []cwtypes.MetricDatum{count(MetricUsersScanned, m.scanned)}
	for _, a := range []types.LifecycleAction{types.ActionLockout, types.ActionDelayedWarning, types.ActionScheduledWarning} {
		if n := m.actions[a]; n > 0 {
			data = append(data, count(MetricLifecycleAction, n, dim(DimAction, string(a))))
		}
	}
	for _, k := range []types.MailKind{types.MailKindWarning, types.MailKindLockout} {
		if n := m.failures[k]; n > 0 {
			data = append(data, count(MetricMailFailure, n, dim(DimKind, k.String())))
		}
	}
	m.mu.Unlock()

	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to publish run metrics", "error", err, "namespace", m.namespace)
		return err
	}

	m.mu.Lock()
	m.scanned = 0
	clear(m.actions)
	clear(m.failures)
	m.mu.Unlock()
	return nil
}

// NoopRunMetrics is used when metrics are disabled.
type NoopRunMetrics struct{}

func (NoopRunMetrics) RecordScanned(int)                  {}
func (NoopRunMetrics) RecordAction(types.LifecycleAction) {}
func (NoopRunMetrics) RecordMailFailure(types.MailKind)   {}
func (NoopRunMetrics) Flush(context.Context) error        { return nil }

var (
	_ scheduler.RunMetrics = (*CloudWatchRunMetrics)(nil)
	_ scheduler.RunMetrics = NoopRunMetrics{}
)
