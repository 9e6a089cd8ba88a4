package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"inactivity/internal/types"
)

type mockCloudWatchClient struct {
	calls     []*cloudwatch.PutMetricDataInput
	returnErr error
}

func (m *mockCloudWatchClient) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.calls = append(m.calls, params)
	if m.returnErr != nil {
		return nil, m.returnErr
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func datumByDim(data []cwtypes.MetricDatum, name, dimValue string) *cwtypes.MetricDatum {
	for i := range data {
		d := &data[i]
		if *d.MetricName != name {
			continue
		}
		if dimValue == "" && len(d.Dimensions) == 0 {
			return d
		}
		for _, dm := range d.Dimensions {
			if *dm.Value == dimValue {
				return d
			}
		}
	}
	return nil
}

func TestCloudWatchRunMetrics_Flush(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewCloudWatchRunMetrics(cw, "InactivityLifecycle", testLogger())

	m.RecordScanned(12)
	m.RecordAction(types.ActionLockout)
	m.RecordAction(types.ActionScheduledWarning)
	m.RecordAction(types.ActionScheduledWarning)
	m.RecordAction(types.ActionNone)
	m.RecordMailFailure(types.MailKindWarning)

	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(cw.calls) != 1 {
		t.Fatalf("expected 1 PutMetricData call, got %d", len(cw.calls))
	}
	in := cw.calls[0]
	if *in.Namespace != "InactivityLifecycle" {
		t.Errorf("namespace = %q", *in.Namespace)
	}
	if len(in.MetricData) != 4 {
		t.Fatalf("expected 4 data, got %d", len(in.MetricData))
	}

	checks := []struct {
		name, dim string
		want      float64
	}{
		{MetricUsersScanned, "", 12},
		{MetricLifecycleAction, "lockout", 1},
		{MetricLifecycleAction, "scheduled_warning", 2},
		{MetricMailFailure, "warning", 1},
	}
	for _, c := range checks {
		d := datumByDim(in.MetricData, c.name, c.dim)
		if d == nil {
			t.Errorf("missing %s/%s", c.name, c.dim)
			continue
		}
		if *d.Value != c.want {
			t.Errorf("%s/%s = %v, want %v", c.name, c.dim, *d.Value, c.want)
		}
		if d.Unit != cwtypes.StandardUnitCount {
			t.Errorf("%s unit = %s", c.name, d.Unit)
		}
	}
	if datumByDim(in.MetricData, MetricLifecycleAction, "delayed_warning") != nil {
		t.Error("actions that did not occur should not be published")
	}
}

func TestCloudWatchRunMetrics_ResetsAfterFlush(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewCloudWatchRunMetrics(cw, "ns", testLogger())

	m.RecordScanned(3)
	m.RecordAction(types.ActionLockout)
	_ = m.Flush(context.Background())
	_ = m.Flush(context.Background())

	second := cw.calls[1]
	if len(second.MetricData) != 1 || *second.MetricData[0].Value != 0 {
		t.Errorf("expected only a zero UsersScanned datum, got %+v", second.MetricData)
	}
}

func TestCloudWatchRunMetrics_KeepsCountsOnError(t *testing.T) {
	cw := &mockCloudWatchClient{returnErr: errors.New("throttled")}
	m := NewCloudWatchRunMetrics(cw, "ns", testLogger())

	m.RecordScanned(5)
	if err := m.Flush(context.Background()); err == nil {
		t.Fatal("expected error")
	}

	cw.returnErr = nil
	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if *cw.calls[1].MetricData[0].Value != 5 {
		t.Errorf("counts should survive a failed flush")
	}
}

func TestNoopRunMetrics(t *testing.T) {
	var m NoopRunMetrics
	m.RecordScanned(1)
	m.RecordAction(types.ActionLockout)
	m.RecordMailFailure(types.MailKindLockout)
	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
}
