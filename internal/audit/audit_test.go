package audit

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/cockroachdb/errors"

	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/types"
)

type fakeDynamo struct {
	puts []*dynamodb.PutItemInput
	err  error
}

func (f *fakeDynamo) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.puts = append(f.puts, params)
	return &dynamodb.PutItemOutput{}, f.err
}

func TestDynamoRecorderWritesEvent(t *testing.T) {
	fake := &fakeDynamo{}
	r := NewDynamoRecorder(fake, "aurora-restore-audit", slog.Default())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ev := types.NewAuditEvent("op-1", types.StepCopySnapshot, types.AuditSuccess, map[string]string{"target": "snap-copy"}, "dev", now)

	r.Record(context.Background(), ev)

	if len(fake.puts) != 1 {
		t.Fatalf("puts = %d", len(fake.puts))
	}
	if got := *fake.puts[0].TableName; got != "aurora-restore-audit" {
		t.Errorf("table = %q", got)
	}
	var stored types.AuditEvent
	if err := attributevalue.UnmarshalMap(fake.puts[0].Item, &stored); err != nil {
		t.Fatal(err)
	}
	if stored.EventID != ev.EventID || stored.TTL != ev.TTL || stored.Details["target"] != "snap-copy" {
		t.Errorf("stored = %+v", stored)
	}
}

func TestDynamoRecorderSwallowsErrors(t *testing.T) {
	fake := &fakeDynamo{err: errors.New("table missing")}
	r := NewDynamoRecorder(fake, "aurora-restore-audit", slog.Default())
	// Must not panic or propagate.
	r.Record(context.Background(), types.AuditEvent{EventID: "x"})
}

type fakeCloudWatch struct {
	inputs []*cloudwatch.PutMetricDataInput
	err    error
}

func (f *fakeCloudWatch) PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.inputs = append(f.inputs, params)
	return &cloudwatch.PutMetricDataOutput{}, f.err
}

func TestCloudWatchMetricsCount(t *testing.T) {
	fake := &fakeCloudWatch{}
	m := NewCloudWatchMetrics(fake, "dev", slog.Default())

	m.Count(context.Background(), "op-1", "snapshot_found", 1)

	if len(fake.inputs) != 1 {
		t.Fatalf("inputs = %d", len(fake.inputs))
	}
	in := fake.inputs[0]
	if *in.Namespace != "AuroraRestore" {
		t.Errorf("namespace = %q", *in.Namespace)
	}
	datum := in.MetricData[0]
	if *datum.MetricName != "snapshot_found" || *datum.Value != 1 || string(datum.Unit) != "Count" {
		t.Errorf("datum = %+v", datum)
	}
	dims := map[string]string{}
	for _, d := range datum.Dimensions {
		dims[*d.Name] = *d.Value
	}
	if dims["OperationId"] != "op-1" || dims["Environment"] != "dev" {
		t.Errorf("dimensions = %v", dims)
	}
}

func TestCloudWatchMetricsDuration(t *testing.T) {
	fake := &fakeCloudWatch{}
	m := NewCloudWatchMetrics(fake, "dev", slog.Default())

	m.Duration(context.Background(), "op-1", "copy_snapshot_duration", 90*time.Second)

	datum := fake.inputs[0].MetricData[0]
	if *datum.Value != 90 || string(datum.Unit) != "Seconds" {
		t.Errorf("datum = %+v", datum)
	}
}

func TestCloudWatchMetricsSwallowsErrors(t *testing.T) {
	fake := &fakeCloudWatch{err: errors.New("denied")}
	m := NewCloudWatchMetrics(fake, "dev", slog.Default())
	m.Count(context.Background(), "op-1", "x", 1)
}
