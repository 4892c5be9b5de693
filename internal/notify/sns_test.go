package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/cockroachdb/errors"

	apperrors "github.com/mpz/devops/tools/aurora-restore-pipeline/internal/errors"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/retry"
)

type fakeSNS struct {
	in       *sns.PublishInput
	err      error
	errTimes int
	calls    int
}

func (f *fakeSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.calls++
	f.in = params
	if f.err != nil && (f.errTimes == 0 || f.calls <= f.errTimes) {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("mid-123")}, nil
}

// fastPolicy is the default retry budget without the backoff sleeps.
func fastPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return p
}

func TestPublishRestoreComplete(t *testing.T) {
	fake := &fakeSNS{}
	p := NewSNSPublisher(fake)

	id, err := p.PublishRestoreComplete(context.Background(), "arn:aws:sns:us-west-2:123:aurora-restore-notifications", RestoreSummary{
		Status:          "SUCCESS",
		OperationID:     "op-1",
		TargetClusterID: "restored-db",
		SnapshotName:    "snap-copy",
		Endpoint:        "restored-db.cluster.us-west-2.rds.amazonaws.com",
		Port:            5432,
	})
	if err != nil {
		t.Fatal(err)
	}
	if id != "mid-123" {
		t.Errorf("message id = %q", id)
	}
	if got := aws.ToString(fake.in.Subject); got != "Aurora Restore Complete - restored-db" {
		t.Errorf("subject = %q", got)
	}
	var body RestoreSummary
	if err := json.Unmarshal([]byte(aws.ToString(fake.in.Message)), &body); err != nil {
		t.Fatalf("message not json: %v", err)
	}
	if body.Status != "SUCCESS" || body.OperationID != "op-1" || body.Port != 5432 {
		t.Errorf("body = %+v", body)
	}
}

func TestPublishRetriesThrottleThenSucceeds(t *testing.T) {
	fake := &fakeSNS{err: errors.New("Throttling: rate exceeded"), errTimes: 1}
	p := NewSNSPublisher(fake).WithRetryPolicy(fastPolicy())

	id, err := p.PublishRestoreComplete(context.Background(), "arn", RestoreSummary{})
	if err != nil {
		t.Fatal(err)
	}
	if id != "mid-123" {
		t.Errorf("message id = %q", id)
	}
	if fake.calls != 2 {
		t.Errorf("publish calls = %d, want 2", fake.calls)
	}
}

func TestPublishThrottleClassifiedTransient(t *testing.T) {
	fake := &fakeSNS{err: errors.New("Throttling: rate exceeded")}
	p := NewSNSPublisher(fake).WithRetryPolicy(fastPolicy())
	_, err := p.PublishRestoreComplete(context.Background(), "arn", RestoreSummary{})
	if !apperrors.IsTransient(err) {
		t.Errorf("err = %v, want transient", err)
	}
}
