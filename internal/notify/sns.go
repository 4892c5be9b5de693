// Package notify provides completion and operator notifications.
package notify

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/cockroachdb/errors"

	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/jsonutil"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/retry"
)

// SNSAPI is the slice of the SNS API the publisher uses.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSPublisher publishes the terminal restore-complete notification. The
// topic is passed per call because it is resolved from configuration on each
// invocation. Publishes run under the transient-retry policy.
type SNSPublisher struct {
	api    SNSAPI
	policy retry.Policy
}

// NewSNSPublisher creates a publisher.
func NewSNSPublisher(api SNSAPI) *SNSPublisher {
	return &SNSPublisher{api: api, policy: retry.DefaultPolicy()}
}

// NewSNSPublisherFromConfig creates a publisher from an AWS config.
func NewSNSPublisherFromConfig(cfg aws.Config) *SNSPublisher {
	return &SNSPublisher{api: sns.NewFromConfig(cfg), policy: retry.DefaultPolicy()}
}

// WithRetryPolicy overrides the transient-retry policy. Tests use it to drop
// the backoff sleeps.
func (p *SNSPublisher) WithRetryPolicy(pol retry.Policy) *SNSPublisher {
	p.policy = pol
	return p
}

// RestoreSummary is the payload of the completion notification.
type RestoreSummary struct {
	Status          string `json:"status"`
	OperationID     string `json:"operation_id"`
	SourceClusterID string `json:"source_cluster_id"`
	TargetClusterID string `json:"target_cluster_id"`
	SourceRegion    string `json:"source_region"`
	TargetRegion    string `json:"target_region"`
	SnapshotName    string `json:"snapshot_name"`
	TargetDate      string `json:"target_date"`
	Endpoint        string `json:"endpoint"`
	Port            int32  `json:"port"`
	ArchiveStatus   string `json:"archive_status,omitempty"`
	Environment     string `json:"environment"`
	CompletedAt     string `json:"completed_at"`
}

// PublishRestoreComplete publishes the summary and returns the SNS message id.
func (p *SNSPublisher) PublishRestoreComplete(ctx context.Context, topicARN string, summary RestoreSummary) (string, error) {
	var out *sns.PublishOutput
	err := p.policy.Do(ctx, nil, "publish notification", func(ctx context.Context) error {
		var err error
		out, err = p.api.Publish(ctx, &sns.PublishInput{
			TopicArn: aws.String(topicARN),
			Subject:  aws.String("Aurora Restore Complete - " + summary.TargetClusterID),
			Message:  aws.String(string(jsonutil.MarshalOrEmpty(summary))),
		})
		return retry.Classify(err)
	})
	if err != nil {
		return "", errors.Wrapf(err, "publish to %s", topicARN)
	}
	return aws.ToString(out.MessageId), nil
}
