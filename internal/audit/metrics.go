package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/constants"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/types"
)

// Metrics publishes step metrics.
type Metrics interface {
	Count(ctx context.Context, operationID, name string, value float64)
	Duration(ctx context.Context, operationID, name string, d time.Duration)
}

// CloudWatchAPI is the slice of the CloudWatch API the publisher uses.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics publishes to the AuroraRestore namespace with OperationId
// and Environment dimensions. Publish failures are logged and swallowed.
type CloudWatchMetrics struct {
	client      CloudWatchAPI
	environment string
	logger      *slog.Logger
}

// NewCloudWatchMetrics creates a publisher for the given environment.
func NewCloudWatchMetrics(client CloudWatchAPI, environment string, logger *slog.Logger) *CloudWatchMetrics {
	return &CloudWatchMetrics{client: client, environment: environment, logger: logger}
}

func (m *CloudWatchMetrics) Count(ctx context.Context, operationID, name string, value float64) {
	m.put(ctx, operationID, name, value, types.UnitCount)
}

func (m *CloudWatchMetrics) Duration(ctx context.Context, operationID, name string, d time.Duration) {
	m.put(ctx, operationID, name, d.Seconds(), types.UnitSeconds)
}

func (m *CloudWatchMetrics) put(ctx context.Context, operationID, name string, value float64, unit types.MetricUnit) {
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(constants.MetricsNamespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(name),
				Value:      aws.Float64(value),
				Unit:       cwtypes.StandardUnit(unit),
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String("OperationId"), Value: aws.String(operationID)},
					{Name: aws.String("Environment"), Value: aws.String(m.environment)},
				},
			},
		},
	})
	if err != nil {
		m.logger.Warn("metric publish failed",
			slog.String("metric", name),
			slog.String("operation_id", operationID),
			slog.String("error", err.Error()))
	}
}

// NullMetrics discards metrics.
type NullMetrics struct{}

func (NullMetrics) Count(ctx context.Context, operationID, name string, value float64) {}

func (NullMetrics) Duration(ctx context.Context, operationID, name string, d time.Duration) {}
