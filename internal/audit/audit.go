// Package audit provides best-effort audit and metrics sinks. Sink failures
// are logged and never propagate to the caller.
package audit

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/types"
)

// Recorder writes audit events.
type Recorder interface {
	Record(ctx context.Context, ev types.AuditEvent)
}

// DynamoAPI is the slice of the DynamoDB API the recorder uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoRecorder appends audit events to a DynamoDB table with a 30-day TTL
// attribute.
type DynamoRecorder struct {
	client DynamoAPI
	table  string
	logger *slog.Logger
}

// NewDynamoRecorder creates a recorder over the given table.
func NewDynamoRecorder(client DynamoAPI, table string, logger *slog.Logger) *DynamoRecorder {
	return &DynamoRecorder{client: client, table: table, logger: logger}
}

func (r *DynamoRecorder) Record(ctx context.Context, ev types.AuditEvent) {
	av, err := attributevalue.MarshalMap(ev)
	if err != nil {
		r.logger.Warn("audit event marshal failed", slog.String("event_id", ev.EventID), slog.String("error", err.Error()))
		return
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.table),
		Item:      av,
	})
	if err != nil {
		r.logger.Warn("audit event write failed", slog.String("event_id", ev.EventID), slog.String("error", err.Error()))
	}
}

// NullRecorder discards audit events.
type NullRecorder struct{}

func (NullRecorder) Record(ctx context.Context, ev types.AuditEvent) {}
