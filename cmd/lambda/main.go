// Package main is the Lambda entry point for the Aurora restore pipeline.
// One function serves every step: SQS invocations carry the step in the
// message, direct invocations name it in the event or via STEP_NAME.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/cockroachdb/errors"

	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/audit"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/config"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/db"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/dispatch"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/machine"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/notify"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/rds"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/secrets"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/state"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/types"
)

var (
	eng    *machine.Engine
	logger *slog.Logger
)

func init() {
	ctx := context.Background()
	boot := slog.New(slog.NewTextHandler(os.Stdout, nil))

	resolver := config.NewResolver("", boot)
	awsCfg, err := resolver.LoadAWSConfig(ctx, "")
	if err != nil {
		panic("aws config init failed: " + err.Error())
	}
	ssmClient := ssm.NewFromConfig(awsCfg)
	resolver.Load(ctx, ssmClient, nil, nil)
	logger = resolver.NewLogger()

	ddb := dynamodb.NewFromConfig(awsCfg)

	var notifier notify.Notifier = notify.NullNotifier{}
	if token := resolver.GetString(config.KeySlackToken); token != "" {
		notifier = notify.NewSlackNotifier(token, resolver.GetString(config.KeySlackChannel))
	}

	eng = machine.NewEngine(machine.EngineConfig{
		Store:       state.NewDynamoStore(ddb, resolver.GetString(config.KeyStateTableName)),
		Recorder:    audit.NewDynamoRecorder(ddb, resolver.GetString(config.KeyAuditTableName), logger),
		Metrics:     audit.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), resolver.Environment(), logger),
		Dispatcher:  dispatch.NewSQSDispatcherFromConfig(awsCfg, resolver.GetString(config.KeyStepQueueURL)),
		RDS:         machine.ManagerProvider{Manager: rds.NewClientManager(rds.ClientManagerConfig{BaseConfig: awsCfg})},
		Secrets:     secrets.NewClient(awsCfg),
		DB:          db.NewPostgres(),
		Publisher:   notify.NewSNSPublisherFromConfig(awsCfg),
		Notifier:    notifier,
		SSM:         ssmClient,
		Environment: resolver.Environment(),
		Logger:      logger,
	})
}

func handler(ctx context.Context, raw json.RawMessage) (any, error) {
	var sqsEvent events.SQSEvent
	if err := json.Unmarshal(raw, &sqsEvent); err == nil && len(sqsEvent.Records) > 0 {
		// Step failures are recorded in state and block the chain; a
		// redelivered message would hit the precondition check, so the
		// batch is always acknowledged.
		for _, record := range sqsEvent.Records {
			msg, err := dispatch.Parse([]byte(record.Body))
			if err != nil {
				logger.Error("dropping malformed step message",
					slog.String("message_id", record.MessageId),
					slog.String("error", err.Error()))
				continue
			}
			resp := eng.Execute(ctx, msg.Step, msg.Payload)
			logger.Info("step message processed",
				slog.String("step", string(msg.Step)),
				slog.Int("status", resp.StatusCode))
		}
		return events.SQSEventResponse{}, nil
	}

	var event map[string]any
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, errors.Wrap(err, "parse invocation event")
	}
	step := stepFromEvent(event)
	if step == "" {
		return nil, errors.New("no step: set \"step\" in the event or the STEP_NAME variable")
	}
	return eng.Execute(ctx, step, event), nil
}

func stepFromEvent(event map[string]any) types.Step {
	if s, ok := event["step"].(string); ok && s != "" {
		return types.Step(s)
	}
	return types.Step(os.Getenv("STEP_NAME"))
}

func main() {
	lambda.Start(handler)
}
