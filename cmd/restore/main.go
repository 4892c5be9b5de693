// Package main is the local runner for the Aurora restore pipeline. It wires
// the engine to an in-process queue and drives the chain to completion from
// the command line, against real AWS credentials.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

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

func main() {
	_ = godotenv.Load()

	var (
		configPath  = flag.String("config", "", "YAML file with configuration overrides")
		stepName    = flag.String("step", string(types.StepSnapshotCheck), "step to start from")
		operationID = flag.String("operation-id", "", "resume or clean up an existing operation")
		targetDate  = flag.String("date", "", "snapshot date (YYYY-MM-DD, default yesterday)")
		environment = flag.String("env", "", "deployment environment name")
		maxWait     = flag.Duration("max-wait", 15*time.Second, "cap on poll delays between steps")
		follow      = flag.Bool("follow", true, "run dispatched steps until the chain finishes")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := context.Background()

	step := types.Step(*stepName)
	if !step.Valid() {
		fatal(logger, "unknown step %q", *stepName)
	}

	event := map[string]any{}
	if *configPath != "" {
		raw, err := os.ReadFile(*configPath)
		if err != nil {
			fatal(logger, "read config file: %v", err)
		}
		if err := yaml.Unmarshal(raw, &event); err != nil {
			fatal(logger, "parse config file: %v", err)
		}
	}
	if *operationID != "" {
		event["operation_id"] = *operationID
	}
	if *targetDate != "" {
		event["target_date"] = *targetDate
	}

	resolver := config.NewResolver(*environment, logger)
	awsCfg, err := resolver.LoadAWSConfig(ctx, "")
	if err != nil {
		fatal(logger, "load aws config: %v", err)
	}
	ssmClient := ssm.NewFromConfig(awsCfg)
	resolver.Load(ctx, ssmClient, event, nil)
	logger = resolver.NewLogger()

	manager := rds.NewClientManager(rds.ClientManagerConfig{
		BaseConfig: awsCfg,
		Profile:    os.Getenv("AWS_PROFILE"),
	})
	checkRegions(ctx, manager, resolver, logger)

	var notifier notify.Notifier = notify.NullNotifier{}
	if token := resolver.GetString(config.KeySlackToken); token != "" {
		notifier = notify.NewSlackNotifier(token, resolver.GetString(config.KeySlackChannel))
	}

	queue := dispatch.NewQueue()
	eng := machine.NewEngine(machine.EngineConfig{
		Store:       state.NewMemoryStore(),
		Dispatcher:  queue,
		RDS:         machine.ManagerProvider{Manager: manager},
		Secrets:     secrets.NewClient(awsCfg),
		DB:          db.NewPostgres(),
		Publisher:   notify.NewSNSPublisherFromConfig(awsCfg),
		Notifier:    notifier,
		SSM:         ssmClient,
		Environment: resolver.Environment(),
		Logger:      logger,
	})

	resp := eng.Execute(ctx, step, event)
	printResponse(resp)
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
	if !*follow {
		return
	}

	processed := 0
	for {
		msg := queue.Pop()
		if msg == nil {
			break
		}
		delay := queue.Delays()[processed]
		processed++
		if delay > *maxWait {
			delay = *maxWait
		}
		if delay > 0 {
			logger.Info("waiting before next step",
				slog.String("step", string(msg.Step)),
				slog.Duration("delay", delay))
			time.Sleep(delay)
		}
		resp = eng.Execute(ctx, msg.Step, msg.Payload)
		printResponse(resp)
		if resp.StatusCode >= 400 {
			os.Exit(1)
		}
	}
}

// checkRegions warns when a configured region is not an enabled region on the
// account. Warn-only: opt-in regions can still be reachable.
func checkRegions(ctx context.Context, manager *rds.ClientManager, resolver *config.Resolver, logger *slog.Logger) {
	regions, err := manager.ListRegions(ctx)
	if err != nil {
		logger.Warn("could not list enabled regions", slog.String("error", err.Error()))
		return
	}
	for _, key := range []string{config.KeySourceRegion, config.KeyTargetRegion} {
		region := resolver.GetString(key)
		if region == "" {
			continue
		}
		if !slices.Contains(regions, region) {
			logger.Warn("region is not enabled on this account",
				slog.String("key", key), slog.String("region", region))
		}
	}
}

func printResponse(resp types.Response) {
	body, err := json.MarshalIndent(resp.Body, "", "  ")
	if err != nil {
		body = []byte("{}")
	}
	fmt.Printf("[%d] %s\n", resp.StatusCode, body)
}

func fatal(logger *slog.Logger, format string, args ...any) {
	logger.Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}
