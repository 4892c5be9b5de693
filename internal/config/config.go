// Package config provides configuration resolution for the restore pipeline.
//
// Values merge from five sources with fixed priority: event payload, latest
// step record, environment variables, the SSM config parameter, and built-in
// defaults. The resolver records where each key came from.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/cockroachdb/errors"

	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/constants"
	apperrors "github.com/mpz/devops/tools/aurora-restore-pipeline/internal/errors"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/types"
)

// Source identifies where a configuration value came from.
type Source string

const (
	SourceEvent   Source = "event"
	SourceState   Source = "state"
	SourceEnv     Source = "env"
	SourceSSM     Source = "ssm"
	SourceDefault Source = "default"
)

// Configuration keys.
const (
	KeySourceRegion            = "source_region"
	KeyTargetRegion            = "target_region"
	KeySourceClusterID         = "source_cluster_id"
	KeyTargetClusterID         = "target_cluster_id"
	KeySnapshotPrefix          = "snapshot_prefix"
	KeyVpcSecurityGroupIDs     = "vpc_security_group_ids"
	KeyDBSubnetGroupName       = "db_subnet_group_name"
	KeyKmsKeyID                = "kms_key_id"
	KeyMasterSecretID          = "master_credentials_secret_id"
	KeyAppSecretID             = "app_credentials_secret_id"
	KeyCopyStatusRetryDelay    = "copy_status_retry_delay"
	KeyRestoreStatusRetryDelay = "restore_status_retry_delay"
	KeyDeleteStatusRetryDelay  = "delete_status_retry_delay"
	KeyCopyCheckInterval       = "copy_check_interval"
	KeyRestoreCheckInterval    = "restore_check_interval"
	KeyMaxCopyAttempts         = "max_copy_attempts"
	KeyMaxRestoreAttempts      = "max_restore_attempts"
	KeyMaxDeleteAttempts       = "max_delete_attempts"
	KeySkipFinalSnapshot       = "skip_final_snapshot"
	KeyPort                    = "port"
	KeyDeletionProtection      = "deletion_protection"
	KeyAvailabilityZones       = "availability_zones"
	KeyEnableIAMAuth           = "enable_iam_database_authentication"
	KeyDBClusterParameterGroup = "db_cluster_parameter_group_name"
	KeyDBConnectionTimeout     = "db_connection_timeout"
	KeyArchiveSnapshot         = "archive_snapshot"
	KeyEnvironment             = "environment"
	KeyRegion                  = "region"
	KeyAccountID               = "account_id"
	KeyStateTableName          = "state_table_name"
	KeyAuditTableName          = "audit_table_name"
	KeyLogLevel                = "log_level"
	KeySNSTopicARN             = "sns_topic_arn"
	KeyStepQueueURL            = "step_queue_url"
	KeySlackToken              = "slack_token"
	KeySlackChannel            = "slack_channel"
)

// intKeys are coerced to int on load; failed coercion keeps the prior value.
var intKeys = map[string]bool{
	KeyCopyStatusRetryDelay:    true,
	KeyRestoreStatusRetryDelay: true,
	KeyDeleteStatusRetryDelay:  true,
	KeyCopyCheckInterval:       true,
	KeyRestoreCheckInterval:    true,
	KeyMaxCopyAttempts:         true,
	KeyMaxRestoreAttempts:      true,
	KeyMaxDeleteAttempts:       true,
	KeyPort:                    true,
	KeyDBConnectionTimeout:     true,
}

// boolKeys accept true/1/yes/y, case-insensitive.
var boolKeys = map[string]bool{
	KeySkipFinalSnapshot:  true,
	KeyDeletionProtection: true,
	KeyEnableIAMAuth:      true,
	KeyArchiveSnapshot:    true,
}

// secretKeys are redacted in diagnostic dumps.
var secretKeys = map[string]bool{
	KeySlackToken: true,
}

// requiredKeys lists the keys each step refuses to run without.
var requiredKeys = map[types.Step][]string{
	types.StepSnapshotCheck:      {KeySourceRegion, KeySourceClusterID, KeySnapshotPrefix},
	types.StepCopySnapshot:       {KeySourceRegion, KeyTargetRegion},
	types.StepCheckCopyStatus:    {KeyTargetRegion},
	types.StepDeleteRDS:          {KeyTargetRegion, KeyTargetClusterID},
	types.StepCheckDeleteStatus:  {KeyTargetRegion, KeyTargetClusterID},
	types.StepRestoreSnapshot:    {KeyTargetRegion, KeyTargetClusterID, KeyDBSubnetGroupName, KeyVpcSecurityGroupIDs},
	types.StepCheckRestoreStatus: {KeyTargetRegion, KeyTargetClusterID},
	types.StepSetupDBUsers:       {KeyTargetRegion, KeyMasterSecretID, KeyAppSecretID},
	types.StepVerifyRestore:      {KeyTargetRegion, KeyMasterSecretID},
	types.StepArchiveSnapshot:    {KeyTargetRegion},
	types.StepSNSNotification:    {KeySNSTopicARN},
	types.StepCleanup:            {KeyTargetRegion},
}

// ParameterClient is the slice of the SSM API the resolver uses.
type ParameterClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Resolver holds resolved configuration with per-key source tracking.
type Resolver struct {
	environment string
	region      string
	accountID   string

	values  map[string]any
	sources map[string]Source
	logger  *slog.Logger
}

// NewResolver creates a resolver seeded with defaults. Environment falls back
// to the ENVIRONMENT variable, then "dev".
func NewResolver(environment string, logger *slog.Logger) *Resolver {
	if environment == "" {
		environment = getEnv("ENVIRONMENT", "dev")
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		environment: environment,
		region:      getEnv("AWS_REGION", constants.DefaultAWSRegion),
		accountID:   getEnv("AWS_ACCOUNT_ID", ""),
		values:      map[string]any{},
		sources:     map[string]Source{},
		logger:      logger,
	}
	for k, v := range r.defaults() {
		r.values[k] = v
		r.sources[k] = SourceDefault
	}
	return r
}

func (r *Resolver) defaults() map[string]any {
	return map[string]any{
		KeySourceRegion:            "",
		KeyTargetRegion:            "",
		KeySourceClusterID:         "",
		KeyTargetClusterID:         "",
		KeySnapshotPrefix:          constants.DefaultSnapshotPrefix,
		KeyVpcSecurityGroupIDs:     "",
		KeyDBSubnetGroupName:       "",
		KeyKmsKeyID:                "",
		KeyMasterSecretID:          "aurora-restore/master-db-credentials",
		KeyAppSecretID:             "aurora-restore/app-db-credentials",
		KeyCopyStatusRetryDelay:    constants.DefaultPollDelaySeconds,
		KeyRestoreStatusRetryDelay: constants.DefaultPollDelaySeconds,
		KeyDeleteStatusRetryDelay:  constants.DefaultPollDelaySeconds,
		KeyCopyCheckInterval:       constants.DefaultCheckIntervalSeconds,
		KeyRestoreCheckInterval:    constants.DefaultCheckIntervalSeconds,
		KeyMaxCopyAttempts:         constants.DefaultMaxPollAttempts,
		KeyMaxRestoreAttempts:      constants.DefaultMaxPollAttempts,
		KeyMaxDeleteAttempts:       constants.DefaultMaxPollAttempts,
		KeySkipFinalSnapshot:       true,
		KeyPort:                    constants.DefaultDBPort,
		KeyDeletionProtection:      false,
		KeyAvailabilityZones:       "",
		KeyEnableIAMAuth:           false,
		KeyDBClusterParameterGroup: "",
		KeyDBConnectionTimeout:     constants.DefaultDBConnectTimeout,
		KeyArchiveSnapshot:         true,
		KeyEnvironment:             r.environment,
		KeyRegion:                  r.region,
		KeyAccountID:               r.accountID,
		KeyStateTableName:          constants.DefaultStateTable,
		KeyAuditTableName:          constants.DefaultAuditTable,
		KeyLogLevel:                "INFO",
		KeySNSTopicARN:             fmt.Sprintf("arn:aws:sns:%s:%s:aurora-restore-notifications", r.region, r.accountID),
		KeyStepQueueURL:            "",
		KeySlackToken:              "",
		KeySlackChannel:            "",
	}
}

// Load merges all sources in priority order. event and state may be nil; ssmc
// may be nil to skip the SSM source (local runner).
func (r *Resolver) Load(ctx context.Context, ssmc ParameterClient, event, state map[string]any) {
	if ssmc != nil {
		r.loadSSM(ctx, ssmc)
	}
	r.loadEnv()
	r.loadMap(state, SourceState)
	r.loadMap(event, SourceEvent)
}

func (r *Resolver) loadSSM(ctx context.Context, ssmc ParameterClient) {
	path := fmt.Sprintf(constants.SSMConfigPathFormat, r.environment)
	out, err := ssmc.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(path),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		if strings.Contains(err.Error(), "ParameterNotFound") {
			r.logger.Warn("ssm config parameter not found", slog.String("path", path))
		} else {
			r.logger.Error("failed to load ssm config", slog.String("path", path), slog.String("error", err.Error()))
		}
		return
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(*out.Parameter.Value), &parsed); err != nil {
		r.logger.Error("ssm config is not valid json", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	for k, v := range parsed {
		if _, known := r.values[k]; known {
			r.set(k, v, SourceSSM)
		}
	}
	r.logger.Info("loaded configuration from ssm", slog.String("path", path))
}

func (r *Resolver) loadEnv() {
	for k := range r.values {
		if v, ok := os.LookupEnv(strings.ToUpper(k)); ok {
			r.set(k, v, SourceEnv)
		}
	}
}

func (r *Resolver) loadMap(m map[string]any, src Source) {
	for k, v := range m {
		if _, known := r.values[k]; known {
			r.set(k, v, src)
		}
	}
}

// set coerces and stores a value. A failed int coercion logs a warning and
// keeps the prior value.
func (r *Resolver) set(key string, value any, src Source) {
	switch {
	case intKeys[key]:
		n, err := toInt(value)
		if err != nil {
			r.logger.Warn("could not convert config value to integer",
				slog.String("key", key), slog.Any("value", value))
			return
		}
		r.values[key] = n
	case boolKeys[key]:
		r.values[key] = toBool(value)
	default:
		r.values[key] = fmt.Sprintf("%v", value)
	}
	r.sources[key] = src
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case float64:
		return int(t), nil
	case string:
		return strconv.Atoi(t)
	default:
		return 0, errors.Newf("cannot convert %T to int", v)
	}
}

func toBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(t) {
		case "true", "1", "yes", "y":
			return true
		}
	}
	return false
}

// GetString returns the value for key as a string.
func (r *Resolver) GetString(key string) string {
	if v, ok := r.values[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}

// GetInt returns the value for key as an int, or 0 if absent.
func (r *Resolver) GetInt(key string) int {
	if v, ok := r.values[key]; ok {
		if n, err := toInt(v); err == nil {
			return n
		}
	}
	return 0
}

// GetBool returns the value for key as a bool.
func (r *Resolver) GetBool(key string) bool {
	if v, ok := r.values[key]; ok {
		return toBool(v)
	}
	return false
}

// Source returns where the value for key came from.
func (r *Resolver) Source(key string) Source {
	if s, ok := r.sources[key]; ok {
		return s
	}
	return SourceDefault
}

// Environment returns the environment name this resolver was built for.
func (r *Resolver) Environment() string {
	return r.environment
}

// Validate checks the required keys for a step, wrapping ErrConfigMissing
// with every absent key.
func (r *Resolver) Validate(step types.Step) error {
	var missing []string
	for _, key := range requiredKeys[step] {
		if r.GetString(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return errors.Wrapf(apperrors.ErrConfigMissing, "step %s: %s", step, strings.Join(missing, ", "))
	}
	return nil
}

// Redacted returns all values with per-key sources, secrets masked.
func (r *Resolver) Redacted() map[string]any {
	out := make(map[string]any, len(r.values))
	for k, v := range r.values {
		val := v
		if secretKeys[k] {
			val = redact(r.GetString(k))
		}
		out[k] = map[string]any{"value": val, "source": string(r.Source(k))}
	}
	return out
}

// LoadAWSConfig loads the AWS SDK configuration for a region, defaulting to
// the resolver's home region.
func (r *Resolver) LoadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	if region == "" {
		region = r.region
	}
	return awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
}

// NewLogger creates a structured logger at the configured log level.
func (r *Resolver) NewLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToUpper(r.GetString(KeyLogLevel)) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARNING", "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***" + s[len(s)-4:]
}
