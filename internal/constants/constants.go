// Package constants provides shared constant values used throughout the application.
package constants

import "time"

// Tables and parameter paths
const (
	// DefaultStateTable is the default DynamoDB state table name.
	DefaultStateTable = "aurora-restore-state"

	// DefaultAuditTable is the default DynamoDB audit table name.
	DefaultAuditTable = "aurora-restore-audit"

	// SSMConfigPathFormat is the parameter-store path for environment config.
	// The single argument is the environment name.
	SSMConfigPathFormat = "/aurora-restore/%s/config"
)

// Metrics
const (
	// MetricsNamespace is the CloudWatch namespace for pipeline metrics.
	MetricsNamespace = "AuroraRestore"
)

// Operation IDs
const (
	// OperationIDPrefix prefixes every minted operation identifier.
	OperationIDPrefix = "op"

	// OperationIDSuffixLength is the number of hex characters appended to
	// a minted operation identifier.
	OperationIDSuffixLength = 8
)

// Snapshot naming
const (
	// DefaultSnapshotPrefix is the default prefix for daily snapshot names.
	DefaultSnapshotPrefix = "aurora-snapshot"

	// CopySuffix is appended to the source snapshot name for the
	// cross-region copy.
	CopySuffix = "-copy"
)

// AWS tag keys applied to restored clusters
const (
	// TagName is the Name tag key.
	TagName = "Name"

	// TagEnvironment is the environment tag key.
	TagEnvironment = "Environment"

	// TagCreatedBy is the tag key indicating who created a resource.
	TagCreatedBy = "CreatedBy"

	// TagCreatedByValue is the value for the created-by tag.
	TagCreatedByValue = "aurora-restore-pipeline"

	// TagOperationID is the tag key for the operation ID.
	TagOperationID = "OperationId"
)

// Retry and polling defaults
const (
	// RetryBaseDelay is the first backoff delay for transient cloud errors.
	RetryBaseDelay = 4 * time.Second

	// RetryMaxDelay caps the backoff delay.
	RetryMaxDelay = 60 * time.Second

	// RetryMaxAttempts is the attempt budget for transient cloud errors.
	RetryMaxAttempts = 10

	// DefaultPollDelaySeconds is the default self-dispatch delay while a
	// copy, delete or restore is in progress.
	DefaultPollDelaySeconds = 60

	// DefaultCheckIntervalSeconds is the shorter self-dispatch delay used
	// while a just-started copy or restore is not yet visible.
	DefaultCheckIntervalSeconds = 30

	// DefaultMaxPollAttempts bounds polling re-dispatches.
	DefaultMaxPollAttempts = 60
)

// Retention
const (
	// AuditTTL is how long audit rows are retained.
	AuditTTL = 30 * 24 * time.Hour
)

// Database defaults
const (
	// DefaultDBPort is the default Aurora PostgreSQL port.
	DefaultDBPort = 5432

	// DefaultDBConnectTimeout is the default database connection timeout
	// in seconds.
	DefaultDBConnectTimeout = 30
)

// Default region
const (
	// DefaultAWSRegion is the default AWS region when not specified.
	DefaultAWSRegion = "us-east-1"
)
