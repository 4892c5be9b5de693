// Package types defines core types for the Aurora restore pipeline.
package types

import (
	"fmt"
	"regexp"
	"time"

	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/constants"
)

// Step identifies one handler in the restore chain.
type Step string

const (
	// StepSnapshotCheck locates the dated source snapshot. Entry step.
	StepSnapshotCheck Step = "snapshot_check"
	// StepCopySnapshot copies the snapshot to the target region.
	StepCopySnapshot Step = "copy_snapshot"
	// StepCheckCopyStatus polls the cross-region copy.
	StepCheckCopyStatus Step = "check_copy_status"
	// StepDeleteRDS tears down any stale target cluster.
	StepDeleteRDS Step = "delete_rds"
	// StepCheckDeleteStatus polls the cluster deletion.
	StepCheckDeleteStatus Step = "check_delete_status"
	// StepRestoreSnapshot restores a new cluster from the copied snapshot.
	StepRestoreSnapshot Step = "restore_snapshot"
	// StepCheckRestoreStatus polls the cluster restore.
	StepCheckRestoreStatus Step = "check_restore_status"
	// StepSetupDBUsers provisions database roles on the restored cluster.
	StepSetupDBUsers Step = "setup_db_users"
	// StepVerifyRestore verifies connectivity and schema presence.
	StepVerifyRestore Step = "verify_restore"
	// StepArchiveSnapshot deletes the copied snapshot in the target region.
	StepArchiveSnapshot Step = "archive_snapshot"
	// StepSNSNotification publishes the completion message. Terminal.
	StepSNSNotification Step = "sns_notification"
	// StepCleanup is operator-triggered and never part of the chain.
	StepCleanup Step = "cleanup"
)

// Chain is the canonical step order. Polling steps may repeat in place;
// cleanup is out-of-band and deliberately absent.
var Chain = []Step{
	StepSnapshotCheck,
	StepCopySnapshot,
	StepCheckCopyStatus,
	StepDeleteRDS,
	StepCheckDeleteStatus,
	StepRestoreSnapshot,
	StepCheckRestoreStatus,
	StepSetupDBUsers,
	StepVerifyRestore,
	StepArchiveSnapshot,
	StepSNSNotification,
}

// ChainIndex returns the position of a step in the chain, or -1 for
// out-of-band steps such as cleanup.
func ChainIndex(s Step) int {
	for i, c := range Chain {
		if c == s {
			return i
		}
	}
	return -1
}

// Next returns the successor of a step in the chain, or "" for the terminal
// step and out-of-band steps.
func (s Step) Next() Step {
	i := ChainIndex(s)
	if i < 0 || i+1 >= len(Chain) {
		return ""
	}
	return Chain[i+1]
}

// Valid reports whether s names a known step (including cleanup).
func (s Step) Valid() bool {
	return s == StepCleanup || ChainIndex(s) >= 0
}

// SortKey returns the state-table sort key for a step. The two-digit chain
// index prefix makes a descending scan return the latest chain step rather
// than the alphabetically greatest name. Cleanup sorts after everything.
func (s Step) SortKey() string {
	i := ChainIndex(s)
	if i < 0 {
		return fmt.Sprintf("99#%s", s)
	}
	return fmt.Sprintf("%02d#%s", i, s)
}

// StepRecord is the persisted outcome of one step execution. Records are
// append-only per (operation, step); polling re-runs overwrite their own row.
// Consumers must tolerate unknown fields on read.
type StepRecord struct {
	OperationID string `json:"operation_id" dynamodbav:"operation_id"`
	Step        Step   `json:"step" dynamodbav:"step"`
	// Timestamp is unix seconds of the write.
	Timestamp int64  `json:"timestamp" dynamodbav:"timestamp"`
	Success   bool   `json:"success" dynamodbav:"success"`
	Error     string `json:"error,omitempty" dynamodbav:"error,omitempty"`

	// Snapshot identity, written by snapshot_check.
	TargetDate     string `json:"target_date,omitempty" dynamodbav:"target_date,omitempty"`
	SnapshotName   string `json:"snapshot_name,omitempty" dynamodbav:"snapshot_name,omitempty"`
	SnapshotARN    string `json:"snapshot_arn,omitempty" dynamodbav:"snapshot_arn,omitempty"`
	SnapshotStatus string `json:"snapshot_status,omitempty" dynamodbav:"snapshot_status,omitempty"`
	SnapshotType   string `json:"snapshot_type,omitempty" dynamodbav:"snapshot_type,omitempty"`
	Encrypted      bool   `json:"encrypted,omitempty" dynamodbav:"encrypted,omitempty"`
	AllocatedGiB   int32  `json:"allocated_gib,omitempty" dynamodbav:"allocated_gib,omitempty"`
	SnapshotCreate string `json:"snapshot_created,omitempty" dynamodbav:"snapshot_created,omitempty"`

	// Regions and cluster identity, carried from step to step.
	SourceRegion    string `json:"source_region,omitempty" dynamodbav:"source_region,omitempty"`
	TargetRegion    string `json:"target_region,omitempty" dynamodbav:"target_region,omitempty"`
	SourceClusterID string `json:"source_cluster_id,omitempty" dynamodbav:"source_cluster_id,omitempty"`
	TargetClusterID string `json:"target_cluster_id,omitempty" dynamodbav:"target_cluster_id,omitempty"`

	// Copy phase. PollAttempts is the self-dispatch counter shared by the
	// polling steps; each poller overwrites its own row.
	TargetSnapshotName string `json:"target_snapshot_name,omitempty" dynamodbav:"target_snapshot_name,omitempty"`
	TargetSnapshotARN  string `json:"target_snapshot_arn,omitempty" dynamodbav:"target_snapshot_arn,omitempty"`
	CopyStatus         string `json:"copy_status,omitempty" dynamodbav:"copy_status,omitempty"`
	PollAttempts       int    `json:"poll_attempts,omitempty" dynamodbav:"poll_attempts,omitempty"`

	// Delete and restore phases.
	DeleteStatus  string `json:"delete_status,omitempty" dynamodbav:"delete_status,omitempty"`
	RestoreStatus string `json:"restore_status,omitempty" dynamodbav:"restore_status,omitempty"`

	// Cluster facts persisted once the restore is available.
	ClusterEndpoint string `json:"cluster_endpoint,omitempty" dynamodbav:"cluster_endpoint,omitempty"`
	ClusterPort     int32  `json:"cluster_port,omitempty" dynamodbav:"cluster_port,omitempty"`
	Engine          string `json:"engine,omitempty" dynamodbav:"engine,omitempty"`
	EngineVersion   string `json:"engine_version,omitempty" dynamodbav:"engine_version,omitempty"`
	VpcID           string `json:"vpc_id,omitempty" dynamodbav:"vpc_id,omitempty"`
	SubnetGroup     string `json:"db_subnet_group,omitempty" dynamodbav:"db_subnet_group,omitempty"`

	// Role setup and verification.
	UsersCreated []string `json:"users_created,omitempty" dynamodbav:"users_created,omitempty"`
	ServerVer    string   `json:"server_version,omitempty" dynamodbav:"server_version,omitempty"`
	SchemaCount  int      `json:"schema_count,omitempty" dynamodbav:"schema_count,omitempty"`
	TableCount   int      `json:"table_count,omitempty" dynamodbav:"table_count,omitempty"`

	// Archive and notification.
	ArchiveStatus string `json:"archive_status,omitempty" dynamodbav:"archive_status,omitempty"`
	MessageID     string `json:"message_id,omitempty" dynamodbav:"message_id,omitempty"`

	// TTL is the optional DynamoDB expiry attribute (unix seconds).
	TTL int64 `json:"ttl,omitempty" dynamodbav:"ttl,omitempty"`
}

// AuditStatus is the status of an audit event.
type AuditStatus string

const (
	AuditSuccess AuditStatus = "success"
	AuditFailed  AuditStatus = "failed"
	AuditSkipped AuditStatus = "skipped"
	AuditWaiting AuditStatus = "waiting"
)

// AuditEvent is one append-only audit row.
type AuditEvent struct {
	EventID     string            `json:"event_id" dynamodbav:"event_id"`
	OperationID string            `json:"operation_id,omitempty" dynamodbav:"operation_id,omitempty"`
	EventType   Step              `json:"event_type" dynamodbav:"event_type"`
	Status      AuditStatus       `json:"status" dynamodbav:"status"`
	Timestamp   string            `json:"timestamp" dynamodbav:"timestamp"`
	Details     map[string]string `json:"details,omitempty" dynamodbav:"details,omitempty"`
	Environment string            `json:"environment" dynamodbav:"environment"`
	TTL         int64             `json:"ttl" dynamodbav:"ttl"`
}

// NewAuditEvent builds an audit row with the event-id and TTL conventions of
// the audit table (step name + ISO timestamp, 30-day expiry).
func NewAuditEvent(operationID string, step Step, status AuditStatus, details map[string]string, environment string, now time.Time) AuditEvent {
	ts := now.UTC().Format(time.RFC3339)
	return AuditEvent{
		EventID:     string(step) + "_" + ts,
		OperationID: operationID,
		EventType:   step,
		Status:      status,
		Timestamp:   ts,
		Details:     details,
		Environment: environment,
		TTL:         now.Add(constants.AuditTTL).Unix(),
	}
}

// MetricUnit is the unit of a metric datum.
type MetricUnit string

const (
	UnitCount   MetricUnit = "Count"
	UnitSeconds MetricUnit = "Seconds"
)

// Response is the envelope every handler returns.
type Response struct {
	StatusCode int            `json:"statusCode"`
	Body       map[string]any `json:"body"`
}

// NewResponse builds a response envelope with the required body fields plus
// any step-specific extras.
func NewResponse(statusCode int, operationID string, success bool, message string, extra map[string]any) Response {
	body := map[string]any{
		"message":      message,
		"operation_id": operationID,
		"success":      success,
	}
	for k, v := range extra {
		body[k] = v
	}
	return Response{StatusCode: statusCode, Body: body}
}

// Identifier validation, matching the RDS naming rules enforced upstream.
var (
	identifierRe    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]*$`)
	regionRe        = regexp.MustCompile(`^[a-z]{2}-[a-z]+-\d$`)
	vpcRe           = regexp.MustCompile(`^vpc-[a-f0-9]+$`)
	subnetRe        = regexp.MustCompile(`^subnet-[a-f0-9]+$`)
	securityGroupRe = regexp.MustCompile(`^sg-[a-f0-9]+$`)
)

// ValidClusterID reports whether id is a well-formed cluster identifier.
func ValidClusterID(id string) bool {
	return len(id) > 0 && len(id) <= 63 && identifierRe.MatchString(id)
}

// ValidSnapshotName reports whether name is a well-formed snapshot identifier.
func ValidSnapshotName(name string) bool {
	return len(name) > 0 && len(name) <= 255 && identifierRe.MatchString(name)
}

// ValidRegion reports whether region looks like an AWS region name.
func ValidRegion(region string) bool {
	return regionRe.MatchString(region)
}

// ValidVpcID reports whether id is a well-formed VPC identifier.
func ValidVpcID(id string) bool {
	return vpcRe.MatchString(id)
}

// ValidSubnetID reports whether id is a well-formed subnet identifier.
func ValidSubnetID(id string) bool {
	return subnetRe.MatchString(id)
}

// ValidSecurityGroupID reports whether id is a well-formed security group.
func ValidSecurityGroupID(id string) bool {
	return securityGroupRe.MatchString(id)
}

// ParseDate parses a YYYY-MM-DD date string.
func ParseDate(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}

// MasterCredentials is the shape of the master-credentials secret.
type MasterCredentials struct {
	Database string `json:"database"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// AppCredentials is the shape of the application-credentials secret.
type AppCredentials struct {
	AppUsername      string `json:"app_username"`
	AppPassword      string `json:"app_password"`
	ReadonlyUsername string `json:"readonly_username"`
	ReadonlyPassword string `json:"readonly_password"`
}
