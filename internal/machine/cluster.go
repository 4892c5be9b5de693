package machine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/config"
	apperrors "github.com/mpz/devops/tools/aurora-restore-pipeline/internal/errors"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/rds"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/types"
)

// runDeleteRDS tears down any existing cluster holding the target identifier.
// A missing cluster, or one in a state where deletion cannot be issued, is a
// skip that goes straight to restore_snapshot instead of the delete poller.
func (e *Engine) runDeleteRDS(ctx context.Context, ec *execContext) (*result, error) {
	clusterID := ec.cfg.GetString(config.KeyTargetClusterID)
	if !types.ValidClusterID(clusterID) {
		return nil, errors.Wrapf(apperrors.ErrValidation, "invalid target_cluster_id %q", clusterID)
	}
	client, err := e.rds.ClientFor(ctx, ec.cfg.GetString(config.KeyTargetRegion))
	if err != nil {
		return nil, err
	}
	cluster, err := client.GetCluster(ctx, clusterID)
	if apperrors.IsNotFound(err) {
		return e.skipDelete(ec, fmt.Sprintf("cluster %s not found, nothing to delete", clusterID)), nil
	}
	if err != nil {
		return nil, err
	}
	if !rds.ClusterStatus(cluster.Status).IsDeletable() {
		return e.skipDelete(ec, fmt.Sprintf("cluster %s in status %s, deletion not possible", clusterID, cluster.Status)), nil
	}

	skipFinal := ec.cfg.GetBool(config.KeySkipFinalSnapshot)
	if err := client.DeleteCluster(ctx, clusterID, skipFinal); err != nil {
		if apperrors.IsNotFound(err) || strings.Contains(err.Error(), "InvalidDBClusterState") {
			return e.skipDelete(ec, fmt.Sprintf("cluster %s already gone or not deletable", clusterID)), nil
		}
		return nil, err
	}
	ec.rec.DeleteStatus = "deleting"
	e.metrics.Count(ctx, ec.operationID, "clusters_deleted", 1)
	return &result{
		message: fmt.Sprintf("cluster %s deletion started", clusterID),
		extra:   map[string]any{"delete_status": "deleting"},
	}, nil
}

func (e *Engine) skipDelete(ec *execContext, message string) *result {
	ec.rec.DeleteStatus = "skipped"
	return &result{
		message: message,
		extra:   map[string]any{"delete_status": "skipped"},
		next:    types.StepRestoreSnapshot,
		skipped: true,
	}
}

// runCheckDeleteStatus polls until the target cluster is gone. NotFound is the
// success condition here.
func (e *Engine) runCheckDeleteStatus(ctx context.Context, ec *execContext) (*result, error) {
	clusterID := ec.cfg.GetString(config.KeyTargetClusterID)
	client, err := e.rds.ClientFor(ctx, ec.cfg.GetString(config.KeyTargetRegion))
	if err != nil {
		return nil, err
	}
	cluster, err := client.GetCluster(ctx, clusterID)
	if apperrors.IsNotFound(err) {
		ec.rec.DeleteStatus = "deleted"
		return &result{
			message: fmt.Sprintf("Cluster %s deletion complete", clusterID),
			extra:   map[string]any{"delete_status": "deleted"},
		}, nil
	}
	if err != nil {
		return nil, err
	}
	ec.rec.DeleteStatus = cluster.Status
	if rds.ClusterStatus(cluster.Status) == rds.ClusterDeleting {
		return e.pollWait(ec, fmt.Sprintf("cluster %s still deleting", clusterID),
			config.KeyDeleteStatusRetryDelay, config.KeyMaxDeleteAttempts)
	}
	return nil, errors.Newf("cluster %s in unexpected status %s during deletion", clusterID, cluster.Status)
}

// runRestoreSnapshot starts the cluster restore from the copied snapshot.
// An existing cluster under the target identifier is recorded as
// already_exists and ends the chain without a restore call.
func (e *Engine) runRestoreSnapshot(ctx context.Context, ec *execContext) (*result, error) {
	snapshotName := priorField(ec, func(r *types.StepRecord) string { return r.TargetSnapshotName })
	if snapshotName == "" {
		return nil, errors.Wrap(apperrors.ErrPreconditionFailed, "no snapshot recorded to restore from")
	}
	clusterID := ec.cfg.GetString(config.KeyTargetClusterID)
	if !types.ValidClusterID(clusterID) {
		return nil, errors.Wrapf(apperrors.ErrValidation, "invalid target_cluster_id %q", clusterID)
	}
	client, err := e.rds.ClientFor(ctx, ec.cfg.GetString(config.KeyTargetRegion))
	if err != nil {
		return nil, err
	}

	if existing, err := client.GetCluster(ctx, clusterID); err == nil {
		ec.rec.RestoreStatus = "already_exists"
		ec.logger.Info("cluster already exists, restore not issued",
			slog.String("cluster", clusterID), slog.String("status", existing.Status))
		return &result{
			message:    fmt.Sprintf("cluster %s already exists, restore not issued", clusterID),
			extra:      map[string]any{"restore_status": "already_exists"},
			noDispatch: true,
		}, nil
	} else if !apperrors.IsNotFound(err) {
		return nil, err
	}

	snap, err := client.GetClusterSnapshot(ctx, snapshotName)
	if err != nil {
		return nil, err
	}
	if rds.SnapshotStatus(snap.Status) != rds.SnapshotAvailable {
		return nil, errors.Newf("snapshot %s is not available for restore (status: %s)", snapshotName, snap.Status)
	}

	port := ec.cfg.GetInt(config.KeyPort)
	if port < 1 || port > 65535 {
		return nil, errors.Wrapf(apperrors.ErrValidation, "port %d out of range", port)
	}
	var securityGroups []string
	for _, sg := range strings.Split(ec.cfg.GetString(config.KeyVpcSecurityGroupIDs), ",") {
		sg = strings.TrimSpace(sg)
		if sg == "" {
			continue
		}
		if !types.ValidSecurityGroupID(sg) {
			return nil, errors.Wrapf(apperrors.ErrValidation, "invalid security group id %q", sg)
		}
		securityGroups = append(securityGroups, sg)
	}

	info, err := client.RestoreClusterFromSnapshot(ctx, rds.RestoreParams{
		ClusterID:          clusterID,
		SnapshotName:       snapshotName,
		Engine:             snap.Engine,
		EngineVersion:      snap.EngineVersion,
		Port:               int32(port),
		SubnetGroup:        ec.cfg.GetString(config.KeyDBSubnetGroupName),
		SecurityGroupIDs:   securityGroups,
		AvailabilityZones:  splitCSV(ec.cfg.GetString(config.KeyAvailabilityZones)),
		ParameterGroup:     ec.cfg.GetString(config.KeyDBClusterParameterGroup),
		KmsKeyID:           ec.cfg.GetString(config.KeyKmsKeyID),
		DeletionProtection: ec.cfg.GetBool(config.KeyDeletionProtection),
		EnableIAMAuth:      ec.cfg.GetBool(config.KeyEnableIAMAuth),
		Tags:               e.resourceTags(ec),
	})
	if err != nil {
		if apperrors.IsAlreadyExists(err) {
			ec.rec.RestoreStatus = "already_exists"
			return &result{
				message:    fmt.Sprintf("cluster %s already exists, restore not issued", clusterID),
				extra:      map[string]any{"restore_status": "already_exists"},
				noDispatch: true,
			}, nil
		}
		return nil, err
	}
	ec.rec.RestoreStatus = info.Status
	ec.rec.Engine = snap.Engine
	ec.rec.EngineVersion = snap.EngineVersion
	e.metrics.Count(ctx, ec.operationID, "restores_started", 1)
	return &result{
		message: fmt.Sprintf("cluster %s restore started from %s", clusterID, snapshotName),
		extra:   map[string]any{"restore_status": info.Status},
	}, nil
}

// runCheckRestoreStatus polls the restore until the cluster is available, and
// records the endpoint facts the database steps need.
func (e *Engine) runCheckRestoreStatus(ctx context.Context, ec *execContext) (*result, error) {
	clusterID := ec.cfg.GetString(config.KeyTargetClusterID)
	client, err := e.rds.ClientFor(ctx, ec.cfg.GetString(config.KeyTargetRegion))
	if err != nil {
		return nil, err
	}
	cluster, err := client.GetCluster(ctx, clusterID)
	if apperrors.IsNotFound(err) {
		return e.pollWait(ec, fmt.Sprintf("cluster %s not visible yet", clusterID),
			config.KeyRestoreCheckInterval, config.KeyMaxRestoreAttempts)
	}
	if err != nil {
		return nil, err
	}

	ec.rec.RestoreStatus = cluster.Status
	status := rds.ClusterStatus(cluster.Status)
	switch {
	case status == rds.ClusterAvailable:
		ec.rec.ClusterEndpoint = cluster.Endpoint
		ec.rec.ClusterPort = cluster.Port
		ec.rec.Engine = cluster.Engine
		ec.rec.EngineVersion = cluster.EngineVersion
		ec.rec.SubnetGroup = cluster.SubnetGroup
		e.metrics.Count(ctx, ec.operationID, "restores_completed", 1)
		return &result{
			message: fmt.Sprintf("Cluster %s restore completed", clusterID),
			extra: map[string]any{
				"endpoint":       cluster.Endpoint,
				"port":           cluster.Port,
				"engine":         cluster.Engine,
				"engine_version": cluster.EngineVersion,
			},
		}, nil
	case status.IsTransitional():
		return e.pollWait(ec, fmt.Sprintf("cluster %s restore in progress (status: %s)", clusterID, cluster.Status),
			config.KeyRestoreStatusRetryDelay, config.KeyMaxRestoreAttempts)
	default:
		return nil, errors.Newf("Cluster restore failed with status: %s", cluster.Status)
	}
}

// splitCSV splits a comma-separated config value, dropping empty entries.
func splitCSV(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
