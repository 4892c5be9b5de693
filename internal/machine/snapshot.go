package machine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/config"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/constants"
	apperrors "github.com/mpz/devops/tools/aurora-restore-pipeline/internal/errors"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/rds"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/types"
)

// runSnapshotCheck locates the dated source snapshot. Entry step: it derives
// the deterministic snapshot name and refuses to continue unless the snapshot
// exists and is available.
func (e *Engine) runSnapshotCheck(ctx context.Context, ec *execContext) (*result, error) {
	sourceRegion := ec.cfg.GetString(config.KeySourceRegion)
	sourceCluster := ec.cfg.GetString(config.KeySourceClusterID)
	if !types.ValidRegion(sourceRegion) {
		return nil, errors.Wrapf(apperrors.ErrValidation, "invalid source_region %q", sourceRegion)
	}
	if tr := ec.cfg.GetString(config.KeyTargetRegion); tr != "" && !types.ValidRegion(tr) {
		return nil, errors.Wrapf(apperrors.ErrValidation, "invalid target_region %q", tr)
	}
	if !types.ValidClusterID(sourceCluster) {
		return nil, errors.Wrapf(apperrors.ErrValidation, "invalid source_cluster_id %q", sourceCluster)
	}
	if tc := ec.cfg.GetString(config.KeyTargetClusterID); tc != "" && !types.ValidClusterID(tc) {
		return nil, errors.Wrapf(apperrors.ErrValidation, "invalid target_cluster_id %q", tc)
	}

	targetDate := eventString(ec.event, "date")
	if targetDate == "" {
		targetDate = eventString(ec.event, "target_date")
	}
	if targetDate == "" {
		targetDate = e.now().AddDate(0, 0, -1).Format("2006-01-02")
	} else if _, err := types.ParseDate(targetDate); err != nil {
		return nil, errors.Wrapf(apperrors.ErrValidation, "invalid target_date %q: expected YYYY-MM-DD", targetDate)
	}

	name := fmt.Sprintf("%s-%s-%s", ec.cfg.GetString(config.KeySnapshotPrefix), sourceCluster, targetDate)
	if !types.ValidSnapshotName(name) {
		return nil, errors.Wrapf(apperrors.ErrValidation, "derived snapshot name %q is not a valid snapshot identifier", name)
	}

	client, err := e.rds.ClientFor(ctx, sourceRegion)
	if err != nil {
		return nil, errors.Wrapf(err, "rds client for %s", sourceRegion)
	}
	snap, err := client.FindClusterSnapshot(ctx, name)
	if err != nil {
		return nil, err
	}
	if rds.SnapshotStatus(snap.Status) != rds.SnapshotAvailable {
		return nil, errors.Newf("snapshot %s is not available (status: %s)", name, snap.Status)
	}

	ec.rec.TargetDate = targetDate
	ec.rec.SnapshotName = snap.Name
	ec.rec.SnapshotARN = snap.ARN
	ec.rec.SnapshotStatus = snap.Status
	ec.rec.SnapshotType = snap.Type
	ec.rec.Encrypted = snap.Encrypted
	ec.rec.AllocatedGiB = snap.AllocatedStorage
	ec.rec.SnapshotCreate = snap.Created
	e.metrics.Count(ctx, ec.operationID, "snapshot_found", 1)

	return &result{
		message: fmt.Sprintf("Snapshot %s found", snap.Name),
		extra: map[string]any{
			"snapshot_name": snap.Name,
			"snapshot_type": snap.Type,
			"target_date":   targetDate,
		},
	}, nil
}

// runCopySnapshot starts the cross-region copy, or skips it entirely when the
// source and target regions match. Re-runs are idempotent: an existing target
// snapshot is adopted, not an error.
func (e *Engine) runCopySnapshot(ctx context.Context, ec *execContext) (*result, error) {
	if ec.prior == nil || ec.prior.SnapshotName == "" {
		return nil, errors.Wrap(apperrors.ErrPreconditionFailed, "no source snapshot recorded for this operation")
	}
	sourceRegion := ec.cfg.GetString(config.KeySourceRegion)
	targetRegion := ec.cfg.GetString(config.KeyTargetRegion)

	if sourceRegion == targetRegion {
		// Same-region restores run directly off the source snapshot; no
		// copy call is made and the snapshot is already available.
		ec.rec.TargetSnapshotName = ec.prior.SnapshotName
		ec.rec.TargetSnapshotARN = ec.prior.SnapshotARN
		ec.rec.CopyStatus = "available"
		return &result{
			message: "same-region restore, snapshot copy not required",
			extra:   map[string]any{"target_snapshot_name": ec.rec.TargetSnapshotName, "copy_status": "available"},
		}, nil
	}

	targetName := ec.prior.SnapshotName + constants.CopySuffix
	client, err := e.rds.ClientFor(ctx, targetRegion)
	if err != nil {
		return nil, errors.Wrapf(err, "rds client for %s", targetRegion)
	}

	// The copy needs time to register; the status check is dispatched with
	// the configured delay instead of immediately.
	checkDelay := time.Duration(ec.cfg.GetInt(config.KeyCopyStatusRetryDelay)) * time.Second

	if existing, err := client.GetClusterSnapshot(ctx, targetName); err == nil {
		ec.rec.TargetSnapshotName = existing.Name
		ec.rec.TargetSnapshotARN = existing.ARN
		ec.rec.CopyStatus = existing.Status
		ec.logger.Info("snapshot copy already exists", slog.String("snapshot", targetName))
		return &result{
			message: fmt.Sprintf("snapshot copy %s already exists", targetName),
			extra:   map[string]any{"target_snapshot_name": targetName, "copy_status": existing.Status},
			delay:   checkDelay,
		}, nil
	} else if !apperrors.IsNotFound(err) {
		return nil, err
	}

	info, err := client.CopyClusterSnapshot(ctx, ec.prior.SnapshotARN, targetName, sourceRegion,
		ec.cfg.GetString(config.KeyKmsKeyID), e.resourceTags(ec))
	if err != nil {
		if apperrors.IsAlreadyExists(err) {
			ec.rec.TargetSnapshotName = targetName
			ec.rec.CopyStatus = "copying"
			return &result{
				message: fmt.Sprintf("snapshot copy %s already in progress", targetName),
				extra:   map[string]any{"target_snapshot_name": targetName},
				delay:   checkDelay,
			}, nil
		}
		return nil, err
	}
	ec.rec.TargetSnapshotName = info.Name
	ec.rec.TargetSnapshotARN = info.ARN
	ec.rec.CopyStatus = info.Status
	e.metrics.Count(ctx, ec.operationID, "snapshot_copy_started", 1)

	return &result{
		message: fmt.Sprintf("snapshot copy %s started", info.Name),
		extra:   map[string]any{"target_snapshot_name": info.Name, "copy_status": info.Status},
		delay:   checkDelay,
	}, nil
}

// runCheckCopyStatus polls the copy until it is available. A copy that is not
// visible yet counts as waiting; the attempt bound catches copies that never
// materialize.
func (e *Engine) runCheckCopyStatus(ctx context.Context, ec *execContext) (*result, error) {
	targetName := priorField(ec, func(r *types.StepRecord) string { return r.TargetSnapshotName })
	if targetName == "" {
		return nil, errors.Wrap(apperrors.ErrPreconditionFailed, "no snapshot copy recorded for this operation")
	}
	if ec.cfg.GetString(config.KeySourceRegion) == ec.cfg.GetString(config.KeyTargetRegion) {
		// Same-region: the source snapshot was already confirmed available,
		// no lookup needed.
		ec.rec.CopyStatus = "available"
		return &result{
			message: fmt.Sprintf("Snapshot copy %s completed", targetName),
			extra:   map[string]any{"target_snapshot_name": targetName, "copy_status": "available"},
		}, nil
	}
	client, err := e.rds.ClientFor(ctx, ec.cfg.GetString(config.KeyTargetRegion))
	if err != nil {
		return nil, err
	}
	snap, err := client.GetClusterSnapshot(ctx, targetName)
	if apperrors.IsNotFound(err) {
		return e.pollWait(ec, fmt.Sprintf("snapshot copy %s not visible yet", targetName),
			config.KeyCopyCheckInterval, config.KeyMaxCopyAttempts)
	}
	if err != nil {
		return nil, err
	}

	ec.rec.CopyStatus = snap.Status
	status := rds.SnapshotStatus(snap.Status)
	switch {
	case status == rds.SnapshotAvailable:
		ec.rec.TargetSnapshotARN = snap.ARN
		return &result{
			message: fmt.Sprintf("Snapshot copy %s completed", targetName),
			extra:   map[string]any{"target_snapshot_name": targetName, "copy_status": snap.Status},
		}, nil
	case status.IsTransitional():
		return e.pollWait(ec, fmt.Sprintf("snapshot copy in progress (%d%%)", snap.Progress),
			config.KeyCopyStatusRetryDelay, config.KeyMaxCopyAttempts)
	default:
		return nil, errors.Newf("Snapshot copy failed with status: %s", snap.Status)
	}
}

// runArchiveSnapshot removes the copied snapshot from the target region once
// the restore has been verified. The source snapshot is never touched.
func (e *Engine) runArchiveSnapshot(ctx context.Context, ec *execContext) (*result, error) {
	if !ec.cfg.GetBool(config.KeyArchiveSnapshot) {
		ec.rec.ArchiveStatus = "skipped"
		return &result{message: "snapshot archiving disabled", extra: map[string]any{"archive_status": "skipped"}, skipped: true}, nil
	}
	targetName := priorField(ec, func(r *types.StepRecord) string { return r.TargetSnapshotName })
	sourceName := priorField(ec, func(r *types.StepRecord) string { return r.SnapshotName })
	if targetName == "" || targetName == sourceName {
		// Same-region restores run directly off the source snapshot.
		ec.rec.ArchiveStatus = "skipped"
		return &result{message: "no copied snapshot to archive", extra: map[string]any{"archive_status": "skipped"}, skipped: true}, nil
	}
	client, err := e.rds.ClientFor(ctx, ec.cfg.GetString(config.KeyTargetRegion))
	if err != nil {
		return nil, err
	}
	if err := client.DeleteClusterSnapshot(ctx, targetName); err != nil {
		if apperrors.IsNotFound(err) {
			ec.rec.ArchiveStatus = "skipped"
			return &result{
				message: fmt.Sprintf("snapshot %s already removed", targetName),
				extra:   map[string]any{"archive_status": "skipped"},
				skipped: true,
			}, nil
		}
		return nil, err
	}
	ec.rec.ArchiveStatus = "deleted"
	e.metrics.Count(ctx, ec.operationID, "snapshots_archived", 1)
	return &result{
		message: fmt.Sprintf("snapshot %s deleted", targetName),
		extra:   map[string]any{"archive_status": "deleted"},
	}, nil
}

// resourceTags are stamped on every resource the pipeline creates.
func (e *Engine) resourceTags(ec *execContext) map[string]string {
	return map[string]string{
		constants.TagName:        ec.cfg.GetString(config.KeyTargetClusterID),
		constants.TagEnvironment: e.environment,
		constants.TagCreatedBy:   constants.TagCreatedByValue,
		constants.TagOperationID: ec.operationID,
	}
}

// priorField reads a carried field from the latest record.
func priorField(ec *execContext, get func(*types.StepRecord) string) string {
	if ec.prior == nil {
		return ""
	}
	return get(ec.prior)
}

// eventString reads a string from the event, checking the nested body second.
func eventString(event map[string]any, key string) string {
	if v, ok := event[key].(string); ok && v != "" {
		return v
	}
	if body, ok := event["body"].(map[string]any); ok {
		if v, ok := body[key].(string); ok {
			return v
		}
	}
	return ""
}
