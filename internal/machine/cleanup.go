package machine

import (
	"context"
	"log/slog"

	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/config"
	apperrors "github.com/mpz/devops/tools/aurora-restore-pipeline/internal/errors"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/types"
)

// runCleanup is the operator-triggered teardown: delete the copied snapshot
// and purge the operation's state rows. Each target is best-effort; partial
// failure is reported per target, not as a step failure. Cleanup never writes
// a step record and never dispatches.
func (e *Engine) runCleanup(ctx context.Context, ec *execContext) (*result, error) {
	outcomes := map[string]any{}

	targetName := priorField(ec, func(r *types.StepRecord) string { return r.TargetSnapshotName })
	sourceName := priorField(ec, func(r *types.StepRecord) string { return r.SnapshotName })
	switch {
	case targetName == "" || targetName == sourceName:
		outcomes["snapshot"] = "skipped"
	default:
		client, err := e.rds.ClientFor(ctx, ec.cfg.GetString(config.KeyTargetRegion))
		if err != nil {
			outcomes["snapshot"] = "error: " + err.Error()
		} else if err := client.DeleteClusterSnapshot(ctx, targetName); err != nil {
			if apperrors.IsNotFound(err) {
				outcomes["snapshot"] = "already removed"
			} else {
				ec.logger.Warn("cleanup could not delete snapshot",
					slog.String("snapshot", targetName), slog.String("error", err.Error()))
				outcomes["snapshot"] = "error: " + err.Error()
			}
		} else {
			outcomes["snapshot"] = "deleted"
		}
	}

	deleted, err := e.store.DeleteOperation(ctx, ec.operationID)
	if err != nil {
		ec.logger.Warn("cleanup could not purge state", slog.String("error", err.Error()))
		outcomes["state"] = "error: " + err.Error()
	} else {
		outcomes["state_rows_deleted"] = deleted
	}

	return &result{
		message:    "cleanup finished",
		extra:      outcomes,
		noDispatch: true,
		skipSave:   true,
	}, nil
}
