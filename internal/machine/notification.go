package machine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/config"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/notify"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/types"
)

// runSNSNotification publishes the completion summary. Terminal step: nothing
// is dispatched after it.
func (e *Engine) runSNSNotification(ctx context.Context, ec *execContext) (*result, error) {
	summary := notify.RestoreSummary{
		Status:          "SUCCESS",
		OperationID:     ec.operationID,
		SourceClusterID: ec.cfg.GetString(config.KeySourceClusterID),
		TargetClusterID: ec.cfg.GetString(config.KeyTargetClusterID),
		SourceRegion:    ec.cfg.GetString(config.KeySourceRegion),
		TargetRegion:    ec.cfg.GetString(config.KeyTargetRegion),
		SnapshotName:    priorField(ec, func(r *types.StepRecord) string { return r.SnapshotName }),
		TargetDate:      priorField(ec, func(r *types.StepRecord) string { return r.TargetDate }),
		Endpoint:        priorField(ec, func(r *types.StepRecord) string { return r.ClusterEndpoint }),
		ArchiveStatus:   priorField(ec, func(r *types.StepRecord) string { return r.ArchiveStatus }),
		Environment:     e.environment,
		CompletedAt:     e.now().UTC().Format(time.RFC3339),
	}
	if ec.prior != nil {
		summary.Port = ec.prior.ClusterPort
	}

	messageID, err := e.publisher.PublishRestoreComplete(ctx, ec.cfg.GetString(config.KeySNSTopicARN), summary)
	if err != nil {
		return nil, err
	}
	ec.rec.MessageID = messageID
	e.metrics.Count(ctx, ec.operationID, "restores_notified", 1)

	if err := e.notifier.NotifyRestoreCompleted(ctx, summary); err != nil {
		ec.logger.Warn("completion notification failed", slog.String("error", err.Error()))
	}

	return &result{
		message: fmt.Sprintf("restore complete, notification %s published", messageID),
		extra:   map[string]any{"message_id": messageID},
	}, nil
}
