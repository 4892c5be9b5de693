// Package machine implements the restore step engine. Each invocation runs
// exactly one step: resolve the operation, load prior state, run the step
// handler, persist the outcome, and dispatch the successor (or the same step
// again with a delay while polling).
package machine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/audit"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/config"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/constants"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/db"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/dispatch"
	apperrors "github.com/mpz/devops/tools/aurora-restore-pipeline/internal/errors"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/jsonutil"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/notify"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/rds"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/state"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/types"
)

// RDSClient is the per-region surface the handlers use.
type RDSClient interface {
	Region() string
	FindClusterSnapshot(ctx context.Context, name string) (*rds.SnapshotInfo, error)
	GetClusterSnapshot(ctx context.Context, name string) (*rds.SnapshotInfo, error)
	CopyClusterSnapshot(ctx context.Context, sourceARN, targetName, sourceRegion, kmsKeyID string, tags map[string]string) (*rds.SnapshotInfo, error)
	DeleteClusterSnapshot(ctx context.Context, name string) error
	GetCluster(ctx context.Context, clusterID string) (*rds.ClusterInfo, error)
	DeleteCluster(ctx context.Context, clusterID string, skipFinalSnapshot bool) error
	RestoreClusterFromSnapshot(ctx context.Context, p rds.RestoreParams) (*rds.ClusterInfo, error)
}

// RDSProvider yields an RDS client for a region.
type RDSProvider interface {
	ClientFor(ctx context.Context, region string) (RDSClient, error)
}

// ManagerProvider adapts a rds.ClientManager to RDSProvider.
type ManagerProvider struct {
	Manager *rds.ClientManager
}

func (p ManagerProvider) ClientFor(ctx context.Context, region string) (RDSClient, error) {
	return p.Manager.GetClient(ctx, region)
}

// SecretsClient retrieves database credentials.
type SecretsClient interface {
	GetMasterCredentials(ctx context.Context, secretID string) (*types.MasterCredentials, error)
	GetAppCredentials(ctx context.Context, secretID string) (*types.AppCredentials, error)
}

// Publisher publishes the terminal completion notification.
type Publisher interface {
	PublishRestoreComplete(ctx context.Context, topicARN string, summary notify.RestoreSummary) (string, error)
}

// Engine wires the step handlers to their collaborators.
type Engine struct {
	store      state.Store
	recorder   audit.Recorder
	metrics    audit.Metrics
	dispatcher dispatch.Dispatcher
	rds        RDSProvider
	secrets    SecretsClient
	db         db.Database
	publisher  Publisher
	notifier   notify.Notifier
	ssm        config.ParameterClient

	environment string
	logger      *slog.Logger
	now         func() time.Time
	newSuffix   func() string

	handlers map[types.Step]handlerFunc
}

// EngineConfig carries the engine's collaborators. Store, Dispatcher and RDS
// are required; nil optional collaborators fall back to null implementations.
type EngineConfig struct {
	Store      state.Store
	Recorder   audit.Recorder
	Metrics    audit.Metrics
	Dispatcher dispatch.Dispatcher
	RDS        RDSProvider
	Secrets    SecretsClient
	DB         db.Database
	Publisher  Publisher
	Notifier   notify.Notifier
	SSM        config.ParameterClient

	Environment string
	Logger      *slog.Logger

	// Now and NewSuffix are seams for tests.
	Now       func() time.Time
	NewSuffix func() string
}

// NewEngine creates an engine and registers the step handlers.
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		store:       cfg.Store,
		recorder:    cfg.Recorder,
		metrics:     cfg.Metrics,
		dispatcher:  cfg.Dispatcher,
		rds:         cfg.RDS,
		secrets:     cfg.Secrets,
		db:          cfg.DB,
		publisher:   cfg.Publisher,
		notifier:    cfg.Notifier,
		ssm:         cfg.SSM,
		environment: cfg.Environment,
		logger:      cfg.Logger,
		now:         cfg.Now,
		newSuffix:   cfg.NewSuffix,
	}
	if e.recorder == nil {
		e.recorder = audit.NullRecorder{}
	}
	if e.metrics == nil {
		e.metrics = audit.NullMetrics{}
	}
	if e.notifier == nil {
		e.notifier = notify.NullNotifier{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newSuffix == nil {
		e.newSuffix = func() string {
			return strings.ReplaceAll(uuid.New().String(), "-", "")[:constants.OperationIDSuffixLength]
		}
	}
	if e.environment == "" {
		e.environment = "dev"
	}
	e.handlers = map[types.Step]handlerFunc{
		types.StepSnapshotCheck:      e.runSnapshotCheck,
		types.StepCopySnapshot:       e.runCopySnapshot,
		types.StepCheckCopyStatus:    e.runCheckCopyStatus,
		types.StepDeleteRDS:          e.runDeleteRDS,
		types.StepCheckDeleteStatus:  e.runCheckDeleteStatus,
		types.StepRestoreSnapshot:    e.runRestoreSnapshot,
		types.StepCheckRestoreStatus: e.runCheckRestoreStatus,
		types.StepSetupDBUsers:       e.runSetupDBUsers,
		types.StepVerifyRestore:      e.runVerifyRestore,
		types.StepArchiveSnapshot:    e.runArchiveSnapshot,
		types.StepSNSNotification:    e.runSNSNotification,
		types.StepCleanup:            e.runCleanup,
	}
	return e
}

type handlerFunc func(ctx context.Context, ec *execContext) (*result, error)

// execContext is the per-invocation state handed to a handler.
type execContext struct {
	operationID string
	cfg         *config.Resolver
	prior       *types.StepRecord
	event       map[string]any
	rec         *types.StepRecord
	logger      *slog.Logger
}

// result is a handler's successful outcome.
type result struct {
	message string
	extra   map[string]any

	// waiting re-dispatches the same step after delay instead of advancing.
	waiting bool
	delay   time.Duration

	// noDispatch suppresses advancing the chain; next overrides the chain
	// successor (delete_rds skips straight to restore_snapshot).
	noDispatch bool
	next       types.Step

	// skipped marks an outcome where the step's work was not needed, so the
	// audit trail distinguishes it from work actually done.
	skipped bool

	// skipSave suppresses the step-record write (cleanup purges state).
	skipSave bool
}

// Execute runs one step and returns the response envelope. All failures are
// reported in the envelope; nothing is dispatched on a failed step.
func (e *Engine) Execute(ctx context.Context, step types.Step, event map[string]any) types.Response {
	started := e.now()
	if !step.Valid() {
		return types.NewResponse(http.StatusBadRequest, "", false,
			fmt.Sprintf("unknown step: %s", step), nil)
	}
	operationID := resolveOperationID(event)
	if operationID == "" {
		operationID = fmt.Sprintf("%s-%d-%s", constants.OperationIDPrefix, started.Unix(), e.newSuffix())
	}
	logger := e.logger.With(slog.String("operation_id", operationID), slog.String("step", string(step)))
	logger.Info("step started")

	prior, err := e.store.LatestStep(ctx, operationID)
	if err != nil && !apperrors.IsNotFound(err) {
		return e.fail(ctx, started, operationID, step, errors.Wrap(err, "load operation state"))
	}

	// A failed prior step blocks everything except a fresh entry run and
	// operator cleanup.
	if prior != nil && !prior.Success && step != types.StepSnapshotCheck && step != types.StepCleanup {
		msg := fmt.Sprintf("previous step %s failed: %s", prior.Step, prior.Error)
		e.audit(ctx, operationID, step, types.AuditFailed, map[string]string{"reason": msg})
		e.metrics.Count(ctx, operationID, string(step)+"_failures", 1)
		logger.Warn("precondition failed", slog.String("reason", msg))
		return types.NewResponse(http.StatusBadRequest, operationID, false, msg, map[string]any{
			"previous_state": map[string]any{
				"step":  string(prior.Step),
				"error": prior.Error,
			},
		})
	}

	cfg := config.NewResolver(e.environment, logger)
	cfg.Load(ctx, e.ssm, flattenEvent(event), stateMap(prior))
	if err := cfg.Validate(step); err != nil {
		return e.fail(ctx, started, operationID, step, err)
	}

	rec := &types.StepRecord{OperationID: operationID, Step: step}
	ec := &execContext{
		operationID: operationID,
		cfg:         cfg,
		prior:       prior,
		event:       event,
		rec:         rec,
		logger:      logger,
	}
	res, err := e.handlers[step](ctx, ec)
	carryForward(cfg, prior, rec)
	rec.Timestamp = e.now().Unix()
	if err != nil {
		rec.Success = false
		rec.Error = err.Error()
		if serr := e.store.SaveStep(ctx, rec); serr != nil {
			logger.Error("failed to persist failure record", slog.String("error", serr.Error()))
		}
		return e.fail(ctx, started, operationID, step, err)
	}

	rec.Success = true
	if !res.skipSave {
		if err := e.store.SaveStep(ctx, rec); err != nil {
			return e.fail(ctx, started, operationID, step, errors.Wrap(err, "persist step record"))
		}
	}

	auditStatus := types.AuditSuccess
	statusCode := http.StatusOK
	switch {
	case res.waiting:
		auditStatus = types.AuditWaiting
		statusCode = http.StatusAccepted
	case res.skipped:
		auditStatus = types.AuditSkipped
	}
	e.audit(ctx, operationID, step, auditStatus, map[string]string{"message": res.message})
	e.metrics.Duration(ctx, operationID, string(step)+"_duration", e.now().Sub(started))
	e.metrics.Count(ctx, operationID, string(step)+"_success", 1)

	payload := map[string]any{"operation_id": operationID}
	if res.waiting {
		if err := e.dispatcher.Dispatch(ctx, step, payload, res.delay); err != nil {
			return e.fail(ctx, started, operationID, step, errors.Wrap(err, "dispatch poll"))
		}
	} else if !res.noDispatch {
		next := step.Next()
		if res.next != "" {
			next = res.next
		}
		if next != "" {
			if err := e.dispatcher.Dispatch(ctx, next, payload, res.delay); err != nil {
				return e.fail(ctx, started, operationID, step, errors.Wrapf(err, "dispatch next step %s", next))
			}
		}
	}

	logger.Info("step finished", slog.String("message", res.message), slog.Int("status", statusCode))
	return types.NewResponse(statusCode, operationID, true, res.message, res.extra)
}

// fail reports a step failure. No successor is dispatched.
func (e *Engine) fail(ctx context.Context, started time.Time, operationID string, step types.Step, err error) types.Response {
	status := apperrors.HTTPStatus(err)
	e.audit(ctx, operationID, step, types.AuditFailed, map[string]string{"error": err.Error()})
	e.metrics.Duration(ctx, operationID, string(step)+"_duration", e.now().Sub(started))
	e.metrics.Count(ctx, operationID, string(step)+"_failures", 1)
	if status >= http.StatusInternalServerError {
		if nerr := e.notifier.NotifyStepFailed(ctx, operationID, string(step), err.Error()); nerr != nil {
			e.logger.Warn("failure notification failed", slog.String("error", nerr.Error()))
		}
	}
	e.logger.Error("step failed",
		slog.String("operation_id", operationID),
		slog.String("step", string(step)),
		slog.Int("status", status),
		slog.String("error", err.Error()))
	return types.NewResponse(status, operationID, false, err.Error(), nil)
}

func (e *Engine) audit(ctx context.Context, operationID string, step types.Step, status types.AuditStatus, details map[string]string) {
	e.recorder.Record(ctx, types.NewAuditEvent(operationID, step, status, details, e.environment, e.now()))
}

// pollWait produces a bounded waiting result for a polling step. The attempt
// counter lives in the step's own row, which each poll overwrites.
func (e *Engine) pollWait(ec *execContext, message, delayKey, maxKey string) (*result, error) {
	attempts := 1
	if ec.prior != nil && ec.prior.Step == ec.rec.Step {
		attempts = ec.prior.PollAttempts + 1
	}
	if max := ec.cfg.GetInt(maxKey); max > 0 && attempts > max {
		return nil, errors.Wrapf(apperrors.ErrWaitTimeout, "%s gave up after %d attempts", ec.rec.Step, attempts-1)
	}
	ec.rec.PollAttempts = attempts
	delay := time.Duration(ec.cfg.GetInt(delayKey)) * time.Second
	return &result{
		message: message,
		waiting: true,
		delay:   delay,
		extra:   map[string]any{"status": "waiting", "attempts": attempts},
	}, nil
}

// resolveOperationID reads the operation id from the event, checking the
// nested body second.
func resolveOperationID(event map[string]any) string {
	if id, ok := event["operation_id"].(string); ok && id != "" {
		return id
	}
	if body, ok := event["body"].(map[string]any); ok {
		if id, ok := body["operation_id"].(string); ok {
			return id
		}
	}
	return ""
}

// flattenEvent merges the nested body into the top level for config
// resolution. Top-level keys win.
func flattenEvent(event map[string]any) map[string]any {
	out := map[string]any{}
	if body, ok := event["body"].(map[string]any); ok {
		for k, v := range body {
			out[k] = v
		}
	}
	for k, v := range event {
		if k == "body" {
			continue
		}
		out[k] = v
	}
	return out
}

// stateMap converts the latest step record into a config source.
func stateMap(rec *types.StepRecord) map[string]any {
	if rec == nil {
		return nil
	}
	m, err := jsonutil.ToMap(rec)
	if err != nil {
		return nil
	}
	return m
}

// carryForward copies operation-scoped facts into the new record so the next
// step finds them in state regardless of which step wrote them first.
func carryForward(cfg *config.Resolver, prior, rec *types.StepRecord) {
	if rec.SourceRegion == "" {
		rec.SourceRegion = cfg.GetString(config.KeySourceRegion)
	}
	if rec.TargetRegion == "" {
		rec.TargetRegion = cfg.GetString(config.KeyTargetRegion)
	}
	if rec.SourceClusterID == "" {
		rec.SourceClusterID = cfg.GetString(config.KeySourceClusterID)
	}
	if rec.TargetClusterID == "" {
		rec.TargetClusterID = cfg.GetString(config.KeyTargetClusterID)
	}
	if prior == nil {
		return
	}
	if rec.TargetDate == "" {
		rec.TargetDate = prior.TargetDate
	}
	if rec.SnapshotName == "" {
		rec.SnapshotName = prior.SnapshotName
	}
	if rec.SnapshotARN == "" {
		rec.SnapshotARN = prior.SnapshotARN
	}
	if rec.TargetSnapshotName == "" {
		rec.TargetSnapshotName = prior.TargetSnapshotName
	}
	if rec.TargetSnapshotARN == "" {
		rec.TargetSnapshotARN = prior.TargetSnapshotARN
	}
	if rec.ClusterEndpoint == "" {
		rec.ClusterEndpoint = prior.ClusterEndpoint
	}
	if rec.ClusterPort == 0 {
		rec.ClusterPort = prior.ClusterPort
	}
	if rec.Engine == "" {
		rec.Engine = prior.Engine
	}
	if rec.EngineVersion == "" {
		rec.EngineVersion = prior.EngineVersion
	}
	if rec.SubnetGroup == "" {
		rec.SubnetGroup = prior.SubnetGroup
	}
}
