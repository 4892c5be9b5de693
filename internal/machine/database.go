package machine

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/config"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/db"
	apperrors "github.com/mpz/devops/tools/aurora-restore-pipeline/internal/errors"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/rds"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/types"
)

// connParams resolves the restored cluster's endpoint, falling back to a live
// cluster lookup when state predates the endpoint write.
func (e *Engine) connParams(ctx context.Context, ec *execContext) (db.ConnParams, error) {
	endpoint := priorField(ec, func(r *types.StepRecord) string { return r.ClusterEndpoint })
	var port int32
	if ec.prior != nil {
		port = ec.prior.ClusterPort
	}
	if endpoint == "" {
		clusterID := ec.cfg.GetString(config.KeyTargetClusterID)
		client, err := e.rds.ClientFor(ctx, ec.cfg.GetString(config.KeyTargetRegion))
		if err != nil {
			return db.ConnParams{}, err
		}
		cluster, err := client.GetCluster(ctx, clusterID)
		if err != nil {
			return db.ConnParams{}, errors.Wrapf(err, "resolve endpoint for %s", clusterID)
		}
		if rds.ClusterStatus(cluster.Status) != rds.ClusterAvailable {
			return db.ConnParams{}, errors.Wrapf(apperrors.ErrPreconditionFailed,
				"cluster %s is not available (status: %s)", clusterID, cluster.Status)
		}
		endpoint = cluster.Endpoint
		port = cluster.Port
		ec.rec.ClusterEndpoint = endpoint
		ec.rec.ClusterPort = port
	}
	if port == 0 {
		port = int32(ec.cfg.GetInt(config.KeyPort))
	}
	return db.ConnParams{
		Host:           endpoint,
		Port:           port,
		ConnectTimeout: ec.cfg.GetInt(config.KeyDBConnectionTimeout),
	}, nil
}

// runSetupDBUsers provisions the application and readonly roles on the
// restored cluster. Safe to re-run: existing roles are altered in place.
func (e *Engine) runSetupDBUsers(ctx context.Context, ec *execContext) (*result, error) {
	params, err := e.connParams(ctx, ec)
	if err != nil {
		return nil, err
	}
	master, err := e.secrets.GetMasterCredentials(ctx, ec.cfg.GetString(config.KeyMasterSecretID))
	if err != nil {
		return nil, err
	}
	app, err := e.secrets.GetAppCredentials(ctx, ec.cfg.GetString(config.KeyAppSecretID))
	if err != nil {
		return nil, err
	}
	users, err := e.db.SetupUsers(ctx, params, master, app)
	if err != nil {
		return nil, err
	}
	ec.rec.UsersCreated = users
	e.metrics.Count(ctx, ec.operationID, "users_created", float64(len(users)))
	return &result{
		message: fmt.Sprintf("database users configured: %d roles", len(users)),
		extra:   map[string]any{"users_created": users},
	}, nil
}

// runVerifyRestore connects with master credentials and checks the restored
// database actually contains data.
func (e *Engine) runVerifyRestore(ctx context.Context, ec *execContext) (*result, error) {
	params, err := e.connParams(ctx, ec)
	if err != nil {
		return nil, err
	}
	master, err := e.secrets.GetMasterCredentials(ctx, ec.cfg.GetString(config.KeyMasterSecretID))
	if err != nil {
		return nil, err
	}
	res, err := e.db.Verify(ctx, params, master)
	if err != nil {
		return nil, err
	}
	if res.SchemaCount == 0 {
		return nil, errors.Newf("restored database has no user schemas")
	}
	ec.rec.ServerVer = res.ServerVersion
	ec.rec.SchemaCount = res.SchemaCount
	ec.rec.TableCount = res.TableCount
	e.metrics.Count(ctx, ec.operationID, "schemas_verified", float64(res.SchemaCount))
	return &result{
		message: fmt.Sprintf("restore verified: %d schemas, %d tables", res.SchemaCount, res.TableCount),
		extra: map[string]any{
			"server_version": res.ServerVersion,
			"schema_count":   res.SchemaCount,
			"table_count":    res.TableCount,
		},
	}, nil
}
