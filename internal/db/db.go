// Package db provisions database roles and verifies restored clusters.
package db

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/mpz/devops/tools/aurora-restore-pipeline/internal/errors"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/types"
)

// ConnParams locate a database endpoint.
type ConnParams struct {
	Host           string
	Port           int32
	Database       string
	ConnectTimeout int // seconds
}

// VerifyResult summarizes a restore verification.
type VerifyResult struct {
	ServerVersion string
	SchemaCount   int
	TableCount    int
}

// Database is the contract the step handlers use.
type Database interface {
	// SetupUsers provisions the application and readonly roles inside one
	// transaction and returns the role names that were created or updated.
	SetupUsers(ctx context.Context, p ConnParams, master *types.MasterCredentials, app *types.AppCredentials) ([]string, error)

	// Verify connects with master credentials and checks the schema is
	// present.
	Verify(ctx context.Context, p ConnParams, master *types.MasterCredentials) (*VerifyResult, error)
}

// row is the single-row result shape shared by pgx and fakes.
type row interface {
	Scan(dest ...any) error
}

// tx is the transaction slice the role setup uses.
type tx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// conn is the connection slice this package uses.
type conn interface {
	QueryRow(ctx context.Context, sql string, args ...any) row
	Begin(ctx context.Context) (tx, error)
	Close(ctx context.Context) error
}

// Postgres implements Database over pgx connections.
type Postgres struct {
	// connect is a seam for tests; nil means pgx.Connect.
	connect func(ctx context.Context, dsn string) (conn, error)
}

// NewPostgres creates the production implementation.
func NewPostgres() *Postgres {
	return &Postgres{connect: pgxConnect}
}

// NewPostgresWithConnector creates an implementation with a custom connector
// (for testing).
func NewPostgresWithConnector(connect func(ctx context.Context, dsn string) (conn, error)) *Postgres {
	return &Postgres{connect: connect}
}

func pgxConnect(ctx context.Context, dsn string) (conn, error) {
	c, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return pgxConn{c}, nil
}

type pgxConn struct{ c *pgx.Conn }

func (p pgxConn) QueryRow(ctx context.Context, sql string, args ...any) row {
	return p.c.QueryRow(ctx, sql, args...)
}

func (p pgxConn) Begin(ctx context.Context) (tx, error) {
	t, err := p.c.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return pgxTx{t}, nil
}

func (p pgxConn) Close(ctx context.Context) error { return p.c.Close(ctx) }

type pgxTx struct{ t pgx.Tx }

func (p pgxTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return p.t.Exec(ctx, sql, args...)
}

func (p pgxTx) QueryRow(ctx context.Context, sql string, args ...any) row {
	return p.t.QueryRow(ctx, sql, args...)
}

func (p pgxTx) Commit(ctx context.Context) error   { return p.t.Commit(ctx) }
func (p pgxTx) Rollback(ctx context.Context) error { return p.t.Rollback(ctx) }

func dsn(p ConnParams, username, password string) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(username, password),
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:   "/" + p.Database,
	}
	q := url.Values{}
	if p.ConnectTimeout > 0 {
		q.Set("connect_timeout", fmt.Sprintf("%d", p.ConnectTimeout))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (g *Postgres) SetupUsers(ctx context.Context, p ConnParams, master *types.MasterCredentials, app *types.AppCredentials) ([]string, error) {
	if p.Database == "" {
		p.Database = master.Database
	}
	c, err := g.connect(ctx, dsn(p, master.Username, master.Password))
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "connect"), apperrors.ErrSQL)
	}
	defer c.Close(ctx)

	t, err := c.Begin(ctx)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "begin"), apperrors.ErrSQL)
	}
	defer t.Rollback(ctx)

	roles := []struct {
		name, password string
		readonly       bool
	}{
		{app.AppUsername, app.AppPassword, false},
		{app.ReadonlyUsername, app.ReadonlyPassword, true},
	}
	var processed []string
	for _, r := range roles {
		if err := ensureRole(ctx, t, p.Database, r.name, r.password, r.readonly); err != nil {
			return nil, err
		}
		processed = append(processed, r.name)
	}
	if err := t.Commit(ctx); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "commit"), apperrors.ErrSQL)
	}
	return processed, nil
}

// ensureRole creates the role or resets its password, then applies grants.
// Re-running against an existing role converges to the same grants.
func ensureRole(ctx context.Context, t tx, database, name, password string, readonly bool) error {
	var exists bool
	err := t.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)", name).Scan(&exists)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "check role %s", name), apperrors.ErrSQL)
	}

	ident := pgx.Identifier{name}.Sanitize()
	if exists {
		err = exec(ctx, t, fmt.Sprintf("ALTER ROLE %s WITH LOGIN PASSWORD %s", ident, quoteLiteral(password)))
	} else {
		err = exec(ctx, t, fmt.Sprintf("CREATE ROLE %s WITH LOGIN PASSWORD %s", ident, quoteLiteral(password)))
	}
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "ensure role %s", name), apperrors.ErrSQL)
	}

	tablePrivs := "SELECT, INSERT, UPDATE, DELETE"
	seqPrivs := "USAGE, SELECT"
	if readonly {
		tablePrivs = "SELECT"
		seqPrivs = "SELECT"
	}
	stmts := []string{
		fmt.Sprintf("GRANT CONNECT ON DATABASE %s TO %s", pgx.Identifier{database}.Sanitize(), ident),
		fmt.Sprintf("GRANT USAGE ON SCHEMA public TO %s", ident),
		fmt.Sprintf("GRANT %s ON ALL TABLES IN SCHEMA public TO %s", tablePrivs, ident),
		fmt.Sprintf("GRANT %s ON ALL SEQUENCES IN SCHEMA public TO %s", seqPrivs, ident),
		fmt.Sprintf("ALTER DEFAULT PRIVILEGES IN SCHEMA public GRANT %s ON TABLES TO %s", tablePrivs, ident),
		fmt.Sprintf("ALTER DEFAULT PRIVILEGES IN SCHEMA public GRANT %s ON SEQUENCES TO %s", seqPrivs, ident),
	}
	for _, s := range stmts {
		if err := exec(ctx, t, s); err != nil {
			return errors.Mark(errors.Wrapf(err, "grant for role %s", name), apperrors.ErrSQL)
		}
	}
	return nil
}

func exec(ctx context.Context, t tx, sql string) error {
	_, err := t.Exec(ctx, sql)
	return err
}

func (g *Postgres) Verify(ctx context.Context, p ConnParams, master *types.MasterCredentials) (*VerifyResult, error) {
	if p.Database == "" {
		p.Database = master.Database
	}
	c, err := g.connect(ctx, dsn(p, master.Username, master.Password))
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "connect"), apperrors.ErrSQL)
	}
	defer c.Close(ctx)

	res := &VerifyResult{}
	if err := c.QueryRow(ctx, "SELECT version()").Scan(&res.ServerVersion); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "select version"), apperrors.ErrSQL)
	}
	err = c.QueryRow(ctx,
		`SELECT count(*) FROM information_schema.schemata
		 WHERE schema_name NOT IN ('pg_catalog', 'information_schema')
		   AND schema_name NOT LIKE 'pg_%'`).Scan(&res.SchemaCount)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "count schemas"), apperrors.ErrSQL)
	}
	err = c.QueryRow(ctx,
		`SELECT count(*) FROM information_schema.tables
		 WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
		   AND table_schema NOT LIKE 'pg_%'`).Scan(&res.TableCount)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "count tables"), apperrors.ErrSQL)
	}
	return res, nil
}

// quoteLiteral escapes a string literal for embedding in DDL, where bind
// parameters are not accepted.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
