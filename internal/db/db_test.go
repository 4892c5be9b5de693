package db

import (
	"context"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/mpz/devops/tools/aurora-restore-pipeline/internal/errors"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/types"
)

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *bool:
			*p = r.vals[i].(bool)
		case *int:
			*p = r.vals[i].(int)
		case *string:
			*p = r.vals[i].(string)
		}
	}
	return nil
}

type fakeTx struct {
	existingRoles map[string]bool
	execs         []string
	committed     bool
	rolledBack    bool
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) row {
	if strings.Contains(sql, "pg_roles") {
		name := args[0].(string)
		return fakeRow{vals: []any{t.existingRoles[name]}}
	}
	return fakeRow{err: errors.New("unexpected query: " + sql)}
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.rolledBack = true
	return nil
}

type fakeConn struct {
	tx      *fakeTx
	rows    map[string]fakeRow
	dsn     string
	closed  bool
	connErr error
}

func (c *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) row {
	for frag, r := range c.rows {
		if strings.Contains(sql, frag) {
			return r
		}
	}
	return fakeRow{err: errors.New("unexpected query: " + sql)}
}

func (c *fakeConn) Begin(ctx context.Context) (tx, error) { return c.tx, nil }

func (c *fakeConn) Close(ctx context.Context) error {
	c.closed = true
	return nil
}

func connector(c *fakeConn) func(ctx context.Context, dsn string) (conn, error) {
	return func(ctx context.Context, dsn string) (conn, error) {
		c.dsn = dsn
		if c.connErr != nil {
			return nil, c.connErr
		}
		return c, nil
	}
}

var master = &types.MasterCredentials{Database: "app", Username: "master", Password: "mpw"}
var app = &types.AppCredentials{
	AppUsername: "app_user", AppPassword: "apw",
	ReadonlyUsername: "ro_user", ReadonlyPassword: "rpw",
}

func TestSetupUsersCreatesMissingRoles(t *testing.T) {
	ftx := &fakeTx{existingRoles: map[string]bool{}}
	fc := &fakeConn{tx: ftx}
	g := NewPostgresWithConnector(connector(fc))

	users, err := g.SetupUsers(context.Background(), ConnParams{Host: "h", Port: 5432}, master, app)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 || users[0] != "app_user" || users[1] != "ro_user" {
		t.Errorf("users = %v", users)
	}
	if !ftx.committed {
		t.Error("transaction not committed")
	}
	if !fc.closed {
		t.Error("connection not closed")
	}

	joined := strings.Join(ftx.execs, "\n")
	if !strings.Contains(joined, `CREATE ROLE "app_user"`) || !strings.Contains(joined, `CREATE ROLE "ro_user"`) {
		t.Errorf("missing CREATE ROLE:\n%s", joined)
	}
	if !strings.Contains(joined, `GRANT SELECT, INSERT, UPDATE, DELETE ON ALL TABLES IN SCHEMA public TO "app_user"`) {
		t.Errorf("missing app grants:\n%s", joined)
	}
	if !strings.Contains(joined, `GRANT SELECT ON ALL TABLES IN SCHEMA public TO "ro_user"`) {
		t.Errorf("missing readonly grants:\n%s", joined)
	}
	if !strings.Contains(joined, `ALTER DEFAULT PRIVILEGES IN SCHEMA public GRANT SELECT ON TABLES TO "ro_user"`) {
		t.Errorf("missing default privileges:\n%s", joined)
	}
}

func TestSetupUsersAltersExistingRole(t *testing.T) {
	ftx := &fakeTx{existingRoles: map[string]bool{"app_user": true}}
	fc := &fakeConn{tx: ftx}
	g := NewPostgresWithConnector(connector(fc))

	if _, err := g.SetupUsers(context.Background(), ConnParams{Host: "h", Port: 5432}, master, app); err != nil {
		t.Fatal(err)
	}
	joined := strings.Join(ftx.execs, "\n")
	if !strings.Contains(joined, `ALTER ROLE "app_user" WITH LOGIN PASSWORD`) {
		t.Errorf("existing role should be altered, not created:\n%s", joined)
	}
	if !strings.Contains(joined, `CREATE ROLE "ro_user"`) {
		t.Errorf("missing role should still be created:\n%s", joined)
	}
}

func TestSetupUsersConnectFailureIsSQLError(t *testing.T) {
	fc := &fakeConn{connErr: errors.New("dial tcp: refused")}
	g := NewPostgresWithConnector(connector(fc))

	_, err := g.SetupUsers(context.Background(), ConnParams{Host: "h", Port: 5432}, master, app)
	if !errors.Is(err, apperrors.ErrSQL) {
		t.Errorf("err = %v, want ErrSQL", err)
	}
}

func TestSetupUsersDefaultsDatabaseFromSecret(t *testing.T) {
	ftx := &fakeTx{existingRoles: map[string]bool{}}
	fc := &fakeConn{tx: ftx}
	g := NewPostgresWithConnector(connector(fc))

	if _, err := g.SetupUsers(context.Background(), ConnParams{Host: "h", Port: 5432}, master, app); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(fc.dsn, "/app?") {
		t.Errorf("dsn = %q, want database from master secret", fc.dsn)
	}
}

func TestVerify(t *testing.T) {
	fc := &fakeConn{rows: map[string]fakeRow{
		"version()":                   {vals: []any{"PostgreSQL 15.4"}},
		"information_schema.schemata": {vals: []any{3}},
		"information_schema.tables":   {vals: []any{42}},
	}}
	g := NewPostgresWithConnector(connector(fc))

	res, err := g.Verify(context.Background(), ConnParams{Host: "h", Port: 5432, ConnectTimeout: 30}, master)
	if err != nil {
		t.Fatal(err)
	}
	if res.ServerVersion != "PostgreSQL 15.4" || res.SchemaCount != 3 || res.TableCount != 42 {
		t.Errorf("res = %+v", res)
	}
	if !strings.Contains(fc.dsn, "connect_timeout=30") {
		t.Errorf("dsn = %q, want connect_timeout", fc.dsn)
	}
}

func TestQuoteLiteral(t *testing.T) {
	if got := quoteLiteral("pa'ss"); got != "'pa''ss'" {
		t.Errorf("got %q", got)
	}
}
