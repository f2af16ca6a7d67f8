package sqltools

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/harun/sqlsaber/pkg/dbconn"
	"github.com/harun/sqlsaber/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

type fakeConn struct {
	tables    []dbconn.TableRef
	schemas   map[string]dbconn.TableSchema
	result    *dbconn.QueryResult
	queryErr  error
	lastQuery string
	lastLimit int
	closed    bool
}

func (f *fakeConn) Dialect() dbconn.Dialect { return dbconn.DialectSQLite }

func (f *fakeConn) Query(ctx context.Context, query string, limit int) (*dbconn.QueryResult, error) {
	f.lastQuery = query
	f.lastLimit = limit
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.result, nil
}

func (f *fakeConn) ListTables(ctx context.Context) ([]dbconn.TableRef, error) {
	return f.tables, nil
}

func (f *fakeConn) Introspect(ctx context.Context, pattern string) (map[string]dbconn.TableSchema, error) {
	return f.schemas, nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func setupToolset(t *testing.T, conn *fakeConn, rowLimit int) (*toolexecutor.ToolExecutor, *Toolset, *int32) {
	t.Helper()

	var opens int32
	ts := New(Options{
		ConnectionString: "sqlite:///tmp/fake.db",
		RowLimit:         rowLimit,
		Logger:           zerolog.Nop(),
		Opener: func(ctx context.Context, connString string) (dbconn.Conn, error) {
			atomic.AddInt32(&opens, 1)
			return conn, nil
		},
	})

	exec := toolexecutor.New()
	require.NoError(t, ts.Register(exec))
	t.Cleanup(func() { ts.Close() })

	return exec, ts, &opens
}

func TestRegister(t *testing.T) {
	exec, _, opens := setupToolset(t, &fakeConn{}, 0)

	names := []string{}
	for _, def := range exec.Definitions() {
		names = append(names, def.Name)
	}
	assert.Equal(t, []string{ToolExecuteSQL, ToolIntrospectSchema, ToolListTables}, names)
	assert.Zero(t, atomic.LoadInt32(opens), "registration must not connect")

	assert.Error(t, New(Options{}).Register(nil))
}

func TestListTables(t *testing.T) {
	conn := &fakeConn{tables: []dbconn.TableRef{
		{Schema: "public", Name: "users", Type: "table"},
		{Schema: "public", Name: "orders", Type: "table"},
	}}
	exec, _, opens := setupToolset(t, conn, 0)

	res := exec.Execute(context.Background(), ToolListTables, nil, nil)
	require.True(t, res.Success, res.Error)

	out := res.Output.(map[string]interface{})
	assert.Equal(t, 2, out["total_tables"])
	assert.Len(t, out["tables"], 2)

	exec.Execute(context.Background(), ToolListTables, nil, nil)
	assert.EqualValues(t, 1, atomic.LoadInt32(opens), "connection should be reused")
}

func TestIntrospectSchema(t *testing.T) {
	conn := &fakeConn{schemas: map[string]dbconn.TableSchema{
		"public.users": {
			Schema:      "public",
			Name:        "users",
			Type:        "table",
			Columns:     []dbconn.Column{{Name: "id", Type: "integer"}},
			PrimaryKeys: []string{"id"},
			ForeignKeys: []dbconn.ForeignKey{},
			Indexes:     []dbconn.Index{},
		},
	}}
	exec, _, _ := setupToolset(t, conn, 0)

	res := exec.Execute(context.Background(), ToolIntrospectSchema, map[string]interface{}{"table_pattern": "user%"}, nil)
	require.True(t, res.Success, res.Error)

	out := res.Output.(map[string]interface{})
	users := out["public.users"].(map[string]interface{})
	assert.Equal(t, []string{"id"}, users["primary_keys"])
	assert.Contains(t, users, "columns")
	assert.Contains(t, users, "foreign_keys")
	assert.Contains(t, users, "indexes")

	t.Run("should reject unknown parameters", func(t *testing.T) {
		res := exec.Execute(context.Background(), ToolIntrospectSchema, map[string]interface{}{"table": "x"}, nil)
		assert.False(t, res.Success)
	})
}

func TestExecuteSQL(t *testing.T) {
	t.Run("should return rows with count and truncation", func(t *testing.T) {
		conn := &fakeConn{result: &dbconn.QueryResult{
			Columns:   []string{"n"},
			Rows:      []map[string]interface{}{{"n": 1}, {"n": 2}},
			Truncated: true,
		}}
		exec, _, _ := setupToolset(t, conn, 2)

		res := exec.Execute(context.Background(), ToolExecuteSQL, map[string]interface{}{"query": "SELECT n FROM t;"}, nil)
		require.True(t, res.Success, res.Error)

		out := res.Output.(map[string]interface{})
		assert.Equal(t, true, out["success"])
		assert.Equal(t, 2, out["row_count"])
		assert.Equal(t, true, out["truncated"])
		assert.Equal(t, "SELECT n FROM t", conn.lastQuery)
		assert.Equal(t, 2, conn.lastLimit)
	})

	t.Run("should reject writes before touching the database", func(t *testing.T) {
		conn := &fakeConn{}
		exec, _, opens := setupToolset(t, conn, 0)

		res := exec.Execute(context.Background(), ToolExecuteSQL, map[string]interface{}{"query": "DROP TABLE users"}, nil)
		assert.False(t, res.Success)
		assert.False(t, res.Fatal)
		assert.Contains(t, res.Error, "read-only")
		assert.Zero(t, atomic.LoadInt32(opens))
	})

	t.Run("should report query errors as non-fatal", func(t *testing.T) {
		conn := &fakeConn{queryErr: errors.New(`relation "nope" does not exist`)}
		exec, _, _ := setupToolset(t, conn, 0)

		res := exec.Execute(context.Background(), ToolExecuteSQL, map[string]interface{}{"query": "SELECT * FROM nope"}, nil)
		assert.False(t, res.Success)
		assert.False(t, res.Fatal)
		assert.Contains(t, res.Error, "does not exist")
	})

	t.Run("should require a query", func(t *testing.T) {
		exec, _, _ := setupToolset(t, &fakeConn{}, 0)

		res := exec.Execute(context.Background(), ToolExecuteSQL, map[string]interface{}{}, nil)
		assert.False(t, res.Success)
	})
}

func TestConnectionFailureIsFatal(t *testing.T) {
	t.Run("should mark open failures fatal", func(t *testing.T) {
		ts := New(Options{
			ConnectionString: "postgres://nowhere",
			Opener: func(ctx context.Context, connString string) (dbconn.Conn, error) {
				return nil, errors.New("dial tcp: connection refused")
			},
		})
		exec := toolexecutor.New()
		require.NoError(t, ts.Register(exec))

		res := exec.Execute(context.Background(), ToolListTables, nil, nil)
		assert.False(t, res.Success)
		assert.True(t, res.Fatal)
		assert.Contains(t, res.Error, "connection refused")
	})

	t.Run("should mark a missing connection string fatal", func(t *testing.T) {
		exec := toolexecutor.New()
		require.NoError(t, New(Options{}).Register(exec))

		res := exec.Execute(context.Background(), ToolExecuteSQL, map[string]interface{}{"query": "SELECT 1"}, nil)
		assert.True(t, res.Fatal)
	})

	t.Run("should mark unsupported schemes fatal with the real opener", func(t *testing.T) {
		exec := toolexecutor.New()
		require.NoError(t, New(Options{ConnectionString: "mysql://x"}).Register(exec))

		res := exec.Execute(context.Background(), ToolListTables, nil, nil)
		assert.True(t, res.Fatal)
	})
}

func TestClose(t *testing.T) {
	conn := &fakeConn{}
	exec, ts, _ := setupToolset(t, conn, 0)

	require.NoError(t, ts.Close())
	assert.False(t, conn.closed, "nothing opened yet")

	exec.Execute(context.Background(), ToolListTables, nil, nil)
	require.NoError(t, ts.Close())
	assert.True(t, conn.closed)
}

func TestAgainstSQLiteDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, label TEXT);
		INSERT INTO items (label) VALUES ('a'), ('b'), ('c');`)
	require.NoError(t, err)
	db.Close()

	ts := New(Options{ConnectionString: "sqlite://" + path, RowLimit: 2})
	defer ts.Close()
	exec := toolexecutor.New()
	require.NoError(t, ts.Register(exec))

	res := exec.Execute(context.Background(), ToolExecuteSQL, map[string]interface{}{"query": "SELECT label FROM items ORDER BY id"}, nil)
	require.True(t, res.Success, res.Error)

	payload := ResultPayload(res)
	assert.Equal(t, 2, payload["row_count"])
	assert.Equal(t, true, payload["truncated"])
}

func TestResultPayload(t *testing.T) {
	assert.Equal(t,
		map[string]interface{}{"success": false, "error": "boom"},
		ResultPayload(toolexecutor.ToolResult{Success: false, Error: "boom"}))

	assert.Equal(t,
		map[string]interface{}{"tables": []string{}},
		ResultPayload(toolexecutor.ToolResult{Success: true, Output: map[string]interface{}{"tables": []string{}}}))

	assert.Equal(t,
		map[string]interface{}{"success": true, "output": "plain"},
		ResultPayload(toolexecutor.ToolResult{Success: true, Output: "plain"}))
}
