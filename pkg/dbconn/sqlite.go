package dbconn

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchema = "main"

type sqliteConn struct {
	db *sql.DB
}

// sqlitePath extracts the file path from sqlite:///abs/path or
// sqlite://relative/path. Query parameters are ignored.
func sqlitePath(connString string) (string, error) {
	rest := connString[len("sqlite:"):]
	rest = strings.TrimPrefix(rest, "//")
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest = rest[:i]
	}
	path, err := url.PathUnescape(rest)
	if err != nil {
		return "", fmt.Errorf("invalid sqlite path: %w", err)
	}
	if path == "" {
		return "", fmt.Errorf("sqlite connection string has no path")
	}
	return path, nil
}

func openSQLite(ctx context.Context, connString string) (*sqliteConn, error) {
	path, err := sqlitePath(connString)
	if err != nil {
		return nil, &ConnectionError{Dialect: DialectSQLite, Err: err}
	}

	// mode=ro refuses to create missing files, but stat first for a clearer error
	if _, err := os.Stat(path); err != nil {
		return nil, &ConnectionError{Dialect: DialectSQLite, Err: err}
	}

	// the path is escaped so '?', '#' and '%' in file names stay part of it
	dsn := &url.URL{
		Scheme:   "file",
		Path:     path,
		OmitHost: true,
		RawQuery: "mode=ro&_pragma=query_only(1)&_pragma=busy_timeout(5000)",
	}
	db, err := sql.Open("sqlite", dsn.String())
	if err != nil {
		return nil, &ConnectionError{Dialect: DialectSQLite, Err: err}
	}
	db.SetMaxOpenConns(2)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &ConnectionError{Dialect: DialectSQLite, Err: err}
	}

	return &sqliteConn{db: db}, nil
}

func (c *sqliteConn) Dialect() Dialect {
	return DialectSQLite
}

func (c *sqliteConn) Close() error {
	return c.db.Close()
}

func (c *sqliteConn) Query(ctx context.Context, query string, limit int) (*QueryResult, error) {
	limit = clampLimit(limit)

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &QueryResult{Columns: cols, Rows: []map[string]interface{}{}}
	for rows.Next() {
		if len(result.Rows) >= limit {
			result.Truncated = true
			break
		}
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (c *sqliteConn) ListTables(ctx context.Context) ([]TableRef, error) {
	return c.listTables(ctx, "")
}

func (c *sqliteConn) listTables(ctx context.Context, pattern string) ([]TableRef, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT name, type FROM sqlite_master
		WHERE type IN ('table', 'view')
		  AND name NOT LIKE 'sqlite_%'
		  AND (? = '' OR name LIKE ? OR 'main.' || name LIKE ?)
		ORDER BY name`, pattern, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	tables := []TableRef{}
	for rows.Next() {
		ref := TableRef{Schema: sqliteSchema}
		if err := rows.Scan(&ref.Name, &ref.Type); err != nil {
			return nil, err
		}
		tables = append(tables, ref)
	}
	return tables, rows.Err()
}

func (c *sqliteConn) Introspect(ctx context.Context, pattern string) (map[string]TableSchema, error) {
	tables, err := c.listTables(ctx, pattern)
	if err != nil {
		return nil, err
	}

	out := make(map[string]TableSchema, len(tables))
	for _, t := range tables {
		ts := newTableSchema(t)
		if err := c.columns(ctx, &ts); err != nil {
			return nil, err
		}
		if err := c.foreignKeys(ctx, &ts); err != nil {
			return nil, err
		}
		if err := c.indexes(ctx, &ts); err != nil {
			return nil, err
		}
		out[t.QualifiedName()] = ts
	}
	return out, nil
}

func (c *sqliteConn) columns(ctx context.Context, ts *TableSchema) error {
	rows, err := c.db.QueryContext(ctx,
		`SELECT name, type, "notnull", dflt_value, pk FROM pragma_table_info(?) ORDER BY cid`, ts.Name)
	if err != nil {
		return fmt.Errorf("failed to read columns of %s: %w", ts.Name, err)
	}
	defer rows.Close()

	type pkCol struct {
		name string
		pos  int
	}
	var pks []pkCol

	for rows.Next() {
		var (
			col     Column
			notNull int
			def     sql.NullString
			pk      int
		)
		if err := rows.Scan(&col.Name, &col.Type, &notNull, &def, &pk); err != nil {
			return err
		}
		col.Nullable = notNull == 0 && pk == 0
		if def.Valid {
			v := def.String
			col.Default = &v
		}
		ts.Columns = append(ts.Columns, col)
		if pk > 0 {
			pks = append(pks, pkCol{name: col.Name, pos: pk})
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	sort.Slice(pks, func(i, j int) bool { return pks[i].pos < pks[j].pos })
	for _, p := range pks {
		ts.PrimaryKeys = append(ts.PrimaryKeys, p.name)
	}
	return nil
}

func (c *sqliteConn) foreignKeys(ctx context.Context, ts *TableSchema) error {
	rows, err := c.db.QueryContext(ctx,
		`SELECT "from", "table", "to" FROM pragma_foreign_key_list(?) ORDER BY id, seq`, ts.Name)
	if err != nil {
		return fmt.Errorf("failed to read foreign keys of %s: %w", ts.Name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var from, table string
		var to sql.NullString
		if err := rows.Scan(&from, &table, &to); err != nil {
			return err
		}
		ts.ForeignKeys = append(ts.ForeignKeys, ForeignKey{
			Column:           from,
			ReferencesTable:  sqliteSchema + "." + table,
			ReferencesColumn: to.String,
		})
	}
	return rows.Err()
}

func (c *sqliteConn) indexes(ctx context.Context, ts *TableSchema) error {
	rows, err := c.db.QueryContext(ctx,
		`SELECT name, "unique" FROM pragma_index_list(?) ORDER BY name`, ts.Name)
	if err != nil {
		return fmt.Errorf("failed to read indexes of %s: %w", ts.Name, err)
	}

	var list []Index
	for rows.Next() {
		var idx Index
		var unique int
		if err := rows.Scan(&idx.Name, &unique); err != nil {
			rows.Close()
			return err
		}
		idx.Unique = unique == 1
		list = append(list, idx)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, idx := range list {
		cols, err := c.indexColumns(ctx, idx.Name)
		if err != nil {
			return err
		}
		idx.Columns = cols
		ts.Indexes = append(ts.Indexes, idx)
	}
	return nil
}

func (c *sqliteConn) indexColumns(ctx context.Context, index string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT name FROM pragma_index_info(?) ORDER BY seqno`, index)
	if err != nil {
		return nil, fmt.Errorf("failed to read index %s: %w", index, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name sql.NullString
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if name.Valid {
			cols = append(cols, name.String)
		}
	}
	return cols, rows.Err()
}
