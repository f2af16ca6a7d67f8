package dbconn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSystemSchemas = `('pg_catalog', 'information_schema')`

type postgresConn struct {
	pool *pgxpool.Pool
}

// executor is implemented by *pgxpool.Pool and pgx.Tx
type executor interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func openPostgres(ctx context.Context, connString string) (*postgresConn, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, &ConnectionError{Dialect: DialectPostgres, Err: err}
	}
	cfg.MaxConns = 2
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "sqlsaber"
	cfg.ConnConfig.RuntimeParams["default_transaction_read_only"] = "on"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, &ConnectionError{Dialect: DialectPostgres, Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &ConnectionError{Dialect: DialectPostgres, Err: err}
	}

	return &postgresConn{pool: pool}, nil
}

func (c *postgresConn) Dialect() Dialect {
	return DialectPostgres
}

func (c *postgresConn) Close() error {
	c.pool.Close()
	return nil
}

// readOnly runs fn inside a READ ONLY transaction that is always rolled back
func (c *postgresConn) readOnly(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return describePgError(err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	return fn(tx)
}

func (c *postgresConn) Query(ctx context.Context, query string, limit int) (*QueryResult, error) {
	limit = clampLimit(limit)
	result := &QueryResult{Columns: []string{}, Rows: []map[string]interface{}{}}

	err := c.readOnly(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query)
		if err != nil {
			return describePgError(err)
		}
		defer rows.Close()

		for _, fd := range rows.FieldDescriptions() {
			result.Columns = append(result.Columns, fd.Name)
		}

		for rows.Next() {
			if len(result.Rows) >= limit {
				result.Truncated = true
				break
			}
			values, err := rows.Values()
			if err != nil {
				return describePgError(err)
			}
			row := make(map[string]interface{}, len(values))
			for i, v := range values {
				row[result.Columns[i]] = normalizeValue(v)
			}
			result.Rows = append(result.Rows, row)
		}
		rows.Close()
		return describePgError(rows.Err())
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// likeClause matches table or schema.table against $1; an empty $1
// matches everything. ILIKE keeps pattern matching case-insensitive like
// SQLite's LIKE.
func likeClause(schemaCol, tableCol string) string {
	return fmt.Sprintf("($1 = '' OR %[2]s ILIKE $1 OR (%[1]s || '.' || %[2]s) ILIKE $1)", schemaCol, tableCol)
}

func tableType(raw string) string {
	switch raw {
	case "BASE TABLE":
		return "table"
	case "VIEW":
		return "view"
	case "FOREIGN":
		return "foreign table"
	}
	return strings.ToLower(raw)
}

func (c *postgresConn) ListTables(ctx context.Context) ([]TableRef, error) {
	var tables []TableRef
	err := c.readOnly(ctx, func(tx pgx.Tx) error {
		var err error
		tables, err = listPgTables(ctx, tx, "")
		return err
	})
	return tables, err
}

func listPgTables(ctx context.Context, e executor, pattern string) ([]TableRef, error) {
	rows, err := e.Query(ctx, `
		SELECT table_schema, table_name, table_type
		FROM information_schema.tables
		WHERE table_schema NOT IN `+pgSystemSchemas+`
		  AND table_schema NOT LIKE 'pg_toast%'
		  AND `+likeClause("table_schema", "table_name")+`
		ORDER BY table_schema, table_name`, pattern)
	if err != nil {
		return nil, describePgError(err)
	}

	tables, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TableRef, error) {
		var ref TableRef
		var rawType string
		err := row.Scan(&ref.Schema, &ref.Name, &rawType)
		ref.Type = tableType(rawType)
		return ref, err
	})
	if err != nil {
		return nil, describePgError(err)
	}
	if tables == nil {
		tables = []TableRef{}
	}
	return tables, nil
}

func (c *postgresConn) Introspect(ctx context.Context, pattern string) (map[string]TableSchema, error) {
	out := map[string]TableSchema{}

	err := c.readOnly(ctx, func(tx pgx.Tx) error {
		tables, err := listPgTables(ctx, tx, pattern)
		if err != nil {
			return err
		}
		for _, t := range tables {
			out[t.QualifiedName()] = newTableSchema(t)
		}
		if len(out) == 0 {
			return nil
		}

		if err := introspectPgColumns(ctx, tx, pattern, out); err != nil {
			return err
		}
		if err := introspectPgConstraints(ctx, tx, pattern, out); err != nil {
			return err
		}
		return introspectPgIndexes(ctx, tx, pattern, out)
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func introspectPgColumns(ctx context.Context, tx pgx.Tx, pattern string, out map[string]TableSchema) error {
	rows, err := tx.Query(ctx, `
		SELECT table_schema, table_name, column_name, data_type, is_nullable, column_default
		FROM information_schema.columns
		WHERE table_schema NOT IN `+pgSystemSchemas+`
		  AND `+likeClause("table_schema", "table_name")+`
		ORDER BY table_schema, table_name, ordinal_position`, pattern)
	if err != nil {
		return describePgError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			schema, table, name, dataType, nullable string
			def                                     *string
		)
		if err := rows.Scan(&schema, &table, &name, &dataType, &nullable, &def); err != nil {
			return describePgError(err)
		}
		ts, ok := out[schema+"."+table]
		if !ok {
			continue
		}
		ts.Columns = append(ts.Columns, Column{
			Name:     name,
			Type:     dataType,
			Nullable: nullable == "YES",
			Default:  def,
		})
		out[schema+"."+table] = ts
	}
	return describePgError(rows.Err())
}

func introspectPgConstraints(ctx context.Context, tx pgx.Tx, pattern string, out map[string]TableSchema) error {
	rows, err := tx.Query(ctx, `
		SELECT tc.table_schema, tc.table_name, tc.constraint_type, kcu.column_name,
		       ccu.table_schema, ccu.table_name, ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		 AND tc.table_name = kcu.table_name
		LEFT JOIN information_schema.constraint_column_usage ccu
		  ON tc.constraint_type = 'FOREIGN KEY'
		 AND ccu.constraint_name = tc.constraint_name
		 AND ccu.constraint_schema = tc.table_schema
		WHERE tc.constraint_type IN ('PRIMARY KEY', 'FOREIGN KEY')
		  AND `+likeClause("tc.table_schema", "tc.table_name")+`
		ORDER BY tc.table_schema, tc.table_name, kcu.ordinal_position`, pattern)
	if err != nil {
		return describePgError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			schema, table, kind, column       string
			refSchema, refTable, refColumn *string
		)
		if err := rows.Scan(&schema, &table, &kind, &column, &refSchema, &refTable, &refColumn); err != nil {
			return describePgError(err)
		}
		key := schema + "." + table
		ts, ok := out[key]
		if !ok {
			continue
		}
		if kind == "PRIMARY KEY" {
			ts.PrimaryKeys = append(ts.PrimaryKeys, column)
		} else if refTable != nil && refColumn != nil {
			ref := *refTable
			if refSchema != nil {
				ref = *refSchema + "." + ref
			}
			ts.ForeignKeys = append(ts.ForeignKeys, ForeignKey{
				Column:           column,
				ReferencesTable:  ref,
				ReferencesColumn: *refColumn,
			})
		}
		out[key] = ts
	}
	return describePgError(rows.Err())
}

func introspectPgIndexes(ctx context.Context, tx pgx.Tx, pattern string, out map[string]TableSchema) error {
	rows, err := tx.Query(ctx, `
		SELECT schemaname, tablename, indexname, indexdef
		FROM pg_indexes
		WHERE schemaname NOT IN `+pgSystemSchemas+`
		  AND `+likeClause("schemaname", "tablename")+`
		ORDER BY schemaname, tablename, indexname`, pattern)
	if err != nil {
		return describePgError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var schema, table, name, def string
		if err := rows.Scan(&schema, &table, &name, &def); err != nil {
			return describePgError(err)
		}
		key := schema + "." + table
		ts, ok := out[key]
		if !ok {
			continue
		}
		ts.Indexes = append(ts.Indexes, Index{
			Name:       name,
			Columns:    indexColumns(def),
			Unique:     strings.Contains(strings.ToUpper(def), "UNIQUE INDEX"),
			Definition: def,
		})
		out[key] = ts
	}
	if err := rows.Err(); err != nil {
		return describePgError(err)
	}

	for key, ts := range out {
		sort.SliceStable(ts.Indexes, func(i, j int) bool { return ts.Indexes[i].Name < ts.Indexes[j].Name })
		out[key] = ts
	}
	return nil
}

// indexColumns extracts the column list from a pg_indexes definition such
// as "CREATE UNIQUE INDEX users_email_key ON public.users USING btree (email)".
func indexColumns(def string) []string {
	open := strings.LastIndex(def, "(")
	closing := strings.LastIndex(def, ")")
	if open < 0 || closing <= open {
		return nil
	}
	parts := strings.Split(def[open+1:closing], ",")
	cols := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cols = append(cols, p)
		}
	}
	return cols
}

// describePgError keeps server errors readable for the model
func describePgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		msg := pgErr.Message
		if pgErr.Detail != "" {
			msg += ": " + pgErr.Detail
		}
		if pgErr.Hint != "" {
			msg += " (hint: " + pgErr.Hint + ")"
		}
		return fmt.Errorf("%s [SQLSTATE %s]", msg, pgErr.Code)
	}
	return err
}
