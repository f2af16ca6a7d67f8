package sqltools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/harun/sqlsaber/pkg/dbconn"
	"github.com/harun/sqlsaber/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

const (
	ToolListTables       = "list_tables"
	ToolIntrospectSchema = "introspect_schema"
	ToolExecuteSQL       = "execute_sql"

	// DefaultRowLimit caps execute_sql results
	DefaultRowLimit = 1000
)

// Opener opens a database connection; dbconn.Open in production
type Opener func(ctx context.Context, connString string) (dbconn.Conn, error)

// Options configures a Toolset
type Options struct {
	ConnectionString string
	RowLimit         int
	Opener           Opener
	Logger           zerolog.Logger
}

// Toolset owns the lazily opened connection behind the SQL tools
type Toolset struct {
	connString string
	rowLimit   int
	open       Opener
	logger     zerolog.Logger

	mu   sync.Mutex
	conn dbconn.Conn
}

// New creates a Toolset. No connection is made until a tool runs.
func New(opts Options) *Toolset {
	if opts.RowLimit <= 0 {
		opts.RowLimit = DefaultRowLimit
	}
	if opts.Opener == nil {
		opts.Opener = dbconn.Open
	}
	return &Toolset{
		connString: opts.ConnectionString,
		rowLimit:   opts.RowLimit,
		open:       opts.Opener,
		logger:     opts.Logger.With().Str("component", "sqltools").Logger(),
	}
}

// Register adds the SQL tools to executor
func (ts *Toolset) Register(executor *toolexecutor.ToolExecutor) error {
	if executor == nil {
		return errors.New("tool executor is required")
	}

	tools := []toolexecutor.ToolDefinition{
		ts.listTablesTool(),
		ts.introspectSchemaTool(),
		ts.executeSQLTool(),
	}

	for _, tool := range tools {
		if err := executor.RegisterTool(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

// Close releases the connection if one was opened
func (ts *Toolset) Close() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.conn == nil {
		return nil
	}
	err := ts.conn.Close()
	ts.conn = nil
	return err
}

func (ts *Toolset) connection(ctx context.Context) (dbconn.Conn, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.conn != nil {
		return ts.conn, nil
	}
	if strings.TrimSpace(ts.connString) == "" {
		return nil, &dbconn.ConnectionError{Err: errors.New("no database connection configured")}
	}

	conn, err := ts.open(ctx, ts.connString)
	if err != nil {
		var connErr *dbconn.ConnectionError
		if !errors.As(err, &connErr) {
			err = &dbconn.ConnectionError{Err: err}
		}
		ts.logger.Error().Err(err).Msg("Failed to open database")
		return nil, err
	}

	ts.logger.Debug().Str("dialect", string(conn.Dialect())).Msg("Database opened")
	ts.conn = conn
	return conn, nil
}

func (ts *Toolset) listTablesTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        ToolListTables,
		Description: "List all tables and views in the database with their schema and type. Use this first to see what data is available.",
		Parameters:  []toolexecutor.ToolParameter{},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			conn, err := ts.connection(ctx)
			if err != nil {
				return nil, err
			}

			tables, err := conn.ListTables(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to list tables: %w", err)
			}

			return map[string]interface{}{
				"tables":       tables,
				"total_tables": len(tables),
			}, nil
		},
	}
}

func (ts *Toolset) introspectSchemaTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name: ToolIntrospectSchema,
		Description: "Describe columns, primary keys, foreign keys and indexes. " +
			"Optionally filter with a SQL LIKE pattern matched against 'table' or 'schema.table', e.g. 'public.user%'.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "table_pattern", Type: "string", Description: "SQL LIKE pattern for table names (% and _ wildcards)", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			pattern, _ := params["table_pattern"].(string)
			pattern = strings.TrimSpace(pattern)

			conn, err := ts.connection(ctx)
			if err != nil {
				return nil, err
			}

			schemas, err := conn.Introspect(ctx, pattern)
			if err != nil {
				return nil, fmt.Errorf("failed to introspect schema: %w", err)
			}

			out := make(map[string]interface{}, len(schemas))
			for name, s := range schemas {
				out[name] = map[string]interface{}{
					"type":         s.Type,
					"columns":      s.Columns,
					"primary_keys": s.PrimaryKeys,
					"foreign_keys": s.ForeignKeys,
					"indexes":      s.Indexes,
				}
			}
			return out, nil
		},
	}
}

func (ts *Toolset) executeSQLTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name: ToolExecuteSQL,
		Description: fmt.Sprintf("Execute a single read-only SQL query (SELECT, WITH, EXPLAIN, ...). "+
			"At most %d rows are returned; use LIMIT and aggregation for large tables.", ts.rowLimit),
		Parameters: []toolexecutor.ToolParameter{
			{Name: "query", Type: "string", Description: "The SQL query to execute", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			query, _ := params["query"].(string)
			query = strings.TrimSpace(query)

			if err := CheckReadOnly(query); err != nil {
				return nil, err
			}

			conn, err := ts.connection(ctx)
			if err != nil {
				return nil, err
			}

			logger := toolexecutor.Logger(ctx, ts.logger)
			result, err := conn.Query(ctx, strings.TrimRight(query, "; \t\n"), ts.rowLimit)
			if err != nil {
				logger.Debug().Err(err).Msg("Query failed")
				return nil, fmt.Errorf("query failed: %w", err)
			}
			logger.Debug().
				Int("row_count", len(result.Rows)).
				Bool("truncated", result.Truncated).
				Msg("Query executed")

			return map[string]interface{}{
				"success":   true,
				"row_count": len(result.Rows),
				"columns":   result.Columns,
				"results":   result.Rows,
				"truncated": result.Truncated,
			}, nil
		},
	}
}

// ResultPayload renders an executed tool call as the object stored in a
// tool_result message. Successful calls keep their output; failures become
// {"success": false, "error": ...}.
func ResultPayload(res toolexecutor.ToolResult) map[string]interface{} {
	if !res.Success {
		return map[string]interface{}{
			"success": false,
			"error":   res.Error,
		}
	}
	if m, ok := res.Output.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{
		"success": true,
		"output":  res.Output,
	}
}
