package dbconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/harun/sqlsaber/pkg/toolexecutor"
)

// Dialect identifies the SQL flavour of a connection
type Dialect string

const (
	DialectPostgres Dialect = "postgresql"
	DialectSQLite   Dialect = "sqlite"
)

// DisplayName is used when describing the database to a model
func (d Dialect) DisplayName() string {
	switch d {
	case DialectPostgres:
		return "PostgreSQL"
	case DialectSQLite:
		return "SQLite"
	}
	return string(d)
}

// Conn is a read-only handle on a user database
type Conn interface {
	Dialect() Dialect
	// Query runs a single read statement and returns at most limit rows.
	Query(ctx context.Context, query string, limit int) (*QueryResult, error)
	// ListTables returns user tables and views.
	ListTables(ctx context.Context) ([]TableRef, error)
	// Introspect describes tables whose name or schema.name matches the
	// LIKE pattern. An empty pattern matches every table.
	Introspect(ctx context.Context, pattern string) (map[string]TableSchema, error)
	Close() error
}

// TableRef names one table or view
type TableRef struct {
	Schema string `json:"schema"`
	Name   string `json:"name"`
	Type   string `json:"type"`
}

// QualifiedName returns schema.name
func (t TableRef) QualifiedName() string {
	return t.Schema + "." + t.Name
}

// Column describes one table column
type Column struct {
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Nullable bool    `json:"nullable"`
	Default  *string `json:"default,omitempty"`
}

// ForeignKey describes one referencing column
type ForeignKey struct {
	Column           string `json:"column"`
	ReferencesTable  string `json:"references_table"`
	ReferencesColumn string `json:"references_column"`
}

// Index describes one index
type Index struct {
	Name       string   `json:"name"`
	Columns    []string `json:"columns,omitempty"`
	Unique     bool     `json:"unique"`
	Definition string   `json:"definition,omitempty"`
}

// TableSchema is the introspected shape of one table
type TableSchema struct {
	Schema      string       `json:"schema"`
	Name        string       `json:"name"`
	Type        string       `json:"type"`
	Columns     []Column     `json:"columns"`
	PrimaryKeys []string     `json:"primary_keys"`
	ForeignKeys []ForeignKey `json:"foreign_keys"`
	Indexes     []Index      `json:"indexes"`
}

func newTableSchema(ref TableRef) TableSchema {
	return TableSchema{
		Schema:      ref.Schema,
		Name:        ref.Name,
		Type:        ref.Type,
		Columns:     []Column{},
		PrimaryKeys: []string{},
		ForeignKeys: []ForeignKey{},
		Indexes:     []Index{},
	}
}

// QueryResult holds the rows returned by Query
type QueryResult struct {
	Columns   []string                 `json:"columns"`
	Rows      []map[string]interface{} `json:"rows"`
	Truncated bool                     `json:"truncated"`
}

// ConnectionError reports that the configured database could not be
// opened or reached. It matches toolexecutor.ErrFatal.
type ConnectionError struct {
	Dialect Dialect
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Dialect == "" {
		return fmt.Sprintf("database connection failed: %v", e.Err)
	}
	return fmt.Sprintf("%s connection failed: %v", e.Dialect.DisplayName(), e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is matches toolexecutor.ErrFatal
func (e *ConnectionError) Is(target error) bool {
	return target == toolexecutor.ErrFatal
}

// ErrUnsupportedScheme is wrapped by Open for unknown connection strings
var ErrUnsupportedScheme = errors.New("unsupported connection string scheme")

// ParseDialect infers the dialect from a connection string without
// connecting.
func ParseDialect(connString string) (Dialect, error) {
	s := strings.ToLower(strings.TrimSpace(connString))
	switch {
	case strings.HasPrefix(s, "postgres://"), strings.HasPrefix(s, "postgresql://"):
		return DialectPostgres, nil
	case strings.HasPrefix(s, "sqlite:"):
		return DialectSQLite, nil
	}
	return "", ErrUnsupportedScheme
}

// Open connects to the database named by connString and verifies it is
// reachable.
func Open(ctx context.Context, connString string) (Conn, error) {
	dialect, err := ParseDialect(connString)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}

	switch dialect {
	case DialectPostgres:
		return openPostgres(ctx, strings.TrimSpace(connString))
	default:
		return openSQLite(ctx, strings.TrimSpace(connString))
	}
}

// normalizeValue converts driver values into JSON-friendly ones.
func normalizeValue(v interface{}) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		if utf8.Valid(x) {
			return string(x)
		}
		return fmt.Sprintf("\\x%x", x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case [16]byte:
		return uuid.UUID(x).String()
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Sprintf("%v", x)
		}
		return x
	case float32:
		return normalizeValue(float64(x))
	case json.Marshaler:
		return x
	case fmt.Stringer:
		return x.String()
	}
	return v
}

// DefaultRowLimit applies when Query is called without a positive limit
const DefaultRowLimit = 1000

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultRowLimit
	}
	return limit
}
