package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harun/sqlsaber/internal/observability"
	"github.com/harun/sqlsaber/pkg/thread"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Config holds SQLite store configuration
type Config struct {
	Path   string
	Logger zerolog.Logger
}

// SQLiteStore implements Store on top of SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (and migrates) the store at cfg.Path
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	path := filepath.Clean(strings.TrimSpace(cfg.Path))
	if cfg.Path == "" || path == "" {
		return nil, errors.New("store path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	// immediate transactions take the write lock up front so concurrent
	// appenders queue on busy_timeout instead of failing on lock upgrade
	dsn := &url.URL{
		Scheme:   "file",
		Path:     path,
		OmitHost: true,
		RawQuery: "_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate",
	}
	db, err := sql.Open("sqlite3", dsn.String())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		logger: cfg.Logger.With().Str("component", "store").Logger(),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", path).Msg("Store initialized")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			database_connection_id INTEGER NOT NULL DEFAULT 0,
			model_config_id INTEGER NOT NULL DEFAULT 0,
			created_at_unix_ms INTEGER NOT NULL,
			updated_at_unix_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_threads_updated ON threads(updated_at_unix_ms DESC);
		CREATE INDEX IF NOT EXISTS idx_threads_status ON threads(status);

		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			round INTEGER NOT NULL DEFAULT 0,
			created_at_unix_ms INTEGER NOT NULL,
			FOREIGN KEY (thread_id) REFERENCES threads(id)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_thread_id ON messages(thread_id, id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.runMigrations()
}

// runMigrations upgrades stores created by earlier versions
func (s *SQLiteStore) runMigrations() error {
	hasRound, err := s.hasColumn("messages", "round")
	if err != nil {
		return err
	}
	if !hasRound {
		if _, err := s.db.Exec(`ALTER TABLE messages ADD COLUMN round INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("failed to add messages.round: %w", err)
		}
		s.logger.Info().Msg("Migrated messages table: added round column")
	}
	return nil
}

func (s *SQLiteStore) hasColumn(table, column string) (bool, error) {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return false, fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const threadColumns = `id, title, status, error, database_connection_id, model_config_id, created_at_unix_ms, updated_at_unix_ms`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanThread(row rowScanner) (*thread.Thread, error) {
	var (
		t         thread.Thread
		status    string
		createdMs int64
		updatedMs int64
	)
	if err := row.Scan(&t.ID, &t.Title, &status, &t.Error, &t.DatabaseConnectionID, &t.ModelConfigID, &createdMs, &updatedMs); err != nil {
		return nil, err
	}
	t.Status = thread.Status(status)
	t.CreatedAt = time.UnixMilli(createdMs).UTC()
	t.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return &t, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getThread(ctx context.Context, q queryer, id string) (*thread.Thread, error) {
	t, err := scanThread(q.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, thread.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}
	return t, nil
}

// CreateThread creates a pending thread together with its first user message
func (s *SQLiteStore) CreateThread(ctx context.Context, params NewThreadParams) (*thread.Thread, thread.Message, error) {
	prompt := strings.TrimSpace(params.Prompt)
	if prompt == "" {
		return nil, thread.Message{}, errors.New("prompt is required")
	}

	now := time.Now().UTC()
	t := &thread.Thread{
		ID:                   uuid.NewString(),
		Title:                thread.DeriveTitle(prompt),
		Status:               thread.StatusPending,
		DatabaseConnectionID: params.DatabaseConnectionID,
		ModelConfigID:        params.ModelConfigID,
		CreatedAt:            now.Truncate(time.Millisecond),
		UpdatedAt:            now.Truncate(time.Millisecond),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, thread.Message{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO threads (`+threadColumns+`)
		VALUES (?, ?, ?, '', ?, ?, ?, ?)`,
		t.ID, t.Title, string(t.Status), t.DatabaseConnectionID, t.ModelConfigID, now.UnixMilli(), now.UnixMilli(),
	); err != nil {
		return nil, thread.Message{}, fmt.Errorf("failed to insert thread: %w", err)
	}

	msg, err := insertMessage(ctx, tx, thread.UserMessage(t.ID, prompt), now)
	if err != nil {
		return nil, thread.Message{}, err
	}

	if err := tx.Commit(); err != nil {
		return nil, thread.Message{}, fmt.Errorf("failed to commit thread: %w", err)
	}

	observability.RecordThreadTransition(string(thread.StatusPending))
	s.logger.Debug().Str("thread_id", t.ID).Msg("Thread created")
	return t, msg, nil
}

// GetThread loads a thread by id
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*thread.Thread, error) {
	return getThread(ctx, s.db, id)
}

// ListThreads returns threads newest-updated first
func (s *SQLiteStore) ListThreads(ctx context.Context, limit int) ([]thread.Thread, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		ORDER BY updated_at_unix_ms DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	return collectThreads(rows)
}

// ListActiveBefore returns pending/running threads whose last update is older than cutoff
func (s *SQLiteStore) ListActiveBefore(ctx context.Context, cutoff time.Time) ([]thread.Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE status IN (?, ?) AND updated_at_unix_ms < ?
		ORDER BY updated_at_unix_ms ASC`,
		string(thread.StatusPending), string(thread.StatusRunning), cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list active threads: %w", err)
	}
	defer rows.Close()

	return collectThreads(rows)
}

func collectThreads(rows *sql.Rows) ([]thread.Thread, error) {
	out := []thread.Thread{}
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// AdmitTurn appends a follow-up prompt and re-enters pending in one transaction
func (s *SQLiteStore) AdmitTurn(ctx context.Context, params TurnParams) (*thread.Thread, thread.Message, error) {
	prompt := strings.TrimSpace(params.Prompt)
	if prompt == "" {
		return nil, thread.Message{}, errors.New("prompt is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, thread.Message{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := getThread(ctx, tx, params.ThreadID)
	if err != nil {
		return nil, thread.Message{}, err
	}
	if !thread.CanTransition(current.Status, thread.StatusPending) {
		return nil, thread.Message{}, thread.NewConflictError(current.ID, current.Status)
	}

	dbID := current.DatabaseConnectionID
	if params.DatabaseConnectionID > 0 {
		dbID = params.DatabaseConnectionID
	}
	modelID := current.ModelConfigID
	if params.ModelConfigID > 0 {
		modelID = params.ModelConfigID
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE threads
		SET status = ?, error = '', database_connection_id = ?, model_config_id = ?, updated_at_unix_ms = ?
		WHERE id = ? AND status = ?`,
		string(thread.StatusPending), dbID, modelID, now.UnixMilli(), current.ID, string(current.Status))
	if err != nil {
		return nil, thread.Message{}, fmt.Errorf("failed to admit turn: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, thread.Message{}, thread.NewConflictError(current.ID, current.Status)
	}

	msg, err := insertMessage(ctx, tx, thread.UserMessage(current.ID, prompt), now)
	if err != nil {
		return nil, thread.Message{}, err
	}

	updated, err := getThread(ctx, tx, current.ID)
	if err != nil {
		return nil, thread.Message{}, err
	}

	if err := tx.Commit(); err != nil {
		return nil, thread.Message{}, fmt.Errorf("failed to commit turn: %w", err)
	}

	observability.RecordThreadTransition(string(thread.StatusPending))
	return updated, msg, nil
}

// Transition performs a compare-and-set status change
func (s *SQLiteStore) Transition(ctx context.Context, id string, to thread.Status, errMsg string) (*thread.Thread, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("invalid status: %q", to)
	}
	sources := thread.SourcesFor(to)
	if len(sources) == 0 {
		return nil, fmt.Errorf("no transition leads to %s", to)
	}

	if to != thread.StatusError {
		errMsg = ""
	}
	errMsg = thread.TruncateError(errMsg)

	placeholders := make([]string, len(sources))
	args := []interface{}{string(to), errMsg, time.Now().UTC().UnixMilli(), id}
	for i, src := range sources {
		placeholders[i] = "?"
		args = append(args, string(src))
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE threads
		SET status = ?, error = ?, updated_at_unix_ms = ?
		WHERE id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update thread status: %w", err)
	}

	current, err := getThread(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, thread.NewConflictError(id, current.Status)
	}

	observability.RecordThreadTransition(string(to))
	s.logger.Debug().Str("thread_id", id).Str("status", string(to)).Msg("Thread status changed")
	return current, nil
}

// FailTurn fails the run admitted by promptID
func (s *SQLiteStore) FailTurn(ctx context.Context, id string, promptID int64, errMsg string) (*thread.Thread, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE threads
		SET status = ?, error = ?, updated_at_unix_ms = ?
		WHERE id = ? AND status IN (?, ?)
		AND (SELECT MAX(id) FROM messages WHERE thread_id = ? AND kind = ?) = ?`,
		string(thread.StatusError), thread.TruncateError(errMsg), time.Now().UTC().UnixMilli(),
		id, string(thread.StatusPending), string(thread.StatusRunning),
		id, string(thread.KindUser), promptID)
	if err != nil {
		return nil, fmt.Errorf("failed to fail turn: %w", err)
	}

	current, err := getThread(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, thread.NewConflictError(id, current.Status)
	}

	observability.RecordThreadTransition(string(thread.StatusError))
	s.logger.Debug().Str("thread_id", id).Int64("prompt_id", promptID).Msg("Turn failed")
	return current, nil
}

// SetTitleIfEmpty sets the thread title only when none is stored
func (s *SQLiteStore) SetTitleIfEmpty(ctx context.Context, id string, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE threads SET title = ? WHERE id = ? AND title = ''`, title, id)
	if err != nil {
		return fmt.Errorf("failed to set title: %w", err)
	}
	return nil
}

// AppendMessage inserts a message and touches the thread's updated_at
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg thread.Message) (thread.Message, error) {
	if !msg.Kind.Valid() {
		return thread.Message{}, fmt.Errorf("invalid message kind: %q", msg.Kind)
	}
	if len(msg.Content) == 0 {
		return thread.Message{}, errors.New("message content is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return thread.Message{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := getThread(ctx, tx, msg.ThreadID); err != nil {
		return thread.Message{}, err
	}

	now := time.Now().UTC()
	saved, err := insertMessage(ctx, tx, msg, now)
	if err != nil {
		return thread.Message{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at_unix_ms = ? WHERE id = ?`, now.UnixMilli(), msg.ThreadID); err != nil {
		return thread.Message{}, fmt.Errorf("failed to touch thread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return thread.Message{}, fmt.Errorf("failed to commit message: %w", err)
	}

	return saved, nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, msg thread.Message, now time.Time) (thread.Message, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (thread_id, kind, content, round, created_at_unix_ms)
		VALUES (?, ?, ?, ?, ?)`,
		msg.ThreadID, string(msg.Kind), string(msg.Content), msg.Round, now.UnixMilli())
	if err != nil {
		return thread.Message{}, fmt.Errorf("failed to insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return thread.Message{}, fmt.Errorf("failed to read message id: %w", err)
	}

	msg.ID = id
	msg.CreatedAt = time.UnixMilli(now.UnixMilli()).UTC()
	return msg, nil
}

// ListMessages returns messages after the cursor in ascending id order
func (s *SQLiteStore) ListMessages(ctx context.Context, threadID string, after int64) ([]thread.Message, error) {
	if after < 0 {
		after = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, kind, content, round, created_at_unix_ms
		FROM messages
		WHERE thread_id = ? AND id > ?
		ORDER BY id ASC`, threadID, after)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	out := []thread.Message{}
	for rows.Next() {
		var (
			m         thread.Message
			kind      string
			content   string
			createdMs int64
		)
		if err := rows.Scan(&m.ID, &m.ThreadID, &kind, &content, &m.Round, &createdMs); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Kind = thread.Kind(kind)
		m.Content = []byte(content)
		m.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
