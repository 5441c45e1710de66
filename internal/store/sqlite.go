package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/neurovisor/control-plane/internal/model"

	_ "modernc.org/sqlite"
)

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS sessions (
    trace_id       TEXT PRIMARY KEY,
    task           TEXT NOT NULL,
    model          TEXT NOT NULL,
    max_iterations INTEGER NOT NULL,
    conversation   BLOB,
    iterations     INTEGER NOT NULL,
    tool_calls     INTEGER NOT NULL,
    status         TEXT NOT NULL,
    answer         TEXT,
    error          TEXT,
    created_at     DATETIME NOT NULL,
    ended_at       DATETIME
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(createSessionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.Session) error {
	conv, err := json.Marshal(sess.Conversation)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (
			trace_id, task, model, max_iterations, conversation,
			iterations, tool_calls, status, answer, error, created_at, ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.TraceID, sess.Task, sess.Model, sess.MaxIterations, conv,
		sess.Iterations, sess.ToolCalls, sess.Status, sess.Answer, sess.Error,
		sess.CreatedAt, nullableTime(sess.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by trace ID.
func (s *SQLiteStore) GetSession(ctx context.Context, traceID string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT trace_id, task, model, max_iterations, conversation,
			iterations, tool_calls, status, answer, error, created_at, ended_at
		FROM sessions WHERE trace_id = ?`, traceID,
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns a paginated list of sessions ordered by created_at
// DESC, along with the total count of all recorded sessions.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit, offset int) ([]*model.Session, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT trace_id, task, model, max_iterations, conversation,
			iterations, tool_calls, status, answer, error, created_at, ended_at
		FROM sessions ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, total, nil
}

// UpdateSession overwrites the mutable fields of an existing session record
// (iteration/tool-call counters, status, answer, error, ended_at).
func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *model.Session) error {
	conv, err := json.Marshal(sess.Conversation)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET conversation = ?, iterations = ?, tool_calls = ?,
			status = ?, answer = ?, error = ?, ended_at = ? WHERE trace_id = ?`,
		conv, sess.Iterations, sess.ToolCalls, sess.Status, sess.Answer, sess.Error,
		nullableTime(sess.EndedAt), sess.TraceID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetStats computes aggregate counters across every recorded session.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{CountByStatus: make(map[string]int)}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM sessions GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count sessions by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	if stats.Total > 0 {
		row := s.db.QueryRowContext(ctx, "SELECT AVG(iterations), AVG(tool_calls) FROM sessions")
		if err := row.Scan(&stats.AvgIterations, &stats.AvgToolCalls); err != nil {
			return nil, fmt.Errorf("average iterations/tool_calls: %w", err)
		}
	}

	return stats, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*model.Session, error) {
	sess := &model.Session{}
	var conv []byte
	var endedAt sql.NullTime

	err := row.Scan(
		&sess.TraceID, &sess.Task, &sess.Model, &sess.MaxIterations, &conv,
		&sess.Iterations, &sess.ToolCalls, &sess.Status, &sess.Answer, &sess.Error,
		&sess.CreatedAt, &endedAt,
	)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		sess.EndedAt = endedAt.Time
	}
	if len(conv) > 0 {
		if err := json.Unmarshal(conv, &sess.Conversation); err != nil {
			return nil, fmt.Errorf("unmarshal conversation: %w", err)
		}
	}
	return sess, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
