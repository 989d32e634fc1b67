// Package history persists finished tool executions to sqlite so they
// survive restarts and can be queried after the in-memory records are pruned.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/harun/toolhub/pkg/toolexecutor"
)

const defaultQueryLimit = 100

// ErrNotFound is returned by Get for unknown execution ids.
var ErrNotFound = errors.New("execution not found in history")

// Config configures a Store.
type Config struct {
	Path      string
	Retention time.Duration
	Logger    zerolog.Logger
}

// Entry is one finished execution.
type Entry struct {
	ExecutionID string                       `json:"execution_id"`
	EventID     string                       `json:"event_id,omitempty"`
	ToolID      string                       `json:"tool_id"`
	Domain      string                       `json:"domain"`
	Status      toolexecutor.ExecutionStatus `json:"status"`
	Error       string                       `json:"error,omitempty"`
	Duration    time.Duration                `json:"duration"`
	FinishedAt  time.Time                    `json:"finished_at"`
}

// Query filters List. Zero fields match everything.
type Query struct {
	ToolID string
	Domain string
	Status toolexecutor.ExecutionStatus
	Since  time.Time
	Limit  int
}

// ToolStats summarizes the stored history of one tool.
type ToolStats struct {
	ToolID          string        `json:"tool_id"`
	Total           int64         `json:"total"`
	Completed       int64         `json:"completed"`
	Failed          int64         `json:"failed"`
	Cancelled       int64         `json:"cancelled"`
	AverageDuration time.Duration `json:"average_duration"`
	LastFinished    time.Time     `json:"last_finished,omitempty"`
}

// Store is the sqlite backed execution history.
type Store struct {
	db        *sql.DB
	retention time.Duration
	logger    zerolog.Logger
}

// NewStore opens (creating if needed) the history database.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("history database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:        db,
		retention: cfg.Retention,
		logger:    cfg.Logger.With().Str("component", "history").Logger(),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", cfg.Path).Msg("Execution history opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS executions (
			execution_id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL DEFAULT '',
			tool_id TEXT NOT NULL,
			domain TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			duration_ns INTEGER NOT NULL,
			finished_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_executions_tool ON executions(tool_id, finished_at);
		CREATE INDEX IF NOT EXISTS idx_executions_finished ON executions(finished_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record stores an entry. Re-recording an execution id replaces it.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ExecutionID == "" || e.ToolID == "" {
		return errors.New("execution id and tool id are required")
	}
	if !e.Status.Terminal() {
		return fmt.Errorf("status %q is not terminal", e.Status)
	}
	if e.FinishedAt.IsZero() {
		e.FinishedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO executions
			(execution_id, event_id, tool_id, domain, status, error, duration_ns, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ExecutionID, e.EventID, e.ToolID, e.Domain, string(e.Status), e.Error,
		int64(e.Duration), e.FinishedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record execution %s: %w", e.ExecutionID, err)
	}
	return nil
}

// HandleEvent records terminal execution events and ignores the rest.
func (s *Store) HandleEvent(event toolexecutor.Event) {
	entry, ok := entryFromEvent(event)
	if !ok {
		return
	}
	if err := s.Record(context.Background(), entry); err != nil {
		s.logger.Error().Err(err).Str("tool", event.ToolID).Msg("Failed to persist execution")
	}
}

// Attach records every terminal execution published on bus. The returned
// func detaches.
func (s *Store) Attach(bus *toolexecutor.EventBus) func() {
	return bus.SubscribeFunc(s.HandleEvent,
		toolexecutor.EventExecutionCompleted,
		toolexecutor.EventExecutionFailed,
		toolexecutor.EventExecutionCancelled,
	)
}

func entryFromEvent(event toolexecutor.Event) (Entry, bool) {
	var status toolexecutor.ExecutionStatus
	switch event.Type {
	case toolexecutor.EventExecutionCompleted:
		status = toolexecutor.StatusCompleted
	case toolexecutor.EventExecutionFailed:
		status = toolexecutor.StatusFailed
	case toolexecutor.EventExecutionCancelled:
		status = toolexecutor.StatusCancelled
	default:
		return Entry{}, false
	}
	if event.ExecutionID == "" {
		return Entry{}, false
	}
	return Entry{
		ExecutionID: event.ExecutionID,
		EventID:     event.ID,
		ToolID:      event.ToolID,
		Domain:      event.Domain,
		Status:      status,
		Error:       event.Error,
		Duration:    event.Duration,
		FinishedAt:  event.Timestamp,
	}, true
}

// Get returns one execution by id.
func (s *Store) Get(ctx context.Context, executionID string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, event_id, tool_id, domain, status, error, duration_ns, finished_at
		FROM executions WHERE execution_id = ?`, executionID)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	return e, err
}

// List returns entries matching q, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]Entry, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.ToolID != "" {
		where = append(where, "tool_id = ?")
		args = append(args, q.ToolID)
	}
	if q.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, q.Domain)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	if !q.Since.IsZero() {
		where = append(where, "finished_at >= ?")
		args = append(args, q.Since.UnixNano())
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	query := `SELECT execution_id, event_id, tool_id, domain, status, error, duration_ns, finished_at FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY finished_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e          Entry
		status     string
		durationNS int64
		finishedNS int64
	)
	if err := row.Scan(&e.ExecutionID, &e.EventID, &e.ToolID, &e.Domain, &status, &e.Error, &durationNS, &finishedNS); err != nil {
		return Entry{}, err
	}
	e.Status = toolexecutor.ExecutionStatus(status)
	e.Duration = time.Duration(durationNS)
	e.FinishedAt = time.Unix(0, finishedNS)
	return e, nil
}

// Stats aggregates the stored history of one tool.
func (s *Store) Stats(ctx context.Context, toolID string) (ToolStats, error) {
	stats := ToolStats{ToolID: toolID}

	var (
		avg  sql.NullFloat64
		last sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0),
			AVG(duration_ns),
			MAX(finished_at)
		FROM executions WHERE tool_id = ?`, toolID,
	).Scan(&stats.Total, &stats.Completed, &stats.Failed, &stats.Cancelled, &avg, &last)
	if err != nil {
		return ToolStats{}, fmt.Errorf("failed to aggregate history: %w", err)
	}

	if avg.Valid {
		stats.AverageDuration = time.Duration(avg.Float64)
	}
	if last.Valid {
		stats.LastFinished = time.Unix(0, last.Int64)
	}
	return stats, nil
}

// Prune deletes entries that finished before now minus olderThan. A
// non-positive olderThan uses the configured retention; with neither set
// nothing is deleted.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = s.retention
	}
	if olderThan <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-olderThan).UnixNano()
	result, err := s.db.ExecContext(ctx, "DELETE FROM executions WHERE finished_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		s.logger.Info().Int64("deleted", n).Dur("older_than", olderThan).Msg("Pruned execution history")
	}
	return n, nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions").Scan(&n)
	return n, err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
