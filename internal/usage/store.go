// Package usage keeps an append-only log of tool calls routed through
// the connection pool, for reporting which servers and tools are used,
// how often they fail and how long they take. It holds no connection
// state and no tool catalogs.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/toolhost/internal/mcp"
)

// Record is one routed tool call.
type Record struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"ts"`
	Server     string    `json:"server"`
	Tool       string    `json:"tool"`
	DurationMS int64     `json:"duration_ms"`
	OK         bool      `json:"ok"`       // a result came back
	IsError    bool      `json:"is_error"` // the tool flagged its own result as an error
	Error      string    `json:"error,omitempty"`
}

// Summary holds aggregated call totals.
type Summary struct {
	TotalCalls      int     `json:"total_calls"`
	Failures        int     `json:"failures"`
	ToolErrors      int     `json:"tool_errors"`
	TotalDurationMS int64   `json:"total_duration_ms"`
	AvgDurationMS   float64 `json:"avg_duration_ms"`
}

// Store is a SQLite-backed call log. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the call log at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_calls (
		id          TEXT PRIMARY KEY,
		timestamp   TEXT NOT NULL,
		server      TEXT NOT NULL,
		tool        TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		ok          INTEGER NOT NULL,
		is_error    INTEGER NOT NULL,
		error       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_timestamp ON tool_calls(timestamp);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_server_tool ON tool_calls(server, tool);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends rec. An empty ID gets a UUIDv7 and a zero Timestamp
// the current time.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate tool call ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (id, timestamp, server, tool, duration_ms, ok, is_error, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.Server,
		rec.Tool,
		rec.DurationMS,
		rec.OK,
		rec.IsError,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert tool call: %w", err)
	}
	return nil
}

// RecordCall stores a call reported by the pool.
func (s *Store) RecordCall(ctx context.Context, call mcp.CallRecord) error {
	return s.Record(ctx, Record{
		Timestamp:  call.Started,
		Server:     call.Server,
		Tool:       call.Tool,
		DurationMS: call.Duration.Milliseconds(),
		OK:         call.OK,
		IsError:    call.IsError,
		Error:      call.Error,
	})
}

const summaryColumns = `COUNT(*),
	COALESCE(SUM(CASE WHEN ok = 0 THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(is_error), 0),
	COALESCE(SUM(duration_ms), 0)`

// Summary returns totals for calls within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+`
		 FROM tool_calls
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalCalls, &sum.Failures, &sum.ToolErrors, &sum.TotalDurationMS); err != nil {
		return nil, fmt.Errorf("query tool call summary: %w", err)
	}
	sum.fillAverage()
	return &sum, nil
}

// SummaryByServer returns per-server totals for calls within [start, end).
func (s *Store) SummaryByServer(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "server", start, end)
}

// SummaryByTool returns per-tool totals for calls within [start, end),
// keyed "server/tool".
func (s *Store) SummaryByTool(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "server || '/' || tool", start, end)
}

// column is one of our own constant expressions, never caller input.
func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	query := fmt.Sprintf(
		`SELECT %s, %s
		 FROM tool_calls
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY 1`,
		column, summaryColumns,
	)

	rows, err := s.db.QueryContext(ctx, query,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query tool calls by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalCalls, &sum.Failures, &sum.ToolErrors, &sum.TotalDurationMS); err != nil {
			return nil, fmt.Errorf("scan tool calls by %s: %w", column, err)
		}
		sum.fillAverage()
		result[key] = &sum
	}
	return result, rows.Err()
}

// Recent returns up to limit calls, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, server, tool, duration_ms, ok, is_error, COALESCE(error, '')
		 FROM tool_calls
		 ORDER BY timestamp DESC, rowid DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent tool calls: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var ts string
		if err := rows.Scan(&rec.ID, &ts, &rec.Server, &rec.Tool, &rec.DurationMS, &rec.OK, &rec.IsError, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		rec.Timestamp, err = time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("parse tool call timestamp %q: %w", ts, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Summary) fillAverage() {
	if s.TotalCalls > 0 {
		s.AvgDurationMS = float64(s.TotalDurationMS) / float64(s.TotalCalls)
	}
}
