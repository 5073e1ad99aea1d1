package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/conductor/pkg/schema"
)

// LibSQLArchive implements Archive on libSQL (embedded SQLite fork).
type LibSQLArchive struct {
	db *sql.DB
}

var _ Archive = (*LibSQLArchive)(nil)

// NewLibSQLArchive opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/var/lib/conductor/archive.db".
func NewLibSQLArchive(dbPath string) (*LibSQLArchive, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}
	return &LibSQLArchive{db: db}, nil
}

// Migrate runs all pending database migrations.
func (a *LibSQLArchive) Migrate(ctx context.Context) error {
	return runMigrations(ctx, a.db)
}

// Close closes the database.
func (a *LibSQLArchive) Close() error { return a.db.Close() }

func (a *LibSQLArchive) AppendEvent(ctx context.Context, event schema.Event) (int64, error) {
	if event.ExecutionID == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "event has no execution id")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return 0, storeError("marshal event", err)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeError("begin tx", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq); err != nil {
		return 0, storeError("next sequence", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, workflow_id, step_id, kind, payload, recorded_at, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, event.WorkflowID, nullStr(event.StepID), event.Kind.String(), string(payload),
		formatTime(time.Now()), seq,
	); err != nil {
		return 0, storeError("insert event", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeError("commit event", err)
	}
	return seq, nil
}

func (a *LibSQLArchive) Events(ctx context.Context, executionID string, since int64) ([]ArchivedEvent, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT sequence, recorded_at, payload FROM events
		 WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, storeError("query events", err)
	}
	defer rows.Close()

	var out []ArchivedEvent
	for rows.Next() {
		var (
			ae       ArchivedEvent
			recorded string
			payload  string
		)
		if err := rows.Scan(&ae.Sequence, &recorded, &payload); err != nil {
			return nil, storeError("scan event", err)
		}
		ae.RecordedAt = parseTime(recorded)
		if err := json.Unmarshal([]byte(payload), &ae.Event); err != nil {
			return nil, storeError("decode event", err)
		}
		out = append(out, ae)
	}
	return out, rows.Err()
}

func (a *LibSQLArchive) SaveSnapshot(ctx context.Context, snap *schema.ExecutionSnapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return storeError("marshal snapshot", err)
	}
	var end any
	if snap.EndTime != nil {
		end = formatTime(*snap.EndTime)
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, caller_id, caller_type, state, start_time, end_time, snapshot)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET state=excluded.state, end_time=excluded.end_time, snapshot=excluded.snapshot`,
		snap.ExecutionID, snap.WorkflowID, nullStr(snap.CallerID), nullStr(snap.CallerType),
		string(snap.State), formatTime(snap.StartTime), end, string(body),
	)
	if err != nil {
		return storeError("save snapshot", err)
	}
	return nil
}

func (a *LibSQLArchive) GetSnapshot(ctx context.Context, executionID string) (*schema.ExecutionSnapshot, error) {
	var body string
	err := a.db.QueryRowContext(ctx, `SELECT snapshot FROM executions WHERE id = ?`, executionID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", executionID)
	}
	if err != nil {
		return nil, storeError("get snapshot", err)
	}
	return decodeSnapshot(body)
}

func (a *LibSQLArchive) ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]*schema.ExecutionSnapshot, error) {
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}

	query := `SELECT snapshot FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_time DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list snapshots", err)
	}
	defer rows.Close()

	var out []*schema.ExecutionSnapshot
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, storeError("scan snapshot", err)
		}
		snap, err := decodeSnapshot(body)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func decodeSnapshot(body string) (*schema.ExecutionSnapshot, error) {
	snap := &schema.ExecutionSnapshot{}
	if err := json.Unmarshal([]byte(body), snap); err != nil {
		return nil, storeError("decode snapshot", err)
	}
	return snap, nil
}

func storeError(op string, err error) *schema.ConductorError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
