// Package ledger is the append-only record of agent handoffs. The latest
// entry for a unit is the authoritative "what happened last" for the state
// machine; no row is ever updated or deleted at runtime.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"stageline/internal/domain"
	"stageline/internal/stage"
)

// ValidationError rejects malformed ledger input. Not retried.
type ValidationError struct {
	Field string
	Value string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q", e.Field, e.Value)
}

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Ledger struct {
	DB  *sql.DB
	Now func() time.Time
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func validStatus(status string) bool {
	switch status {
	case domain.CyclePending, domain.CycleInProgress, domain.CyclePassed, domain.CycleFailed:
		return true
	}
	return false
}

// Append inserts one immutable handoff record. The stage must be a recordable
// pipeline stage (never a *_FAILED or COMPLETE value) and the status a member
// of the closed work cycle set.
func (l Ledger) Append(ctx context.Context, tx dbtx, rec domain.WorkCycle) (domain.WorkCycle, error) {
	s, err := stage.Parse(rec.Stage)
	if err != nil {
		return rec, ValidationError{Field: "stage", Value: rec.Stage}
	}
	if stage.IsFailed(s) || stage.IsTerminal(s) {
		return rec, ValidationError{Field: "stage", Value: rec.Stage}
	}
	if !validStatus(rec.Status) {
		return rec, ValidationError{Field: "status", Value: rec.Status}
	}
	if rec.ProjectID == "" {
		return rec, ValidationError{Field: "project_id", Value: ""}
	}
	if rec.ActorID == "" {
		return rec, ValidationError{Field: "actor_id", Value: ""}
	}
	if rec.RunID == nil && rec.TaskID == nil {
		return rec, ValidationError{Field: "unit", Value: "run or task required"}
	}
	now := l.now().UTC().Format(time.RFC3339)
	rec.CreatedAt = now
	rec.UpdatedAt = now
	res, err := tx.ExecContext(ctx, `INSERT INTO work_cycles(project_id,run_id,task_id,stage,status,actor_id,summary,details_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rec.ProjectID, nullableStringPtr(rec.RunID), nullableStringPtr(rec.TaskID), rec.Stage, rec.Status,
		rec.ActorID, nullable(rec.Summary), nullableStringPtr(rec.Details), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return rec, fmt.Errorf("append work cycle: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return rec, err
	}
	rec.ID = id
	return rec, nil
}

const selectColumns = `id,project_id,run_id,task_id,stage,status,actor_id,COALESCE(summary,''),details_json,created_at,updated_at`

// LatestForRun returns the most recent record for a run, or nil when the run
// has no history yet.
func (l Ledger) LatestForRun(ctx context.Context, tx dbtx, runID string) (*domain.WorkCycle, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM work_cycles WHERE run_id=? ORDER BY id DESC LIMIT 1`, runID)
	return scanOptional(row)
}

// LatestForTask returns the most recent record for a task, or nil.
func (l Ledger) LatestForTask(ctx context.Context, tx dbtx, taskID string) (*domain.WorkCycle, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM work_cycles WHERE task_id=? ORDER BY id DESC LIMIT 1`, taskID)
	return scanOptional(row)
}

// HistoryForRun lists a run's handoffs oldest first.
func (l Ledger) HistoryForRun(ctx context.Context, tx dbtx, runID string, limit int) ([]domain.WorkCycle, error) {
	return l.history(ctx, tx, `run_id=?`, runID, limit)
}

// HistoryForTask lists a task's handoffs oldest first.
func (l Ledger) HistoryForTask(ctx context.Context, tx dbtx, taskID string, limit int) ([]domain.WorkCycle, error) {
	return l.history(ctx, tx, `task_id=?`, taskID, limit)
}

func (l Ledger) history(ctx context.Context, tx dbtx, clause, id string, limit int) ([]domain.WorkCycle, error) {
	query := `SELECT ` + selectColumns + ` FROM work_cycles WHERE ` + clause + ` ORDER BY id ASC`
	args := []any{id}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkCycle
	for rows.Next() {
		wc, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, wc)
	}
	return res, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (domain.WorkCycle, error) {
	var wc domain.WorkCycle
	var runID, taskID, details sql.NullString
	err := s.Scan(&wc.ID, &wc.ProjectID, &runID, &taskID, &wc.Stage, &wc.Status, &wc.ActorID, &wc.Summary, &details, &wc.CreatedAt, &wc.UpdatedAt)
	if err != nil {
		return wc, err
	}
	if runID.Valid {
		wc.RunID = &runID.String
	}
	if taskID.Valid {
		wc.TaskID = &taskID.String
	}
	if details.Valid {
		wc.Details = &details.String
	}
	return wc, nil
}

func scanOptional(row *sql.Row) (*domain.WorkCycle, error) {
	wc, err := scanRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &wc, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
