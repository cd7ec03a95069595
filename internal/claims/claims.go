// Package claims aggregates child-task validation outcomes into a parent
// task's counters and decides when the parent is completed, failed, or still
// validating. Counter updates are atomic increment-and-check so concurrent
// resolutions never double count.
package claims

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"stageline/internal/domain"
)

// Outcome of a single claim resolution.
const (
	OutcomeValidated = "validated"
	OutcomeFailed    = "failed"
)

// StaleClaimWarning signals a resolution for a unit no longer awaiting it.
// It is recorded for observability but never fails the call.
type StaleClaimWarning struct {
	ParentTaskID string
	ClaimTaskID  string
	Reason       string
}

func (w StaleClaimWarning) Error() string {
	return fmt.Sprintf("stale claim %s for parent %s: %s", w.ClaimTaskID, w.ParentTaskID, w.Reason)
}

// Resolution reports the effect of ResolveClaim.
type Resolution struct {
	ParentStatus string
	Stale        *StaleClaimWarning
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Validator struct {
	Now func() time.Time
}

func (v Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// RegisterClaim records claimID as a claim of parentID and bumps
// claims_total. Idempotent per claim identity: registering the same claim
// twice leaves the counter unchanged and returns added=false.
func (v Validator) RegisterClaim(ctx context.Context, tx dbtx, parentID, claimID string) (added bool, err error) {
	now := v.now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO claim_registrations(parent_task_id,claim_task_id,created_at) VALUES (?,?,?)`,
		parentID, claimID, now)
	if err != nil {
		return false, fmt.Errorf("register claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET claims_total=claims_total+1, updated_at=? WHERE id=?`, now, parentID); err != nil {
		return false, fmt.Errorf("bump claims_total: %w", err)
	}
	return true, nil
}

// ResolveClaim applies one claim outcome to the parent and re-evaluates its
// status. Rules:
//   - claims_failed > 0 makes the parent failed and keeps it failed; later
//     validations are still recorded but cannot change the outcome.
//   - claims_validated == claims_total with no failures completes the parent.
//   - anything in between leaves it validating.
//
// A resolution for an already-resolved claim, or for a parent that is
// pending or completed, is a no-op reported through Resolution.Stale.
func (v Validator) ResolveClaim(ctx context.Context, tx dbtx, parentID, claimID, outcome string) (Resolution, error) {
	if outcome != OutcomeValidated && outcome != OutcomeFailed {
		return Resolution{}, fmt.Errorf("unknown claim outcome %q", outcome)
	}
	parent, err := loadParent(ctx, tx, parentID)
	if err != nil {
		return Resolution{}, err
	}
	switch parent.Status {
	case domain.TaskInProgress, domain.TaskValidating, domain.TaskFailed:
	default:
		return Resolution{ParentStatus: parent.Status, Stale: &StaleClaimWarning{
			ParentTaskID: parentID,
			ClaimTaskID:  claimID,
			Reason:       fmt.Sprintf("parent status %s is not awaiting claims", parent.Status),
		}}, nil
	}
	now := v.now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE claim_registrations SET outcome=?, resolved_at=? WHERE parent_task_id=? AND claim_task_id=? AND outcome IS NULL`,
		outcome, now, parentID, claimID)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Resolution{ParentStatus: parent.Status, Stale: &StaleClaimWarning{
			ParentTaskID: parentID,
			ClaimTaskID:  claimID,
			Reason:       "claim already resolved or never registered",
		}}, nil
	}
	column := "claims_validated"
	if outcome == OutcomeFailed {
		column = "claims_failed"
	}
	// Increment-and-check in one statement so a racing resolution cannot
	// push the counters past claims_total.
	res, err = tx.ExecContext(ctx, `UPDATE tasks SET `+column+`=`+column+`+1, updated_at=? WHERE id=? AND claims_validated+claims_failed < claims_total`,
		now, parentID)
	if err != nil {
		return Resolution{}, fmt.Errorf("bump %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Resolution{ParentStatus: parent.Status, Stale: &StaleClaimWarning{
			ParentTaskID: parentID,
			ClaimTaskID:  claimID,
			Reason:       "claim counters already saturated",
		}}, nil
	}
	parent, err = loadParent(ctx, tx, parentID)
	if err != nil {
		return Resolution{}, err
	}
	status := Evaluate(parent)
	if status != parent.Status {
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=?`, status, now, parentID); err != nil {
			return Resolution{}, fmt.Errorf("update parent status: %w", err)
		}
	}
	return Resolution{ParentStatus: status}, nil
}

// Evaluate maps claim counters to a parent status. A parent with zero
// registered claims is not claim-validated; its current status stands.
func Evaluate(t domain.Task) string {
	if t.ClaimsTotal == 0 {
		return t.Status
	}
	if t.ClaimsFailed > 0 {
		return domain.TaskFailed
	}
	if t.ClaimsValidated == t.ClaimsTotal {
		return domain.TaskCompleted
	}
	return domain.TaskValidating
}

func loadParent(ctx context.Context, tx dbtx, parentID string) (domain.Task, error) {
	var t domain.Task
	err := tx.QueryRowContext(ctx, `SELECT id,status,claims_total,claims_validated,claims_failed FROM tasks WHERE id=?`, parentID).
		Scan(&t.ID, &t.Status, &t.ClaimsTotal, &t.ClaimsValidated, &t.ClaimsFailed)
	if err == sql.ErrNoRows {
		return t, fmt.Errorf("parent task %s not found", parentID)
	}
	return t, err
}
