// Package engine holds the pipeline state machine: projects, runs, tasks,
// agent reports, claim validation and the advance/retry transitions. Every
// state write is a compare-and-swap against the state observed at read time,
// so concurrent writers lose cleanly instead of clobbering each other.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stageline/internal/claims"
	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/ledger"
	"stageline/internal/repo"
	"stageline/internal/stage"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger ledger.Ledger
	Claims claims.Validator
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	e := &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
	e.Ledger = ledger.Ledger{DB: db, Now: e.now}
	e.Claims = claims.Validator{Now: e.now}
	e.Events = events.Writer{DB: db, Now: e.now}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// --- projects ---

// InitProject creates a project. Names are unique per workspace.
func (e *Engine) InitProject(ctx context.Context, name, description, repoPath, actorID string) (domain.Project, error) {
	if name == "" {
		return domain.Project{}, ledger.ValidationError{Field: "name", Value: name}
	}
	p := domain.Project{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		RepoPath:    repoPath,
		CreatedAt:   e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Project{}, ConflictError{Msg: fmt.Sprintf("project %q already exists", name)}
		}
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.created", p.ID, "project", p.ID, actorID, events.EventPayload{"name": name}); err != nil {
		return domain.Project{}, err
	}
	return p, tx.Commit()
}

// --- runs ---

// CreateRun starts a delivery run at the initial state.
func (e *Engine) CreateRun(ctx context.Context, projectID, name, actorID string) (domain.Run, error) {
	if name == "" {
		return domain.Run{}, ledger.ValidationError{Field: "name", Value: name}
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Run{}, err
	}
	now := e.timestamp()
	run := domain.Run{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Name:      name,
		State:     string(stage.Initial()),
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return domain.Run{}, err
	}
	if err := e.Events.Append(ctx, tx, "run.created", projectID, "run", run.ID, actorID, events.EventPayload{"name": name, "state": run.State}); err != nil {
		return domain.Run{}, err
	}
	return run, tx.Commit()
}

// --- tasks ---

type CreateTaskInput struct {
	ProjectID          string
	RunID              string
	ParentTaskID       string
	Title              string
	Description        string
	AcceptanceCriteria []string
	Stage              string
	ActorID            string
}

// CreateTask creates a task. A task with a parent is registered as a claim of
// that parent: the parent then completes only through claim validation.
func (e *Engine) CreateTask(ctx context.Context, in CreateTaskInput) (domain.Task, error) {
	if in.Title == "" {
		return domain.Task{}, ledger.ValidationError{Field: "title", Value: in.Title}
	}
	if _, err := e.Repo.GetProject(ctx, in.ProjectID); err != nil {
		return domain.Task{}, err
	}
	taskStage := stage.Initial()
	if in.Stage != "" {
		s, err := stage.Parse(in.Stage)
		if err != nil {
			return domain.Task{}, err
		}
		taskStage = s
	}
	if in.RunID != "" {
		run, err := e.Repo.GetRun(ctx, in.RunID)
		if err != nil {
			return domain.Task{}, err
		}
		if run.ProjectID != in.ProjectID {
			return domain.Task{}, ledger.ValidationError{Field: "run_id", Value: in.RunID}
		}
	}
	var parent *domain.Task
	if in.ParentTaskID != "" {
		p, err := e.Repo.GetTask(ctx, in.ParentTaskID)
		if err != nil {
			return domain.Task{}, err
		}
		if p.ProjectID != in.ProjectID {
			return domain.Task{}, ledger.ValidationError{Field: "parent_task_id", Value: in.ParentTaskID}
		}
		parent = &p
	}
	now := e.timestamp()
	t := domain.Task{
		ID:                 uuid.NewString(),
		ProjectID:          in.ProjectID,
		Title:              in.Title,
		Description:        in.Description,
		AcceptanceCriteria: in.AcceptanceCriteria,
		Status:             domain.TaskPending,
		PipelineStage:      string(taskStage),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if in.RunID != "" {
		t.RunID = &in.RunID
	}
	if in.ParentTaskID != "" {
		t.ParentTaskID = &in.ParentTaskID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.created", in.ProjectID, "task", t.ID, in.ActorID, events.EventPayload{"title": in.Title, "stage": t.PipelineStage}); err != nil {
		return domain.Task{}, err
	}
	if parent != nil {
		added, err := e.Claims.RegisterClaim(ctx, tx, parent.ID, t.ID)
		if err != nil {
			return domain.Task{}, err
		}
		if added {
			// A parent can gain claims before any agent picks it up; move it
			// out of pending so later resolutions are not treated as stale.
			if _, err := e.Repo.SwapTaskStatus(ctx, tx, parent.ID, domain.TaskPending, domain.TaskValidating, now); err != nil {
				return domain.Task{}, err
			}
			if err := e.Events.Append(ctx, tx, "claim.registered", in.ProjectID, "task", t.ID, in.ActorID, events.EventPayload{"parent_task_id": parent.ID}); err != nil {
				return domain.Task{}, err
			}
		}
	}
	return t, tx.Commit()
}

// RegisterClaim links an existing task as a claim of a parent task. Idempotent
// per (parent, claim) pair; returns added=false for a repeat registration.
func (e *Engine) RegisterClaim(ctx context.Context, parentID, claimID, actorID string) (bool, error) {
	if parentID == claimID {
		return false, ledger.ValidationError{Field: "claim_task_id", Value: claimID}
	}
	parent, err := e.Repo.GetTask(ctx, parentID)
	if err != nil {
		return false, err
	}
	claim, err := e.Repo.GetTask(ctx, claimID)
	if err != nil {
		return false, err
	}
	if claim.ProjectID != parent.ProjectID {
		return false, ledger.ValidationError{Field: "claim_task_id", Value: claimID}
	}
	if claim.ParentTaskID != nil && *claim.ParentTaskID != parentID {
		return false, ConflictError{Msg: fmt.Sprintf("task %s already claims parent %s", claimID, *claim.ParentTaskID)}
	}
	// Walk the parent's ancestry so a claim can never be its own transitive parent.
	for cursor := parent; cursor.ParentTaskID != nil; {
		if *cursor.ParentTaskID == claimID {
			return false, ledger.ValidationError{Field: "claim_task_id", Value: claimID}
		}
		next, err := e.Repo.GetTask(ctx, *cursor.ParentTaskID)
		if err != nil {
			return false, err
		}
		cursor = next
	}
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	added, err := e.Claims.RegisterClaim(ctx, tx, parentID, claimID)
	if err != nil {
		return false, err
	}
	if !added {
		return false, tx.Commit()
	}
	if claim.ParentTaskID == nil {
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET parent_task_id=?, updated_at=? WHERE id=?`, parentID, now, claimID); err != nil {
			return false, err
		}
	}
	if _, err := e.Repo.SwapTaskStatus(ctx, tx, parentID, domain.TaskPending, domain.TaskValidating, now); err != nil {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, "claim.registered", parent.ProjectID, "task", claimID, actorID, events.EventPayload{"parent_task_id": parentID}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// --- reports ---

// Report statuses accepted from agents.
const (
	ReportPass = "pass"
	ReportFail = "fail"
)

type ReportInput struct {
	Role    string
	Status  string
	Summary string
	Details map[string]any
	ActorID string
}

func cycleStatus(reported string) (string, error) {
	switch reported {
	case ReportPass:
		return domain.CyclePassed, nil
	case ReportFail:
		return domain.CycleFailed, nil
	}
	return "", ledger.ValidationError{Field: "status", Value: reported}
}

func marshalDetails(in map[string]any) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal report details: %w", err)
	}
	s := string(b)
	return &s, nil
}

// SubmitRunReport records an agent's handoff for a run. It never advances the
// run; a separate advance call consumes the report. While a run sits at a
// *_FAILED gate the cycle is recorded at the originating stage.
func (e *Engine) SubmitRunReport(ctx context.Context, runID string, in ReportInput) (domain.Report, error) {
	role, err := stage.ParseRole(in.Role)
	if err != nil {
		return domain.Report{}, ledger.ValidationError{Field: "role", Value: in.Role}
	}
	status, err := cycleStatus(in.Status)
	if err != nil {
		return domain.Report{}, err
	}
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.Report{}, err
	}
	state, err := stage.Parse(run.State)
	if err != nil {
		return domain.Report{}, err
	}
	if stage.IsTerminal(state) {
		return domain.Report{}, TerminalStateError{State: run.State}
	}
	entry, err := stage.Lookup(state)
	if err != nil {
		return domain.Report{}, err
	}
	if role != entry.Role {
		return domain.Report{}, RoleMismatchError{State: run.State, Role: in.Role, Expected: string(entry.Role)}
	}
	details, err := marshalDetails(in.Details)
	if err != nil {
		return domain.Report{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Report{}, err
	}
	defer tx.Rollback()
	rec, err := e.Ledger.Append(ctx, tx, domain.WorkCycle{
		ProjectID: run.ProjectID,
		RunID:     &runID,
		Stage:     string(stage.RecordStage(state)),
		Status:    status,
		ActorID:   in.ActorID,
		Summary:   in.Summary,
		Details:   details,
	})
	if err != nil {
		return domain.Report{}, err
	}
	err = e.Events.Append(ctx, tx, "run.report", run.ProjectID, "run", runID, in.ActorID, events.EventPayload{
		"stage": rec.Stage, "status": status, "work_cycle_id": rec.ID,
	})
	if err != nil {
		return domain.Report{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Report{}, err
	}
	return domain.Report{WorkCycle: rec, UnitKind: "run", UnitID: runID, State: run.State}, nil
}

// SubmitTaskReport records an agent's handoff for a task. Leaf tasks move to
// completed or failed with the report; a task with registered claims keeps
// the status its claim counters dictate. A task that is itself a claim
// resolves against its parent here.
func (e *Engine) SubmitTaskReport(ctx context.Context, taskID string, in ReportInput) (domain.Report, error) {
	role, err := stage.ParseRole(in.Role)
	if err != nil {
		return domain.Report{}, ledger.ValidationError{Field: "role", Value: in.Role}
	}
	status, err := cycleStatus(in.Status)
	if err != nil {
		return domain.Report{}, err
	}
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Report{}, err
	}
	state, err := stage.Parse(task.PipelineStage)
	if err != nil {
		return domain.Report{}, err
	}
	if stage.IsTerminal(state) {
		return domain.Report{}, TerminalStateError{State: task.PipelineStage}
	}
	entry, err := stage.Lookup(state)
	if err != nil {
		return domain.Report{}, err
	}
	if role != entry.Role {
		return domain.Report{}, RoleMismatchError{State: task.PipelineStage, Role: in.Role, Expected: string(entry.Role)}
	}
	details, err := marshalDetails(in.Details)
	if err != nil {
		return domain.Report{}, err
	}
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Report{}, err
	}
	defer tx.Rollback()
	rec, err := e.Ledger.Append(ctx, tx, domain.WorkCycle{
		ProjectID: task.ProjectID,
		TaskID:    &taskID,
		Stage:     string(stage.RecordStage(state)),
		Status:    status,
		ActorID:   in.ActorID,
		Summary:   in.Summary,
		Details:   details,
	})
	if err != nil {
		return domain.Report{}, err
	}
	if task.ClaimsTotal == 0 {
		// Leaf task: the report itself settles the status.
		newStatus := domain.TaskCompleted
		if status == domain.CycleFailed {
			newStatus = domain.TaskFailed
		}
		if task.Status != newStatus {
			ok, err := e.Repo.SwapTaskStatus(ctx, tx, taskID, task.Status, newStatus, now)
			if err != nil {
				return domain.Report{}, err
			}
			if !ok {
				return domain.Report{}, ErrConcurrentModification
			}
		}
	}
	if task.ParentTaskID != nil {
		outcome := claims.OutcomeValidated
		if status == domain.CycleFailed {
			outcome = claims.OutcomeFailed
		}
		res, err := e.Claims.ResolveClaim(ctx, tx, *task.ParentTaskID, taskID, outcome)
		if err != nil {
			return domain.Report{}, err
		}
		if res.Stale != nil {
			err = e.Events.Append(ctx, tx, "claim.stale", task.ProjectID, "task", taskID, in.ActorID, events.EventPayload{
				"parent_task_id": res.Stale.ParentTaskID, "reason": res.Stale.Reason,
			})
		} else {
			err = e.Events.Append(ctx, tx, "claim.resolved", task.ProjectID, "task", taskID, in.ActorID, events.EventPayload{
				"parent_task_id": *task.ParentTaskID, "outcome": outcome, "parent_status": res.ParentStatus,
			})
		}
		if err != nil {
			return domain.Report{}, err
		}
	}
	err = e.Events.Append(ctx, tx, "task.report", task.ProjectID, "task", taskID, in.ActorID, events.EventPayload{
		"stage": rec.Stage, "status": status, "work_cycle_id": rec.ID,
	})
	if err != nil {
		return domain.Report{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Report{}, err
	}
	return domain.Report{WorkCycle: rec, UnitKind: "task", UnitID: taskID, State: task.PipelineStage}, nil
}

// --- advance ---

// nextState consumes the latest ledger entry for a unit sitting at state and
// decides the successor. The entry must belong to the stage the unit records
// at; a passed entry moves forward, a failed one drops to the failure gate.
func nextState(state stage.RunState, entry stage.Entry, latest *domain.WorkCycle) (stage.RunState, error) {
	record := stage.RecordStage(state)
	if latest == nil || latest.Stage != string(record) {
		return "", NotReadyError{Reason: fmt.Sprintf("no report recorded at %s", record)}
	}
	switch latest.Status {
	case domain.CyclePassed:
		return entry.Next, nil
	case domain.CycleFailed:
		if stage.IsFailed(state) {
			// Already at the gate and the freshest report is still the
			// failure: nothing to consume until a retry produces a new one.
			return "", TerminalStateError{State: string(state)}
		}
		if entry.OnFail != "" {
			return entry.OnFail, nil
		}
		return "", NotReadyError{Reason: fmt.Sprintf("latest report at %s failed", record)}
	}
	return "", NotReadyError{Reason: fmt.Sprintf("latest report at %s is %s", record, latest.Status)}
}

// AdvanceRun moves a run to its successor state based on the latest ledger
// entry. Exactly one of two racing advances wins; the loser gets
// ErrConcurrentModification and must re-read.
func (e *Engine) AdvanceRun(ctx context.Context, runID, actorID string) (domain.Run, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	state, err := stage.Parse(run.State)
	if err != nil {
		return domain.Run{}, err
	}
	if stage.IsTerminal(state) {
		return domain.Run{}, TerminalStateError{State: run.State}
	}
	entry, err := stage.Lookup(state)
	if err != nil {
		return domain.Run{}, err
	}
	latest, err := e.Ledger.LatestForRun(ctx, e.DB, runID)
	if err != nil {
		return domain.Run{}, err
	}
	next, err := nextState(state, entry, latest)
	if err != nil {
		return domain.Run{}, err
	}
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.SwapRunState(ctx, tx, runID, run.State, string(next), now)
	if err != nil {
		return domain.Run{}, err
	}
	if !ok {
		return domain.Run{}, ErrConcurrentModification
	}
	if latest.Status == domain.CyclePassed && latest.Details != nil {
		// Passing out of DOCS or TESTING snapshots the report payload onto
		// the run for later inspection.
		switch stage.RecordStage(state) {
		case stage.Docs:
			if err := e.Repo.SetRunDocsResult(ctx, tx, runID, *latest.Details, now); err != nil {
				return domain.Run{}, err
			}
		case stage.Testing:
			if err := e.Repo.SetRunTestingResult(ctx, tx, runID, *latest.Details, now); err != nil {
				return domain.Run{}, err
			}
		}
	}
	err = e.Events.Append(ctx, tx, "run.advanced", run.ProjectID, "run", runID, actorID, events.EventPayload{
		"from": run.State, "to": string(next),
	})
	if err != nil {
		return domain.Run{}, err
	}
	if next == stage.Complete {
		if err := e.Events.Append(ctx, tx, "run.completed", run.ProjectID, "run", runID, actorID, nil); err != nil {
			return domain.Run{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return e.Repo.GetRun(ctx, runID)
}

// AdvanceTask moves a task's pipeline stage the same way AdvanceRun moves a
// run's state.
func (e *Engine) AdvanceTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	state, err := stage.Parse(task.PipelineStage)
	if err != nil {
		return domain.Task{}, err
	}
	if stage.IsTerminal(state) {
		return domain.Task{}, TerminalStateError{State: task.PipelineStage}
	}
	entry, err := stage.Lookup(state)
	if err != nil {
		return domain.Task{}, err
	}
	latest, err := e.Ledger.LatestForTask(ctx, e.DB, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	next, err := nextState(state, entry, latest)
	if err != nil {
		return domain.Task{}, err
	}
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.SwapTaskStage(ctx, tx, taskID, task.PipelineStage, string(next), now)
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		return domain.Task{}, ErrConcurrentModification
	}
	err = e.Events.Append(ctx, tx, "task.advanced", task.ProjectID, "task", taskID, actorID, events.EventPayload{
		"from": task.PipelineStage, "to": string(next),
	})
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, taskID)
}

// --- retry ---

// RetryRun resets a run from a *_FAILED gate back to the originating stage.
// Only the role that owns the originating stage may retry.
func (e *Engine) RetryRun(ctx context.Context, runID, roleRaw, actorID string) (domain.Run, error) {
	role, err := stage.ParseRole(roleRaw)
	if err != nil {
		return domain.Run{}, ledger.ValidationError{Field: "role", Value: roleRaw}
	}
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	state, err := stage.Parse(run.State)
	if err != nil {
		return domain.Run{}, err
	}
	if !stage.IsFailed(state) {
		return domain.Run{}, NotReadyError{Reason: fmt.Sprintf("run is at %s, not a failed gate", run.State)}
	}
	entry, _ := stage.Lookup(state)
	if role != entry.Role {
		return domain.Run{}, RoleMismatchError{State: run.State, Role: roleRaw, Expected: string(entry.Role)}
	}
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.SwapRunState(ctx, tx, runID, run.State, string(entry.Origin), now)
	if err != nil {
		return domain.Run{}, err
	}
	if !ok {
		return domain.Run{}, ErrConcurrentModification
	}
	err = e.Events.Append(ctx, tx, "run.retried", run.ProjectID, "run", runID, actorID, events.EventPayload{
		"from": run.State, "to": string(entry.Origin),
	})
	if err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return e.Repo.GetRun(ctx, runID)
}

// RetryTask resets a task's pipeline stage from a failed gate to its origin.
func (e *Engine) RetryTask(ctx context.Context, taskID, roleRaw, actorID string) (domain.Task, error) {
	role, err := stage.ParseRole(roleRaw)
	if err != nil {
		return domain.Task{}, ledger.ValidationError{Field: "role", Value: roleRaw}
	}
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	state, err := stage.Parse(task.PipelineStage)
	if err != nil {
		return domain.Task{}, err
	}
	if !stage.IsFailed(state) {
		return domain.Task{}, NotReadyError{Reason: fmt.Sprintf("task is at %s, not a failed gate", task.PipelineStage)}
	}
	entry, _ := stage.Lookup(state)
	if role != entry.Role {
		return domain.Task{}, RoleMismatchError{State: task.PipelineStage, Role: roleRaw, Expected: string(entry.Role)}
	}
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.SwapTaskStage(ctx, tx, taskID, task.PipelineStage, string(entry.Origin), now)
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		return domain.Task{}, ErrConcurrentModification
	}
	err = e.Events.Append(ctx, tx, "task.retried", task.ProjectID, "task", taskID, actorID, events.EventPayload{
		"from": task.PipelineStage, "to": string(entry.Origin),
	})
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, taskID)
}

// --- deploy ---

// ApproveDeploy is the director's sign-off: it records a passing cycle at
// READY_FOR_DEPLOY and completes the run in one transaction.
func (e *Engine) ApproveDeploy(ctx context.Context, runID, actorID string) (domain.Run, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	state, err := stage.Parse(run.State)
	if err != nil {
		return domain.Run{}, err
	}
	if stage.IsTerminal(state) {
		return domain.Run{}, TerminalStateError{State: run.State}
	}
	if state != stage.ReadyForDeploy {
		return domain.Run{}, NotReadyError{Reason: fmt.Sprintf("run is at %s, not %s", run.State, stage.ReadyForDeploy)}
	}
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()
	rec, err := e.Ledger.Append(ctx, tx, domain.WorkCycle{
		ProjectID: run.ProjectID,
		RunID:     &runID,
		Stage:     string(stage.ReadyForDeploy),
		Status:    domain.CyclePassed,
		ActorID:   actorID,
		Summary:   "deployment approved",
	})
	if err != nil {
		return domain.Run{}, err
	}
	ok, err := e.Repo.SwapRunState(ctx, tx, runID, run.State, string(stage.Complete), now)
	if err != nil {
		return domain.Run{}, err
	}
	if !ok {
		return domain.Run{}, ErrConcurrentModification
	}
	err = e.Events.Append(ctx, tx, "run.completed", run.ProjectID, "run", runID, actorID, events.EventPayload{
		"work_cycle_id": rec.ID,
	})
	if err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return e.Repo.GetRun(ctx, runID)
}

// --- execute ---

// ExecuteAck acknowledges a task dispatch.
type ExecuteAck struct {
	TaskID       string `json:"task_id"`
	Status       string `json:"status"`
	DispatchedAt string `json:"dispatched_at" format:"date-time"`
}

// ExecuteTask marks a pending task in_progress and records the pickup in the
// ledger. Only pending tasks are actionable.
func (e *Engine) ExecuteTask(ctx context.Context, taskID, actorID string) (ExecuteAck, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return ExecuteAck{}, err
	}
	if task.Status != domain.TaskPending {
		return ExecuteAck{}, NotReadyError{Reason: fmt.Sprintf("task is %s, not actionable", task.Status)}
	}
	state, err := stage.Parse(task.PipelineStage)
	if err != nil {
		return ExecuteAck{}, err
	}
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ExecuteAck{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.SwapTaskStatus(ctx, tx, taskID, domain.TaskPending, domain.TaskInProgress, now)
	if err != nil {
		return ExecuteAck{}, err
	}
	if !ok {
		return ExecuteAck{}, ErrConcurrentModification
	}
	_, err = e.Ledger.Append(ctx, tx, domain.WorkCycle{
		ProjectID: task.ProjectID,
		TaskID:    &taskID,
		Stage:     string(stage.RecordStage(state)),
		Status:    domain.CycleInProgress,
		ActorID:   actorID,
		Summary:   "task picked up",
	})
	if err != nil {
		return ExecuteAck{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.execute", task.ProjectID, "task", taskID, actorID, nil); err != nil {
		return ExecuteAck{}, err
	}
	if err := tx.Commit(); err != nil {
		return ExecuteAck{}, err
	}
	return ExecuteAck{TaskID: taskID, Status: domain.TaskInProgress, DispatchedAt: now}, nil
}

// --- director settings ---

func (e *Engine) DirectorSettings(ctx context.Context) (domain.DirectorSettings, error) {
	return e.Repo.GetDirectorSettings(ctx)
}

// UpdateDirectorSettings writes the singleton configuration row. The daemon
// liveness stamp is not touched here.
func (e *Engine) UpdateDirectorSettings(ctx context.Context, s domain.DirectorSettings, actorID string) (domain.DirectorSettings, error) {
	if s.PollIntervalSeconds <= 0 {
		return domain.DirectorSettings{}, ledger.ValidationError{Field: "poll_interval_seconds", Value: fmt.Sprintf("%d", s.PollIntervalSeconds)}
	}
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DirectorSettings{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateDirectorSettings(ctx, tx, s, now); err != nil {
		return domain.DirectorSettings{}, err
	}
	err = e.Events.Append(ctx, tx, "director.settings_updated", "", "director", "", actorID, events.EventPayload{
		"enabled": s.Enabled, "poll_interval_seconds": s.PollIntervalSeconds,
	})
	if err != nil {
		return domain.DirectorSettings{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.DirectorSettings{}, err
	}
	return e.Repo.GetDirectorSettings(ctx)
}

// --- status ---

// StatusSummary is the workspace overview the CLI status command renders.
type StatusSummary struct {
	Project domain.Project `json:"project"`
	Runs    map[string]int `json:"runs"`
	Tasks   map[string]int `json:"tasks"`
}

func (e *Engine) ProjectStatus(ctx context.Context, projectID string) (StatusSummary, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return StatusSummary{}, err
	}
	runs, err := e.Repo.CountRunsByState(ctx, projectID)
	if err != nil {
		return StatusSummary{}, err
	}
	tasks, err := e.Repo.CountTasksByStatus(ctx, projectID)
	if err != nil {
		return StatusSummary{}, err
	}
	return StatusSummary{Project: p, Runs: runs, Tasks: tasks}, nil
}
