// Package director is the autonomous orchestrator: a single-instance daemon
// that polls for actionable work, dispatches agents and feeds their reports
// back through the state machine. Singleton enforcement is advisory, through
// the daemon_started_at stamp in director settings.
package director

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/repo"
	"stageline/internal/stage"
)

// ErrAlreadyRunning means another director holds a fresh liveness stamp.
var ErrAlreadyRunning = errors.New("another director instance is active")

// ActorID is the identity the director reports and approves under.
const ActorID = "director"

const (
	defaultPollInterval = 30 * time.Second
	maxTasksPerTick     = 10
)

type Director struct {
	Engine     *engine.Engine
	Dispatcher Dispatcher
	Logger     *zap.Logger

	// StaleAfter is how old a liveness stamp must be before a new daemon may
	// take over. Zero means three poll intervals.
	StaleAfter time.Duration
}

func New(eng *engine.Engine, disp Dispatcher, logger *zap.Logger) *Director {
	return &Director{Engine: eng, Dispatcher: disp, Logger: logger}
}

func (d *Director) now() time.Time {
	if d.Engine.Now != nil {
		return d.Engine.Now()
	}
	return time.Now()
}

func pollInterval(s domain.DirectorSettings) time.Duration {
	if s.PollIntervalSeconds > 0 {
		return time.Duration(s.PollIntervalSeconds) * time.Second
	}
	return defaultPollInterval
}

func (d *Director) staleAfter(interval time.Duration) time.Duration {
	if d.StaleAfter > 0 {
		return d.StaleAfter
	}
	return 3 * interval
}

// Run claims the singleton slot, then polls until the context is canceled.
// The liveness stamp is refreshed every tick and cleared on clean shutdown;
// a crashed daemon leaves a stamp that goes stale and gets taken over.
func (d *Director) Run(ctx context.Context) error {
	settings, err := d.Engine.DirectorSettings(ctx)
	if err != nil {
		return err
	}
	interval := pollInterval(settings)
	now := d.now().UTC()
	stale := now.Add(-d.staleAfter(interval))
	ok, err := d.Engine.Repo.ClaimDaemonLiveness(ctx, now.Format(time.RFC3339), stale.Format(time.RFC3339))
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyRunning
	}
	d.Logger.Info("director started", zap.Duration("poll_interval", interval))
	defer func() {
		// The run context is usually canceled by the time we get here.
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.Engine.Repo.ClearDaemonLiveness(shutCtx, d.now().UTC().Format(time.RFC3339)); err != nil {
			d.Logger.Warn("failed to clear liveness stamp", zap.Error(err))
		}
		d.Logger.Info("director stopped")
	}()

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			if err := d.Tick(ctx); err != nil {
				d.Logger.Error("tick failed", zap.Error(err))
			}
			if s, err := d.Engine.DirectorSettings(ctx); err == nil {
				interval = pollInterval(s)
			}
			timer.Reset(interval)
		}
	}
}

// Tick is one poll cycle: refresh the heartbeat, then work through pending
// tasks and active runs. Every per-unit failure is logged and skipped so one
// bad unit never stalls the rest.
func (d *Director) Tick(ctx context.Context) error {
	nowStr := d.now().UTC().Format(time.RFC3339)
	if err := d.Engine.Repo.TouchDaemonLiveness(ctx, nowStr); err != nil {
		return fmt.Errorf("touch liveness: %w", err)
	}
	settings, err := d.Engine.DirectorSettings(ctx)
	if err != nil {
		return err
	}
	if !settings.Enabled {
		return nil
	}

	tasks, err := d.Engine.Repo.ListTasks(ctx, repo.TaskFilters{Status: domain.TaskPending, Limit: maxTasksPerTick})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := d.processTask(ctx, settings, t); err != nil {
			d.logUnitError("task", t.ID, err)
		}
	}

	var active []string
	for _, s := range stage.Sequence() {
		if !stage.IsTerminal(s) {
			active = append(active, string(s))
		}
	}
	runs, err := d.Engine.Repo.ListRunsInStates(ctx, active)
	if err != nil {
		return err
	}
	for _, r := range runs {
		if err := d.processRun(ctx, settings, r); err != nil {
			d.logUnitError("run", r.ID, err)
		}
	}

	gates := []string{string(stage.SecFailed), string(stage.DocsFailed), string(stage.TestingFailed)}
	stalled, err := d.Engine.Repo.ListRunsInStates(ctx, gates)
	if err != nil {
		return err
	}
	for _, r := range stalled {
		d.Logger.Info("run awaiting retry", zap.String("run_id", r.ID), zap.String("state", r.State))
	}
	return nil
}

func (d *Director) logUnitError(kind, id string, err error) {
	switch {
	case errors.Is(err, engine.ErrConcurrentModification):
		// Another writer got there first; the next tick re-reads.
		d.Logger.Debug("lost write race", zap.String(kind+"_id", id))
	case errors.Is(err, ErrAgentUnavailable):
		d.Logger.Warn("agent unavailable", zap.String(kind+"_id", id), zap.Error(err))
	default:
		d.Logger.Error("unit processing failed", zap.String("kind", kind), zap.String("id", id), zap.Error(err))
	}
}

// processRun drives one run one step forward: consume an existing passing
// report, or dispatch the stage's agent and submit whatever it reports.
func (d *Director) processRun(ctx context.Context, settings domain.DirectorSettings, run domain.Run) error {
	state, err := stage.Parse(run.State)
	if err != nil {
		return err
	}
	if state == stage.ReadyForDeploy {
		_, err := d.Engine.ApproveDeploy(ctx, run.ID, ActorID)
		if err == nil {
			d.Logger.Info("deployment approved", zap.String("run_id", run.ID))
		}
		return err
	}
	entry, err := stage.Lookup(state)
	if err != nil {
		return err
	}
	record := string(stage.RecordStage(state))
	latest, err := d.Engine.Ledger.LatestForRun(ctx, d.Engine.DB, run.ID)
	if err != nil {
		return err
	}
	if latest != nil && latest.Stage == record && latest.Status == domain.CyclePassed {
		_, err := d.Engine.AdvanceRun(ctx, run.ID, ActorID)
		return err
	}
	if latest != nil && latest.Stage == record && latest.Status == domain.CycleFailed && !stage.IsFailed(state) &&
		latest.CreatedAt >= run.UpdatedAt {
		// A failure recorded since the run last changed state still needs
		// consuming into the failed gate. An older one predates an operator
		// retry; the stage agent runs again instead.
		_, err := d.Engine.AdvanceRun(ctx, run.ID, ActorID)
		if nr := (engine.NotReadyError{}); errors.As(err, &nr) {
			return nil
		}
		return err
	}

	project, err := d.Engine.Repo.GetProject(ctx, run.ProjectID)
	if err != nil {
		return err
	}
	result, err := d.Dispatcher.Dispatch(ctx, entry.Role, DispatchRequest{
		UnitKind: "run",
		UnitID:   run.ID,
		Stage:    record,
		Role:     string(entry.Role),
		Project:  project,
		Run:      &run,
	})
	if err != nil {
		return err
	}
	result = applyPolicies(settings, stage.RecordStage(state), result)
	if _, err := d.Engine.SubmitRunReport(ctx, run.ID, engine.ReportInput{
		Role:    string(entry.Role),
		Status:  result.Status,
		Summary: result.Summary,
		Details: result.Details,
		ActorID: ActorID,
	}); err != nil {
		return err
	}
	d.Logger.Info("run report submitted",
		zap.String("run_id", run.ID),
		zap.String("stage", record),
		zap.String("status", result.Status))
	_, err = d.Engine.AdvanceRun(ctx, run.ID, ActorID)
	if nr := (engine.NotReadyError{}); errors.As(err, &nr) {
		// A failure at a stage with no failed gate stays put until retried.
		return nil
	}
	return err
}

// processTask picks up one pending task, runs the agent its stage calls for
// and submits the report. Claim resolution happens inside the engine.
func (d *Director) processTask(ctx context.Context, settings domain.DirectorSettings, task domain.Task) error {
	state, err := stage.Parse(task.PipelineStage)
	if err != nil {
		return err
	}
	entry, err := stage.Lookup(state)
	if err != nil {
		return err
	}
	if entry.Role == "" || entry.Role == stage.RoleDirector {
		return nil
	}
	if _, err := d.Engine.ExecuteTask(ctx, task.ID, ActorID); err != nil {
		return err
	}
	project, err := d.Engine.Repo.GetProject(ctx, task.ProjectID)
	if err != nil {
		return err
	}
	record := string(stage.RecordStage(state))
	result, err := d.Dispatcher.Dispatch(ctx, entry.Role, DispatchRequest{
		UnitKind: "task",
		UnitID:   task.ID,
		Stage:    record,
		Role:     string(entry.Role),
		Project:  project,
		Task:     &task,
	})
	if err != nil {
		return err
	}
	result = applyPolicies(settings, stage.RecordStage(state), result)
	if _, err := d.Engine.SubmitTaskReport(ctx, task.ID, engine.ReportInput{
		Role:    string(entry.Role),
		Status:  result.Status,
		Summary: result.Summary,
		Details: result.Details,
		ActorID: ActorID,
	}); err != nil {
		return err
	}
	d.Logger.Info("task report submitted",
		zap.String("task_id", task.ID),
		zap.String("stage", record),
		zap.String("status", result.Status))
	return nil
}

// applyPolicies downgrades a report per the enforcement toggles. A downgrade
// rewrites status to fail and prefixes the summary with the reason; the
// original agent summary is preserved after it.
func applyPolicies(s domain.DirectorSettings, record stage.RunState, res DispatchResult) DispatchResult {
	downgrade := func(reason string) {
		res.Status = engine.ReportFail
		if res.Summary != "" {
			res.Summary = reason + ": " + res.Summary
		} else {
			res.Summary = reason
		}
	}
	if record == stage.Dev {
		if s.EnforceTDD && res.Status == engine.ReportPass && !hasDetail(res.Details, "test_evidence") {
			downgrade("tdd enforcement: report carries no test evidence")
		}
		if s.EnforceNoDuplication && hasDetail(res.Details, "duplication") {
			downgrade("duplication findings present")
		}
	}
	if record == stage.Sec {
		if s.EnforceSecurity && res.Status == engine.ReportPass && !hasDetail(res.Details, "scan") {
			downgrade("security enforcement: report carries no scan output")
		}
	}
	return res
}

// hasDetail reports whether a details key carries substance. Empty
// collections, empty strings, boolean false and zero numbers all read as
// "nothing there": an agent answering "duplication": false reported no
// findings, not a finding.
func hasDetail(details map[string]any, key string) bool {
	v, ok := details[key]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return t != ""
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}
