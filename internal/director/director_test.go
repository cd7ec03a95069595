package director_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/director"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/migrate"
	"stageline/internal/stage"
)

type fakeDispatcher struct {
	fn    func(role stage.Role, req director.DispatchRequest) (director.DispatchResult, error)
	calls []string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, role stage.Role, req director.DispatchRequest) (director.DispatchResult, error) {
	f.calls = append(f.calls, string(role))
	return f.fn(role, req)
}

func passAlways(role stage.Role, req director.DispatchRequest) (director.DispatchResult, error) {
	return director.DispatchResult{Status: engine.ReportPass, Summary: "ok"}, nil
}

type testEnv struct {
	Engine  *engine.Engine
	Ctx     context.Context
	Project domain.Project
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	ctx := context.Background()
	p, err := eng.InitProject(ctx, "proj-1", "", "", "tester")
	if err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Project: p}
}

func enableDirector(t *testing.T, env testEnv, mutate func(*domain.DirectorSettings)) {
	t.Helper()
	s, err := env.Engine.DirectorSettings(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	s.Enabled = true
	if s.PollIntervalSeconds <= 0 {
		s.PollIntervalSeconds = 30
	}
	if mutate != nil {
		mutate(&s)
	}
	if _, err := env.Engine.UpdateDirectorSettings(env.Ctx, s, "tester"); err != nil {
		t.Fatal(err)
	}
}

func TestTickDrivesRunToComplete(t *testing.T) {
	env := newTestEnv(t)
	enableDirector(t, env, nil)
	run, err := env.Engine.CreateRun(env.Ctx, env.Project.ID, "release-1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	disp := &fakeDispatcher{fn: passAlways}
	d := director.New(env.Engine, disp, zap.NewNop())

	for i := 0; i < 10; i++ {
		if err := d.Tick(env.Ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		got, err := env.Engine.Repo.GetRun(env.Ctx, run.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.State == string(stage.Complete) {
			break
		}
	}
	got, err := env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != string(stage.Complete) {
		t.Fatalf("run at %s after 10 ticks, want COMPLETE", got.State)
	}
	// The deploy approval is the director's own, never a dispatched agent.
	for _, role := range disp.calls {
		if role == string(stage.RoleDirector) {
			t.Fatal("director role must not be dispatched as an agent")
		}
	}
}

func TestTickIsNoopWhenDisabled(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.CreateRun(env.Ctx, env.Project.ID, "release-2", "tester")
	if err != nil {
		t.Fatal(err)
	}
	disp := &fakeDispatcher{fn: passAlways}
	d := director.New(env.Engine, disp, zap.NewNop())
	if err := d.Tick(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if len(disp.calls) != 0 {
		t.Fatalf("disabled director dispatched %d agents", len(disp.calls))
	}
	got, err := env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != string(stage.PM) {
		t.Fatalf("run moved to %s while director disabled", got.State)
	}
}

func TestTickProcessesPendingTask(t *testing.T) {
	env := newTestEnv(t)
	enableDirector(t, env, nil)
	task, err := env.Engine.CreateTask(env.Ctx, engine.CreateTaskInput{
		ProjectID: env.Project.ID, Title: "build feature", Stage: "DEV", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	disp := &fakeDispatcher{fn: passAlways}
	d := director.New(env.Engine, disp, zap.NewNop())
	if err := d.Tick(env.Ctx); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskCompleted {
		t.Fatalf("task status %s, want completed", got.Status)
	}
	if len(disp.calls) == 0 || disp.calls[0] != string(stage.RoleDeveloper) {
		t.Fatalf("dispatched roles %v, want developer first", disp.calls)
	}
}

func TestTDDPolicyDowngradesPass(t *testing.T) {
	env := newTestEnv(t)
	enableDirector(t, env, func(s *domain.DirectorSettings) { s.EnforceTDD = true })
	run, err := env.Engine.CreateRun(env.Ctx, env.Project.ID, "release-3", "tester")
	if err != nil {
		t.Fatal(err)
	}
	// Move the run to DEV by hand.
	if _, err := env.Engine.SubmitRunReport(env.Ctx, run.ID, engine.ReportInput{
		Role: string(stage.RoleProductManager), Status: engine.ReportPass, ActorID: "pm-1",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdvanceRun(env.Ctx, run.ID, "tester"); err != nil {
		t.Fatal(err)
	}

	disp := &fakeDispatcher{fn: func(role stage.Role, req director.DispatchRequest) (director.DispatchResult, error) {
		// A pass with no test evidence violates the TDD policy.
		return director.DispatchResult{Status: engine.ReportPass, Summary: "implemented"}, nil
	}}
	d := director.New(env.Engine, disp, zap.NewNop())
	if err := d.Tick(env.Ctx); err != nil {
		t.Fatal(err)
	}

	got, err := env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != string(stage.Dev) {
		t.Fatalf("run at %s, a downgraded DEV report has no gate to fall into", got.State)
	}
	latest, err := env.Engine.Ledger.LatestForRun(env.Ctx, env.Engine.DB, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.Status != domain.CycleFailed {
		t.Fatalf("latest cycle %+v, want failed", latest)
	}
	if !strings.Contains(latest.Summary, "tdd enforcement") {
		t.Fatalf("summary %q missing downgrade reason", latest.Summary)
	}
	if !strings.Contains(latest.Summary, "implemented") {
		t.Fatalf("summary %q must preserve the agent's words", latest.Summary)
	}
}

func TestFailedReportFallsIntoGate(t *testing.T) {
	env := newTestEnv(t)
	enableDirector(t, env, nil)
	run, err := env.Engine.CreateRun(env.Ctx, env.Project.ID, "release-4", "tester")
	if err != nil {
		t.Fatal(err)
	}
	disp := &fakeDispatcher{fn: func(role stage.Role, req director.DispatchRequest) (director.DispatchResult, error) {
		if role == stage.RoleSecurity {
			return director.DispatchResult{Status: engine.ReportFail, Summary: "cve found"}, nil
		}
		return director.DispatchResult{Status: engine.ReportPass, Summary: "ok"}, nil
	}}
	d := director.New(env.Engine, disp, zap.NewNop())
	for i := 0; i < 5; i++ {
		if err := d.Tick(env.Ctx); err != nil {
			t.Fatal(err)
		}
	}
	got, err := env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != string(stage.SecFailed) {
		t.Fatalf("run at %s, want SEC_FAILED awaiting manual retry", got.State)
	}
}

func TestPolicyAcceptsNegativeDuplicationReport(t *testing.T) {
	env := newTestEnv(t)
	enableDirector(t, env, func(s *domain.DirectorSettings) {
		s.EnforceTDD = true
		s.EnforceNoDuplication = true
	})
	run, err := env.Engine.CreateRun(env.Ctx, env.Project.ID, "release-5", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitRunReport(env.Ctx, run.ID, engine.ReportInput{
		Role: string(stage.RoleProductManager), Status: engine.ReportPass, ActorID: "pm-1",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdvanceRun(env.Ctx, run.ID, "tester"); err != nil {
		t.Fatal(err)
	}

	disp := &fakeDispatcher{fn: func(role stage.Role, req director.DispatchRequest) (director.DispatchResult, error) {
		if role == stage.RoleDeveloper {
			// The agent explicitly answered "no duplication found".
			return director.DispatchResult{
				Status:  engine.ReportPass,
				Summary: "implemented",
				Details: map[string]any{"test_evidence": "go test ./... ok", "duplication": false},
			}, nil
		}
		return director.DispatchResult{Status: engine.ReportPass, Summary: "ok"}, nil
	}}
	d := director.New(env.Engine, disp, zap.NewNop())
	if err := d.Tick(env.Ctx); err != nil {
		t.Fatal(err)
	}

	got, err := env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != string(stage.QA) {
		t.Fatalf("run at %s, a clean DEV report must advance to QA", got.State)
	}
	latest, err := env.Engine.Ledger.LatestForRun(env.Ctx, env.Engine.DB, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.Status != domain.CyclePassed {
		t.Fatalf("latest cycle %+v, want passed", latest)
	}
}

func TestRetryDispatchesStageAgentAgain(t *testing.T) {
	env := newTestEnv(t)
	t0 := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return t0 }
	enableDirector(t, env, nil)
	run, err := env.Engine.CreateRun(env.Ctx, env.Project.ID, "release-6", "tester")
	if err != nil {
		t.Fatal(err)
	}
	for _, role := range []stage.Role{stage.RoleProductManager, stage.RoleDeveloper, stage.RoleQA} {
		if _, err := env.Engine.SubmitRunReport(env.Ctx, run.ID, engine.ReportInput{
			Role: string(role), Status: engine.ReportPass, Summary: "ok", ActorID: "tester",
		}); err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.AdvanceRun(env.Ctx, run.ID, "tester"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Engine.SubmitRunReport(env.Ctx, run.ID, engine.ReportInput{
		Role: string(stage.RoleSecurity), Status: engine.ReportFail, Summary: "cve found", ActorID: "sec-1",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdvanceRun(env.Ctx, run.ID, "tester"); err != nil {
		t.Fatal(err)
	}

	// The operator retries a couple of minutes after the failure landed.
	env.Engine.Now = func() time.Time { return t0.Add(2 * time.Minute) }
	if _, err := env.Engine.RetryRun(env.Ctx, run.ID, string(stage.RoleSecurity), "sec-1"); err != nil {
		t.Fatal(err)
	}

	disp := &fakeDispatcher{fn: passAlways}
	d := director.New(env.Engine, disp, zap.NewNop())
	if err := d.Tick(env.Ctx); err != nil {
		t.Fatal(err)
	}

	got, err := env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != string(stage.Docs) {
		t.Fatalf("run at %s after the retry tick, want DOCS", got.State)
	}
	dispatched := false
	for _, r := range disp.calls {
		if r == string(stage.RoleSecurity) {
			dispatched = true
		}
	}
	if !dispatched {
		t.Fatalf("security agent never re-dispatched after retry, calls %v", disp.calls)
	}
}

func TestRunRefusesSecondInstance(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC().Format(time.RFC3339)
	stale := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	ok, err := env.Engine.Repo.ClaimDaemonLiveness(env.Ctx, now, stale)
	if err != nil || !ok {
		t.Fatalf("seed liveness: ok=%v err=%v", ok, err)
	}

	d := director.New(env.Engine, &fakeDispatcher{fn: passAlways}, zap.NewNop())
	err = d.Run(env.Ctx)
	if !errors.Is(err, director.ErrAlreadyRunning) {
		t.Fatalf("got %v, want ErrAlreadyRunning", err)
	}
}

func waitForLiveness(t *testing.T, env testEnv, want bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, err := env.Engine.DirectorSettings(env.Ctx)
		if err != nil {
			t.Fatal(err)
		}
		held := s.DaemonStartedAt != nil && *s.DaemonStartedAt != ""
		if held == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("liveness stamp never became held=%v", want)
}

func TestCleanShutdownReleasesSlot(t *testing.T) {
	env := newTestEnv(t)
	first := director.New(env.Engine, &fakeDispatcher{fn: passAlways}, zap.NewNop())

	runCtx, cancel := context.WithCancel(env.Ctx)
	done := make(chan error, 1)
	go func() { done <- first.Run(runCtx) }()
	waitForLiveness(t, env, true)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("clean shutdown returned %v", err)
	}
	s, err := env.Engine.DirectorSettings(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.DaemonStartedAt != nil && *s.DaemonStartedAt != "" {
		t.Fatalf("liveness stamp survived shutdown: %q", *s.DaemonStartedAt)
	}

	// The freed slot is claimable right away, no stale window to wait out.
	second := director.New(env.Engine, &fakeDispatcher{fn: passAlways}, zap.NewNop())
	runCtx2, cancel2 := context.WithCancel(env.Ctx)
	done2 := make(chan error, 1)
	go func() { done2 <- second.Run(runCtx2) }()
	waitForLiveness(t, env, true)
	cancel2()
	if err := <-done2; err != nil {
		t.Fatalf("second instance after clean shutdown returned %v", err)
	}
}

func TestStaleLivenessIsTakenOver(t *testing.T) {
	env := newTestEnv(t)
	old := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	staleBefore := time.Now().UTC().Add(-2 * time.Hour).Format(time.RFC3339)
	if ok, err := env.Engine.Repo.ClaimDaemonLiveness(env.Ctx, old, staleBefore); err != nil || !ok {
		t.Fatalf("seed old stamp: ok=%v err=%v", ok, err)
	}

	// A stamp older than the stale cutoff loses the slot to the next claimant.
	fresh := time.Now().UTC().Format(time.RFC3339)
	cutoff := time.Now().UTC().Add(-30 * time.Minute).Format(time.RFC3339)
	ok, err := env.Engine.Repo.ClaimDaemonLiveness(env.Ctx, fresh, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("stale stamp should be taken over")
	}
}

func TestExecDispatcherUnconfiguredRole(t *testing.T) {
	d := director.ExecDispatcher{Agents: map[string]config.AgentConfig{}, Logger: zap.NewNop()}
	_, err := d.Dispatch(context.Background(), stage.RoleDeveloper, director.DispatchRequest{})
	if !errors.Is(err, director.ErrAgentUnavailable) {
		t.Fatalf("got %v, want ErrAgentUnavailable", err)
	}
}

func TestExecDispatcherParsesAgentOutput(t *testing.T) {
	d := director.ExecDispatcher{
		Agents: map[string]config.AgentConfig{
			"developer": {Command: "sh", Args: []string{"-c", `echo '{"status":"pass","summary":"built"}'`}},
		},
		Logger: zap.NewNop(),
	}
	res, err := d.Dispatch(context.Background(), stage.RoleDeveloper, director.DispatchRequest{UnitKind: "task", UnitID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != engine.ReportPass || res.Summary != "built" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecDispatcherGarbageOutputFails(t *testing.T) {
	d := director.ExecDispatcher{
		Agents: map[string]config.AgentConfig{
			"developer": {Command: "sh", Args: []string{"-c", `echo not-json`}},
		},
		Logger: zap.NewNop(),
	}
	res, err := d.Dispatch(context.Background(), stage.RoleDeveloper, director.DispatchRequest{UnitKind: "task", UnitID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != engine.ReportFail {
		t.Fatalf("garbage output must produce a fail report, got %+v", res)
	}
}

func TestExecDispatcherNonZeroExitFails(t *testing.T) {
	d := director.ExecDispatcher{
		Agents: map[string]config.AgentConfig{
			"developer": {Command: "sh", Args: []string{"-c", `echo boom >&2; exit 3`}},
		},
		Logger: zap.NewNop(),
	}
	res, err := d.Dispatch(context.Background(), stage.RoleDeveloper, director.DispatchRequest{UnitKind: "task", UnitID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != engine.ReportFail {
		t.Fatalf("non-zero exit must produce a fail report, got %+v", res)
	}
	if res.Details["stderr"] != "boom" {
		t.Fatalf("stderr not captured: %+v", res.Details)
	}
}
