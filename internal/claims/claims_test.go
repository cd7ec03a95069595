package claims_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"stageline/internal/claims"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/migrate"
	"stageline/internal/repo"
)

func newClaimsDB(t *testing.T) (*sql.DB, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn, repo.Repo{DB: conn}
}

func seedTasks(t *testing.T, conn *sql.DB, r repo.Repo, ids ...string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.InsertProject(ctx, tx, domain.Project{ID: "p1", Name: "p1", CreatedAt: now}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	for _, id := range ids {
		err := r.InsertTask(ctx, tx, domain.Task{
			ID:            id,
			ProjectID:     "p1",
			Title:         id,
			Status:        domain.TaskValidating,
			PipelineStage: "DEV",
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			t.Fatalf("insert task %s: %v", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func inTx(t *testing.T, conn *sql.DB, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := conn.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestRegisterClaimIdempotent(t *testing.T) {
	conn, r := newClaimsDB(t)
	seedTasks(t, conn, r, "parent", "child")
	v := claims.Validator{}
	ctx := context.Background()

	inTx(t, conn, func(tx *sql.Tx) error {
		added, err := v.RegisterClaim(ctx, tx, "parent", "child")
		if err != nil {
			return err
		}
		if !added {
			t.Fatal("first registration should add")
		}
		return nil
	})
	inTx(t, conn, func(tx *sql.Tx) error {
		added, err := v.RegisterClaim(ctx, tx, "parent", "child")
		if err != nil {
			return err
		}
		if added {
			t.Fatal("repeat registration should be a no-op")
		}
		return nil
	})

	parent, err := r.GetTask(ctx, "parent")
	if err != nil {
		t.Fatal(err)
	}
	if parent.ClaimsTotal != 1 {
		t.Fatalf("claims_total = %d, want 1", parent.ClaimsTotal)
	}
}

func TestAllClaimsValidatedCompletesParent(t *testing.T) {
	conn, r := newClaimsDB(t)
	seedTasks(t, conn, r, "parent", "c1", "c2")
	v := claims.Validator{}
	ctx := context.Background()

	inTx(t, conn, func(tx *sql.Tx) error {
		for _, c := range []string{"c1", "c2"} {
			if _, err := v.RegisterClaim(ctx, tx, "parent", c); err != nil {
				return err
			}
		}
		return nil
	})

	var res claims.Resolution
	inTx(t, conn, func(tx *sql.Tx) (err error) {
		res, err = v.ResolveClaim(ctx, tx, "parent", "c1", claims.OutcomeValidated)
		return err
	})
	if res.Stale != nil {
		t.Fatalf("unexpected stale: %v", res.Stale)
	}
	if res.ParentStatus != domain.TaskValidating {
		t.Fatalf("parent after 1/2 = %s, want validating", res.ParentStatus)
	}

	inTx(t, conn, func(tx *sql.Tx) (err error) {
		res, err = v.ResolveClaim(ctx, tx, "parent", "c2", claims.OutcomeValidated)
		return err
	})
	if res.ParentStatus != domain.TaskCompleted {
		t.Fatalf("parent after 2/2 = %s, want completed", res.ParentStatus)
	}
}

func TestFailedClaimIsSticky(t *testing.T) {
	conn, r := newClaimsDB(t)
	seedTasks(t, conn, r, "parent", "c1", "c2")
	v := claims.Validator{}
	ctx := context.Background()

	inTx(t, conn, func(tx *sql.Tx) error {
		for _, c := range []string{"c1", "c2"} {
			if _, err := v.RegisterClaim(ctx, tx, "parent", c); err != nil {
				return err
			}
		}
		return nil
	})

	var res claims.Resolution
	inTx(t, conn, func(tx *sql.Tx) (err error) {
		res, err = v.ResolveClaim(ctx, tx, "parent", "c1", claims.OutcomeFailed)
		return err
	})
	if res.ParentStatus != domain.TaskFailed {
		t.Fatalf("parent after failure = %s, want failed", res.ParentStatus)
	}

	// A later validation is recorded but cannot rescue the parent.
	inTx(t, conn, func(tx *sql.Tx) (err error) {
		res, err = v.ResolveClaim(ctx, tx, "parent", "c2", claims.OutcomeValidated)
		return err
	})
	if res.ParentStatus != domain.TaskFailed {
		t.Fatalf("parent after late validation = %s, want failed", res.ParentStatus)
	}
	parent, err := r.GetTask(ctx, "parent")
	if err != nil {
		t.Fatal(err)
	}
	if parent.ClaimsValidated != 1 || parent.ClaimsFailed != 1 {
		t.Fatalf("counters = %d validated, %d failed", parent.ClaimsValidated, parent.ClaimsFailed)
	}
}

func TestStaleResolutions(t *testing.T) {
	conn, r := newClaimsDB(t)
	seedTasks(t, conn, r, "parent", "c1")
	v := claims.Validator{}
	ctx := context.Background()

	// Never registered.
	var res claims.Resolution
	inTx(t, conn, func(tx *sql.Tx) (err error) {
		res, err = v.ResolveClaim(ctx, tx, "parent", "c1", claims.OutcomeValidated)
		return err
	})
	if res.Stale == nil {
		t.Fatal("resolving an unregistered claim must be stale")
	}

	inTx(t, conn, func(tx *sql.Tx) error {
		_, err := v.RegisterClaim(ctx, tx, "parent", "c1")
		return err
	})
	inTx(t, conn, func(tx *sql.Tx) (err error) {
		res, err = v.ResolveClaim(ctx, tx, "parent", "c1", claims.OutcomeValidated)
		return err
	})
	if res.Stale != nil {
		t.Fatalf("first resolution stale: %v", res.Stale)
	}

	// One-shot flip: resolving again is a no-op warning, never an error.
	inTx(t, conn, func(tx *sql.Tx) (err error) {
		res, err = v.ResolveClaim(ctx, tx, "parent", "c1", claims.OutcomeFailed)
		return err
	})
	if res.Stale == nil {
		t.Fatal("double resolution must be stale")
	}
	parent, err := r.GetTask(ctx, "parent")
	if err != nil {
		t.Fatal(err)
	}
	if parent.ClaimsFailed != 0 {
		t.Fatalf("double resolution must not touch counters, claims_failed = %d", parent.ClaimsFailed)
	}
}

func TestResolveRejectsUnknownOutcome(t *testing.T) {
	conn, r := newClaimsDB(t)
	seedTasks(t, conn, r, "parent", "c1")
	v := claims.Validator{}
	tx, err := conn.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if _, err := v.ResolveClaim(context.Background(), tx, "parent", "c1", "maybe"); err == nil {
		t.Fatal("expected error for unknown outcome")
	}
}

func TestEvaluate(t *testing.T) {
	cases := []struct {
		name string
		task domain.Task
		want string
	}{
		{"no claims keeps status", domain.Task{Status: domain.TaskInProgress}, domain.TaskInProgress},
		{"partial validation", domain.Task{Status: domain.TaskValidating, ClaimsTotal: 3, ClaimsValidated: 1}, domain.TaskValidating},
		{"all validated", domain.Task{Status: domain.TaskValidating, ClaimsTotal: 2, ClaimsValidated: 2}, domain.TaskCompleted},
		{"any failure wins", domain.Task{Status: domain.TaskValidating, ClaimsTotal: 2, ClaimsValidated: 1, ClaimsFailed: 1}, domain.TaskFailed},
	}
	for _, tc := range cases {
		if got := claims.Evaluate(tc.task); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}
