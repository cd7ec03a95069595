package stage_test

import (
	"testing"

	"stageline/internal/stage"
)

func TestSuccessPathOrder(t *testing.T) {
	seq := stage.Sequence()
	state := stage.Initial()
	for i, want := range seq {
		if state != want {
			t.Fatalf("step %d: got %s, want %s", i, state, want)
		}
		if stage.IsTerminal(state) {
			break
		}
		entry, err := stage.Lookup(state)
		if err != nil {
			t.Fatalf("lookup %s: %v", state, err)
		}
		state = entry.Next
	}
	if state != stage.Complete {
		t.Fatalf("success path ends at %s, want %s", state, stage.Complete)
	}
}

func TestFailureGates(t *testing.T) {
	cases := []struct {
		from   stage.RunState
		gate   stage.RunState
		role   stage.Role
		origin stage.RunState
	}{
		{stage.Sec, stage.SecFailed, stage.RoleSecurity, stage.Sec},
		{stage.Docs, stage.DocsFailed, stage.RoleDocumentation, stage.Docs},
		{stage.Testing, stage.TestingFailed, stage.RoleCICD, stage.Testing},
	}
	for _, tc := range cases {
		entry, err := stage.Lookup(tc.from)
		if err != nil {
			t.Fatalf("lookup %s: %v", tc.from, err)
		}
		if entry.OnFail != tc.gate {
			t.Errorf("%s OnFail = %s, want %s", tc.from, entry.OnFail, tc.gate)
		}
		gate, err := stage.Lookup(tc.gate)
		if err != nil {
			t.Fatalf("lookup %s: %v", tc.gate, err)
		}
		if gate.Origin != tc.origin {
			t.Errorf("%s Origin = %s, want %s", tc.gate, gate.Origin, tc.origin)
		}
		if gate.Role != tc.role {
			t.Errorf("%s Role = %s, want %s", tc.gate, gate.Role, tc.role)
		}
		if !stage.IsFailed(tc.gate) {
			t.Errorf("IsFailed(%s) = false", tc.gate)
		}
		if stage.IsTerminal(tc.gate) {
			t.Errorf("IsTerminal(%s) = true, gates are retryable", tc.gate)
		}
		if stage.RecordStage(tc.gate) != tc.origin {
			t.Errorf("RecordStage(%s) = %s, want %s", tc.gate, stage.RecordStage(tc.gate), tc.origin)
		}
	}
}

func TestNoGateBeforeSecurity(t *testing.T) {
	for _, s := range []stage.RunState{stage.PM, stage.Dev, stage.QA} {
		entry, err := stage.Lookup(s)
		if err != nil {
			t.Fatal(err)
		}
		if entry.OnFail != "" {
			t.Errorf("%s has failure gate %s, early stages stay put on failure", s, entry.OnFail)
		}
	}
}

func TestRecordStageIdentityForNormalStates(t *testing.T) {
	for _, s := range []stage.RunState{stage.PM, stage.Dev, stage.QA, stage.Sec, stage.Docs, stage.Testing, stage.ReadyForDeploy} {
		if got := stage.RecordStage(s); got != s {
			t.Errorf("RecordStage(%s) = %s", s, got)
		}
	}
}

func TestParseRejectsUnknownState(t *testing.T) {
	_, err := stage.Parse("SHIPPING")
	if err == nil {
		t.Fatal("expected error for unknown state")
	}
	unknown, ok := err.(stage.UnknownStateError)
	if !ok || unknown.State != "SHIPPING" {
		t.Fatalf("unexpected error %v", err)
	}
	if _, err := stage.Parse(""); err == nil {
		t.Fatal("expected error for empty state")
	}
}

func TestParseRole(t *testing.T) {
	for _, r := range stage.Roles() {
		got, err := stage.ParseRole(string(r))
		if err != nil || got != r {
			t.Errorf("ParseRole(%s): %v", r, err)
		}
	}
	if _, err := stage.ParseRole("intern"); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestRoleFor(t *testing.T) {
	role, err := stage.RoleFor(stage.ReadyForDeploy)
	if err != nil || role != stage.RoleDirector {
		t.Fatalf("RoleFor(READY_FOR_DEPLOY) = %s, %v", role, err)
	}
	if _, err := stage.RoleFor("nope"); err == nil {
		t.Fatal("expected error for unknown state")
	}
}

func TestCompleteIsTerminal(t *testing.T) {
	if !stage.IsTerminal(stage.Complete) {
		t.Fatal("COMPLETE must be terminal")
	}
	entry, err := stage.Lookup(stage.Complete)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Next != "" || entry.OnFail != "" {
		t.Fatal("COMPLETE must have no successors")
	}
}
