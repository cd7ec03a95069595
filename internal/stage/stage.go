// Package stage is the closed registry of pipeline stages, run states and
// the roles authorized to act at each of them. Pure lookup, no state.
package stage

import "fmt"

type Role string

const (
	RoleProductManager Role = "product-manager"
	RoleDeveloper      Role = "developer"
	RoleQA             Role = "qa"
	RoleSecurity       Role = "security"
	RoleDocumentation  Role = "documentation"
	RoleCICD           Role = "ci-cd"
	RoleDirector       Role = "director"
)

type RunState string

const (
	PM             RunState = "PM"
	Dev            RunState = "DEV"
	QA             RunState = "QA"
	Sec            RunState = "SEC"
	SecFailed      RunState = "SEC_FAILED"
	Docs           RunState = "DOCS"
	DocsFailed     RunState = "DOCS_FAILED"
	Testing        RunState = "TESTING"
	TestingFailed  RunState = "TESTING_FAILED"
	ReadyForDeploy RunState = "READY_FOR_DEPLOY"
	Complete       RunState = "COMPLETE"
)

// Entry describes one registry slot: the role allowed to report there, the
// success successor, and the optional failure successor. Origin is set on
// *_FAILED states and names the stage that produced the failure.
type Entry struct {
	Role   Role
	Next   RunState
	OnFail RunState
	Origin RunState
}

// UnknownStateError marks a value outside the closed state set.
type UnknownStateError struct {
	State string
}

func (e UnknownStateError) Error() string {
	return fmt.Sprintf("unknown run state %q", e.State)
}

// The authoritative order lives here, not in storage-layer enum ordinals.
var sequence = []RunState{PM, Dev, QA, Sec, Docs, Testing, ReadyForDeploy, Complete}

var registry = map[RunState]Entry{
	PM:             {Role: RoleProductManager, Next: Dev},
	Dev:            {Role: RoleDeveloper, Next: QA},
	QA:             {Role: RoleQA, Next: Sec},
	Sec:            {Role: RoleSecurity, Next: Docs, OnFail: SecFailed},
	SecFailed:      {Role: RoleSecurity, Next: Docs, Origin: Sec},
	Docs:           {Role: RoleDocumentation, Next: Testing, OnFail: DocsFailed},
	DocsFailed:     {Role: RoleDocumentation, Next: Testing, Origin: Docs},
	Testing:        {Role: RoleCICD, Next: ReadyForDeploy, OnFail: TestingFailed},
	TestingFailed:  {Role: RoleCICD, Next: ReadyForDeploy, Origin: Testing},
	ReadyForDeploy: {Role: RoleDirector, Next: Complete},
	Complete:       {},
}

// Lookup returns the registry entry for a state.
func Lookup(s RunState) (Entry, error) {
	e, ok := registry[s]
	if !ok {
		return Entry{}, UnknownStateError{State: string(s)}
	}
	return e, nil
}

// Parse validates a raw string against the closed state set.
func Parse(raw string) (RunState, error) {
	s := RunState(raw)
	if _, ok := registry[s]; !ok {
		return "", UnknownStateError{State: raw}
	}
	return s, nil
}

// Initial is the state a new run starts in.
func Initial() RunState { return PM }

// Sequence returns the success-path order.
func Sequence() []RunState {
	out := make([]RunState, len(sequence))
	copy(out, sequence)
	return out
}

// IsFailed reports whether s is a *_FAILED retry gate.
func IsFailed(s RunState) bool {
	e, ok := registry[s]
	return ok && e.Origin != ""
}

// IsTerminal reports whether s has no successor at all. *_FAILED states are
// retry gates, not terminal: they become terminal only by operator
// abandonment, which is outside this registry.
func IsTerminal(s RunState) bool {
	return s == Complete
}

// RecordStage returns the stage a work cycle is recorded at: for *_FAILED
// states the originating stage, otherwise the state itself.
func RecordStage(s RunState) RunState {
	if e, ok := registry[s]; ok && e.Origin != "" {
		return e.Origin
	}
	return s
}

// RoleFor returns the role authorized to report at a state.
func RoleFor(s RunState) (Role, error) {
	e, err := Lookup(s)
	if err != nil {
		return "", err
	}
	return e.Role, nil
}

// ParseRole validates a raw role string against the closed role set.
func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleProductManager, RoleDeveloper, RoleQA, RoleSecurity,
		RoleDocumentation, RoleCICD, RoleDirector:
		return Role(raw), nil
	}
	return "", fmt.Errorf("unknown agent role %q", raw)
}

// Roles returns the closed set of agent roles.
func Roles() []Role {
	return []Role{
		RoleProductManager, RoleDeveloper, RoleQA, RoleSecurity,
		RoleDocumentation, RoleCICD, RoleDirector,
	}
}
