package engine

import (
	"errors"
	"fmt"
)

// RoleMismatchError rejects a report submitted by a role not authorized for
// the unit's current state.
type RoleMismatchError struct {
	State    string
	Role     string
	Expected string
}

func (e RoleMismatchError) Error() string {
	return fmt.Sprintf("role %s cannot report at %s (expected %s)", e.Role, e.State, e.Expected)
}

// NotReadyError rejects an advance without a qualifying latest report, and
// operations on units not in an actionable status.
type NotReadyError struct {
	Reason string
}

func (e NotReadyError) Error() string { return e.Reason }

// TerminalStateError rejects an advance on a unit already at COMPLETE or at
// an unresolved *_FAILED gate.
type TerminalStateError struct {
	State string
}

func (e TerminalStateError) Error() string {
	return fmt.Sprintf("unit is terminal at %s", e.State)
}

// ConflictError marks uniqueness violations (duplicate project name).
type ConflictError struct {
	Msg string
}

func (e ConflictError) Error() string { return e.Msg }

// ErrConcurrentModification is returned when a state write loses the race
// against a concurrent writer. Recoverable: re-read and retry.
var ErrConcurrentModification = errors.New("concurrent modification, re-read and retry")
