package integration

import "fmt"

// State is the position of a workspace in the integration state machine:
//
//	Idle -> Discovering -> Popped -> Prepared -> (Succeeded | RolledBack) -> Idle
//
// Succeeded and RolledBack are reported by Finalize; the workspace is Idle
// again as soon as Finalize returns.
type State int

const (
	StateIdle State = iota
	StateDiscovering
	StatePopped
	StatePrepared
	StateSucceeded
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StatePopped:
		return "popped"
	case StatePrepared:
		return "prepared"
	case StateSucceeded:
		return "succeeded"
	case StateRolledBack:
		return "rolled_back"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// session tracks one workspace between calls. Workspaces without a session
// are Idle, and operations on them are not checked for ordering, so a
// pipeline may drive each step from a separate process.
type session struct {
	state  State
	change string
	runID  string
}

// ResultKind tags a Cycle result.
type ResultKind int

const (
	ResultNoWork ResultKind = iota
	ResultPending
	ResultFailure
)

func (k ResultKind) String() string {
	switch k {
	case ResultNoWork:
		return "no_work"
	case ResultPending:
		return "pending"
	case ResultFailure:
		return "failure"
	}
	return "unknown"
}

// Result is the outcome of a Cycle: Pending(Change), NoWork or
// Failure(Kind).
type Result struct {
	Kind ResultKind
	// Change is the prepared change when Kind is ResultPending, and the
	// popped change, if any, when Kind is ResultFailure.
	Change string
	RunID  string
	// Err is set when Kind is ResultFailure.
	Err error
}

// Pending reports whether the result carries a prepared change.
func (r Result) Pending() bool {
	return r.Kind == ResultPending
}

// FailureKind returns the error kind of a failed result, or 0.
func (r Result) FailureKind() Kind {
	if r.Kind != ResultFailure {
		return 0
	}
	return KindOf(r.Err)
}
