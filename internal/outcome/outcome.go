// Package outcome decides whether a build result counts as success.
//
// Build pipelines report one of the results SUCCESS, UNSTABLE, FAILURE,
// NOT_BUILT or ABORTED, ordered from best to worst. A Policy is an expr
// expression over that result; the default accepts only SUCCESS, and a
// team that wants unstable builds integrated can configure
//
//	atLeast("UNSTABLE")
package outcome

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Outcome is the two-valued build outcome consumed by the workflow.
type Outcome int

const (
	Failure Outcome = iota
	Success
)

func (o Outcome) String() string {
	if o == Success {
		return "success"
	}
	return "failure"
}

// ParseOutcome parses "success" or "failure".
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success":
		return Success, nil
	case "failure":
		return Failure, nil
	}
	return Failure, fmt.Errorf("unknown outcome %q", s)
}

// Result is a build result reported by the pipeline.
type Result string

const (
	ResultSuccess  Result = "SUCCESS"
	ResultUnstable Result = "UNSTABLE"
	ResultFailure  Result = "FAILURE"
	ResultNotBuilt Result = "NOT_BUILT"
	ResultAborted  Result = "ABORTED"
)

// results is ordered from best to worst.
var results = []Result{ResultSuccess, ResultUnstable, ResultFailure, ResultNotBuilt, ResultAborted}

// ordinal returns the rank of r, 0 being best, or -1 if r is unknown.
func (r Result) ordinal() int {
	for i, known := range results {
		if known == r {
			return i
		}
	}
	return -1
}

// BetterOrEqual reports whether r is at least as good as other.
func (r Result) BetterOrEqual(other Result) bool {
	a, b := r.ordinal(), other.ordinal()
	return a >= 0 && b >= 0 && a <= b
}

// ParseResult parses a build result case-insensitively.
func ParseResult(s string) (Result, error) {
	r := Result(strings.ToUpper(strings.TrimSpace(s)))
	if r.ordinal() < 0 {
		return "", fmt.Errorf("unknown build result %q", s)
	}
	return r, nil
}

// Policy maps build results to outcomes.
type Policy struct {
	source  string
	program *vm.Program
}

// NewPolicy compiles a success expression. The expression sees:
//
//	result   the build result as a string
//	ordinal  its rank, 0 (SUCCESS) to 4 (ABORTED)
//	atLeast  atLeast("UNSTABLE") is true for SUCCESS and UNSTABLE
func NewPolicy(source string) (*Policy, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("empty success expression")
	}
	program, err := expr.Compile(source, expr.Env(env(ResultSuccess)), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("success expression compile error: %w", err)
	}
	return &Policy{source: source, program: program}, nil
}

// Source returns the expression the policy was compiled from.
func (p *Policy) Source() string {
	return p.source
}

// Evaluate returns the outcome of a build result.
func (p *Policy) Evaluate(r Result) (Outcome, error) {
	if r.ordinal() < 0 {
		return Failure, fmt.Errorf("unknown build result %q", r)
	}
	out, err := expr.Run(p.program, env(r))
	if err != nil {
		return Failure, fmt.Errorf("success expression eval error for %q: %w", p.source, err)
	}
	if ok, _ := out.(bool); ok {
		return Success, nil
	}
	return Failure, nil
}

func env(r Result) map[string]interface{} {
	return map[string]interface{}{
		"result":  string(r),
		"ordinal": r.ordinal(),
		"atLeast": func(min string) bool {
			return r.BetterOrEqual(Result(strings.ToUpper(min)))
		},
	}
}
