// Package integration implements the pretested integration workflow.
//
// A Workflow drives one workspace at a time through
//
//	HasPendingWork -> PopNext -> Prepare -> (build) -> Finalize
//
// HasPendingWork pulls upstream changes and asks the discoverer whether a
// candidate exists. PopNext hands out the next candidate and advances the
// workspace cursor before the change is built, so every change is
// delivered at most once. Prepare checks out the integration branch and
// merges the candidate without committing. Finalize commits the merge when
// the build succeeded and discards it otherwise.
//
// Cycle chains the first three steps and returns a tagged Result. The
// workflow itself does not lock; callers serialise calls per workspace.
package integration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/pretestd/internal/config"
	"github.com/fyrsmithlabs/pretestd/internal/cursor"
	"github.com/fyrsmithlabs/pretestd/internal/discovery"
	"github.com/fyrsmithlabs/pretestd/internal/logging"
	"github.com/fyrsmithlabs/pretestd/internal/outcome"
	"github.com/fyrsmithlabs/pretestd/internal/telemetry"
	"github.com/fyrsmithlabs/pretestd/internal/vcs"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Options configures a Workflow. Zero values select the defaults.
type Options struct {
	Branch        string
	CommitMessage string
	Selection     string
	SuccessWhen   string
}

// OptionsFromConfig converts the integration section of the configuration.
func OptionsFromConfig(c config.IntegrationConfig) Options {
	return Options{
		Branch:        c.Branch,
		CommitMessage: c.CommitMessage,
		Selection:     c.Selection,
		SuccessWhen:   c.SuccessWhen,
	}
}

// Workflow is the integration state machine.
type Workflow struct {
	client     vcs.Client
	driver     vcs.Driver
	cursors    *cursor.Store
	discoverer *discovery.Discoverer
	policy     *outcome.Policy
	message    string

	logger   *logging.Logger
	tracer   trace.Tracer
	metrics  *workflowMetrics
	newRunID func() string

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a Workflow for workspaces of the driver's repository type.
// logger and tel may be nil.
func New(client vcs.Client, driver vcs.Driver, opts Options, logger *logging.Logger, tel *telemetry.Telemetry) (*Workflow, error) {
	if client == nil || driver == nil {
		return nil, &Error{Kind: KindConfiguration, Op: "configure", Err: fmt.Errorf("client and driver are required")}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if opts.CommitMessage == "" {
		opts.CommitMessage = config.DefaultCommitMessage
	}
	if opts.SuccessWhen == "" {
		opts.SuccessWhen = config.DefaultSuccessWhen
	}

	cursors, err := cursor.NewStore(driver.ControlDir())
	if err != nil {
		return nil, &Error{Kind: KindConfiguration, Op: "configure", Err: err}
	}
	discoverer, err := discovery.New(client, driver, cursors, discovery.Options{
		Branch:    opts.Branch,
		Selection: opts.Selection,
	}, logger)
	if err != nil {
		return nil, &Error{Kind: KindConfiguration, Op: "configure", Err: err}
	}
	policy, err := outcome.NewPolicy(opts.SuccessWhen)
	if err != nil {
		return nil, &Error{Kind: KindConfiguration, Op: "configure", Err: err}
	}

	logger = logger.Named("integration").With(zap.String("vcs", driver.Kind()))
	return &Workflow{
		client:     client,
		driver:     driver,
		cursors:    cursors,
		discoverer: discoverer,
		policy:     policy,
		message:    opts.CommitMessage,
		logger:     logger,
		tracer:     tel.Tracer(instrumentationName),
		metrics:    newWorkflowMetrics(context.Background(), tel.Meter(instrumentationName), logger),
		newRunID:   uuid.NewString,
		sessions:   make(map[string]*session),
	}, nil
}

// Branch returns the integration branch.
func (w *Workflow) Branch() string {
	return w.discoverer.Branch()
}

// Kind returns the repository kind the workflow drives.
func (w *Workflow) Kind() string {
	return w.driver.Kind()
}

// ControlDir returns the repository metadata directory name, ".hg" or
// ".git".
func (w *Workflow) ControlDir() string {
	return w.driver.ControlDir()
}

// Policy returns the success policy used by FinalizeResult.
func (w *Workflow) Policy() *outcome.Policy {
	return w.policy
}

// State returns the tracked state of workspace.
func (w *Workflow) State(workspace string) State {
	if s := w.lookup(workspace); s != nil {
		return s.state
	}
	return StateIdle
}

// CursorPath returns the cursor file of workspace.
func (w *Workflow) CursorPath(workspace string) string {
	return w.cursors.Path(workspace)
}

// Cursor returns the stored cursor of workspace.
func (w *Workflow) Cursor(workspace string) (string, error) {
	id, err := w.cursors.Read(workspace)
	return id, classify("cursor", err)
}

// SetCursor overwrites the cursor of workspace, for example to re-deliver
// a change after a crash or to reset to cursor.Sentinel.
func (w *Workflow) SetCursor(ctx context.Context, workspace, id string) error {
	if err := w.cursors.Write(workspace, id); err != nil {
		return classify("cursor", err)
	}
	w.logger.Info(logging.WithWorkspace(ctx, workspace), "cursor set", zap.String("cursor", id))
	return nil
}

// Candidates lists the changes waiting beyond the cursor, newest first.
// It neither pulls nor writes the cursor.
func (w *Workflow) Candidates(ctx context.Context, workspace string) ([]string, error) {
	ids, err := w.discoverer.Candidates(ctx, workspace)
	return ids, classify("cursor", err)
}

// HasPendingWork pulls upstream changes and reports whether a candidate
// is waiting. It does not modify the cursor.
func (w *Workflow) HasPendingWork(ctx context.Context, workspace string) (has bool, err error) {
	from := w.State(workspace)
	if from == StatePrepared {
		return false, invalidTransition("discover", from)
	}

	ctx, span, start := w.begin(ctx, workspace, "has_pending", w.runID(workspace))
	defer func() { w.end(ctx, span, "has_pending", start, err) }()

	w.transition(ctx, workspace, from, &session{state: StateDiscovering, runID: logging.RunIDFromContext(ctx)})

	has, err = w.discoverer.HasPending(ctx, workspace)
	if err != nil {
		w.transition(ctx, workspace, StateDiscovering, nil)
		return false, classify("cursor", err)
	}
	span.SetAttributes(attribute.Bool("pending", has))
	if !has {
		w.logger.Info(ctx, "nothing to do")
		w.transition(ctx, workspace, StateDiscovering, nil)
	}
	return has, nil
}

// PopNext hands out the next candidate of workspace and records it as the
// cursor. ok is false when there is nothing to do.
func (w *Workflow) PopNext(ctx context.Context, workspace string) (change string, ok bool, err error) {
	from := w.State(workspace)
	if from == StatePrepared {
		return "", false, invalidTransition("pop", from)
	}

	ctx, span, start := w.begin(ctx, workspace, "pop", w.runID(workspace))
	defer func() { w.end(ctx, span, "pop", start, err) }()

	change, ok, err = w.discoverer.Pop(ctx, workspace)
	if err != nil {
		w.transition(ctx, workspace, from, nil)
		return "", false, classify("cursor", err)
	}
	if !ok {
		w.logger.Info(ctx, "nothing to do")
		w.transition(ctx, workspace, from, nil)
		return "", false, nil
	}

	span.SetAttributes(attribute.String("change.id", change))
	w.metrics.add(ctx, w.metrics.pops, attribute.String("selection", w.discoverer.Selection()))
	w.transition(ctx, workspace, from, &session{
		state:  StatePopped,
		change: change,
		runID:  logging.RunIDFromContext(ctx),
	})
	return change, true, nil
}

// Prepare checks out the integration branch, discarding local
// modifications, and merges change into it without committing.
//
// A conflicting merge is discarded again and reported as a
// KindMergeConflict error; the workspace stays Popped and the cursor stays
// advanced. A merge that aborts without conflicts (any other non-zero exit
// code) is a KindIOFailure and nothing is rolled back.
func (w *Workflow) Prepare(ctx context.Context, workspace, change string) (err error) {
	from := w.State(workspace)
	if from != StateIdle && from != StatePopped {
		return invalidTransition("prepare", from)
	}
	if change == "" {
		return &Error{Kind: KindInvalidTransition, Op: "prepare", Err: fmt.Errorf("no change to prepare")}
	}

	ctx, span, start := w.begin(ctx, workspace, "prepare", w.runID(workspace))
	span.SetAttributes(attribute.String("change.id", change))
	defer func() { w.end(ctx, span, "prepare", start, err) }()

	branch := w.Branch()
	code, runErr := w.client.Run(ctx, workspace, w.driver.Checkout(branch)...)
	if err := vcs.Check("update", code, runErr); err != nil {
		return classify("update", err)
	}

	code, runErr = w.client.Run(ctx, workspace, w.driver.Merge(change)...)
	if runErr != nil || (code != 0 && !w.driver.IsConflict(code)) {
		return classify("merge", vcs.Check("merge", code, runErr))
	}
	if code != 0 {
		w.metrics.add(ctx, w.metrics.conflicts)
		w.logger.Warn(ctx, "merge conflict",
			zap.String("change", change),
			zap.String("branch", branch),
			zap.Int("exit_code", code))
		w.discardConflict(ctx, workspace, branch)
		w.transition(ctx, workspace, from, &session{
			state:  StatePopped,
			change: change,
			runID:  logging.RunIDFromContext(ctx),
		})
		return &Error{
			Kind: KindMergeConflict,
			Op:   "merge",
			Err:  fmt.Errorf("merging %s into %s: exit code %d", change, branch, code),
		}
	}

	w.metrics.add(ctx, w.metrics.merges)
	w.transition(ctx, workspace, from, &session{
		state:  StatePrepared,
		change: change,
		runID:  logging.RunIDFromContext(ctx),
	})
	return nil
}

// Finalize commits the prepared merge when o is outcome.Success and
// discards it otherwise. It returns StateSucceeded or StateRolledBack.
// A failing command leaves the workspace as the command left it.
func (w *Workflow) Finalize(ctx context.Context, workspace string, o outcome.Outcome) (result State, err error) {
	s := w.lookup(workspace)
	from := StateIdle
	var change string
	if s != nil {
		from, change = s.state, s.change
		if from != StatePrepared {
			return from, invalidTransition("finalize", from)
		}
	}

	ctx, span, start := w.begin(ctx, workspace, "finalize", w.runID(workspace))
	span.SetAttributes(attribute.String("outcome", o.String()))
	if change != "" {
		span.SetAttributes(attribute.String("change.id", change))
	}
	defer func() { w.end(ctx, span, "finalize", start, err) }()

	if o == outcome.Success {
		code, runErr := w.client.Run(ctx, workspace, w.driver.Commit(w.message)...)
		if err := vcs.Check("commit", code, runErr); err != nil {
			return from, classify("commit", err)
		}
		w.metrics.add(ctx, w.metrics.commits)
		w.logger.Info(ctx, "integrated change",
			zap.String("change", change),
			zap.String("branch", w.Branch()),
			zap.String("message", w.message))
		result = StateSucceeded
	} else {
		code, runErr := w.client.Run(ctx, workspace, w.driver.Rollback(w.Branch())...)
		if err := vcs.Check("rollback", code, runErr); err != nil {
			return from, classify("rollback", err)
		}
		w.metrics.add(ctx, w.metrics.rollbacks)
		w.logger.Info(ctx, "rolled back change",
			zap.String("change", change),
			zap.String("branch", w.Branch()))
		result = StateRolledBack
	}

	w.transition(ctx, workspace, from, nil)
	return result, nil
}

// FinalizeResult finalizes workspace with the outcome the success policy
// assigns to a build result.
func (w *Workflow) FinalizeResult(ctx context.Context, workspace string, r outcome.Result) (State, error) {
	o, err := w.policy.Evaluate(r)
	if err != nil {
		return w.State(workspace), &Error{Kind: KindConfiguration, Op: "finalize", Err: err}
	}
	w.logger.Debug(logging.WithWorkspace(ctx, workspace), "evaluated build result",
		zap.String("result", string(r)),
		zap.String("outcome", o.String()),
		zap.String("policy", w.policy.Source()))
	return w.Finalize(ctx, workspace, o)
}

// Cycle checks for work, pops the next change and prepares it.
func (w *Workflow) Cycle(ctx context.Context, workspace string) Result {
	runID := w.newRunID()
	ctx, span, start := w.begin(ctx, workspace, "cycle", runID)
	res := w.cycle(ctx, workspace)
	res.RunID = runID
	span.SetAttributes(attribute.String("result", res.Kind.String()))
	w.end(ctx, span, "cycle", start, res.Err)
	return res
}

func (w *Workflow) cycle(ctx context.Context, workspace string) Result {
	has, err := w.HasPendingWork(ctx, workspace)
	if err != nil {
		return Result{Kind: ResultFailure, Err: err}
	}
	if !has {
		return Result{Kind: ResultNoWork}
	}

	change, ok, err := w.PopNext(ctx, workspace)
	if err != nil {
		return Result{Kind: ResultFailure, Err: err}
	}
	if !ok {
		return Result{Kind: ResultNoWork}
	}

	if err := w.Prepare(ctx, workspace, change); err != nil {
		return Result{Kind: ResultFailure, Change: change, Err: err}
	}
	return Result{Kind: ResultPending, Change: change}
}

// CommitFromDate returns the first change committed after t.
func (w *Workflow) CommitFromDate(ctx context.Context, workspace string, t time.Time) (string, bool, error) {
	ctx = logging.WithWorkspace(ctx, workspace)
	code, out, err := w.client.Output(ctx, workspace, w.driver.CommitFromDate(t)...)
	if err := vcs.Check("log", code, err); err != nil {
		return "", false, classify("log", err)
	}
	id := vcs.FirstLine(out)
	return id, id != "", nil
}

// discardConflict rolls back a merge that stopped on conflicts. Failures
// are logged; the conflict is what the caller needs to hear about.
func (w *Workflow) discardConflict(ctx context.Context, workspace, branch string) {
	code, err := w.client.Run(ctx, workspace, w.driver.Rollback(branch)...)
	if err := vcs.Check("rollback", code, err); err != nil {
		w.logger.Error(ctx, "failed to discard conflicting merge", zap.Error(err))
	}
}

func (w *Workflow) lookup(workspace string) *session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessions[workspace]
}

func (w *Workflow) runID(workspace string) string {
	if s := w.lookup(workspace); s != nil && s.runID != "" {
		return s.runID
	}
	return ""
}

// transition records the new session of workspace (nil for Idle) and logs
// the state change.
func (w *Workflow) transition(ctx context.Context, workspace string, from State, next *session) {
	w.mu.Lock()
	if next == nil {
		delete(w.sessions, workspace)
	} else {
		w.sessions[workspace] = next
	}
	w.mu.Unlock()

	to := StateIdle
	fields := []zap.Field{zap.String("from", from.String())}
	if next != nil {
		to = next.state
		if next.change != "" {
			fields = append(fields, zap.String("change", next.change))
		}
	}
	fields = append(fields, zap.String("to", to.String()))
	w.logger.Debug(ctx, "state transition", fields...)
}

// begin decorates ctx with the workspace and run id and starts a span.
// A run id already in ctx wins over runID; if both are empty a new one is
// allocated.
func (w *Workflow) begin(ctx context.Context, workspace, op, runID string) (context.Context, trace.Span, time.Time) {
	if id := logging.RunIDFromContext(ctx); id != "" {
		runID = id
	} else if runID == "" {
		runID = w.newRunID()
	}
	ctx = logging.WithRunID(logging.WithWorkspace(ctx, workspace), runID)
	ctx, span := w.tracer.Start(ctx, "integration."+op, trace.WithAttributes(
		attribute.String("workspace", workspace),
		attribute.String("vcs.kind", w.driver.Kind()),
		attribute.String("run.id", runID),
	))
	return ctx, span, time.Now()
}

func (w *Workflow) end(ctx context.Context, span trace.Span, op string, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.kind", KindOf(err).String()))
		w.logger.Error(ctx, op+" failed", zap.Error(err))
	}
	span.End()
	w.metrics.observe(ctx, op, start, err)
}
