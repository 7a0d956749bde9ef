package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	api "github.com/fyrsmithlabs/pretestd/internal/http"
	"github.com/fyrsmithlabs/pretestd/internal/integration"
	"github.com/fyrsmithlabs/pretestd/internal/outcome"
	"github.com/spf13/cobra"
)

func newPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Pull upstream changes and report whether a change is waiting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withWorkflow(cmd, func(ctx context.Context, a *app, ws string, wf *integration.Workflow) error {
				has, err := wf.HasPendingWork(ctx, ws)
				if err != nil {
					return err
				}
				return a.print(api.PendingResponse{Workspace: ws, Pending: has}, "pending work: %s", yesNo(has))
			})
		},
	}
}

func newPopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pop",
		Short: "Hand out the next change and advance the cursor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withWorkflow(cmd, func(ctx context.Context, a *app, ws string, wf *integration.Workflow) error {
				change, ok, err := wf.PopNext(ctx, ws)
				if err != nil {
					return err
				}
				resp := api.PopResponse{Workspace: ws, Popped: ok, Change: change}
				if !ok {
					return a.print(resp, "nothing to do")
				}
				return a.print(resp, "popped %s", change)
			})
		},
	}
}

func newPrepareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prepare <change>",
		Short: "Check out the integration branch and merge a change without committing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkflow(cmd, func(ctx context.Context, a *app, ws string, wf *integration.Workflow) error {
				if err := wf.Prepare(ctx, ws, args[0]); err != nil {
					return err
				}
				resp := api.PrepareResponse{Workspace: ws, Change: args[0], State: wf.State(ws).String()}
				return a.print(resp, "merged %s into %s", args[0], wf.Branch())
			})
		},
	}
}

func newFinalizeCmd() *cobra.Command {
	var outcomeFlag, resultFlag string
	cmd := &cobra.Command{
		Use:   "finalize",
		Short: "Commit the prepared merge after a successful build, or discard it",
		Long: `Finalize the prepared merge.

Pass either the verdict directly with --outcome, or the build result with
--result and let the configured success policy (integration.success_when)
decide.

Examples:
  pretestd finalize --outcome success
  pretestd finalize --result UNSTABLE`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (outcomeFlag == "") == (resultFlag == "") {
				return errors.New("exactly one of --outcome or --result is required")
			}
			return withWorkflow(cmd, func(ctx context.Context, a *app, ws string, wf *integration.Workflow) error {
				var (
					state integration.State
					err   error
				)
				if resultFlag != "" {
					r, perr := outcome.ParseResult(resultFlag)
					if perr != nil {
						return perr
					}
					state, err = wf.FinalizeResult(ctx, ws, r)
				} else {
					o, perr := outcome.ParseOutcome(outcomeFlag)
					if perr != nil {
						return perr
					}
					state, err = wf.Finalize(ctx, ws, o)
				}
				if err != nil {
					return err
				}
				resp := api.FinalizeResponse{Workspace: ws, State: state.String()}
				if state == integration.StateSucceeded {
					return a.print(resp, "committed to %s", wf.Branch())
				}
				return a.print(resp, "rolled back %s", wf.Branch())
			})
		},
	}
	cmd.Flags().StringVar(&outcomeFlag, "outcome", "", "build verdict: success or failure")
	cmd.Flags().StringVar(&resultFlag, "result", "", "build result: SUCCESS, UNSTABLE, FAILURE, NOT_BUILT or ABORTED")
	return cmd
}

func newCycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Pull, pop the next change and merge it, ready for the build",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withWorkflow(cmd, func(ctx context.Context, a *app, ws string, wf *integration.Workflow) error {
				res := wf.Cycle(ctx, ws)
				resp := api.CycleResponse{
					Workspace: ws,
					Result:    res.Kind.String(),
					Change:    res.Change,
					RunID:     res.RunID,
				}
				switch res.Kind {
				case integration.ResultPending:
					return a.print(resp, "merged %s into %s, ready to build", res.Change, wf.Branch())
				case integration.ResultNoWork:
					return a.print(resp, "nothing to do")
				}
				resp.Kind = res.FailureKind().String()
				resp.Error = res.Err.Error()
				if outputJSON {
					_ = a.print(resp, "")
				}
				return res.Err
			})
		},
	}
}

func newCursorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Show or move the workspace cursor",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the last handed-out change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withWorkflow(cmd, func(ctx context.Context, a *app, ws string, wf *integration.Workflow) error {
				id, err := wf.Cursor(ws)
				if err != nil {
					return err
				}
				return a.print(api.CursorResponse{Workspace: ws, Cursor: id, Path: wf.CursorPath(ws)},
					"cursor %s (%s)", id, wf.CursorPath(ws))
			})
		},
	}

	set := &cobra.Command{
		Use:   "set <change>",
		Short: "Move the cursor, e.g. to re-deliver changes after a lost build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setCursor(cmd, args[0])
		},
	}

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Reset the cursor so the next run scans the whole history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return setCursor(cmd, "0")
		},
	}

	cmd.AddCommand(show, set, reset)
	return cmd
}

func setCursor(cmd *cobra.Command, id string) error {
	return withWorkflow(cmd, func(ctx context.Context, a *app, ws string, wf *integration.Workflow) error {
		if err := wf.SetCursor(ctx, ws, id); err != nil {
			return err
		}
		return a.print(api.CursorResponse{Workspace: ws, Cursor: id, Path: wf.CursorPath(ws)}, "cursor set to %s", id)
	})
}

func newCommitFromDateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "commit-from-date <date>",
		Short: "Print the first change committed after a date",
		Long: `Print the first change committed after a date. Useful to seed the cursor
when enabling pretested integration on an existing repository.

Accepted formats: RFC 3339, "2006-01-02 15:04:05" and "2006-01-02" (local time).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseDate(args[0])
			if err != nil {
				return err
			}
			return withWorkflow(cmd, func(ctx context.Context, a *app, ws string, wf *integration.Workflow) error {
				id, ok, err := wf.CommitFromDate(ctx, ws, t)
				if err != nil {
					return err
				}
				resp := struct {
					Workspace string `json:"workspace"`
					Change    string `json:"change,omitempty"`
					Found     bool   `json:"found"`
				}{ws, id, ok}
				if !ok {
					return a.print(resp, "no change after %s", t.Format(time.RFC3339))
				}
				return a.print(resp, "%s", id)
			})
		},
	}
}

var dateLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
