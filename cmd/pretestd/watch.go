package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	api "github.com/fyrsmithlabs/pretestd/internal/http"
	"github.com/fyrsmithlabs/pretestd/internal/integration"
	"github.com/fyrsmithlabs/pretestd/internal/watch"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	var schedule string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Cycle the workspace whenever its history changes",
		Long: `Watch the workspace and run a cycle at startup, whenever new history
arrives in the repository, and on the configured schedule. Each prepared
change is reported on stdout; finalize it with "pretestd finalize" once the
build has run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ws, err := workspace()
			if err != nil {
				return err
			}
			wf, err := a.open(ws)
			if err != nil {
				return err
			}

			report := func(ws string, trigger watch.Trigger, res integration.Result) {
				resp := api.CycleResponse{Workspace: ws, Result: res.Kind.String(), Change: res.Change, RunID: res.RunID}
				if res.Pending() {
					_ = a.print(resp, "merged %s into %s, ready to build (%s)", res.Change, wf.Branch(), trigger)
				}
			}
			w, err := a.newWatcher(ws, wf, schedule, report)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return w.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron schedule (overrides watch.schedule)")
	return cmd
}

// newWatcher creates a watcher for dir that runs cycles through cycler.
func (a *app) newWatcher(dir string, cycler watch.Cycler, schedule string, onResult func(string, watch.Trigger, integration.Result)) (*watch.Watcher, error) {
	ws, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	// Opening validates the workspace and tells us where its metadata lives.
	wf, err := a.open(ws)
	if err != nil {
		return nil, err
	}
	if schedule == "" {
		schedule = a.cfg.Watch.Schedule
	}
	return watch.New(ws, wf.ControlDir(), cycler, watch.Options{
		Schedule:    schedule,
		MinInterval: a.cfg.Watch.MinInterval.Duration(),
		RunOnStart:  true,
		OnResult:    onResult,
	}, a.logger)
}
