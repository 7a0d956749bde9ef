package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	api "github.com/fyrsmithlabs/pretestd/internal/http"
	"github.com/fyrsmithlabs/pretestd/internal/watch"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var (
		watchDirs []string
		schedule  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the pipeline HTTP API and optionally watch workspaces",
		Long: `Serve the pipeline HTTP API (/api/v1/...), health checks (/health) and
Prometheus metrics (/metrics).

Workspaces given with --watch are cycled automatically when their history
changes or on the configured schedule; the pipeline then builds and calls
/api/v1/finalize.

Examples:
  pretestd serve
  pretestd serve --watch /ci/ws1 --watch /ci/ws2 --schedule "@every 5m"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, watchDirs, schedule)
		},
	}
	cmd.Flags().StringArrayVar(&watchDirs, "watch", nil, "workspace to watch and cycle automatically (repeatable)")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron schedule for watched workspaces (overrides watch.schedule)")
	return cmd
}

// serve runs the HTTP server and the watchers until ctx is done or one of
// them fails.
func (a *app) serve(ctx context.Context, watchDirs []string, schedule string) error {
	srv, err := api.NewServer(a.open, a.logger, api.ConfigFromApp(a.cfg.Server), a.tel)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Build watchers up front so a bad workspace fails before listening.
	watchers := make([]*watch.Watcher, 0, len(watchDirs))
	for _, dir := range watchDirs {
		w, err := a.newWatcher(dir, srv, schedule, nil)
		if err != nil {
			return err
		}
		watchers = append(watchers, w)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	for _, w := range watchers {
		g.Go(func() error { return w.Run(gctx) })
	}

	a.logger.Info(ctx, "pretestd serving",
		zap.String("addr", fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)),
		zap.Strings("watching", watchDirs),
		zap.String("metrics_endpoint", "/metrics"))

	err = g.Wait()
	a.logger.Info(context.Background(), "pretestd stopped")
	return err
}
