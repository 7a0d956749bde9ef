package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/pretestd/internal/config"
	"github.com/fyrsmithlabs/pretestd/internal/integration"
	"github.com/fyrsmithlabs/pretestd/internal/logging"
	"github.com/fyrsmithlabs/pretestd/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// prefix marks human-readable output lines.
const prefix = "[PREINT]"

// app holds the dependencies shared by all commands.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	tel    *telemetry.Telemetry
	out    io.Writer
}

// newApp loads configuration and initializes logging and telemetry.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, &integration.Error{Kind: integration.KindConfiguration, Op: "configure", Err: err}
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	tel, err := telemetry.New(cmd.Context(), telemetry.FromAppConfig(cfg.Telemetry))
	if err != nil {
		return nil, &integration.Error{Kind: integration.KindConfiguration, Op: "configure", Err: err}
	}

	logCfg, err := logging.FromAppConfig(cfg.Logging, false)
	if err != nil {
		return nil, &integration.Error{Kind: integration.KindConfiguration, Op: "configure", Err: err}
	}
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if degraded, reasons := tel.Degraded(); degraded {
		logger.Warn(cmd.Context(), "telemetry degraded", zap.Strings("reasons", reasons))
	}

	return &app{cfg: cfg, logger: logger, tel: tel, out: cmd.OutOrStdout()}, nil
}

// Close flushes telemetry and logs.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
	}
	_ = a.logger.Sync() // Best-effort sync on shutdown
}

// workspace returns the absolute workspace directory.
func workspace() (string, error) {
	dir := workspaceDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolving working directory: %w", err)
		}
		dir = wd
	}
	return filepath.Abs(dir)
}

// open binds a workflow to a workspace.
func (a *app) open(ws string) (*integration.Workflow, error) {
	return integration.Open(ws, a.cfg, a.logger, a.tel)
}

// withWorkflow runs fn with the workflow of the selected workspace.
func withWorkflow(cmd *cobra.Command, fn func(ctx context.Context, a *app, ws string, wf *integration.Workflow) error) error {
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
	return fn(logging.WithWorkspace(cmd.Context(), ws), a, ws, wf)
}

// print writes v as JSON with --json and the [PREINT] line otherwise.
func (a *app) print(v interface{}, format string, args ...interface{}) error {
	return printResult(a.out, outputJSON, v, format, args...)
}

func printResult(w io.Writer, asJSON bool, v interface{}, format string, args ...interface{}) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintf(w, prefix+" "+format+"\n", args...)
	return err
}
