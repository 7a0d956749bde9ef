// Package logging provides structured logging for pretestd.
//
// # Overview
//
// The package wraps Zap with:
//   - A custom Trace level (-2, below Debug) used for raw command output
//   - Console output on stderr, optionally teed to OpenTelemetry
//   - Automatic context field injection (trace_id, workspace, run.id)
//   - Credential redaction for repository URLs passed on command lines
//   - Level-aware sampling (errors never sampled)
//
// # Usage
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithWorkspace(ctx, "/var/lib/ci/ws/app")
//	ctx = logging.WithRunID(ctx, runID)
//	logger.Info(ctx, "merge prepared", zap.String("change", id))
//
// Stdout is left to command output (the popped change id, JSON results),
// which is why the console core writes to stderr.
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "cursor advanced")
//	tl.AssertLogged(t, zapcore.InfoLevel, "cursor advanced")
package logging
