package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/fyrsmithlabs/pretestd/internal/logging"
	"go.uber.org/zap"
)

// ExecClient runs commands with a local executable.
type ExecClient struct {
	exe     string
	prefix  []string
	timeout time.Duration
	logger  *logging.Logger
}

// NewExecClient creates a client for exe. prefix is prepended to every
// command (for example "--debug"). A zero timeout means commands run until
// they exit or ctx is cancelled.
func NewExecClient(exe string, prefix []string, timeout time.Duration, logger *logging.Logger) *ExecClient {
	if logger == nil {
		logger = logging.Nop()
	}
	return &ExecClient{
		exe:     exe,
		prefix:  prefix,
		timeout: timeout,
		logger:  logger,
	}
}

// Exe returns the executable this client runs.
func (c *ExecClient) Exe() string {
	return c.exe
}

// Run implements Client.
func (c *ExecClient) Run(ctx context.Context, dir string, args ...string) (int, error) {
	code, _, err := c.exec(ctx, dir, args)
	return code, err
}

// Output implements Client.
func (c *ExecClient) Output(ctx context.Context, dir string, args ...string) (int, []byte, error) {
	return c.exec(ctx, dir, args)
}

func (c *ExecClient) exec(ctx context.Context, dir string, args []string) (int, []byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	full := append(append([]string{}, c.prefix...), args...)
	cmd := exec.CommandContext(ctx, c.exe, full...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug(ctx, "running command",
		zap.String("exe", c.exe),
		logging.Args("args", full),
		zap.String("dir", dir))

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		c.logger.Warn(ctx, "command interrupted",
			zap.String("exe", c.exe),
			logging.Args("args", full),
			zap.Duration("elapsed", elapsed),
			zap.Error(ctxErr))
		return -1, nil, fmt.Errorf("%w: %s %s: %v", ErrInterrupted, c.exe, firstArg(args), ctxErr)
	}

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return -1, nil, fmt.Errorf("starting %s: %w", c.exe, err)
		}
		code = exitErr.ExitCode()
	}

	fields := []zap.Field{
		zap.String("exe", c.exe),
		logging.Args("args", full),
		zap.Int("exit_code", code),
		zap.Duration("elapsed", elapsed),
	}
	if code != 0 {
		fields = append(fields, zap.String("stderr", strings.TrimSpace(stderr.String())))
	}
	c.logger.Debug(ctx, "command finished", fields...)
	c.logger.Trace(ctx, "command output", zap.ByteString("stdout", stdout.Bytes()))

	return code, stdout.Bytes(), nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
