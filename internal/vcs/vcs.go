// Package vcs runs version-control commands for the integration workflow.
//
// The workflow only depends on the narrow Client capability: run a command
// in a working directory and observe its exit code, optionally capturing
// stdout. The command vocabulary of each supported repository type lives
// behind Driver, so the same workflow drives Mercurial and Git workspaces
// and can be tested against a scripted fake (see vcstest).
package vcs

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInterrupted indicates a command was cancelled or timed out
	// before it exited.
	ErrInterrupted = errors.New("command interrupted")

	// ErrNotRepository indicates the workspace is not bound to a
	// supported repository type.
	ErrNotRepository = errors.New("not a supported repository")
)

// Client executes repository commands against a working directory.
//
// A command that runs to completion reports its exit code with a nil
// error, whatever that code is. A non-nil error means the command could
// not be started or did not finish.
type Client interface {
	// Run executes the command and returns its exit code.
	Run(ctx context.Context, dir string, args ...string) (int, error)

	// Output executes the command and returns its exit code and stdout.
	Output(ctx context.Context, dir string, args ...string) (int, []byte, error)
}

// CommandError reports a repository command that failed, either by exiting
// with a non-zero code or by not finishing at all.
type CommandError struct {
	// Op names the attempted operation ("pull", "merge", ...).
	Op string
	// Code is the exit code, or -1 when the command did not finish.
	Code int
	// Err is the cause when the command did not finish.
	Err error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s failed: exit code %d", e.Op, e.Code)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Check turns the result of a Client call into a *CommandError, or nil
// when the command exited with code zero.
func Check(op string, code int, err error) error {
	if err != nil {
		return &CommandError{Op: op, Code: -1, Err: err}
	}
	if code != 0 {
		return &CommandError{Op: op, Code: code}
	}
	return nil
}
