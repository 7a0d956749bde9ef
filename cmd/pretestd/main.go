// Package main implements the pretestd CLI, which drives pretested
// integration of a Mercurial or Git workspace from a build pipeline.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fyrsmithlabs/pretestd/internal/integration"
	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

// Exit codes beyond 1 let pipeline scripts branch on the error kind.
const (
	exitError             = 1
	exitConfiguration     = 2
	exitMergeConflict     = 3
	exitInvalidTransition = 4
)

var (
	configPath   string
	workspaceDir string
	logLevel     string
	outputJSON   bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s error: %v\n", prefix, err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pretestd",
		Short: "Pretested integration for Mercurial and Git workspaces",
		Long: `pretestd merges candidate changes into an integration branch, lets the
pipeline build the merged result, and commits it only when the build succeeds.

A typical pipeline runs:
  pretestd cycle              # pull, pick the next change, merge it
  <build and test>
  pretestd finalize --result SUCCESS

Logs go to stderr; results are printed to stdout prefixed with [PREINT],
or as JSON with --json.`,
		Version:       fmt.Sprintf("%s (%s)", version, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default ~/.config/pretestd/config.yaml)")
	pf.StringVarP(&workspaceDir, "workspace", "w", "", "workspace directory (default current directory)")
	pf.StringVar(&logLevel, "log-level", "", "override the configured log level")
	pf.BoolVar(&outputJSON, "json", false, "print results as JSON")

	root.AddCommand(
		newPendingCmd(),
		newPopCmd(),
		newPrepareCmd(),
		newFinalizeCmd(),
		newCycleCmd(),
		newCursorCmd(),
		newCommitFromDateCmd(),
		newServeCmd(),
		newWatchCmd(),
	)
	return root
}

// exitCode maps an error to the process exit code.
func exitCode(err error) int {
	switch {
	case errors.Is(err, integration.ErrMergeConflict):
		return exitMergeConflict
	case errors.Is(err, integration.ErrInvalidTransition):
		return exitInvalidTransition
	case errors.Is(err, integration.ErrConfiguration):
		return exitConfiguration
	}
	return exitError
}
