package vcs

import (
	"time"

	"github.com/fyrsmithlabs/pretestd/internal/config"
	"github.com/fyrsmithlabs/pretestd/internal/cursor"
)

// Git drives git workspaces.
type Git struct {
	exe           string
	defaultBranch string
}

// NewGit returns a Git driver. An empty exe selects "git" and an empty
// defaultBranch selects "master".
func NewGit(exe, defaultBranch string) *Git {
	if exe == "" {
		exe = "git"
	}
	if defaultBranch == "" {
		defaultBranch = "master"
	}
	return &Git{exe: exe, defaultBranch: defaultBranch}
}

func (g *Git) Kind() string          { return config.KindGit }
func (g *Git) ControlDir() string    { return ".git" }
func (g *Git) Exe() string           { return g.exe }
func (g *Git) GlobalArgs() []string  { return nil }
func (g *Git) DefaultBranch() string { return g.defaultBranch }

// NativeSelection is newest: rev-list prints newest first.
func (g *Git) NativeSelection() string { return config.SelectionNewest }

// IsConflict reports exit code 1. Fatal errors such as an unknown revision
// or a missing identity exit with 128.
func (g *Git) IsConflict(code int) bool { return code == 1 }

func (g *Git) Pull() []string {
	return []string{"fetch", "--all", "--prune"}
}

// ListCandidates lists commits reachable from any local or remote branch
// except branch itself, excluding everything already on branch and
// everything the cursor contains. The range is bounded by reachability,
// not commit date, so a backdated commit pushed after the cursor was
// written is still a candidate.
func (g *Git) ListCandidates(branch, cur string) []string {
	args := []string{
		"rev-list", "--date-order",
		"--exclude=" + branch, "--branches",
		"--exclude=*/" + branch, "--remotes",
		"^" + branch,
	}
	if cur != "" && !cursor.IsSentinel(cur) {
		args = append(args, "^"+cur)
	}
	return append(args, "--")
}

// ParseCandidates returns the listing as is; ListCandidates already
// excludes the cursor and its ancestors.
func (g *Git) ParseCandidates(out []byte, _ string) []string {
	return splitLines(out)
}

func (g *Git) Checkout(branch string) []string {
	return []string{"checkout", "-f", branch}
}

func (g *Git) Merge(change string) []string {
	return []string{"merge", "--no-ff", "--no-commit", change}
}

func (g *Git) Commit(message string) []string {
	return []string{"commit", "-m", message}
}

// Rollback resets the working copy to the branch head, which also aborts
// an in-progress merge.
func (g *Git) Rollback(string) []string {
	return []string{"reset", "--hard", "HEAD"}
}

func (g *Git) CommitFromDate(t time.Time) []string {
	return []string{"log", "--all", "--reverse", "--since=" + t.Format(time.RFC3339), "--format=%H"}
}
