package vcs

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/pretestd/internal/config"
)

// hgDateLayout is the format accepted by hg's --date option.
const hgDateLayout = "2006-01-02 15:04:05"

// Mercurial drives hg workspaces.
type Mercurial struct {
	exe   string
	debug bool
}

// NewMercurial returns a Mercurial driver. An empty exe selects "hg".
func NewMercurial(exe string, debug bool) *Mercurial {
	if exe == "" {
		exe = "hg"
	}
	return &Mercurial{exe: exe, debug: debug}
}

func (m *Mercurial) Kind() string          { return config.KindMercurial }
func (m *Mercurial) ControlDir() string    { return ".hg" }
func (m *Mercurial) Exe() string           { return m.exe }
func (m *Mercurial) DefaultBranch() string { return "default" }

// NativeSelection is oldest: hg prints a revision range in ascending order.
func (m *Mercurial) NativeSelection() string { return config.SelectionOldest }

// IsConflict reports exit code 1, which hg merge uses for unresolved
// files. Aborts exit with 255.
func (m *Mercurial) IsConflict(code int) bool { return code == 1 }

func (m *Mercurial) GlobalArgs() []string {
	if m.debug {
		return []string{"--debug"}
	}
	return nil
}

func (m *Mercurial) Pull() []string {
	return []string{"pull"}
}

// ListCandidates selects revisions off branch in the inclusive range
// cursor:tip. The sentinel cursor "0" is revision zero, so the first run
// covers the whole history. Revision numbers follow local arrival order,
// so a change pulled after the cursor was written is always in range. The
// revset is reversed so hg prints newest first.
func (m *Mercurial) ListCandidates(branch, cursor string) []string {
	revset := fmt.Sprintf("reverse(not branch(%s) and %s:tip)", hgQuote(branch), cursor)
	return []string{"log", "-r", revset, "--template", "{node}\\n"}
}

func (m *Mercurial) ParseCandidates(out []byte, cursor string) []string {
	return cutAtCursor(splitLines(out), cursor)
}

func (m *Mercurial) Checkout(branch string) []string {
	return []string{"update", "-C", branch}
}

func (m *Mercurial) Merge(change string) []string {
	return []string{"merge", change, "--tool", "internal:merge"}
}

func (m *Mercurial) Commit(message string) []string {
	return []string{"commit", "-m", message}
}

// Rollback updates back to the working copy's first parent, which drops
// the second parent of an uncommitted merge.
func (m *Mercurial) Rollback(string) []string {
	return []string{"update", "-C"}
}

func (m *Mercurial) CommitFromDate(t time.Time) []string {
	return []string{"log", "-r", "0:tip", "-l1", "--date", ">" + t.Format(hgDateLayout), "--template", "{node}"}
}

// hgQuote quotes a branch name for use inside a revset.
func hgQuote(branch string) string {
	return fmt.Sprintf("%q", branch)
}
