package vcs

import (
	"bufio"
	"bytes"
	"strings"
	"time"
)

// Driver builds the command lines for one repository type and parses
// their output. Drivers never execute anything themselves.
type Driver interface {
	// Kind is the configured name of the repository type ("hg", "git").
	Kind() string
	// ControlDir is the workspace subdirectory owned by the VCS, where the
	// cursor file is kept.
	ControlDir() string
	// Exe is the executable to run.
	Exe() string
	// GlobalArgs precede every command.
	GlobalArgs() []string
	// DefaultBranch is the integration branch used when none is configured.
	DefaultBranch() string
	// NativeSelection is the selection order matching the first line of
	// the VCS's own candidate listing.
	NativeSelection() string

	// Pull fetches upstream changes without touching the working copy.
	Pull() []string
	// ListCandidates lists changes off the integration branch from cursor
	// up to the tip.
	ListCandidates(branch, cursor string) []string
	// ParseCandidates turns ListCandidates output into identifiers,
	// newest first. When the cursor itself is listed it is the last entry.
	ParseCandidates(out []byte, cursor string) []string
	// IsConflict reports whether a non-zero merge exit code means the merge
	// stopped on conflicts, as opposed to aborting.
	IsConflict(code int) bool
	// Checkout switches to branch, discarding local modifications.
	Checkout(branch string) []string
	// Merge merges change into the working copy without committing.
	Merge(change string) []string
	// Commit records the pending merge.
	Commit(message string) []string
	// Rollback discards an uncommitted merge.
	Rollback(branch string) []string
	// CommitFromDate lists the first change committed after t.
	CommitFromDate(t time.Time) []string
}

// splitLines returns the non-empty trimmed lines of out.
func splitLines(out []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// FirstLine returns the first non-empty line of out, or "".
func FirstLine(out []byte) string {
	lines := splitLines(out)
	if len(lines) == 0 {
		return ""
	}
	return lines[0]
}

// cutAtCursor keeps the entries of a newest-first listing down to and
// including cursor. A listing that does not contain cursor is returned
// unchanged.
func cutAtCursor(ids []string, cursor string) []string {
	for i, id := range ids {
		if id == cursor {
			return ids[:i+1]
		}
	}
	return ids
}
