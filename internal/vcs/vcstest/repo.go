// Package vcstest provides an in-memory Mercurial repository that answers
// the command vocabulary of vcs.Mercurial, for testing code that depends
// on vcs.Client without an hg binary.
package vcstest

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Commit is one changeset of the fake repository.
type Commit struct {
	ID      string
	Branch  string
	Message string
	Parents []string
	Date    time.Time
}

// State is the working copy of the fake repository.
type State struct {
	// Parent is the checked out changeset.
	Parent string
	// Branch is the branch of Parent.
	Branch string
	// Merging is the second parent of an uncommitted merge, or "".
	Merging string
}

// Repo is a scripted Mercurial repository. It is safe for concurrent use.
type Repo struct {
	mu        sync.Mutex
	commits   []Commit
	upstream  []Commit
	work      State
	conflicts map[string]bool
	exits     map[string]int
	errs      map[string]error
	calls     [][]string
	seq       int
	epoch     time.Time
}

var (
	rangeLog = regexp.MustCompile(`^reverse\(not branch\("(.*)"\) and (.+):tip\)$`)
	dateArg  = regexp.MustCompile(`^>(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})$`)
)

// NewRepo returns a repository holding a single root commit on "default",
// checked out.
func NewRepo() *Repo {
	r := &Repo{
		conflicts: make(map[string]bool),
		exits:     make(map[string]int),
		errs:      make(map[string]error),
		epoch:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	root := r.newCommit("default", "root", nil)
	r.commits = append(r.commits, root)
	r.work = State{Parent: root.ID, Branch: root.Branch}
	return r
}

// AddCommit appends a commit on branch and returns its id.
func (r *Repo) AddCommit(branch string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.newCommit(branch, "change on "+branch, nil)
	r.commits = append(r.commits, c)
	return c.ID
}

// AddUpstream queues a commit on branch that only becomes visible after
// the next pull.
func (r *Repo) AddUpstream(branch string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.newCommit(branch, "upstream change on "+branch, nil)
	r.upstream = append(r.upstream, c)
	return c.ID
}

// Conflict makes merging id fail with exit code 1.
func (r *Repo) Conflict(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts[id] = true
}

// SetExit forces every invocation of cmd ("pull", "update", ...) to exit
// with code without changing the repository.
func (r *Repo) SetExit(cmd string, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exits[cmd] = code
}

// SetError makes every invocation of cmd fail with err.
func (r *Repo) SetError(cmd string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[cmd] = err
}

// Reset clears forced exit codes and errors.
func (r *Repo) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exits = make(map[string]int)
	r.errs = make(map[string]error)
}

// Calls returns every command received, without global flags.
func (r *Repo) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallsTo returns the commands whose name is cmd.
func (r *Repo) CallsTo(cmd string) [][]string {
	var out [][]string
	for _, c := range r.Calls() {
		if len(c) > 0 && c[0] == cmd {
			out = append(out, c)
		}
	}
	return out
}

// Working returns the current working copy state.
func (r *Repo) Working() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.work
}

// Commits returns all visible commits in revision order.
func (r *Repo) Commits() []Commit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Commit(nil), r.commits...)
}

// Tip returns the newest commit on branch.
func (r *Repo) Tip(branch string) (Commit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tip(branch)
}

// Run implements vcs.Client.
func (r *Repo) Run(ctx context.Context, dir string, args ...string) (int, error) {
	code, _, err := r.Output(ctx, dir, args...)
	return code, err
}

// Output implements vcs.Client.
func (r *Repo) Output(ctx context.Context, _ string, args ...string) (int, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(args) > 0 && args[0] == "--debug" {
		args = args[1:]
	}
	r.calls = append(r.calls, append([]string(nil), args...))

	if err := ctx.Err(); err != nil {
		return -1, nil, err
	}
	if len(args) == 0 {
		return 255, nil, nil
	}
	if err, ok := r.errs[args[0]]; ok {
		return -1, nil, err
	}
	if code, ok := r.exits[args[0]]; ok {
		return code, nil, nil
	}

	switch args[0] {
	case "pull":
		r.commits = append(r.commits, r.upstream...)
		r.upstream = nil
		return 0, nil, nil
	case "log":
		return r.log(args[1:])
	case "update":
		return r.update(args[1:]), nil, nil
	case "merge":
		return r.merge(args[1:]), nil, nil
	case "commit":
		return r.commit(args[1:]), nil, nil
	}
	return 255, nil, nil
}

func (r *Repo) log(args []string) (int, []byte, error) {
	var revset, date string
	for i := 0; i+1 < len(args); i++ {
		switch args[i] {
		case "-r":
			revset = args[i+1]
		case "--date":
			date = args[i+1]
		}
	}

	if m := rangeLog.FindStringSubmatch(revset); m != nil {
		start, ok := r.revIndex(m[2])
		if !ok {
			return 255, nil, nil
		}
		var b strings.Builder
		for i := len(r.commits) - 1; i >= start; i-- {
			if r.commits[i].Branch != m[1] {
				b.WriteString(r.commits[i].ID + "\n")
			}
		}
		return 0, []byte(b.String()), nil
	}

	if revset == "0:tip" && date != "" {
		m := dateArg.FindStringSubmatch(date)
		if m == nil {
			return 255, nil, nil
		}
		after, err := time.Parse("2006-01-02 15:04:05", m[1])
		if err != nil {
			return 255, nil, nil
		}
		for _, c := range r.commits {
			if c.Date.After(after) {
				return 0, []byte(c.ID), nil
			}
		}
		return 0, nil, nil
	}
	return 255, nil, nil
}

func (r *Repo) update(args []string) int {
	if len(args) == 0 || args[0] != "-C" {
		return 255
	}
	if len(args) == 1 {
		r.work.Merging = ""
		return 0
	}
	tip, ok := r.tip(args[1])
	if !ok {
		return 255
	}
	r.work = State{Parent: tip.ID, Branch: tip.Branch}
	return 0
}

func (r *Repo) merge(args []string) int {
	if len(args) == 0 || r.work.Merging != "" {
		return 255
	}
	idx, ok := r.revIndex(args[0])
	if !ok {
		return 255
	}
	id := r.commits[idx].ID
	r.work.Merging = id
	if r.conflicts[id] {
		return 1
	}
	return 0
}

func (r *Repo) commit(args []string) int {
	if len(args) < 2 || args[0] != "-m" {
		return 255
	}
	if r.work.Merging == "" {
		// nothing changed
		return 1
	}
	if r.conflicts[r.work.Merging] {
		// unresolved merge conflicts
		return 255
	}
	c := r.newCommit(r.work.Branch, args[1], []string{r.work.Parent, r.work.Merging})
	r.commits = append(r.commits, c)
	r.work = State{Parent: c.ID, Branch: c.Branch}
	return 0
}

func (r *Repo) newCommit(branch, message string, parents []string) Commit {
	r.seq++
	return Commit{
		ID:      fmt.Sprintf("%040x", r.seq),
		Branch:  branch,
		Message: message,
		Parents: parents,
		Date:    r.epoch.Add(time.Duration(r.seq) * time.Hour),
	}
}

func (r *Repo) revIndex(rev string) (int, bool) {
	if rev == "0" {
		return 0, true
	}
	for i, c := range r.commits {
		if c.ID == rev {
			return i, true
		}
	}
	return 0, false
}

func (r *Repo) tip(branch string) (Commit, bool) {
	for i := len(r.commits) - 1; i >= 0; i-- {
		if r.commits[i].Branch == branch {
			return r.commits[i], true
		}
	}
	return Commit{}, false
}
