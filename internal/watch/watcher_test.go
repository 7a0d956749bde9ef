package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/fyrsmithlabs/pretestd/internal/integration"
	"github.com/fyrsmithlabs/pretestd/internal/logging"
	"github.com/fyrsmithlabs/pretestd/internal/vcs"
	"github.com/fyrsmithlabs/pretestd/internal/vcs/vcstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

type fakeCycler struct {
	mu       sync.Mutex
	calls    int
	triggers []Trigger
	result   integration.Result
}

func (f *fakeCycler) Cycle(context.Context, string) integration.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result
}

func (f *fakeCycler) onResult(_ string, t Trigger, _ integration.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, t)
}

func (f *fakeCycler) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeCycler) Triggers() []Trigger {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Trigger(nil), f.triggers...)
}

// hgWorkspace creates a workspace with an .hg/store directory.
func hgWorkspace(t *testing.T) string {
	t.Helper()
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, ".hg", "store"), 0o755))
	return ws
}

// start runs w until the test ends and waits for it to return.
func start(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

func TestNew(t *testing.T) {
	_, err := New("/ws", ".hg", nil, Options{}, nil)
	assert.ErrorContains(t, err, "cycler cannot be nil")

	_, err = New("/ws", ".hg", &fakeCycler{}, Options{Schedule: "every tuesday"}, nil)
	assert.ErrorContains(t, err, "invalid watch schedule")

	w, err := New("/ws", ".hg", &fakeCycler{}, Options{Schedule: "*/5 * * * *"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, w.opts.MinInterval)
	assert.Equal(t, filepath.Join("/ws", ".hg"), w.controlDir)
	assert.NotNil(t, w.schedule)
}

func TestRelevant(t *testing.T) {
	w, err := New("/ws", ".git", &fakeCycler{}, Options{}, nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		path string
		op   fsnotify.Op
		want bool
	}{
		{"hg changelog", "/ws/.git/store/00changelog.i", fsnotify.Write, true},
		{"git branch ref", "/ws/.git/refs/heads/dev", fsnotify.Create, true},
		{"git remote ref", "/ws/.git/refs/remotes/origin/dev", fsnotify.Rename, true},
		{"nested branch ref", "/ws/.git/refs/heads/feature/x", fsnotify.Write, true},
		{"packed refs", "/ws/.git/packed-refs", fsnotify.Write, true},
		{"cursor file", "/ws/.git/currentBuildFile", fsnotify.Write, false},
		{"cursor temp file", "/ws/.git/currentBuildFile.tmp.123", fsnotify.Create, false},
		{"working copy state", "/ws/.git/index", fsnotify.Write, false},
		{"removal", "/ws/.git/refs/heads/dev", fsnotify.Remove, false},
		{"chmod", "/ws/.git/packed-refs", fsnotify.Chmod, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, w.relevant(fsnotify.Event{Name: tt.path, Op: tt.op}))
		})
	}
}

func TestWatchDirs_NestedRefs(t *testing.T) {
	ws := t.TempDir()
	git := filepath.Join(ws, ".git")
	for _, dir := range []string{"refs/heads/feature", "refs/remotes/origin/team"} {
		require.NoError(t, os.MkdirAll(filepath.Join(git, dir), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(git, "refs", "heads", "master"), []byte("x"), 0o644))

	w, err := New(ws, ".git", &fakeCycler{}, Options{}, nil)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		git,
		filepath.Join(git, "refs", "heads"),
		filepath.Join(git, "refs", "heads", "feature"),
		filepath.Join(git, "refs", "remotes"),
		filepath.Join(git, "refs", "remotes", "origin"),
		filepath.Join(git, "refs", "remotes", "origin", "team"),
	}, w.watchDirs())
}

func TestRun_NestedRemoteRef(t *testing.T) {
	ws := t.TempDir()
	origin := filepath.Join(ws, ".git", "refs", "remotes", "origin")
	require.NoError(t, os.MkdirAll(origin, 0o755))

	fc := &fakeCycler{result: integration.Result{Kind: integration.ResultNoWork}}
	w, err := New(ws, ".git", fc, Options{MinInterval: time.Hour, OnResult: fc.onResult}, nil)
	require.NoError(t, err)
	start(t, w)

	ref := filepath.Join(origin, "dev")
	require.Eventually(t, func() bool {
		_ = os.WriteFile(ref, []byte("a"), 0o644)
		return fc.Calls() >= 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRun_RefDirectoryCreatedLater(t *testing.T) {
	ws := t.TempDir()
	heads := filepath.Join(ws, ".git", "refs", "heads")
	require.NoError(t, os.MkdirAll(heads, 0o755))

	fc := &fakeCycler{result: integration.Result{Kind: integration.ResultNoWork}}
	w, err := New(ws, ".git", fc, Options{MinInterval: time.Millisecond, OnResult: fc.onResult}, nil)
	require.NoError(t, err)
	start(t, w)

	// Creating the directory is itself a change under refs.
	feature := filepath.Join(heads, "feature")
	require.Eventually(t, func() bool {
		_ = os.MkdirAll(feature, 0o755)
		return fc.Calls() >= 1
	}, 2*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	before := fc.Calls()

	// Refs written inside the new directory are seen too.
	ref := filepath.Join(feature, "x")
	i := 0
	require.Eventually(t, func() bool {
		i++
		_ = os.WriteFile(ref, []byte{byte('a' + i%26)}, 0o644)
		return fc.Calls() > before
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRun_NoControlDir(t *testing.T) {
	w, err := New(t.TempDir(), ".hg", &fakeCycler{}, Options{}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, w.Run(context.Background()), ErrWatcherFailed)
}

func TestRun_StartupCycle(t *testing.T) {
	fc := &fakeCycler{result: integration.Result{Kind: integration.ResultNoWork}}
	w, err := New(hgWorkspace(t), ".hg", fc, Options{RunOnStart: true, OnResult: fc.onResult}, nil)
	require.NoError(t, err)
	start(t, w)

	require.Eventually(t, func() bool { return fc.Calls() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(fc.Triggers()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []Trigger{TriggerStartup}, fc.Triggers())
}

func TestRun_FilesystemTrigger(t *testing.T) {
	ws := hgWorkspace(t)
	fc := &fakeCycler{result: integration.Result{Kind: integration.ResultNoWork}}
	w, err := New(ws, ".hg", fc, Options{MinInterval: time.Hour, OnResult: fc.onResult}, nil)
	require.NoError(t, err)
	start(t, w)

	// Keep writing until the watcher has registered and picked it up.
	changelog := filepath.Join(ws, ".hg", "store", "00changelog.i")
	require.Eventually(t, func() bool {
		_ = os.WriteFile(changelog, []byte("a"), 0o644)
		return fc.Calls() >= 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		tr := fc.Triggers()
		return len(tr) == 1 && tr[0] == TriggerFilesystem
	}, time.Second, 10*time.Millisecond)

	// Further changes within the interval are deferred, not run.
	require.NoError(t, os.WriteFile(changelog, []byte("ab"), 0o644))
	require.NoError(t, os.WriteFile(changelog, []byte("abc"), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, fc.Calls())
	assert.True(t, w.deferred.Load())
}

func TestRun_Schedule(t *testing.T) {
	fc := &fakeCycler{result: integration.Result{Kind: integration.ResultNoWork}}
	w, err := New(hgWorkspace(t), ".hg", fc, Options{Schedule: "@every 1s", OnResult: fc.onResult}, nil)
	require.NoError(t, err)
	start(t, w)

	require.Eventually(t, func() bool { return fc.Calls() >= 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Contains(t, fc.Triggers(), TriggerSchedule)
}

func TestRun_DrivesWorkflow(t *testing.T) {
	ws := hgWorkspace(t)
	repo := vcstest.NewRepo()
	c1 := repo.AddCommit("dev")
	wf, err := integration.New(repo, vcs.NewMercurial("", false), integration.Options{}, nil, nil)
	require.NoError(t, err)

	tl := logging.NewTestLogger()
	results := make(chan integration.Result, 4)
	w, err := New(ws, ".hg", wf, Options{
		RunOnStart: true,
		OnResult:   func(_ string, _ Trigger, res integration.Result) { results <- res },
	}, tl.Logger)
	require.NoError(t, err)
	start(t, w)

	res := <-results
	require.True(t, res.Pending(), "cycle: %v", res.Err)
	assert.Equal(t, c1, res.Change)
	tl.AssertField(t, "change prepared, waiting for build", "change", c1)

	// A second trigger finds the workspace waiting for its build.
	w.kick(TriggerSchedule)
	res = <-results
	assert.Equal(t, integration.KindInvalidTransition, res.FailureKind())
	tl.AssertLogged(t, zapcore.DebugLevel, "workspace busy")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "cycle failed")
}
