package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/fyrsmithlabs/pretestd/internal/config"
	"github.com/fyrsmithlabs/pretestd/internal/cursor"
	"github.com/fyrsmithlabs/pretestd/internal/logging"
	"github.com/fyrsmithlabs/pretestd/internal/vcs"
	"github.com/fyrsmithlabs/pretestd/internal/vcs/vcstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

type fixture struct {
	repo    *vcstest.Repo
	cursors *cursor.Store
	ws      string
	logger  *logging.TestLogger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cursors, err := cursor.NewStore(".hg")
	require.NoError(t, err)
	return &fixture{
		repo:    vcstest.NewRepo(),
		cursors: cursors,
		ws:      t.TempDir(),
		logger:  logging.NewTestLogger(),
	}
}

func (f *fixture) discoverer(t *testing.T, selection string) *Discoverer {
	t.Helper()
	d, err := New(f.repo, vcs.NewMercurial("", false), f.cursors, Options{Selection: selection}, f.logger.Logger)
	require.NoError(t, err)
	return d
}

func (f *fixture) cursor(t *testing.T) string {
	t.Helper()
	id, err := f.cursors.Read(f.ws)
	require.NoError(t, err)
	return id
}

func TestNew(t *testing.T) {
	f := newFixture(t)
	d := f.discoverer(t, "")
	assert.Equal(t, "default", d.Branch())
	assert.Equal(t, config.SelectionOldest, d.Selection())

	d, err := New(f.repo, vcs.NewGit("", ""), f.cursors, Options{Selection: config.SelectionNative}, nil)
	require.NoError(t, err)
	assert.Equal(t, config.SelectionNewest, d.Selection())

	d, err = New(f.repo, vcs.NewMercurial("", false), f.cursors, Options{Branch: "stable"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "stable", d.Branch())

	_, err = New(f.repo, vcs.NewMercurial("", false), f.cursors, Options{Selection: "random"}, nil)
	assert.Error(t, err)

	_, err = New(nil, vcs.NewMercurial("", false), f.cursors, Options{}, nil)
	assert.Error(t, err)
}

func TestSingleChangeScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.discoverer(t, config.SelectionNewest)
	c1 := f.repo.AddCommit("dev")

	has, err := d.HasPending(ctx, f.ws)
	require.NoError(t, err)
	assert.True(t, has)
	assert.Equal(t, cursor.Sentinel, f.cursor(t))

	change, ok, err := d.Pop(ctx, f.ws)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c1, change)
	assert.Equal(t, c1, f.cursor(t))

	has, err = d.HasPending(ctx, f.ws)
	require.NoError(t, err)
	assert.False(t, has)

	_, ok, err = d.Pop(ctx, f.ws)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, c1, f.cursor(t))
}

func TestHasPending_SentinelAlwaysPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.discoverer(t, "")

	// Nothing off the integration branch yet, but nothing was ever
	// integrated either.
	has, err := d.HasPending(ctx, f.ws)
	require.NoError(t, err)
	assert.True(t, has)

	_, ok, err := d.Pop(ctx, f.ws)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, cursor.Sentinel, f.cursor(t))
}

func TestHasPending_DoesNotMutateCursor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.discoverer(t, "")
	f.repo.AddCommit("dev")
	f.repo.AddCommit("dev")

	for i := 0; i < 2; i++ {
		has, err := d.HasPending(ctx, f.ws)
		require.NoError(t, err)
		assert.True(t, has)
		assert.Equal(t, cursor.Sentinel, f.cursor(t))
	}
	assert.Len(t, f.repo.CallsTo("pull"), 2)
	assert.Empty(t, f.repo.CallsTo("update"))
}

func TestPop_SelectionOrder(t *testing.T) {
	tests := []struct {
		name      string
		selection string
		// indexes into the created changes, in pop order
		want []int
	}{
		{"newest takes the first listed change and skips older ones", config.SelectionNewest, []int{2}},
		{"oldest drains in commit order", config.SelectionOldest, []int{0, 1, 2}},
		{"native drains hg in revision order", config.SelectionNative, []int{0, 1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			d := f.discoverer(t, tt.selection)
			changes := []string{
				f.repo.AddCommit("dev"),
				f.repo.AddCommit("feature"),
				f.repo.AddCommit("dev"),
			}

			var popped []string
			for {
				change, ok, err := d.Pop(ctx, f.ws)
				require.NoError(t, err)
				if !ok {
					break
				}
				popped = append(popped, change)
				require.Less(t, len(popped), 10, "pop did not terminate")
			}

			var want []string
			for _, i := range tt.want {
				want = append(want, changes[i])
			}
			assert.Equal(t, want, popped)
		})
	}
}

func TestPop_IgnoresIntegrationBranch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.discoverer(t, config.SelectionOldest)
	dev := f.repo.AddCommit("dev")
	f.repo.AddCommit("default")

	change, ok, err := d.Pop(ctx, f.ws)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, dev, change)

	candidates, err := d.Candidates(ctx, f.ws)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestHasPending_PullsUpstream(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.discoverer(t, "")
	c1 := f.repo.AddCommit("dev")

	_, _, err := d.Pop(ctx, f.ws)
	require.NoError(t, err)

	c2 := f.repo.AddUpstream("dev")
	has, err := d.HasPending(ctx, f.ws)
	require.NoError(t, err)
	assert.True(t, has)

	change, ok, err := d.Pop(ctx, f.ws)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c2, change)
	assert.NotEqual(t, c1, change)
}

func TestHasPending_PullExitCodeIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.discoverer(t, "")
	f.repo.AddCommit("dev")
	f.repo.SetExit("pull", 255)

	has, err := d.HasPending(ctx, f.ws)
	require.NoError(t, err)
	assert.True(t, has)
	f.logger.AssertLogged(t, zapcore.WarnLevel, "pull failed")
}

func TestHasPending_PullInterrupted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.discoverer(t, "")
	f.repo.SetError("pull", vcs.ErrInterrupted)

	_, err := d.HasPending(ctx, f.ws)
	require.Error(t, err)
	var cmdErr *vcs.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, "pull", cmdErr.Op)
	assert.ErrorIs(t, err, vcs.ErrInterrupted)
}

func TestPop_LogFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.discoverer(t, "")
	f.repo.AddCommit("dev")
	f.repo.SetExit("log", 255)

	_, ok, err := d.Pop(ctx, f.ws)
	require.Error(t, err)
	assert.False(t, ok)
	var cmdErr *vcs.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, "log", cmdErr.Op)
	assert.Equal(t, 255, cmdErr.Code)
	assert.Equal(t, cursor.Sentinel, f.cursor(t))
}

func TestPop_UnknownCursorFailsQuery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.discoverer(t, "")
	require.NoError(t, f.cursors.Write(f.ws, "deadbeef"))

	_, _, err := d.Pop(ctx, f.ws)
	var cmdErr *vcs.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, "log", cmdErr.Op)
	assert.Equal(t, "deadbeef", f.cursor(t))
}
