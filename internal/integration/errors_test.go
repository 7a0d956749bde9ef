package integration

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fyrsmithlabs/pretestd/internal/vcs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_IsMatchesKindSentinel(t *testing.T) {
	tests := []struct {
		kind Kind
		want error
	}{
		{KindIOFailure, ErrIOFailure},
		{KindMergeConflict, ErrMergeConflict},
		{KindConfiguration, ErrConfiguration},
		{KindInvalidTransition, ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", &Error{Kind: tt.kind, Op: "merge"})
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.kind, KindOf(err))
			for _, other := range tests {
				if other.kind != tt.kind {
					assert.NotErrorIs(t, err, other.want)
				}
			}
		})
	}
}

func TestError_Message(t *testing.T) {
	err := &Error{Kind: KindIOFailure, Op: "pull", Err: errors.New("exit code 255")}
	assert.Equal(t, "pull: i/o failure: exit code 255", err.Error())

	bare := &Error{Kind: KindMergeConflict, Op: "merge"}
	assert.Equal(t, "merge: merge conflict", bare.Error())
}

func TestKindOf_ForeignError(t *testing.T) {
	assert.Equal(t, Kind(0), KindOf(errors.New("boom")))
	assert.Equal(t, Kind(0), KindOf(nil))
	assert.Equal(t, "unknown", Kind(0).String())
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("cursor", nil))

	t.Run("command error keeps its operation", func(t *testing.T) {
		err := classify("cursor", vcs.Check("log", 255, nil))
		var e *Error
		require.True(t, errors.As(err, &e))
		assert.Equal(t, KindIOFailure, e.Kind)
		assert.Equal(t, "log", e.Op)
		var cmdErr *vcs.CommandError
		require.True(t, errors.As(err, &cmdErr))
		assert.Equal(t, 255, cmdErr.Code)
	})

	t.Run("interrupted command", func(t *testing.T) {
		err := classify("merge", vcs.Check("merge", -1, vcs.ErrInterrupted))
		assert.ErrorIs(t, err, ErrIOFailure)
		assert.ErrorIs(t, err, ErrInterrupted)
	})

	t.Run("not a repository", func(t *testing.T) {
		err := classify("detect", fmt.Errorf("%w: /tmp/x", vcs.ErrNotRepository))
		assert.Equal(t, KindConfiguration, KindOf(err))
	})

	t.Run("plain error uses op", func(t *testing.T) {
		err := classify("cursor", errors.New("disk full"))
		var e *Error
		require.True(t, errors.As(err, &e))
		assert.Equal(t, "cursor", e.Op)
		assert.Equal(t, KindIOFailure, e.Kind)
	})

	t.Run("workflow error passes through", func(t *testing.T) {
		orig := &Error{Kind: KindMergeConflict, Op: "merge"}
		assert.Same(t, orig, classify("prepare", orig))
	})
}

func TestInvalidTransition(t *testing.T) {
	err := invalidTransition("finalize", StatePopped)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "popped")
}

func TestResult(t *testing.T) {
	assert.Equal(t, "no_work", ResultNoWork.String())
	assert.Equal(t, "pending", ResultPending.String())
	assert.Equal(t, "failure", ResultFailure.String())

	r := Result{Kind: ResultFailure, Err: &Error{Kind: KindIOFailure, Op: "pull"}}
	assert.False(t, r.Pending())
	assert.Equal(t, KindIOFailure, r.FailureKind())
	assert.Equal(t, "rolled_back", StateRolledBack.String())
}
