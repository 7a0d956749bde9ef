package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWorkspaceOverrides_MissingFile(t *testing.T) {
	o, err := LoadWorkspaceOverrides(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, &WorkspaceOverrides{}, o)
}

func TestForWorkspace_AppliesOverrides(t *testing.T) {
	ws := t.TempDir()
	content := `[integration]
branch = "release"
selection = "oldest"
success_when = 'result in ["SUCCESS", "UNSTABLE"]'

[vcs]
kind = "git"
command_timeout = "2m"
`
	require.NoError(t, os.WriteFile(filepath.Join(ws, WorkspaceFile), []byte(content), 0644))

	base := NewDefaultConfig()
	cfg, err := base.ForWorkspace(ws)
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Integration.Branch)
	assert.Equal(t, SelectionOldest, cfg.Integration.Selection)
	assert.Equal(t, `result in ["SUCCESS", "UNSTABLE"]`, cfg.Integration.SuccessWhen)
	assert.Equal(t, DefaultCommitMessage, cfg.Integration.CommitMessage)
	assert.Equal(t, KindGit, cfg.VCS.Kind)
	assert.Equal(t, 2*time.Minute, cfg.VCS.CommandTimeout.Duration())

	// The base configuration is left untouched.
	assert.Empty(t, base.Integration.Branch)
	assert.Equal(t, KindAuto, base.VCS.Kind)
}

func TestForWorkspace_RejectsUnknownKeys(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, WorkspaceFile), []byte("[integration]\nbranchh = \"x\"\n"), 0644))

	_, err := NewDefaultConfig().ForWorkspace(ws)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys")
}

func TestForWorkspace_RejectsInvalidOverride(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, WorkspaceFile), []byte("[vcs]\nkind = \"svn\"\n"), 0644))

	_, err := NewDefaultConfig().ForWorkspace(ws)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vcs.kind")
}
