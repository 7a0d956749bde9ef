package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// WorkspaceFile is the name of the per-workspace override file.
const WorkspaceFile = ".pretestd.toml"

// WorkspaceOverrides are settings a workspace may pin for itself. Zero
// values leave the global configuration untouched.
type WorkspaceOverrides struct {
	Integration IntegrationConfig `toml:"integration"`
	VCS         VCSConfig         `toml:"vcs"`
}

// LoadWorkspaceOverrides reads <workspace>/.pretestd.toml. A missing file
// yields empty overrides.
func LoadWorkspaceOverrides(workspace string) (*WorkspaceOverrides, error) {
	path := filepath.Join(workspace, WorkspaceFile)

	var o WorkspaceOverrides
	meta, err := toml.DecodeFile(path, &o)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &WorkspaceOverrides{}, nil
		}
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys in %s: %v", path, undecoded)
	}
	return &o, nil
}

// ForWorkspace returns a copy of c with the overrides of the given
// workspace applied and validated.
func (c *Config) ForWorkspace(workspace string) (*Config, error) {
	o, err := LoadWorkspaceOverrides(workspace)
	if err != nil {
		return nil, err
	}
	merged := *c
	merged.apply(o)
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("workspace %s: %w", workspace, err)
	}
	return &merged, nil
}

// apply copies every non-zero override onto c.
func (c *Config) apply(o *WorkspaceOverrides) {
	if o == nil {
		return
	}
	if o.Integration.Branch != "" {
		c.Integration.Branch = o.Integration.Branch
	}
	if o.Integration.CommitMessage != "" {
		c.Integration.CommitMessage = o.Integration.CommitMessage
	}
	if o.Integration.Selection != "" {
		c.Integration.Selection = o.Integration.Selection
	}
	if o.Integration.SuccessWhen != "" {
		c.Integration.SuccessWhen = o.Integration.SuccessWhen
	}
	if o.VCS.Kind != "" {
		c.VCS.Kind = o.VCS.Kind
	}
	if o.VCS.HgExe != "" {
		c.VCS.HgExe = o.VCS.HgExe
	}
	if o.VCS.HgDebug {
		c.VCS.HgDebug = true
	}
	if o.VCS.GitExe != "" {
		c.VCS.GitExe = o.VCS.GitExe
	}
	if o.VCS.CommandTimeout != 0 {
		c.VCS.CommandTimeout = o.VCS.CommandTimeout
	}
}
