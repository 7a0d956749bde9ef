package integration

import (
	"github.com/fyrsmithlabs/pretestd/internal/config"
	"github.com/fyrsmithlabs/pretestd/internal/logging"
	"github.com/fyrsmithlabs/pretestd/internal/telemetry"
	"github.com/fyrsmithlabs/pretestd/internal/vcs"
)

// Open binds a workflow to the repository found in workspace, applying the
// workspace's .pretestd.toml overrides on top of cfg. A workspace that is
// not a supported repository yields a KindConfiguration error.
func Open(workspace string, cfg *config.Config, logger *logging.Logger, tel *telemetry.Telemetry) (*Workflow, error) {
	wcfg, err := cfg.ForWorkspace(workspace)
	if err != nil {
		return nil, &Error{Kind: KindConfiguration, Op: "configure", Err: err}
	}

	driver, client, err := vcs.Open(workspace, wcfg.VCS, logger)
	if err != nil {
		return nil, &Error{Kind: KindConfiguration, Op: "detect", Err: err}
	}

	return New(client, driver, OptionsFromConfig(wcfg.Integration), logger, tel)
}
