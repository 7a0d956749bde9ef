package vcs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fyrsmithlabs/pretestd/internal/config"
	"github.com/fyrsmithlabs/pretestd/internal/logging"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Detect reports the repository kind of workspace. With kind "auto" a
// .hg directory wins over a git repository; an explicit kind is verified.
func Detect(workspace, kind string) (string, error) {
	switch kind {
	case config.KindMercurial:
		if isHgRepo(workspace) {
			return config.KindMercurial, nil
		}
	case config.KindGit:
		if isGitRepo(workspace) {
			return config.KindGit, nil
		}
	case config.KindAuto, "":
		if isHgRepo(workspace) {
			return config.KindMercurial, nil
		}
		if isGitRepo(workspace) {
			return config.KindGit, nil
		}
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrNotRepository, kind)
	}
	return "", fmt.Errorf("%w: %s", ErrNotRepository, workspace)
}

// Open detects the repository kind of workspace and returns the matching
// driver together with a client that runs its executable.
func Open(workspace string, cfg config.VCSConfig, logger *logging.Logger) (Driver, Client, error) {
	kind, err := Detect(workspace, cfg.Kind)
	if err != nil {
		return nil, nil, err
	}

	var driver Driver
	switch kind {
	case config.KindMercurial:
		driver = NewMercurial(cfg.HgExe, cfg.HgDebug)
	default:
		driver = NewGit(cfg.GitExe, GitDefaultBranch(workspace))
	}

	client := NewExecClient(driver.Exe(), driver.GlobalArgs(), cfg.CommandTimeout.Duration(), logger)
	return driver, client, nil
}

// GitDefaultBranch guesses the integration branch of a git workspace:
// master, then main, then whatever HEAD points at. It returns "" when the
// workspace cannot be opened.
func GitDefaultBranch(workspace string) string {
	repo, err := git.PlainOpen(workspace)
	if err != nil {
		return ""
	}

	for _, name := range []string{"master", "main"} {
		if _, err := repo.Reference(plumbing.NewBranchReferenceName(name), true); err == nil {
			return name
		}
	}

	head, err := repo.Head()
	if err != nil {
		return ""
	}
	if head.Name().IsBranch() {
		return head.Name().Short()
	}
	return ""
}

func isHgRepo(workspace string) bool {
	info, err := os.Stat(filepath.Join(workspace, ".hg"))
	return err == nil && info.IsDir()
}

func isGitRepo(workspace string) bool {
	_, err := git.PlainOpen(workspace)
	return err == nil
}
