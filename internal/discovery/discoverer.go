// Package discovery finds candidate changes waiting to be integrated and
// hands them out one at a time.
//
// A candidate is a change that is not on the integration branch and lies in
// the inclusive range from the workspace cursor to the repository tip. The
// range includes the cursor itself, so the cursor entry never counts as new
// work; the sentinel cursor is special-cased so the very first run always
// reports pending work.
package discovery

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/pretestd/internal/config"
	"github.com/fyrsmithlabs/pretestd/internal/cursor"
	"github.com/fyrsmithlabs/pretestd/internal/logging"
	"github.com/fyrsmithlabs/pretestd/internal/vcs"
	"go.uber.org/zap"
)

// Options configures a Discoverer.
type Options struct {
	// Branch is the integration branch. Empty selects the driver default.
	Branch string
	// Selection is one of the config.Selection* orders. Empty and
	// config.SelectionNative take the driver's native order.
	Selection string
}

// Discoverer queries a workspace for candidate changes.
type Discoverer struct {
	client    vcs.Client
	driver    vcs.Driver
	cursors   *cursor.Store
	branch    string
	selection string
	logger    *logging.Logger
}

// New creates a Discoverer.
func New(client vcs.Client, driver vcs.Driver, cursors *cursor.Store, opts Options, logger *logging.Logger) (*Discoverer, error) {
	if client == nil || driver == nil || cursors == nil {
		return nil, fmt.Errorf("discovery: client, driver and cursor store are required")
	}
	switch opts.Selection {
	case "", config.SelectionNative:
		opts.Selection = driver.NativeSelection()
	case config.SelectionNewest, config.SelectionOldest:
	default:
		return nil, fmt.Errorf("discovery: unknown selection %q", opts.Selection)
	}
	if opts.Branch == "" {
		opts.Branch = driver.DefaultBranch()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Discoverer{
		client:    client,
		driver:    driver,
		cursors:   cursors,
		branch:    opts.Branch,
		selection: opts.Selection,
		logger:    logger.Named("discovery"),
	}, nil
}

// Branch returns the integration branch.
func (d *Discoverer) Branch() string {
	return d.branch
}

// Selection returns the effective selection order, newest or oldest.
func (d *Discoverer) Selection() string {
	return d.selection
}

// HasPending pulls upstream changes into workspace and reports whether a
// candidate exists beyond the cursor. It never writes the cursor.
func (d *Discoverer) HasPending(ctx context.Context, workspace string) (bool, error) {
	if err := d.Pull(ctx, workspace); err != nil {
		return false, err
	}

	cur, err := d.cursors.Read(workspace)
	if err != nil {
		return false, err
	}
	pending, err := d.pending(ctx, workspace, cur)
	if err != nil {
		return false, err
	}

	has := len(pending) > 0 || cursor.IsSentinel(cur)
	d.logger.Debug(ctx, "checked for pending changes",
		zap.String("cursor", cur),
		zap.Int("candidates", len(pending)),
		zap.Bool("pending", has))
	return has, nil
}

// Pop selects the next candidate of workspace and records it as the
// cursor before returning it. ok is false when there is no candidate.
func (d *Discoverer) Pop(ctx context.Context, workspace string) (change string, ok bool, err error) {
	cur, err := d.cursors.Read(workspace)
	if err != nil {
		return "", false, err
	}
	pending, err := d.pending(ctx, workspace, cur)
	if err != nil {
		return "", false, err
	}
	if len(pending) == 0 {
		d.logger.Debug(ctx, "no candidate to pop", zap.String("cursor", cur))
		return "", false, nil
	}

	change = d.choose(pending)
	if err := d.cursors.Write(workspace, change); err != nil {
		return "", false, err
	}

	d.logger.Info(ctx, "popped change",
		zap.String("change", change),
		zap.String("previous_cursor", cur),
		zap.String("selection", d.selection),
		zap.Int("remaining", len(pending)-1))
	return change, true, nil
}

// Pull fetches upstream changes. A non-zero exit is logged and ignored so
// an unreachable upstream does not block integrating what is already
// local; a command that does not finish is an error.
func (d *Discoverer) Pull(ctx context.Context, workspace string) error {
	code, err := d.client.Run(ctx, workspace, d.driver.Pull()...)
	if err != nil {
		return vcs.Check("pull", code, err)
	}
	if code != 0 {
		d.logger.Warn(ctx, "pull failed, continuing with local history", zap.Int("exit_code", code))
	}
	return nil
}

// Candidates lists the changes in the cursor range of workspace, newest
// first, without the cursor itself.
func (d *Discoverer) Candidates(ctx context.Context, workspace string) ([]string, error) {
	cur, err := d.cursors.Read(workspace)
	if err != nil {
		return nil, err
	}
	return d.pending(ctx, workspace, cur)
}

func (d *Discoverer) pending(ctx context.Context, workspace, cur string) ([]string, error) {
	code, out, err := d.client.Output(ctx, workspace, d.driver.ListCandidates(d.branch, cur)...)
	if err := vcs.Check("log", code, err); err != nil {
		return nil, err
	}

	listed := d.driver.ParseCandidates(out, cur)
	pending := make([]string, 0, len(listed))
	for _, id := range listed {
		if id != cur {
			pending = append(pending, id)
		}
	}
	return pending, nil
}

// choose picks from a newest-first listing.
func (d *Discoverer) choose(pending []string) string {
	if d.selection == config.SelectionOldest {
		return pending[len(pending)-1]
	}
	return pending[0]
}
