// Package watch triggers integration cycles when a workspace's history
// changes on disk or on a cron schedule.
//
// Filesystem triggers are throttled to one cycle per minimum interval;
// a trigger arriving while a cycle runs is coalesced into one follow-up
// cycle. A workspace waiting for its build to be finalized rejects new
// cycles, which the watcher treats as "busy" rather than as an error.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/fyrsmithlabs/pretestd/internal/cursor"
	"github.com/fyrsmithlabs/pretestd/internal/integration"
	"github.com/fyrsmithlabs/pretestd/internal/logging"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// Trigger names what started a cycle.
type Trigger string

const (
	TriggerStartup    Trigger = "startup"
	TriggerSchedule   Trigger = "schedule"
	TriggerFilesystem Trigger = "filesystem"
)

// Cycler runs one integration cycle. *integration.Workflow and the HTTP
// server, which shares its workspace locks, both satisfy it.
type Cycler interface {
	Cycle(ctx context.Context, workspace string) integration.Result
}

// Options configures a Watcher.
type Options struct {
	// Schedule is a standard cron expression or descriptor ("@every 5m").
	// Empty disables scheduled cycles.
	Schedule string
	// MinInterval is the minimum time between filesystem triggered
	// cycles. Zero selects 30s.
	MinInterval time.Duration
	// RunOnStart runs a cycle as soon as Run starts.
	RunOnStart bool
	// OnResult, if set, is called after every cycle.
	OnResult func(workspace string, trigger Trigger, res integration.Result)
}

// Watcher watches one workspace.
type Watcher struct {
	workspace  string
	controlDir string
	cycler     Cycler
	opts       Options
	schedule   cron.Schedule
	limiter    *rate.Limiter
	logger     *logging.Logger

	triggers chan Trigger
	deferred atomic.Bool
}

// New creates a Watcher for workspace, whose repository metadata lives in
// the controlDir subdirectory (".hg" or ".git").
func New(workspace, controlDir string, cycler Cycler, opts Options, logger *logging.Logger) (*Watcher, error) {
	if cycler == nil {
		return nil, fmt.Errorf("cycler cannot be nil")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = 30 * time.Second
	}

	w := &Watcher{
		workspace:  workspace,
		controlDir: filepath.Join(workspace, controlDir),
		cycler:     cycler,
		opts:       opts,
		limiter:    rate.NewLimiter(rate.Every(opts.MinInterval), 1),
		logger:     logger.Named("watch"),
		triggers:   make(chan Trigger, 1),
	}
	if opts.Schedule != "" {
		sched, err := cron.ParseStandard(opts.Schedule)
		if err != nil {
			return nil, fmt.Errorf("invalid watch schedule %q: %w", opts.Schedule, err)
		}
		w.schedule = sched
	}
	return w, nil
}

// Run watches until ctx is done. Cycles run on the calling goroutine, one
// at a time.
func (w *Watcher) Run(ctx context.Context) error {
	ctx = logging.WithWorkspace(ctx, w.workspace)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	defer fw.Close()

	dirs := w.watchDirs()
	if len(dirs) == 0 {
		return fmt.Errorf("%w: no repository metadata under %s", ErrWatcherFailed, w.controlDir)
	}
	for _, dir := range dirs {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	if w.schedule != nil {
		c := cron.New()
		c.Schedule(w.schedule, cron.FuncJob(func() { w.kick(TriggerSchedule) }))
		c.Start()
		defer func() { <-c.Stop().Done() }()
	}

	w.logger.Info(ctx, "watching workspace",
		zap.Strings("dirs", dirs),
		zap.String("schedule", w.opts.Schedule),
		zap.Duration("min_interval", w.opts.MinInterval))

	if w.opts.RunOnStart {
		w.kick(TriggerStartup)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) && w.inRefs(event.Name) {
				w.watchTree(ctx, fw, event.Name)
			}
			if w.relevant(event) {
				w.logger.Trace(ctx, "history changed", zap.String("path", event.Name), zap.String("op", event.Op.String()))
				w.throttled()
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn(ctx, "filesystem watcher error", zap.Error(err))

		case trigger := <-w.triggers:
			w.cycle(ctx, trigger)
		}
	}
}

// kick queues a cycle; triggers arriving while one is queued coalesce.
func (w *Watcher) kick(t Trigger) {
	select {
	case w.triggers <- t:
	default:
	}
}

// throttled queues a filesystem trigger now, or once the limiter allows.
// At most one deferred trigger is outstanding.
func (w *Watcher) throttled() {
	if w.limiter.Allow() {
		w.kick(TriggerFilesystem)
		return
	}
	if !w.deferred.CompareAndSwap(false, true) {
		return
	}
	r := w.limiter.Reserve()
	time.AfterFunc(r.Delay(), func() {
		w.deferred.Store(false)
		w.kick(TriggerFilesystem)
	})
}

func (w *Watcher) cycle(ctx context.Context, trigger Trigger) {
	res := w.cycler.Cycle(ctx, w.workspace)

	fields := []zap.Field{zap.String("trigger", string(trigger)), zap.String("result", res.Kind.String())}
	switch {
	case res.Pending():
		w.logger.Info(ctx, "change prepared, waiting for build", append(fields, zap.String("change", res.Change))...)
	case res.Kind == integration.ResultNoWork:
		w.logger.Debug(ctx, "nothing to do", fields...)
	case errors.Is(res.Err, integration.ErrInvalidTransition):
		w.logger.Debug(ctx, "workspace busy, skipping cycle", fields...)
	default:
		w.logger.Error(ctx, "cycle failed", append(fields, zap.Error(res.Err))...)
	}

	if w.opts.OnResult != nil {
		w.opts.OnResult(w.workspace, trigger, res)
	}
}

// watchDirs returns the directories whose entries change when history
// does: the Mercurial store, every directory under the Git branch and
// remote refs, and the control dir itself. fsnotify is not recursive, so
// nested refs such as refs/remotes/origin/dev need their own watch.
func (w *Watcher) watchDirs() []string {
	var dirs []string
	for _, dir := range []string{w.controlDir, filepath.Join(w.controlDir, "store")} {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			dirs = append(dirs, dir)
		}
	}
	for _, root := range []string{
		filepath.Join(w.controlDir, "refs", "heads"),
		filepath.Join(w.controlDir, "refs", "remotes"),
	} {
		dirs = append(dirs, subdirs(root)...)
	}
	return dirs
}

// watchTree adds watches for a directory created under refs and anything
// already inside it. Files are ignored.
func (w *Watcher) watchTree(ctx context.Context, fw *fsnotify.Watcher, path string) {
	for _, dir := range subdirs(path) {
		if err := fw.Add(dir); err != nil {
			w.logger.Warn(ctx, "failed to watch ref directory", zap.String("dir", dir), zap.Error(err))
			continue
		}
		w.logger.Trace(ctx, "watching ref directory", zap.String("dir", dir))
	}
}

// subdirs returns root and every directory below it, or nil when root is
// not a directory.
func subdirs(root string) []string {
	var dirs []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	return dirs
}

// inRefs reports whether path lies under the control dir's refs.
func (w *Watcher) inRefs(path string) bool {
	rel, err := filepath.Rel(w.controlDir, path)
	return err == nil && strings.HasPrefix(filepath.ToSlash(rel), "refs/")
}

// relevant reports whether event signals new history. The cursor file and
// working-copy bookkeeping change on every cycle and are ignored.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, cursor.FileName) {
		return false
	}
	switch base {
	case "00changelog.i", "packed-refs":
		return true
	}
	return w.inRefs(event.Name)
}
