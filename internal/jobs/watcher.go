package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	robfigcron "github.com/robfig/cron/v3"
)

const (
	defaultDebounce    = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// rescanParser accepts standard crontab specs and descriptors such as "@every 1m"
var rescanParser = robfigcron.NewParser(
	robfigcron.Minute | robfigcron.Hour | robfigcron.Dom | robfigcron.Month | robfigcron.Dow | robfigcron.Descriptor,
)

// WatcherConfig controls when the jobs directory is reloaded
type WatcherConfig struct {
	// Reload on file system events in the jobs directory
	Watch bool

	// Periodic full rescan, empty disables it
	RescanSchedule string

	// Quiet period after a file event before reloading
	Debounce time.Duration
}

// Watcher reloads the jobs directory on change and hands every successful
// load to a callback. Each load is a full registry, never a diff.
type Watcher struct {
	loader *Loader
	config WatcherConfig
	onLoad func(*LoadResult)
	logger *slog.Logger

	reloadMu   sync.Mutex
	lastReport string

	timerMu sync.Mutex
	timer   *time.Timer
}

// ValidateRescanSchedule checks a periodic rescan spec
func ValidateRescanSchedule(spec string) error {
	if _, err := rescanParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid rescan schedule %q: %w", spec, err)
	}
	return nil
}

// NewWatcher creates a watcher. The rescan schedule is validated here so a
// bad spec fails at startup.
func NewWatcher(loader *Loader, config WatcherConfig, onLoad func(*LoadResult), logger *slog.Logger) (*Watcher, error) {
	if config.RescanSchedule != "" {
		if err := ValidateRescanSchedule(config.RescanSchedule); err != nil {
			return nil, err
		}
	}
	if config.Debounce <= 0 {
		config.Debounce = defaultDebounce
	}

	return &Watcher{
		loader: loader,
		config: config,
		onLoad: onLoad,
		logger: logger,
	}, nil
}

// Seed records the result of the initial load so an unchanged set of
// errors and warnings is not reported again on the first rescan.
func (w *Watcher) Seed(result *LoadResult) {
	w.reloadMu.Lock()
	w.lastReport = reportKey(result)
	w.reloadMu.Unlock()
}

// Run blocks until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) error {
	if w.config.RescanSchedule != "" {
		c := robfigcron.New(robfigcron.WithParser(rescanParser))
		if _, err := c.AddFunc(w.config.RescanSchedule, w.Reload); err != nil {
			return fmt.Errorf("failed to register rescan: %w", err)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
		w.logger.Debug("jobs rescan scheduled", "schedule", w.config.RescanSchedule)
	}

	defer w.stopTimer()

	if !w.config.Watch {
		<-ctx.Done()
		return nil
	}

	return w.watch(ctx)
}

// Reload loads the jobs directory now and publishes the result
func (w *Watcher) Reload() {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	result, err := w.loader.Load()
	if err != nil {
		w.logger.Error("failed to reload jobs", "dir", w.loader.Dir(), "error", err)
		return
	}

	if key := reportKey(result); key != w.lastReport {
		LogResult(w.logger, result)
		w.lastReport = key
	}

	w.onLoad(result)
}

// watch runs the fsnotify loop, recreating the watcher with backoff if it breaks
func (w *Watcher) watch(ctx context.Context) error {
	dir := w.loader.Dir()
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	wait := func() bool {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, restartBackoffMax)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		fw, err := fsnotify.NewWatcher()
		if err != nil {
			w.logger.Warn("jobs watch init failed", "dir", dir, "error", err)
			if !wait() {
				return nil
			}
			continue
		}

		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			w.logger.Warn("jobs watch add failed", "dir", dir, "error", err)
			if !wait() {
				return nil
			}
			continue
		}

		backoff = restartBackoffBase
		w.logger.Debug("jobs watcher started", "dir", dir)

		if done := w.consume(ctx, fw); done {
			_ = fw.Close()
			return nil
		}
		_ = fw.Close()
		w.logger.Warn("jobs watcher stopped delivering events, restarting", "dir", dir)
	}
}

// consume reads events until ctx is done (true) or the watcher breaks (false)
func (w *Watcher) consume(ctx context.Context, fw *fsnotify.Watcher) bool {
	for {
		select {
		case <-ctx.Done():
			return true

		case ev, ok := <-fw.Events:
			if !ok {
				return false
			}
			if !strings.HasSuffix(filepath.Base(ev.Name), FileExtension) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				w.debounce()
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return false
			}
			if err == nil {
				continue
			}
			// An overflow may hide events, so reload once and keep going
			w.logger.Warn("jobs watcher error", "error", err)
			w.debounce()
		}
	}
}

func (w *Watcher) debounce() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.config.Debounce, w.Reload)
}

func (w *Watcher) stopTimer() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// reportKey summarises the errors and warnings of a load for change detection
func reportKey(result *LoadResult) string {
	var b strings.Builder
	for _, e := range result.Errors {
		b.WriteString(e.Error())
		b.WriteByte('\n')
	}
	for _, w := range result.Warnings {
		b.WriteString(w.String())
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "jobs=%d", len(result.Jobs))
	return b.String()
}
