package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/aristath/productteam/internal/config"
)

// Loader produces a fresh configuration, typically config.Load bound to fixed paths.
type Loader func() (*config.Config, error)

// Watcher hot-reloads the registry when a watched config file changes.
// A reload that fails validation keeps the previous snapshot in place.
type Watcher struct {
	reg     *Registry
	load    Loader
	files   map[string]bool
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	// OnReload is called after each reload attempt; err is nil on success.
	OnReload func(version uint64, err error)
}

// NewWatcher watches the parent directories of paths. Directories that do not
// exist are skipped so a missing project config does not prevent startup.
func NewWatcher(reg *Registry, load Loader, paths []string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	w := &Watcher{
		reg:     reg,
		load:    load,
		files:   make(map[string]bool),
		watcher: fw,
		logger:  logger,
	}

	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		w.files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	return w, nil
}

// Run processes file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "err", err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return w.files[abs]
}

func (w *Watcher) reload() {
	version, err := Reload(w.reg, w.load)
	if err != nil {
		w.logger.Warn("registry reload rejected, keeping current snapshot",
			"version", w.reg.Snapshot().Version(), "err", err)
	} else {
		w.logger.Info("registry reloaded", "version", version)
	}
	if w.OnReload != nil {
		w.OnReload(version, err)
	}
}

// Reload loads configuration, validates it and publishes a new snapshot.
// On error the registry is left unchanged.
func Reload(reg *Registry, load Loader) (uint64, error) {
	cfg, err := load()
	if err != nil {
		return 0, err
	}
	snap, err := NewSnapshot(cfg)
	if err != nil {
		return 0, err
	}
	return reg.Replace(snap), nil
}
