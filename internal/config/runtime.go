package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Runtime holds the currently active configuration and swaps it
// atomically on reload. It satisfies the scheduler's Limits interface,
// so a reload takes effect on the very next claim.
type Runtime struct {
	current atomic.Pointer[Config]
}

// NewRuntime creates a Runtime seeded with cfg
func NewRuntime(cfg *Config) *Runtime {
	r := &Runtime{}
	r.current.Store(cfg)
	return r
}

// Current returns the active configuration snapshot
func (r *Runtime) Current() *Config {
	return r.current.Load()
}

// Replace swaps in a new configuration
func (r *Runtime) Replace(cfg *Config) {
	r.current.Store(cfg)
}

// MaxParallel returns the active per-project concurrency limit
func (r *Runtime) MaxParallel(projectID string) int {
	return r.Current().Executor.MaxParallel
}

// AttemptTimeout returns the active per-attempt deadline
func (r *Runtime) AttemptTimeout() time.Duration {
	return r.Current().AttemptTimeout()
}

// Watch reloads the config file whenever it changes, until ctx is done.
// Invalid files are logged and skipped; the last good config stays
// active. Editors often replace rather than write the file, so the
// parent directory is watched.
func (r *Runtime) Watch(ctx context.Context, path string, log *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				log.Warn("config reload skipped", "path", path, "error", err)
				continue
			}
			r.Replace(cfg)
			log.Info("config reloaded", "path", path, "max_parallel", cfg.Executor.MaxParallel)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", "error", err)
		}
	}
}
