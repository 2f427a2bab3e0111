package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch re-reads the config file whenever it changes and applies the
// hot-reloadable tunables, then invokes onChange with the new snapshot.
// Structural settings (log dir, bus sizing, telemetry) require a restart and
// are deliberately not touched. Blocks until ctx is cancelled.
func (c *Config) Watch(ctx context.Context, path string, onChange func(Tunables)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			fresh, err := Load(path)
			if err != nil {
				slog.Warn("config.reload_failed", "path", path, "error", err)
				continue
			}
			c.applyTunables(fresh)
			slog.Info("config.reloaded", "path", path)
			if onChange != nil {
				onChange(c.CurrentTunables())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config.watch_error", "error", err)
		}
	}
}
