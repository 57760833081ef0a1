package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/abelbrown/relayfeed/internal/logging"
)

// Watch calls fn with the reloaded config whenever the file at path is
// written or recreated, until ctx ends. Environment overrides are applied
// to every reload as at startup. Invalid configs are logged and skipped. The parent directory is watched so editors that replace the
// file are seen.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(path)
			if err != nil {
				logging.Warn("Config reload failed", "path", path, "error", err)
				continue
			}
			if err := cfg.ApplyEnv(); err != nil {
				logging.Warn("Environment override invalid, keeping previous", "path", path, "error", err)
				continue
			}
			if err := cfg.Validate(); err != nil {
				logging.Warn("Reloaded config invalid, keeping previous", "path", path, "error", err)
				continue
			}
			logging.Info("Config reloaded", "path", path, "op", event.Op.String())
			fn(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Error("Config watcher error", "error", err)
		}
	}
}
