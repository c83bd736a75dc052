package config

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"

	"github.com/otherjamesbrown/board-signal-scout/pkg/logging"
)

// Watch reloads path whenever it is written or recreated and passes the new
// config to onChange. A reload that fails to parse or validate is logged and
// the previous config stays in effect. Watch returns when ctx ends.
func Watch(ctx context.Context, path string, logger logging.Logger, onChange func(*ScoutConfig)) error {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.With(logging.F("component", "config"), logging.F("path", path))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	logger.Info("Watching config for changes")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				// Atomic saves rename over the file; watch the new inode.
				if event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
					_ = watcher.Add(path)
				}
				continue
			}

			cfg, err := Load(path)
			if err != nil {
				logger.Error("Config reload failed, keeping previous config", logging.Err(err))
				continue
			}
			logger.Info("Config reloaded")
			onChange(cfg)
			_ = watcher.Add(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Config watcher error", logging.Err(err))
		}
	}
}
