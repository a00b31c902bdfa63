// ABOUTME: Watches the config file and applies the settings that can change at runtime
// ABOUTME: Only logging.level is reloadable; everything else needs a restart

package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// WatchLevel reloads path on change and sets level from logging.level.
// The parent directory is watched so editors that replace the file are seen.
// It returns when ctx is cancelled.
func WatchLevel(ctx context.Context, path string, level *slog.LevelVar, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "config")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		target := filepath.Clean(path)
		var debounce *time.Timer
		reload := make(chan struct{}, 1)

		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})

			case <-reload:
				cfg, err := Load(path)
				if err != nil {
					logger.Warn("ignoring invalid config change", "path", path, "error", err)
					continue
				}
				lvl, _ := ParseLevel(cfg.Logging.Level)
				if lvl != level.Level() {
					level.Set(lvl)
					logger.Info("log level changed", "level", lvl.String())
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()

	return nil
}
