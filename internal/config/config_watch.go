package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file on change and invokes onReload with the
// fresh Config. Only fields the relay reads per-operation (reply tuning,
// sweep intervals) take effect without a restart; structural settings
// (listener, store driver, bridge URL) require one.
func Watch(ctx context.Context, path string, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory: editors replace files, which drops inode watches.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var pending *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				// Debounce editor write bursts.
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(250*time.Millisecond, func() {
					cfg, err := Load(path)
					if err != nil {
						slog.Warn("config reload failed", "path", path, "error", err)
						return
					}
					slog.Info("config reloaded", "path", path)
					onReload(cfg)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()

	return nil
}
