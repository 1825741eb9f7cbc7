package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchSecrets reloads the composition API key whenever the secrets file is
// written, created or renamed into place, and passes the new value to onChange.
// The parent directory is watched so editors that replace the file atomically
// are handled. It returns once the watcher is running.
func WatchSecrets(ctx context.Context, path string, log *zap.Logger, onChange func(key string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				key, err := LoadAPIKey(abs)
				if err != nil {
					log.Warn("reload secrets failed", zap.String("path", abs), zap.Error(err))
					continue
				}
				log.Info("composition api key reloaded", zap.Bool("present", key != ""))
				onChange(key)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("secrets watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
