package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sipeed/picogate/pkg/logger"
)

// WatchDebounce coalesces the burst of events an editor save produces.
var WatchDebounce = 500 * time.Millisecond

// Watch calls fn after path is written, created or renamed into place. The
// parent directory is watched so atomic saves are seen. Watch returns once
// the watcher is running; it stops when ctx is done.
func Watch(ctx context.Context, path string, fn func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var (
			mu    sync.Mutex
			timer *time.Timer
		)
		defer func() {
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(WatchDebounce, func() {
					if ctx.Err() != nil {
						return
					}
					logger.InfoCF("config", "Config file changed", map[string]any{"path": target})
					fn()
				})
				mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WarnCF("config", "Config watcher error", map[string]any{"error": err.Error()})
			}
		}
	}()
	return nil
}
