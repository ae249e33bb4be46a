package app

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chimelab/chime/internal/config"
)

// debounce window for editor save storms (write + chmod + rename).
const reloadSettle = 250 * time.Millisecond

// watchConfig reloads the config file whenever it changes on disk and
// hands each valid result to apply. Invalid files are logged and skipped,
// keeping the last good config in effect.
func watchConfig(ctx context.Context, path string, apply func(config.Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory, not the file: most editors replace the file on
	// save, which would orphan a file watch.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return err
	}

	go func() {
		defer w.Close()

		var settle *time.Timer
		reload := func() {
			cfg, err := config.Load(path)
			if err != nil {
				log.Printf("APP: config reload rejected: %v", err)
				return
			}
			apply(cfg)
		}

		for {
			select {
			case <-ctx.Done():
				if settle != nil {
					settle.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if settle != nil {
					settle.Stop()
				}
				settle = time.AfterFunc(reloadSettle, reload)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("APP: config watcher: %v", err)
			}
		}
	}()

	return nil
}
