package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 250 * time.Millisecond

// WatchOptions tunes Watch.
type WatchOptions struct {
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watch reloads path whenever it or a file it includes changes, and passes
// each valid result to onChange. Invalid edits are logged and skipped; the
// previous configuration stays in effect. Directories are watched rather
// than files so editors that save by rename are seen too.
//
// The returned channel is closed once the watcher has stopped after ctx is
// cancelled.
func Watch(ctx context.Context, path string, opts WatchOptions, onChange func(*Config)) (<-chan struct{}, error) {
	_, files, err := LoadFiles(path)
	if len(files) == 0 {
		return nil, fmt.Errorf("watch config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	w := &configWatcher{watcher: watcher, dirs: map[string]bool{}}
	if err := w.track(files); err != nil {
		watcher.Close()
		return nil, err
	}
	root := files[0]

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer watcher.Close()

		var timer *time.Timer
		var fire <-chan time.Time
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !w.files[filepath.Clean(event.Name)] {
					continue
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				fire = timer.C

			case <-fire:
				fire = nil
				cfg, files, err := LoadFiles(root)
				if err := w.track(files); err != nil {
					logger.Warn("config watcher cannot follow an include", "error", err)
				}
				if err != nil {
					logger.Warn("config reload failed; keeping previous configuration", "path", root, "error", err)
					continue
				}
				logger.Info("configuration reloaded", "path", root, "files", len(files))
				onChange(cfg)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()

	return done, nil
}

// configWatcher tracks which files trigger a reload. Directories are only
// ever added; a stale one produces events that the file set filters out.
type configWatcher struct {
	watcher *fsnotify.Watcher
	files   map[string]bool
	dirs    map[string]bool
}

func (w *configWatcher) track(files []string) error {
	if len(files) == 0 {
		return nil
	}
	w.files = make(map[string]bool, len(files))
	for _, f := range files {
		w.files[filepath.Clean(f)] = true
		dir := filepath.Dir(f)
		if w.dirs[dir] {
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.dirs[dir] = true
	}
	return nil
}
