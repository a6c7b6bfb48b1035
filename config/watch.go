package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch calls onIgnored with the file's ignored_users every time the
// config file changes, until ctx is done. The directory is watched rather
// than the file so editors that replace the file are picked up.
func (c *Config) Watch(ctx context.Context, onIgnored func([]string)) error {
	if c.File == "" {
		return fmt.Errorf("no config file to watch")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(c.File)
	if err != nil {
		w.Close()
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return err
	}
	go watchLoop(ctx, w, abs, onIgnored)
	return nil
}

func watchLoop(ctx context.Context, w *fsnotify.Watcher, path string, onIgnored func([]string)) {
	defer w.Close()
	log := slog.With(slog.String("component", "config"), slog.String("file", path))
	// Editors emit bursts of events per save.
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(100 * time.Millisecond)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Warn("config watch error", slog.Any("err", err))
		case <-debounce:
			debounce = nil
			cfg, err := readFile(path)
			if err != nil {
				log.Warn("config reload failed", slog.Any("err", err))
				continue
			}
			log.Info("config reloaded", slog.Int("ignored_users", len(cfg.IgnoredUsers)))
			onIgnored(cfg.IgnoredUsers)
		}
	}
}
