package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads the config file so user-declared adapter changes take
// effect without a gateway restart. Only the Adapters section is consumed by
// callbacks; structural settings still require a restart.
type Watcher struct {
	path     string
	debounce time.Duration
	fsw      *fsnotify.Watcher
	stop     chan struct{}
	onChange func(*Config)
}

// NewWatcher wires a file watcher around a config path. onChange fires with
// the freshly loaded config after each successful reload.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files on save.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}
	w := &Watcher{
		path:     path,
		debounce: 200 * time.Millisecond,
		fsw:      fsw,
		stop:     make(chan struct{}),
		onChange: onChange,
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	var timer *time.Timer
	pending := make(chan struct{}, 1)

	for {
		select {
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		case <-pending:
			cfg, err := Load(w.path)
			if err != nil {
				slog.Warn("config reload failed, keeping previous", "path", w.path, "error", err)
				continue
			}
			slog.Info("config reloaded", "path", w.path, "custom_adapters", len(cfg.Adapters.Custom))
			if w.onChange != nil {
				w.onChange(cfg)
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stop)
	return w.fsw.Close()
}
