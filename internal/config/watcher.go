package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events an editor or an atomic
// rename produces into one reload.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads a config file when it changes. Only a file that parses
// and validates reaches the callback.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload func(*Config)
	logger   *slog.Logger
}

func NewWatcher(path string, onReload func(*Config), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		debounce: DefaultDebounce,
		onReload: onReload,
		logger:   logger.With("component", "config-watcher", "path", path),
	}
}

// SetDebounce overrides DefaultDebounce; call before Run.
func (w *Watcher) SetDebounce(d time.Duration) { w.debounce = d }

// Run watches until ctx is done. The directory is watched rather than the
// file so replacing the file by rename keeps working.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	base := filepath.Base(w.path)
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.logger.Info("watching config")

	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(w.debounce)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		}
		timerCh = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			schedule()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		case <-timerCh:
			timerCh = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed", "error", err)
		return
	}
	w.logger.Info("config reloaded", "address_settings", len(cfg.AddressSettings))
	w.onReload(cfg)
}
