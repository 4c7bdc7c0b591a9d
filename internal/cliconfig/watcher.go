package cliconfig

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce coalesces the burst of events editors emit on save.
const DefaultDebounce = 100 * time.Millisecond

// RewriteWatcher reloads the host rewrite map whenever the config file
// changes on disk.
type RewriteWatcher struct {
	path     string
	debounce time.Duration
	apply    func(map[string]string)
	log      zerolog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewRewriteWatcher creates a watcher for path. apply receives the new map
// after every successful reload.
func NewRewriteWatcher(path string, apply func(map[string]string), log zerolog.Logger) *RewriteWatcher {
	return &RewriteWatcher{
		path:     path,
		debounce: DefaultDebounce,
		apply:    apply,
		log:      log,
	}
}

// Run watches until ctx is done. The directory is watched rather than the
// file so that atomic renames are seen.
func (w *RewriteWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.log.Info().Str("path", w.path).Msg("watching config for host rewrite changes")

	base := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (w *RewriteWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *RewriteWatcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *RewriteWatcher) reload() {
	fc, err := LoadFileConfig(w.path)
	if err != nil {
		// a rename leaves a short window where the file is missing
		w.log.Warn().Err(err).Msg("config reload failed, keeping current host rewrite")
		return
	}
	rw := fc.HostRewrite
	if rw == nil {
		rw = map[string]string{}
	}
	for k, v := range rw {
		if k == "" || v == "" {
			w.log.Warn().Str("from", k).Str("to", v).Msg("invalid host rewrite entry, reload ignored")
			return
		}
	}
	w.log.Info().Int("entries", len(rw)).Msg("host rewrite reloaded")
	w.apply(rw)
}
