package modelscan

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"orchd/internal/config"
)

const watchDebounce = 500 * time.Millisecond

// Watch rescans the registry whenever model files are added, removed or
// renamed under the watched directories. Events are debounced so a bulk
// copy triggers one rescan, not one per file. Blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	for _, dir := range r.dirs {
		expanded, err := config.ExpandHome(dir)
		if err != nil {
			continue
		}
		if err := w.Add(expanded); err != nil {
			r.log.Debug().Str("dir", expanded).Err(err).Msg("not watching dir")
		}
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !relevantEvent(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				timer.Reset(watchDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.log.Warn().Err(err).Msg("model watcher error")
		case <-timerC:
			timer = nil
			timerC = nil
			if _, err := r.Rescan(ctx); err != nil {
				r.log.Warn().Err(err).Msg("rescan after file change failed")
			}
		}
	}
}

func relevantEvent(ev fsnotify.Event) bool {
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
		return false
	}
	return strings.EqualFold(filepath.Ext(ev.Name), ".gguf")
}
