package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// pending is a scheduled sync of one plugin directory.
type pending struct {
	timer  *time.Timer
	settle bool
}

// Watch follows the plugin directory until ctx is done. Changes inside a
// plugin directory reload it after the debounce window; a new directory is
// loaded after the longer settle window; removing the directory unloads the
// plugin. A missing manifest is a failed load and keeps the previous entry.
// Watch blocks and returns nil on cancellation.
func (r *Registry) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := r.addTree(w, r.root); err != nil {
		return fmt.Errorf("watch %s: %w", r.root, err)
	}
	r.logger.Info("watching plugin directory", zap.String("dir", r.root))

	return r.loop(ctx, w.Events, w.Errors, func(dir string) error { return r.addTree(w, dir) })
}

// loop debounces events into syncs until ctx is done or events closes.
// Timers that fire after loop returns are dropped.
func (r *Registry) loop(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error, watchDir func(string) error) error {
	fire := make(chan string)
	done := make(chan struct{})
	timers := make(map[string]*pending)
	defer func() {
		close(done)
		for _, p := range timers {
			p.timer.Stop()
		}
	}()

	schedule := func(name string, settle bool) {
		p, ok := timers[name]
		if !ok {
			p = &pending{settle: settle}
			p.timer = time.AfterFunc(time.Hour, func() { deliver(fire, done, name) })
			timers[name] = p
		}
		if settle {
			p.settle = true
		}
		delay := r.debounce
		if p.settle {
			delay = r.settle
		}
		p.timer.Reset(delay)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case name := <-fire:
			delete(timers, name)
			r.sync(ctx, name)

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			name, top := r.pluginOf(ev.Name)
			if name == "" {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := watchDir(ev.Name); err != nil {
						r.logger.Warn("watch new directory", zap.String("dir", ev.Name), zap.Error(err))
					}
					if top {
						schedule(name, true)
						continue
					}
				}
			}
			schedule(name, false)

		case err, ok := <-errs:
			if !ok {
				return nil
			}
			r.logger.Warn("plugin watcher error", zap.Error(err))
		}
	}
}

// deliver hands name to the loop, or gives up once the loop has returned.
func deliver(fire chan<- string, done <-chan struct{}, name string) bool {
	select {
	case fire <- name:
		return true
	case <-done:
		return false
	}
}

// sync brings one plugin in line with its directory.
func (r *Registry) sync(ctx context.Context, name string) {
	if !r.exists(name) {
		r.Unload(name)
		return
	}
	// Failures are logged by load and keep the previous entry.
	_ = r.Refresh(ctx, name)
}

// pluginOf maps a watched path to its plugin name. top reports whether the
// path is the plugin directory itself.
func (r *Registry) pluginOf(path string) (name string, top bool) {
	rel, err := filepath.Rel(r.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for _, p := range parts {
		if ignored(p) {
			return "", false
		}
	}
	return parts[0], len(parts) == 1
}

// addTree watches dir and every non-hidden directory below it.
func (r *Registry) addTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && ignored(d.Name()) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

// exists reports whether the plugin directory is present.
func (r *Registry) exists(name string) bool {
	info, err := os.Stat(filepath.Join(r.root, name))
	return err == nil && info.IsDir()
}
