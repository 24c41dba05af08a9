// Package derivedwatch observes preprocessor output files and rebuilds the
// mapping table of the owning document when the derived file is rewritten.
package derivedwatch

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/macrolens/preproc-proxy/src/proxy/internal/fs"
	"github.com/macrolens/preproc-proxy/src/proxy/repository/documents"
)

const _configKeyWatch = "derived.watch"

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Watcher tracks derived files on disk.
type Watcher interface {
	// Watch begins observing the given derived file.
	Watch(path string) error

	// Unwatch stops observing the given derived file.
	Unwatch(path string) error
}

type watcher struct {
	notify    *fsnotify.Watcher
	documents documents.Repository
	fs        fs.ProxyFS
	logger    *zap.SugaredLogger
	done      chan struct{}
	stopped   chan struct{}
}

// disabledWatcher is used when derived.watch is false; mappings then refresh
// only when the editor reopens the file.
type disabledWatcher struct{}

func (disabledWatcher) Watch(string) error   { return nil }
func (disabledWatcher) Unwatch(string) error { return nil }

// Params are inbound parameters to construct the watcher.
type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Documents documents.Repository
	FS        fs.ProxyFS
	Logger    *zap.SugaredLogger
	Config    config.Provider
}

// New creates a watcher over preprocessor output, honoring the derived.watch
// config switch.
func New(p Params) (Watcher, error) {
	enabled := true
	if err := p.Config.Get(_configKeyWatch).Populate(&enabled); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyWatch, err)
	}
	if !enabled {
		return disabledWatcher{}, nil
	}

	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating filesystem watcher: %w", err)
	}
	w := &watcher{
		notify:    notify,
		documents: p.Documents,
		fs:        p.FS,
		logger:    p.Logger.With("component", "derivedwatch"),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go w.run()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(w.done)
			err := w.notify.Close()
			select {
			case <-w.stopped:
			case <-ctx.Done():
				return ctx.Err()
			}
			return err
		},
	})
	return w, nil
}

// Watch begins observing the given derived file.
func (w *watcher) Watch(path string) error {
	return w.notify.Add(path)
}

// Unwatch stops observing the given derived file.
func (w *watcher) Unwatch(path string) error {
	return w.notify.Remove(path)
}

func (w *watcher) run() {
	defer close(w.stopped)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.notify.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.rebuild(event.Name)
			}
		case err, ok := <-w.notify.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("filesystem watcher error", "error", err)
		}
	}
}

// rebuild refreshes the mapping table for the document owning this derived
// file. A malformed file leaves the previous table in place; the
// preprocessor may still be mid-write and another event will follow.
func (w *watcher) rebuild(path string) {
	ctx := context.Background()
	uri, ok := w.documents.ByDerivedPath(ctx, path)
	if !ok {
		return
	}
	content, err := w.fs.ReadFile(path)
	if err != nil {
		w.logger.Warnw("cannot read rewritten derived file", "path", path, "error", err)
		return
	}
	if err := w.documents.Rebuild(ctx, uri, string(content)); err != nil {
		w.logger.Warnw("mapping rebuild failed", "uri", uri, "path", path, "error", err)
		return
	}
	w.logger.Infow("mapping rebuilt from derived file change", "uri", uri, "path", path)
}
