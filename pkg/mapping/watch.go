package mapping

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aretw0/lifecycle"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Registry whenever mapping files change. Units of work
// created after a reload see the new mappings; running ones keep the
// metadata they already resolved.
type Watcher struct {
	Registry *Registry
	Loader   *Loader
	Root     string
	Pattern  string
	Logger   *slog.Logger
	// OnReload is called after every reload attempt with its outcome.
	OnReload func(err error)

	watcher *fsnotify.Watcher
}

// Start performs an initial load and watches Root until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	if w.Pattern == "" {
		w.Pattern = DefaultPattern
	}
	if w.Logger == nil {
		w.Logger = slog.Default()
	}
	if err := w.Reload(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	err = filepath.WalkDir(w.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", w.Root, err)
	}
	w.watcher = watcher

	lifecycle.Go(ctx, w.run, lifecycle.WithErrorHandler(func(err error) {
		w.Logger.Error("mapping watcher panic", "error", err)
	}))
	return nil
}

// Reload compiles the mapping files and swaps them in. On failure the
// previous mappings stay active.
func (w *Watcher) Reload() error {
	err := w.Loader.Load(w.Registry, w.Root, w.Pattern)
	if err != nil {
		if w.Logger != nil {
			w.Logger.Error("mapping reload failed", "root", w.Root, "error", err)
		}
	} else if w.Logger != nil {
		w.Logger.Debug("mappings reloaded", "root", w.Root)
	}
	if w.OnReload != nil {
		w.OnReload(err)
	}
	return err
}

func (w *Watcher) run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.Logger.Error("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := statDir(event.Name); err == nil && info {
			_ = w.watcher.Add(event.Name)
			return
		}
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	rel, err := filepath.Rel(w.Root, event.Name)
	if err != nil {
		return
	}
	if ok, _ := doublestar.Match(w.Pattern, filepath.ToSlash(rel)); !ok {
		return
	}
	_ = w.Reload()
}

func statDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}
