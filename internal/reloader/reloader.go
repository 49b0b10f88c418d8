// Package reloader watches the working tree for source changes and fires a
// restart callback. Only one callback runs at a time; file events arriving
// while it runs are dropped.
package reloader

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes a directory tree and runs a callback when a file
// matching one of the patterns is created, modified, removed or renamed.
type Watcher struct {
	patterns []string
	callback func()
	logger   *slog.Logger

	fsw       *fsnotify.Watcher
	reloading atomic.Bool
	wg        sync.WaitGroup
}

// Listen starts watching root recursively. Patterns is a ";"-separated
// list of globs matched against file base names.
func Listen(root string, patterns string, callback func(), logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		callback: callback,
		logger:   logger,
		fsw:      fsw,
	}
	for _, pattern := range strings.Split(patterns, ";") {
		if pattern = strings.TrimSpace(pattern); pattern != "" {
			w.patterns = append(w.patterns, pattern)
		}
	}

	// fsnotify watches single directories; walk the tree and register
	// every directory below root.
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
	if err != nil {
		fsw.Close()
		return nil, err
	}

	if logger != nil {
		logger.Info("watching files", "root", root, "patterns", w.patterns)
	}

	w.wg.Add(1)
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("file watcher error", "err", err)
			}
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	// New directories must join the watch so the tree stays covered.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(event.Name)
		}
	}

	if !w.matches(event.Name) {
		return
	}
	// Overlapping events collapse: only one reload runs at a time, and
	// events arriving during a reload are dropped.
	if !w.reloading.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer w.reloading.Store(false)
		defer func() {
			if r := recover(); r != nil && w.logger != nil {
				w.logger.Error("panic in reload callback", "panic", r)
			}
		}()
		if w.logger != nil {
			w.logger.Info("detected file change, reloading", "path", event.Name)
		}
		w.callback()
	}()
}

func (w *Watcher) matches(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.patterns {
		if ok, err := filepath.Match(pattern, base); err == nil && ok {
			return true
		}
	}
	return false
}

// Stop halts the watcher and waits for its event loop to exit. A reload
// callback already in flight is not interrupted.
func (w *Watcher) Stop() {
	_ = w.fsw.Close()
	w.wg.Wait()
}
