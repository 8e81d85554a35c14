// Package watcher notifies WebSocket clients about filesystem changes under
// the project paths they watch.
package watcher

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Event is one filesystem change under a watched root.
type Event struct {
	Root string
	Op   string
	Path string
}

// Notify receives one event. Implementations must not block for long; a slow
// receiver delays only its own connection's drain goroutine.
type Notify func(Event)

// Watcher multiplexes one fsnotify watcher across per-root subscriber sets.
// Roots are reference-counted: the last unwatch removes the underlying OS
// watches.
type Watcher struct {
	fsw    *fsnotify.Watcher
	logger *slog.Logger

	mu     sync.Mutex
	roots  map[string]map[int]Notify
	nextID int

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher and starts its event loop.
func New(logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	w := &Watcher{
		fsw:    fsw,
		logger: logger.With("component", "watcher"),
		roots:  make(map[string]map[int]Notify),
		done:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Watch subscribes notify to changes under root (recursively). The returned
// function unsubscribes; it is safe to call more than once.
func (w *Watcher) Watch(root string, notify Notify) (func(), error) {
	root = filepath.Clean(root)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.roots[root]; !ok {
		if err := w.addRecursive(root); err != nil {
			return nil, err
		}
		w.roots[root] = make(map[int]Notify)
	}
	id := w.nextID
	w.nextID++
	w.roots[root][id] = notify

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			subs, ok := w.roots[root]
			if !ok {
				return
			}
			delete(subs, id)
			if len(subs) == 0 {
				delete(w.roots, root)
				w.removeRecursive(root)
			}
		})
	}, nil
}

// addRecursive registers root and every directory below it. fsnotify watches
// are not recursive on their own.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if name := d.Name(); name != "." && strings.HasPrefix(name, ".") {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) removeRecursive(root string) {
	for _, watched := range w.fsw.WatchList() {
		if watched == root || strings.HasPrefix(watched, root+string(filepath.Separator)) {
			_ = w.fsw.Remove(watched)
		}
	}
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.dispatch(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fs watch error", "error", err)
		}
	}
}

func (w *Watcher) dispatch(ev fsnotify.Event) {
	// New directories must be added so nested changes keep flowing.
	if ev.Op.Has(fsnotify.Create) {
		w.mu.Lock()
		for root := range w.roots {
			if strings.HasPrefix(ev.Name, root+string(filepath.Separator)) {
				_ = w.addRecursive(ev.Name)
				break
			}
		}
		w.mu.Unlock()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for root, subs := range w.roots {
		if ev.Name != root && !strings.HasPrefix(ev.Name, root+string(filepath.Separator)) {
			continue
		}
		e := Event{Root: root, Op: ev.Op.String(), Path: ev.Name}
		for _, notify := range subs {
			notify(e)
		}
	}
}

// Close stops the event loop and releases all OS watches.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}
