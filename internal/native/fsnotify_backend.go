//go:build !darwin

package native

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// renamePairWindow bounds how long a bare Rename is held waiting for a
// matching Create in the same directory before it is emitted as a plain
// Delete. fsnotify does not expose the inotify rename cookie (nor an
// equivalent on Windows), so unlike the darwin backend's inode-based
// reconstruction this is a heuristic, not a proof. spec.md scopes this
// backend as a thin wrapper, so approximate rename pairing is acceptable.
const renamePairWindow = 50 * time.Millisecond

// FsnotifyBackend implements Backend by running one fsnotify.Watcher per
// AddWatch call and translating its events into raw Event actions. It is the
// Linux and Windows backend; darwin uses the FSEvents multiplexer instead.
type FsnotifyBackend struct {
	mu       sync.Mutex
	watches  map[int64]*fsnotifyWatch
	nextID   int64
}

type fsnotifyWatch struct {
	handle   int64
	dir      string
	watcher  *fsnotify.Watcher
	listener Listener
	done     chan struct{}

	mu           sync.Mutex
	pendingRename *pendingRename
}

type pendingRename struct {
	filename string
	timer    *time.Timer
}

func NewFsnotifyBackend() *FsnotifyBackend {
	return &FsnotifyBackend{watches: make(map[int64]*fsnotifyWatch)}
}

func (b *FsnotifyBackend) AddWatch(directory string, listener Listener) (int64, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return 0, fmt.Errorf("native: create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(directory); err != nil {
		watcher.Close()
		return 0, fmt.Errorf("native: watch %s: %w", directory, err)
	}

	handle := atomic.AddInt64(&b.nextID, 1)
	watch := &fsnotifyWatch{
		handle:   handle,
		dir:      directory,
		watcher:  watcher,
		listener: listener,
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	b.watches[handle] = watch
	b.mu.Unlock()

	go watch.run()

	return handle, nil
}

func (b *FsnotifyBackend) RemoveWatch(handle int64) {
	b.mu.Lock()
	watch, ok := b.watches[handle]
	if ok {
		delete(b.watches, handle)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	close(watch.done)
	watch.watcher.Close()
}

func (w *fsnotifyWatch) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Backend errors have no slot in the raw event contract; they are
			// swallowed here the way a dropped inotify queue would surface as
			// silence rather than a synthetic event.
		case <-w.done:
			return
		}
	}
}

func (w *fsnotifyWatch) handleEvent(event fsnotify.Event) {
	// IN_DELETE_SELF (and an analogous rename-self) report event.Name as the
	// watched directory itself, with no child name - filepath.Base would
	// otherwise turn that into the directory's own basename, which the
	// translator would then mistake for a same-named child of the directory.
	// The empty-filename convention (see backend_fake_test.go's synthetic
	// self-delete) is how a self-event reaches the translator's "not
	// strictly inside the watched directory" drop.
	var filename string
	if event.Name != w.dir {
		filename = filepath.Base(event.Name)
	}

	switch {
	case event.Op&fsnotify.Create != 0:
		if w.tryPairRename(filename) {
			return
		}
		w.emit(Add, filename, "")
	case event.Op&fsnotify.Write != 0:
		w.emit(Modified, filename, "")
	case event.Op&fsnotify.Remove != 0:
		w.emit(Delete, filename, "")
	case event.Op&fsnotify.Rename != 0:
		w.bufferRename(filename)
	case event.Op&fsnotify.Chmod != 0:
		w.emit(Modified, filename, "")
	}
}

// bufferRename holds the old name until either a same-directory Create
// arrives (paired into a single Moved event) or the window elapses (emitted
// as a plain Delete, i.e. a move out of the watched directory).
func (w *fsnotifyWatch) bufferRename(oldFilename string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pendingRename != nil {
		w.pendingRename.timer.Stop()
		w.emitLocked(Delete, w.pendingRename.filename, "")
	}

	pending := &pendingRename{filename: oldFilename}
	pending.timer = time.AfterFunc(renamePairWindow, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.pendingRename == pending {
			w.pendingRename = nil
			w.emitLocked(Delete, oldFilename, "")
		}
	})
	w.pendingRename = pending
}

func (w *fsnotifyWatch) tryPairRename(newFilename string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pendingRename == nil {
		return false
	}
	w.pendingRename.timer.Stop()
	oldFilename := w.pendingRename.filename
	w.pendingRename = nil
	w.emitLocked(Moved, newFilename, oldFilename)
	return true
}

func (w *fsnotifyWatch) emit(action Action, filename, oldFilename string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emitLocked(action, filename, oldFilename)
}

func (w *fsnotifyWatch) emitLocked(action Action, filename, oldFilename string) {
	w.listener.OnAction(Event{
		Handle:      w.handle,
		Action:      action,
		Dir:         w.dir,
		Filename:    filename,
		OldFilename: oldFilename,
	})
}
