package watchtree

import (
	"errors"
	"sync"
	"sync/atomic"

	"watchtree/internal/native"
)

// fakeBackend is an in-memory native.Backend for exercising the registry,
// native watcher wrapper, and subscription migration logic without a real
// OS watch. Grounded on the teacher's own preference for exercising its
// watcher package against real temp-dir filesystem events
// (internal/watcher/watcher_test.go); the registry's consolidation
// algorithm, by contrast, is pure bookkeeping over paths, so driving it with
// synthetic AddWatch/RemoveWatch calls and hand-fed events - rather than a
// real filesystem - is what lets the sibling/ancestor/split/merge scenarios
// in spec.md §8 be asserted deterministically.
type fakeBackend struct {
	mu            sync.Mutex
	nextHandle    int64
	watches       map[int64]*fakeWatch
	byDir         map[string]int64
	failDirs      map[string]bool
	addWatchCalls int
}

type fakeWatch struct {
	handle   int64
	dir      string
	listener native.Listener
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		watches: make(map[int64]*fakeWatch),
		byDir:   make(map[string]int64),
	}
}

func (b *fakeBackend) AddWatch(directory string, listener native.Listener) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.addWatchCalls++

	if b.failDirs[directory] {
		delete(b.failDirs, directory)
		return 0, errors.New("fake backend: forced AddWatch failure")
	}

	handle := atomic.AddInt64(&b.nextHandle, 1)
	b.watches[handle] = &fakeWatch{handle: handle, dir: directory, listener: listener}
	b.byDir[directory] = handle
	return handle, nil
}

func (b *fakeBackend) RemoveWatch(handle int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.watches[handle]; ok {
		delete(b.byDir, w.dir)
	}
	delete(b.watches, handle)
}

// failNext marks directory so the next AddWatch against it fails, simulating
// spec.md §7's "backend add_watch failure" case.
func (b *fakeBackend) failNext(directory string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failDirs == nil {
		b.failDirs = make(map[string]bool)
	}
	b.failDirs[directory] = true
}

// emit delivers a raw event to whichever fakeWatch currently owns dir, the
// way a real backend's callback would report an event for the directory it
// was told to watch.
func (b *fakeBackend) emit(dir string, action native.Action, filename, oldFilename string) bool {
	b.mu.Lock()
	handle, ok := b.byDir[dir]
	var listener native.Listener
	if ok {
		listener = b.watches[handle].listener
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	listener.OnAction(native.Event{
		Handle:      handle,
		Action:      action,
		Dir:         dir,
		Filename:    filename,
		OldFilename: oldFilename,
	})
	return true
}

// addWatchCount reports how many times AddWatch has been called in total,
// successful or not, for assertions that teardown didn't spuriously spin up
// new native watchers.
func (b *fakeBackend) addWatchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addWatchCalls
}

// liveDirs returns the set of directories currently under watch, for
// assertions that want to check the backend's view directly rather than
// going through the registry.
func (b *fakeBackend) liveDirs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	dirs := make([]string, 0, len(b.byDir))
	for d := range b.byDir {
		dirs = append(dirs, d)
	}
	return dirs
}
