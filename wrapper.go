package watchtree

import (
	"fmt"
	"sync"

	"watchtree/internal/native"
	"watchtree/internal/wtlog"
)

type wrapperState int

const (
	wrapperStopped wrapperState = iota
	wrapperRunning
	wrapperStopping
)

// changeObserver is invoked synchronously, on the cooperative dispatch
// thread, for every raw event the native watcher reports.
type changeObserver func(event native.Event)

// detachObserver is invoked when this watcher is being replaced during
// registry-driven migration. replacement is the watcher taking over and
// watchedPath is its directory.
type detachObserver func(replacement *NativeWatcher, watchedPath string)

// stopObserver is invoked once, when the watcher transitions to stopped.
type stopObserver func()

// NativeWatcher reference-counts subscribers on top of exactly one backend
// handle, per SPEC_FULL.md's expansion of spec.md §4.3. It is grounded on
// the teacher's Watcher type in internal/watcher/watcher.go, generalized
// from a single global fsnotify.Watcher plus per-path callback slices into
// one wrapper instance per watched directory with its own backend handle,
// and from async hub broadcast into the synchronous observer lists spec.md
// §5's ordering guarantee requires (see DESIGN.md).
type NativeWatcher struct {
	mu sync.Mutex

	path    string
	backend native.Backend
	logger  *wtlog.Logger

	state  wrapperState
	handle int64

	subscribers int
	nextObserverID uint64

	changeObservers map[uint64]changeObserver
	detachObservers map[uint64]detachObserver
	stopObservers   map[uint64]stopObserver
}

func newNativeWatcher(path string, backend native.Backend, logger *wtlog.Logger) *NativeWatcher {
	return &NativeWatcher{
		path:            path,
		backend:         backend,
		logger:          logger,
		state:           wrapperStopped,
		changeObservers: make(map[uint64]changeObserver),
		detachObservers: make(map[uint64]detachObserver),
		stopObservers:   make(map[uint64]stopObserver),
	}
}

// Path returns the canonical directory this watcher covers at the OS level.
func (w *NativeWatcher) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// start transitions stopped -> running on first subscriber, calling the
// backend's add_watch. It is a no-op if already running.
func (w *NativeWatcher) start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == wrapperRunning {
		return nil
	}

	handle, err := w.backend.AddWatch(w.path, w)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendStart, err)
	}
	w.handle = handle
	w.state = wrapperRunning
	if w.logger != nil {
		w.logger.Debug("native watcher started", wtlog.WithWatcherFields(map[string]string{"path": w.path}))
	}
	return nil
}

// retain increments the subscriber count, starting the backend watch on the
// first subscriber. If that start fails, the count is restored.
func (w *NativeWatcher) retain() error {
	w.mu.Lock()
	w.subscribers++
	needsStart := w.subscribers == 1 && w.state != wrapperRunning
	w.mu.Unlock()
	if needsStart {
		if err := w.start(); err != nil {
			w.mu.Lock()
			w.subscribers--
			w.mu.Unlock()
			return err
		}
	}
	return nil
}

// release decrements the subscriber count, stopping the backend watch (and
// emitting will-stop) once it reaches zero.
func (w *NativeWatcher) release() {
	w.mu.Lock()
	w.subscribers--
	shouldStop := w.subscribers <= 0 && w.state == wrapperRunning
	if shouldStop {
		w.state = wrapperStopping
	}
	w.mu.Unlock()

	if shouldStop {
		w.stop()
	}
}

// subscriberCount reports the current number of retained subscribers.
func (w *NativeWatcher) subscriberCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.subscribers
}

func (w *NativeWatcher) stop() {
	w.mu.Lock()
	handle := w.handle
	observers := make([]stopObserver, 0, len(w.stopObservers))
	for _, observe := range w.stopObservers {
		observers = append(observers, observe)
	}
	w.mu.Unlock()

	for _, observe := range observers {
		observe()
	}

	w.backend.RemoveWatch(handle)

	w.mu.Lock()
	w.state = wrapperStopped
	w.mu.Unlock()

	if w.logger != nil {
		w.logger.Debug("native watcher stopped", wtlog.WithWatcherFields(map[string]string{"path": w.path}))
	}
}

// notifyShouldDetach broadcasts should-detach to every current subscriber of
// this watcher, synchronously, before the caller proceeds to stop it. This
// is how registry-driven migration moves subscribers off a watcher that is
// about to be replaced or torn down. The replacement may still be stopped
// when this is called: the first subscriber that accepts starts it through
// retain() before releasing this watcher (spec.md §5's migration ordering
// guarantee).
//
// The watched directory passed to observers is the replacement's path, not
// this watcher's own: spec.md §4.2's ignore condition (c) is "the
// replacement's watched directory is not an ancestor of [the subscriber's]
// normalized_path" - a subscriber must reject a should-detach whose
// replacement doesn't actually cover it, which only a handful of current
// subscribers do when one leaf splits into several narrower ones.
func (w *NativeWatcher) notifyShouldDetach(replacement *NativeWatcher) {
	w.mu.Lock()
	observers := make([]detachObserver, 0, len(w.detachObservers))
	for _, observe := range w.detachObservers {
		observers = append(observers, observe)
	}
	w.mu.Unlock()

	replacementPath := replacement.Path()
	for _, observe := range observers {
		observe(replacement, replacementPath)
	}
}

// observerHandle lets a Subscription later remove exactly the observers it
// registered on a watcher, without disturbing any other subscriber's.
type observerHandle struct {
	changeID uint64
	detachID uint64
	stopID   uint64
}

func (w *NativeWatcher) addObservers(onChange changeObserver, onDetach detachObserver, onStop stopObserver) observerHandle {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextObserverID++
	changeID := w.nextObserverID
	w.changeObservers[changeID] = onChange

	w.nextObserverID++
	detachID := w.nextObserverID
	w.detachObservers[detachID] = onDetach

	w.nextObserverID++
	stopID := w.nextObserverID
	w.stopObservers[stopID] = onStop

	return observerHandle{changeID: changeID, detachID: detachID, stopID: stopID}
}

func (w *NativeWatcher) removeObservers(h observerHandle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.changeObservers, h.changeID)
	delete(w.detachObservers, h.detachID)
	delete(w.stopObservers, h.stopID)
}

// OnAction implements native.Listener. It is invoked on the backend's
// delivery thread (FSEvents dispatch queue, or the fsnotify goroutine); it
// hands the event to the dispatch bridge rather than running observers
// directly, so that user callbacks all run serially on the dispatch
// goroutine (see dispatch.go).
func (w *NativeWatcher) OnAction(event native.Event) {
	dispatchBridge.enqueue(func() {
		w.mu.Lock()
		observers := make([]changeObserver, 0, len(w.changeObservers))
		for _, observe := range w.changeObservers {
			observers = append(observers, observe)
		}
		w.mu.Unlock()
		for _, observe := range observers {
			observe(event)
		}
	})
}
