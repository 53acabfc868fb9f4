package watchtree

import (
	"os"
	"path/filepath"
	"sync"

	"watchtree/internal/fsutil"
	"watchtree/internal/native"
)

// Subscription is the user-visible handle returned by Watch. It stays valid
// across registry-driven migrations between native watchers.
type Subscription struct {
	mu sync.Mutex

	registry *Registry
	callback Callback

	ctx translateContext

	native  *NativeWatcher
	handles observerHandle

	closed bool
}

// Close detaches the subscription from its native watcher, if any, and
// marks it inactive. Idempotent.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	native := s.native
	handles := s.handles
	s.native = nil
	s.mu.Unlock()

	if native != nil {
		native.removeObservers(handles)
		native.release()
	}

	s.registry.detach(s)
	return nil
}

// attachTo binds the subscription to native, registering its three
// observers per spec.md §4.2's attach/re-attach protocol. Called by the
// registry both for the initial attach and for every migration.
func (s *Subscription) attachTo(nw *NativeWatcher) error {
	if err := nw.retain(); err != nil {
		return err
	}

	handles := nw.addObservers(
		func(event native.Event) { s.handleRawEvent(nw, event) },
		func(replacement *NativeWatcher, watchedPath string) { s.handleShouldDetach(nw, replacement, watchedPath) },
		func() { s.handleWillStop(nw) },
	)

	s.mu.Lock()
	s.native = nw
	s.handles = handles
	s.mu.Unlock()

	return nil
}

func (s *Subscription) handleRawEvent(source *NativeWatcher, raw native.Event) {
	s.mu.Lock()
	if s.closed || s.native != source {
		s.mu.Unlock()
		return
	}
	event, ok := translateEvent(&s.ctx, raw)
	callback := s.callback
	s.mu.Unlock()

	if ok && callback != nil {
		callback(event)
	}
}

// handleShouldDetach implements the ignore conditions from spec.md §4.2: a
// closing subscription, a replacement equal to the current native, or a
// replacement whose watched directory is no longer an ancestor of this
// subscription's normalized path, are all no-ops.
func (s *Subscription) handleShouldDetach(source, replacement *NativeWatcher, watchedPath string) {
	s.mu.Lock()
	if s.closed || s.native != source {
		s.mu.Unlock()
		return
	}
	if replacement == nil || replacement == s.native {
		s.mu.Unlock()
		return
	}
	if !fsutil.IsAncestor(watchedPath, s.ctx.normalizedPath) {
		s.mu.Unlock()
		return
	}
	oldHandles := s.handles
	s.mu.Unlock()

	// Re-subscribe to the replacement before dropping the old subscription,
	// so there is no window with zero natives covering us. retain() starts
	// the replacement if this is its first subscriber, and only increments
	// its count otherwise.
	if err := s.attachTo(replacement); err != nil {
		return
	}
	source.removeObservers(oldHandles)
	source.release()
}

func (s *Subscription) handleWillStop(source *NativeWatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.native == source {
		s.native = nil
	}
}

// newSubscription builds a Subscription in translateContext terms for
// path, resolving whether it names a file (is_watching_parent) or a
// directory, per spec.md §3's path-segment convention.
func newSubscription(registry *Registry, canonical string, callback Callback) (*Subscription, error) {
	isDir, err := fsutil.StatIsDir(canonical)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	sub := &Subscription{registry: registry, callback: callback}
	if isDir {
		sub.ctx = translateContext{
			targetPath:               canonical,
			normalizedPath:           canonical,
			isWatchingParent:         false,
			targetExistedAtSubscribe: true,
		}
	} else {
		sub.ctx = translateContext{
			targetPath:               canonical,
			normalizedPath:           filepath.Dir(canonical),
			isWatchingParent:         true,
			targetExistedAtSubscribe: true,
		}
	}
	return sub, nil
}

// normalizedPath is the directory this subscription needs a native watcher
// on, used by the registry to place it in the tree.
func (s *Subscription) normalizedPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.normalizedPath
}
