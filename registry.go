package watchtree

import (
	"fmt"
	"sync"

	"watchtree/internal/fsutil"
	"watchtree/internal/native"
	"watchtree/internal/wtlog"
)

// node is one entry in the registry's path trie. A node is a leaf iff
// native != nil; otherwise it is a pure interior node existing only to
// route to its children.
type node struct {
	parent   *node
	segment  string
	children map[string]*node

	// Leaf-only fields.
	native     *NativeWatcher
	childPaths map[string][]string // segments, keyed by joined path, of descendants this leaf serves
}

func newInteriorNode(parent *node, segment string) *node {
	return &node{parent: parent, segment: segment, children: make(map[string]*node)}
}

func (n *node) isLeaf() bool { return n.native != nil }

// Registry is the path-trie described in spec.md §4.1: it decides, for each
// subscription, whether to reuse, create, relocate, or merge native
// watchers. Grounded on the teacher's single-writer discipline in
// watch_registry.go (all mutation happens under one mutex) but generalized
// from a flat path->callbacks map into the full consolidation tree spec.md
// requires. Operations that migrate subscribers (relocate, merge, split,
// narrow) start and stop backend watches while that mutex is held.
type Registry struct {
	mu      sync.Mutex
	root    *node
	backend native.Backend
	options RegistryOptions
	logger  *wtlog.Logger

	leafByPath map[string]*node // convenience index: canonical dir -> owning leaf node
	subsByPath map[string]map[*Subscription]struct{}

	// closing is set for the duration of CloseAll. It suppresses the
	// should-detach-driven leaf creation that detach/splitLeaf/
	// narrowToSoleChild would otherwise perform, per spec.md §5's teardown
	// cancellation rule: CloseAll tears down subscribers one at a time in
	// arbitrary order, and without this flag a reused ancestor leaf losing
	// subscribers one by one would spuriously narrow or split itself onto
	// brand-new native watchers that are about to be closed anyway.
	closing bool
}

// NewRegistry builds an empty registry bound to backend, using options to
// decide consolidation policy.
func NewRegistry(backend native.Backend, options RegistryOptions, logger *wtlog.Logger) *Registry {
	return &Registry{
		root:       newInteriorNode(nil, ""),
		backend:    backend,
		options:    options,
		logger:     logger,
		leafByPath: make(map[string]*node),
		subsByPath: make(map[string]map[*Subscription]struct{}),
	}
}

// Watch canonicalizes path, resolves it to a subscription, and attaches it
// to the registry tree.
func (r *Registry) Watch(path string, callback Callback) (*Subscription, error) {
	canonical, err := fsutil.CanonicalPath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	sub, err := newSubscription(r, canonical, callback)
	if err != nil {
		return nil, err
	}

	nw, err := r.attach(sub.normalizedPath())
	if err != nil {
		return nil, err
	}
	if err := sub.attachTo(nw); err != nil {
		r.rollbackFailedAttach(nw)
		return nil, err
	}

	r.mu.Lock()
	if r.subsByPath[sub.normalizedPath()] == nil {
		r.subsByPath[sub.normalizedPath()] = make(map[*Subscription]struct{})
	}
	r.subsByPath[sub.normalizedPath()][sub] = struct{}{}
	r.mu.Unlock()

	return sub, nil
}

// rollbackFailedAttach removes a freshly created leaf that never gained a
// subscriber because the backend failed to start the watch, per spec.md
// §5's "failure of native start" rollback requirement. A leaf that absorbed
// migrated descendants already has other subscribers and is left alone.
func (r *Registry) rollbackFailedAttach(nw *NativeWatcher) {
	if nw.subscriberCount() > 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, n := range r.leafByPath {
		if n.native == nw {
			r.removeLeafNode(n)
			_ = path
			return
		}
	}
}

// attach implements spec.md §4.1's attach algorithm: the four outcomes of
// looking up P (path segments of the new subscription) in the trie.
func (r *Registry) attach(path string) (*NativeWatcher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	segments := fsutil.SplitSegments(path)

	// Walk down from root, remembering the first leaf seen along the way
	// (outcome 1) while continuing to the deepest node reached - which may
	// be nested inside that leaf's own children, when reuse is disabled
	// and the trie already holds stacked leaves. A leaf sitting exactly at
	// P takes precedence over any higher one. Outcome 2's search for
	// descendant leaves only runs when the walk reached P itself.
	current := r.root
	var ancestorLeaf *node
	reachedP := true
	for _, seg := range segments {
		if ancestorLeaf == nil && current.isLeaf() {
			ancestorLeaf = current
		}
		next, ok := current.children[seg]
		if !ok {
			reachedP = false
			break
		}
		current = next
	}
	if reachedP && current.isLeaf() {
		ancestorLeaf = current
	}

	if ancestorLeaf != nil {
		// Outcome 1: Parent. An exact re-subscription to a path that's
		// already a leaf always reuses it - invariant 2 (at most one
		// native watcher per directory) does not bend to
		// ReuseAncestorWatchers, which only governs reuse across a
		// strict ancestor/descendant gap.
		if joinNodePath(ancestorLeaf) == path {
			return ancestorLeaf.native, nil
		}
		if r.options.ReuseAncestorWatchers {
			r.addChildPath(ancestorLeaf, path)
			return ancestorLeaf.native, nil
		}
		// Falls through to outcome 2/3 treatment below (outcome 4 only
		// applies when no ancestor leaf exists): reuse disabled means we
		// create our own leaf, even though an ancestor exists.
	}

	var descendantLeaves []*node
	if reachedP {
		descendantLeaves = r.collectDescendantLeaves(current, segments)
	}
	if len(descendantLeaves) > 0 && r.options.RelocateDescendantWatchers {
		// Outcome 2: Children.
		return r.relocateDescendants(path, segments, descendantLeaves)
	}

	if ancestorLeaf == nil && current != r.root && r.options.MergeWatchersWithCommonAncestors {
		// Outcome 4: Missing, common ancestor found. current is the
		// deepest interior node reached; look for sibling leaves below it
		// to merge with, subject to the distance cap.
		if merged, err := r.tryMergeAtCommonAncestor(current, path, segments); err != nil {
			return nil, err
		} else if merged != nil {
			return merged, nil
		}
	}

	// Outcome 3 (or fallthrough from 1/2/4 when disabled/out of range):
	// create a standalone watcher at P.
	leaf, err := r.createLeaf(path, segments)
	if err != nil {
		return nil, err
	}
	return leaf.native, nil
}

// collectDescendantLeaves finds every leaf strictly below the interior node
// reached while walking segments, even past where the trie currently stops
// (a leaf could exist deeper than any interior chain we've built, but since
// leaves absorb their descendants we only need to scan nodes actually
// present).
func (r *Registry) collectDescendantLeaves(from *node, segments []string) []*node {
	var leaves []*node
	var walk func(n *node)
	walk = func(n *node) {
		if n.isLeaf() {
			leaves = append(leaves, n)
			return
		}
		for _, child := range n.children {
			walk(child)
		}
	}
	for _, child := range from.children {
		walk(child)
	}
	return leaves
}

func (r *Registry) relocateDescendants(path string, segments []string, leaves []*node) (*NativeWatcher, error) {
	leaf, err := r.createLeaf(path, segments)
	if err != nil {
		return nil, err
	}

	for _, old := range leaves {
		r.migrateLeafSubscribers(old, leaf)
		leaf.childPaths[joinNodePath(old)] = nil
		for childPath := range old.childPaths {
			leaf.childPaths[childPath] = nil
		}
		r.removeLeafNode(old)
	}

	return leaf.native, nil
}

// tryMergeAtCommonAncestor implements outcome 4: merging the new
// subscription with existing sibling/cousin leaves below the interior node
// `ancestor`, provided the distance from ancestor to path is within the
// configured cap.
func (r *Registry) tryMergeAtCommonAncestor(ancestor *node, path string, segments []string) (*NativeWatcher, error) {
	siblingLeaves := r.collectDescendantLeaves(ancestor, segments)
	if len(siblingLeaves) == 0 {
		return nil, nil
	}

	ancestorPath := joinNodePath(ancestor)
	distance := len(segments) - len(fsutil.SplitSegments(ancestorPath))
	if r.options.MaxCommonAncestorLevel > 0 && distance > r.options.MaxCommonAncestorLevel {
		return nil, nil
	}

	ancestorSegs := fsutil.SplitSegments(ancestorPath)
	leaf, err := r.createLeaf(ancestorPath, ancestorSegs)
	if err != nil {
		return nil, err
	}

	leaf.childPaths[path] = segments
	for _, old := range siblingLeaves {
		r.migrateLeafSubscribers(old, leaf)
		leaf.childPaths[joinNodePath(old)] = nil
		for childPath := range old.childPaths {
			leaf.childPaths[childPath] = nil
		}
		r.removeLeafNode(old)
	}

	return leaf.native, nil
}

func remainingSegmentsBelow(n *node) []string {
	var segs []string
	for cur := n; cur != nil && cur.parent != nil; cur = cur.parent {
		segs = append([]string{cur.segment}, segs...)
	}
	return segs
}

func joinNodePath(n *node) string {
	return fsutil.JoinSegments(remainingSegmentsBelow(n))
}

// addChildPath records path as being served by leaf on behalf of a
// descendant, without creating a watcher of its own.
func (r *Registry) addChildPath(leaf *node, path string) {
	if leaf.childPaths == nil {
		leaf.childPaths = make(map[string][]string)
	}
	leaf.childPaths[path] = fsutil.SplitSegments(path)
}

// createLeaf inserts interior nodes down to path (creating any missing) and
// turns the final node into a leaf holding a fresh, not-yet-started native
// watcher. The watcher actually starts the OS-level watch on its first
// retain() - either via Subscription.attachTo for a plain new subscription,
// or via the first migrating subscriber during a merge/split/relocate -
// which is what gives migrations their "new native starts before old
// stops" ordering: retain() runs synchronously before the migrating
// subscriber releases its old native.
func (r *Registry) createLeaf(path string, segments []string) (*node, error) {
	current := r.root
	for _, seg := range segments {
		next, ok := current.children[seg]
		if !ok {
			next = newInteriorNode(current, seg)
			current.children[seg] = next
		}
		current = next
	}

	current.native = newNativeWatcher(path, r.backend, r.logger)
	current.childPaths = make(map[string][]string)
	r.leafByPath[path] = current

	return current, nil
}

// migrateLeafSubscribers implements the registry's half of migration:
// broadcast should-detach so every current subscriber of old hops onto
// replacement. The first subscriber to attach starts replacement's native
// watcher before releasing old, which keeps spec.md §5's ordering guarantee.
func (r *Registry) migrateLeafSubscribers(old *node, replacement *node) {
	if r.closing {
		return
	}
	old.native.notifyShouldDetach(replacement.native)
	// Each subscriber's Subscription.handleShouldDetach attaches to the
	// replacement and releases old synchronously before returning, so old's
	// subscriber count reaches zero - and old stops itself - as soon as the
	// last one migrates. No separate release() call is needed here.
}

func (r *Registry) removeLeafNode(n *node) {
	path := joinNodePath(n)
	delete(r.leafByPath, path)
	n.native = nil
	n.childPaths = nil
	r.pruneEmptyInterior(n)
}

// pruneEmptyInterior removes n and any now-childless ancestors, stopping at
// the first node that still has children or is the root.
func (r *Registry) pruneEmptyInterior(n *node) {
	for n != nil && n.parent != nil && len(n.children) == 0 && !n.isLeaf() {
		parent := n.parent
		delete(parent.children, n.segment)
		n = parent
	}
}

// findOwningLeaf locates the leaf serving path, whether path is a leaf's
// own creation path or one of the childPaths it absorbed via reuse or
// merge. It walks the trie the same way attach does, but keeps descending
// past the first leaf found whenever a deeper node still exists for the
// remaining segments - a leaf can itself have leaf descendants when
// ReuseAncestorWatchers is disabled - stopping on the deepest leaf whose
// subtree still covers path.
func (r *Registry) findOwningLeaf(segments []string) (*node, bool) {
	current := r.root
	var lastLeaf *node
	for _, seg := range segments {
		if current.isLeaf() {
			lastLeaf = current
		}
		next, ok := current.children[seg]
		if !ok {
			if lastLeaf != nil {
				return lastLeaf, true
			}
			return nil, false
		}
		current = next
	}
	if current.isLeaf() {
		return current, true
	}
	if lastLeaf != nil {
		return lastLeaf, true
	}
	return nil, false
}

// detach implements spec.md §4.1's detach algorithm for sub, which has
// already released its own native-watcher reference.
func (r *Registry) detach(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	path := sub.normalizedPath()
	if subs, ok := r.subsByPath[path]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(r.subsByPath, path)
		}
	}

	if r.closing {
		return
	}

	leaf, ok := r.findOwningLeaf(fsutil.SplitSegments(path))
	if !ok {
		return
	}

	if len(r.subsByPath[path]) > 0 {
		// Other subscriptions still watch this exact path directly;
		// nothing to restructure.
		return
	}

	if joinNodePath(leaf) == path {
		// This subscription owned the leaf outright.
		if len(leaf.childPaths) > 0 {
			r.splitLeaf(leaf)
			return
		}
		r.removeLeafNode(leaf)
		return
	}

	// The subscription was one of several child-paths of an ancestor leaf.
	delete(leaf.childPaths, path)
	if len(leaf.childPaths) == 1 && r.options.RelocateAncestorWatchers {
		r.narrowToSoleChild(leaf)
	}
}

// splitLeaf converts leaf back into an interior node, re-attaching each
// recorded child path as a new, tighter leaf, migrating that child path's
// subscribers off the original native watcher.
func (r *Registry) splitLeaf(leaf *node) {
	if r.closing {
		return
	}
	oldNative := leaf.native
	childPaths := leaf.childPaths

	leaf.native = nil
	leaf.childPaths = nil
	delete(r.leafByPath, joinNodePath(leaf))

	for childPath := range childPaths {
		childSegments := fsutil.SplitSegments(childPath)
		newLeaf, err := r.createLeaf(childPath, childSegments)
		if err != nil {
			continue
		}
		// Only subscribers whose normalizedPath falls under this childPath
		// accept the migration (Subscription.handleShouldDetach's ancestor
		// check); the rest stay registered on oldNative until their own
		// childPath's iteration runs.
		oldNative.notifyShouldDetach(newLeaf.native)
	}
}

// narrowToSoleChild replaces leaf's watcher, which now serves only one
// remaining child path, with a tighter watcher directly on that path. If
// leaf also has a direct subscriber of its own at its own path (it was
// reused both as a host for child paths and as a plain subscription
// target), that subscriber rejects the should-detach - the replacement
// isn't an ancestor of its normalized_path - and keeps leaf's native
// running, so leaf must stay indexed rather than be torn down.
func (r *Registry) narrowToSoleChild(leaf *node) {
	if r.closing {
		return
	}
	var solePath string
	for p := range leaf.childPaths {
		solePath = p
	}

	newLeaf, err := r.createLeaf(solePath, fsutil.SplitSegments(solePath))
	if err != nil {
		return
	}

	leaf.native.notifyShouldDetach(newLeaf.native)
	// The sole remaining subscriber self-releases old inside
	// handleShouldDetach, bringing leaf's native to zero subscribers and
	// stopping it - unless leaf's own direct subscriber is still attached,
	// in which case leaf keeps serving it and must remain a live leaf.
	if len(r.subsByPath[joinNodePath(leaf)]) > 0 {
		leaf.childPaths = make(map[string][]string)
		return
	}
	r.removeLeafNode(leaf)
}

// WatchedPaths returns the canonical directory of every live native
// watcher, deduplicated.
func (r *Registry) WatchedPaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	paths := make([]string, 0, len(r.leafByPath))
	for p := range r.leafByPath {
		paths = append(paths, p)
	}
	return paths
}

// NativeWatcherCount returns the number of distinct live native watchers.
func (r *Registry) NativeWatcherCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.leafByPath)
}

// CloseAll stops every live subscription and native watcher, resetting the
// registry to empty. Per spec.md §5's cancellation rule, it sets closing
// before touching any subscriber so the teardown-driven detaches below
// cannot spawn fresh native watchers for paths about to be torn down anyway.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closing = true
	allSubs := make([]*Subscription, 0)
	for _, subs := range r.subsByPath {
		for sub := range subs {
			allSubs = append(allSubs, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range allSubs {
		sub.Close()
	}

	r.mu.Lock()
	r.root = newInteriorNode(nil, "")
	r.leafByPath = make(map[string]*node)
	r.subsByPath = make(map[string]map[*Subscription]struct{})
	r.closing = false
	r.mu.Unlock()
}
