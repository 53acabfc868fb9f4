package watchtree

// EventKind is the closed set of public event kinds delivered to a
// subscription's callback.
type EventKind string

const (
	EventCreate EventKind = "create"
	EventChange EventKind = "change"
	EventDelete EventKind = "delete"
	EventRename EventKind = "rename"
)

// Event is the value passed to a subscription's callback. Path is the new
// full path on rename, empty on a directory-contents change, and also empty
// on EventDelete when the delete is of the subscription's exact target.
type Event struct {
	Kind EventKind
	Path string
}

// Callback is the user-supplied handler registered with Watch.
type Callback func(event Event)

// RegistryOptions configures how the registry consolidates native watchers.
// See DefaultRegistryOptions for the platform defaults.
type RegistryOptions struct {
	// ReuseAncestorWatchers attaches a new subscription to an existing
	// ancestor leaf instead of creating a watcher of its own.
	ReuseAncestorWatchers bool

	// RelocateDescendantWatchers replaces existing descendant leaves with a
	// single watcher at a new ancestor subscription's path.
	RelocateDescendantWatchers bool

	// RelocateAncestorWatchers narrows an ancestor leaf's watcher to the
	// sole remaining child path once all its siblings have detached.
	RelocateAncestorWatchers bool

	// MergeWatchersWithCommonAncestors consolidates sibling/cousin
	// subscriptions under their nearest common directory.
	MergeWatchersWithCommonAncestors bool

	// MaxCommonAncestorLevel caps the segment distance a merge may span.
	// Zero or negative disables the cap.
	MaxCommonAncestorLevel int
}

// DefaultRegistryOptions returns the platform policy: macOS enables ancestor
// reuse, descendant relocation, ancestor relocation and common-ancestor
// merging, with a merge cap of 2; Linux and Windows disable all
// consolidation, giving one native watcher per directory.
func DefaultRegistryOptions() RegistryOptions {
	return defaultRegistryOptionsForPlatform()
}
