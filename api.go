package watchtree

import (
	"sync"

	"watchtree/internal/native"
	"watchtree/internal/wtlog"
)

// defaultLogger is process-wide, matching the teacher's package-level
// logging convention; callers that want their own sink construct a
// *Registry directly instead of using the package-level functions.
var defaultLogger = wtlog.New(nil, wtlog.LevelInfo)

var (
	defaultRegistryOnce sync.Once
	defaultRegistryInst *Registry
)

// defaultRegistry is the process-wide registry backing Watch,
// CloseAllWatchers, GetWatchedPaths, and GetNativeWatcherCount, initialized
// on first use per spec.md §9's "global registry" design note.
func defaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistryInst = NewRegistry(newDefaultBackend(), DefaultRegistryOptions(), defaultLogger)
	})
	return defaultRegistryInst
}

// Watch subscribes to change notifications on path, which must be absolute
// and must already exist. callback is invoked on the package's cooperative
// dispatch thread for every translated event.
func Watch(path string, callback Callback) (*Subscription, error) {
	return defaultRegistry().Watch(path, callback)
}

// CloseAllWatchers stops every live subscription and native watcher and
// resets the process-wide registry to empty in place, so a subsequent Watch
// call starts from an empty tree.
func CloseAllWatchers() {
	defaultRegistryOnce.Do(func() {
		defaultRegistryInst = NewRegistry(newDefaultBackend(), DefaultRegistryOptions(), defaultLogger)
	})
	defaultRegistryInst.CloseAll()
}

// GetWatchedPaths returns the canonical directory of every native watcher
// currently running at the OS level, deduplicated.
func GetWatchedPaths() []string {
	return defaultRegistry().WatchedPaths()
}

// GetNativeWatcherCount returns the number of distinct native watchers
// currently running at the OS level.
func GetNativeWatcherCount() int {
	return defaultRegistry().NativeWatcherCount()
}

func newDefaultBackend() native.Backend {
	return newPlatformBackend()
}
