//go:build !darwin

package watchtree

// On Linux and Windows the native primitive (inotify, ReadDirectoryChangesW)
// is per-directory with no shared-stream cost to amortize, so consolidation
// is disabled entirely: one native watcher per watched directory.
func defaultRegistryOptionsForPlatform() RegistryOptions {
	return RegistryOptions{}
}
