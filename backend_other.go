//go:build !darwin

package watchtree

import "watchtree/internal/native"

// newPlatformBackend selects the fsnotify-backed backend on Linux and
// Windows, per spec.md §1's "thin wrappers around inotify and
// ReadDirectoryChangesW".
func newPlatformBackend() native.Backend {
	return native.NewFsnotifyBackend()
}
