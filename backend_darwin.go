//go:build darwin

package watchtree

import "watchtree/internal/native"

// newPlatformBackend selects the FSEvents multiplexer on macOS, per
// spec.md §4.4.
func newPlatformBackend() native.Backend {
	return native.NewFSEventsBackend()
}
