package watchtree

import "errors"

var (
	// ErrNotFound is returned by Watch when the requested path does not
	// exist at subscribe time. Watching a path into existence is not
	// supported.
	ErrNotFound = errors.New("watchtree: path not found")

	// ErrBackendStart is returned (wrapped with the underlying cause) when a
	// native backend fails to start a watch.
	ErrBackendStart = errors.New("watchtree: native backend failed to start watch")
)
