// Package watchtree is a cross-platform filesystem watcher that minimizes
// the number of OS-level watch resources used to serve many subscriptions.
//
// Callers subscribe to a file or directory path with Watch. Internally, a
// registry tree decides whether that subscription attaches to an existing
// native watcher, causes descendant watchers to be relocated under a new
// common ancestor, or gets a native watcher of its own. Raw OS events are
// demultiplexed and translated into a small per-subscription event vocabulary
// (create, change, delete, rename) by the event translator in translate.go.
package watchtree
