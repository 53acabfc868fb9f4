//go:build !darwin

package native

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type recordingListener struct {
	events chan Event
}

func newRecordingListener() *recordingListener {
	return &recordingListener{events: make(chan Event, 32)}
}

func (l *recordingListener) OnAction(event Event) {
	l.events <- event
}

func (l *recordingListener) next(t *testing.T) Event {
	t.Helper()
	select {
	case event := <-l.events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestFsnotifyBackendReportsCreateAndModify(t *testing.T) {
	dir := t.TempDir()
	backend := NewFsnotifyBackend()
	listener := newRecordingListener()

	handle, err := backend.AddWatch(dir, listener)
	if err != nil {
		t.Fatalf("AddWatch: %v", err)
	}
	defer backend.RemoveWatch(handle)

	path := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	event := listener.next(t)
	if event.Action != Add {
		t.Fatalf("expected Add, got %v", event.Action)
	}
	if event.Filename != "file.txt" {
		t.Fatalf("expected filename file.txt, got %q", event.Filename)
	}

	if err := os.WriteFile(path, []byte("hello again"), 0o644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}
	event = listener.next(t)
	if event.Action != Modified {
		t.Fatalf("expected Modified, got %v", event.Action)
	}
}

func TestFsnotifyBackendReportsDelete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	backend := NewFsnotifyBackend()
	listener := newRecordingListener()
	handle, err := backend.AddWatch(dir, listener)
	if err != nil {
		t.Fatalf("AddWatch: %v", err)
	}
	defer backend.RemoveWatch(handle)

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove file: %v", err)
	}

	event := listener.next(t)
	if event.Action != Delete {
		t.Fatalf("expected Delete, got %v", event.Action)
	}
	if event.Filename != "file.txt" {
		t.Fatalf("expected filename file.txt, got %q", event.Filename)
	}
}

func TestFsnotifyBackendPairsRenameWithinDirectory(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.txt")
	if err := os.WriteFile(oldPath, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	backend := NewFsnotifyBackend()
	listener := newRecordingListener()
	handle, err := backend.AddWatch(dir, listener)
	if err != nil {
		t.Fatalf("AddWatch: %v", err)
	}
	defer backend.RemoveWatch(handle)

	// The file was written before AddWatch, so the rename produces the
	// first event the listener sees.
	newPath := filepath.Join(dir, "new.txt")
	if err := os.Rename(oldPath, newPath); err != nil {
		t.Fatalf("rename: %v", err)
	}

	event := listener.next(t)
	if event.Action != Moved {
		t.Fatalf("expected Moved, got %v", event.Action)
	}
	if event.Filename != "new.txt" || event.OldFilename != "old.txt" {
		t.Fatalf("expected new.txt<-old.txt, got %q<-%q", event.Filename, event.OldFilename)
	}
}

func TestFsnotifyBackendUnpairedRenameBecomesDelete(t *testing.T) {
	dir := t.TempDir()
	outsideDir := t.TempDir()
	oldPath := filepath.Join(dir, "old.txt")
	if err := os.WriteFile(oldPath, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	backend := NewFsnotifyBackend()
	listener := newRecordingListener()
	handle, err := backend.AddWatch(dir, listener)
	if err != nil {
		t.Fatalf("AddWatch: %v", err)
	}
	defer backend.RemoveWatch(handle)

	if err := os.Rename(oldPath, filepath.Join(outsideDir, "old.txt")); err != nil {
		t.Fatalf("rename out: %v", err)
	}

	event := listener.next(t)
	if event.Action != Delete {
		t.Fatalf("expected Delete for move-out, got %v", event.Action)
	}
	if event.Filename != "old.txt" {
		t.Fatalf("expected filename old.txt, got %q", event.Filename)
	}
}
