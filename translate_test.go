package watchtree

import (
	"path/filepath"
	"testing"

	"watchtree/internal/native"
)

// dirWatchCtx builds a translateContext for a directory subscription rooted
// at root, matching what newSubscription produces for an isDir target.
func dirWatchCtx(root string) *translateContext {
	return &translateContext{
		targetPath:               root,
		normalizedPath:           root,
		isWatchingParent:         false,
		targetExistedAtSubscribe: true,
	}
}

// fileWatchCtx builds a translateContext for a file subscription, matching
// what newSubscription produces for a non-directory target.
func fileWatchCtx(target string) *translateContext {
	return &translateContext{
		targetPath:               target,
		normalizedPath:           filepath.Dir(target),
		isWatchingParent:         true,
		targetExistedAtSubscribe: true,
	}
}

func TestTranslateDirectoryWatchChildAddIsChange(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "X")
	ctx := dirWatchCtx(root)

	event, ok := translateEvent(ctx, native.Event{Action: native.Add, Dir: root, Filename: "f"})
	if !ok {
		t.Fatal("expected an event")
	}
	if event.Kind != EventChange || event.Path != "" {
		t.Fatalf("expected change/\"\", got %+v", event)
	}
}

func TestTranslateDirectoryWatchOwnCreationSuppressed(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "X")
	ctx := dirWatchCtx(root)

	_, ok := translateEvent(ctx, native.Event{Action: native.Add, Dir: filepath.Dir(root), Filename: filepath.Base(root)})
	if ok {
		t.Fatal("expected the spurious self-creation Add to be suppressed")
	}
}

func TestTranslateDirectoryWatchChildDeleteIsChange(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "X")
	ctx := dirWatchCtx(root)

	event, ok := translateEvent(ctx, native.Event{Action: native.Delete, Dir: root, Filename: "sub"})
	if !ok {
		t.Fatal("expected an event")
	}
	if event.Kind != EventChange {
		t.Fatalf("expected change, got %+v", event)
	}
}

func TestTranslateDirectoryWatchSelfDeleteIsSilent(t *testing.T) {
	// spec.md §4.2/§9: deletion of the directly-watched directory itself is
	// never surfaced, even though the raw Delete's new_path is eq_target.
	root := filepath.Join(string(filepath.Separator), "X", "sub")
	ctx := dirWatchCtx(root)

	_, ok := translateEvent(ctx, native.Event{Action: native.Delete, Dir: filepath.Dir(root), Filename: filepath.Base(root)})
	if ok {
		t.Fatal("expected self-deletion of a directly-watched directory to be dropped")
	}
}

func TestTranslateDirectoryWatchSelfModifiedDropped(t *testing.T) {
	// a directory cannot be "modified" in this model.
	root := filepath.Join(string(filepath.Separator), "X")
	ctx := dirWatchCtx(root)

	_, ok := translateEvent(ctx, native.Event{Action: native.Modified, Dir: filepath.Dir(root), Filename: filepath.Base(root)})
	if ok {
		t.Fatal("expected Modified on the watched directory itself to be dropped")
	}
}

func TestTranslateFileWatchIgnoresUnrelatedSiblingAdd(t *testing.T) {
	target := filepath.Join(string(filepath.Separator), "X", "f")
	ctx := fileWatchCtx(target)

	_, ok := translateEvent(ctx, native.Event{Action: native.Add, Dir: filepath.Dir(target), Filename: "other"})
	if ok {
		t.Fatal("expected unrelated sibling Add to be dropped for a file watch")
	}
}

func TestTranslateFileWatchDeleteOfTargetIsDelete(t *testing.T) {
	target := filepath.Join(string(filepath.Separator), "X", "f")
	ctx := fileWatchCtx(target)

	event, ok := translateEvent(ctx, native.Event{Action: native.Delete, Dir: filepath.Dir(target), Filename: filepath.Base(target)})
	if !ok {
		t.Fatal("expected an event")
	}
	if event.Kind != EventDelete || event.Path != "" {
		t.Fatalf("expected delete with null path, got %+v", event)
	}
}

func TestTranslateFileWatchModifiedOfTargetIsChange(t *testing.T) {
	target := filepath.Join(string(filepath.Separator), "X", "f")
	ctx := fileWatchCtx(target)

	event, ok := translateEvent(ctx, native.Event{Action: native.Modified, Dir: filepath.Dir(target), Filename: filepath.Base(target)})
	if !ok {
		t.Fatal("expected an event")
	}
	if event.Kind != EventChange {
		t.Fatalf("expected change, got %+v", event)
	}
}

func TestTranslateFileWatchModifiedOfSiblingDropped(t *testing.T) {
	target := filepath.Join(string(filepath.Separator), "X", "f")
	ctx := fileWatchCtx(target)

	_, ok := translateEvent(ctx, native.Event{Action: native.Modified, Dir: filepath.Dir(target), Filename: "other"})
	if ok {
		t.Fatal("expected Modified on a sibling to be dropped for a file watch")
	}
}

func TestTranslateRenameOfWatchedFileEmitsRenameAndFollowsTarget(t *testing.T) {
	dir := filepath.Join(string(filepath.Separator), "X")
	target := filepath.Join(dir, "f")
	ctx := fileWatchCtx(target)

	event, ok := translateEvent(ctx, native.Event{Action: native.Moved, Dir: dir, Filename: "g", OldFilename: "f"})
	if !ok {
		t.Fatal("expected a rename event")
	}
	if event.Kind != EventRename || event.Path != filepath.Join(dir, "g") {
		t.Fatalf("expected rename to %q, got %+v", filepath.Join(dir, "g"), event)
	}

	// ctx.targetPath must now track the renamed file, so a subsequent
	// Modified on the new name still fires.
	if ctx.targetPath != filepath.Join(dir, "g") {
		t.Fatalf("expected targetPath to follow rename, got %q", ctx.targetPath)
	}

	event2, ok2 := translateEvent(ctx, native.Event{Action: native.Modified, Dir: dir, Filename: "g"})
	if !ok2 || event2.Kind != EventChange {
		t.Fatalf("expected change after rename, got ok=%v event=%+v", ok2, event2)
	}
}

func TestTranslateRenameOutsideNormalizedPathDropped(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "X", "sub")
	ctx := dirWatchCtx(root)

	_, ok := translateEvent(ctx, native.Event{Action: native.Moved, Dir: filepath.Join(string(filepath.Separator), "X"), Filename: "b", OldFilename: "a"})
	if ok {
		t.Fatal("expected a rename entirely outside normalizedPath to be dropped")
	}
}

func TestTranslateRenameWithinWatchedDirUnrelatedToTargetIsChange(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "X")
	ctx := dirWatchCtx(root)

	event, ok := translateEvent(ctx, native.Event{Action: native.Moved, Dir: root, Filename: "b", OldFilename: "a"})
	if !ok {
		t.Fatal("expected an event for an unrelated rename inside the watched directory")
	}
	if event.Kind != EventChange {
		t.Fatalf("expected change, got %+v", event)
	}
}

func TestTranslateMoveInAcrossBoundarySurfacedAsAddIsChange(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "X")
	ctx := dirWatchCtx(root)

	// The translator only ever sees dir+filename pairs from its own native
	// watcher, so in practice a cross-boundary move-in of a child shows up
	// as an Add, not a Moved with an out-of-tree old path; for a directory
	// subscription that Add of a new child is reported as a change.
	event, ok := translateEvent(ctx, native.Event{Action: native.Add, Dir: root, Filename: "new"})
	if !ok || event.Kind != EventChange {
		t.Fatalf("expected change on move-in surfaced as Add, got ok=%v event=%+v", ok, event)
	}
}

func TestTranslateOutOfBoundsEventDropped(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "X", "sub")
	ctx := dirWatchCtx(root)

	_, ok := translateEvent(ctx, native.Event{Action: native.Modified, Dir: filepath.Join(string(filepath.Separator), "X"), Filename: "unrelated-sibling-dir"})
	if ok {
		t.Fatal("expected an event entirely outside normalizedPath to be dropped")
	}
}
