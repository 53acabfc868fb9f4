package watchtree

import (
	"path/filepath"

	"watchtree/internal/native"
)

// translateContext is the subscription state the translator needs. It
// mirrors a PathWatcher's target_path/normalized_path/is_watching_parent
// fields without depending on the Subscription type, keeping the function
// pure and independently testable.
type translateContext struct {
	targetPath       string
	normalizedPath   string
	isWatchingParent bool

	// targetExistedAtSubscribe suppresses the spurious Add the backend
	// reports for a target that already existed when the watch started.
	targetExistedAtSubscribe bool
}

// translateEvent maps one raw native event to zero or one public Event for
// a subscription described by ctx. It returns (Event{}, false) to mean drop.
//
// A rename that turns out to move the subscription's own target updates
// ctx.targetPath/normalizedPath in place, the same way the original
// PathWatcher follows a rename of its watched file.
func translateEvent(ctx *translateContext, raw native.Event) (Event, bool) {
	newPath := filepath.Join(raw.Dir, raw.Filename)
	var oldPath string
	hasOld := raw.OldFilename != ""
	if hasOld {
		oldPath = filepath.Join(raw.Dir, raw.OldFilename)
	}

	eqTarget := func(p string) bool { return p == ctx.targetPath }
	inside := func(p string) bool { return isInside(ctx.normalizedPath, p) }

	if !inside(newPath) && !(hasOld && inside(oldPath)) {
		return Event{}, false
	}

	switch raw.Action {
	case native.Add:
		if eqTarget(newPath) {
			if ctx.targetExistedAtSubscribe {
				// Suppress only the first, spurious Add; the target may
				// legitimately be deleted and recreated later.
				ctx.targetExistedAtSubscribe = false
				return Event{}, false
			}
			return Event{Kind: EventCreate}, true
		}
		if ctx.isWatchingParent {
			return Event{}, false
		}
		return Event{Kind: EventChange}, true

	case native.Delete:
		if ctx.isWatchingParent {
			if eqTarget(newPath) {
				return Event{Kind: EventDelete}, true
			}
			return Event{}, false
		}
		return Event{Kind: EventChange}, true

	case native.Modified:
		if ctx.isWatchingParent {
			if eqTarget(newPath) {
				return Event{Kind: EventChange}, true
			}
			return Event{}, false
		}
		if eqTarget(newPath) {
			return Event{}, false
		}
		return Event{Kind: EventChange}, true

	case native.Moved:
		return translateMoved(ctx, newPath, oldPath, hasOld)
	}

	return Event{}, false
}

func translateMoved(ctx *translateContext, newPath, oldPath string, hasOld bool) (Event, bool) {
	eqTarget := func(p string) bool { return p == ctx.targetPath }
	inside := func(p string) bool { return isInside(ctx.normalizedPath, p) }

	pathInvolved := eqTarget(newPath) || (hasOld && eqTarget(oldPath))

	if !pathInvolved {
		if ctx.isWatchingParent {
			return Event{}, false
		}
		if filepath.Dir(newPath) == ctx.normalizedPath || (hasOld && filepath.Dir(oldPath) == ctx.normalizedPath) {
			return Event{Kind: EventChange}, true
		}
		return Event{}, false
	}

	if inside(newPath) && newPath != ctx.targetPath {
		ctx.targetPath = newPath
		if ctx.isWatchingParent {
			ctx.normalizedPath = filepath.Dir(newPath)
		}
	}

	insideOld := hasOld && inside(oldPath)
	insideNew := inside(newPath)

	switch {
	case insideOld && insideNew:
		return Event{Kind: EventRename, Path: newPath}, true
	case insideOld:
		return Event{Kind: EventDelete}, true
	case insideNew:
		return Event{Kind: EventCreate}, true
	}
	return Event{}, false
}

// isInside reports whether p lies strictly beneath normalizedPath (p starts
// with normalizedPath + separator). p == normalizedPath is NOT inside: a
// directory is not inside itself.
func isInside(normalizedPath, p string) bool {
	if p == normalizedPath {
		return false
	}
	rel, err := filepath.Rel(normalizedPath, p)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	sep := string(filepath.Separator)
	return len(rel) >= 3 && rel[:3] == ".."+sep
}
