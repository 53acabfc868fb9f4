package fsutil

import (
	"os"
	"path/filepath"
	"strings"
)

// CanonicalPath resolves path to its real, absolute, symlink-free form, the
// way the registry tree keys every subscription. It requires the path to
// exist on disk.
func CanonicalPath(path string) (string, error) {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	real, err := filepath.EvalSymlinks(absolute)
	if err != nil {
		return "", err
	}
	return filepath.Clean(real), nil
}

// SplitSegments splits a canonical absolute path into its ordered,
// non-empty path segments (spec.md §3's "path segments").
func SplitSegments(path string) []string {
	cleaned := filepath.Clean(path)
	volume := filepath.VolumeName(cleaned)
	cleaned = strings.TrimPrefix(cleaned, volume)
	parts := strings.Split(cleaned, string(filepath.Separator))
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		segments = append(segments, part)
	}
	if volume != "" {
		segments = append([]string{volume}, segments...)
	}
	return segments
}

// JoinSegments rebuilds an absolute path from segments produced by
// SplitSegments.
func JoinSegments(segments []string) string {
	if len(segments) == 0 {
		return string(filepath.Separator)
	}
	joined := filepath.Join(segments...)
	if !filepath.IsAbs(joined) {
		joined = string(filepath.Separator) + joined
	}
	return joined
}

// IsAncestor reports whether child is parent or a descendant of parent.
func IsAncestor(parent, child string) bool {
	parent = filepath.Clean(parent)
	child = filepath.Clean(child)
	if parent == child {
		return true
	}
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// StatIsDir reports whether path exists and is a directory.
func StatIsDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}
