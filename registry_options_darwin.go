//go:build darwin

package watchtree

func defaultRegistryOptionsForPlatform() RegistryOptions {
	return RegistryOptions{
		ReuseAncestorWatchers:            true,
		RelocateDescendantWatchers:       true,
		RelocateAncestorWatchers:         true,
		MergeWatchersWithCommonAncestors: true,
		MaxCommonAncestorLevel:           2,
	}
}
