package recipe

import "strings"

// defaultPlatformRank is the platform tag ranking table, an immutable
// ordered list so the ranking can never be mutated out from under a
// concurrent SelectManifest call. Entries listed earlier are more
// generic; later entries are more specific and win ties.
var defaultPlatformRank = []string{
	"all",
	"linux", "windows", "darwin",
	"ubuntu", "debian", "amazonlinux", "windows_server", "macos",
}

// RankPlatform scores a manifest's platform predicate against the running
// device's tags. "all" always matches at the lowest rank. A predicate that
// is itself one of tags matches at its position in defaultPlatformRank; a
// predicate not present in tags and not "all" does not match (-1).
//
// When two manifests rank equally for the running device's tags, this
// implementation prefers whichever one appears first in the recipe's
// Manifests list (stable, declaration-order selection; see
// SelectManifest).
func RankPlatform(platform string, tags []string) int {
	platform = strings.ToLower(platform)
	if platform == "all" {
		return 0
	}
	for _, t := range tags {
		if strings.ToLower(t) == platform {
			for i, p := range defaultPlatformRank {
				if p == platform {
					return i + 1
				}
			}
			return 1
		}
	}
	return -1
}
