package discovery

import (
	"sort"
	"strings"

	"github.com/forgesync-io/forgesync/internal/source"
)

// MergeReposPreferStarred combines two repository listings into one record
// per full name. When the same repo appears in both, the representation
// with IsStarred=true wins; otherwise the first occurrence is kept. The
// result is sorted by normalized full name, which makes the merge
// idempotent and commutative up to the starred tiebreak.
func MergeReposPreferStarred(a, b []source.Repo) []source.Repo {
	byName := make(map[string]source.Repo, len(a)+len(b))
	for _, r := range append(append([]source.Repo{}, a...), b...) {
		key := strings.ToLower(r.FullName)
		existing, ok := byName[key]
		if !ok {
			byName[key] = r
			continue
		}
		if r.IsStarred && !existing.IsStarred {
			byName[key] = r
		}
	}

	out := make([]source.Repo, 0, len(byName))
	for _, r := range byName {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].FullName) < strings.ToLower(out[j].FullName)
	})
	return out
}
