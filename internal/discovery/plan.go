package discovery

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/forgesync-io/forgesync/internal/db"
)

// Destination is where one repository should land on the destination forge.
type Destination struct {
	Owner string
	Name  string
}

const defaultStarredOrg = "starred"

// AssignDestinations computes the desired destination for every repository
// under the configured strategy, resolving name collisions with the
// duplicate-name strategy. Repositories are processed in normalized
// full-name order so assignment is deterministic: the first claimant of a
// destination keeps the plain name, later collisions are transformed.
//
// A per-repo DestinationOrg override supersedes the strategy entirely.
func AssignDestinations(opts db.MirrorOptions, sourceUser, destUser string, repos []db.Repository) map[uuid.UUID]Destination {
	ordered := make([]db.Repository, len(repos))
	copy(ordered, repos)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].NormalizedFullName < ordered[j].NormalizedFullName
	})

	out := make(map[uuid.UUID]Destination, len(ordered))
	taken := make(map[string]bool, len(ordered))

	for _, repo := range ordered {
		dest := baseDestination(opts, sourceUser, destUser, repo)
		dest = resolveCollision(opts.DuplicateNameStrategy, repo, dest, taken)
		taken[destKey(dest)] = true
		out[repo.ID] = dest
	}
	return out
}

func baseDestination(opts db.MirrorOptions, sourceUser, destUser string, repo db.Repository) Destination {
	if repo.DestinationOrg != "" {
		return Destination{Owner: repo.DestinationOrg, Name: repo.Name}
	}

	// Starred routing applies across strategies: scenario configs combine
	// dedicated-org starred handling with any base strategy.
	if repo.IsStarred && opts.StarredReposMode == db.StarredDedicatedOrg {
		org := opts.StarredReposOrg
		if org == "" {
			org = defaultStarredOrg
		}
		return Destination{Owner: org, Name: repo.Name}
	}

	switch opts.Strategy {
	case db.StrategySingleOrg:
		return Destination{Owner: opts.SingleOrg, Name: repo.Name}
	case db.StrategyFlatUser:
		return Destination{Owner: destUser, Name: repo.Name}
	case db.StrategyMixed:
		if strings.EqualFold(repo.Owner, sourceUser) {
			owner := opts.PersonalReposOrg
			if owner == "" {
				owner = destUser
			}
			return Destination{Owner: owner, Name: repo.Name}
		}
		return Destination{Owner: repo.Owner, Name: repo.Name}
	default: // preserve
		return Destination{Owner: repo.Owner, Name: repo.Name}
	}
}

func resolveCollision(strategy db.DuplicateNameStrategy, repo db.Repository, dest Destination, taken map[string]bool) Destination {
	if !taken[destKey(dest)] {
		return dest
	}

	owner := strings.ToLower(repo.Owner)
	switch strategy {
	case db.DuplicatePrefix:
		dest.Name = owner + "-" + dest.Name
	case db.DuplicateOwnerOrg:
		dest.Owner = repo.Owner
	default: // suffix
		dest.Name = dest.Name + "-" + owner
	}

	// A transformed destination can itself collide when the same owner
	// appears twice through different listings. Disambiguate numerically.
	base := dest.Name
	for i := 2; taken[destKey(dest)]; i++ {
		dest.Name = fmt.Sprintf("%s-%d", base, i)
	}
	return dest
}

func destKey(d Destination) string {
	return strings.ToLower(d.Owner) + "/" + strings.ToLower(d.Name)
}
