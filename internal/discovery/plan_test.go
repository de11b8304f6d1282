package discovery

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgesync-io/forgesync/internal/db"
)

func trackedRepo(owner, name string) db.Repository {
	r := db.Repository{
		Owner:              owner,
		Name:               name,
		FullName:           owner + "/" + name,
		NormalizedFullName: strings.ToLower(owner + "/" + name),
	}
	r.ID = uuid.New()
	return r
}

func TestAssignDestinations_Preserve(t *testing.T) {
	personal := trackedRepo("alice", "tools")
	org := trackedRepo("acme", "api")

	got := AssignDestinations(db.MirrorOptions{Strategy: db.StrategyPreserve},
		"alice", "gitea-alice", []db.Repository{personal, org})

	assert.Equal(t, Destination{Owner: "alice", Name: "tools"}, got[personal.ID])
	assert.Equal(t, Destination{Owner: "acme", Name: "api"}, got[org.ID])
}

func TestAssignDestinations_SingleOrg(t *testing.T) {
	a := trackedRepo("alice", "tools")
	b := trackedRepo("acme", "api")

	got := AssignDestinations(db.MirrorOptions{
		Strategy:  db.StrategySingleOrg,
		SingleOrg: "mirrors",
	}, "alice", "gitea-alice", []db.Repository{a, b})

	assert.Equal(t, Destination{Owner: "mirrors", Name: "tools"}, got[a.ID])
	assert.Equal(t, Destination{Owner: "mirrors", Name: "api"}, got[b.ID])
}

func TestAssignDestinations_FlatUser(t *testing.T) {
	a := trackedRepo("acme", "api")

	got := AssignDestinations(db.MirrorOptions{Strategy: db.StrategyFlatUser},
		"alice", "gitea-alice", []db.Repository{a})

	assert.Equal(t, Destination{Owner: "gitea-alice", Name: "api"}, got[a.ID])
}

func TestAssignDestinations_Mixed(t *testing.T) {
	personal := trackedRepo("alice", "dotfiles")
	org := trackedRepo("acme", "api")

	opts := db.MirrorOptions{Strategy: db.StrategyMixed, PersonalReposOrg: "personal"}
	got := AssignDestinations(opts, "alice", "gitea-alice", []db.Repository{personal, org})

	assert.Equal(t, Destination{Owner: "personal", Name: "dotfiles"}, got[personal.ID])
	assert.Equal(t, Destination{Owner: "acme", Name: "api"}, got[org.ID])

	// Without a personal org the destination user takes the personal repos.
	got = AssignDestinations(db.MirrorOptions{Strategy: db.StrategyMixed},
		"alice", "gitea-alice", []db.Repository{personal})
	assert.Equal(t, Destination{Owner: "gitea-alice", Name: "dotfiles"}, got[personal.ID])
}

func TestAssignDestinations_StarredDedicatedOrg(t *testing.T) {
	starred := trackedRepo("torvalds", "linux")
	starred.IsStarred = true
	plain := trackedRepo("alice", "tools")

	opts := db.MirrorOptions{
		Strategy:         db.StrategySingleOrg,
		SingleOrg:        "mirrors",
		StarredReposMode: db.StarredDedicatedOrg,
		StarredReposOrg:  "stars",
	}
	got := AssignDestinations(opts, "alice", "gitea-alice", []db.Repository{starred, plain})

	assert.Equal(t, Destination{Owner: "stars", Name: "linux"}, got[starred.ID])
	assert.Equal(t, Destination{Owner: "mirrors", Name: "tools"}, got[plain.ID])
}

func TestAssignDestinations_StarredOrgDefault(t *testing.T) {
	starred := trackedRepo("torvalds", "linux")
	starred.IsStarred = true

	opts := db.MirrorOptions{StarredReposMode: db.StarredDedicatedOrg}
	got := AssignDestinations(opts, "alice", "gitea-alice", []db.Repository{starred})

	assert.Equal(t, Destination{Owner: "starred", Name: "linux"}, got[starred.ID])
}

func TestAssignDestinations_OverrideWins(t *testing.T) {
	a := trackedRepo("acme", "api")
	a.DestinationOrg = "special"

	got := AssignDestinations(db.MirrorOptions{
		Strategy:  db.StrategySingleOrg,
		SingleOrg: "mirrors",
	}, "alice", "gitea-alice", []db.Repository{a})

	assert.Equal(t, Destination{Owner: "special", Name: "api"}, got[a.ID])
}

func TestAssignDestinations_CollisionSuffix(t *testing.T) {
	// alice/api sorts before bob/api, so alice keeps the plain name.
	a := trackedRepo("alice", "api")
	b := trackedRepo("bob", "api")

	got := AssignDestinations(db.MirrorOptions{
		Strategy:              db.StrategySingleOrg,
		SingleOrg:             "mirrors",
		DuplicateNameStrategy: db.DuplicateSuffix,
	}, "alice", "gitea-alice", []db.Repository{b, a})

	assert.Equal(t, Destination{Owner: "mirrors", Name: "api"}, got[a.ID])
	assert.Equal(t, Destination{Owner: "mirrors", Name: "api-bob"}, got[b.ID])
}

func TestAssignDestinations_CollisionPrefix(t *testing.T) {
	a := trackedRepo("alice", "api")
	b := trackedRepo("bob", "api")

	got := AssignDestinations(db.MirrorOptions{
		Strategy:              db.StrategyFlatUser,
		DuplicateNameStrategy: db.DuplicatePrefix,
	}, "alice", "gitea-alice", []db.Repository{a, b})

	assert.Equal(t, Destination{Owner: "gitea-alice", Name: "api"}, got[a.ID])
	assert.Equal(t, Destination{Owner: "gitea-alice", Name: "bob-api"}, got[b.ID])
}

func TestAssignDestinations_CollisionOwnerOrg(t *testing.T) {
	a := trackedRepo("alice", "api")
	b := trackedRepo("bob", "api")

	got := AssignDestinations(db.MirrorOptions{
		Strategy:              db.StrategySingleOrg,
		SingleOrg:             "mirrors",
		DuplicateNameStrategy: db.DuplicateOwnerOrg,
	}, "alice", "gitea-alice", []db.Repository{a, b})

	assert.Equal(t, Destination{Owner: "mirrors", Name: "api"}, got[a.ID])
	assert.Equal(t, Destination{Owner: "bob", Name: "api"}, got[b.ID])
}

func TestAssignDestinations_NumericFallback(t *testing.T) {
	// Three-way collision under suffix: the transformed name collides with a
	// repo that already carries the suffixed form as its real name.
	a := trackedRepo("alice", "api")
	b := trackedRepo("bob", "api")
	c := trackedRepo("bob", "api-bob") // claims "api-bob" outright

	got := AssignDestinations(db.MirrorOptions{
		Strategy:              db.StrategySingleOrg,
		SingleOrg:             "mirrors",
		DuplicateNameStrategy: db.DuplicateSuffix,
	}, "alice", "gitea-alice", []db.Repository{a, b, c})

	names := map[string]bool{}
	for _, d := range got {
		require.Equal(t, "mirrors", d.Owner)
		require.False(t, names[d.Name], "duplicate destination name %q", d.Name)
		names[d.Name] = true
	}
	assert.Equal(t, Destination{Owner: "mirrors", Name: "api"}, got[a.ID])
}

func TestAssignDestinations_Deterministic(t *testing.T) {
	a := trackedRepo("alice", "api")
	b := trackedRepo("bob", "api")
	opts := db.MirrorOptions{Strategy: db.StrategySingleOrg, SingleOrg: "mirrors"}

	first := AssignDestinations(opts, "alice", "u", []db.Repository{a, b})
	second := AssignDestinations(opts, "alice", "u", []db.Repository{b, a})
	assert.Equal(t, first, second)
}
