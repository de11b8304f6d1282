package mirror

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/forgesync-io/forgesync/internal/db"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to db.RepoStatus
		want     bool
	}{
		// The happy mirror path.
		{db.StatusImported, db.StatusMirroring, true},
		{db.StatusMirroring, db.StatusMirrored, true},
		{db.StatusMirroring, db.StatusFailed, true},

		// The sync loop.
		{db.StatusMirrored, db.StatusSyncing, true},
		{db.StatusSyncing, db.StatusSynced, true},
		{db.StatusSyncing, db.StatusFailed, true},
		{db.StatusSynced, db.StatusSyncing, true},

		// Retry paths from failed.
		{db.StatusFailed, db.StatusMirroring, true},
		{db.StatusFailed, db.StatusSyncing, true},

		// Deletion.
		{db.StatusMirrored, db.StatusDeleting, true},
		{db.StatusDeleting, db.StatusDeleted, true},
		{db.StatusDeleting, db.StatusFailed, true},

		// Paused states re-enter from the start.
		{db.StatusSkipped, db.StatusMirroring, true},
		{db.StatusArchived, db.StatusMirroring, true},

		// Shortcuts that must not exist.
		{db.StatusImported, db.StatusMirrored, false},
		{db.StatusImported, db.StatusSyncing, false},
		{db.StatusImported, db.StatusSynced, false},
		{db.StatusMirrored, db.StatusMirroring, false},
		{db.StatusDeleted, db.StatusMirroring, false},
		{db.StatusSynced, db.StatusDeleted, false},
		{db.StatusIgnored, db.StatusMirroring, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestCanTransition_SelfAlwaysAllowed(t *testing.T) {
	all := []db.RepoStatus{
		db.StatusImported, db.StatusMirroring, db.StatusMirrored,
		db.StatusFailed, db.StatusSkipped, db.StatusIgnored,
		db.StatusDeleting, db.StatusDeleted, db.StatusSyncing,
		db.StatusSynced, db.StatusArchived,
	}
	for _, s := range all {
		assert.True(t, CanTransition(s, s), "%s -> %s", s, s)
	}
}

func TestCanTransition_UserStatesReachableFromAnywhere(t *testing.T) {
	from := []db.RepoStatus{
		db.StatusImported, db.StatusMirroring, db.StatusMirrored,
		db.StatusFailed, db.StatusSyncing, db.StatusSynced,
		db.StatusDeleting, db.StatusDeleted,
	}
	for _, f := range from {
		for _, to := range []db.RepoStatus{db.StatusIgnored, db.StatusSkipped, db.StatusArchived} {
			assert.True(t, CanTransition(f, to), "%s -> %s", f, to)
		}
	}
}
