package mirror

import "github.com/forgesync-io/forgesync/internal/db"

// transitions is the allowed predecessor→successor set of the repository
// state machine. User- or admin-driven states (ignored, skipped, archived)
// are reachable from anywhere and handled in CanTransition directly.
var transitions = map[db.RepoStatus][]db.RepoStatus{
	db.StatusImported:  {db.StatusMirroring},
	db.StatusMirroring: {db.StatusMirrored, db.StatusFailed},
	db.StatusMirrored:  {db.StatusSyncing, db.StatusDeleting},
	db.StatusSyncing:   {db.StatusSynced, db.StatusFailed},
	db.StatusSynced:    {db.StatusSyncing},
	db.StatusFailed:    {db.StatusMirroring, db.StatusSyncing},
	db.StatusDeleting:  {db.StatusDeleted, db.StatusFailed},

	// Paused states re-enter the pipeline from the start.
	db.StatusSkipped:  {db.StatusMirroring},
	db.StatusArchived: {db.StatusMirroring},
}

// CanTransition reports whether moving a repository from one status to
// another is legal. A self-transition is always allowed so idempotent
// re-runs do not trip the check.
func CanTransition(from, to db.RepoStatus) bool {
	if from == to {
		return true
	}
	switch to {
	case db.StatusIgnored, db.StatusSkipped, db.StatusArchived:
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
