package store

import "errors"

// ErrNotFound is returned by store methods when the requested record does
// not exist in the database. Callers should check for this error explicitly
// using errors.Is to distinguish missing records from other database errors.
//
//	cfg, err := configs.GetActiveForUser(ctx, userID)
//	if errors.Is(err, store.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint, for example upserting a repository whose normalized full name
// already exists for the same user under a different ID.
var ErrConflict = errors.New("record already exists")
