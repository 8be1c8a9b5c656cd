package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates a guarded update lost against concurrent state,
// e.g. a status transition whose precondition no longer holds.
var ErrConflict = errors.New("repository: conflicting state")
