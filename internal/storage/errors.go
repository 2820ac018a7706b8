package storage

import "errors"

// ErrNotFound is returned (wrapped) when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrRunNotActive is returned (wrapped) when a terminal status update hits a
// run that is absent or already finished.
var ErrRunNotActive = errors.New("storage: run not active")
