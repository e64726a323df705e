package models

import "errors"

// ErrNotFound is returned by mutations addressed at a row that does not exist.
// Lookups return a nil row and a nil error instead.
var ErrNotFound = errors.New("not found")
