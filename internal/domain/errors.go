package domain

import "errors"

// ErrNotFound is returned by the storage layers when a row does not exist.
// Callers use errors.Is against it rather than string matching.
var ErrNotFound = errors.New("not found")
