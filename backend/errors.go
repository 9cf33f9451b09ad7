package backend

import "github.com/cockroachdb/errors"

// ErrDeviceLost is returned when a fence wait expires or the device reports that it was lost. Callers must treat
// it as fatal: resources still referenced by in-flight work can no longer be reclaimed safely.
var ErrDeviceLost = errors.New("device lost")

// ErrNotMappable is returned when host access is requested for memory that is not host visible
var ErrNotMappable = errors.New("buffer memory is not host visible")
