package memutils

import "github.com/cockroachdb/errors"

// ErrPowerOfTwo is returned from CheckPow2 or other methods if the number being tested is not a power of two
var ErrPowerOfTwo = errors.New("number must be a power of two")

// ErrOutOfMemory is returned when the device could not provide backing memory for a request. It is never retried
// by the allocators in this module.
var ErrOutOfMemory = errors.New("out of device memory")

// ErrNoFit is returned by a tlsf.Chunk when none of its free blocks is large enough for a request. It only means
// that one chunk is full: callers are expected to try another chunk, or create one.
var ErrNoFit = errors.New("no free block large enough for the request")
