package memutils

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// Number is any unsigned integer type that alignment math can be performed on
type Number interface {
	constraints.Unsigned
}

// CheckPow2 returns a wrapped ErrPowerOfTwo if number is not a power of two. Zero is accepted, since every
// alignment helper treats an alignment of zero as "no alignment".
func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return errors.Wrapf(ErrPowerOfTwo, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two. An alignment of 0
// returns value unchanged.
func AlignUp[T Number](value, alignment T) T {
	if alignment == 0 {
		return value
	}
	return (value + alignment - 1) & ^(alignment - 1)
}

// AlignDown rounds value down to the previous multiple of alignment, which must be a power of two. An alignment of
// 0 returns value unchanged.
func AlignDown[T Number](value, alignment T) T {
	if alignment == 0 {
		return value
	}
	return value & ^(alignment - 1)
}

// IsAligned reports whether value is a multiple of alignment
func IsAligned[T Number](value, alignment T) bool {
	return AlignDown(value, alignment) == value
}

func AlignUp32(value, alignment uint32) uint32   { return AlignUp(value, alignment) }
func AlignDown32(value, alignment uint32) uint32 { return AlignDown(value, alignment) }
func AlignUp64(value, alignment uint64) uint64   { return AlignUp(value, alignment) }
func AlignDown64(value, alignment uint64) uint64 { return AlignDown(value, alignment) }
