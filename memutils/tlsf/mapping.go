package tlsf

import "math/bits"

const (
	// FirstLevelCount is the number of power-of-two size classes, one per bit of a 64-bit size
	FirstLevelCount = 64
	// SecondLevelShift is log2 of the number of linear subdivisions of each first-level class
	SecondLevelShift = 5
	// SecondLevelCount is the number of linear subdivisions of each first-level class
	SecondLevelCount = 1 << SecondLevelShift

	// DefaultMinBlockSize is the smallest block a chunk will hand out or split off
	DefaultMinBlockSize uint64 = 32
)

// BlockIdx addresses a block record inside a Chunk. Indices are 1-based so that the zero value, NoBlock, can
// terminate free lists and physical chains without a separate flag.
type BlockIdx uint32

// NoBlock is the "no block" sentinel
const NoBlock BlockIdx = 0

// Range is a byte range inside a chunk
type Range struct {
	Offset uint64
	Length uint64
}

// End is the first byte after the range
func (r Range) End() uint64 {
	return r.Offset + r.Length
}

// Overlaps reports whether the two ranges share at least one byte
func (r Range) Overlaps(other Range) bool {
	return r.Offset < other.End() && other.Offset < r.End()
}

// mapping returns the first-level and second-level bucket indices for a block size. Every block in bucket
// (fl, sl) has a size in [2^fl + sl*2^(fl-5), 2^fl + (sl+1)*2^(fl-5)).
func mapping(size uint64) (fl int, sl int) {
	fl = bits.Len64(size) - 1
	if fl < SecondLevelShift {
		sl = int(size<<(SecondLevelShift-fl)) ^ SecondLevelCount
	} else {
		sl = int(size>>(fl-SecondLevelShift)) ^ SecondLevelCount
	}
	return fl, sl
}
