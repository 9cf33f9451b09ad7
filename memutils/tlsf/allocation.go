package tlsf

import "fmt"

// Allocation is a range handed out by a Chunk. The usable range starts at Offset and is at least as long as the
// requested size; the block backing it may be slightly larger when alignment padding or a remainder too small to
// split was absorbed into it.
type Allocation[T any] struct {
	chunk    *Chunk[T]
	block    BlockIdx
	offset   uint64
	length   uint64
	userData any
}

// Offset is the aligned start of the allocation inside its chunk
func (a *Allocation[T]) Offset() uint64 {
	return a.offset
}

// Length is the usable size of the allocation
func (a *Allocation[T]) Length() uint64 {
	return a.length
}

// Range returns the usable range of the allocation
func (a *Allocation[T]) Range() Range {
	return Range{Offset: a.offset, Length: a.length}
}

// Data returns the payload of the chunk this allocation was made from
func (a *Allocation[T]) Data() T {
	return a.chunk.data
}

func (a *Allocation[T]) Chunk() *Chunk[T] {
	return a.chunk
}

func (a *Allocation[T]) UserData() any {
	return a.userData
}

// SetUserData attaches an arbitrary value to the allocation, which is reported in map dumps and leak logs
func (a *Allocation[T]) SetUserData(userData any) {
	a.userData = userData
}

// Free returns the allocation to its chunk. Freeing the same allocation twice panics.
func (a *Allocation[T]) Free() {
	a.chunk.Free(a)
}

func (a *Allocation[T]) String() string {
	return fmt.Sprintf("tlsf allocation {offset: %d, length: %d, block: %d}", a.offset, a.length, a.block)
}
