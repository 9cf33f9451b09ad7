package bufalloc

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/framealloc/backend"
)

// SlicedBuffer cuts one backing buffer into equally sized slices and keeps the offsets of the ones not handed out
type SlicedBuffer struct {
	backing   *backingBuffer
	sliceSize uint64
	capacity  int
	free      []uint64
}

func newSlicedBuffer(backing *backingBuffer, sliceSize uint64) *SlicedBuffer {
	size := backing.buffer.Info().Size
	if sliceSize == 0 || sliceSize > size {
		panic(fmt.Sprintf("cannot cut a buffer of %d bytes into slices of %d bytes", size, sliceSize))
	}

	b := &SlicedBuffer{
		backing:   backing,
		sliceSize: sliceSize,
		capacity:  int(size / sliceSize),
	}
	b.free = make([]uint64, 0, b.capacity)
	b.Reset()
	return b
}

// Reset returns every slice to the free list. The caller guarantees nothing still uses the slices.
func (b *SlicedBuffer) Reset() {
	b.free = b.free[:0]
	// Pushed from the top so that slices are popped at ascending offsets
	for i := b.capacity - 1; i >= 0; i-- {
		b.free = append(b.free, uint64(i)*b.sliceSize)
	}
}

func (b *SlicedBuffer) pop() (uint64, bool) {
	if len(b.free) == 0 {
		return 0, false
	}
	offset := b.free[len(b.free)-1]
	b.free = b.free[:len(b.free)-1]
	return offset, true
}

func (b *SlicedBuffer) fits(size, alignment uint64) bool {
	return b.sliceSize >= size && b.sliceSize%alignment == 0
}

func (b *SlicedBuffer) Buffer() backend.Buffer { return b.backing.buffer }
func (b *SlicedBuffer) SliceSize() uint64      { return b.sliceSize }
func (b *SlicedBuffer) Capacity() int          { return b.capacity }
func (b *SlicedBuffer) FreeCount() int         { return len(b.free) }
func (b *SlicedBuffer) Size() uint64           { return b.backing.buffer.Info().Size }

func (b *SlicedBuffer) printParameters(json *jwriter.ObjectState) {
	b.backing.printParameters(json)
	json.Name("SliceSize").Float64(float64(b.sliceSize))
	json.Name("Capacity").Int(b.capacity)
	json.Name("FreeSlices").Int(len(b.free))
}
