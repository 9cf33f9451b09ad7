package bufalloc

import (
	"fmt"
	"sync/atomic"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/framealloc/backend"
)

// backingBuffer is a device buffer shared by the slices cut from it. Pooled buffers hold one reference for the
// allocator plus one per slice handed out; dedicated buffers hold only the reference of their single slice. The
// buffer is destroyed when the last reference is released.
type backingBuffer struct {
	allocator *Allocator
	key       BufferKey
	buffer    backend.Buffer
	dedicated bool

	refs atomic.Int32

	prevDedicated *backingBuffer
	nextDedicated *backingBuffer
}

func (b *backingBuffer) acquire() {
	b.refs.Add(1)
}

func (b *backingBuffer) release() {
	refs := b.refs.Add(-1)
	if refs < 0 {
		panic(fmt.Sprintf("backing buffer %q was released more times than it was acquired", b.buffer.Name()))
	}
	if refs == 0 {
		b.allocator.destroyBacking(b)
	}
}

// idle reports whether the allocator holds the only reference
func (b *backingBuffer) idle() bool {
	return b.refs.Load() == 1
}

func (b *backingBuffer) printParameters(json *jwriter.ObjectState) {
	info := b.buffer.Info()
	json.Name("Name").String(b.buffer.Name())
	json.Name("Size").Float64(float64(info.Size))
	json.Name("MemoryUsage").String(b.key.MemoryUsage.String())
	json.Name("BufferUsage").String(b.key.BufferUsage.String())
	json.Name("References").Int(int(b.refs.Load()))
}

// sliceReference is the reference a released Slice hands to the destroyer. Destroying it drops the reference once
// the GPU can no longer be reading the slice.
type sliceReference struct {
	backing *backingBuffer
}

var _ backend.Resource = sliceReference{}

func (r sliceReference) Destroy() {
	r.backing.release()
}
