package bufalloc

import "github.com/vkngwrapper/framealloc/backend"

type AllocateBufferCallback func(
	allocator *Allocator,
	key BufferKey,
	buffer backend.Buffer,
	dedicated bool,
	userData interface{},
)

type FreeBufferCallback func(
	allocator *Allocator,
	key BufferKey,
	buffer backend.Buffer,
	dedicated bool,
	userData interface{},
)

// BufferCallbacks are executed when the allocator creates or destroys a backing buffer. Slices handed out and
// released do not map 1:1 to backing buffers, so these are not called for every slice.
type BufferCallbacks struct {
	Allocate AllocateBufferCallback
	Free     FreeBufferCallback
	UserData interface{}
}

type bufferCallbacks struct {
	Callbacks *BufferCallbacks
	Allocator *Allocator
}

func (c *bufferCallbacks) Allocate(key BufferKey, buffer backend.Buffer, dedicated bool) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Allocator, key, buffer, dedicated, c.Callbacks.UserData)
	}
}

func (c *bufferCallbacks) Free(key BufferKey, buffer backend.Buffer, dedicated bool) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Allocator, key, buffer, dedicated, c.Callbacks.UserData)
	}
}
