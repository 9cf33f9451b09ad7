package backend

import "time"

//go:generate mockgen -source device.go -destination ./mock_backend/mocks.go

// Resource is anything that must be explicitly returned to the device
type Resource interface {
	Destroy()
}

// Buffer is a device buffer
type Buffer interface {
	Resource
	Info() BufferInfo
	MemoryUsage() MemoryUsage
	Name() string
	// Map returns host access to size bytes starting at offset. It fails with ErrNotMappable for memory that is not
	// host visible.
	Map(offset, size uint64) ([]byte, error)
}

// Fence signals the completion of submitted GPU work. Fences have timeline semantics: Wait returns once the fence
// has reached value. Backends with binary fences ignore value.
type Fence interface {
	Resource
	// Wait blocks until the fence reaches value or timeout expires, returning false on timeout
	Wait(value uint64, timeout time.Duration) (bool, error)
}

// CommandPool owns the memory behind command buffers recorded for one frame
type CommandPool interface {
	Resource
	// Reset recycles every command buffer allocated from the pool
	Reset() error
}

// Device is the part of a GPU backend the allocators depend on
type Device interface {
	// CreateBuffer creates a buffer with its own memory. Device exhaustion is reported as memutils.ErrOutOfMemory.
	CreateBuffer(info BufferInfo, memoryUsage MemoryUsage, name string) (Buffer, error)
	// BufferAlignment is the minimum offset alignment for binding a range of a buffer with the given usage
	BufferAlignment(info BufferInfo) uint64
	CreateFence() (Fence, error)
	CreateCommandPool() (CommandPool, error)
}

// FenceValue identifies the point on a fence's timeline at which a frame's work completes
type FenceValue struct {
	Fence Fence
	Value uint64
}

// IsZero reports whether no fence was recorded
func (v FenceValue) IsZero() bool {
	return v.Fence == nil
}
