package bufalloc

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/framealloc/backend"
	"github.com/vkngwrapper/framealloc/backend/hostmem"
)

func newTransientAllocator(t *testing.T, device backend.Device, options CreateOptions) *Allocator {
	options.Flags |= AllocatorCreateTransient
	allocator, _ := newTestAllocator(t, device, options)
	return allocator
}

func TestFrameSlicesRecycledOnReset(t *testing.T) {
	device := newHostDevice(t, hostmem.Options{})
	allocator := newTransientAllocator(t, device, CreateOptions{})
	require.True(t, allocator.Transient())

	scope := NewScope(1)
	var first FrameScopedSlice
	for i := 0; i < 3; i++ {
		slice, err := allocator.GetFrameSlice(scope, uploadInfo, backend.MemoryUsageMainMemoryWriteCombined, "constants")
		require.NoError(t, err)
		require.Equal(t, uint64(i*512), slice.Offset(scope))
		if i == 0 {
			first = slice
		} else {
			require.Same(t, first.Buffer(scope), slice.Buffer(scope))
		}
	}

	scope.End()
	allocator.Reset()

	next := NewScope(2)
	slice, err := allocator.GetFrameSlice(next, uploadInfo, backend.MemoryUsageMainMemoryWriteCombined, "constants")
	require.NoError(t, err)
	require.Zero(t, slice.Offset(next))
	require.Equal(t, 1, device.CreatedBuffers())
}

func TestFrameSliceLargeRequestGetsSingleSliceBuffer(t *testing.T) {
	device := newHostDevice(t, hostmem.Options{})
	allocator := newTransientAllocator(t, device, CreateOptions{})

	scope := NewScope(1)
	slice, err := allocator.GetFrameSlice(scope, backend.BufferInfo{Size: 10000}, backend.MemoryUsageGPU, "big")
	require.NoError(t, err)
	require.Equal(t, uint64(10000), slice.Length(scope))
	require.Equal(t, uint64(10240), slice.Buffer(scope).Info().Size)
	require.Equal(t, 0, allocator.dedicated.Count())
}

func TestFrameSliceScopeChecks(t *testing.T) {
	device := newHostDevice(t, hostmem.Options{})
	allocator := newTransientAllocator(t, device, CreateOptions{})

	scope := NewScope(7)
	slice, err := allocator.GetFrameSlice(scope, uploadInfo, backend.MemoryUsageMainMemoryWriteCombined, "")
	require.NoError(t, err)
	require.False(t, slice.IsZero())
	require.NoError(t, slice.Write(scope, []byte{9, 9}))

	mapped, err := slice.Map(scope)
	require.NoError(t, err)
	require.Equal(t, []byte{9, 9}, mapped[:2])

	other := NewScope(8)
	require.Panics(t, func() {
		slice.Offset(other)
	})

	scope.End()
	require.Panics(t, func() {
		slice.Buffer(scope)
	})
	require.Panics(t, func() {
		_, _ = allocator.GetFrameSlice(scope, uploadInfo, backend.MemoryUsageGPU, "")
	})

	require.True(t, FrameScopedSlice{}.IsZero())
	require.Panics(t, func() {
		FrameScopedSlice{}.Length(other)
	})
}

func fillTransientBuffers(t *testing.T, allocator *Allocator, scope *Scope, usage backend.BufferUsage, memoryUsage backend.MemoryUsage, buffers int) {
	// A 4096 byte slab holds four slices per sliced buffer
	for i := 0; i < buffers*int(SlicedBufferSize/BigBufferSlabSize); i++ {
		_, err := allocator.GetFrameSlice(scope, backend.BufferInfo{Size: 4096, Usage: usage}, memoryUsage, "")
		require.NoError(t, err)
	}
}

func TestResetTrimsToRetainedHostBytes(t *testing.T) {
	device := newHostDevice(t, hostmem.Options{})
	allocator := newTransientAllocator(t, device, CreateOptions{RetainedHostBytes: 40000})

	fillTransientBuffers(t, allocator, NewScope(1), backend.BufferUsageVertex, backend.MemoryUsageMainMemoryWriteCombined, 3)
	require.Equal(t, 3, device.LiveBuffers())

	allocator.Reset()
	require.Equal(t, 2, device.LiveBuffers())
}

func TestResetExemptsConstantBuffers(t *testing.T) {
	device := newHostDevice(t, hostmem.Options{})
	allocator := newTransientAllocator(t, device, CreateOptions{RetainedHostBytes: 1})

	fillTransientBuffers(t, allocator, NewScope(1), backend.BufferUsageConstant, backend.MemoryUsageMainMemoryWriteCombined, 3)
	allocator.Reset()
	require.Equal(t, 3, device.LiveBuffers())
}

func TestResetCountsGPUAndHostSeparately(t *testing.T) {
	device := newHostDevice(t, hostmem.Options{})
	allocator := newTransientAllocator(t, device, CreateOptions{RetainedGPUBytes: 20000})

	scope := NewScope(1)
	fillTransientBuffers(t, allocator, scope, backend.BufferUsageStorage, backend.MemoryUsageGPU, 2)
	fillTransientBuffers(t, allocator, scope, backend.BufferUsageStorage, backend.MemoryUsageMainMemoryCached, 2)
	require.Equal(t, 4, device.LiveBuffers())

	allocator.Reset()
	// One GPU buffer fits under the limit, host memory is unlimited
	require.Equal(t, 3, device.LiveBuffers())

	allocator.SetRetainedSize(1, 0)
	allocator.Reset()
	require.Equal(t, 1, device.LiveBuffers())
}

func TestUnifiedMemoryCountsEverythingAsHost(t *testing.T) {
	device := newHostDevice(t, hostmem.Options{})
	allocator := newTransientAllocator(t, device, CreateOptions{
		Flags:             AllocatorCreateUnifiedMemory,
		RetainedHostBytes: 20000,
	})

	scope := NewScope(1)
	fillTransientBuffers(t, allocator, scope, backend.BufferUsageStorage, backend.MemoryUsageGPU, 2)
	fillTransientBuffers(t, allocator, scope, backend.BufferUsageStorage, backend.MemoryUsageMainMemoryCached, 2)

	allocator.Reset()
	require.Equal(t, 1, device.LiveBuffers())
}

func TestResetSortsPoolBySliceSize(t *testing.T) {
	device := newHostDevice(t, hostmem.Options{})
	allocator := newTransientAllocator(t, device, CreateOptions{})

	scope := NewScope(1)
	fillTransientBuffers(t, allocator, scope, 0, backend.MemoryUsageGPU, 1)

	small, err := allocator.GetFrameSlice(scope, backend.BufferInfo{Size: 100}, backend.MemoryUsageGPU, "")
	require.NoError(t, err)
	smallBuffer := small.Buffer(scope)
	require.Equal(t, 2, device.CreatedBuffers())

	scope.End()
	allocator.Reset()

	next := NewScope(2)
	slice, err := allocator.GetFrameSlice(next, backend.BufferInfo{Size: 100}, backend.MemoryUsageGPU, "")
	require.NoError(t, err)
	require.Same(t, smallBuffer, slice.Buffer(next))
}

func TestDestroyTransientAllocator(t *testing.T) {
	device := newHostDevice(t, hostmem.Options{})
	allocator := newTransientAllocator(t, device, CreateOptions{})

	fillTransientBuffers(t, allocator, NewScope(1), 0, backend.MemoryUsageGPU, 2)
	require.NoError(t, allocator.Destroy())
	require.Zero(t, device.LiveBuffers())
}
