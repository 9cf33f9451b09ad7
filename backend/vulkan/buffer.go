package vulkan

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/framealloc/backend"
	"github.com/vkngwrapper/framealloc/memutils"
	"github.com/vkngwrapper/framealloc/memutils/tlsf"
)

// Buffer is a vulkan buffer bound to a range of device memory
type Buffer struct {
	device *Device
	buffer core1_0.Buffer
	info   backend.BufferInfo
	usage  backend.MemoryUsage
	name   string

	memoryTypeIndex int
	memory          *deviceMemory
	alloc           *tlsf.Allocation[*deviceMemory]
	offset          uint64
	destroyed       atomic.Bool
}

var _ backend.Buffer = &Buffer{}

func (b *Buffer) Info() backend.BufferInfo         { return b.info }
func (b *Buffer) MemoryUsage() backend.MemoryUsage { return b.usage }
func (b *Buffer) Name() string                     { return b.name }
func (b *Buffer) VulkanBuffer() core1_0.Buffer     { return b.buffer }
func (b *Buffer) MemoryTypeIndex() int             { return b.memoryTypeIndex }

// Dedicated reports whether the buffer owns its device memory rather than a range of a chunk
func (b *Buffer) Dedicated() bool {
	return b.alloc == nil
}

// Map returns the host view of a range of the buffer. For memory types that are not host coherent the range is
// invalidated first so that GPU writes are visible; call Flush after writing.
func (b *Buffer) Map(offset, size uint64) ([]byte, error) {
	if b.destroyed.Load() {
		panic(fmt.Sprintf("buffer %q was mapped after it was destroyed", b.name))
	}
	if !b.usage.IsMappable() || b.device.memoryTypes.PropertyFlags(b.memoryTypeIndex)&core1_0.MemoryPropertyHostVisible == 0 {
		return nil, errors.Wrapf(backend.ErrNotMappable, "buffer %q uses %s", b.name, b.usage)
	}
	if offset+size > b.info.Size {
		return nil, errors.Errorf("range [%d, %d) is outside of buffer %q of size %d", offset, offset+size, b.name, b.info.Size)
	}

	data, err := b.memory.mapped()
	if err != nil {
		return nil, err
	}

	if b.device.memoryTypes.IsHostNonCoherent(b.memoryTypeIndex) {
		_, err = b.device.device.InvalidateMappedMemoryRanges([]core1_0.MappedMemoryRange{b.mappedRange(offset, size)})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to invalidate buffer %q", b.name)
		}
	}

	start := b.offset + offset
	return data[start : start+size : start+size], nil
}

// Flush makes host writes to a mapped range visible to the device. It does nothing for host coherent memory.
func (b *Buffer) Flush(offset, size uint64) error {
	if !b.device.memoryTypes.IsHostNonCoherent(b.memoryTypeIndex) {
		return nil
	}

	_, err := b.device.device.FlushMappedMemoryRanges([]core1_0.MappedMemoryRange{b.mappedRange(offset, size)})
	if err != nil {
		return errors.Wrapf(err, "failed to flush buffer %q", b.name)
	}
	return nil
}

// mappedRange expands a buffer range to the device's nonCoherentAtomSize, clamped to the memory object
func (b *Buffer) mappedRange(offset, size uint64) core1_0.MappedMemoryRange {
	atomSize := uint64(b.device.limits.NonCoherentAtomSize)
	if atomSize == 0 {
		atomSize = 1
	}

	start := memutils.AlignDown(b.offset+offset, atomSize)
	end := memutils.AlignUp(b.offset+offset+size, atomSize)
	if end > b.memory.size {
		end = b.memory.size
	}

	return core1_0.MappedMemoryRange{
		Memory: b.memory.memory,
		Offset: int(start),
		Size:   int(end - start),
	}
}

func (b *Buffer) Destroy() {
	if !b.destroyed.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("buffer %q was destroyed twice", b.name))
	}

	b.buffer.Destroy(b.device.options.AllocationCallbacks)
	if b.alloc != nil {
		b.device.heaps[b.memoryTypeIndex].Free(b.alloc)
	} else {
		b.device.freeMemory(b.memory)
	}
	b.memory = nil
}

func (b *Buffer) String() string {
	return b.name + "@" + strconv.FormatUint(b.info.Size, 10)
}
