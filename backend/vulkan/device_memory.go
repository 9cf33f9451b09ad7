package vulkan

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/khr_dedicated_allocation"
	"github.com/vkngwrapper/framealloc/internal/metrics"
	"github.com/vkngwrapper/framealloc/memutils"
)

// deviceMemory is one vkDeviceMemory allocation, either a heap chunk or the memory of a single dedicated buffer.
// Host visible memory is mapped once, on first use, and stays mapped until it is freed.
type deviceMemory struct {
	memory    core1_0.DeviceMemory
	typeIndex int
	heapIndex int
	size      uint64

	mapMutex sync.Mutex
	mapData  unsafe.Pointer
}

func (m *deviceMemory) mapped() ([]byte, error) {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapData == nil {
		data, _, err := m.memory.Map(0, -1, 0)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to map device memory of type %d", m.typeIndex)
		}
		m.mapData = data
	}

	return unsafe.Slice((*byte)(m.mapData), m.size), nil
}

func (m *deviceMemory) free(callbacks *driver.AllocationCallbacks) {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapData != nil {
		m.memory.Unmap()
		m.mapData = nil
	}
	m.memory.Free(callbacks)
}

// memoryBudget tracks device memory per heap against optional limits and the device's allocation count limit
type memoryBudget struct {
	heapLimits     []int
	heapBytes      []atomic.Int64
	memoryCount    atomic.Int32
	maxMemoryCount int
}

func newMemoryBudget(memoryTypes *MemoryTypes, heapLimits []int, maxMemoryCount int) (*memoryBudget, error) {
	heapCount := len(memoryTypes.properties.MemoryHeaps)
	if len(heapLimits) > 0 && len(heapLimits) != heapCount {
		return nil, errors.Newf("%d heap size limits were provided but the physical device has %d heaps", len(heapLimits), heapCount)
	}
	if len(heapLimits) == 0 {
		heapLimits = make([]int, heapCount)
	}

	return &memoryBudget{
		heapLimits:     heapLimits,
		heapBytes:      make([]atomic.Int64, heapCount),
		maxMemoryCount: maxMemoryCount,
	}, nil
}

func (b *memoryBudget) reserve(heapIndex int, heapSize int, size int) (common.VkResult, error) {
	newCount := b.memoryCount.Add(1)
	if b.maxMemoryCount > 0 && int(newCount) > b.maxMemoryCount {
		b.memoryCount.Add(-1)
		return core1_0.VKErrorTooManyObjects, core1_0.VKErrorTooManyObjects.ToError()
	}

	limit := b.heapLimits[heapIndex]
	if limit == 0 || limit > heapSize {
		limit = heapSize
	}

	for {
		current := b.heapBytes[heapIndex].Load()
		target := current + int64(size)
		if limit > 0 && target > int64(limit) {
			b.memoryCount.Add(-1)
			return core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
		}

		if b.heapBytes[heapIndex].CompareAndSwap(current, target) {
			break
		}
	}

	metrics.DeviceMemoryBytes.WithLabelValues(strconv.Itoa(heapIndex)).Add(float64(size))
	return core1_0.VKSuccess, nil
}

func (b *memoryBudget) release(heapIndex int, size int) {
	newVal := b.heapBytes[heapIndex].Add(int64(-size))
	if newVal < 0 {
		panic(fmt.Sprintf("device memory bytes for heap %d went negative", heapIndex))
	}
	if b.memoryCount.Add(-1) < 0 {
		panic("device memory allocation count went negative")
	}
	metrics.DeviceMemoryBytes.WithLabelValues(strconv.Itoa(heapIndex)).Sub(float64(size))
}

func (b *memoryBudget) HeapBytes(heapIndex int) int {
	return int(b.heapBytes[heapIndex].Load())
}

func (b *memoryBudget) AllocationCount() int {
	return int(b.memoryCount.Load())
}

// allocateMemory reserves budget and allocates device memory of the given type. A non-nil dedicatedBuffer is passed
// to the driver through khr_dedicated_allocation when that is available.
func (d *Device) allocateMemory(memoryTypeIndex int, size uint64, dedicatedBuffer core1_0.Buffer) (mem *deviceMemory, err error) {
	heapIndex := d.memoryTypes.HeapIndex(memoryTypeIndex)

	res, err := d.budget.reserve(heapIndex, d.memoryTypes.HeapSize(heapIndex), int(size))
	if err != nil {
		return nil, markOutOfMemory(res, errors.Wrapf(err, "failed to reserve %d bytes in heap %d", size, heapIndex))
	}
	defer func() {
		// If we failed out, roll back the reservation
		if err != nil {
			d.budget.release(heapIndex, int(size))
		}
	}()

	allocInfo := core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: memoryTypeIndex,
		AllocationSize:  int(size),
	}

	kind := "chunk"
	if dedicatedBuffer != nil {
		kind = "dedicated"
		if d.extensions.DedicatedAllocations {
			allocInfo.Next = khr_dedicated_allocation.MemoryDedicatedAllocateInfo{
				Buffer: dedicatedBuffer,
			}
		}
	}

	memory, res, err := d.device.AllocateMemory(d.options.AllocationCallbacks, allocInfo)
	if err != nil {
		return nil, markOutOfMemory(res, errors.Wrapf(err, "failed to allocate %d bytes of memory type %d", size, memoryTypeIndex))
	}
	metrics.DeviceMemoryAllocationsTotal.WithLabelValues(kind).Inc()

	return &deviceMemory{
		memory:    memory,
		typeIndex: memoryTypeIndex,
		heapIndex: heapIndex,
		size:      size,
	}, nil
}

func (d *Device) freeMemory(memory *deviceMemory) {
	memory.free(d.options.AllocationCallbacks)
	d.budget.release(memory.heapIndex, int(memory.size))
}

// markOutOfMemory tags device and host exhaustion with memutils.ErrOutOfMemory so the allocators can tell it apart
// from misuse
func markOutOfMemory(res common.VkResult, err error) error {
	switch res {
	case core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfHostMemory, core1_0.VKErrorTooManyObjects:
		return errors.Mark(err, memutils.ErrOutOfMemory)
	}
	return err
}
