package vulkan

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/khr_dedicated_allocation"
	"github.com/vkngwrapper/framealloc/backend"
	"github.com/vkngwrapper/framealloc/memutils"
	"github.com/vkngwrapper/framealloc/memutils/tlsf"
)

const (
	// DefaultChunkSize is the size of the device memory chunks buffers are bound into
	DefaultChunkSize uint64 = 64 * 1024 * 1024

	minBufferAlignment uint64 = 256
)

// Options configures a vulkan Device
type Options struct {
	// AllocationCallbacks is passed to every vulkan object creation and destruction call
	AllocationCallbacks *driver.AllocationCallbacks
	// QueueFamilyIndex is the family command pools are created for
	QueueFamilyIndex int
	// ChunkSize is the size of each device memory chunk, DefaultChunkSize if zero. Buffers larger than half a chunk
	// get memory of their own.
	ChunkSize uint64
	// HeapSizeLimits optionally caps the bytes allocated from each memory heap. When provided it must have one entry
	// per heap; zero entries are unlimited.
	HeapSizeLimits []int
}

// Device is a backend.Device over a vulkan logical device. Buffers are bound into per-memory-type chunks of device
// memory managed by TLSF chunk lists, unless the driver asks for a dedicated allocation or the buffer is large.
type Device struct {
	logger      *slog.Logger
	device      core1_0.Device
	extensions  *ExtensionData
	memoryTypes *MemoryTypes
	limits      *core1_0.PhysicalDeviceLimits
	options     Options

	budget *memoryBudget
	heaps  []*tlsf.ChunkList[*deviceMemory]
}

var _ backend.Device = &Device{}

func New(logger *slog.Logger, physicalDevice core1_0.PhysicalDevice, device core1_0.Device, options Options) (*Device, error) {
	if device == nil {
		return nil, errors.New("attempted to create a vulkan backend with a nil device")
	}
	if options.ChunkSize == 0 {
		options.ChunkSize = DefaultChunkSize
	}

	properties, err := physicalDevice.Properties()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read physical device properties")
	}
	if err := memutils.CheckPow2(uint64(properties.Limits.NonCoherentAtomSize), "device nonCoherentAtomSize"); err != nil {
		return nil, err
	}

	memoryTypes := NewMemoryTypes(physicalDevice.MemoryProperties(), properties.DriverType)
	budget, err := newMemoryBudget(memoryTypes, options.HeapSizeLimits, properties.Limits.MaxMemoryAllocationCount)
	if err != nil {
		return nil, err
	}

	d := &Device{
		logger:      logger,
		device:      device,
		extensions:  NewExtensionData(device),
		memoryTypes: memoryTypes,
		limits:      properties.Limits,
		options:     options,
		budget:      budget,
		heaps:       make([]*tlsf.ChunkList[*deviceMemory], memoryTypes.TypeCount()),
	}

	for memoryTypeIndex := range d.heaps {
		d.heaps[memoryTypeIndex] = tlsf.NewChunkList(logger, tlsf.ChunkListOptions[*deviceMemory]{
			ChunkSize: options.ChunkSize,
			Create: func(size uint64) (*deviceMemory, error) {
				return d.allocateMemory(memoryTypeIndex, size, nil)
			},
			Destroy: d.freeMemory,
		})
	}

	return d, nil
}

func (d *Device) Extensions() *ExtensionData  { return d.extensions }
func (d *Device) MemoryTypes() *MemoryTypes    { return d.memoryTypes }
func (d *Device) VulkanDevice() core1_0.Device { return d.device }

// HeapBytes is the number of bytes of device memory currently allocated from a heap
func (d *Device) HeapBytes(heapIndex int) int {
	return d.budget.HeapBytes(heapIndex)
}

// MemoryAllocationCount is the number of live vkDeviceMemory objects
func (d *Device) MemoryAllocationCount() int {
	return d.budget.AllocationCount()
}

func (d *Device) BufferAlignment(info backend.BufferInfo) uint64 {
	alignment := minBufferAlignment
	if info.Usage&backend.BufferUsageConstant != 0 && uint64(d.limits.MinUniformBufferOffsetAlignment) > alignment {
		alignment = uint64(d.limits.MinUniformBufferOffsetAlignment)
	}
	if info.Usage&backend.BufferUsageStorage != 0 && uint64(d.limits.MinStorageBufferOffsetAlignment) > alignment {
		alignment = uint64(d.limits.MinStorageBufferOffsetAlignment)
	}
	return alignment
}

func (d *Device) getBufferMemoryRequirements(buffer core1_0.Buffer, memoryRequirements *core1_0.MemoryRequirements) (requiresDedicated, prefersDedicated bool, err error) {
	if d.extensions.DedicatedAllocations && d.extensions.GetMemoryRequirements != nil {
		dedicatedReqs := khr_dedicated_allocation.MemoryDedicatedRequirements{}
		memReqs := core1_1.MemoryRequirements2{
			NextOutData: common.NextOutData{
				Next: &dedicatedReqs,
			},
		}

		err = d.extensions.GetMemoryRequirements.BufferMemoryRequirements2(
			core1_1.BufferMemoryRequirementsInfo2{
				Buffer: buffer,
			},
			&memReqs)
		if err != nil {
			return false, false, err
		}

		*memoryRequirements = memReqs.MemoryRequirements
		return dedicatedReqs.RequiresDedicatedAllocation, dedicatedReqs.PrefersDedicatedAllocation, nil
	}

	*memoryRequirements = *buffer.MemoryRequirements()
	return false, false, nil
}

func (d *Device) CreateBuffer(info backend.BufferInfo, memoryUsage backend.MemoryUsage, name string) (backend.Buffer, error) {
	if info.Size == 0 {
		return nil, errors.Errorf("buffer %q must have a size greater than zero", name)
	}

	d.logger.LogAttrs(context.Background(), slog.LevelDebug, "Device::CreateBuffer",
		slog.String("name", name),
		slog.Uint64("size", info.Size),
		slog.String("usage", info.Usage.String()),
		slog.String("memoryUsage", memoryUsage.String()),
	)

	vkBuffer, res, err := d.device.CreateBuffer(d.options.AllocationCallbacks, core1_0.BufferCreateInfo{
		Size:        int(info.Size),
		Usage:       BufferUsageFlags(info.Usage),
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, markOutOfMemory(res, errors.Wrapf(err, "failed to create buffer %q", name))
	}

	buffer, err := d.bindBuffer(vkBuffer, info, memoryUsage, name)
	if err != nil {
		vkBuffer.Destroy(d.options.AllocationCallbacks)
		return nil, err
	}

	return buffer, nil
}

func (d *Device) bindBuffer(vkBuffer core1_0.Buffer, info backend.BufferInfo, memoryUsage backend.MemoryUsage, name string) (*Buffer, error) {
	var memReqs core1_0.MemoryRequirements
	requiresDedicated, prefersDedicated, err := d.getBufferMemoryRequirements(vkBuffer, &memReqs)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query memory requirements of buffer %q", name)
	}

	memoryTypeIndex, strictness, err := d.memoryTypes.FindMemoryTypeIndex(memReqs.MemoryTypeBits, memoryUsage)
	if err != nil {
		return nil, errors.Wrapf(err, "buffer %q", name)
	}
	if strictness != StrictnessStrict {
		d.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Memory type matched loosely",
			slog.String("name", name),
			slog.Int("memoryType", memoryTypeIndex),
			slog.String("strictness", strictness.String()),
		)
	}

	buffer := &Buffer{
		device:          d,
		buffer:          vkBuffer,
		info:            info,
		usage:           memoryUsage,
		name:            name,
		memoryTypeIndex: memoryTypeIndex,
	}

	size := uint64(memReqs.Size)
	if requiresDedicated || prefersDedicated || size > d.options.ChunkSize/2 {
		memory, err := d.allocateMemory(memoryTypeIndex, size, vkBuffer)
		if err != nil {
			return nil, err
		}

		_, err = vkBuffer.BindBufferMemory(memory.memory, 0)
		if err != nil {
			d.freeMemory(memory)
			return nil, errors.Wrapf(err, "failed to bind buffer %q to dedicated memory", name)
		}

		buffer.memory = memory
		return buffer, nil
	}

	alloc, err := d.heaps[memoryTypeIndex].Allocate(size, uint64(memReqs.Alignment))
	if err != nil {
		return nil, errors.Wrapf(err, "buffer %q", name)
	}
	alloc.SetUserData(name)

	_, err = vkBuffer.BindBufferMemory(alloc.Data().memory, int(alloc.Offset()))
	if err != nil {
		d.heaps[memoryTypeIndex].Free(alloc)
		return nil, errors.Wrapf(err, "failed to bind buffer %q at offset %d", name, alloc.Offset())
	}

	buffer.memory = alloc.Data()
	buffer.alloc = alloc
	buffer.offset = alloc.Offset()
	return buffer, nil
}

func (d *Device) CreateFence() (backend.Fence, error) {
	return NewFence(d.device, d.options.AllocationCallbacks), nil
}

func (d *Device) CreateCommandPool() (backend.CommandPool, error) {
	pool, res, err := d.device.CreateCommandPool(d.options.AllocationCallbacks, core1_0.CommandPoolCreateInfo{
		QueueFamilyIndex: d.options.QueueFamilyIndex,
	})
	if err != nil {
		return nil, markOutOfMemory(res, errors.Wrap(err, "failed to create command pool"))
	}

	return &CommandPool{
		pool:      pool,
		callbacks: d.options.AllocationCallbacks,
	}, nil
}

// CleanupUnused frees every empty device memory chunk but one per memory type
func (d *Device) CleanupUnused() int {
	var freed int
	for _, heap := range d.heaps {
		freed += heap.CleanupUnused()
	}
	return freed
}

func (d *Device) AddStatistics(stats *memutils.Statistics) {
	for _, heap := range d.heaps {
		heap.AddStatistics(stats)
	}
}

// PrintDetailedMap writes the chunk maps of every memory type that has chunks
func (d *Device) PrintDetailedMap(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	objState.Name("MemoryAllocations").Int(d.MemoryAllocationCount())
	objState.Name("UMA").Bool(d.memoryTypes.IsUMA())

	types := objState.Name("MemoryTypes").Array()
	defer types.End()

	for memoryTypeIndex, heap := range d.heaps {
		typeObj := types.Object()
		typeObj.Name("Index").Int(memoryTypeIndex)
		typeObj.Name("HeapIndex").Int(d.memoryTypes.HeapIndex(memoryTypeIndex))
		typeObj.Name("PropertyFlags").String(d.memoryTypes.PropertyFlags(memoryTypeIndex).String())
		heap.PrintDetailedMap(typeObj.Name("Chunks"))
		typeObj.End()
	}
}

// Destroy frees every device memory chunk. It returns an error if buffers bound into them are still alive.
func (d *Device) Destroy() error {
	var err error
	for memoryTypeIndex, heap := range d.heaps {
		if heapErr := heap.Destroy(); heapErr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(heapErr, "memory type %d", memoryTypeIndex))
		}
	}
	return err
}
