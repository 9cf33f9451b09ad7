package hostmem

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/framealloc/backend"
	"github.com/vkngwrapper/framealloc/memutils"
	"github.com/vkngwrapper/framealloc/memutils/tlsf"
)

const (
	defaultChunkSize uint64 = 4 * 1024 * 1024
	defaultAlignment uint64 = 256
	// maxMemorySize bounds a single chunk or dedicated allocation, whether or not a budget is set
	maxMemorySize uint64 = 1 << 40
)

// Options configures a host-memory Device
type Options struct {
	// ChunkSize is the size of each heap chunk buffers are sub-allocated from. Buffers larger than half a chunk get
	// a dedicated allocation.
	ChunkSize uint64
	// Budget caps the bytes the device will hand out across heap chunks and dedicated allocations. Zero means
	// unlimited.
	Budget uint64
	// Alignment is the offset alignment reported by BufferAlignment and used inside heap chunks
	Alignment uint64
}

// Device is a backend.Device that serves buffers out of ordinary Go memory. It stands in for a GPU in tests and
// the frame simulator: buffers are byte slices, fences are signalled by the caller, command pools only count
// resets.
type Device struct {
	logger  *slog.Logger
	options Options

	heaps [4]*tlsf.ChunkList[[]byte]

	usedBytes      atomic.Uint64
	liveBuffers    atomic.Int64
	createdBuffers atomic.Int64
}

var _ backend.Device = &Device{}

func New(logger *slog.Logger, options Options) (*Device, error) {
	if options.ChunkSize == 0 {
		options.ChunkSize = defaultChunkSize
	}
	if options.Alignment == 0 {
		options.Alignment = defaultAlignment
	}
	if err := memutils.CheckPow2(options.Alignment, "options.Alignment"); err != nil {
		return nil, err
	}

	d := &Device{
		logger:  logger,
		options: options,
	}

	for usage := range d.heaps {
		d.heaps[usage] = tlsf.NewChunkList(logger, tlsf.ChunkListOptions[[]byte]{
			ChunkSize: options.ChunkSize,
			Create:    d.allocateMemory,
			Destroy:   d.freeMemory,
		})
	}

	return d, nil
}

func (d *Device) allocateMemory(size uint64) ([]byte, error) {
	for {
		if size > maxMemorySize {
			return nil, errors.Wrapf(memutils.ErrOutOfMemory, "allocating %d bytes exceeds the largest host allocation of %d bytes", size, maxMemorySize)
		}
		used := d.usedBytes.Load()
		if d.options.Budget > 0 && (used > d.options.Budget || size > d.options.Budget-used) {
			return nil, errors.Wrapf(memutils.ErrOutOfMemory, "allocating %d bytes would exceed the budget of %d bytes (%d in use)", size, d.options.Budget, used)
		}
		if d.usedBytes.CompareAndSwap(used, used+size) {
			return make([]byte, size), nil
		}
	}
}

func (d *Device) freeMemory(memory []byte) {
	d.usedBytes.Add(^uint64(len(memory) - 1))
}

func (d *Device) BufferAlignment(info backend.BufferInfo) uint64 {
	return d.options.Alignment
}

func (d *Device) CreateBuffer(info backend.BufferInfo, memoryUsage backend.MemoryUsage, name string) (backend.Buffer, error) {
	if info.Size == 0 {
		return nil, errors.Errorf("buffer %q must have a size greater than zero", name)
	}
	if int(memoryUsage) >= len(d.heaps) {
		return nil, errors.Errorf("buffer %q has invalid memory usage %d", name, memoryUsage)
	}

	buffer := &Buffer{
		device: d,
		info:   info,
		usage:  memoryUsage,
		name:   name,
	}

	if info.Size > d.options.ChunkSize/2 {
		memory, err := d.allocateMemory(info.Size)
		if err != nil {
			return nil, err
		}
		buffer.memory = memory

		d.logger.LogAttrs(context.Background(), slog.LevelDebug, "Device::CreateBuffer dedicated",
			slog.String("name", name),
			slog.Uint64("size", info.Size),
		)
	} else {
		alloc, err := d.heaps[memoryUsage].Allocate(info.Size, d.options.Alignment)
		if err != nil {
			return nil, err
		}
		alloc.SetUserData(name)
		buffer.alloc = alloc
		buffer.memory = alloc.Data()[alloc.Offset() : alloc.Offset()+info.Size : alloc.Offset()+info.Size]
	}

	d.liveBuffers.Add(1)
	d.createdBuffers.Add(1)
	return buffer, nil
}

func (d *Device) CreateFence() (backend.Fence, error) {
	return NewTimelineFence(), nil
}

func (d *Device) CreateCommandPool() (backend.CommandPool, error) {
	return &CommandPool{}, nil
}

// LiveBuffers is the number of buffers created and not yet destroyed
func (d *Device) LiveBuffers() int {
	return int(d.liveBuffers.Load())
}

// CreatedBuffers is the number of buffers created over the device's lifetime
func (d *Device) CreatedBuffers() int {
	return int(d.createdBuffers.Load())
}

// UsedBytes is the number of bytes of heap chunks and dedicated allocations currently held
func (d *Device) UsedBytes() uint64 {
	return d.usedBytes.Load()
}

func (d *Device) AddStatistics(stats *memutils.Statistics) {
	for _, heap := range d.heaps {
		heap.AddStatistics(stats)
	}
}

// PrintDetailedMap writes the chunk maps of every heap, keyed by memory usage
func (d *Device) PrintDetailedMap(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	objState.Name("UsedBytes").Float64(float64(d.UsedBytes()))
	objState.Name("LiveBuffers").Int(d.LiveBuffers())

	heaps := objState.Name("Heaps").Object()
	defer heaps.End()

	for usage, heap := range d.heaps {
		heapWriter := heaps.Name(backend.MemoryUsage(usage).String())
		heap.PrintDetailedMap(heapWriter)
	}
}

// Destroy releases every heap chunk. It returns an error if buffers are still alive.
func (d *Device) Destroy() error {
	var err error
	for usage, heap := range d.heaps {
		if heapErr := heap.Destroy(); heapErr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(heapErr, "heap %s", backend.MemoryUsage(usage)))
		}
	}

	if live := d.LiveBuffers(); live > 0 {
		err = errors.CombineErrors(err, errors.Errorf("%d buffers were not destroyed before the device", live))
	}
	return err
}

// Buffer is a buffer backed by a byte slice
type Buffer struct {
	device *Device
	info   backend.BufferInfo
	usage  backend.MemoryUsage
	name   string

	alloc     *tlsf.Allocation[[]byte]
	memory    []byte
	destroyed atomic.Bool
}

var _ backend.Buffer = &Buffer{}

func (b *Buffer) Info() backend.BufferInfo         { return b.info }
func (b *Buffer) MemoryUsage() backend.MemoryUsage { return b.usage }
func (b *Buffer) Name() string                     { return b.name }

// Dedicated reports whether the buffer has memory of its own rather than a range of a heap chunk
func (b *Buffer) Dedicated() bool {
	return b.alloc == nil
}

func (b *Buffer) Map(offset, size uint64) ([]byte, error) {
	if b.destroyed.Load() {
		panic(fmt.Sprintf("buffer %q was mapped after it was destroyed", b.name))
	}
	if !b.usage.IsMappable() {
		return nil, errors.Wrapf(backend.ErrNotMappable, "buffer %q uses %s", b.name, b.usage)
	}
	if offset > b.info.Size || size > b.info.Size-offset {
		return nil, errors.Errorf("range of %d bytes at offset %d is outside of buffer %q of size %d", size, offset, b.name, b.info.Size)
	}

	return b.memory[offset : offset+size : offset+size], nil
}

func (b *Buffer) Destroy() {
	if !b.destroyed.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("buffer %q was destroyed twice", b.name))
	}

	if b.alloc != nil {
		b.device.heaps[b.usage].Free(b.alloc)
	} else {
		b.device.freeMemory(b.memory)
	}
	b.memory = nil
	b.device.liveBuffers.Add(-1)
}

// Destroyed reports whether Destroy was called
func (b *Buffer) Destroyed() bool {
	return b.destroyed.Load()
}

func (b *Buffer) String() string {
	return b.name + "@" + strconv.FormatUint(b.info.Size, 10)
}
