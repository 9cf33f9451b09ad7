package wgpu

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/wgpu/hal"
	"github.com/vkngwrapper/framealloc/backend"
	"github.com/vkngwrapper/framealloc/memutils"
)

// DefaultAlignment is WebGPU's default minUniformBufferOffsetAlignment and minStorageBufferOffsetAlignment
const DefaultAlignment uint64 = 256

// HALDevice is the part of hal.Device the backend uses
type HALDevice interface {
	CreateBuffer(desc *hal.BufferDescriptor) (hal.Buffer, error)
	DestroyBuffer(buffer hal.Buffer)
	CreateFence() (hal.Fence, error)
	DestroyFence(fence hal.Fence)
	Wait(fence hal.Fence, value uint64, timeout time.Duration) (bool, error)
}

var _ HALDevice = hal.Device(nil)

type Options struct {
	// Alignment overrides DefaultAlignment for adapters with stricter offset limits
	Alignment uint64
}

// Device is a backend.Device over a gogpu hal device. Every buffer is a separate hal buffer; hal manages the memory
// behind it.
type Device struct {
	logger    *slog.Logger
	device    HALDevice
	alignment uint64

	liveBuffers atomic.Int64
}

var _ backend.Device = &Device{}

func New(logger *slog.Logger, device HALDevice, options Options) (*Device, error) {
	if device == nil {
		return nil, errors.New("attempted to create a wgpu backend with a nil device")
	}

	alignment := options.Alignment
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	if err := memutils.CheckPow2(alignment, "options.Alignment"); err != nil {
		return nil, err
	}

	return &Device{
		logger:    logger,
		device:    device,
		alignment: alignment,
	}, nil
}

func (d *Device) BufferAlignment(info backend.BufferInfo) uint64 {
	return d.alignment
}

// LiveBuffers is the number of buffers created and not yet destroyed
func (d *Device) LiveBuffers() int {
	return int(d.liveBuffers.Load())
}

func (d *Device) CreateBuffer(info backend.BufferInfo, memoryUsage backend.MemoryUsage, name string) (backend.Buffer, error) {
	if info.Size == 0 {
		return nil, errors.Errorf("buffer %q must have a size greater than zero", name)
	}

	// Mapped and copied ranges must be multiples of four bytes
	desc := &hal.BufferDescriptor{
		Label: name,
		Size:  memutils.AlignUp(info.Size, 4),
		Usage: BufferUsage(info.Usage, memoryUsage),
	}

	d.logger.LogAttrs(context.Background(), slog.LevelDebug, "Device::CreateBuffer",
		slog.String("name", name),
		slog.Uint64("size", desc.Size),
		slog.String("memoryUsage", memoryUsage.String()),
	)

	halBuffer, err := d.device.CreateBuffer(desc)
	if err != nil {
		// hal validates descriptors before reaching the driver, so a failure here is exhaustion
		return nil, errors.Wrapf(errors.Mark(err, memutils.ErrOutOfMemory), "failed to create buffer %q", name)
	}

	d.liveBuffers.Add(1)
	return &Buffer{
		device: d,
		buffer: halBuffer,
		info:   info,
		usage:  memoryUsage,
		name:   name,
	}, nil
}

func (d *Device) CreateFence() (backend.Fence, error) {
	fence, err := d.device.CreateFence()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fence")
	}

	return &Fence{device: d.device, fence: fence}, nil
}

func (d *Device) CreateCommandPool() (backend.CommandPool, error) {
	return &CommandPool{}, nil
}

// Buffer is a hal buffer
type Buffer struct {
	device *Device
	buffer hal.Buffer
	info   backend.BufferInfo
	usage  backend.MemoryUsage
	name   string

	destroyed atomic.Bool
}

var _ backend.Buffer = &Buffer{}

func (b *Buffer) Info() backend.BufferInfo         { return b.info }
func (b *Buffer) MemoryUsage() backend.MemoryUsage { return b.usage }
func (b *Buffer) Name() string                     { return b.name }
func (b *Buffer) HALBuffer() hal.Buffer            { return b.buffer }

// Map always fails: WebGPU buffers are mapped asynchronously, outside of the frame loop. Upload through the queue's
// WriteBuffer instead.
func (b *Buffer) Map(offset, size uint64) ([]byte, error) {
	return nil, errors.Wrapf(backend.ErrNotMappable, "buffer %q cannot be mapped synchronously", b.name)
}

func (b *Buffer) Destroy() {
	if !b.destroyed.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("buffer %q was destroyed twice", b.name))
	}

	b.device.device.DestroyBuffer(b.buffer)
	b.device.liveBuffers.Add(-1)
}

func (b *Buffer) String() string {
	return b.name + "@" + strconv.FormatUint(b.info.Size, 10)
}

// Fence is a hal timeline fence. Pass HALFence and the frame's value to the queue submission.
type Fence struct {
	device HALDevice
	fence  hal.Fence
}

var _ backend.Fence = &Fence{}

func (f *Fence) HALFence() hal.Fence {
	return f.fence
}

func (f *Fence) Wait(value uint64, timeout time.Duration) (bool, error) {
	reached, err := f.device.Wait(f.fence, value, timeout)
	if err != nil {
		return false, errors.Wrapf(err, "failed to wait for fence value %d", value)
	}
	return reached, nil
}

func (f *Fence) Destroy() {
	f.device.DestroyFence(f.fence)
}

// CommandPool stands in for a per-frame command pool. WebGPU command encoders are single use and free themselves
// once submitted, so there is nothing to recycle.
type CommandPool struct {
	resets atomic.Int64
}

var _ backend.CommandPool = &CommandPool{}

func (p *CommandPool) Reset() error {
	p.resets.Add(1)
	return nil
}

// Resets is the number of times the pool was reset
func (p *CommandPool) Resets() int {
	return int(p.resets.Load())
}

func (p *CommandPool) Destroy() {}
