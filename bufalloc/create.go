package bufalloc

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/framealloc/backend"
	"github.com/vkngwrapper/framealloc/lifetime"
	"github.com/vkngwrapper/framealloc/memutils"
)

const (
	TinyBufferSlabSize  uint64 = 256
	SmallBufferSlabSize uint64 = 512
	BufferSlabSize      uint64 = 1024
	// BigBufferSlabSize is the largest slab class. Larger requests to a shared allocator get a dedicated buffer.
	BigBufferSlabSize uint64 = 4096
	// SlicedBufferSize is the size of a backing buffer that is cut into slices of one slab class
	SlicedBufferSize uint64 = 16384
	// DefaultAlignment is the minimum offset alignment of every slice
	DefaultAlignment uint64 = 256
)

var slabClasses = [...]uint64{TinyBufferSlabSize, SmallBufferSlabSize, BufferSlabSize, BigBufferSlabSize}

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateTransient creates an allocator whose slices live for one frame. It hands out FrameScopedSlice
	// values through GetFrameSlice, never creates dedicated buffers, and recycles everything at once in Reset.
	AllocatorCreateTransient CreateFlags = 1 << iota
	// AllocatorCreateExternallySynchronized disables the pool mutex. The consumer must guarantee the allocator is
	// used from only one goroutine at a time.
	AllocatorCreateExternallySynchronized
	// AllocatorCreateUnifiedMemory counts every transient buffer against the host memory retention limit, for
	// devices where GPU and host share one memory pool
	AllocatorCreateUnifiedMemory
)

func init() {
	AllocatorCreateTransient.Register("AllocatorCreateTransient")
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
	AllocatorCreateUnifiedMemory.Register("AllocatorCreateUnifiedMemory")
}

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// Alignment raises the minimum slice alignment above DefaultAlignment. It must be a power of two.
	Alignment uint64

	// RetainedHostBytes limits how many bytes of host memory buffers a transient allocator keeps across Reset.
	// Zero keeps everything.
	RetainedHostBytes uint64
	// RetainedGPUBytes limits how many bytes of GPU memory buffers a transient allocator keeps across Reset.
	// Zero keeps everything.
	RetainedGPUBytes uint64

	// Callbacks is an optional set of callbacks executed when backing buffers are created and destroyed
	Callbacks *BufferCallbacks
}

// New creates an allocator serving buffers from device. Released slices are handed to destroyer, which must be
// driven by the owner of the frame loop.
func New(logger *slog.Logger, device backend.Device, destroyer *lifetime.Destroyer, options CreateOptions) (*Allocator, error) {
	if device == nil {
		return nil, errors.New("bufalloc.New requires a device")
	}
	if destroyer == nil {
		return nil, errors.New("bufalloc.New requires a destroyer")
	}

	alignment := DefaultAlignment
	if options.Alignment > alignment {
		alignment = options.Alignment
	}
	if err := memutils.CheckPow2(alignment, "options.Alignment"); err != nil {
		return nil, err
	}

	allocator := &Allocator{
		logger:    logger,
		device:    device,
		destroyer: destroyer,

		createFlags: options.Flags,
		transient:   options.Flags&AllocatorCreateTransient != 0,
		alignment:   alignment,
		pools:       swiss.NewMap[BufferKey, *pool](8),
	}
	allocator.callbacks = bufferCallbacks{Callbacks: options.Callbacks, Allocator: allocator}
	allocator.SetRetainedSize(options.RetainedHostBytes, options.RetainedGPUBytes)

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0
	allocator.mutex.Disabled = !useMutex
	allocator.dedicated.mutex.Disabled = !useMutex

	return allocator, nil
}
