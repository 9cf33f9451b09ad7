package frame

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/framealloc/backend"
	"github.com/vkngwrapper/framealloc/bufalloc"
	"github.com/vkngwrapper/framealloc/lifetime"
)

// Slot holds everything one in-flight frame owns: the command pool its commands were recorded from, the references
// those commands depend on, and the transient buffers they read
type Slot struct {
	index int

	commandPool backend.CommandPool
	trackers    *lifetime.Trackers
	transient   *bufalloc.Allocator
	scope       *bufalloc.Scope

	fence backend.FenceValue
	frame uint64
}

func newSlot(logger *slog.Logger, device backend.Device, destroyer *lifetime.Destroyer, index int, options bufalloc.CreateOptions) (*Slot, error) {
	commandPool, err := device.CreateCommandPool()
	if err != nil {
		return nil, err
	}

	transient, err := bufalloc.New(logger, device, destroyer, options)
	if err != nil {
		commandPool.Destroy()
		return nil, err
	}

	scope := bufalloc.NewScope(0)
	scope.End()

	return &Slot{
		index:       index,
		commandPool: commandPool,
		trackers:    lifetime.NewTrackers(),
		transient:   transient,
		scope:       scope,
	}, nil
}

func (s *Slot) recycle(frame uint64) error {
	s.scope.End()
	if err := s.commandPool.Reset(); err != nil {
		return errors.Wrapf(err, "failed to reset the command pool of frame slot %d", s.index)
	}
	s.trackers.Reset()
	s.transient.Reset()

	s.scope = bufalloc.NewScope(frame)
	s.frame = frame
	return nil
}

func (s *Slot) destroy() error {
	s.scope.End()
	s.trackers.Reset()
	s.commandPool.Destroy()
	return s.transient.Destroy()
}

// Frame is the number of the frame recorded in this slot
func (s *Slot) Frame() uint64 { return s.frame }

func (s *Slot) Scope() *bufalloc.Scope                  { return s.scope }
func (s *Slot) CommandPool() backend.CommandPool        { return s.commandPool }
func (s *Slot) Trackers() *lifetime.Trackers            { return s.trackers }
func (s *Slot) TransientAllocator() *bufalloc.Allocator { return s.transient }

// Fence is the fence value recorded by the last EndFrame for this slot, zero once it has been waited on
func (s *Slot) Fence() backend.FenceValue { return s.fence }

// GetSlice returns a transient slice valid until the frame ends
func (s *Slot) GetSlice(info backend.BufferInfo, memoryUsage backend.MemoryUsage, name string) (bufalloc.FrameScopedSlice, error) {
	return s.transient.GetFrameSlice(s.scope, info, memoryUsage, name)
}

// TrackSlice keeps slice alive until the GPU has finished this frame. The caller keeps its own handle.
func (s *Slot) TrackSlice(slice *bufalloc.Slice) {
	s.trackers.Track(lifetime.ResourceBuffer, slice.Clone())
}

// Track takes ownership of a reference the frame's commands depend on
func (s *Slot) Track(kind lifetime.ResourceKind, reference lifetime.Releaser) {
	s.trackers.Track(kind, reference)
}
