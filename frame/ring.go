package frame

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/framealloc/backend"
	"github.com/vkngwrapper/framealloc/bufalloc"
	"github.com/vkngwrapper/framealloc/internal/metrics"
	"github.com/vkngwrapper/framealloc/lifetime"
)

const (
	DefaultDepth        = 3
	DefaultFenceTimeout = 5 * time.Second
)

// RingOptions configures a Ring
type RingOptions struct {
	// Depth is the number of frames the ring's owner may record before waiting on the GPU, DefaultDepth if zero
	Depth int
	// FenceTimeout bounds each wait on a slot's fence, DefaultFenceTimeout if zero. Expiry is reported as
	// backend.ErrDeviceLost.
	FenceTimeout time.Duration
	// Transient configures the per-slot transient buffer allocators. AllocatorCreateTransient is always set.
	Transient bufalloc.CreateOptions
}

// Ring is a fixed set of frame slots owned by one recording goroutine. Beginning a frame reuses the slot of the
// frame Depth frames earlier, after waiting for the GPU to finish that frame, so the owner can never run more than
// Depth frames ahead of the GPU.
//
// A Ring is not safe for concurrent use. Give every recording goroutine its own.
type Ring struct {
	logger  *slog.Logger
	options RingOptions

	slots     []*Slot
	frame     uint64
	recording *Slot
	destroyed bool
}

func NewRing(logger *slog.Logger, device backend.Device, destroyer *lifetime.Destroyer, options RingOptions) (*Ring, error) {
	if options.Depth == 0 {
		options.Depth = DefaultDepth
	}
	if options.Depth < 0 {
		return nil, errors.Errorf("frame ring depth must be positive, got %d", options.Depth)
	}
	if options.FenceTimeout == 0 {
		options.FenceTimeout = DefaultFenceTimeout
	}
	options.Transient.Flags |= bufalloc.AllocatorCreateTransient

	r := &Ring{
		logger:  logger,
		options: options,
	}

	for i := 0; i < options.Depth; i++ {
		slot, err := newSlot(logger, device, destroyer, i, options.Transient)
		if err != nil {
			destroyErr := r.destroySlots()
			return nil, errors.CombineErrors(errors.Wrapf(err, "failed to create frame slot %d", i), destroyErr)
		}
		r.slots = append(r.slots, slot)
	}

	return r, nil
}

func (r *Ring) Depth() int {
	return len(r.slots)
}

// Frame is the number of the last frame begun, starting at 1
func (r *Ring) Frame() uint64 {
	return r.frame
}

// Recording reports whether a frame was begun and not yet ended
func (r *Ring) Recording() bool {
	return r.recording != nil
}

// Current is the slot of the frame being recorded, nil between EndFrame and BeginFrame
func (r *Ring) Current() *Slot {
	return r.recording
}

// BeginFrame waits for the GPU to finish the frame that last used the next slot, then recycles the slot's command
// pool, tracked references and transient buffers. A fence that does not signal within the timeout is returned as
// backend.ErrDeviceLost, after which the ring must not be used again except for Destroy.
func (r *Ring) BeginFrame() (*Slot, error) {
	if r.destroyed {
		panic("BeginFrame called on a destroyed frame ring")
	}
	if r.recording != nil {
		panic(fmt.Sprintf("BeginFrame called while frame %d is still recording", r.recording.frame))
	}

	next := r.frame + 1
	slot := r.slots[next%uint64(len(r.slots))]

	if err := r.waitSlot(slot); err != nil {
		return nil, err
	}
	if err := slot.recycle(next); err != nil {
		return nil, err
	}

	r.frame = next
	r.recording = slot
	metrics.FramesBegunTotal.Inc()

	r.logger.LogAttrs(context.Background(), slog.LevelDebug, "Ring::BeginFrame",
		slog.Uint64("frame", next),
		slog.Int("slot", slot.index),
	)
	return slot, nil
}

// EndFrame closes the recording scope and records the fence value that signals when the GPU has finished the
// frame's work
func (r *Ring) EndFrame(fence backend.FenceValue) {
	if r.recording == nil {
		panic("EndFrame called without a matching BeginFrame")
	}

	r.recording.scope.End()
	r.recording.fence = fence
	r.recording = nil
}

func (r *Ring) waitSlot(slot *Slot) error {
	if slot.fence.IsZero() {
		return nil
	}

	start := time.Now()
	signalled, err := slot.fence.Fence.Wait(slot.fence.Value, r.options.FenceTimeout)
	metrics.FenceWaitSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		return errors.Wrapf(errors.Mark(err, backend.ErrDeviceLost), "failed waiting for frame %d", slot.frame)
	}
	if !signalled {
		metrics.FenceTimeoutsTotal.Inc()
		return errors.Wrapf(backend.ErrDeviceLost, "frame %d did not complete within %s", slot.frame, r.options.FenceTimeout)
	}

	slot.fence = backend.FenceValue{}
	return nil
}

// Destroy waits for every recorded frame to complete, then releases every slot's references and destroys its
// command pool and transient allocator. Released slices reach the destroyer, which the caller drains afterwards.
func (r *Ring) Destroy() error {
	if r.destroyed {
		return errors.New("frame ring was destroyed twice")
	}
	if r.recording != nil {
		return errors.Errorf("frame ring destroyed while frame %d is still recording", r.recording.frame)
	}
	r.destroyed = true

	var err error
	for _, slot := range r.slots {
		if waitErr := r.waitSlot(slot); waitErr != nil {
			err = errors.CombineErrors(err, waitErr)
		}
	}

	return errors.CombineErrors(err, r.destroySlots())
}

func (r *Ring) destroySlots() error {
	var err error
	for _, slot := range r.slots {
		err = errors.CombineErrors(err, slot.destroy())
	}
	r.slots = nil
	return err
}
