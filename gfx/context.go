package gfx

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/framealloc/backend"
	"github.com/vkngwrapper/framealloc/bufalloc"
	"github.com/vkngwrapper/framealloc/config"
	"github.com/vkngwrapper/framealloc/frame"
	"github.com/vkngwrapper/framealloc/internal/metrics"
	"github.com/vkngwrapper/framealloc/lifetime"
	"github.com/vkngwrapper/framealloc/memutils"
)

// Context owns the frame pacing of a device: the shared buffer allocator, the deferred destroyer, and the frame
// rings of every recording goroutine. The main loop brackets each frame with BeginFrame and EndFrame and signals
// the returned fence value when the frame's work has been submitted and completed on the GPU.
type Context struct {
	logger *slog.Logger
	device backend.Device
	cfg    config.Config

	destroyer *lifetime.Destroyer
	buffers   *bufalloc.Allocator
	fence     backend.Fence

	mutex     sync.Mutex
	rings     []*frame.Ring
	frame     uint64
	recording bool
	shutdown  bool
	// lost is the ring failure that left a frame begun on some rings only. The frame was never submitted.
	lost error
}

func New(logger *slog.Logger, device backend.Device, cfg config.Config) (*Context, error) {
	if err := config.ValidateConfig(&cfg); err != nil {
		return nil, err
	}

	destroyer := lifetime.NewDestroyer(logger)

	var flags bufalloc.CreateFlags
	if cfg.ExternallySynchronized {
		flags |= bufalloc.AllocatorCreateExternallySynchronized
	}
	buffers, err := bufalloc.New(logger, device, destroyer, bufalloc.CreateOptions{
		Flags:     flags,
		Alignment: cfg.Alignment,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the shared buffer allocator")
	}

	fence, err := device.CreateFence()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the frame fence")
	}

	return &Context{
		logger:    logger,
		device:    device,
		cfg:       cfg,
		destroyer: destroyer,
		buffers:   buffers,
		fence:     fence,
	}, nil
}

func (c *Context) Buffers() *bufalloc.Allocator   { return c.buffers }
func (c *Context) Destroyer() *lifetime.Destroyer { return c.destroyer }
func (c *Context) Device() backend.Device         { return c.device }
func (c *Context) Fence() backend.Fence           { return c.fence }

// Frame is the number of the last frame begun, starting at 1
func (c *Context) Frame() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.frame
}

// NewRing creates a frame ring for one recording goroutine. The context begins and ends its frames along with its
// own, and destroys it at Shutdown.
func (c *Context) NewRing() (*frame.Ring, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.shutdown {
		panic("NewRing called after Shutdown")
	}
	if c.recording {
		return nil, errors.New("frame rings cannot be created while a frame is recording")
	}

	ring, err := frame.NewRing(c.logger, c.device, c.destroyer, frame.RingOptions{
		Depth:        c.cfg.PrerenderedFrames,
		FenceTimeout: c.cfg.FenceTimeout,
		Transient: bufalloc.CreateOptions{
			Flags:             bufalloc.AllocatorCreateExternallySynchronized,
			Alignment:         c.cfg.Alignment,
			RetainedHostBytes: c.cfg.RetainedHostBytes,
			RetainedGPUBytes:  c.cfg.RetainedGPUBytes,
		},
	})
	if err != nil {
		return nil, err
	}

	c.rings = append(c.rings, ring)
	return ring, nil
}

// BeginFrame starts the next frame. Once more than PrerenderedFrames frames are in flight, it waits for the GPU to
// finish the oldest one and destroys everything released before it, then begins a frame on every ring. A fence
// that does not signal within the configured timeout is returned as backend.ErrDeviceLost.
//
// If a ring fails to begin the frame, the rings that already began it are ended without a fence value and the
// context accepts nothing but Shutdown afterwards.
func (c *Context) BeginFrame() (uint64, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.shutdown {
		panic("BeginFrame called after Shutdown")
	}
	if c.recording {
		panic(fmt.Sprintf("BeginFrame called while frame %d is still recording", c.frame))
	}
	if c.lost != nil {
		return 0, errors.Wrapf(c.lost, "graphics context cannot begin frames after frame %d failed to begin", c.frame)
	}

	next := c.frame + 1
	prerendered := uint64(c.cfg.PrerenderedFrames)
	if next > prerendered {
		completed := next - prerendered
		if err := c.waitFrame(completed); err != nil {
			return 0, err
		}
		c.destroyer.DestroyUnused(completed)
		c.buffers.CleanupUnused()
	}

	c.frame = next
	c.destroyer.SetCounter(next)

	for i, ring := range c.rings {
		if _, err := ring.BeginFrame(); err != nil {
			for _, begun := range c.rings[:i] {
				begun.EndFrame(backend.FenceValue{})
			}
			c.lost = errors.Wrapf(err, "frame ring %d failed to begin frame %d", i, next)
			return 0, c.lost
		}
	}

	c.recording = true
	c.logger.LogAttrs(context.Background(), slog.LevelDebug, "Context::BeginFrame",
		slog.Uint64("frame", next),
		slog.Int("pendingDestruction", c.destroyer.PendingCount()),
	)
	return next, nil
}

// EndFrame finishes the frame and returns the fence value to signal once its work is complete
func (c *Context) EndFrame() backend.FenceValue {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.recording {
		panic("EndFrame called without a matching BeginFrame")
	}

	fenceValue := backend.FenceValue{Fence: c.fence, Value: c.frame}
	for _, ring := range c.rings {
		if ring.Recording() {
			ring.EndFrame(fenceValue)
		}
	}

	c.recording = false
	return fenceValue
}

func (c *Context) waitFrame(frame uint64) error {
	start := time.Now()
	signalled, err := c.fence.Wait(frame, c.cfg.FenceTimeout)
	metrics.FenceWaitSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		return errors.Wrapf(errors.Mark(err, backend.ErrDeviceLost), "failed waiting for frame %d", frame)
	}
	if !signalled {
		metrics.FenceTimeoutsTotal.Inc()
		return errors.Wrapf(backend.ErrDeviceLost, "frame %d did not complete within %s", frame, c.cfg.FenceTimeout)
	}
	return nil
}

// Shutdown waits for the last frame and tears everything down in dependency order: released resources, frame
// rings, the shared buffer allocator, the remaining deferred resources, and the fence. Leaks are logged and
// reported in the returned error.
func (c *Context) Shutdown() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.shutdown {
		return errors.New("graphics context was shut down twice")
	}
	if c.recording {
		return errors.Errorf("graphics context shut down while frame %d is still recording", c.frame)
	}
	c.shutdown = true

	lastSubmitted := c.frame
	if c.lost != nil {
		lastSubmitted--
	}

	var err error
	if lastSubmitted > 0 {
		if waitErr := c.waitFrame(lastSubmitted); waitErr != nil {
			err = errors.CombineErrors(err, waitErr)
		}
	}
	c.destroyer.DestroyUnused(c.frame)

	for _, ring := range c.rings {
		err = errors.CombineErrors(err, ring.Destroy())
	}
	c.rings = nil

	// Slices released by the rings' trackers become destroyable before the allocator goes away
	c.destroyer.DestroyAll()
	err = errors.CombineErrors(err, c.buffers.Destroy())

	destroyed := c.destroyer.DestroyAll()
	c.fence.Destroy()

	c.logger.LogAttrs(context.Background(), slog.LevelDebug, "Context::Shutdown",
		slog.Uint64("frames", c.frame),
		slog.Int("lateDestroyed", destroyed),
	)
	if err != nil {
		c.logger.LogAttrs(context.Background(), slog.LevelError, "graphics context shut down with errors", slog.Any("error", err))
	}
	return err
}

// Statistics sums the shared allocator's buffers and slices
func (c *Context) Statistics() memutils.Statistics {
	var stats memutils.Statistics
	c.buffers.AddStatistics(&stats)
	return stats
}

// PrintDetailedMap writes the frame counter, the destroyer backlog and the shared allocator's map
func (c *Context) PrintDetailedMap(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	objState.Name("Frame").Float64(float64(c.Frame()))
	objState.Name("PendingDestruction").Int(c.destroyer.PendingCount())
	c.buffers.PrintDetailedMap(objState.Name("Buffers"))
}
