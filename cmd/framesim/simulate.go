package main

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/framealloc/backend"
	"github.com/vkngwrapper/framealloc/backend/hostmem"
	"github.com/vkngwrapper/framealloc/bufalloc"
	"github.com/vkngwrapper/framealloc/config"
	"github.com/vkngwrapper/framealloc/frame"
	"github.com/vkngwrapper/framealloc/gfx"
	"github.com/vkngwrapper/framealloc/internal/utils"
	"github.com/vkngwrapper/framealloc/memutils"
)

type simOptions struct {
	Frames  int
	Workers int
	// Slices is the number of transient slices each worker records per frame
	Slices int
	// SharedEvery makes each worker allocate a shared slice every SharedEvery frames. Zero disables shared slices.
	SharedEvery int
	GPULatency  time.Duration
}

type simReport struct {
	Frames          uint64
	TransientSlices int
	SharedSlices    int
	BuffersCreated  int
	PeakUsedBytes   uint64
	Statistics      memutils.Statistics
}

// simulatedGPU signals submitted fence values in order, GPULatency after each submission
type simulatedGPU struct {
	latency   time.Duration
	submitted chan backend.FenceValue
	done      chan struct{}
}

func newSimulatedGPU(latency time.Duration, depth int) *simulatedGPU {
	gpu := &simulatedGPU{
		latency:   latency,
		submitted: make(chan backend.FenceValue, depth),
		done:      make(chan struct{}),
	}
	go gpu.run()
	return gpu
}

func (g *simulatedGPU) run() {
	defer close(g.done)

	for fenceValue := range g.submitted {
		if g.latency > 0 {
			time.Sleep(g.latency)
		}
		hostmem.Signal(fenceValue)
	}
}

func (g *simulatedGPU) submit(fenceValue backend.FenceValue) {
	g.submitted <- fenceValue
}

// drain waits for every submitted frame to complete
func (g *simulatedGPU) drain() {
	close(g.submitted)
	<-g.done
}

type frameRecorder struct {
	shared      *bufalloc.Allocator
	sharedMutex utils.OptionalMutex
	options     simOptions
}

type recordedCounts struct {
	transient int
	shared    int
}

func (r *frameRecorder) record(slot *frame.Slot, worker int, frameNumber uint64) (recordedCounts, error) {
	var counts recordedCounts
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(frameNumber)
	}

	for i := 0; i < r.options.Slices; i++ {
		size := uint64(64) << ((i + worker) % 6)
		slice, err := slot.GetSlice(backend.BufferInfo{Size: size, Usage: backend.BufferUsageConstant}, backend.MemoryUsageMainMemoryWriteCombined, "constants")
		if err != nil {
			return counts, errors.Wrapf(err, "worker %d failed to allocate transient slice %d", worker, i)
		}
		if err := slice.Write(slot.Scope(), payload[:size]); err != nil {
			return counts, err
		}
		counts.transient++
	}

	every := uint64(r.options.SharedEvery)
	if every == 0 || (frameNumber+uint64(worker))%every != 0 {
		return counts, nil
	}

	r.sharedMutex.Lock()
	slice, err := r.shared.GetSlice(backend.BufferInfo{Size: 3000, Usage: backend.BufferUsageVertex}, backend.MemoryUsageMappableGPU, "mesh")
	r.sharedMutex.Unlock()
	if err != nil {
		return counts, errors.Wrapf(err, "worker %d failed to allocate a shared slice", worker)
	}
	counts.shared++

	// The frame keeps the mesh alive until the GPU is done with it
	slot.TrackSlice(slice)
	writeErr := slice.Write(payload[:3000])

	r.sharedMutex.Lock()
	slice.Release()
	r.sharedMutex.Unlock()

	return counts, writeErr
}

// simulate runs options.Frames frames on device with one frame ring per worker, then shuts the context down. When
// dump is not nil the detailed allocator map is written to it before shutdown.
func simulate(logger *slog.Logger, device *hostmem.Device, cfg config.Config, options simOptions, dump io.Writer) (simReport, error) {
	var report simReport

	graphics, err := gfx.New(logger, device, cfg)
	if err != nil {
		return report, err
	}

	rings := make([]*frame.Ring, options.Workers)
	for worker := range rings {
		rings[worker], err = graphics.NewRing()
		if err != nil {
			return report, errors.CombineErrors(err, graphics.Shutdown())
		}
	}

	recorder := &frameRecorder{
		shared:  graphics.Buffers(),
		options: options,
	}
	recorder.sharedMutex.Disabled = !cfg.ExternallySynchronized

	gpu := newSimulatedGPU(options.GPULatency, cfg.PrerenderedFrames)

	var runErr error
	for i := 0; i < options.Frames && runErr == nil; i++ {
		frameNumber, err := graphics.BeginFrame()
		if err != nil {
			runErr = err
			break
		}

		var wg sync.WaitGroup
		counts := make([]recordedCounts, len(rings))
		errs := make([]error, len(rings))
		for worker, ring := range rings {
			wg.Add(1)
			go func() {
				defer wg.Done()
				counts[worker], errs[worker] = recorder.record(ring.Current(), worker, frameNumber)
			}()
		}
		wg.Wait()

		gpu.submit(graphics.EndFrame())

		for worker := range rings {
			report.TransientSlices += counts[worker].transient
			report.SharedSlices += counts[worker].shared
			runErr = errors.CombineErrors(runErr, errs[worker])
		}
		report.Frames = frameNumber
		report.PeakUsedBytes = max(report.PeakUsedBytes, device.UsedBytes())

		logger.LogAttrs(context.Background(), slog.LevelDebug, "framesim frame recorded",
			slog.Uint64("frame", frameNumber),
			slog.Uint64("usedBytes", device.UsedBytes()),
			slog.Int("liveBuffers", device.LiveBuffers()),
		)
	}

	gpu.drain()

	report.Statistics = graphics.Statistics()
	if dump != nil {
		writer := jwriter.NewWriter()
		graphics.PrintDetailedMap(&writer)
		if err := writer.Error(); err != nil {
			runErr = errors.CombineErrors(runErr, err)
		} else if _, err := dump.Write(writer.Bytes()); err != nil {
			runErr = errors.CombineErrors(runErr, errors.Wrap(err, "failed to write the allocator map"))
		}
	}

	runErr = errors.CombineErrors(runErr, graphics.Shutdown())
	report.BuffersCreated = device.CreatedBuffers()
	return report, runErr
}
