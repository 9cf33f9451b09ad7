package gfx_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/framealloc/backend"
	"github.com/vkngwrapper/framealloc/backend/hostmem"
	"github.com/vkngwrapper/framealloc/backend/mock_backend"
	"github.com/vkngwrapper/framealloc/config"
	"github.com/vkngwrapper/framealloc/gfx"
	"go.uber.org/mock/gomock"
)

var uploadInfo = backend.BufferInfo{Size: 300, Usage: backend.BufferUsageVertex}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestContext(t *testing.T, prerendered int) (*gfx.Context, *hostmem.Device) {
	device, err := hostmem.New(testLogger(), hostmem.Options{})
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.PrerenderedFrames = prerendered
	cfg.FenceTimeout = 50 * time.Millisecond

	ctx, err := gfx.New(testLogger(), device, cfg)
	require.NoError(t, err)
	return ctx, device
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	device, err := hostmem.New(testLogger(), hostmem.Options{})
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.PrerenderedFrames = 0
	_, err = gfx.New(testLogger(), device, cfg)
	require.ErrorIs(t, err, config.ErrInvalidPrerenderedFrames)
}

func TestBeginFrameWaitsForPrerenderedFrames(t *testing.T) {
	ctx, _ := newTestContext(t, 2)

	var submitted []backend.FenceValue
	for i := uint64(1); i <= 2; i++ {
		frame, err := ctx.BeginFrame()
		require.NoError(t, err)
		require.Equal(t, i, frame)
		fenceValue := ctx.EndFrame()
		require.Equal(t, i, fenceValue.Value)
		submitted = append(submitted, fenceValue)
	}

	// Frame 1 is still on the GPU
	_, err := ctx.BeginFrame()
	require.True(t, errors.Is(err, backend.ErrDeviceLost))
	require.Equal(t, uint64(2), ctx.Frame())

	hostmem.Signal(submitted[0])
	frame, err := ctx.BeginFrame()
	require.NoError(t, err)
	require.Equal(t, uint64(3), frame)

	hostmem.Signal(ctx.EndFrame())
	require.NoError(t, ctx.Shutdown())
}

func TestReleasedSliceDestroyedAfterFrameCompletes(t *testing.T) {
	ctx, device := newTestContext(t, 2)

	_, err := ctx.BeginFrame()
	require.NoError(t, err)
	slice, err := ctx.Buffers().GetSlice(backend.BufferInfo{Size: 8192}, backend.MemoryUsageGPU, "mesh")
	require.NoError(t, err)
	slice.Release()
	hostmem.Signal(ctx.EndFrame())

	buffer := slice.Buffer().(*hostmem.Buffer)
	_, err = ctx.BeginFrame()
	require.NoError(t, err)
	hostmem.Signal(ctx.EndFrame())
	require.False(t, buffer.Destroyed())

	_, err = ctx.BeginFrame()
	require.NoError(t, err)
	require.True(t, buffer.Destroyed())
	hostmem.Signal(ctx.EndFrame())

	require.NoError(t, ctx.Shutdown())
	require.Zero(t, device.LiveBuffers())
}

func TestSteadyStateReusesBuffers(t *testing.T) {
	ctx, device := newTestContext(t, 2)

	for i := 0; i < 60; i++ {
		_, err := ctx.BeginFrame()
		require.NoError(t, err)

		for j := 0; j < 3; j++ {
			slice, err := ctx.Buffers().GetSlice(uploadInfo, backend.MemoryUsageMainMemoryWriteCombined, "per-frame")
			require.NoError(t, err)
			require.NoError(t, slice.Write([]byte{byte(i), byte(j)}))
			slice.Release()
		}

		hostmem.Signal(ctx.EndFrame())
	}

	require.LessOrEqual(t, device.CreatedBuffers(), 3)
	require.NoError(t, ctx.Shutdown())
	require.Zero(t, device.LiveBuffers())
}

func TestRingsFollowContextFrames(t *testing.T) {
	ctx, device := newTestContext(t, 2)

	ring, err := ctx.NewRing()
	require.NoError(t, err)
	require.Equal(t, 2, ring.Depth())

	for i := uint64(1); i <= 5; i++ {
		_, err := ctx.BeginFrame()
		require.NoError(t, err)
		require.True(t, ring.Recording())
		require.Equal(t, i, ring.Frame())

		slot := ring.Current()
		transient, err := slot.GetSlice(uploadInfo, backend.MemoryUsageMainMemoryWriteCombined, "constants")
		require.NoError(t, err)
		require.NoError(t, transient.Write(slot.Scope(), []byte{1}))

		shared, err := ctx.Buffers().GetSlice(uploadInfo, backend.MemoryUsageGPU, "tracked")
		require.NoError(t, err)
		slot.TrackSlice(shared)
		shared.Release()

		fenceValue := ctx.EndFrame()
		require.False(t, ring.Recording())
		require.Equal(t, fenceValue, slot.Fence())
		hostmem.Signal(fenceValue)
	}

	require.NoError(t, ctx.Shutdown())
	require.Zero(t, device.LiveBuffers())
}

func TestFrameMismatchPanics(t *testing.T) {
	ctx, _ := newTestContext(t, 2)

	require.Panics(t, func() {
		ctx.EndFrame()
	})

	_, err := ctx.BeginFrame()
	require.NoError(t, err)
	require.Panics(t, func() {
		_, _ = ctx.BeginFrame()
	})
	_, err = ctx.NewRing()
	require.Error(t, err)
	require.Error(t, ctx.Shutdown())

	hostmem.Signal(ctx.EndFrame())
	require.NoError(t, ctx.Shutdown())
	require.Error(t, ctx.Shutdown())
}

func TestShutdownReportsLeakedSlices(t *testing.T) {
	ctx, _ := newTestContext(t, 2)

	_, err := ctx.BeginFrame()
	require.NoError(t, err)
	_, err = ctx.Buffers().GetSlice(uploadInfo, backend.MemoryUsageGPU, "leaked")
	require.NoError(t, err)
	hostmem.Signal(ctx.EndFrame())

	require.Error(t, ctx.Shutdown())
}

func TestShutdownWithUnsignalledFrameIsDeviceLost(t *testing.T) {
	ctx, _ := newTestContext(t, 2)

	_, err := ctx.BeginFrame()
	require.NoError(t, err)
	ctx.EndFrame()

	require.True(t, errors.Is(ctx.Shutdown(), backend.ErrDeviceLost))
}

func TestRingFailureEndsBegunRings(t *testing.T) {
	ctrl := gomock.NewController(t)
	device := mock_backend.NewMockDevice(ctrl)
	fence := mock_backend.NewMockFence(ctrl)
	firstPool := mock_backend.NewMockCommandPool(ctrl)
	secondPool := mock_backend.NewMockCommandPool(ctrl)

	device.EXPECT().CreateFence().Return(fence, nil)
	gomock.InOrder(
		device.EXPECT().CreateCommandPool().Return(firstPool, nil),
		device.EXPECT().CreateCommandPool().Return(secondPool, nil),
	)

	cfg := config.DefaultConfig()
	cfg.PrerenderedFrames = 1
	cfg.FenceTimeout = 50 * time.Millisecond
	ctx, err := gfx.New(testLogger(), device, cfg)
	require.NoError(t, err)

	first, err := ctx.NewRing()
	require.NoError(t, err)
	second, err := ctx.NewRing()
	require.NoError(t, err)

	firstPool.EXPECT().Reset().Return(nil)
	secondPool.EXPECT().Reset().Return(errors.New("VK_ERROR_OUT_OF_HOST_MEMORY"))

	_, err = ctx.BeginFrame()
	require.Error(t, err)
	require.False(t, first.Recording())
	require.Nil(t, first.Current())
	require.False(t, second.Recording())
	require.Equal(t, uint64(1), first.Frame())
	require.Zero(t, second.Frame())

	// No fence value was handed out, so there is nothing to end
	require.Panics(t, func() {
		ctx.EndFrame()
	})
	_, err = ctx.BeginFrame()
	require.Error(t, err)

	// Frame 1 was never submitted, so shutdown has no frame to wait for
	firstPool.EXPECT().Destroy()
	secondPool.EXPECT().Destroy()
	fence.EXPECT().Destroy()
	require.NoError(t, ctx.Shutdown())
}

func TestStatisticsAndDetailedMap(t *testing.T) {
	ctx, _ := newTestContext(t, 2)

	_, err := ctx.BeginFrame()
	require.NoError(t, err)
	slice, err := ctx.Buffers().GetSlice(uploadInfo, backend.MemoryUsageGPU, "stats")
	require.NoError(t, err)

	stats := ctx.Statistics()
	require.Equal(t, 1, stats.BlockCount)
	require.Equal(t, 1, stats.AllocationCount)

	writer := jwriter.NewWriter()
	ctx.PrintDetailedMap(&writer)
	require.NoError(t, writer.Error())

	var out struct {
		Frame   float64
		Buffers struct {
			Transient bool
			Pools     []json.RawMessage
		}
	}
	require.NoError(t, json.NewDecoder(bytes.NewReader(writer.Bytes())).Decode(&out))
	require.Equal(t, float64(1), out.Frame)
	require.Len(t, out.Buffers.Pools, 1)

	slice.Release()
	hostmem.Signal(ctx.EndFrame())
	require.NoError(t, ctx.Shutdown())
}
