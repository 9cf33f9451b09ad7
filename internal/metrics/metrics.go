package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Buffer Allocator Metrics
// =============================================================================

var (
	// SlicesAllocatedTotal counts slices handed out, by how they were served
	SlicesAllocatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framealloc_slices_allocated_total",
			Help: "Total number of buffer slices handed out by the buffer allocators",
		},
		[]string{"source"}, // "pool", "reclaimed", "grown", "dedicated", "transient"
	)

	// BackingBuffersCreatedTotal counts backing buffers created on the device
	BackingBuffersCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framealloc_backing_buffers_created_total",
			Help: "Total number of backing buffers created by the buffer allocators",
		},
		[]string{"kind"}, // "sliced", "dedicated"
	)

	// BackingBuffersDestroyedTotal counts backing buffers returned to the device
	BackingBuffersDestroyedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "framealloc_backing_buffers_destroyed_total",
			Help: "Total number of backing buffers destroyed after their last reference was released",
		},
	)

	// BufferAllocationErrorsTotal counts device allocation failures surfaced to callers
	BufferAllocationErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "framealloc_buffer_allocation_errors_total",
			Help: "Total number of buffer requests that failed because the device could not provide memory",
		},
	)
)

// =============================================================================
// TLSF Metrics
// =============================================================================

var (
	// TLSFChunksCreatedTotal counts chunks created by chunk lists
	TLSFChunksCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "framealloc_tlsf_chunks_created_total",
			Help: "Total number of TLSF chunks created because no existing chunk could fit a request",
		},
	)

	// TLSFChunksDestroyedTotal counts chunks released by chunk lists
	TLSFChunksDestroyedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "framealloc_tlsf_chunks_destroyed_total",
			Help: "Total number of empty TLSF chunks destroyed",
		},
	)

	// TLSFNoFitTotal counts chunks skipped during a chunk list scan
	TLSFNoFitTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "framealloc_tlsf_no_fit_total",
			Help: "Total number of times a TLSF chunk had no free block large enough for a request",
		},
	)
)

// =============================================================================
// Lifetime Metrics
// =============================================================================

var (
	// DeferredPending is the number of resources waiting in deferred destroyers
	DeferredPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "framealloc_deferred_pending",
			Help: "Number of resources queued for destruction until their frame completes",
		},
	)

	// DeferredDestroyedTotal counts resources destroyed by deferred destroyers
	DeferredDestroyedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "framealloc_deferred_destroyed_total",
			Help: "Total number of resources destroyed by deferred destroyers",
		},
	)

	// FramesBegunTotal counts frames started by frame rings
	FramesBegunTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "framealloc_frames_begun_total",
			Help: "Total number of frame ring slots recycled for a new frame",
		},
	)

	// FenceWaitSeconds observes time spent blocked on frame fences
	FenceWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "framealloc_fence_wait_seconds",
			Help:    "Time spent waiting for the GPU to finish a frame before reusing its resources",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
	)

	// FenceTimeoutsTotal counts fence waits that expired
	FenceTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "framealloc_fence_timeouts_total",
			Help: "Total number of fence waits that timed out and were escalated as device loss",
		},
	)
)

// =============================================================================
// Device Memory Metrics
// =============================================================================

var (
	// DeviceMemoryBytes is the amount of device memory currently allocated, by heap index
	DeviceMemoryBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "framealloc_device_memory_bytes",
			Help: "Bytes of device memory currently allocated by the vulkan backend",
		},
		[]string{"heap"},
	)

	// DeviceMemoryAllocationsTotal counts vkAllocateMemory calls, by whether the memory backs one buffer or a heap chunk
	DeviceMemoryAllocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framealloc_device_memory_allocations_total",
			Help: "Total number of device memory allocations made by the vulkan backend",
		},
		[]string{"kind"}, // "chunk", "dedicated"
	)
)
