package tlsf_test

import (
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/framealloc/memutils"
	"github.com/vkngwrapper/framealloc/memutils/tlsf"
)

type heapTracker struct {
	mutex     sync.Mutex
	created   []uint64
	destroyed int
	fail      bool
}

func (h *heapTracker) options(chunkSize uint64) tlsf.ChunkListOptions[[]byte] {
	return tlsf.ChunkListOptions[[]byte]{
		ChunkSize: chunkSize,
		Create: func(size uint64) ([]byte, error) {
			h.mutex.Lock()
			defer h.mutex.Unlock()

			if h.fail {
				return nil, errors.New("heap exhausted")
			}
			h.created = append(h.created, size)
			return make([]byte, size), nil
		},
		Destroy: func(data []byte) {
			h.mutex.Lock()
			defer h.mutex.Unlock()

			h.destroyed++
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestChunkListGrowsOnNoFit(t *testing.T) {
	heap := &heapTracker{}
	list := tlsf.NewChunkList(testLogger(), heap.options(4096))

	first, err := list.Allocate(3000, 16)
	require.NoError(t, err)
	second, err := list.Allocate(3000, 16)
	require.NoError(t, err)

	require.Equal(t, 2, list.ChunkCount())
	require.NotSame(t, first.Chunk(), second.Chunk())
	require.Equal(t, []uint64{4096, 4096}, heap.created)
	require.Len(t, first.Data(), 4096)
}

func TestChunkListOversizedRequestGetsOwnChunk(t *testing.T) {
	heap := &heapTracker{}
	list := tlsf.NewChunkList(testLogger(), heap.options(4096))

	alloc, err := list.Allocate(10000, 256)
	require.NoError(t, err)
	require.Zero(t, alloc.Offset()%256)
	require.GreaterOrEqual(t, heap.created[0], uint64(10000))
}

func TestChunkListCreateFailureIsOutOfMemory(t *testing.T) {
	heap := &heapTracker{fail: true}
	list := tlsf.NewChunkList(testLogger(), heap.options(4096))

	_, err := list.Allocate(128, 1)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.False(t, errors.Is(err, memutils.ErrNoFit))
}

func TestChunkListKeepsOneEmptyChunk(t *testing.T) {
	heap := &heapTracker{}
	list := tlsf.NewChunkList(testLogger(), heap.options(4096))

	first, err := list.Allocate(3000, 1)
	require.NoError(t, err)
	second, err := list.Allocate(3000, 1)
	require.NoError(t, err)
	require.Equal(t, 2, list.ChunkCount())

	first.Free()
	require.Equal(t, 2, list.ChunkCount())
	require.Zero(t, heap.destroyed)

	list.Free(second)
	require.Equal(t, 1, list.ChunkCount())
	require.Equal(t, 1, heap.destroyed)
}

func TestChunkListCleanupUnused(t *testing.T) {
	heap := &heapTracker{}
	list := tlsf.NewChunkList(testLogger(), heap.options(4096))

	var allocs []*tlsf.Allocation[[]byte]
	for i := 0; i < 3; i++ {
		alloc, err := list.Allocate(3000, 1)
		require.NoError(t, err)
		allocs = append(allocs, alloc)
	}

	// Freeing through the chunk directly bypasses the list's empty-chunk bookkeeping
	for _, alloc := range allocs {
		alloc.Chunk().Free(alloc)
	}
	require.Equal(t, 3, list.ChunkCount())

	require.Equal(t, 2, list.CleanupUnused())
	require.Equal(t, 1, list.ChunkCount())
	require.Equal(t, 2, heap.destroyed)
}

func TestChunkListDestroyReportsLeaks(t *testing.T) {
	heap := &heapTracker{}
	list := tlsf.NewChunkList(testLogger(), heap.options(4096))

	_, err := list.Allocate(128, 1)
	require.NoError(t, err)

	err = list.Destroy()
	require.Error(t, err)
	require.Equal(t, 1, heap.destroyed)
	require.Zero(t, list.ChunkCount())
}

func TestChunkListConcurrentAllocate(t *testing.T) {
	heap := &heapTracker{}
	list := tlsf.NewChunkList(testLogger(), heap.options(1<<16))

	var wg sync.WaitGroup
	results := make(chan *tlsf.Allocation[[]byte], 8*64)
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 64; i++ {
				alloc, err := list.Allocate(512, 256)
				if err != nil {
					panic(err)
				}
				results <- alloc
			}
		}()
	}
	wg.Wait()
	close(results)

	type key struct {
		chunk  *tlsf.Chunk[[]byte]
		offset uint64
	}
	seen := make(map[key]struct{})
	var stats memutils.Statistics
	for alloc := range results {
		k := key{chunk: alloc.Chunk(), offset: alloc.Offset()}
		_, duplicate := seen[k]
		require.False(t, duplicate)
		seen[k] = struct{}{}
	}

	list.AddStatistics(&stats)
	require.Equal(t, 8*64, stats.AllocationCount)
	require.Equal(t, uint64(8*64*512), stats.AllocationBytes)

	writer := jwriter.NewWriter()
	list.PrintDetailedMap(&writer)
	require.NoError(t, writer.Error())
}

func TestChunkListOversizedRequestIsOutOfMemory(t *testing.T) {
	heap := &heapTracker{}
	list := tlsf.NewChunkList(testLogger(), heap.options(4096))

	_, err := list.Allocate(math.MaxUint64, 2)
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)
	require.Empty(t, heap.created)

	_, err = list.Allocate(128, 48)
	require.ErrorIs(t, err, memutils.ErrPowerOfTwo)
	require.Zero(t, list.ChunkCount())
}
