package tlsf_test

import (
	"bytes"
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/framealloc/memutils"
	"github.com/vkngwrapper/framealloc/memutils/tlsf"
)

type freeBlock struct {
	Offset uint64
	Length uint64
}

func freeBlocks(t *testing.T, chunk *tlsf.Chunk[struct{}]) []freeBlock {
	var blocks []freeBlock
	err := chunk.VisitBlocks(func(rng tlsf.Range, free bool, alloc *tlsf.Allocation[struct{}]) error {
		if free {
			blocks = append(blocks, freeBlock{Offset: rng.Offset, Length: rng.Length})
		}
		return nil
	})
	require.NoError(t, err)
	return blocks
}

func requireConserved(t *testing.T, chunk *tlsf.Chunk[struct{}]) {
	var free, taken uint64
	err := chunk.VisitBlocks(func(rng tlsf.Range, isFree bool, alloc *tlsf.Allocation[struct{}]) error {
		if isFree {
			free += rng.Length
		} else {
			taken += rng.Length
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, chunk.Size(), free+taken)
	require.Equal(t, free, chunk.FreeBytes())
	require.NoError(t, chunk.Validate())
}

func TestChunkBasicAlloc(t *testing.T) {
	chunk := tlsf.NewChunk(struct{}{}, 1000)
	require.Equal(t, uint64(1000), chunk.FreeBytes())
	require.True(t, chunk.IsEmpty())

	alloc, err := chunk.Allocate(100, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(0), alloc.Offset())
	require.Equal(t, uint64(100), alloc.Length())
	require.Equal(t, uint64(900), chunk.FreeBytes())
	require.Equal(t, 1, chunk.AllocationCount())
	requireConserved(t, chunk)

	var stats memutils.DetailedStatistics
	stats.Clear()
	chunk.AddDetailedStatistics(&stats)
	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 1,
			AllocationBytes: 100,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 900,
		UnusedRangeSizeMax: 900,
	}, stats)

	alloc.Free()
	require.Equal(t, uint64(1000), chunk.FreeBytes())
	require.True(t, chunk.IsEmpty())
	require.Equal(t, []freeBlock{{Offset: 0, Length: 1000}}, freeBlocks(t, chunk))
	requireConserved(t, chunk)
}

func TestChunkSmallRequestsRoundUp(t *testing.T) {
	chunk := tlsf.NewChunk(struct{}{}, 1024)

	alloc, err := chunk.Allocate(1, 1)
	require.NoError(t, err)
	require.Equal(t, tlsf.DefaultMinBlockSize, alloc.Length())
	require.Equal(t, 1024-tlsf.DefaultMinBlockSize, chunk.FreeBytes())
}

func TestChunkBestAvailableFit(t *testing.T) {
	// Carve the chunk so that the only free blocks are 16, 512 and 4096 bytes long,
	// each fenced in by allocated blocks
	chunk := tlsf.NewChunk(struct{}{}, 16+32+512+32+4096+32, tlsf.WithMinBlockSize(16))

	sizes := []uint64{16, 32, 512, 32, 4096, 32}
	allocs := make([]*tlsf.Allocation[struct{}], len(sizes))
	for i, size := range sizes {
		alloc, err := chunk.Allocate(size, 1)
		require.NoError(t, err)
		allocs[i] = alloc
	}
	require.Zero(t, chunk.FreeBytes())

	allocs[0].Free()
	allocs[2].Free()
	allocs[4].Free()
	require.Equal(t, []freeBlock{
		{Offset: 0, Length: 16},
		{Offset: 48, Length: 512},
		{Offset: 592, Length: 4096},
	}, freeBlocks(t, chunk))

	alloc, err := chunk.Allocate(300, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(48), alloc.Offset())
	require.Equal(t, uint64(300), alloc.Length())

	require.Equal(t, []freeBlock{
		{Offset: 0, Length: 16},
		{Offset: 348, Length: 212},
		{Offset: 592, Length: 4096},
	}, freeBlocks(t, chunk))
	requireConserved(t, chunk)
}

func TestChunkNoFit(t *testing.T) {
	chunk := tlsf.NewChunk(struct{}{}, 256)

	_, err := chunk.Allocate(200, 1)
	require.NoError(t, err)

	_, err = chunk.Allocate(100, 1)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ErrNoFit))
	require.False(t, errors.Is(err, memutils.ErrOutOfMemory))

	// A failed request leaves the chunk untouched
	require.Equal(t, uint64(56), chunk.FreeBytes())
	require.NoError(t, chunk.Validate())
}

func TestChunkRejectsBadAlignment(t *testing.T) {
	chunk := tlsf.NewChunk(struct{}{}, 256)

	_, err := chunk.Allocate(64, 48)
	require.True(t, errors.Is(err, memutils.ErrPowerOfTwo))

	_, err = chunk.Allocate(0, 1)
	require.Error(t, err)
}

func TestChunkAlignment(t *testing.T) {
	chunk := tlsf.NewChunk(struct{}{}, 1<<16)

	_, err := chunk.Allocate(40, 1)
	require.NoError(t, err)

	for _, alignment := range []uint64{1, 2, 64, 256, 1024, 4096} {
		alloc, err := chunk.Allocate(100, alignment)
		require.NoError(t, err)
		require.Zero(t, alloc.Offset()%alignment, "alignment %d", alignment)
		requireConserved(t, chunk)
	}
}

func TestChunkCoalescesBothNeighbours(t *testing.T) {
	chunk := tlsf.NewChunk(struct{}{}, 1024)

	a, err := chunk.Allocate(256, 1)
	require.NoError(t, err)
	b, err := chunk.Allocate(256, 1)
	require.NoError(t, err)
	c, err := chunk.Allocate(256, 1)
	require.NoError(t, err)

	a.Free()
	c.Free()
	require.Len(t, freeBlocks(t, chunk), 2)

	b.Free()
	require.Equal(t, []freeBlock{{Offset: 0, Length: 1024}}, freeBlocks(t, chunk))
	requireConserved(t, chunk)
}

func TestChunkDoubleFreePanics(t *testing.T) {
	chunk := tlsf.NewChunk(struct{}{}, 1024)

	alloc, err := chunk.Allocate(64, 1)
	require.NoError(t, err)
	alloc.Free()

	require.Panics(t, func() {
		alloc.Free()
	})

	// The block slot is recycled by the next allocation; the stale handle must still be rejected
	_, err = chunk.Allocate(64, 1)
	require.NoError(t, err)
	require.Panics(t, func() {
		alloc.Free()
	})
}

func TestChunkForeignFreePanics(t *testing.T) {
	first := tlsf.NewChunk(struct{}{}, 1024)
	second := tlsf.NewChunk(struct{}{}, 1024)

	alloc, err := first.Allocate(64, 1)
	require.NoError(t, err)

	require.Panics(t, func() {
		second.Free(alloc)
	})
}

func TestChunkRandomNoOverlap(t *testing.T) {
	chunk := tlsf.NewChunk(struct{}{}, 1<<20)
	rng := rand.New(rand.NewSource(7))

	var live []*tlsf.Allocation[struct{}]
	for step := 0; step < 5000; step++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			index := rng.Intn(len(live))
			live[index].Free()
			live = append(live[:index], live[index+1:]...)
		} else {
			size := uint64(rng.Intn(8192) + 1)
			alignment := uint64(1) << rng.Intn(10)
			alloc, err := chunk.Allocate(size, alignment)
			if err != nil {
				require.True(t, errors.Is(err, memutils.ErrNoFit))
				continue
			}
			require.Zero(t, alloc.Offset()%alignment)
			require.LessOrEqual(t, alloc.Range().End(), chunk.Size())
			live = append(live, alloc)
		}

		if step%250 == 0 {
			for i := range live {
				for j := i + 1; j < len(live); j++ {
					require.False(t, live[i].Range().Overlaps(live[j].Range()))
				}
			}
			requireConserved(t, chunk)
		}
	}

	for _, alloc := range live {
		alloc.Free()
	}
	require.Equal(t, []freeBlock{{Offset: 0, Length: 1 << 20}}, freeBlocks(t, chunk))
	requireConserved(t, chunk)
}

func TestChunkPrintDetailedMap(t *testing.T) {
	chunk := tlsf.NewChunk(struct{}{}, 1024)
	alloc, err := chunk.Allocate(128, 1)
	require.NoError(t, err)
	alloc.SetUserData("vertices")

	writer := jwriter.NewWriter()
	obj := writer.Object()
	chunk.PrintDetailedMap(&obj)
	obj.End()
	require.NoError(t, writer.Error())

	var out struct {
		TotalBytes     float64
		Allocations    int
		Suballocations []struct {
			Offset   float64
			Size     float64
			Type     string
			UserData string
		}
	}
	require.NoError(t, json.NewDecoder(bytes.NewReader(writer.Bytes())).Decode(&out))
	require.Equal(t, float64(1024), out.TotalBytes)
	require.Equal(t, 1, out.Allocations)
	require.Len(t, out.Suballocations, 2)
	require.Equal(t, "USED", out.Suballocations[0].Type)
	require.Equal(t, "vertices", out.Suballocations[0].UserData)
	require.Equal(t, "FREE", out.Suballocations[1].Type)
}

func TestChunkOversizedRequestIsNoFit(t *testing.T) {
	chunk := tlsf.NewChunk(struct{}{}, 4096)

	_, err := chunk.Allocate(math.MaxUint64, 2)
	require.ErrorIs(t, err, memutils.ErrNoFit)

	_, err = chunk.Allocate(math.MaxUint64-1, 1)
	require.ErrorIs(t, err, memutils.ErrNoFit)

	_, err = chunk.Allocate(4000, 1<<63)
	require.ErrorIs(t, err, memutils.ErrNoFit)

	_, err = chunk.Allocate(4097, 1)
	require.ErrorIs(t, err, memutils.ErrNoFit)

	require.Equal(t, uint64(4096), chunk.FreeBytes())
	require.NoError(t, chunk.Validate())

	alloc, err := chunk.Allocate(4096, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(4096), alloc.Length())
}
