package tlsf

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/framealloc/internal/metrics"
	"github.com/vkngwrapper/framealloc/internal/utils"
	"github.com/vkngwrapper/framealloc/memutils"
)

// ChunkListOptions configures a ChunkList
type ChunkListOptions[T any] struct {
	// ChunkSize is the size of a newly created chunk. Requests that do not fit in ChunkSize get a chunk of their own,
	// sized to the request.
	ChunkSize uint64
	// MinBlockSize is passed to every chunk, DefaultMinBlockSize if zero
	MinBlockSize uint64
	// Create provides the payload for a new chunk of the given size. Errors are reported as memutils.ErrOutOfMemory.
	Create func(size uint64) (T, error)
	// Destroy releases the payload of a chunk that is no longer needed. It may be nil.
	Destroy func(data T)
	// ExternallySynchronized disables the list's mutex. Chunks keep their own.
	ExternallySynchronized bool
}

type listedChunk[T any] struct {
	id    int
	chunk *Chunk[T]
}

// ChunkList is a growable set of chunks. It serves requests from the first chunk that fits, creates a new chunk
// when none does, and keeps at most one empty chunk around after frees.
type ChunkList[T any] struct {
	logger  *slog.Logger
	options ChunkListOptions[T]

	mutex       utils.OptionalRWMutex
	chunks      []listedChunk[T]
	nextChunkId int
}

func NewChunkList[T any](logger *slog.Logger, options ChunkListOptions[T]) *ChunkList[T] {
	if options.ChunkSize == 0 {
		panic("chunk list chunk size must be greater than zero")
	}
	if options.Create == nil {
		panic("chunk list requires a Create function")
	}
	if options.MinBlockSize == 0 {
		options.MinBlockSize = DefaultMinBlockSize
	}

	l := &ChunkList[T]{
		logger:  logger,
		options: options,
	}
	l.mutex.Disabled = options.ExternallySynchronized
	return l
}

// ChunkCount is the number of live chunks
func (l *ChunkList[T]) ChunkCount() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return len(l.chunks)
}

// Allocate serves a request from an existing chunk or a new one. Failure to create a chunk is returned as a
// wrapped memutils.ErrOutOfMemory.
func (l *ChunkList[T]) Allocate(size, alignment uint64) (*Allocation[T], error) {
	if err := memutils.CheckPow2(alignment, "alignment"); err != nil {
		return nil, err
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	for _, listed := range l.chunks {
		alloc, err := listed.chunk.Allocate(size, alignment)
		if err == nil {
			l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing chunk", slog.Int("chunk.id", listed.id))
			l.incrementallySortChunks()
			return alloc, nil
		}
		if !errors.Is(err, memutils.ErrNoFit) {
			return nil, err
		}
		metrics.TLSFNoFitTotal.Inc()
	}

	chunkSize := l.options.ChunkSize
	if alignment == 0 {
		alignment = 1
	}
	if size > math.MaxUint64-alignment-l.options.MinBlockSize {
		return nil, errors.Wrapf(memutils.ErrOutOfMemory, "no chunk can hold %d bytes with alignment %d", size, alignment)
	}
	if needed := memutils.AlignUp(size+alignment, l.options.MinBlockSize); needed > chunkSize {
		chunkSize = needed
	}

	data, err := l.options.Create(chunkSize)
	if err != nil {
		return nil, errors.Wrapf(errors.Mark(err, memutils.ErrOutOfMemory), "failed to create a chunk of %d bytes", chunkSize)
	}

	chunk := NewChunk(data, chunkSize, WithMinBlockSize(l.options.MinBlockSize))
	id := l.nextChunkId
	l.nextChunkId++
	l.chunks = append(l.chunks, listedChunk[T]{id: id, chunk: chunk})
	metrics.TLSFChunksCreatedTotal.Inc()

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new chunk",
		slog.Int("chunk.id", id),
		slog.Uint64("chunk.size", chunkSize),
	)

	alloc, err := chunk.Allocate(size, alignment)
	if err != nil {
		panic(fmt.Sprintf("created a new chunk of size %d to hold an allocation of size %d but the allocation failed: %+v", chunkSize, size, err))
	}

	return alloc, nil
}

// Free returns an allocation to its chunk. If that leaves two empty chunks, one of them is destroyed.
func (l *ChunkList[T]) Free(alloc *Allocation[T]) {
	chunkToDelete := l.freeWithLock(alloc)
	if chunkToDelete != nil {
		l.destroyChunk(*chunkToDelete)
	}
}

func (l *ChunkList[T]) freeWithLock(alloc *Allocation[T]) *listedChunk[T] {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	index := l.indexOf(alloc.chunk)
	if index < 0 {
		panic("allocation was freed to a chunk list that does not own its chunk")
	}

	hadEmptyChunk := l.hasEmptyChunk()
	alloc.chunk.Free(alloc)
	memutils.DebugValidate(alloc.chunk)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed from chunk", slog.Int("chunk.id", l.chunks[index].id))

	var chunkToDelete *listedChunk[T]
	if alloc.chunk.IsEmpty() && hadEmptyChunk {
		listed := l.chunks[index]
		chunkToDelete = &listed
		l.chunks = append(l.chunks[:index], l.chunks[index+1:]...)
	}

	l.incrementallySortChunks()
	return chunkToDelete
}

// CleanupUnused destroys every empty chunk but one
func (l *ChunkList[T]) CleanupUnused() int {
	var toDelete []listedChunk[T]

	l.mutex.Lock()
	keptEmpty := false
	kept := l.chunks[:0]
	for _, listed := range l.chunks {
		if listed.chunk.IsEmpty() {
			if keptEmpty {
				toDelete = append(toDelete, listed)
				continue
			}
			keptEmpty = true
		}
		kept = append(kept, listed)
	}
	l.chunks = kept
	l.mutex.Unlock()

	for _, listed := range toDelete {
		l.destroyChunk(listed)
	}

	return len(toDelete)
}

// Destroy releases every chunk. Chunks with outstanding allocations are logged and reported in the returned error,
// but still released.
func (l *ChunkList[T]) Destroy() error {
	l.mutex.Lock()
	chunks := l.chunks
	l.chunks = nil
	l.mutex.Unlock()

	var leaked int
	for _, listed := range chunks {
		if count := listed.chunk.AllocationCount(); count > 0 {
			leaked += count
			listed.chunk.DebugLogAllAllocations(l.logger)
		}
		l.destroyChunk(listed)
	}

	if leaked > 0 {
		return errors.Errorf("some allocations were not freed before destruction of the chunk list (%d unfreed allocations)", leaked)
	}
	return nil
}

func (l *ChunkList[T]) destroyChunk(listed listedChunk[T]) {
	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty chunk", slog.Int("chunk.id", listed.id))
	if l.options.Destroy != nil {
		l.options.Destroy(listed.chunk.data)
	}
	metrics.TLSFChunksDestroyedTotal.Inc()
}

func (l *ChunkList[T]) indexOf(chunk *Chunk[T]) int {
	for i, listed := range l.chunks {
		if listed.chunk == chunk {
			return i
		}
	}
	return -1
}

func (l *ChunkList[T]) hasEmptyChunk() bool {
	for _, listed := range l.chunks {
		if listed.chunk.IsEmpty() {
			return true
		}
	}
	return false
}

// incrementallySortChunks performs one step of a bubble sort towards ascending free bytes, so that fuller chunks
// are tried first
func (l *ChunkList[T]) incrementallySortChunks() {
	for i := 1; i < len(l.chunks); i++ {
		if l.chunks[i-1].chunk.FreeBytes() > l.chunks[i].chunk.FreeBytes() {
			l.chunks[i-1], l.chunks[i] = l.chunks[i], l.chunks[i-1]
			return
		}
	}
}

// SortByFreeBytes fully sorts the chunks by ascending free bytes
func (l *ChunkList[T]) SortByFreeBytes() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	sort.SliceStable(l.chunks, func(i, j int) bool {
		return l.chunks[i].chunk.FreeBytes() < l.chunks[j].chunk.FreeBytes()
	})
}

func (l *ChunkList[T]) AddStatistics(stats *memutils.Statistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for _, listed := range l.chunks {
		listed.chunk.AddStatistics(stats)
	}
}

func (l *ChunkList[T]) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for _, listed := range l.chunks {
		listed.chunk.AddDetailedStatistics(stats)
	}
}

// PrintDetailedMap writes one json object per chunk, keyed by chunk id
func (l *ChunkList[T]) PrintDetailedMap(writer *jwriter.Writer) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	objState := writer.Object()
	defer objState.End()

	for _, listed := range l.chunks {
		chunkObj := objState.Name(strconv.Itoa(listed.id)).Object()
		listed.chunk.PrintDetailedMap(&chunkObj)
		chunkObj.End()
	}
}
