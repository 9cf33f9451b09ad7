package tlsf

import (
	"context"
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/framealloc/internal/utils"
	"github.com/vkngwrapper/framealloc/memutils"
)

type block struct {
	rng  Range
	free bool

	prevFree BlockIdx
	nextFree BlockIdx

	prevPhysical BlockIdx
	nextPhysical BlockIdx
}

// ChunkOption configures a Chunk at creation
type ChunkOption func(o *chunkOptions)

type chunkOptions struct {
	minBlockSize           uint64
	externallySynchronized bool
}

// WithMinBlockSize overrides DefaultMinBlockSize. Requests below it are rounded up, and remainders below it are
// never split off into their own free block.
func WithMinBlockSize(size uint64) ChunkOption {
	return func(o *chunkOptions) {
		o.minBlockSize = size
	}
}

// WithExternalSynchronization disables the chunk's mutex
func WithExternalSynchronization() ChunkOption {
	return func(o *chunkOptions) {
		o.externallySynchronized = true
	}
}

// Chunk is a two-level segregated fit allocator over one fixed-size region. The region itself is opaque to the
// chunk: T is whatever the owner sub-allocates (a byte slice, a device memory object) and is handed back through
// Allocation.Data.
type Chunk[T any] struct {
	mutex        utils.OptionalMutex
	data         T
	size         uint64
	minBlockSize uint64

	blocks      []block
	unusedSlots []BlockIdx
	first       BlockIdx

	heads      [FirstLevelCount][SecondLevelCount]BlockIdx
	rowBitmaps [FirstLevelCount]uint64
	topBitmap  uint64

	allocations    *swiss.Map[BlockIdx, *Allocation[T]]
	freeBytes      uint64
	freeBlockCount int
}

// NewChunk creates a chunk managing size bytes, initially one free block
func NewChunk[T any](data T, size uint64, opts ...ChunkOption) *Chunk[T] {
	options := chunkOptions{minBlockSize: DefaultMinBlockSize}
	for _, opt := range opts {
		opt(&options)
	}

	if options.minBlockSize == 0 {
		panic("tlsf chunk minimum block size must be greater than zero")
	}
	if size < options.minBlockSize {
		panic(fmt.Sprintf("tlsf chunk of %d bytes is smaller than the minimum block size %d", size, options.minBlockSize))
	}

	c := &Chunk[T]{
		data:         data,
		size:         size,
		minBlockSize: options.minBlockSize,
		allocations:  swiss.NewMap[BlockIdx, *Allocation[T]](42),
	}
	c.mutex.Disabled = options.externallySynchronized

	c.first = c.newBlock(block{rng: Range{Offset: 0, Length: size}})
	c.insertFree(c.first)

	return c
}

func (c *Chunk[T]) Data() T {
	return c.data
}

func (c *Chunk[T]) Size() uint64 {
	return c.size
}

func (c *Chunk[T]) MinBlockSize() uint64 {
	return c.minBlockSize
}

// FreeBytes is the total size of all free blocks. It is an upper bound on the largest request that can succeed.
func (c *Chunk[T]) FreeBytes() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.freeBytes
}

func (c *Chunk[T]) AllocationCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.allocations.Count()
}

// IsEmpty reports whether no allocation is outstanding
func (c *Chunk[T]) IsEmpty() bool {
	return c.AllocationCount() == 0
}

func (c *Chunk[T]) block(idx BlockIdx) *block {
	return &c.blocks[idx-1]
}

// newBlock stores a block record and returns its index. Appending may move the backing array, so callers must
// not hold *block pointers across a call.
func (c *Chunk[T]) newBlock(b block) BlockIdx {
	if len(c.unusedSlots) > 0 {
		idx := c.unusedSlots[len(c.unusedSlots)-1]
		c.unusedSlots = c.unusedSlots[:len(c.unusedSlots)-1]
		c.blocks[idx-1] = b
		return idx
	}

	c.blocks = append(c.blocks, b)
	return BlockIdx(len(c.blocks))
}

func (c *Chunk[T]) releaseBlock(idx BlockIdx) {
	c.blocks[idx-1] = block{}
	c.unusedSlots = append(c.unusedSlots, idx)
}

func (c *Chunk[T]) insertFree(idx BlockIdx) {
	b := c.block(idx)
	if b.free {
		panic(fmt.Sprintf("block at offset %d is already in a free list", b.rng.Offset))
	}

	fl, sl := mapping(b.rng.Length)
	head := c.heads[fl][sl]

	b.free = true
	b.prevFree = NoBlock
	b.nextFree = head
	if head != NoBlock {
		c.block(head).prevFree = idx
	}

	c.heads[fl][sl] = idx
	c.rowBitmaps[fl] |= 1 << sl
	c.topBitmap |= 1 << fl

	c.freeBytes += b.rng.Length
	c.freeBlockCount++
}

func (c *Chunk[T]) removeFree(idx BlockIdx) {
	b := c.block(idx)
	if !b.free {
		panic(fmt.Sprintf("block at offset %d is not free", b.rng.Offset))
	}

	fl, sl := mapping(b.rng.Length)

	if b.prevFree != NoBlock {
		c.block(b.prevFree).nextFree = b.nextFree
	} else {
		if c.heads[fl][sl] != idx {
			panic("block was not in the free list at the expected location")
		}
		c.heads[fl][sl] = b.nextFree
	}

	if b.nextFree != NoBlock {
		c.block(b.nextFree).prevFree = b.prevFree
	}

	if c.heads[fl][sl] == NoBlock {
		c.rowBitmaps[fl] &^= 1 << sl
		if c.rowBitmaps[fl] == 0 {
			c.topBitmap &^= 1 << fl
		}
	}

	b.free = false
	b.prevFree = NoBlock
	b.nextFree = NoBlock

	c.freeBytes -= b.rng.Length
	c.freeBlockCount--
}

// findFree returns a free block of at least size bytes, or NoBlock
func (c *Chunk[T]) findFree(size uint64) BlockIdx {
	fl, sl := mapping(size)

	head := c.heads[fl][sl]
	if head != NoBlock && c.block(head).rng.Length >= size {
		return head
	}

	// Every bucket above (fl, sl) only holds blocks larger than anything mapped to (fl, sl)
	rowMask := c.rowBitmaps[fl] & (^uint64(0) << (sl + 1))
	if rowMask == 0 {
		topMask := c.topBitmap & (^uint64(0) << (fl + 1))
		if topMask == 0 {
			return NoBlock
		}

		fl = bits.TrailingZeros64(topMask)
		rowMask = c.rowBitmaps[fl]
		if rowMask == 0 {
			panic("free bitmap is in an invalid state")
		}
	}

	sl = bits.TrailingZeros64(rowMask)
	head = c.heads[fl][sl]
	if head == NoBlock {
		panic(fmt.Sprintf("free list (%d, %d) was listed as having free blocks, but no blocks were in the free list", fl, sl))
	}

	return head
}

// Allocate carves size bytes aligned to alignment out of the chunk. It returns a wrapped memutils.ErrNoFit when
// no free block is large enough; that is an ordinary outcome and the chunk is left untouched.
func (c *Chunk[T]) Allocate(size, alignment uint64) (*Allocation[T], error) {
	if size == 0 {
		return nil, errors.New("allocation size must be greater than zero")
	}
	if alignment == 0 {
		alignment = 1
	}
	if err := memutils.CheckPow2(alignment, "alignment"); err != nil {
		return nil, err
	}

	if size < c.minBlockSize {
		size = c.minBlockSize
	}

	if size > c.size || alignment-1 > c.size-size {
		return nil, errors.Wrapf(memutils.ErrNoFit, "requested %d bytes with alignment %d from a chunk of %d bytes", size, alignment, c.size)
	}
	searchSize := size + alignment - 1

	c.mutex.Lock()
	defer c.mutex.Unlock()

	idx := c.findFree(searchSize)
	if idx == NoBlock {
		return nil, errors.Wrapf(memutils.ErrNoFit, "requested %d bytes with alignment %d from a chunk with %d free bytes", size, alignment, c.freeBytes)
	}

	c.removeFree(idx)

	blockOffset := c.block(idx).rng.Offset
	alignedOffset := memutils.AlignUp(blockOffset, alignment)
	padding := alignedOffset - blockOffset

	if padding >= c.minBlockSize {
		padIdx := c.newBlock(block{
			rng:          Range{Offset: blockOffset, Length: padding},
			prevPhysical: c.block(idx).prevPhysical,
			nextPhysical: idx,
		})

		b := c.block(idx)
		if b.prevPhysical != NoBlock {
			c.block(b.prevPhysical).nextPhysical = padIdx
		} else {
			c.first = padIdx
		}
		b.prevPhysical = padIdx
		b.rng.Offset += padding
		b.rng.Length -= padding
		padding = 0

		c.insertFree(padIdx)
	}

	used := padding + size
	if remainder := c.block(idx).rng.Length - used; remainder >= c.minBlockSize {
		b := c.block(idx)
		tailIdx := c.newBlock(block{
			rng:          Range{Offset: b.rng.Offset + used, Length: remainder},
			prevPhysical: idx,
			nextPhysical: b.nextPhysical,
		})

		b = c.block(idx)
		if b.nextPhysical != NoBlock {
			c.block(b.nextPhysical).prevPhysical = tailIdx
		}
		b.nextPhysical = tailIdx
		b.rng.Length = used

		c.insertFree(tailIdx)
	}

	alloc := &Allocation[T]{
		chunk:  c,
		block:  idx,
		offset: alignedOffset,
		length: size,
	}
	c.allocations.Put(idx, alloc)

	return alloc, nil
}

// Free returns an allocation to the chunk and coalesces it with free physical neighbours. Freeing an allocation
// that is not outstanding in this chunk panics.
func (c *Chunk[T]) Free(alloc *Allocation[T]) {
	if alloc.chunk != c {
		panic("allocation was freed to a chunk that did not allocate it")
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	outstanding, ok := c.allocations.Get(alloc.block)
	if !ok || outstanding != alloc {
		panic(fmt.Sprintf("double free of allocation at offset %d", alloc.offset))
	}
	c.allocations.Delete(alloc.block)

	idx := alloc.block
	if next := c.block(idx).nextPhysical; next != NoBlock && c.block(next).free {
		c.removeFree(next)
		c.mergeBlock(idx, next)
	}

	if prev := c.block(idx).prevPhysical; prev != NoBlock && c.block(prev).free {
		c.removeFree(prev)
		c.mergeBlock(prev, idx)
		idx = prev
	}

	c.insertFree(idx)
}

// mergeBlock folds absorbed into its physical predecessor keep
func (c *Chunk[T]) mergeBlock(keep, absorbed BlockIdx) {
	k := c.block(keep)
	a := c.block(absorbed)

	if k.rng.End() != a.rng.Offset || k.nextPhysical != absorbed {
		panic("cannot merge separate physical regions")
	}
	if a.free {
		panic("cannot merge a block that belongs to the free list")
	}

	k.rng.Length += a.rng.Length
	k.nextPhysical = a.nextPhysical
	if a.nextPhysical != NoBlock {
		c.block(a.nextPhysical).prevPhysical = keep
	}

	c.releaseBlock(absorbed)
}

// Validate checks every structural invariant of the chunk: the physical chain partitions the chunk, free blocks
// are exactly the members of the bucket lists, the bitmaps mirror the buckets, and no two free blocks touch.
func (c *Chunk[T]) Validate() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var nextOffset, freeSize uint64
	var freeCount, takenCount int
	prev := NoBlock
	prevFree := false

	for idx := c.first; idx != NoBlock; idx = c.block(idx).nextPhysical {
		b := c.block(idx)
		if b.prevPhysical != prev {
			return errors.Errorf("block at offset %d has a previous physical block, but the reverse reference is broken", b.rng.Offset)
		}
		if b.rng.Offset != nextOffset {
			return errors.Errorf("physical block at offset %d does not start at the previous block's end offset %d", b.rng.Offset, nextOffset)
		}
		if b.rng.Length == 0 {
			return errors.Errorf("block at offset %d is empty", b.rng.Offset)
		}

		if b.free {
			if prevFree {
				return errors.Errorf("free block at offset %d was not merged with the free block before it", b.rng.Offset)
			}
			freeCount++
			freeSize += b.rng.Length
		} else {
			alloc, ok := c.allocations.Get(idx)
			if !ok {
				return errors.Errorf("block at offset %d is taken but has no allocation", b.rng.Offset)
			}
			if alloc.offset < b.rng.Offset || alloc.offset+alloc.length > b.rng.End() {
				return errors.Errorf("allocation at offset %d does not fit inside its block at offset %d", alloc.offset, b.rng.Offset)
			}
			takenCount++
		}

		prevFree = b.free
		nextOffset = b.rng.End()
		prev = idx
	}

	if nextOffset != c.size {
		return errors.Errorf("the full size of the chunk is %d, but the blocks only added up to %d", c.size, nextOffset)
	}
	if freeSize != c.freeBytes {
		return errors.Errorf("the free size of the chunk is %d, but the free blocks only added up to %d", c.freeBytes, freeSize)
	}
	if freeCount != c.freeBlockCount {
		return errors.Errorf("the free block count of the chunk is %d, but there were %d free blocks", c.freeBlockCount, freeCount)
	}
	if takenCount != c.allocations.Count() {
		return errors.Errorf("the allocation count of the chunk is %d, but the taken blocks only added up to %d", c.allocations.Count(), takenCount)
	}

	listCount := 0
	for fl := 0; fl < FirstLevelCount; fl++ {
		for sl := 0; sl < SecondLevelCount; sl++ {
			head := c.heads[fl][sl]
			bitSet := c.rowBitmaps[fl]&(1<<sl) != 0
			if bitSet != (head != NoBlock) {
				return errors.Errorf("bitmap for free list (%d, %d) does not match its contents", fl, sl)
			}

			prevIdx := NoBlock
			for idx := head; idx != NoBlock; idx = c.block(idx).nextFree {
				b := c.block(idx)
				if !b.free {
					return errors.Errorf("block at offset %d is in the free list but is not free", b.rng.Offset)
				}
				if b.prevFree != prevIdx {
					return errors.Errorf("block at offset %d is in a free list but the reverse reference is broken", b.rng.Offset)
				}
				if blockFl, blockSl := mapping(b.rng.Length); blockFl != fl || blockSl != sl {
					return errors.Errorf("block at offset %d with size %d is in free list (%d, %d) instead of (%d, %d)", b.rng.Offset, b.rng.Length, fl, sl, blockFl, blockSl)
				}
				listCount++
				prevIdx = idx
			}
		}

		if (c.rowBitmaps[fl] != 0) != (c.topBitmap&(1<<fl) != 0) {
			return errors.Errorf("top level bitmap does not match row %d", fl)
		}
	}

	if listCount != freeCount {
		return errors.Errorf("the number of free blocks in the physical list and the number of blocks in the free lists do not match! free lists: %d, physical list: %d", listCount, freeCount)
	}

	return nil
}

// VisitBlocks calls visit for every block in address order. alloc is nil for free blocks.
func (c *Chunk[T]) VisitBlocks(visit func(rng Range, free bool, alloc *Allocation[T]) error) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for idx := c.first; idx != NoBlock; idx = c.block(idx).nextPhysical {
		b := *c.block(idx)
		var alloc *Allocation[T]
		if !b.free {
			alloc, _ = c.allocations.Get(idx)
		}

		if err := visit(b.rng, b.free, alloc); err != nil {
			return err
		}
	}

	return nil
}

func (c *Chunk[T]) AddStatistics(stats *memutils.Statistics) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	stats.BlockCount++
	stats.BlockBytes += c.size
	stats.AllocationCount += c.allocations.Count()
	stats.AllocationBytes += c.size - c.freeBytes
}

func (c *Chunk[T]) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += c.size

	_ = c.VisitBlocks(func(rng Range, free bool, alloc *Allocation[T]) error {
		if free {
			stats.AddUnusedRange(rng.Length)
		} else {
			stats.AddAllocation(rng.Length)
		}
		return nil
	})
}

// PrintDetailedMap writes the chunk's totals and every block into an open json object
func (c *Chunk[T]) PrintDetailedMap(json *jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	c.AddDetailedStatistics(&stats)

	json.Name("TotalBytes").Float64(float64(c.size))
	json.Name("UnusedBytes").Float64(float64(stats.UnusedBytes()))
	json.Name("Allocations").Int(stats.AllocationCount)
	json.Name("UnusedRanges").Int(stats.UnusedRangeCount)

	blocks := json.Name("Suballocations").Array()
	defer blocks.End()

	_ = c.VisitBlocks(func(rng Range, free bool, alloc *Allocation[T]) error {
		obj := blocks.Object()
		defer obj.End()

		obj.Name("Offset").Float64(float64(rng.Offset))
		obj.Name("Size").Float64(float64(rng.Length))
		if free {
			obj.Name("Type").String("FREE")
			return nil
		}

		obj.Name("Type").String("USED")
		if alloc != nil && alloc.userData != nil {
			obj.Name("UserData").String(fmt.Sprint(alloc.userData))
		}
		return nil
	})
}

// DebugLogAllAllocations logs every outstanding allocation at error level. Owners call it before tearing down a
// chunk that still has allocations.
func (c *Chunk[T]) DebugLogAllAllocations(logger *slog.Logger) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.allocations.Iter(func(_ BlockIdx, alloc *Allocation[T]) bool {
		logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
			slog.Uint64("offset", alloc.offset),
			slog.Uint64("size", alloc.length),
			slog.Any("userData", alloc.userData),
		)
		return false
	})
}
