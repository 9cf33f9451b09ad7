package bufalloc

import (
	"context"
	"log/slog"
	"math"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/framealloc/backend"
	"github.com/vkngwrapper/framealloc/internal/metrics"
	"github.com/vkngwrapper/framealloc/internal/utils"
	"github.com/vkngwrapper/framealloc/lifetime"
	"github.com/vkngwrapper/framealloc/memutils"
)

// BufferKey identifies a pool of interchangeable backing buffers
type BufferKey struct {
	MemoryUsage backend.MemoryUsage
	BufferUsage backend.BufferUsage
}

type pool struct {
	buffers []*SlicedBuffer
}

// take pops a slice from the first buffer that fits. A buffer left without free slices moves to the back of the
// pool so later scans reach buffers with room sooner.
func (p *pool) take(size, alignment uint64) (*SlicedBuffer, uint64, bool) {
	for i, buffer := range p.buffers {
		if !buffer.fits(size, alignment) {
			continue
		}
		offset, ok := buffer.pop()
		if !ok {
			continue
		}
		if buffer.FreeCount() == 0 {
			p.moveToBack(i)
		}
		return buffer, offset, true
	}
	return nil, 0, false
}

// reclaim resets the first fitting buffer whose slices have all been released and pops a slice from it
func (p *pool) reclaim(size, alignment uint64) (*SlicedBuffer, uint64, bool) {
	for i, buffer := range p.buffers {
		if !buffer.fits(size, alignment) || !buffer.backing.idle() {
			continue
		}
		buffer.Reset()
		offset, _ := buffer.pop()
		if buffer.FreeCount() == 0 {
			p.moveToBack(i)
		}
		return buffer, offset, true
	}
	return nil, 0, false
}

func (p *pool) moveToBack(index int) {
	buffer := p.buffers[index]
	copy(p.buffers[index:], p.buffers[index+1:])
	p.buffers[len(p.buffers)-1] = buffer
}

// Allocator serves buffer slices out of per-key pools of SlicedBuffers. A shared allocator hands out
// reference-counted Slices that may be used from any goroutine and recycles whole buffers once every slice cut from
// them has been released. A transient allocator hands out FrameScopedSlices and recycles everything at once in
// Reset.
type Allocator struct {
	logger    *slog.Logger
	device    backend.Device
	destroyer *lifetime.Destroyer

	createFlags CreateFlags
	transient   bool
	alignment   uint64
	callbacks   bufferCallbacks

	mutex             utils.OptionalMutex
	pools             *swiss.Map[BufferKey, *pool]
	retainedHostBytes uint64
	retainedGPUBytes  uint64
	destroyed         bool

	dedicated dedicatedBufferList
}

// Transient reports whether the allocator was created with AllocatorCreateTransient
func (a *Allocator) Transient() bool {
	return a.transient
}

func (a *Allocator) CreateFlags() CreateFlags {
	return a.createFlags
}

// SetRetainedSize sets how many bytes of host and GPU buffers a transient allocator keeps across Reset. Zero keeps
// everything.
func (a *Allocator) SetRetainedSize(hostBytes, gpuBytes uint64) {
	if hostBytes == 0 {
		hostBytes = math.MaxUint64
	}
	if gpuBytes == 0 {
		gpuBytes = math.MaxUint64
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.retainedHostBytes = hostBytes
	a.retainedGPUBytes = gpuBytes
}

func (a *Allocator) sliceAlignment(info backend.BufferInfo) uint64 {
	alignment := a.alignment
	if deviceAlignment := a.device.BufferAlignment(info); deviceAlignment > alignment {
		alignment = deviceAlignment
	}
	return alignment
}

func (a *Allocator) poolFor(key BufferKey) *pool {
	p, ok := a.pools.Get(key)
	if !ok {
		p = &pool{}
		a.pools.Put(key, p)
	}
	return p
}

// GetSlice returns a slice of at least info.Size bytes. Requests above BigBufferSlabSize get a dedicated buffer;
// smaller ones are served from a pool, reclaiming or creating a SlicedBuffer when no pooled slice is free.
//
// Device exhaustion is returned as a wrapped memutils.ErrOutOfMemory. GetSlice panics on a transient allocator.
func (a *Allocator) GetSlice(info backend.BufferInfo, memoryUsage backend.MemoryUsage, name string) (*Slice, error) {
	if a.transient {
		panic("GetSlice called on a transient allocator, use GetFrameSlice")
	}
	if info.Size == 0 {
		return nil, errors.Errorf("buffer slice %q must have a size greater than zero", name)
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::GetSlice",
		slog.String("name", name),
		slog.Uint64("size", info.Size),
		slog.String("memoryUsage", memoryUsage.String()),
	)

	key := BufferKey{MemoryUsage: memoryUsage, BufferUsage: info.Usage}
	alignment := a.sliceAlignment(info)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		panic("GetSlice called on a destroyed allocator")
	}

	if info.Size > BigBufferSlabSize {
		return a.getDedicatedSlice(key, info.Size, name)
	}

	p := a.poolFor(key)
	source := "pool"
	buffer, offset, ok := p.take(info.Size, alignment)
	if !ok {
		source = "reclaimed"
		buffer, offset, ok = p.reclaim(info.Size, alignment)
	}
	if !ok {
		source = "grown"
		var err error
		buffer, offset, err = a.growPool(p, key, info.Size, alignment, name)
		if err != nil {
			return nil, err
		}
	}

	buffer.backing.acquire()
	metrics.SlicesAllocatedTotal.WithLabelValues(source).Inc()
	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Served slice",
		slog.String("source", source),
		slog.Uint64("offset", offset),
		slog.Uint64("sliceSize", buffer.sliceSize),
	)

	return &Slice{backing: buffer.backing, offset: offset, length: info.Size}, nil
}

// getDedicatedSlice must be called with the mutex held
func (a *Allocator) getDedicatedSlice(key BufferKey, size uint64, name string) (*Slice, error) {
	backing, err := a.createBacking(key, size, name, true)
	if err != nil {
		return nil, err
	}
	a.dedicated.Register(backing)
	metrics.SlicesAllocatedTotal.WithLabelValues("dedicated").Inc()

	// The slice owns the only reference
	return &Slice{backing: backing, offset: 0, length: size}, nil
}

// GetFrameSlice returns a slice that is valid until scope ends. It panics on a shared allocator, or if scope has
// already ended.
func (a *Allocator) GetFrameSlice(scope *Scope, info backend.BufferInfo, memoryUsage backend.MemoryUsage, name string) (FrameScopedSlice, error) {
	if !a.transient {
		panic("GetFrameSlice called on a shared allocator, use GetSlice")
	}
	if scope == nil || scope.Ended() {
		panic("GetFrameSlice requires an open scope")
	}
	if info.Size == 0 {
		return FrameScopedSlice{}, errors.Errorf("buffer slice %q must have a size greater than zero", name)
	}

	key := BufferKey{MemoryUsage: memoryUsage, BufferUsage: info.Usage}
	alignment := a.sliceAlignment(info)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		panic("GetFrameSlice called on a destroyed allocator")
	}

	p := a.poolFor(key)
	buffer, offset, ok := p.take(info.Size, alignment)
	if !ok {
		var err error
		buffer, offset, err = a.growPool(p, key, info.Size, alignment, name)
		if err != nil {
			return FrameScopedSlice{}, err
		}
	}

	metrics.SlicesAllocatedTotal.WithLabelValues("transient").Inc()
	return FrameScopedSlice{
		scope:  scope,
		buffer: buffer.backing.buffer,
		key:    key,
		offset: offset,
		length: info.Size,
	}, nil
}

func (a *Allocator) growPool(p *pool, key BufferKey, size, alignment uint64, name string) (*SlicedBuffer, uint64, error) {
	sliceSize, sliced := SlabClass(size, alignment)
	bufferSize := sliceSize
	if sliced {
		bufferSize = SlicedBufferSize
	}

	backing, err := a.createBacking(key, bufferSize, name, false)
	if err != nil {
		return nil, 0, err
	}

	buffer := newSlicedBuffer(backing, sliceSize)
	offset, _ := buffer.pop()
	p.buffers = append(p.buffers, buffer)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new sliced buffer",
		slog.Uint64("sliceSize", sliceSize),
		slog.Int("capacity", buffer.capacity),
		slog.Int("poolLength", len(p.buffers)),
	)
	return buffer, offset, nil
}

func (a *Allocator) createBacking(key BufferKey, size uint64, name string, dedicated bool) (*backingBuffer, error) {
	buffer, err := a.device.CreateBuffer(backend.BufferInfo{Size: size, Usage: key.BufferUsage}, key.MemoryUsage, name)
	if err != nil {
		metrics.BufferAllocationErrorsTotal.Inc()
		return nil, errors.Wrapf(err, "failed to create backing buffer %q of %d bytes", name, size)
	}

	backing := &backingBuffer{
		allocator: a,
		key:       key,
		buffer:    buffer,
		dedicated: dedicated,
	}
	backing.refs.Store(1)

	kind := "sliced"
	if dedicated {
		kind = "dedicated"
	}
	metrics.BackingBuffersCreatedTotal.WithLabelValues(kind).Inc()
	a.callbacks.Allocate(key, buffer, dedicated)

	return backing, nil
}

func (a *Allocator) destroyBacking(backing *backingBuffer) {
	if backing.dedicated {
		a.dedicated.Unregister(backing)
	}
	a.callbacks.Free(backing.key, backing.buffer, backing.dedicated)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::destroyBacking",
		slog.String("name", backing.buffer.Name()),
		slog.Bool("dedicated", backing.dedicated),
	)

	backing.buffer.Destroy()
	metrics.BackingBuffersDestroyedTotal.Inc()
}

// Reset returns every slice of a transient allocator to its pool. Buffers beyond the retained byte limits are
// destroyed, except those with constant usage, and each pool is sorted by ascending slice size. The caller
// guarantees no pending GPU work reads any slice handed out since the last Reset.
func (a *Allocator) Reset() {
	if !a.transient {
		panic("Reset called on a shared allocator")
	}

	a.mutex.Lock()

	var hostCounted, gpuCounted uint64
	var trimmed []*backingBuffer
	a.pools.Iter(func(key BufferKey, p *pool) bool {
		if key.BufferUsage&backend.BufferUsageConstant == 0 {
			counted, limit := &hostCounted, a.retainedHostBytes
			if a.createFlags&AllocatorCreateUnifiedMemory == 0 && !key.MemoryUsage.IsHostMemory() {
				counted, limit = &gpuCounted, a.retainedGPUBytes
			}

			kept := p.buffers[:0]
			for _, buffer := range p.buffers {
				*counted += buffer.Size()
				if *counted < limit {
					kept = append(kept, buffer)
				} else {
					trimmed = append(trimmed, buffer.backing)
				}
			}
			clear(p.buffers[len(kept):])
			p.buffers = kept
		}

		sort.SliceStable(p.buffers, func(i, j int) bool {
			return p.buffers[i].sliceSize < p.buffers[j].sliceSize
		})
		for _, buffer := range p.buffers {
			buffer.Reset()
		}
		return false
	})

	a.mutex.Unlock()

	if len(trimmed) > 0 {
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::Reset trimmed buffers", slog.Int("count", len(trimmed)))
	}
	for _, backing := range trimmed {
		backing.release()
	}
}

// CleanupUnused destroys the SlicedBuffers of a shared allocator that have no outstanding slices, keeping one such
// buffer per key. It returns the number of buffers destroyed.
func (a *Allocator) CleanupUnused() int {
	if a.transient {
		panic("CleanupUnused called on a transient allocator, use Reset")
	}

	var unused []*backingBuffer

	a.mutex.Lock()
	a.pools.Iter(func(key BufferKey, p *pool) bool {
		keptEmpty := false
		kept := p.buffers[:0]
		for _, buffer := range p.buffers {
			if buffer.backing.idle() {
				if keptEmpty {
					unused = append(unused, buffer.backing)
					continue
				}
				keptEmpty = true
			}
			kept = append(kept, buffer)
		}
		clear(p.buffers[len(kept):])
		p.buffers = kept
		return false
	})
	a.mutex.Unlock()

	for _, backing := range unused {
		backing.release()
	}
	return len(unused)
}

// Destroy releases the allocator's references to its buffers. Buffers with outstanding slices are destroyed when
// the last slice is released; they are reported in the returned error.
func (a *Allocator) Destroy() error {
	var owned []*backingBuffer
	outstanding := 0

	a.mutex.Lock()
	if a.destroyed {
		a.mutex.Unlock()
		return errors.New("buffer allocator was destroyed twice")
	}
	a.destroyed = true

	a.pools.Iter(func(key BufferKey, p *pool) bool {
		for _, buffer := range p.buffers {
			if !a.transient {
				outstanding += int(buffer.backing.refs.Load()) - 1
			}
			owned = append(owned, buffer.backing)
		}
		return false
	})
	a.pools = swiss.NewMap[BufferKey, *pool](8)
	a.mutex.Unlock()

	for _, backing := range owned {
		backing.release()
	}

	dedicated := a.dedicated.Count()
	if outstanding > 0 || dedicated > 0 {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] buffer allocator destroyed with outstanding slices",
			slog.Int("pooledSlices", outstanding),
			slog.Int("dedicatedSlices", dedicated),
		)
		return errors.Errorf("some slices were not released before destruction of the buffer allocator (%d pooled, %d dedicated)", outstanding, dedicated)
	}
	return nil
}

func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var err error
	a.pools.Iter(func(key BufferKey, p *pool) bool {
		for _, buffer := range p.buffers {
			if buffer.FreeCount() > buffer.capacity {
				err = errors.Errorf("sliced buffer %q has %d free slices but a capacity of %d", buffer.backing.buffer.Name(), buffer.FreeCount(), buffer.capacity)
				return true
			}
			if buffer.backing.key != key {
				err = errors.Errorf("sliced buffer %q is in the pool for %+v but was created for %+v", buffer.backing.buffer.Name(), key, buffer.backing.key)
				return true
			}
		}
		return false
	})
	if err != nil {
		return err
	}

	return a.dedicated.Validate()
}

// AddStatistics counts every backing buffer as a block. Slices count as allocations until their buffer is
// reclaimed or reset.
func (a *Allocator) AddStatistics(stats *memutils.Statistics) {
	a.mutex.Lock()
	a.pools.Iter(func(key BufferKey, p *pool) bool {
		for _, buffer := range p.buffers {
			used := buffer.capacity - buffer.FreeCount()
			stats.BlockCount++
			stats.BlockBytes += buffer.Size()
			stats.AllocationCount += used
			stats.AllocationBytes += uint64(used) * buffer.sliceSize
		}
		return false
	})
	a.mutex.Unlock()

	a.dedicated.AddStatistics(stats)
}

func (a *Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.Lock()
	a.pools.Iter(func(key BufferKey, p *pool) bool {
		for _, buffer := range p.buffers {
			stats.Statistics.BlockCount++
			stats.Statistics.BlockBytes += buffer.Size()
			for i := buffer.FreeCount(); i < buffer.capacity; i++ {
				stats.AddAllocation(buffer.sliceSize)
			}
			for i := 0; i < buffer.FreeCount(); i++ {
				stats.AddUnusedRange(buffer.sliceSize)
			}
		}
		return false
	})
	a.mutex.Unlock()

	a.dedicated.AddDetailedStatistics(stats)
}

// PrintDetailedMap writes every pool and dedicated buffer as json
func (a *Allocator) PrintDetailedMap(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	var stats memutils.Statistics
	a.AddStatistics(&stats)

	objState.Name("Transient").Bool(a.transient)
	statsObj := objState.Name("Total").Object()
	stats.PrintJson(&statsObj)
	statsObj.End()

	a.mutex.Lock()
	pools := objState.Name("Pools").Array()
	a.pools.Iter(func(key BufferKey, p *pool) bool {
		poolObj := pools.Object()
		poolObj.Name("MemoryUsage").String(key.MemoryUsage.String())
		poolObj.Name("BufferUsage").String(key.BufferUsage.String())

		buffers := poolObj.Name("Buffers").Array()
		for _, buffer := range p.buffers {
			bufferObj := buffers.Object()
			buffer.printParameters(&bufferObj)
			bufferObj.End()
		}
		buffers.End()
		poolObj.End()
		return false
	})
	pools.End()
	a.mutex.Unlock()

	a.dedicated.BuildStatsString(objState.Name("DedicatedBuffers"))
}
