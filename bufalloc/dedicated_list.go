package bufalloc

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/framealloc/internal/utils"
	"github.com/vkngwrapper/framealloc/memutils"
)

// dedicatedBufferList tracks the one-slice buffers created for requests above BigBufferSlabSize. They belong to
// their slice rather than to a pool, so the allocator only needs them for statistics and leak reporting.
type dedicatedBufferList struct {
	mutex utils.OptionalRWMutex

	count      int
	bufferHead *backingBuffer
	bufferTail *backingBuffer
}

func (l *dedicatedBufferList) Validate() error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	declaredCount := l.count
	actualCount := 0

	for buffer := l.bufferHead; buffer != nil; buffer = buffer.nextDedicated {
		actualCount++
	}

	if declaredCount != actualCount {
		return errors.Errorf("the listed number of dedicated buffers in the list (%d) does not match the actual number of buffers (%d)", declaredCount, actualCount)
	}

	return nil
}

func (l *dedicatedBufferList) AddStatistics(stats *memutils.Statistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for item := l.bufferHead; item != nil; item = item.nextDedicated {
		size := item.buffer.Info().Size
		stats.BlockCount++
		stats.BlockBytes += size
		stats.AllocationCount++
		stats.AllocationBytes += size
	}
}

func (l *dedicatedBufferList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for item := l.bufferHead; item != nil; item = item.nextDedicated {
		size := item.buffer.Info().Size
		stats.Statistics.BlockCount++
		stats.Statistics.BlockBytes += size
		stats.AddAllocation(size)
	}
}

func (l *dedicatedBufferList) BuildStatsString(writer *jwriter.Writer) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	s := writer.Array()
	defer s.End()

	for buffer := l.bufferHead; buffer != nil; buffer = buffer.nextDedicated {
		o := s.Object()
		buffer.printParameters(&o)
		o.End()
	}
}

func (l *dedicatedBufferList) IsEmpty() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return l.count == 0
}

func (l *dedicatedBufferList) Count() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return l.count
}

func (l *dedicatedBufferList) Register(buffer *backingBuffer) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.count == 0 {
		l.bufferHead = buffer
		l.bufferTail = buffer
		l.count = 1
		return
	}

	buffer.prevDedicated = l.bufferTail
	l.bufferTail.nextDedicated = buffer
	l.bufferTail = buffer
	l.count++
}

func (l *dedicatedBufferList) Unregister(buffer *backingBuffer) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	prev := buffer.prevDedicated
	next := buffer.nextDedicated

	if prev != nil {
		prev.nextDedicated = next
	} else {
		l.bufferHead = next
	}

	if next != nil {
		next.prevDedicated = prev
	} else {
		l.bufferTail = prev
	}

	buffer.prevDedicated = nil
	buffer.nextDedicated = nil
	l.count--
}
