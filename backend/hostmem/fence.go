package hostmem

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vkngwrapper/framealloc/backend"
)

// TimelineFence is a fence whose value only ever increases. Whoever plays the GPU calls Signal once the work
// associated with a value has finished.
type TimelineFence struct {
	mutex     sync.Mutex
	value     uint64
	signaled  chan struct{}
	destroyed bool
}

var _ backend.Fence = &TimelineFence{}

func NewTimelineFence() *TimelineFence {
	return &TimelineFence{signaled: make(chan struct{})}
}

// Signal advances the fence to value and wakes every waiter. Signalling a value below the current one is ignored.
func (f *TimelineFence) Signal(value uint64) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if value <= f.value {
		return
	}

	f.value = value
	close(f.signaled)
	f.signaled = make(chan struct{})
}

func (f *TimelineFence) Value() uint64 {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.value
}

func (f *TimelineFence) Wait(value uint64, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)

	for {
		f.mutex.Lock()
		if f.destroyed {
			f.mutex.Unlock()
			panic("fence was waited on after it was destroyed")
		}
		if f.value >= value {
			f.mutex.Unlock()
			return true, nil
		}
		signaled := f.signaled
		f.mutex.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-signaled:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (f *TimelineFence) Destroy() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.destroyed {
		panic("fence was destroyed twice")
	}
	f.destroyed = true
}

// Signal advances the hostmem fence behind a FenceValue
func Signal(fenceValue backend.FenceValue) {
	fenceValue.Fence.(*TimelineFence).Signal(fenceValue.Value)
}

// CommandPool is a command pool with nothing to recycle. It counts resets so tests can observe frame reuse.
type CommandPool struct {
	resets    atomic.Int64
	destroyed atomic.Bool
}

var _ backend.CommandPool = &CommandPool{}

func (p *CommandPool) Reset() error {
	if p.destroyed.Load() {
		panic("command pool was reset after it was destroyed")
	}
	p.resets.Add(1)
	return nil
}

func (p *CommandPool) Resets() int {
	return int(p.resets.Load())
}

func (p *CommandPool) Destroy() {
	if !p.destroyed.CompareAndSwap(false, true) {
		panic("command pool was destroyed twice")
	}
}

func (p *CommandPool) Destroyed() bool {
	return p.destroyed.Load()
}
