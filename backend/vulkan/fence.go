package vulkan

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/framealloc/backend"
)

type pendingFence struct {
	value   uint64
	fence   core1_0.Fence
	waiters int
}

// Fence gives binary vulkan fences timeline semantics. Each submission that should advance the timeline is handed
// its own binary fence by Submit; Wait(value) blocks on the fence of the first submission at or past value. Binary
// fences are recycled once they have been observed signalled and no goroutine is still waiting on them.
type Fence struct {
	device    core1_0.Device
	callbacks *driver.AllocationCallbacks

	mutex     sync.Mutex
	pending   []*pendingFence
	draining  []*pendingFence
	free      []core1_0.Fence
	completed uint64
	destroyed bool
}

var _ backend.Fence = &Fence{}

func NewFence(device core1_0.Device, callbacks *driver.AllocationCallbacks) *Fence {
	return &Fence{
		device:    device,
		callbacks: callbacks,
	}
}

// Submit returns the binary fence to pass to the queue submission that completes value. Values must increase from
// one submission to the next.
func (f *Fence) Submit(value uint64) (core1_0.Fence, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.destroyed {
		panic("fence was submitted after it was destroyed")
	}
	last := f.completed
	if len(f.pending) > 0 {
		last = f.pending[len(f.pending)-1].value
	}
	if value <= last {
		return nil, errors.Errorf("fence value %d was submitted after value %d", value, last)
	}

	var fence core1_0.Fence
	if count := len(f.free); count > 0 {
		fence = f.free[count-1]
		f.free = f.free[:count-1]
	} else {
		var err error
		fence, _, err = f.device.CreateFence(f.callbacks, core1_0.FenceCreateInfo{})
		if err != nil {
			return nil, errors.Wrap(err, "failed to create fence")
		}
	}

	f.pending = append(f.pending, &pendingFence{value: value, fence: fence})
	return fence, nil
}

// Completed is the highest value the fence has been observed to reach
func (f *Fence) Completed() uint64 {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.completed
}

func (f *Fence) Wait(value uint64, timeout time.Duration) (bool, error) {
	f.mutex.Lock()
	if value <= f.completed {
		f.mutex.Unlock()
		return true, nil
	}

	var target *pendingFence
	for _, pending := range f.pending {
		if pending.value >= value {
			target = pending
			break
		}
	}
	if target == nil {
		f.mutex.Unlock()
		return false, errors.Errorf("fence value %d was never submitted", value)
	}
	// The binary fence cannot be reset or handed to another submission while it is being waited on
	target.waiters++
	f.mutex.Unlock()

	res, waitErr := f.device.WaitForFences(true, timeout, []core1_0.Fence{target.fence})

	f.mutex.Lock()
	defer f.mutex.Unlock()

	target.waiters--
	if waitErr != nil {
		return false, errors.CombineErrors(errors.Wrapf(waitErr, "failed to wait for fence value %d", value), f.recycleDrained())
	}
	if res == core1_0.VKTimeout {
		// Another waiter may have seen a later fence signal in the meantime
		return value <= f.completed, f.recycleDrained()
	}

	return true, f.retire(target.value)
}

// retire marks every submission up to value as complete. Submissions on one queue complete in order, so a
// signalled fence implies every earlier one is signalled too. Must be called with the mutex held.
func (f *Fence) retire(value uint64) error {
	if value > f.completed {
		remaining := f.pending[:0]
		for _, pending := range f.pending {
			if pending.value <= value {
				f.draining = append(f.draining, pending)
				continue
			}
			remaining = append(remaining, pending)
		}
		clear(f.pending[len(remaining):])
		f.pending = remaining
		f.completed = value
	}

	return f.recycleDrained()
}

// recycleDrained resets the completed fences nobody is waiting on and makes them available to Submit. Must be
// called with the mutex held.
func (f *Fence) recycleDrained() error {
	var signalled []core1_0.Fence
	remaining := f.draining[:0]
	for _, drained := range f.draining {
		if drained.waiters > 0 {
			remaining = append(remaining, drained)
			continue
		}
		signalled = append(signalled, drained.fence)
	}
	clear(f.draining[len(remaining):])
	f.draining = remaining

	if len(signalled) == 0 {
		return nil
	}

	_, err := f.device.ResetFences(signalled)
	if err != nil {
		for _, fence := range signalled {
			fence.Destroy(f.callbacks)
		}
		return errors.Wrap(err, "failed to reset signalled fences")
	}
	f.free = append(f.free, signalled...)
	return nil
}

// Destroy destroys every binary fence. Pending submissions must have completed.
func (f *Fence) Destroy() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.destroyed {
		panic("fence was destroyed twice")
	}
	f.destroyed = true

	for _, pending := range f.pending {
		pending.fence.Destroy(f.callbacks)
	}
	for _, drained := range f.draining {
		drained.fence.Destroy(f.callbacks)
	}
	for _, fence := range f.free {
		fence.Destroy(f.callbacks)
	}
	f.pending = nil
	f.draining = nil
	f.free = nil
}
