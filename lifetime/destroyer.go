package lifetime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vkngwrapper/framealloc/backend"
	"github.com/vkngwrapper/framealloc/internal/metrics"
)

type pendingResource struct {
	counter  uint64
	resource backend.Resource
}

// Destroyer holds resources that were released by their owner but may still be read by GPU work in flight.
// Every resource is tagged with the counter current at the time it was enqueued, and is only destroyed once
// DestroyUnused is called with a counter at least that high, which the caller does after the fence for that
// counter has signalled.
type Destroyer struct {
	logger *slog.Logger

	mutex   sync.Mutex
	counter uint64
	pending []pendingResource
}

func NewDestroyer(logger *slog.Logger) *Destroyer {
	return &Destroyer{logger: logger}
}

// SetCounter advances the counter new resources are tagged with. The counter never goes backwards.
func (d *Destroyer) SetCounter(counter uint64) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if counter < d.counter {
		panic(fmt.Sprintf("destroyer counter cannot go backwards from %d to %d", d.counter, counter))
	}
	d.counter = counter
}

func (d *Destroyer) Counter() uint64 {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.counter
}

// Enqueue schedules resource for destruction once the current counter is complete
func (d *Destroyer) Enqueue(resource backend.Resource) {
	d.mutex.Lock()
	d.pending = append(d.pending, pendingResource{counter: d.counter, resource: resource})
	d.mutex.Unlock()

	metrics.DeferredPending.Inc()
}

// PendingCount is the number of resources waiting to be destroyed
func (d *Destroyer) PendingCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return len(d.pending)
}

// DestroyUnused destroys every resource enqueued at or before counter and returns how many were destroyed.
// Resources are destroyed outside the destroyer's lock, so a Destroy that enqueues further resources is fine.
func (d *Destroyer) DestroyUnused(counter uint64) int {
	d.mutex.Lock()
	var ready []backend.Resource
	kept := d.pending[:0]
	for _, entry := range d.pending {
		if entry.counter <= counter {
			ready = append(ready, entry.resource)
		} else {
			kept = append(kept, entry)
		}
	}
	for i := len(kept); i < len(d.pending); i++ {
		d.pending[i] = pendingResource{}
	}
	d.pending = kept
	d.mutex.Unlock()

	d.destroy(ready)

	if len(ready) > 0 {
		d.logger.LogAttrs(context.Background(), slog.LevelDebug, "Destroyer::DestroyUnused",
			slog.Uint64("counter", counter),
			slog.Int("destroyed", len(ready)),
		)
	}
	return len(ready)
}

// DestroyAll destroys every pending resource regardless of its counter. It is only safe once the device is idle.
func (d *Destroyer) DestroyAll() int {
	destroyed := 0
	for {
		d.mutex.Lock()
		pending := d.pending
		d.pending = nil
		d.mutex.Unlock()

		if len(pending) == 0 {
			return destroyed
		}

		ready := make([]backend.Resource, 0, len(pending))
		for _, entry := range pending {
			ready = append(ready, entry.resource)
		}
		d.destroy(ready)
		destroyed += len(ready)
	}
}

func (d *Destroyer) destroy(resources []backend.Resource) {
	for _, resource := range resources {
		resource.Destroy()
	}

	metrics.DeferredPending.Sub(float64(len(resources)))
	metrics.DeferredDestroyedTotal.Add(float64(len(resources)))
}
