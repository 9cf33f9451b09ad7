package lifetime_test

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/framealloc/backend/mock_backend"
	"github.com/vkngwrapper/framealloc/lifetime"
	"go.uber.org/mock/gomock"
)

func newDestroyer() *lifetime.Destroyer {
	return lifetime.NewDestroyer(slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func TestDestroyerHonorsCounter(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	destroyer := newDestroyer()
	resource := mock_backend.NewMockResource(ctrl)

	destroyer.SetCounter(5)
	destroyer.Enqueue(resource)

	require.Zero(t, destroyer.DestroyUnused(4))
	require.Equal(t, 1, destroyer.PendingCount())

	resource.EXPECT().Destroy().Times(1)
	require.Equal(t, 1, destroyer.DestroyUnused(5))
	require.Zero(t, destroyer.PendingCount())

	require.Zero(t, destroyer.DestroyUnused(10))
}

func TestDestroyerKeepsLaterResources(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	destroyer := newDestroyer()
	early := mock_backend.NewMockResource(ctrl)
	late := mock_backend.NewMockResource(ctrl)

	destroyer.SetCounter(1)
	destroyer.Enqueue(early)
	destroyer.SetCounter(2)
	destroyer.Enqueue(late)

	early.EXPECT().Destroy()
	require.Equal(t, 1, destroyer.DestroyUnused(1))
	require.Equal(t, 1, destroyer.PendingCount())

	late.EXPECT().Destroy()
	require.Equal(t, 1, destroyer.DestroyAll())
}

func TestDestroyerCounterIsMonotonic(t *testing.T) {
	destroyer := newDestroyer()
	destroyer.SetCounter(3)
	destroyer.SetCounter(3)
	require.Equal(t, uint64(3), destroyer.Counter())

	require.Panics(t, func() {
		destroyer.SetCounter(2)
	})
}

type chainedResource struct {
	destroyer *lifetime.Destroyer
	next      *chainedResource
	destroyed *atomic.Int32
}

func (r *chainedResource) Destroy() {
	r.destroyed.Add(1)
	if r.next != nil {
		r.destroyer.Enqueue(r.next)
	}
}

func TestDestroyAllDrainsResourcesEnqueuedDuringDestruction(t *testing.T) {
	destroyer := newDestroyer()
	var destroyed atomic.Int32

	last := &chainedResource{destroyer: destroyer, destroyed: &destroyed}
	first := &chainedResource{destroyer: destroyer, next: last, destroyed: &destroyed}
	destroyer.Enqueue(first)

	require.Equal(t, 2, destroyer.DestroyAll())
	require.Equal(t, int32(2), destroyed.Load())
	require.Zero(t, destroyer.PendingCount())
}

func TestDestroyerConcurrentEnqueue(t *testing.T) {
	destroyer := newDestroyer()
	var destroyed atomic.Int32

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				destroyer.Enqueue(&chainedResource{destroyer: destroyer, destroyed: &destroyed})
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 800, destroyer.DestroyUnused(0))
	require.Equal(t, int32(800), destroyed.Load())
}
