package lifetime

// ResourceKind categorizes the resources a frame's commands can reference
type ResourceKind int

const (
	ResourceSemaphore ResourceKind = iota
	ResourceFence
	ResourceBuffer
	ResourceTexture
	ResourceTextureView
	ResourceRenderPass
	ResourceFramebuffer
	ResourceSampler
	ResourcePipeline

	resourceKindCount
)

var resourceKindMapping = make(map[ResourceKind]string)

func init() {
	resourceKindMapping[ResourceSemaphore] = "ResourceSemaphore"
	resourceKindMapping[ResourceFence] = "ResourceFence"
	resourceKindMapping[ResourceBuffer] = "ResourceBuffer"
	resourceKindMapping[ResourceTexture] = "ResourceTexture"
	resourceKindMapping[ResourceTextureView] = "ResourceTextureView"
	resourceKindMapping[ResourceRenderPass] = "ResourceRenderPass"
	resourceKindMapping[ResourceFramebuffer] = "ResourceFramebuffer"
	resourceKindMapping[ResourceSampler] = "ResourceSampler"
	resourceKindMapping[ResourcePipeline] = "ResourcePipeline"
}

func (k ResourceKind) String() string {
	return resourceKindMapping[k]
}

// Releaser is a reference that keeps a resource alive until it is released
type Releaser interface {
	Release()
}

// Trackers holds the references a frame's recorded commands depend on. Each reference is dropped when the frame
// slot is reused, which is only after the GPU finished that frame.
//
// Trackers is owned by a single frame slot and is not safe for concurrent use.
type Trackers struct {
	tracked [resourceKindCount][]Releaser
}

func NewTrackers() *Trackers {
	return &Trackers{}
}

// Track takes ownership of a reference the caller already holds
func (t *Trackers) Track(kind ResourceKind, reference Releaser) {
	if kind < 0 || kind >= resourceKindCount {
		panic("invalid resource kind")
	}
	t.tracked[kind] = append(t.tracked[kind], reference)
}

func (t *Trackers) Count(kind ResourceKind) int {
	return len(t.tracked[kind])
}

func (t *Trackers) IsEmpty() bool {
	for kind := range t.tracked {
		if len(t.tracked[kind]) > 0 {
			return false
		}
	}
	return true
}

// Reset releases every tracked reference
func (t *Trackers) Reset() {
	for kind := range t.tracked {
		for i, reference := range t.tracked[kind] {
			reference.Release()
			t.tracked[kind][i] = nil
		}
		t.tracked[kind] = t.tracked[kind][:0]
	}
}
