package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/framealloc/backend"
)

// CommandPool is a vulkan command pool owned by one frame slot
type CommandPool struct {
	pool      core1_0.CommandPool
	callbacks *driver.AllocationCallbacks
}

var _ backend.CommandPool = &CommandPool{}

func (p *CommandPool) VulkanCommandPool() core1_0.CommandPool {
	return p.pool
}

func (p *CommandPool) Reset() error {
	_, err := p.pool.Reset(0)
	if err != nil {
		return errors.Wrap(err, "failed to reset command pool")
	}
	return nil
}

func (p *CommandPool) Destroy() {
	p.pool.Destroy(p.callbacks)
}
