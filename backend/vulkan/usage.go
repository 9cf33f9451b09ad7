package vulkan

import (
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/framealloc/backend"
)

// BufferUsageFlags converts a backend.BufferUsage to the vulkan usage flags a buffer is created with.
// Acceleration structure usage needs khr_acceleration_structure and is not translated.
func BufferUsageFlags(usage backend.BufferUsage) core1_0.BufferUsageFlags {
	var flags core1_0.BufferUsageFlags

	if usage&backend.BufferUsageStorage != 0 {
		flags |= core1_0.BufferUsageStorageBuffer
	}
	if usage&backend.BufferUsageConstant != 0 {
		flags |= core1_0.BufferUsageUniformBuffer
	}
	if usage&backend.BufferUsageVertex != 0 {
		flags |= core1_0.BufferUsageVertexBuffer
	}
	if usage&backend.BufferUsageIndex != 0 {
		flags |= core1_0.BufferUsageIndexBuffer
	}
	if usage&backend.BufferUsageIndirect != 0 {
		flags |= core1_0.BufferUsageIndirectBuffer
	}
	if usage&backend.BufferUsageCopySrc != 0 {
		flags |= core1_0.BufferUsageTransferSrc
	}
	if usage&backend.BufferUsageCopyDst != 0 {
		flags |= core1_0.BufferUsageTransferDst
	}
	if usage&backend.BufferUsageInitialCopy != 0 {
		flags |= core1_0.BufferUsageTransferSrc | core1_0.BufferUsageTransferDst
	}
	if usage&backend.BufferUsageQueryResolve != 0 {
		flags |= core1_0.BufferUsageTransferDst
	}

	return flags
}
