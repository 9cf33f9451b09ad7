package wgpu

import (
	"github.com/gogpu/gputypes"
	"github.com/vkngwrapper/framealloc/backend"
)

// WebGPU usage bits without a named constant in the subset of gputypes this backend relies on
const (
	bufferUsageIndex        gputypes.BufferUsage = 0x0010
	bufferUsageIndirect     gputypes.BufferUsage = 0x0100
	bufferUsageQueryResolve gputypes.BufferUsage = 0x0200
)

// BufferUsage converts a buffer request to WebGPU usage flags. WebGPU only allows MapWrite alongside CopySrc and
// MapRead alongside CopyDst, so buffers in host memory are staging buffers and drop every other usage.
func BufferUsage(usage backend.BufferUsage, memoryUsage backend.MemoryUsage) gputypes.BufferUsage {
	switch memoryUsage {
	case backend.MemoryUsageMainMemoryWriteCombined:
		return gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc
	case backend.MemoryUsageMainMemoryCached:
		return gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst
	}

	var flags gputypes.BufferUsage
	if usage&backend.BufferUsageVertex != 0 {
		flags |= gputypes.BufferUsageVertex
	}
	if usage&backend.BufferUsageIndex != 0 {
		flags |= bufferUsageIndex
	}
	if usage&backend.BufferUsageStorage != 0 {
		flags |= gputypes.BufferUsageStorage
	}
	if usage&backend.BufferUsageConstant != 0 {
		flags |= gputypes.BufferUsageUniform
	}
	if usage&backend.BufferUsageIndirect != 0 {
		flags |= bufferUsageIndirect
	}
	if usage&backend.BufferUsageCopySrc != 0 {
		flags |= gputypes.BufferUsageCopySrc
	}
	if usage&(backend.BufferUsageCopyDst|backend.BufferUsageInitialCopy) != 0 {
		flags |= gputypes.BufferUsageCopyDst
	}
	if usage&backend.BufferUsageQueryResolve != 0 {
		flags |= bufferUsageQueryResolve
	}

	return flags
}
