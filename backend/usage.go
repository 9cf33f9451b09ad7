package backend

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
)

// MemoryUsage describes where the memory behind a buffer should live and how the host accesses it
type MemoryUsage uint8

const (
	// MemoryUsageGPU is device-local memory the host never touches
	MemoryUsageGPU MemoryUsage = iota
	// MemoryUsageMappableGPU is device-local memory the host can map, when the device offers it
	MemoryUsageMappableGPU
	// MemoryUsageMainMemoryWriteCombined is host memory for upload: written sequentially by the host, read by the GPU
	MemoryUsageMainMemoryWriteCombined
	// MemoryUsageMainMemoryCached is host memory for readback: written by the GPU, read by the host
	MemoryUsageMainMemoryCached

	memoryUsageCount
)

var memoryUsageMapping = make(map[MemoryUsage]string)

func init() {
	memoryUsageMapping[MemoryUsageGPU] = "MemoryUsageGPU"
	memoryUsageMapping[MemoryUsageMappableGPU] = "MemoryUsageMappableGPU"
	memoryUsageMapping[MemoryUsageMainMemoryWriteCombined] = "MemoryUsageMainMemoryWriteCombined"
	memoryUsageMapping[MemoryUsageMainMemoryCached] = "MemoryUsageMainMemoryCached"
}

func (u MemoryUsage) String() string {
	return memoryUsageMapping[u]
}

// IsHostMemory reports whether the memory lives in main memory rather than on the device
func (u MemoryUsage) IsHostMemory() bool {
	return u == MemoryUsageMainMemoryWriteCombined || u == MemoryUsageMainMemoryCached
}

// IsMappable reports whether buffers of this usage can be accessed by the host
func (u MemoryUsage) IsMappable() bool {
	return u != MemoryUsageGPU
}

// ParseMemoryUsage converts a raw value, for instance one read from a serialized description, into a MemoryUsage.
// Values outside the known range are rejected.
func ParseMemoryUsage(value uint8) (MemoryUsage, error) {
	if value >= uint8(memoryUsageCount) {
		return 0, errors.Errorf("invalid memory usage %d", value)
	}
	return MemoryUsage(value), nil
}

// BufferUsage is the set of ways a buffer may be bound by GPU commands
type BufferUsage int32

var bufferUsageMapping = common.NewFlagStringMapping[BufferUsage]()

func (u BufferUsage) Register(str string) {
	bufferUsageMapping.Register(u, str)
}

func (u BufferUsage) String() string {
	return bufferUsageMapping.FlagsToString(u)
}

const (
	BufferUsageVertex BufferUsage = 1 << iota
	BufferUsageIndex
	BufferUsageStorage
	// BufferUsageConstant marks uniform/constant buffers
	BufferUsageConstant
	BufferUsageIndirect
	BufferUsageCopySrc
	BufferUsageCopyDst
	// BufferUsageInitialCopy marks buffers filled once through a staging copy right after creation
	BufferUsageInitialCopy
	BufferUsageQueryResolve
	BufferUsageAccelerationStructure
)

func init() {
	BufferUsageVertex.Register("Vertex")
	BufferUsageIndex.Register("Index")
	BufferUsageStorage.Register("Storage")
	BufferUsageConstant.Register("Constant")
	BufferUsageIndirect.Register("Indirect")
	BufferUsageCopySrc.Register("CopySrc")
	BufferUsageCopyDst.Register("CopyDst")
	BufferUsageInitialCopy.Register("InitialCopy")
	BufferUsageQueryResolve.Register("QueryResolve")
	BufferUsageAccelerationStructure.Register("AccelerationStructure")
}

// BufferInfo describes a buffer request
type BufferInfo struct {
	Size  uint64
	Usage BufferUsage
}
