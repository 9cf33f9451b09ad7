package backend_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/framealloc/backend"
)

func TestParseMemoryUsage(t *testing.T) {
	for _, usage := range []backend.MemoryUsage{
		backend.MemoryUsageGPU,
		backend.MemoryUsageMappableGPU,
		backend.MemoryUsageMainMemoryWriteCombined,
		backend.MemoryUsageMainMemoryCached,
	} {
		parsed, err := backend.ParseMemoryUsage(uint8(usage))
		require.NoError(t, err)
		require.Equal(t, usage, parsed)
		require.NotEmpty(t, parsed.String())
	}

	_, err := backend.ParseMemoryUsage(4)
	require.Error(t, err)
	_, err = backend.ParseMemoryUsage(255)
	require.Error(t, err)
}

func TestMemoryUsageClasses(t *testing.T) {
	require.False(t, backend.MemoryUsageGPU.IsHostMemory())
	require.False(t, backend.MemoryUsageGPU.IsMappable())
	require.True(t, backend.MemoryUsageMappableGPU.IsMappable())
	require.False(t, backend.MemoryUsageMappableGPU.IsHostMemory())
	require.True(t, backend.MemoryUsageMainMemoryCached.IsHostMemory())
	require.True(t, backend.MemoryUsageMainMemoryWriteCombined.IsHostMemory())
}

func TestBufferUsageString(t *testing.T) {
	require.Equal(t, "Vertex", backend.BufferUsageVertex.String())

	combined := (backend.BufferUsageConstant | backend.BufferUsageCopyDst).String()
	require.Contains(t, combined, "Constant")
	require.Contains(t, combined, "CopyDst")
}
