package vulkan

import (
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/framealloc/backend"
)

// Strictness controls how closely a memory type has to match a MemoryUsage
type Strictness uint8

const (
	// StrictnessStrict requires the exact cache behaviour, host visibility, coherency and memory kind
	StrictnessStrict Strictness = iota
	// StrictnessNormal accepts extra capabilities as long as the memory kind matches
	StrictnessNormal
	// StrictnessFallback only requires host access and caching where the usage needs them
	StrictnessFallback
)

var strictnessMapping = make(map[Strictness]string)

func init() {
	strictnessMapping[StrictnessStrict] = "StrictnessStrict"
	strictnessMapping[StrictnessNormal] = "StrictnessNormal"
	strictnessMapping[StrictnessFallback] = "StrictnessFallback"
}

func (s Strictness) String() string {
	return strictnessMapping[s]
}

type memoryKind uint8

const (
	memoryKindRAM memoryKind = iota
	memoryKindVRAM
)

// memoryTypeInfo is the part of a core1_0.MemoryType the matching rules look at
type memoryTypeInfo struct {
	flags        core1_0.MemoryPropertyFlags
	kind         memoryKind
	hostVisible  bool
	hostCoherent bool
	hostCached   bool
}

// MemoryTypes classifies the memory types of a physical device
type MemoryTypes struct {
	properties *core1_0.PhysicalDeviceMemoryProperties
	types      []memoryTypeInfo
	uma        bool
}

// NewMemoryTypes inspects a device's memory properties. A device is treated as unified memory when it is an
// integrated gpu or every heap it reports is device local.
func NewMemoryTypes(properties *core1_0.PhysicalDeviceMemoryProperties, deviceType core1_0.PhysicalDeviceType) *MemoryTypes {
	uma := deviceType == core1_0.PhysicalDeviceTypeIntegratedGPU
	if !uma && len(properties.MemoryHeaps) > 0 {
		uma = true
		for _, heap := range properties.MemoryHeaps {
			if heap.Flags&core1_0.MemoryHeapDeviceLocal == 0 {
				uma = false
				break
			}
		}
	}

	m := &MemoryTypes{
		properties: properties,
		types:      make([]memoryTypeInfo, len(properties.MemoryTypes)),
		uma:        uma,
	}

	for index, memoryType := range properties.MemoryTypes {
		flags := memoryType.PropertyFlags
		kind := memoryKindRAM
		if !uma && flags&core1_0.MemoryPropertyDeviceLocal != 0 {
			kind = memoryKindVRAM
		}

		m.types[index] = memoryTypeInfo{
			flags:        flags,
			kind:         kind,
			hostVisible:  flags&core1_0.MemoryPropertyHostVisible != 0,
			hostCoherent: flags&core1_0.MemoryPropertyHostCoherent != 0,
			hostCached:   flags&core1_0.MemoryPropertyHostCached != 0,
		}
	}

	return m
}

func (m *MemoryTypes) IsUMA() bool    { return m.uma }
func (m *MemoryTypes) TypeCount() int { return len(m.types) }

func (m *MemoryTypes) HeapIndex(memoryTypeIndex int) int {
	return m.properties.MemoryTypes[memoryTypeIndex].HeapIndex
}

func (m *MemoryTypes) HeapSize(heapIndex int) int {
	return m.properties.MemoryHeaps[heapIndex].Size
}

func (m *MemoryTypes) PropertyFlags(memoryTypeIndex int) core1_0.MemoryPropertyFlags {
	return m.types[memoryTypeIndex].flags
}

// IsHostNonCoherent reports whether mapped ranges of the memory type need explicit flushes and invalidations
func (m *MemoryTypes) IsHostNonCoherent(memoryTypeIndex int) bool {
	info := m.types[memoryTypeIndex]
	return info.hostVisible && !info.hostCoherent
}

// Mask returns the bitmask of memory types that satisfy usage at the given strictness
func (m *MemoryTypes) Mask(usage backend.MemoryUsage, strictness Strictness) uint32 {
	wantKind := memoryKindRAM
	if !m.uma && (usage == backend.MemoryUsageGPU || usage == backend.MemoryUsageMappableGPU) {
		wantKind = memoryKindVRAM
	}
	hostAccess := usage.IsMappable()
	cached := usage == backend.MemoryUsageMainMemoryCached

	var mask uint32
	for index, info := range m.types {
		switch strictness {
		case StrictnessStrict:
			if cached != info.hostCached ||
				hostAccess != info.hostVisible ||
				info.kind != wantKind ||
				(hostAccess && !info.hostCoherent) {
				continue
			}
		case StrictnessNormal:
			if (cached && !info.hostCached) ||
				(hostAccess && !info.hostVisible) ||
				info.kind != wantKind {
				continue
			}
		default:
			if (cached && !info.hostCached) || (hostAccess && !info.hostVisible) {
				continue
			}
		}
		mask |= 1 << uint(index)
	}

	return mask
}

// preferences returns the flags a memory type should and should not have for a usage. They only break ties
// between types that already passed Mask.
func (m *MemoryTypes) preferences(usage backend.MemoryUsage) (preferred, notPreferred core1_0.MemoryPropertyFlags) {
	switch usage {
	case backend.MemoryUsageGPU:
		return core1_0.MemoryPropertyDeviceLocal, core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCached
	case backend.MemoryUsageMappableGPU:
		return core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostCoherent, core1_0.MemoryPropertyHostCached
	case backend.MemoryUsageMainMemoryWriteCombined:
		notPreferred := core1_0.MemoryPropertyHostCached
		if !m.uma {
			notPreferred |= core1_0.MemoryPropertyDeviceLocal
		}
		return core1_0.MemoryPropertyHostCoherent, notPreferred
	default:
		notPreferred := core1_0.MemoryPropertyFlags(0)
		if !m.uma {
			notPreferred = core1_0.MemoryPropertyDeviceLocal
		}
		return core1_0.MemoryPropertyHostCoherent, notPreferred
	}
}

// FindMemoryTypeIndex picks a memory type allowed by memoryTypeBits for usage, trying the strict, normal and fallback
// rules in order. Within a pass the type with the fewest missing preferred flags and present unwanted flags wins.
func (m *MemoryTypes) FindMemoryTypeIndex(memoryTypeBits uint32, usage backend.MemoryUsage) (int, Strictness, error) {
	preferredFlags, notPreferredFlags := m.preferences(usage)

	for strictness := StrictnessStrict; strictness <= StrictnessFallback; strictness++ {
		candidates := memoryTypeBits & m.Mask(usage, strictness)

		bestMemoryTypeIndex := -1
		minCost := math.MaxInt
		for memTypeIndex := 0; memTypeIndex < len(m.types); memTypeIndex++ {
			if candidates&(1<<uint(memTypeIndex)) == 0 {
				continue
			}

			flags := m.types[memTypeIndex].flags
			missingPreferredFlags := preferredFlags & ^flags
			presentNotPreferredFlags := notPreferredFlags & flags
			cost := bits.OnesCount32(uint32(missingPreferredFlags)) + bits.OnesCount32(uint32(presentNotPreferredFlags))
			if cost == 0 {
				return memTypeIndex, strictness, nil
			} else if cost < minCost {
				bestMemoryTypeIndex = memTypeIndex
				minCost = cost
			}
		}

		if bestMemoryTypeIndex >= 0 {
			return bestMemoryTypeIndex, strictness, nil
		}
	}

	return -1, StrictnessFallback, errors.Wrapf(core1_0.VKErrorFeatureNotPresent.ToError(), "no memory type in bits %#x supports %s", memoryTypeBits, usage)
}
