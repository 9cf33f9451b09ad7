package bufalloc

import "github.com/vkngwrapper/framealloc/memutils"

// SlabClass picks the slice size for a request. It returns the smallest slab class that holds the aligned request
// and is itself a multiple of alignment. When no class qualifies it returns the aligned size and false: the request
// gets a buffer holding exactly one slice.
func SlabClass(size, alignment uint64) (uint64, bool) {
	if alignment == 0 {
		alignment = 1
	}
	aligned := memutils.AlignUp(size, alignment)
	for _, class := range slabClasses {
		if class >= aligned && class%alignment == 0 {
			return class, true
		}
	}
	return aligned, false
}
