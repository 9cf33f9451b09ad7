package tlsf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMappingIsMonotonic(t *testing.T) {
	prevFl, prevSl := mapping(1)
	for size := uint64(2); size < 1<<16; size++ {
		fl, sl := mapping(size)
		require.True(t, fl > prevFl || (fl == prevFl && sl >= prevSl), "size %d", size)
		require.Less(t, sl, SecondLevelCount)
		prevFl, prevSl = fl, sl
	}
}

func TestMappingBuckets(t *testing.T) {
	fl, sl := mapping(32)
	require.Equal(t, 5, fl)
	require.Equal(t, 0, sl)

	fl, sl = mapping(300)
	require.Equal(t, 8, fl)
	require.Equal(t, 5, sl)

	fl, sl = mapping(512)
	require.Equal(t, 9, fl)
	require.Equal(t, 0, sl)

	fl, _ = mapping(1 << 63)
	require.Equal(t, 63, fl)
}
