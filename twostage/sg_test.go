package twostage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mcas-project/shard/backend"
)

func testRegions() []backend.Region {
	return []backend.Region{
		{Base: 0x1000, Len: 100},
		{Base: 0x2000, Len: 100},
		{Base: 0x3000, Len: 100},
	}
}

func TestResolveSGWithinOneRegion(t *testing.T) {
	sg, lo, hi, excess := ResolveSG(testRegions(), 10, 50)
	require.Zero(t, excess)
	require.Len(t, sg, 1)
	require.Equal(t, uint64(0x1000+10), sg[0].Addr)
	require.Equal(t, uint64(40), sg[0].Len)
	require.Equal(t, sg[0].Addr, lo)
	require.Equal(t, sg[0].Addr+sg[0].Len, hi)
}

func TestResolveSGSpansMultipleRegions(t *testing.T) {
	sg, _, _, excess := ResolveSG(testRegions(), 90, 150)
	require.Zero(t, excess)
	require.Len(t, sg, 2)
	require.Equal(t, uint64(60), SGBytes(sg))
}

func TestResolveSGClampsAndReportsExcess(t *testing.T) {
	sg, _, _, excess := ResolveSG(testRegions(), 250, 400)
	require.Equal(t, uint64(100), excess, "requesting past the last region's end must report the shortfall")
	require.Equal(t, uint64(300)-uint64(250), SGBytes(sg))
}

func TestResolveSGCoverageProperty(t *testing.T) {
	regions := testRegions()
	sg, _, _, excess := ResolveSG(regions, 50, 280)
	require.Equal(t, uint64(280-50)-excess, SGBytes(sg), "SG bytes plus excess must equal the requested range")
}

func TestResolveSGOutOfBoundsReturnsEmpty(t *testing.T) {
	sg, _, _, excess := ResolveSG(testRegions(), 1000, 1100)
	require.Empty(t, sg)
	require.Equal(t, uint64(100), excess)
}

func TestResolveSGEmptyRangeReturnsEmpty(t *testing.T) {
	sg, _, _, _ := ResolveSG(testRegions(), 50, 50)
	require.Empty(t, sg)
}
