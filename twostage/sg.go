// Package twostage implements the large-value transfer protocols (spec
// §4.5) and the pure scatter-gather offset resolution function they and
// the offset-based LOCATE path share (spec §4.6). sg.go has no teacher
// analogue — dKV never exposes raw pool memory to clients — so it is
// written from the spec's own algorithm description and kept dependency
// free and property-testable, per spec.md §4.6's explicit callout.
package twostage

import (
	"sort"

	"github.com/mcas-project/shard/backend"
)

// Iovec is one scatter-gather entry: an absolute address plus a length.
type Iovec struct {
	Addr uint64
	Len  uint64
}

// ResolveSG translates the relative byte range [lo, hi) into a list of
// absolute iovecs over regions, plus the enclosing [min base, max end)
// range that must be registered with the transport. excess is the number
// of requested bytes that could not be satisfied because hi ran past the
// end of the last spanned region (spec §4.6: "clamped ... excess length
// recorded and propagated").
func ResolveSG(regions []backend.Region, lo, hi uint64) (sg []Iovec, enclosingLo, enclosingHi uint64, excess uint64) {
	if hi <= lo || len(regions) == 0 {
		return nil, 0, 0, hi - lo
	}

	bounds := make([]uint64, len(regions)+1)
	for i, r := range regions {
		bounds[i+1] = bounds[i] + r.Len
	}
	total := bounds[len(regions)]

	if lo >= total {
		return nil, 0, 0, hi - lo
	}
	clampedHi := hi
	if clampedHi > total {
		clampedHi = total
	}
	excess = hi - clampedHi

	startRegion := searchRegion(bounds, lo)
	endRegion := searchRegion(bounds, clampedHi-1) // last byte, inclusive search

	sg = make([]Iovec, 0, endRegion-startRegion+1)
	for i := startRegion; i <= endRegion; i++ {
		regionLo := bounds[i]
		regionHi := bounds[i+1]

		segLo := regionLo
		if lo > segLo {
			segLo = lo
		}
		segHi := regionHi
		if clampedHi < segHi {
			segHi = clampedHi
		}
		if segHi <= segLo {
			continue
		}

		addr := regions[i].Base + (segLo - regionLo)
		length := segHi - segLo
		sg = append(sg, Iovec{Addr: addr, Len: length})
	}

	enclosingLo = sg[0].Addr
	enclosingHi = sg[0].Addr + sg[0].Len
	for _, v := range sg[1:] {
		if v.Addr < enclosingLo {
			enclosingLo = v.Addr
		}
		if end := v.Addr + v.Len; end > enclosingHi {
			enclosingHi = end
		}
	}

	return sg, enclosingLo, enclosingHi, excess
}

// searchRegion returns the index of the region containing relative offset
// off, via binary search over cumulative boundaries (spec §4.6).
func searchRegion(bounds []uint64, off uint64) int {
	// bounds[i] <= off < bounds[i+1]; find largest i with bounds[i] <= off.
	i := sort.Search(len(bounds), func(i int) bool { return bounds[i] > off })
	return i - 1
}

// SGBytes sums the bytes covered by an SG list, for the coverage property
// "returned SG list bytes sum to exactly size - excess_length".
func SGBytes(sg []Iovec) uint64 {
	var n uint64
	for _, v := range sg {
		n += v.Len
	}
	return n
}
