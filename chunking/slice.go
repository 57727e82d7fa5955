// Package chunking maps per-dimension hyperslabs onto the chunks of a
// chunked array.
//
// Everything in this package is pure integer arithmetic. The functions
// assume well-formed input (start <= stop, stride >= 1, chunk lengths >= 1,
// matching ranks); callers validate before calling.
package chunking

import "fmt"

// Slice is one dimension's hyperslab: the half-open range [Start, Stop)
// sampled every Stride elements.
//
// Len is the extent of the dimension the slice indexes into. It is only
// used as the radix when an Odometer converts positions to linear offsets.
type Slice struct {
	Start  int
	Stop   int
	Stride int
	Len    int
}

// Count returns the number of elements the slice selects.
func (s Slice) Count() int {
	if s.Stop <= s.Start {
		return 0
	}
	return CeilDiv(s.Stop-s.Start, s.Stride)
}

// Empty reports whether the slice selects nothing.
func (s Slice) Empty() bool { return s.Stop <= s.Start }

func (s Slice) String() string {
	return fmt.Sprintf("[%d:%d:%d|%d]", s.Start, s.Stop, s.Stride, s.Len)
}

// Full returns the slice selecting every element of a dimension of length n.
func Full(n int) Slice {
	return Slice{Start: 0, Stop: n, Stride: 1, Len: n}
}

// ChunkRange is the half-open range of chunk indices touched by a slice.
type ChunkRange struct {
	Start int
	Stop  int
}

// Len returns the number of chunk indices in the range.
func (r ChunkRange) Len() int { return r.Stop - r.Start }

// CeilDiv returns ceil(x/y) for non-negative x and positive y.
func CeilDiv(x, y int) int {
	q := x / y
	if x%y != 0 {
		q++
	}
	return q
}

// FloorDiv returns floor(x/y) for non-negative x and positive y.
func FloorDiv(x, y int) int { return x / y }

// ComputeChunkRange returns the chunk indices intersected by slice along a
// dimension whose chunks are chunklen long. An empty slice yields an empty
// range.
func ComputeChunkRange(slice Slice, chunklen int) ChunkRange {
	start := FloorDiv(slice.Start, chunklen)
	if slice.Empty() {
		return ChunkRange{Start: start, Stop: start}
	}
	return ChunkRange{Start: start, Stop: CeilDiv(slice.Stop, chunklen)}
}

// ComputeChunkRanges applies ComputeChunkRange to every dimension.
func ComputeChunkRanges(slices []Slice, chunklens []int) []ChunkRange {
	ranges := make([]ChunkRange, len(slices))
	for i := range slices {
		ranges[i] = ComputeChunkRange(slices[i], chunklens[i])
	}
	return ranges
}
