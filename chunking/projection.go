package chunking

import "fmt"

// Projection describes how one chunk along one dimension intersects a
// slice. First, Last and Limit are positions along the whole dimension;
// Slice is the same selection expressed relative to the chunk's origin.
type Projection struct {
	ChunkIndex int
	// Offset is the dimension position of the chunk's first element.
	Offset int
	// First and Last are the first and last selected positions inside the
	// chunk. Both are meaningless when IOCount is zero.
	First int
	Last  int
	// Limit is the exclusive upper bound of valid positions in this chunk,
	// clamped to both the dimension length and the slice stop.
	Limit int
	// Len is Limit-Offset.
	Len int
	// Slice is the chunk-relative selection; its Len is the chunk length.
	Slice Slice
	// IOPos is where this chunk's first selected element lands in the
	// ordering of the whole slice's selected elements.
	IOPos int
	// IOCount is the number of selected elements inside this chunk.
	IOCount int
}

// Skip reports whether the chunk holds no selected element. This happens
// when the stride is longer than the chunk.
func (p Projection) Skip() bool { return p.IOCount == 0 }

// MemSlice returns the selection, in the caller's buffer along this
// dimension, that receives this chunk's elements. memlen is the number of
// elements the whole slice selects.
func (p Projection) MemSlice(memlen int) Slice {
	return Slice{Start: p.IOPos, Stop: p.IOPos + p.IOCount, Stride: 1, Len: memlen}
}

func (p Projection) String() string {
	return fmt.Sprintf("chunk=%d first=%d last=%d limit=%d len=%d slice=%s iopos=%d iocount=%d",
		p.ChunkIndex, p.First, p.Last, p.Limit, p.Len, p.Slice, p.IOPos, p.IOCount)
}

// SliceProjections holds, for one dimension, the touched chunk range and
// one Projection per chunk index in that range, in ascending order.
type SliceProjections struct {
	Range       ChunkRange
	Projections []Projection
	// Count is the number of elements the slice selects.
	Count int
}

// At returns the projection for chunk index ci, which must lie in Range.
func (sp *SliceProjections) At(ci int) *Projection {
	return &sp.Projections[ci-sp.Range.Start]
}

// ComputeProjection computes the projection of slice onto chunk chunkindex.
// prev is the last projection in this dimension that selected at least one
// element, or nil when chunkindex is the first chunk of the range. The
// next selected position after prev determines where selection in this
// chunk begins, which keeps the stride phase intact across chunk
// boundaries.
func ComputeProjection(dimlen, chunklen, chunkindex int, slice Slice, prev *Projection) Projection {
	offset := chunkindex * chunklen
	limit := min(offset+chunklen, dimlen, slice.Stop)

	p := Projection{
		ChunkIndex: chunkindex,
		Offset:     offset,
		Limit:      limit,
		Len:        limit - offset,
	}

	if prev == nil {
		p.First = slice.Start
		p.IOPos = 0
	} else {
		p.First = prev.Last + slice.Stride
		p.IOPos = CeilDiv(offset-slice.Start, slice.Stride)
	}

	if p.First < limit {
		p.IOCount = CeilDiv(limit-p.First, slice.Stride)
		p.Last = p.First + slice.Stride*(p.IOCount-1)
	} else {
		p.Last = p.First
	}

	start := p.First - offset
	stop := p.Len
	if start > stop {
		start = stop
	}
	p.Slice = Slice{Start: start, Stop: stop, Stride: slice.Stride, Len: chunklen}
	return p
}

// ComputePerSliceProjections computes the projections of slice onto every
// chunk in r.
func ComputePerSliceProjections(slice Slice, r ChunkRange, dimlen, chunklen int) SliceProjections {
	sp := SliceProjections{
		Range:       r,
		Projections: make([]Projection, 0, r.Len()),
		Count:       slice.Count(),
	}
	var prev *Projection
	for ci := r.Start; ci < r.Stop; ci++ {
		p := ComputeProjection(dimlen, chunklen, ci, slice, prev)
		sp.Projections = append(sp.Projections, p)
		if !p.Skip() {
			prev = &sp.Projections[len(sp.Projections)-1]
		}
	}
	return sp
}

// ComputeAllSliceProjections computes the chunk range and projections of
// every dimension. Dimensions are independent of one another.
func ComputeAllSliceProjections(slices []Slice, dimlens, chunklens []int) []SliceProjections {
	all := make([]SliceProjections, len(slices))
	for d := range slices {
		r := ComputeChunkRange(slices[d], chunklens[d])
		all[d] = ComputePerSliceProjections(slices[d], r, dimlens[d], chunklens[d])
	}
	return all
}
