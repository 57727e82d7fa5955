package chunking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeChunkRange(t *testing.T) {
	tests := []struct {
		slice    Slice
		chunklen int
		expected ChunkRange
	}{
		{Slice{Start: 0, Stop: 10, Stride: 1}, 4, ChunkRange{0, 3}},
		{Slice{Start: 2, Stop: 9, Stride: 1}, 4, ChunkRange{0, 3}},
		{Slice{Start: 4, Stop: 8, Stride: 1}, 4, ChunkRange{1, 2}},
		{Slice{Start: 5, Stop: 6, Stride: 3}, 4, ChunkRange{1, 2}},
		{Slice{Start: 3, Stop: 3, Stride: 1}, 4, ChunkRange{0, 0}},
	}

	for _, tt := range tests {
		got := ComputeChunkRange(tt.slice, tt.chunklen)
		assert.Equal(t, tt.expected, got, "slice %s chunklen %d", tt.slice, tt.chunklen)
	}
}

func TestComputePerSliceProjections_Example(t *testing.T) {
	// Shape [10], chunks [4]: chunks cover 0-3, 4-7, 8-9.
	t.Run("stride1", func(t *testing.T) {
		s := Slice{Start: 2, Stop: 9, Stride: 1, Len: 10}
		sp := ComputePerSliceProjections(s, ComputeChunkRange(s, 4), 10, 4)
		require.Len(t, sp.Projections, 3)

		counts := []int{}
		for _, p := range sp.Projections {
			counts = append(counts, p.IOCount)
		}
		assert.Equal(t, []int{2, 4, 1}, counts)
		assert.Equal(t, 7, sp.Count)

		assert.Equal(t, Slice{Start: 2, Stop: 4, Stride: 1, Len: 4}, sp.Projections[0].Slice)
		assert.Equal(t, Slice{Start: 0, Stop: 4, Stride: 1, Len: 4}, sp.Projections[1].Slice)
		assert.Equal(t, Slice{Start: 0, Stop: 1, Stride: 1, Len: 4}, sp.Projections[2].Slice)
		assert.Equal(t, []int{0, 2, 6}, []int{sp.Projections[0].IOPos, sp.Projections[1].IOPos, sp.Projections[2].IOPos})
	})

	t.Run("stride2", func(t *testing.T) {
		s := Slice{Start: 2, Stop: 9, Stride: 2, Len: 10}
		sp := ComputePerSliceProjections(s, ComputeChunkRange(s, 4), 10, 4)
		require.Len(t, sp.Projections, 3)

		assert.Equal(t, 1, sp.Projections[0].IOCount)
		assert.Equal(t, 2, sp.Projections[1].IOCount)
		assert.Equal(t, 1, sp.Projections[2].IOCount)
		assert.Equal(t, []int{2, 4, 8}, []int{sp.Projections[0].First, sp.Projections[1].First, sp.Projections[2].First})
		assert.Equal(t, 6, sp.Projections[1].Last)
		assert.Equal(t, []int{0, 1, 3}, []int{sp.Projections[0].IOPos, sp.Projections[1].IOPos, sp.Projections[2].IOPos})
	})
}

// selected returns the dimension positions a projection list selects, in
// chunk order.
func selected(sp SliceProjections) []int {
	var out []int
	for _, p := range sp.Projections {
		for i := p.Slice.Start; i < p.Slice.Stop; i += p.Slice.Stride {
			out = append(out, p.Offset+i)
		}
	}
	return out
}

func TestProjections_NoGapNoOverlap(t *testing.T) {
	for dimlen := 1; dimlen <= 13; dimlen++ {
		for chunklen := 1; chunklen <= dimlen; chunklen++ {
			for start := 0; start <= dimlen; start++ {
				for stop := start; stop <= dimlen; stop++ {
					for stride := 1; stride <= dimlen+1; stride++ {
						s := Slice{Start: start, Stop: stop, Stride: stride, Len: dimlen}
						sp := ComputePerSliceProjections(s, ComputeChunkRange(s, chunklen), dimlen, chunklen)

						var want []int
						for i := start; i < stop; i += stride {
							want = append(want, i)
						}
						require.Equal(t, want, selected(sp), "dimlen=%d chunklen=%d slice=%s", dimlen, chunklen, s)

						total := 0
						for _, p := range sp.Projections {
							require.Equal(t, total, p.IOPos, "iopos dimlen=%d chunklen=%d slice=%s chunk=%d", dimlen, chunklen, s, p.ChunkIndex)
							total += p.IOCount
						}
						require.Equal(t, s.Count(), total)
					}
				}
			}
		}
	}
}

func TestProjections_BoundaryChunk(t *testing.T) {
	s := Slice{Start: 0, Stop: 10, Stride: 1, Len: 10}
	sp := ComputePerSliceProjections(s, ComputeChunkRange(s, 4), 10, 4)
	last := sp.Projections[len(sp.Projections)-1]
	assert.Equal(t, 10, last.Limit)
	assert.Equal(t, 2, last.Len)
	assert.Equal(t, 2, last.Slice.Stop)
	assert.Equal(t, 4, last.Slice.Len, "physical chunk stays full size")
}

func TestProjections_SkippedChunk(t *testing.T) {
	// Stride 9 over chunks of 4 selects 0 and 9, leaving chunk 1 empty.
	s := Slice{Start: 0, Stop: 10, Stride: 9, Len: 10}
	sp := ComputePerSliceProjections(s, ComputeChunkRange(s, 4), 10, 4)
	require.Len(t, sp.Projections, 3)
	assert.False(t, sp.Projections[0].Skip())
	assert.True(t, sp.Projections[1].Skip())
	assert.False(t, sp.Projections[2].Skip())
	assert.Equal(t, 9, sp.Projections[2].First)
	assert.Equal(t, 1, sp.Projections[2].IOPos)
}

func TestComputeAllSliceProjections_EmptyDimension(t *testing.T) {
	slices := []Slice{
		{Start: 0, Stop: 4, Stride: 1, Len: 4},
		{Start: 2, Stop: 2, Stride: 1, Len: 6},
	}
	all := ComputeAllSliceProjections(slices, []int{4, 6}, []int{2, 3})
	require.Len(t, all, 2)
	assert.Equal(t, 2, all[0].Range.Len())
	assert.Equal(t, 0, all[1].Range.Len())
	assert.Empty(t, all[1].Projections)
}

func TestCeilFloorDiv(t *testing.T) {
	assert.Equal(t, 0, CeilDiv(0, 3))
	assert.Equal(t, 1, CeilDiv(1, 3))
	assert.Equal(t, 1, CeilDiv(3, 3))
	assert.Equal(t, 2, CeilDiv(4, 3))
	assert.Equal(t, 1, FloorDiv(5, 3))
}
