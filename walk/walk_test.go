package walk

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TuSKan/nczarr-go/chunking"
)

// memCache hands out chunk buffers from a map. New buffers are filled
// with garbage so tests notice when a transfer forgets to fill them.
type memCache struct {
	chunkBytes int
	chunks     map[string][]byte
	modified   map[string]bool
	fetched    []string
	failOn     string
}

func newMemCache(chunkShape []int, elemSize int) *memCache {
	n := elemSize
	for _, c := range chunkShape {
		n *= c
	}
	return &memCache{chunkBytes: n, chunks: map[string][]byte{}, modified: map[string]bool{}}
}

func chunkName(indices []int) string { return fmt.Sprint(indices) }

func (c *memCache) ReadChunk(ctx context.Context, indices []int) ([]byte, bool, error) {
	name := chunkName(indices)
	c.fetched = append(c.fetched, name)
	if name == c.failOn {
		return nil, false, errors.New("backend down")
	}
	if buf, ok := c.chunks[name]; ok {
		return buf, false, nil
	}
	buf := make([]byte, c.chunkBytes)
	for i := range buf {
		buf[i] = 0xEE
	}
	c.chunks[name] = buf
	return buf, true, nil
}

func (c *memCache) MarkModified(ctx context.Context, indices []int) error {
	c.modified[chunkName(indices)] = true
	return nil
}

func fullSlices(shape []int) []chunking.Slice {
	out := make([]chunking.Slice, len(shape))
	for d, n := range shape {
		out[d] = chunking.Full(n)
	}
	return out
}

func sequential(n int) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(i+1))
	}
	return buf
}

// reference applies a write of src over slices to a flat row-major model
// of the whole array.
func reference(model []byte, shape []int, slices []chunking.Slice, src []byte, es int) {
	global := chunking.NewSliceOdometer(withLens(slices, shape))
	i := 0
	for ; global.More(); global.Next() {
		off := global.Offset()
		copy(model[off*es:(off+1)*es], src[i*es:(i+1)*es])
		i++
	}
}

func withLens(slices []chunking.Slice, shape []int) []chunking.Slice {
	out := append([]chunking.Slice(nil), slices...)
	for d := range out {
		out[d].Len = shape[d]
	}
	return out
}

func randomSlice(r *rand.Rand, n int) chunking.Slice {
	start := r.IntN(n + 1)
	stop := start + r.IntN(n-start+1)
	return chunking.Slice{Start: start, Stop: stop, Stride: 1 + r.IntN(n+1), Len: n}
}

func TestTransfer_RoundTrip(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewPCG(1, 2))
	const es = 2

	shapes := [][]int{{10}, {7, 5}, {4, 6, 5}, {9, 1}, {3, 3, 3, 2}}
	for _, shape := range shapes {
		for trial := 0; trial < 40; trial++ {
			chunks := make([]int, len(shape))
			for d, n := range shape {
				chunks[d] = 1 + r.IntN(n)
			}
			slices := make([]chunking.Slice, len(shape))
			for d, n := range shape {
				slices[d] = randomSlice(r, n)
			}

			req := Request{Shape: shape, ChunkShape: chunks, Slices: slices, ElemSize: es}
			src := sequential(req.MemLen() / es)
			cache := newMemCache(chunks, es)
			require.NoError(t, Write(ctx, cache, req, src))

			dst := make([]byte, len(src))
			require.NoError(t, Read(ctx, cache, req, dst))
			require.Equal(t, src, dst, "shape=%v chunks=%v slices=%v", shape, chunks, slices)

			total := 1
			for _, n := range shape {
				total *= n
			}
			model := make([]byte, total*es)
			reference(model, shape, slices, src, es)

			full := Request{Shape: shape, ChunkShape: chunks, Slices: fullSlices(shape), ElemSize: es}
			got := make([]byte, full.MemLen())
			require.NoError(t, Read(ctx, cache, full, got))
			require.Equal(t, model, got, "shape=%v chunks=%v slices=%v", shape, chunks, slices)

			elementwise := make([]byte, full.MemLen())
			require.NoError(t, transfer(ctx, cache, full, elementwise, true, false))
			require.Equal(t, got, elementwise)
		}
	}
}

func TestTransfer_ReadFillsCreatedChunks(t *testing.T) {
	ctx := context.Background()
	req := Request{
		Shape:      []int{4},
		ChunkShape: []int{2},
		Slices:     fullSlices([]int{4}),
		ElemSize:   2,
		Fill:       []byte{0x34, 0x12},
	}
	cache := newMemCache(req.ChunkShape, 2)
	dst := make([]byte, req.MemLen())
	require.NoError(t, Read(ctx, cache, req, dst))
	assert.Equal(t, []byte{0x34, 0x12, 0x34, 0x12, 0x34, 0x12, 0x34, 0x12}, dst)
	assert.Empty(t, cache.modified, "reads never dirty chunks")

	req.Fill = nil
	cache = newMemCache(req.ChunkShape, 2)
	require.NoError(t, Read(ctx, cache, req, dst))
	assert.Equal(t, make([]byte, 8), dst)
}

func TestTransfer_BoundaryChunk(t *testing.T) {
	ctx := context.Background()
	req := Request{Shape: []int{10}, ChunkShape: []int{4}, Slices: fullSlices([]int{10}), ElemSize: 1}
	cache := newMemCache(req.ChunkShape, 1)
	src := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	require.NoError(t, Write(ctx, cache, req, src))

	// The physical edge chunk is full size but only its first two
	// elements belong to the array.
	edge := cache.chunks[chunkName([]int{2})]
	require.Len(t, edge, 4)
	assert.Equal(t, []byte{9, 10, 0, 0}, edge)
}

func TestTransfer_SkipsChunksWithoutSelection(t *testing.T) {
	ctx := context.Background()
	req := Request{
		Shape:      []int{10},
		ChunkShape: []int{4},
		Slices:     []chunking.Slice{{Start: 0, Stop: 10, Stride: 9, Len: 10}},
		ElemSize:   1,
	}
	cache := newMemCache(req.ChunkShape, 1)
	require.NoError(t, Write(ctx, cache, req, []byte{7, 8}))
	assert.Equal(t, []string{"[0]", "[2]"}, cache.fetched)
	assert.Equal(t, map[string]bool{"[0]": true, "[2]": true}, cache.modified)
}

func TestTransfer_EmptySliceTouchesNothing(t *testing.T) {
	ctx := context.Background()
	req := Request{
		Shape:      []int{4, 4},
		ChunkShape: []int{2, 2},
		Slices:     []chunking.Slice{chunking.Full(4), {Start: 1, Stop: 1, Stride: 1, Len: 4}},
		ElemSize:   4,
	}
	cache := newMemCache(req.ChunkShape, 4)
	require.NoError(t, Read(ctx, cache, req, nil))
	assert.Empty(t, cache.fetched)
}

func TestTransfer_Swap(t *testing.T) {
	ctx := context.Background()
	req := Request{Shape: []int{3}, ChunkShape: []int{2}, Slices: fullSlices([]int{3}), ElemSize: 4, Swap: true}
	cache := newMemCache(req.ChunkShape, 4)

	src := make([]byte, 12)
	for i := 0; i < 3; i++ {
		binary.LittleEndian.PutUint32(src[i*4:], uint32(0x01020304*(i+1)))
	}
	require.NoError(t, Write(ctx, cache, req, src))

	stored := cache.chunks[chunkName([]int{0})]
	assert.Equal(t, uint32(0x01020304), binary.BigEndian.Uint32(stored[:4]))

	dst := make([]byte, 12)
	require.NoError(t, Read(ctx, cache, req, dst))
	assert.Equal(t, src, dst)
}

func TestTransfer_SwapComplexWords(t *testing.T) {
	b := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	swapElements(b, 4)
	assert.Equal(t, []byte{4, 3, 2, 1, 8, 7, 6, 5}, b)

	b = []byte{1, 2, 3, 4, 5, 6}
	swapElements(b, 3)
	assert.Equal(t, []byte{3, 2, 1, 6, 5, 4}, b)
}

func TestTransfer_Scalar(t *testing.T) {
	ctx := context.Background()
	req := Request{ElemSize: 8}
	cache := newMemCache(nil, 8)
	src := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, Write(ctx, cache, req, src))

	dst := make([]byte, 8)
	require.NoError(t, Read(ctx, cache, req, dst))
	assert.Equal(t, src, dst)
	assert.True(t, cache.modified["[]"])
}

func TestTransfer_FetchErrorAborts(t *testing.T) {
	ctx := context.Background()
	req := Request{Shape: []int{6}, ChunkShape: []int{2}, Slices: fullSlices([]int{6}), ElemSize: 1}
	cache := newMemCache(req.ChunkShape, 1)
	cache.failOn = "[1]"

	err := Write(ctx, cache, req, []byte{1, 2, 3, 4, 5, 6})
	require.EqualError(t, err, "backend down")
	assert.True(t, cache.modified["[0]"], "chunks before the failure stay written")
	assert.False(t, cache.modified["[2]"])
}

func TestTransfer_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := Request{Shape: []int{6}, ChunkShape: []int{2}, Slices: fullSlices([]int{6}), ElemSize: 1}
	err := Read(ctx, newMemCache(req.ChunkShape, 1), req, make([]byte, 6))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTransfer_InvalidRequest(t *testing.T) {
	ctx := context.Background()
	cache := newMemCache([]int{2}, 1)

	err := Read(ctx, cache, Request{Shape: []int{4}, ChunkShape: []int{2}, ElemSize: 1}, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req := Request{Shape: []int{4}, ChunkShape: []int{2}, Slices: fullSlices([]int{4}), ElemSize: 1}
	assert.ErrorIs(t, Read(ctx, cache, req, make([]byte, 3)), ErrInvalidRequest)

	req.Fill = []byte{1, 2}
	assert.ErrorIs(t, Read(ctx, cache, req, make([]byte, 4)), ErrInvalidRequest)
}
