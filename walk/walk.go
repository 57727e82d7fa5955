// Package walk moves elements between a caller's buffer and the chunks of
// a chunked array.
//
// A transfer computes the projections of each dimension's slice, walks
// the cross product of touched chunk indices in row-major order and, for
// each chunk, copies elements between the chunk buffer and the caller's
// buffer with a pair of odometers stepped in lockstep.
package walk

import (
	"context"
	"errors"
	"fmt"

	"github.com/TuSKan/nczarr-go/chunking"
)

// ErrInvalidRequest is returned for requests whose ranks or buffer sizes
// do not agree.
var ErrInvalidRequest = errors.New("invalid transfer request")

// ChunkCache supplies chunk buffers by chunk index.
type ChunkCache interface {
	// ReadChunk returns the full-size buffer of the chunk at indices.
	// created reports that the chunk did not exist and the buffer is new;
	// the transfer fills it before use.
	ReadChunk(ctx context.Context, indices []int) (buf []byte, created bool, err error)
	// MarkModified records that the chunk's buffer was written to.
	MarkModified(ctx context.Context, indices []int) error
}

// Request describes one transfer.
type Request struct {
	Shape      []int
	ChunkShape []int
	Slices     []chunking.Slice
	ElemSize   int
	// Fill is one element, in chunk byte order, written to every element
	// of a freshly created chunk. Nil leaves fresh chunks zeroed.
	Fill []byte
	// Swap reverses byte order between chunk and caller buffers.
	Swap bool
	// WordSize is the unit that Swap reverses; zero means ElemSize.
	// Complex elements swap each of their two components.
	WordSize int
}

// MemShape returns the shape of the caller's buffer: the number of
// elements each slice selects.
func (r *Request) MemShape() []int {
	shape := make([]int, len(r.Slices))
	for d, s := range r.Slices {
		shape[d] = s.Count()
	}
	return shape
}

// MemLen returns the size in bytes of the caller's buffer.
func (r *Request) MemLen() int {
	n := r.ElemSize
	for _, c := range r.MemShape() {
		n *= c
	}
	return n
}

func (r *Request) validate(memory []byte) error {
	rank := len(r.Shape)
	if len(r.ChunkShape) != rank || len(r.Slices) != rank {
		return fmt.Errorf("%w: rank %d with %d chunk lengths and %d slices", ErrInvalidRequest, rank, len(r.ChunkShape), len(r.Slices))
	}
	if r.ElemSize <= 0 {
		return fmt.Errorf("%w: element size %d", ErrInvalidRequest, r.ElemSize)
	}
	if r.Fill != nil && len(r.Fill) != r.ElemSize {
		return fmt.Errorf("%w: fill value has %d bytes, element has %d", ErrInvalidRequest, len(r.Fill), r.ElemSize)
	}
	if r.WordSize < 0 || (r.WordSize > 0 && r.ElemSize%r.WordSize != 0) {
		return fmt.Errorf("%w: word size %d for element size %d", ErrInvalidRequest, r.WordSize, r.ElemSize)
	}
	if len(memory) < r.MemLen() {
		return fmt.Errorf("%w: buffer has %d bytes, need %d", ErrInvalidRequest, len(memory), r.MemLen())
	}
	return nil
}

// Read copies the selected elements into dst.
func Read(ctx context.Context, cache ChunkCache, req Request, dst []byte) error {
	return Transfer(ctx, cache, req, dst, true)
}

// Write copies src into the selected elements and marks every touched
// chunk modified.
func Write(ctx context.Context, cache ChunkCache, req Request, src []byte) error {
	return Transfer(ctx, cache, req, src, false)
}

// Transfer copies between memory and the chunks the request touches, in
// the direction given by reading. The first error aborts the transfer;
// chunks already modified stay modified.
func Transfer(ctx context.Context, cache ChunkCache, req Request, memory []byte, reading bool) error {
	return transfer(ctx, cache, req, memory, reading, true)
}

func transfer(ctx context.Context, cache ChunkCache, req Request, memory []byte, reading, slab bool) error {
	if err := req.validate(memory); err != nil {
		return err
	}
	w := walker{req: &req, memory: memory, reading: reading, slab: slab}
	if len(req.Shape) == 0 {
		return w.scalar(ctx, cache)
	}
	return w.chunks(ctx, cache)
}

type walker struct {
	req     *Request
	memory  []byte
	reading bool
	slab    bool
}

func (w *walker) scalar(ctx context.Context, cache ChunkCache) error {
	buf, created, err := cache.ReadChunk(ctx, []int{})
	if err != nil {
		return err
	}
	if created {
		w.fill(buf)
	}
	w.copyRun(buf, 0, 0, 1)
	if !w.reading {
		return cache.MarkModified(ctx, []int{})
	}
	return nil
}

func (w *walker) chunks(ctx context.Context, cache ChunkCache) error {
	req := w.req
	rank := len(req.Shape)
	all := chunking.ComputeAllSliceProjections(req.Slices, req.Shape, req.ChunkShape)

	ranges := make([]chunking.ChunkRange, rank)
	memShape := make([]int, rank)
	for d := range all {
		ranges[d] = all[d].Range
		memShape[d] = all[d].Count
		if memShape[d] == 0 {
			return nil
		}
	}

	chunkSlices := make([]chunking.Slice, rank)
	memSlices := make([]chunking.Slice, rank)
	odo := chunking.NewRangeOdometer(ranges)
	for ; odo.More(); odo.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		indices := odo.Indices()

		skip := false
		for d := 0; d < rank; d++ {
			p := all[d].At(indices[d])
			if p.Skip() {
				skip = true
				break
			}
			chunkSlices[d] = p.Slice
			memSlices[d] = p.MemSlice(memShape[d])
		}
		if skip {
			continue
		}

		key := append([]int(nil), indices...)
		buf, created, err := cache.ReadChunk(ctx, key)
		if err != nil {
			return err
		}
		if created {
			w.fill(buf)
		}
		w.copyChunk(buf, chunkSlices, memSlices)
		if !w.reading {
			if err := cache.MarkModified(ctx, key); err != nil {
				return err
			}
		}
	}
	return nil
}

// copyChunk copies one chunk's contribution. When the innermost
// dimension is contiguous in the chunk, whole runs along it are copied at
// once; the result is the same as copying element by element.
func (w *walker) copyChunk(chunk []byte, chunkSlices, memSlices []chunking.Slice) {
	last := len(chunkSlices) - 1
	run := 1
	if w.slab && chunkSlices[last].Stride == 1 {
		run = chunkSlices[last].Count()
		chunkSlices = collapse(chunkSlices)
		memSlices = collapse(memSlices)
	}

	co := chunking.NewSliceOdometer(chunkSlices)
	mo := chunking.NewSliceOdometer(memSlices)
	for ; co.More() && mo.More(); co.Next() {
		w.copyRun(chunk, co.Offset(), mo.Offset(), run)
		mo.Next()
	}
}

// collapse returns slices whose innermost dimension visits only its first
// position.
func collapse(slices []chunking.Slice) []chunking.Slice {
	out := append([]chunking.Slice(nil), slices...)
	last := len(out) - 1
	out[last].Stop = out[last].Start + 1
	out[last].Stride = 1
	return out
}

// copyRun copies n consecutive elements starting at element offsets c in
// the chunk and m in memory.
func (w *walker) copyRun(chunk []byte, c, m, n int) {
	es := w.req.ElemSize
	cb := chunk[c*es : (c+n)*es]
	mb := w.memory[m*es : (m+n)*es]
	if w.reading {
		copy(mb, cb)
		if w.req.Swap {
			swapElements(mb, w.wordSize())
		}
		return
	}
	copy(cb, mb)
	if w.req.Swap {
		swapElements(cb, w.wordSize())
	}
}

func (w *walker) wordSize() int {
	if w.req.WordSize > 0 {
		return w.req.WordSize
	}
	return w.req.ElemSize
}

func (w *walker) fill(buf []byte) {
	fill := w.req.Fill
	if fill == nil || isZero(fill) {
		clear(buf)
		return
	}
	for i := 0; i+len(fill) <= len(buf); i += len(fill) {
		copy(buf[i:], fill)
	}
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
