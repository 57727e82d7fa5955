package zarr

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/TuSKan/nczarr-go/chunking"
	"github.com/TuSKan/nczarr-go/walk"
	"github.com/TuSKan/nczarr-go/zmap"
)

// Array is a chunked array stored in a zmap.Map. Caller buffers hold
// elements in row-major order and the host's byte order.
type Array struct {
	m     zmap.Map
	key   string
	meta  *Metadata
	dtype DType
	fill  []byte
	swap  bool
	opts  options
	log   logrus.FieldLogger
	cache *chunkCache

	mu sync.Mutex
}

// CreateArray writes the metadata of a new array at key.
func CreateArray(ctx context.Context, m zmap.Map, key string, meta *Metadata, opts ...Option) (*Array, error) {
	key, err := zmap.CleanKey(key)
	if err != nil {
		return nil, err
	}
	if !m.Mode().Writable() {
		return nil, fmt.Errorf("%w: create array %s", zmap.ErrReadOnly, key)
	}
	meta.ZarrFormat = 2
	if meta.Order == "" {
		meta.Order = "C"
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	metaKey := zmap.Join(key, ArrayMetaKey)
	exists, err := m.Exists(ctx, metaKey)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: array %s", zmap.ErrExists, key)
	}
	raw, err := meta.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := m.WriteMeta(ctx, metaKey, raw); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", metaKey, err)
	}
	a, err := newArray(m, key, meta, opts)
	if err != nil {
		return nil, err
	}
	a.log.WithFields(logrus.Fields{"shape": meta.Shape, "chunks": meta.Chunks, "dtype": meta.DType}).Info("created array")
	return a, nil
}

// OpenArray reads the metadata of the array at key.
func OpenArray(ctx context.Context, m zmap.Map, key string, opts ...Option) (*Array, error) {
	key, err := zmap.CleanKey(key)
	if err != nil {
		return nil, err
	}
	metaKey := zmap.Join(key, ArrayMetaKey)
	raw, err := m.ReadMeta(ctx, metaKey)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", metaKey, err)
	}
	meta, err := LoadMetadata(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	a, err := newArray(m, key, meta, opts)
	if err != nil {
		return nil, err
	}
	a.log.Debug("opened array")
	return a, nil
}

func newArray(m zmap.Map, key string, meta *Metadata, opts []Option) (*Array, error) {
	dt, err := ParseDType(meta.DType)
	if err != nil {
		return nil, fmt.Errorf("invalid dtype: %w", err)
	}
	fill, err := FillBytes(dt, meta.FillValue)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", zmap.ErrInvalidArgument, err)
	}
	o := buildOptions(opts)
	log := o.log.WithField("array", key)
	return &Array{
		m:     m,
		key:   key,
		meta:  meta,
		dtype: dt,
		fill:  fill,
		swap:  dt.Order != nil && dt.Order != hostOrder() && dt.WordSize() > 1,
		opts:  o,
		log:   log,
		cache: newChunkCache(m, key, meta, dt.Size, o.cacheCapacity, log),
	}, nil
}

func hostOrder() binary.ByteOrder {
	if binary.NativeEndian.Uint16([]byte{1, 0}) == 1 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// Key returns the array's key in its map.
func (a *Array) Key() string { return a.key }

// Metadata returns the array metadata.
func (a *Array) Metadata() *Metadata { return a.meta }

// DType returns the parsed element type.
func (a *Array) DType() DType { return a.dtype }

// Shape returns the array shape.
func (a *Array) Shape() []int { return append([]int(nil), a.meta.Shape...) }

// Size returns the number of elements.
func (a *Array) Size() int {
	n := 1
	for _, d := range a.meta.Shape {
		n *= d
	}
	return n
}

// request validates slices against the array and builds the transfer
// request for a buffer of n bytes; a negative n skips the size check.
func (a *Array) request(slices []chunking.Slice, n int) (walk.Request, error) {
	shape := a.meta.Shape
	if len(slices) != len(shape) {
		return walk.Request{}, fmt.Errorf("%w: %d slices for rank %d array", zmap.ErrInvalidArgument, len(slices), len(shape))
	}
	full := make([]chunking.Slice, len(slices))
	for d, s := range slices {
		if s.Start < 0 || s.Start > s.Stop || s.Stop > shape[d] || s.Stride < 1 {
			return walk.Request{}, fmt.Errorf("%w: slice %v in dimension %d of length %d", zmap.ErrInvalidArgument, s, d, shape[d])
		}
		s.Len = shape[d]
		full[d] = s
	}
	req := walk.Request{
		Shape:      shape,
		ChunkShape: a.meta.Chunks,
		Slices:     full,
		ElemSize:   a.dtype.Size,
		Fill:       a.fill,
		Swap:       a.swap,
		WordSize:   a.dtype.WordSize(),
	}
	if n >= 0 && n != req.MemLen() {
		return walk.Request{}, fmt.Errorf("%w: buffer has %d bytes, selection needs %d", zmap.ErrInvalidArgument, n, req.MemLen())
	}
	return req, nil
}

// RegionLen returns the buffer size in bytes for a selection.
func (a *Array) RegionLen(slices []chunking.Slice) int {
	n := a.dtype.Size
	for _, s := range slices {
		if s.Stride < 1 {
			return 0
		}
		n *= s.Count()
	}
	return n
}

// ReadRegion reads the selected elements into dst, which must be exactly
// RegionLen(slices) bytes. On error dst is left untouched.
func (a *Array) ReadRegion(ctx context.Context, slices []chunking.Slice, dst []byte) error {
	req, err := a.request(slices, len(dst))
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	buf := make([]byte, len(dst))
	if err := walk.Read(ctx, a.cache, req, buf); err != nil {
		return fmt.Errorf("failed to read region of %s: %w", a.key, err)
	}
	copy(dst, buf)
	return nil
}

// WriteRegion writes src into the selected elements. Chunks are written
// back to the map on eviction, Flush or Close.
func (a *Array) WriteRegion(ctx context.Context, slices []chunking.Slice, src []byte) error {
	if !a.m.Mode().Writable() {
		return fmt.Errorf("%w: write to %s", zmap.ErrReadOnly, a.key)
	}
	req, err := a.request(slices, len(src))
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := walk.Write(ctx, a.cache, req, src); err != nil {
		return fmt.Errorf("failed to write region of %s: %w", a.key, err)
	}
	return nil
}

// Block returns unit-stride slices covering shape elements from start.
func Block(start, shape, dims []int) []chunking.Slice {
	out := make([]chunking.Slice, len(start))
	for d := range start {
		out[d] = chunking.Slice{Start: start[d], Stop: start[d] + shape[d], Stride: 1, Len: dims[d]}
	}
	return out
}

// ReadBlock reads the dense block of the given shape starting at start.
func (a *Array) ReadBlock(ctx context.Context, start, shape []int) ([]byte, error) {
	if len(start) != len(a.meta.Shape) || len(shape) != len(start) {
		return nil, fmt.Errorf("%w: start and shape must have rank %d", zmap.ErrInvalidArgument, len(a.meta.Shape))
	}
	for d, n := range shape {
		if n < 0 {
			return nil, fmt.Errorf("%w: negative length %d in dimension %d", zmap.ErrInvalidArgument, n, d)
		}
	}
	slices := Block(start, shape, a.meta.Shape)
	dst := make([]byte, a.RegionLen(slices))
	if err := a.ReadRegion(ctx, slices, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// ReadFull reads the entire array into a flat byte slice.
func (a *Array) ReadFull(ctx context.Context) ([]byte, error) {
	slices := make([]chunking.Slice, len(a.meta.Shape))
	for d, n := range a.meta.Shape {
		slices[d] = chunking.Full(n)
	}
	dst := make([]byte, a.RegionLen(slices))
	if err := a.ReadRegion(ctx, slices, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// ReadChunk returns the stored bytes of one chunk, in the array's byte
// order. A chunk that was never written reads as the fill value.
func (a *Array) ReadChunk(ctx context.Context, coords []int) ([]byte, error) {
	grid := GridShape(a.meta.Shape, a.meta.Chunks)
	if len(coords) != len(grid) {
		return nil, fmt.Errorf("%w: chunk %v for rank %d array", zmap.ErrInvalidArgument, coords, len(grid))
	}
	for d, c := range coords {
		if c < 0 || c >= grid[d] {
			return nil, fmt.Errorf("%w: chunk %v outside grid %v", zmap.ErrInvalidArgument, coords, grid)
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	e, err := a.cache.load(ctx, coords)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(e.buf))
	if e.fresh && a.fill != nil {
		for i := 0; i+len(a.fill) <= len(out); i += len(a.fill) {
			copy(out[i:], a.fill)
		}
		return out, nil
	}
	copy(out, e.buf)
	return out, nil
}

// StoredChunks lists the indices of chunks present in the map.
func (a *Array) StoredChunks(ctx context.Context) ([][]int, error) {
	keys, err := a.m.ListAll(ctx, a.key)
	if err != nil {
		return nil, err
	}
	rank := len(a.meta.Shape)
	prefix := a.key
	if prefix != "/" {
		prefix += "/"
	}
	var out [][]int
	for _, k := range keys {
		idx, err := ParseChunkKey(k[len(prefix):], rank, a.meta.Separator())
		if err != nil {
			continue
		}
		out = append(out, idx)
	}
	return out, nil
}

// Prefetch loads every chunk the selection touches into the cache,
// fetching up to the configured number of chunks concurrently.
func (a *Array) Prefetch(ctx context.Context, slices []chunking.Slice) error {
	req, err := a.request(slices, -1)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.meta.Shape) == 0 {
		_, err := a.cache.load(ctx, []int{})
		return err
	}

	all := chunking.ComputeAllSliceProjections(req.Slices, req.Shape, req.ChunkShape)
	ranges := make([]chunking.ChunkRange, len(all))
	for d := range all {
		if all[d].Count == 0 {
			return nil
		}
		ranges[d] = all[d].Range
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.prefetchConcurrency)
	fetched := 0
	odo := chunking.NewRangeOdometer(ranges)
	for ; odo.More(); odo.Next() {
		indices := odo.Indices()
		skip := false
		for d := range all {
			if all[d].At(indices[d]).Skip() {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		if fetched == a.opts.cacheCapacity {
			a.log.WithField("capacity", fetched).Debug("prefetch stopped at cache capacity")
			break
		}
		fetched++
		idx := append([]int(nil), indices...)
		g.Go(func() error {
			_, err := a.cache.load(gctx, idx)
			return err
		})
	}
	return g.Wait()
}

// Flush writes all modified chunks back to the map.
func (a *Array) Flush(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cache.Flush(ctx)
}

// Close flushes modified chunks and drops the cache. The map stays open.
func (a *Array) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.cache.Close(ctx); err != nil {
		return err
	}
	a.log.Debug("closed array")
	return nil
}

// Attributes returns the array's user attributes.
func (a *Array) Attributes(ctx context.Context) (map[string]interface{}, error) {
	return readAttrs(ctx, a.m, a.key)
}

// SetAttributes replaces the array's user attributes.
func (a *Array) SetAttributes(ctx context.Context, attrs map[string]interface{}) error {
	return writeAttrs(ctx, a.m, a.key, attrs)
}

func isNotFound(err error) bool { return errors.Is(err, zmap.ErrNotFound) }
