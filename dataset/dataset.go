// Package dataset reads a chunked array in batches along its first
// dimension and returns them as gomlx tensors.
package dataset

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/gomlx/gomlx/pkg/core/tensors"

	zarr "github.com/TuSKan/nczarr-go"
	"github.com/TuSKan/nczarr-go/chunking"
	"github.com/TuSKan/nczarr-go/zmap"
)

// Dataset handles reading Zarr arrays in batches.
type Dataset struct {
	arr          *zarr.Array
	m            zmap.Map
	CurrentIndex int
}

// New returns a Dataset over an open array of rank one or more.
func New(arr *zarr.Array) (*Dataset, error) {
	if len(arr.Shape()) == 0 {
		return nil, fmt.Errorf("%w: batches need an array of rank >= 1", zmap.ErrInvalidArgument)
	}
	if _, err := decoderFor(arr.DType()); err != nil {
		return nil, err
	}
	return &Dataset{arr: arr}, nil
}

// Open opens the dataset at locator read-only and the array at key
// within it. Close releases both.
func Open(ctx context.Context, reg *zarr.Registry, locator, key string, opts ...zarr.Option) (*Dataset, error) {
	m, err := reg.Open(ctx, locator, zmap.ModeRead)
	if err != nil {
		return nil, err
	}
	arr, err := zarr.OpenArray(ctx, m, key, opts...)
	if err != nil {
		m.Close(ctx, false)
		return nil, err
	}
	ds, err := New(arr)
	if err != nil {
		m.Close(ctx, false)
		return nil, err
	}
	ds.m = m
	return ds, nil
}

// Array returns the underlying array.
func (d *Dataset) Array() *zarr.Array { return d.arr }

// Len returns the number of rows.
func (d *Dataset) Len() int { return d.arr.Shape()[0] }

// Reset rewinds to the first row.
func (d *Dataset) Reset() { d.CurrentIndex = 0 }

// NextBatch reads the next batch of size batchSize.
// Returns io.EOF if there is no more data.
func (d *Dataset) NextBatch(ctx context.Context, batchSize int) (*tensors.Tensor, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("%w: batch size %d", zmap.ErrInvalidArgument, batchSize)
	}
	shape := d.arr.Shape()
	if d.CurrentIndex >= shape[0] {
		return nil, io.EOF
	}

	start := d.CurrentIndex
	end := min(start+batchSize, shape[0])

	// Batch shape: [end-start, Shape[1], Shape[2]...]
	batchShape := append([]int{end - start}, shape[1:]...)
	slices := make([]chunking.Slice, len(shape))
	slices[0] = chunking.Slice{Start: start, Stop: end, Stride: 1, Len: shape[0]}
	for i := 1; i < len(shape); i++ {
		slices[i] = chunking.Full(shape[i])
	}

	if err := d.arr.Prefetch(ctx, slices); err != nil {
		return nil, err
	}
	buf := make([]byte, d.arr.RegionLen(slices))
	if err := d.arr.ReadRegion(ctx, slices, buf); err != nil {
		return nil, err
	}

	decode, err := decoderFor(d.arr.DType())
	if err != nil {
		return nil, err
	}
	d.CurrentIndex = end
	return decode(buf, batchShape), nil
}

// Close closes the array and, when the dataset opened it, the map.
func (d *Dataset) Close(ctx context.Context) error {
	err := d.arr.Close(ctx)
	if d.m != nil {
		if cerr := d.m.Close(ctx, false); err == nil {
			err = cerr
		}
	}
	return err
}

type decoder func(buf []byte, shape []int) *tensors.Tensor

// decoderFor returns the conversion from host-order bytes to a tensor.
func decoderFor(t zarr.DType) (decoder, error) {
	ne := binary.NativeEndian
	switch t.Kind {
	case 'b':
		return func(b []byte, shape []int) *tensors.Tensor {
			return tensors.FromFlatDataAndDimensions(convert(b, 1, func(p []byte) bool { return p[0] != 0 }), shape...)
		}, nil
	case 'f':
		switch t.Size {
		case 4:
			return func(b []byte, shape []int) *tensors.Tensor {
				return tensors.FromFlatDataAndDimensions(convert(b, 4, func(p []byte) float32 { return math.Float32frombits(ne.Uint32(p)) }), shape...)
			}, nil
		case 8:
			return func(b []byte, shape []int) *tensors.Tensor {
				return tensors.FromFlatDataAndDimensions(convert(b, 8, func(p []byte) float64 { return math.Float64frombits(ne.Uint64(p)) }), shape...)
			}, nil
		}
	case 'i':
		switch t.Size {
		case 1:
			return func(b []byte, shape []int) *tensors.Tensor {
				return tensors.FromFlatDataAndDimensions(convert(b, 1, func(p []byte) int8 { return int8(p[0]) }), shape...)
			}, nil
		case 2:
			return func(b []byte, shape []int) *tensors.Tensor {
				return tensors.FromFlatDataAndDimensions(convert(b, 2, func(p []byte) int16 { return int16(ne.Uint16(p)) }), shape...)
			}, nil
		case 4:
			return func(b []byte, shape []int) *tensors.Tensor {
				return tensors.FromFlatDataAndDimensions(convert(b, 4, func(p []byte) int32 { return int32(ne.Uint32(p)) }), shape...)
			}, nil
		case 8:
			return func(b []byte, shape []int) *tensors.Tensor {
				return tensors.FromFlatDataAndDimensions(convert(b, 8, func(p []byte) int64 { return int64(ne.Uint64(p)) }), shape...)
			}, nil
		}
	case 'u':
		switch t.Size {
		case 1:
			return func(b []byte, shape []int) *tensors.Tensor {
				return tensors.FromFlatDataAndDimensions(convert(b, 1, func(p []byte) uint8 { return p[0] }), shape...)
			}, nil
		case 2:
			return func(b []byte, shape []int) *tensors.Tensor {
				return tensors.FromFlatDataAndDimensions(convert(b, 2, ne.Uint16), shape...)
			}, nil
		case 4:
			return func(b []byte, shape []int) *tensors.Tensor {
				return tensors.FromFlatDataAndDimensions(convert(b, 4, ne.Uint32), shape...)
			}, nil
		case 8:
			return func(b []byte, shape []int) *tensors.Tensor {
				return tensors.FromFlatDataAndDimensions(convert(b, 8, ne.Uint64), shape...)
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: no tensor type for dtype %s", zmap.ErrUnsupported, t.Name)
}

func convert[T any](b []byte, size int, at func([]byte) T) []T {
	out := make([]T, len(b)/size)
	for i := range out {
		out[i] = at(b[i*size : (i+1)*size])
	}
	return out
}
