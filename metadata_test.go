package zarr_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	zarr "github.com/TuSKan/nczarr-go"
	"github.com/TuSKan/nczarr-go/zmap"
)

func TestParseDType(t *testing.T) {
	tests := []struct {
		input       string
		expectedStr string
		expectedSz  int
		expectedWd  int
		order       binary.ByteOrder
		expectErr   bool
	}{
		{"<f4", "float32", 4, 4, binary.LittleEndian, false},
		{"<i8", "int64", 8, 8, binary.LittleEndian, false},
		{"|b1", "bool", 1, 1, nil, false},
		{">f4", "float32", 4, 4, binary.BigEndian, false},
		{">c16", "complex128", 16, 8, binary.BigEndian, false},
		{"|u1", "uint8", 1, 1, nil, false},
		{"|S12", "bytes12", 12, 1, nil, false},
		{"<M8[ns]", "datetime64", 8, 8, binary.LittleEndian, false},
		{"|i4", "", 0, 0, nil, true}, // multi-byte needs an order
		{"x2", "", 0, 0, nil, true},  // invalid encoding
		{"<x4", "", 0, 0, nil, true}, // unknown kind
		{"<i", "", 0, 0, nil, true},  // incomplete size
		{"<f2", "", 0, 0, nil, true}, // no half floats
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			dt, err := zarr.ParseDType(tt.input)

			if tt.expectErr {
				if err == nil {
					t.Errorf("expected error for input %q, but got nil", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for input %q: %v", tt.input, err)
			}
			if dt.Name != tt.expectedStr {
				t.Errorf("expected string %q, got %q", tt.expectedStr, dt.Name)
			}
			if dt.Size != tt.expectedSz {
				t.Errorf("expected size %d, got %d", tt.expectedSz, dt.Size)
			}
			if dt.WordSize() != tt.expectedWd {
				t.Errorf("expected word size %d, got %d", tt.expectedWd, dt.WordSize())
			}
			if dt.Order != tt.order {
				t.Errorf("expected order %v, got %v", tt.order, dt.Order)
			}
		})
	}
}

func TestLoadMetadata(t *testing.T) {
	tempDir := t.TempDir()

	mockJSON := `{
		"zarr_format": 2,
		"shape": [128, 128],
		"chunks": [64, 64],
		"dtype": "<f4",
		"compressor": null,
		"fill_value": 0.0,
		"order": "C",
		"filters": null,
		"dimension_separator": "/"
	}`

	zarrayPath := filepath.Join(tempDir, ".zarray")
	if err := os.WriteFile(zarrayPath, []byte(mockJSON), 0644); err != nil {
		t.Fatalf("failed to write mock json: %v", err)
	}

	f, err := os.Open(zarrayPath)
	if err != nil {
		t.Fatalf("failed to open mock json: %v", err)
	}
	defer f.Close()

	meta, err := zarr.LoadMetadata(f)
	if err != nil {
		t.Fatalf("LoadMetadata failed: %v", err)
	}

	expectedShape := []int{128, 128}
	if !reflect.DeepEqual(meta.Shape, expectedShape) {
		t.Errorf("expected shape %v, got %v", expectedShape, meta.Shape)
	}

	expectedChunks := []int{64, 64}
	if !reflect.DeepEqual(meta.Chunks, expectedChunks) {
		t.Errorf("expected chunks %v, got %v", expectedChunks, meta.Chunks)
	}

	if meta.DType != "<f4" {
		t.Errorf("expected dtype <f4, got %s", meta.DType)
	}
	if meta.Separator() != "/" {
		t.Errorf("expected separator /, got %s", meta.Separator())
	}
	if err := meta.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestLoadMetadata_WrongFormat(t *testing.T) {
	_, err := zarr.LoadMetadata(strings.NewReader(`{"zarr_format": 3}`))
	assert.Error(t, err)
}

func TestMetadata_Validate(t *testing.T) {
	base := func() *zarr.Metadata {
		return &zarr.Metadata{ZarrFormat: 2, Shape: []int{10, 4}, Chunks: []int{4, 4}, DType: "<i4"}
	}
	require.NoError(t, base().Validate())

	m := base()
	m.Chunks = []int{4}
	assert.ErrorIs(t, m.Validate(), zmap.ErrInvalidArgument)

	m = base()
	m.Chunks = []int{0, 4}
	assert.ErrorIs(t, m.Validate(), zmap.ErrInvalidArgument)

	m = base()
	m.Compressor = &zarr.CompressorConfig{ID: "zstd"}
	assert.ErrorIs(t, m.Validate(), zmap.ErrUnsupported)

	m = base()
	m.Order = "F"
	assert.ErrorIs(t, m.Validate(), zmap.ErrUnsupported)

	m = base()
	m.DimensionSeparator = "_"
	assert.ErrorIs(t, m.Validate(), zmap.ErrInvalidArgument)

	m = base()
	m.DType = "<q4"
	assert.ErrorIs(t, m.Validate(), zmap.ErrInvalidArgument)

	m = base()
	m.FillValue = json.Number("2147483648")
	assert.ErrorIs(t, m.Validate(), zmap.ErrInvalidArgument)
}

func TestMetadata_MarshalRoundTrip(t *testing.T) {
	m := &zarr.Metadata{ZarrFormat: 2, Shape: []int{3}, Chunks: []int{2}, DType: ">u8", FillValue: uint64(math.MaxUint64)}
	raw, err := m.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"order": "C"`)
	assert.Contains(t, string(raw), `"compressor": null`)

	back, err := zarr.LoadMetadata(strings.NewReader(string(raw)))
	require.NoError(t, err)
	assert.Equal(t, m.Shape, back.Shape)

	dt, err := zarr.ParseDType(back.DType)
	require.NoError(t, err)
	fill, err := zarr.FillBytes(dt, back.FillValue)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, fill)
}

func TestFillBytes(t *testing.T) {
	load := func(dtype, fill string) []byte {
		t.Helper()
		meta, err := zarr.LoadMetadata(strings.NewReader(
			`{"zarr_format":2,"shape":[1],"chunks":[1],"dtype":"` + dtype + `","fill_value":` + fill + `}`))
		require.NoError(t, err)
		dt, err := zarr.ParseDType(meta.DType)
		require.NoError(t, err)
		b, err := zarr.FillBytes(dt, meta.FillValue)
		require.NoError(t, err)
		return b
	}

	assert.Nil(t, load("<f8", "null"))
	assert.Nil(t, load("<i4", "0"))
	assert.Equal(t, []byte{0xff, 0xff}, load("<i2", "-1"))
	assert.Equal(t, []byte{0x00, 0x2a}, load(">u2", "42"))
	assert.Equal(t, []byte{1}, load("|b1", "true"))

	nan := load("<f4", `"NaN"`)
	assert.True(t, math.IsNaN(float64(math.Float32frombits(binary.LittleEndian.Uint32(nan)))))
	inf := load(">f8", `"-Infinity"`)
	assert.True(t, math.IsInf(math.Float64frombits(binary.BigEndian.Uint64(inf)), -1))
	assert.Equal(t, float64(1.5), math.Float64frombits(binary.LittleEndian.Uint64(load("<f8", "1.5"))))

	c := load("<c8", "[1.0, 2.0]")
	assert.Equal(t, float32(1), math.Float32frombits(binary.LittleEndian.Uint32(c[:4])))
	assert.Equal(t, float32(2), math.Float32frombits(binary.LittleEndian.Uint32(c[4:])))

	assert.Equal(t, []byte("ab\x00"), load("|S3", `"YWI="`))

	dt, _ := zarr.ParseDType("<i4")
	_, err := zarr.FillBytes(dt, "NaN")
	assert.Error(t, err)
	_, err = zarr.FillBytes(dt, 1.5)
	assert.Error(t, err)
}

func TestFillBytes_OutOfRange(t *testing.T) {
	tests := []struct {
		dtype     string
		fill      interface{}
		expectErr bool
	}{
		{"|i1", json.Number("300"), true},
		{"|i1", json.Number("127"), false},
		{"|i1", json.Number("-128"), false},
		{"|i1", json.Number("-129"), true},
		{"<i2", json.Number("40000"), true},
		{"|u1", json.Number("256"), true},
		{"|u1", json.Number("255"), false},
		{"<u4", json.Number("4294967296"), true},
		{"<u8", json.Number("18446744073709551615"), false},
		{"<i8", json.Number("-9223372036854775808"), false},
		{"<M8[s]", 1 << 40, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%v", tt.dtype, tt.fill), func(t *testing.T) {
			dt, err := zarr.ParseDType(tt.dtype)
			require.NoError(t, err)
			_, err = zarr.FillBytes(dt, tt.fill)
			if tt.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCreateArray_RejectsOutOfRangeFill(t *testing.T) {
	ctx := context.Background()
	m, err := zarr.DefaultRegistry().Create(ctx, filepath.Join(t.TempDir(), "ds"), zmap.ModeWrite)
	require.NoError(t, err)
	defer m.Close(ctx, true)

	_, err = zarr.CreateArray(ctx, m, "/a", &zarr.Metadata{
		Shape: []int{4}, Chunks: []int{2}, DType: "|i1", FillValue: 300,
	})
	assert.ErrorIs(t, err, zmap.ErrInvalidArgument)

	exists, err := m.Exists(ctx, "/a/.zarray")
	require.NoError(t, err)
	assert.False(t, exists)
}
