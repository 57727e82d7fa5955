package zarr

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/TuSKan/nczarr-go/zmap"
)

// Metadata keys stored next to an array's or group's chunks.
const (
	ArrayMetaKey = ".zarray"
	GroupMetaKey = ".zgroup"
	AttrsMetaKey = ".zattrs"
)

// CompressorConfig represents the Zarr compressor metadata.
type CompressorConfig struct {
	ID      string `json:"id"`
	Cname   string `json:"cname,omitempty"`
	Clevel  int    `json:"clevel,omitempty"`
	Shuffle int    `json:"shuffle,omitempty"`
}

// Metadata represents the Zarr V2 .zarray metadata.
type Metadata struct {
	ZarrFormat         int                `json:"zarr_format"`
	Shape              []int              `json:"shape"`
	Chunks             []int              `json:"chunks"`
	DType              string             `json:"dtype"`
	Compressor         *CompressorConfig  `json:"compressor"`
	FillValue          interface{}        `json:"fill_value"`
	Order              string             `json:"order"`
	Filters            []CompressorConfig `json:"filters"`
	DimensionSeparator string             `json:"dimension_separator,omitempty"`
}

// LoadMetadata decodes .zarray content. Numbers in fill_value are kept as
// json.Number so 64-bit integers survive.
func LoadMetadata(reader io.Reader) (*Metadata, error) {
	var meta Metadata
	dec := json.NewDecoder(reader)
	dec.UseNumber()
	if err := dec.Decode(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}

	if meta.ZarrFormat != 2 {
		return nil, fmt.Errorf("unsupported zarr_format: %d, expected 2", meta.ZarrFormat)
	}

	return &meta, nil
}

// Marshal encodes the metadata as .zarray content.
func (m *Metadata) Marshal() ([]byte, error) {
	out := *m
	if out.Order == "" {
		out.Order = "C"
	}
	if out.Shape == nil {
		out.Shape = []int{}
	}
	if out.Chunks == nil {
		out.Chunks = []int{}
	}
	return json.MarshalIndent(&out, "", "    ")
}

// Separator returns the chunk key separator.
func (m *Metadata) Separator() string {
	if m.DimensionSeparator == "" {
		return "."
	}
	return m.DimensionSeparator
}

// Validate checks that the metadata describes an array this package can
// read and write. Compressors and filters are rejected with
// zmap.ErrUnsupported: chunks are stored as raw dense blocks.
func (m *Metadata) Validate() error {
	if m.ZarrFormat != 2 {
		return fmt.Errorf("%w: zarr_format %d", zmap.ErrInvalidArgument, m.ZarrFormat)
	}
	if len(m.Shape) != len(m.Chunks) {
		return fmt.Errorf("%w: shape has rank %d, chunks rank %d", zmap.ErrInvalidArgument, len(m.Shape), len(m.Chunks))
	}
	for d := range m.Shape {
		if m.Shape[d] < 0 {
			return fmt.Errorf("%w: negative length %d in dimension %d", zmap.ErrInvalidArgument, m.Shape[d], d)
		}
		if m.Chunks[d] < 1 {
			return fmt.Errorf("%w: chunk length %d in dimension %d", zmap.ErrInvalidArgument, m.Chunks[d], d)
		}
	}
	dt, err := ParseDType(m.DType)
	if err != nil {
		return fmt.Errorf("%w: %v", zmap.ErrInvalidArgument, err)
	}
	if _, err := FillBytes(dt, m.FillValue); err != nil {
		return fmt.Errorf("%w: %v", zmap.ErrInvalidArgument, err)
	}
	if m.Compressor != nil {
		return fmt.Errorf("%w: compressor %q", zmap.ErrUnsupported, m.Compressor.ID)
	}
	if len(m.Filters) > 0 {
		return fmt.Errorf("%w: filter %q", zmap.ErrUnsupported, m.Filters[0].ID)
	}
	switch m.Order {
	case "", "C":
	default:
		return fmt.Errorf("%w: order %q", zmap.ErrUnsupported, m.Order)
	}
	switch m.DimensionSeparator {
	case "", ".", "/":
	default:
		return fmt.Errorf("%w: dimension_separator %q", zmap.ErrInvalidArgument, m.DimensionSeparator)
	}
	return nil
}

// DType is a parsed numpy-style type string.
type DType struct {
	// Name is a simplified name such as "float32" or "bool".
	Name string
	// Kind is the numpy kind character.
	Kind byte
	// Size is the element size in bytes.
	Size int
	// Order is the stored byte order, nil for byte-order-free types.
	Order binary.ByteOrder
}

// WordSize returns the unit reversed when converting between byte orders.
// Complex numbers swap each component; strings and raw bytes never swap.
func (t DType) WordSize() int {
	switch t.Kind {
	case 'c':
		return t.Size / 2
	case 'S', 'V', 'b':
		return 1
	}
	return t.Size
}

// ParseDType takes a numpy-style string like "<f4", ">i8", "|b1" or
// "<M8[ns]" and returns its parsed form.
func ParseDType(s string) (DType, error) {
	if len(s) < 3 {
		return DType{}, fmt.Errorf("invalid dtype: %s", s)
	}

	var order binary.ByteOrder
	switch s[0] {
	case '<':
		order = binary.LittleEndian
	case '>':
		order = binary.BigEndian
	case '|':
	default:
		return DType{}, fmt.Errorf("invalid byte order in dtype: %s", s)
	}

	kind := s[1]
	sizeStr := s[2:]
	if kind == 'm' || kind == 'M' {
		if i := strings.IndexByte(sizeStr, '['); i > 0 && strings.HasSuffix(sizeStr, "]") {
			sizeStr = sizeStr[:i]
		}
	}

	size, err := strconv.Atoi(sizeStr)
	if err != nil || size < 1 {
		return DType{}, fmt.Errorf("invalid size in dtype: %s", s)
	}

	t := DType{Kind: kind, Size: size, Order: order}
	switch kind {
	case 'b':
		t.Name = "bool"
	case 'i':
		t.Name = fmt.Sprintf("int%d", size*8)
	case 'u':
		t.Name = fmt.Sprintf("uint%d", size*8)
	case 'f':
		t.Name = fmt.Sprintf("float%d", size*8)
	case 'c':
		t.Name = fmt.Sprintf("complex%d", size*8)
	case 'm':
		t.Name = "timedelta64"
	case 'M':
		t.Name = "datetime64"
	case 'S':
		t.Name = fmt.Sprintf("bytes%d", size)
	case 'V':
		t.Name = fmt.Sprintf("void%d", size)
	default:
		return DType{}, fmt.Errorf("unsupported dtype kind: %c in %s", kind, s)
	}

	switch kind {
	case 'i', 'u', 'm', 'M':
		if size != 1 && size != 2 && size != 4 && size != 8 {
			return DType{}, fmt.Errorf("unsupported integer size in dtype: %s", s)
		}
	case 'f':
		if size != 4 && size != 8 {
			return DType{}, fmt.Errorf("unsupported float size in dtype: %s", s)
		}
	case 'c':
		if size != 8 && size != 16 {
			return DType{}, fmt.Errorf("unsupported complex size in dtype: %s", s)
		}
	case 'b':
		if size != 1 {
			return DType{}, fmt.Errorf("unsupported bool size in dtype: %s", s)
		}
	}
	if order == nil {
		switch kind {
		case 'b', 'S', 'V':
		default:
			if size > 1 {
				return DType{}, fmt.Errorf("dtype %s needs a byte order", s)
			}
		}
	}
	return t, nil
}

// FillBytes encodes fill_value as one element in the dtype's stored byte
// order. A null fill value yields nil.
func FillBytes(t DType, fill interface{}) ([]byte, error) {
	if fill == nil {
		return nil, nil
	}
	order := t.Order
	if order == nil {
		order = binary.LittleEndian
	}
	buf := make([]byte, t.Size)

	switch t.Kind {
	case 'b':
		v, ok := fill.(bool)
		if !ok {
			n, err := fillInt(fill)
			if err != nil {
				return nil, err
			}
			v = n != 0
		}
		if v {
			buf[0] = 1
		}
	case 'i', 'm', 'M':
		v, err := fillInt(fill)
		if err != nil {
			return nil, err
		}
		if bits := uint(t.Size * 8); bits < 64 && (v < -1<<(bits-1) || v >= 1<<(bits-1)) {
			return nil, fmt.Errorf("fill value %d out of range for %s", v, t.Name)
		}
		putUint(order, buf, uint64(v))
	case 'u':
		v, err := fillUint(fill)
		if err != nil {
			return nil, err
		}
		if bits := uint(t.Size * 8); bits < 64 && v >= 1<<bits {
			return nil, fmt.Errorf("fill value %d out of range for %s", v, t.Name)
		}
		putUint(order, buf, v)
	case 'f':
		v, err := fillFloat(fill)
		if err != nil {
			return nil, err
		}
		putFloat(order, buf, v)
	case 'c':
		parts, ok := fill.([]interface{})
		if !ok || len(parts) != 2 {
			return nil, fmt.Errorf("complex fill value must be [real, imag], got %v", fill)
		}
		half := t.Size / 2
		for i, p := range parts {
			v, err := fillFloat(p)
			if err != nil {
				return nil, err
			}
			putFloat(order, buf[i*half:(i+1)*half], v)
		}
	case 'S', 'V':
		s, ok := fill.(string)
		if !ok {
			return nil, fmt.Errorf("%s fill value must be base64 text, got %v", t.Name, fill)
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid %s fill value: %w", t.Name, err)
		}
		copy(buf, raw)
	default:
		return nil, fmt.Errorf("no fill value encoding for %s", t.Name)
	}

	if bytes.Count(buf, []byte{0}) == len(buf) {
		return nil, nil
	}
	return buf, nil
}

func putUint(order binary.ByteOrder, b []byte, v uint64) {
	switch len(b) {
	case 1:
		b[0] = byte(v)
	case 2:
		order.PutUint16(b, uint16(v))
	case 4:
		order.PutUint32(b, uint32(v))
	case 8:
		order.PutUint64(b, v)
	}
}

func putFloat(order binary.ByteOrder, b []byte, v float64) {
	if len(b) == 4 {
		order.PutUint32(b, math.Float32bits(float32(v)))
		return
	}
	order.PutUint64(b, math.Float64bits(v))
}

func fillFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Float64()
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case string:
		switch x {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
	}
	return 0, fmt.Errorf("invalid float fill value %v", v)
}

func fillInt(v interface{}) (int64, error) {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		f, err := x.Float64()
		if err != nil || f != math.Trunc(f) {
			return 0, fmt.Errorf("invalid integer fill value %v", v)
		}
		return int64(f), nil
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		if x == math.Trunc(x) {
			return int64(x), nil
		}
	}
	return 0, fmt.Errorf("invalid integer fill value %v", v)
}

func fillUint(v interface{}) (uint64, error) {
	switch x := v.(type) {
	case json.Number:
		n, err := strconv.ParseUint(x.String(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid unsigned fill value %v", v)
		}
		return n, nil
	case uint64:
		return x, nil
	}
	n, err := fillInt(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid unsigned fill value %v", v)
	}
	return uint64(n), nil
}
