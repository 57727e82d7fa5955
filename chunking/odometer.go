package chunking

// Odometer enumerates the cross product of per-dimension index ranges in
// row-major order, the last dimension varying fastest.
//
// A rank-0 odometer visits exactly one (empty) position.
type Odometer struct {
	rank   int
	start  []int
	stop   []int
	stride []int
	max    []int
	index  []int
	done   bool
}

// NewOdometer builds an odometer over [start[d], stop[d]) stepping by
// stride[d]. max[d] is the radix used by Offset; it may be nil when Offset
// is not needed.
func NewOdometer(start, stop, stride, max []int) *Odometer {
	rank := len(start)
	o := &Odometer{
		rank:   rank,
		start:  append([]int(nil), start...),
		stop:   append([]int(nil), stop...),
		stride: append([]int(nil), stride...),
		index:  make([]int, rank),
	}
	if max != nil {
		o.max = append([]int(nil), max...)
	} else {
		o.max = append([]int(nil), stop...)
	}
	o.Reset()
	return o
}

// NewSliceOdometer builds an odometer from slices, taking Len as each
// dimension's radix.
func NewSliceOdometer(slices []Slice) *Odometer {
	rank := len(slices)
	start := make([]int, rank)
	stop := make([]int, rank)
	stride := make([]int, rank)
	max := make([]int, rank)
	for d, s := range slices {
		start[d] = s.Start
		stop[d] = s.Stop
		stride[d] = s.Stride
		max[d] = s.Len
	}
	return NewOdometer(start, stop, stride, max)
}

// NewRangeOdometer builds a unit-stride odometer over chunk ranges.
func NewRangeOdometer(ranges []ChunkRange) *Odometer {
	rank := len(ranges)
	start := make([]int, rank)
	stop := make([]int, rank)
	stride := make([]int, rank)
	for d, r := range ranges {
		start[d] = r.Start
		stop[d] = r.Stop
		stride[d] = 1
	}
	return NewOdometer(start, stop, stride, nil)
}

// Rank returns the number of dimensions.
func (o *Odometer) Rank() int { return o.rank }

// Reset moves the odometer back to its first position.
func (o *Odometer) Reset() {
	copy(o.index, o.start)
	o.done = false
	for d := 0; d < o.rank; d++ {
		if o.start[d] >= o.stop[d] {
			o.done = true
		}
	}
}

// More reports whether the current position is valid.
func (o *Odometer) More() bool {
	if o.rank == 0 {
		return !o.done
	}
	return !o.done && o.index[0] < o.stop[0]
}

// Next advances to the following position. Once the most significant
// dimension overflows it is left at or beyond its stop, which ends the
// iteration.
func (o *Odometer) Next() {
	if o.rank == 0 {
		o.done = true
		return
	}
	for d := o.rank - 1; d >= 0; d-- {
		o.index[d] += o.stride[d]
		if o.index[d] < o.stop[d] {
			return
		}
		if d == 0 {
			return
		}
		o.index[d] = o.start[d]
	}
}

// Indices returns the current position. The slice is owned by the
// odometer and changes on Next.
func (o *Odometer) Indices() []int { return o.index }

// Offset returns the row-major linear offset of the current position using
// the odometer's radix.
func (o *Odometer) Offset() int {
	offset := 0
	for d := 0; d < o.rank; d++ {
		offset = offset*o.max[d] + o.index[d]
	}
	return offset
}

// Positions returns how many positions the odometer visits from Reset.
func (o *Odometer) Positions() int {
	n := 1
	for d := 0; d < o.rank; d++ {
		if o.stop[d] <= o.start[d] {
			return 0
		}
		n *= CeilDiv(o.stop[d]-o.start[d], o.stride[d])
	}
	return n
}
