package agg

import (
	"math"

	"github.com/npillmayer/poolvm"
)

// SliceDefault marks a slice component which has been left out, as in
// s[:3] or s[::2].
const SliceDefault = math.MaxInt32

// SliceSpec describes a slice of an aggregate of length Len. After Canon,
// the selected positions are Start, Start+Stride, … (Count positions).
type SliceSpec struct {
	Start, End, Stride int
	Len                int
	Count              int
}

// NewSlice creates a slice spec with all components set to SliceDefault.
func NewSlice() SliceSpec {
	return SliceSpec{Start: SliceDefault, End: SliceDefault, Stride: SliceDefault}
}

// Canon normalizes a slice spec against its length. Negative positions count
// from the end; positions out of range are clamped. A stride of zero is an
// error.
func (s *SliceSpec) Canon() error {
	if s.Stride == SliceDefault {
		s.Stride = 1
	}
	if s.Stride == 0 {
		return poolvm.Errorf(poolvm.TypeError, "slice stride must not be zero")
	}
	if s.Stride > 0 {
		s.Start = clamp(position(s.Start, 0, s.Len), 0, s.Len)
		s.End = clamp(position(s.End, s.Len, s.Len), 0, s.Len)
		s.Count = 0
		if s.End > s.Start {
			s.Count = (s.End - s.Start + s.Stride - 1) / s.Stride
		}
		return nil
	}
	s.Start = clamp(position(s.Start, s.Len-1, s.Len), -1, s.Len-1)
	s.End = clamp(position(s.End, -1, s.Len), -1, s.Len-1)
	s.Count = 0
	if s.Start > s.End {
		s.Count = (s.Start - s.End - s.Stride - 1) / -s.Stride
	}
	return nil
}

// Identity is a predicate: does a canonical slice select every position, in
// order?
func (s *SliceSpec) Identity() bool {
	return s.Start == 0 && s.End == s.Len && s.Stride == 1
}

func position(x, def, length int) int {
	if x == SliceDefault {
		return def
	}
	if x < 0 {
		return x + length
	}
	return x
}

func clamp(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Index normalizes an index into an aggregate of length n. Negative indices
// count from the end.
func Index(i, n int) (int, error) {
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return 0, poolvm.Errorf(poolvm.TypeError, "index out of range")
	}
	return i, nil
}
