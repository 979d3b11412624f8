package agg

import (
	"math"
	"strconv"
	"strings"

	"github.com/npillmayer/poolvm"
	"github.com/npillmayer/poolvm/poly"
	"github.com/npillmayer/poolvm/pool"
)

// Len returns the length of a sequence or text.
func Len(p *pool.Pool, v poly.Value) (int, error) {
	switch {
	case v.Is(poly.TagSequence):
		return SeqLen(p, v), nil
	case v.Is(poly.TagText):
		return TextLen(p, v), nil
	}
	return 0, poolvm.Errorf(poolvm.TypeError, "%s has no length", typeName(p, v))
}

// Truthy returns the truth value of v. Zero, Null and empty aggregates are
// false, everything else is true.
func Truthy(p *pool.Pool, v poly.Value) bool {
	switch {
	case v.IsNull(), v.IsGlobal():
		return false
	case v.Is(poly.TagSequence):
		return SeqLen(p, v) > 0
	case v.Is(poly.TagText):
		return TextLen(p, v) > 0
	case v.IsRef():
		return true
	}
	return v.Float() != 0
}

// Equal compares two values for equality. Numbers compare numerically (NaN
// is not equal to anything), texts by content and sequences element-wise.
// Lists never equal tuples. Sequences nested deeper than maxDepth, which
// includes cyclic ones, cannot be compared.
func Equal(p *pool.Pool, a, b poly.Value) (bool, error) {
	return equal(p, a, b, 0)
}

func equal(p *pool.Pool, a, b poly.Value, depth int) (bool, error) {
	if a.IsNumber() && b.IsNumber() {
		return a.Float() == b.Float(), nil
	}
	if a == b {
		return true, nil
	}
	if !a.IsRef() || !b.IsRef() || a.Tag() != b.Tag() {
		return false, nil
	}
	switch a.Tag() {
	case poly.TagText:
		return textEqual(p, a, b), nil
	case poly.TagSequence:
		if IsReadOnly(p, a) != IsReadOnly(p, b) {
			return false, nil
		}
		n := SeqLen(p, a)
		if n != SeqLen(p, b) {
			return false, nil
		}
		if depth >= maxDepth {
			return false, errTooDeep()
		}
		for i := 0; i < n; i++ {
			eq, err := equal(p, SeqAt(p, a, i), SeqAt(p, b, i), depth+1)
			if err != nil || !eq {
				return false, err
			}
		}
		return true, nil
	}
	return false, nil
}

func errTooDeep() error {
	return poolvm.Errorf(poolvm.TypeError, "sequences nested deeper than %d levels cannot be compared",
		maxDepth)
}

// Compare orders two values of the same type. Numbers compare numerically,
// texts by bytes and sequences lexicographically. Returns -1, 0 or +1.
// Comparisons involving NaN report 0; callers testing for order have to
// check for NaN themselves.
func Compare(p *pool.Pool, a, b poly.Value) (int, error) {
	return compare(p, a, b, 0)
}

func compare(p *pool.Pool, a, b poly.Value, depth int) (int, error) {
	switch {
	case a.IsNumber() && b.IsNumber():
		x, y := a.Float(), b.Float()
		if x < y {
			return -1, nil
		} else if x > y {
			return 1, nil
		}
		return 0, nil
	case a.Is(poly.TagText) && b.Is(poly.TagText):
		return textCompare(p, a, b), nil
	case a.Is(poly.TagSequence) && b.Is(poly.TagSequence):
		la, lb := SeqLen(p, a), SeqLen(p, b)
		if depth >= maxDepth && la > 0 && lb > 0 {
			return 0, errTooDeep()
		}
		for i := 0; i < la && i < lb; i++ {
			c, err := compare(p, SeqAt(p, a, i), SeqAt(p, b, i), depth+1)
			if err != nil || c != 0 {
				return c, err
			}
		}
		switch {
		case la < lb:
			return -1, nil
		case la > lb:
			return 1, nil
		}
		return 0, nil
	}
	return 0, poolvm.Errorf(poolvm.TypeError, "cannot compare %s and %s",
		typeName(p, a), typeName(p, b))
}

// Contains is the membership test: is item an element of a sequence, or a
// sub-text of a text?
func Contains(p *pool.Pool, container, item poly.Value) (bool, error) {
	switch {
	case container.Is(poly.TagSequence):
		for i, n := 0, SeqLen(p, container); i < n; i++ {
			if eq, err := Equal(p, SeqAt(p, container, i), item); err != nil || eq {
				return eq, err
			}
		}
		return false, nil
	case container.Is(poly.TagText):
		if !item.Is(poly.TagText) {
			return false, poolvm.Errorf(poolvm.TypeError, "text membership requires text, not %s",
				typeName(p, item))
		}
		return textContains(p, container, item), nil
	}
	return false, poolvm.Errorf(poolvm.TypeError, "%s is not a container", typeName(p, container))
}

// Get indexes into a sequence or text. Negative indices count from the end.
func Get(p *pool.Pool, v poly.Value, index poly.Value) (poly.Value, error) {
	if !index.IsNumber() {
		return poly.Null, poolvm.Errorf(poolvm.TypeError, "index must be a number")
	}
	n, err := Len(p, v)
	if err != nil {
		return poly.Null, err
	}
	i, err := Index(int(index.Float()), n)
	if err != nil {
		return poly.Null, err
	}
	if v.Is(poly.TagText) {
		return TextAt(p, v, i)
	}
	return SeqAt(p, v, i), nil
}

// Set stores into an element of a list.
func Set(p *pool.Pool, v poly.Value, index poly.Value, x poly.Value) error {
	if !v.Is(poly.TagSequence) {
		return poolvm.Errorf(poolvm.TypeError, "%s does not support item assignment", typeName(p, v))
	}
	if !index.IsNumber() {
		return poolvm.Errorf(poolvm.TypeError, "index must be a number")
	}
	i, err := Index(int(index.Float()), SeqLen(p, v))
	if err != nil {
		return err
	}
	return SeqSet(p, v, i, x)
}

// Slice slices a sequence or text.
func Slice(p *pool.Pool, v poly.Value, spec SliceSpec) (poly.Value, error) {
	switch {
	case v.Is(poly.TagSequence):
		return SliceSeq(p, v, spec)
	case v.Is(poly.TagText):
		return SliceText(p, v, spec)
	}
	return poly.Null, poolvm.Errorf(poolvm.TypeError, "%s cannot be sliced", typeName(p, v))
}

// --- Formatting ------------------------------------------------------------

// maxDepth limits formatting of nested sequences, which may be cyclic.
const maxDepth = 16

// Format returns the printed representation of a value. Texts are quoted.
func Format(p *pool.Pool, v poly.Value) string {
	var b strings.Builder
	format(p, &b, v, true, 0)
	return b.String()
}

// Str returns the printed form of a value as used for output: texts are not
// quoted, everything else is formatted as by Format.
func Str(p *pool.Pool, v poly.Value) string {
	if v.Is(poly.TagText) {
		return TextString(p, v)
	}
	return Format(p, v)
}

// FormatNumber formats a number. Integral numbers print without a fraction.
func FormatNumber(f float32) string {
	switch {
	case f != f:
		return "nan"
	case math.IsInf(float64(f), 1):
		return "inf"
	case math.IsInf(float64(f), -1):
		return "-inf"
	case f > -1<<24 && f < 1<<24 && f == float32(int32(f)):
		return strconv.Itoa(int(f))
	}
	return strconv.FormatFloat(float64(f), 'g', -1, 32)
}

func format(p *pool.Pool, b *strings.Builder, v poly.Value, quote bool, depth int) {
	switch {
	case v.IsNull():
		b.WriteString("None")
	case v.IsGlobal():
		b.WriteString("<global>")
	case v.IsNumber():
		b.WriteString(FormatNumber(v.Float()))
	case v.Is(poly.TagText):
		if quote {
			b.WriteString(strconv.Quote(TextString(p, v)))
		} else {
			b.WriteString(TextString(p, v))
		}
	case v.Is(poly.TagSequence):
		if depth >= maxDepth {
			b.WriteString("...")
			return
		}
		ro := IsReadOnly(p, v)
		lbrack, rbrack := "[", "]"
		if ro {
			lbrack, rbrack = "(", ")"
		}
		b.WriteString(lbrack)
		n := SeqLen(p, v)
		for i := 0; i < n; i++ {
			if i > 0 {
				b.WriteString(", ")
			}
			format(p, b, SeqAt(p, v, i), true, depth+1)
		}
		if ro && n == 1 {
			b.WriteByte(',')
		}
		b.WriteString(rbrack)
	case v.Is(poly.TagFunction):
		b.WriteString("<function>")
	case v.Is(poly.TagBuiltin):
		b.WriteString("<builtin #" + strconv.Itoa(v.BuiltinID()) + ">")
	}
}

func typeName(p *pool.Pool, v poly.Value) string {
	switch {
	case v.IsNull():
		return "None"
	case v.Is(poly.TagSequence):
		if IsReadOnly(p, v) {
			return "tuple"
		}
		return "list"
	}
	return poly.TypeOf(v).String()
}

// TypeName returns the user visible type name of a value.
func TypeName(p *pool.Pool, v poly.Value) string {
	return typeName(p, v)
}
