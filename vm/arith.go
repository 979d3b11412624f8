package vm

import (
	"math"

	"github.com/npillmayer/poolvm"
	"github.com/npillmayer/poolvm/agg"
	"github.com/npillmayer/poolvm/code"
	"github.com/npillmayer/poolvm/poly"
	"github.com/npillmayer/poolvm/pool"
)

// Numbers are single precision floats. Integer operations (bitwise
// operators and shifts) truncate their operands to 32-bit integers, with
// wrap-around.

// binary applies a binary operator to x and y. Texts and sequences support
// concatenation and repetition.
func (vm *VM) binary(op code.Op, x, y poly.Value) (poly.Value, error) {
	p := vm.pool
	if x.IsNumber() && y.IsNumber() {
		return arith(op, x.Float(), y.Float())
	}
	switch op {
	case code.Plus:
		switch {
		case x.Is(poly.TagText) && y.Is(poly.TagText):
			return agg.TextCat(p, x, y)
		case x.Is(poly.TagSequence) && y.Is(poly.TagSequence):
			return agg.Plus(p, x, y)
		}
	case code.Times:
		if y.IsNumber() {
			x, y = y, x
		}
		if x.IsNumber() && (y.Is(poly.TagText) || y.Is(poly.TagSequence)) {
			count, err := repeatCount(x.Float())
			if err != nil {
				return poly.Null, err
			}
			if y.Is(poly.TagText) {
				return agg.TextTimes(p, y, count)
			}
			return agg.Times(p, y, count)
		}
	}
	return poly.Null, poolvm.Errorf(poolvm.TypeError, "unsupported operand types for %s: %s and %s",
		op, agg.TypeName(p, x), agg.TypeName(p, y))
}

// repeatCount converts the count of a repetition to an integer. Counts beyond
// the largest pool are clamped, as no repetition of them fits anyway.
func repeatCount(f float32) (int, error) {
	switch {
	case math.IsNaN(float64(f)):
		return 0, poolvm.Errorf(poolvm.TypeError, "repetition count is not a number")
	case f <= 0:
		return 0, nil
	case f >= float32(pool.MaxSize):
		return pool.MaxSize, nil
	}
	return int(f), nil
}

// binaryInPlace is binary for compound assignments. Adding a sequence to a
// list extends the list.
func (vm *VM) binaryInPlace(op code.Op, x, y poly.Value) (poly.Value, error) {
	p := vm.pool
	if op == code.Plus && x.Is(poly.TagSequence) && !agg.IsReadOnly(p, x) && y.Is(poly.TagSequence) {
		return agg.Append(p, x, y)
	}
	return vm.binary(op, x, y)
}

func arith(op code.Op, x, y float32) (poly.Value, error) {
	switch op {
	case code.Plus:
		return poly.FromFloat(x + y), nil
	case code.Minus:
		return poly.FromFloat(x - y), nil
	case code.Times:
		return poly.FromFloat(x * y), nil
	case code.Divide:
		return poly.FromFloat(x / y), nil
	case code.Div:
		return poly.FromFloat(float32(math.Floor(float64(x) / float64(y)))), nil
	case code.Mod:
		return poly.FromFloat(float32(floorMod(float64(x), float64(y)))), nil
	case code.Pow:
		return poly.FromFloat(float32(math.Pow(float64(x), float64(y)))), nil
	}
	a, b := wrap(x), wrap(y)
	switch op {
	case code.Land:
		return poly.FromInt(int(a & b)), nil
	case code.Lor:
		return poly.FromInt(int(a | b)), nil
	case code.Lxor:
		return poly.FromInt(int(a ^ b)), nil
	case code.Lshift:
		return poly.FromInt(int(a << (uint32(b) & 31))), nil
	case code.Rshift:
		return poly.FromInt(int(a >> (uint32(b) & 31))), nil
	}
	poolvm.Panic("%s is not an arithmetic operator", op)
	return poly.Null, nil
}

// floorMod is the modulo with the sign of the divisor.
func floorMod(x, y float64) float64 {
	r := math.Mod(x, y)
	if r != 0 && (r < 0) != (y < 0) {
		r += y
	}
	return r
}

// wrap truncates a number to a 32-bit integer, wrapping around.
func wrap(f float32) int32 {
	x := float64(f)
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	x = math.Mod(math.Trunc(x), 1<<32)
	if x < 0 {
		x += 1 << 32
	}
	return int32(uint32(x))
}

func toInt32(p *pool.Pool, v poly.Value) (int32, error) {
	if !v.IsNumber() {
		return 0, poolvm.Errorf(poolvm.TypeError, "bad operand type for ~: %s", agg.TypeName(p, v))
	}
	return wrap(v.Float()), nil
}

// compare implements the comparison operators. Numbers compare with IEEE
// semantics, i.e. NaN is unordered and unequal to everything.
func (vm *VM) compare(op code.Op, x, y poly.Value) (bool, error) {
	p := vm.pool
	if x.IsNumber() && y.IsNumber() {
		a, b := x.Float(), y.Float()
		switch op {
		case code.Eq:
			return a == b, nil
		case code.Ne:
			return a != b, nil
		case code.Gt:
			return a > b, nil
		case code.Lt:
			return a < b, nil
		case code.Ge:
			return a >= b, nil
		case code.Le:
			return a <= b, nil
		}
	}
	switch op {
	case code.Eq:
		return agg.Equal(p, x, y)
	case code.Ne:
		eq, err := agg.Equal(p, x, y)
		return !eq, err
	}
	c, err := agg.Compare(p, x, y)
	if err != nil {
		return false, err
	}
	switch op {
	case code.Gt:
		return c > 0, nil
	case code.Lt:
		return c < 0, nil
	case code.Ge:
		return c >= 0, nil
	}
	return c <= 0, nil
}

// identical is the identity test. Numbers are identical if they are equal,
// everything else if it is the same object.
func identical(x, y poly.Value) bool {
	if x.IsNumber() && y.IsNumber() {
		return x.Float() == y.Float()
	}
	return x == y
}
