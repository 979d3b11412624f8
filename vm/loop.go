package vm

import (
	"math"

	"github.com/npillmayer/poolvm"
	"github.com/npillmayer/poolvm/agg"
	"github.com/npillmayer/poolvm/poly"
	"github.com/npillmayer/poolvm/pool"
)

// Loop records are kept in two singly linked lists, one for range loops and
// one for enumerations. Both kinds of records start with offset-sized fields
// for the link and the loop variable:
//
//     range:      prev | id | current | limit | step
//     enumerate:  prev | id | index | target
//
// current, limit, step and target are 4-byte values.
const (
	loopPrev = iota
	loopID
	loopFields
)

type rangeKind struct{}

func rangeField(p *pool.Pool, r pool.Offset, i int) pool.Offset {
	return r + pool.Offset(loopFields*p.W()+4*i)
}

const (
	rangeCurrent = iota
	rangeLimit
	rangeStep
)

func (rangeKind) Size(p *pool.Pool, at pool.Offset) int {
	return loopFields*p.W() + 12
}

func (rangeKind) Mark(p *pool.Pool, at pool.Offset) {
	p.MarkOffset(pool.KindRange, p.Word(p.Field(at, loopPrev)))
}

func (rangeKind) Move(p *pool.Pool, at pool.Offset) {
	p.MoveWord(p.Field(at, loopPrev))
}

type enumKind struct{}

func enumIndex(p *pool.Pool, e pool.Offset) pool.Offset {
	return p.Field(e, loopFields)
}

func enumTarget(p *pool.Pool, e pool.Offset) pool.Offset {
	return p.Field(e, loopFields+1)
}

func (enumKind) Size(p *pool.Pool, at pool.Offset) int {
	return (loopFields+1)*p.W() + 4
}

func (enumKind) Mark(p *pool.Pool, at pool.Offset) {
	p.MarkOffset(pool.KindEnum, p.Word(p.Field(at, loopPrev)))
	p.MarkValue(p.Value(enumTarget(p, at)))
}

func (enumKind) Move(p *pool.Pool, at pool.Offset) {
	p.MoveWord(p.Field(at, loopPrev))
	p.MoveValueAt(enumTarget(p, at))
}

// rangeStart sets up a range loop over identifier id. The nargs arguments
// are on the stack: limit; start and limit; or start, limit and step.
func (vm *VM) rangeStart(id poolvm.ID, nargs int) error {
	args := make([]float32, nargs)
	for i := range args {
		v := vm.peek(nargs - 1 - i)
		if !v.IsNumber() {
			return poolvm.Errorf(poolvm.TypeError, "range arguments must be numbers, not %s",
				agg.TypeName(vm.pool, v))
		}
		args[i] = v.Float()
		if f := float64(args[i]); math.IsNaN(f) || math.IsInf(f, 0) {
			return poolvm.Errorf(poolvm.TypeError, "range arguments must be finite, not %g", f)
		}
	}
	var start, limit, step float32 = 0, 0, 1
	switch nargs {
	case 1:
		limit = args[0]
	case 2:
		start, limit = args[0], args[1]
	case 3:
		start, limit, step = args[0], args[1], args[2]
	default:
		return poolvm.Errorf(poolvm.ArityError, "range expects 1 to 3 arguments, got %d", nargs)
	}
	if step == 0 {
		return poolvm.Errorf(poolvm.TypeError, "range step must not be zero")
	}
	p := vm.pool
	r, err := p.Alloc(loopFields*p.W() + 12)
	if err != nil {
		return err
	}
	vm.drop(nargs)
	p.SetWord(p.Field(r, loopPrev), vm.ranges)
	p.SetInt(p.Field(r, loopID), int(id))
	p.SetFloat(rangeField(p, r, rangeCurrent), start)
	p.SetFloat(rangeField(p, r, rangeLimit), limit)
	p.SetFloat(rangeField(p, r, rangeStep), step)
	vm.ranges = r
	tracer().Debugf("range %s from %g to %g step %g", vm.name(id), start, limit, step)
	return nil
}

// rangeStep binds the loop variable of the innermost range loop to the next
// value, or ends the loop by unlinking its record and jumping to target.
func (vm *VM) rangeStep(target int) error {
	p := vm.pool
	r := vm.ranges
	if r == pool.None {
		poolvm.Panic("range step without active range loop")
	}
	cur := p.Float(rangeField(p, r, rangeCurrent))
	limit := p.Float(rangeField(p, r, rangeLimit))
	step := p.Float(rangeField(p, r, rangeStep))
	if (step > 0 && cur >= limit) || (step < 0 && cur <= limit) {
		vm.ranges = p.Word(p.Field(r, loopPrev))
		vm.ip = target
		return nil
	}
	if cur+step == cur {
		return poolvm.Errorf(poolvm.TypeError, "range stalls at %g, step %g is below precision", cur, step)
	}
	p.SetFloat(rangeField(p, r, rangeCurrent), cur+step)
	id := poolvm.ID(p.Word(p.Field(r, loopID)))
	return vm.bind(id, poly.FromFloat(cur))
}

// inStart sets up an enumeration of the accumulator over identifier id.
func (vm *VM) inStart(id poolvm.ID) error {
	p := vm.pool
	if !vm.a.Is(poly.TagSequence) && !vm.a.Is(poly.TagText) {
		return poolvm.Errorf(poolvm.TypeError, "%s is not iterable", agg.TypeName(p, vm.a))
	}
	e, err := p.Alloc((loopFields+1)*p.W() + 4) // accumulator is a root
	if err != nil {
		return err
	}
	p.SetWord(p.Field(e, loopPrev), vm.ins)
	p.SetInt(p.Field(e, loopID), int(id))
	p.SetInt(enumIndex(p, e), 0)
	p.SetValue(enumTarget(p, e), vm.a)
	vm.ins = e
	return nil
}

// inStep binds the loop variable of the innermost enumeration to the next
// element, or ends the loop by unlinking its record and jumping to target.
func (vm *VM) inStep(target int) error {
	p := vm.pool
	e := vm.ins
	if e == pool.None {
		poolvm.Panic("enumerate step without active enumeration")
	}
	t := p.Value(enumTarget(p, e))
	i := p.Int(enumIndex(p, e))
	n, err := agg.Len(p, t)
	if err != nil {
		return err
	}
	if i >= n {
		vm.ins = p.Word(p.Field(e, loopPrev))
		vm.ip = target
		return nil
	}
	p.SetInt(enumIndex(p, e), i+1)
	x, err := agg.Get(p, t, poly.FromInt(i)) // may allocate; t is rooted by the record
	if err != nil {
		return err
	}
	e = vm.ins
	return vm.bind(poolvm.ID(p.Word(p.Field(e, loopID))), x)
}
