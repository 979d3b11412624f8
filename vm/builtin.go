package vm

import (
	"fmt"
	"math"
	"strings"

	"github.com/npillmayer/poolvm"
	"github.com/npillmayer/poolvm/agg"
	"github.com/npillmayer/poolvm/poly"
)

// Varargs is the NFormal of builtins accepting any number of positional and
// named arguments.
const Varargs = -1

// Builtin describes a function implemented in Go.
//
// Builtins with a fixed number of formals are called through Func, after the
// VM has checked the number of arguments. Builtins with NFormal == Varargs
// are called through FuncV and do their own checking. args is a view on the
// operand stack: arguments stay rooted during the call and references in
// args are relocated by collections. Named arguments follow the positional
// ones as (identifier, value) pairs.
type Builtin struct {
	Name    string
	NFormal int
	Func    func(vm *VM, args []poly.Value) (poly.Value, error)
	FuncV   func(vm *VM, npos, nnamed int, args []poly.Value) (poly.Value, error)
}

// Std is the standard table of builtins. Hosts have to intern the names of
// builtins in table order, so that builtin i gets identifier i+1.
var Std = []Builtin{
	{Name: "len", NFormal: 1, Func: builtinLen},
	{Name: "abs", NFormal: 1, Func: builtinAbs},
	{Name: "int", NFormal: 1, Func: builtinInt},
	{Name: "min", NFormal: Varargs, FuncV: builtinMin},
	{Name: "max", NFormal: Varargs, FuncV: builtinMax},
	{Name: "print", NFormal: Varargs, FuncV: builtinPrint},
	{Name: "list", NFormal: 1, Func: builtinList},
	{Name: "tuple", NFormal: 1, Func: builtinTuple},
}

// Builtins returns the VM's table of builtins.
func (vm *VM) Builtins() []Builtin {
	return vm.builtins
}

func (vm *VM) callBuiltin(base, id, npos, nnamed int) error {
	if id < 1 || id > len(vm.builtins) {
		return poolvm.Errorf(poolvm.TypeError, "no builtin #%d", id)
	}
	b := vm.builtins[id-1]
	args := vm.stack[base+1 : vm.sp]
	var r poly.Value
	var err error
	if b.NFormal == Varargs {
		r, err = b.FuncV(vm, npos, nnamed, args)
	} else {
		if nnamed > 0 {
			return poolvm.Errorf(poolvm.ArityError, "%s() takes no named arguments", b.Name)
		}
		if npos != b.NFormal {
			return poolvm.Errorf(poolvm.ArityError, "%s() takes %d arguments, %d given",
				b.Name, b.NFormal, npos)
		}
		r, err = b.Func(vm, args)
	}
	if err != nil {
		return err
	}
	vm.sp = base
	vm.a = r
	return nil
}

func builtinLen(vm *VM, args []poly.Value) (poly.Value, error) {
	n, err := agg.Len(vm.pool, args[0])
	if err != nil {
		return poly.Null, err
	}
	return poly.FromInt(n), nil
}

func numberArg(vm *VM, fn string, v poly.Value) (float32, error) {
	if !v.IsNumber() {
		return 0, poolvm.Errorf(poolvm.TypeError, "%s() expects a number, not %s",
			fn, agg.TypeName(vm.pool, v))
	}
	return v.Float(), nil
}

func builtinAbs(vm *VM, args []poly.Value) (poly.Value, error) {
	f, err := numberArg(vm, "abs", args[0])
	if err != nil {
		return poly.Null, err
	}
	return poly.FromFloat(float32(math.Abs(float64(f)))), nil
}

func builtinInt(vm *VM, args []poly.Value) (poly.Value, error) {
	f, err := numberArg(vm, "int", args[0])
	if err != nil {
		return poly.Null, err
	}
	return poly.FromFloat(float32(math.Trunc(float64(f)))), nil
}

// extremum implements min and max. A single sequence argument is searched
// element-wise.
func extremum(vm *VM, fn string, sign int, npos, nnamed int, args []poly.Value) (poly.Value, error) {
	p := vm.pool
	if nnamed > 0 {
		return poly.Null, poolvm.Errorf(poolvm.ArityError, "%s() takes no named arguments", fn)
	}
	cands := args[:npos]
	if npos == 1 && args[0].Is(poly.TagSequence) {
		cands = agg.Elements(p, args[0])
	}
	if len(cands) == 0 {
		return poly.Null, poolvm.Errorf(poolvm.ArityError, "%s() of empty sequence", fn)
	}
	best := cands[0]
	for _, c := range cands[1:] {
		cmp, err := agg.Compare(p, c, best)
		if err != nil {
			return poly.Null, err
		}
		if cmp*sign > 0 {
			best = c
		}
	}
	return best, nil
}

func builtinMin(vm *VM, npos, nnamed int, args []poly.Value) (poly.Value, error) {
	return extremum(vm, "min", -1, npos, nnamed, args)
}

func builtinMax(vm *VM, npos, nnamed int, args []poly.Value) (poly.Value, error) {
	return extremum(vm, "max", 1, npos, nnamed, args)
}

// builtinPrint writes its positional arguments, separated by sep and
// terminated by end.
func builtinPrint(vm *VM, npos, nnamed int, args []poly.Value) (poly.Value, error) {
	p := vm.pool
	sep, end := " ", "\n"
	for k := 0; k < nnamed; k++ {
		id, err := NamedID(args[npos+2*k])
		if err != nil {
			return poly.Null, err
		}
		v := args[npos+2*k+1]
		if !v.Is(poly.TagText) {
			return poly.Null, poolvm.Errorf(poolvm.TypeError, "print() separators must be texts")
		}
		switch vm.name(id) {
		case "sep":
			sep = agg.TextString(p, v)
		case "end":
			end = agg.TextString(p, v)
		default:
			return poly.Null, poolvm.Errorf(poolvm.ArityError, "unexpected named argument '%s'", vm.name(id))
		}
	}
	var b strings.Builder
	for i, v := range args[:npos] {
		if i > 0 {
			b.WriteString(sep)
		}
		b.WriteString(agg.Str(p, v))
	}
	b.WriteString(end)
	if _, err := fmt.Fprint(vm.out, b.String()); err != nil {
		return poly.Null, poolvm.Errorf(poolvm.InternalError, "print: %v", err)
	}
	return poly.Null, nil
}

// convert creates a list or tuple from the elements of a sequence or the
// characters of a text.
func convert(vm *VM, args []poly.Value, readonly bool) (poly.Value, error) {
	p := vm.pool
	n, err := agg.Len(p, args[0])
	if err != nil {
		return poly.Null, err
	}
	if readonly && agg.IsReadOnly(p, args[0]) {
		return args[0], nil
	}
	s, err := agg.MakeSequence(p, n, readonly)
	if err != nil {
		return poly.Null, err
	}
	for i := 0; i < n; i++ {
		p.StashValue(s)
		x, err := agg.Get(p, args[0], poly.FromInt(i))
		s = p.FetchValue()
		if err != nil {
			return poly.Null, err
		}
		agg.Init(p, s, i, x)
	}
	return s, nil
}

func builtinList(vm *VM, args []poly.Value) (poly.Value, error) {
	return convert(vm, args, false)
}

func builtinTuple(vm *VM, args []poly.Value) (poly.Value, error) {
	return convert(vm, args, true)
}
