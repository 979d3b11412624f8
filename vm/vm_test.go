package vm

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/npillmayer/poolvm"
	"github.com/npillmayer/poolvm/agg"
	"github.com/npillmayer/poolvm/code"
	"github.com/npillmayer/poolvm/poly"
	"github.com/npillmayer/poolvm/pool"
	"github.com/npillmayer/schuko/tracing/gotestingadapter"
)

const (
	idX poolvm.ID = 20 + iota
	idI
	idJ
	idR
	idF
	idA
	idB
	idRest
	idN
	idNope
	idSep
)

// builtin identifiers in table Std
const (
	idLen   poolvm.ID = 1
	idMax   poolvm.ID = 5
	idPrint poolvm.ID = 6
)

type testNames map[poolvm.ID]string

func (n testNames) Name(id poolvm.ID) string { return n[id] }

var names = testNames{
	idX: "x", idI: "i", idJ: "j", idR: "r", idF: "f", idA: "a", idB: "b",
	idRest: "rest", idN: "n", idNope: "nope", idSep: "sep",
}

func newVM(t *testing.T, size int, opts ...Option) (*VM, *pool.Pool) {
	p, err := pool.New(size)
	if err != nil {
		t.Fatal(err)
	}
	opts = append([]Option{WithNames(names)}, opts...)
	vm, err := New(p, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return vm, p
}

// emitter wraps a code builder for tests, failing the test on errors.
type emitter struct {
	t *testing.T
	p *pool.Pool
	b *code.Builder
}

func newEmitter(t *testing.T, vm *VM) *emitter {
	b, err := code.NewBuilder(vm.Pool())
	if err != nil {
		t.Fatal(err)
	}
	return &emitter{t: t, p: vm.Pool(), b: b}
}

func (e *emitter) check(pos int, err error) int {
	e.t.Helper()
	if err != nil {
		e.t.Fatal(err)
	}
	return pos
}

func (e *emitter) op(op code.Op) int { return e.check(e.b.AddOp(op)) }
func (e *emitter) id(op code.Op, id poolvm.ID) int { return e.check(e.b.AddOpID(op, id)) }
func (e *emitter) num(n int, push bool) int { return e.check(e.b.AddInt(n, push)) }
func (e *emitter) count(op code.Op, n int) int { return e.check(e.b.AddCount(op, n)) }
func (e *emitter) call(op code.Op, np, nn int) int { return e.check(e.b.AddCall(op, np, nn)) }
func (e *emitter) branch(op code.Op) int { return e.check(e.b.AddBranch(op)) }
func (e *emitter) rangeStart(id poolvm.ID, n int) int { return e.check(e.b.AddRangeStart(id, n)) }
func (e *emitter) here() int { return e.b.Current() }

func (e *emitter) text(s string, push bool) int {
	e.t.Helper()
	t, err := agg.MakeText(e.p, s)
	if err != nil {
		e.t.Fatal(err)
	}
	return e.check(e.b.AddString(t, push))
}

func (e *emitter) forward(kind code.ForwardKind, nrange, nin int) int {
	return e.check(e.b.AddForward(kind, nrange, nin))
}

func (e *emitter) patch(at, target int) {
	e.t.Helper()
	if err := e.b.PatchBranch(at, target); err != nil {
		e.t.Fatal(err)
	}
}

func (e *emitter) patchForward(at, target int) {
	e.t.Helper()
	if err := e.b.PatchForward(at, target); err != nil {
		e.t.Fatal(err)
	}
}

func (e *emitter) finish() pool.Offset {
	e.t.Helper()
	blob, err := e.b.Finish()
	if err != nil {
		e.t.Fatal(err)
	}
	return blob
}

func expectGlobal(t *testing.T, vm *VM, id poolvm.ID, expected string) {
	t.Helper()
	v, ok := vm.Global(id)
	if !ok {
		t.Fatalf("global %s not bound", names[id])
	}
	if s := agg.Format(vm.Pool(), v); s != expected {
		t.Errorf("expected %s = %s, have %s", names[id], expected, s)
	}
}

func expectKind(t *testing.T, err error, kind poolvm.ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error of kind %s, have none", kind)
	}
	if poolvm.KindOf(err) != kind {
		t.Fatalf("expected error of kind %s, have %v", kind, err)
	}
}

// makeFunction builds a function from the code emitted by body and binds it
// to a global.
func makeFunction(t *testing.T, vm *VM, id poolvm.ID, formals []poolvm.ID, variadic bool,
	body func(e *emitter)) {
	//
	t.Helper()
	e := newEmitter(t, vm)
	body(e)
	blob := e.finish()
	fn, err := vm.MakeFunction(blob, formals, variadic)
	if err != nil {
		t.Fatal(err)
	}
	if err = vm.SetGlobal(id, fn); err != nil {
		t.Fatal(err)
	}
}

// --- Tests -----------------------------------------------------------------

func TestExpression(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.vm")
	defer teardown()
	//
	vm, _ := newVM(t, 4096)
	e := newEmitter(t, vm)
	e.num(7, true) // x = (7 // 2) * 3 - 10 % 4
	e.num(2, false)
	e.op(code.Div | code.PushBit)
	e.num(3, false)
	e.op(code.Times | code.PushBit)
	e.num(10, true)
	e.num(4, false)
	e.op(code.Mod)
	e.op(code.Minus)
	e.id(code.Assign, idX)
	if _, err := vm.Run(e.finish()); err != nil {
		t.Fatal(err)
	}
	expectGlobal(t, vm, idX, "7")
}

func TestArith(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.vm")
	defer teardown()
	//
	for _, x := range []struct {
		op       code.Op
		a, b     float32
		expected float32
	}{
		{code.Div, -7, 2, -4},
		{code.Mod, -7, 3, 2},
		{code.Mod, 7, -3, -2},
		{code.Divide, 1, 0, float32(math.Inf(1))},
		{code.Pow, 2, 10, 1024},
		{code.Land, 12, 10, 8},
		{code.Lor, 12, 3, 15},
		{code.Lxor, 5, 1, 4},
		{code.Lshift, 1, 31, -2147483648},
		{code.Lshift, 1, 33, 2},
		{code.Rshift, -8, 1, -4},
		{code.Land, -1, 255, 255},
		{code.Lor, 4294967296, 3, 3},
	} {
		v, err := arith(x.op, x.a, x.b)
		if err != nil {
			t.Fatal(err)
		}
		if v.Float() != x.expected {
			t.Errorf("%g %s %g: expected %g, have %g", x.a, x.op, x.b, x.expected, v.Float())
		}
	}
}

func TestComparisons(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.vm")
	defer teardown()
	//
	vm, p := newVM(t, 4096)
	nan := poly.NaN
	if b, _ := vm.compare(code.Eq, nan, nan); b {
		t.Errorf("NaN must not be equal to itself")
	}
	if b, _ := vm.compare(code.Ne, nan, nan); !b {
		t.Errorf("NaN must be unequal to itself")
	}
	ab, _ := agg.MakeText(p, "ab")
	if _, err := vm.compare(code.Lt, ab, poly.One); err == nil {
		t.Errorf("expected ordering of text and number to fail")
	}
	if !identical(poly.FromInt(3), poly.FromFloat(3)) {
		t.Errorf("equal numbers should be identical")
	}
}

func TestNestedRanges(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.vm")
	defer teardown()
	//
	vm, _ := newVM(t, 4096)
	e := newEmitter(t, vm)
	e.count(code.List, 0) // r = []
	e.id(code.Assign, idR)
	e.num(3, true) // for i in range(3)
	e.rangeStart(idI, 1)
	topI := e.here()
	exitI := e.branch(code.RangeStep)
	e.num(0, true) // for j in range(0, 2)
	e.num(2, true)
	e.rangeStart(idJ, 2)
	topJ := e.here()
	exitJ := e.branch(code.RangeStep)
	e.id(code.Ident|code.PushBit, idI) // r += [(i, j)]
	e.id(code.Ident|code.PushBit, idJ)
	e.count(code.Tuple|code.PushBit, 2)
	e.count(code.List, 1)
	e.id(code.AssignPlus, idR)
	e.patch(e.branch(code.Branch), topJ)
	e.patch(exitJ, e.here())
	e.patch(e.branch(code.Branch), topI)
	e.patch(exitI, e.here())
	if _, err := vm.Run(e.finish()); err != nil {
		t.Fatal(err)
	}
	expectGlobal(t, vm, idR, "[(0, 0), (0, 1), (1, 0), (1, 1), (2, 0), (2, 1)]")
	if vm.ranges != pool.None {
		t.Errorf("range records left behind")
	}
}

func TestEnumerateWithBreak(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.vm")
	defer teardown()
	//
	vm, _ := newVM(t, 4096)
	e := newEmitter(t, vm)
	e.count(code.List, 0)
	e.id(code.Assign, idR)
	for i := 1; i <= 4; i++ {
		e.num(i, true)
	}
	e.count(code.List, 4)
	e.id(code.InStart, idX) // for x in [1, 2, 3, 4]
	top := e.here()
	exit := e.branch(code.InStep)
	e.id(code.Ident|code.PushBit, idX) // if x == 3: break
	e.num(3, false)
	e.op(code.Eq)
	skip := e.branch(code.BranchFalse)
	brk := e.forward(code.FwdBreak, 0, 1)
	e.patch(skip, e.here())
	e.id(code.Ident|code.PushBit, idX) // r += [x]
	e.count(code.List, 1)
	e.id(code.AssignPlus, idR)
	e.patch(e.branch(code.Branch), top)
	e.patch(exit, e.here())
	e.patchForward(brk, e.here())
	e.text("abc", false) // for x in "abc": r += [x]
	e.id(code.InStart, idX)
	top = e.here()
	exit = e.branch(code.InStep)
	e.id(code.Ident|code.PushBit, idX)
	e.count(code.List, 1)
	e.id(code.AssignPlus, idR)
	e.patch(e.branch(code.Branch), top)
	e.patch(exit, e.here())
	if _, err := vm.Run(e.finish()); err != nil {
		t.Fatal(err)
	}
	expectGlobal(t, vm, idR, `[1, 2, "a", "b", "c"]`)
	if vm.ins != pool.None {
		t.Errorf("enumerate records left behind")
	}
}

func TestEnumerateNonIterable(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.vm")
	defer teardown()
	//
	vm, _ := newVM(t, 4096)
	e := newEmitter(t, vm)
	e.num(42, false)
	e.id(code.InStart, idX)
	_, err := vm.Run(e.finish())
	expectKind(t, err, poolvm.TypeError)
}

func TestRangeStepZeroIsRejected(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.vm")
	defer teardown()
	//
	var reported []error
	vm, _ := newVM(t, 4096, WithReporter(func(err error) {
		reported = append(reported, err)
	}))
	e := newEmitter(t, vm)
	e.num(0, true)
	e.num(5, true)
	e.num(0, true)
	e.rangeStart(idI, 3)
	exit := e.branch(code.RangeStep)
	e.patch(exit, e.here())
	_, err := vm.Run(e.finish())
	expectKind(t, err, poolvm.TypeError)
	if len(reported) != 1 {
		t.Errorf("expected error to be reported once, have %d reports", len(reported))
	}
	if _, ok := vm.Global(idI); ok {
		t.Errorf("loop variable bound despite rejected range")
	}
	if vm.ranges != pool.None {
		t.Errorf("range record created for rejected range")
	}
}

func TestRangeRejectsNonFiniteArguments(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.vm")
	defer teardown()
	//
	nan, inf := float32(math.NaN()), float32(math.Inf(1))
	for _, args := range [][]float32{{0, nan}, {nan, 5}, {0, 5, nan}, {0, inf}, {-inf, 5}} {
		vm, _ := newVM(t, 4096)
		e := newEmitter(t, vm)
		for _, a := range args {
			e.check(e.b.AddNumber(a, true))
		}
		e.rangeStart(idI, len(args))
		top := e.here()
		exit := e.branch(code.RangeStep)
		back := e.branch(code.Branch)
		e.patch(back, top)
		e.patch(exit, e.here())
		_, err := vm.Run(e.finish())
		expectKind(t, err, poolvm.TypeError)
		if vm.ranges != pool.None {
			t.Errorf("range %v: record left behind", args)
		}
	}
}

func TestRangeStallIsAnError(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.vm")
	defer teardown()
	//
	vm, _ := newVM(t, 4096)
	e := newEmitter(t, vm)
	e.check(e.b.AddNumber(1<<25, true))
	e.check(e.b.AddNumber(1<<26, true))
	e.rangeStart(idI, 2)
	top := e.here()
	exit := e.branch(code.RangeStep)
	back := e.branch(code.Branch)
	e.patch(back, top)
	e.patch(exit, e.here())
	_, err := vm.Run(e.finish())
	expectKind(t, err, poolvm.TypeError)
}

func TestRepetitionBeyondPoolLimit(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.vm")
	defer teardown()
	//
	vm, p := newVM(t, 4096)
	l, err := agg.FromValues(p, false, poly.One, poly.One, poly.One, poly.One)
	if err != nil {
		t.Fatal(err)
	}
	ab, err := agg.MakeText(p, "ab")
	if err != nil {
		t.Fatal(err)
	}
	huge := poly.FromFloat(float32(math.Pow(2, 62)))
	if _, err = vm.binary(code.Times, l, huge); poolvm.KindOf(err) != poolvm.ResourceExhausted {
		t.Errorf("expected list repetition to exhaust the pool, have %v", err)
	}
	if _, err = vm.binary(code.Times, huge, ab); poolvm.KindOf(err) != poolvm.ResourceExhausted {
		t.Errorf("expected text repetition to exhaust the pool, have %v", err)
	}
	if _, err = vm.binary(code.Times, ab, poly.NaN); poolvm.KindOf(err) != poolvm.TypeError {
		t.Errorf("expected NaN repetition count to be rejected, have %v", err)
	}
	r, err := vm.binary(code.Times, ab, poly.FromFloat(float32(math.Inf(-1))))
	if err != nil || agg.TextLen(p, r) != 0 {
		t.Errorf("negative repetition count should give an empty text, have %v", err)
	}
	for _, x := range []struct {
		f        float32
		expected int
	}{
		{-3, 0}, {0, 0}, {2.7, 2}, {float32(math.Inf(1)), pool.MaxSize}, {1e30, pool.MaxSize},
	} {
		if n, _ := repeatCount(x.f); n != x.expected {
			t.Errorf("repeat count %g: expected %d, have %d", x.f, x.expected, n)
		}
	}
}

func TestRunLeavesEmptyStack(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.vm")
	defer teardown()
	//
	vm, _ := newVM(t, 4096, WithStackSize(4))
	for round := 0; round < 10; round++ {
		e := newEmitter(t, vm)
		e.num(1, true)
		e.num(2, true)
		v, err := vm.Run(e.finish())
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		if v.Float() != 2 || vm.sp != 0 {
			t.Errorf("round %d: result %g, %d values left on stack", round, v.Float(), vm.sp)
		}
	}
}

// minus builds f(a, b) = a - b.
func minus(e *emitter) {
	e.id(code.Ident|code.PushBit, idA)
	e.id(code.Ident, idB)
	e.op(code.Minus)
	e.forward(code.FwdReturn, 0, 0)
}

func TestFunctionCall(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.vm")
	defer teardown()
	//
	vm, _ := newVM(t, 4096)
	makeFunction(t, vm, idF, []poolvm.ID{idA, idB}, false, minus)
	e := newEmitter(t, vm)
	e.id(code.Ident|code.PushBit, idF) // x = f(10, 3)
	e.num(10, true)
	e.num(3, true)
	e.call(code.Call, 2, 0)
	e.id(code.Assign, idX)
	e.id(code.Ident|code.PushBit, idF) // i = f(b=3, a=10)
	e.num(3, false)
	e.id(code.AssignNamed|code.PushBit, idB)
	e.num(10, false)
	e.id(code.AssignNamed|code.PushBit, idA)
	e.call(code.Call, 0, 2)
	e.id(code.Assign, idI)
	e.num(100, true) // j = 100 + (f(10, 3) + 1)
	e.id(code.Ident|code.PushBit, idF)
	e.num(10, true)
	e.num(3, true)
	e.call(code.Call|code.PushBit, 2, 0)
	e.num(1, false)
	e.op(code.Plus)
	e.op(code.Plus)
	e.id(code.Assign, idJ)
	if _, err := vm.Run(e.finish()); err != nil {
		t.Fatal(err)
	}
	expectGlobal(t, vm, idX, "7")
	expectGlobal(t, vm, idI, "7")
	expectGlobal(t, vm, idJ, "108")
	if vm.Depth() != 0 || vm.sp != 0 {
		t.Errorf("unbalanced call: depth %d, stack %d", vm.Depth(), vm.sp)
	}
	if _, ok := vm.Global(idA); ok {
		t.Errorf("formal parameter leaked into global frame")
	}
}

func TestImplicitReturn(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.vm")
	defer teardown()
	//
	vm, _ := newVM(t, 4096)
	makeFunction(t, vm, idF, nil, false, func(e *emitter) {
		e.num(5, false)
		e.id(code.Assign, idX) // local
	})
	e := newEmitter(t, vm)
	e.id(code.Ident|code.PushBit, idF)
	e.call(code.Call, 0, 0)
	e.id(code.Assign, idR)
	if _, err := vm.Run(e.finish()); err != nil {
		t.Fatal(err)
	}
	expectGlobal(t, vm, idR, "None")
	if _, ok := vm.Global(idX); ok {
		t.Errorf("local variable leaked into global frame")
	}
}

func TestGlobalDeclaration(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.vm")
	defer teardown()
	//
	vm, _ := newVM(t, 4096)
	makeFunction(t, vm, idF, nil, false, func(e *emitter) {
		e.id(code.Global, idX)
		e.num(5, false)
		e.id(code.Assign, idX)
		e.id(code.Ident|code.PushBit, idX)
		e.num(1, false)
		e.op(code.Plus)
		e.forward(code.FwdReturn, 0, 0)
	})
	e := newEmitter(t, vm)
	e.id(code.Ident|code.PushBit, idF)
	e.call(code.Call, 0, 0)
	e.id(code.Assign, idR)
	if _, err := vm.Run(e.finish()); err != nil {
		t.Fatal(err)
	}
	expectGlobal(t, vm, idX, "5")
	expectGlobal(t, vm, idR, "6")
}

func TestArityErrorHasNoSideEffects(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.vm")
	defer teardown()
	//
	vm, p := newVM(t, 4096)
	makeFunction(t, vm, idF, []poolvm.ID{idA, idB}, false, minus)
	for _, args := range []func(e *emitter){
		func(e *emitter) { // f(1, 2, 3)
			e.num(1, true)
			e.num(2, true)
			e.num(3, true)
			e.call(code.Call, 3, 0)
		},
		func(e *emitter) { // f(1)
			e.num(1, true)
			e.call(code.Call, 1, 0)
		},
		func(e *emitter) { // f(1, a=2)
			e.num(1, true)
			e.num(2, false)
			e.id(code.AssignNamed|code.PushBit, idA)
			e.call(code.Call, 1, 1)
		},
		func(e *emitter) { // f(1, x=2)
			e.num(1, true)
			e.num(2, false)
			e.id(code.AssignNamed|code.PushBit, idX)
			e.call(code.Call, 1, 1)
		},
	} {
		e := newEmitter(t, vm)
		e.id(code.Ident|code.PushBit, idF)
		args(e)
		blob := e.finish()
		inUse := p.InUse()
		_, err := vm.Run(blob)
		expectKind(t, err, poolvm.ArityError)
		if p.InUse() != inUse {
			t.Errorf("failing call allocated %d bytes", p.InUse()-inUse)
		}
		if vm.Depth() != 0 || len(vm.Frames()) != 1 {
			t.Errorf("failing call left a frame behind")
		}
		vm.Reset()
	}
}

func TestVariadic(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.vm")
	defer teardown()
	//
	vm, _ := newVM(t, 4096)
	makeFunction(t, vm, idF, []poolvm.ID{idA, idRest}, true, func(e *emitter) {
		e.id(code.Ident, idRest)
		e.forward(code.FwdReturn, 0, 0)
	})
	e := newEmitter(t, vm)
	e.id(code.Ident|code.PushBit, idF)
	for i := 1; i <= 3; i++ {
		e.num(i, true)
	}
	e.call(code.Call, 3, 0)
	e.id(code.Assign, idR)
	e.id(code.Ident|code.PushBit, idF)
	e.num(1, true)
	e.call(code.Call, 1, 0)
	e.id(code.Assign, idX)
	if _, err := vm.Run(e.finish()); err != nil {
		t.Fatal(err)
	}
	expectGlobal(t, vm, idR, "(2, 3)")
	expectGlobal(t, vm, idX, "()")
	info := vm.Function(mustGlobal(t, vm, idF))
	if !info.Variadic || info.Rest != idRest || len(info.Formals) != 1 {
		t.Errorf("function unpacked wrongly: %+v", info)
	}
}

func mustGlobal(t *testing.T, vm *VM, id poolvm.ID) poly.Value {
	t.Helper()
	v, ok := vm.Global(id)
	if !ok {
		t.Fatalf("global %s not bound", names[id])
	}
	return v
}

func TestUndefinedNameIsRecoverable(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.vm")
	defer teardown()
	//
	vm, _ := newVM(t, 4096)
	e := newEmitter(t, vm)
	e.num(1, true)
	e.check(e.b.AddLine(3))
	e.id(code.Ident|code.PushBit, idNope)
	_, err := vm.Run(e.finish())
	expectKind(t, err, poolvm.UndefinedName)
	var perr *poolvm.Error
	if !errors.As(err, &perr) || perr.Line != 3 || !strings.Contains(perr.Msg, "nope") {
		t.Errorf("error not attributed correctly: %v", err)
	}
	vm.Reset()
	e = newEmitter(t, vm)
	e.num(2, false)
	e.id(code.Assign, idX)
	if _, err = vm.Run(e.finish()); err != nil {
		t.Fatal(err)
	}
	expectGlobal(t, vm, idX, "2")
	if vm.sp != 0 {
		t.Errorf("stack not reset")
	}
}

func TestStackOverflow(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.vm")
	defer teardown()
	//
	vm, _ := newVM(t, 4096, WithStackSize(4))
	e := newEmitter(t, vm)
	for i := 0; i < 5; i++ {
		e.num(i, true)
	}
	_, err := vm.Run(e.finish())
	expectKind(t, err, poolvm.TypeError)
	if !strings.Contains(err.Error(), "stack overflow") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestStackUnderflowPanics(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.vm")
	defer teardown()
	//
	vm, _ := newVM(t, 4096)
	e := newEmitter(t, vm)
	e.num(1, false)
	e.op(code.Plus)
	blob := e.finish()
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("expected stack underflow to panic")
		}
	}()
	_, _ = vm.Run(blob)
}

func TestBuiltins(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.vm")
	defer teardown()
	//
	var out bytes.Buffer
	vm, _ := newVM(t, 4096, WithOutput(&out))
	e := newEmitter(t, vm)
	e.id(code.Ident|code.PushBit, idPrint) // print(1, "a", sep="-")
	e.num(1, true)
	e.text("a", true)
	e.text("-", false)
	e.id(code.AssignNamed|code.PushBit, idSep)
	e.call(code.Call, 2, 1)
	e.id(code.Ident|code.PushBit, idMax) // x = max(3, 9, 4)
	e.num(3, true)
	e.num(9, true)
	e.num(4, true)
	e.call(code.Call, 3, 0)
	e.id(code.Assign, idX)
	e.id(code.Ident|code.PushBit, idLen) // i = len("hello")
	e.text("hello", true)
	e.call(code.Call, 1, 0)
	e.id(code.Assign, idI)
	if _, err := vm.Run(e.finish()); err != nil {
		t.Fatal(err)
	}
	if out.String() != "1-a\n" {
		t.Errorf("print wrote %q", out.String())
	}
	expectGlobal(t, vm, idX, "9")
	expectGlobal(t, vm, idI, "5")
	//
	e = newEmitter(t, vm)
	e.id(code.Ident|code.PushBit, idLen)
	e.num(1, true)
	e.num(2, true)
	e.call(code.Call, 2, 0)
	_, err := vm.Run(e.finish())
	expectKind(t, err, poolvm.ArityError)
}

func TestCollectionDuringCalls(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.vm")
	defer teardown()
	//
	vm, p := newVM(t, 4096)
	// f(n): r = []; for i in range(n): r += [i]; "ab" + "cd"; return r
	makeFunction(t, vm, idF, []poolvm.ID{idN}, false, func(e *emitter) {
		e.count(code.List, 0)
		e.id(code.Assign, idR)
		e.id(code.Ident|code.PushBit, idN)
		e.rangeStart(idI, 1)
		top := e.here()
		exit := e.branch(code.RangeStep)
		e.id(code.Ident|code.PushBit, idI)
		e.count(code.List, 1)
		e.id(code.AssignPlus, idR)
		e.text("ab", true)
		e.text("cd", false)
		e.op(code.Plus)
		e.patch(e.branch(code.Branch), top)
		e.patch(exit, e.here())
		e.id(code.Ident, idR)
		e.forward(code.FwdReturn, 0, 0)
	})
	e := newEmitter(t, vm)
	e.id(code.Ident|code.PushBit, idF)
	e.num(200, true)
	e.call(code.Call, 1, 0)
	e.id(code.Assign, idX)
	if _, err := vm.Run(e.finish()); err != nil {
		t.Fatal(err)
	}
	if p.Stats().Collections == 0 {
		t.Errorf("expected collections to happen")
	}
	x := mustGlobal(t, vm, idX)
	if n := agg.SeqLen(p, x); n != 200 {
		t.Fatalf("expected 200 elements, have %d", n)
	}
	for i, v := range agg.Elements(p, x) {
		if v.Float() != float32(i) {
			t.Fatalf("element %d corrupted: %s", i, agg.Format(p, v))
		}
	}
}

func TestFramesSnapshot(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.vm")
	defer teardown()
	//
	vm, _ := newVM(t, 4096)
	if err := vm.SetGlobal(idX, poly.FromInt(1)); err != nil {
		t.Fatal(err)
	}
	if err := vm.SetGlobal(idX, poly.FromInt(2)); err != nil {
		t.Fatal(err)
	}
	frames := vm.Frames()
	if len(frames) != 1 || len(frames[0].Vars) != 1 || frames[0].Vars[0].Value.Float() != 2 {
		t.Errorf("unexpected frames %+v", frames)
	}
}

func TestNamedID(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.vm")
	defer teardown()
	//
	if id, err := NamedID(poly.FromInt(int(idX))); err != nil || id != idX {
		t.Errorf("expected ID %d, have %d (%v)", idX, id, err)
	}
	for _, v := range []poly.Value{poly.Null, poly.FromFloat(-1), poly.FromFloat(2.5), poly.NaN} {
		if _, err := NamedID(v); poolvm.KindOf(err) != poolvm.InternalError {
			t.Errorf("expected malformed named argument for %v, have %v", v, err)
		}
	}
}
