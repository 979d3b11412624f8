/*
Package vm implements the bytecode virtual machine.

A VM executes code blobs produced by a code.Builder. It keeps an operand
stack of fixed capacity and an accumulator: instructions take their right
operand from the accumulator and their left operand from the stack, and
leave their result in the accumulator. Instructions with the push bit set
push the accumulator onto the stack after execution.

Variables live in frames, which form a chain from the innermost function
call down to the permanent global frame. Active loops are tracked in two
lists of iteration records, one for numeric ranges and one for
enumerations. Frames, loop records, the stack and the accumulator are the
roots of the VM's pool. A pool must never be shared between VMs.

Errors are reported through a single reporting hook. After a non-fatal
error, hosts call Reset to return the VM to a statement boundary.

License

Governed by a 3-Clause BSD license. License file may be found in the root
folder of this module.

Copyright © 2017–2021 Norbert Pillmayer <norbert@pillmayer.com>

*/
package vm

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/npillmayer/poolvm"
	"github.com/npillmayer/poolvm/agg"
	"github.com/npillmayer/poolvm/code"
	"github.com/npillmayer/poolvm/poly"
	"github.com/npillmayer/poolvm/pool"
	"github.com/npillmayer/schuko/tracing"
)

// tracer traces with key 'poolvm.vm'.
func tracer() tracing.Trace {
	return tracing.Select("poolvm.vm")
}

// DefaultStackSize is the default capacity of the operand stack.
const DefaultStackSize = 256

// Reporter receives every non-fatal error.
type Reporter func(err error)

// VM is a virtual machine, executing code blobs within a pool.
type VM struct {
	ID       uuid.UUID // identifies the VM in traces
	pool     *pool.Pool
	stack    []poly.Value
	sp       int
	a        poly.Value // accumulator
	code     pool.Offset
	ip       int
	frame    pool.Offset // current frame
	globals  pool.Offset // global frame
	ranges   pool.Offset // innermost range record
	ins      pool.Offset // innermost enumerate record
	line     int
	depth    int
	builtins []Builtin
	names    poolvm.Names
	reporter Reporter
	out      io.Writer
	called   bool // last instruction entered a function
}

// Option configures a VM.
type Option func(*VM)

// WithStackSize sets the capacity of the operand stack.
func WithStackSize(n int) Option {
	return func(vm *VM) {
		if n > 0 {
			vm.stack = make([]poly.Value, n)
		}
	}
}

// WithNames sets a name table, used for diagnostics.
func WithNames(names poolvm.Names) Option {
	return func(vm *VM) {
		vm.names = names
	}
}

// WithBuiltins replaces the table of builtin functions. Builtin i is
// referenced by identifier i+1.
func WithBuiltins(b []Builtin) Option {
	return func(vm *VM) {
		vm.builtins = b
	}
}

// WithReporter sets the hook for non-fatal errors.
func WithReporter(r Reporter) Option {
	return func(vm *VM) {
		vm.reporter = r
	}
}

// WithOutput sets the destination of print. Default is os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(vm *VM) {
		vm.out = w
	}
}

// New creates a VM on pool p. It registers the type descriptors of all
// object kinds and allocates the global frame.
func New(p *pool.Pool, opts ...Option) (*VM, error) {
	vm := &VM{
		ID:       uuid.New(),
		pool:     p,
		a:        poly.Null,
		builtins: Std,
		out:      os.Stdout,
	}
	for _, opt := range opts {
		opt(vm)
	}
	if vm.stack == nil {
		vm.stack = make([]poly.Value, DefaultStackSize)
	}
	agg.Register(p)
	code.Register(p)
	p.Register(pool.KindFunction, functionKind{})
	p.Register(pool.KindFrame, frameKind{})
	p.Register(pool.KindVars, varsKind{})
	p.Register(pool.KindRange, rangeKind{})
	p.Register(pool.KindEnum, enumKind{})
	p.AddRoots(vm)
	vars, err := vm.allocVars(0)
	if err != nil {
		p.RemoveRoots(vm)
		return nil, err
	}
	f, _, err := vm.allocFrame(vars)
	if err != nil {
		p.RemoveRoots(vm)
		return nil, err
	}
	vm.frame, vm.globals = f, f
	tracer().P("vm", vm.ID.String()).Infof("created VM, stack size %d", len(vm.stack))
	return vm, nil
}

// Pool returns the VM's pool.
func (vm *VM) Pool() *pool.Pool {
	return vm.pool
}

// Close detaches the VM from its pool.
func (vm *VM) Close() {
	vm.pool.RemoveRoots(vm)
}

// MarkRoots is part of interface pool.RootSet.
func (vm *VM) MarkRoots(p *pool.Pool) {
	for _, v := range vm.stack[:vm.sp] {
		p.MarkValue(v)
	}
	p.MarkValue(vm.a)
	p.MarkOffset(pool.KindCode, vm.code)
	p.MarkOffset(pool.KindFrame, vm.frame)
	p.MarkOffset(pool.KindFrame, vm.globals)
	p.MarkOffset(pool.KindRange, vm.ranges)
	p.MarkOffset(pool.KindEnum, vm.ins)
}

// MoveRoots is part of interface pool.RootSet.
func (vm *VM) MoveRoots(p *pool.Pool) {
	for i := range vm.stack[:vm.sp] {
		p.MoveValue(&vm.stack[i])
	}
	p.MoveValue(&vm.a)
	p.MoveOffset(&vm.code)
	p.MoveOffset(&vm.frame)
	p.MoveOffset(&vm.globals)
	p.MoveOffset(&vm.ranges)
	p.MoveOffset(&vm.ins)
}

// --- Operand stack ---------------------------------------------------------

func (vm *VM) push(v poly.Value) error {
	if vm.sp == len(vm.stack) {
		return poolvm.Errorf(poolvm.TypeError, "stack overflow")
	}
	vm.stack[vm.sp] = v
	vm.sp++
	return nil
}

func (vm *VM) pop() poly.Value {
	if vm.sp == 0 {
		poolvm.Panic("stack underflow")
	}
	vm.sp--
	return vm.stack[vm.sp]
}

// peek returns the value n slots below the top of the stack.
func (vm *VM) peek(n int) poly.Value {
	if n >= vm.sp {
		poolvm.Panic("stack underflow")
	}
	return vm.stack[vm.sp-1-n]
}

func (vm *VM) drop(n int) {
	if n > vm.sp {
		poolvm.Panic("stack underflow")
	}
	vm.sp -= n
}

// Depth returns the number of active function calls.
func (vm *VM) Depth() int {
	return vm.depth
}

// Line returns the most recent source line marker.
func (vm *VM) Line() int {
	return vm.line
}

// --- Execution -------------------------------------------------------------

// Run executes a code blob from its start until execution falls off its
// end or a top-level return is encountered. Returns the accumulator.
// Values the program left on the stack are dropped, so every run starts
// with an empty stack.
//
// The result is valid until the next allocation in the VM's pool.
func (vm *VM) Run(blob pool.Offset) (poly.Value, error) {
	vm.code, vm.ip, vm.a = blob, 0, poly.Null
	tracer().P("vm", vm.ID.String()).Debugf("running code blob %#x", blob)
	for {
		if vm.ip >= code.Len(vm.pool, vm.code) {
			if vm.frame == vm.globals {
				break
			}
			vm.a = poly.Null // implicit return
			if _, err := vm.ret(); err != nil {
				return poly.Null, vm.fail(err)
			}
			continue
		}
		in := code.Decode(vm.pool, vm.code, vm.ip)
		vm.ip = in.Next()
		vm.called = false
		halt, err := vm.exec(in)
		if err != nil {
			return poly.Null, vm.fail(err)
		}
		if halt {
			break
		}
		if in.Push && !vm.called {
			if err = vm.push(vm.a); err != nil {
				return poly.Null, vm.fail(err)
			}
		}
	}
	if vm.sp > 0 {
		tracer().P("vm", vm.ID.String()).Debugf("dropping %d values left on the stack", vm.sp)
		vm.drop(vm.sp)
	}
	return vm.a, nil
}

// fail attributes err to the current source line and reports it if it is
// not fatal.
func (vm *VM) fail(err error) error {
	var e *poolvm.Error
	if errors.As(err, &e) && e.Line == 0 {
		e.Line = vm.line
	}
	if poolvm.IsFatal(err) {
		tracer().Errorf("fatal: %v", err)
		return err
	}
	vm.Report(err)
	return err
}

// Report passes a non-fatal error to the reporting hook.
func (vm *VM) Report(err error) {
	tracer().Errorf("%v", err)
	if vm.reporter != nil {
		vm.reporter(err)
	}
}

// Reset returns the VM to a statement boundary after an error: the operand
// stack and loop records are cleared and all function frames are
// abandoned. Global variables are kept.
func (vm *VM) Reset() {
	vm.sp = 0
	vm.a = poly.Null
	vm.frame = vm.globals
	vm.depth = 0
	vm.ranges, vm.ins = pool.None, pool.None
	vm.code, vm.ip = pool.None, 0
	vm.called = false
	vm.pool.ClearStash()
	tracer().P("vm", vm.ID.String()).Debugf("VM reset")
}

func (vm *VM) name(id poolvm.ID) string {
	if vm.names != nil {
		if n := vm.names.Name(id); n != "" {
			return n
		}
	}
	if id >= 1 && int(id) <= len(vm.builtins) {
		return vm.builtins[id-1].Name
	}
	return fmt.Sprintf("#%d", id)
}

// exec executes a single instruction. Returns true if execution halts.
func (vm *VM) exec(in code.Instr) (bool, error) {
	p := vm.pool
	op := in.Op
	var err error
	switch {
	case op.IsBinary():
		x := vm.peek(0)
		vm.a, err = vm.binary(op, x, vm.a)
		vm.drop(1)
		return false, err
	case op.IsAssignOp():
		return false, vm.assignOp(op.BinaryOf(), in.ID)
	}
	switch op {
	case code.Num, code.String:
		vm.a = in.Value
	case code.Int:
		vm.a = poly.FromInt(in.N)
	case code.List, code.Tuple:
		err = vm.collect(in.N, op == code.Tuple)
	case code.Ident:
		vm.a, err = vm.lookup(in.ID)
	case code.Not:
		vm.a = poly.Bool(!agg.Truthy(p, vm.a))
	case code.Eq, code.Ne, code.Gt, code.Lt, code.Ge, code.Le:
		var b bool
		b, err = vm.compare(op, vm.pop(), vm.a)
		vm.a = poly.Bool(b)
	case code.Is, code.IsNot:
		b := identical(vm.pop(), vm.a)
		vm.a = poly.Bool(b == (op == code.Is))
	case code.In, code.NotIn:
		var b bool
		b, err = agg.Contains(p, vm.a, vm.pop())
		vm.a = poly.Bool(b == (op == code.In))
	case code.UMinus:
		if !vm.a.IsNumber() {
			return false, poolvm.Errorf(poolvm.TypeError, "bad operand type for unary -: %s", agg.TypeName(p, vm.a))
		}
		vm.a = poly.FromFloat(-vm.a.Float())
	case code.LNot:
		var n int32
		if n, err = toInt32(p, vm.a); err == nil {
			vm.a = poly.FromInt(int(^n))
		}
	case code.Call:
		err = vm.call(in.NPos, in.NNamed)
	case code.Array:
		obj := vm.peek(0)
		vm.a, err = agg.Get(p, obj, vm.a)
		vm.drop(1)
	case code.Slice:
		err = vm.slice(in.Slice)
	case code.Assign:
		err = vm.assign(in.ID)
	case code.AssignNamed:
		err = vm.push(poly.FromInt(int(in.ID)))
	case code.Global:
		err = vm.declareGlobal(in.ID)
	case code.Branch:
		vm.ip = in.Target
	case code.BranchTrue:
		if agg.Truthy(p, vm.a) {
			vm.ip = in.Target
		}
	case code.BranchFalse:
		if !agg.Truthy(p, vm.a) {
			vm.ip = in.Target
		}
	case code.Forward:
		return vm.forward(in)
	case code.RangeStart:
		err = vm.rangeStart(in.ID, in.N)
	case code.RangeStep:
		err = vm.rangeStep(in.Target)
	case code.InStart:
		err = vm.inStart(in.ID)
	case code.InStep:
		err = vm.inStep(in.Target)
	case code.Nop:
	case code.Line:
		vm.line = in.N
	default:
		poolvm.Panic("opcode %s not implemented", op)
	}
	return false, err
}

// assignOp executes a compound assignment. With an identifier, the variable
// is updated. Without, the target is an element; the object and the index
// are on the stack. Adding to a list extends it in place.
func (vm *VM) assignOp(op code.Op, id poolvm.ID) error {
	p := vm.pool
	if id != poolvm.NoID {
		cur, err := vm.lookup(id)
		if err != nil {
			return err
		}
		if vm.a, err = vm.binaryInPlace(op, cur, vm.a); err != nil {
			return err
		}
		return vm.bind(id, vm.a)
	}
	obj, index := vm.peek(1), vm.peek(0)
	cur, err := agg.Get(p, obj, index)
	if err != nil {
		return err
	}
	if vm.a, err = vm.binaryInPlace(op, cur, vm.a); err != nil {
		return err
	}
	obj, index = vm.peek(1), vm.peek(0)
	vm.drop(2)
	return agg.Set(p, obj, index, vm.a)
}

// assign stores the accumulator into a variable or, without identifier, into
// an element of the object below the index on the stack.
func (vm *VM) assign(id poolvm.ID) error {
	if id != poolvm.NoID {
		return vm.bind(id, vm.a)
	}
	index := vm.pop()
	obj := vm.pop()
	return agg.Set(vm.pool, obj, index, vm.a)
}

// collect creates a list or tuple from the top n values of the stack.
func (vm *VM) collect(n int, readonly bool) error {
	p := vm.pool
	if n > vm.sp {
		poolvm.Panic("stack underflow")
	}
	s, err := agg.MakeSequence(p, n, readonly)
	if err != nil {
		return err
	}
	base := vm.sp - n
	for i := 0; i < n; i++ {
		agg.Init(p, s, i, vm.stack[base+i])
	}
	vm.sp = base
	vm.a = s
	return nil
}

// slice slices the object on the stack. Start, end and stride follow it on
// the stack as indicated by flags.
func (vm *VM) slice(flags code.SliceFlags) error {
	spec := agg.NewSlice()
	n := 0
	component := func(flag code.SliceFlags, dst *int) error {
		if flags&flag == 0 {
			return nil
		}
		v := vm.peek(n)
		n++
		if v.IsNull() {
			return nil
		}
		if !v.IsNumber() {
			return poolvm.Errorf(poolvm.TypeError, "slice indices must be numbers")
		}
		*dst = int(v.Float())
		return nil
	}
	if err := component(code.SliceStride, &spec.Stride); err != nil {
		return err
	}
	if err := component(code.SliceEnd, &spec.End); err != nil {
		return err
	}
	if err := component(code.SliceStart, &spec.Start); err != nil {
		return err
	}
	obj := vm.peek(n)
	r, err := agg.Slice(vm.pool, obj, spec)
	if err != nil {
		return err
	}
	vm.drop(n + 1)
	vm.a = r
	return nil
}

// forward exits a construct: the given number of loop records is unwound,
// then execution continues at the target or returns from the function.
func (vm *VM) forward(in code.Instr) (bool, error) {
	p := vm.pool
	for i := 0; i < in.NRange; i++ {
		if vm.ranges == pool.None {
			poolvm.Panic("range record list exhausted")
		}
		vm.ranges = p.Word(p.Field(vm.ranges, loopPrev))
	}
	for i := 0; i < in.NIn; i++ {
		if vm.ins == pool.None {
			poolvm.Panic("enumerate record list exhausted")
		}
		vm.ins = p.Word(p.Field(vm.ins, loopPrev))
	}
	if in.Fwd != code.FwdReturn {
		vm.ip = in.Target
		return false, nil
	}
	inFunction, err := vm.ret()
	return !inFunction, err
}
