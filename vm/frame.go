package vm

import (
	"github.com/npillmayer/poolvm"
	"github.com/npillmayer/poolvm/poly"
	"github.com/npillmayer/poolvm/pool"
)

// This module implements a stack of memory frames, living in the pool.
// Frames are used by the interpreter to hold the variables of active
// function calls. The bottommost frame holds global variables.

// A frame is laid out as four offset-sized fields:
//
//     prev | code | ip | vars
//
// code and ip are the caller's code blob and resume position. vars points to
// a variable table, which is replaced by a larger copy whenever a binding is
// added.
const (
	framePrev = iota
	frameCode
	frameIP
	frameVars
	frameFields
)

type frameKind struct{}

func (frameKind) Size(p *pool.Pool, at pool.Offset) int {
	return frameFields * p.W()
}

func (frameKind) Mark(p *pool.Pool, at pool.Offset) {
	p.MarkOffset(pool.KindCode, p.Word(p.Field(at, frameCode)))
	p.MarkOffset(pool.KindVars, p.Word(p.Field(at, frameVars)))
	p.MarkOffset(pool.KindFrame, p.Word(p.Field(at, framePrev)))
}

func (frameKind) Move(p *pool.Pool, at pool.Offset) {
	p.MoveWord(p.Field(at, framePrev))
	p.MoveWord(p.Field(at, frameCode))
	p.MoveWord(p.Field(at, frameVars))
}

// A variable table is an offset-sized count n, followed by n bindings of an
// offset-sized identifier and a 4-byte value.
type varsKind struct{}

func bindingSize(p *pool.Pool) int {
	return p.W() + 4
}

// binding returns the position of the i-th binding of a variable table.
func binding(p *pool.Pool, vars pool.Offset, i int) pool.Offset {
	return vars + pool.Offset(p.W()+i*bindingSize(p))
}

func (varsKind) Size(p *pool.Pool, at pool.Offset) int {
	return p.W() + p.Int(at)*bindingSize(p)
}

func (varsKind) Mark(p *pool.Pool, at pool.Offset) {
	w := pool.Offset(p.W())
	for i, n := 0, p.Int(at); i < n; i++ {
		p.MarkValue(p.Value(binding(p, at, i) + w))
	}
}

func (varsKind) Move(p *pool.Pool, at pool.Offset) {
	w := pool.Offset(p.W())
	for i, n := 0, p.Int(at); i < n; i++ {
		p.MoveValueAt(binding(p, at, i) + w)
	}
}

// Current gets the current (innermost) frame.
func (vm *VM) Current() pool.Offset {
	if vm.frame == pool.None {
		poolvm.Panic("attempt to access frame from empty call stack")
	}
	return vm.frame
}

// Globals gets the outermost frame, containing global variables.
func (vm *VM) Globals() pool.Offset {
	if vm.globals == pool.None {
		poolvm.Panic("attempt to access global frame from empty call stack")
	}
	return vm.globals
}

// allocFrame allocates a frame for a given variable table. vars is stashed
// during allocation; returns the frame and the (possibly relocated) table.
func (vm *VM) allocFrame(vars pool.Offset) (pool.Offset, pool.Offset, error) {
	p := vm.pool
	p.Stash(pool.KindVars, vars)
	f, err := p.Alloc(frameFields * p.W())
	vars = p.Fetch(pool.KindVars)
	if err != nil {
		return pool.None, pool.None, err
	}
	p.SetWord(p.Field(f, framePrev), pool.None)
	p.SetWord(p.Field(f, frameCode), pool.None)
	p.SetInt(p.Field(f, frameIP), 0)
	p.SetWord(p.Field(f, frameVars), vars)
	return f, vars, nil
}

// allocVars allocates a variable table with room for n bindings.
func (vm *VM) allocVars(n int) (pool.Offset, error) {
	vars, err := vm.pool.Alloc(vm.pool.W() + n*bindingSize(vm.pool))
	if err != nil {
		return pool.None, err
	}
	p := vm.pool
	p.SetInt(vars, n)
	for i := 0; i < n; i++ {
		b := binding(p, vars, i)
		p.SetInt(b, int(poolvm.NoID))
		p.SetValue(b+pool.Offset(p.W()), poly.Null)
	}
	return vars, nil
}

// pushFrame makes frame f the current frame, saving the caller's code blob
// and resume position in it.
func (vm *VM) pushFrame(f pool.Offset) {
	p := vm.pool
	p.SetWord(p.Field(f, framePrev), vm.frame)
	p.SetWord(p.Field(f, frameCode), vm.code)
	p.SetInt(p.Field(f, frameIP), vm.ip)
	vm.frame = f
	vm.depth++
	tracer().P("frame", f).Debugf("pushing frame, depth %d", vm.depth)
}

// popFrame pops the current frame and restores the caller's code blob and
// resume position.
func (vm *VM) popFrame() {
	f := vm.Current()
	if f == vm.globals {
		poolvm.Panic("attempt to pop global frame")
	}
	p := vm.pool
	vm.code = p.Word(p.Field(f, frameCode))
	vm.ip = p.Int(p.Field(f, frameIP))
	vm.frame = p.Word(p.Field(f, framePrev))
	vm.depth--
	tracer().P("frame", f).Debugf("popping frame, depth %d", vm.depth)
}

// findVar looks up the binding of id in frame f. Returns the position of the
// bound value.
func (vm *VM) findVar(f pool.Offset, id poolvm.ID) (pool.Offset, bool) {
	p := vm.pool
	vars := p.Word(p.Field(f, frameVars))
	for i, n := 0, p.Int(vars); i < n; i++ {
		b := binding(p, vars, i)
		if poolvm.ID(p.Word(b)) == id {
			return b + pool.Offset(p.W()), true
		}
	}
	return pool.None, false
}

// lookup resolves an identifier: first in the current frame, then in the
// global frame, then in the builtins table. A binding to Global in the
// current frame defers to the global frame.
func (vm *VM) lookup(id poolvm.ID) (poly.Value, error) {
	if at, ok := vm.findVar(vm.Current(), id); ok {
		if v := vm.pool.Value(at); !v.IsGlobal() {
			return v, nil
		}
	}
	if vm.frame != vm.globals {
		if at, ok := vm.findVar(vm.globals, id); ok {
			if v := vm.pool.Value(at); !v.IsGlobal() {
				return v, nil
			}
		}
	}
	if id >= 1 && int(id) <= len(vm.builtins) {
		return poly.BuiltinValue(int(id)), nil
	}
	return poly.Null, poolvm.Errorf(poolvm.UndefinedName, "name '%s' is not defined", vm.name(id))
}

// bind assigns v to identifier id, creating a binding if necessary: in the
// global frame for top-level code and for names declared global, in the
// current frame otherwise.
func (vm *VM) bind(id poolvm.ID, v poly.Value) error {
	global := vm.frame == vm.globals
	if !global {
		if at, ok := vm.findVar(vm.frame, id); ok {
			if !vm.pool.Value(at).IsGlobal() {
				vm.pool.SetValue(at, v)
				return nil
			}
			global = true
		}
	}
	target := vm.frame
	if global {
		target = vm.globals
	}
	if at, ok := vm.findVar(target, id); ok {
		vm.pool.SetValue(at, v)
		return nil
	}
	return vm.insert(global, id, v)
}

// insert adds a binding to the current or to the global frame, replacing
// the frame's variable table by a copy with one more slot.
func (vm *VM) insert(global bool, id poolvm.ID, v poly.Value) error {
	p := vm.pool
	f := vm.frame
	if global {
		f = vm.globals
	}
	n := p.Int(p.Word(p.Field(f, frameVars)))
	p.StashValue(v)
	vars, err := vm.allocVars(n + 1)
	v = p.FetchValue()
	if err != nil {
		return err
	}
	f = vm.frame // frames may have moved
	if global {
		f = vm.globals
	}
	old := p.Word(p.Field(f, frameVars))
	p.Copy(binding(p, vars, 0), binding(p, old, 0), n*bindingSize(p))
	b := binding(p, vars, n)
	p.SetInt(b, int(id))
	p.SetValue(b+pool.Offset(p.W()), v)
	p.SetWord(p.Field(f, frameVars), vars)
	return nil
}

// declareGlobal marks id as global in the current function frame.
func (vm *VM) declareGlobal(id poolvm.ID) error {
	if vm.frame == vm.globals {
		return nil
	}
	if at, ok := vm.findVar(vm.frame, id); ok {
		vm.pool.SetValue(at, poly.Global)
		return nil
	}
	return vm.insert(false, id, poly.Global)
}

// --- Frame inspection ------------------------------------------------------

// Binding is a snapshot of a variable binding.
type Binding struct {
	ID    poolvm.ID
	Value poly.Value
}

// Frame is a snapshot of a frame's variables. Values are not roots; they are
// valid only until the next allocation.
type Frame struct {
	Depth int
	Vars  []Binding
}

// Frames returns a snapshot of the frame chain, innermost frame first. The
// global frame is the last one.
func (vm *VM) Frames() []Frame {
	p := vm.pool
	var frames []Frame
	depth := vm.depth
	for f := vm.frame; f != pool.None; f = p.Word(p.Field(f, framePrev)) {
		vars := p.Word(p.Field(f, frameVars))
		fr := Frame{Depth: depth}
		for i, n := 0, p.Int(vars); i < n; i++ {
			b := binding(p, vars, i)
			fr.Vars = append(fr.Vars, Binding{
				ID:    poolvm.ID(p.Word(b)),
				Value: p.Value(b + pool.Offset(p.W())),
			})
		}
		frames = append(frames, fr)
		depth--
	}
	return frames
}

// Global returns the value bound to a global identifier.
func (vm *VM) Global(id poolvm.ID) (poly.Value, bool) {
	at, ok := vm.findVar(vm.Globals(), id)
	if !ok {
		return poly.Null, false
	}
	return vm.pool.Value(at), true
}

// SetGlobal binds a global identifier.
func (vm *VM) SetGlobal(id poolvm.ID, v poly.Value) error {
	if at, ok := vm.findVar(vm.Globals(), id); ok {
		vm.pool.SetValue(at, v)
		return nil
	}
	return vm.insert(true, id, v)
}
