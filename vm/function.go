package vm

import (
	"fortio.org/safecast"
	"github.com/npillmayer/poolvm"
	"github.com/npillmayer/poolvm/agg"
	"github.com/npillmayer/poolvm/code"
	"github.com/npillmayer/poolvm/poly"
	"github.com/npillmayer/poolvm/pool"
)

// A function is laid out as offset-sized fields
//
//     nformal | flags | code | formal_1 … formal_k
//
// where k is nformal, plus one for the name of the rest parameter of a
// variadic function.
const (
	funcNFormal = iota
	funcFlags
	funcCode
	funcFormals
)

const funcVariadic = 1

type functionKind struct{}

func nformals(p *pool.Pool, at pool.Offset) int {
	n := p.Int(p.Field(at, funcNFormal))
	if p.Int(p.Field(at, funcFlags))&funcVariadic != 0 {
		n++
	}
	return n
}

func (functionKind) Size(p *pool.Pool, at pool.Offset) int {
	return (funcFormals + nformals(p, at)) * p.W()
}

func (functionKind) Mark(p *pool.Pool, at pool.Offset) {
	p.MarkOffset(pool.KindCode, p.Word(p.Field(at, funcCode)))
}

func (functionKind) Move(p *pool.Pool, at pool.Offset) {
	p.MoveWord(p.Field(at, funcCode))
}

// FuncInfo is the unpacked form of a function object.
type FuncInfo struct {
	Code     pool.Offset
	Formals  []poolvm.ID // positional formals
	Rest     poolvm.ID   // rest parameter of a variadic function, or NoID
	Variadic bool
}

// MakeFunction creates a function object for a code blob. If variadic is
// set, the last formal collects surplus positional arguments.
func (vm *VM) MakeFunction(blob pool.Offset, formals []poolvm.ID, variadic bool) (poly.Value, error) {
	if variadic && len(formals) == 0 {
		return poly.Null, poolvm.Errorf(poolvm.ArityError, "variadic function needs a rest parameter")
	}
	p := vm.pool
	p.Stash(pool.KindCode, blob)
	f, err := p.Alloc((funcFormals + len(formals)) * p.W())
	blob = p.Fetch(pool.KindCode)
	if err != nil {
		return poly.Null, err
	}
	n, flags := len(formals), 0
	if variadic {
		n, flags = n-1, funcVariadic
	}
	p.SetInt(p.Field(f, funcNFormal), n)
	p.SetInt(p.Field(f, funcFlags), flags)
	p.SetWord(p.Field(f, funcCode), blob)
	for i, id := range formals {
		p.SetInt(p.Field(f, funcFormals+i), int(id))
	}
	return pool.ToValue(poly.TagFunction, f), nil
}

// Function unpacks a function value.
func (vm *VM) Function(fn poly.Value) FuncInfo {
	if !fn.Is(poly.TagFunction) {
		poolvm.Panic("value is not a function")
	}
	p := vm.pool
	f := pool.Ref(fn)
	info := FuncInfo{
		Code:     p.Word(p.Field(f, funcCode)),
		Variadic: p.Int(p.Field(f, funcFlags))&funcVariadic != 0,
	}
	n := p.Int(p.Field(f, funcNFormal))
	for i := 0; i < n; i++ {
		info.Formals = append(info.Formals, poolvm.ID(p.Word(p.Field(f, funcFormals+i))))
	}
	if info.Variadic {
		info.Rest = poolvm.ID(p.Word(p.Field(f, funcFormals+n)))
	}
	return info
}

// --- Call protocol ---------------------------------------------------------

// call invokes the callee below npos positional and nnamed named arguments
// on the operand stack. Named arguments are (identifier, value) pairs.
//
// Calls to builtins complete immediately and leave their result in the
// accumulator. Calls to functions push a new frame and continue in the
// function's code; the result is provided by the function's return.
func (vm *VM) call(npos, nnamed int) error {
	base := vm.sp - npos - 2*nnamed - 1
	if base < 0 {
		poolvm.Panic("stack underflow in call")
	}
	callee := vm.stack[base]
	switch {
	case callee.Is(poly.TagBuiltin):
		return vm.callBuiltin(base, callee.BuiltinID(), npos, nnamed)
	case callee.Is(poly.TagFunction):
		return vm.callFunction(base, npos, nnamed)
	}
	return poolvm.Errorf(poolvm.TypeError, "%s is not callable", agg.TypeName(vm.pool, callee))
}

// callFunction validates the arguments against the function's formals
// before allocating anything, so that a failing call leaves no trace.
func (vm *VM) callFunction(base, npos, nnamed int) error {
	p := vm.pool
	info := vm.Function(vm.stack[base])
	nformal := len(info.Formals)
	if npos > nformal && !info.Variadic {
		return poolvm.Errorf(poolvm.ArityError, "function takes %d arguments, %d given", nformal, npos)
	}
	// slot[i] is the stack index of the value for formal i
	slot := make([]int, nformal)
	for i := range slot {
		slot[i] = -1
		if i < npos {
			slot[i] = base + 1 + i
		}
	}
	for k := 0; k < nnamed; k++ {
		at := base + 1 + npos + 2*k
		id, err := NamedID(vm.stack[at])
		if err != nil {
			return err
		}
		i := indexOf(info.Formals, id)
		if i < 0 {
			return poolvm.Errorf(poolvm.ArityError, "unexpected named argument '%s'", vm.name(id))
		}
		if slot[i] >= 0 {
			return poolvm.Errorf(poolvm.ArityError, "multiple values for argument '%s'", vm.name(id))
		}
		slot[i] = at + 1
	}
	for i, s := range slot {
		if s < 0 {
			return poolvm.Errorf(poolvm.ArityError, "missing argument '%s'", vm.name(info.Formals[i]))
		}
	}
	nvars := nformal
	if info.Variadic {
		nvars++
	}
	// allocations; arguments stay on the stack and are rooted
	rest := poly.Null
	if info.Variadic {
		nrest := npos - nformal
		if nrest < 0 {
			nrest = 0
		}
		r, err := agg.MakeSequence(p, nrest, true)
		if err != nil {
			return err
		}
		for i := 0; i < nrest; i++ {
			agg.Init(p, r, i, vm.stack[base+1+nformal+i])
		}
		rest = r
	}
	p.StashValue(rest)
	vars, err := vm.allocVars(nvars)
	if err != nil {
		p.FetchValue()
		return err
	}
	f, vars, err := vm.allocFrame(vars)
	rest = p.FetchValue()
	if err != nil {
		return err
	}
	info = vm.Function(vm.stack[base]) // code blob may have moved
	for i, id := range info.Formals {
		b := binding(p, vars, i)
		p.SetInt(b, int(id))
		p.SetValue(b+pool.Offset(p.W()), vm.stack[slot[i]])
	}
	if info.Variadic {
		b := binding(p, vars, nformal)
		p.SetInt(b, int(info.Rest))
		p.SetValue(b+pool.Offset(p.W()), rest)
	}
	vm.sp = base
	vm.pushFrame(f)
	vm.code, vm.ip = info.Code, 0
	vm.called = true
	return nil
}

// ret returns from the current function with the accumulator as result. The
// result is pushed if the calling instruction carries the PushBit.
// Returns false for a return from top-level code.
func (vm *VM) ret() (bool, error) {
	if vm.frame == vm.globals {
		return false, nil
	}
	vm.popFrame()
	vm.called = true
	if code.OpAt(vm.pool, vm.code, vm.ip-code.CallSize).Pushes() {
		if err := vm.push(vm.a); err != nil {
			return true, err
		}
	}
	return true, nil
}

func indexOf(ids []poolvm.ID, id poolvm.ID) int {
	for i, x := range ids {
		if x == id {
			return i
		}
	}
	return -1
}

// NamedID decodes the identifier of a named argument, which is passed as a
// number preceding the argument's value.
func NamedID(v poly.Value) (poolvm.ID, error) {
	if !v.IsNumber() {
		return poolvm.NoID, poolvm.Errorf(poolvm.InternalError, "malformed named argument")
	}
	id, err := safecast.Convert[uint32](v.Float())
	if err != nil {
		return poolvm.NoID, poolvm.Errorf(poolvm.InternalError, "malformed named argument: %v", err)
	}
	return poolvm.ID(id), nil
}
