/*
Package runtime implements a host environment for the virtual machine.

A runtime bundles a pool, a VM on top of it and a symbol table, which interns
the identifiers of programs loaded into the VM. Programs are executed
statement by statement: a non-fatal error abandons the current program only,
after which the VM is reset to a statement boundary and remains usable.
A fatal error halts the runtime.

Configuration

Runtimes are configured by a Config, which may be read from a TOML file.

License

Governed by a 3-Clause BSD license. License file may be found in the root
folder of this module.

Copyright © 2017–2021 Norbert Pillmayer <norbert@pillmayer.com>

*/
package runtime

import (
	"github.com/npillmayer/poolvm"
	"github.com/npillmayer/poolvm/agg"
	"github.com/npillmayer/poolvm/asm"
	"github.com/npillmayer/poolvm/code"
	"github.com/npillmayer/poolvm/pool"
	"github.com/npillmayer/poolvm/poly"
	"github.com/npillmayer/poolvm/vm"
	"github.com/npillmayer/schuko/gconf"
	"github.com/npillmayer/schuko/tracing"
)

// tracer traces with key 'poolvm.runtime'.
func tracer() tracing.Trace {
	return tracing.Select("poolvm.runtime")
}

// panicOnInternalError is consulted when an internal error surfaces as a
// panic. If it returns true, the panic is passed on.
var panicOnInternalError = func() bool {
	return gconf.GetBool("panic-on-internal-error")
}

// Runtime is a type implementing a runtime environment for programs.
type Runtime struct {
	Config  Config
	Symbols *SymbolTable
	VM      *vm.VM
	halted  error // fatal error, if any
}

// New constructs a runtime environment from a configuration. VM options may
// add to the configuration, e.g. to set an output writer or an error
// reporter. Builtins are always the standard ones.
func New(cfg Config, opts ...vm.Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p, err := pool.New(cfg.PoolSize, cfg.poolOptions()...)
	if err != nil {
		return nil, err
	}
	syms := NewSymbolTable(vm.Std)
	opts = append([]vm.Option{
		vm.WithStackSize(cfg.StackSize),
		vm.WithNames(syms),
	}, opts...)
	opts = append(opts, vm.WithBuiltins(vm.Std))
	m, err := vm.New(p, opts...)
	if err != nil {
		return nil, err
	}
	tracer().P("vm", m.ID.String()).Infof("runtime with pool of %d bytes", p.Size())
	return &Runtime{
		Config:  cfg,
		Symbols: syms,
		VM:      m,
	}, nil
}

// Halted returns the fatal error which halted the runtime, if any.
func (rt *Runtime) Halted() error {
	return rt.halted
}

// Exec loads a program into the VM and runs it. On a non-fatal error the
// error is reported and the VM is reset; the runtime stays usable and
// global variables keep their values. A fatal error halts the runtime and
// every subsequent call of Exec returns it.
//
// The result is valid until the next allocation in the runtime's pool.
func (rt *Runtime) Exec(prog *asm.Program) (result poly.Value, err error) {
	if rt.halted != nil {
		return poly.Null, rt.halted
	}
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(*poolvm.Error)
			if !ok || panicOnInternalError() {
				panic(r)
			}
			tracer().P("vm", rt.VM.ID.String()).Errorf("recovered from %v", e)
			rt.halted = e
			result, err = poly.Null, e
		}
	}()
	blob, err := asm.Load(rt.VM, rt.Symbols, prog)
	if err != nil {
		return poly.Null, rt.failed(err, false)
	}
	if tracer().GetTraceLevel() == tracing.LevelDebug {
		tracer().Debugf("\n%s", code.Disassemble(rt.VM.Pool(), blob, rt.Symbols))
	}
	if result, err = rt.VM.Run(blob); err != nil {
		return poly.Null, rt.failed(err, true)
	}
	return result, nil
}

// ExecSource parses a program in assembler format and executes it. Syntax
// errors leave the runtime untouched.
func (rt *Runtime) ExecSource(src string) (poly.Value, error) {
	prog, err := asm.Parse(src)
	if err != nil {
		return poly.Null, err
	}
	return rt.Exec(prog)
}

func (rt *Runtime) failed(err error, reported bool) error {
	if poolvm.IsFatal(err) {
		tracer().Errorf("runtime halted: %v", err)
		rt.halted = err
		return err
	}
	if !reported {
		rt.VM.Report(err)
	}
	rt.VM.Reset()
	return err
}

// Format returns the display form of a value.
func (rt *Runtime) Format(v poly.Value) string {
	return agg.Format(rt.VM.Pool(), v)
}

// Global returns the display form of a global variable.
func (rt *Runtime) Global(name string) (string, bool) {
	tag, ok := rt.Symbols.Resolve(name)
	if !ok {
		return "", false
	}
	v, ok := rt.VM.Global(tag.ID)
	if !ok {
		return "", false
	}
	return rt.Format(v), true
}

// Variable is a variable binding of a frame, in display form.
type Variable struct {
	Name  string
	Value string
}

// Frame is a frame of the VM's frame chain, in display form.
type Frame struct {
	Depth int
	Vars  []Variable
}

// Frames returns the VM's frame chain, innermost frame first.
func (rt *Runtime) Frames() []Frame {
	snapshot := rt.VM.Frames()
	frames := make([]Frame, len(snapshot))
	for i, f := range snapshot {
		frames[i].Depth = f.Depth
		for _, b := range f.Vars {
			if b.ID == poolvm.NoID {
				continue
			}
			frames[i].Vars = append(frames[i].Vars, Variable{
				Name:  rt.Symbols.Name(b.ID),
				Value: rt.Format(b.Value),
			})
		}
	}
	return frames
}

// Collect runs a collection of the configured style and returns its
// statistics.
func (rt *Runtime) Collect() pool.Stats {
	style, _ := rt.Config.Style()
	return rt.VM.Pool().Collect(style)
}

// Close releases the VM.
func (rt *Runtime) Close() {
	rt.VM.Close()
}
