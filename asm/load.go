package asm

import (
	"errors"
	"math"

	"fortio.org/safecast"
	"github.com/npillmayer/poolvm"
	"github.com/npillmayer/poolvm/agg"
	"github.com/npillmayer/poolvm/code"
	"github.com/npillmayer/poolvm/pool"
	"github.com/npillmayer/poolvm/vm"
)

// Interner maps names to identifiers.
type Interner interface {
	Intern(name string) poolvm.ID
}

// NoName is the identifier operand denoting no identifier, as used by the
// element forms of assign and the compound assignments.
const NoName = "_"

// Load assembles a program into code blobs of a VM's pool. Functions are
// created and bound to their global names. Returns the code blob of the main
// code, which is valid until the next allocation in the VM's pool.
func Load(m *vm.VM, syms Interner, prog *Program) (pool.Offset, error) {
	for _, fn := range prog.Funcs {
		blob, err := assemble(m.Pool(), syms, fn)
		if err != nil {
			return pool.None, err
		}
		formals := make([]poolvm.ID, 0, len(fn.Formals)+1)
		for _, name := range fn.Formals {
			formals = append(formals, syms.Intern(name))
		}
		variadic := fn.Rest != ""
		if variadic {
			formals = append(formals, syms.Intern(fn.Rest))
		}
		f, err := m.MakeFunction(blob, formals, variadic)
		if err != nil {
			return pool.None, err
		}
		if err = m.SetGlobal(syms.Intern(fn.Name), f); err != nil {
			return pool.None, err
		}
		tracer().Debugf("loaded function %s", fn.Name)
	}
	if prog.Main == nil {
		return pool.None, poolvm.Errorf(poolvm.InternalError, "program without main code")
	}
	return assemble(m.Pool(), syms, prog.Main)
}

// fixup is a branch or forward instruction waiting for its target.
type fixup struct {
	at      int
	label   string
	forward bool
}

// assemble emits the instructions of a chunk into a code blob, resolving
// labels by back-patching.
func assemble(p *pool.Pool, syms Interner, c *Chunk) (pool.Offset, error) {
	b, err := code.NewBuilder(p)
	if err != nil {
		return pool.None, err
	}
	pos := make([]int, len(c.Code)+1)
	var fixups []fixup
	for i, in := range c.Code {
		pos[i] = b.Current()
		fx, err := emit(b, p, syms, in)
		if err != nil {
			b.Close()
			return pool.None, attribute(err, in.Line)
		}
		if fx != nil {
			fixups = append(fixups, *fx)
		}
	}
	pos[len(c.Code)] = b.Current()
	for _, fx := range fixups {
		i, ok := c.Labels[fx.label]
		if !ok || i < 0 || i > len(c.Code) {
			b.Close()
			return pool.None, poolvm.Errorf(poolvm.InternalError, "undefined label %s", fx.label)
		}
		if fx.forward {
			err = b.PatchForward(fx.at, pos[i])
		} else {
			err = b.PatchBranch(fx.at, pos[i])
		}
		if err != nil {
			b.Close()
			return pool.None, err
		}
	}
	return b.Finish()
}

func attribute(err error, line int) error {
	var e *poolvm.Error
	if errors.As(err, &e) && e.Line == 0 {
		e.Line = line
	}
	return err
}

// emit emits a single instruction. Returns a fixup for instructions with a
// branch target.
func emit(b *code.Builder, p *pool.Pool, syms Interner, in Instr) (*fixup, error) {
	op, ok := code.Lookup(in.Mnemonic)
	if !ok {
		return nil, poolvm.Errorf(poolvm.InternalError, "unknown mnemonic %s", in.Mnemonic)
	}
	if len(in.Operands) != len(operandKinds(op.Shape())) {
		return nil, poolvm.Errorf(poolvm.InternalError, "%s: wrong number of operands", in.Mnemonic)
	}
	if in.Push {
		op |= code.PushBit
	}
	ops := in.Operands
	var at int
	var err error
	switch op.Shape() {
	case code.NoOperand:
		_, err = b.AddOp(op)
	case code.ValueOperand:
		_, err = b.AddNumber(float32(ops[0].Num), in.Push)
	case code.Int8Operand:
		var n int
		if n, err = intOperand(ops[0]); err == nil {
			_, err = b.AddInt(n, in.Push)
		}
	case code.TextOperand:
		t, terr := agg.MakeText(p, ops[0].Name)
		if terr != nil {
			return nil, terr
		}
		_, err = b.AddString(t, in.Push)
	case code.CountOperand:
		var n int
		if n, err = intOperand(ops[0]); err == nil {
			_, err = b.AddCount(op, n)
		}
	case code.IDOperand:
		_, err = b.AddOpID(op, intern(syms, ops[0].Name))
	case code.CallOperand:
		var np, nn int
		if np, err = intOperand(ops[0]); err != nil {
			return nil, err
		}
		if nn, err = intOperand(ops[1]); err == nil {
			_, err = b.AddCall(op, np, nn)
		}
	case code.SliceOperand:
		var n int
		if n, err = intOperand(ops[0]); err == nil {
			if n < 0 || n > int(code.SliceStart|code.SliceEnd|code.SliceStride) {
				return nil, poolvm.Errorf(poolvm.TypeError, "invalid slice flags %d", n)
			}
			_, err = b.AddSlice(op, code.SliceFlags(n))
		}
	case code.TargetOperand:
		if at, err = b.AddBranch(op); err == nil {
			return &fixup{at: at, label: ops[0].Name}, nil
		}
	case code.ForwardOperand:
		kind, _ := code.LookupForward(ops[0].Name)
		var nr, ni int
		if nr, err = intOperand(ops[1]); err != nil {
			return nil, err
		}
		if ni, err = intOperand(ops[2]); err != nil {
			return nil, err
		}
		if at, err = b.AddForward(kind, nr, ni); err == nil {
			return &fixup{at: at, label: ops[3].Name, forward: true}, nil
		}
	case code.RangeOperand:
		var n int
		if n, err = intOperand(ops[1]); err == nil {
			_, err = b.AddRangeStart(intern(syms, ops[0].Name), n)
		}
	case code.LineOperand:
		var n int
		if n, err = intOperand(ops[0]); err == nil {
			_, err = b.AddLine(n)
		}
	}
	return nil, err
}

func intern(syms Interner, name string) poolvm.ID {
	if name == NoName {
		return poolvm.NoID
	}
	return syms.Intern(name)
}

// intOperand converts a numeric operand to an integer.
func intOperand(o Operand) (int, error) {
	if o.Num != math.Trunc(o.Num) {
		return 0, poolvm.Errorf(poolvm.TypeError, "integer operand expected, have %g", o.Num)
	}
	n, err := safecast.Convert[int32](o.Num)
	if err != nil {
		return 0, poolvm.Errorf(poolvm.TypeError, "operand %g out of range", o.Num)
	}
	return int(n), nil
}

// Assemble parses and loads a program given in assembler format.
func Assemble(m *vm.VM, syms Interner, src string) (pool.Offset, error) {
	prog, err := Parse(src)
	if err != nil {
		return pool.None, err
	}
	return Load(m, syms, prog)
}
