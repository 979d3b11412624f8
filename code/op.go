/*
Package code defines the instruction set of the virtual machine, immutable
code blobs, and an emitter (Builder) for producing them.

An instruction is an opcode byte followed by its operands. The top bit of the
opcode byte is a modifier: if set, the result of the instruction (which is
always left in the VM's accumulator) is pushed onto the operand stack
afterwards. Operands referring to pool objects or identifiers are words of
pool width (see pool.Pool.W), numbers are 4-byte values. Branch targets are
absolute byte positions within the code blob.

Code blobs are pool objects. Number literals may reference functions and
string literals reference text buffers, therefore the collector walks the
instructions of every live code blob to mark and relocate these references.

License

Governed by a 3-Clause BSD license. License file may be found in the root
folder of this module.

Copyright © 2017–2021 Norbert Pillmayer <norbert@pillmayer.com>

*/
package code

import (
	"fmt"

	"github.com/npillmayer/schuko/tracing"
)

// tracer traces with key 'poolvm.code'.
func tracer() tracing.Trace {
	return tracing.Select("poolvm.code")
}

// Op is an opcode, optionally carrying the PushBit modifier.
type Op uint8

// PushBit marks an instruction whose result has to be pushed onto the
// operand stack.
const PushBit Op = 0x80

// Opcodes. Binary operators come first, followed by their compound
// assignment forms in the same order.
const (
	Plus Op = iota
	Minus
	Times
	Divide
	Div // floor division
	Mod
	Pow
	Land // bitwise and
	Lor
	Lxor
	Lshift
	Rshift
	AssignPlus
	AssignMinus
	AssignTimes
	AssignDivide
	AssignDiv
	AssignMod
	AssignPow
	AssignLand
	AssignLor
	AssignLxor
	AssignLshift
	AssignRshift
	Num
	Int
	String
	List
	Tuple
	Ident
	Not
	Eq
	Ne
	Gt
	Lt
	Ge
	Le
	Is
	IsNot
	In
	NotIn
	UMinus
	LNot // bitwise not
	Call
	Array
	Slice
	Assign
	AssignNamed
	Global
	Branch
	BranchTrue
	BranchFalse
	Forward
	RangeStart
	RangeStep
	InStart
	InStep
	Nop
	Line
	numOps
)

// NumBinary is the number of binary operators, which is also the distance
// between an operator and its compound assignment form.
const NumBinary = int(AssignPlus - Plus)

var opNames = [...]string{
	"plus", "minus", "times", "divide", "div", "mod", "pow",
	"land", "lor", "lxor", "lshift", "rshift",
	"assign_plus", "assign_minus", "assign_times", "assign_divide", "assign_div", "assign_mod",
	"assign_pow", "assign_land", "assign_lor", "assign_lxor", "assign_lshift", "assign_rshift",
	"num", "int", "string", "list", "tuple", "id",
	"not", "eq", "ne", "gt", "lt", "ge", "le", "is", "is_not", "in", "not_in",
	"uminus", "lnot", "call", "array", "slice", "assign", "assign_named", "global",
	"branch", "branch_true", "branch_false", "forward",
	"range_start", "range_step", "in_start", "in_step", "nop", "line",
}

// Base strips the PushBit.
func (op Op) Base() Op {
	return op &^ PushBit
}

// Pushes is a predicate: does op carry the PushBit?
func (op Op) Pushes() bool {
	return op&PushBit != 0
}

// Valid is a predicate: is op (without PushBit) a known opcode?
func (op Op) Valid() bool {
	return op.Base() < numOps
}

// IsBinary is a predicate: is op a binary operator?
func (op Op) IsBinary() bool {
	return op.Base() < AssignPlus
}

// IsAssignOp is a predicate: is op a compound assignment?
func (op Op) IsAssignOp() bool {
	b := op.Base()
	return b >= AssignPlus && b <= AssignRshift
}

// BinaryOf returns the binary operator of a compound assignment.
func (op Op) BinaryOf() Op {
	return op.Base() - AssignPlus
}

func (op Op) String() string {
	if !op.Valid() {
		return fmt.Sprintf("op(%d)", uint8(op))
	}
	s := opNames[op.Base()]
	if op.Pushes() {
		s += "!"
	}
	return s
}

// Lookup returns the opcode for a mnemonic.
func Lookup(name string) (Op, bool) {
	for i, n := range opNames {
		if n == name {
			return Op(i), true
		}
	}
	return 0, false
}

// ForwardKind tells which construct a forward instruction exits.
type ForwardKind uint8

// Kinds of forward exits.
const (
	FwdReturn ForwardKind = iota
	FwdBreak
	FwdContinue
	FwdIf
)

var forwardNames = [...]string{"return", "break", "continue", "if"}

func (k ForwardKind) String() string {
	if int(k) < len(forwardNames) {
		return forwardNames[k]
	}
	return "?"
}

// LookupForward returns the forward kind for a name.
func LookupForward(name string) (ForwardKind, bool) {
	for i, n := range forwardNames {
		if n == name {
			return ForwardKind(i), true
		}
	}
	return 0, false
}

// SliceFlags tell which components of a slice are present on the operand
// stack.
type SliceFlags uint8

// Slice component flags.
const (
	SliceStart  SliceFlags = 1
	SliceEnd    SliceFlags = 2
	SliceStride SliceFlags = 4
)

// Shape describes the operands of an opcode.
type Shape uint8

// Operand shapes.
const (
	NoOperand    Shape = iota
	ValueOperand       // 4-byte value
	Int8Operand        // 1-byte signed integer
	TextOperand        // word: offset of a text buffer
	CountOperand       // word: element count
	IDOperand          // word: identifier
	CallOperand        // 2 bytes: positional and named argument counts
	SliceOperand       // 1 byte: slice flags
	TargetOperand      // word: branch target
	ForwardOperand     // 3 bytes (kind, ranges, enumerations) and target word
	RangeOperand       // word identifier and 1-byte argument count
	LineOperand        // word: source line
)

// Shape returns the operand shape of an opcode.
func (op Op) Shape() Shape {
	b := op.Base()
	switch {
	case b.IsAssignOp():
		return IDOperand
	case b.IsBinary():
		return NoOperand
	}
	switch b {
	case Num:
		return ValueOperand
	case Int:
		return Int8Operand
	case String:
		return TextOperand
	case List, Tuple:
		return CountOperand
	case Ident, Assign, AssignNamed, Global, InStart:
		return IDOperand
	case Call:
		return CallOperand
	case Slice:
		return SliceOperand
	case Branch, BranchTrue, BranchFalse, RangeStep, InStep:
		return TargetOperand
	case Forward:
		return ForwardOperand
	case RangeStart:
		return RangeOperand
	case Line:
		return LineOperand
	}
	return NoOperand
}

// Size returns the number of operand bytes of a shape, given the word width.
func (s Shape) Size(w int) int {
	switch s {
	case ValueOperand:
		return 4
	case Int8Operand, SliceOperand:
		return 1
	case TextOperand, CountOperand, IDOperand, TargetOperand, LineOperand:
		return w
	case CallOperand:
		return 2
	case ForwardOperand:
		return 3 + w
	case RangeOperand:
		return w + 1
	}
	return 0
}

// CallSize is the size of a call instruction.
const CallSize = 3
