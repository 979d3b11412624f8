package code

import (
	"github.com/npillmayer/poolvm"
	"github.com/npillmayer/poolvm/poly"
	"github.com/npillmayer/poolvm/pool"
)

// Register registers the type descriptors for code blobs and compile
// buffers with a pool.
func Register(p *pool.Pool) {
	p.Register(pool.KindCode, codeKind{})
	p.Register(pool.KindCompile, compileKind{})
}

// A code blob is an offset-sized length field followed by the instruction
// bytes.
type codeKind struct{}

func (codeKind) Size(p *pool.Pool, at pool.Offset) int {
	return p.W() + p.Int(at)
}

func (codeKind) Mark(p *pool.Pool, at pool.Offset) {
	markLiterals(p, Start(p, at), Len(p, at))
}

func (codeKind) Move(p *pool.Pool, at pool.Offset) {
	moveLiterals(p, Start(p, at), Len(p, at))
}

// Len returns the number of instruction bytes of a code blob.
func Len(p *pool.Pool, blob pool.Offset) int {
	return p.Int(blob)
}

// Start returns the position of the first instruction byte of a code blob.
func Start(p *pool.Pool, blob pool.Offset) pool.Offset {
	return blob + pool.Offset(p.W())
}

// A compile buffer is a growable code blob: offset-sized capacity and length
// fields, then the instruction bytes.
type compileKind struct{}

const (
	bufCap = iota
	bufLen
	bufFields
)

func bufStart(p *pool.Pool, at pool.Offset) pool.Offset {
	return p.Field(at, bufFields)
}

func (compileKind) Size(p *pool.Pool, at pool.Offset) int {
	return bufFields*p.W() + p.Int(p.Field(at, bufCap))
}

func (compileKind) Mark(p *pool.Pool, at pool.Offset) {
	markLiterals(p, bufStart(p, at), p.Int(p.Field(at, bufLen)))
}

func (compileKind) Move(p *pool.Pool, at pool.Offset) {
	moveLiterals(p, bufStart(p, at), p.Int(p.Field(at, bufLen)))
}

// walk calls f for every instruction in n bytes of code starting at start.
func walk(p *pool.Pool, start pool.Offset, n int, f func(op Op, at pool.Offset)) {
	w := p.W()
	for ip := 0; ip < n; {
		op := Op(p.Byte(start + pool.Offset(ip)))
		if !op.Valid() {
			poolvm.Panic("invalid opcode %d at position %d", op, ip)
		}
		f(op, start+pool.Offset(ip))
		ip += 1 + op.Shape().Size(w)
	}
}

func markLiterals(p *pool.Pool, start pool.Offset, n int) {
	walk(p, start, n, func(op Op, at pool.Offset) {
		switch op.Shape() {
		case ValueOperand:
			p.MarkValue(p.Value(at + 1))
		case TextOperand:
			p.MarkOffset(pool.KindText, p.Word(at+1))
		}
	})
}

func moveLiterals(p *pool.Pool, start pool.Offset, n int) {
	walk(p, start, n, func(op Op, at pool.Offset) {
		switch op.Shape() {
		case ValueOperand:
			p.MoveValueAt(at + 1)
		case TextOperand:
			p.MoveWord(at + 1)
		}
	})
}

// --- Decoding --------------------------------------------------------------

// Instr is the decoded form of an instruction. Only the fields matching the
// opcode's shape are set.
type Instr struct {
	Op     Op // without PushBit
	Push   bool
	Pos    int // position within the code blob
	Size   int // total size in bytes
	Value  poly.Value
	N      int // int literal, element count, line or range argument count
	ID     poolvm.ID
	NPos   int // positional arguments of a call
	NNamed int // named arguments of a call
	Slice  SliceFlags
	Target int
	Fwd    ForwardKind
	NRange int // range records unwound by a forward
	NIn    int // enumerate records unwound by a forward
}

// Next returns the position of the following instruction.
func (in Instr) Next() int {
	return in.Pos + in.Size
}

// Decode decodes the instruction at position ip of a code blob.
func Decode(p *pool.Pool, blob pool.Offset, ip int) Instr {
	if ip < 0 || ip >= Len(p, blob) {
		poolvm.Panic("instruction pointer %d outside of code", ip)
	}
	return decodeAt(p, Start(p, blob), ip)
}

func decodeAt(p *pool.Pool, start pool.Offset, ip int) Instr {
	w := p.W()
	at := start + pool.Offset(ip)
	op := Op(p.Byte(at))
	if !op.Valid() {
		poolvm.Panic("invalid opcode %d at position %d", op, ip)
	}
	shape := op.Shape()
	in := Instr{Op: op.Base(), Push: op.Pushes(), Pos: ip, Size: 1 + shape.Size(w)}
	at++
	switch shape {
	case ValueOperand:
		in.Value = p.Value(at)
	case Int8Operand:
		in.N = int(int8(p.Byte(at)))
	case TextOperand:
		in.Value = pool.ToValue(poly.TagText, p.Word(at))
	case CountOperand, LineOperand:
		in.N = p.Int(at)
	case IDOperand:
		in.ID = poolvm.ID(p.Word(at))
	case CallOperand:
		in.NPos, in.NNamed = int(p.Byte(at)), int(p.Byte(at+1))
	case SliceOperand:
		in.Slice = SliceFlags(p.Byte(at))
	case TargetOperand:
		in.Target = p.Int(at)
	case ForwardOperand:
		in.Fwd = ForwardKind(p.Byte(at))
		in.NRange, in.NIn = int(p.Byte(at+1)), int(p.Byte(at+2))
		in.Target = p.Int(at + 3)
	case RangeOperand:
		in.ID = poolvm.ID(p.Word(at))
		in.N = int(p.Byte(at + pool.Offset(w)))
	}
	return in
}

// OpAt returns the opcode byte at position pos of a code blob, including
// the PushBit.
func OpAt(p *pool.Pool, blob pool.Offset, pos int) Op {
	if pos < 0 || pos >= Len(p, blob) {
		poolvm.Panic("position %d outside of code", pos)
	}
	return Op(p.Byte(Start(p, blob) + pool.Offset(pos)))
}
