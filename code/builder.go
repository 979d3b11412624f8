package code

import (
	"math"

	"fortio.org/safecast"
	"github.com/npillmayer/poolvm"
	"github.com/npillmayer/poolvm/poly"
	"github.com/npillmayer/poolvm/pool"
)

// Builder emits instructions into a compile buffer, a growable pool object.
// It is the producer side of code blobs: a compiler (or the assembler) adds
// instructions one by one, back-patches branch targets and finally calls
// Finish to get an immutable code blob.
//
// While open, a builder is a root set of its pool. Instructions may embed
// references to functions and texts, which are kept alive and relocated.
type Builder struct {
	p   *pool.Pool
	buf pool.Offset
}

const initialCapacity = 32

// NewBuilder creates a builder with an empty compile buffer.
func NewBuilder(p *pool.Pool) (*Builder, error) {
	buf, err := allocBuffer(p, initialCapacity)
	if err != nil {
		return nil, err
	}
	b := &Builder{p: p, buf: buf}
	p.AddRoots(b)
	return b, nil
}

func allocBuffer(p *pool.Pool, capacity int) (pool.Offset, error) {
	buf, err := p.Alloc(bufFields*p.W() + capacity)
	if err != nil {
		return pool.None, err
	}
	p.SetInt(p.Field(buf, bufCap), capacity)
	p.SetInt(p.Field(buf, bufLen), 0)
	return buf, nil
}

// MarkRoots is part of interface pool.RootSet.
func (b *Builder) MarkRoots(p *pool.Pool) {
	p.MarkOffset(pool.KindCompile, b.buf)
}

// MoveRoots is part of interface pool.RootSet.
func (b *Builder) MoveRoots(p *pool.Pool) {
	p.MoveOffset(&b.buf)
}

// Current returns the position of the next instruction to be emitted.
func (b *Builder) Current() int {
	b.mustBeOpen()
	return b.p.Int(b.p.Field(b.buf, bufLen))
}

func (b *Builder) mustBeOpen() {
	if b.buf == pool.None {
		poolvm.Panic("builder already finished")
	}
}

// at returns the pool position of code position pos.
func (b *Builder) at(pos int) pool.Offset {
	return bufStart(b.p, b.buf) + pool.Offset(pos)
}

// reserve appends n bytes to the buffer, growing it if necessary, and
// returns their code position. Reserving may trigger a collection.
func (b *Builder) reserve(n int) (int, error) {
	b.mustBeOpen()
	p := b.p
	length, capacity := b.Current(), p.Int(p.Field(b.buf, bufCap))
	if length+n > capacity {
		c := 2 * capacity
		if c < length+n {
			c = length + n
		}
		if err := b.checkWord(c); err != nil {
			return 0, err
		}
		buf, err := allocBuffer(p, c) // b.buf is a root and will be relocated
		if err != nil {
			return 0, err
		}
		p.Copy(bufStart(p, buf), bufStart(p, b.buf), length)
		p.SetInt(p.Field(buf, bufLen), length)
		b.buf = buf
		tracer().Debugf("compile buffer grown to %d bytes", c)
	}
	p.SetInt(p.Field(b.buf, bufLen), length+n)
	return length, nil
}

// checkWord returns an error if n does not fit into an operand word.
func (b *Builder) checkWord(n int) error {
	if b.p.W() == 2 {
		if _, err := safecast.Conv[uint16](n); err != nil {
			return poolvm.Errorf(poolvm.ResourceExhausted, "operand %d exceeds code word", n)
		}
	} else if _, err := safecast.Conv[uint32](n); err != nil {
		return poolvm.Errorf(poolvm.ResourceExhausted, "operand %d exceeds code word", n)
	}
	return nil
}

func byteOperand(n int, what string) (byte, error) {
	c, err := safecast.Conv[uint8](n)
	if err != nil {
		return 0, poolvm.Errorf(poolvm.ArityError, "too many %s: %d", what, n)
	}
	return c, nil
}

// emit appends an instruction with a word operand.
func (b *Builder) emitWord(op Op, n int) (int, error) {
	if err := b.checkWord(n); err != nil {
		return 0, err
	}
	pos, err := b.reserve(1 + b.p.W())
	if err != nil {
		return 0, err
	}
	b.p.SetByte(b.at(pos), byte(op))
	b.p.SetInt(b.at(pos+1), n)
	return pos, nil
}

func (b *Builder) mustShape(op Op, shapes ...Shape) {
	if !op.Valid() {
		poolvm.Panic("invalid opcode %d", op)
	}
	for _, s := range shapes {
		if op.Shape() == s {
			return
		}
	}
	poolvm.Panic("opcode %s used with wrong operands", op)
}

// AddOp emits an instruction without operands.
func (b *Builder) AddOp(op Op) (int, error) {
	b.mustShape(op, NoOperand)
	pos, err := b.reserve(1)
	if err != nil {
		return 0, err
	}
	b.p.SetByte(b.at(pos), byte(op))
	return pos, nil
}

// AddOpID emits an instruction with an identifier operand.
func (b *Builder) AddOpID(op Op, id poolvm.ID) (int, error) {
	b.mustShape(op, IDOperand)
	return b.emitWord(op, int(id))
}

// AddNumber emits a number literal, using the short int form where possible.
func (b *Builder) AddNumber(f float32, push bool) (int, error) {
	if f >= math.MinInt8 && f <= math.MaxInt8 && f == float32(int8(f)) &&
		!(f == 0 && math.Signbit(float64(f))) {
		return b.AddInt(int(f), push)
	}
	return b.AddValue(poly.FromFloat(f), push)
}

// AddInt emits a small integer literal.
func (b *Builder) AddInt(n int, push bool) (int, error) {
	c, err := safecast.Conv[int8](n)
	if err != nil {
		return b.AddValue(poly.FromInt(n), push)
	}
	op := Int
	if push {
		op |= PushBit
	}
	pos, err := b.reserve(2)
	if err != nil {
		return 0, err
	}
	b.p.SetByte(b.at(pos), byte(op))
	b.p.SetByte(b.at(pos+1), byte(c))
	return pos, nil
}

// AddValue emits a value literal. The value may reference a function or a
// text buffer.
func (b *Builder) AddValue(v poly.Value, push bool) (int, error) {
	op := Num
	if push {
		op |= PushBit
	}
	b.p.StashValue(v)
	pos, err := b.reserve(5)
	v = b.p.FetchValue()
	if err != nil {
		return 0, err
	}
	b.p.SetByte(b.at(pos), byte(op))
	b.p.SetValue(b.at(pos+1), v)
	return pos, nil
}

// AddString emits a string literal referencing text buffer t.
func (b *Builder) AddString(t poly.Value, push bool) (int, error) {
	if !t.Is(poly.TagText) {
		poolvm.Panic("string literal is not a text")
	}
	op := String
	if push {
		op |= PushBit
	}
	b.p.StashValue(t)
	pos, err := b.reserve(1 + b.p.W())
	t = b.p.FetchValue()
	if err != nil {
		return 0, err
	}
	b.p.SetByte(b.at(pos), byte(op))
	b.p.SetWord(b.at(pos+1), pool.Ref(t))
	return pos, nil
}

// AddCount emits a list or tuple constructor for n elements.
func (b *Builder) AddCount(op Op, n int) (int, error) {
	b.mustShape(op, CountOperand)
	return b.emitWord(op, n)
}

// AddCall emits a call with npos positional and nnamed named arguments.
func (b *Builder) AddCall(op Op, npos, nnamed int) (int, error) {
	b.mustShape(op, CallOperand)
	np, err := byteOperand(npos, "positional arguments")
	if err != nil {
		return 0, err
	}
	nn, err := byteOperand(nnamed, "named arguments")
	if err != nil {
		return 0, err
	}
	pos, err := b.reserve(CallSize)
	if err != nil {
		return 0, err
	}
	b.p.SetByte(b.at(pos), byte(op))
	b.p.SetByte(b.at(pos+1), np)
	b.p.SetByte(b.at(pos+2), nn)
	return pos, nil
}

// AddSlice emits a slice instruction.
func (b *Builder) AddSlice(op Op, flags SliceFlags) (int, error) {
	b.mustShape(op, SliceOperand)
	pos, err := b.reserve(2)
	if err != nil {
		return 0, err
	}
	b.p.SetByte(b.at(pos), byte(op))
	b.p.SetByte(b.at(pos+1), byte(flags))
	return pos, nil
}

// AddBranch emits a branch with a target to be patched later.
func (b *Builder) AddBranch(op Op) (int, error) {
	b.mustShape(op, TargetOperand)
	return b.emitWord(op, 0)
}

// PatchBranch sets the target of the branch at position at.
func (b *Builder) PatchBranch(at, target int) error {
	b.mustBeOpen()
	if op := Op(b.p.Byte(b.at(at))); op.Shape() != TargetOperand {
		poolvm.Panic("no branch at position %d", at)
	}
	if err := b.checkWord(target); err != nil {
		return err
	}
	b.p.SetInt(b.at(at+1), target)
	return nil
}

// AddForward emits a forward exit of a given kind, unwinding nrange range
// records and nin enumerate records. The target is patched later.
func (b *Builder) AddForward(kind ForwardKind, nrange, nin int) (int, error) {
	nr, err := byteOperand(nrange, "nested range loops")
	if err != nil {
		return 0, err
	}
	ni, err := byteOperand(nin, "nested enumerations")
	if err != nil {
		return 0, err
	}
	pos, err := b.reserve(1 + ForwardOperand.Size(b.p.W()))
	if err != nil {
		return 0, err
	}
	b.p.SetByte(b.at(pos), byte(Forward))
	b.p.SetByte(b.at(pos+1), byte(kind))
	b.p.SetByte(b.at(pos+2), nr)
	b.p.SetByte(b.at(pos+3), ni)
	b.p.SetInt(b.at(pos+4), 0)
	return pos, nil
}

// PatchForward sets the target of the forward at position at.
func (b *Builder) PatchForward(at, target int) error {
	b.mustBeOpen()
	if op := Op(b.p.Byte(b.at(at))); op.Base() != Forward {
		poolvm.Panic("no forward at position %d", at)
	}
	if err := b.checkWord(target); err != nil {
		return err
	}
	b.p.SetInt(b.at(at+4), target)
	return nil
}

// AddRangeStart emits the setup of a range loop over identifier id, taking
// nargs arguments from the operand stack.
func (b *Builder) AddRangeStart(id poolvm.ID, nargs int) (int, error) {
	if nargs < 1 || nargs > 3 {
		return 0, poolvm.Errorf(poolvm.ArityError, "range expects 1 to 3 arguments, got %d", nargs)
	}
	if err := b.checkWord(int(id)); err != nil {
		return 0, err
	}
	w := b.p.W()
	pos, err := b.reserve(1 + w + 1)
	if err != nil {
		return 0, err
	}
	b.p.SetByte(b.at(pos), byte(RangeStart))
	b.p.SetInt(b.at(pos+1), int(id))
	b.p.SetByte(b.at(pos+1+w), byte(nargs))
	return pos, nil
}

// AddLine emits a source line marker.
func (b *Builder) AddLine(line int) (int, error) {
	return b.emitWord(Line, line)
}

// SetPush sets the PushBit of the instruction at position at.
func (b *Builder) SetPush(at int) {
	b.mustBeOpen()
	pos := b.at(at)
	b.p.SetByte(pos, b.p.Byte(pos)|byte(PushBit))
}

// Finish copies the buffered instructions into an immutable code blob and
// closes the builder.
func (b *Builder) Finish() (pool.Offset, error) {
	n := b.Current()
	blob, err := b.p.Alloc(b.p.W() + n) // b.buf is still a root
	if err != nil {
		b.Close()
		return pool.None, err
	}
	b.p.SetInt(blob, n)
	b.p.Copy(Start(b.p, blob), bufStart(b.p, b.buf), n)
	b.Close()
	tracer().Debugf("finished code blob of %d bytes", n)
	return blob, nil
}

// Close abandons the builder. The compile buffer becomes garbage.
func (b *Builder) Close() {
	b.p.RemoveRoots(b)
	b.buf = pool.None
}
