package code

import (
	"fmt"
	"strings"

	"github.com/npillmayer/poolvm"
	"github.com/npillmayer/poolvm/agg"
	"github.com/npillmayer/poolvm/pool"
)

// Disassemble returns a listing of a code blob, one instruction per line.
// names is used to print identifiers and may be nil.
func Disassemble(p *pool.Pool, blob pool.Offset, names poolvm.Names) string {
	var b strings.Builder
	for ip, n := 0, Len(p, blob); ip < n; {
		in := Decode(p, blob, ip)
		fmt.Fprintf(&b, "%5d  %s\n", ip, in.Format(p, names))
		ip = in.Next()
	}
	return b.String()
}

// Format formats a decoded instruction in assembler syntax.
func (in Instr) Format(p *pool.Pool, names poolvm.Names) string {
	op := in.Op
	if in.Push {
		op |= PushBit
	}
	s := op.String()
	switch op.Shape() {
	case ValueOperand, TextOperand:
		return s + " " + agg.Format(p, in.Value)
	case Int8Operand, CountOperand, LineOperand:
		return fmt.Sprintf("%s %d", s, in.N)
	case IDOperand:
		return s + " " + name(names, in.ID)
	case CallOperand:
		return fmt.Sprintf("%s %d %d", s, in.NPos, in.NNamed)
	case SliceOperand:
		return fmt.Sprintf("%s %d", s, in.Slice)
	case TargetOperand:
		return fmt.Sprintf("%s @%d", s, in.Target)
	case ForwardOperand:
		return fmt.Sprintf("%s %s %d %d @%d", s, in.Fwd, in.NRange, in.NIn, in.Target)
	case RangeOperand:
		return fmt.Sprintf("%s %s %d", s, name(names, in.ID), in.N)
	}
	return s
}

func name(names poolvm.Names, id poolvm.ID) string {
	if id == poolvm.NoID {
		return "_"
	}
	if names != nil {
		if n := names.Name(id); n != "" {
			return n
		}
	}
	return fmt.Sprintf("#%d", id)
}
