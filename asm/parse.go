package asm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/npillmayer/poolvm/code"
)

// OperandKind is the kind of an instruction operand.
type OperandKind uint8

// Kinds of operands.
const (
	NameOperand   OperandKind = iota // identifier, or "_" for none
	NumberOperand                    // numeric literal
	TextOperand                      // string literal
	LabelOperand                     // branch target
)

// Operand is an operand of an instruction.
type Operand struct {
	Kind OperandKind `msgpack:"k"`
	Name string      `msgpack:"s,omitempty"` // name, text or label
	Num  float64     `msgpack:"n,omitempty"`
}

// Instr is an instruction in portable form.
type Instr struct {
	Mnemonic string    `msgpack:"m"` // without push marker
	Push     bool      `msgpack:"p,omitempty"`
	Operands []Operand `msgpack:"o,omitempty"`
	Line     int       `msgpack:"l"` // line in the assembler source
}

func (in Instr) String() string {
	var b strings.Builder
	b.WriteString(in.Mnemonic)
	if in.Push {
		b.WriteByte('!')
	}
	for _, o := range in.Operands {
		b.WriteByte(' ')
		switch o.Kind {
		case NumberOperand:
			b.WriteString(strconv.FormatFloat(o.Num, 'g', -1, 64))
		case TextOperand:
			b.WriteString(strconv.Quote(o.Name))
		case LabelOperand:
			b.WriteString("@" + o.Name)
		default:
			b.WriteString(o.Name)
		}
	}
	return b.String()
}

// Chunk is a sequence of instructions assembled into one code blob: either
// a function or the main code of a program.
type Chunk struct {
	Name    string         `msgpack:"name,omitempty"` // function name; empty for main code
	Formals []string       `msgpack:"formals,omitempty"`
	Rest    string         `msgpack:"rest,omitempty"`   // rest parameter of a variadic function
	Labels  map[string]int `msgpack:"labels,omitempty"` // label → index of the following instruction
	Code    []Instr        `msgpack:"code"`
}

// Program is an assembled program in portable form.
type Program struct {
	Funcs []*Chunk `msgpack:"funcs,omitempty"`
	Main  *Chunk   `msgpack:"main"`
}

// Parse parses the assembler format.
func Parse(src string) (*Program, error) {
	sc, err := newScanner(src)
	if err != nil {
		return nil, err
	}
	ps := &parser{sc: sc}
	prog, err := ps.program()
	if err != nil {
		tracer().Errorf("%v", err)
		return nil, err
	}
	tracer().Debugf("parsed program with %d functions, %d main instructions",
		len(prog.Funcs), len(prog.Main.Code))
	return prog, nil
}

type parser struct {
	sc   *scanner
	tok  token
	back bool // tok has been pushed back
	line int
}

func (ps *parser) next() (token, error) {
	if ps.back {
		ps.back = false
		return ps.tok, nil
	}
	t, err := ps.sc.next()
	if err != nil {
		return t, err
	}
	ps.tok = t
	if t.line > 0 {
		ps.line = t.line
	}
	return t, nil
}

func (ps *parser) unread() {
	ps.back = true
}

func (ps *parser) errorf(format string, args ...interface{}) error {
	return &SyntaxError{Line: ps.line, Msg: fmt.Sprintf(format, args...)}
}

func newChunk(name string) *Chunk {
	return &Chunk{Name: name, Labels: make(map[string]int)}
}

func (ps *parser) program() (*Program, error) {
	prog := &Program{Main: newChunk("")}
	cur := prog.Main
	for {
		t, err := ps.next()
		if err != nil {
			return nil, err
		}
		switch t.typ {
		case tokEOF:
			if cur != prog.Main {
				return nil, ps.errorf("function %s lacks 'end'", cur.Name)
			}
			return prog, checkLabels(prog.Main)
		case tokNewline:
			continue
		case tokLabel:
			label := strings.TrimSuffix(t.lexeme, ":")
			if _, dup := cur.Labels[label]; dup {
				return nil, ps.errorf("duplicate label %s", label)
			}
			cur.Labels[label] = len(cur.Code)
			continue
		case tokName:
		default:
			return nil, ps.errorf("unexpected %s", t)
		}
		switch t.lexeme {
		case "func":
			if cur != prog.Main {
				return nil, ps.errorf("nested function %s", cur.Name)
			}
			if cur, err = ps.funcHeader(); err != nil {
				return nil, err
			}
			prog.Funcs = append(prog.Funcs, cur)
			continue
		case "end":
			if cur == prog.Main {
				return nil, ps.errorf("'end' outside of function")
			}
			if err = ps.endOfLine(); err != nil {
				return nil, err
			}
			if err = checkLabels(cur); err != nil {
				return nil, err
			}
			cur = prog.Main
			continue
		}
		in, err := ps.instr(t)
		if err != nil {
			return nil, err
		}
		cur.Code = append(cur.Code, in)
		if err = ps.endOfLine(); err != nil {
			return nil, err
		}
	}
}

// funcHeader parses `NAME FORMAL… [* REST]`.
func (ps *parser) funcHeader() (*Chunk, error) {
	t, err := ps.next()
	if err != nil {
		return nil, err
	}
	if t.typ != tokName {
		return nil, ps.errorf("function name expected, have %s", t)
	}
	c := newChunk(t.lexeme)
	seen := map[string]bool{}
	for {
		if t, err = ps.next(); err != nil {
			return nil, err
		}
		switch t.typ {
		case tokNewline, tokEOF:
			ps.unread()
			return c, ps.endOfLine()
		case tokName:
			if seen[t.lexeme] {
				return nil, ps.errorf("duplicate formal %s", t.lexeme)
			}
			seen[t.lexeme] = true
			c.Formals = append(c.Formals, t.lexeme)
		case tokStar:
			if t, err = ps.next(); err != nil {
				return nil, err
			}
			if t.typ != tokName || seen[t.lexeme] {
				return nil, ps.errorf("rest parameter expected after '*'")
			}
			c.Rest = t.lexeme
			return c, ps.endOfLine()
		default:
			return nil, ps.errorf("unexpected %s in function header", t)
		}
	}
}

func (ps *parser) endOfLine() error {
	t, err := ps.next()
	if err != nil {
		return err
	}
	if t.typ != tokNewline && t.typ != tokEOF {
		return ps.errorf("end of line expected, have %s", t)
	}
	if t.typ == tokEOF {
		ps.unread()
	}
	return nil
}

// instr parses the operands of an instruction, checking them against the
// operand shape of the opcode.
func (ps *parser) instr(t token) (Instr, error) {
	in := Instr{Mnemonic: strings.TrimSuffix(t.lexeme, "!"), Line: ps.line}
	in.Push = in.Mnemonic != t.lexeme
	op, ok := code.Lookup(in.Mnemonic)
	if !ok {
		return in, ps.errorf("unknown mnemonic %s", in.Mnemonic)
	}
	for _, kind := range operandKinds(op.Shape()) {
		t, err := ps.next()
		if err != nil {
			return in, err
		}
		var o Operand
		switch {
		case kind == NameOperand && t.typ == tokName:
			o = Operand{Kind: NameOperand, Name: t.lexeme}
		case kind == NumberOperand && t.typ == tokNumber:
			f, err := strconv.ParseFloat(t.lexeme, 64)
			if err != nil {
				return in, ps.errorf("malformed number %s", t.lexeme)
			}
			o = Operand{Kind: NumberOperand, Num: f}
		case kind == TextOperand && t.typ == tokString:
			s, err := strconv.Unquote(t.lexeme)
			if err != nil {
				return in, ps.errorf("malformed string %s", t.lexeme)
			}
			o = Operand{Kind: TextOperand, Name: s}
		case kind == LabelOperand && t.typ == tokTarget:
			o = Operand{Kind: LabelOperand, Name: strings.TrimPrefix(t.lexeme, "@")}
		default:
			return in, ps.errorf("%s: unexpected %s", in.Mnemonic, t)
		}
		in.Operands = append(in.Operands, o)
	}
	if op.Shape() == code.ForwardOperand {
		if _, ok := code.LookupForward(in.Operands[0].Name); !ok {
			return in, ps.errorf("unknown forward kind %s", in.Operands[0].Name)
		}
	}
	return in, nil
}

// operandKinds lists the operands expected for an operand shape.
func operandKinds(s code.Shape) []OperandKind {
	switch s {
	case code.ValueOperand, code.Int8Operand, code.CountOperand, code.SliceOperand, code.LineOperand:
		return []OperandKind{NumberOperand}
	case code.TextOperand:
		return []OperandKind{TextOperand}
	case code.IDOperand:
		return []OperandKind{NameOperand}
	case code.CallOperand:
		return []OperandKind{NumberOperand, NumberOperand}
	case code.TargetOperand:
		return []OperandKind{LabelOperand}
	case code.ForwardOperand:
		return []OperandKind{NameOperand, NumberOperand, NumberOperand, LabelOperand}
	case code.RangeOperand:
		return []OperandKind{NameOperand, NumberOperand}
	}
	return nil
}

// checkLabels verifies that every branch target of a chunk is defined.
func checkLabels(c *Chunk) error {
	for _, in := range c.Code {
		for _, o := range in.Operands {
			if o.Kind != LabelOperand {
				continue
			}
			if _, ok := c.Labels[o.Name]; !ok {
				return &SyntaxError{Line: in.Line, Msg: fmt.Sprintf("undefined label %s", o.Name)}
			}
		}
	}
	return nil
}
