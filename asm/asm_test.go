package asm

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/npillmayer/poolvm"
	"github.com/npillmayer/poolvm/agg"
	"github.com/npillmayer/poolvm/code"
	"github.com/npillmayer/poolvm/pool"
	"github.com/npillmayer/poolvm/vm"
	"github.com/npillmayer/schuko/tracing/gotestingadapter"
	"github.com/vmihailenco/msgpack/v5"
)

// symbols is a minimal interning table, preloaded with the builtins.
type symbols struct {
	ids   map[string]poolvm.ID
	names map[poolvm.ID]string
}

func newSymbols() *symbols {
	s := &symbols{ids: map[string]poolvm.ID{}, names: map[poolvm.ID]string{}}
	for _, b := range vm.Std {
		s.Intern(b.Name)
	}
	return s
}

func (s *symbols) Intern(name string) poolvm.ID {
	if id, ok := s.ids[name]; ok {
		return id
	}
	id := poolvm.ID(len(s.ids) + 1)
	s.ids[name], s.names[id] = id, name
	return id
}

func (s *symbols) Name(id poolvm.ID) string { return s.names[id] }

const squares = `
; sum of squares
func sq x
    id! x
    id x
    times
    forward return 0 0 @out
out:
end

    int 0
    assign total
    int! 1
    int! 5
    range_start i 2
top: range_step @done      ; loop head
    id! sq
    id! i
    call 1 0
    assign_plus total
    branch @top
done:
    id! print
    id! total
    string "!\n"
    assign_named! end
    call 1 1
    id total
`

func TestParse(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.asm")
	defer teardown()
	//
	prog, err := Parse(squares)
	if err != nil {
		t.Fatal(err)
	}
	if len(prog.Funcs) != 1 || prog.Funcs[0].Name != "sq" || len(prog.Funcs[0].Formals) != 1 {
		t.Fatalf("function not parsed correctly: %+v", prog.Funcs)
	}
	if prog.Funcs[0].Labels["out"] != 4 {
		t.Errorf("label at end of function should point past last instruction")
	}
	main := prog.Main
	if len(main.Code) != 17 {
		t.Errorf("expected 17 main instructions, have %d", len(main.Code))
	}
	if main.Labels["top"] != 5 || main.Labels["done"] != 11 {
		t.Errorf("labels resolved wrongly: %v", main.Labels)
	}
	if in := main.Code[2]; !in.Push || in.Mnemonic != "int" || in.Operands[0].Num != 1 {
		t.Errorf("instruction parsed wrongly: %s", in)
	}
	if in := main.Code[13]; in.Operands[0].Name != "!\n" {
		t.Errorf("string literal not unquoted: %s", in)
	}
}

func TestParseVariadicHeader(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.asm")
	defer teardown()
	//
	prog, err := Parse("func f a * more\n id more\n end\n")
	if err != nil {
		t.Fatal(err)
	}
	f := prog.Funcs[0]
	if f.Rest != "more" || len(f.Formals) != 1 || f.Formals[0] != "a" {
		t.Errorf("header parsed wrongly: %+v", f)
	}
}

func TestSyntaxErrors(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.asm")
	defer teardown()
	//
	for _, src := range []string{
		"bogus 1\n",
		"branch @nowhere\n",
		"func f\nfunc g\nend\nend\n",
		"func f a\n int 1\n",
		"int \"x\"\n",
		"end\n",
		"forward jump 0 0 @l\nl:\n",
		"x:\nx:\n",
		"int 1 2\n",
		"plus $\n",
	} {
		_, err := Parse(src)
		var serr *SyntaxError
		if !errors.As(err, &serr) {
			t.Errorf("expected syntax error for %q, have %v", src, err)
		}
	}
}

func newVM(t *testing.T, syms *symbols, opts ...vm.Option) *vm.VM {
	p, err := pool.New(8192)
	if err != nil {
		t.Fatal(err)
	}
	opts = append(opts, vm.WithNames(syms))
	m, err := vm.New(p, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestAssembleAndRun(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.asm")
	defer teardown()
	//
	var out bytes.Buffer
	syms := newSymbols()
	m := newVM(t, syms, vm.WithOutput(&out))
	blob, err := Assemble(m, syms, squares)
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("\n%s", code.Disassemble(m.Pool(), blob, syms))
	result, err := m.Run(blob)
	if err != nil {
		t.Fatal(err)
	}
	if result.Float() != 30 {
		t.Errorf("expected 30, have %s", agg.Format(m.Pool(), result))
	}
	if out.String() != "30!\n" {
		t.Errorf("print wrote %q", out.String())
	}
	if _, ok := m.Global(syms.Intern("sq")); !ok {
		t.Errorf("function not bound to global name")
	}
}

func TestLoadAttributesLine(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.asm")
	defer teardown()
	//
	syms := newSymbols()
	m := newVM(t, syms)
	_, err := Assemble(m, syms, "nop\nlist 1.5\n")
	var perr *poolvm.Error
	if !errors.As(err, &perr) || perr.Line != 2 {
		t.Errorf("expected error on line 2, have %v", err)
	}
}

func TestLoadRejectsBadCounts(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.asm")
	defer teardown()
	//
	syms := newSymbols()
	m := newVM(t, syms)
	for _, src := range []string{"list 1.5\n", "list 1e12\n", "list -1e12\n", "list nan\n"} {
		if _, err := Assemble(m, syms, src); poolvm.KindOf(err) != poolvm.TypeError {
			t.Errorf("%q: expected count to be rejected, have %v", src, err)
		}
	}
}

func TestImageRoundTrip(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.asm")
	defer teardown()
	//
	prog, err := Parse(squares)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err = WriteImage(&buf, prog); err != nil {
		t.Fatal(err)
	}
	stored := buf.Bytes()
	loaded, err := ReadImage(bytes.NewReader(stored))
	if err != nil {
		t.Fatal(err)
	}
	fp1, _ := Fingerprint(prog)
	fp2, _ := Fingerprint(loaded)
	if fp1 != fp2 {
		t.Errorf("fingerprint changed by round trip")
	}
	var out bytes.Buffer
	syms := newSymbols()
	m := newVM(t, syms, vm.WithOutput(&out))
	blob, err := Load(m, syms, loaded)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = m.Run(blob); err != nil {
		t.Fatal(err)
	}
	if out.String() != "30!\n" {
		t.Errorf("loaded image printed %q", out.String())
	}
	//
	var img Image
	if err = msgpack.Unmarshal(stored, &img); err != nil {
		t.Fatal(err)
	}
	img.Program.Main.Code[0].Operands[0].Num = 42
	tampered, err := msgpack.Marshal(&img)
	if err != nil {
		t.Fatal(err)
	}
	_, err = ReadImage(bytes.NewReader(tampered))
	if err == nil || !strings.Contains(err.Error(), "fingerprint") {
		t.Errorf("expected fingerprint mismatch, have %v", err)
	}
}
