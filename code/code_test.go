package code

import (
	"math"
	"strings"
	"testing"

	"github.com/npillmayer/poolvm"
	"github.com/npillmayer/poolvm/agg"
	"github.com/npillmayer/poolvm/pool"
	"github.com/npillmayer/schuko/tracing/gotestingadapter"
)

type blobs struct {
	code []pool.Offset
}

func (r *blobs) MarkRoots(p *pool.Pool) {
	for _, c := range r.code {
		p.MarkOffset(pool.KindCode, c)
	}
}

func (r *blobs) MoveRoots(p *pool.Pool) {
	for i := range r.code {
		p.MoveOffset(&r.code[i])
	}
}

type testNames map[poolvm.ID]string

func (n testNames) Name(id poolvm.ID) string { return n[id] }

func newPool(t *testing.T, size int) (*pool.Pool, *blobs) {
	p, err := pool.New(size)
	if err != nil {
		t.Fatal(err)
	}
	agg.Register(p)
	Register(p)
	r := &blobs{}
	p.AddRoots(r)
	return p, r
}

// checker returns a function for checking the results of emitter calls.
func checker(t *testing.T) func(int, error) {
	return func(_ int, err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestOpcodeNumbering(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.code")
	defer teardown()
	//
	if Plus != 0 || Rshift != 11 || AssignPlus != 12 || AssignRshift != 23 || Num != 24 {
		t.Errorf("opcode numbering broken")
	}
	if len(opNames) != int(numOps) {
		t.Fatalf("have %d opcode names for %d opcodes", len(opNames), numOps)
	}
	for op := Op(0); op < numOps; op++ {
		if o, ok := Lookup(op.String()); !ok || o != op {
			t.Errorf("mnemonic %q does not map back to opcode %d", op.String(), op)
		}
	}
	if (Times | PushBit).String() != "times!" {
		t.Errorf("push bit not shown in mnemonic")
	}
	if AssignMod.BinaryOf() != Mod || !AssignMod.IsAssignOp() || Mod.IsAssignOp() {
		t.Errorf("compound assignment mapping broken")
	}
}

func TestBuilderRoundTrip(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.code")
	defer teardown()
	//
	must := checker(t)
	p, roots := newPool(t, 4096)
	b, err := NewBuilder(p)
	if err != nil {
		t.Fatal(err)
	}
	must(b.AddLine(7))
	must(b.AddNumber(3, true))
	must(b.AddNumber(2.5, false))
	must(b.AddOp(Plus))
	must(b.AddOpID(Assign, 5))
	must(b.AddCall(Call|PushBit, 2, 1))
	must(b.AddSlice(Slice, SliceStart|SliceStride))
	must(b.AddRangeStart(6, 3))
	br, err := b.AddBranch(BranchFalse)
	must(br, err)
	fw, err := b.AddForward(FwdBreak, 1, 2)
	must(fw, err)
	end := b.Current()
	must(b.AddOp(Nop))
	if err = b.PatchBranch(br, end); err != nil {
		t.Fatal(err)
	}
	if err = b.PatchForward(fw, end); err != nil {
		t.Fatal(err)
	}
	blob, err := b.Finish()
	if err != nil {
		t.Fatal(err)
	}
	roots.code = append(roots.code, blob)
	var instrs []Instr
	for ip := 0; ip < Len(p, blob); {
		in := Decode(p, blob, ip)
		instrs = append(instrs, in)
		ip = in.Next()
	}
	if len(instrs) != 11 {
		t.Fatalf("expected 11 instructions, decoded %d", len(instrs))
	}
	check := func(i int, ok bool) {
		if !ok {
			t.Errorf("instruction %d decoded wrongly: %+v", i, instrs[i])
		}
	}
	check(0, instrs[0].Op == Line && instrs[0].N == 7)
	check(1, instrs[1].Op == Int && instrs[1].N == 3 && instrs[1].Push)
	check(2, instrs[2].Op == Num && instrs[2].Value.Float() == 2.5 && !instrs[2].Push)
	check(3, instrs[3].Op == Plus)
	check(4, instrs[4].Op == Assign && instrs[4].ID == 5)
	check(5, instrs[5].Op == Call && instrs[5].NPos == 2 && instrs[5].NNamed == 1 &&
		instrs[5].Size == CallSize && instrs[5].Push)
	check(6, instrs[6].Op == Slice && instrs[6].Slice == SliceStart|SliceStride)
	check(7, instrs[7].Op == RangeStart && instrs[7].ID == 6 && instrs[7].N == 3)
	check(8, instrs[8].Op == BranchFalse && instrs[8].Target == end)
	check(9, instrs[9].Op == Forward && instrs[9].Fwd == FwdBreak &&
		instrs[9].NRange == 1 && instrs[9].NIn == 2 && instrs[9].Target == end)
	check(10, instrs[10].Op == Nop && instrs[10].Pos == end)
}

func TestShortNumbers(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.code")
	defer teardown()
	//
	must := checker(t)
	p, _ := newPool(t, 1024)
	for _, x := range []struct {
		f  float32
		op Op
	}{
		{5, Int},
		{-128, Int},
		{127, Int},
		{128, Num},
		{1.5, Num},
		{float32(math.Copysign(0, -1)), Num},
	} {
		b, err := NewBuilder(p)
		if err != nil {
			t.Fatal(err)
		}
		must(b.AddNumber(x.f, false))
		blob, err := b.Finish()
		if err != nil {
			t.Fatal(err)
		}
		in := Decode(p, blob, 0)
		if in.Op != x.op {
			t.Errorf("expected %g to be emitted as %s, is %s", x.f, x.op, in.Op)
		}
	}
}

func TestLiteralsSurviveCollection(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.code")
	defer teardown()
	//
	must := checker(t)
	p, roots := newPool(t, 4096)
	b, err := NewBuilder(p)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		if _, err = agg.MakeText(p, "garbage"); err != nil {
			t.Fatal(err)
		}
		txt, err := agg.MakeText(p, "hello")
		if err != nil {
			t.Fatal(err)
		}
		must(b.AddString(txt, true)) // grows the compile buffer
	}
	p.Collect(pool.Full)
	blob, err := b.Finish()
	if err != nil {
		t.Fatal(err)
	}
	roots.code = append(roots.code, blob)
	p.Collect(pool.Full)
	blob = roots.code[0]
	n := 0
	for ip := 0; ip < Len(p, blob); n++ {
		in := Decode(p, blob, ip)
		if in.Op != String || agg.TextString(p, in.Value) != "hello" {
			t.Fatalf("literal %d corrupted: %s", n, in.Format(p, nil))
		}
		ip = in.Next()
	}
	if n != 20 {
		t.Errorf("expected 20 literals, found %d", n)
	}
}

func TestDisassemble(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.code")
	defer teardown()
	//
	must := checker(t)
	p, _ := newPool(t, 1024)
	b, err := NewBuilder(p)
	if err != nil {
		t.Fatal(err)
	}
	must(b.AddInt(1, true))
	must(b.AddInt(2, false))
	must(b.AddOp(Plus))
	must(b.AddOpID(Assign, 1))
	blob, err := b.Finish()
	if err != nil {
		t.Fatal(err)
	}
	listing := Disassemble(p, blob, testNames{1: "x"})
	t.Logf("\n%s", listing)
	for _, s := range []string{"int! 1", "int 2", "plus", "assign x"} {
		if !strings.Contains(listing, s) {
			t.Errorf("listing misses %q", s)
		}
	}
}
