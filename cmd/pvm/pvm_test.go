package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/npillmayer/poolvm/runtime"
	"github.com/npillmayer/schuko/tracing/gotestingadapter"
)

const doubling = `
func double x
    id! x
    int 2
    times
    forward return 0 0 @out
out:
end
    id! print
    id! double
    int! 21
    call! 1 0
    call 1 0
`

func execute(t *testing.T, args ...string) string {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("pvm %s: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func TestAssembleAndRunImage(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.cmd")
	defer teardown()
	//
	dir := t.TempDir()
	src := filepath.Join(dir, "double.pva")
	if err := os.WriteFile(src, []byte(doubling), 0o644); err != nil {
		t.Fatal(err)
	}
	img := filepath.Join(dir, "double"+ImageSuffix)
	execute(t, "asm", src, "-o", img)
	if _, err := os.Stat(img); err != nil {
		t.Fatalf("image not written: %v", err)
	}
	if out := execute(t, "run", img); out != "42\n" {
		t.Errorf("running the image printed %q", out)
	}
	if out := execute(t, "run", src); out != "42\n" {
		t.Errorf("running the source printed %q", out)
	}
	out := execute(t, "dis", src)
	if !strings.Contains(out, "main:") || !strings.Contains(out, "func double") {
		t.Errorf("disassembly incomplete:\n%s", out)
	}
}

func TestInterpreterBlocks(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "poolvm.cmd")
	defer teardown()
	//
	rt, err := runtime.New(runtime.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()
	var out bytes.Buffer
	intp := &Intp{rt: rt, out: &out}
	for _, line := range []string{
		"func inc x", "id! x", "int 1", "plus", "forward return 0 0 @out", "out:", "end",
		":{", "id! inc", "int! 41", "call 1 0", "assign y", ":}",
	} {
		if _, err = intp.Eval(line); err != nil {
			t.Fatalf("%q: %v", line, err)
		}
	}
	if y, ok := rt.Global("y"); !ok || y != "42" {
		t.Errorf("expected y = 42, have %q", y)
	}
	if _, err = intp.Eval("bogus"); err == nil || rt.Halted() != nil {
		t.Errorf("syntax error should be reported without halting, have %v", err)
	}
	if quit, _ := intp.Eval(":quit"); !quit {
		t.Errorf(":quit should end the session")
	}
	if err = intp.Batch(strings.NewReader("id! y\nint 8\nplus\nassign z\n")); err != nil {
		t.Fatal(err)
	}
	if z, _ := rt.Global("z"); z != "50" {
		t.Errorf("batch input not executed, z = %q", z)
	}
}
