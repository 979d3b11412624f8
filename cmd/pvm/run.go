package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/npillmayer/poolvm/asm"
	"github.com/npillmayer/poolvm/code"
	"github.com/npillmayer/poolvm/poly"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] <file>",
	Short: "Run a program",
	Long:  `Run an assembler source file or a program image (` + ImageSuffix + `)`,
	Args:  cobra.ExactArgs(1),
	RunE:  runProgram,
}

var asmCmd = &cobra.Command{
	Use:   "asm [flags] <file>",
	Short: "Assemble a program into an image",
	Args:  cobra.ExactArgs(1),
	RunE:  assembleProgram,
}

var disCmd = &cobra.Command{
	Use:   "dis [flags] <file>",
	Short: "Disassemble the code blobs of a program",
	Args:  cobra.ExactArgs(1),
	RunE:  disassembleProgram,
}

func init() {
	runCmd.Flags().Bool("result", false, "print the final value of the accumulator")
	runCmd.Flags().Bool("stats", false, "print pool statistics after the run")
	asmCmd.Flags().StringP("output", "o", "", "image file (default: input file with suffix "+ImageSuffix+")")
}

func runProgram(cmd *cobra.Command, args []string) error {
	prog, err := readProgram(args[0])
	if err != nil {
		return err
	}
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()
	result, err := rt.Exec(prog)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	if printResult, _ := cmd.Flags().GetBool("result"); printResult && result != poly.Null {
		fmt.Fprintln(cmd.OutOrStdout(), rt.Format(result))
	}
	if stats, _ := cmd.Flags().GetBool("stats"); stats {
		p := rt.VM.Pool()
		s := p.Stats()
		pterm.Info.Println(fmt.Sprintf("pool %d bytes, %d in use; %d collections, last one %s freed %d bytes",
			p.Size(), p.InUse(), s.Collections, s.Style, s.Freed))
	}
	return nil
}

func assembleProgram(cmd *cobra.Command, args []string) error {
	src, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	prog, err := asm.Parse(string(src))
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	out, _ := cmd.Flags().GetString("output")
	if out == "" {
		out = strings.TrimSuffix(args[0], ".pva") + ImageSuffix
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if err = asm.WriteImage(f, prog); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	tracer().Infof("wrote image %s", out)
	return nil
}

// disassembleProgram loads a program without running it and prints the code
// blobs of its functions and of its main code.
func disassembleProgram(cmd *cobra.Command, args []string) error {
	prog, err := readProgram(args[0])
	if err != nil {
		return err
	}
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()
	blob, err := asm.Load(rt.VM, rt.Symbols, prog)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	w := cmd.OutOrStdout()
	p := rt.VM.Pool()
	fmt.Fprintf(w, "main:\n%s", code.Disassemble(p, blob, rt.Symbols))
	for _, fn := range prog.Funcs {
		tag, _ := rt.Symbols.Resolve(fn.Name)
		v, ok := rt.VM.Global(tag.ID)
		if !ok || !v.Is(poly.TagFunction) {
			continue
		}
		info := rt.VM.Function(v)
		fmt.Fprintf(w, "\nfunc %s (%d formals):\n%s", fn.Name, len(info.Formals),
			code.Disassemble(p, info.Code, rt.Symbols))
	}
	return nil
}
