package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/mattn/go-isatty"
	"github.com/npillmayer/poolvm/asm"
	"github.com/npillmayer/poolvm/poly"
	"github.com/npillmayer/poolvm/runtime"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var replCmd = &cobra.Command{
	Use:   "repl [flags] [init-file]",
	Short: "Start an interactive session",
	Long: `Start an interactive session. Every line is executed as a program of its own;
function blocks (func … end) and blocks enclosed in ':{' and ':}' span several lines.
If standard input is not a terminal, it is executed as a single program.`,
	Args: cobra.MaximumNArgs(1),
	RunE: startREPL,
}

const (
	prompt     = "pvm> "
	contPrompt = "...> "
)

// Intp is our interpreter object.
type Intp struct {
	rt    *runtime.Runtime
	repl  *readline.Instance
	out   io.Writer
	block []string // lines of an unfinished block
	main  bool     // block is main code, not a function
}

func startREPL(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()
	intp := &Intp{rt: rt, out: cmd.OutOrStdout()}
	if len(args) == 1 {
		if err = intp.loadInitFile(args[0]); err != nil {
			return err
		}
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		tracer().Debugf("standard input is not a terminal, running in batch mode")
		return intp.Batch(os.Stdin)
	}
	if intp.repl, err = readline.New(prompt); err != nil {
		return err
	}
	defer intp.repl.Close()
	pterm.Info.Println("Welcome to the pool VM") // colored welcome message
	tracer().Infof("Quit with <ctrl>D or :quit")
	return intp.REPL()
}

func (intp *Intp) loadInitFile(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("unable to open init file: %w", err)
	}
	defer f.Close()
	return intp.Batch(f)
}

// Batch executes the complete input as a single program.
func (intp *Intp) Batch(r io.Reader) error {
	src, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	_, err = intp.exec(string(src))
	if intp.rt.Halted() != nil {
		return err
	}
	return nil
}

// REPL starts interactive mode.
func (intp *Intp) REPL() error {
	for {
		line, err := intp.repl.Readline()
		if err != nil { // io.EOF or interrupt
			break
		}
		quit, err := intp.Eval(line)
		if err != nil && intp.rt.Halted() != nil {
			pterm.Error.Println("runtime halted, good bye")
			return err
		}
		if quit {
			break
		}
	}
	fmt.Fprintln(intp.out, "Good bye!")
	return nil
}

// Eval evaluates a line of input. Lines are collected while a block is
// open. Returns true if the user asked to quit.
func (intp *Intp) Eval(line string) (bool, error) {
	line = strings.TrimSpace(line)
	if intp.block != nil {
		return false, intp.continueBlock(line)
	}
	switch {
	case line == "":
		return false, nil
	case strings.HasPrefix(line, ":"):
		return intp.command(line)
	case strings.HasPrefix(line, "func "):
		intp.openBlock(false)
		return false, intp.continueBlock(line)
	}
	_, err := intp.exec(line)
	return false, err
}

func (intp *Intp) openBlock(main bool) {
	intp.block, intp.main = []string{}, main
	intp.setPrompt(contPrompt)
}

func (intp *Intp) setPrompt(p string) {
	if intp.repl != nil {
		intp.repl.SetPrompt(p)
	}
}

// continueBlock adds a line to the open block. A block is executed as soon
// as it is complete.
func (intp *Intp) continueBlock(line string) error {
	var done bool
	if intp.main {
		done = line == ":}"
	} else {
		intp.block = append(intp.block, line)
		done = line == "end"
	}
	if !done {
		if intp.main {
			intp.block = append(intp.block, line)
		}
		return nil
	}
	src := strings.Join(intp.block, "\n") + "\n"
	intp.block = nil
	intp.setPrompt(prompt)
	_, err := intp.exec(src)
	return err
}

// exec executes a program and prints its result. Errors of the VM are
// printed by the runtime's reporter as they occur, syntax errors are
// printed here.
func (intp *Intp) exec(src string) (poly.Value, error) {
	result, err := intp.rt.ExecSource(src)
	if err != nil {
		var serr *asm.SyntaxError
		if errors.As(err, &serr) {
			pterm.Error.Println(serr.Error())
		}
		return poly.Null, err
	}
	if result != poly.Null {
		pterm.Info.Println(intp.rt.Format(result))
	}
	return result, nil
}

// command executes a REPL command.
func (intp *Intp) command(line string) (bool, error) {
	switch line {
	case ":quit", ":q":
		return true, nil
	case ":{":
		intp.openBlock(true)
	case ":frames":
		intp.printFrames()
	case ":gc":
		s := intp.rt.Collect()
		pterm.Info.Println(fmt.Sprintf("%s collection: %d objects, %d bytes live, %d bytes freed",
			s.Style, s.Objects, s.Live, s.Freed))
	default:
		pterm.Error.Println("unknown command " + line + ", try :frames, :gc, :{ or :quit")
	}
	return false, nil
}

// printFrames displays the frame chain as a tree on the terminal.
func (intp *Intp) printFrames() {
	frames := intp.rt.Frames()
	ll := pterm.LeveledList{}
	for i, f := range frames {
		text := fmt.Sprintf("frame %d", f.Depth)
		if i == len(frames)-1 {
			text = "globals"
		}
		ll = append(ll, pterm.LeveledListItem{Level: 0, Text: text})
		for _, v := range f.Vars {
			ll = append(ll, pterm.LeveledListItem{
				Level: 1,
				Text:  v.Name + " = " + v.Value,
			})
		}
	}
	tracer().Debugf("|ll| = %d", len(ll))
	root := pterm.NewTreeFromLeveledList(ll)
	pterm.DefaultTree.WithRoot(root).Render()
}
