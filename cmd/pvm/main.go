/*
Command pvm runs programs on the pool VM.

Usage:

    pvm run FILE           run an assembler source or a program image
    pvm asm FILE -o IMAGE  assemble a source file into a program image
    pvm dis FILE           print the disassembled code blobs of a program
    pvm repl               start an interactive session

Global flags are --config (a TOML configuration file) and --trace (trace
level, one of Debug, Info, Error).

License

Governed by a 3-Clause BSD license. License file may be found in the root
folder of this module.

Copyright © 2017–2021 Norbert Pillmayer <norbert@pillmayer.com>

*/
package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/npillmayer/poolvm"
	"github.com/npillmayer/poolvm/asm"
	"github.com/npillmayer/poolvm/runtime"
	"github.com/npillmayer/poolvm/vm"
	"github.com/npillmayer/schuko/gtrace"
	"github.com/npillmayer/schuko/tracing"
	"github.com/npillmayer/schuko/tracing/gologadapter"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// tracer traces with key 'poolvm.cmd'.
func tracer() tracing.Trace {
	return tracing.Select("poolvm.cmd")
}

// traceKeys are the tracers of all packages of the module.
var traceKeys = []string{"poolvm.pool", "poolvm.agg", "poolvm.code", "poolvm.vm",
	"poolvm.asm", "poolvm.runtime", "poolvm.cmd"}

// ImageSuffix is the file suffix of program images.
const ImageSuffix = ".pvi"

var rootCmd = &cobra.Command{
	Use:           "pvm",
	Short:         "Pool VM, a runtime for memory-constrained environments",
	Long:          `pvm assembles and runs programs on a VM which lives in a fixed-size memory pool`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		initDisplay()
		return initTracing(cmd)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(asmCmd)
	rootCmd.AddCommand(disCmd)
	rootCmd.AddCommand(replCmd)

	rootCmd.PersistentFlags().String("config", "", "configuration file (TOML)")
	rootCmd.PersistentFlags().String("trace", "", "trace level [Debug|Info|Error]")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err.Error())
		if poolvm.IsFatal(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// We use pterm for moderately fancy output.
func initDisplay() {
	pterm.Info.Prefix = pterm.Prefix{
		Text:  "  >>",
		Style: pterm.NewStyle(pterm.BgCyan, pterm.FgBlack),
	}
	pterm.Error.Prefix = pterm.Prefix{
		Text:  "  Error",
		Style: pterm.NewStyle(pterm.BgRed, pterm.FgBlack),
	}
}

// initTracing sets up logging. The trace level given by flag overrides the
// level of the configuration.
func initTracing(cmd *cobra.Command) error {
	gtrace.SyntaxTracer = gologadapter.New()
	cfg, err := configuration(cmd)
	if err != nil {
		return err
	}
	level := cfg.Trace
	if flag, _ := cmd.Flags().GetString("trace"); flag != "" {
		level = flag
	}
	for _, key := range traceKeys {
		tracing.Select(key).SetTraceLevel(tracing.TraceLevelFromString(level))
	}
	tracer().Debugf("trace level is %s", level)
	return nil
}

// configuration returns the configuration named by the --config flag, or
// the default configuration.
func configuration(cmd *cobra.Command) (runtime.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return runtime.DefaultConfig(), nil
	}
	return runtime.LoadConfig(path)
}

// newRuntime creates a runtime from the configuration. Non-fatal errors are
// printed as they occur.
func newRuntime(cmd *cobra.Command) (*runtime.Runtime, error) {
	cfg, err := configuration(cmd)
	if err != nil {
		return nil, err
	}
	return runtime.New(cfg,
		vm.WithOutput(cmd.OutOrStdout()),
		vm.WithReporter(func(err error) {
			pterm.Error.Println(err.Error())
		}),
	)
}

// readProgram reads a program from a file, which is either a program image
// or an assembler source.
func readProgram(path string) (*asm.Program, error) {
	if strings.EqualFold(filepath.Ext(path), ImageSuffix) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return asm.ReadImage(f)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return asm.Parse(string(src))
}
