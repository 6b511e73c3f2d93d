// Command wasmxc-inspect loads a serialized executable.Executable produced
// by a prior compile (spec §4.I's headless path) and prints its header,
// function count, and signature table. It deliberately never compiles wasm
// source itself: it exercises the load-without-compile path end to end
// without becoming the "thin collaborator" CLI runner the core spec
// excludes.
//
// Grounded on the teacher's cmd/wazero "compile"/"run" subcommand split
// (cmd/wazero/wazero.go), rebuilt on github.com/spf13/cobra rather than the
// teacher's own stdlib flag.FlagSet, matching the broader Go-CLI convention
// seen in the retrieval pack's moby-moby cmd/ tree.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tetratelabs/wasmxc/internal/executable"
	"github.com/tetratelabs/wasmxc/internal/wasm"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wasmxc-inspect <executable-file>",
		Short: "Print the header, function count, and signature table of a serialized Executable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}
			exec, err := executable.Deserialize(data)
			if err != nil {
				return fmt.Errorf("deserializing %s: %w", args[0], err)
			}
			printHeader(cmd, exec)
			return nil
		},
	}
	return root
}

func printHeader(cmd *cobra.Command, exec *executable.Executable) {
	out := cmd.OutOrStdout()
	info := exec.ModuleInfo.ModuleInfo

	fmt.Fprintf(out, "format version: %d\n", exec.FormatVersion)
	fmt.Fprintf(out, "required CPU features: 0x%x\n", exec.RequiredCPUFeatures)
	fmt.Fprintf(out, "imported functions: %d\n", info.Counts.ImportedFunctions)
	fmt.Fprintf(out, "local functions: %d\n", len(exec.Functions))
	fmt.Fprintf(out, "exports: %d\n", len(info.Exports))

	fmt.Fprintln(out, "\nsignature table:")
	for i, sig := range exec.Signatures {
		fmt.Fprintf(out, "  [%d] %s\n", i, formatSignature(sig))
	}

	fmt.Fprintln(out, "\nfunctions:")
	for _, fn := range exec.Functions {
		full := info.Counts.FunctionIndex(fn.LocalIndex)
		name := info.FunctionNames[full]
		sig := info.TypeOf(full)
		fmt.Fprintf(out, "  [%d] %-20s %-24s %6d bytes  %d relocations\n",
			full, name, formatSignature(sig), len(fn.Code), len(fn.Relocations))
	}

	fmt.Fprintln(out, "\nexports:")
	for _, exp := range info.Exports {
		if exp.Type == wasm.ExternTypeFunc {
			fmt.Fprintf(out, "  %q -> function %d\n", exp.Name, exp.Index)
		}
	}
}

func formatSignature(sig *wasm.FunctionType) string {
	s := "("
	for i, p := range sig.Params {
		if i > 0 {
			s += ", "
		}
		s += p.String()
	}
	s += ") -> ("
	for i, r := range sig.Results {
		if i > 0 {
			s += ", "
		}
		s += r.String()
	}
	return s + ")"
}
