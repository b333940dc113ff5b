// kernc is the command-line interface to the KERN compiler back end and
// execution core: assembler, offline verifier, disassembler and VM.
package main

import (
	"context"
	"os"

	"github.com/kern-lang/kernc/internal/cli"
	"github.com/kern-lang/kernc/internal/cli/cmd"
)

var (
	commands = []cli.Command{
		cmd.Assembler(),
		cmd.Verifier(),
		cmd.Runner(),
		cmd.Evaluator(),
		cmd.Disassembler(),
	}
)

// Entry point.
func main() {
	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
