package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/kern-lang/kernc/internal/bytecode"
	"github.com/kern-lang/kernc/internal/cli"
	"github.com/kern-lang/kernc/internal/klog"
)

// Disassembler is the command that prints a bytecode module's instruction
// stream and tables in human-readable form.
//
//	kernc disasm a.kmod
func Disassembler() cli.Command {
	return new(disassembler)
}

type disassembler struct {
	debug bool
}

func (disassembler) Description() string {
	return "disassemble a bytecode module"
}

func (disassembler) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `disasm module.kmod

Print a bytecode module's instruction stream, constant pool, symbol table
and rule table.`)

	return err
}

func (d *disassembler) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("disasm", flag.ExitOnError)
	fs.BoolVar(&d.debug, "debug", false, "enable debug logging")

	return fs
}

func (d *disassembler) Run(ctx context.Context, args []string, stdout io.Writer, logger *klog.Logger) int {
	if d.debug {
		klog.LogLevel.Set(klog.Debug)
	}

	if len(args) != 1 {
		logger.Error("disasm: expected exactly one module file")
		return 1
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		logger.Error("disasm: read failed", "file", args[0], "err", err)
		return 1
	}

	module, err := bytecode.Deserialize(data)
	if err != nil {
		logger.Error("disasm: deserialize failed", "file", args[0], "err", err)
		return 1
	}

	fmt.Fprintf(stdout, "; %s version=%d instructions=%d checksum=%x\n",
		args[0], module.Header.Version, module.Header.InstructionCount, module.Header.Checksum)

	fmt.Fprintln(stdout, "\n.code")
	for pc, instr := range module.InstructionStream {
		fmt.Fprintf(stdout, "%6d  %s\n", pc, instr)
	}

	if len(module.ConstantPool) > 0 {
		fmt.Fprintln(stdout, "\n.constants")
		for i, c := range module.ConstantPool {
			fmt.Fprintf(stdout, "%6d  %s\n", i, constantString(c))
		}
	}

	if len(module.SymbolTable) > 0 {
		fmt.Fprintln(stdout, "\n.symbols")
		for _, s := range module.SymbolTable {
			fmt.Fprintf(stdout, "%6d  %s\n", s.ID, s.Name)
		}
	}

	if len(module.RuleTable) > 0 {
		fmt.Fprintln(stdout, "\n.rules")
		for _, r := range module.RuleTable {
			fmt.Fprintf(stdout, "%6d  %-30s entry=%d\n", r.ID, r.Name, r.EntryPC)
		}
	}

	if len(module.GraphTable) > 0 {
		fmt.Fprintln(stdout, "\n.graphs")
		for _, g := range module.GraphTable {
			fmt.Fprintf(stdout, "%6d  nodes=%d edges=%d\n", g.ID, g.NodeCount, g.EdgeCount)
		}
	}

	return 0
}

func constantString(c bytecode.Constant) string {
	switch c.Kind {
	case bytecode.ConstNum:
		return fmt.Sprintf("num %d", c.Num)
	case bytecode.ConstBool:
		return fmt.Sprintf("bool %t", c.Bool)
	case bytecode.ConstSym:
		return fmt.Sprintf("sym %q", c.Sym)
	case bytecode.ConstVec:
		return fmt.Sprintf("vec %v", c.Indices)
	default:
		return "unknown"
	}
}
