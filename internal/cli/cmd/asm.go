package cmd

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/kern-lang/kernc/internal/bytecode"
	"github.com/kern-lang/kernc/internal/cli"
	"github.com/kern-lang/kernc/internal/graph"
	"github.com/kern-lang/kernc/internal/kernast"
	"github.com/kern-lang/kernc/internal/lir"
	"github.com/kern-lang/kernc/internal/klog"
	"github.com/kern-lang/kernc/internal/optimizer"
)

// Assembler is the command that translates a verified program into a
// bytecode module: execution graph (§4.1) -> LIR (§4.2) -> register
// allocation (§4.2) -> assembled module (§4.3) -> optimization of the
// assembled module (§4.4, on by default, -optimize=false skips it).
//
//	kernc asm -o a.kmod program.json
func Assembler() cli.Command {
	return new(assembler)
}

type assembler struct {
	debug    bool
	output   string
	optimize bool
}

func (assembler) Description() string {
	return "assemble a verified program into a bytecode module"
}

func (assembler) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `asm [-o file.kmod] [-optimize] program.json

Assemble a JSON-encoded verified program into a bytecode module.`)

	return err
}

func (a *assembler) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("asm", flag.ExitOnError)
	fs.BoolVar(&a.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&a.optimize, "optimize", true, "run the optimizer passes before writing")
	fs.StringVar(&a.output, "o", "a.kmod", "output `filename`")

	return fs
}

// Run reads a verified program, builds and assembles it, and writes the
// resulting module.
func (a *assembler) Run(ctx context.Context, args []string, stdout io.Writer, logger *klog.Logger) int {
	if a.debug {
		klog.LogLevel.Set(klog.Debug)
	}

	if len(args) != 1 {
		logger.Error("asm: expected exactly one program file")
		return 1
	}

	src, err := os.ReadFile(args[0])
	if err != nil {
		logger.Error("asm: read failed", "file", args[0], "err", err)
		return 1
	}

	var program kernast.VerifiedProgram
	if err := json.Unmarshal(src, &program); err != nil {
		logger.Error("asm: decode failed", "file", args[0], "err", err)
		return 1
	}

	g, err := graph.Build(&program)
	if err != nil {
		logger.Error("asm: graph build failed", "err", err)
		return 1
	}

	logger.Debug("Built execution graph", "nodes", len(g.Nodes), "hash", fmt.Sprintf("%x", g.BuildHash()))

	lp := lir.Build(g)
	allocation := lir.NewAllocator().Allocate(lp)

	module, err := bytecode.NewAssembler(lp, allocation).Assemble()
	if err != nil {
		logger.Error("asm: assemble failed", "err", err)
		return 1
	}

	if a.optimize {
		result := optimizer.Optimize(module)
		module = bytecode.NewModule(result.Instructions, result.Constants,
			module.SymbolTable, module.RuleTable, module.GraphTable, module.Metadata)

		logger.Debug("Optimizer applied", "passes", result.Applied)
	}

	data, err := bytecode.Serialize(module)
	if err != nil {
		logger.Error("asm: serialize failed", "err", err)
		return 1
	}

	if err := os.WriteFile(a.output, data, 0o644); err != nil {
		logger.Error("asm: write failed", "out", a.output, "err", err)
		return 1
	}

	logger.Debug("Wrote module", "out", a.output, "instructions", len(module.InstructionStream),
		"constants", len(module.ConstantPool), "rules", len(module.RuleTable))

	return 0
}
