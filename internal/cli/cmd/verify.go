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
	"github.com/kern-lang/kernc/internal/verify"
)

// Verifier is the command that runs the offline bytecode verifier (§4.5)
// against an assembled module, independent of actually running it.
//
//	kernc verify a.kmod
func Verifier() cli.Command {
	return new(verifier)
}

type verifier struct {
	debug bool
}

func (verifier) Description() string {
	return "verify a bytecode module without running it"
}

func (verifier) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `verify module.kmod

Run the five-stage offline verifier against a bytecode module.`)

	return err
}

func (v *verifier) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	fs.BoolVar(&v.debug, "debug", false, "enable debug logging")

	return fs
}

func (v *verifier) Run(ctx context.Context, args []string, stdout io.Writer, logger *klog.Logger) int {
	if v.debug {
		klog.LogLevel.Set(klog.Debug)
	}

	if len(args) != 1 {
		logger.Error("verify: expected exactly one module file")
		return 1
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		logger.Error("verify: read failed", "file", args[0], "err", err)
		return 1
	}

	module, err := bytecode.Deserialize(data)
	if err != nil {
		logger.Error("verify: deserialize failed", "file", args[0], "err", err)
		return 1
	}

	if !module.VerifyChecksum() {
		logger.Error("verify: checksum mismatch", "file", args[0])
		return 1
	}

	if err := verify.Verify(module.InstructionStream, module.ConstantPool, module.RuleTable); err != nil {
		fmt.Fprintf(stdout, "FAIL: %s\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "OK: %s (%d instructions, %d rules)\n",
		args[0], len(module.InstructionStream), len(module.RuleTable))

	return 0
}
