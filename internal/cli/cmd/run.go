package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/kern-lang/kernc/internal/bytecode"
	"github.com/kern-lang/kernc/internal/cli"
	"github.com/kern-lang/kernc/internal/ioport"
	"github.com/kern-lang/kernc/internal/kernvm"
	"github.com/kern-lang/kernc/internal/klog"
	"github.com/kern-lang/kernc/internal/safety"
)

// Runner is the command that loads an assembled module and executes it on
// the register VM (§4.8), gated by the safety layer (§4.9).
//
//	kernc run a.kmod
func Runner() cli.Command {
	return new(runner)
}

type runner struct {
	debug     bool
	steps     uint64
	noConsole bool
}

func (runner) Description() string {
	return "run a bytecode module"
}

func (runner) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `run [-steps n] [-no-console] module.kmod

Load and execute a bytecode module on the register VM.`)

	return err
}

func (r *runner) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.BoolVar(&r.debug, "debug", false, "enable debug logging")
	fs.Uint64Var(&r.steps, "steps", kernvm.DefaultStepLimit, "step limit")
	fs.BoolVar(&r.noConsole, "no-console", false, "run without a console IO port")

	return fs
}

func (r *runner) Run(ctx context.Context, args []string, stdout io.Writer, logger *klog.Logger) int {
	if r.debug {
		klog.LogLevel.Set(klog.Debug)
	}

	if len(args) != 1 {
		logger.Error("run: expected exactly one module file")
		return 1
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		logger.Error("run: read failed", "file", args[0], "err", err)
		return 1
	}

	module, err := bytecode.Deserialize(data)
	if err != nil {
		logger.Error("run: deserialize failed", "file", args[0], "err", err)
		return 1
	}

	policy := safety.NewSandboxPolicy().AllowIoChannel(ioport.ChannelConsole)
	sup := safety.New(
		safety.WithSandboxPolicy(policy),
		safety.WithPerformanceMonitor(),
	)

	opts := []kernvm.OptionFn{
		kernvm.WithStepLimit(r.steps),
		kernvm.WithSafety(sup),
		kernvm.WithLogger(logger),
	}

	if !r.noConsole {
		console, err := ioport.NewConsole(os.Stdin, stdoutFile(stdout))
		if err != nil && !errors.Is(err, ioport.ErrNoTTY) {
			logger.Error("run: console init failed", "err", err)
			return 1
		}

		if console != nil {
			defer func() { _ = console.Restore() }()
			opts = append(opts, kernvm.WithIoPort(console))
		}
	}

	vm := kernvm.New(module, opts...)

	if err := vm.Run(); err != nil {
		fmt.Fprintf(stdout, "FAULT: %s\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "OK: halted at pc=%d\n", vm.PC)

	for i, reg := range vm.Regs {
		fmt.Fprintf(stdout, "  r%d = %s\n", i, reg.String())
	}

	return 0
}

// stdoutFile recovers the underlying *os.File backing stdout when possible,
// falling back to os.Stdout -- the console needs a file descriptor to put
// the terminal in raw mode, but Command.Run is handed an io.Writer.
func stdoutFile(stdout io.Writer) *os.File {
	if f, ok := stdout.(*os.File); ok {
		return f
	}

	return os.Stdout
}
