package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/kern-lang/kernc/internal/cli"
	"github.com/kern-lang/kernc/internal/flow"
	"github.com/kern-lang/kernc/internal/graph"
	"github.com/kern-lang/kernc/internal/ioport"
	"github.com/kern-lang/kernc/internal/kernast"
	"github.com/kern-lang/kernc/internal/klog"
	"github.com/kern-lang/kernc/internal/ruleengine"
)

// Evaluator is the command that runs a verified program directly against
// the interpreted execution core (§4.6, §4.7): the flow pipeline walks the
// program's execution graph, and the rule engine matches and schedules the
// program's Rule declarations against the flow's live symbol bindings,
// one engine cycle each time the flow demands a Rule node. Unlike Assembler+Runner, no bytecode is ever produced --
// this is the program's reference behavior, not its compiled one.
//
//	kernc eval program.json
func Evaluator() cli.Command {
	return new(evaluator)
}

type evaluator struct {
	debug     bool
	noConsole bool
}

func (evaluator) Description() string {
	return "interpret a verified program directly, without assembling it"
}

func (evaluator) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `eval [-no-console] program.json

Interpret a JSON-encoded verified program on the flow pipeline and rule
engine, without compiling it to bytecode first.`)

	return err
}

func (e *evaluator) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	fs.BoolVar(&e.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&e.noConsole, "no-console", false, "run without a console IO port")

	return fs
}

func (e *evaluator) Run(ctx context.Context, args []string, stdout io.Writer, logger *klog.Logger) int {
	if e.debug {
		klog.LogLevel.Set(klog.Debug)
	}

	if len(args) != 1 {
		logger.Error("eval: expected exactly one program file")
		return 1
	}

	src, err := os.ReadFile(args[0])
	if err != nil {
		logger.Error("eval: read failed", "file", args[0], "err", err)
		return 1
	}

	var program kernast.VerifiedProgram
	if err := json.Unmarshal(src, &program); err != nil {
		logger.Error("eval: decode failed", "file", args[0], "err", err)
		return 1
	}

	g, err := graph.Build(&program)
	if err != nil {
		logger.Error("eval: graph build failed", "err", err)
		return 1
	}

	logger.Debug("Built execution graph", "nodes", len(g.Nodes), "hash", fmt.Sprintf("%x", g.BuildHash()))

	pipeline := flow.New(g)

	var ioPort flow.IoPort
	if !e.noConsole {
		console, err := ioport.NewConsole(os.Stdin, stdoutFile(stdout))
		if err != nil && !errors.Is(err, ioport.ErrNoTTY) {
			logger.Error("eval: console init failed", "err", err)
			return 1
		}

		if console != nil {
			defer func() { _ = console.Restore() }()
			ioPort = console
		}
	}

	rules := make([]*kernast.RuleDecl, len(program.Rules))
	for i := range program.Rules {
		rules[i] = &program.Rules[i]
	}

	ctxFlow := flow.NewContext(ioPort, nil)
	engine := ruleengine.New(rules, ruleengine.Override)
	ctxFlow = wireRuleEngine(ctxFlow, pipeline, engine, logger)

	if _, err := pipeline.Run(ctxFlow); err != nil {
		fmt.Fprintf(stdout, "FAULT: %s\n", err)
		return 1
	}

	for i := range program.Constraints {
		name := program.Constraints[i].Name

		if _, err := pipeline.RunRule(ctxFlow, name); err != nil {
			fmt.Fprintf(stdout, "FAULT: %s\n", err)
			return 1
		}
	}

	fmt.Fprintf(stdout, "OK: evaluated %d step(s)\n", ctxFlow.StepCount())

	return 0
}

// wireRuleEngine gives ctx a RuleExecutor that, on every demand for a named
// rule, runs one full rule-engine cycle: matching every declared rule's
// conditions against ctx's live Vars, resolving conflicts, and executing
// the surviving schedule through the flow pipeline's own rule/constraint
// subgraphs. The demanded rule's own result still comes from RunRule
// directly, so a Rule flow node's value is always that specific rule's
// action, even when the cycle also fired others alongside it.
func wireRuleEngine(ctxFlow *flow.Context, pipeline *flow.Pipeline, engine *ruleengine.Engine, logger *klog.Logger) *flow.Context {
	vars := func(symbol string) kernast.Value { return ctxFlow.Vars[symbol] }
	matches := ruleengine.Matcher(vars)

	run := func(name string) (kernast.Value, error) {
		executed, err := engine.RunCycle(matches, ruleengine.FlowExecutor(func(n string) (kernast.Value, error) {
			return pipeline.RunRule(ctxFlow, n)
		}))
		if err != nil {
			return kernast.Value{}, err
		}

		logger.Debug("Rule cycle executed", "rules", executed)

		return pipeline.RunRule(ctxFlow, name)
	}

	ctxFlow.Rules = run

	return ctxFlow
}
