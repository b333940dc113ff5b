package ruleengine

import (
	"github.com/kern-lang/kernc/internal/kernast"
)

// RunRule runs a single named rule or constraint to completion, returning
// its result value. *flow.Pipeline's RunRule method also takes a
// *flow.Context, so a host adapts it with a closure that binds the context
// -- kept as a function type here so ruleengine never imports flow, matching the reference engine's decoupling from its host evaluator.
type RunRule func(name string) (kernast.Value, error)

// FlowExecutor adapts a RunRule callback into an Executor, so an Engine can
// drive a flow.Pipeline's rule/constraint subgraphs as its scheduled
// actions.
func FlowExecutor(run RunRule) Executor {
	return func(rule *kernast.RuleDecl) error {
		_, err := run(rule.Name)
		return err
	}
}
