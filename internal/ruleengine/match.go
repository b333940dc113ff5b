package ruleengine

import (
	"fmt"

	"github.com/kern-lang/kernc/internal/kernast"
)

// VarLookup reads the current value bound to a symbol, the state a Match
// evaluates conditions against. A flow Context's Vars map satisfies this
// directly.
type VarLookup func(symbol string) kernast.Value

// Matcher returns an Evaluator that reports whether every one of a rule's
// conditions holds against the state vars exposes -- the rule engine's
// "Match" step (§4.6), evaluated against live symbol bindings rather than
// the placeholder true the reference tests wire in.
func Matcher(vars VarLookup) Evaluator {
	return func(rule *kernast.RuleDecl) (bool, error) {
		for _, cond := range rule.Conditions {
			ok, err := evalCondition(cond, vars(cond.Symbol))
			if err != nil {
				return false, fmt.Errorf("rule %q: %w", rule.Name, err)
			}

			if !ok {
				return false, nil
			}
		}

		return true, nil
	}
}

// evalCondition applies a single condition's comparator to the symbol's
// current value and the condition's literal operand.
func evalCondition(cond kernast.Condition, actual kernast.Value) (bool, error) {
	switch cond.Comparator {
	case kernast.CmpEq:
		return actual == cond.Operand, nil
	case kernast.CmpNe:
		return actual != cond.Operand, nil
	}

	if actual.Kind != kernast.KindNum || cond.Operand.Kind != kernast.KindNum {
		return false, fmt.Errorf("comparator %v requires Num operands, got %s and %s",
			cond.Comparator, actual.Kind, cond.Operand.Kind)
	}

	switch cond.Comparator {
	case kernast.CmpLt:
		return actual.Num < cond.Operand.Num, nil
	case kernast.CmpLe:
		return actual.Num <= cond.Operand.Num, nil
	case kernast.CmpGt:
		return actual.Num > cond.Operand.Num, nil
	case kernast.CmpGe:
		return actual.Num >= cond.Operand.Num, nil
	default:
		return false, fmt.Errorf("unknown comparator %v", cond.Comparator)
	}
}
