package ruleengine

import (
	"testing"

	"github.com/kern-lang/kernc/internal/kernast"
)

func TestMatcherReportsAllConditionsMet(tt *testing.T) {
	vars := map[string]kernast.Value{
		"balance": kernast.Num(50),
		"status":  kernast.Sym("active"),
	}

	rule := &kernast.RuleDecl{
		Name: "withdraw",
		Conditions: []kernast.Condition{
			{Symbol: "balance", Comparator: kernast.CmpGe, Operand: kernast.Num(10)},
			{Symbol: "status", Comparator: kernast.CmpEq, Operand: kernast.Sym("active")},
		},
	}

	matches := Matcher(func(s string) kernast.Value { return vars[s] })

	ok, err := matches(rule)
	if err != nil {
		tt.Fatalf("Matcher: %v", err)
	}

	if !ok {
		tt.Errorf("Matcher() = false, want true (balance=50>=10 and status==active)")
	}
}

func TestMatcherRejectsWhenAnyConditionFails(tt *testing.T) {
	vars := map[string]kernast.Value{"balance": kernast.Num(5)}

	rule := &kernast.RuleDecl{
		Name: "withdraw",
		Conditions: []kernast.Condition{
			{Symbol: "balance", Comparator: kernast.CmpGe, Operand: kernast.Num(10)},
		},
	}

	matches := Matcher(func(s string) kernast.Value { return vars[s] })

	ok, err := matches(rule)
	if err != nil {
		tt.Fatalf("Matcher: %v", err)
	}

	if ok {
		tt.Errorf("Matcher() = true, want false (balance=5 < 10)")
	}
}

func TestMatcherWithNoConditionsAlwaysMatches(tt *testing.T) {
	rule := &kernast.RuleDecl{Name: "always"}

	matches := Matcher(func(string) kernast.Value { return kernast.Value{} })

	ok, err := matches(rule)
	if err != nil {
		tt.Fatalf("Matcher: %v", err)
	}

	if !ok {
		tt.Errorf("Matcher() = false, want true (no conditions to fail)")
	}
}

func TestMatcherRejectsNonNumericOrdering(tt *testing.T) {
	vars := map[string]kernast.Value{"name": kernast.Sym("alice")}

	rule := &kernast.RuleDecl{
		Name: "bad",
		Conditions: []kernast.Condition{
			{Symbol: "name", Comparator: kernast.CmpLt, Operand: kernast.Sym("bob")},
		},
	}

	matches := Matcher(func(s string) kernast.Value { return vars[s] })

	if _, err := matches(rule); err == nil {
		tt.Errorf("Matcher: want error for ordering comparator on non-Num operands")
	}
}
