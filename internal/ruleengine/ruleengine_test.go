package ruleengine

import (
	"errors"
	"testing"

	"github.com/kern-lang/kernc/internal/kernast"
)

func TestEngineEvaluateSortsByPriorityThenName(tt *testing.T) {
	rules := []*kernast.RuleDecl{
		{Name: "b", Priority: 1},
		{Name: "a", Priority: 1},
		{Name: "c", Priority: 5},
	}

	e := New(rules, Ignore)

	matched, err := e.Evaluate(func(*kernast.RuleDecl) (bool, error) { return true, nil })
	if err != nil {
		tt.Fatalf("Evaluate: %v", err)
	}

	names := make([]string, len(matched))
	for i, r := range matched {
		names[i] = r.Name
	}

	want := []string{"c", "a", "b"}
	for i, name := range want {
		if names[i] != name {
			tt.Errorf("Evaluate() order = %v, want %v", names, want)
			break
		}
	}
}

func TestEngineEvaluateSkipsUnsatisfiedDependencies(tt *testing.T) {
	rules := []*kernast.RuleDecl{
		{Name: "base"},
		{Name: "derived", Dependencies: []string{"base"}},
	}

	e := New(rules, Ignore)

	matched, err := e.Evaluate(func(*kernast.RuleDecl) (bool, error) { return true, nil })
	if err != nil {
		tt.Fatalf("Evaluate: %v", err)
	}

	if len(matched) != 1 || matched[0].Name != "base" {
		tt.Fatalf("Evaluate() = %v, want just [base] (derived's dependency hasn't executed yet)", matched)
	}

	e.Guard.Enter("base")
	e.Guard.Exit("base")

	matched, err = e.Evaluate(func(*kernast.RuleDecl) (bool, error) { return true, nil })
	if err != nil {
		tt.Fatalf("Evaluate: %v", err)
	}

	if len(matched) != 2 {
		tt.Errorf("Evaluate() after base ran = %v, want both rules", matched)
	}
}

func TestResolverDetectConflictsOnSharedTarget(tt *testing.T) {
	rules := []*kernast.RuleDecl{
		{Name: "r1", Actions: []kernast.Action{{TargetSymbol: "x"}}},
		{Name: "r2", Actions: []kernast.Action{{TargetSymbol: "x"}}},
		{Name: "r3", Actions: []kernast.Action{{TargetSymbol: "y"}}},
	}

	resolver := NewResolver(Ignore)
	conflicts := resolver.DetectConflicts(rules)

	if len(conflicts) != 1 || conflicts[0].TargetSymbol != "x" {
		tt.Fatalf("DetectConflicts() = %+v, want one conflict on %q", conflicts, "x")
	}
}

func TestResolveOverrideKeepsHighestPriority(tt *testing.T) {
	conflicts := []ConflictEntry{
		{TargetSymbol: "x", Rules: []string{"low", "high"}, Mode: Override},
	}

	priority := map[string]uint16{"low": 1, "high": 10}

	scheduled, err := Resolve([]string{"low", "high"}, conflicts, priority)
	if err != nil {
		tt.Fatalf("Resolve: %v", err)
	}

	if len(scheduled) != 1 || scheduled[0] != "high" {
		tt.Errorf("Resolve() = %v, want [high]", scheduled)
	}
}

func TestResolveErrorModeReturnsConflictError(tt *testing.T) {
	conflicts := []ConflictEntry{
		{TargetSymbol: "x", Rules: []string{"a", "b"}, Mode: Error},
	}

	_, err := Resolve([]string{"a", "b"}, conflicts, nil)

	var cerr *ConflictError
	if !errors.As(err, &cerr) {
		tt.Fatalf("Resolve: err = %v, want *ConflictError", err)
	}
}

func TestGuardRejectsDirectRecursion(tt *testing.T) {
	g := NewGuard()

	if err := g.Enter("r"); err != nil {
		tt.Fatalf("Enter: %v", err)
	}

	err := g.CanExecute("r")

	var rerr *RecursionError
	if !errors.As(err, &rerr) || rerr.Kind != DirectRecursion {
		tt.Fatalf("CanExecute: err = %v, want DirectRecursion", err)
	}
}

func TestGuardEnforcesPerRuleLimit(tt *testing.T) {
	g := NewGuard()
	g.SetLimit("r", 2)

	for i := 0; i < 2; i++ {
		if err := g.Enter("r"); err != nil {
			tt.Fatalf("Enter(#%d): %v", i, err)
		}

		g.Exit("r")
	}

	err := g.Enter("r")

	var rerr *RecursionError
	if !errors.As(err, &rerr) || rerr.Kind != LimitExceeded {
		tt.Fatalf("Enter (3rd): err = %v, want LimitExceeded", err)
	}
}

func TestGuardDetectsIndirectRecursion(tt *testing.T) {
	g := NewGuard()

	if err := g.Enter("a"); err != nil {
		tt.Fatalf("Enter(a): %v", err)
	}

	if err := g.Enter("b"); err != nil {
		tt.Fatalf("Enter(b): %v", err)
	}

	err := g.CanExecute("a")

	var rerr *RecursionError
	if !errors.As(err, &rerr) || rerr.Kind != IndirectRecursion {
		tt.Fatalf("CanExecute(a): err = %v, want IndirectRecursion", err)
	}
}

func TestEngineRunCycleExecutesScheduledRules(tt *testing.T) {
	rules := []*kernast.RuleDecl{
		{Name: "r1", Priority: 1},
	}

	e := New(rules, Ignore)

	var executed []string

	names, err := e.RunCycle(
		func(*kernast.RuleDecl) (bool, error) { return true, nil },
		func(r *kernast.RuleDecl) error { executed = append(executed, r.Name); return nil },
	)
	if err != nil {
		tt.Fatalf("RunCycle: %v", err)
	}

	if len(names) != 1 || names[0] != "r1" || len(executed) != 1 {
		tt.Errorf("RunCycle() names=%v executed=%v, want [r1]", names, executed)
	}
}
