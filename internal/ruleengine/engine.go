// Package ruleengine implements the rule engine (§4.6): matching candidate
// rules against program state, sorting by priority, detecting and resolving
// write-write conflicts, and executing the surviving schedule under a
// recursion guard.
package ruleengine

import (
	"fmt"
	"sort"

	"github.com/kern-lang/kernc/internal/kernast"
)

// DefaultMaxSteps bounds how many rule executions an Engine will perform
// before giving up. The count is kept on the Engine and never reset, so the
// bound covers all of its RunCycle calls together, mirroring the reference engine's
// max_steps/step_count runaway guard.
const DefaultMaxSteps = 10000

// Evaluator reports whether a rule's condition currently holds against
// program state. The caller supplies this (wired to the flow pipeline's
// context manager); the engine itself only sequences and guards.
type Evaluator func(rule *kernast.RuleDecl) (bool, error)

// Executor performs a rule's action set. It is called once per scheduled
// rule, after conflict resolution and under the recursion guard.
type Executor func(rule *kernast.RuleDecl) error

// Engine sequences one or more rule-evaluation cycles over a fixed rule
// set.
type Engine struct {
	Rules    []*kernast.RuleDecl
	Resolver *Resolver
	Guard    *Guard
	MaxSteps int

	byName map[string]*kernast.RuleDecl
	stepCount int
}

// New returns an Engine over rules, using defaultMode for any conflict
// whose target symbol has no explicit override.
func New(rules []*kernast.RuleDecl, defaultMode ResolutionMode) *Engine {
	byName := make(map[string]*kernast.RuleDecl, len(rules))
	for _, r := range rules {
		byName[r.Name] = r
	}

	return &Engine{
		Rules:    rules,
		Resolver: NewResolver(defaultMode),
		Guard:    NewGuard(),
		MaxSteps: DefaultMaxSteps,
		byName:   byName,
	}
}

// Evaluate returns the rules whose condition holds and whose dependencies
// have all already executed at least once, sorted by priority descending
// and, for ties, by name ascending for determinism.
func (e *Engine) Evaluate(satisfied Evaluator) ([]*kernast.RuleDecl, error) {
	var matched []*kernast.RuleDecl

	for _, rule := range e.Rules {
		ok, err := satisfied(rule)
		if err != nil {
			return nil, fmt.Errorf("ruleengine: evaluating %q: %w", rule.Name, err)
		}

		if !ok {
			continue
		}

		if !e.dependenciesSatisfied(rule) {
			continue
		}

		matched = append(matched, rule)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}

		return matched[i].Name < matched[j].Name
	})

	return matched, nil
}

func (e *Engine) dependenciesSatisfied(rule *kernast.RuleDecl) bool {
	for _, dep := range rule.Dependencies {
		if e.Guard.ExecutionCount(dep) == 0 {
			return false
		}
	}

	return true
}

// RunCycle evaluates, detects and resolves conflicts, and executes the
// surviving schedule once. It returns the names of rules actually executed,
// in execution order.
func (e *Engine) RunCycle(satisfied Evaluator, execute Executor) ([]string, error) {
	matched, err := e.Evaluate(satisfied)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(matched))
	priority := make(map[string]uint16, len(matched))

	for i, r := range matched {
		names[i] = r.Name
		priority[r.Name] = r.Priority
	}

	conflicts := e.Resolver.DetectConflicts(matched)

	scheduled, err := Resolve(names, conflicts, priority)
	if err != nil {
		return nil, err
	}

	var executed []string

	for _, name := range scheduled {
		rule := e.byName[name]

		if rule.RecursionLimit > 0 {
			e.Guard.SetLimit(name, int(rule.RecursionLimit))
		}

		if err := e.Guard.Enter(name); err != nil {
			return executed, err
		}

		err := execute(rule)

		e.Guard.Exit(name)

		if err != nil {
			return executed, fmt.Errorf("ruleengine: executing %q: %w", name, err)
		}

		executed = append(executed, name)

		e.stepCount++
		if e.stepCount >= e.MaxSteps {
			return executed, fmt.Errorf("ruleengine: exceeded maximum execution steps (%d)", e.MaxSteps)
		}
	}

	return executed, nil
}
