package ruleengine

import (
	"errors"
	"testing"

	"github.com/kern-lang/kernc/internal/kernast"
)

func TestFlowExecutorDelegatesToRunRuleAndDiscardsValue(tt *testing.T) {
	var called string

	run := func(name string) (kernast.Value, error) {
		called = name
		return kernast.Num(42), nil
	}

	rule := &kernast.RuleDecl{Name: "raise-alarm"}

	if err := FlowExecutor(run)(rule); err != nil {
		tt.Fatalf("FlowExecutor: %v", err)
	}

	if called != "raise-alarm" {
		tt.Errorf("RunRule called with %q, want %q", called, "raise-alarm")
	}
}

func TestFlowExecutorPropagatesError(tt *testing.T) {
	wantErr := errors.New("boom")

	run := func(string) (kernast.Value, error) { return kernast.Value{}, wantErr }

	err := FlowExecutor(run)(&kernast.RuleDecl{Name: "r"})
	if !errors.Is(err, wantErr) {
		tt.Errorf("FlowExecutor error = %v, want %v", err, wantErr)
	}
}
