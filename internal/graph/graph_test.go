package graph

import (
	"errors"
	"testing"

	"github.com/kern-lang/kernc/internal/kernast"
)

func TestBuildLinearDependency(tt *testing.T) {
	program := &kernast.VerifiedProgram{
		Flows: []kernast.FlowDecl{
			{StepID: "a", Kind: kernast.NodeOp, OpName: "add"},
			{StepID: "b", Kind: kernast.NodeOp, OpName: "mul", Dependents: []string{"a"}},
		},
	}

	g, err := Build(program)
	if err != nil {
		tt.Fatalf("Build: %v", err)
	}

	if len(g.Nodes) != 2 {
		tt.Fatalf("len(Nodes) = %d, want 2", len(g.Nodes))
	}

	b, ok := g.ByStep("b")
	if !ok {
		tt.Fatalf("ByStep(b) not found")
	}

	out := g.Out(b.ID)
	if len(out) != 1 || out[0].Kind != EdgeData {
		tt.Errorf("Out(b) = %v, want one EdgeData edge", out)
	}

	a, _ := g.ByStep("a")
	if out[0].To != a.ID {
		tt.Errorf("Out(b)[0].To = %d, want %d", out[0].To, a.ID)
	}
}

func TestBuildUnknownDependency(tt *testing.T) {
	program := &kernast.VerifiedProgram{
		Flows: []kernast.FlowDecl{
			{StepID: "a", Kind: kernast.NodeOp, Dependents: []string{"missing"}},
		},
	}

	if _, err := Build(program); err == nil {
		tt.Fatalf("Build: want error for unknown dependency, got nil")
	}
}

func TestBuildUnboundedLoopRejected(tt *testing.T) {
	program := &kernast.VerifiedProgram{
		Flows: []kernast.FlowDecl{
			{StepID: "loop", Kind: kernast.NodeControl, Control: kernast.ControlLoop, MaxIters: 0},
		},
	}

	_, err := Build(program)

	var unbounded *ErrUnboundedLoop
	if !errors.As(err, &unbounded) {
		tt.Fatalf("Build: err = %v, want *ErrUnboundedLoop", err)
	}
}

func TestBuildCycleDetected(tt *testing.T) {
	program := &kernast.VerifiedProgram{
		Flows: []kernast.FlowDecl{
			{StepID: "a", Kind: kernast.NodeOp, Dependents: []string{"b"}},
			{StepID: "b", Kind: kernast.NodeOp, Dependents: []string{"a"}},
		},
	}

	_, err := Build(program)

	var cyc *ErrCycle
	if !errors.As(err, &cyc) {
		tt.Fatalf("Build: err = %v, want *ErrCycle", err)
	}
}

func TestBuildBoundedLoopNotACycle(tt *testing.T) {
	program := &kernast.VerifiedProgram{
		Flows: []kernast.FlowDecl{
			{StepID: "loop", Kind: kernast.NodeControl, Control: kernast.ControlLoop,
				MaxIters: 3, Then: []string{"body"}},
			{StepID: "body", Kind: kernast.NodeOp, OpName: "inc", Dependents: []string{"loop"}},
		},
	}

	if _, err := Build(program); err != nil {
		tt.Fatalf("Build: %v, want no error for a bounded loop re-entering its own body", err)
	}
}

func TestBuildHashDeterministic(tt *testing.T) {
	program := &kernast.VerifiedProgram{
		Flows: []kernast.FlowDecl{
			{StepID: "a", Kind: kernast.NodeOp, OpName: "add"},
			{StepID: "b", Kind: kernast.NodeOp, OpName: "mul", Dependents: []string{"a"}},
		},
	}

	g1, err := Build(program)
	if err != nil {
		tt.Fatalf("Build: %v", err)
	}

	g2, err := Build(program)
	if err != nil {
		tt.Fatalf("Build: %v", err)
	}

	if g1.BuildHash() != g2.BuildHash() {
		tt.Errorf("BuildHash() not deterministic across identical builds")
	}

	program.Flows[0].StepID = "renamed"
	program.Flows[1].Dependents = []string{"renamed"}

	g3, err := Build(program)
	if err != nil {
		tt.Fatalf("Build: %v", err)
	}

	if g1.BuildHash() == g3.BuildHash() {
		tt.Errorf("BuildHash() unchanged after a node's StepID changed")
	}
}
