package flow

import (
	"strings"
	"testing"

	"github.com/kern-lang/kernc/internal/graph"
	"github.com/kern-lang/kernc/internal/kernast"
)

func buildGraph(tt *testing.T, flows []kernast.FlowDecl) *graph.Graph {
	tt.Helper()

	g, err := graph.Build(&kernast.VerifiedProgram{Flows: flows})
	if err != nil {
		tt.Fatalf("graph.Build: %v", err)
	}

	return g
}

func TestPipelineEvaluatesConstLiteral(tt *testing.T) {
	g := buildGraph(tt, []kernast.FlowDecl{
		{StepID: "five", Kind: kernast.NodeOp, OpName: "const:5"},
	})

	ctx := NewContext(nil, nil)

	got, err := New(g).Run(ctx)
	if err != nil {
		tt.Fatalf("Run: %v", err)
	}

	if got != kernast.Num(5) {
		tt.Errorf("Run() = %v, want Num(5)", got)
	}
}

func TestPipelineEvaluatesArithmeticOverDependencies(tt *testing.T) {
	g := buildGraph(tt, []kernast.FlowDecl{
		{StepID: "a", Kind: kernast.NodeOp, OpName: "const:2", Dependents: []string{"sum"}},
		{StepID: "b", Kind: kernast.NodeOp, OpName: "const:3", Dependents: []string{"sum"}},
		{StepID: "sum", Kind: kernast.NodeOp, OpName: "add"},
	})

	ctx := NewContext(nil, nil)

	got, err := New(g).Run(ctx)
	if err != nil {
		tt.Fatalf("Run: %v", err)
	}

	if got != kernast.Num(5) {
		tt.Errorf("Run() = %v, want Num(5)", got)
	}
}

func TestPipelineMemoizesSharedRuleCall(tt *testing.T) {
	g := buildGraph(tt, []kernast.FlowDecl{
		{StepID: "shared", Kind: kernast.NodeRule, RuleName: "compute", Dependents: []string{"b", "c"}},
		{StepID: "b", Kind: kernast.NodeOp, OpName: "move"},
		{StepID: "c", Kind: kernast.NodeOp, OpName: "move"},
	})

	var calls int

	ctx := NewContext(nil, func(string) (kernast.Value, error) {
		calls++
		return kernast.Num(7), nil
	})

	if _, err := New(g).Run(ctx); err != nil {
		tt.Fatalf("Run: %v", err)
	}

	if calls != 1 {
		tt.Errorf("rule executor called %d times, want 1 (shared dependency must be memoized)", calls)
	}

	if ctx.Vars["b"] != kernast.Num(7) || ctx.Vars["c"] != kernast.Num(7) {
		tt.Errorf("Vars = %v, want b=c=Num(7)", ctx.Vars)
	}
}

func TestPipelineRuleWithoutExecutorErrors(tt *testing.T) {
	g := buildGraph(tt, []kernast.FlowDecl{
		{StepID: "r", Kind: kernast.NodeRule, RuleName: "missing"},
	})

	ctx := NewContext(nil, nil)

	if _, err := New(g).Run(ctx); err == nil {
		tt.Errorf("Run() = nil error, want error for a Rule node with no executor configured")
	}
}

type fakeIoPort struct {
	written map[string]kernast.Value
	reads   map[string]kernast.Value
}

func newFakeIoPort() *fakeIoPort {
	return &fakeIoPort{written: make(map[string]kernast.Value), reads: make(map[string]kernast.Value)}
}

func (f *fakeIoPort) Read(channel string) (kernast.Value, error) {
	return f.reads[channel], nil
}

func (f *fakeIoPort) Write(channel string, v kernast.Value) error {
	f.written[channel] = v
	return nil
}

func TestPipelineIoWriteConsumesOperand(tt *testing.T) {
	g := buildGraph(tt, []kernast.FlowDecl{
		{StepID: "msg", Kind: kernast.NodeOp, OpName: "const:9", Dependents: []string{"out"}},
		{StepID: "out", Kind: kernast.NodeIo, IoChannel: "console"},
	})

	io := newFakeIoPort()
	ctx := NewContext(io, nil)

	if _, err := New(g).Run(ctx); err != nil {
		tt.Fatalf("Run: %v", err)
	}

	if io.written["console"] != kernast.Num(9) {
		tt.Errorf("io.written[console] = %v, want Num(9)", io.written["console"])
	}
}

func TestPipelineIoReadWithNoOperandsReadsChannel(tt *testing.T) {
	g := buildGraph(tt, []kernast.FlowDecl{
		{StepID: "in", Kind: kernast.NodeIo, IoChannel: "console"},
	})

	io := newFakeIoPort()
	io.reads["console"] = kernast.Sym("hello")

	ctx := NewContext(io, nil)

	got, err := New(g).Run(ctx)
	if err != nil {
		tt.Fatalf("Run: %v", err)
	}

	if got != kernast.Sym("hello") {
		tt.Errorf("Run() = %v, want Sym(hello)", got)
	}
}

func TestPipelineIoWithoutPortErrors(tt *testing.T) {
	g := buildGraph(tt, []kernast.FlowDecl{
		{StepID: "in", Kind: kernast.NodeIo, IoChannel: "console"},
	})

	ctx := NewContext(nil, nil)

	if _, err := New(g).Run(ctx); err == nil {
		tt.Errorf("Run() = nil error, want error for an Io node with no IoPort configured")
	}
}

func TestPipelineGraphVerbsMutateSymbolGraph(tt *testing.T) {
	g := buildGraph(tt, []kernast.FlowDecl{
		{StepID: "mk1", Kind: kernast.NodeGraph, GraphID: "create:n1"},
		{StepID: "mk2", Kind: kernast.NodeGraph, GraphID: "create:n2"},
		{StepID: "link", Kind: kernast.NodeGraph, GraphID: "connect:n1:n2"},
	})

	ctx := NewContext(nil, nil)

	if _, err := New(g).Run(ctx); err != nil {
		tt.Fatalf("Run: %v", err)
	}

	if !ctx.Graph.Nodes["n1"] || !ctx.Graph.Nodes["n2"] {
		tt.Fatalf("Graph.Nodes = %v, want n1 and n2 present", ctx.Graph.Nodes)
	}

	if len(ctx.Graph.Edges["n1"]) != 1 || ctx.Graph.Edges["n1"][0] != "n2" {
		tt.Errorf("Graph.Edges[n1] = %v, want [n2]", ctx.Graph.Edges["n1"])
	}
}

func TestPipelineIfEvaluatesThenBranchWhenTruthy(tt *testing.T) {
	g := buildGraph(tt, []kernast.FlowDecl{
		{StepID: "cond", Kind: kernast.NodeOp, OpName: "bool:true", Dependents: []string{"check"}},
		{StepID: "check", Kind: kernast.NodeControl, Control: kernast.ControlIf, Then: []string{"body"}},
		{StepID: "body", Kind: kernast.NodeOp, OpName: "const:42"},
	})

	ctx := NewContext(nil, nil)

	if _, err := New(g).Run(ctx); err != nil {
		tt.Fatalf("Run: %v", err)
	}

	if ctx.Vars["body"] != kernast.Num(42) {
		tt.Errorf("Vars[body] = %v, want Num(42)", ctx.Vars["body"])
	}
}

func TestPipelineHaltStopsFurtherEvaluation(tt *testing.T) {
	g := buildGraph(tt, []kernast.FlowDecl{
		{StepID: "first", Kind: kernast.NodeOp, OpName: "const:1"},
		{StepID: "stop", Kind: kernast.NodeControl, Control: kernast.ControlHalt},
		{StepID: "after", Kind: kernast.NodeOp, OpName: "const:2"},
	})

	ctx := NewContext(nil, nil)

	if _, err := New(g).Run(ctx); err != nil {
		tt.Fatalf("Run: %v", err)
	}

	if !ctx.Halted {
		tt.Fatalf("ctx.Halted = false, want true")
	}

	if _, ok := ctx.Vars["after"]; ok {
		tt.Errorf("Vars[after] = %v, want absent (Run must stop evaluating once Halted)", ctx.Vars["after"])
	}

	if _, ok := ctx.Vars["first"]; !ok {
		tt.Errorf("Vars[first] missing, want it evaluated before the halt")
	}
}

func TestPipelineLoopRunsBoundedIterationsAndStops(tt *testing.T) {
	g := buildGraph(tt, []kernast.FlowDecl{
		{StepID: "counter", Kind: kernast.NodeRule, RuleName: "dec", Dependents: []string{"loop"}},
		{StepID: "loop", Kind: kernast.NodeControl, Control: kernast.ControlLoop, MaxIters: 10, Then: []string{"counter"}},
	})

	remaining := 3
	var calls int

	ctx := NewContext(nil, func(string) (kernast.Value, error) {
		calls++
		remaining--
		return kernast.Num(int64(remaining)), nil
	})

	if _, err := New(g).Run(ctx); err != nil {
		tt.Fatalf("Run: %v", err)
	}

	if calls != 3 {
		tt.Errorf("rule executor called %d times, want 3 (one initial evaluation plus two body iterations)", calls)
	}

	if ctx.Vars["counter"] != kernast.Num(0) {
		tt.Errorf("Vars[counter] = %v, want Num(0)", ctx.Vars["counter"])
	}
}

func TestPipelineLoopExceedsBoundReturnsError(tt *testing.T) {
	g := buildGraph(tt, []kernast.FlowDecl{
		{StepID: "always", Kind: kernast.NodeRule, RuleName: "yes", Dependents: []string{"loop"}},
		{StepID: "loop", Kind: kernast.NodeControl, Control: kernast.ControlLoop, MaxIters: 2, Then: []string{"always"}},
	})

	ctx := NewContext(nil, func(string) (kernast.Value, error) { return kernast.Bool(true), nil })

	_, err := New(g).Run(ctx)
	if err == nil || !strings.Contains(err.Error(), "exceeded its bound") {
		tt.Fatalf("Run() err = %v, want an exceeded-bound error", err)
	}
}

func TestEvaluateUnknownNodeErrors(tt *testing.T) {
	g := buildGraph(tt, []kernast.FlowDecl{
		{StepID: "only", Kind: kernast.NodeOp, OpName: "const:1"},
	})

	ctx := NewContext(nil, nil)

	if _, err := New(g).Evaluate(ctx, graph.NodeID(99)); err == nil {
		tt.Errorf("Evaluate(99) = nil error, want an out-of-range node error")
	}
}
