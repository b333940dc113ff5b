// Package flow implements the demand-driven, lazily-memoized flow pipeline
// (§4.7): a pass over an execution graph that evaluates each step at most
// once per run, dispatching real node semantics instead of placeholder
// output.
package flow

import "github.com/kern-lang/kernc/internal/kernast"

// SymbolGraph is the small runtime graph that Graph-kind flow nodes mutate,
// distinct from the compiler's own execution graph.
type SymbolGraph struct {
	Nodes map[string]bool
	Edges map[string][]string
}

func newSymbolGraph() *SymbolGraph {
	return &SymbolGraph{Nodes: make(map[string]bool), Edges: make(map[string][]string)}
}

func (sg *SymbolGraph) create(id string) { sg.Nodes[id] = true }

func (sg *SymbolGraph) connect(from, to string) {
	sg.Nodes[from] = true
	sg.Nodes[to] = true
	sg.Edges[from] = append(sg.Edges[from], to)
}

func (sg *SymbolGraph) merge(into, other string) {
	sg.Edges[into] = append(sg.Edges[into], sg.Edges[other]...)
	delete(sg.Nodes, other)
	delete(sg.Edges, other)
}

func (sg *SymbolGraph) delete(id string) {
	delete(sg.Nodes, id)
	delete(sg.Edges, id)
}

// IoPort is the host I/O channel a flow's Io nodes read from and write to.
// An implementation is injected by the caller (the VM's sandboxed console
// channel, in production; a fake in tests).
type IoPort interface {
	Read(channel string) (kernast.Value, error)
	Write(channel string, v kernast.Value) error
}

// RuleExecutor runs a named rule to completion and returns its result
// value, on behalf of a Rule-kind flow node.
type RuleExecutor func(name string) (kernast.Value, error)

// Context carries the mutable state threaded through one pipeline run:
// variable bindings, control-flow signals, and the runtime symbol graph.
type Context struct {
	Vars   map[string]kernast.Value
	Graph  *SymbolGraph
	Io     IoPort
	Rules  RuleExecutor

	Halted            bool
	BreakRequested    bool
	ContinueRequested bool

	stepCount int
}

// NewContext returns an empty Context. io and rules may be nil if the flow
// being run has no Io or Rule nodes; evaluating one without a handler is an
// error, not a silent placeholder.
func NewContext(io IoPort, rules RuleExecutor) *Context {
	return &Context{
		Vars:  make(map[string]kernast.Value),
		Graph: newSymbolGraph(),
		Io:    io,
		Rules: rules,
	}
}

// StepCount reports how many top-level nodes Run has evaluated so far in
// this context's lifetime; nodes evaluated only as dependencies are not
// counted.
func (c *Context) StepCount() int { return c.stepCount }
