// Package graph implements the execution graph builder (§4.1): it lowers a
// verified program into a typed DAG of Op, Rule, Control, Graph and Io
// nodes connected by Data and Control edges, ready for LIR generation.
package graph

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/kern-lang/kernc/internal/kernast"
)

// NodeID uniquely identifies a node within a built Graph.
type NodeID uint32

// EdgeKind distinguishes a value dependency from a sequencing dependency.
type EdgeKind uint8

const (
	EdgeData EdgeKind = iota
	EdgeControl
)

func (k EdgeKind) String() string {
	if k == EdgeData {
		return "Data"
	}

	return "Control"
}

// Node is a single vertex in the execution graph. Its Kind determines which
// of the remaining fields are meaningful, mirroring kernast.FlowDecl.
type Node struct {
	ID      NodeID
	StepID  string
	Kind    kernast.FlowNodeKind
	Control kernast.ControlKind

	OpName       string
	RuleName     string
	GraphID      string
	IoChannel    string
	MaxIters     uint32
	TargetSymbol string // meaningful when Kind == NodeAction

	// OwnerRule names the Rule or Constraint this node belongs to, for
	// nodes synthesized by a RuleDecl/ConstraintDecl subgraph (§4.1).
	// Empty for nodes declared directly by a FlowDecl.
	OwnerRule string

	Span kernast.SourceSpan
}

// Edge connects two nodes. From must be evaluated (for EdgeData, produced)
// before To can run.
type Edge struct {
	From, To NodeID
	Kind     EdgeKind
}

// Graph is the built execution graph: a DAG over Nodes connected by Edges,
// plus adjacency indices for traversal.
type Graph struct {
	Nodes []Node
	Edges []Edge

	byStep map[string]NodeID
	out    map[NodeID][]Edge
	in     map[NodeID][]Edge
}

// ErrCycle is returned when the flow declarations describe a cyclic
// dependency outside of an explicit, bounded ControlLoop node.
type ErrCycle struct {
	Cycle []string
}

func (e *ErrCycle) Error() string {
	return fmt.Sprintf("execution graph: cyclic dependency through steps %v", e.Cycle)
}

// ErrUnboundedLoop is returned when a ControlLoop node has no iteration
// bound, violating the safety layer's step-limit invariant.
type ErrUnboundedLoop struct {
	StepID string
}

func (e *ErrUnboundedLoop) Error() string {
	return fmt.Sprintf("execution graph: unbounded loop at step %q", e.StepID)
}

// Build lowers a verified program's flow declarations into an execution
// graph. Node IDs are assigned in the order flows are declared, so the
// build is deterministic: the same program always yields the same graph,
// byte for byte.
func Build(program *kernast.VerifiedProgram) (*Graph, error) {
	g := &Graph{
		byStep: make(map[string]NodeID, len(program.Flows)),
		out:    make(map[NodeID][]Edge),
		in:     make(map[NodeID][]Edge),
	}

	for i, f := range program.Flows {
		id := NodeID(i)
		g.Nodes = append(g.Nodes, Node{
			ID:        id,
			StepID:    f.StepID,
			Kind:      f.Kind,
			Control:   f.Control,
			OpName:    f.OpName,
			RuleName:  f.RuleName,
			GraphID:   f.GraphID,
			IoChannel: f.IoChannel,
			MaxIters:  f.MaxIters,
			Span:      f.Span,
		})
		g.byStep[f.StepID] = id

		if f.Kind == kernast.NodeControl && f.Control == kernast.ControlLoop && f.MaxIters == 0 {
			return nil, &ErrUnboundedLoop{StepID: f.StepID}
		}
	}

	for i, f := range program.Flows {
		from := NodeID(i)

		for _, dep := range f.Dependents {
			to, ok := g.byStep[dep]
			if !ok {
				return nil, fmt.Errorf("execution graph: step %q depends on unknown step %q", f.StepID, dep)
			}

			g.addEdge(Edge{From: from, To: to, Kind: EdgeData})
		}

		for _, branch := range [][]string{f.Then, f.Else} {
			for _, step := range branch {
				to, ok := g.byStep[step]
				if !ok {
					return nil, fmt.Errorf("execution graph: step %q references unknown step %q", f.StepID, step)
				}

				g.addEdge(Edge{From: from, To: to, Kind: EdgeControl})
			}
		}
	}

	for i := range program.Rules {
		r := &program.Rules[i]
		g.buildRuleSubgraph(r.Name, r.Conditions, r.Actions, nil)
	}

	for i := range program.Constraints {
		c := &program.Constraints[i]
		g.buildRuleSubgraph(c.Name, c.Conditions, nil, &c.Name)
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &ErrCycle{Cycle: cycle}
	}

	return g, nil
}

// addNode appends n, assigning it the next NodeID, and indexes it by StepID
// when one is set.
func (g *Graph) addNode(n Node) NodeID {
	n.ID = NodeID(len(g.Nodes))
	g.Nodes = append(g.Nodes, n)

	if n.StepID != "" {
		g.byStep[n.StepID] = n.ID
	}

	return n.ID
}

// literalOpName encodes v the same way the flow pipeline's literalOp parses
// it ("const:<n>", "sym:<s>", "bool:true"/"bool:false"), so a single Op node
// grammar serves both the compiled LIR path and the interpreted flow path.
func literalOpName(v kernast.Value) string {
	switch v.Kind {
	case kernast.KindNum:
		return fmt.Sprintf("const:%d", v.Num)
	case kernast.KindBool:
		if v.Bool {
			return "bool:true"
		}

		return "bool:false"
	case kernast.KindSym:
		return "sym:" + v.Sym
	default:
		return "sym:" + v.String()
	}
}

func comparatorOpName(c kernast.Comparator) string {
	switch c {
	case kernast.CmpEq:
		return "eq"
	case kernast.CmpNe:
		return "ne"
	case kernast.CmpLt:
		return "lt"
	case kernast.CmpLe:
		return "le"
	case kernast.CmpGt:
		return "gt"
	default:
		return "ge"
	}
}

// buildRuleSubgraph synthesizes a Rule or Constraint's condition/action
// subgraph (§4.1, bullets 2 and 4): a RuleEntry, a condition chain that
// AND-reduces every Condition to a single truth value, a CheckCondition
// guard over that value, then either actions (for a rule) or a single
// ConstraintFailure (for a constraint, identified by constraintName != nil).
func (g *Graph) buildRuleSubgraph(name string, conditions []kernast.Condition, actions []kernast.Action, constraintName *string) {
	owner := name
	prefix := "rule:" + name

	if constraintName != nil {
		prefix = "constraint:" + name
	}

	entry := g.addNode(Node{StepID: prefix, Kind: kernast.NodeRuleEntry, RuleName: name, OwnerRule: owner})

	var acc NodeID

	if len(conditions) == 0 {
		acc = g.addNode(Node{StepID: prefix + ":true", Kind: kernast.NodeOp, OpName: "bool:true", OwnerRule: owner})
		g.addEdge(Edge{From: entry, To: acc, Kind: EdgeControl})
	}

	for i, c := range conditions {
		lhs := g.addNode(Node{StepID: fmt.Sprintf("%s:cond%d:lhs", prefix, i), Kind: kernast.NodeOp, OpName: "var:" + c.Symbol, OwnerRule: owner})
		rhs := g.addNode(Node{StepID: fmt.Sprintf("%s:cond%d:rhs", prefix, i), Kind: kernast.NodeOp, OpName: literalOpName(c.Operand), OwnerRule: owner})
		cmp := g.addNode(Node{StepID: fmt.Sprintf("%s:cond%d:cmp", prefix, i), Kind: kernast.NodeOp, OpName: comparatorOpName(c.Comparator), OwnerRule: owner})

		g.addEdge(Edge{From: lhs, To: cmp, Kind: EdgeData})
		g.addEdge(Edge{From: rhs, To: cmp, Kind: EdgeData})

		if i == 0 {
			g.addEdge(Edge{From: entry, To: lhs, Kind: EdgeControl})
			acc = cmp

			continue
		}

		and := g.addNode(Node{StepID: fmt.Sprintf("%s:cond%d:and", prefix, i), Kind: kernast.NodeOp, OpName: "and", OwnerRule: owner})
		g.addEdge(Edge{From: acc, To: and, Kind: EdgeData})
		g.addEdge(Edge{From: cmp, To: and, Kind: EdgeData})
		acc = and
	}

	check := g.addNode(Node{StepID: prefix + ":check", Kind: kernast.NodeCheckCondition, OwnerRule: owner})
	g.addEdge(Edge{From: acc, To: check, Kind: EdgeData})
	g.addEdge(Edge{From: entry, To: check, Kind: EdgeControl})

	if constraintName != nil {
		fail := g.addNode(Node{StepID: prefix + ":fail", Kind: kernast.NodeConstraintFailure, OpName: *constraintName, OwnerRule: owner})
		g.addEdge(Edge{From: check, To: fail, Kind: EdgeControl})
	}

	for i, a := range actions {
		val := g.addNode(Node{StepID: fmt.Sprintf("%s:action%d:val", prefix, i), Kind: kernast.NodeOp, OpName: literalOpName(a.Value), OwnerRule: owner})
		act := g.addNode(Node{StepID: fmt.Sprintf("%s:action%d", prefix, i), Kind: kernast.NodeAction, TargetSymbol: a.TargetSymbol, OwnerRule: owner})

		g.addEdge(Edge{From: val, To: act, Kind: EdgeData})
		g.addEdge(Edge{From: check, To: act, Kind: EdgeControl})
	}

	ret := g.addNode(Node{StepID: prefix + ":return", Kind: kernast.NodeReturnRule, OwnerRule: owner})
	g.addEdge(Edge{From: check, To: ret, Kind: EdgeControl})
}

func (g *Graph) addEdge(e Edge) {
	g.Edges = append(g.Edges, e)
	g.out[e.From] = append(g.out[e.From], e)
	g.in[e.To] = append(g.in[e.To], e)
}

// Out returns the edges leaving a node, in declaration order.
func (g *Graph) Out(id NodeID) []Edge { return g.out[id] }

// In returns the edges entering a node, in declaration order.
func (g *Graph) In(id NodeID) []Edge { return g.in[id] }

// ByStep looks up a node by StepID.
func (g *Graph) ByStep(step string) (Node, bool) {
	id, ok := g.byStep[step]
	if !ok {
		return Node{}, false
	}

	return g.Nodes[id], true
}

// findCycle performs a deterministic DFS (children visited in edge-declared
// order) looking for a back-edge. Loop-body edges that are reachable only
// through an explicit, bounded ControlLoop node are not considered cycles,
// since the flow pipeline re-enters them a fixed number of times by
// construction, not by graph traversal.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)

	color := make([]int, len(g.Nodes))
	parent := make([]NodeID, len(g.Nodes))

	var (
		cycle []string
		visit func(id NodeID) bool
	)

	visit = func(id NodeID) bool {
		color[id] = gray

		for _, e := range g.out[id] {
			if g.Nodes[id].Kind == kernast.NodeControl && g.Nodes[id].Control == kernast.ControlLoop {
				continue // bounded loop re-entry, not a structural cycle
			}

			switch color[e.To] {
			case white:
				parent[e.To] = id

				if visit(e.To) {
					return true
				}
			case gray:
				// Reconstruct the cycle path from e.To up to id.
				path := []string{g.Nodes[e.To].StepID}

				for n := id; n != e.To; n = parent[n] {
					path = append(path, g.Nodes[n].StepID)
				}

				path = append(path, g.Nodes[e.To].StepID)
				cycle = path

				return true
			}
		}

		color[id] = black

		return false
	}

	ids := make([]NodeID, len(g.Nodes))
	for i := range ids {
		ids[i] = NodeID(i)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}

	return nil
}

// BuildHash returns a deterministic digest of the graph's structure. The
// asm command logs it at debug level; it is not written into the module's
// metadata, and the flow pipeline's memoization does not consult it.
func (g *Graph) BuildHash() [32]byte {
	h := sha256.New()

	for _, n := range g.Nodes {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(n.ID))
		h.Write(buf[:])
		h.Write([]byte(n.StepID))
		h.Write([]byte{byte(n.Kind), byte(n.Control)})
	}

	for _, e := range g.Edges {
		var buf [8]byte
		binary.LittleEndian.PutUint32(buf[0:4], uint32(e.From))
		binary.LittleEndian.PutUint32(buf[4:8], uint32(e.To))
		h.Write(buf[:])
		h.Write([]byte{byte(e.Kind)})
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))

	return out
}
