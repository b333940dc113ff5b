package flow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kern-lang/kernc/internal/graph"
	"github.com/kern-lang/kernc/internal/kernast"
)

// Pipeline evaluates a single execution graph, memoizing each node's result
// by its NodeID so that a node reachable from more than one path is
// computed exactly once per run.
type Pipeline struct {
	Graph *graph.Graph

	memo map[graph.NodeID]kernast.Value
	done map[graph.NodeID]bool
}

// New returns a Pipeline over g.
func New(g *graph.Graph) *Pipeline {
	return &Pipeline{
		Graph: g,
		memo:  make(map[graph.NodeID]kernast.Value),
		done:  make(map[graph.NodeID]bool),
	}
}

// Run evaluates every node in the graph's declaration order, honoring
// Halt/Break/Continue signals the way the reference flow evaluator's main
// loop does, and returns the last node's value.
func (p *Pipeline) Run(ctx *Context) (kernast.Value, error) {
	var last kernast.Value

	for _, n := range p.Graph.Nodes {
		if n.OwnerRule != "" {
			continue // evaluated on demand by RunRule, not the main pass
		}

		if ctx.Halted {
			break
		}

		if ctx.BreakRequested {
			ctx.BreakRequested = false
			break
		}

		if ctx.ContinueRequested {
			ctx.ContinueRequested = false
			continue
		}

		v, err := p.Evaluate(ctx, n.ID)
		if err != nil {
			return kernast.Value{}, err
		}

		last = v
		ctx.stepCount++
	}

	return last, nil
}

// RunRule evaluates the named rule or constraint's condition/action
// subgraph to completion, the interpreted-path counterpart to the compiled
// CALL_RULE/RULE_ENTRY/RETURN_RULE sequence the LIR builder emits. It is the
// RuleExecutor a caller wires into another pipeline's Context so that Rule
// flow nodes can demand a rule's result.
func (p *Pipeline) RunRule(ctx *Context, name string) (kernast.Value, error) {
	for _, n := range p.Graph.Nodes {
		if n.Kind == kernast.NodeRuleEntry && n.RuleName == name {
			return p.runSubgraph(ctx, n.OwnerRule)
		}
	}

	return kernast.Value{}, fmt.Errorf("flow: rule %q not found", name)
}

func (p *Pipeline) runSubgraph(ctx *Context, owner string) (kernast.Value, error) {
	var last kernast.Value

	for _, n := range p.Graph.Nodes {
		if n.OwnerRule != owner {
			continue
		}

		// A ConstraintFailure node exists for the compiled path's benefit,
		// where it is reached only by a conditional jump around it on
		// success. The interpreted path never branches here: check's own
		// execution already raises the failure directly when its condition
		// doesn't hold, so unconditionally evaluating this node too would
		// fault even on the success path.
		if n.Kind == kernast.NodeConstraintFailure {
			continue
		}

		v, err := p.Evaluate(ctx, n.ID)
		if err != nil {
			return kernast.Value{}, err
		}

		last = v
	}

	return last, nil
}

// Evaluate returns node id's value, computing and memoizing it on first
// demand and returning the cached result on every subsequent call.
func (p *Pipeline) Evaluate(ctx *Context, id graph.NodeID) (kernast.Value, error) {
	if p.done[id] {
		return p.memo[id], nil
	}

	if int(id) >= len(p.Graph.Nodes) {
		return kernast.Value{}, fmt.Errorf("flow: node %d not found", id)
	}

	n := p.Graph.Nodes[id]

	v, err := p.execute(ctx, n)
	if err != nil {
		return kernast.Value{}, err
	}

	p.memo[id] = v
	p.done[id] = true

	if n.StepID != "" {
		ctx.Vars[n.StepID] = v
	}

	return v, nil
}

// operands returns the values of every node feeding id via a data edge, in
// edge-declaration order, evaluating each one on demand.
func (p *Pipeline) operands(ctx *Context, id graph.NodeID) ([]kernast.Value, error) {
	var out []kernast.Value

	for _, e := range p.Graph.In(id) {
		if e.Kind != graph.EdgeData {
			continue
		}

		v, err := p.Evaluate(ctx, e.From)
		if err != nil {
			return nil, err
		}

		out = append(out, v)
	}

	return out, nil
}

func (p *Pipeline) execute(ctx *Context, n graph.Node) (kernast.Value, error) {
	switch n.Kind {
	case kernast.NodeOp:
		return p.executeOp(ctx, n)
	case kernast.NodeRule:
		return p.executeRule(ctx, n)
	case kernast.NodeControl:
		return p.executeControl(ctx, n)
	case kernast.NodeGraph:
		return p.executeGraph(ctx, n)
	case kernast.NodeIo:
		return p.executeIo(ctx, n)
	case kernast.NodeRuleEntry, kernast.NodeReturnRule:
		return kernast.Bool(true), nil
	case kernast.NodeCheckCondition:
		return p.executeCheckCondition(ctx, n)
	case kernast.NodeAction:
		return p.executeAction(ctx, n)
	case kernast.NodeConstraintFailure:
		return kernast.Value{}, &ConstraintFailure{Name: n.OpName, Span: n.Span}
	default:
		return kernast.Value{}, fmt.Errorf("flow: unknown node kind %v", n.Kind)
	}
}

// ConstraintFailure is the diagnostic a Constraint's action raises instead
// of assigning a value, mirroring the VM's ErrConstraintFailure.
type ConstraintFailure struct {
	Name string
	Span kernast.SourceSpan
}

func (e *ConstraintFailure) Error() string {
	return fmt.Sprintf("flow: constraint %q failed at %s", e.Name, e.Span)
}

func (p *Pipeline) executeCheckCondition(ctx *Context, n graph.Node) (kernast.Value, error) {
	operands, err := p.operands(ctx, n.ID)
	if err != nil {
		return kernast.Value{}, err
	}

	if len(operands) == 0 {
		return kernast.Value{}, fmt.Errorf("flow: check-condition node %q has no condition operand", n.StepID)
	}

	if !operands[0].Truthy() {
		return kernast.Value{}, &ConstraintFailure{Name: n.OwnerRule, Span: n.Span}
	}

	return kernast.Bool(true), nil
}

func (p *Pipeline) executeAction(ctx *Context, n graph.Node) (kernast.Value, error) {
	operands, err := p.operands(ctx, n.ID)
	if err != nil {
		return kernast.Value{}, err
	}

	if len(operands) == 0 {
		return kernast.Value{}, fmt.Errorf("flow: action node %q has no value operand", n.StepID)
	}

	ctx.Vars[n.TargetSymbol] = operands[0]

	return operands[0], nil
}

// executeOp dispatches on the node's OpName, which names either a nullary
// literal ("const:<n>", "sym:<name>", "bool:true") or an arithmetic/logical
// operator applied to the node's data-edge operands, in the same vein as
// the reference evaluator's opcode-numbered op dispatch.
func (p *Pipeline) executeOp(ctx *Context, n graph.Node) (kernast.Value, error) {
	if strings.HasPrefix(n.OpName, "var:") {
		return ctx.Vars[strings.TrimPrefix(n.OpName, "var:")], nil
	}

	if lit, ok, err := literalOp(n.OpName); ok {
		return lit, err
	}

	operands, err := p.operands(ctx, n.ID)
	if err != nil {
		return kernast.Value{}, err
	}

	return applyOp(n.OpName, operands)
}

func literalOp(opName string) (kernast.Value, bool, error) {
	switch {
	case strings.HasPrefix(opName, "const:"):
		n, err := strconv.ParseInt(strings.TrimPrefix(opName, "const:"), 10, 64)
		if err != nil {
			return kernast.Value{}, true, fmt.Errorf("flow: bad const literal %q: %w", opName, err)
		}

		return kernast.Num(n), true, nil
	case strings.HasPrefix(opName, "sym:"):
		return kernast.Sym(strings.TrimPrefix(opName, "sym:")), true, nil
	case opName == "bool:true":
		return kernast.Bool(true), true, nil
	case opName == "bool:false":
		return kernast.Bool(false), true, nil
	default:
		return kernast.Value{}, false, nil
	}
}

func applyOp(op string, args []kernast.Value) (kernast.Value, error) {
	needArity := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("flow: op %q wants %d operand(s), got %d", op, n, len(args))
		}

		return nil
	}

	switch op {
	case "move":
		if err := needArity(1); err != nil {
			return kernast.Value{}, err
		}

		return args[0], nil
	case "add", "sub", "mul", "div", "mod":
		if err := needArity(2); err != nil {
			return kernast.Value{}, err
		}

		return arith(op, args[0], args[1])
	case "neg":
		if err := needArity(1); err != nil {
			return kernast.Value{}, err
		}

		if args[0].Kind != kernast.KindNum {
			return kernast.Value{}, fmt.Errorf("flow: neg requires Num, got %s", args[0].Kind)
		}

		return kernast.Num(-args[0].Num), nil
	case "not":
		if err := needArity(1); err != nil {
			return kernast.Value{}, err
		}

		return kernast.Bool(!args[0].Truthy()), nil
	case "and":
		if err := needArity(2); err != nil {
			return kernast.Value{}, err
		}

		return kernast.Bool(args[0].Truthy() && args[1].Truthy()), nil
	case "or":
		if err := needArity(2); err != nil {
			return kernast.Value{}, err
		}

		return kernast.Bool(args[0].Truthy() || args[1].Truthy()), nil
	case "eq", "ne", "lt", "le", "gt", "ge":
		if err := needArity(2); err != nil {
			return kernast.Value{}, err
		}

		return compare(op, args[0], args[1])
	default:
		return kernast.Value{}, fmt.Errorf("flow: unknown op %q", op)
	}
}

func arith(op string, a, b kernast.Value) (kernast.Value, error) {
	if a.Kind != kernast.KindNum || b.Kind != kernast.KindNum {
		return kernast.Value{}, fmt.Errorf("flow: %s requires two Num operands, got %s and %s", op, a.Kind, b.Kind)
	}

	switch op {
	case "add":
		return kernast.Num(a.Num + b.Num), nil
	case "sub":
		return kernast.Num(a.Num - b.Num), nil
	case "mul":
		return kernast.Num(a.Num * b.Num), nil
	case "div":
		if b.Num == 0 {
			return kernast.Value{}, fmt.Errorf("flow: division by zero")
		}

		return kernast.Num(a.Num / b.Num), nil
	case "mod":
		if b.Num == 0 {
			return kernast.Value{}, fmt.Errorf("flow: modulo by zero")
		}

		return kernast.Num(a.Num % b.Num), nil
	default:
		return kernast.Value{}, fmt.Errorf("flow: unreachable arithmetic op %q", op)
	}
}

func compare(op string, a, b kernast.Value) (kernast.Value, error) {
	if a.Kind != kernast.KindNum || b.Kind != kernast.KindNum {
		if op == "eq" {
			return kernast.Bool(a == b), nil
		}

		if op == "ne" {
			return kernast.Bool(a != b), nil
		}

		return kernast.Value{}, fmt.Errorf("flow: %s requires two Num operands, got %s and %s", op, a.Kind, b.Kind)
	}

	switch op {
	case "eq":
		return kernast.Bool(a.Num == b.Num), nil
	case "ne":
		return kernast.Bool(a.Num != b.Num), nil
	case "lt":
		return kernast.Bool(a.Num < b.Num), nil
	case "le":
		return kernast.Bool(a.Num <= b.Num), nil
	case "gt":
		return kernast.Bool(a.Num > b.Num), nil
	case "ge":
		return kernast.Bool(a.Num >= b.Num), nil
	default:
		return kernast.Value{}, fmt.Errorf("flow: unreachable comparator %q", op)
	}
}

func (p *Pipeline) executeRule(ctx *Context, n graph.Node) (kernast.Value, error) {
	if ctx.Rules == nil {
		return kernast.Value{}, fmt.Errorf("flow: node %d calls rule %q but no rule executor is configured", n.ID, n.RuleName)
	}

	return ctx.Rules(n.RuleName)
}

func (p *Pipeline) controlSuccessors(n graph.Node) []graph.NodeID {
	var out []graph.NodeID

	for _, e := range p.Graph.Out(n.ID) {
		if e.Kind == graph.EdgeControl {
			out = append(out, e.To)
		}
	}

	return out
}

func (p *Pipeline) executeControl(ctx *Context, n graph.Node) (kernast.Value, error) {
	switch n.Control {
	case kernast.ControlHalt:
		ctx.Halted = true
		return kernast.Bool(true), nil

	case kernast.ControlBreak:
		ctx.BreakRequested = true
		return kernast.Bool(true), nil

	case kernast.ControlContinue:
		ctx.ContinueRequested = true
		return kernast.Bool(true), nil

	case kernast.ControlIf:
		cond, err := p.conditionValue(ctx, n)
		if err != nil {
			return kernast.Value{}, err
		}

		if !cond.Truthy() {
			return kernast.Bool(false), nil
		}

		for _, succ := range p.controlSuccessors(n) {
			if _, err := p.Evaluate(ctx, succ); err != nil {
				return kernast.Value{}, err
			}
		}

		return kernast.Bool(true), nil

	case kernast.ControlLoop:
		return p.executeLoop(ctx, n)

	default:
		return kernast.Value{}, fmt.Errorf("flow: unknown control kind %v", n.Control)
	}
}

func (p *Pipeline) executeLoop(ctx *Context, n graph.Node) (kernast.Value, error) {
	iters := 0

	for {
		if n.MaxIters > 0 && iters >= int(n.MaxIters) {
			return kernast.Value{}, fmt.Errorf("flow: loop %q exceeded its bound of %d iterations", n.StepID, n.MaxIters)
		}

		cond, err := p.conditionValue(ctx, n)
		if err != nil {
			return kernast.Value{}, err
		}

		if !cond.Truthy() {
			break
		}

		for _, succ := range p.controlSuccessors(n) {
			delete(p.done, succ)

			if _, err := p.Evaluate(ctx, succ); err != nil {
				return kernast.Value{}, err
			}

			if ctx.BreakRequested {
				ctx.BreakRequested = false
				return kernast.Bool(true), nil
			}

			if ctx.ContinueRequested {
				ctx.ContinueRequested = false
				break
			}

			if ctx.Halted {
				return kernast.Bool(true), nil
			}
		}

		iters++
	}

	return kernast.Bool(true), nil
}

func (p *Pipeline) conditionValue(ctx *Context, n graph.Node) (kernast.Value, error) {
	operands, err := p.operands(ctx, n.ID)
	if err != nil {
		return kernast.Value{}, err
	}

	if len(operands) == 0 {
		return kernast.Value{}, fmt.Errorf("flow: control node %q has no condition operand", n.StepID)
	}

	return operands[0], nil
}

func (p *Pipeline) executeGraph(ctx *Context, n graph.Node) (kernast.Value, error) {
	verb, args, ok := strings.Cut(n.GraphID, ":")
	if !ok {
		verb = n.GraphID
	}

	parts := strings.Split(args, ":")

	switch verb {
	case "create":
		ctx.Graph.create(parts[0])
	case "connect":
		if len(parts) < 2 {
			return kernast.Value{}, fmt.Errorf("flow: graph connect needs two ids, got %q", n.GraphID)
		}

		ctx.Graph.connect(parts[0], parts[1])
	case "merge":
		if len(parts) < 2 {
			return kernast.Value{}, fmt.Errorf("flow: graph merge needs two ids, got %q", n.GraphID)
		}

		ctx.Graph.merge(parts[0], parts[1])
	case "delete":
		ctx.Graph.delete(parts[0])
	default:
		return kernast.Value{}, fmt.Errorf("flow: unknown graph verb %q", verb)
	}

	return kernast.Sym(n.GraphID), nil
}

func (p *Pipeline) executeIo(ctx *Context, n graph.Node) (kernast.Value, error) {
	if n.IoChannel == "" {
		return kernast.Bool(true), nil
	}

	if ctx.Io == nil {
		return kernast.Value{}, fmt.Errorf("flow: node %d uses io channel %q but no IoPort is configured", n.ID, n.IoChannel)
	}

	operands, err := p.operands(ctx, n.ID)
	if err != nil {
		return kernast.Value{}, err
	}

	if len(operands) > 0 {
		if err := ctx.Io.Write(n.IoChannel, operands[0]); err != nil {
			return kernast.Value{}, err
		}

		return operands[0], nil
	}

	return ctx.Io.Read(n.IoChannel)
}
