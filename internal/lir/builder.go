package lir

import (
	"strconv"
	"strings"

	"github.com/kern-lang/kernc/internal/graph"
	"github.com/kern-lang/kernc/internal/kernast"
)

// builder holds the state threaded through one graph-to-LIR translation: a
// label for every node (assigned up front so forward references resolve),
// a demand-driven register for every node computed so far, and the set of
// nodes already emitted so a node reachable from more than one path (a
// shared data dependency, a loop's condition doubling as its own body) is
// translated exactly once.
type builder struct {
	p       *Program
	g       *graph.Graph
	labels  map[graph.NodeID]uint32
	regs    map[graph.NodeID]Register
	emitted map[graph.NodeID]bool
}

// Build translates an execution graph into an LIR program. The graph's
// ordinary flow nodes are lowered first, in declaration order, followed by
// an unconditional Halt; every Rule and Constraint's condition/action
// subgraph (§4.1) is then lowered as a callable block after the Halt, so it
// is only ever reached via CallRule, never by fallthrough.
func Build(g *graph.Graph) *Program {
	b := &builder{
		p:       NewProgram(),
		g:       g,
		labels:  make(map[graph.NodeID]uint32, len(g.Nodes)),
		regs:    make(map[graph.NodeID]Register),
		emitted: make(map[graph.NodeID]bool, len(g.Nodes)),
	}

	for _, n := range g.Nodes {
		b.labels[n.ID] = b.p.AllocLabel()
	}

	// A node reached only via a Control-kind node's Control edge is an
	// If/Loop branch body: it must not also run unconditionally during the
	// main pass, only when emitControl inlines it.
	branchTarget := make(map[graph.NodeID]bool)
	for _, e := range g.Edges {
		if e.Kind == graph.EdgeControl && g.Nodes[e.From].Kind == kernast.NodeControl {
			branchTarget[e.To] = true
		}
	}

	for _, n := range g.Nodes {
		if n.OwnerRule != "" || branchTarget[n.ID] {
			continue
		}

		b.emitNode(n)
	}

	b.p.Add(Instruction{Op: OpHalt})

	for _, n := range g.Nodes {
		if n.OwnerRule == "" {
			continue
		}

		if n.Kind == kernast.NodeRuleEntry {
			b.p.RuleTable[n.RuleName] = b.labels[n.ID]
		}

		b.emitNode(n)
	}

	for id, r := range b.regs {
		if step := g.Nodes[id].StepID; step != "" {
			b.p.SymbolTable[step] = r
		}
	}

	return b.p
}

// emitNode lowers n exactly once: a second call (from a shared dependency
// or a loop's condition re-entering its own body) is a no-op.
func (b *builder) emitNode(n graph.Node) {
	if b.emitted[n.ID] {
		return
	}

	b.emitted[n.ID] = true

	b.p.Add(Instruction{Op: OpLabel, Label: b.labels[n.ID], HasLabel: true})

	switch n.Kind {
	case kernast.NodeOp:
		b.emitOp(n)

	case kernast.NodeRule:
		b.p.Add(Instruction{Op: OpCallRule, Sym: n.RuleName})

		dst := b.regForNode(n.ID)
		// A rule communicates its result through a symbol named after
		// itself; RunRule/executeRule's flow-level counterpart returns the
		// callback's value directly, so this is the LIR path's equivalent.
		b.p.Add(Instruction{Op: OpGetSymbol, Dst: dst, HasDst: true, Sym: n.RuleName})

	case kernast.NodeGraph:
		b.emitGraph(n)

	case kernast.NodeIo:
		b.emitIo(n)

	case kernast.NodeControl:
		b.emitControl(n)

	case kernast.NodeCheckCondition:
		b.ensureOperandsEmitted(n.ID)
		args := b.operandRegsFor(n.ID)
		b.p.Add(Instruction{Op: OpCheckCondition, Src1: b.arg(args, 0), HasSrc1: true})

	case kernast.NodeAction:
		b.ensureOperandsEmitted(n.ID)
		args := b.operandRegsFor(n.ID)
		b.p.Add(Instruction{Op: OpSetSymbol, Src1: b.arg(args, 0), HasSrc1: true, Sym: n.TargetSymbol})

	case kernast.NodeConstraintFailure:
		b.p.Add(Instruction{Op: OpConstraintFailure, Sym: n.OpName})

	case kernast.NodeReturnRule:
		b.p.Add(Instruction{Op: OpReturnRule})

	case kernast.NodeRuleEntry:
		// Pure bookkeeping: RuleTable is populated by Build before this is
		// reached. No instruction corresponds to a rule entry point; the
		// label above marks where CallRule transfers control to.
	}
}

// ensureOperandsEmitted lowers every Data-edge producer of id that has not
// already been emitted, so operandRegsFor can assume each producer's
// register already holds its value.
func (b *builder) ensureOperandsEmitted(id graph.NodeID) {
	for _, e := range b.g.In(id) {
		if e.Kind != graph.EdgeData {
			continue
		}

		if !b.emitted[e.From] {
			b.emitNode(b.g.Nodes[e.From])
		}
	}
}

func (b *builder) operandRegsFor(id graph.NodeID) []Register {
	var regs []Register

	for _, e := range b.g.In(id) {
		if e.Kind == graph.EdgeData {
			regs = append(regs, b.regs[e.From])
		}
	}

	return regs
}

func (b *builder) arg(regs []Register, i int) Register {
	if i < len(regs) {
		return regs[i]
	}

	return 0
}

func (b *builder) regForNode(id graph.NodeID) Register {
	if r, ok := b.regs[id]; ok {
		return r
	}

	r := b.p.AllocRegister()
	b.regs[id] = r

	return r
}

// emitOp lowers a Op node's OpName: a nullary literal ("const:<n>",
// "sym:<s>", "bool:true/false", "var:<s>") or an arithmetic/comparison/
// logical operator over the node's data-edge operands, mirroring exactly
// the grammar internal/flow's executeOp/literalOp interpret at runtime, so
// the compiled and interpreted paths agree on every Op node's meaning.
func (b *builder) emitOp(n graph.Node) {
	dst := b.regForNode(n.ID)

	switch {
	case strings.HasPrefix(n.OpName, "const:"):
		v, _ := strconv.ParseInt(strings.TrimPrefix(n.OpName, "const:"), 10, 64)
		b.p.Add(Instruction{Op: OpLoadNum, Dst: dst, HasDst: true, Immediate: v, HasImm: true})

	case strings.HasPrefix(n.OpName, "sym:"):
		b.p.Add(Instruction{Op: OpLoadSym, Dst: dst, HasDst: true, Sym: strings.TrimPrefix(n.OpName, "sym:")})

	case n.OpName == "bool:true":
		b.p.Add(Instruction{Op: OpLoadBool, Dst: dst, HasDst: true, Immediate: 1, HasImm: true})

	case n.OpName == "bool:false":
		b.p.Add(Instruction{Op: OpLoadBool, Dst: dst, HasDst: true, Immediate: 0, HasImm: true})

	case strings.HasPrefix(n.OpName, "var:"):
		b.p.Add(Instruction{Op: OpGetSymbol, Dst: dst, HasDst: true, Sym: strings.TrimPrefix(n.OpName, "var:")})

	default:
		b.ensureOperandsEmitted(n.ID)
		b.emitArithOrCmp(n.OpName, dst, b.operandRegsFor(n.ID))
	}
}

func (b *builder) emitArithOrCmp(op string, dst Register, args []Register) {
	one := func(o Op) {
		b.p.Add(Instruction{Op: o, Dst: dst, HasDst: true, Src1: b.arg(args, 0), HasSrc1: true})
	}

	two := func(o Op) {
		b.p.Add(Instruction{Op: o, Dst: dst, HasDst: true, Src1: b.arg(args, 0), HasSrc1: true, Src2: b.arg(args, 1), HasSrc2: true})
	}

	switch op {
	case "move":
		one(OpMove)
	case "neg":
		one(OpNeg)
	case "not":
		one(OpNot)
	case "add":
		two(OpAdd)
	case "sub":
		two(OpSub)
	case "mul":
		two(OpMul)
	case "div":
		two(OpDiv)
	case "mod":
		two(OpMod)
	case "and":
		two(OpAnd)
	case "or":
		two(OpOr)
	case "eq":
		two(OpCmpEq)
	case "ne":
		two(OpCmpNe)
	case "lt":
		two(OpCmpLt)
	case "le":
		two(OpCmpLe)
	case "gt":
		two(OpCmpGt)
	case "ge":
		two(OpCmpGe)
	default:
		// An unrecognized op name can't be lowered to an operator; load it
		// as a symbol literal so the program still assembles and fails
		// loudly at verification or run time instead of silently.
		b.p.Add(Instruction{Op: OpLoadSym, Dst: dst, HasDst: true, Sym: op})
	}
}

// emitGraph lowers a Graph node's GraphID verb ("create:id", "connect:a:b",
// "merge:a:b", "delete:id"), the same grammar internal/flow's executeGraph
// parses.
func (b *builder) emitGraph(n graph.Node) {
	verb, rest, _ := strings.Cut(n.GraphID, ":")
	parts := strings.Split(rest, ":")

	switch verb {
	case "create":
		b.p.Add(Instruction{Op: OpCreateNode, Sym: parts[0]})

	case "connect", "merge":
		if len(parts) < 2 {
			return
		}

		r1, r2 := b.p.AllocRegister(), b.p.AllocRegister()
		b.p.Add(Instruction{Op: OpLoadSym, Dst: r1, HasDst: true, Sym: parts[0]})
		b.p.Add(Instruction{Op: OpLoadSym, Dst: r2, HasDst: true, Sym: parts[1]})

		op := OpConnect
		if verb == "merge" {
			op = OpMerge
		}

		b.p.Add(Instruction{Op: op, Src1: r1, HasSrc1: true, Src2: r2, HasSrc2: true})

	case "delete":
		r1 := b.p.AllocRegister()
		b.p.Add(Instruction{Op: OpLoadSym, Dst: r1, HasDst: true, Sym: parts[0]})
		b.p.Add(Instruction{Op: OpDeleteNode, Src1: r1, HasSrc1: true})
	}
}

// emitIo lowers an Io node: a WriteIo if it has a data-edge operand to
// consume (the reference it's fed), a ReadIo otherwise, the same dispatch
// internal/flow's executeIo makes at runtime.
func (b *builder) emitIo(n graph.Node) {
	b.ensureOperandsEmitted(n.ID)
	args := b.operandRegsFor(n.ID)

	if len(args) > 0 {
		b.p.Add(Instruction{Op: OpWriteIo, Src1: args[0], HasSrc1: true, Sym: n.IoChannel})
		return
	}

	dst := b.regForNode(n.ID)
	b.p.Add(Instruction{Op: OpReadIo, Dst: dst, HasDst: true, Sym: n.IoChannel})
}

// emitControl lowers an If/Loop/Break/Continue/Halt node. If/Loop's
// condition is resolved from the node's real data-edge producer (not the
// control node's own, never-written step register), and the branch/body is
// inlined by recursively lowering its Control-edge successors in place,
// rather than calling a nonexistent rule named after the successor's step.
func (b *builder) emitControl(n graph.Node) {
	switch n.Control {
	case kernast.ControlIf:
		b.ensureOperandsEmitted(n.ID)
		cond := b.arg(b.operandRegsFor(n.ID), 0)

		elseLabel := b.p.AllocLabel()
		endLabel := b.p.AllocLabel()

		b.p.Add(Instruction{Op: OpJmpIfNot, Src1: cond, HasSrc1: true, Label: elseLabel, HasLabel: true})

		for _, e := range b.g.Out(n.ID) {
			if e.Kind == graph.EdgeControl {
				b.emitNode(b.g.Nodes[e.To])
			}
		}

		b.p.Add(Instruction{Op: OpJmp, Label: endLabel, HasLabel: true})
		b.p.Add(Instruction{Op: OpLabel, Label: elseLabel, HasLabel: true})
		b.p.Add(Instruction{Op: OpLabel, Label: endLabel, HasLabel: true})

	case kernast.ControlLoop:
		loopStart := b.p.AllocLabel()
		loopEnd := b.p.AllocLabel()

		b.p.Add(Instruction{Op: OpLabel, Label: loopStart, HasLabel: true})

		// The condition is lowered here, inside the loopStart/Jmp window,
		// so it physically re-executes every time control jumps back --
		// no separate re-emission is needed for a node the loop also uses
		// as its body (a rule call doubling as both condition and body).
		b.ensureOperandsEmitted(n.ID)
		cond := b.arg(b.operandRegsFor(n.ID), 0)

		b.p.Add(Instruction{Op: OpJmpIfNot, Src1: cond, HasSrc1: true, Label: loopEnd, HasLabel: true})

		for _, e := range b.g.Out(n.ID) {
			if e.Kind == graph.EdgeControl {
				b.emitNode(b.g.Nodes[e.To])
			}
		}

		b.p.Add(Instruction{Op: OpJmp, Label: loopStart, HasLabel: true})
		b.p.Add(Instruction{Op: OpLabel, Label: loopEnd, HasLabel: true})

	case kernast.ControlBreak, kernast.ControlContinue:
		b.p.Add(Instruction{Op: OpJmp, Label: b.labels[n.ID], HasLabel: true})

	case kernast.ControlHalt:
		b.p.Add(Instruction{Op: OpHalt})
	}
}
