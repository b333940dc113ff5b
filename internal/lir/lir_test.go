package lir

import (
	"testing"

	"github.com/kern-lang/kernc/internal/graph"
	"github.com/kern-lang/kernc/internal/kernast"
)

func buildGraph(tt *testing.T, program *kernast.VerifiedProgram) *graph.Graph {
	tt.Helper()

	g, err := graph.Build(program)
	if err != nil {
		tt.Fatalf("graph.Build: %v", err)
	}

	return g
}

func TestBuildRuleEntryIsReachableOnlyThroughCallRule(tt *testing.T) {
	program := &kernast.VerifiedProgram{
		Rules: []kernast.RuleDecl{{Name: "greet"}},
		Flows: []kernast.FlowDecl{
			{StepID: "call", Kind: kernast.NodeRule, RuleName: "greet"},
		},
	}

	p := Build(buildGraph(tt, program))

	label, ok := p.RuleTable["greet"]
	if !ok {
		tt.Fatalf("RuleTable missing entry for %q", "greet")
	}

	haltPC := -1
	for i, instr := range p.Instructions {
		if instr.Op == OpHalt {
			haltPC = i
			break
		}
	}

	if haltPC < 0 {
		tt.Fatalf("no HALT in program")
	}

	pc := resolveLabel(p, label)
	if pc <= haltPC {
		tt.Errorf("rule entry at pc %d, want it placed after the main section's HALT at pc %d (unreachable by fallthrough)", pc, haltPC)
	}

	var sawCall, sawReturn bool

	for _, instr := range p.Instructions {
		if instr.Op == OpCallRule && instr.Sym == "greet" {
			sawCall = true
		}

		if instr.Op == OpReturnRule {
			sawReturn = true
		}
	}

	if !sawCall {
		tt.Errorf("main section never emits CALLRULE greet")
	}

	if !sawReturn {
		tt.Errorf("rule body never emits RETURNRULE")
	}
}

// resolveLabel mirrors the assembler's own label resolution: the PC of the
// first non-OpLabel instruction at or after an OpLabel with the given ID.
func resolveLabel(p *Program, label uint32) int {
	for i, instr := range p.Instructions {
		if instr.Op == OpLabel && instr.Label == label {
			for j := i; j < len(p.Instructions); j++ {
				if p.Instructions[j].Op != OpLabel {
					return j
				}
			}
		}
	}

	return -1
}

func TestBuildHaltTerminatesProgram(tt *testing.T) {
	program := &kernast.VerifiedProgram{
		Flows: []kernast.FlowDecl{
			{StepID: "done", Kind: kernast.NodeControl, Control: kernast.ControlHalt},
		},
	}

	p := Build(buildGraph(tt, program))

	last := p.Instructions[len(p.Instructions)-1]
	if last.Op != OpHalt {
		tt.Errorf("last instruction = %s, want HALT", last)
	}
}

func TestAllocatorReusesExpiredRegisters(tt *testing.T) {
	p := NewProgram()

	r0 := p.AllocRegister()
	r1 := p.AllocRegister()
	r2 := p.AllocRegister()

	// r0 is defined and used once, then dead; r1 spans the whole program;
	// r2 is defined only after r0 has expired, so it should reuse r0's slot.
	p.Add(Instruction{Op: OpLoadNum, Dst: r0, HasDst: true, Immediate: 1, HasImm: true})
	p.Add(Instruction{Op: OpLoadNum, Dst: r1, HasDst: true, Immediate: 2, HasImm: true})
	p.Add(Instruction{Op: OpAdd, Dst: r1, HasDst: true, Src1: r0, HasSrc1: true, Src2: r1, HasSrc2: true})
	p.Add(Instruction{Op: OpLoadNum, Dst: r2, HasDst: true, Immediate: 3, HasImm: true})
	p.Add(Instruction{Op: OpAdd, Dst: r2, HasDst: true, Src1: r1, HasSrc1: true, Src2: r2, HasSrc2: true})

	alloc := NewAllocator().Allocate(p)

	if alloc.StackSlotsUsed != 0 {
		tt.Errorf("StackSlotsUsed = %d, want 0 (three registers easily fit in %d physical slots)",
			alloc.StackSlotsUsed, NumPhysicalRegisters)
	}

	phys0 := alloc.RegisterMap[r0]
	phys2 := alloc.RegisterMap[r2]

	if phys0.Stack || phys2.Stack {
		tt.Fatalf("unexpected stack allocation: r0=%v r2=%v", phys0, phys2)
	}

	if phys0.Index != phys2.Index {
		tt.Errorf("r0 (last used at instruction 2) and r2 (defined at instruction 3) got different "+
			"physical registers (%d, %d); expected the allocator to reuse r0's slot", phys0.Index, phys2.Index)
	}
}

func TestAllocatorSpillsWhenRegistersExhausted(tt *testing.T) {
	p := NewProgram()

	// NumPhysicalRegisters + 1 registers, all simultaneously live (each is
	// read by one of the trailing Adds, after every load has run), forces
	// exactly one spill to the stack.
	regs := make([]Register, NumPhysicalRegisters+1)
	for i := range regs {
		regs[i] = p.AllocRegister()
		p.Add(Instruction{Op: OpLoadNum, Dst: regs[i], HasDst: true, Immediate: int64(i), HasImm: true})
	}

	for _, r := range regs {
		p.Add(Instruction{Op: OpAdd, Src1: r, HasSrc1: true})
	}

	alloc := NewAllocator().Allocate(p)

	if alloc.StackSlotsUsed != 1 {
		tt.Errorf("StackSlotsUsed = %d, want 1", alloc.StackSlotsUsed)
	}

	var stackCount int
	for _, phys := range alloc.RegisterMap {
		if phys.Stack {
			stackCount++
		}
	}

	if stackCount != 1 {
		tt.Errorf("spilled register count = %d, want 1", stackCount)
	}
}
