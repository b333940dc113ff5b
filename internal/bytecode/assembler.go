package bytecode

import (
	"fmt"

	"github.com/kern-lang/kernc/internal/lir"
)

// Assembler lowers an allocated LIR program into bytecode, resolving labels
// to instruction indices in a first pass and generating fixed-width
// instructions in a second -- the same two-pass shape as the teacher
// assembler's Parse-then-Generate(symbols, pc) pipeline, adapted from
// label names to LIR's numeric labels.
type Assembler struct {
	program    *lir.Program
	allocation lir.Allocation
}

// NewAssembler returns an Assembler for program, using the given register
// allocation.
func NewAssembler(program *lir.Program, allocation lir.Allocation) *Assembler {
	return &Assembler{program: program, allocation: allocation}
}

// Assemble runs both passes and returns a complete, checksummed Module.
func (a *Assembler) Assemble() (*Module, error) {
	pcOf, err := a.resolveLabels()
	if err != nil {
		return nil, err
	}

	instructions, constants, err := a.generate(pcOf)
	if err != nil {
		return nil, err
	}

	var rules []RuleEntry

	ruleNames := make([]string, 0, len(a.program.RuleTable))
	for name := range a.program.RuleTable {
		ruleNames = append(ruleNames, name)
	}

	sortStrings(ruleNames)

	for i, name := range ruleNames {
		label := a.program.RuleTable[name]
		rules = append(rules, RuleEntry{ID: RuleID(i), EntryPC: pcOf[label], Name: name})
	}

	var symbols []Symbol

	symNames := make([]string, 0, len(a.program.SymbolTable))
	for name := range a.program.SymbolTable {
		symNames = append(symNames, name)
	}

	sortStrings(symNames)

	for i, name := range symNames {
		symbols = append(symbols, Symbol{ID: uint32(i), Name: name})
	}

	return NewModule(instructions, constants, symbols, rules, nil, nil), nil
}

// resolveLabels assigns each label the instruction index of the bytecode
// instruction immediately following it, skipping LABEL pseudo-instructions
// (they do not themselves survive into bytecode).
func (a *Assembler) resolveLabels() (map[uint32]uint32, error) {
	pcOf := make(map[uint32]uint32)

	var pc uint32

	for _, instr := range a.program.Instructions {
		if instr.Op == lir.OpLabel {
			pcOf[instr.Label] = pc
			continue
		}

		pc++
	}

	return pcOf, nil
}

func (a *Assembler) physical(r lir.Register) (uint16, error) {
	phys, ok := a.allocation.RegisterMap[r]
	if !ok {
		return 0, fmt.Errorf("bytecode: no register allocation for %s", r)
	}

	if phys.Stack {
		// Stack slots are addressed as registers above the physical file;
		// the VM's safety layer enforces the real stack budget at runtime.
		return lir.NumPhysicalRegisters + phys.Index, nil
	}

	return phys.Index, nil
}

func (a *Assembler) generate(pcOf map[uint32]uint32) ([]Instruction, []Constant, error) {
	var (
		instructions []Instruction
		constants    []Constant
	)

	internConst := func(c Constant) uint16 {
		for i, existing := range constants {
			if existing.Kind != c.Kind || existing.Num != c.Num || existing.Bool != c.Bool ||
				existing.Sym != c.Sym || len(existing.Indices) != len(c.Indices) {
				continue
			}

			same := true
			for j := range c.Indices {
				same = same && existing.Indices[j] == c.Indices[j]
			}

			if same {
				return uint16(i)
			}
		}

		constants = append(constants, c)

		return uint16(len(constants) - 1)
	}

	for _, instr := range a.program.Instructions {
		if instr.Op == lir.OpLabel {
			continue
		}

		out, err := a.lower(instr, pcOf, internConst)
		if err != nil {
			return nil, nil, err
		}

		instructions = append(instructions, out)
	}

	return instructions, constants, nil
}

func (a *Assembler) lower(instr lir.Instruction, pcOf map[uint32]uint32, internConst func(Constant) uint16) (Instruction, error) {
	reg := func(r lir.Register) uint16 {
		v, err := a.physical(r)
		if err != nil {
			v = 0
		}

		return v
	}

	switch instr.Op {
	case lir.OpNop:
		return NewInstruction(Nop, 0, 0, 0, 0), nil
	case lir.OpHalt:
		return NewInstruction(Halt, 0, 0, 0, 0), nil
	case lir.OpJmp:
		return NewInstruction(Jmp, uint16(pcOf[instr.Label]), 0, 0, 0), nil
	case lir.OpJmpIf:
		return NewInstruction(JmpIf, reg(instr.Src1), uint16(pcOf[instr.Label]), 0, 0), nil
	case lir.OpJmpIfNot:
		return NewInstruction(JmpIf, reg(instr.Src1), uint16(pcOf[instr.Label]), 0, 1), nil // flags=1 marks inverted test
	case lir.OpLoadNum:
		idx := internConst(Constant{Kind: ConstNum, Num: instr.Immediate})
		return NewInstruction(LoadNum, reg(instr.Dst), idx, 0, 0), nil
	case lir.OpLoadBool:
		idx := internConst(Constant{Kind: ConstBool, Bool: instr.Immediate != 0})
		return NewInstruction(LoadBool, reg(instr.Dst), idx, 0, 0), nil
	case lir.OpLoadSym:
		idx := internConst(Constant{Kind: ConstSym, Sym: instr.Sym})
		return NewInstruction(LoadSym, reg(instr.Dst), idx, 0, 0), nil
	case lir.OpMove:
		return NewInstruction(Move, reg(instr.Dst), reg(instr.Src1), 0, 0), nil
	case lir.OpAdd:
		return NewInstruction(Add, reg(instr.Dst), reg(instr.Src1), reg(instr.Src2), 0), nil
	case lir.OpSub:
		return NewInstruction(Sub, reg(instr.Dst), reg(instr.Src1), reg(instr.Src2), 0), nil
	case lir.OpMul:
		return NewInstruction(Mul, reg(instr.Dst), reg(instr.Src1), reg(instr.Src2), 0), nil
	case lir.OpDiv:
		return NewInstruction(Div, reg(instr.Dst), reg(instr.Src1), reg(instr.Src2), 0), nil
	case lir.OpMod:
		return NewInstruction(Mod, reg(instr.Dst), reg(instr.Src1), reg(instr.Src2), 0), nil
	case lir.OpNeg:
		return NewInstruction(Neg, reg(instr.Dst), reg(instr.Src1), 0, 0), nil
	case lir.OpAnd:
		return NewInstruction(And, reg(instr.Dst), reg(instr.Src1), reg(instr.Src2), 0), nil
	case lir.OpOr:
		return NewInstruction(Or, reg(instr.Dst), reg(instr.Src1), reg(instr.Src2), 0), nil
	case lir.OpNot:
		return NewInstruction(Not, reg(instr.Dst), reg(instr.Src1), 0, 0), nil
	case lir.OpCmpEq:
		return NewInstruction(Compare, reg(instr.Dst), reg(instr.Src1), reg(instr.Src2), uint8(CmpEq)), nil
	case lir.OpCmpNe:
		return NewInstruction(Compare, reg(instr.Dst), reg(instr.Src1), reg(instr.Src2), uint8(CmpNe)), nil
	case lir.OpCmpLt:
		return NewInstruction(Compare, reg(instr.Dst), reg(instr.Src1), reg(instr.Src2), uint8(CmpLt)), nil
	case lir.OpCmpLe:
		return NewInstruction(Compare, reg(instr.Dst), reg(instr.Src1), reg(instr.Src2), uint8(CmpLe)), nil
	case lir.OpCmpGt:
		return NewInstruction(Compare, reg(instr.Dst), reg(instr.Src1), reg(instr.Src2), uint8(CmpGt)), nil
	case lir.OpCmpGe:
		return NewInstruction(Compare, reg(instr.Dst), reg(instr.Src1), reg(instr.Src2), uint8(CmpGe)), nil
	case lir.OpCreateNode:
		idx := internConst(Constant{Kind: ConstSym, Sym: instr.Sym})
		return NewInstruction(CreateNode, idx, 0, 0, 0), nil
	case lir.OpConnect:
		return NewInstruction(Connect, reg(instr.Src1), reg(instr.Src2), 0, 0), nil
	case lir.OpMerge:
		return NewInstruction(Merge, reg(instr.Src1), reg(instr.Src2), 0, 0), nil
	case lir.OpDeleteNode:
		return NewInstruction(DeleteNode, reg(instr.Src1), 0, 0, 0), nil
	case lir.OpCallRule:
		idx := internConst(Constant{Kind: ConstSym, Sym: instr.Sym})
		return NewInstruction(CallRule, idx, 0, 0, 0), nil
	case lir.OpReturnRule:
		return NewInstruction(ReturnRule, 0, 0, 0, 0), nil
	case lir.OpCheckCondition:
		return NewInstruction(CheckCondition, reg(instr.Src1), 0, 0, 0), nil
	case lir.OpConstraintFailure:
		idx := internConst(Constant{Kind: ConstSym, Sym: instr.Sym})
		return NewInstruction(Throw, idx, 0, 0, 0), nil
	case lir.OpPushCtx:
		return NewInstruction(PushCtx, 0, 0, 0, 0), nil
	case lir.OpPopCtx:
		return NewInstruction(PopCtx, 0, 0, 0, 0), nil
	case lir.OpCopyCtx:
		return NewInstruction(CopyCtx, 0, 0, 0, 0), nil
	case lir.OpSetSymbol:
		idx := internConst(Constant{Kind: ConstSym, Sym: instr.Sym})
		return NewInstruction(SetSymbol, idx, reg(instr.Src1), 0, 0), nil
	case lir.OpGetSymbol:
		idx := internConst(Constant{Kind: ConstSym, Sym: instr.Sym})
		return NewInstruction(GetSymbol, reg(instr.Dst), idx, 0, 0), nil
	case lir.OpCallExtern:
		idx := internConst(Constant{Kind: ConstSym, Sym: instr.Sym})
		return NewInstruction(CallExtern, idx, 0, 0, 0), nil
	case lir.OpReadIo:
		idx := internConst(Constant{Kind: ConstSym, Sym: instr.Sym})
		return NewInstruction(ReadIo, reg(instr.Dst), idx, 0, 0), nil
	case lir.OpWriteIo:
		idx := internConst(Constant{Kind: ConstSym, Sym: instr.Sym})
		return NewInstruction(WriteIo, idx, reg(instr.Src1), 0, 0), nil
	default:
		return Instruction{}, fmt.Errorf("bytecode: no lowering for LIR op %s", instr.Op)
	}
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
