// Package lir implements the Linear IR (§4.2): three-address code over an
// unbounded set of virtual registers, translated from the execution graph
// and lowered to physical registers by a deterministic linear-scan
// allocator before bytecode assembly.
package lir

import (
	"fmt"

	"github.com/kern-lang/kernc/internal/klog"
)

// Register names a virtual register. Register IDs are assigned in
// allocation order starting at zero, the way lir.rs's LirProgram does.
type Register uint16

func (r Register) String() string { return fmt.Sprintf("v%d", uint16(r)) }

// LogValue groups the register's id for structured logging, the way
// elsie's RegisterFile.LogValue groups each GPR instead of stringifying
// the whole file.
func (r Register) LogValue() klog.Value {
	return klog.GroupValue(klog.String("reg", r.String()))
}

// Op names an LIR operation. The set mirrors the original LirOp enum,
// generalized to Go's exported-constant idiom.
type Op uint8

const (
	OpNop Op = iota
	OpJmp
	OpJmpIf
	OpJmpIfNot
	OpHalt

	OpLoadSym
	OpLoadNum
	OpLoadBool
	OpMove
	OpCmpEq
	OpCmpNe
	OpCmpLt
	OpCmpLe
	OpCmpGt
	OpCmpGe

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpNeg

	OpAnd
	OpOr
	OpNot

	OpCreateNode
	OpConnect
	OpMerge
	OpDeleteNode

	OpRuleEntry
	OpFlowEntry
	OpConstraintEntry
	OpCallRule
	OpReturnRule
	OpCheckCondition
	OpConstraintFailure

	OpPushCtx
	OpPopCtx
	OpSetSymbol
	OpGetSymbol
	OpCopyCtx

	OpCallExtern
	OpReadIo
	OpWriteIo

	OpLabel
)

var opNames = [...]string{
	"NOP", "JMP", "JMPIF", "JMPIFNOT", "HALT",
	"LOADSYM", "LOADNUM", "LOADBOOL", "MOVE", "CMPEQ", "CMPNE", "CMPLT", "CMPLE", "CMPGT", "CMPGE",
	"ADD", "SUB", "MUL", "DIV", "MOD", "NEG",
	"AND", "OR", "NOT",
	"CREATENODE", "CONNECT", "MERGE", "DELETENODE",
	"RULEENTRY", "FLOWENTRY", "CONSTRAINTENTRY", "CALLRULE", "RETURNRULE", "CHECKCONDITION", "CONSTRAINTFAILURE",
	"PUSHCTX", "POPCTX", "SETSYMBOL", "GETSYMBOL", "COPYCTX",
	"CALLEXTERN", "READIO", "WRITEIO",
	"LABEL",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}

	return fmt.Sprintf("OP(%d)", op)
}

// Instruction is a single LIR three-address instruction. Not every field is
// meaningful for every Op; see lir.rs's LirInstruction for the shape this
// generalizes.
type Instruction struct {
	Op        Op
	Dst       Register
	HasDst    bool
	Src1      Register
	HasSrc1   bool
	Src2      Register
	HasSrc2   bool
	Immediate int64
	HasImm    bool
	Sym       string
	Label     uint32
	HasLabel  bool
}

func (i Instruction) String() string {
	s := i.Op.String()

	if i.HasDst {
		s += " " + i.Dst.String()
	}

	if i.HasSrc1 {
		s += " " + i.Src1.String()
	}

	if i.HasSrc2 {
		s += " " + i.Src2.String()
	}

	if i.HasImm {
		s += fmt.Sprintf(" #%d", i.Immediate)
	}

	if i.Sym != "" {
		s += " " + i.Sym
	}

	if i.HasLabel {
		s += fmt.Sprintf(" L%d", i.Label)
	}

	return s
}

// Program is a complete LIR translation unit: its instruction stream plus
// the symbol and rule tables recorded while it was built.
type Program struct {
	Instructions []Instruction
	SymbolTable  map[string]Register
	RuleTable    map[string]uint32

	nextRegister uint16
	nextLabel    uint32
}

// NewProgram returns an empty LIR program ready to be appended to by a
// Builder.
func NewProgram() *Program {
	return &Program{
		SymbolTable: make(map[string]Register),
		RuleTable:   make(map[string]uint32),
	}
}

// Add appends an instruction to the program.
func (p *Program) Add(instr Instruction) {
	p.Instructions = append(p.Instructions, instr)
}

// AllocRegister returns a fresh virtual register.
func (p *Program) AllocRegister() Register {
	r := Register(p.nextRegister)
	p.nextRegister++

	return r
}

// AllocLabel returns a fresh label ID.
func (p *Program) AllocLabel() uint32 {
	l := p.nextLabel
	p.nextLabel++

	return l
}
