// Package bytecode implements bytecode assembly and the module file format
// (§4.3): packing LIR into fixed 8-byte instructions and a loadable module
// with header, section table and checksum.
package bytecode

import "fmt"

// Opcode is the one-byte operation code stored in an instruction's first
// byte. The numbering follows declaration order and is part of the module
// format's wire contract: changing it breaks every previously-assembled
// module.
type Opcode uint8

const (
	Nop Opcode = iota
	Jmp
	JmpIf
	Halt

	LoadSym
	LoadNum
	LoadBool
	Move
	Compare

	Add
	Sub
	Mul
	Div
	Mod
	Neg

	And
	Or
	Not

	CreateNode
	Connect
	Merge
	DeleteNode

	CallRule
	ReturnRule
	CheckCondition
	IncrementExecCount

	PushCtx
	PopCtx
	SetSymbol
	GetSymbol
	CopyCtx

	Throw
	Try
	Catch
	ClearErr

	CallExtern
	ReadIo
	WriteIo

	numOpcodes
)

var opcodeNames = [...]string{
	"NOP", "JMP", "JMPIF", "HALT",
	"LOADSYM", "LOADNUM", "LOADBOOL", "MOVE", "COMPARE",
	"ADD", "SUB", "MUL", "DIV", "MOD", "NEG",
	"AND", "OR", "NOT",
	"CREATENODE", "CONNECT", "MERGE", "DELETENODE",
	"CALLRULE", "RETURNRULE", "CHECKCONDITION", "INCREMENTEXECCOUNT",
	"PUSHCTX", "POPCTX", "SETSYMBOL", "GETSYMBOL", "COPYCTX",
	"THROW", "TRY", "CATCH", "CLEARERR",
	"CALLEXTERN", "READIO", "WRITEIO",
}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) {
		return opcodeNames[op]
	}

	return fmt.Sprintf("OPCODE(%#02x)", uint8(op))
}

// Valid reports whether op is a known, assignable opcode.
func (op Opcode) Valid() bool { return op < numOpcodes }

// CompareOp is the relational operator encoded in a Compare instruction's
// Flags byte.
type CompareOp uint8

const (
	CmpEq CompareOp = iota
	CmpNe
	CmpLt
	CmpLe
	CmpGt
	CmpGe
)

// RegisterArgPositions reports, for opcodes whose arguments name physical
// registers, which of arg1/arg2/arg3 are register operands. Used by the
// verifier's register-bounds check and by the optimizer's liveness checks.
func RegisterArgPositions(op Opcode) (arg1, arg2, arg3 bool) {
	return registerArgPositions(op)
}

func registerArgPositions(op Opcode) (arg1, arg2, arg3 bool) {
	switch op {
	case LoadSym, LoadNum, LoadBool:
		return true, false, false
	case Move, Not, Neg, JmpIf:
		return true, true, false
	case Add, Sub, Mul, Div, Mod, And, Or, Compare:
		return true, true, true
	default:
		return false, false, false
	}
}
