// Package verify implements the offline bytecode verifier (§4.5): seven
// independent stages run in order over an assembled instruction stream
// before it is ever handed to the VM.
package verify

import (
	"fmt"

	"github.com/kern-lang/kernc/internal/bytecode"
)

// Reason names which verification stage rejected a module.
type Reason uint8

const (
	ReasonInvalidOpcode Reason = iota
	ReasonJumpOutOfBounds
	ReasonInvalidRegisterIndex
	ReasonContextStackImbalance
	ReasonStackUnderflow
	ReasonStackOverflow
	ReasonUnknownRuleTarget
	ReasonUseBeforeDef
)

func (r Reason) String() string {
	switch r {
	case ReasonInvalidOpcode:
		return "invalid opcode"
	case ReasonJumpOutOfBounds:
		return "jump target out of bounds"
	case ReasonInvalidRegisterIndex:
		return "invalid register index"
	case ReasonContextStackImbalance:
		return "context stack imbalance"
	case ReasonStackUnderflow:
		return "call stack underflow"
	case ReasonStackOverflow:
		return "call stack overflow"
	case ReasonUnknownRuleTarget:
		return "call_rule target is not a rule_entry"
	case ReasonUseBeforeDef:
		return "register used before it is ever defined"
	default:
		return "unknown verification failure"
	}
}

// Error reports why a module failed verification, and at which instruction.
type Error struct {
	Reason Reason
	Index  int
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("verify: instruction %d: %s: %s", e.Index, e.Reason, e.Detail)
	}

	return fmt.Sprintf("verify: instruction %d: %s", e.Index, e.Reason)
}

// MaxCallDepth bounds the CallRule/CallExtern nesting the stack-verification
// stage will accept before rejecting a module outright, independent of the
// VM's own runtime step limits (§4.9).
const MaxCallDepth = 1024

// Verify runs every verification stage, in order, stopping at the first
// failure -- matching the reference verifier's staged pipeline. constants
// and rules are the assembled module's constant pool and rule table,
// needed to check that every CALL_RULE names a rule the module actually
// defines an entry point for.
func Verify(instructions []bytecode.Instruction, constants []bytecode.Constant, rules []bytecode.RuleEntry) error {
	if err := verifyStructure(instructions); err != nil {
		return err
	}

	if err := verifyRuleTargets(instructions, constants, rules); err != nil {
		return err
	}

	if err := verifyUseBeforeDef(instructions); err != nil {
		return err
	}

	if err := verifyControlFlow(instructions); err != nil {
		return err
	}

	if err := verifyRegisters(instructions); err != nil {
		return err
	}

	if err := verifyContext(instructions); err != nil {
		return err
	}

	return verifyStack(instructions)
}

// verifyRuleTargets rejects a CALL_RULE whose constant-pool operand does
// not name an entry present in the module's rule table -- i.e. one that
// does not target a RULE_ENTRY.
func verifyRuleTargets(instructions []bytecode.Instruction, constants []bytecode.Constant, rules []bytecode.RuleEntry) error {
	for i, instr := range instructions {
		if instr.Opcode != bytecode.CallRule {
			continue
		}

		if int(instr.Arg1) >= len(constants) {
			return &Error{Reason: ReasonUnknownRuleTarget, Index: i, Detail: "constant pool index out of range"}
		}

		name := constants[instr.Arg1]
		if name.Kind != bytecode.ConstSym {
			return &Error{Reason: ReasonUnknownRuleTarget, Index: i, Detail: "call_rule operand is not a symbol constant"}
		}

		var found bool

		for _, r := range rules {
			if r.Name == name.Sym {
				found = true
				break
			}
		}

		if !found {
			return &Error{Reason: ReasonUnknownRuleTarget, Index: i, Detail: fmt.Sprintf("rule %q has no entry point", name.Sym)}
		}
	}

	return nil
}

// verifyUseBeforeDef conservatively rejects a register read with no prior
// write anywhere earlier in the instruction stream. It does not attempt
// path-sensitive analysis (a register defined on only one of two branches
// is accepted as defined on both) -- it only catches a register that is
// never written by anything before it is read.
func verifyUseBeforeDef(instructions []bytecode.Instruction) error {
	defined := make(map[uint16]bool)

	use := func(i int, reg uint16) error {
		if !defined[reg] {
			return &Error{Reason: ReasonUseBeforeDef, Index: i, Detail: fmt.Sprintf("r%d", reg)}
		}

		return nil
	}

	for i, instr := range instructions {
		switch instr.Opcode {
		case bytecode.LoadSym, bytecode.LoadNum, bytecode.LoadBool, bytecode.GetSymbol, bytecode.ReadIo:
			defined[instr.Arg1] = true

		case bytecode.Move, bytecode.Not, bytecode.Neg:
			if err := use(i, instr.Arg2); err != nil {
				return err
			}

			defined[instr.Arg1] = true

		case bytecode.Add, bytecode.Sub, bytecode.Mul, bytecode.Div, bytecode.Mod, bytecode.And, bytecode.Or, bytecode.Compare:
			if err := use(i, instr.Arg2); err != nil {
				return err
			}

			if err := use(i, instr.Arg3); err != nil {
				return err
			}

			defined[instr.Arg1] = true

		case bytecode.JmpIf, bytecode.CheckCondition, bytecode.DeleteNode:
			if err := use(i, instr.Arg1); err != nil {
				return err
			}

		case bytecode.Connect, bytecode.Merge:
			if err := use(i, instr.Arg1); err != nil {
				return err
			}

			if err := use(i, instr.Arg2); err != nil {
				return err
			}

		case bytecode.SetSymbol, bytecode.WriteIo:
			if err := use(i, instr.Arg2); err != nil {
				return err
			}
		}
	}

	return nil
}

// verifyStructure rejects any instruction whose opcode byte does not name a
// known operation.
func verifyStructure(instructions []bytecode.Instruction) error {
	for i, instr := range instructions {
		if !instr.Opcode.Valid() {
			return &Error{Reason: ReasonInvalidOpcode, Index: i, Detail: instr.Opcode.String()}
		}
	}

	return nil
}

// verifyControlFlow rejects jump instructions whose target falls outside
// the instruction stream.
func verifyControlFlow(instructions []bytecode.Instruction) error {
	count := uint16(len(instructions))

	for i, instr := range instructions {
		switch instr.Opcode {
		case bytecode.Jmp:
			if instr.Arg1 >= count {
				return &Error{Reason: ReasonJumpOutOfBounds, Index: i, Detail: fmt.Sprintf("target %d", instr.Arg1)}
			}
		case bytecode.JmpIf:
			if instr.Arg2 >= count {
				return &Error{Reason: ReasonJumpOutOfBounds, Index: i, Detail: fmt.Sprintf("target %d", instr.Arg2)}
			}
		}
	}

	return nil
}

// maxPhysicalRegister is the highest valid register index (R0-R15).
const maxPhysicalRegister = 15

// verifyRegisters rejects any register operand outside R0-R15.
func verifyRegisters(instructions []bytecode.Instruction) error {
	for i, instr := range instructions {
		a1, a2, a3 := bytecode.RegisterArgPositions(instr.Opcode)

		if a1 && instr.Arg1 > maxPhysicalRegister {
			return &Error{Reason: ReasonInvalidRegisterIndex, Index: i, Detail: fmt.Sprintf("arg1=%d", instr.Arg1)}
		}

		if a2 && instr.Arg2 > maxPhysicalRegister {
			return &Error{Reason: ReasonInvalidRegisterIndex, Index: i, Detail: fmt.Sprintf("arg2=%d", instr.Arg2)}
		}

		if a3 && instr.Arg3 > maxPhysicalRegister {
			return &Error{Reason: ReasonInvalidRegisterIndex, Index: i, Detail: fmt.Sprintf("arg3=%d", instr.Arg3)}
		}
	}

	return nil
}

// verifyContext rejects PushCtx/PopCtx sequences that go negative or fail
// to return to zero by the end of the stream.
func verifyContext(instructions []bytecode.Instruction) error {
	depth := 0

	for i, instr := range instructions {
		switch instr.Opcode {
		case bytecode.PushCtx:
			depth++
		case bytecode.PopCtx:
			depth--

			if depth < 0 {
				return &Error{Reason: ReasonContextStackImbalance, Index: i}
			}
		}
	}

	if depth != 0 {
		return &Error{Reason: ReasonContextStackImbalance, Index: len(instructions) - 1, Detail: "unbalanced at end of stream"}
	}

	return nil
}

// verifyStack rejects CallRule/CallExtern/ReturnRule sequences that would
// underflow or exceed MaxCallDepth.
func verifyStack(instructions []bytecode.Instruction) error {
	depth := 0

	for i, instr := range instructions {
		switch instr.Opcode {
		case bytecode.CallRule, bytecode.CallExtern:
			depth++

			if depth > MaxCallDepth {
				return &Error{Reason: ReasonStackOverflow, Index: i}
			}
		case bytecode.ReturnRule:
			depth--

			if depth < 0 {
				return &Error{Reason: ReasonStackUnderflow, Index: i}
			}
		}
	}

	return nil
}
