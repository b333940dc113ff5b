package safety

import (
	"fmt"
	"math"

	"github.com/kern-lang/kernc/internal/bytecode"
)

// SecurityError reports a bytecode stream that violates the VM's security
// policy.
type SecurityError struct {
	Reason string
	Opcode bytecode.Opcode
}

func (e *SecurityError) Error() string {
	if e.Reason == "illegal opcode" {
		return fmt.Sprintf("safety: illegal opcode %s", e.Opcode)
	}

	return fmt.Sprintf("safety: %s", e.Reason)
}

// maxContextDepth and maxRuleID bound context and rule table indices a
// trusted compiler would never produce; exceeding them flags a bytecode
// stream as tampered or hostile rather than merely buggy.
const (
	maxContextDepth = 1_000_000
	maxRuleID       = 1_000_000
)

// SecurityValidator performs independent, per-instruction and per-module
// validation of an untrusted bytecode stream, ahead of and separate from
// the offline verifier (§4.5): the verifier checks structural well-
// formedness, the validator checks security policy. Self-modifying code,
// dynamic dispatch and runtime code loading are permanently disallowed per
// the Non-goals; there is deliberately no setter to enable them.
type SecurityValidator struct {
	allowedOpcodes map[bytecode.Opcode]bool
}

// NewSecurityValidator returns a validator that allows every opcode the
// bytecode package defines. Callers that need a tighter policy (e.g. a
// pure-computation sandbox disallowing Io/CallExtern) should call Disallow
// for those opcodes after construction.
func NewSecurityValidator() *SecurityValidator {
	allowed := make(map[bytecode.Opcode]bool)

	for i := 0; i < math.MaxUint8; i++ {
		op := bytecode.Opcode(i)
		if op.Valid() {
			allowed[op] = true
		}
	}

	return &SecurityValidator{allowedOpcodes: allowed}
}

// Disallow removes op from the validator's allow-list.
func (v *SecurityValidator) Disallow(op bytecode.Opcode) { delete(v.allowedOpcodes, op) }

// AllowsSelfModifyingCode always reports false: no instruction in this VM
// can write to its own code region.
func (v *SecurityValidator) AllowsSelfModifyingCode() bool { return false }

// AllowsDynamicDispatch always reports false: CallRule resolves against a
// module's own fixed rule table, never a runtime-computed target.
func (v *SecurityValidator) AllowsDynamicDispatch() bool { return false }

// AllowsRuntimeCodeLoading always reports false: a VM only ever executes
// the module it was constructed with.
func (v *SecurityValidator) AllowsRuntimeCodeLoading() bool { return false }

// ValidateInstruction rejects instr if its opcode is not on the allow-list.
func (v *SecurityValidator) ValidateInstruction(instr bytecode.Instruction) error {
	if !v.allowedOpcodes[instr.Opcode] {
		return &SecurityError{Reason: "illegal opcode", Opcode: instr.Opcode}
	}

	return nil
}

// ValidateBytecode validates every instruction in a stream.
func (v *SecurityValidator) ValidateBytecode(instrs []bytecode.Instruction) error {
	for _, instr := range instrs {
		if err := v.ValidateInstruction(instr); err != nil {
			return err
		}
	}

	return nil
}

// ValidateMemoryAccess rejects an address/size pair that would overflow the
// address space.
func (v *SecurityValidator) ValidateMemoryAccess(address, size uint32) error {
	if address > math.MaxUint32-size {
		return &SecurityError{Reason: "invalid memory access"}
	}

	return nil
}

// ValidateContextAccess rejects a context stack depth implausible for any
// program a real compiler would emit.
func (v *SecurityValidator) ValidateContextAccess(depth uint64) error {
	if depth > maxContextDepth {
		return &SecurityError{Reason: "context escape attempt"}
	}

	return nil
}

// ValidateRuleAccess rejects a rule table index implausible for any program
// a real compiler would emit.
func (v *SecurityValidator) ValidateRuleAccess(ruleID uint32) error {
	if ruleID > maxRuleID {
		return &SecurityError{Reason: "rule hijack attempt"}
	}

	return nil
}
