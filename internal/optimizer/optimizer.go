// Package optimizer implements the bytecode optimization passes (§4.4):
// five deterministic, semantics-preserving, idempotent passes run in a
// fixed order over an assembled module.
package optimizer

import "github.com/kern-lang/kernc/internal/bytecode"

// Result carries the optimized instruction stream, constant pool, and the
// names of the passes that actually changed something -- the same shape as
// the reference optimizer's OptimizationResult.
type Result struct {
	Instructions []bytecode.Instruction
	Constants    []bytecode.Constant
	Applied      []string
}

// Optimize runs all five passes over m's instruction stream and constant
// pool, in order, and returns the optimized sections. It does not mutate m.
func Optimize(m *bytecode.Module) Result {
	instrs := append([]bytecode.Instruction(nil), m.InstructionStream...)
	consts := append([]bytecode.Constant(nil), m.ConstantPool...)

	var applied []string

	if out, changed := deadCodeAfterHalt(instrs); changed {
		instrs = out
		applied = append(applied, "DeadCodeAfterHalt")
	}

	if out, newConsts, changed := constantFolding(instrs, consts); changed {
		instrs = out
		consts = newConsts
		applied = append(applied, "ConstantFolding")
	}

	if out, changed := jumpSimplification(instrs); changed {
		instrs = out
		applied = append(applied, "JumpSimplification")
	}

	if out, changed := redundantMoveRemoval(instrs); changed {
		instrs = out
		applied = append(applied, "RedundantMoveRemoval")
	}

	if out, changed := noOpRemoval(instrs); changed {
		instrs = out
		applied = append(applied, "NoOpRemoval")
	}

	return Result{Instructions: instrs, Constants: consts, Applied: applied}
}

// jumpTarget reports the instruction index a jump or conditional jump
// targets, and whether op carries one at all.
func jumpTarget(instr bytecode.Instruction) (target uint16, ok bool) {
	switch instr.Opcode {
	case bytecode.Jmp:
		return instr.Arg1, true
	case bytecode.JmpIf:
		return instr.Arg2, true
	default:
		return 0, false
	}
}

func withTarget(instr bytecode.Instruction, target uint16) bytecode.Instruction {
	switch instr.Opcode {
	case bytecode.Jmp:
		instr.Arg1 = target
	case bytecode.JmpIf:
		instr.Arg2 = target
	}

	return instr
}

// deadCodeAfterHalt drops every instruction after the first unconditional
// Halt, unless some earlier jump targets into the dead region -- in which
// case the pass leaves the stream untouched rather than risk cutting a
// reachable branch.
func deadCodeAfterHalt(instrs []bytecode.Instruction) ([]bytecode.Instruction, bool) {
	haltAt := -1

	for i, instr := range instrs {
		if instr.Opcode == bytecode.Halt {
			haltAt = i
			break
		}
	}

	if haltAt == -1 || haltAt == len(instrs)-1 {
		return instrs, false
	}

	for _, instr := range instrs[:haltAt+1] {
		if target, ok := jumpTarget(instr); ok && int(target) > haltAt {
			return instrs, false
		}
	}

	return append([]bytecode.Instruction(nil), instrs[:haltAt+1]...), true
}

// constantFolding replaces a LoadNum, LoadNum, <binary op> or LoadNum,
// <unary op> triple/pair with a single LoadNum when the operand registers
// are not referenced again afterward, evaluating the operation at compile
// time and interning its result as a fresh constant. The folded LoadNum
// takes the operation's slot and the consumed loads become Nops, so
// instruction indices and jump targets stay valid until NoOpRemoval drops
// the Nops and fixes the targets up.
func constantFolding(instrs []bytecode.Instruction, consts []bytecode.Constant) ([]bytecode.Instruction, []bytecode.Constant, bool) {
	changed := false

	out := append([]bytecode.Instruction(nil), instrs...)

	internNum := func(v int64) uint16 {
		for i, c := range consts {
			if c.Kind == bytecode.ConstNum && c.Num == v {
				return uint16(i)
			}
		}

		consts = append(consts, bytecode.Constant{Kind: bytecode.ConstNum, Num: v})

		return uint16(len(consts) - 1)
	}

	numConst := func(idx uint16) (int64, bool) {
		if int(idx) >= len(consts) || consts[idx].Kind != bytecode.ConstNum {
			return 0, false
		}

		return consts[idx].Num, true
	}

	usedLaterAsOperand := func(reg uint16, from int) bool {
		for i := from; i < len(out); i++ {
			a1, a2, a3 := registerOperands(out[i])
			if (a1 && out[i].Arg1 == reg) || (a2 && out[i].Arg2 == reg) || (a3 && out[i].Arg3 == reg) {
				return true
			}
		}

		return false
	}

	for i := 0; i+1 < len(out); i++ {
		first := out[i]
		if first.Opcode != bytecode.LoadNum {
			continue
		}

		second := out[i+1]

		// Unary fold: LoadNum ra, <op> rb, ra
		if isUnary(second.Opcode) && second.Arg2 == first.Arg1 && i+2 <= len(out) {
			v, ok := numConst(first.Arg2)
			if !ok || usedLaterAsOperand(first.Arg1, i+2) {
				continue
			}

			result, ok := evalUnary(second.Opcode, v)
			if !ok {
				continue
			}

			folded := bytecode.NewInstruction(bytecode.LoadNum, second.Arg1, internNum(result), 0, 0)
			out[i], out[i+1] = bytecode.NewInstruction(bytecode.Nop, 0, 0, 0, 0), folded
			changed = true

			continue
		}

		if i+2 >= len(out) {
			continue
		}

		third := out[i+2]
		if out[i+1].Opcode != bytecode.LoadNum {
			continue
		}

		second = out[i+1]

		if !isBinary(third.Opcode) || third.Arg2 != first.Arg1 || third.Arg3 != second.Arg1 {
			continue
		}

		lhs, ok1 := numConst(first.Arg2)
		rhs, ok2 := numConst(second.Arg2)

		if !ok1 || !ok2 {
			continue
		}

		if usedLaterAsOperand(first.Arg1, i+3) || usedLaterAsOperand(second.Arg1, i+3) {
			continue
		}

		result, ok := evalBinary(third.Opcode, lhs, rhs)
		if !ok {
			continue
		}

		folded := bytecode.NewInstruction(bytecode.LoadNum, third.Arg1, internNum(result), 0, 0)
		nop := bytecode.NewInstruction(bytecode.Nop, 0, 0, 0, 0)
		out[i], out[i+1], out[i+2] = nop, nop, folded
		changed = true
	}

	return out, consts, changed
}

func spliceReplace(instrs []bytecode.Instruction, from, to int, with bytecode.Instruction) []bytecode.Instruction {
	out := make([]bytecode.Instruction, 0, len(instrs)-(to-from)+1)
	out = append(out, instrs[:from]...)
	out = append(out, with)
	out = append(out, instrs[to:]...)

	return out
}

func isUnary(op bytecode.Opcode) bool {
	return op == bytecode.Neg || op == bytecode.Not
}

func isBinary(op bytecode.Opcode) bool {
	switch op {
	case bytecode.Add, bytecode.Sub, bytecode.Mul, bytecode.Div, bytecode.Mod, bytecode.And, bytecode.Or:
		return true
	default:
		return false
	}
}

func evalUnary(op bytecode.Opcode, v int64) (int64, bool) {
	switch op {
	case bytecode.Neg:
		return -v, true
	case bytecode.Not:
		if v == 0 {
			return 1, true
		}

		return 0, true
	default:
		return 0, false
	}
}

func evalBinary(op bytecode.Opcode, a, b int64) (int64, bool) {
	switch op {
	case bytecode.Add:
		return a + b, true
	case bytecode.Sub:
		return a - b, true
	case bytecode.Mul:
		return a * b, true
	case bytecode.Div:
		if b == 0 {
			return 0, false
		}

		return a / b, true
	case bytecode.Mod:
		if b == 0 {
			return 0, false
		}

		return a % b, true
	case bytecode.And:
		return a & b, true
	case bytecode.Or:
		return a | b, true
	default:
		return 0, false
	}
}

func registerOperands(instr bytecode.Instruction) (bool, bool, bool) {
	a1, a2, a3 := bytecode.RegisterArgPositions(instr.Opcode)
	return a1, a2, a3
}

// jumpSimplification collapses jump-to-jump chains: a Jmp or JmpIf whose
// target is itself an unconditional Jmp is retargeted to the chain's final
// destination. Chasing is capped at the instruction count to guard against
// a cyclic chain.
func jumpSimplification(instrs []bytecode.Instruction) ([]bytecode.Instruction, bool) {
	out := append([]bytecode.Instruction(nil), instrs...)
	changed := false

	for i, instr := range out {
		target, ok := jumpTarget(instr)
		if !ok {
			continue
		}

		final := target
		seen := make(map[uint16]bool)

		for int(final) < len(out) && out[final].Opcode == bytecode.Jmp && !seen[final] {
			seen[final] = true
			final = out[final].Arg1
		}

		if final != target {
			out[i] = withTarget(instr, final)
			changed = true
		}
	}

	return out, changed
}

// redundantMoveRemoval deletes Move instructions whose source and
// destination registers are identical, fixing up jump targets that
// referenced instructions after the removed one.
func redundantMoveRemoval(instrs []bytecode.Instruction) ([]bytecode.Instruction, bool) {
	remove := make([]bool, len(instrs))
	any := false

	for i, instr := range instrs {
		if instr.Opcode == bytecode.Move && instr.Arg1 == instr.Arg2 {
			remove[i] = true
			any = true
		}
	}

	if !any {
		return instrs, false
	}

	return dropInstructions(instrs, remove), true
}

// noOpRemoval deletes Nop instructions, fixing up jump targets.
func noOpRemoval(instrs []bytecode.Instruction) ([]bytecode.Instruction, bool) {
	remove := make([]bool, len(instrs))
	any := false

	for i, instr := range instrs {
		if instr.Opcode == bytecode.Nop {
			remove[i] = true
			any = true
		}
	}

	if !any {
		return instrs, false
	}

	return dropInstructions(instrs, remove), true
}

// dropInstructions removes the instructions flagged in remove and rewrites
// every jump target to account for the shifted indices.
func dropInstructions(instrs []bytecode.Instruction, remove []bool) []bytecode.Instruction {
	remap := make([]uint16, len(instrs))

	var next uint16

	for i := range instrs {
		if remove[i] {
			remap[i] = next
			continue
		}

		remap[i] = next
		next++
	}

	out := make([]bytecode.Instruction, 0, next)

	for i, instr := range instrs {
		if remove[i] {
			continue
		}

		if target, ok := jumpTarget(instr); ok && int(target) < len(remap) {
			instr = withTarget(instr, remap[target])
		}

		out = append(out, instr)
	}

	return out
}
