package lir

import "sort"

// NumPhysicalRegisters is the number of physical registers the KERN VM
// exposes (§4.8: 16 signed 64-bit registers).
const NumPhysicalRegisters = 16

// PhysicalRegister is either a physical register slot or a spill slot on
// the stack: Stack reports which, and Index numbers the register or slot.
type PhysicalRegister struct {
	Stack bool
	Index uint16 // physical register number, or stack slot number
}

// Allocation is the result of linear-scan register allocation: a mapping
// from every virtual register used in a program to a physical register or
// stack slot, plus the number of stack slots that mapping requires.
type Allocation struct {
	RegisterMap    map[Register]PhysicalRegister
	StackSlotsUsed uint16
}

// liveInterval is the instruction-index range [Def, LastUse] during which a
// virtual register's value is needed.
type liveInterval struct {
	reg      Register
	def      int
	lastUse  int
}

// Allocator performs deterministic linear-scan register allocation over an
// LIR program. It makes no random choices: given the same program, it
// always produces the same allocation.
type Allocator struct{}

// NewAllocator returns a ready-to-use Allocator.
func NewAllocator() *Allocator { return &Allocator{} }

// Allocate computes a register allocation for program.
func (a *Allocator) Allocate(program *Program) Allocation {
	intervals := computeLiveIntervals(program)

	return performAllocation(intervals)
}

func computeLiveIntervals(program *Program) []liveInterval {
	var maxReg int

	regRefs := func(i Instruction) []Register {
		var regs []Register
		if i.HasDst {
			regs = append(regs, i.Dst)
		}
		if i.HasSrc1 {
			regs = append(regs, i.Src1)
		}
		if i.HasSrc2 {
			regs = append(regs, i.Src2)
		}
		return regs
	}

	for _, instr := range program.Instructions {
		for _, r := range regRefs(instr) {
			if int(r) > maxReg {
				maxReg = int(r)
			}
		}
	}

	seen := make(map[Register]*liveInterval, maxReg+1)

	for idx, instr := range program.Instructions {
		if instr.HasDst {
			iv := seen[instr.Dst]
			if iv == nil {
				iv = &liveInterval{reg: instr.Dst, def: idx, lastUse: idx}
				seen[instr.Dst] = iv
			} else {
				iv.def = idx
				iv.lastUse = idx
			}
		}

		for _, src := range []struct {
			reg Register
			ok  bool
		}{{instr.Src1, instr.HasSrc1}, {instr.Src2, instr.HasSrc2}} {
			if !src.ok {
				continue
			}

			iv := seen[src.reg]
			if iv == nil {
				iv = &liveInterval{reg: src.reg, def: idx, lastUse: idx}
				seen[src.reg] = iv
			} else if idx > iv.lastUse {
				iv.lastUse = idx
			}
		}
	}

	intervals := make([]liveInterval, 0, len(seen))
	for _, iv := range seen {
		intervals = append(intervals, *iv)
	}

	// Deterministic order: by register ID, since map iteration order is not.
	sort.Slice(intervals, func(i, j int) bool { return intervals[i].reg < intervals[j].reg })

	return intervals
}

// activeInterval is an interval currently holding physReg, live until endPC.
type activeInterval struct {
	endPC   int
	physReg PhysicalRegister
}

// performAllocation runs linear scan over intervals sorted by definition
// point. This corrects the reference implementation's interval-expiry bug:
// an interval is active until the current instruction's definition point
// passes its last use, at which point its physical register is freed for
// reuse -- not retained forever, as the reference's inverted predicate did.
func performAllocation(intervals []liveInterval) Allocation {
	sorted := make([]liveInterval, len(intervals))
	copy(sorted, intervals)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].def < sorted[j].def })

	var activeList []activeInterval

	registerMap := make(map[Register]PhysicalRegister, len(sorted))

	var nextStackSlot uint16

	for _, interval := range sorted {
		// Expire intervals whose last use has already passed; this is the
		// corrected condition (end < current.def frees the register).
		kept := activeList[:0]

		for _, a := range activeList {
			if a.endPC >= interval.def {
				kept = append(kept, a)
			}
		}

		activeList = kept

		if physReg, ok := findFreeRegister(activeList); ok {
			reg := PhysicalRegister{Index: physReg}
			registerMap[interval.reg] = reg
			activeList = append(activeList, activeInterval{endPC: interval.lastUse, physReg: reg})
		} else {
			registerMap[interval.reg] = PhysicalRegister{Stack: true, Index: nextStackSlot}
			nextStackSlot++
		}
	}

	return Allocation{RegisterMap: registerMap, StackSlotsUsed: nextStackSlot}
}

func findFreeRegister(activeList []activeInterval) (uint16, bool) {
	var used [NumPhysicalRegisters]bool

	for _, a := range activeList {
		if !a.physReg.Stack {
			used[a.physReg.Index] = true
		}
	}

	for i := 0; i < NumPhysicalRegisters; i++ {
		if !used[i] {
			return uint16(i), true
		}
	}

	return 0, false
}
