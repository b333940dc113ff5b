package kernvm

import (
	"errors"
	"fmt"

	"github.com/kern-lang/kernc/internal/bytecode"
	"github.com/kern-lang/kernc/internal/kernast"
)

// Sentinel faults. Wrapped with %w by Step so the originating instruction's
// String() always appears in the returned error.
var (
	ErrHalted              = errors.New("vm halted")
	ErrStepLimitExceeded   = errors.New("step limit exceeded")
	ErrInvalidRegister     = errors.New("invalid register index")
	ErrInvalidConstant     = errors.New("invalid constant pool index")
	ErrDivideByZero        = errors.New("divide by zero")
	ErrTypeMismatch        = errors.New("operand type mismatch")
	ErrContextUnderflow    = errors.New("context stack underflow")
	ErrCallStackUnderflow  = errors.New("call stack underflow")
	ErrUnknownSymbol       = errors.New("unknown symbol")
	ErrUnknownExtern       = errors.New("unknown extern")
	ErrNoIoPort           = errors.New("no io port installed")
	ErrConstraintFailure  = errors.New("constraint failure")
)

func (vm *VM) reg(i uint16) (kernast.Value, error) {
	if int(i) >= NumRegisters {
		return kernast.Value{}, fmt.Errorf("%w: r%d", ErrInvalidRegister, i)
	}

	return vm.Regs[i], nil
}

func (vm *VM) setReg(i uint16, v kernast.Value) error {
	if int(i) >= NumRegisters {
		return fmt.Errorf("%w: r%d", ErrInvalidRegister, i)
	}

	vm.Regs[i] = v

	return nil
}

func (vm *VM) constant(i uint16) (bytecode.Constant, error) {
	if int(i) >= len(vm.Module.ConstantPool) {
		return bytecode.Constant{}, fmt.Errorf("%w: %d", ErrInvalidConstant, i)
	}

	return vm.Module.ConstantPool[i], nil
}

func constantValue(c bytecode.Constant) kernast.Value {
	switch c.Kind {
	case bytecode.ConstNum:
		return kernast.Num(c.Num)
	case bytecode.ConstBool:
		return kernast.Bool(c.Bool)
	case bytecode.ConstSym:
		return kernast.Sym(c.Sym)
	default:
		return kernast.Value{}
	}
}

// nopOp does nothing.
type nopOp struct{ base }

// haltOp stops the VM. It is the only operation that sets vm.Halted; Run's
// loop exits on the next iteration.
type haltOp struct {
	base
}

func (o *haltOp) Execute(vm *VM) { vm.Halted = true }

// jumpOp implements unconditional and conditional branches. JmpIf's Flags
// bit 0 inverts the test (the assembler's encoding for JmpIfNot).
type jumpOp struct {
	base
	target uint32
	taken  bool
}

func (o *jumpOp) EvalAddress(vm *VM) {
	switch o.instr.Opcode {
	case bytecode.Jmp:
		o.target = uint32(o.instr.Arg1)
		o.taken = true
	case bytecode.JmpIf:
		o.target = uint32(o.instr.Arg2)
	}
}

func (o *jumpOp) FetchOperands(vm *VM) {
	if o.instr.Opcode != bytecode.JmpIf {
		return
	}

	cond, err := vm.reg(o.instr.Arg1)
	if err != nil {
		o.Fail(err)
		return
	}

	truthy := cond.Truthy()
	if o.instr.Flags&1 != 0 {
		truthy = !truthy
	}

	o.taken = truthy
}

func (o *jumpOp) Execute(vm *VM) {
	if o.taken {
		vm.PC = o.target
	}
}

// loadOp implements LoadSym/LoadNum/LoadBool: load a constant pool entry
// into a register.
type loadOp struct {
	base
	value kernast.Value
}

func (o *loadOp) FetchOperands(vm *VM) {
	c, err := vm.constant(o.instr.Arg2)
	if err != nil {
		o.Fail(err)
		return
	}

	o.value = constantValue(c)
}

func (o *loadOp) StoreResult(vm *VM) {
	if err := vm.setReg(o.instr.Arg1, o.value); err != nil {
		o.Fail(err)
	}
}

// unaryOp implements Move, Neg and Not: dst, src1.
type unaryOp struct {
	base
	src    kernast.Value
	result kernast.Value
}

func (o *unaryOp) FetchOperands(vm *VM) {
	v, err := vm.reg(o.instr.Arg2)
	if err != nil {
		o.Fail(err)
		return
	}

	o.src = v
}

func (o *unaryOp) Execute(vm *VM) {
	switch o.instr.Opcode {
	case bytecode.Move:
		o.result = o.src
	case bytecode.Neg:
		if o.src.Kind != kernast.KindNum {
			o.Fail(fmt.Errorf("%w: neg on %s", ErrTypeMismatch, o.src.Kind))
			return
		}

		o.result = kernast.Num(-o.src.Num)
	case bytecode.Not:
		o.result = kernast.Bool(!o.src.Truthy())
	}
}

func (o *unaryOp) StoreResult(vm *VM) {
	if err := vm.setReg(o.instr.Arg1, o.result); err != nil {
		o.Fail(err)
	}
}

// binaryOp implements Add/Sub/Mul/Div/Mod/And/Or/Compare: dst, src1, src2.
type binaryOp struct {
	base
	lhs, rhs kernast.Value
	result   kernast.Value
}

func (o *binaryOp) FetchOperands(vm *VM) {
	lhs, err := vm.reg(o.instr.Arg2)
	if err != nil {
		o.Fail(err)
		return
	}

	rhs, err := vm.reg(o.instr.Arg3)
	if err != nil {
		o.Fail(err)
		return
	}

	o.lhs, o.rhs = lhs, rhs
}

func (o *binaryOp) Execute(vm *VM) {
	if o.instr.Opcode == bytecode.Compare {
		o.result = kernast.Bool(compareValues(bytecode.CompareOp(o.instr.Flags), o.lhs, o.rhs))
		return
	}

	if o.instr.Opcode == bytecode.And || o.instr.Opcode == bytecode.Or {
		switch o.instr.Opcode {
		case bytecode.And:
			o.result = kernast.Bool(o.lhs.Truthy() && o.rhs.Truthy())
		case bytecode.Or:
			o.result = kernast.Bool(o.lhs.Truthy() || o.rhs.Truthy())
		}

		return
	}

	if o.lhs.Kind != kernast.KindNum || o.rhs.Kind != kernast.KindNum {
		o.Fail(fmt.Errorf("%w: %s on %s, %s", ErrTypeMismatch, o.instr.Opcode, o.lhs.Kind, o.rhs.Kind))
		return
	}

	a, b := o.lhs.Num, o.rhs.Num

	switch o.instr.Opcode {
	case bytecode.Add:
		o.result = kernast.Num(a + b)
	case bytecode.Sub:
		o.result = kernast.Num(a - b)
	case bytecode.Mul:
		o.result = kernast.Num(a * b)
	case bytecode.Div:
		if b == 0 {
			o.Fail(ErrDivideByZero)
			return
		}

		o.result = kernast.Num(a / b)
	case bytecode.Mod:
		if b == 0 {
			o.Fail(ErrDivideByZero)
			return
		}

		o.result = kernast.Num(a % b)
	}
}

func (o *binaryOp) StoreResult(vm *VM) {
	if err := vm.setReg(o.instr.Arg1, o.result); err != nil {
		o.Fail(err)
	}
}

func compareValues(op bytecode.CompareOp, lhs, rhs kernast.Value) bool {
	if lhs.Kind == kernast.KindNum && rhs.Kind == kernast.KindNum {
		switch op {
		case bytecode.CmpEq:
			return lhs.Num == rhs.Num
		case bytecode.CmpNe:
			return lhs.Num != rhs.Num
		case bytecode.CmpLt:
			return lhs.Num < rhs.Num
		case bytecode.CmpLe:
			return lhs.Num <= rhs.Num
		case bytecode.CmpGt:
			return lhs.Num > rhs.Num
		case bytecode.CmpGe:
			return lhs.Num >= rhs.Num
		}
	}

	switch op {
	case bytecode.CmpEq:
		return lhs.String() == rhs.String()
	case bytecode.CmpNe:
		return lhs.String() != rhs.String()
	default:
		return false
	}
}

// graphOp implements CreateNode/Connect/Merge/DeleteNode against the VM's
// runtime symbol graph.
type graphOp struct {
	base
	id, a, b string
}

func (o *graphOp) FetchOperands(vm *VM) {
	switch o.instr.Opcode {
	case bytecode.CreateNode:
		c, err := vm.constant(o.instr.Arg1)
		if err != nil {
			o.Fail(err)
			return
		}

		o.id = c.Sym
	case bytecode.Connect, bytecode.Merge:
		a, err := vm.reg(o.instr.Arg1)
		if err != nil {
			o.Fail(err)
			return
		}

		b, err := vm.reg(o.instr.Arg2)
		if err != nil {
			o.Fail(err)
			return
		}

		o.a, o.b = a.String(), b.String()
	case bytecode.DeleteNode:
		a, err := vm.reg(o.instr.Arg1)
		if err != nil {
			o.Fail(err)
			return
		}

		o.a = a.String()
	}
}

func (o *graphOp) Execute(vm *VM) {
	switch o.instr.Opcode {
	case bytecode.CreateNode:
		vm.graph.nodes[o.id] = true
	case bytecode.Connect:
		vm.graph.nodes[o.a] = true
		vm.graph.nodes[o.b] = true
		vm.graph.edges[o.a] = append(vm.graph.edges[o.a], o.b)
	case bytecode.Merge:
		vm.graph.edges[o.a] = append(vm.graph.edges[o.a], vm.graph.edges[o.b]...)
		delete(vm.graph.nodes, o.b)
		delete(vm.graph.edges, o.b)
	case bytecode.DeleteNode:
		delete(vm.graph.nodes, o.a)
		delete(vm.graph.edges, o.a)
	}
}

// ruleOp implements CallRule, ReturnRule, CheckCondition, IncrementExecCount
// and the error state machine (Throw/Try/Catch/ClearErr).
type ruleOp struct {
	base
	name string
	cond kernast.Value
}

func (o *ruleOp) FetchOperands(vm *VM) {
	switch o.instr.Opcode {
	case bytecode.CallRule, bytecode.Throw:
		c, err := vm.constant(o.instr.Arg1)
		if err != nil {
			o.Fail(err)
			return
		}

		o.name = c.Sym
	case bytecode.CheckCondition:
		v, err := vm.reg(o.instr.Arg1)
		if err != nil {
			o.Fail(err)
			return
		}

		o.cond = v
	}
}

func (o *ruleOp) Execute(vm *VM) {
	switch o.instr.Opcode {
	case bytecode.CallRule:
		entry, ok := vm.lookupRule(o.name)
		if !ok {
			o.Fail(fmt.Errorf("%w: rule %q", ErrUnknownSymbol, o.name))
			return
		}

		if vm.Safety != nil {
			if err := vm.Safety.BeforeRuleInvocation(o.name); err != nil {
				o.Fail(err)
				return
			}
		}

		vm.callStack = append(vm.callStack, frame{returnPC: vm.PC, ruleName: o.name})
		vm.PC = entry.EntryPC
	case bytecode.ReturnRule:
		if len(vm.callStack) == 0 {
			o.Fail(ErrCallStackUnderflow)
			return
		}

		top := vm.callStack[len(vm.callStack)-1]
		vm.callStack = vm.callStack[:len(vm.callStack)-1]
		vm.PC = top.returnPC
	case bytecode.CheckCondition:
		if !o.cond.Truthy() {
			o.Fail(fmt.Errorf("%w: condition failed", ErrConstraintFailure))
		}
	case bytecode.IncrementExecCount:
		// Execution counting is owned by the safety layer's step/rule
		// counters; this opcode is a no-op marker at the VM level.
	case bytecode.Throw:
		vm.Fault = fmt.Errorf("%w: %s", ErrConstraintFailure, o.name)
		o.Fail(vm.Fault)
	case bytecode.Try, bytecode.Catch, bytecode.ClearErr:
		if o.instr.Opcode == bytecode.ClearErr {
			vm.Fault = nil
		}
	}
}

// ctxOp implements PushCtx/PopCtx/CopyCtx against the VM's context stack,
// the execution-graph-local binding scope rule bodies push and pop around
// nested rule calls.
type ctxOp struct{ base }

func (o *ctxOp) Execute(vm *VM) {
	switch o.instr.Opcode {
	case bytecode.PushCtx:
		vm.ctxStack = append(vm.ctxStack, make(map[string]kernast.Value))
	case bytecode.PopCtx:
		if len(vm.ctxStack) <= 1 {
			o.Fail(ErrContextUnderflow)
			return
		}

		vm.ctxStack = vm.ctxStack[:len(vm.ctxStack)-1]
	case bytecode.CopyCtx:
		if len(vm.ctxStack) == 0 {
			o.Fail(ErrContextUnderflow)
			return
		}

		top := vm.ctxStack[len(vm.ctxStack)-1]
		copied := make(map[string]kernast.Value, len(top))

		for k, v := range top {
			copied[k] = v
		}

		vm.ctxStack = append(vm.ctxStack, copied)
	}
}

// symOp implements SetSymbol/GetSymbol against the current context frame.
type symOp struct {
	base
	name  string
	value kernast.Value
}

func (o *symOp) FetchOperands(vm *VM) {
	switch o.instr.Opcode {
	case bytecode.SetSymbol:
		c, err := vm.constant(o.instr.Arg1)
		if err != nil {
			o.Fail(err)
			return
		}

		v, err := vm.reg(o.instr.Arg2)
		if err != nil {
			o.Fail(err)
			return
		}

		o.name, o.value = c.Sym, v
	case bytecode.GetSymbol:
		c, err := vm.constant(o.instr.Arg2)
		if err != nil {
			o.Fail(err)
			return
		}

		o.name = c.Sym
	}
}

func (o *symOp) Execute(vm *VM) {
	if len(vm.ctxStack) == 0 {
		o.Fail(ErrContextUnderflow)
		return
	}

	top := vm.ctxStack[len(vm.ctxStack)-1]

	switch o.instr.Opcode {
	case bytecode.SetSymbol:
		top[o.name] = o.value
	case bytecode.GetSymbol:
		v, ok := top[o.name]
		if !ok {
			o.Fail(fmt.Errorf("%w: %s", ErrUnknownSymbol, o.name))
			return
		}

		o.value = v
	}
}

func (o *symOp) StoreResult(vm *VM) {
	if o.instr.Opcode != bytecode.GetSymbol {
		return
	}

	if err := vm.setReg(o.instr.Arg1, o.value); err != nil {
		o.Fail(err)
	}
}

// externOp implements CallExtern: dispatch to a host function registered
// under the constant pool name.
type externOp struct {
	base
	name string
}

func (o *externOp) FetchOperands(vm *VM) {
	c, err := vm.constant(o.instr.Arg1)
	if err != nil {
		o.Fail(err)
		return
	}

	o.name = c.Sym
}

func (o *externOp) Execute(vm *VM) {
	fn, ok := vm.Externs[o.name]
	if !ok {
		o.Fail(fmt.Errorf("%w: %s", ErrUnknownExtern, o.name))
		return
	}

	if vm.Safety != nil {
		if err := vm.Safety.BeforeCallExtern(o.name); err != nil {
			o.Fail(err)
			return
		}
	}

	if err := fn(vm); err != nil {
		o.Fail(err)
	}
}

// ioOp implements ReadIo/WriteIo against the VM's sandboxed host I/O port.
type ioOp struct {
	base
	channel string
	value   kernast.Value
}

func (o *ioOp) FetchOperands(vm *VM) {
	switch o.instr.Opcode {
	case bytecode.ReadIo:
		c, err := vm.constant(o.instr.Arg2)
		if err != nil {
			o.Fail(err)
			return
		}

		o.channel = c.Sym
	case bytecode.WriteIo:
		c, err := vm.constant(o.instr.Arg1)
		if err != nil {
			o.Fail(err)
			return
		}

		v, err := vm.reg(o.instr.Arg2)
		if err != nil {
			o.Fail(err)
			return
		}

		o.channel, o.value = c.Sym, v
	}
}

func (o *ioOp) Execute(vm *VM) {
	if vm.Io == nil {
		o.Fail(ErrNoIoPort)
		return
	}

	if vm.Safety != nil {
		if err := vm.Safety.BeforeIoOperation(o.channel); err != nil {
			o.Fail(err)
			return
		}
	}

	switch o.instr.Opcode {
	case bytecode.ReadIo:
		v, err := vm.Io.Read(o.channel)
		if err != nil {
			o.Fail(err)
			return
		}

		o.value = v
	case bytecode.WriteIo:
		if err := vm.Io.Write(o.channel, o.value); err != nil {
			o.Fail(err)
		}
	}
}

func (o *ioOp) StoreResult(vm *VM) {
	if o.instr.Opcode != bytecode.ReadIo {
		return
	}

	if err := vm.setReg(o.instr.Arg1, o.value); err != nil {
		o.Fail(err)
	}
}

// invalidOp rejects any opcode decode didn't recognize.
type invalidOp struct{ base }

func (o *invalidOp) Decode(vm *VM, instr bytecode.Instruction) {
	o.base.Decode(vm, instr)
	o.Fail(fmt.Errorf("kernvm: unhandled opcode %s", instr.Opcode))
}
