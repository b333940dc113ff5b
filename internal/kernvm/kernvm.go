// Package kernvm implements the register-based virtual machine (§4.8): 16
// signed i64 registers holding tagged values, a fetch-decode-execute loop
// over an assembled bytecode module, and the context/rule/error state
// machines that back KERN's control operators.
//
// The dispatch loop is adapted from elsie's staged operation interface
// (internal/vm's Step, generalized from LC-3's fixed-width word machine to
// KERN's tagged-value register file): an operation implements whichever of
// addressable/fetchable/executable/storable its semantics need, and the
// loop type-asserts for each stage in turn.
package kernvm

import (
	"fmt"

	"github.com/kern-lang/kernc/internal/bytecode"
	"github.com/kern-lang/kernc/internal/kernast"
	"github.com/kern-lang/kernc/internal/klog"
	"github.com/kern-lang/kernc/internal/safety"
)

// NumRegisters is the size of the VM's general-purpose register file.
const NumRegisters = 16

// IoPort is the host I/O channel ReadIo/WriteIo call into.
type IoPort interface {
	Read(channel string) (kernast.Value, error)
	Write(channel string, v kernast.Value) error
}

// Extern is a host function CallExtern invokes by name.
type Extern func(vm *VM) error

// frame is a single call-stack entry, pushed by CallRule and popped by
// ReturnRule.
type frame struct {
	returnPC  uint32
	ruleName  string
}

// symbolGraph is the small runtime graph CreateNode/Connect/Merge/DeleteNode
// mutate -- distinct from the compiler's execution graph, same shape as
// internal/flow's SymbolGraph.
type symbolGraph struct {
	nodes map[string]bool
	edges map[string][]string
}

func newSymbolGraph() *symbolGraph {
	return &symbolGraph{nodes: make(map[string]bool), edges: make(map[string][]string)}
}

// VM is a KERN register machine executing one loaded module.
type VM struct {
	Regs [NumRegisters]kernast.Value

	Module *bytecode.Module
	PC     uint32

	callStack []frame
	ctxStack  []map[string]kernast.Value
	graph     *symbolGraph

	Io      IoPort
	Externs map[string]Extern

	Halted bool
	Fault  error

	StepLimit uint64
	stepCount uint64

	Safety *safety.Supervisor

	log *klog.Logger
}

// OptionFn customizes a VM during construction. New applies every option
// twice, once before and once after the initial context stack is created,
// following the shape of elsie's two-phase option pattern.
type OptionFn func(*VM)

// WithIoPort installs the host I/O channel.
func WithIoPort(io IoPort) OptionFn {
	return func(vm *VM) { vm.Io = io }
}

// WithExtern registers a single named extern function.
func WithExtern(name string, fn Extern) OptionFn {
	return func(vm *VM) { vm.Externs[name] = fn }
}

// WithStepLimit overrides the default step limit (the safety layer's own
// limiter, if present, is expected to be stricter; this is the VM's own
// runaway backstop).
func WithStepLimit(limit uint64) OptionFn {
	return func(vm *VM) { vm.StepLimit = limit }
}

// WithLogger overrides the VM's logger.
func WithLogger(l *klog.Logger) OptionFn {
	return func(vm *VM) { vm.log = l }
}

// WithSafety installs the safety layer's Supervisor, gating every
// instruction, extern call and IO operation against its memory budgets,
// sandbox policy, security validator and execution limits.
func WithSafety(sup *safety.Supervisor) OptionFn {
	return func(vm *VM) { vm.Safety = sup }
}

// DefaultStepLimit bounds execution absent an explicit WithStepLimit or
// safety-layer limiter.
const DefaultStepLimit = 10_000_000

// New attaches module and returns a VM ready to Run, applying opts in two
// passes around the creation of the initial context stack, the way elsie's
// New applies OptionFns around device configuration.
func New(module *bytecode.Module, opts ...OptionFn) *VM {
	vm := &VM{
		Module:    module,
		Externs:   make(map[string]Extern),
		graph:     newSymbolGraph(),
		StepLimit: DefaultStepLimit,
		log:       klog.DefaultLogger(),
	}

	for _, fn := range opts {
		fn(vm)
	}

	vm.ctxStack = []map[string]kernast.Value{make(map[string]kernast.Value)}

	for _, fn := range opts {
		fn(vm)
	}

	return vm
}

// Run executes instructions until the program halts, faults, or exceeds its
// step limit.
func (vm *VM) Run() error {
	vm.log.Info("START", "pc", vm.PC)

	for !vm.Halted {
		if err := vm.Step(); err != nil {
			vm.log.Error("HALTED (fault)", "err", err, "pc", vm.PC)
			return err
		}
	}

	vm.log.Info("HALTED (ok)", "pc", vm.PC)

	return nil
}

// Step executes a single instruction, following the same staged dispatch
// elsie's Step does: decode, evaluate address, fetch operands, execute,
// store result -- each stage applied only if the decoded operation
// implements the corresponding optional interface.
func (vm *VM) Step() error {
	if vm.Halted {
		return fmt.Errorf("kernvm: step: %w", ErrHalted)
	}

	vm.stepCount++
	if vm.stepCount > vm.StepLimit {
		return fmt.Errorf("kernvm: step: %w", ErrStepLimitExceeded)
	}

	if int(vm.PC) >= len(vm.Module.InstructionStream) {
		return fmt.Errorf("kernvm: step: pc %d out of range", vm.PC)
	}

	instr := vm.Module.InstructionStream[vm.PC]
	vm.PC++

	if vm.Safety != nil {
		if err := vm.Safety.BeforeInstruction(instr); err != nil {
			return fmt.Errorf("kernvm: %s: %w", instr, err)
		}

		vm.Safety.TrackStackDepth(uint64(len(vm.callStack)))
	}

	op := vm.decode(instr)
	op.Decode(vm, instr)

	if a, ok := op.(addressable); ok && op.Err() == nil {
		a.EvalAddress(vm)
	}

	if f, ok := op.(fetchable); ok && op.Err() == nil {
		f.FetchOperands(vm)
	}

	if e, ok := op.(executable); ok && op.Err() == nil {
		e.Execute(vm)
	}

	if s, ok := op.(storable); ok && op.Err() == nil {
		s.StoreResult(vm)
	}

	if err := op.Err(); err != nil {
		return fmt.Errorf("kernvm: %s: %w", op, err)
	}

	return nil
}

// operation represents one bytecode instruction as it moves through Step's
// stages. Every opcode family implements whichever optional interfaces its
// semantics actually need.
type operation interface {
	Decode(vm *VM, instr bytecode.Instruction)
	Fail(err error)
	Err() error
	fmt.Stringer
}

type addressable interface {
	operation
	EvalAddress(vm *VM)
}

type fetchable interface {
	operation
	FetchOperands(vm *VM)
}

type executable interface {
	operation
	Execute(vm *VM)
}

type storable interface {
	operation
	StoreResult(vm *VM)
}

// base is embedded by every concrete operation to implement the shared
// Fail/Err bookkeeping.
type base struct {
	instr bytecode.Instruction
	err   error
}

func (b *base) Decode(_ *VM, instr bytecode.Instruction) { b.instr = instr }
func (b *base) Fail(err error)                           { b.err = err }
func (b *base) Err() error                                { return b.err }
func (b *base) String() string                            { return b.instr.String() }

func (vm *VM) decode(instr bytecode.Instruction) operation {
	switch instr.Opcode {
	case bytecode.Nop:
		return &nopOp{}
	case bytecode.Halt:
		return &haltOp{}
	case bytecode.Jmp, bytecode.JmpIf:
		return &jumpOp{}
	case bytecode.LoadSym, bytecode.LoadNum, bytecode.LoadBool:
		return &loadOp{}
	case bytecode.Move, bytecode.Neg, bytecode.Not:
		return &unaryOp{}
	case bytecode.Add, bytecode.Sub, bytecode.Mul, bytecode.Div, bytecode.Mod, bytecode.And, bytecode.Or, bytecode.Compare:
		return &binaryOp{}
	case bytecode.CreateNode, bytecode.Connect, bytecode.Merge, bytecode.DeleteNode:
		return &graphOp{}
	case bytecode.CallRule, bytecode.ReturnRule, bytecode.CheckCondition, bytecode.IncrementExecCount,
		bytecode.Throw, bytecode.Try, bytecode.Catch, bytecode.ClearErr:
		return &ruleOp{}
	case bytecode.PushCtx, bytecode.PopCtx, bytecode.CopyCtx:
		return &ctxOp{}
	case bytecode.SetSymbol, bytecode.GetSymbol:
		return &symOp{}
	case bytecode.CallExtern:
		return &externOp{}
	case bytecode.ReadIo, bytecode.WriteIo:
		return &ioOp{}
	default:
		return &invalidOp{}
	}
}

// lookupRule resolves a rule name to its module table entry.
func (vm *VM) lookupRule(name string) (bytecode.RuleEntry, bool) {
	for _, r := range vm.Module.RuleTable {
		if r.Name == name {
			return r, true
		}
	}

	return bytecode.RuleEntry{}, false
}
