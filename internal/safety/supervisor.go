package safety

import "github.com/kern-lang/kernc/internal/bytecode"

// Supervisor composes the safety layer's independent checks into the
// single gate a VM consults around each instruction: memory budgets,
// sandbox policy, security validation and execution limits, plus an
// optional performance monitor. Construction applies each Option once, in
// order, after the defaults are in place.
type Supervisor struct {
	Memory     *MemoryManager
	Sandbox    *Sandbox
	Validator  *SecurityValidator
	Limiter    *StepLimiter
	Perf       *PerformanceMonitor
	perfOn     bool
}

// Option customizes a Supervisor during construction.
type Option func(*Supervisor)

// WithSandboxPolicy installs a restrictive sandbox policy in place of the
// zero-value policy (which allows no externs or IO channels at all).
func WithSandboxPolicy(policy *SandboxPolicy) Option {
	return func(s *Supervisor) { s.Sandbox = NewSandbox(policy) }
}

// WithMemoryLimits overrides the default memory budgets.
func WithMemoryLimits(limits MemoryLimits) Option {
	return func(s *Supervisor) { s.Memory = NewMemoryManager(limits) }
}

// WithExecutionLimits overrides the default step/rule/loop limits.
func WithExecutionLimits(limits ExecutionLimits) Option {
	return func(s *Supervisor) { s.Limiter = NewStepLimiter(limits) }
}

// WithPerformanceMonitor enables performance instrumentation.
func WithPerformanceMonitor() Option {
	return func(s *Supervisor) {
		s.Perf = NewPerformanceMonitor()
		s.perfOn = true
	}
}

// New returns a Supervisor with default limits and a fully-closed sandbox,
// then applies opts.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		Memory:    NewMemoryManager(DefaultMemoryLimits()),
		Sandbox:   NewSandbox(NewSandboxPolicy()),
		Validator: NewSecurityValidator(),
		Limiter:   NewStepLimiter(DefaultExecutionLimits()),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// BeforeInstruction validates instr against the security policy and
// accounts it against the step limit, in the order the VM should apply
// them: a disallowed opcode is rejected before it can count against any
// budget.
func (s *Supervisor) BeforeInstruction(instr bytecode.Instruction) error {
	if err := s.Validator.ValidateInstruction(instr); err != nil {
		return err
	}

	if err := s.Limiter.IncrementStep(); err != nil {
		return err
	}

	if s.perfOn {
		s.Perf.RecordInstruction(instr.Opcode)
	}

	return nil
}

// BeforeCallExtern enforces the sandbox policy and rule-invocation limit
// ahead of a CallExtern dispatch.
func (s *Supervisor) BeforeCallExtern(name string) error {
	if err := s.Sandbox.CallExtern(name); err != nil {
		return err
	}

	return s.Limiter.IncrementRuleInvocation()
}

// BeforeIoOperation enforces the sandbox policy ahead of a ReadIo/WriteIo
// dispatch.
func (s *Supervisor) BeforeIoOperation(channel string) error {
	return s.Sandbox.IoOperation(channel)
}

// BeforeRuleInvocation enforces the rule-invocation limit ahead of a
// CallRule dispatch and, if enabled, records it for the performance
// monitor.
func (s *Supervisor) BeforeRuleInvocation(name string) error {
	if err := s.Limiter.IncrementRuleInvocation(); err != nil {
		return err
	}

	if s.perfOn {
		s.Perf.RecordRuleInvocation(name)
	}

	return nil
}

// BeforeLoopIteration enforces the loop-iteration limit ahead of
// re-entering a bounded loop body.
func (s *Supervisor) BeforeLoopIteration() error {
	return s.Limiter.IncrementLoopIteration()
}

// TrackStackDepth reports the current call-stack depth to the performance
// monitor, if enabled.
func (s *Supervisor) TrackStackDepth(depth uint64) {
	if s.perfOn {
		s.Perf.UpdateStackDepth(depth)
	}
}
