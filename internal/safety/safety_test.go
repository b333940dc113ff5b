package safety

import (
	"errors"
	"strings"
	"testing"

	"github.com/kern-lang/kernc/internal/bytecode"
)

func TestMemoryManagerAllocate(tt *testing.T) {
	tt.Parallel()

	m := NewMemoryManager(MemoryLimits{MaxHeapBytes: 100})

	if err := m.Allocate(RegionHeap, 60); err != nil {
		tt.Fatalf("allocate 60: %v", err)
	}

	if got := m.Usage(RegionHeap); got != 60 {
		tt.Errorf("usage = %d, want 60", got)
	}

	if err := m.Allocate(RegionHeap, 60); err == nil {
		tt.Fatalf("allocate 60 more: want error, got nil")
	} else {
		var limitErr *MemoryLimitError
		if !errors.As(err, &limitErr) {
			tt.Errorf("err = %v, want *MemoryLimitError", err)
		} else if limitErr.Region != RegionHeap {
			tt.Errorf("region = %s, want %s", limitErr.Region, RegionHeap)
		}
	}

	// A rejected allocation must not have been recorded.
	if got := m.Usage(RegionHeap); got != 60 {
		tt.Errorf("usage after rejected allocate = %d, want 60", got)
	}
}

func TestMemoryManagerDeallocateSaturates(tt *testing.T) {
	tt.Parallel()

	m := NewMemoryManager(DefaultMemoryLimits())

	if err := m.Allocate(RegionStack, 10); err != nil {
		tt.Fatalf("allocate: %v", err)
	}

	m.Deallocate(RegionStack, 1000)

	if got := m.Usage(RegionStack); got != 0 {
		tt.Errorf("usage = %d, want 0 (saturated)", got)
	}
}

func TestMemoryManagerWouldExceed(tt *testing.T) {
	tt.Parallel()

	m := NewMemoryManager(MemoryLimits{MaxConstBytes: 10})

	if m.WouldExceed(RegionConst, 10) {
		tt.Errorf("WouldExceed(10) at budget 10 = true, want false")
	}

	if !m.WouldExceed(RegionConst, 11) {
		tt.Errorf("WouldExceed(11) at budget 10 = false, want true")
	}
}

func TestSandboxPolicyAllowList(tt *testing.T) {
	tt.Parallel()

	policy := NewSandboxPolicy().AllowExtern("log").AllowIoChannel("stdout")
	sb := NewSandbox(policy)

	if err := sb.CallExtern("log"); err != nil {
		tt.Errorf("CallExtern(log): %v", err)
	}

	if err := sb.CallExtern("reformat-disk"); err == nil {
		tt.Errorf("CallExtern(reformat-disk): want error, got nil")
	}

	if err := sb.IoOperation("stdout"); err != nil {
		tt.Errorf("IoOperation(stdout): %v", err)
	}

	if err := sb.IoOperation("network"); err == nil {
		tt.Errorf("IoOperation(network): want error, got nil")
	}
}

func TestSandboxCallLimit(tt *testing.T) {
	tt.Parallel()

	// would_exceed_call_limit trips once the post-increment count reaches
	// max, so a limit of 2 allows exactly one successful call before the
	// second is rejected -- the reference tracker's own off-by-one.
	policy := NewSandboxPolicy().AllowExtern("tick").LimitExternCalls("tick", 2)
	sb := NewSandbox(policy)

	if err := sb.CallExtern("tick"); err != nil {
		tt.Fatalf("call 1: %v", err)
	}

	if err := sb.CallExtern("tick"); err == nil {
		tt.Fatalf("call 2: want error (limit exceeded), got nil")
	}

	if got := sb.ExternCallCount("tick"); got != 2 {
		tt.Errorf("ExternCallCount = %d, want 2 (rejected call still tallied)", got)
	}
}

func TestSecurityValidatorRejectsIllegalOpcode(tt *testing.T) {
	tt.Parallel()

	v := NewSecurityValidator()
	v.Disallow(bytecode.CallExtern)

	instr := bytecode.NewInstruction(bytecode.CallExtern, 0, 0, 0, 0)

	if err := v.ValidateInstruction(instr); err == nil {
		tt.Errorf("ValidateInstruction(disallowed CallExtern): want error, got nil")
	}

	allowed := bytecode.NewInstruction(bytecode.Add, 0, 1, 2, 0)
	if err := v.ValidateInstruction(allowed); err != nil {
		tt.Errorf("ValidateInstruction(Add): %v", err)
	}
}

func TestSecurityValidatorAlwaysDisallowsUnsafeCapabilities(tt *testing.T) {
	tt.Parallel()

	v := NewSecurityValidator()

	if v.AllowsSelfModifyingCode() {
		tt.Errorf("AllowsSelfModifyingCode() = true, want false")
	}

	if v.AllowsDynamicDispatch() {
		tt.Errorf("AllowsDynamicDispatch() = true, want false")
	}

	if v.AllowsRuntimeCodeLoading() {
		tt.Errorf("AllowsRuntimeCodeLoading() = true, want false")
	}
}

func TestSecurityValidatorContextAndRuleAccess(tt *testing.T) {
	tt.Parallel()

	v := NewSecurityValidator()

	if err := v.ValidateContextAccess(10); err != nil {
		tt.Errorf("ValidateContextAccess(10): %v", err)
	}

	if err := v.ValidateContextAccess(maxContextDepth + 1); err == nil {
		tt.Errorf("ValidateContextAccess(overflow): want error, got nil")
	}

	if err := v.ValidateRuleAccess(10); err != nil {
		tt.Errorf("ValidateRuleAccess(10): %v", err)
	}

	if err := v.ValidateRuleAccess(maxRuleID + 1); err == nil {
		tt.Errorf("ValidateRuleAccess(overflow): want error, got nil")
	}
}

func TestStepLimiterSteps(tt *testing.T) {
	tt.Parallel()

	l := NewStepLimiter(ExecutionLimits{MaxSteps: 2, MaxRuleInvocations: 100, MaxLoopIterations: 100})

	if err := l.IncrementStep(); err != nil {
		tt.Fatalf("step 1: %v", err)
	}

	if err := l.IncrementStep(); err != nil {
		tt.Fatalf("step 2: %v", err)
	}

	err := l.IncrementStep()

	var limitErr *StepLimitError
	if !errors.As(err, &limitErr) {
		tt.Fatalf("step 3: want *StepLimitError, got %v", err)
	}

	if limitErr.Kind != StepLimitSteps {
		tt.Errorf("kind = %s, want %s", limitErr.Kind, StepLimitSteps)
	}
}

func TestStepLimiterRuleInvocationsAndLoopIterations(tt *testing.T) {
	tt.Parallel()

	l := NewStepLimiter(ExecutionLimits{MaxSteps: 100, MaxRuleInvocations: 1, MaxLoopIterations: 1})

	if err := l.IncrementRuleInvocation(); err != nil {
		tt.Fatalf("rule 1: %v", err)
	}

	var limitErr *StepLimitError
	if err := l.IncrementRuleInvocation(); !errors.As(err, &limitErr) {
		tt.Fatalf("rule 2: want *StepLimitError, got %v", err)
	} else if limitErr.Kind != StepLimitRuleInvocations {
		tt.Errorf("kind = %s, want %s", limitErr.Kind, StepLimitRuleInvocations)
	}

	if err := l.IncrementLoopIteration(); err != nil {
		tt.Fatalf("loop 1: %v", err)
	}

	if err := l.IncrementLoopIteration(); !errors.As(err, &limitErr) {
		tt.Fatalf("loop 2: want *StepLimitError, got %v", err)
	} else if limitErr.Kind != StepLimitLoopIterations {
		tt.Errorf("kind = %s, want %s", limitErr.Kind, StepLimitLoopIterations)
	}
}

func TestStepLimiterReset(tt *testing.T) {
	tt.Parallel()

	l := NewStepLimiter(ExecutionLimits{MaxSteps: 1, MaxRuleInvocations: 1, MaxLoopIterations: 1})

	if err := l.IncrementStep(); err != nil {
		tt.Fatalf("step: %v", err)
	}

	l.Reset()

	if err := l.IncrementStep(); err != nil {
		tt.Errorf("step after reset: %v", err)
	}

	if got := l.RemainingSteps(); got != 0 {
		tt.Errorf("RemainingSteps() = %d, want 0", got)
	}
}

func TestPerformanceMonitorRecordsAndReports(tt *testing.T) {
	tt.Parallel()

	p := NewPerformanceMonitor()

	p.RecordInstruction(bytecode.Add)
	p.RecordInstruction(bytecode.Add)
	p.UpdateStackDepth(3)
	p.UpdateStackDepth(1)
	p.RecordRuleInvocation("discount")

	if got := p.Metrics.InstructionCount; got != 2 {
		tt.Errorf("InstructionCount = %d, want 2", got)
	}

	if got := p.Metrics.PerOpcodeCount[bytecode.Add]; got != 2 {
		tt.Errorf("PerOpcodeCount[Add] = %d, want 2", got)
	}

	if got := p.Metrics.MaxStackDepth; got != 3 {
		tt.Errorf("MaxStackDepth = %d, want 3 (peak, not last)", got)
	}

	report := p.Report()
	if !containsAll(report, "Performance Report:", "Total Instructions: 2", "Rule Invocations:", "discount: 1") {
		tt.Errorf("Report() missing expected sections:\n%s", report)
	}
}

func TestPerformanceMonitorDisabledCategory(tt *testing.T) {
	tt.Parallel()

	p := NewPerformanceMonitor()
	p.Config.StackMonitoring = false

	p.UpdateStackDepth(5)

	if got := p.Metrics.MaxStackDepth; got != 0 {
		tt.Errorf("MaxStackDepth = %d, want 0 (monitoring disabled)", got)
	}
}

func TestSupervisorBeforeInstructionRejectsBeforeCounting(tt *testing.T) {
	tt.Parallel()

	sup := New(WithExecutionLimits(ExecutionLimits{MaxSteps: 100, MaxRuleInvocations: 100, MaxLoopIterations: 100}))
	sup.Validator.Disallow(bytecode.CallExtern)

	instr := bytecode.NewInstruction(bytecode.CallExtern, 0, 0, 0, 0)

	if err := sup.BeforeInstruction(instr); err == nil {
		tt.Fatalf("BeforeInstruction(disallowed): want error, got nil")
	}

	if got := sup.Limiter.RemainingSteps(); got != 100 {
		tt.Errorf("RemainingSteps = %d, want 100 (rejected opcode must not count)", got)
	}
}

func TestSupervisorBeforeCallExternEnforcesSandbox(tt *testing.T) {
	tt.Parallel()

	sup := New(WithSandboxPolicy(NewSandboxPolicy().AllowExtern("log")))

	if err := sup.BeforeCallExtern("log"); err != nil {
		tt.Errorf("BeforeCallExtern(log): %v", err)
	}

	if err := sup.BeforeCallExtern("reformat-disk"); err == nil {
		tt.Errorf("BeforeCallExtern(reformat-disk): want error, got nil")
	}
}

func TestSupervisorBeforeIoOperationEnforcesSandbox(tt *testing.T) {
	tt.Parallel()

	sup := New(WithSandboxPolicy(NewSandboxPolicy().AllowIoChannel("stdout")))

	if err := sup.BeforeIoOperation("stdout"); err != nil {
		tt.Errorf("BeforeIoOperation(stdout): %v", err)
	}

	if err := sup.BeforeIoOperation("network"); err == nil {
		tt.Errorf("BeforeIoOperation(network): want error, got nil")
	}
}

func TestSupervisorTracksPerformanceWhenEnabled(tt *testing.T) {
	tt.Parallel()

	sup := New(WithPerformanceMonitor())

	instr := bytecode.NewInstruction(bytecode.Nop, 0, 0, 0, 0)
	if err := sup.BeforeInstruction(instr); err != nil {
		tt.Fatalf("BeforeInstruction: %v", err)
	}

	sup.TrackStackDepth(5)

	if got := sup.Perf.Metrics.InstructionCount; got != 1 {
		tt.Errorf("InstructionCount = %d, want 1", got)
	}

	if got := sup.Perf.Metrics.MaxStackDepth; got != 5 {
		tt.Errorf("MaxStackDepth = %d, want 5", got)
	}
}

func containsAll(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if !strings.Contains(s, sub) {
			return false
		}
	}

	return true
}
