package safety

import "fmt"

// ExecutionLimits bounds how much work a single run may perform.
type ExecutionLimits struct {
	MaxSteps            uint64
	MaxRuleInvocations  uint64
	MaxLoopIterations   uint64
}

// DefaultExecutionLimits matches the reference runtime's testing defaults.
func DefaultExecutionLimits() ExecutionLimits {
	return ExecutionLimits{
		MaxSteps:           1_000_000,
		MaxRuleInvocations: 100_000,
		MaxLoopIterations:  100_000,
	}
}

// StepLimitKind distinguishes which counter tripped.
type StepLimitKind uint8

const (
	StepLimitSteps StepLimitKind = iota
	StepLimitRuleInvocations
	StepLimitLoopIterations
)

func (k StepLimitKind) String() string {
	switch k {
	case StepLimitSteps:
		return "step limit"
	case StepLimitRuleInvocations:
		return "rule invocation limit"
	case StepLimitLoopIterations:
		return "loop iteration limit"
	default:
		return "unknown limit"
	}
}

// StepLimitError reports that a counter exceeded its configured limit.
type StepLimitError struct {
	Kind StepLimitKind
}

func (e *StepLimitError) Error() string {
	return fmt.Sprintf("safety: %s exceeded", e.Kind)
}

// StepLimiter tracks step, rule-invocation and loop-iteration counts
// against ExecutionLimits, the runaway-execution backstop beneath
// ruleengine's own MaxSteps and the flow pipeline's per-loop MaxIters.
type StepLimiter struct {
	Limits ExecutionLimits

	steps     uint64
	rules     uint64
	loopIters uint64
}

// NewStepLimiter returns a StepLimiter with all counters at zero.
func NewStepLimiter(limits ExecutionLimits) *StepLimiter {
	return &StepLimiter{Limits: limits}
}

// IncrementStep counts one more VM step.
func (s *StepLimiter) IncrementStep() error {
	s.steps++
	if s.steps > s.Limits.MaxSteps {
		return &StepLimitError{Kind: StepLimitSteps}
	}

	return nil
}

// IncrementRuleInvocation counts one more rule invocation.
func (s *StepLimiter) IncrementRuleInvocation() error {
	s.rules++
	if s.rules > s.Limits.MaxRuleInvocations {
		return &StepLimitError{Kind: StepLimitRuleInvocations}
	}

	return nil
}

// IncrementLoopIteration counts one more loop body iteration.
func (s *StepLimiter) IncrementLoopIteration() error {
	s.loopIters++
	if s.loopIters > s.Limits.MaxLoopIterations {
		return &StepLimitError{Kind: StepLimitLoopIterations}
	}

	return nil
}

// Reset zeroes every counter.
func (s *StepLimiter) Reset() {
	s.steps, s.rules, s.loopIters = 0, 0, 0
}

// RemainingSteps reports how many steps remain before the limit trips.
func (s *StepLimiter) RemainingSteps() uint64 {
	if s.steps >= s.Limits.MaxSteps {
		return 0
	}

	return s.Limits.MaxSteps - s.steps
}
