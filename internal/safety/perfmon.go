package safety

import (
	"fmt"
	"strings"

	"github.com/kern-lang/kernc/internal/bytecode"
)

// PerformanceMetrics accumulates counters an optional PerformanceMonitor
// records during a run.
type PerformanceMetrics struct {
	InstructionCount     uint64
	PerOpcodeCount       map[bytecode.Opcode]uint64
	MaxStackDepth        uint64
	HeapPeakUsage        uint64
	RuleInvocationCounts map[string]uint64
	GraphNodeCount       uint64

	currentStackDepth uint64
	currentHeapUsage  uint64
}

// NewPerformanceMetrics returns zeroed metrics.
func NewPerformanceMetrics() *PerformanceMetrics {
	return &PerformanceMetrics{
		PerOpcodeCount:       make(map[bytecode.Opcode]uint64),
		RuleInvocationCounts: make(map[string]uint64),
	}
}

func (m *PerformanceMetrics) recordInstruction(op bytecode.Opcode) {
	m.InstructionCount++
	m.PerOpcodeCount[op]++
}

func (m *PerformanceMetrics) updateStackDepth(depth uint64) {
	m.currentStackDepth = depth
	if depth > m.MaxStackDepth {
		m.MaxStackDepth = depth
	}
}

func (m *PerformanceMetrics) updateHeapUsage(usage uint64) {
	m.currentHeapUsage = usage
	if usage > m.HeapPeakUsage {
		m.HeapPeakUsage = usage
	}
}

func (m *PerformanceMetrics) recordRuleInvocation(name string) {
	m.RuleInvocationCounts[name]++
}

// Reset zeroes every metric.
func (m *PerformanceMetrics) Reset() {
	m.InstructionCount = 0
	m.PerOpcodeCount = make(map[bytecode.Opcode]uint64)
	m.MaxStackDepth = 0
	m.HeapPeakUsage = 0
	m.RuleInvocationCounts = make(map[string]uint64)
	m.GraphNodeCount = 0
	m.currentStackDepth = 0
	m.currentHeapUsage = 0
}

// PerformanceConfig toggles which categories of metrics are recorded.
type PerformanceConfig struct {
	InstructionCounting bool
	StackMonitoring     bool
	HeapMonitoring      bool
	RuleMonitoring      bool
	GraphMonitoring     bool
}

// DefaultPerformanceConfig enables every category.
func DefaultPerformanceConfig() PerformanceConfig {
	return PerformanceConfig{
		InstructionCounting: true,
		StackMonitoring:     true,
		HeapMonitoring:      true,
		RuleMonitoring:      true,
		GraphMonitoring:     true,
	}
}

// PerformanceMonitor is an optional instrumentation layer the VM may
// consult each step; disabled categories cost nothing beyond a boolean
// check.
type PerformanceMonitor struct {
	Metrics *PerformanceMetrics
	Config  PerformanceConfig
}

// NewPerformanceMonitor returns a monitor with every category enabled.
func NewPerformanceMonitor() *PerformanceMonitor {
	return &PerformanceMonitor{
		Metrics: NewPerformanceMetrics(),
		Config:  DefaultPerformanceConfig(),
	}
}

func (p *PerformanceMonitor) RecordInstruction(op bytecode.Opcode) {
	if p.Config.InstructionCounting {
		p.Metrics.recordInstruction(op)
	}
}

func (p *PerformanceMonitor) UpdateStackDepth(depth uint64) {
	if p.Config.StackMonitoring {
		p.Metrics.updateStackDepth(depth)
	}
}

func (p *PerformanceMonitor) UpdateHeapUsage(usage uint64) {
	if p.Config.HeapMonitoring {
		p.Metrics.updateHeapUsage(usage)
	}
}

func (p *PerformanceMonitor) RecordRuleInvocation(name string) {
	if p.Config.RuleMonitoring {
		p.Metrics.recordRuleInvocation(name)
	}
}

func (p *PerformanceMonitor) UpdateGraphNodeCount(count uint64) {
	if p.Config.GraphMonitoring {
		p.Metrics.GraphNodeCount = count
	}
}

// Report renders a human-readable performance summary.
func (p *PerformanceMonitor) Report() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Performance Report:\n")
	fmt.Fprintf(&b, "  Total Instructions: %d\n", p.Metrics.InstructionCount)
	fmt.Fprintf(&b, "  Max Stack Depth: %d\n", p.Metrics.MaxStackDepth)
	fmt.Fprintf(&b, "  Heap Peak Usage: %d\n", p.Metrics.HeapPeakUsage)
	fmt.Fprintf(&b, "  Graph Node Count: %d\n", p.Metrics.GraphNodeCount)

	if len(p.Metrics.PerOpcodeCount) > 0 {
		fmt.Fprintf(&b, "  Opcode Breakdown:\n")

		for op, count := range p.Metrics.PerOpcodeCount {
			fmt.Fprintf(&b, "    %s: %d\n", op, count)
		}
	}

	if len(p.Metrics.RuleInvocationCounts) > 0 {
		fmt.Fprintf(&b, "  Rule Invocations:\n")

		for name, count := range p.Metrics.RuleInvocationCounts {
			fmt.Fprintf(&b, "    %s: %d\n", name, count)
		}
	}

	return b.String()
}
