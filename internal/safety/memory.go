// Package safety implements the safety layer (§4.9): per-region memory
// budgets, a sandbox policy restricting which externs and IO channels a
// module may reach, an independent security validator for untrusted
// bytecode streams, step/rule/loop execution limits, and an optional
// performance monitor -- composed by Supervisor into the single gate the
// VM consults before each instruction.
package safety

import "fmt"

// MemoryRegion names one of the five budgeted memory regions.
type MemoryRegion uint8

const (
	RegionCode MemoryRegion = iota
	RegionConst
	RegionStack
	RegionHeap
	RegionMeta
)

var memoryRegionNames = [...]string{"code", "const", "stack", "heap", "meta"}

func (r MemoryRegion) String() string {
	if int(r) < len(memoryRegionNames) {
		return memoryRegionNames[r]
	}

	return fmt.Sprintf("region(%d)", uint8(r))
}

// MemoryLimits caps the byte budget of each region.
type MemoryLimits struct {
	MaxCodeBytes  uint64
	MaxConstBytes uint64
	MaxStackBytes uint64
	MaxHeapBytes  uint64
	MaxMetaBytes  uint64
}

// DefaultMemoryLimits matches the reference runtime's testing defaults.
func DefaultMemoryLimits() MemoryLimits {
	return MemoryLimits{
		MaxCodeBytes:  100 * 1024,
		MaxConstBytes: 50 * 1024,
		MaxStackBytes: 256 * 1024,
		MaxHeapBytes:  1024 * 1024,
		MaxMetaBytes:  10 * 1024,
	}
}

func (l MemoryLimits) max(region MemoryRegion) uint64 {
	switch region {
	case RegionCode:
		return l.MaxCodeBytes
	case RegionConst:
		return l.MaxConstBytes
	case RegionStack:
		return l.MaxStackBytes
	case RegionHeap:
		return l.MaxHeapBytes
	case RegionMeta:
		return l.MaxMetaBytes
	default:
		return 0
	}
}

// MemoryLimitError reports that allocating in a region would exceed its
// budget.
type MemoryLimitError struct {
	Region MemoryRegion
}

func (e *MemoryLimitError) Error() string {
	return fmt.Sprintf("safety: %s memory limit exceeded", e.Region)
}

// MemoryManager tracks per-region usage against MemoryLimits.
type MemoryManager struct {
	Limits MemoryLimits
	usage  map[MemoryRegion]uint64
}

// NewMemoryManager returns a MemoryManager with zero usage in every region.
func NewMemoryManager(limits MemoryLimits) *MemoryManager {
	return &MemoryManager{
		Limits: limits,
		usage: map[MemoryRegion]uint64{
			RegionCode:  0,
			RegionConst: 0,
			RegionStack: 0,
			RegionHeap:  0,
			RegionMeta:  0,
		},
	}
}

// Usage reports current usage, in bytes, of a region.
func (m *MemoryManager) Usage(region MemoryRegion) uint64 { return m.usage[region] }

// WouldExceed reports whether allocating size more bytes in region would
// exceed its budget, without mutating usage.
func (m *MemoryManager) WouldExceed(region MemoryRegion, size uint64) bool {
	return m.usage[region]+size > m.Limits.max(region)
}

// Allocate charges size bytes against region, failing without mutating
// state if the budget would be exceeded.
func (m *MemoryManager) Allocate(region MemoryRegion, size uint64) error {
	if m.WouldExceed(region, size) {
		return &MemoryLimitError{Region: region}
	}

	m.usage[region] += size

	return nil
}

// Deallocate releases size bytes from region, saturating at zero.
func (m *MemoryManager) Deallocate(region MemoryRegion, size uint64) {
	if size > m.usage[region] {
		m.usage[region] = 0
		return
	}

	m.usage[region] -= size
}
