package ruleengine

import (
	"fmt"
	"sort"

	"github.com/kern-lang/kernc/internal/kernast"
)

// ResolutionMode names how a detected write-write conflict is handled.
type ResolutionMode uint8

const (
	Ignore ResolutionMode = iota
	Override
	Merge
	Error
)

func (m ResolutionMode) String() string {
	switch m {
	case Ignore:
		return "ignore"
	case Override:
		return "override"
	case Merge:
		return "merge"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// ConflictEntry records that two or more matched rules write the same
// symbol in the same cycle.
type ConflictEntry struct {
	TargetSymbol string
	Rules        []string
	Mode         ResolutionMode
}

// ConflictError is returned by ResolveConflicts when a conflict's mode is
// Error.
type ConflictError struct {
	Entry ConflictEntry
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("ruleengine: unresolved conflict on %q between rules %v", e.Entry.TargetSymbol, e.Entry.Rules)
}

// Resolver detects and resolves write-write conflicts between matched
// rules. Unlike the reference conflict_resolver.rs, whose rules_conflict
// always returned false, DetectConflicts here actually intersects each
// pair's write sets.
type Resolver struct {
	modeFor map[string]ResolutionMode // target symbol -> resolution mode, set by caller
}

// NewResolver returns a Resolver. defaultMode is used for any target symbol
// not given an explicit mode via SetMode.
func NewResolver(defaultMode ResolutionMode) *Resolver {
	return &Resolver{modeFor: map[string]ResolutionMode{"": defaultMode}}
}

// SetMode assigns an explicit resolution mode to conflicts targeting symbol.
func (r *Resolver) SetMode(symbol string, mode ResolutionMode) {
	r.modeFor[symbol] = mode
}

func (r *Resolver) modeForSymbol(symbol string) ResolutionMode {
	if m, ok := r.modeFor[symbol]; ok {
		return m
	}

	return r.modeFor[""]
}

// DetectConflicts finds every pair of rules in the matched set that write a
// common symbol, grouping by target symbol. rules is assumed already sorted
// by priority descending (the order evaluate produces).
func (r *Resolver) DetectConflicts(rules []*kernast.RuleDecl) []ConflictEntry {
	writers := make(map[string][]string)

	for _, rule := range rules {
		for symbol := range rule.WriteSet() {
			writers[symbol] = append(writers[symbol], rule.Name)
		}
	}

	symbols := make([]string, 0, len(writers))
	for symbol, names := range writers {
		if len(names) > 1 {
			symbols = append(symbols, symbol)
		}
	}

	sort.Strings(symbols)

	conflicts := make([]ConflictEntry, 0, len(symbols))
	for _, symbol := range symbols {
		conflicts = append(conflicts, ConflictEntry{
			TargetSymbol: symbol,
			Rules:        writers[symbol],
			Mode:         r.modeForSymbol(symbol),
		})
	}

	return conflicts
}

// Resolve applies each conflict's resolution mode, returning the subset of
// rule names from the candidate set that should actually execute this
// cycle, in their original relative order. byPriority must map rule name to
// its priority for Override's highest-priority tie-break.
func Resolve(candidates []string, conflicts []ConflictEntry, byPriority map[string]uint16) ([]string, error) {
	skip := make(map[string]bool)

	for _, c := range conflicts {
		switch c.Mode {
		case Ignore, Merge:
			// Both/all conflicting rules still execute.
		case Override:
			winner := highestPriority(c.Rules, byPriority)
			for _, name := range c.Rules {
				if name != winner {
					skip[name] = true
				}
			}
		case Error:
			return nil, &ConflictError{Entry: c}
		}
	}

	out := make([]string, 0, len(candidates))

	for _, name := range candidates {
		if !skip[name] {
			out = append(out, name)
		}
	}

	return out, nil
}

func highestPriority(names []string, byPriority map[string]uint16) string {
	best := names[0]

	for _, name := range names[1:] {
		if byPriority[name] > byPriority[best] || (byPriority[name] == byPriority[best] && name < best) {
			best = name
		}
	}

	return best
}
