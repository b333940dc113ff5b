// Package kernast defines the verified-program data model consumed by the
// execution graph builder: the output of source-level semantic analysis,
// and the input to everything downstream of it.
package kernast

import "fmt"

// SourceSpan locates a diagnostic or AST node in the original source text.
type SourceSpan struct {
	File   string
	Line   int
	Column int
}

func (s SourceSpan) String() string {
	return fmt.Sprintf("%s:%d:%d", s.File, s.Line, s.Column)
}

// Value is the tagged union carried by the engine, the VM and the flow
// pipeline alike: a register or a binding holds exactly one of these kinds.
type ValueKind uint8

const (
	KindNum ValueKind = iota
	KindBool
	KindSym
	KindRef
	KindVec
)

func (k ValueKind) String() string {
	switch k {
	case KindNum:
		return "Num"
	case KindBool:
		return "Bool"
	case KindSym:
		return "Sym"
	case KindRef:
		return "Ref"
	case KindVec:
		return "Vec"
	default:
		return "Invalid"
	}
}

// Value is an immutable tagged value. Only one of the fields matching Kind
// is meaningful.
type Value struct {
	Kind ValueKind
	Num  int64
	Bool bool
	Sym  string
	Ref  string
	Vec  []Value
}

// Truthy implements the coercion rules used by control operators: Num is
// truthy iff nonzero, Bool is itself, Sym is always truthy, Ref is truthy
// iff non-nil (non-empty), Vec is truthy iff non-empty.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindNum:
		return v.Num != 0
	case KindBool:
		return v.Bool
	case KindSym:
		return true
	case KindRef:
		return v.Ref != ""
	case KindVec:
		return len(v.Vec) > 0
	default:
		return false
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindNum:
		return fmt.Sprintf("%d", v.Num)
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindSym:
		return v.Sym
	case KindRef:
		return "&" + v.Ref
	case KindVec:
		return fmt.Sprintf("%v", v.Vec)
	default:
		return "<invalid>"
	}
}

func Num(n int64) Value  { return Value{Kind: KindNum, Num: n} }
func Bool(b bool) Value  { return Value{Kind: KindBool, Bool: b} }
func Sym(s string) Value { return Value{Kind: KindSym, Sym: s} }
func Ref(r string) Value { return Value{Kind: KindRef, Ref: r} }
func Vec(v []Value) Value {
	return Value{Kind: KindVec, Vec: v}
}

// EntityDecl names a declared entity and its fields, carried through from
// source-level semantic analysis unchanged.
type EntityDecl struct {
	Name   string
	Fields []string
	Span   SourceSpan
}

// ConstraintDecl is a single invariant that must hold on an entity or flow.
// It is structurally identical to a RuleDecl: the same Condition/Action
// shapes, lowered to the same condition-then-action subgraph, except its
// action always raises a ConstraintFailure diagnostic instead of writing a
// symbol.
type ConstraintDecl struct {
	Name       string
	Predicate  string // symbolic predicate reference; graph.Build lowers Conditions and does not read it
	Conditions []Condition
	Span       SourceSpan
}

// Comparator is a relational operator used by rule conditions.
type Comparator uint8

const (
	CmpEq Comparator = iota
	CmpNe
	CmpLt
	CmpLe
	CmpGt
	CmpGe
)

func (c Comparator) String() string {
	return [...]string{"==", "!=", "<", "<=", ">", ">="}[c]
}

// Condition is a single atomic test in a rule's left-hand side.
type Condition struct {
	Symbol     string
	Comparator Comparator
	Operand    Value
	Span       SourceSpan
}

// Action is a single effect in a rule's right-hand side: it assigns Value to
// TargetSymbol. The conflict resolver uses TargetSymbol to detect when two
// rules write the same symbol.
type Action struct {
	TargetSymbol string
	Value        Value
	Span         SourceSpan
}

// RuleDecl is a single production in the rule engine: condition set,
// actions, declared priority and recursion limit.
type RuleDecl struct {
	Name           string
	Priority       uint16
	RecursionLimit uint32
	Dependencies   []string // names of rules this one depends on
	Conditions     []Condition
	Actions        []Action
	Span           SourceSpan
}

// WriteSet returns the set of symbols this rule's actions assign, used by
// the conflict resolver's same-target-symbol check.
func (r RuleDecl) WriteSet() map[string]struct{} {
	set := make(map[string]struct{}, len(r.Actions))
	for _, a := range r.Actions {
		set[a.TargetSymbol] = struct{}{}
	}

	return set
}

// FlowNodeKind distinguishes the node kinds the flow pipeline and execution
// graph both operate on. The last five are never declared directly by a
// FlowDecl; the graph builder synthesizes them for a Rule or Constraint's
// condition/action subgraph (§4.1).
type FlowNodeKind uint8

const (
	NodeOp FlowNodeKind = iota
	NodeRule
	NodeControl
	NodeGraph
	NodeIo

	NodeRuleEntry        // marks a rule/constraint's entry point and its RuleTable registration
	NodeCheckCondition   // asserts the preceding condition chain's value, failing the rule/constraint if untrue
	NodeAction           // assigns a computed value to a target symbol
	NodeConstraintFailure // raises a diagnostic instead of assigning a value
	NodeReturnRule        // returns control to the caller of CallRule
)

func (k FlowNodeKind) String() string {
	return [...]string{
		"Op", "Rule", "Control", "Graph", "Io",
		"RuleEntry", "CheckCondition", "Action", "ConstraintFailure", "ReturnRule",
	}[k]
}

// ControlKind distinguishes the flow pipeline's control operators.
type ControlKind uint8

const (
	ControlIf ControlKind = iota
	ControlLoop
	ControlBreak
	ControlContinue
	ControlHalt
)

// FlowDecl is a single demand-driven step in a flow pipeline: it names the
// node it evaluates, the node kind, and, for control nodes, the bounded
// loop/branch structure.
type FlowDecl struct {
	StepID     string
	Kind       FlowNodeKind
	Control    ControlKind // meaningful only when Kind == NodeControl
	Then       []string    // StepIDs of the then-branch / loop body
	Else       []string    // StepIDs of the else-branch
	MaxIters   uint32      // bound for ControlLoop; 0 means unbounded (rejected by graph.Build)
	OpName     string      // meaningful when Kind == NodeOp
	RuleName   string      // meaningful when Kind == NodeRule
	GraphID    string      // meaningful when Kind == NodeGraph
	IoChannel  string      // meaningful when Kind == NodeIo
	Dependents []string    // StepIDs that demand this step's value
	Span       SourceSpan
}

// VerifiedProgram is the complete input to the execution graph builder: a
// verified, source-level-analyzed KERN program.
type VerifiedProgram struct {
	Entities    []EntityDecl
	Constraints []ConstraintDecl
	Rules       []RuleDecl
	Flows       []FlowDecl
}
