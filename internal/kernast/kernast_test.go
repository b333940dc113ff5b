package kernast

import "testing"

func TestValueTruthy(tt *testing.T) {
	tests := []struct {
		name string
		v    Value
		want bool
	}{
		{"num zero", Num(0), false},
		{"num nonzero", Num(-1), true},
		{"bool true", Bool(true), true},
		{"bool false", Bool(false), false},
		{"sym always truthy", Sym(""), true},
		{"ref empty", Ref(""), false},
		{"ref nonempty", Ref("x"), true},
		{"vec empty", Vec(nil), false},
		{"vec nonempty", Vec([]Value{Num(1)}), true},
	}

	for _, test := range tests {
		tt.Run(test.name, func(tt *testing.T) {
			if got := test.v.Truthy(); got != test.want {
				tt.Errorf("Truthy() = %v, want %v", got, test.want)
			}
		})
	}
}

func TestValueString(tt *testing.T) {
	tests := []struct {
		name string
		v    Value
		want string
	}{
		{"num", Num(42), "42"},
		{"bool", Bool(true), "true"},
		{"sym", Sym("foo"), "foo"},
		{"ref", Ref("bar"), "&bar"},
	}

	for _, test := range tests {
		tt.Run(test.name, func(tt *testing.T) {
			if got := test.v.String(); got != test.want {
				tt.Errorf("String() = %q, want %q", got, test.want)
			}
		})
	}
}

func TestSourceSpanString(tt *testing.T) {
	span := SourceSpan{File: "rules.kern", Line: 3, Column: 7}

	want := "rules.kern:3:7"
	if got := span.String(); got != want {
		tt.Errorf("String() = %q, want %q", got, want)
	}
}

func TestComparatorString(tt *testing.T) {
	tests := []struct {
		c    Comparator
		want string
	}{
		{CmpEq, "=="}, {CmpNe, "!="}, {CmpLt, "<"}, {CmpLe, "<="}, {CmpGt, ">"}, {CmpGe, ">="},
	}

	for _, test := range tests {
		if got := test.c.String(); got != test.want {
			tt.Errorf("Comparator(%d).String() = %q, want %q", test.c, got, test.want)
		}
	}
}

func TestRuleDeclWriteSet(tt *testing.T) {
	rule := RuleDecl{
		Actions: []Action{
			{TargetSymbol: "x", Value: Num(1)},
			{TargetSymbol: "y", Value: Num(2)},
			{TargetSymbol: "x", Value: Num(3)},
		},
	}

	set := rule.WriteSet()

	if len(set) != 2 {
		tt.Fatalf("WriteSet() len = %d, want 2", len(set))
	}

	for _, sym := range []string{"x", "y"} {
		if _, ok := set[sym]; !ok {
			tt.Errorf("WriteSet() missing %q", sym)
		}
	}
}

func TestFlowNodeKindString(tt *testing.T) {
	tests := []struct {
		k    FlowNodeKind
		want string
	}{
		{NodeOp, "Op"}, {NodeRule, "Rule"}, {NodeControl, "Control"}, {NodeGraph, "Graph"}, {NodeIo, "Io"},
	}

	for _, test := range tests {
		if got := test.k.String(); got != test.want {
			tt.Errorf("FlowNodeKind(%d).String() = %q, want %q", test.k, got, test.want)
		}
	}
}
