// Package kernerr implements the diagnostic/error taxonomy (§7): the
// Diagnostic type carried by every fallible stage of the front end, plus the
// resource/sandbox/recursion error codes a Diagnostic can carry. The
// stage-specific packages (verify, kernvm, ruleengine, safety) define their
// own typed errors and do not use these codes.
//
// Grounded on internal/asm's SyntaxError (wrapped error plus source
// position) and internal/encoding's TextMarshaler idiom for the wire format.
package kernerr

import (
	"fmt"
	"strings"

	"github.com/kern-lang/kernc/internal/kernast"
	"github.com/kern-lang/kernc/internal/klog"
)

// Severity classifies a Diagnostic.
type Severity uint8

const (
	SeverityError Severity = iota
	SeverityWarning
	SeverityNote
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityNote:
		return "note"
	default:
		return "unknown"
	}
}

// Code names the specific diagnostic, grouped by the stage that raises it.
type Code string

const (
	// Verifier codes.
	CodeInvalidOpcode       Code = "invalid-opcode"
	CodeInvalidOperand      Code = "invalid-operand"
	CodeJumpOutOfBounds     Code = "jump-out-of-bounds"
	CodeUseBeforeDef        Code = "use-before-def"
	CodeContextImbalance    Code = "context-imbalance"
	CodeStackUnderflow      Code = "stack-underflow"
	CodeStackOverflow       Code = "stack-overflow"

	// Resource codes.
	CodeStepLimitExceeded   Code = "step-limit-exceeded"
	CodeRuleLimitExceeded   Code = "rule-limit-exceeded"
	CodeLoopLimitExceeded   Code = "loop-limit-exceeded"
	CodeMemoryLimitExceeded Code = "memory-limit-exceeded"

	// Sandbox codes.
	CodeFunctionNotAllowed  Code = "function-not-allowed"
	CodeIoChannelNotAllowed Code = "io-channel-not-allowed"
	CodeCallLimitExceeded   Code = "call-limit-exceeded"

	// Recursion codes.
	CodeDirectRecursion   Code = "direct-recursion"
	CodeIndirectRecursion Code = "indirect-recursion"
)

// Diagnostic is the uniform {severity, code, message, source location,
// optional notes/help} value every stage of the toolchain reports through.
// It implements error and encoding.TextMarshaler, rendering as
// "file:line:column: severity code: message" with optional "= note:" and
// "= help:" continuation lines, matching internal/encoding's
// MarshalText-based wire format convention.
type Diagnostic struct {
	Severity Severity
	Code     Code
	Span     kernast.SourceSpan
	Message  string
	Note     string
	Help     string
}

func (d *Diagnostic) Error() string {
	text, _ := d.MarshalText()
	return string(text)
}

// MarshalText renders the diagnostic in its wire format.
func (d *Diagnostic) MarshalText() ([]byte, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "%s: %s %s: %s", d.Span, d.Severity, d.Code, d.Message)

	if d.Note != "" {
		fmt.Fprintf(&b, "\n  = note: %s", d.Note)
	}

	if d.Help != "" {
		fmt.Fprintf(&b, "\n  = help: %s", d.Help)
	}

	return []byte(b.String()), nil
}

// LogValue groups the diagnostic's fields for structured logging instead of
// stringifying the whole thing, the way elsie's RegisterFile.LogValue does.
func (d *Diagnostic) LogValue() klog.Value {
	attrs := []klog.Attr{
		klog.String("severity", d.Severity.String()),
		klog.String("code", string(d.Code)),
		klog.String("span", d.Span.String()),
		klog.String("message", d.Message),
	}

	if d.Note != "" {
		attrs = append(attrs, klog.String("note", d.Note))
	}

	if d.Help != "" {
		attrs = append(attrs, klog.String("help", d.Help))
	}

	return klog.GroupValue(attrs...)
}
