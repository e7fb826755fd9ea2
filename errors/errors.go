// Package errors provides the structured error taxonomy for the compiler.
//
// Errors are categorized by Phase (which subsystem raised it) and Kind
// (what went wrong). Validation and feature errors are user-visible;
// KindInternal errors indicate a compiler bug and carry extra context
// (opcode/operator name, index, expected vs. actual shape) to debug them.
package errors

import (
	"fmt"
	"strings"
)

// Phase indicates which compiler subsystem raised the error.
type Phase string

const (
	PhaseParse     Phase = "parse"     // module parser
	PhaseFrontend  Phase = "frontend"  // typed IR builder
	PhaseOptimize  Phase = "optimize"  // IR optimizer
	PhaseBackend   Phase = "backend"   // backend emitter
	PhaseAssemble  Phase = "assemble"  // program assembly
)

// Kind categorizes the error.
type Kind string

const (
	// KindValidation means the input failed WASM's own validator.
	KindValidation Kind = "validation"
	// KindFloatUnsupported means a floating-point operator was present in the input.
	KindFloatUnsupported Kind = "float_unsupported"
	// KindNoEntryPoint means neither "main" nor any local function exists.
	KindNoEntryPoint Kind = "no_entry_point"
	// KindUnsupportedConstruct means a WASM feature this compiler does not implement was used.
	KindUnsupportedConstruct Kind = "unsupported_construct"
	// KindUnresolvedImport means an import's action the user did not supply.
	KindUnresolvedImport Kind = "unresolved_import"
	// KindInternal means an invariant was violated — a compiler bug.
	KindInternal Kind = "internal"
)

// Error is the structured error type returned by this compiler.
type Error struct {
	Phase  Phase
	Kind   Kind
	Func   string // function name or index, when applicable
	Detail string
	Cause  error
}

// New creates an *Error with the given phase and kind.
func New(phase Phase, kind Kind) *Builder {
	return &Builder{err: Error{Phase: phase, Kind: kind}}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))
	if e.Func != "" {
		b.WriteString(" in ")
		b.WriteString(e.Func)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Phase and Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Phase == t.Phase && e.Kind == t.Kind
}

// Builder constructs an *Error incrementally.
type Builder struct {
	err Error
}

// Func sets the function name/index context.
func (b *Builder) Func(name string) *Builder {
	b.err.Func = name
	return b
}

// Detail sets the human-readable detail message, optionally formatted.
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Cause sets the underlying error.
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Build returns the constructed *Error.
func (b *Builder) Build() *Error {
	return &b.err
}

// Internal is a convenience constructor for KindInternal errors, which
// should never be reachable in correct input — they indicate a bug in this
// compiler and should carry enough context to debug without reproduction.
func Internal(phase Phase, detail string, args ...any) *Error {
	return New(phase, KindInternal).Detail(detail, args...).Build()
}

// Unsupported is a convenience constructor for KindUnsupportedConstruct.
func Unsupported(phase Phase, construct string) *Error {
	return New(phase, KindUnsupportedConstruct).Detail("unsupported construct: %s", construct).Build()
}
