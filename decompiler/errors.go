// Package decompiler walks a loaded chunk's instruction stream with an
// abstract-interpretation pass — a symbolic operand stack standing in for
// the VM's runtime stack — and reconstructs the equivalent ast.Chunk.
package decompiler

import (
	"fmt"

	"github.com/mna/lua4dec/bytecode"
)

// Status is the closed error taxonomy the reconstruction phase can
// surface, mirrored onto process exit codes by the CLI layer.
type Status int

const (
	OK Status = iota
	SignatureMismatch
	ArchitectureMismatch
	FunctionParamMismatch
	EmptyStack
	BadVariant
	Undefined
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case SignatureMismatch:
		return "SIGNATURE_MISMATCH"
	case ArchitectureMismatch:
		return "ARCHITECTURE_MISMATCH"
	case FunctionParamMismatch:
		return "FUNCTION_PARAM_MISMATCH"
	case EmptyStack:
		return "EMPTY_STACK"
	case BadVariant:
		return "BAD_VARIANT"
	case Undefined:
		return "UNDEFINED"
	default:
		return fmt.Sprintf("unknown status (%d)", int(s))
	}
}

// DecompileError carries the diagnostic context around a structural
// failure: which function, at what PC, and on which opcode (Op is left at
// its zero value by sites that do not record it). Stack is a slot for a
// stringified stack snapshot; the decompiler's own error sites leave it
// empty.
type DecompileError struct {
	Status   Status
	Function string
	PC       int
	Op       bytecode.Opcode
	Stack    []string // stringified stack snapshot, shallow, for diagnostics
	Msg      string
}

func (e *DecompileError) Error() string {
	base := fmt.Sprintf("%s in function %q at pc %d (%s)", e.Status, e.Function, e.PC, e.Op)
	if e.Msg != "" {
		base += ": " + e.Msg
	}
	if len(e.Stack) > 0 {
		base += fmt.Sprintf(" [stack: %v]", e.Stack)
	}
	return base
}

// statusFromLoadError maps a bytecode.LoadError's Status onto the
// decompiler's own taxonomy, the two being intentionally aligned for the
// statuses they share.
func statusFromLoadError(err error) Status {
	le, ok := err.(*bytecode.LoadError)
	if !ok {
		return Undefined
	}
	switch le.Status {
	case bytecode.SignatureMismatch:
		return SignatureMismatch
	case bytecode.ArchitectureMismatch:
		return ArchitectureMismatch
	default:
		// TRUNCATED and OUT_OF_RANGE at the loader layer are input-validation
		// failures the CLI reports verbatim; they have no decompiler-level
		// status of their own, so surface them through the same bucket as an
		// otherwise-unclassified structural failure.
		return Undefined
	}
}
