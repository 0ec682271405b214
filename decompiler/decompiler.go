package decompiler

import (
	"fmt"

	"github.com/mna/lua4dec/ast"
	"github.com/mna/lua4dec/bytecode"
)

// Decompile walks an already-loaded chunk's top-level function and
// reconstructs it as an ast.Chunk (spec §2's data flow: structured chunk
// in, AST out).
func Decompile(c *bytecode.Chunk) (*ast.Chunk, error) {
	body, err := parseFunction(c.Toplevel, c.Toplevel.NumParams, nil)
	if err != nil {
		return nil, err
	}
	return &ast.Chunk{Body: body}, nil
}

// parseFunction runs the abstract-interpretation pass over fn's
// instruction stream and returns its reconstructed body (spec §4.5,
// §4.8). reservedFloor is the count of locals already alive on entry: a
// function's own parameter count, true for both the top-level prototype
// and every nested closure, since closures never inherit the enclosing
// function's stack. The parameters' identifiers are pushed onto the fresh
// stack so that those reserved slots exist. parent is the enclosing
// function's state when fn is a nested prototype entered from CLOSURE, nil
// for the top-level prototype.
func parseFunction(fn *bytecode.FunctionPrototype, reservedFloor int, parent *state) (*ast.Block, error) {
	if err := checkParamCount(fn); err != nil {
		return nil, err
	}

	s := newState(fn, reservedFloor, parent)
	for _, l := range fn.Locals {
		if l.StartPC == 0 {
			s.push(&ast.Ident{Name: l.Name})
		}
	}

	for s.pc < len(fn.Instructions) {
		if err := closeIfPending(s); err != nil {
			return nil, err
		}
		if s.pc > 0 {
			if err := spawnKillLocals(s); err != nil {
				return nil, err
			}
		}

		insn := fn.Instructions[s.pc]
		op := insn.Op()
		if !op.Valid() {
			return nil, &DecompileError{Status: Undefined, Function: fn.Name, PC: s.pc, Msg: "unrecognized opcode"}
		}
		if err := dispatch(s, op, insn); err != nil {
			return nil, err
		}

		s.pc++
	}

	if len(s.frames) != 1 {
		return nil, &DecompileError{Status: BadVariant, Function: fn.Name, PC: s.pc, Msg: "function ended with an unclosed nested block"}
	}
	return s.top().body, nil
}

// checkParamCount enforces the invariant that a prototype's declared
// NumParams equals the count of locals alive from entry (StartPC == 0):
// parameters are always the prefix of the local table spawned at pc 0, for
// both the top-level prototype and every nested closure. A chunk whose
// declared count disagrees with its local table is rejected outright rather
// than decompiled with a silently wrong parameter list.
func checkParamCount(fn *bytecode.FunctionPrototype) error {
	n := 0
	for _, l := range fn.Locals {
		if l.StartPC == 0 {
			n++
		}
	}
	if n != fn.NumParams {
		return &DecompileError{
			Status:   FunctionParamMismatch,
			Function: fn.Name,
			PC:       0,
			Msg:      fmt.Sprintf("declared %d parameters but %d locals start at pc 0", fn.NumParams, n),
		}
	}
	return nil
}

// spawnKillLocals implements the local spawn/kill protocol (spec §4.6),
// run before every instruction past PC 0 (parameters are pushed by
// parseFunction and counted in the initial reserved floor, not spawned by
// this mechanism).
func spawnKillLocals(s *state) error {
	spawned := s.spawnIndex.SpawnedAt(s.pc)
	if len(spawned) > 0 {
		names := make([]string, len(spawned))
		for i, idx := range spawned {
			l, err := s.fn.LocalAt(uint32(idx))
			if err != nil {
				return wrapLoadErr(s, err)
			}
			names[i] = l.Name
		}
		values, err := s.popN(len(spawned))
		if err != nil {
			return err
		}
		s.emit(&ast.LocalDefStmt{Names: names, Right: values})
		for _, name := range names {
			s.push(&ast.Ident{Name: name})
		}
		s.reservedFloor += len(spawned)
	}

	killed := s.spawnIndex.KilledAt(s.pc)
	if n := len(killed); n > 0 {
		if n > s.depth() || n > s.reservedFloor {
			return &DecompileError{Status: EmptyStack, Function: s.fn.Name, PC: s.pc, Msg: "killed locals exceed the reserved floor"}
		}
		s.stack = s.stack[:s.depth()-n]
		s.reservedFloor -= n
	}
	return nil
}
