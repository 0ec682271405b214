package decompiler

import (
	"github.com/mna/lua4dec/ast"
	"github.com/mna/lua4dec/bytecode"
)

// negatedComparison maps each binary conditional jump to the source-level
// comparison it represents: the VM branches on predicate FAILURE, so the
// emitted operator is the negation of the opcode's name (spec §4.6,
// testable property 5).
var negatedComparison = map[bytecode.Opcode]string{
	bytecode.JMPNE: "==",
	bytecode.JMPEQ: "~=",
	bytecode.JMPLT: ">=",
	bytecode.JMPLE: ">",
	bytecode.JMPGT: "<=",
	bytecode.JMPGE: "<",
}

func dispatchComparisonJump(s *state, op bytecode.Opcode, insn bytecode.Instruction) error {
	right, err := s.popExpr()
	if err != nil {
		return err
	}
	left, err := s.popExpr()
	if err != nil {
		return err
	}
	cmp := &ast.BinOp{Op: negatedComparison[op], Left: left, Right: right}
	return openOrContinueCond(s, cmp, int(insn.S()))
}

func dispatchNilComparisonJump(s *state, op bytecode.Opcode, insn bytecode.Instruction) error {
	operand, err := s.popExpr()
	if err != nil {
		return err
	}
	sym := "=="
	if op == bytecode.JMPT {
		sym = "~="
	}
	cmp := &ast.BinOp{Op: sym, Left: operand, Right: &ast.Ident{Name: "nil"}}
	return openOrContinueCond(s, cmp, int(insn.S()))
}

// openOrContinueCond opens a new conditional (pushing a frameCond) or, if
// the current frame just closed an arm via an unconditional JMP, opens the
// next elseif arm in place (spec §4.7).
func openOrContinueCond(s *state, cmp ast.Expr, offset int) error {
	target := s.pc + offset
	top := s.top()
	if top.kind == frameCond && top.endedWithUncondJump {
		top.pendingCond = cmp
		top.jumpTarget = target
		top.endedWithUncondJump = false
		return nil
	}
	s.pushFrame(&frame{
		kind:            frameCond,
		body:            &ast.Block{},
		jumpTarget:      target,
		insideCondition: true,
		pendingCond:     cmp,
	})
	return nil
}

// dispatchShortCircuitOr implements JMPONT: pop x, open a pending "x or …"
// fragment on the CURRENT frame (no new nested block — or/and fragments
// live inline in whatever block is open), resolving at PC+s.
func dispatchShortCircuitOr(s *state, insn bytecode.Instruction) error {
	x, err := s.popExpr()
	if err != nil {
		return err
	}
	top := s.top()
	top.shortCircuit = &ast.NaryOp{Op: "or", Operands: []ast.Expr{x}}
	top.jumpTarget = s.pc + int(insn.S())
	return nil
}

// dispatchJmp implements the unconditional JMP that closes the currently
// open guarded block of a conditional (spec §4.6): it always fires while
// top() is a frameCond. Numeric and generic for-loops close through their
// own dedicated FORLOOP/LFORLOOP opcodes (dispatchForLoop,
// dispatchLForLoop), never through a generic JMP, so a negative offset
// here never legitimately belongs to an open for-block; it is the
// while-loop back-edge this decompiler declines to reconstruct (§9.1), and
// it fails BAD_VARIANT whether or not a conditional is open.
func dispatchJmp(s *state, insn bytecode.Instruction) error {
	offset := int(insn.S())
	if offset < 0 {
		return &DecompileError{Status: BadVariant, Function: s.fn.Name, PC: s.pc, Op: bytecode.JMP, Msg: "backward JMP (while-loop encoding is not reconstructed)"}
	}
	top := s.top()
	if top.kind != frameCond || !top.insideCondition {
		return &DecompileError{Status: BadVariant, Function: s.fn.Name, PC: s.pc, Op: bytecode.JMP, Msg: "unconditional JMP outside an open conditional"}
	}
	closeCondArm(top)
	top.endedWithUncondJump = true
	top.jumpTarget = s.pc + offset
	return nil
}

func closeCondArm(f *frame) {
	f.arms = append(f.arms, condArm{cond: f.pendingCond, body: f.body})
	f.body = &ast.Block{}
	f.pendingCond = nil
}

// closeIfPending runs the generic control-flow-close protocol at the top
// of the main loop, before the instruction at s.pc is dispatched (spec
// §4.6's "after each instruction" check, equivalently phrased here as
// "before processing the next one").
func closeIfPending(s *state) error {
	for {
		top := s.top()
		if top.jumpTarget != s.pc {
			return nil
		}
		if top.shortCircuit != nil {
			rhs, err := s.popExpr()
			if err != nil {
				return err
			}
			top.shortCircuit.Operands = append(top.shortCircuit.Operands, rhs)
			s.push(top.shortCircuit)
			top.shortCircuit = nil
			top.jumpTarget = -1
			continue
		}
		if top.kind == frameCond && top.insideCondition {
			// Reaching this frame's own jump target always closes its final
			// arm: an unconditional JMP mid-body (dispatchJmp) already
			// handled the elseif/else transition directly and pushed the
			// boundary further out, so whatever arm is open when the
			// generic check fires here is the last one.
			closeCondArm(top)
			finished := s.popFrame()
			blocks := make([]ast.GuardedBlock, len(finished.arms))
			for i, a := range finished.arms {
				blocks[i] = ast.GuardedBlock{Cond: a.cond, Body: a.body}
			}
			s.emit(&ast.CondStmt{Blocks: blocks})
			continue
		}
		return nil
	}
}

// dispatchForPrep implements FORPREP: the begin/end/step expressions were
// pushed immediately before this instruction (PUSHINT/PUSHNUM triplet);
// pop them here so the nested block's reserved floor is exactly the loop
// header's three control values, matching the FORLOOP-time reconstruction
// described in spec §4.6.
func dispatchForPrep(s *state, insn bytecode.Instruction) error {
	step, err := s.popExpr()
	if err != nil {
		return err
	}
	end, err := s.popExpr()
	if err != nil {
		return err
	}
	begin, err := s.popExpr()
	if err != nil {
		return err
	}
	s.push(begin)
	s.push(end)
	s.push(step)
	// Only the counter ("i") has a real entry in the local table and spawns
	// through the normal protocol below; begin/end have no such entry, so
	// reserve their two stack slots here or a later SETLOCAL in the body
	// would miscount values_on_stack against them.
	s.reservedFloor += 2
	s.pushFrame(&frame{
		kind:       frameNumFor,
		body:       &ast.Block{},
		jumpTarget: -1,
		numFor:     &ast.NumForStmt{Begin: begin, End: end, Step: step},
	})
	return nil
}

// dispatchLForPrep implements LFORPREP: pop the table expression, then
// push three placeholder stack entries to keep the hidden (table, key,
// value) loop-control slots accounted for in the reserved floor (spec
// §4.6's "push three placeholder locals").
func dispatchLForPrep(s *state, insn bytecode.Instruction) error {
	table, err := s.popExpr()
	if err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		s.push(&ast.Ident{Name: "(for control)"})
	}
	// Of the three, only key and value have real local-table entries and
	// spawn through the normal protocol below; the iteration-state slot
	// does not, so reserve it directly.
	s.reservedFloor++
	s.pushFrame(&frame{
		kind:       frameGenFor,
		body:       &ast.Block{},
		jumpTarget: -1,
		genFor:     &ast.GenForStmt{Table: table},
	})
	return nil
}

// dispatchForLoop implements FORLOOP: the nested block's first emitted
// statement is the synthetic local-definition spawned for the counter
// local; pull its name, discard the statement, and exit the block.
func dispatchForLoop(s *state, insn bytecode.Instruction) error {
	top := s.top()
	if top.kind != frameNumFor || top.numFor == nil {
		return &DecompileError{Status: BadVariant, Function: s.fn.Name, PC: s.pc, Op: bytecode.FORLOOP, Msg: "FORLOOP outside an open numeric-for block"}
	}
	counter, body, err := takeSyntheticCounterDef(s, top, 1)
	if err != nil {
		return err
	}
	top.numFor.Counter = counter[0]
	top.numFor.Body = body
	// The counter itself was already killed by the normal spawn/kill
	// protocol pass preceding this dispatch; begin/end's manually reserved
	// slots are not table-driven and must be released here.
	if s.depth() < 2 || s.reservedFloor < 2 {
		return &DecompileError{Status: EmptyStack, Function: s.fn.Name, PC: s.pc, Op: bytecode.FORLOOP, Msg: "numeric for-loop control slots underflow at loop exit"}
	}
	s.stack = s.stack[:s.depth()-2]
	s.reservedFloor -= 2
	s.popFrame()
	s.emit(top.numFor)
	return nil
}

// dispatchLForLoop implements LFORLOOP analogously, recovering the key and
// value names from the synthetic local-definition.
func dispatchLForLoop(s *state, insn bytecode.Instruction) error {
	top := s.top()
	if top.kind != frameGenFor || top.genFor == nil {
		return &DecompileError{Status: BadVariant, Function: s.fn.Name, PC: s.pc, Op: bytecode.LFORLOOP, Msg: "LFORLOOP outside an open generic-for block"}
	}
	names, body, err := takeSyntheticCounterDef(s, top, 2)
	if err != nil {
		return err
	}
	top.genFor.KeyName = names[0]
	top.genFor.ValName = names[1]
	top.genFor.Body = body
	// Key and value were already killed by the normal spawn/kill protocol
	// pass preceding this dispatch; the iteration-state slot reserved by
	// LFORPREP is not table-driven and must be released here.
	if s.depth() < 1 || s.reservedFloor < 1 {
		return &DecompileError{Status: EmptyStack, Function: s.fn.Name, PC: s.pc, Op: bytecode.LFORLOOP, Msg: "generic for-loop control slot underflow at loop exit"}
	}
	s.stack = s.stack[:s.depth()-1]
	s.reservedFloor--
	s.popFrame()
	s.emit(top.genFor)
	return nil
}

// takeSyntheticCounterDef pulls the leading LocalDefStmt off f.body (the
// loop-table walker's synthetic definition for the loop's control
// variables), validates its arity, and returns its names plus the
// remaining body.
func takeSyntheticCounterDef(s *state, f *frame, wantNames int) ([]string, *ast.Block, error) {
	if len(f.body.Stmts) == 0 {
		return nil, nil, &DecompileError{Status: BadVariant, Function: s.fn.Name, PC: s.pc, Msg: "for-loop body missing its synthetic counter definition"}
	}
	def, ok := f.body.Stmts[0].(*ast.LocalDefStmt)
	if !ok || len(def.Names) != wantNames {
		return nil, nil, &DecompileError{Status: BadVariant, Function: s.fn.Name, PC: s.pc, Msg: "for-loop body's first statement is not the expected counter definition"}
	}
	rest := &ast.Block{Stmts: f.body.Stmts[1:]}
	return def.Names, rest, nil
}

func dispatchClosure(s *state, insn bytecode.Instruction) error {
	nested, err := s.fn.NestedAt(insn.A())
	if err != nil {
		return wrapLoadErr(s, err)
	}
	var params []string
	for _, l := range nested.Locals {
		if l.StartPC == 0 {
			params = append(params, l.Name)
		}
	}
	body, err := parseFunction(nested, nested.NumParams, s)
	if err != nil {
		return err
	}
	// B is the number of captured upvalue values the enclosing function
	// pushed before CLOSURE; the closure consumes them.
	if _, err := s.popN(int(insn.B())); err != nil {
		return err
	}
	s.push(&ast.ClosureExpr{Params: params, IsVariadic: nested.IsVariadic, Body: body})
	return nil
}
