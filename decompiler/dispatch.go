package decompiler

import (
	"github.com/mna/lua4dec/ast"
	"github.com/mna/lua4dec/bytecode"
)

// pendingTable is an internal bookkeeping marker: the operand-stack
// placeholder CREATETABLE installs until SETLIST or SETMAP finalizes it
// into a real table-literal expression (spec §4.6's "pending empty
// table"). It never survives a parseFunction call.
type pendingTable struct {
	name string
}

// dispatch runs op's handler against s, mutating the symbolic stack and/or
// appending to the currently open AST block, per the per-opcode contracts
// of §4.6. It does not advance s.pc; the caller's main loop does that.
func dispatch(s *state, op bytecode.Opcode, insn bytecode.Instruction) error {
	switch op {
	case bytecode.END:
		return nil

	case bytecode.RETURN:
		values, err := s.popN(int(insn.U()))
		if err != nil {
			return err
		}
		s.emit(&ast.ReturnStmt{Values: values})
		return nil

	case bytecode.CALL:
		return dispatchCall(s, insn, false)
	case bytecode.TAILCALL:
		return dispatchCall(s, insn, true)

	case bytecode.PUSHNIL:
		for i := uint32(0); i < insn.U(); i++ {
			s.push(&ast.Ident{Name: "nil"})
		}
		return nil

	case bytecode.POP:
		_, err := s.popN(int(insn.U()))
		return err

	case bytecode.PUSHINT:
		s.push(&ast.IntLit{Value: int64(insn.S())})
		return nil

	case bytecode.PUSHSTRING:
		str, err := s.fn.StringAt(insn.U())
		if err != nil {
			return wrapLoadErr(s, err)
		}
		s.push(&ast.StringLit{Value: str})
		return nil

	case bytecode.PUSHNUM:
		num, err := s.fn.NumberAt(insn.U())
		if err != nil {
			return wrapLoadErr(s, err)
		}
		s.push(&ast.NumberLit{Value: num})
		return nil

	case bytecode.PUSHNEGNUM:
		num, err := s.fn.NumberAt(insn.U())
		if err != nil {
			return wrapLoadErr(s, err)
		}
		s.push(&ast.NumberLit{Value: -num})
		return nil

	case bytecode.PUSHUPVALUE:
		// Upvalue names are recovered from the enclosing scope's locals
		// table by index (spec §9's open question on PUSHUPVALUE): the
		// enclosing state's pc still sits on the CLOSURE instruction that
		// is recursively parsing this nested prototype, so its alive-local
		// set at that pc is exactly the defining scope's set of captures.
		if s.parent == nil {
			return &DecompileError{Status: BadVariant, Function: s.fn.Name, PC: s.pc, Op: op, Msg: "PUSHUPVALUE outside a nested function"}
		}
		name, err := s.parent.aliveLocalAt(s.parent.pc, insn.U())
		if err != nil {
			return err
		}
		s.push(&ast.Ident{Name: name})
		return nil

	case bytecode.GETLOCAL:
		name, err := s.aliveLocalAt(s.pc, insn.U())
		if err != nil {
			return err
		}
		s.push(&ast.Ident{Name: name})
		return nil

	case bytecode.GETGLOBAL:
		name, err := s.fn.StringAt(insn.U())
		if err != nil {
			return wrapLoadErr(s, err)
		}
		s.push(&ast.Ident{Name: name})
		return nil

	case bytecode.GETTABLE:
		index, err := s.popExpr()
		if err != nil {
			return err
		}
		table, err := s.popExpr()
		if err != nil {
			return err
		}
		s.push(&ast.IndexExpr{Left: table, Index: index})
		return nil

	case bytecode.GETDOTTED:
		table, err := s.popExpr()
		if err != nil {
			return err
		}
		field, err := s.fn.StringAt(insn.U())
		if err != nil {
			return wrapLoadErr(s, err)
		}
		s.push(&ast.DotExpr{Left: table, Field: field})
		return nil

	case bytecode.GETINDEXED:
		table, err := s.popExpr()
		if err != nil {
			return err
		}
		name, err := s.aliveLocalAt(s.pc, insn.U())
		if err != nil {
			return err
		}
		s.push(&ast.IndexExpr{Left: table, Index: &ast.Ident{Name: name}})
		return nil

	case bytecode.PUSHSELF:
		table, err := s.peek()
		if err != nil {
			return err
		}
		field, err := s.fn.StringAt(insn.U())
		if err != nil {
			return wrapLoadErr(s, err)
		}
		tableExpr, ok := table.(ast.Expr)
		if !ok {
			return &DecompileError{Status: BadVariant, Function: s.fn.Name, PC: s.pc, Op: op, Msg: "self-call receiver is not an expression"}
		}
		s.push(&ast.DotExpr{Left: tableExpr, Field: field})
		return nil

	case bytecode.CREATETABLE:
		name := ""
		if top, err := s.peek(); err == nil {
			if id, ok := top.(*ast.Ident); ok {
				name = id.Name
				if _, err := s.pop(); err != nil {
					return err
				}
			}
		}
		s.push(&pendingTable{name: name})
		return nil

	case bytecode.SETLOCAL:
		name, err := s.aliveLocalAt(s.pc, insn.U())
		if err != nil {
			return err
		}
		return multiAssign(s, &ast.Ident{Name: name})

	case bytecode.SETGLOBAL:
		name, err := s.fn.StringAt(insn.U())
		if err != nil {
			return wrapLoadErr(s, err)
		}
		return multiAssign(s, &ast.Ident{Name: name})

	case bytecode.SETTABLE:
		return dispatchSetTable(s, insn)

	case bytecode.SETLIST:
		return dispatchSetList(s, insn)

	case bytecode.SETMAP:
		return dispatchSetMap(s, insn)

	case bytecode.ADD:
		return binOp(s, "+")
	case bytecode.SUB:
		return binOp(s, "-")
	case bytecode.MULT:
		return binOp(s, "*")
	case bytecode.DIV:
		return binOp(s, "/")
	case bytecode.POW:
		return binOp(s, "^")

	case bytecode.ADDI:
		left, err := s.popExpr()
		if err != nil {
			return err
		}
		s.push(&ast.BinOp{Op: "+", Left: left, Right: &ast.IntLit{Value: int64(insn.S())}})
		return nil

	case bytecode.CONCAT:
		operands, err := s.popN(int(insn.U()))
		if err != nil {
			return err
		}
		s.push(&ast.NaryOp{Op: "..", Operands: operands})
		return nil

	case bytecode.MINUS:
		operand, err := s.popExpr()
		if err != nil {
			return err
		}
		s.push(&ast.UnaryOp{Op: "unm", Operand: operand})
		return nil

	case bytecode.NOT:
		operand, err := s.popExpr()
		if err != nil {
			return err
		}
		s.push(&ast.UnaryOp{Op: "not", Operand: operand})
		return nil

	case bytecode.JMPNE, bytecode.JMPEQ, bytecode.JMPLT, bytecode.JMPLE, bytecode.JMPGT, bytecode.JMPGE:
		return dispatchComparisonJump(s, op, insn)

	case bytecode.JMPT, bytecode.JMPF, bytecode.JMPONF:
		return dispatchNilComparisonJump(s, op, insn)

	case bytecode.JMPONT:
		return dispatchShortCircuitOr(s, insn)

	case bytecode.JMP:
		return dispatchJmp(s, insn)

	case bytecode.PUSHNILJMP:
		// Decoded for faithful Op() recognition of real chunks, but not part
		// of the closed, semantics-bearing opcode list this pass desugars;
		// surface it rather than guess at a statement it might produce.
		return &DecompileError{Status: Undefined, Function: s.fn.Name, PC: s.pc, Op: op, Msg: "PUSHNILJMP has no decompiler-level semantics"}

	case bytecode.FORPREP:
		return dispatchForPrep(s, insn)
	case bytecode.LFORPREP:
		return dispatchLForPrep(s, insn)
	case bytecode.FORLOOP:
		return dispatchForLoop(s, insn)
	case bytecode.LFORLOOP:
		return dispatchLForLoop(s, insn)

	case bytecode.CLOSURE:
		return dispatchClosure(s, insn)

	default:
		return &DecompileError{Status: Undefined, Function: s.fn.Name, PC: s.pc, Op: op, Msg: "opcode has no registered handler"}
	}
}

func binOp(s *state, op string) error {
	right, err := s.popExpr()
	if err != nil {
		return err
	}
	left, err := s.popExpr()
	if err != nil {
		return err
	}
	s.push(&ast.BinOp{Op: op, Left: left, Right: right})
	return nil
}

func dispatchCall(s *state, insn bytecode.Instruction, tail bool) error {
	a, b := int(insn.A()), int(insn.B())
	args, err := s.popExprsAbove(a + 1)
	if err != nil {
		return err
	}
	fnExpr, err := s.popExpr()
	if err != nil {
		return err
	}
	call := &ast.CallExpr{Fn: fnExpr, Args: args, NumResults: b}
	if tail {
		s.emit(&ast.TailCallStmt{Call: call})
		return nil
	}
	if b == 0 {
		s.emit(&ast.ExprStmt{Call: call})
		return nil
	}
	s.push(call)
	return nil
}

// multiAssign implements the multi-assignment protocol shared by SETLOCAL
// and SETGLOBAL (spec §4.6).
func multiAssign(s *state, target ast.Expr) error {
	valuesOnStack := s.depth() - s.reservedFloor
	if valuesOnStack > 0 {
		values, err := s.popN(valuesOnStack)
		if err != nil {
			return err
		}
		s.emit(&ast.AssignStmt{Left: []ast.Expr{target}, Right: values})
		return nil
	}
	body := s.top().body
	if len(body.Stmts) == 0 {
		return &DecompileError{Status: BadVariant, Function: s.fn.Name, PC: s.pc, Msg: "multi-assignment continuation with no prior assignment"}
	}
	last := body.Stmts[len(body.Stmts)-1]
	assign, ok := last.(*ast.AssignStmt)
	if !ok {
		return &DecompileError{Status: BadVariant, Function: s.fn.Name, PC: s.pc, Msg: "multi-assignment continuation onto a non-assignment statement"}
	}
	assign.Left = append(assign.Left, target)
	return nil
}

func dispatchSetTable(s *state, insn bytecode.Instruction) error {
	b := int(insn.B())
	elems, err := s.popN(b)
	if err != nil {
		return err
	}
	if len(elems) < 2 {
		return &DecompileError{Status: BadVariant, Function: s.fn.Name, PC: s.pc, Msg: "SETTABLE with fewer than 2 elements"}
	}
	rhs := elems[len(elems)-1]
	path := elems[:len(elems)-1]
	lhs := path[0]
	for _, idx := range path[1:] {
		lhs = &ast.IndexExpr{Left: lhs, Index: idx}
	}
	s.emit(&ast.AssignStmt{Left: []ast.Expr{lhs}, Right: []ast.Expr{rhs}})
	return nil
}

func dispatchSetList(s *state, insn bytecode.Instruction) error {
	b := int(insn.B())
	items, err := s.popN(b)
	if err != nil {
		return err
	}
	pending, err := s.pop()
	if err != nil {
		return err
	}
	if _, ok := pending.(*pendingTable); !ok {
		return &DecompileError{Status: BadVariant, Function: s.fn.Name, PC: s.pc, Msg: "SETLIST without a pending table"}
	}
	s.push(&ast.ListExpr{Items: items})
	return nil
}

func dispatchSetMap(s *state, insn bytecode.Instruction) error {
	n := int(insn.U())
	pairs := make([]ast.KeyVal, n)
	for i := n - 1; i >= 0; i-- {
		value, err := s.popExpr()
		if err != nil {
			return err
		}
		key, err := s.popExpr()
		if err != nil {
			return err
		}
		pairs[i] = ast.KeyVal{Key: key, Value: value}
	}
	pending, err := s.pop()
	if err != nil {
		return err
	}
	pt, ok := pending.(*pendingTable)
	if !ok {
		return &DecompileError{Status: BadVariant, Function: s.fn.Name, PC: s.pc, Msg: "SETMAP without a pending table"}
	}
	if pt.name != "" {
		s.push(&ast.NamedTableExpr{Name: pt.name, Pairs: pairs})
	} else {
		s.push(&ast.MapExpr{Pairs: pairs})
	}
	return nil
}

// wrapLoadErr adapts a *bytecode.LoadError (pool-bounds failures surfaced
// while resolving an operand) into a *DecompileError carrying the current
// parse position.
func wrapLoadErr(s *state, err error) error {
	return &DecompileError{Status: statusFromLoadError(err), Function: s.fn.Name, PC: s.pc, Msg: err.Error()}
}
