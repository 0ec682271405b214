package decompiler

import (
	"github.com/mna/lua4dec/ast"
	"github.com/mna/lua4dec/bytecode"
)

// stackElem is a symbolic operand-stack element: almost always an
// ast.Expr; the only other element ever pushed is the *pendingTable that
// CREATETABLE installs until SETLIST/SETMAP finalizes it.
type stackElem = any

// frameKind distinguishes the open nested-block construct a frame
// represents, so the control-flow-close protocol knows how to finish it.
type frameKind int

const (
	frameTop frameKind = iota
	frameCond
	frameNumFor
	frameGenFor
	frameClosure
)

// condArm accumulates one guarded block of a conditional while it is still
// open: the comparison that guards it (nil for a trailing else) and the
// block body collected so far.
type condArm struct {
	cond ast.Expr
	body *ast.Block
}

// frame is one open lexical block on the parser's block stack — the
// "currently open child" the spec's Ast node points to. Frames replace an
// explicit parent/child arena with a plain stack of block handles, the
// alternative the design notes call out as acceptable.
type frame struct {
	kind frameKind
	body *ast.Block

	// jumpTarget is the PC at which this frame's controlling construct
	// closes; -1 if the frame closes itself on a specific opcode (FORLOOP,
	// LFORLOOP) rather than via the generic jump-target check.
	jumpTarget int

	// shortCircuit, when non-nil, is a pending "or" fragment opened by
	// JMPONT within this frame, resolving at jumpTarget.
	shortCircuit *ast.NaryOp

	// insideCondition mirrors the spec's Context flag of the same name:
	// true while a CondStmt is being assembled in this frame.
	insideCondition bool
	// endedWithUncondJump mirrors the spec's Context flag: true if the
	// most recently closed guarded block ended with an unconditional JMP,
	// which means the next one (if any) is the else arm.
	endedWithUncondJump bool

	// arms accumulates closed guarded blocks of a CondStmt under
	// construction in this frame.
	arms []condArm
	// pendingCond is the comparison guarding the arm currently being
	// collected, before its JMP is seen and the arm is closed.
	pendingCond ast.Expr

	// numFor/genFor hold the loop header fields recovered from the
	// synthetic local-definition statement at FORLOOP/LFORLOOP time.
	numFor *ast.NumForStmt
	genFor *ast.GenForStmt
}

// state is the per-function parser state: one is created for the
// top-level prototype and one fresh instance for every nested closure
// (spec §4.5, §4.8).
type state struct {
	fn         *bytecode.FunctionPrototype
	spawnIndex *bytecode.SpawnIndex

	// parent is the enclosing function's state, non-nil while parsing a
	// nested prototype recursively entered from CLOSURE (C8). Its pc still
	// sits on the CLOSURE instruction for the whole nested parse, so
	// parent.aliveLocalAt(parent.pc, u) names the u-th local alive in the
	// defining scope at the point the closure is created — the scope
	// PUSHUPVALUE's operand indexes into (spec's open question on
	// PUSHUPVALUE).
	parent *state

	pc            int
	reservedFloor int
	stack         []stackElem
	frames        []*frame
}

func newState(fn *bytecode.FunctionPrototype, reservedFloor int, parent *state) *state {
	top := &ast.Block{}
	s := &state{
		fn:            fn,
		spawnIndex:    bytecode.NewSpawnIndex(fn),
		parent:        parent,
		reservedFloor: reservedFloor,
		frames:        []*frame{{kind: frameTop, body: top, jumpTarget: -1}},
	}
	return s
}

func (s *state) top() *frame { return s.frames[len(s.frames)-1] }

func (s *state) pushFrame(f *frame) { s.frames = append(s.frames, f) }

// popFrame closes the current frame and returns it; the caller is
// responsible for stitching its body into the enclosing construct.
func (s *state) popFrame() *frame {
	f := s.top()
	s.frames = s.frames[:len(s.frames)-1]
	return f
}

// emit appends a statement to the currently open block.
func (s *state) emit(stmt ast.Stmt) {
	s.top().body.Append(stmt)
}

func (s *state) push(e stackElem) { s.stack = append(s.stack, e) }

func (s *state) depth() int { return len(s.stack) }

func (s *state) pop() (stackElem, error) {
	if len(s.stack) == 0 {
		return nil, &DecompileError{Status: EmptyStack, Function: s.fn.Name, PC: s.pc, Msg: "pop on empty stack"}
	}
	e := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return e, nil
}

// popExpr pops and type-asserts an ast.Expr, failing BAD_VARIANT if the
// popped element is not an expression (a pending table).
func (s *state) popExpr() (ast.Expr, error) {
	e, err := s.pop()
	if err != nil {
		return nil, err
	}
	expr, ok := e.(ast.Expr)
	if !ok {
		return nil, &DecompileError{Status: BadVariant, Function: s.fn.Name, PC: s.pc, Msg: "expected expression on stack, found a non-expression element"}
	}
	return expr, nil
}

// popExprsAbove pops every element above (and including) position pos, in
// their original bottom-to-top order, failing BAD_VARIANT if any is not an
// expression.
func (s *state) popExprsAbove(pos int) ([]ast.Expr, error) {
	if pos < 0 || pos > len(s.stack) {
		return nil, &DecompileError{Status: EmptyStack, Function: s.fn.Name, PC: s.pc, Msg: "pop range out of stack bounds"}
	}
	raw := s.stack[pos:]
	exprs := make([]ast.Expr, len(raw))
	for i, e := range raw {
		expr, ok := e.(ast.Expr)
		if !ok {
			return nil, &DecompileError{Status: BadVariant, Function: s.fn.Name, PC: s.pc, Msg: "expected expression on stack, found a non-expression element"}
		}
		exprs[i] = expr
	}
	s.stack = s.stack[:pos]
	return exprs, nil
}

// popN pops the top n expressions, in original bottom-to-top order.
func (s *state) popN(n int) ([]ast.Expr, error) {
	if n > len(s.stack) {
		return nil, &DecompileError{Status: EmptyStack, Function: s.fn.Name, PC: s.pc, Msg: "pop count exceeds stack depth"}
	}
	return s.popExprsAbove(len(s.stack) - n)
}

func (s *state) peek() (stackElem, error) {
	if len(s.stack) == 0 {
		return nil, &DecompileError{Status: EmptyStack, Function: s.fn.Name, PC: s.pc, Msg: "peek on empty stack"}
	}
	return s.stack[len(s.stack)-1], nil
}

// aliveLocalAt returns the name of the u-th currently-alive local at pc,
// scanning the local table in declaration order (spec §4.6 GETLOCAL).
func (s *state) aliveLocalAt(pc int, u uint32) (string, error) {
	count := uint32(0)
	for _, l := range s.fn.Locals {
		if l.IsAlive(pc) {
			if count == u {
				return l.Name, nil
			}
			count++
		}
	}
	return "", &DecompileError{Status: BadVariant, Function: s.fn.Name, PC: pc, Msg: "no such alive local"}
}
