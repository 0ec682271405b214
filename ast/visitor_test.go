package ast

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// countingVisitor records every node kind it enters, in traversal order.
type countingVisitor struct {
	entered []string
}

func (v *countingVisitor) Visit(n Node, dir VisitDirection) Visitor {
	if dir == VisitEnter {
		v.entered = append(v.entered, nodeKind(n))
	}
	return v
}

func nodeKind(n Node) string {
	switch n.(type) {
	case *Chunk:
		return "Chunk"
	case *Block:
		return "Block"
	case *AssignStmt:
		return "AssignStmt"
	case *Ident:
		return "Ident"
	case *BinOp:
		return "BinOp"
	case *IntLit:
		return "IntLit"
	default:
		return "?"
	}
}

func TestWalkVisitsEveryNodeInOrder(t *testing.T) {
	c := chunkOf(&AssignStmt{
		Left: []Expr{&Ident{Name: "x"}},
		Right: []Expr{&BinOp{
			Op:    "+",
			Left:  &IntLit{Value: 1},
			Right: &IntLit{Value: 2},
		}},
	})

	v := &countingVisitor{}
	Walk(v, c)

	assert.Equal(t, []string{"Chunk", "Block", "AssignStmt", "Ident", "BinOp", "IntLit", "IntLit"}, v.entered)
}

// skipVisitor returns nil from its own Visit call on BinOp, so Walk never
// descends into its operands.
type skipVisitor struct {
	countingVisitor
}

func (v *skipVisitor) Visit(n Node, dir VisitDirection) Visitor {
	if dir == VisitEnter {
		v.entered = append(v.entered, nodeKind(n))
		if _, ok := n.(*BinOp); ok {
			return nil
		}
	}
	return v
}

func TestWalkSkipsChildrenWhenVisitorReturnsNil(t *testing.T) {
	c := chunkOf(&AssignStmt{
		Left: []Expr{&Ident{Name: "x"}},
		Right: []Expr{&BinOp{
			Op:    "+",
			Left:  &IntLit{Value: 1},
			Right: &IntLit{Value: 2},
		}},
	})

	v := &skipVisitor{}
	Walk(v, c)

	assert.Equal(t, []string{"Chunk", "Block", "AssignStmt", "Ident", "BinOp"}, v.entered)
}
