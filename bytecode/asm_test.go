package bytecode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsmGlobalAssignment(t *testing.T) {
	src := `
function: main 0 0 2
	strings:
		"hi"
		"x"
	code:
		PUSHSTRING 0
		SETGLOBAL 1
		END
`
	c, err := Asm([]byte(src))
	require.NoError(t, err)
	require.NotNil(t, c.Toplevel)
	assert.Equal(t, []string{"hi", "x"}, c.Toplevel.Strings)
	require.Len(t, c.Toplevel.Instructions, 3)
	assert.Equal(t, PUSHSTRING, c.Toplevel.Instructions[0].Op())
	assert.EqualValues(t, 0, c.Toplevel.Instructions[0].U())
	assert.Equal(t, SETGLOBAL, c.Toplevel.Instructions[1].Op())
	assert.EqualValues(t, 1, c.Toplevel.Instructions[1].U())
	assert.Equal(t, END, c.Toplevel.Instructions[2].Op())
}

func TestAsmJumpTargetsResolveToOffsets(t *testing.T) {
	src := `
function: main 0 0 2
	code:
		PUSHINT 1
		JMPEQ 3
		PUSHINT 2
		END
`
	c, err := Asm([]byte(src))
	require.NoError(t, err)
	insns := c.Toplevel.Instructions
	require.Len(t, insns, 4)
	// JMPEQ is at pc 1, targets pc 3: offset should be 2.
	assert.Equal(t, JMPEQ, insns[1].Op())
	assert.EqualValues(t, 2, insns[1].S())
}

func TestAsmLocalsAndLifetimes(t *testing.T) {
	src := `
function: main 0 1 3
	locals:
		a 0 4
		b 1 4
	code:
		GETLOCAL 0
		GETLOCAL 1
		END
`
	c, err := Asm([]byte(src))
	require.NoError(t, err)
	require.Len(t, c.Toplevel.Locals, 2)
	assert.Equal(t, Local{Name: "a", StartPC: 0, EndPC: 4}, c.Toplevel.Locals[0])
	assert.Equal(t, Local{Name: "b", StartPC: 1, EndPC: 4}, c.Toplevel.Locals[1])
}

func TestAsmNestedFunction(t *testing.T) {
	src := `
function: outer 0 0 1
	nested:
		function: inner 0 0 1
			code:
				END
	code:
		CLOSURE 0 0
		END
`
	c, err := Asm([]byte(src))
	require.NoError(t, err)
	require.Len(t, c.Toplevel.Nested, 1)
	assert.Equal(t, "inner", c.Toplevel.Nested[0].Name)
	assert.Equal(t, CLOSURE, c.Toplevel.Instructions[0].Op())
}

func TestAsmDasmRoundTrip(t *testing.T) {
	src := `
function: main 0 1 2
	locals:
		x 0 3
	strings:
		"print"
	numbers:
		1.5
	code:
		GETGLOBAL 0
		JMPONT 3
		PUSHNUM 0
		END
`
	c, err := Asm([]byte(src))
	require.NoError(t, err)

	out, err := Dasm(c)
	require.NoError(t, err)

	c2, err := Asm(out)
	require.NoError(t, err)
	assert.Equal(t, c.Toplevel.Instructions, c2.Toplevel.Instructions)
	assert.Equal(t, c.Toplevel.Locals, c2.Toplevel.Locals)
	assert.Equal(t, c.Toplevel.Strings, c2.Toplevel.Strings)
	assert.Equal(t, c.Toplevel.Numbers, c2.Toplevel.Numbers)
}

func TestAsmInvalidOpcode(t *testing.T) {
	src := `
function: main 0 0 1
	code:
		NOTANOPCODE
`
	_, err := Asm([]byte(src))
	require.Error(t, err)
}

func TestAsmMissingTopLevel(t *testing.T) {
	_, err := Asm([]byte("\n"))
	require.Error(t, err)
}
