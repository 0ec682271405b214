package bytecode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstructionFields(t *testing.T) {
	cases := []struct {
		name string
		op   Opcode
		a, b uint32
	}{
		{"zero", END, 0, 0},
		{"small", GETLOCAL, 3, 0},
		{"ab", CALL, 7, 2},
		{"maxB", SETTABLE, 1, 0x1FF},
		{"maxA", CLOSURE, 0x1FFFF, 0x1FF},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			u := (tc.a << BitsForRegisterB) | tc.b
			insn := EncodeInstruction(tc.op, u)
			assert.Equal(t, tc.op, insn.Op())
			assert.Equal(t, tc.b, insn.B())
			assert.Equal(t, tc.a, insn.A())
			assert.Equal(t, u, insn.U())
		})
	}
}

func TestInstructionSignedRoundTrip(t *testing.T) {
	for _, s := range []int32{0, 1, -1, 100, -100, (1 << 24), -(1 << 24)} {
		insn := EncodeSigned(PUSHINT, s)
		require.Equal(t, PUSHINT, insn.Op())
		assert.Equal(t, s, insn.S())
	}
}

func TestOpcodeStringAndLookup(t *testing.T) {
	assert.Equal(t, "CLOSURE", CLOSURE.String())
	op, ok := LookupOpcode("CLOSURE")
	require.True(t, ok)
	assert.Equal(t, CLOSURE, op)

	_, ok = LookupOpcode("NOT_AN_OPCODE")
	assert.False(t, ok)

	assert.True(t, END.Valid())
	assert.False(t, Opcode(200).Valid())
}

func TestOpcodeArgKind(t *testing.T) {
	assert.Equal(t, ArgNone, END.ArgKind())
	assert.Equal(t, ArgU, GETLOCAL.ArgKind())
	assert.Equal(t, ArgS, PUSHINT.ArgKind())
	assert.Equal(t, ArgJump, JMP.ArgKind())
	assert.Equal(t, ArgAB, CALL.ArgKind())
	assert.True(t, JMPEQ.IsJump())
	assert.False(t, ADD.IsJump())
}
