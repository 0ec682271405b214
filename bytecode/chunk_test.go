package bytecode

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkBuilder assembles a minimal valid binary chunk by hand, exercising
// the exact byte layout LoadChunk expects, independent of the textual
// assembler.
type chunkBuilder struct {
	buf bytes.Buffer
}

func newChunkBuilder() *chunkBuilder {
	cb := &chunkBuilder{}
	cb.buf.Write(Signature[:])
	cb.buf.WriteByte(0x01) // little endian
	cb.buf.WriteByte(RefIntWidth)
	cb.buf.WriteByte(RefSizeWidth)
	cb.buf.WriteByte(RefInstrByteWidth)
	cb.buf.WriteByte(RefBitsForInstr)
	cb.buf.WriteByte(RefBitsForOperator)
	cb.buf.WriteByte(RefBitsForB)
	cb.buf.WriteByte(RefNumberWidth)
	var fbuf [8]byte
	binary.LittleEndian.PutUint64(fbuf[:], math.Float64bits(Canary))
	cb.buf.Write(fbuf[:])
	return cb
}

func (cb *chunkBuilder) int(v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	cb.buf.Write(b[:])
}

func (cb *chunkBuilder) str(s string) {
	var b [RefSizeWidth]byte
	binary.LittleEndian.PutUint64(b[:], uint64(len(s)+1))
	cb.buf.Write(b[:])
	cb.buf.WriteString(s)
	cb.buf.WriteByte(0)
}

func (cb *chunkBuilder) float(f float64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(f))
	cb.buf.Write(b[:])
}

func (cb *chunkBuilder) insn(i Instruction) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(i))
	cb.buf.Write(b[:])
}

// emptyFunction writes a function prototype with no locals, lines,
// strings, numbers, nested prototypes, and the given instructions.
func (cb *chunkBuilder) emptyFunction(name string, params, maxStack int, variadic bool, instrs []Instruction) {
	cb.str(name)
	cb.int(0) // line defined
	cb.int(int32(params))
	if variadic {
		cb.buf.WriteByte(1)
	} else {
		cb.buf.WriteByte(0)
	}
	cb.int(int32(maxStack))
	cb.int(0) // locals
	cb.int(0) // lines
	cb.int(0) // strings
	cb.int(0) // numbers
	cb.int(0) // nested
	cb.int(int32(len(instrs)))
	for _, i := range instrs {
		cb.insn(i)
	}
}

func TestLoadChunkHeaderRoundTrip(t *testing.T) {
	cb := newChunkBuilder()
	cb.emptyFunction("main", 0, 0, false, []Instruction{EncodeInstruction(END, 0)})

	c, err := LoadChunk(cb.buf.Bytes())
	require.NoError(t, err)
	assert.True(t, c.Header.LittleEndian)
	assert.EqualValues(t, RefIntWidth, c.Header.IntWidth)
	assert.EqualValues(t, RefSizeWidth, c.Header.SizeWidth)
	assert.EqualValues(t, RefInstrByteWidth, c.Header.InstrByteWidth)
	assert.EqualValues(t, RefBitsForInstr, c.Header.BitsForInstr)
	assert.EqualValues(t, RefBitsForOperator, c.Header.BitsForOperator)
	assert.EqualValues(t, RefBitsForB, c.Header.BitsForRegisterB)
	assert.EqualValues(t, RefNumberWidth, c.Header.NumberWidth)
	assert.InDelta(t, Canary, c.Header.TestNumber, canaryTolerance)

	require.NotNil(t, c.Toplevel)
	assert.Equal(t, "main", c.Toplevel.Name)
	require.Len(t, c.Toplevel.Instructions, 1)
	assert.Equal(t, END, c.Toplevel.Instructions[0].Op())
}

func TestLoadChunkSignatureMismatch(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x00, 0x00, 0x00}
	_, err := LoadChunk(buf)
	require.Error(t, err)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, SignatureMismatch, le.Status)
}

func TestLoadChunkArchitectureMismatch(t *testing.T) {
	cb := newChunkBuilder()
	// corrupt the int width byte in place (offset right after signature + endianness).
	raw := cb.buf.Bytes()
	raw[6] = 2 // was RefIntWidth (4)

	_, err := LoadChunk(raw)
	require.Error(t, err)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ArchitectureMismatch, le.Status)
}

func TestLoadChunkCanaryMismatch(t *testing.T) {
	cb := newChunkBuilder()
	raw := cb.buf.Bytes()
	// the canary float occupies the 8 bytes right after the 7 width bytes
	// and the 5-byte signature + 1-byte endianness flag.
	offset := 5 + 1 + 7
	binary.LittleEndian.PutUint64(raw[offset:offset+8], math.Float64bits(1.0))

	_, err := LoadChunk(raw)
	require.Error(t, err)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ArchitectureMismatch, le.Status)
}

func TestLoadChunkTruncated(t *testing.T) {
	cb := newChunkBuilder()
	raw := cb.buf.Bytes()
	_, err := LoadChunk(raw[:len(raw)-2])
	require.Error(t, err)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, Truncated, le.Status)
}

func TestLoadChunkNestedPrototypes(t *testing.T) {
	cb := newChunkBuilder()
	// hand-write a top-level function with one nested prototype.
	cb.str("outer")
	cb.int(0)
	cb.int(0)
	cb.buf.WriteByte(0)
	cb.int(1)
	cb.int(0) // locals
	cb.int(0) // lines
	cb.int(0) // strings
	cb.int(0) // numbers
	cb.int(1) // one nested prototype
	cb.emptyFunction("inner", 0, 0, false, []Instruction{EncodeInstruction(END, 0)})
	cb.int(1) // one instruction
	cb.insn(EncodeInstruction(END, 0))

	c, err := LoadChunk(cb.buf.Bytes())
	require.NoError(t, err)
	require.Len(t, c.Toplevel.Nested, 1)
	assert.Equal(t, "inner", c.Toplevel.Nested[0].Name)
}

func TestLoadChunkPreservesNamesNormalizesStringPool(t *testing.T) {
	cb := newChunkBuilder()
	// a function name and a local name each carrying an embedded newline
	// must round-trip raw; only the string pool gets newline-normalized.
	cb.str("ou\nter")
	cb.int(0)
	cb.int(1)
	cb.buf.WriteByte(0)
	cb.int(1)
	cb.int(1) // one local
	cb.str("p\na")
	cb.int(0)
	cb.int(1)
	cb.int(0) // lines
	cb.int(1) // strings
	cb.str("hello\nworld")
	cb.int(0) // numbers
	cb.int(0) // nested
	cb.int(1) // one instruction
	cb.insn(EncodeInstruction(END, 0))

	c, err := LoadChunk(cb.buf.Bytes())
	require.NoError(t, err)
	require.NotNil(t, c.Toplevel)
	assert.Equal(t, "ou\nter", c.Toplevel.Name)
	require.Len(t, c.Toplevel.Locals, 1)
	assert.Equal(t, "p\na", c.Toplevel.Locals[0].Name)
	require.Len(t, c.Toplevel.Strings, 1)
	assert.Equal(t, "hello world", c.Toplevel.Strings[0])
}

func TestLocalIsAliveHalfOpen(t *testing.T) {
	l := Local{Name: "x", StartPC: 2, EndPC: 5}
	assert.False(t, l.IsAlive(1))
	assert.True(t, l.IsAlive(2))
	assert.True(t, l.IsAlive(4))
	assert.False(t, l.IsAlive(5))
}

func TestPoolBoundsChecks(t *testing.T) {
	fn := &FunctionPrototype{Strings: []string{"a"}, Numbers: []float64{1.0}}
	_, err := fn.StringAt(1)
	require.Error(t, err)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, OutOfRange, le.Status)

	_, err = fn.NumberAt(1)
	require.ErrorAs(t, err, &le)
	assert.Equal(t, OutOfRange, le.Status)

	s, err := fn.StringAt(0)
	require.NoError(t, err)
	assert.Equal(t, "a", s)
}
