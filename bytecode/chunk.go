package bytecode

import "math"

// Signature is the 5-byte magic every chunk must begin with:
// 0x1B 'L' 'u' 'a' '@' (".Lua@", the "4.0" dialect marker).
var Signature = [5]byte{0x1B, 0x4C, 0x75, 0x61, 0x40}

// Canary is the architecture test number every header must carry, within
// canaryTolerance of the value this loader expects.
const (
	Canary          = 3.14159265358979323846e8
	canaryTolerance = 1e-7
)

// Reference ABI this loader is compiled for (spec §3, §9.4): chunks
// produced by a different ABI are rejected with ArchitectureMismatch
// rather than cross-decoded.
const (
	RefIntWidth        = 4
	RefSizeWidth       = 8
	RefInstrByteWidth  = 4
	RefBitsForInstr    = 32
	RefBitsForOperator = BitsForOperator
	RefBitsForB        = BitsForRegisterB
	RefNumberWidth     = 8
)

// ChunkHeader is the architecture metadata every chunk begins with,
// validated against the reference ABI above before anything else is
// parsed (spec §3).
type ChunkHeader struct {
	LittleEndian     bool
	IntWidth         byte
	SizeWidth        byte
	InstrByteWidth   byte
	BitsForInstr     byte
	BitsForOperator  byte
	BitsForRegisterB byte
	NumberWidth      byte
	TestNumber       float64
}

// matchesRefABI reports whether h declares the same widths this loader is
// compiled for.
func (h ChunkHeader) matchesRefABI() bool {
	return h.IntWidth == RefIntWidth &&
		h.SizeWidth == RefSizeWidth &&
		h.InstrByteWidth == RefInstrByteWidth &&
		h.BitsForInstr == RefBitsForInstr &&
		h.BitsForOperator == RefBitsForOperator &&
		h.BitsForRegisterB == RefBitsForB &&
		h.NumberWidth == RefNumberWidth
}

// Local is a named variable with an explicit liveness interval. A Local
// whose StartPC is 0 is a parameter (spec §3's "Invariants"); anything else
// is an inline local definition.
type Local struct {
	Name    string
	StartPC int
	EndPC   int
}

// IsAlive reports whether the local is alive at pc: its liveness interval
// is half-open, [StartPC, EndPC) — the local is killed by the spawn/kill
// protocol at the instruction where PC reaches EndPC, so it is no longer
// alive there.
func (l Local) IsAlive(pc int) bool {
	return pc >= l.StartPC && pc < l.EndPC
}

// FunctionPrototype is a compiled function definition: metadata, constant
// pools, the instruction stream, and any nested prototypes (spec §3).
type FunctionPrototype struct {
	Name          string
	LineDefined   int
	NumParams     int
	IsVariadic    bool
	MaxStackSize  int
	Locals        []Local
	Lines         []int
	Strings       []string // global/string pool
	Numbers       []float64
	Nested        []*FunctionPrototype
	Instructions  []Instruction
}

// Chunk is a compiled unit of source: the header plus its top-level
// function prototype.
type Chunk struct {
	Header   ChunkHeader
	Toplevel *FunctionPrototype
}

// LoadChunk validates and parses a compiled chunk from its binary
// representation. The byte slice is borrowed read-only for the duration of
// the call only; LoadChunk never retains it.
func LoadChunk(buf []byte) (*Chunk, error) {
	// the signature and endianness flag must be read before we know the
	// chunk's own endianness, so do so with a plain cursor (endianness does
	// not matter for single bytes).
	c := newCursor(buf, true)

	sig, err := c.advance(len(Signature))
	if err != nil {
		return nil, err
	}
	for i, b := range Signature {
		if sig[i] != b {
			return nil, &LoadError{Status: SignatureMismatch, Offset: 0, Msg: "chunk signature mismatch"}
		}
	}

	endiannessFlag, err := c.readByte()
	if err != nil {
		return nil, err
	}
	h := ChunkHeader{LittleEndian: endiannessFlag == 0x01}
	c.little = h.LittleEndian

	var b byte
	if b, err = c.readByte(); err != nil {
		return nil, err
	}
	h.IntWidth = b
	if b, err = c.readByte(); err != nil {
		return nil, err
	}
	h.SizeWidth = b
	if b, err = c.readByte(); err != nil {
		return nil, err
	}
	h.InstrByteWidth = b
	if b, err = c.readByte(); err != nil {
		return nil, err
	}
	h.BitsForInstr = b
	if b, err = c.readByte(); err != nil {
		return nil, err
	}
	h.BitsForOperator = b
	if b, err = c.readByte(); err != nil {
		return nil, err
	}
	h.BitsForRegisterB = b
	if b, err = c.readByte(); err != nil {
		return nil, err
	}
	h.NumberWidth = b

	if !h.matchesRefABI() {
		return nil, &LoadError{Status: ArchitectureMismatch, Offset: c.pos, Msg: "chunk architecture widths do not match the compiled-in ABI"}
	}

	testNum, err := readNumber(c, int(h.NumberWidth))
	if err != nil {
		return nil, err
	}
	h.TestNumber = testNum
	if math.Abs(Canary-testNum) >= canaryTolerance {
		return nil, &LoadError{Status: ArchitectureMismatch, Offset: c.pos, Msg: "chunk architecture canary mismatch"}
	}

	ld := &loader{c: c, intWidth: int(h.IntWidth), sizeWidth: int(h.SizeWidth), numWidth: int(h.NumberWidth)}
	top, err := ld.function()
	if err != nil {
		return nil, err
	}

	return &Chunk{Header: h, Toplevel: top}, nil
}

// readNumber reads the chunk's native "Number" type (float32 on a 4-byte
// width, float64 on an 8-byte width) as a float64.
func readNumber(c *cursor, width int) (float64, error) {
	switch width {
	case 4:
		v, err := c.readFloat32()
		if err != nil {
			return 0, err
		}
		return float64(v), nil
	case 8:
		return c.readFloat64()
	default:
		return 0, &LoadError{Status: ArchitectureMismatch, Offset: c.pos, Msg: "unsupported number width"}
	}
}

// loader holds the per-chunk state needed to recursively parse function
// prototypes once the header has been validated.
type loader struct {
	c         *cursor
	intWidth  int
	sizeWidth int
	numWidth  int
}

func (ld *loader) readInt() (int, error) {
	v, err := ld.c.readSized(ld.intWidth)
	if err != nil {
		return 0, err
	}
	// ints are stored as the chunk's native signed int width; sign-extend
	// from that width.
	shift := uint(64 - 8*ld.intWidth)
	return int(int64(v<<shift) >> shift), nil
}

func (ld *loader) readString() (string, error) {
	return ld.c.readString(ld.sizeWidth)
}

func (ld *loader) readNumber() (float64, error) {
	return readNumber(ld.c, ld.numWidth)
}

func (ld *loader) readInstruction() (Instruction, error) {
	v, err := ld.c.readSized(RefInstrByteWidth)
	if err != nil {
		return 0, err
	}
	return Instruction(v), nil
}

// function recursively parses one FunctionPrototype per the layout in
// spec §4.2: name, declared line, param count, variadic flag, max stack
// depth, local table, line-info vector, global/string pool, number pool,
// nested prototype vector, instruction vector.
func (ld *loader) function() (*FunctionPrototype, error) {
	fn := &FunctionPrototype{}

	name, err := ld.readString()
	if err != nil {
		return nil, err
	}
	fn.Name = name

	if fn.LineDefined, err = ld.readInt(); err != nil {
		return nil, err
	}
	if fn.NumParams, err = ld.readInt(); err != nil {
		return nil, err
	}
	variadic, err := ld.c.readBool()
	if err != nil {
		return nil, err
	}
	fn.IsVariadic = variadic
	if fn.MaxStackSize, err = ld.readInt(); err != nil {
		return nil, err
	}

	numLocals, err := ld.readInt()
	if err != nil {
		return nil, err
	}
	if numLocals < 0 {
		return nil, &LoadError{Status: OutOfRange, Offset: ld.c.pos, Msg: "negative local count"}
	}
	fn.Locals = make([]Local, numLocals)
	for i := range fn.Locals {
		lname, err := ld.readString()
		if err != nil {
			return nil, err
		}
		start, err := ld.readInt()
		if err != nil {
			return nil, err
		}
		end, err := ld.readInt()
		if err != nil {
			return nil, err
		}
		fn.Locals[i] = Local{Name: lname, StartPC: start, EndPC: end}
	}

	numLines, err := ld.readInt()
	if err != nil {
		return nil, err
	}
	if numLines < 0 {
		return nil, &LoadError{Status: OutOfRange, Offset: ld.c.pos, Msg: "negative line-info count"}
	}
	fn.Lines = make([]int, numLines)
	for i := range fn.Lines {
		if fn.Lines[i], err = ld.readInt(); err != nil {
			return nil, err
		}
	}

	numStrings, err := ld.readInt()
	if err != nil {
		return nil, err
	}
	if numStrings < 0 {
		return nil, &LoadError{Status: OutOfRange, Offset: ld.c.pos, Msg: "negative string-pool count"}
	}
	fn.Strings = make([]string, numStrings)
	for i := range fn.Strings {
		raw, err := ld.readString()
		if err != nil {
			return nil, err
		}
		fn.Strings[i] = normalizeString(raw)
	}

	numNumbers, err := ld.readInt()
	if err != nil {
		return nil, err
	}
	if numNumbers < 0 {
		return nil, &LoadError{Status: OutOfRange, Offset: ld.c.pos, Msg: "negative number-pool count"}
	}
	fn.Numbers = make([]float64, numNumbers)
	for i := range fn.Numbers {
		if fn.Numbers[i], err = ld.readNumber(); err != nil {
			return nil, err
		}
	}

	numNested, err := ld.readInt()
	if err != nil {
		return nil, err
	}
	if numNested < 0 {
		return nil, &LoadError{Status: OutOfRange, Offset: ld.c.pos, Msg: "negative nested-prototype count"}
	}
	fn.Nested = make([]*FunctionPrototype, numNested)
	for i := range fn.Nested {
		nested, err := ld.function()
		if err != nil {
			return nil, err
		}
		fn.Nested[i] = nested
	}

	numInstr, err := ld.readInt()
	if err != nil {
		return nil, err
	}
	if numInstr < 0 {
		return nil, &LoadError{Status: OutOfRange, Offset: ld.c.pos, Msg: "negative instruction count"}
	}
	fn.Instructions = make([]Instruction, numInstr)
	for i := range fn.Instructions {
		if fn.Instructions[i], err = ld.readInstruction(); err != nil {
			return nil, err
		}
	}

	return fn, nil
}

// StringAt and NumberAt perform bounds-checked pool lookups, returning
// OutOfRange instead of panicking on a malformed or adversarial chunk
// (spec §4.2's OUT_OF_RANGE failure mode).
func (fn *FunctionPrototype) StringAt(idx uint32) (string, error) {
	if int(idx) >= len(fn.Strings) {
		return "", &LoadError{Status: OutOfRange, Msg: "string pool index out of range"}
	}
	return fn.Strings[idx], nil
}

func (fn *FunctionPrototype) NumberAt(idx uint32) (float64, error) {
	if int(idx) >= len(fn.Numbers) {
		return 0, &LoadError{Status: OutOfRange, Msg: "number pool index out of range"}
	}
	return fn.Numbers[idx], nil
}

func (fn *FunctionPrototype) LocalAt(idx uint32) (Local, error) {
	if int(idx) >= len(fn.Locals) {
		return Local{}, &LoadError{Status: OutOfRange, Msg: "local index out of range"}
	}
	return fn.Locals[idx], nil
}

func (fn *FunctionPrototype) NestedAt(idx uint32) (*FunctionPrototype, error) {
	if int(idx) >= len(fn.Nested) {
		return nil, &LoadError{Status: OutOfRange, Msg: "nested prototype index out of range"}
	}
	return fn.Nested[idx], nil
}
