package bytecode

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// This file implements a human-readable/writable form of a compiled chunk,
// used to build test fixtures without hand-assembling binary buffers. The
// format looks like this (indentation and spacing is arbitrary, but order
// of sections is important):
//
// 	chunk:                               # optional, header overrides
// 		little false                       # defaults to true
//
// 	function: NAME <line> <params> <maxstack> [+varargs]
// 		locals:                            # optional, list of "name start end"
// 			x 0 10
// 		lines:                             # optional, list of ints
// 			1
// 		strings:                           # optional, list of quoted strings
// 			"hi"
// 		numbers:                           # optional, list of floats
// 			1.5
// 		nested:                            # optional, list of nested functions
// 			function: inner 0 0 1
// 				code:
// 					END
// 		code:                              # required, list of instructions
// 			PUSHSTRING 0
// 			SETGLOBAL 1
// 			END                              # jump targets are instruction indices,
//                                        # translated to relative offsets

var sections = map[string]bool{
	"chunk:":    true,
	"function:": true,
	"locals:":   true,
	"lines:":    true,
	"strings:":  true,
	"numbers:":  true,
	"nested:":   true,
	"code:":     true,
}

// Asm loads a Chunk from its assembler textual format.
func Asm(b []byte) (*Chunk, error) {
	a := asm{s: bufio.NewScanner(bytes.NewReader(b))}

	h := ChunkHeader{
		LittleEndian:     true,
		IntWidth:         RefIntWidth,
		SizeWidth:        RefSizeWidth,
		InstrByteWidth:   RefInstrByteWidth,
		BitsForInstr:     RefBitsForInstr,
		BitsForOperator:  RefBitsForOperator,
		BitsForRegisterB: RefBitsForB,
		NumberWidth:      RefNumberWidth,
		TestNumber:       Canary,
	}

	fields := a.next()
	fields = a.chunkHeader(&h, fields)

	if a.err == nil && (len(fields) == 0 || !strings.EqualFold(fields[0], "function:")) {
		a.err = errors.New("missing top-level function")
	}

	var top *FunctionPrototype
	if a.err == nil {
		top, fields = a.function(fields)
	}
	if a.err == nil && len(fields) > 0 {
		a.err = fmt.Errorf("unexpected section: %s", fields[0])
	}
	if a.err != nil {
		return nil, a.err
	}
	return &Chunk{Header: h, Toplevel: top}, nil
}

type asm struct {
	s       *bufio.Scanner
	rawLine string
	err     error
}

func (a *asm) chunkHeader(h *ChunkHeader, fields []string) []string {
	if a.err != nil || len(fields) == 0 || !strings.EqualFold(fields[0], "chunk:") {
		return fields
	}
	for fields = a.next(); len(fields) > 0 && !sections[fields[0]]; fields = a.next() {
		if len(fields) != 2 {
			a.err = fmt.Errorf("invalid chunk header line: %s", strings.Join(fields, " "))
			return fields
		}
		switch fields[0] {
		case "little":
			h.LittleEndian = fields[1] == "true"
		default:
			a.err = fmt.Errorf("unknown chunk header field: %s", fields[0])
			return fields
		}
	}
	return fields
}

// function parses one "function:" block, returning the parsed prototype
// and the fields that follow it (the next sibling section or EOF).
func (a *asm) function(fields []string) (*FunctionPrototype, []string) {
	if a.err != nil || len(fields) == 0 || !strings.EqualFold(fields[0], "function:") {
		return nil, fields
	}
	if len(fields) < 5 {
		a.err = fmt.Errorf("invalid function: want at least 5 fields: 'function: NAME <line> <params> <maxstack> [+varargs]', got %d (%s)", len(fields), strings.Join(fields, " "))
		return nil, a.next()
	}

	fn := &FunctionPrototype{
		Name:         fields[1],
		LineDefined:  int(a.int(fields[2])),
		NumParams:    int(a.int(fields[3])),
		MaxStackSize: int(a.int(fields[4])),
		IsVariadic:   a.option(fields[5:], "varargs"),
	}

	fields = a.next()
	fields = a.locals(fn, fields)
	fields = a.lines(fn, fields)
	fields = a.strings(fn, fields)
	fields = a.numbers(fn, fields)
	fields = a.nested(fn, fields)
	fields = a.code(fn, fields)

	return fn, fields
}

func (a *asm) locals(fn *FunctionPrototype, fields []string) []string {
	if a.err != nil || len(fields) == 0 || !strings.EqualFold(fields[0], "locals:") {
		return fields
	}
	for fields = a.next(); len(fields) > 0 && !sections[fields[0]]; fields = a.next() {
		if len(fields) != 3 {
			a.err = fmt.Errorf("invalid local: expected name, start_pc, end_pc, got %d fields", len(fields))
			return fields
		}
		fn.Locals = append(fn.Locals, Local{
			Name:    fields[0],
			StartPC: int(a.int(fields[1])),
			EndPC:   int(a.int(fields[2])),
		})
	}
	return fields
}

func (a *asm) lines(fn *FunctionPrototype, fields []string) []string {
	if a.err != nil || len(fields) == 0 || !strings.EqualFold(fields[0], "lines:") {
		return fields
	}
	for fields = a.next(); len(fields) > 0 && !sections[fields[0]]; fields = a.next() {
		fn.Lines = append(fn.Lines, int(a.int(fields[0])))
	}
	return fields
}

func (a *asm) strings(fn *FunctionPrototype, fields []string) []string {
	if a.err != nil || len(fields) == 0 || !strings.EqualFold(fields[0], "strings:") {
		return fields
	}
	for fields = a.next(); len(fields) > 0 && !sections[fields[0]]; fields = a.next() {
		qs, err := strconv.QuotedPrefix(strings.TrimSpace(a.rawLine))
		if err != nil {
			a.err = fmt.Errorf("invalid string constant %q: %w", a.rawLine, err)
			return fields
		}
		s, err := strconv.Unquote(qs)
		if err != nil {
			a.err = fmt.Errorf("invalid string constant %q: %w", qs, err)
			return fields
		}
		fn.Strings = append(fn.Strings, normalizeString(s))
	}
	return fields
}

func (a *asm) numbers(fn *FunctionPrototype, fields []string) []string {
	if a.err != nil || len(fields) == 0 || !strings.EqualFold(fields[0], "numbers:") {
		return fields
	}
	for fields = a.next(); len(fields) > 0 && !sections[fields[0]]; fields = a.next() {
		f, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			a.err = fmt.Errorf("invalid number constant %s: %w", fields[0], err)
			return fields
		}
		fn.Numbers = append(fn.Numbers, f)
	}
	return fields
}

func (a *asm) nested(fn *FunctionPrototype, fields []string) []string {
	if a.err != nil || len(fields) == 0 || !strings.EqualFold(fields[0], "nested:") {
		return fields
	}
	fields = a.next()
	for a.err == nil && len(fields) > 0 && strings.EqualFold(fields[0], "function:") {
		var nested *FunctionPrototype
		nested, fields = a.function(fields)
		fn.Nested = append(fn.Nested, nested)
	}
	return fields
}

// code parses the instruction list, resolving jump-opcode operands from
// target instruction indices (equal to target PC, since every instruction
// is the same fixed width) into signed relative offsets.
func (a *asm) code(fn *FunctionPrototype, fields []string) []string {
	if a.err != nil || len(fields) == 0 || !strings.EqualFold(fields[0], "code:") {
		return fields
	}

	type rawInsn struct {
		op   Opcode
		a, b uint32
	}
	var raw []rawInsn
	for fields = a.next(); len(fields) > 0 && !sections[fields[0]]; fields = a.next() {
		op, ok := LookupOpcode(strings.ToUpper(fields[0]))
		if !ok {
			a.err = fmt.Errorf("invalid opcode: %s", fields[0])
			return fields
		}
		switch op.ArgKind() {
		case ArgNone:
			if len(fields) != 1 {
				a.err = fmt.Errorf("opcode %s takes no operand, got %d fields", op, len(fields)-1)
				return fields
			}
			raw = append(raw, rawInsn{op: op})
		case ArgU, ArgS, ArgJump:
			if len(fields) != 2 {
				a.err = fmt.Errorf("opcode %s takes one operand, got %d fields", op, len(fields)-1)
				return fields
			}
			raw = append(raw, rawInsn{op: op, a: uint32(a.int(fields[1]))})
		case ArgAB:
			if len(fields) != 3 {
				a.err = fmt.Errorf("opcode %s takes two operands, got %d fields", op, len(fields)-1)
				return fields
			}
			raw = append(raw, rawInsn{op: op, a: uint32(a.int(fields[1])), b: uint32(a.int(fields[2]))})
		}
	}

	fn.Instructions = make([]Instruction, len(raw))
	for pc, r := range raw {
		switch r.op.ArgKind() {
		case ArgNone:
			fn.Instructions[pc] = EncodeInstruction(r.op, 0)
		case ArgU:
			fn.Instructions[pc] = EncodeInstruction(r.op, r.a)
		case ArgS:
			fn.Instructions[pc] = EncodeSigned(r.op, int32(r.a))
		case ArgJump:
			target := int(r.a)
			if target < 0 || target > len(raw) {
				a.err = fmt.Errorf("invalid jump target index %d: instruction %s at pc %d", target, r.op, pc)
				return fields
			}
			fn.Instructions[pc] = EncodeSigned(r.op, int32(target-pc))
		case ArgAB:
			fn.Instructions[pc] = EncodeInstruction(r.op, (r.a<<BitsForRegisterB)|(r.b&bFieldMask))
		}
	}

	return fields
}

func (a *asm) option(fields []string, opt string) bool {
	for _, fld := range fields {
		if fld == "+"+opt {
			return true
		}
	}
	return false
}

func (a *asm) int(s string) int64 {
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		a.err = fmt.Errorf("invalid integer: %s: %w", s, err)
	}
	return i
}

// next returns the fields for the next non-empty, non-comment-only line, so
// fields[0] identifies a section when present.
func (a *asm) next() []string {
	a.rawLine = ""
	if a.err != nil {
		return nil
	}
	for a.s.Scan() {
		line := a.s.Text()
		fields := strings.Fields(line)
		if len(fields) != 0 && !strings.HasPrefix(fields[0], "#") {
			for i, fld := range fields {
				if strings.HasPrefix(fld, "#") {
					fields = fields[:i]
					break
				}
			}
			a.rawLine = line
			return fields
		}
	}
	a.err = a.s.Err()
	return nil
}

// Dasm writes a Chunk to its assembler textual format.
func Dasm(c *Chunk) ([]byte, error) {
	d := dasm{buf: new(bytes.Buffer)}
	if c.Toplevel == nil {
		return nil, errors.New("missing top-level function")
	}
	d.function(c.Toplevel, 0)
	return d.buf.Bytes(), d.err
}

type dasm struct {
	buf *bytes.Buffer
	err error
}

func (d *dasm) function(fn *FunctionPrototype, indent int) {
	if d.err != nil {
		return
	}
	pad := strings.Repeat("\t", indent)

	d.writef("%sfunction: %s %d %d %d", pad, fn.Name, fn.LineDefined, fn.NumParams, fn.MaxStackSize)
	if fn.IsVariadic {
		d.write(" +varargs")
	}
	d.write("\n")

	if len(fn.Locals) > 0 {
		d.writef("%s\tlocals:\n", pad)
		for _, l := range fn.Locals {
			d.writef("%s\t\t%s %d %d\n", pad, l.Name, l.StartPC, l.EndPC)
		}
	}
	if len(fn.Lines) > 0 {
		d.writef("%s\tlines:\n", pad)
		for _, l := range fn.Lines {
			d.writef("%s\t\t%d\n", pad, l)
		}
	}
	if len(fn.Strings) > 0 {
		d.writef("%s\tstrings:\n", pad)
		for _, s := range fn.Strings {
			d.writef("%s\t\t%q\n", pad, s)
		}
	}
	if len(fn.Numbers) > 0 {
		d.writef("%s\tnumbers:\n", pad)
		for _, n := range fn.Numbers {
			d.writef("%s\t\t%g\n", pad, n)
		}
	}
	if len(fn.Nested) > 0 {
		d.writef("%s\tnested:\n", pad)
		for _, nested := range fn.Nested {
			d.function(nested, indent+2)
		}
	}
	if len(fn.Instructions) > 0 {
		d.writef("%s\tcode:\n", pad)
		for pc, insn := range fn.Instructions {
			op := insn.Op()
			switch op.ArgKind() {
			case ArgNone:
				d.writef("%s\t\t%s\t# %03d\n", pad, op, pc)
			case ArgU:
				d.writef("%s\t\t%s %d\t# %03d\n", pad, op, insn.U(), pc)
			case ArgS:
				d.writef("%s\t\t%s %d\t# %03d\n", pad, op, insn.S(), pc)
			case ArgJump:
				target := pc + int(insn.S())
				d.writef("%s\t\t%s %d\t# %03d\n", pad, op, target, pc)
			case ArgAB:
				d.writef("%s\t\t%s %d %d\t# %03d\n", pad, op, insn.A(), insn.B(), pc)
			}
		}
	}
}

func (d *dasm) writef(s string, args ...any) {
	d.write(fmt.Sprintf(s, args...))
}

func (d *dasm) write(s string) {
	if d.err != nil {
		return
	}
	_, d.err = d.buf.WriteString(s)
}
