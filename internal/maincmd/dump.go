package maincmd

import (
	"context"
	"fmt"
	"os"

	"github.com/mna/mainer"

	"github.com/mna/lua4dec/bytecode"
)

// Dump is the `dump` command: load each of args as a compiled chunk and
// print its raw instruction stream, one line per instruction, recursing
// into nested function prototypes depth-first. Never builds an AST, so it
// surfaces a loaded chunk even when the decompiler core would reject it
// (SPEC_FULL.md's debug dumper).
func (c *Cmd) Dump(ctx context.Context, stdio mainer.Stdio, args []string) error {
	for _, path := range args {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := dumpOne(stdio, path, c.Asm); err != nil {
			return err
		}
	}
	return nil
}

func dumpOne(stdio mainer.Stdio, path string, asm bool) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintln(stdio.Stderr, err)
		return err
	}

	chunk, err := bytecode.LoadChunk(buf)
	if err != nil {
		fmt.Fprintf(stdio.Stderr, "%s: %s\n", path, err)
		return err
	}

	if asm {
		text, err := bytecode.Dasm(chunk)
		if err != nil {
			fmt.Fprintf(stdio.Stderr, "%s: %s\n", path, err)
			return err
		}
		_, err = stdio.Stdout.Write(text)
		return err
	}

	fmt.Fprintf(stdio.Stdout, "%s:\n", path)
	dumpFunction(stdio, chunk.Toplevel)
	return nil
}

func dumpFunction(stdio mainer.Stdio, fn *bytecode.FunctionPrototype) {
	fmt.Fprintf(stdio.Stdout, "function %s (%d params, %d locals)\n", fn.Name, fn.NumParams, len(fn.Locals))
	for pc, insn := range fn.Instructions {
		op := insn.Op()
		fmt.Fprintf(stdio.Stdout, "  %4d: %-12s A=%d B=%d U=%d S=%d\n", pc, op, insn.A(), insn.B(), insn.U(), insn.S())
	}
	for _, nested := range fn.Nested {
		dumpFunction(stdio, nested)
	}
}
