package maincmd

import (
	"context"
	"fmt"
	"os"

	"github.com/mna/mainer"

	"github.com/mna/lua4dec/ast"
	"github.com/mna/lua4dec/bytecode"
	"github.com/mna/lua4dec/decompiler"
)

// Decompile is the `decompile` command: `decompile <input>.lub [<output>]`
// (spec §6). Reads the compiled chunk at args[0], prints the reconstructed
// source to stdio.Stdout, or, if args[1] is given, to that name with a
// ".lua" suffix appended.
func (c *Cmd) Decompile(ctx context.Context, stdio mainer.Stdio, args []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	input := args[0]
	buf, err := os.ReadFile(input)
	if err != nil {
		fmt.Fprintln(stdio.Stderr, err)
		return err
	}

	chunk, err := bytecode.LoadChunk(buf)
	if err != nil {
		fmt.Fprintf(stdio.Stderr, "%s: %s\n", input, err)
		return err
	}

	decompiled, err := decompiler.Decompile(chunk)
	if err != nil {
		fmt.Fprintf(stdio.Stderr, "%s: %s\n", input, err)
		return err
	}

	out := stdio.Stdout
	if len(args) == 2 {
		f, err := os.Create(args[1] + ".lua")
		if err != nil {
			fmt.Fprintln(stdio.Stderr, err)
			return err
		}
		defer f.Close()
		out = f
	}

	printer := &ast.Printer{Output: out}
	if err := printer.Print(decompiled); err != nil {
		fmt.Fprintf(stdio.Stderr, "%s: %s\n", input, err)
		return err
	}
	return nil
}
