package maincmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/mna/mainer"

	"github.com/mna/lua4dec/bytecode"
	"github.com/mna/lua4dec/decompiler"
)

const binName = "lua4dec"

var (
	shortUsage = fmt.Sprintf(`
usage: %s [<option>...] <command> [<path>...]
Run '%[1]s --help' for details.
`, binName)

	longUsage = fmt.Sprintf(`usage: %s [<option>...] <command> [<path>...]
       %[1]s -h|--help
       %[1]s -v|--version

Decompiler for compiled lua4 bytecode chunks.

The <command> can be one of:
       decompile                 Load a compiled chunk and print its
                                 reconstructed source.
       dump                      Load a compiled chunk and print its raw
                                 instruction stream, recursing into nested
                                 function prototypes.

Valid flag options are:
       -h --help                 Show this help and exit.
       -v --version              Print version and exit.

Valid flag options for the <dump> command are:
       --asm                     Print the chunk's textual assembler form
                                 (bytecode.Dasm) instead of a per-
                                 instruction table.

More information on the %[1]s repository:
       https://github.com/mna/lua4dec
`, binName)
)

type Cmd struct {
	BuildVersion string
	BuildDate    string

	Help    bool `flag:"h,help"`
	Version bool `flag:"v,version"`

	Asm bool `flag:"asm"`

	args  []string
	flags map[string]bool
	cmdFn func(context.Context, mainer.Stdio, []string) error
}

func (c *Cmd) SetArgs(args []string) {
	c.args = args
}

func (c *Cmd) SetFlags(flags map[string]bool) {
	c.flags = flags
}

func (c *Cmd) Validate() error {
	if c.Help || c.Version {
		return nil
	}

	if len(c.args) == 0 {
		return errors.New("no command specified")
	}

	cmdName := c.args[0]

	commands := buildCmds(c)
	c.cmdFn = commands[cmdName]
	if c.cmdFn == nil {
		return fmt.Errorf("unknown command: %s", c.args[0])
	}

	switch cmdName {
	case "decompile":
		if n := len(c.args[1:]); n < 1 || n > 2 {
			return fmt.Errorf("decompile: expected <input>.lub [<output>], got %d argument(s)", n)
		}
	case "dump":
		if len(c.args[1:]) == 0 {
			return errors.New("dump: at least one file must be provided")
		}
	}

	if c.flags["asm"] && cmdName != "dump" {
		return fmt.Errorf("%s: invalid flag 'asm'", cmdName)
	}

	return nil
}

func (c *Cmd) Main(args []string, stdio mainer.Stdio) mainer.ExitCode {
	p := mainer.Parser{
		EnvVars:   false,
		EnvPrefix: binName + "_",
	}
	if err := p.Parse(args, c); err != nil {
		fmt.Fprintf(stdio.Stderr, "invalid arguments: %s\n%s", err, shortUsage)
		return mainer.InvalidArgs
	}

	switch {
	case c.Help:
		fmt.Fprint(stdio.Stdout, longUsage)
		return mainer.Success

	case c.Version:
		fmt.Fprintf(stdio.Stdout, "%s %s %s\n", binName, c.BuildVersion, c.BuildDate)
		return mainer.Success
	}

	ctx := mainer.CancelOnSignal(context.Background(), os.Interrupt)
	if err := c.cmdFn(ctx, stdio, c.args[1:]); err != nil {
		// each command takes care of printing its errors, just return with an
		// exit code matching decompiler.Status (spec §6) when one is known.
		var derr *decompiler.DecompileError
		if errors.As(err, &derr) {
			return mainer.ExitCode(derr.Status)
		}
		var lerr *bytecode.LoadError
		if errors.As(err, &lerr) {
			switch lerr.Status {
			case bytecode.SignatureMismatch:
				return mainer.ExitCode(decompiler.SignatureMismatch)
			case bytecode.ArchitectureMismatch:
				return mainer.ExitCode(decompiler.ArchitectureMismatch)
			}
		}
		return mainer.Failure
	}
	return mainer.Success
}

// valid commands are those that take a mainer.Stdio and a slice of strings
// as input, and return an error as output.
func buildCmds(v interface{}) map[string]func(context.Context, mainer.Stdio, []string) error {
	cmds := make(map[string]func(context.Context, mainer.Stdio, []string) error)

	vv := reflect.ValueOf(v)
	vt := vv.Type()
	for i := 0; i < vt.NumMethod(); i++ {
		m := vt.Method(i)
		mt := m.Type

		if mt.NumIn() != 4 || mt.NumOut() != 1 {
			continue
		}
		if rt := mt.Out(0); rt.Kind() != reflect.Interface || rt.Name() != "error" {
			continue
		}
		if p0 := mt.In(0); p0.Kind() != reflect.Ptr || p0.Elem().Name() != "Cmd" {
			continue
		}
		if p1 := mt.In(1); p1.Kind() != reflect.Interface || p1.Name() != "Context" {
			continue
		}
		if p2 := mt.In(2); p2.Kind() != reflect.Struct || p2.Name() != "Stdio" {
			continue
		}
		if p3 := mt.In(3); p3.Kind() != reflect.Slice || p3.Elem().Name() != "string" {
			continue
		}
		cmds[strings.ToLower(m.Name)] = vv.Method(i).Interface().(func(context.Context, mainer.Stdio, []string) error)
	}
	return cmds
}
