package main

import (
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	cli "github.com/urfave/cli/v2"

	"github.com/chazu/bbv/jit"
	"github.com/chazu/bbv/pkg/bytecode"
)

var disasmCommand = &cli.Command{
	Name:      "disasm",
	Usage:     "List the bytecode of a program, or the code the JIT compiled for it",
	ArgsUsage: "[file.bbv...]",
	Flags: []cli.Flag{
		codeFlag,
		entryFlag,
		callThresholdFlag,
		loopThresholdFlag,
	},
	Action: disassemble,
}

func disassemble(ctx *cli.Context) error {
	cfg := configOf(ctx)
	p, err := loadProgram(ctx, cfg)
	if err != nil {
		return err
	}
	out := ctx.App.Writer

	if !ctx.Bool(codeFlag.Name) {
		for _, src := range p.sources {
			prog, err := bytecode.Parse(src)
			if err != nil {
				return err
			}
			for _, m := range prog.Methods {
				fmt.Fprintln(out, bytecode.Disassemble(m.Chunk))
			}
		}
		return nil
	}

	// Compiled code only exists after running, so run with program output
	// discarded and list what is live afterwards.
	opts := vmOptions(ctx, cfg, io.Discard)
	opts.JIT.Enabled = true
	m, err := p.newVM(opts)
	if err != nil {
		return err
	}
	if _, err := m.Run(entryOf(ctx, cfg)); err != nil {
		log.Warningf("program failed, listing code compiled so far: %v", err)
	}
	snap := m.Driver().Snapshot(true)
	printBlocks(out, snap, func(id uint32) string {
		if info, ok := m.Method(jit.MethodID(id)); ok {
			return info.Name
		}
		return fmt.Sprintf("method %d", id)
	})
	return nil
}

var inspectCommand = &cli.Command{
	Name:      "inspect",
	Usage:     "Print a graph snapshot written by run --snapshot",
	ArgsUsage: "<snapshot>",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return errors.New("inspect takes one snapshot file")
		}
		data, err := os.ReadFile(ctx.Args().First())
		if err != nil {
			return errors.Wrap(err, "reading snapshot")
		}
		snap, err := jit.UnmarshalSnapshot(data)
		if err != nil {
			return err
		}
		out := ctx.App.Writer
		fmt.Fprintf(out, "epoch %d: %d blocks, %d branches, %d side exits\n",
			snap.Epoch, len(snap.Blocks), len(snap.Branches), snap.Stats.SideExits)
		printBlocks(out, snap, func(id uint32) string { return fmt.Sprintf("method %d", id) })
		for _, br := range snap.Branches {
			fmt.Fprintf(out, "branch %d %s from block %d to method %d pc %d: %s %v\n",
				br.ID, br.Kind, br.Src, br.Method, br.PC, br.State, br.Targets)
		}
		return nil
	},
}

func printBlocks(w io.Writer, snap *jit.GraphSnapshot, methodName func(uint32) string) {
	for _, b := range snap.Blocks {
		fmt.Fprintf(w, "block %d %s %s pc %d-%d ctx %s (%d words)\n",
			b.ID, b.Kind, methodName(b.Method), b.PC, b.End, b.Context, b.Size)
		for _, a := range b.Assumes {
			fmt.Fprintf(w, "  assumes %s\n", a)
		}
		if len(b.Outgoing) > 0 {
			fmt.Fprintf(w, "  branches %v\n", b.Outgoing)
		}
		if b.Code != "" {
			fmt.Fprint(w, b.Code)
		}
	}
}
