package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v2"

	"github.com/chazu/bbv/internal/statsdb"
)

var historyCommand = &cli.Command{
	Name:      "history",
	Usage:     "List recorded runs, or show one run by ID",
	ArgsUsage: "[program | run-id]",
	Flags:     []cli.Flag{limitFlag},
	Action: func(ctx *cli.Context) error {
		cfg := configOf(ctx)
		db, err := statsdb.Open(cfg.DatabasePath())
		if err != nil {
			return err
		}
		defer db.Close()

		out := ctx.App.Writer
		arg := ctx.Args().First()
		if id, err := uuid.Parse(arg); err == nil {
			run, err := db.Get(ctx.Context, id)
			if err != nil {
				return err
			}
			printRun(out, run)
			return nil
		}

		runs, err := db.Recent(ctx.Context, arg, ctx.Int(limitFlag.Name))
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(out, "no runs recorded")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTARTED\tPROGRAM\tENTRY\tJIT\tDURATION\tBLOCKS\tRESULT")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\t%v\t%d\t%s\n",
				r.ID, r.Started.Format("2006-01-02 15:04:05"), r.Program, r.Entry,
				r.JIT, r.Duration, r.Stats.BlocksCompiled, outcomeOf(r))
		}
		return tw.Flush()
	},
}

func outcomeOf(r *statsdb.Run) string {
	if r.Err != "" {
		return "error: " + r.Err
	}
	return r.Result
}

func printRun(w io.Writer, r *statsdb.Run) {
	fmt.Fprintf(w, "run:      %s\n", r.ID)
	fmt.Fprintf(w, "program:  %s %s\n", r.Program, r.Entry)
	fmt.Fprintf(w, "started:  %s (%v)\n", r.Started.Format("2006-01-02 15:04:05"), r.Duration)
	fmt.Fprintf(w, "jit:      %v\n", r.JIT)
	fmt.Fprintf(w, "outcome:  %s\n", outcomeOf(r))
	s := r.Stats
	fmt.Fprintf(w, "compiled: %d blocks, %d failures, %d invalidations\n", s.BlocksCompiled, s.CompileFailures, s.Invalidations)
	fmt.Fprintf(w, "exits:    %d entries, %d side exits, %d stub hits\n", s.Entries, s.SideExits, s.StubHits)
}
