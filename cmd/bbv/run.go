package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	cli "github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/bbv/config"
	"github.com/chazu/bbv/internal/statsdb"
	"github.com/chazu/bbv/jit"
	"github.com/chazu/bbv/vm"
)

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "Run a program",
	ArgsUsage: "[file.bbv...]",
	Flags: []cli.Flag{
		entryFlag,
		noJITFlag,
		callThresholdFlag,
		loopThresholdFlag,
		statsFlag,
		metricsFlag,
		recordFlag,
		snapshotFlag,
	},
	Action: runProgram,
	Description: `Loads the given assembly files, or the [source] files of bbv.toml,
and sends the entry selector. The printString of the result is printed
unless it is nil.`,
}

var compareCommand = &cli.Command{
	Name:      "compare",
	Usage:     "Run a program interpreted and with the JIT, and check that both agree",
	ArgsUsage: "[file.bbv...]",
	Flags: []cli.Flag{
		entryFlag,
		callThresholdFlag,
		loopThresholdFlag,
	},
	Action: compareProgram,
}

// program is a loaded set of source files.
type program struct {
	name    string
	sources []string
}

func loadProgram(ctx *cli.Context, cfg *config.Config) (*program, error) {
	paths := ctx.Args().Slice()
	if len(paths) == 0 {
		paths = cfg.SourcePaths()
	}
	if len(paths) == 0 {
		return nil, errors.WithHint(errors.New("no program given"),
			"pass assembly files or list them under [source] files in bbv.toml")
	}
	p := &program{name: filepath.Base(paths[0])}
	if cfg.Project.Name != "" && ctx.NArg() == 0 {
		p.name = cfg.Project.Name
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", path)
		}
		p.sources = append(p.sources, string(data))
	}
	return p, nil
}

// newVM creates a VM with the program loaded.
func (p *program) newVM(opts vm.Options) (*vm.VM, error) {
	m, err := vm.New(opts)
	if err != nil {
		return nil, err
	}
	for i, src := range p.sources {
		if err := m.LoadSource(src); err != nil {
			return nil, errors.Wrapf(err, "loading source %d of %s", i+1, p.name)
		}
	}
	return m, nil
}

// vmOptions applies the command line overrides to the configured settings.
func vmOptions(ctx *cli.Context, cfg *config.Config, out io.Writer) vm.Options {
	opts := cfg.VMOptions(out)
	if ctx.Bool(noJITFlag.Name) {
		opts.JIT.Enabled = false
	}
	if ctx.IsSet(callThresholdFlag.Name) {
		opts.JIT.CallThreshold = ctx.Int(callThresholdFlag.Name)
	}
	if ctx.IsSet(loopThresholdFlag.Name) {
		opts.JIT.LoopThreshold = ctx.Int(loopThresholdFlag.Name)
	}
	return opts
}

func entryOf(ctx *cli.Context, cfg *config.Config) string {
	if e := ctx.String(entryFlag.Name); e != "" {
		return e
	}
	return cfg.Source.Entry
}

func runProgram(ctx *cli.Context) error {
	cfg := configOf(ctx)
	p, err := loadProgram(ctx, cfg)
	if err != nil {
		return err
	}
	out := ctx.App.Writer
	opts := vmOptions(ctx, cfg, out)
	m, err := p.newVM(opts)
	if err != nil {
		return err
	}

	entry := entryOf(ctx, cfg)
	log.Infof("running %s of %s (jit %v)", entry, p.name, opts.JIT.Enabled)
	started := time.Now()
	result, runErr := m.Run(entry)
	elapsed := time.Since(started)

	if runErr == nil && !result.IsNil() {
		fmt.Fprintln(out, m.PrintString(result))
	}
	if ctx.Bool(statsFlag.Name) {
		printStats(ctx.App.ErrWriter, m, elapsed)
	}
	if ctx.Bool(metricsFlag.Name) && m.Driver() != nil {
		if err := writeMetrics(ctx.App.ErrWriter, m.Driver()); err != nil {
			return err
		}
	}
	if path := ctx.String(snapshotFlag.Name); path != "" {
		if err := writeSnapshot(path, m); err != nil {
			return err
		}
	}
	if ctx.Bool(recordFlag.Name) || cfg.Stats.Enabled {
		run := &statsdb.Run{
			Program:  p.name,
			Entry:    entry,
			JIT:      opts.JIT.Enabled,
			Started:  started,
			Duration: elapsed,
			Stats:    m.JITStats(),
		}
		if runErr != nil {
			run.Err = runErr.Error()
		} else {
			run.Result = m.PrintString(result)
		}
		if err := recordRun(ctx.Context, cfg.DatabasePath(), run); err != nil {
			log.Errorf("recording run: %v", err)
		}
	}
	return runErr
}

func recordRun(ctx context.Context, path string, run *statsdb.Run) error {
	db, err := statsdb.Open(path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Record(ctx, run); err != nil {
		return err
	}
	log.Infof("recorded run %s", run.ID)
	return nil
}

func printStats(w io.Writer, m *vm.VM, elapsed time.Duration) {
	s := m.JITStats()
	ps := m.Profiler.Stats()
	fmt.Fprintf(w, "time:          %v\n", elapsed)
	fmt.Fprintf(w, "methods:       %d profiled, %d hot\n", ps.Methods, ps.HotMethods)
	fmt.Fprintf(w, "loops:         %d profiled, %d hot\n", ps.LoopHeaders, ps.HotLoops)
	fmt.Fprintf(w, "blocks:        %d compiled, %d live, %d invalidated\n", s.BlocksCompiled, s.LiveBlocks, s.Invalidations)
	fmt.Fprintf(w, "entries:       %d\n", s.Entries)
	fmt.Fprintf(w, "side exits:    %d\n", s.SideExits)
	fmt.Fprintf(w, "code:          %d/%d words\n", s.CodeUsed, s.CodeCap)
	if s.Disabled {
		fmt.Fprintln(w, "jit:           disabled after an internal error")
	}
}

func writeMetrics(w io.Writer, d *jit.Driver) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(jit.NewCollector(d)); err != nil {
		return errors.Wrap(err, "registering JIT metrics")
	}
	families, err := reg.Gather()
	if err != nil {
		return errors.Wrap(err, "gathering JIT metrics")
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func writeSnapshot(path string, m *vm.VM) error {
	d := m.Driver()
	if d == nil {
		return errors.New("no snapshot without the JIT")
	}
	data, err := jit.MarshalSnapshot(d.Snapshot(true))
	if err != nil {
		return err
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "writing %s", path)
}

// outcome is what one execution of a program produced.
type outcome struct {
	result string
	output string
	err    error
	stats  jit.Stats
}

func (o outcome) String() string {
	if o.err != nil {
		return "error: " + o.err.Error()
	}
	return o.result
}

func compareProgram(ctx *cli.Context) error {
	cfg := configOf(ctx)
	p, err := loadProgram(ctx, cfg)
	if err != nil {
		return err
	}
	entry := entryOf(ctx, cfg)

	var outcomes [2]outcome
	g, _ := errgroup.WithContext(ctx.Context)
	for i, jitOn := range []bool{false, true} {
		i, jitOn := i, jitOn
		g.Go(func() error {
			var buf bytes.Buffer
			opts := vmOptions(ctx, cfg, &buf)
			opts.JIT.Enabled = jitOn
			m, err := p.newVM(opts)
			if err != nil {
				return err
			}
			result, err := m.Run(entry)
			outcomes[i] = outcome{output: buf.String(), err: err, stats: m.JITStats()}
			if err == nil {
				outcomes[i].result = m.PrintString(result)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	interp, compiled := outcomes[0], outcomes[1]
	var diffs []string
	if interp.String() != compiled.String() {
		diffs = append(diffs, fmt.Sprintf("result: interpreted %s, compiled %s", interp, compiled))
	}
	if interp.output != compiled.output {
		diffs = append(diffs, fmt.Sprintf("output differs:\n--- interpreted\n%s--- compiled\n%s", interp.output, compiled.output))
	}
	if len(diffs) > 0 {
		return errors.Newf("%s: interpreter and JIT disagree\n%s", p.name, strings.Join(diffs, "\n"))
	}
	fmt.Fprintf(ctx.App.Writer, "%s: ok, %s (%d blocks compiled, %d side exits)\n",
		p.name, interp, compiled.stats.BlocksCompiled, compiled.stats.SideExits)
	return nil
}
