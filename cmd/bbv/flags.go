package main

import (
	cli "github.com/urfave/cli/v2"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "Path to a bbv.toml file (default: nearest bbv.toml above the working directory)",
	}
	verbosityFlag = &cli.IntFlag{
		Name:    "verbosity",
		Aliases: []string{"v"},
		Usage:   "Log verbosity, -4 (quiet) to 2 (debug)",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log-file",
		Usage: "Write logs to this file instead of stderr",
	}

	entryFlag = &cli.StringFlag{
		Name:    "entry",
		Aliases: []string{"e"},
		Usage:   "Method to run, written Class>>selector (default: [source] entry)",
	}
	noJITFlag = &cli.BoolFlag{
		Name:  "no-jit",
		Usage: "Interpret only",
	}
	callThresholdFlag = &cli.IntFlag{
		Name:  "call-threshold",
		Usage: "Calls before a method is handed to the JIT",
	}
	loopThresholdFlag = &cli.IntFlag{
		Name:  "loop-threshold",
		Usage: "Backward jumps before a loop is handed to the JIT",
	}
	metricsFlag = &cli.BoolFlag{
		Name:  "metrics",
		Usage: "Print JIT metrics in Prometheus text format after the run",
	}
	statsFlag = &cli.BoolFlag{
		Name:  "stats",
		Usage: "Print a JIT activity summary after the run",
	}
	recordFlag = &cli.BoolFlag{
		Name:  "record",
		Usage: "Store the run in the history database",
	}
	snapshotFlag = &cli.StringFlag{
		Name:  "snapshot",
		Usage: "Write a CBOR snapshot of the compiled block graph to this file",
	}
	codeFlag = &cli.BoolFlag{
		Name:  "code",
		Usage: "Include compiled code",
	}
	limitFlag = &cli.IntFlag{
		Name:  "limit",
		Value: 20,
		Usage: "Maximum number of runs to list",
	}
)
