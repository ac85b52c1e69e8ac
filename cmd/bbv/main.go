// bbv CLI - runs bytecode programs on the host VM and inspects what the
// JIT made of them.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	cli "github.com/urfave/cli/v2"

	"github.com/chazu/bbv/config"
)

var log = commonlog.GetLogger("bbv.cmd")

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "bbv",
		Usage: "run bytecode programs with a lazy basic block versioning JIT",
		Description: `Programs are written in the bbv assembly format:

    class Main Object
    method Main main 0 0
        push_int 42
        send printNl
        return_top
    end

Settings come from the nearest bbv.toml unless --config names a file.`,
		Flags: []cli.Flag{
			configFlag,
			verbosityFlag,
			logFileFlag,
		},
		Before: setup,
		Commands: []*cli.Command{
			runCommand,
			compareCommand,
			disasmCommand,
			inspectCommand,
			historyCommand,
		},
	}
}

// setup loads the configuration and configures logging before any command
// runs.
func setup(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if ctx.IsSet(verbosityFlag.Name) {
		cfg.Log.Verbosity = ctx.Int(verbosityFlag.Name)
	}
	if ctx.IsSet(logFileFlag.Name) {
		cfg.Log.File = ctx.String(logFileFlag.Name)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var path *string
	if cfg.Log.File != "" {
		path = &cfg.Log.File
	}
	commonlog.Configure(cfg.Log.Verbosity, path)
	for _, k := range cfg.Unknown {
		log.Warningf("%s: unknown setting %s", config.FileName, k)
	}

	ctx.App.Metadata = map[string]any{"config": cfg}
	return nil
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	if path := ctx.String(configFlag.Name); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		cfg, err := config.Parse(f)
		if err != nil {
			return nil, errors.Wrapf(err, "loading %s", path)
		}
		if cfg.Dir, err = filepath.Abs(filepath.Dir(path)); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.FindAndLoad(wd)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func configOf(ctx *cli.Context) *config.Config {
	if cfg, ok := ctx.App.Metadata["config"].(*config.Config); ok {
		return cfg
	}
	return config.Default()
}
