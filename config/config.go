// Package config handles bbv.toml project configuration.
package config

import (
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"

	"github.com/chazu/bbv/jit"
	"github.com/chazu/bbv/vm"
)

// Verbosity bounds for [log].
const (
	MinVerbosity = -4
	MaxVerbosity = 2
)

// FileName is the name of the configuration file FindAndLoad looks for.
const FileName = "bbv.toml"

// Config represents a bbv.toml configuration.
type Config struct {
	Project Project     `toml:"project"`
	Source  Source      `toml:"source"`
	JIT     jit.Options `toml:"jit"`
	VM      VMConfig    `toml:"vm"`
	Log     LogConfig   `toml:"log"`
	Stats   StatsConfig `toml:"stats"`

	// Dir is the directory containing the bbv.toml file (set at load time).
	Dir string `toml:"-"`

	// Unknown lists keys present in the file that no setting uses.
	Unknown []string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name string `toml:"name"`
}

// Source configures which assembly files make up the program.
type Source struct {
	Files []string `toml:"files"`
	// Entry is the method run by default, written Class>>selector.
	Entry string `toml:"entry"`
}

// VMConfig tunes the host runtime.
type VMConfig struct {
	MaxDepth int `toml:"max-depth"`
}

// LogConfig configures commonlog.
type LogConfig struct {
	// Verbosity is passed to commonlog.Configure: negative values quieten
	// the default level, positive values add detail.
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// StatsConfig configures the run history database.
type StatsConfig struct {
	Enabled  bool   `toml:"enabled"`
	Database string `toml:"database"`
}

// Default returns the configuration used when no bbv.toml exists.
func Default() *Config {
	return &Config{
		Source: Source{Entry: "Main>>main"},
		JIT:    jit.DefaultOptions(),
		VM:     VMConfig{MaxDepth: vm.DefaultMaxDepth},
		Stats:  StatsConfig{Database: filepath.Join(".bbv", "stats.db")},
	}
}

// Load parses the bbv.toml file in dir.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read %s", path)
	}
	defer f.Close()

	c, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parse error in %s", path)
	}
	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot resolve path %s", dir)
	}
	return c, nil
}

// Parse decodes a configuration. Settings the input leaves out keep their
// defaults.
func Parse(r io.Reader) (*Config, error) {
	c := Default()
	md, err := toml.NewDecoder(r).Decode(c)
	if err != nil {
		return nil, err
	}
	for _, k := range md.Undecoded() {
		c.Unknown = append(c.Unknown, k.String())
	}
	sort.Strings(c.Unknown)

	// Defaults
	if c.Source.Entry == "" {
		c.Source.Entry = "Main>>main"
	}
	if c.Stats.Database == "" {
		c.Stats.Database = filepath.Join(".bbv", "stats.db")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a bbv.toml file, then loads
// and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Validate rejects settings the runtime cannot honor.
func (c *Config) Validate() error {
	if err := c.JIT.Validate(); err != nil {
		return err
	}
	switch {
	case c.VM.MaxDepth < 1:
		return errors.Newf("vm: max-depth must be positive, got %d", c.VM.MaxDepth)
	case c.Log.Verbosity < MinVerbosity || c.Log.Verbosity > MaxVerbosity:
		return errors.WithHintf(
			errors.Newf("log: verbosity out of range: %d", c.Log.Verbosity),
			"use a value between %d and %d", MinVerbosity, MaxVerbosity)
	}
	return nil
}

// JITOptions returns the compiler settings.
func (c *Config) JITOptions() jit.Options {
	return c.JIT
}

// VMOptions returns the runtime settings, writing program output to out.
func (c *Config) VMOptions(out io.Writer) vm.Options {
	return vm.Options{JIT: c.JITOptions(), MaxDepth: c.VM.MaxDepth, Out: out}
}

// SourcePaths returns the configured source files resolved against Dir.
func (c *Config) SourcePaths() []string {
	var paths []string
	for _, f := range c.Source.Files {
		paths = append(paths, c.resolve(f))
	}
	return paths
}

// DatabasePath returns the run history database path resolved against Dir.
func (c *Config) DatabasePath() string {
	return c.resolve(c.Stats.Database)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}
