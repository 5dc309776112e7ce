// Package config handles phantom.toml / phantom.yaml configuration.
package config

import (
	_ "embed"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"

	"github.com/rxell/phantomuserland/snapshot"
	"github.com/rxell/phantomuserland/vm"
)

// FileNames are the configuration files looked for, in order.
var FileNames = []string{"phantom.toml", "phantom.yaml", "phantom.yml"}

//go:embed schema.cue
var schemaSource string

// Config is the configuration of a phantom VM process.
type Config struct {
	Heap     Heap       `toml:"heap" yaml:"heap"`
	Threads  Threads    `toml:"threads" yaml:"threads"`
	Snapshot Snapshot   `toml:"snapshot" yaml:"snapshot"`
	Server   Server     `toml:"server" yaml:"server"`
	Log      Log        `toml:"log" yaml:"log"`
	Workload []Workload `toml:"workload" yaml:"workload"`

	// Dir is the directory containing the configuration file (set at load time).
	Dir string `toml:"-" yaml:"-"`
}

// Heap sizes the object arena.
type Heap struct {
	PageSize int `toml:"page-size" yaml:"page-size"`
	Pages    int `toml:"pages" yaml:"pages"`
}

// Threads configures the thread runtime.
type Threads struct {
	MaxWaiters int      `toml:"max-waiters" yaml:"max-waiters"`
	Tick       Duration `toml:"tick" yaml:"tick"`
}

// Snapshot configures the snapshot catalog and the periodic snapshotter.
type Snapshot struct {
	Driver   string   `toml:"driver" yaml:"driver"`
	Path     string   `toml:"path" yaml:"path"`
	Interval Duration `toml:"interval" yaml:"interval"` // 0 disables periodic snapshots
	Retain   int      `toml:"retain" yaml:"retain"`
	Collect  bool     `toml:"collect" yaml:"collect"`
}

// Server configures the inspection endpoint.
type Server struct {
	Listen string `toml:"listen" yaml:"listen"` // empty disables the server
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity" yaml:"verbosity"`
	File      string `toml:"file" yaml:"file"`
}

// Workload starts Count threads running one of the built-in programs.
type Workload struct {
	Program string `toml:"program" yaml:"program"`
	Count   int    `toml:"count" yaml:"count"`
	Rounds  int    `toml:"rounds" yaml:"rounds"` // 0 runs until stopped
}

// Duration is a time.Duration written as a string such as "10ms".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file is present.
func Default() *Config {
	opts := vm.DefaultOptions()
	return &Config{
		Heap: Heap{PageSize: opts.PageSize, Pages: opts.Pages},
		Threads: Threads{
			MaxWaiters: opts.MaxWaiters,
			Tick:       Duration(opts.Tick),
		},
		Snapshot: Snapshot{
			Driver:   "sqlite",
			Path:     filepath.Join(".phantom", "snapshots.db"),
			Interval: Duration(snapshot.DefaultInterval),
			Retain:   10,
			Collect:  true,
		},
		Log: Log{Verbosity: 1},
	}
}

// Load parses the configuration file at path over the defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		err = toml.Unmarshal(data, c)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		return nil, fmt.Errorf("%s: unknown configuration format %q", path, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a configuration file, then
// loads it. Returns the defaults, rooted at startDir, if none is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}
	start := dir

	for {
		for _, name := range FileNames {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return Load(path)
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			c := Default()
			c.Dir = start
			return c, nil
		}
		dir = parent
	}
}

// Validate checks c against the embedded schema and the constraints the
// schema cannot express.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	v := def.Unify(ctx.Encode(c.schemaView()))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if bits.OnesCount(uint(c.Heap.PageSize)) != 1 {
		return fmt.Errorf("invalid configuration: heap.page-size %d is not a power of two", c.Heap.PageSize)
	}
	return nil
}

// schemaView is c in the shape #Config describes.
func (c *Config) schemaView() map[string]any {
	workload := make([]map[string]any, 0, len(c.Workload))
	for _, w := range c.Workload {
		workload = append(workload, map[string]any{
			"program": w.Program,
			"count":   w.Count,
			"rounds":  w.Rounds,
		})
	}
	return map[string]any{
		"heap": map[string]any{
			"page_size": c.Heap.PageSize,
			"pages":     c.Heap.Pages,
		},
		"threads": map[string]any{
			"max_waiters": c.Threads.MaxWaiters,
			"tick":        int64(c.Threads.Tick),
		},
		"snapshot": map[string]any{
			"driver":   c.Snapshot.Driver,
			"path":     c.Snapshot.Path,
			"interval": int64(c.Snapshot.Interval),
			"retain":   c.Snapshot.Retain,
			"collect":  c.Snapshot.Collect,
		},
		"server": map[string]any{
			"listen": c.Server.Listen,
		},
		"log": map[string]any{
			"verbosity": c.Log.Verbosity,
			"file":      c.Log.File,
		},
		"workload": workload,
	}
}

// VMOptions returns the VM options described by c.
func (c *Config) VMOptions() vm.Options {
	return vm.Options{
		PageSize:   c.Heap.PageSize,
		Pages:      c.Heap.Pages,
		MaxWaiters: c.Threads.MaxWaiters,
		Tick:       c.Threads.Tick.Std(),
	}
}

// SnapshotOptions returns the snapshotter options described by c.
func (c *Config) SnapshotOptions() snapshot.Options {
	return snapshot.Options{
		Interval: c.Snapshot.Interval.Std(),
		Retain:   c.Snapshot.Retain,
		Collect:  c.Snapshot.Collect,
	}
}

// SnapshotPath returns the catalog path, resolved against Dir.
func (c *Config) SnapshotPath() string {
	if filepath.IsAbs(c.Snapshot.Path) || c.Dir == "" {
		return c.Snapshot.Path
	}
	return filepath.Join(c.Dir, c.Snapshot.Path)
}

// LogFile returns the log file path resolved against Dir, or nil for stderr.
func (c *Config) LogFile() *string {
	if c.Log.File == "" {
		return nil
	}
	path := c.Log.File
	if !filepath.IsAbs(path) && c.Dir != "" {
		path = filepath.Join(c.Dir, path)
	}
	return &path
}
