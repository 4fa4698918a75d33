package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/VladMinzatu/tracesym/internal/symbolizer"
)

const configFileFlag = "config.file"

type Config struct {
	Backend     string        `yaml:"backend"`
	DebugDir    string        `yaml:"debug_dir"`
	FlatSymbols string        `yaml:"flat_symbols"`
	Demangle    string        `yaml:"demangle"`
	LogLevel    string        `yaml:"log_level"`
	Duration    time.Duration `yaml:"duration"`
	SampleHz    int           `yaml:"sample_hz"`
	Interval    time.Duration `yaml:"collect_interval"`
	Output      OutputConfig  `yaml:"output"`

	configFile string
}

// OutputConfig names the files written when the run ends. Empty paths are
// skipped.
type OutputConfig struct {
	Pprof  string `yaml:"pprof"`
	Folded string `yaml:"folded"`
	OTLP   string `yaml:"otlp"`
	// Metrics receives the symbolizer counters in the Prometheus text format.
	Metrics string `yaml:"metrics"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.configFile, configFileFlag, "", "YAML file with configuration; flags given on the command line take precedence.")
	f.StringVar(&c.Backend, "backend", symbolizer.BackendAuto, "Symbolization backend: auto, dwarf, gosym, symtab, flat or noop.")
	f.StringVar(&c.DebugDir, "debug-dir", "/usr/lib/debug", "Global directory searched for separate debug files.")
	f.StringVar(&c.FlatSymbols, "flat-symbols", "", "Path of an 'address type name' symbol listing, such as /proc/kallsyms.")
	f.StringVar(&c.Demangle, "demangle", symbolizer.DemangleFull, "Demangling mode: full, simplified, templates or none.")
	f.StringVar(&c.LogLevel, "log.level", "info", "Log level: debug, info, warn or error.")
	f.DurationVar(&c.Duration, "duration", 10*time.Second, "How long to profile. Zero runs until interrupted.")
	f.IntVar(&c.SampleHz, "sample-hz", 100, "Stack samples taken per second.")
	f.DurationVar(&c.Interval, "collect-interval", time.Second, "How often collected samples are resolved and emitted.")
	f.StringVar(&c.Output.Pprof, "out.pprof", "cpu-profile.pb.gz", "Gzipped pprof output file.")
	f.StringVar(&c.Output.Folded, "out.folded", "", "Folded stacks output file.")
	f.StringVar(&c.Output.OTLP, "out.otlp", "", "OTLP profiles output file (binary protobuf).")
	f.StringVar(&c.Output.Metrics, "out.metrics", "", "Symbolizer metrics output file (Prometheus text format).")
}

// Parse registers the flags on f, overlays the config file named by
// -config.file onto the defaults, then applies the command line.
func Parse(f *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}
	cfg.RegisterFlags(f)
	if path := configFileFromArgs(args); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := f.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func configFileFromArgs(args []string) string {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if value, ok := strings.CutPrefix(name, configFileFlag+"="); ok {
			return value
		}
		if name == configFileFlag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

var validBackends = []string{
	symbolizer.BackendAuto,
	symbolizer.BackendDWARF,
	symbolizer.BackendGoSym,
	symbolizer.BackendSymtab,
	symbolizer.BackendFlat,
	symbolizer.BackendNoop,
}

func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains(validBackends, c.Backend) {
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.Backend == symbolizer.BackendFlat && c.FlatSymbols == "" {
		errs = append(errs, errors.New("backend flat needs -flat-symbols"))
	}
	if _, err := symbolizer.NewDemangler(c.Demangle); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.SampleHz <= 0 {
		errs = append(errs, fmt.Errorf("sample-hz must be positive, got %d", c.SampleHz))
	}
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("collect-interval must be positive, got %s", c.Interval))
	}
	if c.Duration < 0 {
		errs = append(errs, fmt.Errorf("duration must not be negative, got %s", c.Duration))
	}
	return errors.Join(errs...)
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// SymbolizerOptions maps the configuration onto backend selection options.
func (c *Config) SymbolizerOptions(metrics *symbolizer.Metrics) symbolizer.Options {
	return symbolizer.Options{
		Backend:     c.Backend,
		DebugDir:    c.DebugDir,
		FlatSymbols: c.FlatSymbols,
		Demangle:    c.Demangle,
		Metrics:     metrics,
	}
}
