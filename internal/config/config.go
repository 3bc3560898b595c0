// Package config provides YAML configuration loading, probe-spec grammar
// parsing, and validation for the flamewalk profiler.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProbeKind identifies one of the probe grammar forms recognised in a
// probe-spec string, following bpftrace conventions.
type ProbeKind string

const (
	ProbeProfile    ProbeKind = "profile"
	ProbeUprobe     ProbeKind = "uprobe"
	ProbeUretprobe  ProbeKind = "uretprobe"
	ProbeKprobe     ProbeKind = "kprobe"
	ProbeKretprobe  ProbeKind = "kretprobe"
	ProbeTracepoint ProbeKind = "tracepoint"
)

// ProbeSpec is the parsed form of one probe-spec string.
type ProbeSpec struct {
	Kind ProbeKind

	// HZ is set for ProbeProfile: the sampling frequency in Hz.
	HZ int

	// Path is the target binary for ProbeUprobe/ProbeUretprobe.
	Path string
	// Symbol is the target function for ProbeUprobe/ProbeUretprobe.
	Symbol string
	// Offset is an optional byte offset into Symbol, written as
	// <symbol>+<offset>; ParseProbeSpec accepts it for uretprobe specs too.
	Offset uint64

	// Function is the kernel function for ProbeKprobe/ProbeKretprobe.
	Function string

	// Category and Name identify a static kernel tracepoint.
	Category string
	Name     string

	// Raw is the original, unparsed probe-spec string.
	Raw string
}

// ParseProbeSpec parses one probe-spec string:
//
//	profile:hz:<N>
//	uprobe:<path>:<symbol>[+<offset>]
//	uretprobe:<path>:<symbol>
//	kprobe:<function>
//	kretprobe:<function>
//	tracepoint:<category>:<name>
func ParseProbeSpec(spec string) (ProbeSpec, error) {
	out := ProbeSpec{Raw: spec}

	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return ProbeSpec{}, fmt.Errorf("config: probe spec %q: missing ':'", spec)
	}
	kind, rest := parts[0], parts[1]

	switch ProbeKind(kind) {
	case ProbeProfile:
		fields := strings.SplitN(rest, ":", 2)
		if len(fields) != 2 || fields[0] != "hz" {
			return ProbeSpec{}, fmt.Errorf("config: probe spec %q: expected profile:hz:<N>", spec)
		}
		hz, err := strconv.Atoi(fields[1])
		if err != nil || hz <= 0 {
			return ProbeSpec{}, fmt.Errorf("config: probe spec %q: invalid frequency %q", spec, fields[1])
		}
		out.Kind = ProbeProfile
		out.HZ = hz

	case ProbeUprobe, ProbeUretprobe:
		fields := strings.SplitN(rest, ":", 2)
		if len(fields) != 2 || fields[0] == "" || fields[1] == "" {
			return ProbeSpec{}, fmt.Errorf("config: probe spec %q: expected %s:<path>:<symbol>[+<offset>]", spec, kind)
		}
		out.Kind = ProbeKind(kind)
		out.Path = fields[0]
		sym := fields[1]
		if i := strings.IndexByte(sym, '+'); i >= 0 {
			off, err := strconv.ParseUint(sym[i+1:], 0, 64)
			if err != nil {
				return ProbeSpec{}, fmt.Errorf("config: probe spec %q: invalid offset %q", spec, sym[i+1:])
			}
			out.Symbol = sym[:i]
			out.Offset = off
		} else {
			out.Symbol = sym
		}

	case ProbeKprobe, ProbeKretprobe:
		if rest == "" {
			return ProbeSpec{}, fmt.Errorf("config: probe spec %q: expected %s:<function>", spec, kind)
		}
		out.Kind = ProbeKind(kind)
		out.Function = rest

	case ProbeTracepoint:
		fields := strings.SplitN(rest, ":", 2)
		if len(fields) != 2 || fields[0] == "" || fields[1] == "" {
			return ProbeSpec{}, fmt.Errorf("config: probe spec %q: expected tracepoint:<category>:<name>", spec)
		}
		out.Kind = ProbeTracepoint
		out.Category = fields[0]
		out.Name = fields[1]

	default:
		return ProbeSpec{}, fmt.Errorf("config: probe spec %q: unknown probe kind %q", spec, kind)
	}

	return out, nil
}

// String renders the ProbeSpec back to its canonical spec form.
func (p ProbeSpec) String() string {
	switch p.Kind {
	case ProbeProfile:
		return fmt.Sprintf("profile:hz:%d", p.HZ)
	case ProbeUprobe, ProbeUretprobe:
		if p.Offset != 0 {
			return fmt.Sprintf("%s:%s:%s+%#x", p.Kind, p.Path, p.Symbol, p.Offset)
		}
		return fmt.Sprintf("%s:%s:%s", p.Kind, p.Path, p.Symbol)
	case ProbeKprobe, ProbeKretprobe:
		return fmt.Sprintf("%s:%s", p.Kind, p.Function)
	case ProbeTracepoint:
		return fmt.Sprintf("tracepoint:%s:%s", p.Category, p.Name)
	default:
		return p.Raw
	}
}

// Config is the top-level session configuration for flamewalk.
type Config struct {
	// TargetPID, if non-zero, attaches to an already-running process
	// instead of spawning one.
	TargetPID int `yaml:"target_pid"`

	// Probes is the list of probe-spec strings to attach, see
	// ParseProbeSpec.
	Probes []string `yaml:"probes"`

	// MaxDepth bounds the number of frames the in-kernel unwinder may
	// walk per sample. Defaults to 127.
	MaxDepth int `yaml:"max_depth"`

	// MaxObjects bounds how many distinct ELF objects may be registered
	// per session. Defaults to 256.
	MaxObjects int `yaml:"max_objects"`

	// MaxRowsPerObject bounds the compacted unwind-row table size per
	// object. Defaults to 4096.
	MaxRowsPerObject int `yaml:"max_rows_per_object"`

	// MaxStacks bounds the number of distinct stacks the aggregation map
	// may hold. Defaults to 16384.
	MaxStacks int `yaml:"max_stacks"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`
}

const (
	defaultMaxDepth         = 127
	defaultMaxObjects       = 256
	defaultMaxRowsPerObject = 4096
	defaultMaxStacks        = 16384
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads the YAML file at path, applies defaults, and validates the
// result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// ApplyDefaults fills in zero-value optional fields with sensible defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	if cfg.MaxObjects == 0 {
		cfg.MaxObjects = defaultMaxObjects
	}
	if cfg.MaxRowsPerObject == 0 {
		cfg.MaxRowsPerObject = defaultMaxRowsPerObject
	}
	if cfg.MaxStacks == 0 {
		cfg.MaxStacks = defaultMaxStacks
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// Validate checks that all required fields are populated and that
// enumerated fields and probe specs are well-formed. It returns a joined
// error describing every validation failure encountered.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.TargetPID < 0 {
		errs = append(errs, fmt.Errorf("target_pid must be non-negative, got %d", cfg.TargetPID))
	}
	if cfg.MaxDepth <= 0 {
		errs = append(errs, fmt.Errorf("max_depth must be positive, got %d", cfg.MaxDepth))
	}
	if cfg.MaxObjects <= 0 {
		errs = append(errs, fmt.Errorf("max_objects must be positive, got %d", cfg.MaxObjects))
	}
	if cfg.MaxRowsPerObject <= 0 {
		errs = append(errs, fmt.Errorf("max_rows_per_object must be positive, got %d", cfg.MaxRowsPerObject))
	}
	if cfg.MaxStacks <= 0 {
		errs = append(errs, fmt.Errorf("max_stacks must be positive, got %d", cfg.MaxStacks))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	for i, spec := range cfg.Probes {
		if _, err := ParseProbeSpec(spec); err != nil {
			errs = append(errs, fmt.Errorf("probes[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}
