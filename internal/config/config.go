// Package config loads the watchkeep YAML configuration. Defaults apply
// first, then the file, then command-line overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/bpicori/watchkeep/internal/logger"
	"github.com/bpicori/watchkeep/internal/profile"
	"github.com/bpicori/watchkeep/internal/telemetry"
)

// EnvPath names the config file when --config is not given.
const EnvPath = "WATCHKEEP_CONFIG"

type Config struct {
	Log       logger.Config   `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Cgroup    CgroupConfig    `yaml:"cgroup"`
	Serve     ServeConfig     `yaml:"serve"`
}

type TelemetryConfig struct {
	Dir            string   `yaml:"dir"`
	Compress       bool     `yaml:"compress"`
	SampleInterval Duration `yaml:"sample_interval"`
	MaxSamples     int      `yaml:"max_samples"`
	// ProcRoot is the procfs mount sampled by the supervisor.
	ProcRoot string `yaml:"proc_root"`
}

type SandboxConfig struct {
	Profile          string `yaml:"profile"`
	Hostname         string `yaml:"hostname"`
	UserNamespace    bool   `yaml:"user_namespace"`
	LandlockFallback bool   `yaml:"landlock_fallback"`
	// KernelLog enables blocked-syscall inference from /dev/kmsg.
	KernelLog bool `yaml:"kernel_log"`
}

type CgroupConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Parent    string   `yaml:"parent"`
	MemoryMax ByteSize `yaml:"memory_max"`
	PidsMax   int64    `yaml:"pids_max"`
	// CPUMax is a fraction of one CPU; 0 means unlimited.
	CPUMax float64 `yaml:"cpu_max"`
}

type ServeConfig struct {
	Addr       string `yaml:"addr"`
	RecentRuns int    `yaml:"recent_runs"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: logger.Config{Level: "info", Format: "console"},
		Telemetry: TelemetryConfig{
			Dir:            "logs",
			SampleInterval: Duration(100 * time.Millisecond),
			MaxSamples:     telemetry.DefaultCapacity,
			ProcRoot:       "/proc",
		},
		Sandbox: SandboxConfig{
			Profile:          "strict",
			Hostname:         "sandbox",
			UserNamespace:    os.Geteuid() != 0,
			LandlockFallback: true,
			KernelLog:        true,
		},
		Cgroup: CgroupConfig{
			Parent: "watchkeep",
		},
		Serve: ServeConfig{
			Addr:       "127.0.0.1:5000",
			RecentRuns: 50,
		},
	}
}

// Load returns the defaults overlaid with the file at path. An empty path
// falls back to $WATCHKEEP_CONFIG, and to the defaults alone when that is
// unset too.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvPath)
	}
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file %q: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config file %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config file %q: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every inconsistent setting.
func (c Config) Validate() error {
	var errs []error
	if _, err := profile.Parse(c.Sandbox.Profile); err != nil {
		errs = append(errs, fmt.Errorf("sandbox.profile: %w", err))
	}
	if c.Telemetry.SampleInterval <= 0 {
		errs = append(errs, errors.New("telemetry.sample_interval must be positive"))
	}
	if c.Telemetry.MaxSamples <= 0 {
		errs = append(errs, errors.New("telemetry.max_samples must be positive"))
	}
	if c.Telemetry.Dir == "" {
		errs = append(errs, errors.New("telemetry.dir must not be empty"))
	}
	if c.Cgroup.CPUMax < 0 {
		errs = append(errs, errors.New("cgroup.cpu_max must not be negative"))
	}
	if c.Serve.RecentRuns < 0 {
		errs = append(errs, errors.New("serve.recent_runs must not be negative"))
	}
	return errors.Join(errs...)
}

// Overrides are command-line values; nil fields leave the config as is.
type Overrides struct {
	Profile        *string
	TelemetryDir   *string
	Compress       *bool
	SampleInterval *time.Duration
	MaxSamples     *int
	LogLevel       *string
	LogFormat      *string
	Cgroup         *bool
	Addr           *string
}

// Apply overlays o onto c and revalidates.
func (c *Config) Apply(o Overrides) error {
	if o.Profile != nil {
		c.Sandbox.Profile = *o.Profile
	}
	if o.TelemetryDir != nil {
		c.Telemetry.Dir = *o.TelemetryDir
	}
	if o.Compress != nil {
		c.Telemetry.Compress = *o.Compress
	}
	if o.SampleInterval != nil {
		c.Telemetry.SampleInterval = Duration(*o.SampleInterval)
	}
	if o.MaxSamples != nil {
		c.Telemetry.MaxSamples = *o.MaxSamples
	}
	if o.LogLevel != nil {
		c.Log.Level = *o.LogLevel
	}
	if o.LogFormat != nil {
		c.Log.Format = *o.LogFormat
	}
	if o.Cgroup != nil {
		c.Cgroup.Enabled = *o.Cgroup
	}
	if o.Addr != nil {
		c.Serve.Addr = *o.Addr
	}
	return c.Validate()
}

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// ByteSize accepts plain byte counts or humanized sizes such as "64MiB".
type ByteSize uint64

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) MarshalYAML() (any, error) {
	return humanize.IBytes(uint64(b)), nil
}

func (b ByteSize) String() string {
	if b == 0 {
		return "max"
	}
	return humanize.IBytes(uint64(b))
}
