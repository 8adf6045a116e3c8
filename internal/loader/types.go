// Package loader - Configuration Types
//
// Defines the YAML configuration structure for argusd.
package loader

import (
	"time"

	"github.com/xtxerr/argus/config"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure for argusd.
type Config struct {
	// Logging configures level and output format.
	Logging LoggingConfig `yaml:"logging"`

	// Server configures the operator console listener.
	Server ServerConfig `yaml:"server"`

	// Store configures the embedded database.
	Store StoreConfig `yaml:"store"`

	// Queue configures the fan-in queue shared by all targets.
	Queue QueueConfig `yaml:"queue"`

	// Rollup configures hourly aggregation.
	Rollup RollupConfig `yaml:"rollup"`

	// Defaults are per-target settings applied where a target omits them.
	Defaults TargetDefaults `yaml:"defaults"`

	// Targets are the appliances to poll.
	Targets []*TargetConfig `yaml:"targets"`
}

// LoggingConfig configures the slog backend.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON switches output from key=value text to JSON lines.
	JSON bool `yaml:"json"`
}

// ServerConfig configures the operator console.
type ServerConfig struct {
	// Listen is the TCP address for operator connections.
	// Default: "127.0.0.1:9716"
	Listen string `yaml:"listen"`

	// Token, when set, requires console connections to authenticate.
	// Use environment expansion: "${ARGUS_TOKEN}".
	Token string `yaml:"token"`
}

// StoreConfig configures the embedded database.
type StoreConfig struct {
	// Path is the database file. ":memory:" runs without a file.
	// Default: "argus.duckdb"
	Path string `yaml:"path"`

	// RetentionDays is how long rows are kept. Negative disables the
	// sweeper. Default: 30
	RetentionDays int `yaml:"retention_days"`

	// SweepInterval is how often the retention sweep runs. Default: 1h
	SweepInterval Duration `yaml:"sweep_interval"`

	// ArchiveDir, when set, receives a parquet file of swept metric rows
	// before each delete.
	ArchiveDir string `yaml:"archive_dir"`
}

// QueueConfig configures the fan-in queue.
type QueueConfig struct {
	// Capacity is the queue size. Default: 1000
	Capacity int `yaml:"capacity"`

	// EnqueueWait is the longest a producer blocks on a full queue.
	// Default: 100ms
	EnqueueWait Duration `yaml:"enqueue_wait"`
}

// RollupConfig configures hourly aggregation of stored fields.
type RollupConfig struct {
	// Bucket is the aggregation window. Default: 1h
	Bucket Duration `yaml:"bucket"`

	// FlushInterval is how often closed buckets are written. Default: 1m
	FlushInterval Duration `yaml:"flush_interval"`

	// Accuracy is the DDSketch relative accuracy. Default: 0.01
	Accuracy float64 `yaml:"accuracy"`
}

// =============================================================================
// Target Configuration
// =============================================================================

// TargetDefaults are applied to each target where it leaves the matching
// field unset.
type TargetDefaults struct {
	// Interval is the poll cycle cadence. Default: 60s
	Interval Duration `yaml:"interval"`

	// Aggregation selects how per-core data-plane CPU collapses into the
	// headline value: "max" or "mean". Default: "max"
	Aggregation string `yaml:"aggregation"`

	// InsecureSkipVerify disables TLS verification for the management
	// API. Appliances commonly ship self-signed certificates.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// Interfaces are defaults for per-target interface monitoring.
	Interfaces InterfaceDefaults `yaml:"interfaces"`
}

// InterfaceDefaults are interface-monitor settings shared across targets.
type InterfaceDefaults struct {
	// Interval is the counter collection cadence. Default: 30s
	Interval Duration `yaml:"interval"`

	// Exclude are substring patterns for interfaces never monitored.
	// Default: mgmt, loopback, tunnel
	Exclude []string `yaml:"exclude"`

	// CounterWidth is the counter wrap modulus in bits: 32 or 64.
	// Default: 64
	CounterWidth int `yaml:"counter_width"`
}

// TargetConfig describes one appliance. Targets are immutable during a
// run; changing one requires restarting its workers.
type TargetConfig struct {
	// Name identifies the target in records, logs, and the console.
	Name string `yaml:"name"`

	// Address is the management API host, with optional :port.
	Address string `yaml:"address"`

	// Username and Password are the credential pair for the key exchange.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Enabled defaults to true; set false to configure a target without
	// polling it.
	Enabled *bool `yaml:"enabled"`

	// Interval overrides the default poll cadence.
	Interval Duration `yaml:"interval"`

	// Aggregation overrides the default data-plane CPU mode.
	Aggregation string `yaml:"aggregation"`

	// InsecureSkipVerify overrides the default TLS verification setting.
	InsecureSkipVerify *bool `yaml:"insecure_skip_verify"`

	// Hardware seeds the target's identity metadata before the first
	// poll reports the real values.
	Hardware *HardwareConfig `yaml:"hardware"`

	// Samplers are high-frequency probes whose window aggregates merge
	// into this target's records.
	Samplers []SamplerConfig `yaml:"samplers"`

	// Interfaces enables counter collection for this target.
	Interfaces *InterfacesConfig `yaml:"interfaces"`
}

// IsEnabled reports whether the target should be polled.
func (t *TargetConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// SkipVerify resolves the effective TLS verification setting.
func (t *TargetConfig) SkipVerify(defaults TargetDefaults) bool {
	if t.InsecureSkipVerify != nil {
		return *t.InsecureSkipVerify
	}
	return defaults.InsecureSkipVerify
}

// HardwareConfig is operator-supplied identity metadata for a target.
// Every field is optional; the poller's system-info cycle overwrites
// whatever the appliance actually reports.
type HardwareConfig struct {
	Hostname  string `yaml:"hostname"`
	Model     string `yaml:"model"`
	Serial    string `yaml:"serial"`
	SWVersion string `yaml:"sw_version"`
}

// SamplerConfig describes one high-frequency probe.
type SamplerConfig struct {
	// Probe names what to sample (see collect.ProbeNames). Required.
	Probe string `yaml:"probe"`

	// Field is the record field prefix for the aggregates. Defaults to
	// the probe name.
	Field string `yaml:"field"`

	// Cadence is the sampling period. Default: 500ms
	Cadence Duration `yaml:"cadence"`

	// Window is the trailing retention horizon. Default: 60s
	Window Duration `yaml:"window"`

	// MaxSamples bounds the window regardless of cadence and horizon.
	// Default: 4096
	MaxSamples int `yaml:"max_samples"`

	// FailureThreshold terminates the sampler after this many
	// consecutive failed fetches. Default: 5
	FailureThreshold int `yaml:"failure_threshold"`
}

// InterfacesConfig enables and tunes interface-counter monitoring for
// one target.
type InterfacesConfig struct {
	// Enabled defaults to true when the block is present.
	Enabled *bool `yaml:"enabled"`

	// Interval overrides the default counter cadence.
	Interval Duration `yaml:"interval"`

	// Exclude overrides the default exclusion patterns.
	Exclude []string `yaml:"exclude"`

	// Allow restricts monitoring to these names. Empty admits every name
	// that no exclusion matches.
	Allow []string `yaml:"allow"`

	// CounterSource selects where counters come from: "api" (the
	// management API) or "snmp". Default: "api"
	CounterSource string `yaml:"counter_source"`

	// CounterWidth overrides the default wrap modulus (32 or 64).
	CounterWidth int `yaml:"counter_width"`

	// FailureThreshold terminates the monitor after this many
	// consecutive failed cycles. Default: 5
	FailureThreshold int `yaml:"failure_threshold"`

	// SNMP configures the agent when counter_source is "snmp".
	SNMP *SNMPConfig `yaml:"snmp"`
}

// IsEnabled reports whether the interface monitor should run.
func (c *InterfacesConfig) IsEnabled() bool {
	return c != nil && (c.Enabled == nil || *c.Enabled)
}

// SNMPConfig configures the SNMP counter source for one target.
type SNMPConfig struct {
	// Community is the v2c community string. Default: "public"
	Community string `yaml:"community"`

	// Port is the agent port. Default: 161
	Port int `yaml:"port"`

	// TimeoutMs is the per-request timeout. Default: 5000
	TimeoutMs int `yaml:"timeout_ms"`

	// Retries is the retry count after timeout. Default: 2
	Retries int `yaml:"retries"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a configuration with every default applied.
// Load unmarshals on top of it, so absent keys keep these values.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		Server: ServerConfig{
			Listen: config.DefaultStatusListen,
		},
		Store: StoreConfig{
			Path:          config.DefaultStorePath,
			RetentionDays: config.DefaultRetentionDays,
			SweepInterval: Duration(config.DefaultRetentionSweepInterval),
		},
		Queue: QueueConfig{
			Capacity:    config.DefaultQueueCapacity,
			EnqueueWait: Duration(config.DefaultEnqueueWait),
		},
		Rollup: RollupConfig{
			Bucket:        Duration(time.Hour),
			FlushInterval: Duration(config.DefaultRollupFlushInterval),
			Accuracy:      config.DefaultRollupAccuracy,
		},
		Defaults: TargetDefaults{
			Interval:    Duration(time.Duration(config.DefaultPollIntervalSec) * time.Second),
			Aggregation: "max",
			Interfaces: InterfaceDefaults{
				Interval:     Duration(time.Duration(config.DefaultInterfaceIntervalSec) * time.Second),
				Exclude:      append([]string(nil), config.DefaultInterfaceExcludes...),
				CounterWidth: config.DefaultCounterWidth,
			},
		},
	}
}

// =============================================================================
// Duration
// =============================================================================

// Duration is a time.Duration that unmarshals from YAML as either a
// duration string ("30s", "5m") or an integer number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int
		if err := unmarshal(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
