// Package loader handles configuration file loading, validation, and
// normalization.
//
// This package is responsible for:
//   - Loading YAML configuration files
//   - Expanding environment variables
//   - Filling per-target defaults
//   - Validating the result in a single pass
package loader

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/argus/config"
	"github.com/xtxerr/argus/internal/collect"
	"github.com/xtxerr/argus/internal/errors"
	"github.com/xtxerr/argus/internal/validation"
)

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file. Absent keys keep their
// defaults; environment variables in the file body are expanded before
// parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Normalize()
	return cfg, nil
}

// Normalize fills target-level gaps from the defaults section. Load calls
// it; configurations built in code call it before Validate.
func (c *Config) Normalize() {
	for _, t := range c.Targets {
		if t == nil {
			continue
		}
		if t.Interval == 0 {
			t.Interval = c.Defaults.Interval
		}
		if t.Aggregation == "" {
			t.Aggregation = c.Defaults.Aggregation
		}

		for i := range t.Samplers {
			s := &t.Samplers[i]
			if s.Field == "" {
				s.Field = s.Probe
			}
			if s.Cadence == 0 {
				s.Cadence = Duration(config.DefaultSamplerCadence)
			}
			if s.Window == 0 {
				s.Window = Duration(config.DefaultSamplerWindow)
			}
			if s.MaxSamples == 0 {
				s.MaxSamples = config.DefaultSamplerMaxSamples
			}
			if s.FailureThreshold == 0 {
				s.FailureThreshold = config.DefaultMaxConsecutiveFailures
			}
		}

		if t.Interfaces != nil {
			ic := t.Interfaces
			if ic.Interval == 0 {
				ic.Interval = c.Defaults.Interfaces.Interval
			}
			if ic.Exclude == nil {
				ic.Exclude = append([]string(nil), c.Defaults.Interfaces.Exclude...)
			}
			if ic.CounterWidth == 0 {
				ic.CounterWidth = c.Defaults.Interfaces.CounterWidth
			}
			if ic.CounterSource == "" {
				ic.CounterSource = "api"
			}
			if ic.FailureThreshold == 0 {
				ic.FailureThreshold = config.DefaultMaxConsecutiveFailures
			}
			if ic.CounterSource == "snmp" {
				if ic.SNMP == nil {
					ic.SNMP = &SNMPConfig{}
				}
				if ic.SNMP.Community == "" {
					ic.SNMP.Community = config.DefaultSNMPCommunity
				}
				if ic.SNMP.Port == 0 {
					ic.SNMP.Port = config.DefaultSNMPPort
				}
				if ic.SNMP.TimeoutMs == 0 {
					ic.SNMP.TimeoutMs = int(config.DefaultSNMPTimeout / time.Millisecond)
				}
				if ic.SNMP.Retries == 0 {
					ic.SNMP.Retries = config.DefaultSNMPRetries
				}
			}
		}
	}
}

// =============================================================================
// Validate
// =============================================================================

var validProbes = func() map[string]bool {
	m := make(map[string]bool)
	for _, name := range collect.ProbeNames() {
		m[name] = true
	}
	return m
}()

// Validate validates a normalized configuration.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs.AddField("logging.level", "must be debug, info, warn, or error")
	}

	if cfg.Server.Listen == "" {
		errs.AddField("server.listen", "cannot be empty")
	}

	if cfg.Store.Path == "" {
		errs.AddField("store.path", "cannot be empty")
	}
	if cfg.Store.SweepInterval.Duration() < 0 {
		errs.AddField("store.sweep_interval", "cannot be negative")
	}

	if cfg.Queue.Capacity < 1 {
		errs.AddField("queue.capacity", "must be at least 1")
	}
	if cfg.Queue.EnqueueWait.Duration() <= 0 {
		errs.AddField("queue.enqueue_wait", "must be positive")
	}

	if cfg.Rollup.Accuracy <= 0 || cfg.Rollup.Accuracy >= 1 {
		errs.AddField("rollup.accuracy", "must be between 0 and 1 exclusive")
	}
	if cfg.Rollup.Bucket.Duration() < time.Minute {
		errs.AddField("rollup.bucket", "must be at least 1m")
	}
	if cfg.Rollup.FlushInterval.Duration() <= 0 {
		errs.AddField("rollup.flush_interval", "must be positive")
	}

	if len(cfg.Targets) == 0 {
		errs.AddField("targets", "at least one target is required")
	}

	seen := make(map[string]bool, len(cfg.Targets))
	for i, t := range cfg.Targets {
		validateTarget(errs, i, t, seen)
	}

	return errs.Err()
}

func validateTarget(errs *errors.ValidationErrors, i int, t *TargetConfig, seen map[string]bool) {
	prefix := fmt.Sprintf("targets[%d]", i)
	if t == nil {
		errs.AddField(prefix, "cannot be empty")
		return
	}

	if t.Name == "" {
		errs.AddField(prefix+".name", "cannot be empty")
	} else if err := validation.ValidateTargetName(t.Name); err != nil {
		errs.AddField(prefix+".name", err.Error())
	} else if seen[t.Name] {
		errs.AddField(prefix+".name", fmt.Sprintf("duplicate target name %q", t.Name))
	} else {
		seen[t.Name] = true
	}

	if t.Address == "" {
		errs.AddField(prefix+".address", "cannot be empty")
	} else if err := validation.ValidateAddress(t.Address); err != nil {
		errs.AddField(prefix+".address", err.Error())
	}

	if t.Username == "" {
		errs.AddField(prefix+".username", "cannot be empty")
	}
	if t.Password == "" {
		errs.AddField(prefix+".password", "cannot be empty")
	}

	if err := validation.ValidateInterval(t.Interval.Duration(), time.Second, 24*time.Hour); err != nil {
		errs.AddField(prefix+".interval", err.Error())
	}

	switch collect.AggregationMode(t.Aggregation) {
	case collect.AggregateMax, collect.AggregateMean:
	default:
		errs.AddField(prefix+".aggregation", "must be max or mean")
	}

	for j, s := range t.Samplers {
		sp := fmt.Sprintf("%s.samplers[%d]", prefix, j)
		if s.Probe == "" {
			errs.AddField(sp+".probe", "cannot be empty")
		} else if !validProbes[s.Probe] {
			errs.AddField(sp+".probe", fmt.Sprintf("unknown probe %q", s.Probe))
		}
		if err := validation.ValidateInterval(s.Cadence.Duration(), 50*time.Millisecond, 10*time.Second); err != nil {
			errs.AddField(sp+".cadence", err.Error())
		}
		if s.Window.Duration() <= s.Cadence.Duration() {
			errs.AddField(sp+".window", "must exceed the cadence")
		}
		if s.Window.Duration() > time.Hour {
			errs.AddField(sp+".window", "cannot exceed 1h")
		}
	}

	if t.Interfaces != nil {
		validateInterfaces(errs, prefix, t.Interfaces)
	}
}

func validateInterfaces(errs *errors.ValidationErrors, prefix string, ic *InterfacesConfig) {
	ip := prefix + ".interfaces"

	if err := validation.ValidateInterval(ic.Interval.Duration(), time.Second, 24*time.Hour); err != nil {
		errs.AddField(ip+".interval", err.Error())
	}

	switch ic.CounterSource {
	case "api", "snmp":
	default:
		errs.AddField(ip+".counter_source", "must be api or snmp")
	}

	if ic.CounterWidth != 32 && ic.CounterWidth != 64 {
		errs.AddField(ip+".counter_width", "must be 32 or 64")
	}

	if ic.CounterSource == "snmp" && ic.SNMP != nil {
		if err := validation.ValidateRange(ic.SNMP.Port, 1, 65535); err != nil {
			errs.AddField(ip+".snmp.port", err.Error())
		}
		if ic.SNMP.TimeoutMs < 1 {
			errs.AddField(ip+".snmp.timeout_ms", "must be positive")
		}
		if ic.SNMP.Retries < 0 {
			errs.AddField(ip+".snmp.retries", "cannot be negative")
		}
	}
}
