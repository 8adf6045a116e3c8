// Package config provides configuration defaults and utilities
// for the argus collector.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml.
package config

import "time"

// =============================================================================
// Polling Defaults
// =============================================================================

const (
	// DefaultPollIntervalSec is the per-target poll cycle interval.
	// Also the retry interval while a target is unauthenticated.
	// Override via config: defaults.interval_sec or targets[].interval_sec
	DefaultPollIntervalSec = 60

	// DefaultAuthTimeoutSec is the timeout for the credential exchange.
	// Override via config: defaults.auth_timeout_sec
	DefaultAuthTimeoutSec = 20

	// DefaultOpTimeoutSec is the timeout for a single operational command.
	// Override via config: defaults.op_timeout_sec
	DefaultOpTimeoutSec = 30

	// DefaultMaxConsecutiveFailures terminates an interface monitor or
	// sampler after this many failed cycles in a row. Zero disables the
	// threshold. The main poller is not subject to it.
	// Override via config: targets[].interfaces.failure_threshold
	DefaultMaxConsecutiveFailures = 5
)

// =============================================================================
// Fan-in Queue Defaults
// =============================================================================

const (
	// DefaultQueueCapacity is the fan-in queue size shared by all targets.
	// When full, producers wait up to the enqueue bound, then drop.
	// Override via config: queue.capacity
	DefaultQueueCapacity = 1000

	// DefaultEnqueueWait is the longest a producer blocks on a full queue.
	// Override via config: queue.enqueue_wait_ms
	DefaultEnqueueWait = 100 * time.Millisecond

	// DefaultDropLogInterval controls drop log flooding: the first drop is
	// logged, then every Nth after it.
	DefaultDropLogInterval = 10
)

// =============================================================================
// Windowed Sampler Defaults
// =============================================================================

const (
	// DefaultSamplerCadence is the fixed sampling period.
	// Override via config: targets[].sampler.cadence_ms
	DefaultSamplerCadence = 500 * time.Millisecond

	// DefaultSamplerWindow is the trailing retention horizon.
	// Override via config: targets[].sampler.window_sec
	DefaultSamplerWindow = 60 * time.Second

	// DefaultSamplerMaxSamples is the hard cap on retained samples,
	// bounding memory when cadence and window are misconfigured.
	DefaultSamplerMaxSamples = 4096
)

// =============================================================================
// Interface Monitoring Defaults
// =============================================================================

const (
	// DefaultInterfaceIntervalSec is the interface counter poll interval.
	// Override via config: targets[].interfaces.interval_sec
	DefaultInterfaceIntervalSec = 30

	// DefaultCounterWidth is the assumed counter width in bits when a
	// target does not configure one. Rates silently corrupt after a wrap
	// when this is wrong, so targets should set it explicitly.
	// Override via config: targets[].counter_width
	DefaultCounterWidth = 64
)

// DefaultInterfaceExcludes are substring patterns for interfaces that are
// never monitored unless explicitly allowed.
// Override via config: targets[].interfaces.exclude
var DefaultInterfaceExcludes = []string{"mgmt", "loopback", "tunnel"}

// =============================================================================
// SNMP Counter Source Defaults
// =============================================================================

const (
	// DefaultSNMPPort is the agent port for the SNMP counter source.
	// Override via config: targets[].snmp.port
	DefaultSNMPPort = 161

	// DefaultSNMPCommunity is the v2c community string.
	// Override via config: targets[].snmp.community
	DefaultSNMPCommunity = "public"

	// DefaultSNMPTimeout is the timeout for a single SNMP request.
	// Override via config: targets[].snmp.timeout_ms
	DefaultSNMPTimeout = 5 * time.Second

	// DefaultSNMPRetries is the number of retry attempts after timeout.
	// Override via config: targets[].snmp.retries
	DefaultSNMPRetries = 2
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultJoinTimeout is how long the supervisor waits for one worker
	// to exit after signalling stop. A wedged worker is abandoned after
	// this bound so it cannot hang global shutdown.
	// Override via config: shutdown.join_timeout_sec
	DefaultJoinTimeout = 5 * time.Second

	// DefaultDrainTimeout is how long the sink worker keeps draining the
	// queue after stop is requested.
	// Override via config: shutdown.drain_timeout_sec
	DefaultDrainTimeout = 10 * time.Second
)

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultStorePath is the embedded database path.
	// Override via config: storage.path
	DefaultStorePath = "argus.duckdb"

	// DefaultRetentionDays is how long written rows are kept before the
	// retention sweep removes (and optionally archives) them.
	// Override via config: storage.retention_days
	DefaultRetentionDays = 30

	// DefaultRetentionSweepInterval is how often the sweep runs.
	// Override via config: storage.sweep_interval_sec
	DefaultRetentionSweepInterval = time.Hour

	// DefaultRecentLimit caps rows returned by recent-record queries.
	// Override via config: storage.recent_limit
	DefaultRecentLimit = 1000

	// DefaultRollupFlushInterval is how often closed rollup buckets are
	// persisted.
	// Override via config: storage.rollup_flush_sec
	DefaultRollupFlushInterval = time.Minute

	// DefaultRollupAccuracy is the DDSketch relative accuracy for rollup
	// percentiles (0.01 = 1%).
	DefaultRollupAccuracy = 0.01
)

// =============================================================================
// Operator Protocol Defaults
// =============================================================================

const (
	// DefaultStatusListen is the operator protocol listen address.
	// Override via config: server.listen
	DefaultStatusListen = "127.0.0.1:9716"

	// DefaultMaxMessageSize limits envelope size to prevent OOM.
	// Override via config: server.max_message_size
	DefaultMaxMessageSize = 16 * 1024 * 1024

	// DefaultOperatorTimeout bounds one operator request round trip.
	DefaultOperatorTimeout = 10 * time.Second
)
