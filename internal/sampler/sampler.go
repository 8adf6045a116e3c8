// Package sampler provides high-frequency windowed sampling of a single
// metric source, independent of the owning target's poll interval.
//
// A sampler fetches one value per cadence tick, keeps a sliding window of
// samples pruned by timestamp, and serves ordered reads and statistical
// aggregates over that window. Failed fetches are recorded as failed
// samples rather than dropped, so success-rate over the window stays
// honest.
package sampler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xtxerr/argus/config"
	"github.com/xtxerr/argus/internal/errors"
	"github.com/xtxerr/argus/internal/logging"
	"github.com/xtxerr/argus/internal/metrics"
	"github.com/xtxerr/argus/internal/stats"
)

var log = logging.Component("sampler")

// =============================================================================
// Types
// =============================================================================

// FetchFunc obtains one value from the sampled source. It must respect the
// context deadline; a returned error produces a failed sample.
type FetchFunc func(ctx context.Context) (float64, error)

// Config holds sampler configuration.
type Config struct {
	// Target is the owning target's name, for logs and status.
	Target string

	// Field is the metric field this sampler feeds, for logs and status.
	Field string

	// Cadence is the sampling period.
	Cadence time.Duration

	// Window is the retention horizon for samples.
	Window time.Duration

	// MaxSamples bounds the window regardless of cadence and horizon.
	MaxSamples int

	// FailureThreshold terminates the sampler after this many consecutive
	// failed fetches. Zero disables early termination.
	FailureThreshold int

	// Fetch obtains one sample value.
	Fetch FetchFunc
}

// Status is a point-in-time snapshot of a sampler.
type Status struct {
	Target              string `json:"target"`
	Field               string `json:"field"`
	Running             bool   `json:"running"`
	Samples             int    `json:"samples"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastError           string `json:"last_error,omitempty"`
	Terminal            bool   `json:"terminal"`
}

// Sampler collects samples from one source at a fixed cadence.
type Sampler struct {
	target           string
	field            string
	cadence          time.Duration
	window           time.Duration
	maxSamples       int
	failureThreshold int
	fetch            FetchFunc

	mu                  sync.Mutex
	samples             []metrics.Sample
	running             bool
	terminal            bool
	lastError           string
	consecutiveFailures int

	cancel context.CancelFunc
	done   chan struct{}

	onTerminal func(error)
}

// New creates a sampler. Zero config values fall back to defaults.
func New(cfg Config) *Sampler {
	if cfg.Cadence <= 0 {
		cfg.Cadence = config.DefaultSamplerCadence
	}
	if cfg.Window <= 0 {
		cfg.Window = config.DefaultSamplerWindow
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = config.DefaultSamplerMaxSamples
	}
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = config.DefaultMaxConsecutiveFailures
	}
	return &Sampler{
		target:           cfg.Target,
		field:            cfg.Field,
		cadence:          cfg.Cadence,
		window:           cfg.Window,
		maxSamples:       cfg.MaxSamples,
		failureThreshold: cfg.FailureThreshold,
		fetch:            cfg.Fetch,
	}
}

// SetOnTerminal sets the callback invoked when the sampler terminates on
// its own, either from the failure threshold or a panic. Must be called
// before Start.
func (s *Sampler) SetOnTerminal(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTerminal = fn
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches the sampling loop. Starting a running sampler is a no-op.
func (s *Sampler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.fetch == nil {
		return errors.NewMissingField("fetch")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.terminal = false
	s.consecutiveFailures = 0

	go s.loop(ctx)

	log.Debug("sampler started",
		"target", s.target,
		"field", s.field,
		"cadence", s.cadence,
		"window", s.window)
	return nil
}

// Stop signals the loop and joins it within a bounded timeout. Stopping a
// stopped sampler is a no-op. Returns an error only if the join timed out.
func (s *Sampler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(config.DefaultJoinTimeout):
		log.Warn("sampler stop timeout", "target", s.target, "field", s.field)
		return errors.ErrStopTimeout
	}
}

// Running reports whether the loop is active.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns a snapshot of the sampler.
func (s *Sampler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Target:              s.target,
		Field:               s.field,
		Running:             s.running,
		Samples:             len(s.samples),
		ConsecutiveFailures: s.consecutiveFailures,
		LastError:           s.lastError,
		Terminal:            s.terminal,
	}
}

// =============================================================================
// Sampling Loop
// =============================================================================

func (s *Sampler) loop(ctx context.Context) {
	var terminalErr error

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in sampler",
				"target", s.target,
				"field", s.field,
				"panic", r)
			terminalErr = fmt.Errorf("%w: panic: %v", errors.ErrWorkerFault, r)
		}
		s.finish(terminalErr)
	}()

	for {
		start := time.Now()

		if err := s.sampleOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			// Threshold tripped.
			terminalErr = err
			return
		}

		sleep := s.cadence - time.Since(start)
		if sleep < 0 {
			sleep = 0
		}

		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// sampleOnce fetches one value and appends the resulting sample. It
// returns an error only when the consecutive-failure threshold trips;
// ordinary fetch failures are recorded and the loop continues.
func (s *Sampler) sampleOnce(ctx context.Context) error {
	value, err := s.fetch(ctx)
	if ctx.Err() != nil {
		// Shutdown interrupted the fetch; record nothing.
		return ctx.Err()
	}

	sample := metrics.Sample{
		Timestamp: time.Now().UTC(),
		Value:     value,
		Success:   err == nil,
	}
	if err != nil {
		sample.Err = err.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples = append(s.samples, sample)
	s.prune(sample.Timestamp)

	if err == nil {
		s.consecutiveFailures = 0
		s.lastError = ""
		return nil
	}

	s.consecutiveFailures++
	s.lastError = err.Error()
	log.Debug("sample fetch failed",
		"target", s.target,
		"field", s.field,
		"consecutive", s.consecutiveFailures,
		"error", err)

	if s.failureThreshold > 0 && s.consecutiveFailures >= s.failureThreshold {
		return fmt.Errorf("%w: %d consecutive failures sampling %s/%s: %v",
			errors.ErrWorkerFault, s.consecutiveFailures, s.target, s.field, err)
	}
	return nil
}

// prune drops samples older than the window horizon, then enforces the
// hard count bound. Callers hold s.mu.
func (s *Sampler) prune(now time.Time) {
	horizon := now.Add(-s.window)
	i := 0
	for i < len(s.samples) && s.samples[i].Timestamp.Before(horizon) {
		i++
	}
	if i > 0 {
		s.samples = append(s.samples[:0], s.samples[i:]...)
	}
	if over := len(s.samples) - s.maxSamples; over > 0 {
		s.samples = append(s.samples[:0], s.samples[over:]...)
	}
}

// finish marks the sampler stopped and reports a terminal error, if any,
// to the supervisor callback.
func (s *Sampler) finish(terminalErr error) {
	s.mu.Lock()
	s.running = false
	if terminalErr != nil && !errors.Is(terminalErr, context.Canceled) {
		s.terminal = true
		s.lastError = terminalErr.Error()
	}
	terminal := s.terminal
	onTerminal := s.onTerminal
	done := s.done
	s.mu.Unlock()

	if terminal {
		log.Warn("sampler terminated",
			"target", s.target,
			"field", s.field,
			"error", terminalErr)
		if onTerminal != nil {
			onTerminal(terminalErr)
		}
	}
	close(done)
}

// =============================================================================
// Window Reads
// =============================================================================

// SamplesSince returns samples at or after t, oldest first. The result is
// a copy and safe to retain.
func (s *Sampler) SamplesSince(t time.Time) []metrics.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := 0
	for i < len(s.samples) && s.samples[i].Timestamp.Before(t) {
		i++
	}
	if i == len(s.samples) {
		return nil
	}
	out := make([]metrics.Sample, len(s.samples)-i)
	copy(out, s.samples[i:])
	return out
}

// AggregateSince computes window statistics over samples at or after t.
// An empty window yields a zero Aggregate, not an error.
func (s *Sampler) AggregateSince(t time.Time) metrics.Aggregate {
	return stats.Summarize(s.SamplesSince(t))
}

// Aggregate computes statistics over the full retained window.
func (s *Sampler) Aggregate() metrics.Aggregate {
	return s.AggregateSince(time.Time{})
}

// Len returns the number of retained samples.
func (s *Sampler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

// push is a test hook used by window tests; production samples arrive
// through the loop.
func (s *Sampler) push(sample metrics.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	s.prune(sample.Timestamp)
}
