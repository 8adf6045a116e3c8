package collect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xtxerr/argus/config"
	"github.com/xtxerr/argus/internal/errors"
	"github.com/xtxerr/argus/internal/metrics"
	"github.com/xtxerr/argus/internal/queue"
	"github.com/xtxerr/argus/internal/rate"
)

// =============================================================================
// Interface Monitor
// =============================================================================

// MonitorConfig holds construction parameters for one target's interface
// monitor.
type MonitorConfig struct {
	Target string

	// Interval is the counter collection cadence, slower than the main
	// poll interval.
	Interval time.Duration

	// Source supplies interface names and counters.
	Source CounterSource

	// Queue receives one rate batch per cycle.
	Queue *queue.Queue

	// Policy filters which interfaces are monitored. Nil monitors all.
	Policy *rate.Policy

	// Width is the counter wrap modulus of this appliance.
	Width rate.Width

	// FailureThreshold terminates the monitor after this many consecutive
	// failed cycles. Zero disables early termination.
	FailureThreshold int
}

// MonitorStatus is a point-in-time snapshot of an interface monitor.
type MonitorStatus struct {
	Target              string `json:"target"`
	Running             bool   `json:"running"`
	Interfaces          int    `json:"interfaces"`
	Cycles              uint64 `json:"cycles"`
	Drops               uint64 `json:"drops"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastError           string `json:"last_error,omitempty"`
	Terminal            bool   `json:"terminal"`
}

// Monitor collects interface counters for one target on its own cadence
// and turns them into rate batches. Collection is two-stage: discover the
// current interface names, then read counters for the monitored subset.
type Monitor struct {
	target           string
	interval         time.Duration
	source           CounterSource
	q                *queue.Queue
	policy           *rate.Policy
	tracker          *rate.Tracker
	failureThreshold int

	mu                  sync.Mutex
	running             bool
	terminal            bool
	cycles              uint64
	drops               uint64
	consecutiveFailures int
	lastError           string

	cancel context.CancelFunc
	done   chan struct{}

	onTerminal func(error)
}

// NewMonitor creates an interface monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Duration(config.DefaultInterfaceIntervalSec) * time.Second
	}
	if cfg.Policy == nil {
		cfg.Policy = rate.NewPolicy(nil, nil)
	}
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = config.DefaultMaxConsecutiveFailures
	}
	return &Monitor{
		target:           cfg.Target,
		interval:         cfg.Interval,
		source:           cfg.Source,
		q:                cfg.Queue,
		policy:           cfg.Policy,
		tracker:          rate.NewTracker(cfg.Width),
		failureThreshold: cfg.FailureThreshold,
	}
}

// SetOnTerminal sets the callback invoked when the monitor dies on its
// own. Must be called before Start.
func (m *Monitor) SetOnTerminal(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerminal = fn
}

// Status returns a snapshot of the monitor.
func (m *Monitor) Status() MonitorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MonitorStatus{
		Target:              m.target,
		Running:             m.running,
		Interfaces:          m.tracker.Len(),
		Cycles:              m.cycles,
		Drops:               m.drops,
		ConsecutiveFailures: m.consecutiveFailures,
		LastError:           m.lastError,
		Terminal:            m.terminal,
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches the monitor loop. Starting a running monitor is a no-op.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	if m.source == nil {
		return errors.NewMissingField("source")
	}
	if m.q == nil {
		return errors.NewMissingField("queue")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true
	m.terminal = false
	m.consecutiveFailures = 0

	go m.loop(ctx)

	log.Info("interface monitor started", "target", m.target, "interval", m.interval)
	return nil
}

// Stop signals the loop and joins it within a bounded timeout. Stopping a
// stopped monitor is a no-op.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(config.DefaultJoinTimeout):
		log.Warn("interface monitor stop timeout", "target", m.target)
		return errors.ErrStopTimeout
	}
}

// Running reports whether the loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// =============================================================================
// Collection Loop
// =============================================================================

func (m *Monitor) loop(ctx context.Context) {
	var terminalErr error

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in interface monitor", "target", m.target, "panic", r)
			terminalErr = fmt.Errorf("%w: panic: %v", errors.ErrWorkerFault, r)
		}
		m.finish(terminalErr)
	}()

	for {
		start := time.Now()

		if err := m.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			terminalErr = err
			return
		}

		sleep := m.interval - time.Since(start)
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

// cycle performs one two-stage collection. It returns an error only when
// the consecutive-failure threshold trips.
func (m *Monitor) cycle(ctx context.Context) error {
	rates, err := m.collect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return m.recordFailure(err)
	}

	m.mu.Lock()
	m.cycles++
	m.consecutiveFailures = 0
	m.lastError = ""
	m.mu.Unlock()

	if len(rates) == 0 {
		return nil
	}
	if !m.q.Enqueue(metrics.RatesItem(m.target, rates)) {
		m.mu.Lock()
		m.drops++
		m.mu.Unlock()
	}
	return nil
}

func (m *Monitor) collect(ctx context.Context) ([]metrics.InterfaceRate, error) {
	names, err := m.source.Discover(ctx)
	if err != nil {
		return nil, err
	}

	monitored := names[:0:0]
	for _, name := range names {
		if m.policy.ShouldMonitor(name) {
			monitored = append(monitored, name)
		}
	}
	if len(monitored) == 0 {
		return nil, nil
	}

	snaps, err := m.source.Counters(ctx, monitored)
	if err != nil {
		return nil, err
	}

	var rates []metrics.InterfaceRate
	for _, snap := range snaps {
		if r, ok := m.tracker.Observe(snap); ok {
			rates = append(rates, r)
		}
	}
	return rates, nil
}

func (m *Monitor) recordFailure(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.consecutiveFailures++
	m.lastError = err.Error()
	log.Debug("interface collection failed",
		"target", m.target,
		"consecutive", m.consecutiveFailures,
		"error", err)

	if m.failureThreshold > 0 && m.consecutiveFailures >= m.failureThreshold {
		return fmt.Errorf("%w: %d consecutive interface collection failures on %s: %v",
			errors.ErrWorkerFault, m.consecutiveFailures, m.target, err)
	}
	return nil
}

func (m *Monitor) finish(terminalErr error) {
	m.mu.Lock()
	m.running = false
	if terminalErr != nil {
		m.terminal = true
		m.lastError = terminalErr.Error()
	}
	terminal := m.terminal
	onTerminal := m.onTerminal
	done := m.done
	m.mu.Unlock()

	if terminal {
		log.Error("interface monitor terminated", "target", m.target, "error", terminalErr)
		if onTerminal != nil {
			onTerminal(terminalErr)
		}
	}
	close(done)
}
