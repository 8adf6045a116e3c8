package collect

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/argus/config"
	"github.com/xtxerr/argus/internal/errors"
	"github.com/xtxerr/argus/internal/metrics"
	"github.com/xtxerr/argus/internal/queue"
	"github.com/xtxerr/argus/internal/sampler"
)

// =============================================================================
// Poller State
// =============================================================================

// State is the poller lifecycle state.
type State int32

const (
	// StateUnauthenticated means the poller holds no API key.
	StateUnauthenticated State = iota

	// StateAuthenticating means a keygen exchange is in flight.
	StateAuthenticating

	// StatePolling means cycles run against a live API key.
	StatePolling

	// StateStopped is terminal for this poller instance.
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StatePolling:
		return "polling"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// =============================================================================
// Poller
// =============================================================================

// PollerConfig holds construction parameters for one target's poller.
type PollerConfig struct {
	Target   string
	User     string
	Password string

	// Interval is the poll cadence.
	Interval time.Duration

	// Client speaks the management API.
	Client TelemetryClient

	// Queue receives the cycle's items.
	Queue *queue.Queue

	// Groups are the metric groups run each cycle. Nil means the default
	// set with max aggregation.
	Groups []Group

	// Samplers whose window aggregates merge into each record. The
	// supervisor owns their lifecycle; the poller only reads.
	Samplers []*sampler.Sampler
}

// PollerStatus is a point-in-time snapshot for the status surface.
type PollerStatus struct {
	Target        string    `json:"target"`
	State         string    `json:"state"`
	Authenticated bool      `json:"authenticated"`
	Alive         bool      `json:"alive"`
	LastPoll      time.Time `json:"last_poll"`
	Cycles        uint64    `json:"cycles"`
	Drops         uint64    `json:"drops"`
	LastError     string    `json:"last_error,omitempty"`
}

// Poller drives the collection state machine for one target:
// Unauthenticated -> Authenticating -> Polling, back to Unauthenticated on
// key expiry, Stopped on request. A failed authentication stays
// Unauthenticated and retries on the next cycle; the poll interval is the
// retry interval.
type Poller struct {
	target   string
	user     string
	password string
	interval time.Duration
	client   TelemetryClient
	q        *queue.Queue
	groups   []Group
	samplers []*sampler.Sampler

	state atomic.Int32

	mu        sync.Mutex
	token     string
	lastPoll  time.Time
	cycles    uint64
	drops     uint64
	lastError string
	hwDone    bool
	running   bool
	terminal  bool

	cancel context.CancelFunc
	done   chan struct{}

	onHardware func(metrics.HardwareInfo)
	onTerminal func(error)
}

// NewPoller creates a poller. Zero interval falls back to the default.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Duration(config.DefaultPollIntervalSec) * time.Second
	}
	if cfg.Groups == nil {
		cfg.Groups = DefaultGroups(AggregateMax)
	}
	return &Poller{
		target:   cfg.Target,
		user:     cfg.User,
		password: cfg.Password,
		interval: cfg.Interval,
		client:   cfg.Client,
		q:        cfg.Queue,
		groups:   cfg.Groups,
		samplers: cfg.Samplers,
	}
}

// SetOnHardware sets the callback invoked when the system-info group
// first yields appliance identity. Must be called before Start.
func (p *Poller) SetOnHardware(fn func(metrics.HardwareInfo)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onHardware = fn
}

// SetOnTerminal sets the callback invoked when the poller dies on its
// own. Must be called before Start.
func (p *Poller) SetOnTerminal(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTerminal = fn
}

// State returns the current lifecycle state.
func (p *Poller) State() State {
	return State(p.state.Load())
}

func (p *Poller) setState(s State) {
	p.state.Store(int32(s))
}

// Status returns a snapshot for the status surface.
func (p *Poller) Status() PollerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	state := p.State()
	return PollerStatus{
		Target:        p.target,
		State:         state.String(),
		Authenticated: state == StatePolling,
		Alive:         p.running,
		LastPoll:      p.lastPoll,
		Cycles:        p.cycles,
		Drops:         p.drops,
		LastError:     p.lastError,
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches the poll loop. Starting a running poller is a no-op.
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	if p.client == nil {
		return errors.NewMissingField("client")
	}
	if p.q == nil {
		return errors.NewMissingField("queue")
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.terminal = false
	p.token = ""
	p.setState(StateUnauthenticated)

	go p.loop(ctx)

	log.Info("poller started", "target", p.target, "interval", p.interval)
	return nil
}

// Stop signals the loop and joins it within a bounded timeout. Stopping a
// stopped poller is a no-op.
func (p *Poller) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(config.DefaultJoinTimeout):
		log.Warn("poller stop timeout", "target", p.target)
		return errors.ErrStopTimeout
	}
}

// Running reports whether the loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// =============================================================================
// Poll Loop
// =============================================================================

func (p *Poller) loop(ctx context.Context) {
	var terminalErr error

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in poller", "target", p.target, "panic", r)
			terminalErr = fmt.Errorf("%w: panic: %v", errors.ErrWorkerFault, r)
		}
		p.finish(terminalErr)
	}()

	for {
		start := time.Now()
		authedNow := false

		switch p.State() {
		case StateUnauthenticated:
			authedNow = p.authenticate(ctx)
		case StatePolling:
			p.cycle(ctx)
		}
		if ctx.Err() != nil {
			return
		}

		if authedNow {
			// First poll follows a successful login immediately.
			continue
		}

		sleep := p.interval - time.Since(start)
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

// authenticate runs one keygen exchange. Returns true on success.
func (p *Poller) authenticate(ctx context.Context) bool {
	p.setState(StateAuthenticating)

	token, err := p.client.Keygen(ctx, p.user, p.password)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.mu.Lock()
		p.lastError = err.Error()
		p.mu.Unlock()
		p.setState(StateUnauthenticated)
		log.Warn("authentication failed", "target", p.target, "error", err)
		return false
	}

	p.mu.Lock()
	p.token = token
	p.lastError = ""
	p.mu.Unlock()
	p.setState(StatePolling)
	log.Info("authenticated", "target", p.target)
	return true
}

// cycle runs all metric groups once and enqueues the results. One group's
// failure never aborts the others; every cycle emits exactly one record,
// however partial.
func (p *Poller) cycle(ctx context.Context) {
	p.mu.Lock()
	token := p.token
	hwDone := p.hwDone
	p.mu.Unlock()

	groups := p.groups
	if !hwDone {
		groups = append([]Group{SystemInfoGroup()}, groups...)
	}

	rec := metrics.NewRecord(p.target)
	var sessions *metrics.SessionStats
	expired := false

	for _, g := range groups {
		doc, err := p.client.Op(ctx, token, g.Cmd)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.mu.Lock()
			p.lastError = err.Error()
			p.mu.Unlock()
			if errors.Is(err, errors.ErrAuthExpired) {
				// The key is dead; the rest of the cycle would fail the
				// same way. Keep what we have and re-authenticate.
				log.Warn("api key expired", "target", p.target)
				expired = true
				break
			}
			log.Debug("metric group failed",
				"target", p.target, "group", g.Name, "error", err)
			continue
		}

		res, err := g.Parse(doc)
		if err != nil {
			log.Debug("metric group parse failed",
				"target", p.target, "group", g.Name, "error", err)
			continue
		}

		for k, v := range res.Fields {
			rec.Fields[k] = v
		}
		if res.Sessions != nil {
			sessions = res.Sessions
			sessions.Target = p.target
			sessions.Timestamp = rec.Timestamp
		}
		if res.Hardware != nil {
			p.mu.Lock()
			p.hwDone = true
			cb := p.onHardware
			p.mu.Unlock()
			if cb != nil {
				cb(*res.Hardware)
			}
		}
	}

	p.mergeSamplers(rec)

	if !p.q.Enqueue(metrics.RecordItem(rec)) {
		p.countDrop()
	}
	if sessions != nil {
		if !p.q.Enqueue(metrics.SessionsItem(sessions)) {
			p.countDrop()
		}
	}

	p.mu.Lock()
	p.cycles++
	p.lastPoll = time.Now().UTC()
	if expired {
		p.token = ""
	}
	p.mu.Unlock()

	if expired {
		p.setState(StateUnauthenticated)
	}
}

// mergeSamplers folds each sampler's window aggregate into the record.
// Empty windows contribute nothing.
func (p *Poller) mergeSamplers(rec *metrics.Record) {
	for _, s := range p.samplers {
		agg := s.Aggregate()
		if agg.Count == 0 {
			continue
		}
		field := s.Status().Field
		rec.Fields[field+"_mean"] = agg.Mean
		rec.Fields[field+"_min"] = agg.Min
		rec.Fields[field+"_max"] = agg.Max
		rec.Fields[field+"_p95"] = agg.P95
		rec.Fields[field+"_success_rate"] = agg.SuccessRate
	}
}

func (p *Poller) countDrop() {
	p.mu.Lock()
	p.drops++
	p.mu.Unlock()
}

func (p *Poller) finish(terminalErr error) {
	p.setState(StateStopped)

	p.mu.Lock()
	p.running = false
	if terminalErr != nil {
		p.terminal = true
		p.lastError = terminalErr.Error()
	}
	terminal := p.terminal
	onTerminal := p.onTerminal
	done := p.done
	p.mu.Unlock()

	if terminal {
		log.Error("poller terminated", "target", p.target, "error", terminalErr)
		if onTerminal != nil {
			onTerminal(terminalErr)
		}
	}
	close(done)
}
