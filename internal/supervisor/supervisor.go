// Package supervisor owns the per-target worker sets: one poller, its
// samplers, and optionally an interface monitor per appliance. It starts
// them fanned out, registers every target in the store, surfaces a
// combined status view, and handles explicit operator restarts. Workers
// that die on their own stay down until an operator restarts the target.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/argus/config"
	"github.com/xtxerr/argus/internal/collect"
	"github.com/xtxerr/argus/internal/errors"
	"github.com/xtxerr/argus/internal/logging"
	"github.com/xtxerr/argus/internal/metrics"
	"github.com/xtxerr/argus/internal/sampler"
)

var log = logging.Component("supervisor")

// Registrar is the slice of the store the supervisor needs: target
// registration at startup and hardware refresh when a poller learns the
// appliance identity.
type Registrar interface {
	RegisterTarget(ctx context.Context, name string, hw metrics.HardwareInfo) error
}

// WorkerSet is one target's workers. Samplers and Monitor may be empty.
type WorkerSet struct {
	Poller   *collect.Poller
	Samplers []*sampler.Sampler
	Monitor  *collect.Monitor
}

// BuildFunc constructs a fresh worker set for a target. Workers are
// single-use, so every restart builds a new set.
type BuildFunc func() (WorkerSet, error)

// TargetSpec describes one target to supervise.
type TargetSpec struct {
	// Name identifies the target everywhere downstream.
	Name string

	// Hardware is identity metadata from configuration, refreshed later
	// by the poller's system-info cycle.
	Hardware metrics.HardwareInfo

	// Build constructs the target's workers.
	Build BuildFunc
}

// Config holds construction parameters for the supervisor.
type Config struct {
	Registrar Registrar
	Targets   []TargetSpec
}

// TargetStatus is the per-target view for the status surface.
type TargetStatus struct {
	Target        string                 `json:"target"`
	Alive         bool                   `json:"alive"`
	Authenticated bool                   `json:"authenticated"`
	State         string                 `json:"state"`
	LastPoll      time.Time              `json:"last_poll,omitempty"`
	Cycles        uint64                 `json:"cycles"`
	QueueDrops    uint64                 `json:"queue_drops"`
	Since         time.Time              `json:"since,omitempty"`
	Samplers      []sampler.Status       `json:"samplers,omitempty"`
	Monitor       *collect.MonitorStatus `json:"monitor,omitempty"`
}

// Stats is a point-in-time snapshot of the supervisor.
type Stats struct {
	Running        bool  `json:"running"`
	Targets        int   `json:"targets"`
	Alive          int   `json:"alive"`
	Restarts       int64 `json:"restarts"`
	TerminalEvents int64 `json:"terminal_events"`
}

type runningSet struct {
	set     WorkerSet
	started time.Time
}

// Supervisor coordinates all worker sets.
type Supervisor struct {
	registrar Registrar
	specs     map[string]TargetSpec
	order     []string

	mu      sync.Mutex
	sets    map[string]*runningSet
	running bool

	restartGroup singleflight.Group

	restarts       atomic.Int64
	terminalEvents atomic.Int64
}

// New creates a supervisor over the given targets.
func New(cfg Config) *Supervisor {
	s := &Supervisor{
		registrar: cfg.Registrar,
		specs:     make(map[string]TargetSpec, len(cfg.Targets)),
		sets:      make(map[string]*runningSet),
	}
	for _, spec := range cfg.Targets {
		if _, dup := s.specs[spec.Name]; dup {
			continue
		}
		s.specs[spec.Name] = spec
		s.order = append(s.order, spec.Name)
	}
	sort.Strings(s.order)
	return s
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start registers every target and launches its worker set, fanned out
// across targets. Any failure stops what already started and returns the
// error, so the daemon boots whole or not at all.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if s.registrar == nil {
		s.mu.Unlock()
		return errors.NewMissingField("registrar")
	}
	if len(s.specs) == 0 {
		s.mu.Unlock()
		return errors.NewMissingField("targets")
	}
	s.running = true
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range s.order {
		spec := s.specs[name]
		g.Go(func() error {
			if err := s.launch(gctx, spec); err != nil {
				return fmt.Errorf("target %s: %w", spec.Name, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.stopAll()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	log.Info("supervisor started", "targets", len(s.order))
	return nil
}

// Stop stops every worker set. Each worker bounds its own join, so a
// wedged loop cannot hang shutdown. Stopping a stopped supervisor is a
// no-op.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	err := s.stopAll()
	log.Info("supervisor stopped")
	return err
}

// launch registers, builds, wires, and starts one target's worker set.
func (s *Supervisor) launch(ctx context.Context, spec TargetSpec) error {
	if err := s.registrar.RegisterTarget(ctx, spec.Name, spec.Hardware); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	set, err := s.buildAndStart(spec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.sets[spec.Name] = &runningSet{set: set, started: time.Now().UTC()}
	s.mu.Unlock()

	log.Info("target started", "target", spec.Name,
		"samplers", len(set.Samplers), "monitor", set.Monitor != nil)
	return nil
}

// buildAndStart constructs a fresh worker set and starts it, unwinding
// the partial set on failure.
func (s *Supervisor) buildAndStart(spec TargetSpec) (WorkerSet, error) {
	if spec.Build == nil {
		return WorkerSet{}, errors.NewMissingField("build")
	}
	set, err := spec.Build()
	if err != nil {
		return WorkerSet{}, fmt.Errorf("build workers: %w", err)
	}
	if set.Poller == nil {
		return WorkerSet{}, errors.NewMissingField("poller")
	}

	s.wire(spec.Name, set)

	var started []func() error
	stopStarted := func() {
		for i := len(started) - 1; i >= 0; i-- {
			started[i]()
		}
	}

	for _, sam := range set.Samplers {
		if err := sam.Start(); err != nil {
			stopStarted()
			return WorkerSet{}, fmt.Errorf("start sampler: %w", err)
		}
		started = append(started, sam.Stop)
	}
	if set.Monitor != nil {
		if err := set.Monitor.Start(); err != nil {
			stopStarted()
			return WorkerSet{}, fmt.Errorf("start monitor: %w", err)
		}
		started = append(started, set.Monitor.Stop)
	}
	if err := set.Poller.Start(); err != nil {
		stopStarted()
		return WorkerSet{}, fmt.Errorf("start poller: %w", err)
	}

	return set, nil
}

// wire attaches supervisor callbacks to a worker set before start.
func (s *Supervisor) wire(name string, set WorkerSet) {
	set.Poller.SetOnHardware(func(hw metrics.HardwareInfo) {
		ctx, cancel := context.WithTimeout(context.Background(), config.DefaultOperatorTimeout)
		defer cancel()
		if err := s.registrar.RegisterTarget(ctx, name, hw); err != nil {
			log.Warn("hardware refresh failed", "target", name, "error", err)
			return
		}
		log.Info("hardware registered", "target", name,
			"hostname", hw.Hostname, "model", hw.Model)
	})
	set.Poller.SetOnTerminal(func(err error) {
		s.terminalEvents.Add(1)
		log.Error("poller terminated", "target", name, "error", err)
	})
	if set.Monitor != nil {
		set.Monitor.SetOnTerminal(func(err error) {
			s.terminalEvents.Add(1)
			log.Error("interface monitor terminated", "target", name, "error", err)
		})
	}
	for _, sam := range set.Samplers {
		sam.SetOnTerminal(func(err error) {
			s.terminalEvents.Add(1)
			log.Error("sampler terminated", "target", name, "error", err)
		})
	}
}

// stopAll stops every running set in parallel and reports the first
// failure.
func (s *Supervisor) stopAll() error {
	s.mu.Lock()
	sets := make(map[string]*runningSet, len(s.sets))
	for name, rs := range s.sets {
		sets[name] = rs
	}
	s.sets = make(map[string]*runningSet)
	s.mu.Unlock()

	var g errgroup.Group
	for name, rs := range sets {
		g.Go(func() error {
			if err := stopSet(rs.set); err != nil {
				return fmt.Errorf("target %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// stopSet stops one target's workers. All stops are attempted; the first
// error wins.
func stopSet(set WorkerSet) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(set.Poller.Stop())
	for _, sam := range set.Samplers {
		keep(sam.Stop())
	}
	if set.Monitor != nil {
		keep(set.Monitor.Stop())
	}
	return firstErr
}

// =============================================================================
// Operator Surface
// =============================================================================

// RestartTarget tears down and recreates one target's worker set.
// Concurrent restarts of the same target collapse into a single rebuild.
func (s *Supervisor) RestartTarget(name string) error {
	_, err, _ := s.restartGroup.Do(name, func() (any, error) {
		return nil, s.restart(name)
	})
	return err
}

func (s *Supervisor) restart(name string) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return errors.ErrNotRunning
	}
	spec, ok := s.specs[name]
	if !ok {
		s.mu.Unlock()
		return errors.NewNotFound("target", name)
	}
	current := s.sets[name]
	delete(s.sets, name)
	s.mu.Unlock()

	if current != nil {
		if err := stopSet(current.set); err != nil {
			// A wedged worker must not block recreation; its goroutine
			// is orphaned but the fresh set takes over.
			log.Warn("stale worker set did not stop cleanly", "target", name, "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultOperatorTimeout)
	defer cancel()
	if err := s.registrar.RegisterTarget(ctx, name, spec.Hardware); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	set, err := s.buildAndStart(spec)
	if err != nil {
		return fmt.Errorf("restart target %s: %w", name, err)
	}

	s.mu.Lock()
	s.sets[name] = &runningSet{set: set, started: time.Now().UTC()}
	s.mu.Unlock()

	s.restarts.Add(1)
	log.Info("target restarted", "target", name)
	return nil
}

// Status returns every target's view, ordered by name. Targets whose
// workers are gone still appear, marked not alive.
func (s *Supervisor) Status() []TargetStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TargetStatus, 0, len(s.order))
	for _, name := range s.order {
		rs, ok := s.sets[name]
		if !ok {
			out = append(out, TargetStatus{
				Target: name,
				State:  collect.StateStopped.String(),
			})
			continue
		}

		ps := rs.set.Poller.Status()
		ts := TargetStatus{
			Target:        name,
			Alive:         ps.Alive,
			Authenticated: ps.Authenticated,
			State:         ps.State,
			LastPoll:      ps.LastPoll,
			Cycles:        ps.Cycles,
			QueueDrops:    ps.Drops,
			Since:         rs.started,
		}
		for _, sam := range rs.set.Samplers {
			ts.Samplers = append(ts.Samplers, sam.Status())
		}
		if rs.set.Monitor != nil {
			ms := rs.set.Monitor.Status()
			ts.QueueDrops += ms.Drops
			ts.Monitor = &ms
		}
		out = append(out, ts)
	}
	return out
}

// TargetStatusFor returns one target's status.
func (s *Supervisor) TargetStatusFor(name string) (TargetStatus, error) {
	for _, ts := range s.Status() {
		if ts.Target == name {
			return ts, nil
		}
	}
	return TargetStatus{}, errors.NewNotFound("target", name)
}

// Stats returns a snapshot of the supervisor.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	running := s.running
	targets := len(s.specs)
	alive := 0
	for _, rs := range s.sets {
		if rs.set.Poller.Running() {
			alive++
		}
	}
	s.mu.Unlock()

	return Stats{
		Running:        running,
		Targets:        targets,
		Alive:          alive,
		Restarts:       s.restarts.Load(),
		TerminalEvents: s.terminalEvents.Load(),
	}
}

// Running reports whether the supervisor has started.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
