package collect

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/argus/internal/errors"
	"github.com/xtxerr/argus/internal/metrics"
	"github.com/xtxerr/argus/internal/queue"
	"github.com/xtxerr/argus/internal/sampler"
	"github.com/xtxerr/argus/internal/xmlapi"
)

// =============================================================================
// Fakes and Helpers
// =============================================================================

// fakeAPI is an in-memory TelemetryClient. Behavior is injected per test
// through keygenFn and opFn; nil functions answer everything with success.
type fakeAPI struct {
	mu      sync.Mutex
	keygens int
	ops     []string

	keygenFn func(call int, user, password string) (string, error)
	opFn     func(key, cmd string) (*xmlapi.Document, error)
}

func (f *fakeAPI) Keygen(ctx context.Context, user, password string) (string, error) {
	f.mu.Lock()
	f.keygens++
	call := f.keygens
	fn := f.keygenFn
	f.mu.Unlock()

	if fn != nil {
		return fn(call, user, password)
	}
	return "test-key", nil
}

func (f *fakeAPI) Op(ctx context.Context, key, cmd string) (*xmlapi.Document, error) {
	f.mu.Lock()
	f.ops = append(f.ops, cmd)
	fn := f.opFn
	f.mu.Unlock()

	if fn != nil {
		return fn(key, cmd)
	}
	return okDoc(), nil
}

func (f *fakeAPI) keygenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keygens
}

func (f *fakeAPI) opList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func okDoc() *xmlapi.Document {
	doc, _ := xmlapi.Parse([]byte(`<response status="success"><result></result></response>`))
	return doc
}

// staticGroup builds a group whose parser ignores the response and
// returns fixed fields.
func staticGroup(name, cmd string, fields map[string]float64) Group {
	return Group{
		Name: name,
		Cmd:  cmd,
		Parse: func(*xmlapi.Document) (GroupResult, error) {
			out := make(map[string]float64, len(fields))
			for k, v := range fields {
				out[k] = v
			}
			return GroupResult{Fields: out}, nil
		},
	}
}

// markPolling puts a poller in the authenticated state without a keygen
// round trip, for tests that drive cycle directly.
func markPolling(p *Poller) {
	p.mu.Lock()
	p.token = "k"
	p.hwDone = true
	p.mu.Unlock()
	p.setState(StatePolling)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// =============================================================================
// Authentication
// =============================================================================

func TestPoller_AuthenticateSuccess(t *testing.T) {
	api := &fakeAPI{}
	p := NewPoller(PollerConfig{
		Target: "fw1", User: "monitor", Password: "pw",
		Client: api, Queue: queue.New(10, 0), Groups: []Group{},
	})

	if !p.authenticate(context.Background()) {
		t.Fatal("authenticate() = false, want true")
	}
	if got := p.State(); got != StatePolling {
		t.Errorf("State() = %v, want polling", got)
	}
	p.mu.Lock()
	token := p.token
	p.mu.Unlock()
	if token != "test-key" {
		t.Errorf("token = %q, want test-key", token)
	}
	if !p.Status().Authenticated {
		t.Error("Status().Authenticated = false, want true")
	}
}

func TestPoller_AuthenticateFailureStaysUnauthenticated(t *testing.T) {
	api := &fakeAPI{
		keygenFn: func(int, string, string) (string, error) {
			return "", fmt.Errorf("%w: bad credentials", errors.ErrAuthFailed)
		},
	}
	p := NewPoller(PollerConfig{
		Target: "fw1", Client: api, Queue: queue.New(10, 0), Groups: []Group{},
	})

	if p.authenticate(context.Background()) {
		t.Fatal("authenticate() = true, want false")
	}
	if got := p.State(); got != StateUnauthenticated {
		t.Errorf("State() = %v, want unauthenticated", got)
	}
	st := p.Status()
	if st.Authenticated {
		t.Error("Status().Authenticated = true, want false")
	}
	if st.LastError == "" {
		t.Error("Status().LastError empty, want keygen error")
	}
}

func TestPoller_AuthRetriesOnInterval(t *testing.T) {
	api := &fakeAPI{
		keygenFn: func(call int, _, _ string) (string, error) {
			if call < 3 {
				return "", fmt.Errorf("%w: not yet", errors.ErrAuthFailed)
			}
			return "k3", nil
		},
	}
	p := NewPoller(PollerConfig{
		Target: "fw1", Client: api, Queue: queue.New(100, 0),
		Groups: []Group{}, Interval: 2 * time.Millisecond,
	})

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool { return p.State() == StatePolling })
	if got := api.keygenCount(); got != 3 {
		t.Errorf("keygen attempts = %d, want 3", got)
	}
}

// =============================================================================
// Poll Cycle
// =============================================================================

func TestPoller_CyclePartialFailure(t *testing.T) {
	api := &fakeAPI{
		opFn: func(_, cmd string) (*xmlapi.Document, error) {
			if cmd == "<g2/>" {
				return nil, fmt.Errorf("%w: read timeout", errors.ErrTimeout)
			}
			return okDoc(), nil
		},
	}
	q := queue.New(10, 0)
	p := NewPoller(PollerConfig{
		Target: "fw1", Client: api, Queue: q,
		Groups: []Group{
			staticGroup("g1", "<g1/>", map[string]float64{"cpu_user": 42.5}),
			staticGroup("g2", "<g2/>", map[string]float64{"never": 1}),
		},
	})
	markPolling(p)

	p.cycle(context.Background())

	item, ok := q.TryDequeue()
	if !ok {
		t.Fatal("no item enqueued")
	}
	if item.Kind != metrics.KindRecord {
		t.Fatalf("item.Kind = %v, want record", item.Kind)
	}
	rec := item.Record
	if rec.Target != "fw1" {
		t.Errorf("Target = %q, want fw1", rec.Target)
	}
	if v, ok := rec.Get("cpu_user"); !ok || v != 42.5 {
		t.Errorf("cpu_user = %v (%v), want 42.5", v, ok)
	}
	if rec.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (failed group contributes nothing)", rec.Len())
	}
	if rec.Timestamp.IsZero() {
		t.Error("Timestamp is zero")
	}

	if _, ok := q.TryDequeue(); ok {
		t.Error("second item enqueued, want exactly one per cycle")
	}

	st := p.Status()
	if st.Cycles != 1 {
		t.Errorf("Cycles = %d, want 1", st.Cycles)
	}
	if !strings.Contains(st.LastError, "timeout") {
		t.Errorf("LastError = %q, want the group failure", st.LastError)
	}
}

func TestPoller_CycleEmitsSessionStats(t *testing.T) {
	q := queue.New(10, 0)
	p := NewPoller(PollerConfig{
		Target: "fw1", Client: &fakeAPI{}, Queue: q,
		Groups: []Group{{
			Name: "sessions", Cmd: "<s/>",
			Parse: func(*xmlapi.Document) (GroupResult, error) {
				return GroupResult{
					Fields:   map[string]float64{"sessions_active": 10},
					Sessions: &metrics.SessionStats{Active: 10, TCP: 7},
				}, nil
			},
		}},
	})
	markPolling(p)

	p.cycle(context.Background())

	first, ok := q.TryDequeue()
	if !ok || first.Kind != metrics.KindRecord {
		t.Fatalf("first item = %+v (%v), want record", first, ok)
	}
	second, ok := q.TryDequeue()
	if !ok || second.Kind != metrics.KindSessions {
		t.Fatalf("second item = %+v (%v), want sessions", second, ok)
	}
	ss := second.Sessions
	if ss.Target != "fw1" {
		t.Errorf("Sessions.Target = %q, want fw1", ss.Target)
	}
	if !ss.Timestamp.Equal(first.Record.Timestamp) {
		t.Errorf("Sessions.Timestamp = %v, want record timestamp %v",
			ss.Timestamp, first.Record.Timestamp)
	}
	if ss.Active != 10 || ss.TCP != 7 {
		t.Errorf("Sessions = %+v, want Active 10 TCP 7", ss)
	}
}

func TestPoller_CycleKeyExpiry(t *testing.T) {
	api := &fakeAPI{
		opFn: func(_, cmd string) (*xmlapi.Document, error) {
			if cmd == "<g2/>" {
				return nil, fmt.Errorf("%w: key revoked", errors.ErrAuthExpired)
			}
			return okDoc(), nil
		},
	}
	q := queue.New(10, 0)
	p := NewPoller(PollerConfig{
		Target: "fw1", Client: api, Queue: q,
		Groups: []Group{
			staticGroup("g1", "<g1/>", map[string]float64{"a": 1}),
			staticGroup("g2", "<g2/>", nil),
			staticGroup("g3", "<g3/>", map[string]float64{"c": 3}),
		},
	})
	markPolling(p)

	p.cycle(context.Background())

	ops := api.opList()
	if len(ops) != 2 || ops[0] != "<g1/>" || ops[1] != "<g2/>" {
		t.Errorf("ops = %v, want expiry to stop the cycle after <g2/>", ops)
	}

	item, ok := q.TryDequeue()
	if !ok {
		t.Fatal("no record enqueued, want the partial record")
	}
	if v, ok := item.Record.Get("a"); !ok || v != 1 {
		t.Errorf("field a = %v (%v), want 1", v, ok)
	}
	if _, ok := item.Record.Get("c"); ok {
		t.Error("field c present, group after expiry must not run")
	}

	if got := p.State(); got != StateUnauthenticated {
		t.Errorf("State() = %v, want unauthenticated after expiry", got)
	}
	p.mu.Lock()
	token := p.token
	p.mu.Unlock()
	if token != "" {
		t.Errorf("token = %q, want cleared", token)
	}
}

func TestPoller_SystemInfoRunsUntilFirstSuccess(t *testing.T) {
	sysInfo := SystemInfoGroup()
	api := &fakeAPI{
		opFn: func(_, cmd string) (*xmlapi.Document, error) {
			if cmd == sysInfo.Cmd {
				doc, _ := xmlapi.Parse([]byte(`<response status="success"><result><system>
<hostname>fw-edge-01</hostname><model>PA-3220</model>
</system></result></response>`))
				return doc, nil
			}
			return okDoc(), nil
		},
	}
	q := queue.New(10, 0)
	p := NewPoller(PollerConfig{
		Target: "fw1", Client: api, Queue: q, Groups: []Group{},
	})

	var (
		mu  sync.Mutex
		hws []metrics.HardwareInfo
	)
	p.SetOnHardware(func(hw metrics.HardwareInfo) {
		mu.Lock()
		hws = append(hws, hw)
		mu.Unlock()
	})

	p.mu.Lock()
	p.token = "k"
	p.mu.Unlock()
	p.setState(StatePolling)

	ctx := context.Background()
	p.cycle(ctx)
	p.cycle(ctx)

	ops := api.opList()
	if len(ops) != 1 || ops[0] != sysInfo.Cmd {
		t.Errorf("ops = %v, want system info exactly once", ops)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(hws) != 1 {
		t.Fatalf("hardware callbacks = %d, want 1", len(hws))
	}
	if hws[0].Hostname != "fw-edge-01" || hws[0].Model != "PA-3220" {
		t.Errorf("HardwareInfo = %+v", hws[0])
	}
}

func TestPoller_MergesSamplerAggregates(t *testing.T) {
	s := sampler.New(sampler.Config{
		Target: "fw1", Field: "latency_ms",
		Cadence: 2 * time.Millisecond,
		Fetch:   func(context.Context) (float64, error) { return 10, nil },
	})
	if err := s.Start(); err != nil {
		t.Fatalf("sampler Start() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return s.Len() >= 2 })
	if err := s.Stop(); err != nil {
		t.Fatalf("sampler Stop() error = %v", err)
	}

	idle := sampler.New(sampler.Config{
		Target: "fw1", Field: "jitter_ms",
		Fetch: func(context.Context) (float64, error) { return 0, nil },
	})

	q := queue.New(10, 0)
	p := NewPoller(PollerConfig{
		Target: "fw1", Client: &fakeAPI{}, Queue: q,
		Groups:   []Group{staticGroup("g1", "<g1/>", map[string]float64{"cpu_user": 5})},
		Samplers: []*sampler.Sampler{s, idle},
	})
	markPolling(p)

	p.cycle(context.Background())

	item, ok := q.TryDequeue()
	if !ok {
		t.Fatal("no record enqueued")
	}
	rec := item.Record
	for _, name := range []string{"latency_ms_mean", "latency_ms_min", "latency_ms_max", "latency_ms_p95"} {
		if v, ok := rec.Get(name); !ok || v != 10 {
			t.Errorf("%s = %v (%v), want 10", name, v, ok)
		}
	}
	if v, ok := rec.Get("latency_ms_success_rate"); !ok || v != 1 {
		t.Errorf("latency_ms_success_rate = %v (%v), want 1", v, ok)
	}
	if _, ok := rec.Get("jitter_ms_mean"); ok {
		t.Error("empty sampler window contributed fields, want none")
	}
}

func TestPoller_CountsQueueDrops(t *testing.T) {
	q := queue.New(1, 0)
	p := NewPoller(PollerConfig{
		Target: "fw1", Client: &fakeAPI{}, Queue: q,
		Groups: []Group{staticGroup("g1", "<g1/>", map[string]float64{"a": 1})},
	})
	markPolling(p)

	ctx := context.Background()
	p.cycle(ctx)
	p.cycle(ctx)

	st := p.Status()
	if st.Drops != 1 {
		t.Errorf("Drops = %d, want 1", st.Drops)
	}
	if st.Cycles != 2 {
		t.Errorf("Cycles = %d, want 2", st.Cycles)
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestPoller_StartStop(t *testing.T) {
	p := NewPoller(PollerConfig{
		Target: "fw1", Client: &fakeAPI{}, Queue: queue.New(1000, 0),
		Groups:   []Group{staticGroup("g1", "<g1/>", map[string]float64{"a": 1})},
		Interval: 5 * time.Millisecond,
	})

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if !p.Running() {
		t.Fatal("Running() = false after Start")
	}

	waitFor(t, 2*time.Second, func() bool { return p.Status().Cycles >= 2 })

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if p.Running() {
		t.Error("Running() = true after Stop")
	}
	if got := p.State(); got != StateStopped {
		t.Errorf("State() = %v, want stopped", got)
	}
	if err := p.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestPoller_StartMissingDeps(t *testing.T) {
	p := NewPoller(PollerConfig{Target: "fw1", Queue: queue.New(10, 0)})
	if err := p.Start(); err == nil {
		t.Error("Start() without client = nil, want error")
	}

	p = NewPoller(PollerConfig{Target: "fw1", Client: &fakeAPI{}})
	if err := p.Start(); err == nil {
		t.Error("Start() without queue = nil, want error")
	}
}

func TestPoller_ReauthenticatesAfterExpiry(t *testing.T) {
	api := &fakeAPI{
		keygenFn: func(call int, _, _ string) (string, error) {
			return fmt.Sprintf("key-%d", call), nil
		},
		opFn: func(string, string) (*xmlapi.Document, error) {
			return nil, fmt.Errorf("%w: key revoked", errors.ErrAuthExpired)
		},
	}
	p := NewPoller(PollerConfig{
		Target: "fw1", Client: api, Queue: queue.New(1000, 0),
		Groups:   []Group{staticGroup("g1", "<g1/>", nil)},
		Interval: 2 * time.Millisecond,
	})
	p.mu.Lock()
	p.hwDone = true
	p.mu.Unlock()

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool { return api.keygenCount() >= 2 })
	waitFor(t, 2*time.Second, func() bool { return p.Status().Cycles >= 1 })
}

func TestPoller_PanicIsTerminal(t *testing.T) {
	boom := Group{
		Name: "boom", Cmd: "<b/>",
		Parse: func(*xmlapi.Document) (GroupResult, error) { panic("exploded") },
	}
	p := NewPoller(PollerConfig{
		Target: "fw1", Client: &fakeAPI{}, Queue: queue.New(10, 0),
		Groups: []Group{boom}, Interval: time.Millisecond,
	})
	p.mu.Lock()
	p.hwDone = true
	p.mu.Unlock()

	terminal := make(chan error, 1)
	p.SetOnTerminal(func(err error) { terminal <- err })

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case err := <-terminal:
		if !errors.Is(err, errors.ErrWorkerFault) {
			t.Errorf("terminal error = %v, want ErrWorkerFault", err)
		}
		if !strings.Contains(err.Error(), "panic") {
			t.Errorf("terminal error = %v, want panic detail", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not terminate after panic")
	}

	waitFor(t, 2*time.Second, func() bool { return !p.Running() })
	if got := p.State(); got != StateStopped {
		t.Errorf("State() = %v, want stopped", got)
	}
	if p.Status().LastError == "" {
		t.Error("Status().LastError empty after terminal panic")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateUnauthenticated, "unauthenticated"},
		{StateAuthenticating, "authenticating"},
		{StatePolling, "polling"},
		{StateStopped, "stopped"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
