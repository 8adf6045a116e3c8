package server

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/argus/internal/errors"
	"github.com/xtxerr/argus/internal/metrics"
	"github.com/xtxerr/argus/internal/rollup"
	"github.com/xtxerr/argus/internal/store"
	"github.com/xtxerr/argus/internal/supervisor"
	argustesting "github.com/xtxerr/argus/internal/testing"
	"github.com/xtxerr/argus/internal/wire"
)

// ============================================================
// Test fixtures
// ============================================================

type fakeSupervision struct {
	mu       sync.Mutex
	statuses []supervisor.TargetStatus
	restarts []string
	stats    supervisor.Stats
}

func (f *fakeSupervision) Status() []supervisor.TargetStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]supervisor.TargetStatus(nil), f.statuses...)
}

func (f *fakeSupervision) TargetStatusFor(name string) (supervisor.TargetStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, st := range f.statuses {
		if st.Target == name {
			return st, nil
		}
	}
	return supervisor.TargetStatus{}, errors.NewNotFound("target", name)
}

func (f *fakeSupervision) RestartTarget(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, st := range f.statuses {
		if st.Target == name {
			f.restarts = append(f.restarts, name)
			return nil
		}
	}
	return errors.NewNotFound("target", name)
}

func (f *fakeSupervision) Stats() supervisor.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeSupervision) restarted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.restarts...)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	if cfg.Supervision == nil {
		cfg.Supervision = &fakeSupervision{}
	}
	if cfg.Archive == nil {
		cfg.Archive = newTestStore(t)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go srv.Run()
	waitFor(t, time.Second, func() bool { return srv.Addr() != "" })
	t.Cleanup(func() { srv.Shutdown() })
	return srv
}

func dialServer(t *testing.T, srv *Server) *wire.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial %s: %v", srv.Addr(), err)
	}
	t.Cleanup(func() { conn.Close() })
	return wire.NewConn(conn)
}

func roundTrip(t *testing.T, wc *wire.Conn, id uint64, op string, args map[string]any) *wire.Response {
	t.Helper()
	if err := wc.WriteRequest(&wire.Request{ID: id, Op: op, Args: args}); err != nil {
		t.Fatalf("write %s: %v", op, err)
	}
	resp, err := wc.ReadResponse()
	if err != nil {
		t.Fatalf("read %s response: %v", op, err)
	}
	if resp.ID != id {
		t.Fatalf("response id = %d, want %d", resp.ID, id)
	}
	return resp
}

func wantCode(t *testing.T, resp *wire.Response, code int32) {
	t.Helper()
	if resp.Err == nil {
		t.Fatalf("expected error response, got result %v", resp.Result)
	}
	if resp.Err.Code != code {
		t.Fatalf("error code = %d (%s), want %d (%s)",
			resp.Err.Code, errors.CodeName(resp.Err.Code), code, errors.CodeName(code))
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// ============================================================
// Lifecycle
// ============================================================

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{Archive: newTestStore(t)}); err == nil {
		t.Error("expected error without supervision")
	}
	if _, err := New(Config{Supervision: &fakeSupervision{}}); err == nil {
		t.Error("expected error without archive")
	}
}

func TestServer_ShutdownStopsRun(t *testing.T) {
	srv, err := New(Config{
		Listen:      "127.0.0.1:0",
		Supervision: &fakeSupervision{},
		Archive:     newTestStore(t),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run() }()
	waitFor(t, time.Second, func() bool { return srv.Addr() != "" })

	if err := srv.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run returned %v after shutdown, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}

	if err := srv.Shutdown(); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestServer_ShutdownClosesConnections(t *testing.T) {
	srv := startServer(t, Config{})
	wc := dialServer(t, srv)

	resp := roundTrip(t, wc, 1, "ping", nil)
	if resp.Err != nil {
		t.Fatalf("ping: %v", resp.Err)
	}

	if err := srv.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := wc.ReadResponse(); err == nil {
		t.Error("expected read error after shutdown closed the connection")
	}
}

// ============================================================
// Dispatch
// ============================================================

func TestServer_Ping(t *testing.T) {
	srv := startServer(t, Config{})
	wc := dialServer(t, srv)

	resp := roundTrip(t, wc, 7, "ping", nil)
	if resp.Err != nil {
		t.Fatalf("ping: %v", resp.Err)
	}
	if pong, _ := resp.Result["pong"].(bool); !pong {
		t.Errorf("pong = %v, want true", resp.Result["pong"])
	}
	if srv.Stats().Requests == 0 {
		t.Error("request counter not incremented")
	}
}

func TestServer_UnknownOp(t *testing.T) {
	srv := startServer(t, Config{})
	wc := dialServer(t, srv)

	resp := roundTrip(t, wc, 1, "bogus", nil)
	wantCode(t, resp, errors.CodeInvalidRequest)
	if !strings.Contains(resp.Err.Message, "bogus") {
		t.Errorf("message %q does not name the op", resp.Err.Message)
	}
}

func TestServer_InvalidEnvelopeKeepsConnection(t *testing.T) {
	srv := startServer(t, Config{})
	wc := dialServer(t, srv)

	// A response envelope is not a valid request, but framing survives.
	if err := wc.WriteResponse(wire.NewResult(9, map[string]any{"x": true})); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, err := wc.ReadResponse()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	wantCode(t, resp, errors.CodeInvalidRequest)

	resp = roundTrip(t, wc, 2, "ping", nil)
	if resp.Err != nil {
		t.Errorf("ping after bad envelope: %v", resp.Err)
	}
}

func TestServer_StatusList(t *testing.T) {
	sup := &fakeSupervision{statuses: []supervisor.TargetStatus{
		{Target: "fw1", Alive: true, State: "polling"},
		{Target: "fw2", Alive: false, State: "stopped"},
	}}
	srv := startServer(t, Config{Supervision: sup})
	wc := dialServer(t, srv)

	resp := roundTrip(t, wc, 1, "status", nil)
	if resp.Err != nil {
		t.Fatalf("status: %v", resp.Err)
	}
	if n, _ := resp.Result["count"].(float64); n != 2 {
		t.Fatalf("count = %v, want 2", resp.Result["count"])
	}
	targets, _ := resp.Result["targets"].([]any)
	if len(targets) != 2 {
		t.Fatalf("targets len = %d, want 2", len(targets))
	}
	first, _ := targets[0].(map[string]any)
	if first["target"] != "fw1" {
		t.Errorf("first target = %v, want fw1", first["target"])
	}
	if alive, _ := first["alive"].(bool); !alive {
		t.Errorf("fw1 alive = %v, want true", first["alive"])
	}
}

func TestServer_StatusSingleTarget(t *testing.T) {
	sup := &fakeSupervision{statuses: []supervisor.TargetStatus{
		{Target: "fw1", Alive: true, State: "polling"},
	}}
	srv := startServer(t, Config{Supervision: sup})
	wc := dialServer(t, srv)

	resp := roundTrip(t, wc, 1, "status", map[string]any{"target": "fw1"})
	if resp.Err != nil {
		t.Fatalf("status fw1: %v", resp.Err)
	}
	st, _ := resp.Result["target"].(map[string]any)
	if st["target"] != "fw1" || st["state"] != "polling" {
		t.Errorf("status = %v", st)
	}

	resp = roundTrip(t, wc, 2, "status", map[string]any{"target": "nope"})
	wantCode(t, resp, errors.CodeNotFound)
	if !errors.IsNotFound(resp.Err) {
		t.Errorf("IsNotFound = false for %v", resp.Err)
	}
}

func TestServer_Targets(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if err := st.RegisterTarget(ctx, "fw1", metrics.HardwareInfo{Model: "PA-440"}); err != nil {
		t.Fatalf("RegisterTarget: %v", err)
	}
	if err := st.RegisterTarget(ctx, "fw2", metrics.HardwareInfo{}); err != nil {
		t.Fatalf("RegisterTarget: %v", err)
	}

	srv := startServer(t, Config{Archive: st})
	wc := dialServer(t, srv)

	resp := roundTrip(t, wc, 1, "targets", nil)
	if resp.Err != nil {
		t.Fatalf("targets: %v", resp.Err)
	}
	if n, _ := resp.Result["count"].(float64); n != 2 {
		t.Fatalf("count = %v, want 2", resp.Result["count"])
	}
	lst, _ := resp.Result["targets"].([]any)
	first, _ := lst[0].(map[string]any)
	if first["name"] != "fw1" || first["model"] != "PA-440" {
		t.Errorf("first target = %v", first)
	}
}

func TestServer_RecentRecords(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		rec := &metrics.Record{
			Target:    "fw1",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Fields:    map[string]float64{"mgmt_cpu": float64(10 + i)},
		}
		if err := st.WriteMetricRecord(ctx, rec); err != nil {
			t.Fatalf("WriteMetricRecord: %v", err)
		}
	}

	srv := startServer(t, Config{Archive: st})
	wc := dialServer(t, srv)

	resp := roundTrip(t, wc, 1, "recent", map[string]any{"target": "fw1", "limit": 2})
	if resp.Err != nil {
		t.Fatalf("recent: %v", resp.Err)
	}
	if n, _ := resp.Result["count"].(float64); n != 2 {
		t.Fatalf("count = %v, want 2", resp.Result["count"])
	}
	records, _ := resp.Result["records"].([]any)
	newest, _ := records[0].(map[string]any)
	fields, _ := newest["Fields"].(map[string]any)
	if got, _ := fields["mgmt_cpu"].(float64); got != 12 {
		t.Errorf("newest mgmt_cpu = %v, want 12", fields["mgmt_cpu"])
	}
}

func TestServer_RecentMissingTarget(t *testing.T) {
	srv := startServer(t, Config{})
	wc := dialServer(t, srv)

	resp := roundTrip(t, wc, 1, "recent", nil)
	wantCode(t, resp, errors.CodeInvalidRequest)
}

func TestServer_Rates(t *testing.T) {
	st := newTestStore(t)
	rates := []metrics.InterfaceRate{{
		Interface: "ethernet1/1",
		Timestamp: time.Now().UTC(),
		RxMbps:    120.5,
		TxMbps:    80.25,
	}}
	if err := st.WriteInterfaceRates(context.Background(), "fw1", rates); err != nil {
		t.Fatalf("WriteInterfaceRates: %v", err)
	}

	srv := startServer(t, Config{Archive: st})
	wc := dialServer(t, srv)

	resp := roundTrip(t, wc, 1, "rates", map[string]any{"target": "fw1"})
	if resp.Err != nil {
		t.Fatalf("rates: %v", resp.Err)
	}
	lst, _ := resp.Result["rates"].([]any)
	if len(lst) != 1 {
		t.Fatalf("rates len = %d, want 1", len(lst))
	}
	row, _ := lst[0].(map[string]any)
	if row["Interface"] != "ethernet1/1" {
		t.Errorf("interface = %v", row["Interface"])
	}
	if got, _ := row["RxMbps"].(float64); got != 120.5 {
		t.Errorf("RxMbps = %v, want 120.5", row["RxMbps"])
	}
}

func TestServer_Rollups(t *testing.T) {
	st := newTestStore(t)
	hour := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	rows := []rollup.Row{
		{Target: "fw1", Field: "mgmt_cpu", BucketStart: hour, BucketEnd: hour.Add(time.Hour), Count: 60, Mean: 42},
		{Target: "fw1", Field: "mgmt_cpu", BucketStart: hour.Add(time.Hour), BucketEnd: hour.Add(2 * time.Hour), Count: 60, Mean: 50},
	}
	if err := st.WriteRollups(context.Background(), rows); err != nil {
		t.Fatalf("WriteRollups: %v", err)
	}

	srv := startServer(t, Config{Archive: st})
	wc := dialServer(t, srv)

	resp := roundTrip(t, wc, 1, "rollups", map[string]any{
		"target": "fw1",
		"field":  "mgmt_cpu",
		"since":  hour.Format(time.RFC3339),
		"until":  hour.Add(90 * time.Minute).Format(time.RFC3339),
	})
	if resp.Err != nil {
		t.Fatalf("rollups: %v", resp.Err)
	}
	if n, _ := resp.Result["count"].(float64); n != 1 {
		t.Fatalf("count = %v, want 1", resp.Result["count"])
	}
	lst, _ := resp.Result["rollups"].([]any)
	row, _ := lst[0].(map[string]any)
	if got, _ := row["Mean"].(float64); got != 42 {
		t.Errorf("Mean = %v, want 42", row["Mean"])
	}

	resp = roundTrip(t, wc, 2, "rollups", map[string]any{
		"target": "fw1",
		"field":  "mgmt_cpu",
		"since":  "yesterday",
	})
	wantCode(t, resp, errors.CodeInvalidRequest)
}

func TestServer_Restart(t *testing.T) {
	sup := &fakeSupervision{statuses: []supervisor.TargetStatus{{Target: "fw1"}}}
	srv := startServer(t, Config{Supervision: sup})
	wc := dialServer(t, srv)

	resp := roundTrip(t, wc, 1, "restart", map[string]any{"target": "fw1"})
	if resp.Err != nil {
		t.Fatalf("restart: %v", resp.Err)
	}
	if resp.Result["restarted"] != "fw1" {
		t.Errorf("restarted = %v, want fw1", resp.Result["restarted"])
	}
	if got := sup.restarted(); len(got) != 1 || got[0] != "fw1" {
		t.Errorf("restart calls = %v, want [fw1]", got)
	}

	resp = roundTrip(t, wc, 2, "restart", map[string]any{"target": "nope"})
	wantCode(t, resp, errors.CodeNotFound)

	resp = roundTrip(t, wc, 3, "restart", nil)
	wantCode(t, resp, errors.CodeInvalidRequest)
}

func TestServer_Stats(t *testing.T) {
	st := newTestStore(t)
	rec := metrics.NewRecord("fw1")
	rec.Fields["mgmt_cpu"] = 5
	if err := st.WriteMetricRecord(context.Background(), rec); err != nil {
		t.Fatalf("WriteMetricRecord: %v", err)
	}

	sup := &fakeSupervision{stats: supervisor.Stats{Running: true, Targets: 3, Alive: 2}}
	srv := startServer(t, Config{
		Supervision: sup,
		Archive:     st,
		PipelineStats: func() map[string]any {
			return map[string]any{"queue": map[string]any{"depth": 3.0}}
		},
	})
	wc := dialServer(t, srv)

	resp := roundTrip(t, wc, 1, "stats", nil)
	if resp.Err != nil {
		t.Fatalf("stats: %v", resp.Err)
	}

	supStats, _ := resp.Result["supervisor"].(map[string]any)
	if got, _ := supStats["targets"].(float64); got != 3 {
		t.Errorf("supervisor.targets = %v, want 3", supStats["targets"])
	}
	tables, _ := resp.Result["tables"].(map[string]any)
	if got, _ := tables["metrics"].(float64); got != 1 {
		t.Errorf("tables.metrics = %v, want 1", tables["metrics"])
	}
	queue, _ := resp.Result["queue"].(map[string]any)
	if got, _ := queue["depth"].(float64); got != 3 {
		t.Errorf("queue.depth = %v, want 3", queue["depth"])
	}
	if _, ok := resp.Result["server"].(map[string]any); !ok {
		t.Errorf("missing server section: %v", resp.Result)
	}
}

// ============================================================
// Authentication
// ============================================================

func TestServer_AuthRequired(t *testing.T) {
	srv := startServer(t, Config{Token: "s3cret"})
	wc := dialServer(t, srv)

	resp := roundTrip(t, wc, 1, "status", nil)
	wantCode(t, resp, errors.CodeNotAuthenticated)

	// The server hangs up after a pre-auth request.
	if _, err := wc.ReadResponse(); err == nil {
		t.Error("expected closed connection after pre-auth request")
	}
}

func TestServer_AuthSuccess(t *testing.T) {
	sup := &fakeSupervision{statuses: []supervisor.TargetStatus{{Target: "fw1", Alive: true}}}
	srv := startServer(t, Config{Token: "s3cret", Supervision: sup})
	wc := dialServer(t, srv)

	resp := roundTrip(t, wc, 1, "auth", map[string]any{"token": "s3cret"})
	if resp.Err != nil {
		t.Fatalf("auth: %v", resp.Err)
	}
	if ok, _ := resp.Result["authenticated"].(bool); !ok {
		t.Fatalf("authenticated = %v, want true", resp.Result["authenticated"])
	}

	resp = roundTrip(t, wc, 2, "status", nil)
	if resp.Err != nil {
		t.Fatalf("status after auth: %v", resp.Err)
	}
	if n, _ := resp.Result["count"].(float64); n != 1 {
		t.Errorf("count = %v, want 1", resp.Result["count"])
	}
}

func TestServer_AuthWrongToken(t *testing.T) {
	srv := startServer(t, Config{Token: "s3cret"})
	wc := dialServer(t, srv)

	resp := roundTrip(t, wc, 1, "auth", map[string]any{"token": "wrong"})
	wantCode(t, resp, errors.CodeAuthFailed)
	if !errors.Is(resp.Err, errors.ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", resp.Err)
	}
	if srv.Stats().AuthFailures != 1 {
		t.Errorf("auth failures = %d, want 1", srv.Stats().AuthFailures)
	}
}

func TestServer_AuthRateLimit(t *testing.T) {
	srv := startServer(t, Config{Token: "s3cret"})

	for i := 0; i < authFailureLimit; i++ {
		wc := dialServer(t, srv)
		resp := roundTrip(t, wc, 1, "auth", map[string]any{"token": "wrong"})
		wantCode(t, resp, errors.CodeAuthFailed)
	}

	// The next connection from this address is rejected before auth.
	wc := dialServer(t, srv)
	resp, err := wc.ReadResponse()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	wantCode(t, resp, errors.CodeUnavailable)

	// A valid token does not help while blocked.
	wc = dialServer(t, srv)
	if resp, err = wc.ReadResponse(); err != nil {
		t.Fatalf("read: %v", err)
	}
	wantCode(t, resp, errors.CodeUnavailable)
}

func TestServer_AuthResetClearsFailures(t *testing.T) {
	srv := startServer(t, Config{Token: "s3cret"})

	for i := 0; i < authFailureLimit-1; i++ {
		wc := dialServer(t, srv)
		resp := roundTrip(t, wc, 1, "auth", map[string]any{"token": "wrong"})
		wantCode(t, resp, errors.CodeAuthFailed)
	}

	wc := dialServer(t, srv)
	resp := roundTrip(t, wc, 1, "auth", map[string]any{"token": "s3cret"})
	if resp.Err != nil {
		t.Fatalf("auth: %v", resp.Err)
	}

	// The successful login reset the counter, so one more failure
	// does not trip the block.
	wc = dialServer(t, srv)
	resp = roundTrip(t, wc, 1, "auth", map[string]any{"token": "wrong"})
	wantCode(t, resp, errors.CodeAuthFailed)
}

func TestServer_NoAuthWhenTokenUnset(t *testing.T) {
	srv := startServer(t, Config{})
	wc := dialServer(t, srv)

	// auth is still accepted as a no-op for symmetric clients.
	resp := roundTrip(t, wc, 1, "auth", map[string]any{"token": "anything"})
	if resp.Err != nil {
		t.Fatalf("auth: %v", resp.Err)
	}
	if ok, _ := resp.Result["authenticated"].(bool); !ok {
		t.Errorf("authenticated = %v, want true", resp.Result["authenticated"])
	}
}

// ============================================================
// Rate limiter
// ============================================================

func TestRateLimiter_BlocksAfterLimit(t *testing.T) {
	rl := newRateLimiter()

	for i := 0; i < authFailureLimit-1; i++ {
		rl.RecordFailure("10.0.0.1")
		if rl.IsBlocked("10.0.0.1") {
			t.Fatalf("blocked after %d failures", i+1)
		}
	}
	rl.RecordFailure("10.0.0.1")
	if !rl.IsBlocked("10.0.0.1") {
		t.Error("not blocked after reaching the limit")
	}
	if rl.IsBlocked("10.0.0.2") {
		t.Error("unrelated address blocked")
	}
}

func TestRateLimiter_Reset(t *testing.T) {
	rl := newRateLimiter()
	for i := 0; i < authFailureLimit; i++ {
		rl.RecordFailure("10.0.0.1")
	}
	rl.Reset("10.0.0.1")
	if rl.IsBlocked("10.0.0.1") {
		t.Error("still blocked after reset")
	}
}

func TestExtractIP(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.7"), Port: 4321}
	if got := extractIP(addr); got != "192.0.2.7" {
		t.Errorf("extractIP = %q, want 192.0.2.7", got)
	}
}

// ============================================================
// Concurrency
// ============================================================

func TestServer_ConcurrentConnections(t *testing.T) {
	srv := startServer(t, Config{})

	g := argustesting.NewGroup(t)
	for i := 0; i < 8; i++ {
		id := i
		g.Go(func() error {
			conn, err := net.Dial("tcp", srv.Addr())
			if err != nil {
				return err
			}
			defer conn.Close()
			wc := wire.NewConn(conn)
			for j := 0; j < 5; j++ {
				reqID := uint64(id*100 + j)
				if err := wc.WriteRequest(&wire.Request{ID: reqID, Op: "ping"}); err != nil {
					return err
				}
				resp, err := wc.ReadResponse()
				if err != nil {
					return err
				}
				if resp.ID != reqID {
					return fmt.Errorf("response id %d, want %d", resp.ID, reqID)
				}
			}
			return nil
		})
	}
	g.Wait()

	if srv.Stats().ConnsTotal != 8 {
		t.Errorf("conns_total = %d, want 8", srv.Stats().ConnsTotal)
	}
}
