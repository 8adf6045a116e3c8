// Package server exposes the operator console endpoint.
//
// The console speaks the wire protocol over plain TCP: varint-framed
// envelopes, one response per request, connections long lived. When a
// shared token is configured the first request on a connection must be
// an auth op carrying that token; repeated failures from one address
// are rate limited before the token is ever compared.
package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/argus/config"
	"github.com/xtxerr/argus/internal/errors"
	"github.com/xtxerr/argus/internal/logging"
	"github.com/xtxerr/argus/internal/metrics"
	"github.com/xtxerr/argus/internal/rollup"
	"github.com/xtxerr/argus/internal/store"
	"github.com/xtxerr/argus/internal/supervisor"
	"github.com/xtxerr/argus/internal/wire"
)

var log = logging.Component("server")

// ============================================================
// Rate limiting
// ============================================================

const (
	authFailureLimit  = 5
	authFailureWindow = time.Minute
	authBlockDuration = 5 * time.Minute
)

type failureRecord struct {
	count       int
	windowStart time.Time
	blockedTill time.Time
}

// rateLimiter tracks failed authentication attempts per remote address.
// Entries are pruned as they are touched, so no background goroutine runs.
type rateLimiter struct {
	mu       sync.Mutex
	failures map[string]*failureRecord
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{failures: make(map[string]*failureRecord)}
}

// IsBlocked reports whether the address is currently blocked.
func (rl *rateLimiter) IsBlocked(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.failures[ip]
	if !ok {
		return false
	}
	now := time.Now()
	if !rec.blockedTill.IsZero() && now.Before(rec.blockedTill) {
		return true
	}
	if now.Sub(rec.windowStart) > authFailureWindow {
		delete(rl.failures, ip)
	}
	return false
}

// RecordFailure notes a failed attempt and blocks the address once it
// exceeds the failure limit inside the window.
func (rl *rateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rec, ok := rl.failures[ip]
	if !ok || now.Sub(rec.windowStart) > authFailureWindow {
		rec = &failureRecord{windowStart: now}
		rl.failures[ip] = rec
	}
	rec.count++
	if rec.count >= authFailureLimit {
		rec.blockedTill = now.Add(authBlockDuration)
		log.Warn("address blocked after repeated auth failures",
			"remote", ip,
			"failures", rec.count,
			"until", rec.blockedTill.Format(time.RFC3339))
	}
	if len(rl.failures) > 1024 {
		rl.prune(now)
	}
}

// Reset clears failure state after a successful authentication.
func (rl *rateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.failures, ip)
}

func (rl *rateLimiter) prune(now time.Time) {
	for ip, rec := range rl.failures {
		if now.Sub(rec.windowStart) > authFailureWindow && (rec.blockedTill.IsZero() || now.After(rec.blockedTill)) {
			delete(rl.failures, ip)
		}
	}
}

// ============================================================
// Configuration
// ============================================================

// Supervision is the slice of the supervisor the console drives.
type Supervision interface {
	Status() []supervisor.TargetStatus
	TargetStatusFor(name string) (supervisor.TargetStatus, error)
	RestartTarget(name string) error
	Stats() supervisor.Stats
}

// Archive is the slice of the store the console reads.
type Archive interface {
	Targets(ctx context.Context) ([]store.TargetInfo, error)
	RecentRecords(ctx context.Context, target string, limit int) ([]metrics.Record, error)
	RecentRates(ctx context.Context, target string, limit int) ([]metrics.InterfaceRate, error)
	Rollups(ctx context.Context, target, field string, since, until time.Time) ([]rollup.Row, error)
	TableCounts(ctx context.Context) (map[string]int64, error)
}

// Config carries the server dependencies and listen settings.
type Config struct {
	// Listen is the TCP address to bind. Empty means config.DefaultStatusListen.
	Listen string

	// Token enables authentication when non-empty. Connections must then
	// send an auth op before any other request.
	Token string

	// Supervision serves status and restart requests. Required.
	Supervision Supervision

	// Archive serves queries against stored telemetry. Required.
	Archive Archive

	// PipelineStats, when set, contributes extra sections to the stats op.
	// Values must already be plain maps, slices, and scalars.
	PipelineStats func() map[string]any

	// RequestTimeout bounds a single operation. Zero means
	// config.DefaultOperatorTimeout.
	RequestTimeout time.Duration
}

// ============================================================
// Server
// ============================================================

// Stats is a point-in-time snapshot of server counters.
type Stats struct {
	Running      bool   `json:"running"`
	Addr         string `json:"addr"`
	ConnsTotal   uint64 `json:"conns_total"`
	ConnsActive  int    `json:"conns_active"`
	Requests     uint64 `json:"requests"`
	AuthFailures uint64 `json:"auth_failures"`
}

// Server accepts operator connections and dispatches console requests.
type Server struct {
	cfg     Config
	limiter *rateLimiter
	started time.Time

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	shutdown chan struct{}
	closed   bool
	wg       sync.WaitGroup

	connsTotal   atomic.Uint64
	requests     atomic.Uint64
	authFailures atomic.Uint64
}

// New validates the configuration and returns a server ready to Run.
func New(cfg Config) (*Server, error) {
	if cfg.Supervision == nil {
		return nil, errors.NewMissingField("supervision")
	}
	if cfg.Archive == nil {
		return nil, errors.NewMissingField("archive")
	}
	if cfg.Listen == "" {
		cfg.Listen = config.DefaultStatusListen
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = config.DefaultOperatorTimeout
	}
	return &Server{
		cfg:      cfg,
		limiter:  newRateLimiter(),
		started:  time.Now(),
		conns:    make(map[net.Conn]struct{}),
		shutdown: make(chan struct{}),
	}, nil
}

// Run binds the listen address and serves connections until Shutdown.
func (s *Server) Run() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.ErrNotRunning
	}
	if s.listener != nil {
		s.mu.Unlock()
		return fmt.Errorf("server already running on %s", s.listener.Addr())
	}
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen on %s: %w", s.cfg.Listen, err)
	}
	s.listener = ln
	s.mu.Unlock()

	log.Info("operator console listening",
		"addr", ln.Addr().String(),
		"auth", s.cfg.Token != "")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Error("accept failed", "error", err)
			continue
		}
		if !s.track(conn) {
			conn.Close()
			continue
		}
		go s.handleConn(conn)
	}
}

// Shutdown closes the listener and all live connections, then waits for
// the connection handlers to finish. Safe to call more than once.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.shutdown)
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	log.Info("operator console stopped")
	return nil
}

// Addr returns the bound listen address, or "" before Run binds it.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stats returns a snapshot of server counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Running:     s.listener != nil && !s.closed,
		ConnsActive: len(s.conns),
	}
	if s.listener != nil {
		st.Addr = s.listener.Addr().String()
	}
	s.mu.Unlock()

	st.ConnsTotal = s.connsTotal.Load()
	st.Requests = s.requests.Load()
	st.AuthFailures = s.authFailures.Load()
	return st
}

// track registers the connection and reserves a handler slot. It refuses
// connections that race a shutdown, so wg never grows after Wait starts.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.connsTotal.Add(1)
	s.wg.Add(1)
	return true
}

func (s *Server) forget(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// ============================================================
// Connection handling
// ============================================================

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.forget(conn)
	defer conn.Close()

	remote := extractIP(conn.RemoteAddr())
	wc := wire.NewConn(conn)

	if s.cfg.Token != "" && !s.authenticate(wc, conn, remote) {
		return
	}

	for {
		req, err := wc.ReadRequest()
		if err != nil {
			if errors.Is(err, errors.ErrInvalidRequest) {
				// Framing survived, only the envelope was bad.
				wc.WriteResponse(wire.NewError(0, errors.CodeInvalidRequest, err.Error()))
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug("connection read failed", "remote", remote, "error", err)
			}
			return
		}
		s.requests.Add(1)

		resp := s.dispatch(req)
		if err := wc.WriteResponse(resp); err != nil {
			log.Debug("connection write failed", "remote", remote, "error", err)
			return
		}
	}
}

// authenticate enforces the first-message token exchange. The auth
// request must arrive within the auth timeout; afterwards the deadline
// is cleared so the connection can idle.
func (s *Server) authenticate(wc *wire.Conn, conn net.Conn, remote string) bool {
	if s.limiter.IsBlocked(remote) {
		log.Warn("rejected blocked address", "remote", remote)
		wc.WriteResponse(wire.NewError(0, errors.CodeUnavailable, "too many failed attempts, try again later"))
		return false
	}

	conn.SetDeadline(time.Now().Add(time.Duration(config.DefaultAuthTimeoutSec) * time.Second))
	req, err := wc.ReadRequest()
	if err != nil {
		log.Debug("auth read failed", "remote", remote, "error", err)
		return false
	}
	if req.Op != "auth" {
		wc.WriteResponse(wire.NewError(req.ID, errors.CodeNotAuthenticated, "authentication required"))
		log.Warn("request before auth", "remote", remote, "op", req.Op)
		return false
	}
	token, _ := req.Args["token"].(string)
	if token == "" || token != s.cfg.Token {
		s.authFailures.Add(1)
		s.limiter.RecordFailure(remote)
		wc.WriteResponse(wire.NewError(req.ID, errors.CodeAuthFailed, "invalid token"))
		log.Warn("auth failed", "remote", remote)
		return false
	}

	s.limiter.Reset(remote)
	conn.SetDeadline(time.Time{})
	wc.WriteResponse(wire.NewResult(req.ID, map[string]any{"authenticated": true}))
	log.Debug("session authenticated", "remote", remote)
	return true
}

// extractIP returns the host portion of a remote address.
func extractIP(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// ============================================================
// Request dispatch
// ============================================================

// dispatch routes one request to its handler and never returns nil.
//
// Ops: ping, auth, status, targets, recent, rates, rollups, restart, stats.
func (s *Server) dispatch(req *wire.Request) *wire.Response {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()

	switch req.Op {
	case "ping":
		return wire.NewResult(req.ID, map[string]any{
			"pong":       true,
			"uptime_sec": time.Since(s.started).Seconds(),
		})
	case "auth":
		// Already authenticated, or no token is configured.
		return wire.NewResult(req.ID, map[string]any{"authenticated": true})
	case "status":
		return s.handleStatus(req)
	case "targets":
		return s.handleTargets(ctx, req)
	case "recent":
		return s.handleRecent(ctx, req)
	case "rates":
		return s.handleRates(ctx, req)
	case "rollups":
		return s.handleRollups(ctx, req)
	case "restart":
		return s.handleRestart(req)
	case "stats":
		return s.handleStats(ctx, req)
	default:
		return wire.NewError(req.ID, errors.CodeInvalidRequest, "unknown op: "+req.Op)
	}
}

func (s *Server) handleStatus(req *wire.Request) *wire.Response {
	if target := argString(req.Args, "target"); target != "" {
		st, err := s.cfg.Supervision.TargetStatusFor(target)
		if err != nil {
			return wire.NewErrorFromErr(req.ID, err)
		}
		m, err := wire.ToValueMap(st)
		if err != nil {
			return wire.NewErrorFromErr(req.ID, err)
		}
		return wire.NewResult(req.ID, map[string]any{"target": m})
	}

	statuses := s.cfg.Supervision.Status()
	lst, err := wire.ToValueList(statuses)
	if err != nil {
		return wire.NewErrorFromErr(req.ID, err)
	}
	return wire.NewResult(req.ID, map[string]any{
		"targets": lst,
		"count":   len(statuses),
	})
}

func (s *Server) handleTargets(ctx context.Context, req *wire.Request) *wire.Response {
	targets, err := s.cfg.Archive.Targets(ctx)
	if err != nil {
		return wire.NewErrorFromErr(req.ID, err)
	}
	lst, err := wire.ToValueList(targets)
	if err != nil {
		return wire.NewErrorFromErr(req.ID, err)
	}
	return wire.NewResult(req.ID, map[string]any{
		"targets": lst,
		"count":   len(targets),
	})
}

func (s *Server) handleRecent(ctx context.Context, req *wire.Request) *wire.Response {
	target := argString(req.Args, "target")
	if target == "" {
		return wire.NewErrorFromErr(req.ID, errors.NewMissingField("target"))
	}
	records, err := s.cfg.Archive.RecentRecords(ctx, target, argInt(req.Args, "limit"))
	if err != nil {
		return wire.NewErrorFromErr(req.ID, err)
	}
	lst, err := wire.ToValueList(records)
	if err != nil {
		return wire.NewErrorFromErr(req.ID, err)
	}
	return wire.NewResult(req.ID, map[string]any{
		"target":  target,
		"records": lst,
		"count":   len(records),
	})
}

func (s *Server) handleRates(ctx context.Context, req *wire.Request) *wire.Response {
	target := argString(req.Args, "target")
	if target == "" {
		return wire.NewErrorFromErr(req.ID, errors.NewMissingField("target"))
	}
	rates, err := s.cfg.Archive.RecentRates(ctx, target, argInt(req.Args, "limit"))
	if err != nil {
		return wire.NewErrorFromErr(req.ID, err)
	}
	lst, err := wire.ToValueList(rates)
	if err != nil {
		return wire.NewErrorFromErr(req.ID, err)
	}
	return wire.NewResult(req.ID, map[string]any{
		"target": target,
		"rates":  lst,
		"count":  len(rates),
	})
}

func (s *Server) handleRollups(ctx context.Context, req *wire.Request) *wire.Response {
	target := argString(req.Args, "target")
	if target == "" {
		return wire.NewErrorFromErr(req.ID, errors.NewMissingField("target"))
	}
	field := argString(req.Args, "field")
	if field == "" {
		return wire.NewErrorFromErr(req.ID, errors.NewMissingField("field"))
	}

	until, ok, err := argTime(req.Args, "until")
	if err != nil {
		return wire.NewErrorFromErr(req.ID, err)
	}
	if !ok {
		until = time.Now().UTC()
	}
	since, ok, err := argTime(req.Args, "since")
	if err != nil {
		return wire.NewErrorFromErr(req.ID, err)
	}
	if !ok {
		since = until.Add(-24 * time.Hour)
	}

	rows, err := s.cfg.Archive.Rollups(ctx, target, field, since, until)
	if err != nil {
		return wire.NewErrorFromErr(req.ID, err)
	}
	lst, err := wire.ToValueList(rows)
	if err != nil {
		return wire.NewErrorFromErr(req.ID, err)
	}
	return wire.NewResult(req.ID, map[string]any{
		"target":  target,
		"field":   field,
		"rollups": lst,
		"count":   len(rows),
	})
}

func (s *Server) handleRestart(req *wire.Request) *wire.Response {
	target := argString(req.Args, "target")
	if target == "" {
		return wire.NewErrorFromErr(req.ID, errors.NewMissingField("target"))
	}
	log.Info("operator restart requested", "target", target)
	if err := s.cfg.Supervision.RestartTarget(target); err != nil {
		return wire.NewErrorFromErr(req.ID, err)
	}
	return wire.NewResult(req.ID, map[string]any{"restarted": target})
}

func (s *Server) handleStats(ctx context.Context, req *wire.Request) *wire.Response {
	result := map[string]any{
		"server": map[string]any{
			"addr":          s.Addr(),
			"uptime_sec":    time.Since(s.started).Seconds(),
			"conns_total":   float64(s.connsTotal.Load()),
			"conns_active":  float64(s.Stats().ConnsActive),
			"requests":      float64(s.requests.Load()),
			"auth_failures": float64(s.authFailures.Load()),
		},
	}

	sup, err := wire.ToValueMap(s.cfg.Supervision.Stats())
	if err != nil {
		return wire.NewErrorFromErr(req.ID, err)
	}
	result["supervisor"] = sup

	counts, err := s.cfg.Archive.TableCounts(ctx)
	if err != nil {
		return wire.NewErrorFromErr(req.ID, err)
	}
	tables := make(map[string]any, len(counts))
	for name, n := range counts {
		tables[name] = float64(n)
	}
	result["tables"] = tables

	if s.cfg.PipelineStats != nil {
		for section, v := range s.cfg.PipelineStats() {
			result[section] = v
		}
	}
	return wire.NewResult(req.ID, result)
}

// ============================================================
// Argument helpers
// ============================================================

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// argInt reads a numeric argument. Wire numbers arrive as float64.
func argInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func argTime(args map[string]any, key string) (time.Time, bool, error) {
	raw := argString(args, key)
	if raw == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, errors.NewInvalidValue(key, raw, "must be RFC3339")
	}
	return t.UTC(), true, nil
}
