// Package client connects to the argusd operator console.
//
// The console protocol is synchronous: one request, one response, in
// order, over a single connection. The client serializes round trips
// with a mutex, so one Client is safe to share across goroutines.
package client

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/argus/config"
	"github.com/xtxerr/argus/internal/wire"
)

var (
	ErrClosed       = errors.New("client is closed")
	ErrIDMismatch   = errors.New("response id does not match request")
	ErrShapeChanged = errors.New("unexpected response shape")
)

// Config holds client configuration.
type Config struct {
	// Addr is the argusd console address.
	Addr string

	// Token authenticates the connection when argusd requires one.
	Token string

	// ConnectTimeout bounds dialing and the auth exchange.
	ConnectTimeout time.Duration

	// RequestTimeout bounds each round trip.
	RequestTimeout time.Duration
}

// DefaultConfig returns default client configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:           config.DefaultStatusListen,
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: config.DefaultOperatorTimeout,
	}
}

// Client is a connection to one argusd console.
type Client struct {
	addr           string
	requestTimeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	wire   *wire.Conn
	closed bool

	nextID atomic.Uint64
}

// Dial connects to the console and authenticates when a token is
// configured.
func Dial(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	addr := cfg.Addr
	if addr == "" {
		addr = config.DefaultStatusListen
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = config.DefaultOperatorTimeout
	}

	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Client{
		addr:           addr,
		requestTimeout: requestTimeout,
		conn:           conn,
		wire:           wire.NewConn(conn),
	}

	if cfg.Token != "" {
		if err := c.authenticate(cfg.Token, connectTimeout); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return c, nil
}

func (c *Client) authenticate(token string, timeout time.Duration) error {
	resp, err := c.roundTrip("auth", map[string]any{"token": token}, timeout)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if ok, _ := resp["authenticated"].(bool); !ok {
		return fmt.Errorf("authenticate: %w", ErrShapeChanged)
	}
	return nil
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// Addr returns the address this client dialed.
func (c *Client) Addr() string {
	return c.addr
}

// =============================================================================
// Round Trip
// =============================================================================

// Do sends one operation and returns its result map. Most callers want
// the typed helpers below; Do is the escape hatch for new ops.
func (c *Client) Do(op string, args map[string]any) (map[string]any, error) {
	return c.roundTrip(op, args, c.requestTimeout)
}

func (c *Client) roundTrip(op string, args map[string]any, timeout time.Duration) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	id := c.nextID.Add(1)
	req := &wire.Request{ID: id, Op: op, Args: args}

	c.conn.SetDeadline(time.Now().Add(timeout))
	defer c.conn.SetDeadline(time.Time{})

	if err := c.wire.WriteRequest(req); err != nil {
		return nil, fmt.Errorf("%s: write: %w", op, err)
	}

	resp, err := c.wire.ReadResponse()
	if err != nil {
		return nil, fmt.Errorf("%s: read: %w", op, err)
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	if resp.ID != id {
		return nil, fmt.Errorf("%s: %w: got %d, want %d", op, ErrIDMismatch, resp.ID, id)
	}
	return resp.Result, nil
}

// =============================================================================
// Operations
// =============================================================================

// Ping checks liveness and returns the server uptime.
func (c *Client) Ping() (time.Duration, error) {
	result, err := c.Do("ping", nil)
	if err != nil {
		return 0, err
	}
	sec, ok := result["uptime_sec"].(float64)
	if !ok {
		return 0, fmt.Errorf("ping: %w", ErrShapeChanged)
	}
	return time.Duration(sec * float64(time.Second)), nil
}

// Status returns the live status of every supervised target.
func (c *Client) Status() ([]map[string]any, error) {
	result, err := c.Do("status", nil)
	if err != nil {
		return nil, err
	}
	return asList("status", result["targets"])
}

// TargetStatus returns the live status of one target.
func (c *Client) TargetStatus(target string) (map[string]any, error) {
	result, err := c.Do("status", map[string]any{"target": target})
	if err != nil {
		return nil, err
	}
	m, ok := result["target"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("status: %w", ErrShapeChanged)
	}
	return m, nil
}

// Targets returns the registered targets and their hardware identity.
func (c *Client) Targets() ([]map[string]any, error) {
	result, err := c.Do("targets", nil)
	if err != nil {
		return nil, err
	}
	return asList("targets", result["targets"])
}

// Recent returns the newest stored metric records for a target.
func (c *Client) Recent(target string, limit int) ([]map[string]any, error) {
	args := map[string]any{"target": target}
	if limit > 0 {
		args["limit"] = limit
	}
	result, err := c.Do("recent", args)
	if err != nil {
		return nil, err
	}
	return asList("recent", result["records"])
}

// Rates returns the newest stored interface rates for a target.
func (c *Client) Rates(target string, limit int) ([]map[string]any, error) {
	args := map[string]any{"target": target}
	if limit > 0 {
		args["limit"] = limit
	}
	result, err := c.Do("rates", args)
	if err != nil {
		return nil, err
	}
	return asList("rates", result["rates"])
}

// Rollups returns aggregated buckets for one target field. Zero times
// leave the window to the server default (the trailing 24h).
func (c *Client) Rollups(target, field string, since, until time.Time) ([]map[string]any, error) {
	args := map[string]any{"target": target, "field": field}
	if !since.IsZero() {
		args["since"] = since.UTC().Format(time.RFC3339)
	}
	if !until.IsZero() {
		args["until"] = until.UTC().Format(time.RFC3339)
	}
	result, err := c.Do("rollups", args)
	if err != nil {
		return nil, err
	}
	return asList("rollups", result["rollups"])
}

// Restart tears down and rebuilds the workers of one target.
func (c *Client) Restart(target string) error {
	_, err := c.Do("restart", map[string]any{"target": target})
	return err
}

// Stats returns server, supervisor, pipeline, and table statistics.
func (c *Client) Stats() (map[string]any, error) {
	return c.Do("stats", nil)
}

// asList converts a decoded wire list into result maps.
func asList(op string, v any) ([]map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrShapeChanged)
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: %w", op, ErrShapeChanged)
		}
		out = append(out, m)
	}
	return out, nil
}
