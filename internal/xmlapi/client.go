package xmlapi

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xtxerr/argus/config"
	"github.com/xtxerr/argus/internal/errors"
)

// maxResponseBytes bounds how much of a response body is read. Interface
// listings on large appliances stay well under this.
const maxResponseBytes = 8 << 20

// ClientConfig holds connection settings for one appliance.
type ClientConfig struct {
	// Address is the appliance host, with or without a scheme.
	Address string

	// InsecureSkipVerify disables certificate verification. Appliances
	// commonly ship self-signed certificates.
	InsecureSkipVerify bool

	// AuthTimeout bounds the keygen exchange.
	AuthTimeout time.Duration

	// OpTimeout bounds each op command.
	OpTimeout time.Duration
}

// Client executes XML API requests against one appliance.
type Client struct {
	base        string
	hc          *http.Client
	authTimeout time.Duration
	opTimeout   time.Duration
}

// NewClient creates a client for the given appliance.
func NewClient(cfg ClientConfig) *Client {
	base := strings.TrimSpace(cfg.Address)
	if base != "" && !strings.Contains(base, "://") {
		base = "https://" + base
	}
	base = strings.TrimRight(base, "/")

	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = time.Duration(config.DefaultAuthTimeoutSec) * time.Second
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = time.Duration(config.DefaultOpTimeoutSec) * time.Second
	}

	return &Client{
		base: base,
		hc: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		authTimeout: cfg.AuthTimeout,
		opTimeout:   cfg.OpTimeout,
	}
}

// Address returns the normalized base URL.
func (c *Client) Address() string {
	return c.base
}

// Keygen exchanges credentials for an API key.
func (c *Client) Keygen(ctx context.Context, user, password string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.authTimeout)
	defer cancel()

	doc, err := c.call(ctx, url.Values{
		"type":     {"keygen"},
		"user":     {user},
		"password": {password},
	})
	if err != nil {
		return "", err
	}
	if !doc.OK() {
		return "", fmt.Errorf("%w: %s", errors.ErrAuthFailed, orUnspecified(doc.ErrorMessage()))
	}
	key := doc.Text("result/key")
	if key == "" {
		return "", fmt.Errorf("%w: success envelope without a key", errors.ErrAuthFailed)
	}
	return key, nil
}

// Op executes an operational command with the given API key. An error
// envelope reporting invalid credentials maps to ErrAuthExpired so the
// caller can re-authenticate.
func (c *Client) Op(ctx context.Context, key, cmd string) (*Document, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	doc, err := c.call(ctx, url.Values{
		"type": {"op"},
		"cmd":  {cmd},
		"key":  {key},
	})
	if err != nil {
		return nil, err
	}
	if !doc.OK() {
		msg := doc.ErrorMessage()
		if strings.Contains(strings.ToLower(msg), "invalid credentials") {
			return nil, fmt.Errorf("%w: %s", errors.ErrAuthExpired, msg)
		}
		return nil, fmt.Errorf("%w: %s", errors.ErrFetchFailed, orUnspecified(msg))
	}
	return doc, nil
}

// call posts one API request and parses the response envelope.
func (c *Client) call(ctx context.Context, form url.Values) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/",
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidRequest, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %v", errors.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", errors.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %v", errors.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: reading response: %v", errors.ErrFetchFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http status %d", errors.ErrFetchFailed, resp.StatusCode)
	}

	doc, err := Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrParseFailed, err)
	}
	return doc, nil
}

func orUnspecified(msg string) string {
	if msg == "" {
		return "unspecified appliance error"
	}
	return msg
}
