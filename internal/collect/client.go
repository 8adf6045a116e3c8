package collect

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xtxerr/argus/internal/errors"
	"github.com/xtxerr/argus/internal/logging"
	"github.com/xtxerr/argus/internal/metrics"
	"github.com/xtxerr/argus/internal/xmlapi"
)

var log = logging.Component("collect")

// TelemetryClient is the appliance management API boundary. xmlapi.Client
// implements it; tests substitute fakes.
type TelemetryClient interface {
	// Keygen exchanges credentials for an API key.
	Keygen(ctx context.Context, user, password string) (string, error)

	// Op executes one operational command. Implementations map an
	// expired or revoked key to errors.ErrAuthExpired.
	Op(ctx context.Context, key, cmd string) (*xmlapi.Document, error)
}

// CounterSource lists an appliance's interfaces and reads their raw
// counters. The interface monitor drives it; implementations exist for
// the XML API and SNMP.
type CounterSource interface {
	// Discover returns the current interface names.
	Discover(ctx context.Context) ([]string, error)

	// Counters reads one snapshot per named interface. Interfaces that
	// fail to read are omitted; an error means the whole read failed.
	Counters(ctx context.Context, names []string) ([]metrics.CounterSnapshot, error)
}

// =============================================================================
// API Session
// =============================================================================

// apiSession holds an API key for a side-channel worker, separate from
// the poller's session. It authenticates lazily and re-authenticates once
// per call when the key has expired.
type apiSession struct {
	target string
	client TelemetryClient
	user   string
	pass   string

	mu    sync.Mutex
	token string
}

func newAPISession(target string, client TelemetryClient, user, password string) *apiSession {
	return &apiSession{
		target: target,
		client: client,
		user:   user,
		pass:   password,
	}
}

func (s *apiSession) op(ctx context.Context, cmd string) (*xmlapi.Document, error) {
	token, err := s.ensureToken(ctx, false)
	if err != nil {
		return nil, err
	}

	doc, err := s.client.Op(ctx, token, cmd)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, errors.ErrAuthExpired) {
		return nil, err
	}

	log.Debug("side-channel session re-authenticating", "target", s.target)
	token, err = s.ensureToken(ctx, true)
	if err != nil {
		return nil, err
	}
	return s.client.Op(ctx, token, cmd)
}

func (s *apiSession) ensureToken(ctx context.Context, force bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && !force {
		return s.token, nil
	}
	token, err := s.client.Keygen(ctx, s.user, s.pass)
	if err != nil {
		return "", err
	}
	s.token = token
	return token, nil
}

// =============================================================================
// XML API Counter Source
// =============================================================================

// xmlEscaper escapes interface names interpolated into op commands.
var xmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;")

// XMLSource reads interface counters over the XML management API. It
// holds its own API key so the monitor worker never depends on the
// poller's session.
type XMLSource struct {
	*apiSession
}

// NewXMLSource creates a counter source over the management API.
func NewXMLSource(target string, client TelemetryClient, user, password string) *XMLSource {
	return &XMLSource{apiSession: newAPISession(target, client, user, password)}
}

// Discover lists interface names from the appliance.
func (s *XMLSource) Discover(ctx context.Context) ([]string, error) {
	doc, err := s.op(ctx, "<show><interface>all</interface></show>")
	if err != nil {
		return nil, err
	}

	entries := doc.Entries("result/ifnet")
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: interface listing carried no entries", errors.ErrParseFailed)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if name := e.Child("name").Text(); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// Counters reads one counter snapshot per named interface. A failing
// interface is skipped; only a total failure is an error.
func (s *XMLSource) Counters(ctx context.Context, names []string) ([]metrics.CounterSnapshot, error) {
	snaps := make([]metrics.CounterSnapshot, 0, len(names))
	var lastErr error

	for _, name := range names {
		snap, err := s.readCounters(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			log.Debug("interface counter read failed",
				"target", s.target, "interface", name, "error", err)
			continue
		}
		snaps = append(snaps, snap)
	}

	if len(snaps) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return snaps, nil
}

func (s *XMLSource) readCounters(ctx context.Context, name string) (metrics.CounterSnapshot, error) {
	cmd := "<show><counter><interface>" + xmlEscaper.Replace(name) + "</interface></counter></show>"
	doc, err := s.op(ctx, cmd)
	if err != nil {
		return metrics.CounterSnapshot{}, err
	}

	entry := counterEntry(doc, name)
	if entry == nil {
		return metrics.CounterSnapshot{}, fmt.Errorf("%w: no counter entry for %s", errors.ErrParseFailed, name)
	}

	snap := metrics.CounterSnapshot{
		Interface: name,
		Timestamp: time.Now().UTC(),
	}
	snap.RxBytes, _ = entry.Child("ibytes").Uint()
	snap.TxBytes, _ = entry.Child("obytes").Uint()
	snap.RxPackets, _ = entry.Child("ipackets").Uint()
	snap.TxPackets, _ = entry.Child("opackets").Uint()
	snap.RxErrors, _ = entry.Child("ierrors").Uint()
	return snap, nil
}

// counterEntry locates the counter entry for an interface. Hardware
// platforms nest the list one level deeper than VM builds.
func counterEntry(doc *xmlapi.Document, name string) *xmlapi.Node {
	for _, path := range []string{"result/ifnet/ifnet", "result/ifnet"} {
		entries := doc.Entries(path)
		for _, e := range entries {
			if e.Child("name").Text() == name {
				return e
			}
		}
		if len(entries) == 1 {
			return entries[0]
		}
	}
	return nil
}
