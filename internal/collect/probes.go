package collect

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/xtxerr/argus/internal/errors"
	"github.com/xtxerr/argus/internal/sampler"
)

// =============================================================================
// Sampler Probes
// =============================================================================

// sessionInfoCmd is shared by every session-table probe; the probes
// differ only in which field they extract.
const sessionInfoCmd = "<show><session><info></info></session></show>"

// probeFields maps probe names to the session-info fields they read, in
// fallback order.
var probeFields = map[string][]string{
	"session_kbps":    {"kbps", "throughput"},
	"session_cps":     {"cps"},
	"sessions_active": {"num-active"},
	"session_pps":     {"pps"},
}

// ProbeNames lists the supported sampler probe names, sorted.
func ProbeNames() []string {
	names := make([]string, 0, len(probeFields))
	for name := range probeFields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewProbe builds a sampler fetch function for a named high-frequency
// probe. The probe holds its own API key, so sub-second sampling never
// contends with the poller's session.
func NewProbe(target string, client TelemetryClient, user, password, name string) (sampler.FetchFunc, error) {
	fields, ok := probeFields[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, errors.NewInvalidValue("probe", name,
			"must be one of "+strings.Join(ProbeNames(), ", "))
	}

	sess := newAPISession(target, client, user, password)
	return func(ctx context.Context) (float64, error) {
		doc, err := sess.op(ctx, sessionInfoCmd)
		if err != nil {
			return 0, err
		}
		res := doc.Find("result")
		if res == nil {
			return 0, fmt.Errorf("%w: no session info result", errors.ErrParseFailed)
		}
		v, ok := pickFloat(res, fields...)
		if !ok {
			return 0, fmt.Errorf("%w: session info carried no %s", errors.ErrParseFailed, fields[0])
		}
		return v, nil
	}, nil
}
