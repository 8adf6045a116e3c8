// Package rate derives interface bandwidth from pairs of monotonic counter
// snapshots, handling counter wraparound for both 32-bit and 64-bit
// hardware counters.
package rate

import (
	"strings"
	"sync"

	"github.com/xtxerr/argus/internal/metrics"
)

// Width is the bit width of an appliance's interface counters. Appliances
// vary, and assuming the wrong width silently corrupts rates after a wrap.
type Width int

const (
	Width32 Width = 32
	Width64 Width = 64
)

// delta returns curr-prev adjusted for wraparound. A 32-bit counter wraps
// modulo 2^32; a 64-bit counter wraps modulo 2^64, which native unsigned
// subtraction already provides.
func delta(prev, curr uint64, w Width) uint64 {
	if curr >= prev {
		return curr - prev
	}
	if w == Width32 {
		return curr + (1 << 32) - prev
	}
	return curr - prev
}

// Compute derives an InterfaceRate from two snapshots of the same
// interface. Returns false when curr does not advance the clock past prev;
// callers treat that as "no rate", not an error.
func Compute(prev, curr metrics.CounterSnapshot, w Width) (metrics.InterfaceRate, bool) {
	elapsed := curr.Timestamp.Sub(prev.Timestamp).Seconds()
	if elapsed <= 0 {
		return metrics.InterfaceRate{}, false
	}

	rxBytes := delta(prev.RxBytes, curr.RxBytes, w)
	txBytes := delta(prev.TxBytes, curr.TxBytes, w)
	rxPkts := delta(prev.RxPackets, curr.RxPackets, w)
	txPkts := delta(prev.TxPackets, curr.TxPackets, w)
	rxErrs := delta(prev.RxErrors, curr.RxErrors, w)

	rxBps := float64(rxBytes) * 8 / elapsed
	txBps := float64(txBytes) * 8 / elapsed

	return metrics.InterfaceRate{
		Interface:  curr.Interface,
		Timestamp:  curr.Timestamp,
		ElapsedSec: elapsed,
		RxBps:      rxBps,
		TxBps:      txBps,
		RxMbps:     rxBps / 1e6,
		TxMbps:     txBps / 1e6,
		RxPps:      float64(rxPkts) / elapsed,
		TxPps:      float64(txPkts) / elapsed,
		RxErrors:   rxErrs,
	}, true
}

// Tracker remembers the previous snapshot per interface so each new
// observation can be turned into a rate. The first observation of an
// interface yields no rate.
type Tracker struct {
	mu    sync.Mutex
	width Width
	prev  map[string]metrics.CounterSnapshot
}

// NewTracker creates a tracker for counters of the given width.
func NewTracker(w Width) *Tracker {
	if w != Width32 {
		w = Width64
	}
	return &Tracker{
		width: w,
		prev:  map[string]metrics.CounterSnapshot{},
	}
}

// Observe records a snapshot and returns the rate against the previous
// snapshot of the same interface. Returns false when there is no
// predecessor or the snapshot does not advance the clock.
func (t *Tracker) Observe(snap metrics.CounterSnapshot) (metrics.InterfaceRate, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, seen := t.prev[snap.Interface]
	if !seen {
		t.prev[snap.Interface] = snap
		return metrics.InterfaceRate{}, false
	}

	rate, ok := Compute(prev, snap, t.width)
	if !ok {
		// Stale or repeated reading. Keep the newer-or-equal previous
		// snapshot so the next valid reading pairs against it.
		return metrics.InterfaceRate{}, false
	}

	t.prev[snap.Interface] = snap
	return rate, true
}

// Forget drops the stored snapshot for an interface, for example after the
// appliance reports it gone.
func (t *Tracker) Forget(iface string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.prev, iface)
}

// Len returns the number of interfaces with a stored snapshot.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.prev)
}

// Policy decides which interfaces are rate-monitored. The decision for a
// name is evaluated once and cached; an excluded interface is not retried
// for the lifetime of the policy.
type Policy struct {
	mu       sync.Mutex
	exclude  []string
	allow    map[string]bool
	allowAll bool
	cache    map[string]bool
}

// NewPolicy builds a policy from exclusion substrings and an allow-list.
// An empty allow-list admits every name that no exclusion matches.
func NewPolicy(exclude, allow []string) *Policy {
	p := &Policy{
		exclude:  make([]string, 0, len(exclude)),
		allow:    make(map[string]bool, len(allow)),
		allowAll: len(allow) == 0,
		cache:    map[string]bool{},
	}
	for _, e := range exclude {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			p.exclude = append(p.exclude, e)
		}
	}
	for _, a := range allow {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			p.allow[a] = true
		}
	}
	return p
}

// ShouldMonitor reports whether the named interface is monitored.
// Exclusion substrings are checked first, then the allow-list.
func (p *Policy) ShouldMonitor(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if decision, ok := p.cache[name]; ok {
		return decision
	}

	decision := p.decide(strings.ToLower(name))
	p.cache[name] = decision
	return decision
}

func (p *Policy) decide(lower string) bool {
	for _, e := range p.exclude {
		if strings.Contains(lower, e) {
			return false
		}
	}
	if p.allowAll {
		return true
	}
	return p.allow[lower]
}
