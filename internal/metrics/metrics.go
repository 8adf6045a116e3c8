// Package metrics defines the core data types flowing through the
// collection pipeline: per-cycle records, high-frequency samples and their
// aggregates, interface counter snapshots and derived rates, and the tagged
// queue items that carry them to the sink.
package metrics

import "time"

// =============================================================================
// MetricRecord
// =============================================================================

// Record is one merged observation for a target, produced once per poll
// cycle. Fields is a flat map of named numeric values; groups that failed
// during the cycle simply leave their fields absent. A Record is immutable
// after the producing cycle ends.
type Record struct {
	Target    string
	Timestamp time.Time
	Fields    map[string]float64
}

// NewRecord creates an empty record stamped with the current UTC time.
func NewRecord(target string) *Record {
	return &Record{
		Target:    target,
		Timestamp: time.Now().UTC(),
		Fields:    make(map[string]float64),
	}
}

// Merge copies all fields from src into the record. Later groups win on
// name collisions, which does not occur with the standard group set.
func (r *Record) Merge(src map[string]float64) {
	for k, v := range src {
		r.Fields[k] = v
	}
}

// Get returns a field value and whether it is present.
func (r *Record) Get(name string) (float64, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// Len returns the number of populated fields.
func (r *Record) Len() int {
	return len(r.Fields)
}

// =============================================================================
// Sample / Aggregate
// =============================================================================

// Sample is one high-frequency observation from a windowed sampler.
// Failed fetches still produce a Sample with Success=false so the
// success-rate denominator stays honest.
type Sample struct {
	Timestamp time.Time
	Value     float64
	Success   bool
	Err       string
}

// Aggregate is derived from the samples inside a window. It is recomputed
// fresh on every request and never persisted.
type Aggregate struct {
	Count       int
	SuccessRate float64
	Mean        float64
	Min         float64
	Max         float64
	P95         float64
	Span        time.Duration
}

// =============================================================================
// Interface Counters
// =============================================================================

// CounterSnapshot holds raw monotonic counters for one interface at one
// instant. Only two consecutive snapshots for the same interface are valid
// rate input.
type CounterSnapshot struct {
	Interface string
	Timestamp time.Time
	RxBytes   uint64
	TxBytes   uint64
	RxPackets uint64
	TxPackets uint64
	RxErrors  uint64
}

// InterfaceRate is the bandwidth derived from two snapshots of the same
// interface. ElapsedSec is always > 0.
type InterfaceRate struct {
	Interface  string
	Timestamp  time.Time
	ElapsedSec float64
	RxBps      float64
	TxBps      float64
	RxMbps     float64
	TxMbps     float64
	RxPps      float64
	TxPps      float64
	RxErrors   uint64
}

// =============================================================================
// Session Stats
// =============================================================================

// SessionStats is the session-table breakdown reported by an appliance.
type SessionStats struct {
	Target    string
	Timestamp time.Time
	Active    int64
	Maximum   int64
	TCP       int64
	UDP       int64
	ICMP      int64
	CPS       float64
	Kbps      float64
}

// HardwareInfo is optional appliance identity metadata captured at
// registration and refreshed when the system-info group yields values.
type HardwareInfo struct {
	Hostname  string
	Model     string
	Serial    string
	SWVersion string
}

// =============================================================================
// Queue Items
// =============================================================================

// ItemKind tags the payload variant carried by a queue Item.
type ItemKind int

const (
	// KindRecord carries one MetricRecord.
	KindRecord ItemKind = iota

	// KindRates carries a batch of interface rates from one cycle.
	KindRates

	// KindSessions carries one session stats observation.
	KindSessions
)

// String returns the kind name for logging.
func (k ItemKind) String() string {
	switch k {
	case KindRecord:
		return "record"
	case KindRates:
		return "rates"
	case KindSessions:
		return "sessions"
	default:
		return "unknown"
	}
}

// Item is the tagged union traveling through the fan-in queue. Exactly one
// payload field is set, selected by Kind.
type Item struct {
	Kind     ItemKind
	Target   string
	Record   *Record
	Rates    []InterfaceRate
	Sessions *SessionStats
}

// RecordItem wraps a record for enqueueing.
func RecordItem(rec *Record) Item {
	return Item{Kind: KindRecord, Target: rec.Target, Record: rec}
}

// RatesItem wraps an interface rate batch for enqueueing.
func RatesItem(target string, rates []InterfaceRate) Item {
	return Item{Kind: KindRates, Target: target, Rates: rates}
}

// SessionsItem wraps session stats for enqueueing.
func SessionsItem(st *SessionStats) Item {
	return Item{Kind: KindSessions, Target: st.Target, Sessions: st}
}
