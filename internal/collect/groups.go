// Package collect implements per-target collection: the poller state
// machine, the metric groups it cycles through, and the slower interface
// counter monitor. All appliance I/O goes through the TelemetryClient
// boundary so tests and alternate sources can stand in for real devices.
package collect

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/xtxerr/argus/internal/errors"
	"github.com/xtxerr/argus/internal/metrics"
	"github.com/xtxerr/argus/internal/stats"
	"github.com/xtxerr/argus/internal/xmlapi"
)

// =============================================================================
// Aggregation Mode
// =============================================================================

// AggregationMode selects the headline data-plane CPU figure when an
// appliance reports one value per core.
type AggregationMode string

const (
	// AggregateMax reports the busiest core. Conservative for capacity
	// alerting and the default.
	AggregateMax AggregationMode = "max"

	// AggregateMean reports the average across cores.
	AggregateMean AggregationMode = "mean"
)

// NormalizeAggregationMode maps a config string to a mode, defaulting to
// max for anything unrecognized.
func NormalizeAggregationMode(s string) AggregationMode {
	if AggregationMode(strings.ToLower(strings.TrimSpace(s))) == AggregateMean {
		return AggregateMean
	}
	return AggregateMax
}

// =============================================================================
// Metric Groups
// =============================================================================

// GroupResult is what one metric group contributes to a poll cycle.
// Fields merge into the cycle's record; Sessions and Hardware ride along
// when the group produces them.
type GroupResult struct {
	Fields   map[string]float64
	Sessions *metrics.SessionStats
	Hardware *metrics.HardwareInfo
}

// ParseFunc extracts a GroupResult from an op response.
type ParseFunc func(doc *xmlapi.Document) (GroupResult, error)

// Group is one op command plus its parser.
type Group struct {
	Name  string
	Cmd   string
	Parse ParseFunc
}

// DefaultGroups returns the per-cycle groups in execution order.
func DefaultGroups(mode AggregationMode) []Group {
	return []Group{
		SystemResourcesGroup(),
		DataplaneGroup(mode),
		SessionInfoGroup(),
	}
}

// SystemResourcesGroup reads management-plane CPU from the "top" snapshot
// embedded in the system resources response.
func SystemResourcesGroup() Group {
	return Group{
		Name:  "system-resources",
		Cmd:   "<show><system><resources></resources></show>",
		Parse: parseSystemResources,
	}
}

// DataplaneGroup reads per-core data-plane CPU and packet buffer
// utilization from the resource monitor.
func DataplaneGroup(mode AggregationMode) Group {
	return Group{
		Name: "dataplane",
		Cmd:  "<show><running><resource-monitor><minute><last>1</last></minute></resource-monitor></running></show>",
		Parse: func(doc *xmlapi.Document) (GroupResult, error) {
			return parseDataplane(doc, mode)
		},
	}
}

// SessionInfoGroup reads session-table totals and throughput.
func SessionInfoGroup() Group {
	return Group{
		Name:  "session-info",
		Cmd:   "<show><session><info></info></session></show>",
		Parse: parseSessionInfo,
	}
}

// SystemInfoGroup reads appliance identity for target registration. The
// poller runs it until it succeeds once, not every cycle.
func SystemInfoGroup() Group {
	return Group{
		Name:  "system-info",
		Cmd:   "<show><system><info></info></show>",
		Parse: parseSystemInfo,
	}
}

// =============================================================================
// System Resources (management CPU)
// =============================================================================

// Two CPU line formats appear in the wild, depending on the procps build
// on the appliance:
//
//	%Cpu(s):  2.3 us,  1.1 sy,  0.0 ni, 95.2 id, ...
//	Cpu(s):  2.3%us,  1.1%sy,  0.0%ni, 95.2%id, ...
var (
	cpuLineCurrent = regexp.MustCompile(`%Cpu\(s\):\s*([0-9.]+)\s*us,\s*([0-9.]+)\s*sy,.*?([0-9.]+)\s*id`)
	cpuLineLegacy  = regexp.MustCompile(`Cpu\(s\):\s*([0-9.]+)%us,\s*([0-9.]+)%sy,.*?([0-9.]+)%id`)
)

func parseSystemResources(doc *xmlapi.Document) (GroupResult, error) {
	text := doc.Text("result")
	if text == "" {
		return GroupResult{}, fmt.Errorf("%w: empty system resources result", errors.ErrParseFailed)
	}

	m := cpuLineCurrent.FindStringSubmatch(text)
	if m == nil {
		m = cpuLineLegacy.FindStringSubmatch(text)
	}
	if m == nil {
		return GroupResult{}, fmt.Errorf("%w: no CPU line in system resources output", errors.ErrParseFailed)
	}

	user, err1 := strconv.ParseFloat(m[1], 64)
	system, err2 := strconv.ParseFloat(m[2], 64)
	idle, err3 := strconv.ParseFloat(m[3], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return GroupResult{}, fmt.Errorf("%w: malformed CPU line %q", errors.ErrParseFailed, m[0])
	}

	return GroupResult{Fields: map[string]float64{
		"cpu_user":   user,
		"cpu_system": system,
		"cpu_idle":   idle,
		"mgmt_cpu":   100 - idle,
	}}, nil
}

// =============================================================================
// Data Plane (resource monitor)
// =============================================================================

// dataplaneRoots are the sample locations tried in order. Multi-processor
// platforms nest samples under data-processors; smaller ones report a
// flat minute block, and some software builds only expose seconds.
var dataplaneRoots = []string{
	"result/resource-monitor/data-processors/dp0/minute",
	"result/resource-monitor/minute",
	"result/resource-monitor/second",
}

func parseDataplane(doc *xmlapi.Document, mode AggregationMode) (GroupResult, error) {
	var root *xmlapi.Node
	for _, path := range dataplaneRoots {
		if n := doc.Find(path); n != nil {
			root = n
			break
		}
	}
	if root == nil {
		return GroupResult{}, fmt.Errorf("%w: no resource monitor sample block", errors.ErrParseFailed)
	}

	values, err := coreLoads(root.Child("cpu-load-average"))
	if err != nil {
		return GroupResult{}, err
	}

	fields := map[string]float64{
		"dp_cpu_mean": stats.Mean(values),
		"dp_cpu_max":  stats.Max(values),
		"dp_cpu_p95":  stats.Percentile(values, 0.95),
	}
	if mode == AggregateMean {
		fields["data_plane_cpu"] = fields["dp_cpu_mean"]
	} else {
		fields["data_plane_cpu"] = fields["dp_cpu_max"]
	}

	if pbuf, ok := packetBufferUtil(root.Child("resource-utilization")); ok {
		fields["pbuf_util_percent"] = pbuf
	}

	return GroupResult{Fields: fields}, nil
}

// coreLoads extracts the newest load value per core. Each entry's value is
// a comma-separated series, newest first. Appliances reporting fractional
// load (every value at most 1, decimals present) are scaled to percent.
func coreLoads(cla *xmlapi.Node) ([]float64, error) {
	if cla == nil {
		return nil, fmt.Errorf("%w: no cpu-load-average block", errors.ErrParseFailed)
	}

	var (
		values     []float64
		fractional = true
		decimals   bool
	)
	for _, entry := range cla.ChildrenNamed("entry") {
		raw := entry.Child("value").Text()
		if raw == "" {
			continue
		}
		newest := raw
		if i := strings.IndexByte(raw, ','); i >= 0 {
			newest = raw[:i]
		}
		newest = strings.TrimSpace(newest)
		v, err := strconv.ParseFloat(newest, 64)
		if err != nil {
			continue
		}
		values = append(values, v)
		if v > 1.0 {
			fractional = false
		}
		if strings.ContainsRune(newest, '.') {
			decimals = true
		}
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: no parsable core load values", errors.ErrParseFailed)
	}

	if fractional && decimals {
		for i := range values {
			values[i] *= 100
		}
	}
	return values, nil
}

// packetBufferUtil picks the highest packet buffer utilization entry.
func packetBufferUtil(ru *xmlapi.Node) (float64, bool) {
	if ru == nil {
		return 0, false
	}
	var (
		best  float64
		found bool
	)
	for _, entry := range ru.ChildrenNamed("entry") {
		name := strings.ToLower(entry.Child("name").Text())
		if !strings.Contains(name, "packet buffer") {
			continue
		}
		if v, ok := entry.Child("value").Float(); ok && (!found || v > best) {
			best = v
			found = true
		}
	}
	return best, found
}

// =============================================================================
// Session Info
// =============================================================================

// pickFloat returns the first named child that parses as a number.
// Software versions disagree on field names, so each logical value has an
// ordered fallback list.
func pickFloat(n *xmlapi.Node, names ...string) (float64, bool) {
	for _, name := range names {
		if v, ok := n.Child(name).Float(); ok {
			return v, true
		}
	}
	return 0, false
}

func parseSessionInfo(doc *xmlapi.Document) (GroupResult, error) {
	res := doc.Find("result")
	if res == nil {
		return GroupResult{}, fmt.Errorf("%w: no session info result", errors.ErrParseFailed)
	}

	fields := map[string]float64{}

	active, haveActive := pickFloat(res, "num-active")
	if haveActive {
		fields["sessions_active"] = active
	}
	if kbps, ok := pickFloat(res, "kbps", "throughput"); ok {
		fields["throughput_mbps"] = kbps / 1000
	}
	if pps, ok := pickFloat(res, "pps"); ok {
		fields["pps_total"] = pps
	}

	if len(fields) == 0 {
		return GroupResult{}, fmt.Errorf("%w: session info carried no known fields", errors.ErrParseFailed)
	}

	result := GroupResult{Fields: fields}
	if haveActive {
		ss := &metrics.SessionStats{Active: int64(active)}
		if v, ok := pickFloat(res, "num-max", "num-maximum"); ok {
			ss.Maximum = int64(v)
		}
		if v, ok := pickFloat(res, "num-tcp"); ok {
			ss.TCP = int64(v)
		}
		if v, ok := pickFloat(res, "num-udp"); ok {
			ss.UDP = int64(v)
		}
		if v, ok := pickFloat(res, "num-icmp"); ok {
			ss.ICMP = int64(v)
		}
		if v, ok := pickFloat(res, "cps"); ok {
			ss.CPS = v
		}
		if v, ok := pickFloat(res, "kbps", "throughput"); ok {
			ss.Kbps = v
		}
		result.Sessions = ss
	}
	return result, nil
}

// =============================================================================
// System Info
// =============================================================================

func parseSystemInfo(doc *xmlapi.Document) (GroupResult, error) {
	sys := doc.Find("result/system")
	if sys == nil {
		return GroupResult{}, fmt.Errorf("%w: no system info block", errors.ErrParseFailed)
	}

	hw := &metrics.HardwareInfo{
		Hostname:  sys.Child("hostname").Text(),
		Model:     sys.Child("model").Text(),
		Serial:    sys.Child("serial").Text(),
		SWVersion: sys.Child("sw-version").Text(),
	}
	if *hw == (metrics.HardwareInfo{}) {
		return GroupResult{}, fmt.Errorf("%w: system info block was empty", errors.ErrParseFailed)
	}
	return GroupResult{Hardware: hw}, nil
}
