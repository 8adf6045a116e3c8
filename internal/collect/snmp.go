package collect

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/xtxerr/argus/config"
	"github.com/xtxerr/argus/internal/errors"
	"github.com/xtxerr/argus/internal/logging"
	"github.com/xtxerr/argus/internal/metrics"
)

var snmpLog = logging.Component("snmp")

// IF-MIB columns. HC octet and packet counters are 64-bit; ifInErrors
// only exists as a 32-bit column.
const (
	oidIfDescr          = ".1.3.6.1.2.1.2.2.1.2"
	oidIfHCInOctets     = ".1.3.6.1.2.1.31.1.1.1.6"
	oidIfHCOutOctets    = ".1.3.6.1.2.1.31.1.1.1.10"
	oidIfHCInUcastPkts  = ".1.3.6.1.2.1.31.1.1.1.7"
	oidIfHCOutUcastPkts = ".1.3.6.1.2.1.31.1.1.1.11"
	oidIfInErrors       = ".1.3.6.1.2.1.2.2.1.14"
)

// SNMPConfig holds SNMP v2c settings for one appliance.
type SNMPConfig struct {
	Host      string
	Port      uint16
	Community string
	TimeoutMs uint32
	Retries   uint32
}

// SNMPSource reads interface counters from IF-MIB. It is the counter
// source for targets whose XML API does not expose per-interface
// counters, or where SNMP is simply preferred.
type SNMPSource struct {
	cfg SNMPConfig

	mu    sync.Mutex
	names map[int]string // ifIndex -> ifDescr, refreshed by Discover
}

// NewSNMPSource creates an SNMP counter source.
func NewSNMPSource(cfg SNMPConfig) *SNMPSource {
	if cfg.Port == 0 {
		cfg.Port = config.DefaultSNMPPort
	}
	if cfg.TimeoutMs == 0 {
		cfg.TimeoutMs = uint32(config.DefaultSNMPTimeout / time.Millisecond)
	}
	if cfg.Retries == 0 {
		cfg.Retries = config.DefaultSNMPRetries
	}
	return &SNMPSource{
		cfg:   cfg,
		names: map[int]string{},
	}
}

func (s *SNMPSource) client() *gosnmp.GoSNMP {
	return &gosnmp.GoSNMP{
		Target:    s.cfg.Host,
		Port:      s.cfg.Port,
		Version:   gosnmp.Version2c,
		Community: s.cfg.Community,
		Timeout:   time.Duration(s.cfg.TimeoutMs) * time.Millisecond,
		Retries:   int(s.cfg.Retries),
	}
}

// Discover walks ifDescr and returns the interface names. The index map
// is cached for the following Counters call.
func (s *SNMPSource) Discover(ctx context.Context) ([]string, error) {
	snmp := s.client()
	if err := snmp.Connect(); err != nil {
		return nil, fmt.Errorf("%w: snmp connect: %v", errors.ErrConnectionFailed, err)
	}
	defer snmp.Conn.Close()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pdus, err := snmp.BulkWalkAll(oidIfDescr)
	if err != nil {
		return nil, fmt.Errorf("%w: ifDescr walk: %v", classifySNMP(err), err)
	}

	names := make(map[int]string, len(pdus))
	list := make([]string, 0, len(pdus))
	for _, pdu := range pdus {
		idx, ok := oidIndex(pdu.Name)
		if !ok {
			continue
		}
		raw, ok := pdu.Value.([]byte)
		if !ok || len(raw) == 0 {
			continue
		}
		name := string(raw)
		names[idx] = name
		list = append(list, name)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: ifDescr walk returned no interfaces", errors.ErrFetchFailed)
	}

	s.mu.Lock()
	s.names = names
	s.mu.Unlock()

	return list, nil
}

// Counters walks the HC counter columns and assembles one snapshot per
// requested interface.
func (s *SNMPSource) Counters(ctx context.Context, names []string) ([]metrics.CounterSnapshot, error) {
	s.mu.Lock()
	index := make(map[int]string, len(s.names))
	for k, v := range s.names {
		index[k] = v
	}
	s.mu.Unlock()

	if len(index) == 0 {
		return nil, fmt.Errorf("%w: no interface index, discover first", errors.ErrFetchFailed)
	}

	snmp := s.client()
	if err := snmp.Connect(); err != nil {
		return nil, fmt.Errorf("%w: snmp connect: %v", errors.ErrConnectionFailed, err)
	}
	defer snmp.Conn.Close()

	var cols counterColumns
	for _, c := range []struct {
		oid  string
		dest *map[int]uint64
	}{
		{oidIfHCInOctets, &cols.rxBytes},
		{oidIfHCOutOctets, &cols.txBytes},
		{oidIfHCInUcastPkts, &cols.rxPackets},
		{oidIfHCOutUcastPkts, &cols.txPackets},
		{oidIfInErrors, &cols.rxErrors},
	} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		col, err := walkCounterColumn(snmp, c.oid)
		if err != nil {
			return nil, fmt.Errorf("%w: walk %s: %v", classifySNMP(err), c.oid, err)
		}
		*c.dest = col
	}

	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	snaps := assembleSnapshots(time.Now().UTC(), index, want, cols)
	if len(snaps) == 0 {
		snmpLog.Debug("counter walk matched no requested interfaces", "host", s.cfg.Host)
	}
	return snaps, nil
}

// counterColumns holds one walk result per IF-MIB column, keyed by
// ifIndex.
type counterColumns struct {
	rxBytes   map[int]uint64
	txBytes   map[int]uint64
	rxPackets map[int]uint64
	txPackets map[int]uint64
	rxErrors  map[int]uint64
}

// assembleSnapshots joins the per-column walk results by ifIndex for the
// requested names. Missing columns read as zero.
func assembleSnapshots(now time.Time, index map[int]string, want map[string]bool, cols counterColumns) []metrics.CounterSnapshot {
	var snaps []metrics.CounterSnapshot
	for idx, name := range index {
		if !want[name] {
			continue
		}
		snaps = append(snaps, metrics.CounterSnapshot{
			Interface: name,
			Timestamp: now,
			RxBytes:   cols.rxBytes[idx],
			TxBytes:   cols.txBytes[idx],
			RxPackets: cols.rxPackets[idx],
			TxPackets: cols.txPackets[idx],
			RxErrors:  cols.rxErrors[idx],
		})
	}
	return snaps
}

func walkCounterColumn(snmp *gosnmp.GoSNMP, oid string) (map[int]uint64, error) {
	pdus, err := snmp.BulkWalkAll(oid)
	if err != nil {
		return nil, err
	}
	col := make(map[int]uint64, len(pdus))
	for _, pdu := range pdus {
		idx, ok := oidIndex(pdu.Name)
		if !ok {
			continue
		}
		switch pdu.Type {
		case gosnmp.Counter32, gosnmp.Counter64, gosnmp.Uinteger32, gosnmp.Gauge32:
			col[idx] = gosnmp.ToBigInt(pdu.Value).Uint64()
		}
	}
	return col, nil
}

// oidIndex extracts the trailing instance index from a walked OID.
func oidIndex(oid string) (int, bool) {
	i := strings.LastIndexByte(oid, '.')
	if i < 0 || i == len(oid)-1 {
		return 0, false
	}
	idx, err := strconv.Atoi(oid[i+1:])
	if err != nil {
		return 0, false
	}
	return idx, true
}

// classifySNMP maps gosnmp errors to the module's error taxonomy.
func classifySNMP(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if msg == "request timeout" || strings.Contains(msg, "timeout") {
		return errors.ErrTimeout
	}
	return errors.ErrFetchFailed
}
