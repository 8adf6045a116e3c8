package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/argus/internal/metrics"
	"github.com/xtxerr/argus/internal/rollup"
)

func openTest(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_AppliesSchema(t *testing.T) {
	s := openTest(t, Config{})

	counts, err := s.TableCounts(context.Background())
	if err != nil {
		t.Fatalf("TableCounts() error = %v", err)
	}
	for _, table := range []string{"targets", "metrics", "interface_rates", "session_stats", "metric_rollups"} {
		n, ok := counts[table]
		if !ok {
			t.Errorf("table %s missing from counts", table)
		}
		if n != 0 {
			t.Errorf("table %s count = %d, want 0", table, n)
		}
	}
}

func TestOpen_FileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "argus.duckdb")
	s := openTest(t, Config{Path: path})

	err := s.RegisterTarget(context.Background(), "fw1", metrics.HardwareInfo{})
	if err != nil {
		t.Fatalf("RegisterTarget() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

// =============================================================================
// Target Registry
// =============================================================================

func TestStore_RegisterTarget(t *testing.T) {
	s := openTest(t, Config{})
	ctx := context.Background()

	if err := s.RegisterTarget(ctx, "fw1", metrics.HardwareInfo{}); err != nil {
		t.Fatalf("RegisterTarget() error = %v", err)
	}

	targets, err := s.Targets(ctx)
	if err != nil {
		t.Fatalf("Targets() error = %v", err)
	}
	if len(targets) != 1 {
		t.Fatalf("len(targets) = %d, want 1", len(targets))
	}
	if targets[0].Name != "fw1" {
		t.Errorf("Name = %q, want fw1", targets[0].Name)
	}
	if targets[0].FirstSeen.IsZero() || targets[0].LastSeen.IsZero() {
		t.Error("seen timestamps not set")
	}
}

func TestStore_RegisterTarget_RefreshesHardware(t *testing.T) {
	s := openTest(t, Config{})
	ctx := context.Background()

	if err := s.RegisterTarget(ctx, "fw1", metrics.HardwareInfo{}); err != nil {
		t.Fatalf("initial register error = %v", err)
	}

	hw := metrics.HardwareInfo{Hostname: "edge-fw1", Model: "PA-5220", Serial: "0011", SWVersion: "10.2.3"}
	if err := s.RegisterTarget(ctx, "fw1", hw); err != nil {
		t.Fatalf("refresh register error = %v", err)
	}

	targets, err := s.Targets(ctx)
	if err != nil {
		t.Fatalf("Targets() error = %v", err)
	}
	if len(targets) != 1 {
		t.Fatalf("len(targets) = %d, want 1 after upsert", len(targets))
	}
	got := targets[0]
	if got.Hostname != "edge-fw1" || got.Model != "PA-5220" || got.Serial != "0011" || got.SWVersion != "10.2.3" {
		t.Errorf("hardware = %+v, want refreshed values", got)
	}
}

func TestStore_RegisterTarget_EmptyFieldsKeepPrevious(t *testing.T) {
	s := openTest(t, Config{})
	ctx := context.Background()

	hw := metrics.HardwareInfo{Hostname: "edge-fw1", Model: "PA-5220"}
	if err := s.RegisterTarget(ctx, "fw1", hw); err != nil {
		t.Fatalf("register error = %v", err)
	}
	if err := s.RegisterTarget(ctx, "fw1", metrics.HardwareInfo{}); err != nil {
		t.Fatalf("re-register error = %v", err)
	}

	targets, _ := s.Targets(ctx)
	if len(targets) != 1 {
		t.Fatalf("len(targets) = %d, want 1", len(targets))
	}
	if targets[0].Hostname != "edge-fw1" || targets[0].Model != "PA-5220" {
		t.Errorf("hardware erased by empty refresh: %+v", targets[0])
	}
}

func TestStore_RegisterTarget_MissingName(t *testing.T) {
	s := openTest(t, Config{})
	if err := s.RegisterTarget(context.Background(), "", metrics.HardwareInfo{}); err == nil {
		t.Error("RegisterTarget with empty name = nil, want error")
	}
}

// =============================================================================
// Metric Records
// =============================================================================

func TestStore_WriteMetricRecord_Roundtrip(t *testing.T) {
	s := openTest(t, Config{})
	ctx := context.Background()

	rec := metrics.NewRecord("fw1")
	rec.Fields["mgmt_cpu"] = 4.8
	rec.Fields["data_plane_cpu"] = 61
	rec.Fields["latency_ms_mean"] = 10.5
	rec.Fields["latency_ms_success_rate"] = 1

	if err := s.WriteMetricRecord(ctx, rec); err != nil {
		t.Fatalf("WriteMetricRecord() error = %v", err)
	}

	got, err := s.RecentRecords(ctx, "fw1", 0)
	if err != nil {
		t.Fatalf("RecentRecords() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(got))
	}
	for name, want := range rec.Fields {
		if v, ok := got[0].Fields[name]; !ok || v != want {
			t.Errorf("field %s = %v (present %v), want %v", name, v, ok, want)
		}
	}
	if got[0].Len() != rec.Len() {
		t.Errorf("field count = %d, want %d", got[0].Len(), rec.Len())
	}
	if s.Stats().RecordsWritten != 1 {
		t.Errorf("RecordsWritten = %d, want 1", s.Stats().RecordsWritten)
	}
}

func TestStore_WriteMetricRecord_CanonicalOnly(t *testing.T) {
	s := openTest(t, Config{})
	ctx := context.Background()

	rec := metrics.NewRecord("fw1")
	rec.Fields["mgmt_cpu"] = 12

	if err := s.WriteMetricRecord(ctx, rec); err != nil {
		t.Fatalf("WriteMetricRecord() error = %v", err)
	}

	got, err := s.RecentRecords(ctx, "fw1", 0)
	if err != nil {
		t.Fatalf("RecentRecords() error = %v", err)
	}
	if len(got) != 1 || got[0].Len() != 1 {
		t.Fatalf("records = %+v, want one record with one field", got)
	}
	if v := got[0].Fields["mgmt_cpu"]; v != 12 {
		t.Errorf("mgmt_cpu = %v, want 12", v)
	}
}

func TestStore_RecentRecords_OrderAndLimit(t *testing.T) {
	s := openTest(t, Config{})
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		rec := metrics.NewRecord("fw1")
		rec.Timestamp = base.Add(time.Duration(i) * time.Minute)
		rec.Fields["mgmt_cpu"] = float64(i)
		if err := s.WriteMetricRecord(ctx, rec); err != nil {
			t.Fatalf("write %d error = %v", i, err)
		}
	}

	got, err := s.RecentRecords(ctx, "fw1", 2)
	if err != nil {
		t.Fatalf("RecentRecords() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(got))
	}
	if got[0].Fields["mgmt_cpu"] != 2 || got[1].Fields["mgmt_cpu"] != 1 {
		t.Errorf("order = %v, %v; want newest first (2, 1)",
			got[0].Fields["mgmt_cpu"], got[1].Fields["mgmt_cpu"])
	}
}

func TestStore_RecentRecords_UnknownTarget(t *testing.T) {
	s := openTest(t, Config{})
	got, err := s.RecentRecords(context.Background(), "nope", 10)
	if err != nil {
		t.Fatalf("RecentRecords() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len(records) = %d, want 0", len(got))
	}
}

// =============================================================================
// Interface Rates / Session Stats
// =============================================================================

func TestStore_WriteInterfaceRates_Roundtrip(t *testing.T) {
	s := openTest(t, Config{})
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	rates := []metrics.InterfaceRate{
		{Interface: "ethernet1/1", Timestamp: now, ElapsedSec: 1, RxBps: 8000, TxBps: 16000, RxMbps: 0.008, TxMbps: 0.016, RxPps: 10, TxPps: 20, RxErrors: 0},
		{Interface: "ethernet1/2", Timestamp: now, ElapsedSec: 1, RxBps: 100, TxBps: 200, RxMbps: 0.0001, TxMbps: 0.0002, RxPps: 1, TxPps: 2, RxErrors: 7},
	}
	if err := s.WriteInterfaceRates(ctx, "fw1", rates); err != nil {
		t.Fatalf("WriteInterfaceRates() error = %v", err)
	}

	got, err := s.RecentRates(ctx, "fw1", 0)
	if err != nil {
		t.Fatalf("RecentRates() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(rates) = %d, want 2", len(got))
	}
	byName := map[string]metrics.InterfaceRate{}
	for _, r := range got {
		byName[r.Interface] = r
	}
	e11 := byName["ethernet1/1"]
	if e11.RxBps != 8000 || e11.TxBps != 16000 || e11.RxPps != 10 {
		t.Errorf("ethernet1/1 = %+v", e11)
	}
	if byName["ethernet1/2"].RxErrors != 7 {
		t.Errorf("ethernet1/2 RxErrors = %d, want 7", byName["ethernet1/2"].RxErrors)
	}
	if s.Stats().RateRowsWritten != 2 {
		t.Errorf("RateRowsWritten = %d, want 2", s.Stats().RateRowsWritten)
	}
}

func TestStore_WriteInterfaceRates_EmptyBatch(t *testing.T) {
	s := openTest(t, Config{})
	if err := s.WriteInterfaceRates(context.Background(), "fw1", nil); err != nil {
		t.Errorf("empty batch error = %v, want nil", err)
	}
}

func TestStore_WriteSessionStats(t *testing.T) {
	s := openTest(t, Config{})
	ctx := context.Background()

	st := &metrics.SessionStats{
		Target: "fw1", Timestamp: time.Now().UTC(),
		Active: 4821, Maximum: 262144, TCP: 3200, UDP: 1500, ICMP: 121,
		CPS: 85.5, Kbps: 9000,
	}
	if err := s.WriteSessionStats(ctx, st); err != nil {
		t.Fatalf("WriteSessionStats() error = %v", err)
	}

	counts, err := s.TableCounts(ctx)
	if err != nil {
		t.Fatalf("TableCounts() error = %v", err)
	}
	if counts["session_stats"] != 1 {
		t.Errorf("session_stats count = %d, want 1", counts["session_stats"])
	}
	if s.Stats().SessionsWritten != 1 {
		t.Errorf("SessionsWritten = %d, want 1", s.Stats().SessionsWritten)
	}
}

// =============================================================================
// Rollups
// =============================================================================

func TestStore_WriteRollups_Roundtrip(t *testing.T) {
	s := openTest(t, Config{})
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	rows := []rollup.Row{
		{
			Target: "fw1", Field: "data_plane_cpu",
			BucketStart: start, BucketEnd: start.Add(time.Hour),
			Count: 60, Sum: 3000, Mean: 50, Min: 20, Max: 90,
			P50: 48, P95: 85, P99: 89,
		},
		{
			Target: "fw1", Field: "data_plane_cpu",
			BucketStart: start.Add(time.Hour), BucketEnd: start.Add(2 * time.Hour),
			Count: 60, Sum: 1200, Mean: 20, Min: 10, Max: 40,
			P50: 19, P95: 38, P99: 40,
		},
	}
	if err := s.WriteRollups(ctx, rows); err != nil {
		t.Fatalf("WriteRollups() error = %v", err)
	}

	got, err := s.Rollups(ctx, "fw1", "data_plane_cpu", start, start.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Rollups() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(rollups) = %d, want 2", len(got))
	}
	if !got[0].BucketStart.Equal(start) {
		t.Errorf("first bucket start = %v, want %v (oldest first)", got[0].BucketStart, start)
	}
	if got[0].Count != 60 || got[0].Mean != 50 || got[0].P95 != 85 {
		t.Errorf("first bucket = %+v", got[0])
	}
	if s.Stats().RollupsWritten != 2 {
		t.Errorf("RollupsWritten = %d, want 2", s.Stats().RollupsWritten)
	}
}

func TestStore_Rollups_WindowExcludesOutside(t *testing.T) {
	s := openTest(t, Config{})
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	rows := []rollup.Row{
		{Target: "fw1", Field: "mgmt_cpu", BucketStart: start, BucketEnd: start.Add(time.Hour), Count: 1},
		{Target: "fw1", Field: "mgmt_cpu", BucketStart: start.Add(3 * time.Hour), BucketEnd: start.Add(4 * time.Hour), Count: 1},
	}
	if err := s.WriteRollups(ctx, rows); err != nil {
		t.Fatalf("WriteRollups() error = %v", err)
	}

	got, err := s.Rollups(ctx, "fw1", "mgmt_cpu", start, start.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Rollups() error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("len(rollups) = %d, want 1 inside window", len(got))
	}
}
