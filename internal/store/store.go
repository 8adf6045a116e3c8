// Package store persists the collection pipeline into an embedded DuckDB
// database: one row per poll cycle in metrics, interface rate batches,
// session stats, hourly rollups, and the target registry. Core capacity
// fields get real columns so operators can query them directly; anything
// else a cycle produces rides along in a JSON overflow column.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/argus/config"
	"github.com/xtxerr/argus/internal/errors"
	"github.com/xtxerr/argus/internal/logging"
	"github.com/xtxerr/argus/internal/metrics"
	"github.com/xtxerr/argus/internal/rollup"
)

var log = logging.Component("store")

// canonicalFields are the record fields with dedicated columns, in column
// order. Everything else lands in the extra JSON column.
var canonicalFields = []string{
	"mgmt_cpu",
	"data_plane_cpu",
	"pbuf_util_percent",
	"sessions_active",
	"throughput_mbps",
	"pps_total",
}

// =============================================================================
// Schema
// =============================================================================

var schema = []string{
	`CREATE TABLE IF NOT EXISTS targets (
		name        TEXT PRIMARY KEY,
		hostname    TEXT NOT NULL DEFAULT '',
		model       TEXT NOT NULL DEFAULT '',
		serial      TEXT NOT NULL DEFAULT '',
		sw_version  TEXT NOT NULL DEFAULT '',
		first_seen  TIMESTAMP NOT NULL,
		last_seen   TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS metrics (
		target             TEXT NOT NULL,
		ts                 TIMESTAMP NOT NULL,
		mgmt_cpu           DOUBLE,
		data_plane_cpu     DOUBLE,
		pbuf_util_percent  DOUBLE,
		sessions_active    DOUBLE,
		throughput_mbps    DOUBLE,
		pps_total          DOUBLE,
		extra              TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_metrics_target_ts ON metrics (target, ts)`,
	`CREATE TABLE IF NOT EXISTS interface_rates (
		target      TEXT NOT NULL,
		interface   TEXT NOT NULL,
		ts          TIMESTAMP NOT NULL,
		elapsed_sec DOUBLE NOT NULL,
		rx_bps      DOUBLE NOT NULL,
		tx_bps      DOUBLE NOT NULL,
		rx_mbps     DOUBLE NOT NULL,
		tx_mbps     DOUBLE NOT NULL,
		rx_pps      DOUBLE NOT NULL,
		tx_pps      DOUBLE NOT NULL,
		rx_errors   BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rates_target_ts ON interface_rates (target, ts)`,
	`CREATE TABLE IF NOT EXISTS session_stats (
		target  TEXT NOT NULL,
		ts      TIMESTAMP NOT NULL,
		active  BIGINT NOT NULL,
		maximum BIGINT NOT NULL,
		tcp     BIGINT NOT NULL,
		udp     BIGINT NOT NULL,
		icmp    BIGINT NOT NULL,
		cps     DOUBLE NOT NULL,
		kbps    DOUBLE NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_target_ts ON session_stats (target, ts)`,
	`CREATE TABLE IF NOT EXISTS metric_rollups (
		target       TEXT NOT NULL,
		field        TEXT NOT NULL,
		bucket_start TIMESTAMP NOT NULL,
		bucket_end   TIMESTAMP NOT NULL,
		count        BIGINT NOT NULL,
		sum          DOUBLE NOT NULL,
		mean         DOUBLE NOT NULL,
		min          DOUBLE NOT NULL,
		max          DOUBLE NOT NULL,
		p50          DOUBLE NOT NULL,
		p95          DOUBLE NOT NULL,
		p99          DOUBLE NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rollups_target_field ON metric_rollups (target, field, bucket_start)`,
}

// =============================================================================
// Store
// =============================================================================

// Config holds construction parameters for the store.
type Config struct {
	// Path is the DuckDB database file. Empty uses the default; ":memory:"
	// opens an in-memory database.
	Path string

	// RetentionDays is how long raw rows are kept before the sweeper
	// deletes them. Zero uses the default; negative disables sweeping.
	RetentionDays int

	// SweepInterval is how often the retention sweeper runs.
	SweepInterval time.Duration

	// ArchiveDir, when set, receives a Parquet archive of swept metrics
	// rows before they are deleted.
	ArchiveDir string
}

// Stats is a point-in-time snapshot of the store.
type Stats struct {
	Path              string    `json:"path"`
	TargetsRegistered int64     `json:"targets_registered"`
	RecordsWritten    int64     `json:"records_written"`
	RateRowsWritten   int64     `json:"rate_rows_written"`
	SessionsWritten   int64     `json:"sessions_written"`
	RollupsWritten    int64     `json:"rollups_written"`
	Sweeps            int64     `json:"sweeps"`
	RowsSwept         int64     `json:"rows_swept"`
	LastSweep         time.Time `json:"last_sweep,omitempty"`
	SweeperRunning    bool      `json:"sweeper_running"`
}

// TargetInfo is one row of the target registry.
type TargetInfo struct {
	Name      string    `json:"name"`
	Hostname  string    `json:"hostname,omitempty"`
	Model     string    `json:"model,omitempty"`
	Serial    string    `json:"serial,omitempty"`
	SWVersion string    `json:"sw_version,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Store is the embedded database. It satisfies the sink's storage
// interface, and WriteRollups satisfies the rollup manager's FlushFunc.
type Store struct {
	db   *sql.DB
	path string

	retentionDays int
	sweepInterval time.Duration
	archiveDir    string

	sweeper sweeper

	targetsRegistered atomic.Int64
	recordsWritten    atomic.Int64
	rateRowsWritten   atomic.Int64
	sessionsWritten   atomic.Int64
	rollupsWritten    atomic.Int64
}

// Open opens (or creates) the database and applies the schema.
func Open(cfg Config) (*Store, error) {
	path := cfg.Path
	if path == "" {
		path = config.DefaultStorePath
	}
	dsn := path
	if path == ":memory:" {
		dsn = ""
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	s := &Store{
		db:            db,
		path:          path,
		retentionDays: cfg.RetentionDays,
		sweepInterval: cfg.SweepInterval,
		archiveDir:    cfg.ArchiveDir,
	}
	if s.retentionDays == 0 {
		s.retentionDays = config.DefaultRetentionDays
	}
	if s.sweepInterval <= 0 {
		s.sweepInterval = config.DefaultRetentionSweepInterval
	}

	log.Info("store opened", "path", path, "retention_days", s.retentionDays)
	return s, nil
}

// Close stops the sweeper if running and closes the database.
func (s *Store) Close() error {
	s.StopSweeper()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	log.Info("store closed", "path", s.path)
	return nil
}

// =============================================================================
// Sink Writes
// =============================================================================

// RegisterTarget upserts a target registry row. Empty hardware fields
// never overwrite previously captured values, so a registration before
// the first system-info cycle does not erase identity metadata.
func (s *Store) RegisterTarget(ctx context.Context, name string, hw metrics.HardwareInfo) error {
	if name == "" {
		return errors.NewMissingField("name")
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO targets (name, hostname, model, serial, sw_version, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (name) DO UPDATE SET
			hostname   = COALESCE(NULLIF(excluded.hostname,   ''), targets.hostname),
			model      = COALESCE(NULLIF(excluded.model,      ''), targets.model),
			serial     = COALESCE(NULLIF(excluded.serial,     ''), targets.serial),
			sw_version = COALESCE(NULLIF(excluded.sw_version, ''), targets.sw_version),
			last_seen  = excluded.last_seen`,
		name, hw.Hostname, hw.Model, hw.Serial, hw.SWVersion, now)
	if err != nil {
		return fmt.Errorf("%w: register target %s: %v", errors.ErrWriteFailed, name, err)
	}
	s.targetsRegistered.Add(1)
	return nil
}

// WriteMetricRecord persists one poll cycle. Canonical fields fill their
// columns; remaining fields are marshaled into the extra column.
func (s *Store) WriteMetricRecord(ctx context.Context, rec *metrics.Record) error {
	if rec == nil || rec.Target == "" {
		return errors.NewMissingField("record")
	}

	canonical := make([]any, len(canonicalFields))
	seen := make(map[string]bool, len(canonicalFields))
	for i, name := range canonicalFields {
		if v, ok := rec.Fields[name]; ok {
			canonical[i] = v
			seen[name] = true
		}
	}

	var extra any
	overflow := make(map[string]float64)
	for name, v := range rec.Fields {
		if !seen[name] {
			overflow[name] = v
		}
	}
	if len(overflow) > 0 {
		buf, err := json.Marshal(overflow)
		if err != nil {
			return fmt.Errorf("%w: encode overflow fields: %v", errors.ErrWriteFailed, err)
		}
		extra = string(buf)
	}

	args := append([]any{rec.Target, rec.Timestamp.UTC()}, canonical...)
	args = append(args, extra)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics (target, ts, mgmt_cpu, data_plane_cpu, pbuf_util_percent,
			sessions_active, throughput_mbps, pps_total, extra)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, args...)
	if err != nil {
		return fmt.Errorf("%w: insert metrics row: %v", errors.ErrWriteFailed, err)
	}
	s.recordsWritten.Add(1)
	return nil
}

// WriteInterfaceRates persists one cycle's rate batch in a single
// transaction so a partial batch never lands.
func (s *Store) WriteInterfaceRates(ctx context.Context, target string, rates []metrics.InterfaceRate) error {
	if target == "" {
		return errors.NewMissingField("target")
	}
	if len(rates) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin rates tx: %v", errors.ErrWriteFailed, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO interface_rates (target, interface, ts, elapsed_sec,
			rx_bps, tx_bps, rx_mbps, tx_mbps, rx_pps, tx_pps, rx_errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
	if err != nil {
		return fmt.Errorf("%w: prepare rates insert: %v", errors.ErrWriteFailed, err)
	}
	defer stmt.Close()

	for _, r := range rates {
		_, err := stmt.ExecContext(ctx, target, r.Interface, r.Timestamp.UTC(),
			r.ElapsedSec, r.RxBps, r.TxBps, r.RxMbps, r.TxMbps,
			r.RxPps, r.TxPps, int64(r.RxErrors))
		if err != nil {
			return fmt.Errorf("%w: insert rate row %s: %v", errors.ErrWriteFailed, r.Interface, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit rates tx: %v", errors.ErrWriteFailed, err)
	}
	s.rateRowsWritten.Add(int64(len(rates)))
	return nil
}

// WriteSessionStats persists one session-table observation.
func (s *Store) WriteSessionStats(ctx context.Context, st *metrics.SessionStats) error {
	if st == nil || st.Target == "" {
		return errors.NewMissingField("session stats")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_stats (target, ts, active, maximum, tcp, udp, icmp, cps, kbps)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		st.Target, st.Timestamp.UTC(), st.Active, st.Maximum,
		st.TCP, st.UDP, st.ICMP, st.CPS, st.Kbps)
	if err != nil {
		return fmt.Errorf("%w: insert session stats: %v", errors.ErrWriteFailed, err)
	}
	s.sessionsWritten.Add(1)
	return nil
}

// WriteRollups persists closed rollup buckets in one transaction. It is
// wired as the rollup manager's flush function.
func (s *Store) WriteRollups(ctx context.Context, rows []rollup.Row) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin rollup tx: %v", errors.ErrWriteFailed, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO metric_rollups (target, field, bucket_start, bucket_end,
			count, sum, mean, min, max, p50, p95, p99)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`)
	if err != nil {
		return fmt.Errorf("%w: prepare rollup insert: %v", errors.ErrWriteFailed, err)
	}
	defer stmt.Close()

	for _, r := range rows {
		_, err := stmt.ExecContext(ctx, r.Target, r.Field,
			r.BucketStart.UTC(), r.BucketEnd.UTC(),
			r.Count, r.Sum, r.Mean, r.Min, r.Max, r.P50, r.P95, r.P99)
		if err != nil {
			return fmt.Errorf("%w: insert rollup row %s/%s: %v", errors.ErrWriteFailed, r.Target, r.Field, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit rollup tx: %v", errors.ErrWriteFailed, err)
	}
	s.rollupsWritten.Add(int64(len(rows)))
	return nil
}

// =============================================================================
// Queries
// =============================================================================

// RecentRecords returns the newest records for a target, newest first.
// A non-positive limit uses the default.
func (s *Store) RecentRecords(ctx context.Context, target string, limit int) ([]metrics.Record, error) {
	if target == "" {
		return nil, errors.NewMissingField("target")
	}
	if limit <= 0 {
		limit = config.DefaultRecentLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, mgmt_cpu, data_plane_cpu, pbuf_util_percent,
			sessions_active, throughput_mbps, pps_total, extra
		FROM metrics
		WHERE target = $1
		ORDER BY ts DESC
		LIMIT $2`, target, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent records: %w", err)
	}
	defer rows.Close()

	var out []metrics.Record
	for rows.Next() {
		var (
			ts        time.Time
			canonical [6]sql.NullFloat64
			extra     sql.NullString
		)
		err := rows.Scan(&ts, &canonical[0], &canonical[1], &canonical[2],
			&canonical[3], &canonical[4], &canonical[5], &extra)
		if err != nil {
			return nil, fmt.Errorf("scan metrics row: %w", err)
		}

		rec := metrics.Record{
			Target:    target,
			Timestamp: ts.UTC(),
			Fields:    make(map[string]float64),
		}
		for i, name := range canonicalFields {
			if canonical[i].Valid {
				rec.Fields[name] = canonical[i].Float64
			}
		}
		if extra.Valid && extra.String != "" {
			overflow := make(map[string]float64)
			if err := json.Unmarshal([]byte(extra.String), &overflow); err != nil {
				return nil, fmt.Errorf("decode overflow fields: %w", err)
			}
			rec.Merge(overflow)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecentRates returns the newest interface rate rows for a target,
// newest first.
func (s *Store) RecentRates(ctx context.Context, target string, limit int) ([]metrics.InterfaceRate, error) {
	if target == "" {
		return nil, errors.NewMissingField("target")
	}
	if limit <= 0 {
		limit = config.DefaultRecentLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT interface, ts, elapsed_sec, rx_bps, tx_bps, rx_mbps, tx_mbps,
			rx_pps, tx_pps, rx_errors
		FROM interface_rates
		WHERE target = $1
		ORDER BY ts DESC
		LIMIT $2`, target, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent rates: %w", err)
	}
	defer rows.Close()

	var out []metrics.InterfaceRate
	for rows.Next() {
		var (
			r        metrics.InterfaceRate
			ts       time.Time
			rxErrors int64
		)
		err := rows.Scan(&r.Interface, &ts, &r.ElapsedSec, &r.RxBps, &r.TxBps,
			&r.RxMbps, &r.TxMbps, &r.RxPps, &r.TxPps, &rxErrors)
		if err != nil {
			return nil, fmt.Errorf("scan rate row: %w", err)
		}
		r.Timestamp = ts.UTC()
		r.RxErrors = uint64(rxErrors)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Targets returns the full target registry ordered by name.
func (s *Store) Targets(ctx context.Context) ([]TargetInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, hostname, model, serial, sw_version, first_seen, last_seen
		FROM targets
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	defer rows.Close()

	var out []TargetInfo
	for rows.Next() {
		var t TargetInfo
		err := rows.Scan(&t.Name, &t.Hostname, &t.Model, &t.Serial,
			&t.SWVersion, &t.FirstSeen, &t.LastSeen)
		if err != nil {
			return nil, fmt.Errorf("scan target row: %w", err)
		}
		t.FirstSeen = t.FirstSeen.UTC()
		t.LastSeen = t.LastSeen.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// Rollups returns closed buckets for one target/field inside a window,
// oldest first.
func (s *Store) Rollups(ctx context.Context, target, field string, since, until time.Time) ([]rollup.Row, error) {
	if target == "" {
		return nil, errors.NewMissingField("target")
	}
	if field == "" {
		return nil, errors.NewMissingField("field")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket_start, bucket_end, count, sum, mean, min, max, p50, p95, p99
		FROM metric_rollups
		WHERE target = $1 AND field = $2 AND bucket_start >= $3 AND bucket_end <= $4
		ORDER BY bucket_start`,
		target, field, since.UTC(), until.UTC())
	if err != nil {
		return nil, fmt.Errorf("query rollups: %w", err)
	}
	defer rows.Close()

	var out []rollup.Row
	for rows.Next() {
		r := rollup.Row{Target: target, Field: field}
		var start, end time.Time
		err := rows.Scan(&start, &end, &r.Count, &r.Sum, &r.Mean,
			&r.Min, &r.Max, &r.P50, &r.P95, &r.P99)
		if err != nil {
			return nil, fmt.Errorf("scan rollup row: %w", err)
		}
		r.BucketStart = start.UTC()
		r.BucketEnd = end.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// TableCounts returns the row count of every table, for the stats surface.
func (s *Store) TableCounts(ctx context.Context) (map[string]int64, error) {
	tables := []string{"targets", "metrics", "interface_rates", "session_stats", "metric_rollups"}
	counts := make(map[string]int64, len(tables))
	for _, table := range tables {
		var n int64
		if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

// Stats returns a snapshot of the store's write counters.
func (s *Store) Stats() Stats {
	st := Stats{
		Path:              s.path,
		TargetsRegistered: s.targetsRegistered.Load(),
		RecordsWritten:    s.recordsWritten.Load(),
		RateRowsWritten:   s.rateRowsWritten.Load(),
		SessionsWritten:   s.sessionsWritten.Load(),
		RollupsWritten:    s.rollupsWritten.Load(),
	}
	s.sweeper.fill(&st)
	return st
}
