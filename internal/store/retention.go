package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/argus/config"
	"github.com/xtxerr/argus/internal/errors"
)

const archiveTimeLayout = "2006-01-02_15-04"

// SweepResult describes one retention pass.
type SweepResult struct {
	Cutoff          time.Time `json:"cutoff"`
	MetricsDeleted  int64     `json:"metrics_deleted"`
	RatesDeleted    int64     `json:"rates_deleted"`
	SessionsDeleted int64     `json:"sessions_deleted"`
	RollupsDeleted  int64     `json:"rollups_deleted"`
	ArchivePath     string    `json:"archive_path,omitempty"`
	ArchivedRows    int64     `json:"archived_rows"`
}

func (r SweepResult) total() int64 {
	return r.MetricsDeleted + r.RatesDeleted + r.SessionsDeleted + r.RollupsDeleted
}

// sweeper owns the periodic retention loop state.
type sweeper struct {
	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	lastSweep time.Time

	sweeps    atomic.Int64
	rowsSwept atomic.Int64
}

func (w *sweeper) fill(st *Stats) {
	w.mu.Lock()
	st.LastSweep = w.lastSweep
	st.SweeperRunning = w.running
	w.mu.Unlock()
	st.Sweeps = w.sweeps.Load()
	st.RowsSwept = w.rowsSwept.Load()
}

// StartSweeper launches the periodic retention loop. Starting a running
// sweeper is a no-op; a negative retention disables sweeping entirely.
func (s *Store) StartSweeper() error {
	if s.retentionDays < 0 {
		log.Info("retention sweeping disabled", "path", s.path)
		return nil
	}

	s.sweeper.mu.Lock()
	defer s.sweeper.mu.Unlock()

	if s.sweeper.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.sweeper.cancel = cancel
	s.sweeper.done = make(chan struct{})
	s.sweeper.running = true

	go s.sweepLoop(ctx)

	log.Info("retention sweeper started",
		"retention_days", s.retentionDays, "interval", s.sweepInterval)
	return nil
}

// StopSweeper stops the retention loop. Stopping a stopped sweeper is a
// no-op.
func (s *Store) StopSweeper() error {
	s.sweeper.mu.Lock()
	if !s.sweeper.running {
		s.sweeper.mu.Unlock()
		return nil
	}
	cancel := s.sweeper.cancel
	done := s.sweeper.done
	s.sweeper.mu.Unlock()

	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(config.DefaultJoinTimeout):
		log.Warn("retention sweeper stop timeout")
		return errors.ErrStopTimeout
	}
}

func (s *Store) sweepLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in retention sweeper", "panic", r)
		}
		s.sweeper.mu.Lock()
		s.sweeper.running = false
		done := s.sweeper.done
		s.sweeper.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.Sweep(ctx, time.Now().UTC())
			if err != nil {
				log.Warn("retention sweep failed", "error", err)
				continue
			}
			if res.total() > 0 || res.ArchivedRows > 0 {
				log.Info("retention sweep complete",
					"cutoff", res.Cutoff,
					"metrics", res.MetricsDeleted,
					"rates", res.RatesDeleted,
					"sessions", res.SessionsDeleted,
					"rollups", res.RollupsDeleted,
					"archived", res.ArchivedRows)
			}
		}
	}
}

// Sweep deletes every row older than the retention horizon. When an
// archive directory is configured, expiring metrics rows are written to a
// Parquet file first; an archive failure aborts the sweep so no row is
// lost, and the next interval retries.
func (s *Store) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	res := SweepResult{Cutoff: now.UTC().AddDate(0, 0, -s.retentionDays)}

	if s.archiveDir != "" {
		path, rows, err := s.archiveMetrics(ctx, res.Cutoff)
		if err != nil {
			return res, fmt.Errorf("archive before sweep: %w", err)
		}
		res.ArchivePath = path
		res.ArchivedRows = rows
	}

	deletes := []struct {
		table string
		query string
		dest  *int64
	}{
		{"metrics", "DELETE FROM metrics WHERE ts < $1", &res.MetricsDeleted},
		{"interface_rates", "DELETE FROM interface_rates WHERE ts < $1", &res.RatesDeleted},
		{"session_stats", "DELETE FROM session_stats WHERE ts < $1", &res.SessionsDeleted},
		{"metric_rollups", "DELETE FROM metric_rollups WHERE bucket_end < $1", &res.RollupsDeleted},
	}

	for _, d := range deletes {
		r, err := s.db.ExecContext(ctx, d.query, res.Cutoff)
		if err != nil {
			return res, fmt.Errorf("sweep %s: %w", d.table, err)
		}
		if n, err := r.RowsAffected(); err == nil {
			*d.dest = n
		}
	}

	s.sweeper.sweeps.Add(1)
	s.sweeper.rowsSwept.Add(res.total())
	s.sweeper.mu.Lock()
	s.sweeper.lastSweep = now.UTC()
	s.sweeper.mu.Unlock()

	return res, nil
}

// =============================================================================
// Parquet Archive
// =============================================================================

// archiveRow mirrors a metrics table row in Parquet form.
type archiveRow struct {
	Target          string  `parquet:"target,zstd"`
	TimestampMs     int64   `parquet:"timestamp_ms"`
	MgmtCPU         float64 `parquet:"mgmt_cpu,optional"`
	DataPlaneCPU    float64 `parquet:"data_plane_cpu,optional"`
	PbufUtilPercent float64 `parquet:"pbuf_util_percent,optional"`
	SessionsActive  float64 `parquet:"sessions_active,optional"`
	ThroughputMbps  float64 `parquet:"throughput_mbps,optional"`
	PPSTotal        float64 `parquet:"pps_total,optional"`
	Extra           string  `parquet:"extra,optional,zstd"`
}

// archiveMetrics writes all metrics rows older than cutoff to a Parquet
// file named after the cutoff. Returns the file path and row count; no
// expiring rows means no file.
func (s *Store) archiveMetrics(ctx context.Context, cutoff time.Time) (string, int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target, ts, mgmt_cpu, data_plane_cpu, pbuf_util_percent,
			sessions_active, throughput_mbps, pps_total, extra
		FROM metrics
		WHERE ts < $1
		ORDER BY ts`, cutoff)
	if err != nil {
		return "", 0, fmt.Errorf("query expiring rows: %w", err)
	}
	defer rows.Close()

	var batch []archiveRow
	for rows.Next() {
		var (
			row       archiveRow
			ts        time.Time
			canonical [6]sql.NullFloat64
			extra     sql.NullString
		)
		err := rows.Scan(&row.Target, &ts, &canonical[0], &canonical[1],
			&canonical[2], &canonical[3], &canonical[4], &canonical[5], &extra)
		if err != nil {
			return "", 0, fmt.Errorf("scan expiring row: %w", err)
		}
		row.TimestampMs = ts.UTC().UnixMilli()
		row.MgmtCPU = canonical[0].Float64
		row.DataPlaneCPU = canonical[1].Float64
		row.PbufUtilPercent = canonical[2].Float64
		row.SessionsActive = canonical[3].Float64
		row.ThroughputMbps = canonical[4].Float64
		row.PPSTotal = canonical[5].Float64
		row.Extra = extra.String
		batch = append(batch, row)
	}
	if err := rows.Err(); err != nil {
		return "", 0, err
	}
	if len(batch) == 0 {
		return "", 0, nil
	}

	if err := os.MkdirAll(s.archiveDir, 0755); err != nil {
		return "", 0, fmt.Errorf("create archive directory: %w", err)
	}

	path := filepath.Join(s.archiveDir,
		fmt.Sprintf("metrics-%s.parquet", cutoff.UTC().Format(archiveTimeLayout)))

	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("create archive file: %w", err)
	}

	writer := parquet.NewGenericWriter[archiveRow](f, parquet.Compression(&parquet.Zstd))
	if _, err := writer.Write(batch); err != nil {
		f.Close()
		os.Remove(path)
		return "", 0, fmt.Errorf("write archive rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return "", 0, fmt.Errorf("close archive writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", 0, fmt.Errorf("close archive file: %w", err)
	}

	log.Debug("archived expiring metrics", "path", path, "rows", len(batch))
	return path, int64(len(batch)), nil
}
