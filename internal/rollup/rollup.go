// Package rollup maintains streaming hourly aggregates for every
// target/field series flowing through the sink. Percentiles come from
// DDSketch, so memory per bucket stays constant no matter the cadence.
// Closed buckets are persisted through a flush function, keeping this
// package free of storage imports.
package rollup

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/argus/config"
	"github.com/xtxerr/argus/internal/errors"
	"github.com/xtxerr/argus/internal/logging"
	"github.com/xtxerr/argus/internal/metrics"
)

var log = logging.Component("rollup")

// Row is one closed bucket ready for persistence.
type Row struct {
	Target      string
	Field       string
	BucketStart time.Time
	BucketEnd   time.Time
	Count       int64
	Sum         float64
	Mean        float64
	Min         float64
	Max         float64
	P50         float64
	P95         float64
	P99         float64
}

// FlushFunc persists a batch of closed buckets.
type FlushFunc func(ctx context.Context, rows []Row) error

// =============================================================================
// Bucket
// =============================================================================

// bucket accumulates one target/field series for one time bucket. The
// manager's lock guards all access.
type bucket struct {
	target string
	field  string
	start  time.Time
	end    time.Time

	count  int64
	sum    float64
	min    float64
	max    float64
	sketch *ddsketch.DDSketch
}

func newBucket(target, field string, start time.Time, size time.Duration, accuracy float64) *bucket {
	b := &bucket{
		target: target,
		field:  field,
		start:  start,
		end:    start.Add(size),
		min:    math.MaxFloat64,
		max:    -math.MaxFloat64,
	}
	if sketch, err := ddsketch.NewDefaultDDSketch(accuracy); err == nil {
		b.sketch = sketch
	}
	return b
}

func (b *bucket) add(v float64) {
	b.count++
	b.sum += v
	if v < b.min {
		b.min = v
	}
	if v > b.max {
		b.max = v
	}
	if b.sketch != nil {
		b.sketch.Add(v)
	}
}

func (b *bucket) row() Row {
	r := Row{
		Target:      b.target,
		Field:       b.field,
		BucketStart: b.start,
		BucketEnd:   b.end,
		Count:       b.count,
		Sum:         b.sum,
	}
	if b.count > 0 {
		r.Mean = b.sum / float64(b.count)
		r.Min = b.min
		r.Max = b.max
	}
	if b.sketch != nil && b.count > 0 {
		r.P50, _ = b.sketch.GetValueAtQuantile(0.50)
		r.P95, _ = b.sketch.GetValueAtQuantile(0.95)
		r.P99, _ = b.sketch.GetValueAtQuantile(0.99)
	}
	return r
}

// =============================================================================
// Manager
// =============================================================================

// Config holds construction parameters for the rollup manager.
type Config struct {
	// Flush persists closed buckets. Required to Start.
	Flush FlushFunc

	// BucketSize is the rollup granularity.
	BucketSize time.Duration

	// FlushInterval is how often closed buckets are collected and written.
	FlushInterval time.Duration

	// Accuracy is the DDSketch relative accuracy.
	Accuracy float64
}

// Stats is a point-in-time snapshot of the manager.
type Stats struct {
	Running       bool  `json:"running"`
	ActiveBuckets int   `json:"active_buckets"`
	PendingRows   int   `json:"pending_rows"`
	Processed     int64 `json:"values_processed"`
	LateDropped   int64 `json:"late_dropped"`
	BucketsClosed int64 `json:"buckets_closed"`
	RowsWritten   int64 `json:"rows_written"`
	WriteErrors   int64 `json:"write_errors"`
}

// Manager owns the active buckets and the flush loop.
type Manager struct {
	flushFn       FlushFunc
	bucketSize    time.Duration
	flushInterval time.Duration
	accuracy      float64

	mu        sync.Mutex
	active    map[string]*bucket
	completed []Row
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}

	processed     atomic.Int64
	lateDropped   atomic.Int64
	bucketsClosed atomic.Int64
	rowsWritten   atomic.Int64
	writeErrors   atomic.Int64
}

// NewManager creates a rollup manager. Zero config values fall back to
// defaults (hourly buckets).
func NewManager(cfg Config) *Manager {
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = time.Hour
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = config.DefaultRollupFlushInterval
	}
	if cfg.Accuracy <= 0 || cfg.Accuracy >= 1 {
		cfg.Accuracy = config.DefaultRollupAccuracy
	}
	return &Manager{
		flushFn:       cfg.Flush,
		bucketSize:    cfg.BucketSize,
		flushInterval: cfg.FlushInterval,
		accuracy:      cfg.Accuracy,
		active:        make(map[string]*bucket),
	}
}

// Record folds every field of a record into its bucket. Safe for
// concurrent use; wired as the sink worker's OnRecord hook.
func (m *Manager) Record(rec *metrics.Record) {
	if rec == nil {
		return
	}
	for field, value := range rec.Fields {
		m.process(rec.Target, field, value, rec.Timestamp)
	}
}

func (m *Manager) process(target, field string, value float64, ts time.Time) {
	key := target + "/" + field
	start := ts.UTC().Truncate(m.bucketSize)

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.active[key]
	if !ok {
		b = newBucket(target, field, start, m.bucketSize, m.accuracy)
		m.active[key] = b
	} else if start.After(b.start) {
		if b.count > 0 {
			m.completed = append(m.completed, b.row())
			m.bucketsClosed.Add(1)
		}
		b = newBucket(target, field, start, m.bucketSize, m.accuracy)
		m.active[key] = b
	} else if start.Before(b.start) {
		// The series has already rotated past this value's bucket.
		// Folding it forward would credit the wrong hour, so it is
		// dropped and counted instead.
		m.lateDropped.Add(1)
		log.Debug("late value dropped",
			"target", target, "field", field, "bucket", start, "active", b.start)
		return
	}

	b.add(value)
	m.processed.Add(1)
}

// collectDue closes every bucket whose window has fully passed and
// returns all rows pending persistence.
func (m *Manager) collectDue(now time.Time) []Row {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, b := range m.active {
		if b.end.After(now) {
			continue
		}
		if b.count > 0 {
			m.completed = append(m.completed, b.row())
			m.bucketsClosed.Add(1)
		}
		delete(m.active, key)
	}

	rows := m.completed
	m.completed = nil
	return rows
}

// collectAll closes everything, open buckets included. Shutdown path.
func (m *Manager) collectAll() []Row {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, b := range m.active {
		if b.count > 0 {
			m.completed = append(m.completed, b.row())
			m.bucketsClosed.Add(1)
		}
		delete(m.active, key)
	}

	rows := m.completed
	m.completed = nil
	return rows
}

// Stats returns a snapshot of the manager.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	active := len(m.active)
	pending := len(m.completed)
	running := m.running
	m.mu.Unlock()

	return Stats{
		Running:       running,
		ActiveBuckets: active,
		PendingRows:   pending,
		Processed:     m.processed.Load(),
		LateDropped:   m.lateDropped.Load(),
		BucketsClosed: m.bucketsClosed.Load(),
		RowsWritten:   m.rowsWritten.Load(),
		WriteErrors:   m.writeErrors.Load(),
	}
}

// =============================================================================
// Flush Loop
// =============================================================================

// Start launches the flush loop. Starting a running manager is a no-op.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	if m.flushFn == nil {
		return errors.NewMissingField("flush")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go m.loop(ctx)

	log.Info("rollup manager started",
		"bucket_size", m.bucketSize, "flush_interval", m.flushInterval)
	return nil
}

// Stop signals the loop, then flushes every remaining bucket so closed
// hours survive restarts. Stopping a stopped manager is a no-op.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-time.After(config.DefaultJoinTimeout):
		log.Warn("rollup manager stop timeout")
		return errors.ErrStopTimeout
	}

	ctx, cancelFlush := context.WithTimeout(context.Background(), config.DefaultDrainTimeout)
	defer cancelFlush()
	m.writeRows(ctx, m.collectAll())
	return nil
}

// Running reports whether the flush loop is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) loop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in rollup manager", "panic", r)
		}
		m.mu.Lock()
		m.running = false
		done := m.done
		m.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.writeRows(ctx, m.collectDue(time.Now().UTC()))
		}
	}
}

// writeRows persists a batch. Failed batches are dropped after logging;
// there is no retry queue, matching the sink's write policy.
func (m *Manager) writeRows(ctx context.Context, rows []Row) {
	if len(rows) == 0 {
		return
	}
	if err := m.flushFn(ctx, rows); err != nil {
		m.writeErrors.Add(1)
		log.Warn("rollup flush failed, dropping rows", "rows", len(rows), "error", err)
		return
	}
	m.rowsWritten.Add(int64(len(rows)))
	log.Debug("rollup buckets flushed", "rows", len(rows))
}
