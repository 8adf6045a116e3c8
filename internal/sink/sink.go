// Package sink drains the fan-in queue into the storage layer. One worker
// goroutine consumes the queue; write failures are logged and the item
// discarded, keeping the pipeline moving.
package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/argus/config"
	"github.com/xtxerr/argus/internal/errors"
	"github.com/xtxerr/argus/internal/logging"
	"github.com/xtxerr/argus/internal/metrics"
	"github.com/xtxerr/argus/internal/queue"
)

var log = logging.Component("sink")

// Sink is the storage boundary the worker writes through. The store
// implements it; tests substitute fakes. RegisterTarget is idempotent and
// called by the supervisor at startup; the write methods are called only
// from the sink worker.
type Sink interface {
	RegisterTarget(ctx context.Context, name string, hw metrics.HardwareInfo) error
	WriteMetricRecord(ctx context.Context, rec *metrics.Record) error
	WriteInterfaceRates(ctx context.Context, target string, rates []metrics.InterfaceRate) error
	WriteSessionStats(ctx context.Context, st *metrics.SessionStats) error
}

// Config holds construction parameters for the sink worker.
type Config struct {
	Queue *queue.Queue
	Sink  Sink

	// OnRecord observes every successfully written record. The rollup
	// manager hangs off this hook.
	OnRecord func(*metrics.Record)

	// WriteTimeout bounds a single write call.
	WriteTimeout time.Duration

	// DrainTimeout bounds the post-stop drain of remaining items.
	DrainTimeout time.Duration
}

// Stats holds worker counters.
type Stats struct {
	Records  atomic.Int64
	Rates    atomic.Int64
	Sessions atomic.Int64
	Errors   atomic.Int64
	Drained  atomic.Int64
}

// StatsSnapshot is the JSON-facing view of Stats.
type StatsSnapshot struct {
	Running  bool  `json:"running"`
	Records  int64 `json:"records_written"`
	Rates    int64 `json:"rate_batches_written"`
	Sessions int64 `json:"session_stats_written"`
	Errors   int64 `json:"write_errors"`
	Drained  int64 `json:"drained_on_stop"`
}

// Worker is the single queue consumer.
type Worker struct {
	q            *queue.Queue
	sink         Sink
	onRecord     func(*metrics.Record)
	writeTimeout time.Duration
	drainTimeout time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	stats Stats
}

// New creates a sink worker. Zero timeouts fall back to defaults.
func New(cfg Config) *Worker {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = config.DefaultOperatorTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = config.DefaultDrainTimeout
	}
	return &Worker{
		q:            cfg.Queue,
		sink:         cfg.Sink,
		onRecord:     cfg.OnRecord,
		writeTimeout: cfg.WriteTimeout,
		drainTimeout: cfg.DrainTimeout,
	}
}

// Start launches the consumer loop. Starting a running worker is a no-op.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	if w.q == nil {
		return errors.NewMissingField("queue")
	}
	if w.sink == nil {
		return errors.NewMissingField("sink")
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.loop(ctx)

	log.Info("sink worker started")
	return nil
}

// Stop signals the loop, which drains remaining items within the drain
// window before exiting. Stopping a stopped worker is a no-op.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(w.drainTimeout + config.DefaultJoinTimeout):
		log.Warn("sink worker stop timeout")
		return errors.ErrStopTimeout
	}
}

// Running reports whether the loop is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Stats returns a snapshot of the worker counters.
func (w *Worker) Stats() StatsSnapshot {
	return StatsSnapshot{
		Running:  w.Running(),
		Records:  w.stats.Records.Load(),
		Rates:    w.stats.Rates.Load(),
		Sessions: w.stats.Sessions.Load(),
		Errors:   w.stats.Errors.Load(),
		Drained:  w.stats.Drained.Load(),
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in sink worker", "panic", r)
		}
		w.mu.Lock()
		w.running = false
		done := w.done
		w.mu.Unlock()
		close(done)
	}()

	for {
		item, ok := w.q.Dequeue(ctx)
		if !ok {
			if ctx.Err() != nil {
				w.drain()
			}
			// Otherwise the queue is closed and empty; nothing left to do.
			return
		}
		w.write(ctx, item)
	}
}

// drain empties what is left in the queue after stop, bounded by the
// drain window so a wedged store cannot hang shutdown.
func (w *Worker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), w.drainTimeout)
	defer cancel()

	drained := 0
	for ctx.Err() == nil {
		item, ok := w.q.TryDequeue()
		if !ok {
			break
		}
		w.write(ctx, item)
		drained++
	}
	if drained > 0 {
		w.stats.Drained.Add(int64(drained))
		log.Info("drained queue on shutdown", "items", drained)
	}
}

func (w *Worker) write(ctx context.Context, item metrics.Item) {
	wctx, cancel := context.WithTimeout(ctx, w.writeTimeout)
	defer cancel()

	var err error
	switch item.Kind {
	case metrics.KindRecord:
		if err = w.sink.WriteMetricRecord(wctx, item.Record); err == nil {
			w.stats.Records.Add(1)
			if w.onRecord != nil {
				w.onRecord(item.Record)
			}
		}
	case metrics.KindRates:
		if err = w.sink.WriteInterfaceRates(wctx, item.Target, item.Rates); err == nil {
			w.stats.Rates.Add(1)
		}
	case metrics.KindSessions:
		if err = w.sink.WriteSessionStats(wctx, item.Sessions); err == nil {
			w.stats.Sessions.Add(1)
		}
	default:
		log.Warn("unknown queue item kind", "kind", int(item.Kind), "target", item.Target)
		return
	}

	if err != nil {
		w.stats.Errors.Add(1)
		log.Warn("write failed, discarding item",
			"kind", item.Kind.String(), "target", item.Target, "error", err)
	}
}
