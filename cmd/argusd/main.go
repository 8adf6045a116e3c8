// argusd is the appliance telemetry collection daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/xtxerr/argus/internal/collect"
	"github.com/xtxerr/argus/internal/loader"
	"github.com/xtxerr/argus/internal/logging"
	"github.com/xtxerr/argus/internal/metrics"
	"github.com/xtxerr/argus/internal/queue"
	"github.com/xtxerr/argus/internal/rate"
	"github.com/xtxerr/argus/internal/rollup"
	"github.com/xtxerr/argus/internal/sampler"
	"github.com/xtxerr/argus/internal/server"
	"github.com/xtxerr/argus/internal/sink"
	"github.com/xtxerr/argus/internal/store"
	"github.com/xtxerr/argus/internal/supervisor"
	"github.com/xtxerr/argus/internal/wire"
	"github.com/xtxerr/argus/internal/xmlapi"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// CLI flags
	cfgPath := flag.String("config", "argus.yaml", "config file path")
	listen := flag.String("listen", "", "console listen address (overrides config)")
	dbPath := flag.String("db", "", "store database path (overrides config)")
	token := flag.String("token", "", "console auth token (or ARGUS_TOKEN env)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	logJSON := flag.Bool("log-json", false, "force JSON log output")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println(Version)
		return
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	log.Printf("argusd %s starting...", Version)

	// Load config
	cfg, err := loader.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Fatalf("Config file %s not found (argusd needs a config file naming at least one target)", *cfgPath)
		}
		log.Fatalf("Load config: %v", err)
	}

	// CLI overrides
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *dbPath != "" {
		cfg.Store.Path = *dbPath
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logJSON {
		cfg.Logging.JSON = true
	}

	// Token from flag or env
	if *token != "" {
		cfg.Server.Token = *token
	} else if cfg.Server.Token == "" {
		cfg.Server.Token = os.Getenv("ARGUS_TOKEN")
	}

	// Validate
	if err := loader.Validate(cfg); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)

	// =========================================================================
	// Store (DuckDB - targets, metrics, rates, sessions, rollups)
	// =========================================================================

	log.Printf("Opening store: %s", cfg.Store.Path)

	st, err := store.Open(store.Config{
		Path:          cfg.Store.Path,
		RetentionDays: cfg.Store.RetentionDays,
		SweepInterval: cfg.Store.SweepInterval.Duration(),
		ArchiveDir:    cfg.Store.ArchiveDir,
	})
	if err != nil {
		log.Fatalf("Open store: %v", err)
	}

	// Retention sweeper runs for the life of the process; Close stops it.
	// A negative retention_days leaves it off and StartSweeper says so.
	if err := st.StartSweeper(); err != nil {
		log.Fatalf("Start retention sweeper: %v", err)
	}

	// =========================================================================
	// Pipeline (queue -> sink -> store, with rollups off the sink)
	// =========================================================================

	q := queue.New(cfg.Queue.Capacity, cfg.Queue.EnqueueWait.Duration())

	roll := rollup.NewManager(rollup.Config{
		Flush:         st.WriteRollups,
		BucketSize:    cfg.Rollup.Bucket.Duration(),
		FlushInterval: cfg.Rollup.FlushInterval.Duration(),
		Accuracy:      cfg.Rollup.Accuracy,
	})
	if err := roll.Start(); err != nil {
		log.Fatalf("Start rollup manager: %v", err)
	}

	snk := sink.New(sink.Config{
		Queue:    q,
		Sink:     st,
		OnRecord: roll.Record,
	})
	if err := snk.Start(); err != nil {
		log.Fatalf("Start sink: %v", err)
	}

	// =========================================================================
	// Supervisor (per-target pollers, samplers, interface monitors)
	// =========================================================================

	specs := targetSpecs(cfg, q)
	if len(specs) == 0 {
		log.Fatal("No enabled targets")
	}

	sup := supervisor.New(supervisor.Config{
		Registrar: st,
		Targets:   specs,
	})
	if err := sup.Start(context.Background()); err != nil {
		log.Fatalf("Start supervisor: %v", err)
	}
	log.Printf("Supervising %d targets", len(specs))

	// =========================================================================
	// Console Server
	// =========================================================================

	srv, err := server.New(server.Config{
		Listen:        cfg.Server.Listen,
		Token:         cfg.Server.Token,
		Supervision:   sup,
		Archive:       st,
		PipelineStats: pipelineStats(q, snk, roll, st),
	})
	if err != nil {
		log.Fatalf("Create server: %v", err)
	}

	// =========================================================================
	// Signal Handling and Graceful Shutdown
	// =========================================================================

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("Shutting down...")

		// Stop the console first (stop accepting new operator work)
		if err := srv.Shutdown(); err != nil {
			log.Printf("Warning: server shutdown: %v", err)
		}

		// Stop producers before the pipeline behind them
		log.Println("Stopping supervisor...")
		if err := sup.Stop(); err != nil {
			log.Printf("Warning: supervisor stop: %v", err)
		}

		// Drain the queue into the store
		log.Println("Draining sink...")
		if err := snk.Stop(); err != nil {
			log.Printf("Warning: sink stop: %v", err)
		}

		// Flush remaining rollup buckets
		if err := roll.Stop(); err != nil {
			log.Printf("Warning: rollup stop: %v", err)
		}

		// Close the store last
		if err := st.Close(); err != nil {
			log.Printf("Warning: store close: %v", err)
		}
	}()

	// =========================================================================
	// Run
	// =========================================================================

	log.Printf("Console listening on %s", cfg.Server.Listen)
	if cfg.Server.Token == "" {
		log.Printf("Warning: console authentication disabled (set -token or ARGUS_TOKEN)")
	}

	if err := srv.Run(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// targetSpecs converts enabled config targets into supervisor specs.
func targetSpecs(cfg *loader.Config, q *queue.Queue) []supervisor.TargetSpec {
	specs := make([]supervisor.TargetSpec, 0, len(cfg.Targets))
	for _, tc := range cfg.Targets {
		if !tc.IsEnabled() {
			log.Printf("Target %s disabled, skipping", tc.Name)
			continue
		}
		specs = append(specs, supervisor.TargetSpec{
			Name:     tc.Name,
			Hardware: hardwareInfo(tc.Hardware),
			Build:    buildWorkers(cfg, tc, q),
		})
	}
	return specs
}

// hardwareInfo converts an optional config hardware block into the
// identity metadata seeded at registration.
func hardwareInfo(hc *loader.HardwareConfig) metrics.HardwareInfo {
	if hc == nil {
		return metrics.HardwareInfo{}
	}
	return metrics.HardwareInfo{
		Hostname:  hc.Hostname,
		Model:     hc.Model,
		Serial:    hc.Serial,
		SWVersion: hc.SWVersion,
	}
}

// buildWorkers returns the construction closure for one target. Every
// restart runs it again, so each worker set gets a fresh API client and
// fresh session state.
func buildWorkers(cfg *loader.Config, tc *loader.TargetConfig, q *queue.Queue) supervisor.BuildFunc {
	return func() (supervisor.WorkerSet, error) {
		api := xmlapi.NewClient(xmlapi.ClientConfig{
			Address:            tc.Address,
			InsecureSkipVerify: tc.SkipVerify(cfg.Defaults),
		})

		var set supervisor.WorkerSet

		for _, sc := range tc.Samplers {
			fetch, err := collect.NewProbe(tc.Name, api, tc.Username, tc.Password, sc.Probe)
			if err != nil {
				return supervisor.WorkerSet{}, err
			}
			set.Samplers = append(set.Samplers, sampler.New(sampler.Config{
				Target:           tc.Name,
				Field:            sc.Field,
				Cadence:          sc.Cadence.Duration(),
				Window:           sc.Window.Duration(),
				MaxSamples:       sc.MaxSamples,
				FailureThreshold: threshold(sc.FailureThreshold),
				Fetch:            fetch,
			}))
		}

		set.Poller = collect.NewPoller(collect.PollerConfig{
			Target:   tc.Name,
			User:     tc.Username,
			Password: tc.Password,
			Interval: tc.Interval.Duration(),
			Client:   api,
			Queue:    q,
			Groups:   collect.DefaultGroups(collect.NormalizeAggregationMode(tc.Aggregation)),
			Samplers: set.Samplers,
		})

		if tc.Interfaces.IsEnabled() {
			ic := tc.Interfaces

			var src collect.CounterSource
			if ic.CounterSource == "snmp" {
				src = collect.NewSNMPSource(collect.SNMPConfig{
					Host:      hostOnly(tc.Address),
					Port:      uint16(ic.SNMP.Port),
					Community: ic.SNMP.Community,
					TimeoutMs: uint32(ic.SNMP.TimeoutMs),
					Retries:   uint32(ic.SNMP.Retries),
				})
			} else {
				src = collect.NewXMLSource(tc.Name, api, tc.Username, tc.Password)
			}

			width := rate.Width64
			if ic.CounterWidth == 32 {
				width = rate.Width32
			}

			set.Monitor = collect.NewMonitor(collect.MonitorConfig{
				Target:           tc.Name,
				Interval:         ic.Interval.Duration(),
				Source:           src,
				Queue:            q,
				Policy:           rate.NewPolicy(ic.Exclude, ic.Allow),
				Width:            width,
				FailureThreshold: threshold(ic.FailureThreshold),
			})
		}

		return set, nil
	}
}

// pipelineStats builds the console's stats hook. Section values go over
// the wire, so everything is converted to plain maps up front.
func pipelineStats(q *queue.Queue, snk *sink.Worker, roll *rollup.Manager, st *store.Store) func() map[string]any {
	return func() map[string]any {
		out := make(map[string]any, 4)
		sections := map[string]any{
			"queue":  q.Stats(),
			"sink":   snk.Stats(),
			"rollup": roll.Stats(),
			"store":  st.Stats(),
		}
		for name, v := range sections {
			m, err := wire.ToValueMap(v)
			if err != nil {
				continue
			}
			out[name] = m
		}
		return out
	}
}

// threshold maps the config convention (negative disables) onto the
// worker convention (zero disables).
func threshold(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

// hostOnly strips an optional :port for sources that dial their own.
func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
