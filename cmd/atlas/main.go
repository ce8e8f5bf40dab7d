package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/gustycube/spyder-atlas/internal/aggregate"
	"github.com/gustycube/spyder-atlas/internal/api"
	"github.com/gustycube/spyder-atlas/internal/config"
	"github.com/gustycube/spyder-atlas/internal/coverage"
	"github.com/gustycube/spyder-atlas/internal/dedup"
	"github.com/gustycube/spyder-atlas/internal/emit"
	"github.com/gustycube/spyder-atlas/internal/findings"
	"github.com/gustycube/spyder-atlas/internal/health"
	"github.com/gustycube/spyder-atlas/internal/ingest"
	"github.com/gustycube/spyder-atlas/internal/logging"
	"github.com/gustycube/spyder-atlas/internal/metrics"
	"github.com/gustycube/spyder-atlas/internal/query"
	"github.com/gustycube/spyder-atlas/internal/queue"
	"github.com/gustycube/spyder-atlas/internal/reports"
	"github.com/gustycube/spyder-atlas/internal/telemetry"
	"github.com/gustycube/spyder-atlas/internal/topology"
)

const version = "1.0.0"

func main() {
	var configFile string
	var envFile string
	var listenAddr string
	var metricsAddr string
	var logLevel string
	var shards int
	var workers int
	var ratePerSec float64
	var reportsDB string
	var reportSink string
	var spoolDir string
	var otelEndpoint string
	var otelInsecure bool
	var otelService string
	var showVersion bool

	flag.StringVar(&configFile, "config", "", "path to config file (YAML or JSON)")
	flag.StringVar(&envFile, "env_file", ".env", "dotenv file loaded before the environment is read")
	flag.StringVar(&listenAddr, "listen_addr", "", "API listen addr")
	flag.StringVar(&metricsAddr, "metrics_addr", "", "metrics listen addr (empty to disable)")
	flag.StringVar(&logLevel, "log_level", "", "log level (debug, info, warn, error)")
	flag.IntVar(&shards, "shards", 0, "lock stripes per store")
	flag.IntVar(&workers, "ingest_workers", 0, "concurrent batch workers")
	flag.Float64Var(&ratePerSec, "ingest_rate_per_sec", 0, "batches per second per scanner source")
	flag.StringVar(&reportsDB, "reports_db", "", "sqlite file for report snapshots")
	flag.StringVar(&reportSink, "report_sink", "", "URL receiving new snapshots (optional)")
	flag.StringVar(&spoolDir, "spool_dir", "", "spool dir for undelivered snapshots")
	flag.StringVar(&otelEndpoint, "otel_endpoint", "", "OTLP HTTP endpoint (host:port)")
	flag.BoolVar(&otelInsecure, "otel_insecure", true, "OTLP insecure (no TLS)")
	flag.StringVar(&otelService, "otel_service", "", "OTEL service.name")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "ATLAS asset topology and vulnerability triage service\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  REDIS_ADDR       Redis server for batch deduplication\n")
		fmt.Fprintf(os.Stderr, "  REDIS_QUEUE_ADDR Redis server for the batch queue\n")
		fmt.Fprintf(os.Stderr, "  LOG_LEVEL        Log level (debug, info, warn, error)\n")
	}
	flag.Parse()

	if showVersion {
		fmt.Println("ATLAS v" + version)
		fmt.Println("Built with Go", strings.TrimPrefix(runtime.Version(), "go"))
		os.Exit(0)
	}

	if err := config.LoadDotEnv(envFile); err != nil {
		fmt.Fprintln(os.Stderr, "load env file:", err)
		os.Exit(1)
	}

	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load config:", err)
			os.Exit(1)
		}
	} else {
		cfg = &config.Config{}
		cfg.SetDefaults()
	}
	cfg.LoadFromEnv()

	flags := make(map[string]interface{})
	flags["listen_addr"] = listenAddr
	flags["metrics_addr"] = metricsAddr
	flags["log_level"] = logLevel
	flags["shards"] = shards
	flags["ingest_workers"] = workers
	flags["ingest_rate_per_sec"] = ratePerSec
	flags["reports_db"] = reportsDB
	flags["report_sink"] = reportSink
	flags["spool_dir"] = spoolDir
	flags["otel_endpoint"] = otelEndpoint
	flags["otel_service"] = otelService
	flags["otel_insecure"] = otelInsecure
	cfg.MergeWithFlags(flags)

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatalw("invalid configuration", "err", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint: cfg.OTELEndpoint, ServiceName: cfg.OTELService, Version: version,
		Insecure: cfg.OTELInsecure, SampleRatio: cfg.OTELSampleRatio,
	})
	if err != nil {
		log.Warnw("otel init failed", "err", err)
	} else {
		defer shutdown(context.Background())
	}

	healthHandler := health.NewHandler(log)
	healthHandler.SetMetadata("version", version)

	topo := topology.New(cfg.Shards)
	finds := findings.New(findings.Options{Shards: cfg.Shards, ConflictRetries: cfg.ConflictRetries, Logger: log})
	cov := coverage.New(0, cfg.CoverageTTL())
	q, err := query.New(finds, topo, query.Options{DefaultLimit: cfg.DefaultPageSize, MaxLimit: cfg.MaxPageSize})
	if err != nil {
		log.Fatalw("query engine", "err", err)
	}

	var d dedup.Interface
	if cfg.RedisAddr != "" {
		rd, err := dedup.NewRedis(cfg.RedisAddr, 24*time.Hour, log)
		if err != nil {
			log.Fatalw("redis init", "err", err)
		}
		log.Infow("redis dedupe enabled", "addr", cfg.RedisAddr)
		healthHandler.RegisterChecker("redis", health.NewRedisChecker(rd.Ping))
		d = rd
	} else {
		d = dedup.NewMemory(0, 0)
		log.Infow("memory dedupe enabled")
	}

	pool := ingest.New(topo, finds, cov, ingest.Options{
		Workers: cfg.IngestWorkers, RatePerSec: cfg.IngestRatePerSec, Burst: cfg.IngestBurst, Dedup: d, Logger: log,
	})
	defer pool.Close()
	healthHandler.RegisterChecker("ingest", health.NewWorkerPoolChecker(pool.Running, pool.Busy, pool.Workers()))

	poolDone := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(poolDone)
	}()

	if cfg.RedisQueueAddr != "" {
		rq, err := queue.NewRedis(cfg.RedisQueueAddr, cfg.RedisQueueKey, 5*time.Second)
		if err != nil {
			log.Fatalw("redis queue init", "err", err)
		}
		defer rq.Close()
		if n, err := rq.Recover(ctx); err != nil {
			log.Warnw("queue recovery failed", "err", err)
		} else if n > 0 {
			log.Infow("requeued leased batches", "count", n)
		}
		healthHandler.RegisterChecker("queue", health.NewPingChecker("queue", rq.Ping))
		healthHandler.RegisterOptional("queue_backlog", health.NewBacklogChecker(rq.Len, 10_000))
		log.Infow("redis queue enabled", "addr", cfg.RedisQueueAddr, "key", cfg.RedisQueueKey)
		go pool.Consume(ctx, rq)
	}

	archive, err := reports.Open(cfg.ReportsDB)
	if err != nil {
		log.Fatalw("open reports archive", "path", cfg.ReportsDB, "err", err)
	}
	defer archive.Close()
	healthHandler.RegisterChecker("reports", health.NewPingChecker("reports", archive.Ping))

	emitter, err := emit.NewEmitter(emit.Options{Sink: cfg.ReportSink, SpoolDir: cfg.SpoolDir, Logger: log})
	if err != nil {
		log.Fatalw("emitter init", "err", err)
	}
	if emitter.Enabled() {
		healthHandler.RegisterOptional("report_sink", health.NewPingChecker("report_sink", emitter.Check))
		if n, err := emitter.Drain(ctx); err != nil {
			log.Warnw("spool drain incomplete", "sent", n, "err", err)
		} else if n > 0 {
			log.Infow("spooled snapshots delivered", "count", n)
		}
	}

	server := api.New(api.Deps{
		Topology:  topo,
		Findings:  finds,
		Query:     q,
		Aggregate: aggregate.New(q, cov),
		Pool:      pool,
		Archive:   archive,
		Publisher: emitter,
		Logger:    log,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.MetricsAddr != "" {
		go metrics.ServeWithHealth(cfg.MetricsAddr, healthHandler, log)
		log.Infow("metrics and health server started", "addr", cfg.MetricsAddr)
	}

	go func() {
		log.Infow("starting atlas", "addr", cfg.ListenAddr, "shards", cfg.Shards,
			"ingest_workers", pool.Workers(), "config_file", configFile)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("api server stopped", "err", err)
			cancel()
		}
	}()

	healthHandler.SetReady(true)
	<-ctx.Done()
	healthHandler.SetReady(false)
	log.Infow("shutting down")

	stopCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if err := httpServer.Shutdown(stopCtx); err != nil {
		log.Warnw("api shutdown", "err", err)
	}
	<-poolDone
	if emitter.Enabled() {
		if _, err := emitter.Drain(stopCtx); err != nil {
			log.Warnw("spool drain incomplete", "err", err)
		}
	}
	log.Infow("shutdown complete")
}
