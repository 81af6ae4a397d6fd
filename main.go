// Command capture-tender is the main entrypoint for the live-broadcast
// capture service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Reconciles state left behind by the previous deploy.
//   - Starts the bridge connection manager, job runner (capture + report
//     handlers), and the auto-capture watcher.
//   - Exposes an HTTP server with /healthz, /status, /metrics, session
//     listings and per-session live SSE.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/capture-tender/bridge"
	"github.com/onnwee/capture-tender/capture"
	"github.com/onnwee/capture-tender/config"
	"github.com/onnwee/capture-tender/db"
	"github.com/onnwee/capture-tender/jobs"
	"github.com/onnwee/capture-tender/processor"
	"github.com/onnwee/capture-tender/pubsub"
	"github.com/onnwee/capture-tender/reconcile"
	"github.com/onnwee/capture-tender/report"
	"github.com/onnwee/capture-tender/server"
	"github.com/onnwee/capture-tender/session"
	"github.com/onnwee/capture-tender/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("capture-tender", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; fall back to the embedded idempotent SQL
	// for deployments predating the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := session.NewStore(database)
	queue := jobs.NewQueue(database, cfg.JobMaxAttempts)
	bridgeClient := &bridge.Client{BaseURL: cfg.BridgeURL, Token: cfg.BridgeToken}

	// Event bus: Redis when configured so multiple processes share the feed,
	// otherwise in-process.
	var bus pubsub.Bus
	if cfg.RedisAddr != "" {
		redisBus, err := pubsub.NewRedisBus(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("redis bus init failed", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() { _ = redisBus.Close() }()
		bus = redisBus
		slog.Info("using redis event bus", slog.String("addr", cfg.RedisAddr))
	} else {
		bus = pubsub.NewMemoryBus()
		slog.Info("using in-process event bus")
	}

	// Boot reconciliation runs to completion before any worker claims a job.
	reconciler := &reconcile.Reconciler{
		Store:          store,
		Jobs:           queue,
		Bridge:         bridgeClient,
		RecoveryWindow: cfg.RecoveryWindow,
	}
	if _, err := reconciler.Run(ctx); err != nil {
		slog.Error("boot reconciliation failed", slog.Any("err", err))
		os.Exit(1)
	}
	_ = db.SetKV(ctx, database, "boot_reconcile_last", time.Now().UTC().Format(time.RFC3339))

	// Bridge connection manager: streams normalized events onto the bus.
	manager := bridge.NewManager(bridgeClient, bus, cfg.BridgeReconnectDelay, cfg.BridgeMaxReconnects)
	manager.Heartbeat = func(ctx context.Context) {
		_ = db.SetKV(ctx, database, "bridge_stream_last", time.Now().UTC().Format(time.RFC3339))
	}
	go manager.Run(ctx)

	// Auto capture watcher
	if cfg.AutoCapture {
		auto := &capture.AutoStarter{Store: store, Queue: queue, Bus: bus}
		go auto.Run(ctx)
	} else {
		slog.Info("auto capture disabled (set CAPTURE_AUTO_START=1 to enable)")
	}

	// Job runner with the two domain handlers.
	procOpts := processor.Options{
		FlushSize:             cfg.CommentFlushSize,
		FlushInterval:         cfg.CommentFlushInterval,
		DedupCapacity:         cfg.DedupCapacity,
		ViewerPersistInterval: cfg.ViewerPersistInterval,
		SnapshotInterval:      cfg.SnapshotInterval,
		ReportDelay:           cfg.ReportDelay,
	}
	guard := &report.Guard{
		Store:                 store,
		Jobs:                  queue,
		Generator:             report.LogGenerator{},
		FalseStartMaxDuration: cfg.FalseStartMaxDuration,
		FalseStartMinComments: cfg.FalseStartMinComments,
		StabilizeMinDuration:  cfg.StabilizeMinDuration,
		ContinuationGap:       cfg.ContinuationGap,
		Snooze:                cfg.GuardSnooze,
	}
	runner := jobs.NewRunner(queue, cfg.JobWorkers, cfg.JobPollInterval, cfg.JobRetryCooldown)
	runner.Register(jobs.TypeCaptureStart, capture.NewStartHandler(store, bus, queue, bridgeClient, procOpts))
	runner.Register(jobs.TypeReport, guard.Handler())
	go runner.Run(ctx)

	// Gauge refresh loop for /metrics.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if sessions, err := store.ListCapturing(ctx); err == nil {
					telemetry.SetActiveSessions(len(sessions))
				}
				if depth, err := queue.Depth(ctx); err == nil {
					telemetry.SetQueueDepth(depth)
				}
			}
		}
	}()

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/status/metrics/sessions)
	go func() {
		if err := server.Start(ctx, database, bus, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
