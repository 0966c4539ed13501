// The worker binary consumes the Redis-backed queues, drives the analyzer
// pipeline, and owns the nightly janitor schedule. It publishes lifecycle
// events over Redis so the gateway pods can fan them out, and exposes
// /metrics and /health for the scraper.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/deepbin/backend/internal/alerts"
	"github.com/deepbin/backend/internal/analyzer"
	"github.com/deepbin/backend/internal/blobstore"
	"github.com/deepbin/backend/internal/config"
	"github.com/deepbin/backend/internal/events"
	"github.com/deepbin/backend/internal/janitor"
	"github.com/deepbin/backend/internal/jobstore"
	"github.com/deepbin/backend/internal/ledger"
	"github.com/deepbin/backend/internal/metrics"
	"github.com/deepbin/backend/internal/models"
	"github.com/deepbin/backend/internal/notify"
	"github.com/deepbin/backend/internal/otp"
	"github.com/deepbin/backend/internal/postgres"
	"github.com/deepbin/backend/internal/queue"
	"github.com/deepbin/backend/internal/redisx"
	"github.com/deepbin/backend/internal/worker"
)

const depthPollInterval = 15 * time.Second

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to the YAML config file")
	addr := flag.String("addr", ":8090", "health and metrics listen address")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("❌ Config load failed: %v", err)
		}
		cfg = loaded
	}
	cfg.ApplyEnv()

	if cfg.Queue.Backend != "redis" {
		log.Fatalf("❌ The worker binary requires queue backend %q; the in-process backend runs inside the api binary", "redis")
	}

	m := metrics.NewMetrics()
	rec := alerts.NewRecorder()

	var db *sql.DB
	if cfg.Database.PostgresDSN != "" {
		var err error
		db, err = postgres.Open(cfg.Database.PostgresDSN)
		if err != nil {
			log.Fatalf("❌ Postgres connection failed: %v", err)
		}
		defer db.Close()
		log.Println("✅ Postgres connected")
	}

	rdb, err := redisx.New(cfg.Redis)
	if err != nil {
		log.Fatalf("❌ Redis connection failed: %v", err)
	}
	defer rdb.Close()

	jobs, err := jobstore.NewStore(db)
	if err != nil {
		log.Fatalf("❌ Job store init failed: %v", err)
	}
	blobs, err := blobstore.NewStore(cfg.Blob, rec)
	if err != nil {
		log.Fatalf("❌ Blob store init failed: %v", err)
	}
	ledgerStore, err := ledger.NewStore(cfg.Ledger, db)
	if err != nil {
		log.Fatalf("❌ Ledger store init failed: %v", err)
	}
	led := ledger.NewService(ledgerStore, rec)

	registry := notify.NewRegistry()
	dispatcher, err := notify.New(cfg.Notify, registry, m)
	if err != nil {
		log.Fatalf("❌ Notify dispatcher init failed: %v", err)
	}
	emitter := buildEmitter(cfg, rdb, dispatcher)
	defer emitter.Close()

	q, err := queue.New(cfg.Queue, rdb, rec)
	if err != nil {
		log.Fatalf("❌ Queue init failed: %v", err)
	}

	w := worker.New(jobs, blobs, analyzer.NewClient(cfg.Analyzer, m), led, emitter, rec, m, cfg.Queue.AttemptCap)
	if err := q.Consume(models.TierOne, w.Handle); err != nil {
		log.Fatalf("❌ Tier1 consumer failed: %v", err)
	}
	if err := q.Consume(models.TierTwo, w.Handle); err != nil {
		log.Fatalf("❌ Tier2 consumer failed: %v", err)
	}

	var otpSvc *otp.Service
	if db != nil {
		otpSvc = otp.NewService(otp.NewPostgresStore(db))
	}
	jan, err := janitor.New(blobs, jobs, otpSvc, cfg.Janitor)
	if err != nil {
		log.Fatalf("❌ Janitor init failed: %v", err)
	}
	jan.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pollQueueDepth(ctx, q, m)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		rw.Write([]byte(`{"status":"healthy","service":"deepbin-worker"}`))
	})
	server := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Metrics server failed: %v", err)
		}
	}()

	log.Printf("🚀 Worker running (tier1=%d tier2=%d, metrics on %s)",
		cfg.Queue.Tier1Concurrency, cfg.Queue.Tier2Concurrency, *addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Received shutdown signal, draining...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	// Close stops deliveries and waits for in-flight handlers; leases that
	// were cut short are reaped and redelivered elsewhere.
	if err := q.Close(); err != nil {
		log.Printf("⚠️ Queue close: %v", err)
	}
	jan.Close()
	log.Println("Worker stopped")
}

// pollQueueDepth publishes per-tier queue gauges on a fixed cadence.
func pollQueueDepth(ctx context.Context, q queue.Queue, m *metrics.Metrics) {
	ticker := time.NewTicker(depthPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tier := range []models.Tier{models.TierOne, models.TierTwo} {
				c, err := q.Counts(ctx, tier)
				if err != nil {
					continue
				}
				m.SetQueueDepth(string(tier), "waiting", float64(c.Waiting))
				m.SetQueueDepth(string(tier), "active", float64(c.Active))
				m.SetQueueDepth(string(tier), "delayed", float64(c.Delayed))
				m.SetQueueDepth(string(tier), "failed", float64(c.Failed))
			}
		}
	}
}

// buildEmitter assembles the event pipeline: the Redis bus, the optional
// Pub/Sub mirror, and the webhook bridge outermost.
func buildEmitter(cfg *config.Config, rdb *redis.Client, dispatcher notify.Dispatcher) events.Emitter {
	var emitter events.Emitter
	if cfg.Events.Backend == "redis" {
		emitter = events.NewRedisBus(redisx.NewAdapter(rdb), "")
	} else {
		emitter = events.NewBus()
	}

	if cfg.Events.PubSubProject != "" {
		exporter, err := events.NewPubSubExporter(emitter, cfg.Events.PubSubProject, cfg.Events.PubSubTopic)
		if err != nil {
			log.Printf("⚠️ Pub/Sub exporter disabled: %v", err)
		} else {
			emitter = exporter
		}
	}

	return notify.NewBridge(emitter, dispatcher)
}
