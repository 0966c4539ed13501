// The api binary serves the REST surface: SDK uploads, dashboard routes,
// payment webhooks, and the admin endpoints. With the in-process queue
// backend it also runs the worker pools and the janitor so a single binary
// covers local development end to end; against Redis those move to the
// worker binary.
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
	"github.com/redis/go-redis/v9"

	"github.com/deepbin/backend/internal/alerts"
	"github.com/deepbin/backend/internal/analyzer"
	"github.com/deepbin/backend/internal/apikeys"
	"github.com/deepbin/backend/internal/blobstore"
	"github.com/deepbin/backend/internal/config"
	"github.com/deepbin/backend/internal/events"
	"github.com/deepbin/backend/internal/httpapi"
	"github.com/deepbin/backend/internal/ingest"
	"github.com/deepbin/backend/internal/janitor"
	"github.com/deepbin/backend/internal/jobstore"
	"github.com/deepbin/backend/internal/ledger"
	"github.com/deepbin/backend/internal/metrics"
	"github.com/deepbin/backend/internal/models"
	"github.com/deepbin/backend/internal/notify"
	"github.com/deepbin/backend/internal/otp"
	"github.com/deepbin/backend/internal/payments"
	"github.com/deepbin/backend/internal/postgres"
	"github.com/deepbin/backend/internal/queue"
	"github.com/deepbin/backend/internal/redisx"
	"github.com/deepbin/backend/internal/users"
	"github.com/deepbin/backend/internal/worker"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to the YAML config file")
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

	var rdb *redis.Client
	if cfg.Queue.Backend == "redis" || cfg.Events.Backend == "redis" {
		var err error
		rdb, err = redisx.New(cfg.Redis)
		if err != nil {
			log.Fatalf("❌ Redis connection failed: %v", err)
		}
		defer rdb.Close()
	}

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

	keys := apikeys.NewService(newKeyStore(db))
	otps := otp.NewService(newOTPStore(db))

	dir, err := users.NewDirectory(cfg.Users)
	if err != nil {
		log.Fatalf("❌ User directory init failed: %v", err)
	}

	q, err := queue.New(cfg.Queue, rdb, rec)
	if err != nil {
		log.Fatalf("❌ Queue init failed: %v", err)
	}
	defer q.Close()

	ing := ingest.New(jobs, blobs, q, led, dir, m, cfg.Ledger.AdmissionThreshold, 0)

	registry := notify.NewRegistry()
	dispatcher, err := notify.New(cfg.Notify, registry, m)
	if err != nil {
		log.Fatalf("❌ Notify dispatcher init failed: %v", err)
	}

	payStore, err := payments.NewStore(db)
	if err != nil {
		log.Fatalf("❌ Payment store init failed: %v", err)
	}
	pay := payments.New(cfg.Payments, payStore, led, dispatcher, m)

	jan, err := janitor.New(blobs, jobs, otps, cfg.Janitor)
	if err != nil {
		log.Fatalf("❌ Janitor init failed: %v", err)
	}

	// The in-process queue is invisible to other processes, so this binary
	// must consume what it enqueues. Redis deployments run the worker binary
	// instead, which then owns the sweep schedule too.
	allInOne := cfg.Queue.Backend != "redis"
	if allInOne {
		emitter := buildEmitter(cfg, rdb, dispatcher)
		defer emitter.Close()

		w := worker.New(jobs, blobs, analyzer.NewClient(cfg.Analyzer, m), led, emitter, rec, m, cfg.Queue.AttemptCap)
		if err := q.Consume(models.TierOne, w.Handle); err != nil {
			log.Fatalf("❌ Tier1 consumer failed: %v", err)
		}
		if err := q.Consume(models.TierTwo, w.Handle); err != nil {
			log.Fatalf("❌ Tier2 consumer failed: %v", err)
		}
		jan.Start()
		log.Println("✅ In-process workers and janitor running")
	}
	defer jan.Close()

	srv := httpapi.NewServer(httpapi.Deps{
		Config:   cfg.Server,
		Ingest:   ing,
		Jobs:     jobs,
		Ledger:   led,
		Payments: pay,
		Keys:     keys,
		OTPs:     otps,
		Users:    dir,
		Queue:    q,
		Janitor:  jan,
		Alerts:   rec,
		Registry: registry,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("⚠️ Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 API listening on %s (env=%s)", cfg.Server.Addr, cfg.Server.Env)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("❌ Server failed: %v", err)
	}
	log.Println("Server stopped")
}

func newKeyStore(db *sql.DB) apikeys.Store {
	if db == nil {
		return apikeys.NewMemoryStore()
	}
	store, err := apikeys.NewPostgresStore(db)
	if err != nil {
		log.Fatalf("❌ API key store init failed: %v", err)
	}
	return store
}

func newOTPStore(db *sql.DB) otp.Store {
	if db == nil {
		return otp.NewMemoryStore()
	}
	return otp.NewPostgresStore(db)
}

// buildEmitter assembles the worker-side event pipeline: the bus, the
// optional Pub/Sub mirror, and the webhook bridge outermost so terminal
// events reach registered endpoints.
func buildEmitter(cfg *config.Config, rdb *redis.Client, dispatcher notify.Dispatcher) events.Emitter {
	var emitter events.Emitter
	if cfg.Events.Backend == "redis" && rdb != nil {
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
