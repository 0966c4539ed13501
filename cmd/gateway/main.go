// The gateway binary serves realtime job updates. It subscribes to the
// Redis event bus and bridges two client transports: Socket.IO on
// /socket.io/ for browser dashboards and a raw WebSocket endpoint on /ws
// for SDK consumers.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/deepbin/backend/internal/config"
	"github.com/deepbin/backend/internal/events"
	"github.com/deepbin/backend/internal/gateway"
	"github.com/deepbin/backend/internal/redisx"
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

	if cfg.Events.Backend != "redis" {
		log.Fatalf("❌ The gateway requires events backend %q; worker events do not cross processes otherwise", "redis")
	}

	rdb, err := redisx.New(cfg.Redis)
	if err != nil {
		log.Fatalf("❌ Redis connection failed: %v", err)
	}
	defer rdb.Close()

	bus := events.NewRedisBus(redisx.NewAdapter(rdb), "")
	defer bus.Close()

	gw := gateway.New(bus)
	defer gw.Close()

	sio := gateway.NewSocketServer(gw)
	go func() {
		if err := sio.Serve(); err != nil {
			log.Printf("⚠️ Socket.IO engine stopped: %v", err)
		}
	}()
	defer sio.Close()

	hub := gateway.NewWSHub(gw, cfg.Server.Env, cfg.Server.AllowedOrigins)
	defer hub.Close()

	mux := http.NewServeMux()
	mux.Handle("/socket.io/", sio)
	mux.HandleFunc("/ws", hub.HandleWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"deepbin-gateway"}`))
	})

	// No read/write timeouts: both transports hold connections open for as
	// long as the client stays subscribed.
	server := &http.Server{
		Addr:        cfg.Server.GatewayAddr,
		Handler:     mux,
		IdleTimeout: 60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("⚠️ Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Gateway listening on %s (env=%s)", cfg.Server.GatewayAddr, cfg.Server.Env)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("❌ Gateway failed: %v", err)
	}
	log.Println("Gateway stopped")
}
