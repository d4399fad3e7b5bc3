package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/epiguard/epi-monitor/internal/logger"
	"github.com/epiguard/epi-monitor/internal/relay"
)

var (
	httpAddr = flag.String("http", ":8090", "HTTP server address")
	timeout  = flag.Duration("upstream-timeout", 30*time.Second, "Upstream detection timeout")
	logLevel = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor = flag.Bool("log-color", true, "Enable colored log output")
)

func main() {
	_ = godotenv.Load()
	flag.Parse()

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	if _, err := relay.NewUpstream(relay.CredentialsFromEnv(), nil); err != nil {
		// requests will answer 500 until the environment is fixed
		logger.Error("Main", "%v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/detect", relay.NewHandler(&http.Client{Timeout: *timeout}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	srv := &http.Server{
		Addr:              *httpAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Main", "Detection relay listening on %s", *httpAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Relay stopped")
}
