package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sideloadd/pkg/bus"
	"sideloadd/pkg/cas"
	"sideloadd/pkg/db"
	"sideloadd/pkg/telemetry"
	"sideloadd/services/api"
	"sideloadd/services/fetcher"
)

const (
	defaultMaxApkBytes  = 500 << 20
	defaultFetchTimeout = 120 * time.Second
)

func main() {
	if err := run("fetcherd"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, appLogger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownTelemetry != nil {
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
			}
		}
	}()

	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()

	natsURL := strings.TrimSpace(os.Getenv("NATS_URL"))
	if natsURL == "" {
		return errors.New("NATS_URL is required")
	}
	jobBus, err := bus.New(natsURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer jobBus.Close()

	if err := jobBus.EnsureStream(api.StreamName, api.DownloadSubject); err != nil {
		return fmt.Errorf("ensure stream: %w", err)
	}

	blobs, err := cas.FromEnv()
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}

	maxBytes, err := envInt64("SIDELOAD_MAX_APK_BYTES", defaultMaxApkBytes)
	if err != nil {
		return err
	}
	timeout, err := envSeconds("SIDELOAD_FETCH_TIMEOUT", defaultFetchTimeout)
	if err != nil {
		return err
	}

	worker := fetcher.NewWorker(
		fetcher.New(maxBytes, timeout),
		blobs,
		fetcher.NewStatusStore(pool),
		appLogger,
	)

	// Metrics-only HTTP surface; the worker itself serves nothing.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    ":8081",
		Handler: middleware(mux),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: metrics server failed: %v\n", serviceName, err)
		}
	}()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	appLogger.Printf("INFO fetcher starting, limit %d bytes, timeout %s", maxBytes, timeout)
	return worker.Run(ctx, jobBus, api.DownloadSubject)
}

func envInt64(key string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return value, nil
}

func envSeconds(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return time.Duration(secs) * time.Second, nil
}
