// Command relay hosts the pub/sub hub behind a websocket endpoint. Clients
// authenticate with a token obtained from /v1/token.
package main

import (
	"chat-engine/attachment"
	"chat-engine/auth"
	"chat-engine/internal"
	"chat-engine/runtime/workers"
	"chat-engine/transport"
	"chat-engine/transport/ws"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Exit codes to provide meaningful status to the operating system or service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Relay terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	// 1. Configuration & Logger
	config, err := internal.Load(".env")
	if err != nil {
		return exitConfig, err
	}
	if config.AuthSecret == "" {
		return exitConfig, errors.New("AUTH_SECRET is required")
	}
	keys, err := config.Keys()
	if err != nil {
		return exitConfig, err
	}
	maxAttachment, err := config.AttachmentLimit()
	if err != nil {
		return exitConfig, err
	}
	logger := logs.GetLoggerFromString(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Hub & metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sup := workers.NewSupervisor(logger).WithRestartDelay(config.RestartInterval, 10*config.RestartInterval)
	hub := transport.NewHub(sup, logger, transport.NewMetrics(registry), config.HubBuffer)
	sup.Add(workers.NewHeartbeatWorker(logger, config.HeartbeatInterval, hub, registry))

	server := ws.NewServer(hub, logger, ws.ServerConfig{RequestsPerSecond: config.RequestsPerSec})
	rt := routes{
		log:      logger,
		tokens:   auth.NewTokenManager(config.AuthSecret, config.AuthTokenDuration),
		keys:     keys,
		ws:       server,
		hub:      hub,
		registry: registry,
		duration: config.AuthTokenDuration,
	}

	// 3. Attachments (optional)
	if config.MongoURI != "" {
		storage, err := attachment.ConnectGridFS(ctx, config.MongoURI, config.MongoDatabase, config.MongoBucket, config.AttachmentBaseURL)
		if err != nil {
			return exitRuntime, err
		}
		defer func() {
			logger.Info("Closing MongoDB...")
			_ = storage.Close(context.Background())
		}()
		rt.uploader = attachment.NewUploader(storage, logger, maxAttachment, nil)
		rt.blobs = storage
		logger.Info("Attachments enabled", "bucket", config.MongoBucket)
	}

	// 4. Workers
	go sup.Run(ctx)

	// 5. HTTP server
	address := fmt.Sprintf("%s:%d", config.Host, config.Port)
	httpServer := &http.Server{
		Addr:              address,
		Handler:           rt.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errChan := make(chan error, 1)
	go func() {
		logger.Info("Starting relay", "address", address, "users", len(keys))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("relay server error: %w", err)
		}
	}()

	// 6. Wait for Stop or Error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errChan:
		return exitRuntime, err
	}

	// 7. Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	server.Shutdown()
	sup.Stop()
	logger.Info("Relay stopped cleanly")
	return exitOK, nil
}
