package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robertjustjones/prism-media/internal/config"
	"github.com/robertjustjones/prism-media/internal/forward"
	"github.com/robertjustjones/prism-media/internal/metrics"
	"github.com/robertjustjones/prism-media/internal/server"
	"github.com/robertjustjones/prism-media/internal/stream"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "prism-media"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration with hot-reload support
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	hotCfg, err := config.NewHotConfig(*configPath, bootLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := hotCfg.Get()

	// Initialize logger based on configuration
	logger, logLevel := initLogger(cfg.Logging)

	// Log level follows config reloads without a restart
	hotCfg.OnReload(func(next *config.Config) {
		logLevel.Set(parseLogLevel(next.Logging.Level))
	})
	hotCfg.Watch()

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("tcp_port", cfg.Server.TCPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("max_concurrent_streams", cfg.Server.MaxConcurrentStreams),
		slog.Int("read_buffer_size", cfg.Server.ReadBufferSize),
		slog.Bool("forward_enabled", cfg.Forward.Enabled),
		slog.String("forward_endpoint", cfg.Forward.Endpoint),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Initialize the downstream frame forwarder (if enabled)
	var forwarder *forward.Client
	if cfg.Forward.Enabled {
		forwarder, err = forward.NewClient(forward.Config{
			Endpoint:      cfg.Forward.Endpoint,
			APIKey:        cfg.Forward.APIKey,
			Timeout:       cfg.Forward.GetTimeoutDuration(),
			MaxRetries:    cfg.Forward.MaxRetries,
			MaxConcurrent: cfg.Forward.MaxConcurrent,
			BatchSize:     cfg.Forward.BatchSize,
		})
		if err != nil {
			logger.Error("Failed to create frame forwarder", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("Frame forwarder initialized",
			slog.String("endpoint", cfg.Forward.Endpoint),
			slog.Int("batch_size", cfg.Forward.BatchSize),
		)
	}

	// Initialize stream manager
	streamMgr := stream.NewManager(logger, cfg.Server.GetStreamTimeoutDuration(), forwarder)
	logger.Info("Stream manager initialized",
		slog.Duration("stream_timeout", cfg.Server.GetStreamTimeoutDuration()),
	)

	// Initialize TCP ingest server
	tcpServer := server.NewTCPServer(&cfg.Server, logger, streamMgr, appMetrics)
	logger.Info("TCP ingest server initialized")

	// Initialize HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, streamMgr, tcpServer, appMetrics)
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	// Start TCP server
	if err := tcpServer.Start(); err != nil {
		logger.Error("Failed to start TCP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start HTTP server (if enabled)
	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("tcp_address", fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.TCPPort)),
	)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Stop TCP server (stop accepting new connections)
	if err := tcpServer.Stop(); err != nil {
		logger.Error("Error stopping TCP server", slog.String("error", err.Error()))
	}

	// Stop stream manager (flush pending batches and stop background routines)
	streamMgr.Stop()

	// Get final statistics
	stats := tcpServer.GetStatistics()
	logger.Info("Final server statistics",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("connections_rejected", stats.ConnectionsRejected),
		slog.Uint64("read_errors", stats.ReadErrors),
		slog.Uint64("demux_errors", stats.DemuxErrors),
	)

	logger.Info("Service stopped")
}

// parseLogLevel maps a config level string to a slog level
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// initLogger creates and configures the structured logger based on
// configuration. The returned level var may be adjusted at runtime.
func initLogger(cfg config.LoggingConfig) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(parseLogLevel(cfg.Level))

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.Level == "debug",
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler), level
}
