package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/pairdb/docstore/internal/config"
	"github.com/devrev/pairdb/docstore/internal/health"
	"github.com/devrev/pairdb/docstore/internal/metrics"
	"github.com/devrev/pairdb/docstore/internal/server"
	"github.com/devrev/pairdb/docstore/internal/service"
	"github.com/devrev/pairdb/docstore/internal/storage/datafile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.Bool("strict", cfg.Recovery.Strict))

	engineCfg, err := engineConfig(cfg)
	if err != nil {
		logger.Fatal("Invalid engine configuration", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	engine, err := service.NewStorageService(engineCfg, logger, service.WithMetrics(m))
	if err != nil {
		logger.Fatal("Failed to open storage engine", zap.Error(err))
	}

	report := engine.RecoveryReport()
	logger.Info("Storage engine ready",
		zap.Int("collections", report.Collections),
		zap.Int("segments_replayed", report.SegmentsReplayed),
		zap.Bool("clean_shutdown", report.CleanShutdown),
		zap.Uint64("next_sequence", report.NextSequence))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checker := health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID:  cfg.Server.NodeID,
		DataDir: cfg.Storage.DataDir,
	}, engine, logger)
	go checker.Start(ctx)

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(&server.MetricsServerConfig{
			Port: cfg.Metrics.Port,
			Path: cfg.Metrics.Path,
		}, registry, m, engine.DiskManager(), checker, logger)
		if err := metricsServer.Start(); err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutting down gracefully...", zap.String("signal", sig.String()))

	checker.SetReadiness(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Error("Failed to stop metrics server", zap.Error(err))
		}
	}

	if err := engine.Close(); err != nil {
		logger.Error("Storage engine closed with errors", zap.Error(err))
		os.Exit(1)
	}
}

func engineConfig(cfg *config.Config) (*service.EngineConfig, error) {
	codec, err := datafile.ParseCodec(cfg.Datafile.Compression)
	if err != nil {
		return nil, err
	}

	return &service.EngineConfig{
		DataDir:        cfg.Storage.DataDir,
		JournalDir:     cfg.Storage.JournalDir,
		CollectionsDir: cfg.Storage.CollectionsDir,
		MaxDiskUsage:   cfg.Storage.MaxDiskUsage,
		CommitLog: service.CommitLogConfig{
			SegmentSize:  cfg.CommitLog.SegmentSize,
			MaxAge:       cfg.CommitLog.MaxAge,
			SyncInterval: cfg.CommitLog.SyncInterval,
			BufferSize:   cfg.CommitLog.BufferSize,
		},
		Datafile: service.DatafileConfig{
			MaxSize:            cfg.Datafile.MaxSize,
			Compression:        codec,
			CompressionMinSize: cfg.Datafile.CompressionMinSize,
		},
		Collector: service.CollectorConfig{
			Interval:   cfg.Collector.Interval,
			MaxBackoff: cfg.Collector.MaxBackoff,
		},
		Compaction: service.CompactionConfig{
			Interval:     cfg.Compaction.Interval,
			DeadRatio:    cfg.Compaction.DeadRatio,
			MinDeadCount: cfg.Compaction.MinDeadCount,
			MaxFiles:     cfg.Compaction.MaxFiles,
			QueueSize:    cfg.Compaction.QueueSize,
		},
		Strict: cfg.Recovery.Strict,
	}, nil
}

// initLogger builds the zap logger from the logging section
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
