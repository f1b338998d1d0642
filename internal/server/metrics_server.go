package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/devrev/pairdb/docstore/internal/metrics"
	"github.com/devrev/pairdb/docstore/internal/storage/diskmanager"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// DiskSource reports the disk statistics exported as gauges
type DiskSource interface {
	GetDiskUsage() diskmanager.DiskUsageStats
}

// Probes serves the liveness and readiness endpoints
type Probes interface {
	LivenessHandler(w http.ResponseWriter, r *http.Request)
	ReadinessHandler(w http.ResponseWriter, r *http.Request)
}

// MetricsServer serves Prometheus metrics and health probes via HTTP
type MetricsServer struct {
	httpServer *http.Server
	metrics    *metrics.Metrics
	disk       DiskSource
	logger     *zap.Logger
	interval   time.Duration
	stopChan   chan struct{}
}

// MetricsServerConfig holds configuration for the metrics server
type MetricsServerConfig struct {
	Port int
	Path string
	// StatsInterval is how often disk gauges are refreshed
	StatsInterval time.Duration
}

// NewMetricsServer creates a metrics server exporting the collectors of
// gatherer. probes may be nil.
func NewMetricsServer(
	cfg *MetricsServerConfig,
	gatherer prometheus.Gatherer,
	m *metrics.Metrics,
	disk DiskSource,
	probes Probes,
	logger *zap.Logger,
) *MetricsServer {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	interval := cfg.StatsInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	mux := http.NewServeMux()
	ms := &MetricsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		metrics:  m,
		disk:     disk,
		logger:   logger,
		interval: interval,
		stopChan: make(chan struct{}),
	}

	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	if probes != nil {
		mux.HandleFunc("/health/live", probes.LivenessHandler)
		mux.HandleFunc("/health/ready", probes.ReadinessHandler)
	}

	return ms
}

// Handler returns the HTTP handler, for tests
func (s *MetricsServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start binds the listener and serves in the background
func (s *MetricsServer) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("metrics server listen failed: %w", err)
	}
	s.logger.Info("Starting metrics server", zap.String("addr", listener.Addr().String()))

	go s.collectDiskStats()

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the metrics server
func (s *MetricsServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping metrics server")

	close(s.stopChan)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}

func (s *MetricsServer) collectDiskStats() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.UpdateDiskStats()
	for {
		select {
		case <-ticker.C:
			s.UpdateDiskStats()
		case <-s.stopChan:
			return
		}
	}
}

// UpdateDiskStats copies the disk manager's view into the gauges
func (s *MetricsServer) UpdateDiskStats() {
	if s.disk == nil {
		return
	}
	stats := s.disk.GetDiskUsage()
	s.metrics.UpdateDiskStats(stats.UsagePercent, stats.AvailableBytes)
}
