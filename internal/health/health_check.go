package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/devrev/pairdb/docstore/internal/model"
	"go.uber.org/zap"
)

// Engine is the part of the storage engine the health checker observes
type Engine interface {
	Ready() bool
	Health() *model.HealthStatus
}

// HealthChecker periodically evaluates the engine and the host it runs on
type HealthChecker struct {
	nodeID      string
	dataDir     string
	interval    time.Duration
	engine      Engine
	logger      *zap.Logger
	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	metrics     model.HealthMetrics
	checks      map[string]CheckResult
	livenessOK  bool
	readinessOK bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string
	Status    string
	Message   string
	Timestamp time.Time
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID   string
	DataDir  string
	Interval time.Duration
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg *HealthCheckConfig, engine Engine, logger *zap.Logger) *HealthChecker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthChecker{
		nodeID:     cfg.NodeID,
		dataDir:    cfg.DataDir,
		interval:   interval,
		engine:     engine,
		logger:     logger,
		checks:     make(map[string]CheckResult),
		livenessOK: true,
		status:     model.NodeStatusHealthy,
	}
}

// Start runs the checks until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunChecks()

	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks evaluates every check once
func (h *HealthChecker) RunChecks() {
	engineHealth := h.engine.Health()
	results := []CheckResult{
		h.checkEngine(engineHealth),
		h.checkCollector(engineHealth),
		h.checkDataDirAccessible(),
		h.checkFileDescriptors(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	h.metrics = engineHealth.Metrics

	allHealthy := true
	allReady := true
	for _, result := range results {
		h.checks[result.Name] = result
		if result.Status != "healthy" {
			allHealthy = false
			if result.Status == "critical" {
				allReady = false
			}
		}
	}

	switch {
	case !allReady:
		h.status = model.NodeStatusUnhealthy
	case !allHealthy:
		h.status = model.NodeStatusDegraded
	default:
		h.status = model.NodeStatusHealthy
	}

	// A halted collector still answers reads; only a process that can run
	// the checks at all is live.
	h.livenessOK = true
	h.readinessOK = allReady && h.engine.Ready()

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("liveness", h.livenessOK),
		zap.Bool("readiness", h.readinessOK))
}

func (h *HealthChecker) checkEngine(engineHealth *model.HealthStatus) CheckResult {
	result := CheckResult{Name: "engine", Timestamp: time.Now()}
	switch engineHealth.Status {
	case model.NodeStatusUnhealthy:
		result.Status = "critical"
		result.Message = fmt.Sprintf("Engine unhealthy, disk usage %.2f%%", engineHealth.Metrics.DiskUsage)
	case model.NodeStatusDegraded:
		result.Status = "warning"
		result.Message = fmt.Sprintf("Writes throttled, disk usage %.2f%%", engineHealth.Metrics.DiskUsage)
	default:
		result.Status = "healthy"
		result.Message = fmt.Sprintf("Disk usage %.2f%%", engineHealth.Metrics.DiskUsage)
	}
	return result
}

func (h *HealthChecker) checkCollector(engineHealth *model.HealthStatus) CheckResult {
	result := CheckResult{Name: "collector", Timestamp: time.Now()}
	switch {
	case engineHealth.Metrics.CollectorHalted:
		result.Status = "critical"
		result.Message = "Collector halted, flushes waiting for it fail"
	case !engineHealth.Metrics.RecoveryComplete:
		result.Status = "critical"
		result.Message = "Recovery has not completed"
	default:
		result.Status = "healthy"
		result.Message = fmt.Sprintf("%d sealed segments waiting", engineHealth.Metrics.SealedSegments)
	}
	return result
}

// checkDataDirAccessible checks that the data directory is writable
func (h *HealthChecker) checkDataDirAccessible() CheckResult {
	info, err := os.Stat(h.dataDir)
	if err != nil {
		return CheckResult{
			Name:      "data_dir_accessible",
			Status:    "critical",
			Message:   fmt.Sprintf("Data directory not accessible: %v", err),
			Timestamp: time.Now(),
		}
	}

	if !info.IsDir() {
		return CheckResult{
			Name:      "data_dir_accessible",
			Status:    "critical",
			Message:   "Data path is not a directory",
			Timestamp: time.Now(),
		}
	}

	testFile := filepath.Join(h.dataDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(testFile)
	if err != nil {
		return CheckResult{
			Name:      "data_dir_accessible",
			Status:    "critical",
			Message:   fmt.Sprintf("Cannot write to data directory: %v", err),
			Timestamp: time.Now(),
		}
	}
	f.Close()
	os.Remove(testFile)

	return CheckResult{
		Name:      "data_dir_accessible",
		Status:    "healthy",
		Message:   "Data directory is accessible and writable",
		Timestamp: time.Now(),
	}
}

// checkFileDescriptors warns when the process nears its descriptor limit.
// Every collection keeps its datafiles open.
func (h *HealthChecker) checkFileDescriptors() CheckResult {
	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return CheckResult{
			Name:      "file_descriptors",
			Status:    "warning",
			Message:   fmt.Sprintf("Failed to get rlimit: %v", err),
			Timestamp: time.Now(),
		}
	}

	// Linux only
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return CheckResult{
			Name:      "file_descriptors",
			Status:    "healthy",
			Message:   fmt.Sprintf("Soft limit: %d, hard limit: %d", rlimit.Cur, rlimit.Max),
			Timestamp: time.Now(),
		}
	}

	openFDs := uint64(len(entries))
	usagePercent := float64(openFDs) / float64(rlimit.Cur) * 100

	if usagePercent > 90 {
		return CheckResult{
			Name:      "file_descriptors",
			Status:    "warning",
			Message:   fmt.Sprintf("File descriptor usage high: %.2f%% (%d/%d)", usagePercent, openFDs, rlimit.Cur),
			Timestamp: time.Now(),
		}
	}

	return CheckResult{
		Name:      "file_descriptors",
		Status:    "healthy",
		Message:   fmt.Sprintf("File descriptor usage: %.2f%% (%d/%d)", usagePercent, openFDs, rlimit.Cur),
		Timestamp: time.Now(),
	}
}

// IsLive returns whether the process is live (liveness probe)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the engine can serve traffic (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the result of the last check round
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statusLocked()
}

func (h *HealthChecker) statusLocked() model.HealthStatus {
	return model.HealthStatus{
		NodeID:    h.nodeID,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
		Metrics:   h.metrics,
	}
}

// GetChecks returns all check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetReadiness overrides readiness until the next check round, used while
// shutting down
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	live := h.livenessOK
	status := h.statusLocked()
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if !live {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy": live,
		"status":  status.Status,
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.readinessOK
	status := h.statusLocked()
	checks := make(map[string]string, len(h.checks))
	for name, c := range h.checks {
		checks[name] = c.Status
	}
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":            ready,
		"status":           status.Status,
		"checks":           checks,
		"sealed_segments":  status.Metrics.SealedSegments,
		"collector_halted": status.Metrics.CollectorHalted,
	})
}
