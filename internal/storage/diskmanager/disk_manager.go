package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"go.uber.org/zap"
)

// DiskManager monitors free space on the data volume and rejects log
// appends before the disk fills up
type DiskManager struct {
	dataDir              string
	logger               *zap.Logger
	mu                   sync.Mutex
	lastCheck            time.Time
	cachedUsagePercent   float64
	cachedAvailableBytes uint64
	checkInterval        time.Duration

	warningThreshold        float64
	throttleThreshold       float64
	circuitBreakerThreshold float64

	isThrottled     bool
	isCircuitBroken bool
}

// DiskManagerConfig holds configuration for disk manager
type DiskManagerConfig struct {
	DataDir                 string
	CheckInterval           time.Duration
	WarningThreshold        float64
	ThrottleThreshold       float64
	CircuitBreakerThreshold float64
}

// DefaultConfig derives thresholds from the configured maximum usage ratio
func DefaultConfig(dataDir string, maxUsage float64) *DiskManagerConfig {
	if maxUsage <= 0 || maxUsage > 1 {
		maxUsage = 0.95
	}
	breaker := maxUsage * 100
	return &DiskManagerConfig{
		DataDir:                 dataDir,
		CheckInterval:           10 * time.Second,
		WarningThreshold:        breaker - 15,
		ThrottleThreshold:       breaker - 5,
		CircuitBreakerThreshold: breaker,
	}
}

// NewDiskManager creates a disk manager and performs an initial check
func NewDiskManager(cfg *DiskManagerConfig, logger *zap.Logger) (*DiskManager, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	dm := &DiskManager{
		dataDir:                 cfg.DataDir,
		logger:                  logger,
		checkInterval:           cfg.CheckInterval,
		warningThreshold:        cfg.WarningThreshold,
		throttleThreshold:       cfg.ThrottleThreshold,
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold,
	}

	if err := dm.checkDiskSpace(); err != nil {
		return nil, err
	}
	return dm, nil
}

// CheckBeforeWrite returns DiskFull when the circuit breaker is engaged and
// DiskThrottled for large writes while usage is above the throttle threshold.
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.checkDiskSpace(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	if dm.isCircuitBroken {
		return errors.DiskFull(dm.cachedUsagePercent, dm.cachedAvailableBytes)
	}
	if dm.isThrottled && estimatedBytes > dm.cachedAvailableBytes/10 {
		return errors.DiskThrottled(dm.cachedUsagePercent)
	}
	if estimatedBytes > dm.cachedAvailableBytes {
		return errors.DiskFull(dm.cachedUsagePercent, dm.cachedAvailableBytes).
			WithDetail("requested_bytes", estimatedBytes)
	}
	return nil
}

// checkDiskSpace must be called with mu held
func (dm *DiskManager) checkDiskSpace() error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dm.dataDir, &stat); err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	totalBytes := stat.Blocks * uint64(stat.Bsize)
	availableBytes := stat.Bavail * uint64(stat.Bsize)
	usagePercent := 0.0
	if totalBytes > 0 {
		usagePercent = float64(totalBytes-availableBytes) / float64(totalBytes) * 100.0
	}

	dm.cachedUsagePercent = usagePercent
	dm.cachedAvailableBytes = availableBytes
	dm.lastCheck = time.Now()

	previouslyThrottled := dm.isThrottled
	previouslyBroken := dm.isCircuitBroken

	dm.isCircuitBroken = usagePercent >= dm.circuitBreakerThreshold
	dm.isThrottled = usagePercent >= dm.throttleThreshold && !dm.isCircuitBroken

	if dm.isCircuitBroken && !previouslyBroken {
		dm.logger.Error("Disk circuit breaker ENGAGED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", availableBytes),
			zap.Float64("threshold", dm.circuitBreakerThreshold))
	} else if !dm.isCircuitBroken && previouslyBroken {
		dm.logger.Info("Disk circuit breaker DISENGAGED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", availableBytes))
	}

	if dm.isThrottled && !previouslyThrottled {
		dm.logger.Warn("Disk write throttling ENABLED",
			zap.Float64("usage_percent", usagePercent),
			zap.Float64("threshold", dm.throttleThreshold))
	} else if !dm.isThrottled && previouslyThrottled {
		dm.logger.Info("Disk write throttling DISABLED",
			zap.Float64("usage_percent", usagePercent))
	}

	if usagePercent >= dm.warningThreshold && !dm.isThrottled && !dm.isCircuitBroken {
		dm.logger.Warn("Disk usage warning",
			zap.Float64("usage_percent", usagePercent),
			zap.Float64("warning_threshold", dm.warningThreshold))
	}
	return nil
}

// DiskUsageStats contains disk usage statistics
type DiskUsageStats struct {
	UsagePercent    float64
	AvailableBytes  uint64
	IsThrottled     bool
	IsCircuitBroken bool
	LastCheck       time.Time
}

// GetDiskUsage returns the cached statistics, refreshing them when stale
func (dm *DiskManager) GetDiskUsage() DiskUsageStats {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.checkDiskSpace(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	return DiskUsageStats{
		UsagePercent:    dm.cachedUsagePercent,
		AvailableBytes:  dm.cachedAvailableBytes,
		IsThrottled:     dm.isThrottled,
		IsCircuitBroken: dm.isCircuitBroken,
		LastCheck:       dm.lastCheck,
	}
}

// ForceCheck forces an immediate disk space check
func (dm *DiskManager) ForceCheck() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.checkDiskSpace()
}
