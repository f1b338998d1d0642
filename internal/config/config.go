package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds process level configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Config represents the complete configuration of the document store daemon
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	CommitLog  CommitLogConfig  `yaml:"commit_log"`
	Datafile   DatafileConfig   `yaml:"datafile"`
	Collector  CollectorConfig  `yaml:"collector"`
	Compaction CompactionConfig `yaml:"compaction"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// StorageConfig holds directory layout and disk guard configuration
type StorageConfig struct {
	DataDir        string  `yaml:"data_dir"`
	JournalDir     string  `yaml:"journal_dir"`
	CollectionsDir string  `yaml:"collections_dir"`
	MaxDiskUsage   float64 `yaml:"max_disk_usage"`
}

// CommitLogConfig holds WAL segment configuration
type CommitLogConfig struct {
	SegmentSize  int64         `yaml:"segment_size"`
	MaxAge       time.Duration `yaml:"max_age"`
	SyncInterval time.Duration `yaml:"sync_interval"`
	BufferSize   int           `yaml:"buffer_size"`
}

// DatafileConfig holds datafile configuration
type DatafileConfig struct {
	MaxSize            int64  `yaml:"max_size"`
	Compression        string `yaml:"compression"`
	CompressionMinSize int    `yaml:"compression_min_size"`
}

// CollectorConfig holds collector configuration
type CollectorConfig struct {
	Interval   time.Duration `yaml:"interval"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// CompactionConfig holds compaction configuration
type CompactionConfig struct {
	Interval     time.Duration `yaml:"interval"`
	DeadRatio    float64       `yaml:"dead_ratio"`
	MinDeadCount int64         `yaml:"min_dead_count"`
	MaxFiles     int           `yaml:"max_files"`
	QueueSize    int           `yaml:"queue_size"`
}

// RecoveryConfig holds recovery configuration
type RecoveryConfig struct {
	Strict bool `yaml:"strict"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a file. A missing file is not an
// error; defaults and environment overrides still apply.
func LoadConfig(filePath string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(filePath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	applyEnvironmentOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	if dataDir := os.Getenv("DOCSTORE_DATA_DIR"); dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	if level := os.Getenv("DOCSTORE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if port := os.Getenv("DOCSTORE_METRICS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Metrics.Port = p
		}
	}
	if strict := os.Getenv("DOCSTORE_RECOVERY_STRICT"); strict != "" {
		if b, err := strconv.ParseBool(strict); err == nil {
			cfg.Recovery.Strict = b
		}
	}
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Server.NodeID = host
		} else {
			cfg.Server.NodeID = "docstore"
		}
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/docstore"
	}
	if cfg.Storage.JournalDir == "" {
		cfg.Storage.JournalDir = filepath.Join(cfg.Storage.DataDir, "journals")
	}
	if cfg.Storage.CollectionsDir == "" {
		cfg.Storage.CollectionsDir = filepath.Join(cfg.Storage.DataDir, "collections")
	}
	if cfg.Storage.MaxDiskUsage == 0 {
		cfg.Storage.MaxDiskUsage = 0.95
	}

	if cfg.CommitLog.SegmentSize == 0 {
		cfg.CommitLog.SegmentSize = 32 << 20 // 32MB
	}
	if cfg.CommitLog.MaxAge == 0 {
		cfg.CommitLog.MaxAge = 30 * time.Second
	}
	if cfg.CommitLog.SyncInterval == 0 {
		cfg.CommitLog.SyncInterval = 100 * time.Millisecond
	}
	if cfg.CommitLog.BufferSize == 0 {
		cfg.CommitLog.BufferSize = 256 << 10
	}

	if cfg.Datafile.MaxSize == 0 {
		cfg.Datafile.MaxSize = 32 << 20
	}
	if cfg.Datafile.Compression == "" {
		cfg.Datafile.Compression = "snappy"
	}
	if cfg.Datafile.CompressionMinSize == 0 {
		cfg.Datafile.CompressionMinSize = 256
	}

	if cfg.Collector.Interval == 0 {
		cfg.Collector.Interval = time.Second
	}
	if cfg.Collector.MaxBackoff == 0 {
		cfg.Collector.MaxBackoff = 10 * time.Second
	}

	if cfg.Compaction.Interval == 0 {
		cfg.Compaction.Interval = 10 * time.Second
	}
	if cfg.Compaction.DeadRatio == 0 {
		cfg.Compaction.DeadRatio = 0.5
	}
	if cfg.Compaction.MinDeadCount == 0 {
		cfg.Compaction.MinDeadCount = 1
	}
	if cfg.Compaction.MaxFiles == 0 {
		cfg.Compaction.MaxFiles = 4
	}
	if cfg.Compaction.QueueSize == 0 {
		cfg.Compaction.QueueSize = 16
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Storage.MaxDiskUsage < 0 || c.Storage.MaxDiskUsage > 1 {
		return fmt.Errorf("storage.max_disk_usage must be between 0 and 1")
	}
	if c.CommitLog.SegmentSize < 1024 {
		return fmt.Errorf("commit_log.segment_size must be at least 1024 bytes")
	}
	if c.CommitLog.BufferSize < 0 {
		return fmt.Errorf("commit_log.buffer_size must not be negative")
	}
	switch c.Datafile.Compression {
	case "none", "snappy":
	default:
		return fmt.Errorf("datafile.compression must be one of none, snappy")
	}
	if c.Compaction.DeadRatio <= 0 || c.Compaction.DeadRatio > 1 {
		return fmt.Errorf("compaction.dead_ratio must be in (0, 1]")
	}
	if c.Compaction.MaxFiles < 1 {
		return fmt.Errorf("compaction.max_files must be positive")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	return nil
}
