package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/failpoint"
	"github.com/devrev/pairdb/docstore/internal/metrics"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/storage/datafile"
	"github.com/devrev/pairdb/docstore/internal/storage/diskmanager"
	"github.com/devrev/pairdb/docstore/internal/util"
	"github.com/devrev/pairdb/docstore/internal/validation"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// EngineConfig holds the configuration of one engine instance
type EngineConfig struct {
	DataDir        string
	JournalDir     string
	CollectionsDir string
	MaxDiskUsage   float64

	CommitLog  CommitLogConfig
	Datafile   DatafileConfig
	Collector  CollectorConfig
	Compaction CompactionConfig
	// Strict makes recovery and the collector fail on corrupt records
	// instead of skipping them.
	Strict bool
}

// DefaultEngineConfig returns a configuration rooted at dataDir
func DefaultEngineConfig(dataDir string) *EngineConfig {
	return &EngineConfig{
		DataDir:        dataDir,
		JournalDir:     filepath.Join(dataDir, "journals"),
		CollectionsDir: filepath.Join(dataDir, "collections"),
		MaxDiskUsage:   0.95,
		CommitLog: CommitLogConfig{
			SegmentSize:  32 << 20,
			MaxAge:       30 * time.Second,
			SyncInterval: 100 * time.Millisecond,
			BufferSize:   256 << 10,
		},
		Datafile: DatafileConfig{
			MaxSize:            32 << 20,
			Compression:        datafile.CodecSnappy,
			CompressionMinSize: 256,
		},
		Collector: CollectorConfig{
			Interval:   time.Second,
			MaxBackoff: 10 * time.Second,
		},
		Compaction: CompactionConfig{
			Interval:     10 * time.Second,
			DeadRatio:    0.5,
			MinDeadCount: 1,
			MaxFiles:     4,
			QueueSize:    16,
		},
	}
}

// Option customizes an engine
type Option func(*engineOptions)

type engineOptions struct {
	failpoints failpoint.Injector
	metrics    *metrics.Metrics
	disk       *diskmanager.DiskManager
}

// WithFailpoints installs a failure injector into the collector and the
// compactor. Only tests use this.
func WithFailpoints(fp failpoint.Injector) Option {
	return func(o *engineOptions) { o.failpoints = fp }
}

// WithMetrics reports into m instead of a private registry
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *engineOptions) { o.metrics = m }
}

// WithDiskManager replaces the default disk space guard
func WithDiskManager(dm *diskmanager.DiskManager) Option {
	return func(o *engineOptions) { o.disk = dm }
}

// StorageService is the document store engine: it owns the commit log,
// the datafiles and the background workers, and serves client operations.
type StorageService struct {
	config      *EngineConfig
	logger      *zap.Logger
	metrics     *metrics.Metrics
	diskManager *diskmanager.DiskManager
	validator   *validation.Validator

	catalog    *catalog
	datafiles  *DatafileService
	commitLog  *CommitLogService
	collector  *CollectorService
	compaction *CompactionService
	report     *model.RecoveryReport

	ready     atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewStorageService opens the engine. Recovery runs to completion before
// this returns; background workers start afterwards.
func NewStorageService(cfg *EngineConfig, logger *zap.Logger, opts ...Option) (*StorageService, error) {
	o := engineOptions{failpoints: failpoint.Nop{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New(prometheus.NewRegistry())
	}

	for _, dir := range []string{cfg.DataDir, cfg.JournalDir, cfg.CollectionsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if o.disk == nil {
		dm, err := diskmanager.NewDiskManager(diskmanager.DefaultConfig(cfg.DataDir, cfg.MaxDiskUsage), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create disk manager: %w", err)
		}
		o.disk = dm
	}

	cat, params, dropped, err := loadCatalog(cfg.DataDir, cfg.CollectionsDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	datafiles := NewDatafileService(&cfg.Datafile, 1, cfg.Strict, logger, o.metrics)
	collectorCfg := cfg.Collector
	collectorCfg.Strict = cfg.Strict
	collector := NewCollectorService(&collectorCfg, cat, datafiles, o.failpoints, logger, o.metrics)

	recovery := NewRecoveryService(&RecoveryConfig{JournalDir: cfg.JournalDir, Strict: cfg.Strict},
		cat, datafiles, collector, logger, o.metrics)
	report, err := recovery.Run(context.Background(), params, dropped)
	if err != nil {
		datafiles.closeAll(false)
		return nil, fmt.Errorf("recovery failed: %w", err)
	}

	commitLog, err := NewCommitLogService(&cfg.CommitLog, cfg.JournalDir, LogState{
		NextSequence:  report.NextSequence,
		NextSegmentID: report.NextSegmentID,
	}, o.disk, logger, o.metrics)
	if err != nil {
		datafiles.closeAll(false)
		return nil, err
	}

	s := &StorageService{
		config:      cfg,
		logger:      logger,
		metrics:     o.metrics,
		diskManager: o.disk,
		validator:   validation.NewValidator(),
		catalog:     cat,
		datafiles:   datafiles,
		commitLog:   commitLog,
		collector:   collector,
		compaction:  NewCompactionService(&cfg.Compaction, cat, datafiles, o.failpoints, logger, o.metrics),
		report:      report,
	}

	s.compaction.OnFence(s.fence)
	s.collector.Start(commitLog)
	s.compaction.Start()
	s.ready.Store(true)

	logger.Info("Storage engine opened",
		zap.String("data_dir", cfg.DataDir),
		zap.Int("collections", len(params)),
		zap.Bool("clean_shutdown", report.CleanShutdown))
	return s, nil
}

func (s *StorageService) checkOpen() error {
	if s.closed.Load() {
		return errors.Closed("storage engine")
	}
	return nil
}

// CreateCollection creates an empty collection
func (s *StorageService) CreateCollection(name string) (*Collection, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateCollectionName(name); err != nil {
		return nil, err
	}

	params, dir, err := s.catalog.create(name)
	if err != nil {
		return nil, err
	}
	coll := newCollection(params, dir, s.datafiles)
	if err := s.datafiles.Attach(params.ID, dir, nil); err != nil {
		return nil, err
	}
	s.catalog.register(coll)

	s.logger.Info("Collection created",
		zap.String("collection", name),
		zap.Uint64("collection_id", params.ID))
	return coll, nil
}

// DropCollection removes a collection and its files. Operations for it
// still in the commit log are ignored by the collector.
func (s *StorageService) DropCollection(name string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	coll, ok := s.catalog.get(name)
	if !ok {
		return errors.CollectionNotFound(name)
	}

	coll.writeMu.Lock()
	defer coll.writeMu.Unlock()

	if err := s.catalog.markDropped(coll); err != nil {
		return err
	}
	coll.dropped.Store(true)

	coll.maint.Lock()
	defer coll.maint.Unlock()

	var result *multierror.Error
	if err := s.datafiles.DropCollection(coll.id); err != nil {
		result = multierror.Append(result, err)
	}
	if err := os.RemoveAll(coll.dir); err != nil {
		result = multierror.Append(result, errors.TransientIO("failed to remove collection directory", err))
	} else if err := util.SyncDir(s.config.CollectionsDir); err != nil {
		result = multierror.Append(result, errors.TransientIO("failed to sync collections directory", err))
	}
	s.catalog.forget(coll)

	s.logger.Info("Collection dropped",
		zap.String("collection", name),
		zap.Uint64("collection_id", coll.id))
	return result.ErrorOrNil()
}

// Collection returns a collection by name
func (s *StorageService) Collection(name string) (*Collection, error) {
	coll, ok := s.catalog.get(name)
	if !ok || coll.dropped.Load() {
		return nil, errors.CollectionNotFound(name)
	}
	return coll, nil
}

// Collections returns every collection ordered by id
func (s *StorageService) Collections() []*Collection {
	return s.catalog.list()
}

// Insert adds a new document
func (s *StorageService) Insert(ctx context.Context, collection, key string, payload []byte) (uint64, error) {
	return s.submitTo(ctx, collection, model.OperationInsert, key, payload)
}

// Update replaces an existing document
func (s *StorageService) Update(ctx context.Context, collection, key string, payload []byte) (uint64, error) {
	return s.submitTo(ctx, collection, model.OperationUpdate, key, payload)
}

// Remove deletes an existing document
func (s *StorageService) Remove(ctx context.Context, collection, key string) (uint64, error) {
	return s.submitTo(ctx, collection, model.OperationRemove, key, nil)
}

func (s *StorageService) submitTo(ctx context.Context, collection string, t model.OperationType, key string, payload []byte) (uint64, error) {
	coll, err := s.Collection(collection)
	if err != nil {
		return 0, err
	}
	return s.Submit(ctx, &model.Operation{
		Type:         t,
		CollectionID: coll.id,
		Key:          key,
		Payload:      payload,
	})
}

// Submit logs an operation and returns its sequence number. The operation
// is visible immediately and durable after a Flush with ForceSync.
func (s *StorageService) Submit(ctx context.Context, op *model.Operation) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if err := s.validator.ValidateOperation(op); err != nil {
		return 0, err
	}
	coll, ok := s.catalog.getByID(op.CollectionID)
	if !ok {
		return 0, errors.CollectionNotFound(fmt.Sprintf("id %d", op.CollectionID))
	}

	coll.writeMu.Lock()
	defer coll.writeMu.Unlock()

	if coll.dropped.Load() {
		return 0, errors.CollectionNotFound(coll.name)
	}
	exists := coll.Exists(op.Key)
	switch op.Type {
	case model.OperationInsert:
		if exists {
			return 0, errors.UniqueConstraint(coll.name, op.Key)
		}
	case model.OperationUpdate, model.OperationRemove:
		if !exists {
			return 0, errors.KeyNotFound(coll.name, op.Key)
		}
	}

	seq, err := s.commitLog.Append(ctx, op)
	if err != nil {
		s.logger.Warn("Failed to append operation",
			zap.String("collection", coll.name),
			zap.String("key", op.Key),
			zap.Stringer("type", op.Type),
			zap.Error(err))
		return 0, err
	}
	coll.setPending(op)
	return seq, nil
}

// Lookup returns the current revision of a document
func (s *StorageService) Lookup(collection, key string) (*model.Document, error) {
	coll, err := s.Collection(collection)
	if err != nil {
		return nil, err
	}
	return coll.Lookup(key)
}

// Exists reports whether a document is visible
func (s *StorageService) Exists(collection, key string) (bool, error) {
	coll, err := s.Collection(collection)
	if err != nil {
		return false, err
	}
	return coll.Exists(key), nil
}

// Count returns the number of visible documents of a collection
func (s *StorageService) Count(collection string) (int64, error) {
	coll, err := s.Collection(collection)
	if err != nil {
		return 0, err
	}
	return coll.Count(), nil
}

// Keys returns the visible keys of a collection in ascending order
func (s *StorageService) Keys(collection string) ([]string, error) {
	coll, err := s.Collection(collection)
	if err != nil {
		return nil, err
	}
	return coll.Keys(), nil
}

// Flush forwards to the commit log. It blocks without timeout when
// WaitForCollector is set.
func (s *StorageService) Flush(opts FlushOptions) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.commitLog.Flush(opts)
}

// Rotate seals the active datafile of a collection and wakes the compactor
func (s *StorageService) Rotate(collection string) error {
	coll, err := s.Collection(collection)
	if err != nil {
		return err
	}

	coll.maint.Lock()
	err = s.datafiles.Rotate(coll.id)
	coll.maint.Unlock()
	if err != nil {
		return err
	}

	s.compaction.Wake()
	return nil
}

// Figures returns the counters of a collection. Datafile counters follow
// the tombstone bits and may trail the watermark.
func (s *StorageService) Figures(collection string) (*model.Figures, error) {
	coll, err := s.Collection(collection)
	if err != nil {
		return nil, err
	}
	df, err := s.datafiles.Figures(coll.id)
	if err != nil {
		return nil, err
	}

	fig := &model.Figures{}
	fig.Alive.Count = df.Alive
	fig.Dead.Count = df.Dead
	fig.Dead.Deletion = df.Deletion
	fig.Datafiles.Count = df.Datafiles
	fig.Journals.Count = df.Journals
	fig.Documents = coll.Count()
	fig.Uncollected = coll.Uncollected()
	fig.Watermark = coll.Watermark()
	return fig, nil
}

// RecoveryReport returns what startup recovery did
func (s *StorageService) RecoveryReport() model.RecoveryReport {
	return *s.report
}

// fence stops background maintenance for good. Writes are still logged,
// but nothing is collected until a restart.
func (s *StorageService) fence(err error) {
	s.ready.Store(false)
	s.collector.Fence(err)
}

// Ready reports whether the engine accepts traffic
func (s *StorageService) Ready() bool {
	return s.ready.Load()
}

// Metrics returns the engine's metrics
func (s *StorageService) Metrics() *metrics.Metrics {
	return s.metrics
}

// DiskManager returns the disk guard shared by the commit log and health
func (s *StorageService) DiskManager() *diskmanager.DiskManager {
	return s.diskManager
}

// Health summarizes the engine state
func (s *StorageService) Health() *model.HealthStatus {
	disk := s.diskManager.GetDiskUsage()
	halted := s.collector.Halted()

	status := model.NodeStatusHealthy
	switch {
	case !s.ready.Load() || halted || disk.IsCircuitBroken:
		status = model.NodeStatusUnhealthy
	case disk.IsThrottled:
		status = model.NodeStatusDegraded
	}

	return &model.HealthStatus{
		Status:    status,
		Timestamp: time.Now().Unix(),
		Metrics: model.HealthMetrics{
			DiskUsage:        disk.UsagePercent,
			SealedSegments:   len(s.commitLog.Sealed()),
			CollectorHalted:  halted,
			RecoveryComplete: s.report != nil,
		},
	}
}

// Close stops the background workers, seals the commit log with a
// clean-shutdown marker and closes the datafiles. Segments not yet
// collected are replayed on the next open.
func (s *StorageService) Close() error {
	s.closeOnce.Do(func() {
		s.ready.Store(false)
		s.closed.Store(true)
		s.logger.Info("Closing storage engine")

		s.compaction.Stop()
		s.collector.Stop()

		var result *multierror.Error
		if err := s.commitLog.Close(true); err != nil {
			result = multierror.Append(result, err)
		}
		if err := s.datafiles.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		s.closeErr = result.ErrorOrNil()
		if s.closeErr != nil {
			s.logger.Error("Storage engine closed with errors", zap.Error(s.closeErr))
			return
		}
		s.logger.Info("Storage engine closed")
	})
	return s.closeErr
}
