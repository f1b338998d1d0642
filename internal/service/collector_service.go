package service

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/failpoint"
	"github.com/devrev/pairdb/docstore/internal/metrics"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/storage/datafile"
	"github.com/devrev/pairdb/docstore/internal/storage/segment"
	"github.com/devrev/pairdb/docstore/internal/storage/watermark"
	"go.uber.org/zap"
)

// CollectorConfig holds collector configuration
type CollectorConfig struct {
	Interval   time.Duration
	MaxBackoff time.Duration
	Strict     bool
}

// CollectorService drains sealed commit log segments into the datafiles of
// their collections. A single goroutine collects segments strictly in id
// order. Per collection the datafile changes are made durable before the
// watermark moves, and every watermark is durable before the segment file
// is deleted.
type CollectorService struct {
	config     *CollectorConfig
	catalog    *catalog
	datafiles  *DatafileService
	failpoints failpoint.Injector
	logger     *zap.Logger
	metrics    *metrics.Metrics

	log *CommitLogService

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	halted  atomic.Bool
	errMu   sync.Mutex
	haltErr error
}

// NewCollectorService creates a collector. It does nothing until Start.
func NewCollectorService(
	cfg *CollectorConfig,
	cat *catalog,
	datafiles *DatafileService,
	failpoints failpoint.Injector,
	logger *zap.Logger,
	m *metrics.Metrics,
) *CollectorService {
	if failpoints == nil {
		failpoints = failpoint.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CollectorService{
		config:     cfg,
		catalog:    cat,
		datafiles:  datafiles,
		failpoints: failpoints,
		logger:     logger,
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins collecting the segments log seals
func (s *CollectorService) Start(log *CommitLogService) {
	s.log = log
	s.wg.Add(1)
	go s.run()
	s.logger.Info("Collector started", zap.Duration("interval", s.config.Interval))
}

// Stop cancels the current pass and waits for the worker to exit. A pass
// interrupted between two collections leaves the segment in place; the
// next start collects it again.
func (s *CollectorService) Stop() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.logger.Info("Collector stopped")
	})
}

// Halted reports whether the collector gave up on a segment it cannot read
func (s *CollectorService) Halted() bool {
	return s.halted.Load()
}

// Err returns the error that halted the collector
func (s *CollectorService) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.haltErr
}

func (s *CollectorService) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		if err := s.drain(); err != nil {
			s.halt(err)
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case <-s.log.SealedNotify():
		case <-ticker.C:
		}
	}
}

// drain collects every sealed segment. It returns only an error that no
// retry can fix; transient failures are retried with backoff until they
// succeed or the collector stops.
func (s *CollectorService) drain() error {
	for {
		sealed := s.log.Sealed()
		if len(sealed) == 0 {
			return nil
		}
		info := sealed[0]

		err := backoff.RetryNotify(func() error {
			err := s.CollectSegment(s.ctx, info)
			if errors.IsCode(err, errors.ErrCodeCorruption) || errors.IsCode(err, errors.ErrCodeInvariantViolation) {
				return backoff.Permanent(err)
			}
			return err
		}, s.newBackOff(), func(err error, next time.Duration) {
			s.logger.Warn("Collector pass failed, retrying",
				zap.Uint64("segment_id", info.ID),
				zap.Duration("retry_in", next),
				zap.Bool("failpoint", failpoint.IsTerminated(err)),
				zap.Error(err))
		})
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *CollectorService) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxInterval = s.config.MaxBackoff
	eb.MaxElapsedTime = 0
	return backoff.WithContext(eb, s.ctx)
}

// Fence halts the collector from outside and ends the worker. Segments
// not yet collected stay on disk for recovery.
func (s *CollectorService) Fence(err error) {
	s.halt(err)
	s.cancel()
}

func (s *CollectorService) halt(err error) {
	s.errMu.Lock()
	s.haltErr = err
	s.errMu.Unlock()
	s.halted.Store(true)

	s.log.SetCollectorError(err)
	s.metrics.SetCollectorHalted(true)
	s.logger.Error("Collector halted", zap.Error(err))
}

// CollectSegment applies one sealed segment and deletes it. It is safe to
// call again for the same segment after a failure.
func (s *CollectorService) CollectSegment(ctx context.Context, info model.SegmentInfo) error {
	start := time.Now()

	contents, err := segment.ReadFile(info.Path, segment.ReadOptions{Strict: s.config.Strict})
	if err == nil {
		s.logCorruptions(contents)
		err = s.collectParsed(ctx, contents, s.failpoints)
	}
	if err == nil {
		err = s.log.MarkCollected(info)
	}
	s.metrics.RecordCollectorPass(time.Since(start).Seconds(), err)
	if err != nil {
		return err
	}

	s.logger.Debug("Collected segment",
		zap.Uint64("segment_id", info.ID),
		zap.Int("records", len(contents.Records)),
		zap.Uint64("last_seq", contents.LastSeq),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (s *CollectorService) logCorruptions(contents *segment.Contents) {
	for _, c := range contents.Corruptions {
		s.logger.Warn("Skipping corrupt commit log record",
			zap.String("path", contents.Path),
			zap.Int64("offset", c.Offset),
			zap.Error(c.Err))
	}
	if contents.TornTail && contents.Sealed {
		s.logger.Warn("Sealed segment has a torn tail", zap.String("path", contents.Path))
	}
}

// collectParsed applies decoded segment contents collection by collection.
// Recovery calls it with failpoint.Nop.
func (s *CollectorService) collectParsed(ctx context.Context, contents *segment.Contents, fp failpoint.Injector) error {
	groups := contents.Operations()
	ids := make([]uint64, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		coll, ok := s.catalog.getByID(id)
		if !ok {
			s.metrics.CollectorSkippedRecords.Add(float64(len(groups[id])))
			continue
		}
		if err := s.collectCollection(coll, contents.LastSeq, groups[id], fp); err != nil {
			return err
		}
	}
	return nil
}

func (s *CollectorService) collectCollection(coll *Collection, lastSeq uint64, records []segment.Record, fp failpoint.Injector) error {
	if lastSeq <= coll.Watermark() {
		return nil
	}

	coll.maint.Lock()
	defer coll.maint.Unlock()

	if coll.dropped.Load() {
		return nil
	}
	if s.halted.Load() {
		return backoff.Permanent(s.Err())
	}

	for i := range records {
		if err := s.apply(coll, &records[i]); err != nil {
			return err
		}
	}

	if err := s.datafiles.Sync(coll.id); err != nil {
		return err
	}
	if err := fp.Hit(failpoint.CollectorMarkedDone); err != nil {
		return err
	}

	if err := watermark.Write(coll.dir, coll.id, lastSeq); err != nil {
		return err
	}
	coll.setWatermark(lastSeq)
	s.metrics.UpdateWatermark(coll.name, lastSeq)

	return fp.Hit(failpoint.CollectorWatermarked)
}

// apply moves one operation into the datafiles. Every step is safe to
// repeat: a record is skipped once the index holds its sequence or a newer
// one, and tombstoning a dead record is a no-op.
func (s *CollectorService) apply(coll *Collection, rec *segment.Record) error {
	if rec.Sequence <= coll.Watermark() || rec.Sequence <= coll.applied.Load() {
		s.metrics.CollectorSkippedRecords.Inc()
		return nil
	}
	op := rec.Operation()

	cur, exists := coll.entry(op.Key)
	if exists && cur.Sequence >= op.Sequence {
		s.metrics.CollectorSkippedRecords.Inc()
		return nil
	}

	switch op.Type {
	case model.OperationInsert, model.OperationUpdate:
		if exists {
			if err := s.datafiles.MarkDead(coll.id, cur.Location, false); err != nil {
				return err
			}
		}
		loc, err := s.datafiles.AppendDocument(coll.id, datafile.Document{
			Key:      op.Key,
			Revision: op.EffectiveRevision(),
			Sequence: op.Sequence,
			Payload:  op.Payload,
		})
		if err != nil {
			return err
		}
		coll.mu.Lock()
		coll.index.Put(op.Key, indexEntry{Sequence: op.Sequence, Revision: op.EffectiveRevision(), Location: loc})
		coll.clearPendingLocked(op.Key, op.Sequence)
		coll.applied.Store(op.Sequence)
		coll.mu.Unlock()

	case model.OperationRemove:
		if exists {
			if err := s.datafiles.MarkDead(coll.id, cur.Location, true); err != nil {
				return err
			}
		}
		coll.mu.Lock()
		coll.index.Delete(op.Key)
		coll.clearPendingLocked(op.Key, op.Sequence)
		coll.applied.Store(op.Sequence)
		coll.mu.Unlock()

	default:
		return errors.InvariantViolation("unexpected record type in operation group")
	}

	s.metrics.RecordCollectedRecord(op.Type.String())
	return nil
}
