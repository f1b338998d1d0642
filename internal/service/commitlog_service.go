package service

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/metrics"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/storage/diskmanager"
	"github.com/devrev/pairdb/docstore/internal/storage/segment"
	"github.com/devrev/pairdb/docstore/internal/util"
	"github.com/devrev/pairdb/docstore/internal/validation"
	"go.uber.org/zap"
)

// CommitLogService is the write-ahead log. Appends are ordered by a short
// critical section that assigns the sequence number and copies the frame
// into a buffer; file I/O happens under a separate lock.
type CommitLogService struct {
	config  *CommitLogConfig
	dataDir string
	logger  *zap.Logger
	metrics *metrics.Metrics
	disk    *diskmanager.DiskManager

	// mu orders appends
	mu       sync.Mutex
	nextSeq  uint64
	buf      []byte
	bufFirst uint64
	bufLast  uint64
	bufCount int

	// ioMu guards the active segment
	ioMu          sync.Mutex
	active        *segment.Writer
	nextSegmentID uint64
	writeErr      error
	broken        atomic.Bool
	closing       atomic.Bool

	// stateMu guards the sealed queue and collector progress
	stateMu       sync.Mutex
	stateCond     *sync.Cond
	sealed        []model.SegmentInfo
	lastSealedID  uint64
	collectedUpTo uint64
	collectorErr  error
	closed        bool

	sealedCh chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// CommitLogConfig holds commit log configuration
type CommitLogConfig struct {
	SegmentSize  int64
	MaxAge       time.Duration
	SyncInterval time.Duration
	BufferSize   int
}

// LogState is where the log continues after recovery
type LogState struct {
	NextSequence  uint64
	NextSegmentID uint64
}

// FlushOptions select how far Flush goes
type FlushOptions struct {
	// ForceSync makes everything appended so far durable.
	ForceSync bool
	// WaitForCollector blocks until every segment sealed by this call has
	// been collected.
	WaitForCollector bool
	// WriteMarker appends a clean-shutdown marker before sealing.
	WriteMarker bool
}

// NewCommitLogService creates the log. Segments are created lazily on the
// first write.
func NewCommitLogService(
	cfg *CommitLogConfig,
	dataDir string,
	state LogState,
	disk *diskmanager.DiskManager,
	logger *zap.Logger,
	m *metrics.Metrics,
) (*CommitLogService, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	if state.NextSequence == 0 {
		state.NextSequence = 1
	}
	if state.NextSegmentID == 0 {
		state.NextSegmentID = 1
	}

	s := &CommitLogService{
		config:        cfg,
		dataDir:       dataDir,
		logger:        logger,
		metrics:       m,
		disk:          disk,
		nextSeq:       state.NextSequence,
		nextSegmentID: state.NextSegmentID,
		sealedCh:      make(chan struct{}, 1),
		stopChan:      make(chan struct{}),
	}
	s.stateCond = sync.NewCond(&s.stateMu)

	s.wg.Add(1)
	go s.rotationChecker()

	logger.Info("Commit log opened",
		zap.String("dir", dataDir),
		zap.Uint64("next_sequence", state.NextSequence),
		zap.Uint64("next_segment_id", state.NextSegmentID))

	return s, nil
}

// Append logs an operation and returns its sequence number. The operation
// is durable only after a Flush with ForceSync or a background sync.
func (s *CommitLogService) Append(ctx context.Context, op *model.Operation) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.closing.Load() {
		return 0, errors.Closed("commit log")
	}
	if s.broken.Load() {
		return 0, s.stickyError()
	}
	if s.disk != nil {
		if err := s.disk.CheckBeforeWrite(validation.EstimateWriteSize(op)); err != nil {
			return 0, err
		}
	}

	body := segment.EncodeBody(op)
	partial := segment.BodyChecksum(body)

	s.mu.Lock()
	seq := s.nextSeq
	s.nextSeq++
	op.Sequence = seq
	before := len(s.buf)
	s.buf = segment.AppendFrame(s.buf, seq, body, partial)
	if s.bufCount == 0 {
		s.bufFirst = seq
	}
	s.bufLast = seq
	s.bufCount++
	frameSize := len(s.buf) - before
	full := len(s.buf) >= s.config.BufferSize
	s.mu.Unlock()

	s.metrics.RecordWALAppend(frameSize)

	if full {
		s.ioMu.Lock()
		err := s.writeBufferLocked()
		s.ioMu.Unlock()
		if err != nil {
			return 0, errors.NotCommitted("failed to write commit log", err)
		}
	}
	return seq, nil
}

// Flush writes buffered frames and, depending on opts, fsyncs, writes a
// shutdown marker, seals the active segment and waits for the collector.
// Any requested step seals the active segment; sealing always fsyncs.
func (s *CommitLogService) Flush(opts FlushOptions) error {
	s.ioMu.Lock()
	err := s.writeBufferLocked()
	if err == nil && opts.WriteMarker {
		err = s.writeMarkerLocked()
	}
	if err == nil && (opts.ForceSync || opts.WaitForCollector || opts.WriteMarker) {
		err = s.sealLocked()
	}
	s.stateMu.Lock()
	target := s.lastSealedID
	s.stateMu.Unlock()
	s.ioMu.Unlock()

	if err != nil {
		return errors.NotCommitted("commit log flush failed", err)
	}
	if opts.WaitForCollector {
		return s.waitCollected(target)
	}
	return nil
}

// waitCollected blocks until segment id target has been collected. There
// is no timeout; the wait ends when the collector halts or the log closes.
func (s *CommitLogService) waitCollected(target uint64) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	for s.collectedUpTo < target && s.collectorErr == nil && !s.closed {
		s.stateCond.Wait()
	}
	if s.collectedUpTo >= target {
		return nil
	}
	if s.collectorErr != nil {
		return errors.NotCommitted("collector halted", s.collectorErr)
	}
	return errors.Closed("commit log")
}

// writeBufferLocked moves buffered frames into the active segment. Caller
// holds ioMu, which keeps frames in sequence order on disk.
func (s *CommitLogService) writeBufferLocked() error {
	if s.writeErr != nil {
		return s.writeErr
	}

	s.mu.Lock()
	if s.bufCount == 0 {
		s.mu.Unlock()
		return nil
	}
	frames, first, last, count := s.buf, s.bufFirst, s.bufLast, s.bufCount
	s.buf = make([]byte, 0, s.config.BufferSize)
	s.bufCount = 0
	s.mu.Unlock()

	if err := s.ensureActiveLocked(); err != nil {
		return s.fail(err)
	}
	if err := s.active.Append(frames, first, last, count); err != nil {
		return s.fail(err)
	}
	if s.active.Size() >= s.config.SegmentSize {
		s.logger.Info("Rotating commit log due to size",
			zap.Uint64("segment_id", s.active.ID()),
			zap.Int64("size", s.active.Size()),
			zap.Int64("threshold", s.config.SegmentSize))
		return s.sealLocked()
	}
	return nil
}

func (s *CommitLogService) ensureActiveLocked() error {
	if s.active != nil {
		return nil
	}
	w, err := segment.Create(s.dataDir, s.nextSegmentID)
	if err != nil {
		return err
	}
	s.nextSegmentID++
	s.active = w
	s.logger.Debug("Opened new commit log segment", zap.Uint64("segment_id", w.ID()))
	return nil
}

func (s *CommitLogService) writeMarkerLocked() error {
	if err := s.ensureActiveLocked(); err != nil {
		return s.fail(err)
	}
	if err := s.active.WriteShutdown(); err != nil {
		return s.fail(err)
	}
	return nil
}

// sealLocked seals the active segment and hands it to the collector
func (s *CommitLogService) sealLocked() error {
	if s.writeErr != nil {
		return s.writeErr
	}
	if s.active == nil || s.active.Empty() {
		return nil
	}

	start := time.Now()
	info, err := s.active.Seal()
	if err != nil {
		return s.fail(err)
	}
	s.active = nil
	s.metrics.RecordWALSync(time.Since(start).Seconds())

	s.stateMu.Lock()
	s.sealed = append(s.sealed, info)
	s.lastSealedID = info.ID
	pending := len(s.sealed)
	s.stateMu.Unlock()
	s.metrics.RecordWALSeal(pending)

	select {
	case s.sealedCh <- struct{}{}:
	default:
	}

	s.logger.Debug("Sealed commit log segment",
		zap.Uint64("segment_id", info.ID),
		zap.Uint64("first_seq", info.FirstSeq),
		zap.Uint64("last_seq", info.LastSeq),
		zap.Int("records", info.Records))
	return nil
}

// fail makes a write error sticky. Once a frame may be missing from the
// segment, later frames can no longer be acknowledged.
func (s *CommitLogService) fail(err error) error {
	if s.writeErr == nil {
		s.writeErr = err
		s.broken.Store(true)
		s.metrics.WALWriteErrorsTotal.Inc()
		s.logger.Error("Commit log write failed, refusing further appends", zap.Error(err))
	}
	return s.writeErr
}

func (s *CommitLogService) stickyError() error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return errors.NotCommitted("commit log is failed", s.writeErr)
}

// syncLocked writes the buffer and fsyncs the active segment
func (s *CommitLogService) syncLocked() error {
	if err := s.writeBufferLocked(); err != nil {
		return err
	}
	if s.active == nil {
		return nil
	}
	start := time.Now()
	if err := s.active.Sync(); err != nil {
		return s.fail(err)
	}
	s.metrics.RecordWALSync(time.Since(start).Seconds())
	return nil
}

// rotationChecker periodically syncs the buffer and seals segments that
// exceeded their maximum age
func (s *CommitLogService) rotationChecker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.checkRotation()
		case <-s.stopChan:
			return
		}
	}
}

func (s *CommitLogService) checkRotation() {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if s.writeErr != nil {
		return
	}
	if err := s.syncLocked(); err != nil {
		return
	}
	if s.active != nil && !s.active.Empty() && s.config.MaxAge > 0 && s.active.Age() >= s.config.MaxAge {
		s.logger.Debug("Rotating commit log due to age",
			zap.Uint64("segment_id", s.active.ID()),
			zap.Duration("age", s.active.Age()))
		if err := s.sealLocked(); err != nil {
			s.logger.Error("Failed to rotate commit log", zap.Error(err))
		}
	}
}

// SealedNotify fires after a segment has been sealed
func (s *CommitLogService) SealedNotify() <-chan struct{} {
	return s.sealedCh
}

// Sealed returns the sealed, not yet collected segments oldest first
func (s *CommitLogService) Sealed() []model.SegmentInfo {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return append([]model.SegmentInfo(nil), s.sealed...)
}

// MarkCollected deletes a collected segment and wakes flush waiters.
// Segments are collected strictly in id order.
func (s *CommitLogService) MarkCollected(info model.SegmentInfo) error {
	if err := util.RemoveFile(info.Path); err != nil {
		return errors.TransientIO("failed to remove collected segment", err).
			WithDetail("segment_id", info.ID)
	}

	s.stateMu.Lock()
	for i, seg := range s.sealed {
		if seg.ID == info.ID {
			s.sealed = append(s.sealed[:i], s.sealed[i+1:]...)
			break
		}
	}
	if info.ID > s.collectedUpTo {
		s.collectedUpTo = info.ID
	}
	pending := len(s.sealed)
	s.stateCond.Broadcast()
	s.stateMu.Unlock()

	s.metrics.WALSealedSegments.Set(float64(pending))
	return nil
}

// SetCollectorError records that the collector halted; flush waiters
// return with the error.
func (s *CommitLogService) SetCollectorError(err error) {
	s.stateMu.Lock()
	s.collectorErr = err
	s.stateCond.Broadcast()
	s.stateMu.Unlock()
}

// CollectorError returns the error that halted the collector, if any
func (s *CommitLogService) CollectorError() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.collectorErr
}

// NextSequence returns the sequence number the next append receives
func (s *CommitLogService) NextSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}

// Close flushes and seals the active segment. With writeMarker the sealed
// segment carries a clean-shutdown marker.
func (s *CommitLogService) Close(writeMarker bool) error {
	s.stop()

	s.ioMu.Lock()
	err := s.writeBufferLocked()
	if err == nil && writeMarker {
		err = s.writeMarkerLocked()
	}
	if err == nil {
		err = s.sealLocked()
	}
	if s.active != nil {
		s.active.Close()
		s.active = nil
	}
	s.ioMu.Unlock()

	s.markClosed()
	s.logger.Info("Commit log closed", zap.Bool("shutdown_marker", writeMarker))
	return err
}

func (s *CommitLogService) stop() {
	s.closing.Store(true)
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	s.wg.Wait()
}

func (s *CommitLogService) markClosed() {
	s.stateMu.Lock()
	s.closed = true
	s.stateCond.Broadcast()
	s.stateMu.Unlock()
}
