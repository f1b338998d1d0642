package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/failpoint"
	"github.com/devrev/pairdb/docstore/internal/metrics"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/storage/datafile"
	"github.com/devrev/pairdb/docstore/internal/util/workerpool"
	"go.uber.org/zap"
)

// CompactionService rewrites sealed datafiles that are mostly dead. Jobs
// run one at a time on a single-worker pool; a collection never has two
// jobs queued.
type CompactionService struct {
	config     *CompactionConfig
	catalog    *catalog
	datafiles  *DatafileService
	failpoints failpoint.Injector
	logger     *zap.Logger
	metrics    *metrics.Metrics
	pool       *workerpool.WorkerPool

	// onFence is called, with the collection's maint held, when a job fails
	// after its output was promoted
	onFence func(error)
	fenced  atomic.Bool

	wakeCh   chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once

	bytesReclaimed   atomic.Int64
	filesRemoved     atomic.Int64
	compactionErrors atomic.Uint64
}

// CompactionConfig holds compaction configuration
type CompactionConfig struct {
	Interval     time.Duration
	DeadRatio    float64
	MinDeadCount int64
	MaxFiles     int
	QueueSize    int
}

// NewCompactionService creates a new compaction service
func NewCompactionService(
	cfg *CompactionConfig,
	cat *catalog,
	datafiles *DatafileService,
	failpoints failpoint.Injector,
	logger *zap.Logger,
	m *metrics.Metrics,
) *CompactionService {
	if failpoints == nil {
		failpoints = failpoint.Nop{}
	}
	return &CompactionService{
		config:     cfg,
		catalog:    cat,
		datafiles:  datafiles,
		failpoints: failpoints,
		logger:     logger,
		metrics:    m,
		pool: workerpool.NewWorkerPool(&workerpool.Config{
			Name:       "compaction",
			MaxWorkers: 1,
			QueueSize:  cfg.QueueSize,
			Logger:     logger,
		}),
		wakeCh:   make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
}

// OnFence installs the handler that stops the rest of the engine's
// maintenance once a promoted output could not be swapped in
func (s *CompactionService) OnFence(fn func(error)) {
	s.onFence = fn
}

// Fenced reports whether a job left a promoted output behind
func (s *CompactionService) Fenced() bool {
	return s.fenced.Load()
}

// Start launches the scheduler
func (s *CompactionService) Start() {
	s.wg.Add(1)
	go s.compactionScheduler()
}

// Wake asks the scheduler to look for work now
func (s *CompactionService) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Stop stops the scheduler and cancels a running job. A cancelled job
// removes its output and leaves the inputs untouched.
func (s *CompactionService) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		if err := s.pool.Stop(30 * time.Second); err != nil {
			s.logger.Warn("Compaction pool did not stop cleanly", zap.Error(err))
		}
	})
}

// compactionScheduler periodically checks for compaction opportunities
func (s *CompactionService) compactionScheduler() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.checkCompactionNeeded()
		case <-s.wakeCh:
			s.checkCompactionNeeded()
		case <-s.stopChan:
			return
		}
	}
}

func (s *CompactionService) checkCompactionNeeded() {
	if s.fenced.Load() {
		return
	}
	for _, coll := range s.catalog.list() {
		job, err := s.planJob(coll)
		if err != nil {
			s.logger.Debug("Skipping compaction planning",
				zap.String("collection", coll.name),
				zap.Error(err))
			continue
		}
		if job == nil {
			continue
		}

		coll := coll
		submitted := s.pool.TrySubmit(workerpool.Task{
			ID:  job.JobID,
			Key: strconv.FormatUint(coll.id, 10),
			Fn: func(ctx context.Context) error {
				return s.runJob(ctx, coll, job)
			},
		})
		if submitted {
			s.logger.Debug("Compaction job queued",
				zap.String("job_id", job.JobID),
				zap.String("collection", coll.name),
				zap.Uint64s("inputs", job.Inputs))
		}
	}
}

// planJob picks up to MaxFiles eligible sealed datafiles, oldest first. A
// sealed file with no records is always eligible.
func (s *CompactionService) planJob(coll *Collection) (*model.CompactionJob, error) {
	if coll.dropped.Load() {
		return nil, nil
	}
	sealed, err := s.datafiles.Sealed(coll.id)
	if err != nil {
		return nil, err
	}

	var inputs []uint64
	for _, md := range sealed {
		if !s.eligible(md) {
			continue
		}
		inputs = append(inputs, md.ID)
		if len(inputs) >= s.config.MaxFiles {
			break
		}
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	return &model.CompactionJob{
		JobID:        fmt.Sprintf("compact-%d-%d", coll.id, time.Now().UnixNano()),
		CollectionID: coll.id,
		Collection:   coll.name,
		Inputs:       inputs,
		StartedAt:    time.Now(),
		Status:       model.CompactionStatusPending,
	}, nil
}

func (s *CompactionService) eligible(md model.DatafileMetadata) bool {
	if !md.Sealed {
		return false
	}
	if md.Records == 0 {
		return true
	}
	return md.Dead >= s.config.MinDeadCount && md.DeadRatio() >= s.config.DeadRatio
}

// runJob executes a compaction job under the collection's maintenance lock
func (s *CompactionService) runJob(ctx context.Context, coll *Collection, job *model.CompactionJob) error {
	coll.maint.Lock()
	defer coll.maint.Unlock()

	if coll.dropped.Load() || s.fenced.Load() {
		return nil
	}

	inputs := make([]*datafile.File, 0, len(job.Inputs))
	for _, id := range job.Inputs {
		f, err := s.datafiles.File(coll.id, id)
		if err != nil {
			// Replaced by an earlier job since planning.
			return nil
		}
		if !f.Sealed() {
			return errors.ConcurrencyViolation(fmt.Sprintf("compaction input %d is not sealed", id))
		}
		inputs = append(inputs, f)
	}

	job.Status = model.CompactionStatusRunning
	s.logger.Info("Starting compaction",
		zap.String("job_id", job.JobID),
		zap.String("collection", coll.name),
		zap.Uint64s("inputs", job.Inputs))

	copied, reclaimed, err := s.compact(ctx, coll, inputs)
	duration := time.Since(job.StartedAt).Seconds()
	if err != nil {
		job.Status = model.CompactionStatusFailed
		s.compactionErrors.Add(1)
		s.metrics.RecordCompactionJob(string(job.Status), duration, 0, 0, 0)
		return fmt.Errorf("compaction of %s failed: %w", coll.name, err)
	}

	job.Status = model.CompactionStatusCompleted
	s.bytesReclaimed.Add(reclaimed)
	s.filesRemoved.Add(int64(len(inputs)))
	s.metrics.RecordCompactionJob(string(job.Status), duration, len(inputs), copied, reclaimed)

	s.logger.Info("Compaction completed",
		zap.String("job_id", job.JobID),
		zap.String("collection", coll.name),
		zap.Int("inputs", len(inputs)),
		zap.Int64("records_copied", copied),
		zap.Int64("bytes_reclaimed", reclaimed),
		zap.Float64("duration_seconds", duration))
	return nil
}

type remap struct {
	from model.Location
	to   model.Location
}

// compact copies the records the index still points at into a new
// datafile and swaps it in for the inputs. A record is copied even if its
// tombstone is set, as long as the index refers to it.
func (s *CompactionService) compact(ctx context.Context, coll *Collection, inputs []*datafile.File) (int64, int64, error) {
	ids := make([]uint64, len(inputs))
	var inputSize int64
	for i, f := range inputs {
		ids[i] = f.ID()
		inputSize += f.Size()
	}

	var out *datafile.File
	moves := make(map[string]remap)
	abort := func(err error) (int64, int64, error) {
		if out != nil {
			out.Remove()
		}
		return 0, 0, err
	}

	for _, f := range inputs {
		fid := f.ID()
		err := f.Scan(func(r *datafile.Record) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			from := model.Location{DatafileID: fid, Offset: r.Offset}
			if e, ok := coll.entry(r.Key); !ok || e.Location != from {
				return nil
			}
			if out == nil {
				var err error
				if out, err = s.datafiles.CreateCompactionOutput(coll.id, ids); err != nil {
					return err
				}
			}
			off, err := out.Append(r.Document())
			if err != nil {
				return err
			}
			moves[r.Key] = remap{from: from, to: model.Location{DatafileID: out.ID(), Offset: off}}
			return nil
		})
		if err != nil {
			return abort(err)
		}
	}

	if out == nil {
		if err := s.datafiles.Replace(coll.id, ids, nil, nil); err != nil {
			return 0, 0, err
		}
		return 0, inputSize, nil
	}

	if err := out.Seal(); err != nil {
		return abort(err)
	}
	if err := s.failpoints.Hit(failpoint.CompactorWritten); err != nil {
		out.Close()
		return 0, 0, err
	}
	if err := out.Promote(); err != nil {
		return abort(err)
	}
	if err := s.failpoints.Hit(failpoint.CompactorRenamed); err != nil {
		out.Close()
		return 0, 0, s.fence(coll, out, err)
	}

	err := s.datafiles.Replace(coll.id, ids, out, func() {
		coll.mu.Lock()
		defer coll.mu.Unlock()
		for key, m := range moves {
			if e, ok := coll.index.Get(key); ok && e.Location == m.from {
				e.Location = m.to
				coll.index.Put(key, e)
			}
		}
	})
	if err != nil {
		return 0, 0, s.fence(coll, out, err)
	}
	return int64(len(moves)), inputSize - out.Size(), nil
}

// fence handles a job that stopped after its output took a final name. The
// output claims to replace the inputs, so recovery will swap it in, but the
// inputs are still the live files here. Any later tombstone would land in
// the inputs and be lost to that swap. The collection must not change on
// disk again until a restart reconciles it.
func (s *CompactionService) fence(coll *Collection, out *datafile.File, cause error) error {
	err := errors.InternalError(fmt.Sprintf("compaction output %s of %s promoted but not swapped in",
		out.Path(), coll.name), cause)
	if !s.fenced.Swap(true) {
		s.logger.Error("Stopping maintenance until restart",
			zap.String("collection", coll.name),
			zap.Uint64("output", out.ID()),
			zap.Uint64s("replaces", out.Replaces()),
			zap.Error(cause))
		if s.onFence != nil {
			s.onFence(err)
		}
	}
	return err
}

// Stats returns counters accumulated since start
func (s *CompactionService) Stats() (bytesReclaimed, filesRemoved int64, failures uint64) {
	return s.bytesReclaimed.Load(), s.filesRemoved.Load(), s.compactionErrors.Load()
}
