package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/failpoint"
	"github.com/devrev/pairdb/docstore/internal/metrics"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/storage/datafile"
	"github.com/devrev/pairdb/docstore/internal/storage/segment"
	"github.com/devrev/pairdb/docstore/internal/storage/watermark"
	"github.com/devrev/pairdb/docstore/internal/util"
	"go.uber.org/zap"
)

const corruptSegmentSuffix = ".corrupt"

// RecoveryConfig holds recovery configuration
type RecoveryConfig struct {
	JournalDir string
	// Strict turns every skipped corrupt record into a startup failure.
	Strict bool
}

// RecoveryService brings the on-disk state back to a consistent point
// before the engine accepts traffic. It runs once, single-threaded:
//
//  1. finish or discard interrupted compactions
//  2. open datafiles and read watermarks
//  3. rebuild each index from the datafiles, retiring records the
//     watermark does not cover
//  4. replay uncollected segments through the collector
//  5. delete every segment and report where the log continues
type RecoveryService struct {
	config    *RecoveryConfig
	catalog   *catalog
	datafiles *DatafileService
	collector *CollectorService
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewRecoveryService creates a recovery service
func NewRecoveryService(
	cfg *RecoveryConfig,
	cat *catalog,
	datafiles *DatafileService,
	collector *CollectorService,
	logger *zap.Logger,
	m *metrics.Metrics,
) *RecoveryService {
	return &RecoveryService{
		config:    cfg,
		catalog:   cat,
		datafiles: datafiles,
		collector: collector,
		logger:    logger,
		metrics:   m,
	}
}

// Run performs recovery for the collections the catalog loaded
func (s *RecoveryService) Run(ctx context.Context, params []collectionParameters, dropped int) (*model.RecoveryReport, error) {
	start := time.Now()
	report := &model.RecoveryReport{
		Collections:        len(params),
		DroppedCollections: dropped,
	}
	s.logger.Info("Starting recovery",
		zap.Int("collections", len(params)),
		zap.Bool("strict", s.config.Strict))

	colls := make([]*Collection, 0, len(params))
	for _, p := range params {
		coll, err := s.openCollection(p, report)
		if err != nil {
			return nil, fmt.Errorf("recovery of collection %d (%s): %w", p.ID, p.Name, err)
		}
		s.catalog.register(coll)
		colls = append(colls, coll)
	}

	entries, err := segment.List(s.config.JournalDir)
	if err != nil {
		return nil, errors.TransientIO("failed to list commit log", err)
	}
	segments, lost, err := s.readSegments(entries, report)
	if err != nil {
		return nil, err
	}

	var maxSeq, maxSegSeq uint64
	for _, c := range segments {
		if c.LastSeq > maxSegSeq {
			maxSegSeq = c.LastSeq
		}
	}
	maxSeq = maxSegSeq

	for _, coll := range colls {
		seen, err := s.rebuildIndex(coll, maxSegSeq, lost, report)
		if err != nil {
			return nil, fmt.Errorf("recovery of collection %s: %w", coll.name, err)
		}
		if seen > maxSeq {
			maxSeq = seen
		}
		if wm := coll.Watermark(); wm > maxSeq {
			maxSeq = wm
		}
	}

	if err := s.replay(ctx, segments, report); err != nil {
		return nil, err
	}

	for _, e := range entries {
		if err := util.RemoveFile(e.Path); err != nil {
			return nil, errors.TransientIO("failed to remove replayed segment", err).WithDetail("path", e.Path)
		}
	}
	if len(entries) > 0 {
		if err := util.SyncDir(s.config.JournalDir); err != nil {
			return nil, errors.TransientIO("failed to sync journal directory", err)
		}
		report.NextSegmentID = entries[len(entries)-1].ID + 1
	} else {
		report.NextSegmentID = 1
	}
	if n := len(segments); n > 0 && segments[n-1].Shutdown {
		report.CleanShutdown = true
	}
	report.NextSequence = maxSeq + 1
	report.Duration = time.Since(start)

	s.metrics.RecordRecovery(report.Duration.Seconds(), report.SegmentsReplayed, report.RecordsReplayed,
		report.Corruptions, report.StaleRecordsRetired)
	s.logger.Info("Recovery completed",
		zap.Int("collections", report.Collections),
		zap.Int("segments_scanned", report.SegmentsScanned),
		zap.Int("segments_replayed", report.SegmentsReplayed),
		zap.Int("segments_discarded", report.SegmentsDiscarded),
		zap.Int("records_replayed", report.RecordsReplayed),
		zap.Int("corruptions", report.Corruptions),
		zap.Int("orphaned_compactions", report.OrphanedCompactions),
		zap.Int("completed_swaps", report.CompletedSwaps),
		zap.Int("stale_records_retired", report.StaleRecordsRetired),
		zap.Bool("clean_shutdown", report.CleanShutdown),
		zap.Uint64("next_sequence", report.NextSequence),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// openCollection reconciles interrupted compactions, opens the datafiles
// and reads the watermark of one collection
func (s *RecoveryService) openCollection(p collectionParameters, report *model.RecoveryReport) (*Collection, error) {
	dir := s.catalog.dirOf(p.ID)
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.TransientIO("failed to list collection directory", err).WithDetail("dir", dir)
	}

	files := make(map[uint64]*datafile.File)
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}
	changed := false

	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		id, compacting, ok := datafile.ParseFileName(de.Name())
		if !ok {
			continue
		}
		s.datafiles.SetNextID(id + 1)
		path := filepath.Join(dir, de.Name())

		if compacting {
			s.logger.Warn("Discarding interrupted compaction output",
				zap.String("collection", p.Name),
				zap.String("path", path))
			if err := util.RemoveFile(path); err != nil {
				closeAll()
				return nil, errors.TransientIO("failed to remove compaction output", err)
			}
			report.OrphanedCompactions++
			changed = true
			continue
		}

		f, openReport, err := datafile.Open(path, s.datafiles.Options())
		if err != nil {
			closeAll()
			return nil, err
		}
		if f.CollectionID() != p.ID {
			f.Close()
			closeAll()
			return nil, errors.InvariantViolation(fmt.Sprintf("datafile %s belongs to collection %d, not %d",
				path, f.CollectionID(), p.ID))
		}
		if openReport.Corruptions > 0 || openReport.TruncatedFrom > 0 {
			s.logger.Warn("Repaired datafile",
				zap.String("path", path),
				zap.Int("corruptions", openReport.Corruptions),
				zap.Int64("truncated_from", openReport.TruncatedFrom))
		}
		report.Corruptions += openReport.Corruptions
		files[f.ID()] = f
	}

	// A promoted compaction output whose inputs still exist was swapped in
	// on disk but not yet cleaned up.
	ids := sortedIDs(files)
	for _, id := range ids {
		f, ok := files[id]
		if !ok || len(f.Replaces()) == 0 {
			continue
		}
		if !f.Sealed() {
			closeAll()
			return nil, errors.InvariantViolation(fmt.Sprintf("compaction output %s is not sealed", f.Path()))
		}
		finished := false
		for _, rid := range f.Replaces() {
			input, ok := files[rid]
			if !ok {
				continue
			}
			if err := input.Remove(); err != nil {
				closeAll()
				return nil, err
			}
			delete(files, rid)
			finished = true
		}
		if finished {
			s.logger.Info("Finished interrupted compaction swap",
				zap.String("collection", p.Name),
				zap.Uint64("output", id),
				zap.Uint64s("replaces", f.Replaces()))
			report.CompletedSwaps++
			changed = true
		}
	}
	if changed {
		if err := util.SyncDir(dir); err != nil {
			closeAll()
			return nil, errors.TransientIO("failed to sync collection directory", err)
		}
	}

	// Only the newest datafile may stay active.
	ids = sortedIDs(files)
	opened := make([]*datafile.File, 0, len(ids))
	for i, id := range ids {
		f := files[id]
		if i < len(ids)-1 && !f.Sealed() {
			if err := f.Seal(); err != nil {
				closeAll()
				return nil, err
			}
		}
		opened = append(opened, f)
	}

	wm, err := watermark.Read(dir, p.ID)
	if err != nil {
		closeAll()
		return nil, err
	}

	coll := newCollection(p, dir, s.datafiles)
	coll.setWatermark(wm)
	if err := s.datafiles.Attach(p.ID, dir, opened); err != nil {
		closeAll()
		return nil, err
	}
	s.metrics.UpdateWatermark(p.Name, wm)
	return coll, nil
}

func sortedIDs(files map[uint64]*datafile.File) []uint64 {
	ids := make([]uint64, 0, len(files))
	for id := range files {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// readSegments decodes every segment. lost is set when a segment could
// not be read at all, which weakens the datafile-ahead-of-log check.
func (s *RecoveryService) readSegments(entries []segment.Entry, report *model.RecoveryReport) ([]*segment.Contents, bool, error) {
	var out []*segment.Contents
	lost := false
	for i, e := range entries {
		report.SegmentsScanned++
		c, err := segment.ReadFile(e.Path, segment.ReadOptions{Strict: s.config.Strict})
		if err != nil {
			if s.config.Strict || !errors.IsCode(err, errors.ErrCodeCorruption) {
				return nil, false, err
			}
			s.logger.Warn("Skipping unreadable commit log segment",
				zap.String("path", e.Path),
				zap.Error(err))
			report.Corruptions++
			lost = true
			if err := os.Rename(e.Path, e.Path+corruptSegmentSuffix); err != nil {
				return nil, false, errors.TransientIO("failed to set aside corrupt segment", err)
			}
			continue
		}
		for _, corr := range c.Corruptions {
			s.logger.Warn("Skipping corrupt commit log record",
				zap.String("path", e.Path),
				zap.Int64("offset", corr.Offset),
				zap.Error(corr.Err))
		}
		report.Corruptions += len(c.Corruptions)

		// The log opens a segment only after sealing the previous one, so
		// only the newest segment may lack a seal.
		if !c.Sealed && i < len(entries)-1 {
			err := errors.Corruption(fmt.Sprintf("segment %d is not sealed but is followed by segment %d",
				e.ID, entries[i+1].ID), nil).WithDetail("path", e.Path)
			if s.config.Strict {
				return nil, false, err
			}
			s.logger.Warn("Commit log segment lost its tail",
				zap.String("path", e.Path),
				zap.Bool("torn", c.TornTail),
				zap.Int64("valid_size", c.ValidSize),
				zap.Uint64("last_seq", c.LastSeq),
				zap.Error(err))
			report.Corruptions++
		} else if c.TornTail {
			s.logger.Info("Commit log segment ends in a torn write",
				zap.String("path", e.Path),
				zap.Bool("sealed", c.Sealed),
				zap.Int64("valid_size", c.ValidSize))
		}
		out = append(out, c)
	}
	return out, lost, nil
}

type rebuildCandidate struct {
	sequence uint64
	revision uint64
	location model.Location
	dead     bool
}

// rebuildIndex loads the index of a collection from its datafiles and
// returns the highest sequence seen. Records newer than the watermark are
// retired since replay re-creates them. Among the rest the highest sequence
// wins per key and a live record beats a dead one of the same sequence;
// losing live records are retired.
func (s *RecoveryService) rebuildIndex(coll *Collection, logLimit uint64, segmentsLost bool, report *model.RecoveryReport) (uint64, error) {
	wm := coll.Watermark()
	limit := wm
	if logLimit > limit {
		limit = logLimit
	}

	files, err := s.datafiles.Files(coll.id)
	if err != nil {
		return 0, err
	}

	best := make(map[string]rebuildCandidate)
	var retire []model.Location
	var maxSeq uint64

	for _, f := range files {
		fid := f.ID()
		err := f.Scan(func(r *datafile.Record) error {
			if r.Sequence > maxSeq {
				maxSeq = r.Sequence
			}
			c := rebuildCandidate{
				sequence: r.Sequence,
				revision: r.Revision,
				location: model.Location{DatafileID: fid, Offset: r.Offset},
				dead:     r.Dead,
			}
			if r.Sequence > wm {
				if r.Sequence > limit && !segmentsLost {
					return errors.InvariantViolation(fmt.Sprintf(
						"datafile %d holds sequence %d beyond watermark %d and the commit log", fid, r.Sequence, wm))
				}
				if !c.dead {
					retire = append(retire, c.location)
				}
				return nil
			}

			cur, ok := best[r.Key]
			switch {
			case !ok:
				best[r.Key] = c
			case c.sequence > cur.sequence || (c.sequence == cur.sequence && cur.dead && !c.dead):
				if !cur.dead {
					retire = append(retire, cur.location)
				}
				best[r.Key] = c
			case !c.dead:
				retire = append(retire, c.location)
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}

	for _, loc := range retire {
		if err := s.datafiles.MarkDead(coll.id, loc, false); err != nil {
			return 0, err
		}
	}
	if len(retire) > 0 {
		if err := s.datafiles.Sync(coll.id); err != nil {
			return 0, err
		}
		s.logger.Info("Retired stale datafile records",
			zap.String("collection", coll.name),
			zap.Int("records", len(retire)),
			zap.Uint64("watermark", wm))
	}
	report.StaleRecordsRetired += len(retire)

	coll.mu.Lock()
	for key, c := range best {
		if !c.dead {
			coll.index.Put(key, indexEntry{Sequence: c.sequence, Revision: c.revision, Location: c.location})
		}
	}
	coll.mu.Unlock()

	return maxSeq, nil
}

// replay collects every segment that holds operations beyond the watermark
// of a live collection, oldest first
func (s *RecoveryService) replay(ctx context.Context, segments []*segment.Contents, report *model.RecoveryReport) error {
	for _, c := range segments {
		pending := 0
		for id, records := range c.Operations() {
			coll, ok := s.catalog.getByID(id)
			if !ok {
				report.RecordsSkipped += len(records)
				continue
			}
			wm := coll.Watermark()
			for _, rec := range records {
				if rec.Sequence > wm {
					pending++
				} else {
					report.RecordsSkipped++
				}
			}
		}
		if pending == 0 {
			report.SegmentsDiscarded++
			continue
		}

		if err := s.collector.collectParsed(ctx, c, failpoint.Nop{}); err != nil {
			return fmt.Errorf("replay of %s: %w", c.Path, err)
		}
		report.SegmentsReplayed++
		report.RecordsReplayed += pending
		s.logger.Debug("Replayed commit log segment",
			zap.String("path", c.Path),
			zap.Int("records", pending))
	}
	return nil
}
