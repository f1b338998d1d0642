package service

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/metrics"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/storage/datafile"
	"github.com/devrev/pairdb/docstore/internal/util"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DatafileConfig holds datafile configuration
type DatafileConfig struct {
	MaxSize            int64
	Compression        datafile.Codec
	CompressionMinSize int
}

// DatafileService owns the datafiles of every collection. Files are kept in
// a per-collection arena keyed by id; the index refers to them only through
// model.Location.
type DatafileService struct {
	config  *DatafileConfig
	opts    datafile.Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu          sync.RWMutex
	collections map[uint64]*arena
	nextID      atomic.Uint64
}

type arena struct {
	id  uint64
	dir string

	mu     sync.RWMutex
	files  map[uint64]*datafile.File
	active *datafile.File

	dirtyMu sync.Mutex
	dirty   map[uint64]*datafile.File
}

// NewDatafileService creates an empty datafile service. nextID is the first
// datafile id handed out.
func NewDatafileService(cfg *DatafileConfig, nextID uint64, strict bool, logger *zap.Logger, m *metrics.Metrics) *DatafileService {
	if nextID == 0 {
		nextID = 1
	}
	s := &DatafileService{
		config: cfg,
		opts: datafile.Options{
			Compression:        cfg.Compression,
			CompressionMinSize: cfg.CompressionMinSize,
			Strict:             strict,
		},
		logger:      logger,
		metrics:     m,
		collections: make(map[uint64]*arena),
	}
	s.nextID.Store(nextID)
	return s
}

// Options returns the encoding options new and reopened files use
func (s *DatafileService) Options() datafile.Options {
	return s.opts
}

// SetNextID raises the next datafile id to at least id
func (s *DatafileService) SetNextID(id uint64) {
	for {
		cur := s.nextID.Load()
		if cur >= id || s.nextID.CompareAndSwap(cur, id) {
			return
		}
	}
}

// Attach registers a collection and the datafiles recovery opened for it.
// At most one of files may be unsealed; it becomes the active datafile.
func (s *DatafileService) Attach(collectionID uint64, dir string, files []*datafile.File) error {
	a := &arena{
		id:    collectionID,
		dir:   dir,
		files: make(map[uint64]*datafile.File, len(files)),
		dirty: make(map[uint64]*datafile.File),
	}
	for _, f := range files {
		if f.CollectionID() != collectionID {
			return errors.InvariantViolation(fmt.Sprintf("datafile %d belongs to collection %d, not %d",
				f.ID(), f.CollectionID(), collectionID))
		}
		a.files[f.ID()] = f
		if !f.Sealed() {
			if a.active != nil {
				return errors.InvariantViolation(fmt.Sprintf("collection %d has two active datafiles", collectionID))
			}
			a.active = f
		}
		s.SetNextID(f.ID() + 1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[collectionID]; ok {
		return errors.InvariantViolation(fmt.Sprintf("collection %d attached twice", collectionID))
	}
	s.collections[collectionID] = a
	return nil
}

func (s *DatafileService) arena(collectionID uint64) (*arena, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.collections[collectionID]
	if !ok {
		return nil, errors.CollectionNotFound(fmt.Sprintf("id %d", collectionID))
	}
	return a, nil
}

func (a *arena) file(id uint64) (*datafile.File, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	f, ok := a.files[id]
	if !ok {
		return nil, errors.InvariantViolation(fmt.Sprintf("datafile %d not found in collection %d", id, a.id))
	}
	return f, nil
}

func (a *arena) markDirty(f *datafile.File) {
	a.dirtyMu.Lock()
	a.dirty[f.ID()] = f
	a.dirtyMu.Unlock()
}

// AppendDocument appends a document to the active datafile, creating or
// rotating it as needed. Only the collector calls this, under the
// collection's maintenance lock.
func (s *DatafileService) AppendDocument(collectionID uint64, doc datafile.Document) (model.Location, error) {
	a, err := s.arena(collectionID)
	if err != nil {
		return model.Location{}, err
	}

	a.mu.Lock()
	if a.active != nil && a.active.Size() >= s.config.MaxSize {
		if err := s.sealActiveLocked(a); err != nil {
			a.mu.Unlock()
			return model.Location{}, err
		}
	}
	if a.active == nil {
		f, err := datafile.Create(a.dir, datafile.Header{ID: s.nextID.Add(1) - 1, CollectionID: collectionID}, s.opts, false)
		if err != nil {
			a.mu.Unlock()
			return model.Location{}, err
		}
		a.files[f.ID()] = f
		a.active = f
		s.logger.Debug("Created datafile",
			zap.Uint64("collection_id", collectionID),
			zap.Uint64("datafile_id", f.ID()))
	}
	active := a.active
	a.mu.Unlock()

	off, err := active.Append(doc)
	if err != nil {
		return model.Location{}, err
	}
	a.markDirty(active)
	s.metrics.DatafileAppendsTotal.Inc()
	return model.Location{DatafileID: active.ID(), Offset: off}, nil
}

// MarkDead flips the tombstone of the record at loc. Marking a dead record
// again is a no-op.
func (s *DatafileService) MarkDead(collectionID uint64, loc model.Location, deletion bool) error {
	a, err := s.arena(collectionID)
	if err != nil {
		return err
	}
	f, err := a.file(loc.DatafileID)
	if err != nil {
		return err
	}
	changed, err := f.MarkDead(loc.Offset, deletion)
	if err != nil {
		return err
	}
	if changed {
		a.markDirty(f)
		s.metrics.RecordTombstone(deletion)
	}
	return nil
}

// Read returns the record stored at loc
func (s *DatafileService) Read(collectionID uint64, loc model.Location) (*datafile.Record, error) {
	a, err := s.arena(collectionID)
	if err != nil {
		return nil, err
	}
	f, err := a.file(loc.DatafileID)
	if err != nil {
		return nil, err
	}
	return f.Read(loc.Offset)
}

// File returns a datafile of a collection
func (s *DatafileService) File(collectionID, id uint64) (*datafile.File, error) {
	a, err := s.arena(collectionID)
	if err != nil {
		return nil, err
	}
	return a.file(id)
}

// Files returns the datafiles of a collection ordered by id
func (s *DatafileService) Files(collectionID uint64) ([]*datafile.File, error) {
	a, err := s.arena(collectionID)
	if err != nil {
		return nil, err
	}
	a.mu.RLock()
	files := make([]*datafile.File, 0, len(a.files))
	for _, f := range a.files {
		files = append(files, f)
	}
	a.mu.RUnlock()
	sort.Slice(files, func(i, j int) bool { return files[i].ID() < files[j].ID() })
	return files, nil
}

// Sync fsyncs every datafile touched since the last Sync, in parallel
func (s *DatafileService) Sync(collectionID uint64) error {
	a, err := s.arena(collectionID)
	if err != nil {
		return err
	}

	a.dirtyMu.Lock()
	files := make([]*datafile.File, 0, len(a.dirty))
	for _, f := range a.dirty {
		files = append(files, f)
	}
	a.dirty = make(map[uint64]*datafile.File)
	a.dirtyMu.Unlock()

	if len(files) == 0 {
		return nil
	}

	start := time.Now()
	failed := make([]bool, len(files))
	var g errgroup.Group
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			if err := f.Sync(); err != nil {
				failed[i] = true
				return err
			}
			return nil
		})
	}
	err = g.Wait()
	s.metrics.DatafileSyncDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		for i, f := range files {
			if failed[i] {
				a.markDirty(f)
			}
		}
		return err
	}
	return nil
}

// Rotate seals the active datafile of a collection. The next append starts
// a new one. Rotating a collection without records is a no-op.
func (s *DatafileService) Rotate(collectionID uint64) error {
	a, err := s.arena(collectionID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return s.sealActiveLocked(a)
}

func (s *DatafileService) sealActiveLocked(a *arena) error {
	if a.active == nil || a.active.Metadata().Records == 0 {
		return nil
	}
	if err := a.active.Seal(); err != nil {
		return err
	}
	s.logger.Debug("Sealed datafile",
		zap.Uint64("collection_id", a.id),
		zap.Uint64("datafile_id", a.active.ID()),
		zap.Int64("size", a.active.Size()))
	a.active = nil
	s.metrics.DatafileRotationsTotal.Inc()
	return nil
}

// Sealed returns metadata of the sealed datafiles of a collection, oldest
// first
func (s *DatafileService) Sealed(collectionID uint64) ([]model.DatafileMetadata, error) {
	files, err := s.Files(collectionID)
	if err != nil {
		return nil, err
	}
	var out []model.DatafileMetadata
	for _, f := range files {
		if md := f.Metadata(); md.Sealed {
			out = append(out, md)
		}
	}
	return out, nil
}

// CreateCompactionOutput creates the temporary output of a compaction that
// replaces the given datafiles
func (s *DatafileService) CreateCompactionOutput(collectionID uint64, replaces []uint64) (*datafile.File, error) {
	a, err := s.arena(collectionID)
	if err != nil {
		return nil, err
	}
	h := datafile.Header{
		ID:           s.nextID.Add(1) - 1,
		CollectionID: collectionID,
		Replaces:     append([]uint64(nil), replaces...),
	}
	return datafile.Create(a.dir, h, s.opts, true)
}

// Replace substitutes replacement for the datafiles oldIDs. replacement
// may be nil when nothing survived. swap runs after replacement is
// registered and before the old files are unregistered; the caller remaps
// its index there. Old files are deleted last.
func (s *DatafileService) Replace(collectionID uint64, oldIDs []uint64, replacement *datafile.File, swap func()) error {
	a, err := s.arena(collectionID)
	if err != nil {
		return err
	}

	if replacement != nil {
		if !replacement.Sealed() {
			return errors.InvariantViolation(fmt.Sprintf("replacement datafile %d is not sealed", replacement.ID()))
		}
		a.mu.Lock()
		a.files[replacement.ID()] = replacement
		a.mu.Unlock()
	}

	if swap != nil {
		swap()
	}

	old := make([]*datafile.File, 0, len(oldIDs))
	a.mu.Lock()
	for _, id := range oldIDs {
		f, ok := a.files[id]
		if !ok {
			continue
		}
		if f == a.active {
			a.mu.Unlock()
			return errors.ConcurrencyViolation(fmt.Sprintf("replace of active datafile %d", id))
		}
		old = append(old, f)
		delete(a.files, id)
	}
	a.mu.Unlock()

	a.dirtyMu.Lock()
	for _, f := range old {
		delete(a.dirty, f.ID())
	}
	a.dirtyMu.Unlock()

	var result *multierror.Error
	for _, f := range old {
		if err := f.Remove(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := util.SyncDir(a.dir); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// DatafileFigures are the counters of one collection's datafiles
type DatafileFigures struct {
	Alive     int64
	Dead      int64
	Deletion  int64
	Datafiles int
	Journals  int
	Size      int64
}

// Figures sums the counters of a collection's datafiles
func (s *DatafileService) Figures(collectionID uint64) (DatafileFigures, error) {
	files, err := s.Files(collectionID)
	if err != nil {
		return DatafileFigures{}, err
	}
	var fig DatafileFigures
	for _, f := range files {
		md := f.Metadata()
		fig.Alive += md.Live()
		fig.Dead += md.Dead
		fig.Deletion += md.DeadDeletion
		fig.Size += md.Size
		if md.Sealed {
			fig.Datafiles++
		} else {
			fig.Journals++
		}
	}
	return fig, nil
}

// DropCollection closes and forgets the datafiles of a collection. The
// caller removes the directory.
func (s *DatafileService) DropCollection(collectionID uint64) error {
	s.mu.Lock()
	a, ok := s.collections[collectionID]
	delete(s.collections, collectionID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return a.close(false)
}

func (a *arena) close(syncFirst bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var result *multierror.Error
	for _, f := range a.files {
		if syncFirst {
			if err := f.Sync(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if err := f.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.files = map[uint64]*datafile.File{}
	a.active = nil
	return result.ErrorOrNil()
}

// Close syncs and closes every datafile
func (s *DatafileService) Close() error {
	return s.closeAll(true)
}

func (s *DatafileService) closeAll(syncFirst bool) error {
	s.mu.Lock()
	arenas := s.collections
	s.collections = make(map[uint64]*arena)
	s.mu.Unlock()

	var result *multierror.Error
	for _, a := range arenas {
		if err := a.close(syncFirst); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
