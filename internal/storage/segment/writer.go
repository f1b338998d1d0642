package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/util"
)

// Writer appends pre-framed records to the active segment. It is not safe
// for concurrent use; the commit log serializes access.
type Writer struct {
	file      *os.File
	path      string
	id        uint64
	size      int64
	firstSeq  uint64
	lastSeq   uint64
	records   int
	createdAt time.Time
	dirty     bool
	shutdown  bool
	sealed    bool
}

// Create creates a new segment file with a durable header
func Create(dir string, id uint64) (*Writer, error) {
	path := filepath.Join(dir, FileName(id))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file: %w", err)
	}

	header := encodeHeader(id)
	if _, err := file.Write(header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write segment header: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to sync segment header: %w", err)
	}
	if err := util.SyncDir(dir); err != nil {
		file.Close()
		return nil, err
	}

	return &Writer{
		file:      file,
		path:      path,
		id:        id,
		size:      int64(len(header)),
		createdAt: time.Now(),
	}, nil
}

// Append writes a batch of frames holding count records with sequence
// numbers firstSeq..lastSeq.
func (w *Writer) Append(frames []byte, firstSeq, lastSeq uint64, count int) error {
	if w.sealed {
		return fmt.Errorf("segment %d is sealed", w.id)
	}
	if len(frames) == 0 {
		return nil
	}
	n, err := w.file.Write(frames)
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write segment %d: %w", w.id, err)
	}
	if w.records == 0 {
		w.firstSeq = firstSeq
	}
	w.lastSeq = lastSeq
	w.records += count
	w.dirty = true
	return nil
}

// Sync flushes written frames to stable storage
func (w *Writer) Sync() error {
	if !w.dirty {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment %d: %w", w.id, err)
	}
	w.dirty = false
	return nil
}

// WriteShutdown appends a clean-shutdown marker
func (w *Writer) WriteShutdown() error {
	frame := markerFrame(RecordShutdown, 0)
	n, err := w.file.Write(frame)
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write shutdown marker: %w", err)
	}
	w.dirty = true
	w.shutdown = true
	return nil
}

// Seal appends the seal marker, fsyncs and closes the file. A sealed
// segment is immutable.
func (w *Writer) Seal() (model.SegmentInfo, error) {
	frame := markerFrame(RecordSeal, w.lastSeq)
	n, err := w.file.Write(frame)
	w.size += int64(n)
	if err != nil {
		return model.SegmentInfo{}, fmt.Errorf("failed to write seal marker: %w", err)
	}
	w.dirty = true
	if err := w.Sync(); err != nil {
		return model.SegmentInfo{}, err
	}
	w.sealed = true
	if err := w.file.Close(); err != nil {
		return model.SegmentInfo{}, fmt.Errorf("failed to close sealed segment: %w", err)
	}
	return w.Info(), nil
}

// Close closes the file without sealing it
func (w *Writer) Close() error {
	if w.sealed {
		return nil
	}
	return w.file.Close()
}

// Info describes the segment as written so far
func (w *Writer) Info() model.SegmentInfo {
	return model.SegmentInfo{
		ID:       w.id,
		Path:     w.path,
		FirstSeq: w.firstSeq,
		LastSeq:  w.lastSeq,
		Records:  w.records,
		Sealed:   w.sealed,
		Size:     w.size,
	}
}

func (w *Writer) ID() uint64 { return w.id }
func (w *Writer) Size() int64 { return w.size }
func (w *Writer) Records() int { return w.records }
func (w *Writer) HasShutdown() bool { return w.shutdown }
func (w *Writer) Age() time.Duration { return time.Since(w.createdAt) }
func (w *Writer) Empty() bool { return w.records == 0 && !w.shutdown }
