package datafile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/util"
)

// Options configures record encoding and damage handling
type Options struct {
	Compression        Codec
	CompressionMinSize int
	// Strict makes Open fail on a corrupt record instead of skipping it.
	Strict bool
}

// OpenReport lists what Open had to repair
type OpenReport struct {
	Corruptions   int
	TruncatedFrom int64
}

// File is one datafile. Appends, seal and tombstone flips are serialized by
// the owning collection's maintenance lock; reads may run concurrently.
type File struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	header     Header
	headerSize int64
	size       int64
	sealed     bool
	dirty      bool
	opts       Options

	records      atomic.Int64
	dead         atomic.Int64
	deadDeletion atomic.Int64
}

// Create creates an empty datafile. A compaction output is created with
// compacting set and becomes visible under its final name through Promote.
func Create(dir string, h Header, opts Options, compacting bool) (*File, error) {
	path := filepath.Join(dir, FileName(h.ID))
	if compacting {
		path += CompactingSuffix
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.TransientIO("failed to create datafile", err).WithDetail("path", path)
	}

	header := encodeHeader(h)
	if _, err := file.WriteAt(header, 0); err != nil {
		file.Close()
		os.Remove(path)
		return nil, errors.TransientIO("failed to write datafile header", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(path)
		return nil, errors.TransientIO("failed to sync datafile header", err)
	}
	if err := util.SyncDir(dir); err != nil {
		file.Close()
		return nil, errors.TransientIO("failed to sync collection directory", err)
	}

	return &File{
		file:       file,
		path:       path,
		header:     h,
		headerSize: int64(len(header)),
		size:       int64(len(header)),
		opts:       opts,
	}, nil
}

// Open opens an existing datafile, rebuilds its counters and detects the
// seal. A torn tail of an unsealed file is truncated away.
func Open(path string, opts Options) (*File, *OpenReport, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, nil, errors.TransientIO("failed to open datafile", err).WithDetail("path", path)
	}

	f := &File{file: file, path: path, opts: opts}
	if err := f.readHeader(); err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("datafile %s: %w", path, err)
	}

	report := &OpenReport{}
	valid, sealed, err := f.scan(func(r *Record) error {
		f.records.Add(1)
		if r.Dead {
			f.dead.Add(1)
			if r.Deletion {
				f.deadDeletion.Add(1)
			}
		}
		return nil
	}, func(off int64, cause error) error {
		if opts.Strict {
			return errors.Corruption("corrupt datafile record", cause).
				WithDetail("path", path).
				WithDetail("offset", off)
		}
		report.Corruptions++
		// An unreadable record can never be referenced again.
		f.records.Add(1)
		f.dead.Add(1)
		return nil
	})
	if err != nil {
		file.Close()
		return nil, nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, errors.TransientIO("failed to stat datafile", err)
	}
	f.size = valid
	f.sealed = sealed
	if !f.sealed && info.Size() > valid {
		if err := file.Truncate(valid); err != nil {
			file.Close()
			return nil, nil, errors.TransientIO("failed to truncate torn datafile tail", err)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return nil, nil, errors.TransientIO("failed to sync truncated datafile", err)
		}
		report.TruncatedFrom = info.Size()
	}

	return f, report, nil
}

func (f *File) readHeader() error {
	fixed := make([]byte, 28)
	if _, err := f.file.ReadAt(fixed, 0); err != nil {
		return errors.Corruption("datafile header truncated", err)
	}
	count := int64(binary.LittleEndian.Uint32(fixed[24:28]))
	if count > 1<<20 {
		return errors.Corruption("implausible datafile header", nil)
	}
	buf := make([]byte, 28+8*count+4)
	if _, err := f.file.ReadAt(buf, 0); err != nil {
		return errors.Corruption("datafile header truncated", err)
	}
	h, n, err := decodeHeader(buf)
	if err != nil {
		return err
	}
	f.header = h
	f.headerSize = int64(n)
	return nil
}

// scan walks the records in physical order and returns the offset just past
// the last valid record. Scanning stops at a torn tail or after the seal.
func (f *File) scan(fn func(*Record) error, onCorrupt func(int64, error) error) (int64, bool, error) {
	info, err := f.file.Stat()
	if err != nil {
		return 0, false, errors.TransientIO("failed to stat datafile", err)
	}
	end := info.Size()

	r := bufio.NewReaderSize(io.NewSectionReader(f.file, f.headerSize, end-f.headerSize), 64*1024)
	off := f.headerSize
	valid := off
	sealed := false
	hdr := make([]byte, RecordHeaderSize)

	for off < end {
		if _, err := io.ReadFull(r, hdr); err != nil {
			break
		}
		n := int64(binary.LittleEndian.Uint32(hdr[0:4]))
		if n == 0 || n > MaxRecordSize || off+RecordHeaderSize+n > end {
			break
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			break
		}

		recOff := off
		off += RecordHeaderSize + n

		expected := binary.LittleEndian.Uint32(hdr[4:8])
		if actual := util.ComputeChecksum(data); actual != expected {
			if err := onCorrupt(recOff, errors.ChecksumFailed(expected, actual)); err != nil {
				return 0, false, err
			}
			valid = off
			continue
		}
		b, err := decodeBody(data)
		if err != nil {
			if err := onCorrupt(recOff, err); err != nil {
				return 0, false, err
			}
			valid = off
			continue
		}
		valid = off

		if b.kind == kindSeal {
			sealed = true
			break
		}

		payload, err := decodePayload(b)
		if err != nil {
			if err := onCorrupt(recOff, err); err != nil {
				return 0, false, err
			}
			continue
		}
		rec := &Record{
			Offset:   recOff,
			Key:      b.key,
			Revision: b.revision,
			Sequence: b.sequence,
			Payload:  payload,
			Dead:     hdr[8]&flagDead != 0,
			Deletion: hdr[8]&flagDeletion != 0,
		}
		if err := fn(rec); err != nil {
			return 0, false, err
		}
	}
	return valid, sealed, nil
}

// Scan calls fn for every readable document record in physical order
func (f *File) Scan(fn func(*Record) error) error {
	_, _, err := f.scan(fn, func(int64, error) error { return nil })
	return err
}

// Append writes a document record and returns its offset. The record is not
// durable until Sync.
func (f *File) Append(doc Document) (int64, error) {
	buf := encodeDocument(doc, f.opts.Compression, f.opts.CompressionMinSize)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sealed {
		return 0, errors.ConcurrencyViolation(fmt.Sprintf("append to sealed datafile %d", f.header.ID))
	}
	off := f.size
	if _, err := f.file.WriteAt(buf, off); err != nil {
		return 0, errors.TransientIO("failed to append to datafile", err).WithDetail("path", f.path)
	}
	f.size += int64(len(buf))
	f.dirty = true
	f.records.Add(1)
	return off, nil
}

// MarkDead sets the tombstone bit of the record at offset. It returns false
// when the record was already dead.
func (f *File) MarkDead(offset int64, deletion bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if offset < f.headerSize || offset+RecordHeaderSize > f.size {
		return false, errors.InvariantViolation(fmt.Sprintf("offset %d outside datafile %d", offset, f.header.ID))
	}
	flags := make([]byte, 1)
	if _, err := f.file.ReadAt(flags, offset+8); err != nil {
		return false, errors.TransientIO("failed to read record flags", err)
	}
	if flags[0]&flagDead != 0 {
		return false, nil
	}
	flags[0] |= flagDead
	if deletion {
		flags[0] |= flagDeletion
	}
	if _, err := f.file.WriteAt(flags, offset+8); err != nil {
		return false, errors.TransientIO("failed to write tombstone", err).WithDetail("path", f.path)
	}
	f.dirty = true
	f.dead.Add(1)
	if deletion {
		f.deadDeletion.Add(1)
	}
	return true, nil
}

// Read returns the document record at offset
func (f *File) Read(offset int64) (*Record, error) {
	hdr := make([]byte, RecordHeaderSize)
	if _, err := f.file.ReadAt(hdr, offset); err != nil {
		return nil, errors.TransientIO("failed to read record header", err)
	}
	n := int64(binary.LittleEndian.Uint32(hdr[0:4]))
	if n == 0 || n > MaxRecordSize {
		return nil, errors.Corruption(fmt.Sprintf("bad record length %d", n), nil).WithDetail("offset", offset)
	}
	data := make([]byte, n)
	if _, err := f.file.ReadAt(data, offset+RecordHeaderSize); err != nil {
		return nil, errors.TransientIO("failed to read record body", err)
	}
	expected := binary.LittleEndian.Uint32(hdr[4:8])
	if actual := util.ComputeChecksum(data); actual != expected {
		return nil, errors.Corruption("datafile record checksum mismatch", errors.ChecksumFailed(expected, actual)).
			WithDetail("offset", offset)
	}
	b, err := decodeBody(data)
	if err != nil {
		return nil, errors.Corruption("undecodable datafile record", err).WithDetail("offset", offset)
	}
	if b.kind != kindDocument {
		return nil, errors.InvariantViolation(fmt.Sprintf("offset %d is not a document record", offset))
	}
	payload, err := decodePayload(b)
	if err != nil {
		return nil, err
	}
	return &Record{
		Offset:   offset,
		Key:      b.key,
		Revision: b.revision,
		Sequence: b.sequence,
		Payload:  payload,
		Dead:     hdr[8]&flagDead != 0,
		Deletion: hdr[8]&flagDeletion != 0,
	}, nil
}

// Seal appends the seal record and fsyncs. No appends follow.
func (f *File) Seal() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sealed {
		return nil
	}
	buf := encodeSeal(f.records.Load())
	if _, err := f.file.WriteAt(buf, f.size); err != nil {
		return errors.TransientIO("failed to write seal record", err).WithDetail("path", f.path)
	}
	f.size += int64(len(buf))
	if err := f.file.Sync(); err != nil {
		return errors.TransientIO("failed to sync sealed datafile", err).WithDetail("path", f.path)
	}
	f.sealed = true
	f.dirty = false
	return nil
}

// Sync makes appended records and tombstones durable
func (f *File) Sync() error {
	f.mu.Lock()
	dirty := f.dirty
	f.dirty = false
	f.mu.Unlock()

	if !dirty {
		return nil
	}
	if err := f.file.Sync(); err != nil {
		f.mu.Lock()
		f.dirty = true
		f.mu.Unlock()
		return errors.TransientIO("failed to sync datafile", err).WithDetail("path", f.path)
	}
	return nil
}

// Promote renames a sealed compaction output to its final name
func (f *File) Promote() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !strings.HasSuffix(f.path, CompactingSuffix) {
		return nil
	}
	if !f.sealed {
		return errors.InvariantViolation(fmt.Sprintf("promote of unsealed datafile %d", f.header.ID))
	}
	final := strings.TrimSuffix(f.path, CompactingSuffix)
	if err := os.Rename(f.path, final); err != nil {
		return errors.TransientIO("failed to rename compaction output", err)
	}
	f.path = final
	if err := util.SyncDir(filepath.Dir(final)); err != nil {
		return errors.TransientIO("failed to sync collection directory", err)
	}
	return nil
}

// Close closes the file handle
func (f *File) Close() error {
	return f.file.Close()
}

// Remove closes and deletes the file
func (f *File) Remove() error {
	f.file.Close()
	path := f.Path()
	if err := util.RemoveFile(path); err != nil {
		return errors.TransientIO("failed to remove datafile", err).WithDetail("path", path)
	}
	return nil
}

func (f *File) ID() uint64 { return f.header.ID }
func (f *File) CollectionID() uint64 { return f.header.CollectionID }
func (f *File) Replaces() []uint64 { return f.header.Replaces }

// Path returns the current file path
func (f *File) Path() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.path
}

// Sealed reports whether the file has its seal record
func (f *File) Sealed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sealed
}

// Size returns the logical file size
func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

// Metadata snapshots the counters
func (f *File) Metadata() model.DatafileMetadata {
	f.mu.Lock()
	sealed, size, path := f.sealed, f.size, f.path
	f.mu.Unlock()

	return model.DatafileMetadata{
		ID:           f.header.ID,
		CollectionID: f.header.CollectionID,
		Path:         path,
		Sealed:       sealed,
		Records:      f.records.Load(),
		Dead:         f.dead.Load(),
		DeadDeletion: f.deadDeletion.Load(),
		Size:         size,
		Replaces:     f.header.Replaces,
	}
}
