// Package segment implements the on-disk format of WAL segment files.
//
// A segment starts with a fixed header followed by length-framed records:
//
//	[len u32][crc u32][seq u64][body]
//
// The checksum covers the body followed by the 8 sequence bytes, so the body
// checksum can be computed before a sequence number is assigned. Bodies are
// protobuf wire-format messages; unknown fields are skipped on read.
package segment

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/util"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	Magic   uint32 = 0x4457414c // "DWAL"
	Version uint16 = 1

	HeaderSize      = 24
	FrameHeaderSize = 16
	MaxBodySize     = 64 << 20

	filePrefix = "wal-"
	fileSuffix = ".log"
)

// RecordType identifies the frame kind. Client operation types share the
// values of model.OperationType.
type RecordType uint8

const (
	RecordInsert   = RecordType(model.OperationInsert)
	RecordUpdate   = RecordType(model.OperationUpdate)
	RecordRemove   = RecordType(model.OperationRemove)
	RecordSeal     RecordType = 10
	RecordShutdown RecordType = 11
)

// IsOperation reports whether the frame carries a client operation
func (t RecordType) IsOperation() bool {
	return model.OperationType(t).Valid()
}

const (
	fieldType       protowire.Number = 1
	fieldCollection protowire.Number = 2
	fieldKey        protowire.Number = 3
	fieldRevision   protowire.Number = 4
	fieldPayload    protowire.Number = 5
	fieldLastSeq    protowire.Number = 6
)

// Record is a decoded frame
type Record struct {
	Type         RecordType
	Sequence     uint64
	CollectionID uint64
	Key          string
	Revision     uint64
	Payload      []byte
	// LastSeq is only set on seal markers.
	LastSeq uint64
}

// Operation converts an operation frame back into a model.Operation
func (r *Record) Operation() *model.Operation {
	op := &model.Operation{
		Type:         model.OperationType(r.Type),
		CollectionID: r.CollectionID,
		Key:          r.Key,
		Revision:     r.Revision,
		Payload:      r.Payload,
		Sequence:     r.Sequence,
	}
	if op.Revision == 0 {
		op.Revision = r.Sequence
	}
	return op
}

// FileName returns the file name of a segment id
func FileName(id uint64) string {
	return fmt.Sprintf("%s%016d%s", filePrefix, id, fileSuffix)
}

// ParseFileName extracts the segment id from a file name
func ParseFileName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Entry is a segment file found on disk
type Entry struct {
	ID   uint64
	Path string
}

// List returns the segment files in dir ordered by id
func List(dir string) ([]Entry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list segment directory: %w", err)
	}

	var entries []Entry
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		if id, ok := ParseFileName(de.Name()); ok {
			entries = append(entries, Entry{ID: id, Path: filepath.Join(dir, de.Name())})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// Header is the fixed segment preamble
type Header struct {
	Version   uint16
	SegmentID uint64
}

func encodeHeader(id uint64) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], Version)
	binary.LittleEndian.PutUint64(buf[8:16], id)
	binary.LittleEndian.PutUint32(buf[16:20], util.ComputeChecksum(buf[0:16]))
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errors.Corruption("segment header truncated", nil).
			WithDetail("size", len(buf))
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != Magic {
		return Header{}, errors.Corruption(fmt.Sprintf("bad segment magic %#x", magic), nil)
	}
	expected := binary.LittleEndian.Uint32(buf[16:20])
	if actual := util.ComputeChecksum(buf[0:16]); actual != expected {
		return Header{}, errors.Corruption("segment header checksum mismatch", errors.ChecksumFailed(expected, actual))
	}
	h := Header{
		Version:   binary.LittleEndian.Uint16(buf[4:6]),
		SegmentID: binary.LittleEndian.Uint64(buf[8:16]),
	}
	if h.Version != Version {
		return Header{}, errors.Corruption(fmt.Sprintf("unsupported segment version %d", h.Version), nil)
	}
	return h, nil
}

// EncodeBody serializes an operation without its sequence number. A zero
// revision is omitted and reads back as the sequence number.
func EncodeBody(op *model.Operation) []byte {
	b := make([]byte, 0, 24+len(op.Key)+len(op.Payload))
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(op.Type))
	b = protowire.AppendTag(b, fieldCollection, protowire.VarintType)
	b = protowire.AppendVarint(b, op.CollectionID)
	b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
	b = protowire.AppendString(b, op.Key)
	if op.Revision != 0 {
		b = protowire.AppendTag(b, fieldRevision, protowire.VarintType)
		b = protowire.AppendVarint(b, op.Revision)
	}
	if len(op.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, op.Payload)
	}
	return b
}

// BodyChecksum is the partial frame checksum over the body alone
func BodyChecksum(body []byte) uint32 {
	return util.ComputeChecksum(body)
}

// AppendFrame appends one framed record to dst. partial must be
// BodyChecksum(body).
func AppendFrame(dst []byte, seq uint64, body []byte, partial uint32) []byte {
	var hdr [FrameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint64(hdr[8:16], seq)
	binary.LittleEndian.PutUint32(hdr[4:8], util.UpdateChecksum(partial, hdr[8:16]))
	dst = append(dst, hdr[:]...)
	return append(dst, body...)
}

func markerFrame(t RecordType, lastSeq uint64) []byte {
	body := protowire.AppendTag(nil, fieldType, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(t))
	if lastSeq != 0 {
		body = protowire.AppendTag(body, fieldLastSeq, protowire.VarintType)
		body = protowire.AppendVarint(body, lastSeq)
	}
	return AppendFrame(nil, 0, body, BodyChecksum(body))
}

func decodeBody(seq uint64, body []byte) (Record, error) {
	rec := Record{Sequence: seq}
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return Record{}, protowire.ParseError(n)
		}
		body = body[n:]

		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(body)
			if m < 0 {
				return Record{}, protowire.ParseError(m)
			}
			rec.Type = RecordType(v)
			n = m
		case num == fieldCollection && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(body)
			if m < 0 {
				return Record{}, protowire.ParseError(m)
			}
			rec.CollectionID = v
			n = m
		case num == fieldKey && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(body)
			if m < 0 {
				return Record{}, protowire.ParseError(m)
			}
			rec.Key = v
			n = m
		case num == fieldRevision && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(body)
			if m < 0 {
				return Record{}, protowire.ParseError(m)
			}
			rec.Revision = v
			n = m
		case num == fieldPayload && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(body)
			if m < 0 {
				return Record{}, protowire.ParseError(m)
			}
			rec.Payload = append([]byte(nil), v...)
			n = m
		case num == fieldLastSeq && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(body)
			if m < 0 {
				return Record{}, protowire.ParseError(m)
			}
			rec.LastSeq = v
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
		}
		body = body[n:]
	}

	switch {
	case rec.Type.IsOperation():
		if rec.Sequence == 0 {
			return Record{}, fmt.Errorf("operation frame without sequence number")
		}
	case rec.Type == RecordSeal, rec.Type == RecordShutdown:
	default:
		return Record{}, fmt.Errorf("unknown record type %d", rec.Type)
	}
	return rec, nil
}
