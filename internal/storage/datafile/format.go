// Package datafile implements per-collection append-only document files.
//
// Layout:
//
//	header: [magic u32][version u16][flags u16][id u64][collection u64]
//	        [replaces count u32][replaces u64...][crc u32]
//	record: [len u32][crc u32][flags u8][body]
//
// The record checksum covers only the body so that the tombstone flags can be
// flipped in place with a single byte write. A datafile is sealed once its last
// record is a seal record; sealed files never receive another append.
package datafile

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/util"
	"github.com/golang/snappy"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	Magic   uint32 = 0x44464c45 // "DFLE"
	Version uint16 = 1

	RecordHeaderSize = 9
	MaxRecordSize    = 128 << 20

	filePrefix       = "df-"
	fileSuffix       = ".db"
	CompactingSuffix = ".compacting"

	flagDead     byte = 1 << 0
	flagDeletion byte = 1 << 1
)

// Codec names the payload encoding of a document record
type Codec uint8

const (
	CodecNone   Codec = 0
	CodecSnappy Codec = 1
)

// ParseCodec maps a configuration value to a Codec
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return CodecNone, nil
	case "snappy":
		return CodecSnappy, nil
	default:
		return CodecNone, fmt.Errorf("unknown datafile compression %q", name)
	}
}

type recordKind uint8

const (
	kindDocument recordKind = 1
	kindSeal     recordKind = 2
)

const (
	fieldKind     protowire.Number = 1
	fieldKey      protowire.Number = 2
	fieldRevision protowire.Number = 3
	fieldSequence protowire.Number = 4
	fieldPayload  protowire.Number = 5
	fieldCodec    protowire.Number = 6
	fieldCount    protowire.Number = 7
)

// FileName returns the final name of datafile id
func FileName(id uint64) string {
	return fmt.Sprintf("%s%016d%s", filePrefix, id, fileSuffix)
}

// ParseFileName extracts the id from a datafile name. compacting is set for
// an in-progress compaction output.
func ParseFileName(name string) (id uint64, compacting bool, ok bool) {
	if strings.HasSuffix(name, CompactingSuffix) {
		compacting = true
		name = strings.TrimSuffix(name, CompactingSuffix)
	}
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, false, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), 10, 64)
	if err != nil {
		return 0, false, false
	}
	return id, compacting, true
}

// Header is the datafile preamble
type Header struct {
	ID           uint64
	CollectionID uint64
	Replaces     []uint64
}

func (h Header) size() int {
	return 28 + 8*len(h.Replaces) + 4
}

func encodeHeader(h Header) []byte {
	buf := make([]byte, h.size())
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], Version)
	binary.LittleEndian.PutUint64(buf[8:16], h.ID)
	binary.LittleEndian.PutUint64(buf[16:24], h.CollectionID)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(h.Replaces)))
	off := 28
	for _, id := range h.Replaces {
		binary.LittleEndian.PutUint64(buf[off:off+8], id)
		off += 8
	}
	binary.LittleEndian.PutUint32(buf[off:off+4], util.ComputeChecksum(buf[:off]))
	return buf
}

func decodeHeader(buf []byte) (Header, int, error) {
	if len(buf) < 32 {
		return Header{}, 0, errors.Corruption("datafile header truncated", nil)
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != Magic {
		return Header{}, 0, errors.Corruption(fmt.Sprintf("bad datafile magic %#x", magic), nil)
	}
	if v := binary.LittleEndian.Uint16(buf[4:6]); v != Version {
		return Header{}, 0, errors.Corruption(fmt.Sprintf("unsupported datafile version %d", v), nil)
	}
	h := Header{
		ID:           binary.LittleEndian.Uint64(buf[8:16]),
		CollectionID: binary.LittleEndian.Uint64(buf[16:24]),
	}
	count := int(binary.LittleEndian.Uint32(buf[24:28]))
	if count > (len(buf)-32)/8 {
		return Header{}, 0, errors.Corruption("datafile header truncated", nil)
	}
	off := 28
	for i := 0; i < count; i++ {
		h.Replaces = append(h.Replaces, binary.LittleEndian.Uint64(buf[off:off+8]))
		off += 8
	}
	expected := binary.LittleEndian.Uint32(buf[off : off+4])
	if actual := util.ComputeChecksum(buf[:off]); actual != expected {
		return Header{}, 0, errors.Corruption("datafile header checksum mismatch", errors.ChecksumFailed(expected, actual))
	}
	return h, off + 4, nil
}

// Document is the content appended for one collected operation
type Document struct {
	Key      string
	Revision uint64
	Sequence uint64
	Payload  []byte
}

// Record is a decoded document record
type Record struct {
	Offset   int64
	Key      string
	Revision uint64
	Sequence uint64
	Payload  []byte
	Dead     bool
	Deletion bool
}

// Document returns the record content for re-appending elsewhere
func (r *Record) Document() Document {
	return Document{Key: r.Key, Revision: r.Revision, Sequence: r.Sequence, Payload: r.Payload}
}

type body struct {
	kind     recordKind
	key      string
	revision uint64
	sequence uint64
	payload  []byte
	codec    Codec
	count    uint64
}

func encodeDocument(doc Document, codec Codec, minSize int) []byte {
	payload := doc.Payload
	if codec == CodecSnappy && len(payload) >= minSize && len(payload) > 0 {
		payload = snappy.Encode(nil, payload)
	} else {
		codec = CodecNone
	}

	b := make([]byte, RecordHeaderSize, RecordHeaderSize+32+len(doc.Key)+len(payload))
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(kindDocument))
	b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
	b = protowire.AppendString(b, doc.Key)
	b = protowire.AppendTag(b, fieldRevision, protowire.VarintType)
	b = protowire.AppendVarint(b, doc.Revision)
	b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, doc.Sequence)
	if len(payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	if codec != CodecNone {
		b = protowire.AppendTag(b, fieldCodec, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(codec))
	}
	return frame(b, 0)
}

func encodeSeal(count int64) []byte {
	b := make([]byte, RecordHeaderSize, RecordHeaderSize+8)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(kindSeal))
	b = protowire.AppendTag(b, fieldCount, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(count))
	return frame(b, 0)
}

// frame fills the record header of a buffer whose body starts at RecordHeaderSize
func frame(b []byte, flags byte) []byte {
	bodyBytes := b[RecordHeaderSize:]
	binary.LittleEndian.PutUint32(b[0:4], uint32(len(bodyBytes)))
	binary.LittleEndian.PutUint32(b[4:8], util.ComputeChecksum(bodyBytes))
	b[8] = flags
	return b
}

func decodeBody(data []byte) (body, error) {
	var out body
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return body{}, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldKind || num == fieldRevision ||
			num == fieldSequence || num == fieldCodec || num == fieldCount):
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return body{}, protowire.ParseError(m)
			}
			switch num {
			case fieldKind:
				out.kind = recordKind(v)
			case fieldRevision:
				out.revision = v
			case fieldSequence:
				out.sequence = v
			case fieldCodec:
				out.codec = Codec(v)
			case fieldCount:
				out.count = v
			}
			n = m
		case typ == protowire.BytesType && (num == fieldKey || num == fieldPayload):
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return body{}, protowire.ParseError(m)
			}
			if num == fieldKey {
				out.key = string(v)
			} else {
				out.payload = v
			}
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return body{}, protowire.ParseError(n)
			}
		}
		data = data[n:]
	}

	switch out.kind {
	case kindDocument, kindSeal:
	default:
		return body{}, fmt.Errorf("unknown datafile record kind %d", out.kind)
	}
	return out, nil
}

func decodePayload(b body) ([]byte, error) {
	switch b.codec {
	case CodecNone:
		return append([]byte(nil), b.payload...), nil
	case CodecSnappy:
		out, err := snappy.Decode(nil, b.payload)
		if err != nil {
			return nil, errors.Corruption("failed to decompress payload", err)
		}
		return out, nil
	default:
		return nil, errors.Corruption(fmt.Sprintf("unknown payload codec %d", b.codec), nil)
	}
}
