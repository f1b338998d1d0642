package segment

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/util"
)

// ReadOptions controls how damaged frames are treated
type ReadOptions struct {
	// Strict turns a skipped corrupt record into an error.
	Strict bool
}

// Corruption describes a frame that was skipped
type Corruption struct {
	Offset int64
	Err    error
}

// Contents is a fully decoded segment
type Contents struct {
	Header      Header
	Path        string
	Records     []Record
	FirstSeq    uint64
	LastSeq     uint64
	Sealed      bool
	Shutdown    bool
	ValidSize   int64
	TornTail    bool
	Corruptions []Corruption
}

// ReadFile decodes a segment file. A frame that runs past the end of the file
// (or a zero-filled tail) ends the scan and sets TornTail. A frame with a
// plausible length but a bad checksum is skipped and recorded in Corruptions,
// or returned as an error in strict mode.
func ReadFile(path string, opts ReadOptions) (*Contents, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.TransientIO("failed to read segment", err).WithDetail("path", path)
	}
	return Decode(path, data, opts)
}

// Decode parses segment bytes already in memory
func Decode(path string, data []byte, opts ReadOptions) (*Contents, error) {
	header, err := decodeHeader(data)
	if err != nil {
		return nil, fmt.Errorf("segment %s: %w", path, err)
	}

	c := &Contents{
		Header:    header,
		Path:      path,
		ValidSize: HeaderSize,
	}

	off := HeaderSize
	for off < len(data) {
		if len(data)-off < FrameHeaderSize {
			c.TornTail = true
			break
		}
		n := int(binary.LittleEndian.Uint32(data[off : off+4]))
		if n == 0 || n > MaxBodySize || off+FrameHeaderSize+n > len(data) {
			c.TornTail = true
			break
		}

		expected := binary.LittleEndian.Uint32(data[off+4 : off+8])
		seqBytes := data[off+8 : off+16]
		body := data[off+FrameHeaderSize : off+FrameHeaderSize+n]
		next := off + FrameHeaderSize + n

		actual := util.UpdateChecksum(util.ComputeChecksum(body), seqBytes)
		if actual != expected {
			if err := c.corrupt(int64(off), errors.ChecksumFailed(expected, actual), opts); err != nil {
				return nil, err
			}
			off = next
			continue
		}

		rec, err := decodeBody(binary.LittleEndian.Uint64(seqBytes), body)
		if err != nil {
			if err := c.corrupt(int64(off), err, opts); err != nil {
				return nil, err
			}
			off = next
			continue
		}

		switch rec.Type {
		case RecordSeal:
			c.Sealed = true
			if rec.LastSeq > c.LastSeq {
				c.LastSeq = rec.LastSeq
			}
		case RecordShutdown:
			c.Shutdown = true
		default:
			if rec.Sequence <= c.LastSeq {
				err := fmt.Errorf("sequence %d does not follow %d", rec.Sequence, c.LastSeq)
				if err := c.corrupt(int64(off), err, opts); err != nil {
					return nil, err
				}
				off = next
				continue
			}
			if len(c.Records) == 0 {
				c.FirstSeq = rec.Sequence
			}
			c.LastSeq = rec.Sequence
			c.Records = append(c.Records, rec)
		}

		off = next
		c.ValidSize = int64(off)
		if c.Sealed {
			break
		}
	}

	if c.Sealed && c.ValidSize < int64(len(data)) {
		// Bytes after a seal marker are never written by the log.
		if err := c.corrupt(c.ValidSize, fmt.Errorf("%d trailing bytes after seal", int64(len(data))-c.ValidSize), opts); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Contents) corrupt(off int64, cause error, opts ReadOptions) error {
	if opts.Strict {
		return errors.Corruption("corrupt segment record", cause).
			WithDetail("path", c.Path).
			WithDetail("offset", off)
	}
	c.Corruptions = append(c.Corruptions, Corruption{Offset: off, Err: cause})
	return nil
}

// Operations returns the client operation records grouped by collection id,
// preserving sequence order within each group.
func (c *Contents) Operations() map[uint64][]Record {
	groups := make(map[uint64][]Record)
	for _, rec := range c.Records {
		groups[rec.CollectionID] = append(groups[rec.CollectionID], rec)
	}
	return groups
}
