// Package watermark persists a collection's collected-up-to sequence number.
package watermark

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/util"
)

const (
	FileName = "watermark"

	magic uint32 = 0x57524d4b // "WRMK"
	size         = 20
)

// Path returns the watermark file path inside a collection directory
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Read returns the persisted watermark. A missing file reads as zero.
func Read(dir string, collectionID uint64) (uint64, error) {
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.TransientIO("failed to read watermark", err).WithDetail("dir", dir)
	}

	payload, ok := util.ValidateAndStripChecksum(data)
	if !ok || len(payload) != size {
		return 0, errors.Corruption("watermark file is damaged", nil).
			WithDetail("dir", dir).
			WithDetail("size", len(data))
	}
	if m := binary.LittleEndian.Uint32(payload[0:4]); m != magic {
		return 0, errors.Corruption(fmt.Sprintf("bad watermark magic %#x", m), nil).WithDetail("dir", dir)
	}
	if owner := binary.LittleEndian.Uint64(payload[4:12]); owner != collectionID {
		return 0, errors.InvariantViolation(
			fmt.Sprintf("watermark in %s belongs to collection %d, expected %d", dir, owner, collectionID))
	}
	return binary.LittleEndian.Uint64(payload[12:20]), nil
}

// Write atomically replaces the watermark
func Write(dir string, collectionID, seq uint64) error {
	payload := make([]byte, size)
	binary.LittleEndian.PutUint32(payload[0:4], magic)
	binary.LittleEndian.PutUint64(payload[4:12], collectionID)
	binary.LittleEndian.PutUint64(payload[12:20], seq)

	if err := util.WriteFileAtomic(Path(dir), util.AppendChecksum(payload), 0644); err != nil {
		return errors.TransientIO("failed to persist watermark", err).
			WithDetail("dir", dir).
			WithDetail("sequence", seq)
	}
	return nil
}
