package datafile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createFile(t *testing.T, dir string, id uint64, opts Options) *File {
	t.Helper()
	f, err := Create(dir, Header{ID: id, CollectionID: 9}, opts, false)
	require.NoError(t, err)
	return f
}

func TestFile_AppendReadMarkDead(t *testing.T) {
	dir := t.TempDir()
	f := createFile(t, dir, 1, Options{})

	off1, err := f.Append(Document{Key: "a", Revision: 1, Sequence: 1, Payload: []byte(`{"n":1}`)})
	require.NoError(t, err)
	off2, err := f.Append(Document{Key: "b", Revision: 2, Sequence: 2, Payload: []byte(`{"n":2}`)})
	require.NoError(t, err)
	require.NoError(t, f.Sync())

	rec, err := f.Read(off2)
	require.NoError(t, err)
	assert.Equal(t, "b", rec.Key)
	assert.Equal(t, uint64(2), rec.Sequence)
	assert.Equal(t, []byte(`{"n":2}`), rec.Payload)
	assert.False(t, rec.Dead)

	changed, err := f.MarkDead(off1, true)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.MarkDead(off1, true)
	require.NoError(t, err)
	assert.False(t, changed, "second tombstone flip is a no-op")

	rec, err = f.Read(off1)
	require.NoError(t, err)
	assert.True(t, rec.Dead)
	assert.True(t, rec.Deletion)

	meta := f.Metadata()
	assert.Equal(t, int64(2), meta.Records)
	assert.Equal(t, int64(1), meta.Dead)
	assert.Equal(t, int64(1), meta.DeadDeletion)
	assert.Equal(t, int64(1), meta.Live())
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	reopened, report, err := Open(filepath.Join(dir, FileName(1)), Options{Strict: true})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Zero(t, report.Corruptions)
	assert.False(t, reopened.Sealed())
	assert.Equal(t, meta.Records, reopened.Metadata().Records)
	assert.Equal(t, meta.Dead, reopened.Metadata().Dead)
	assert.Equal(t, meta.DeadDeletion, reopened.Metadata().DeadDeletion)
}

func TestFile_SealRejectsAppend(t *testing.T) {
	dir := t.TempDir()
	f := createFile(t, dir, 2, Options{})
	_, err := f.Append(Document{Key: "a", Sequence: 1})
	require.NoError(t, err)
	require.NoError(t, f.Seal())
	assert.True(t, f.Sealed())

	_, err = f.Append(Document{Key: "b", Sequence: 2})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConcurrencyViolation))

	// Tombstones may still be flipped on a sealed file.
	_, err = f.MarkDead(f.headerSize, false)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, _, err := Open(filepath.Join(dir, FileName(2)), Options{})
	require.NoError(t, err)
	defer reopened.Close()
	assert.True(t, reopened.Sealed())
	assert.Equal(t, int64(1), reopened.Metadata().Dead)
	assert.Equal(t, int64(0), reopened.Metadata().DeadDeletion)
}

func TestFile_SnappyCompression(t *testing.T) {
	dir := t.TempDir()
	f := createFile(t, dir, 3, Options{Compression: CodecSnappy, CompressionMinSize: 16})
	defer f.Close()

	big := bytes.Repeat([]byte("abcdefgh"), 512)
	off, err := f.Append(Document{Key: "big", Sequence: 1, Payload: big})
	require.NoError(t, err)
	small, err := f.Append(Document{Key: "small", Sequence: 2, Payload: []byte("x")})
	require.NoError(t, err)

	assert.Less(t, f.Size(), int64(len(big)), "payload should be stored compressed")

	rec, err := f.Read(off)
	require.NoError(t, err)
	assert.Equal(t, big, rec.Payload)

	rec, err = f.Read(small)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), rec.Payload)
}

func TestOpen_TruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	f := createFile(t, dir, 4, Options{})
	_, err := f.Append(Document{Key: "a", Sequence: 1})
	require.NoError(t, err)
	_, err = f.Append(Document{Key: "b", Sequence: 2})
	require.NoError(t, err)
	size := f.Size()
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	path := filepath.Join(dir, FileName(4))
	require.NoError(t, os.Truncate(path, size-2))

	reopened, report, err := Open(path, Options{})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, size-2, report.TruncatedFrom)
	assert.Equal(t, int64(1), reopened.Metadata().Records)

	off, err := reopened.Append(Document{Key: "c", Sequence: 3})
	require.NoError(t, err)
	rec, err := reopened.Read(off)
	require.NoError(t, err)
	assert.Equal(t, "c", rec.Key)
}

func TestOpen_CorruptRecord(t *testing.T) {
	dir := t.TempDir()
	f := createFile(t, dir, 5, Options{})
	_, err := f.Append(Document{Key: "a", Sequence: 1, Payload: []byte("payload-a")})
	require.NoError(t, err)
	off, err := f.Append(Document{Key: "b", Sequence: 2, Payload: []byte("payload-b")})
	require.NoError(t, err)
	_, err = f.Append(Document{Key: "c", Sequence: 3, Payload: []byte("payload-c")})
	require.NoError(t, err)
	require.NoError(t, f.Seal())
	require.NoError(t, f.Close())

	path := filepath.Join(dir, FileName(5))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[off+RecordHeaderSize+3] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0644))

	_, _, err = Open(path, Options{Strict: true})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCorruption))

	reopened, report, err := Open(path, Options{})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 1, report.Corruptions)
	assert.True(t, reopened.Sealed())

	var keys []string
	require.NoError(t, reopened.Scan(func(r *Record) error {
		keys = append(keys, r.Key)
		return nil
	}))
	assert.Equal(t, []string{"a", "c"}, keys)
}

func TestCompactionOutput_Promote(t *testing.T) {
	dir := t.TempDir()
	out, err := Create(dir, Header{ID: 7, CollectionID: 9, Replaces: []uint64{1, 2}}, Options{}, true)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName(7)+CompactingSuffix), out.Path())

	_, err = out.Append(Document{Key: "a", Sequence: 1})
	require.NoError(t, err)

	err = out.Promote()
	require.Error(t, err, "unsealed output cannot be promoted")

	require.NoError(t, out.Seal())
	require.NoError(t, out.Promote())
	assert.Equal(t, filepath.Join(dir, FileName(7)), out.Path())
	require.NoError(t, out.Close())

	reopened, _, err := Open(filepath.Join(dir, FileName(7)), Options{})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, []uint64{1, 2}, reopened.Replaces())
	assert.Equal(t, uint64(9), reopened.CollectionID())
}

func TestParseFileName(t *testing.T) {
	tests := []struct {
		name       string
		id         uint64
		compacting bool
		ok         bool
	}{
		{FileName(12), 12, false, true},
		{FileName(12) + CompactingSuffix, 12, true, true},
		{"wal-0000000000000001.log", 0, false, false},
		{"df-xyz.db", 0, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, compacting, ok := ParseFileName(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.id, id)
			assert.Equal(t, tt.compacting, compacting)
		})
	}
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("snappy")
	require.NoError(t, err)
	assert.Equal(t, CodecSnappy, c)

	c, err = ParseCodec("")
	require.NoError(t, err)
	assert.Equal(t, CodecNone, c)

	_, err = ParseCodec("zstd")
	assert.Error(t, err)
}
