package segment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameOps(t *testing.T, firstSeq uint64, ops ...*model.Operation) []byte {
	t.Helper()
	var buf []byte
	for i, op := range ops {
		body := EncodeBody(op)
		buf = AppendFrame(buf, firstSeq+uint64(i), body, BodyChecksum(body))
	}
	return buf
}

func TestWriter_SealAndRead(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, 7)
	require.NoError(t, err)

	frames := frameOps(t, 10,
		&model.Operation{Type: model.OperationInsert, CollectionID: 1, Key: "a", Payload: []byte(`{"v":1}`)},
		&model.Operation{Type: model.OperationUpdate, CollectionID: 2, Key: "b", Revision: 99, Payload: []byte(`{"v":2}`)},
		&model.Operation{Type: model.OperationRemove, CollectionID: 1, Key: "a"},
	)
	require.NoError(t, w.Append(frames, 10, 12, 3))
	require.NoError(t, w.WriteShutdown())

	info, err := w.Seal()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), info.ID)
	assert.Equal(t, uint64(10), info.FirstSeq)
	assert.Equal(t, uint64(12), info.LastSeq)
	assert.True(t, info.Sealed)

	c, err := ReadFile(info.Path, ReadOptions{Strict: true})
	require.NoError(t, err)
	assert.True(t, c.Sealed)
	assert.True(t, c.Shutdown)
	assert.False(t, c.TornTail)
	assert.Equal(t, uint64(7), c.Header.SegmentID)
	require.Len(t, c.Records, 3)

	assert.Equal(t, RecordInsert, c.Records[0].Type)
	assert.Equal(t, "a", c.Records[0].Key)
	assert.Equal(t, uint64(10), c.Records[0].Operation().Revision, "revision defaults to sequence")
	assert.Equal(t, uint64(99), c.Records[1].Operation().Revision)
	assert.Equal(t, []byte(`{"v":2}`), c.Records[1].Payload)
	assert.Equal(t, RecordRemove, c.Records[2].Type)

	groups := c.Operations()
	assert.Len(t, groups[1], 2)
	assert.Len(t, groups[2], 1)
}

func TestDecode_TornTail(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, 1)
	require.NoError(t, err)
	require.NoError(t, w.Append(frameOps(t, 1,
		&model.Operation{Type: model.OperationInsert, CollectionID: 1, Key: "k1"},
		&model.Operation{Type: model.OperationInsert, CollectionID: 1, Key: "k2"},
	), 1, 2, 2))
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	path := filepath.Join(dir, FileName(1))
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	tests := []struct {
		name    string
		data    []byte
		records int
	}{
		{"partial frame body", data[:len(data)-3], 1},
		{"partial frame header", append(append([]byte{}, data...), 1, 2, 3), 2},
		{"zero filled tail", append(append([]byte{}, data...), make([]byte, 64)...), 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Decode(path, tt.data, ReadOptions{Strict: true})
			require.NoError(t, err)
			assert.True(t, c.TornTail)
			assert.False(t, c.Sealed)
			assert.Len(t, c.Records, tt.records)
		})
	}
}

func TestDecode_CorruptRecord(t *testing.T) {
	var data []byte
	data = append(data, encodeHeader(3)...)
	data = append(data, frameOps(t, 1,
		&model.Operation{Type: model.OperationInsert, CollectionID: 1, Key: "k1"},
		&model.Operation{Type: model.OperationInsert, CollectionID: 1, Key: "k2"},
		&model.Operation{Type: model.OperationInsert, CollectionID: 1, Key: "k3"},
	)...)

	// Flip a byte inside the second record's body.
	firstLen := FrameHeaderSize + len(EncodeBody(&model.Operation{Type: model.OperationInsert, CollectionID: 1, Key: "k1"}))
	data[HeaderSize+firstLen+FrameHeaderSize+2] ^= 0xFF

	c, err := Decode("mem", data, ReadOptions{})
	require.NoError(t, err)
	require.Len(t, c.Records, 2)
	assert.Equal(t, "k1", c.Records[0].Key)
	assert.Equal(t, "k3", c.Records[1].Key)
	require.Len(t, c.Corruptions, 1)
	assert.Equal(t, int64(HeaderSize+firstLen), c.Corruptions[0].Offset)

	_, err = Decode("mem", data, ReadOptions{Strict: true})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCorruption))
}

func TestDecode_BadHeader(t *testing.T) {
	data := encodeHeader(3)
	data[9] ^= 0xFF

	_, err := Decode("mem", data, ReadOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCorruption))

	_, err = Decode("mem", data[:10], ReadOptions{})
	require.Error(t, err)
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []uint64{12, 3, 7} {
		w, err := Create(dir, id)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), nil, 0644))

	entries, err := List(dir)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []uint64{3, 7, 12}, []uint64{entries[0].ID, entries[1].ID, entries[2].ID})

	missing, err := List(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestParseFileName(t *testing.T) {
	id, ok := ParseFileName(FileName(42))
	assert.True(t, ok)
	assert.Equal(t, uint64(42), id)

	_, ok = ParseFileName("wal-abc.log")
	assert.False(t, ok)
	_, ok = ParseFileName("df-0000000000000001.db")
	assert.False(t, ok)
}
