package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeChecksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"simple", []byte("hello world")},
		{"binary", []byte{0x00, 0x01, 0x02, 0x03, 0xFF}},
		{"large", make([]byte, 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, ComputeChecksum(tt.data), ComputeChecksum(tt.data))
		})
	}
}

func TestUpdateChecksum_MatchesWholeBuffer(t *testing.T) {
	head := []byte("document body")
	tail := []byte{0, 0, 0, 0, 0, 0, 0, 42}

	whole := ComputeChecksum(append(append([]byte{}, head...), tail...))
	incremental := UpdateChecksum(ComputeChecksum(head), tail)

	assert.Equal(t, whole, incremental)
}

func TestValidateChecksum(t *testing.T) {
	data := []byte("test data for checksum validation")
	checksum := ComputeChecksum(data)

	assert.True(t, ValidateChecksum(data, checksum))
	assert.False(t, ValidateChecksum(data, checksum+1))

	corrupted := append([]byte{}, data...)
	corrupted[0] ^= 0xFF
	assert.False(t, ValidateChecksum(corrupted, checksum))
}

func TestAppendAndStripChecksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"simple", []byte("hello world")},
		{"binary", []byte{0x00, 0x01, 0x02, 0x03, 0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withChecksum := AppendChecksum(tt.data)
			require.Len(t, withChecksum, len(tt.data)+4)

			recovered, valid := ValidateAndStripChecksum(withChecksum)
			require.True(t, valid)
			assert.Equal(t, tt.data, recovered)
		})
	}
}

func TestCorruptedChecksum(t *testing.T) {
	withChecksum := AppendChecksum([]byte("test data"))
	withChecksum[len(withChecksum)-1] ^= 0xFF

	_, valid := ValidateAndStripChecksum(withChecksum)
	assert.False(t, valid)

	_, valid = ValidateAndStripChecksum([]byte{0x01, 0x02})
	assert.False(t, valid)
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watermark")

	require.NoError(t, WriteFileAtomic(path, []byte("first"), 0644))
	require.NoError(t, WriteFileAtomic(path, []byte("second"), 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestRemoveFile_Missing(t *testing.T) {
	assert.NoError(t, RemoveFile(filepath.Join(t.TempDir(), "absent")))
}

func BenchmarkComputeChecksum(b *testing.B) {
	data := make([]byte, 1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ComputeChecksum(data)
	}
}
