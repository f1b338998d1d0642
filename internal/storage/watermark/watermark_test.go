package watermark

import (
	"os"
	"testing"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWrite(t *testing.T) {
	dir := t.TempDir()

	seq, err := Read(dir, 3)
	require.NoError(t, err)
	assert.Zero(t, seq, "missing watermark reads as zero")

	require.NoError(t, Write(dir, 3, 1000))
	require.NoError(t, Write(dir, 3, 2000))

	seq, err = Read(dir, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), seq)
}

func TestRead_Damaged(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, dir string)
		code   errors.ErrorCode
	}{
		{
			name: "flipped byte",
			mutate: func(t *testing.T, dir string) {
				data, err := os.ReadFile(Path(dir))
				require.NoError(t, err)
				data[14] ^= 0xFF
				require.NoError(t, os.WriteFile(Path(dir), data, 0644))
			},
			code: errors.ErrCodeCorruption,
		},
		{
			name: "truncated",
			mutate: func(t *testing.T, dir string) {
				require.NoError(t, os.Truncate(Path(dir), 7))
			},
			code: errors.ErrCodeCorruption,
		},
		{
			name: "other collection",
			mutate: func(t *testing.T, dir string) {
				require.NoError(t, Write(dir, 4, 10))
			},
			code: errors.ErrCodeInvariantViolation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, Write(dir, 3, 10))
			tt.mutate(t, dir)

			_, err := Read(dir, 3)
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.GetCode(err))
		})
	}
}
