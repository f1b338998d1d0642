package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/failpoint"
	"github.com/devrev/pairdb/docstore/internal/failpoint/failpointtest"
	"github.com/devrev/pairdb/docstore/internal/storage/datafile"
	"github.com/devrev/pairdb/docstore/internal/storage/segment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// seedForCompaction leaves one sealed datafile with live and dead records
// and returns the keys still visible
func seedForCompaction(t *testing.T, engine *StorageService) []string {
	t.Helper()
	ctx := context.Background()
	_, err := engine.CreateCollection("docs")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := engine.Insert(ctx, "docs", docKey(i), docPayload(i))
		require.NoError(t, err)
	}
	require.NoError(t, engine.Flush(FlushOptions{ForceSync: true, WaitForCollector: true}))
	for i := 0; i < 6; i++ {
		_, err := engine.Remove(ctx, "docs", docKey(i))
		require.NoError(t, err)
	}
	require.NoError(t, engine.Flush(FlushOptions{ForceSync: true, WaitForCollector: true}))

	keys, err := engine.Keys("docs")
	require.NoError(t, err)
	require.Len(t, keys, 4)
	return keys
}

func collectionFiles(t *testing.T, engine *StorageService, name string) (finals, compacting []string) {
	t.Helper()
	coll, err := engine.Collection(name)
	require.NoError(t, err)
	entries, err := os.ReadDir(coll.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		_, isCompacting, ok := datafile.ParseFileName(e.Name())
		switch {
		case !ok:
		case isCompacting:
			compacting = append(compacting, e.Name())
		default:
			finals = append(finals, e.Name())
		}
	}
	return finals, compacting
}

func TestRecovery_CompactionInterrupted(t *testing.T) {
	tests := []struct {
		name       string
		checkpoint string
		orphaned   int
		swapped    int
	}{
		{"output written", failpoint.CompactorWritten, 1, 0},
		{"output renamed", failpoint.CompactorRenamed, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			cfg := testEngineConfig(dir)
			cfg.Compaction.Interval = time.Hour

			fp := failpointtest.NewRegistry()
			fp.Enable(tt.checkpoint)
			engine := openEngine(t, cfg, WithFailpoints(fp))
			keys := seedForCompaction(t, engine)

			require.NoError(t, engine.Rotate("docs"))
			require.Eventually(t, func() bool { return fp.Hits(tt.checkpoint) == 1 }, waitFor, 5*time.Millisecond)
			engine.Crash()

			reopened := openEngine(t, testEngineConfig(dir))
			report := reopened.RecoveryReport()
			assert.Equal(t, tt.orphaned, report.OrphanedCompactions)
			assert.Equal(t, tt.swapped, report.CompletedSwaps)

			finals, compacting := collectionFiles(t, reopened, "docs")
			assert.Empty(t, compacting)
			assert.Len(t, finals, 1)

			after, err := reopened.Keys("docs")
			require.NoError(t, err)
			assert.Equal(t, keys, after)
			for i := 6; i < 10; i++ {
				doc, err := reopened.Lookup("docs", docKey(i))
				require.NoError(t, err)
				assert.Equal(t, docPayload(i), doc.Payload)
			}
		})
	}
}

func TestRecovery_RetiresRecordsBeyondWatermark(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	fp := failpointtest.NewRegistry()
	engine := openEngine(t, testEngineConfig(dir), WithFailpoints(fp))
	_, err := engine.CreateCollection("docs")
	require.NoError(t, err)

	fp.Enable(failpoint.CollectorMarkedDone)
	const n = 20
	for i := 0; i < n; i++ {
		_, err := engine.Insert(ctx, "docs", docKey(i), docPayload(i))
		require.NoError(t, err)
	}
	require.NoError(t, engine.Flush(FlushOptions{ForceSync: true}))

	require.Eventually(t, func() bool {
		fig, err := engine.Figures("docs")
		return err == nil && fig.Alive.Count == n && fp.Hits(failpoint.CollectorMarkedDone) > 0
	}, waitFor, 5*time.Millisecond)
	fig, err := engine.Figures("docs")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), fig.Watermark, "watermark stays put while the pass is aborted")
	engine.Crash()

	reopened := openEngine(t, testEngineConfig(dir))
	report := reopened.RecoveryReport()
	assert.Equal(t, n, report.StaleRecordsRetired)
	assert.Equal(t, n, report.RecordsReplayed)

	fig, err = reopened.Figures("docs")
	require.NoError(t, err)
	assert.Equal(t, int64(n), fig.Alive.Count)
	assert.Equal(t, int64(n), fig.Dead.Count)
	assert.Equal(t, int64(0), fig.Dead.Deletion)
	assert.Equal(t, int64(n), fig.Documents)
	assert.Greater(t, fig.Watermark, uint64(0))

	for i := 0; i < n; i++ {
		doc, err := reopened.Lookup("docs", docKey(i))
		require.NoError(t, err)
		assert.Equal(t, docPayload(i), doc.Payload)
	}
}

func TestRecovery_IdempotentReplay(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	fp := failpointtest.NewRegistry()
	fp.Enable(failpoint.CollectorMarkedDone)

	engine := openEngine(t, testEngineConfig(dir), WithFailpoints(fp))
	_, err := engine.CreateCollection("docs")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := engine.Insert(ctx, "docs", docKey(i), docPayload(i))
		require.NoError(t, err)
	}
	for i := 0; i < 10; i += 3 {
		_, err := engine.Remove(ctx, "docs", docKey(i))
		require.NoError(t, err)
	}
	require.NoError(t, engine.Flush(FlushOptions{ForceSync: true}))
	engine.Crash()

	// Keep the uncollected segment so it can be presented to recovery again.
	cfg := testEngineConfig(dir)
	entries, err := segment.List(cfg.JournalDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	saved, err := os.ReadFile(entries[0].Path)
	require.NoError(t, err)

	once := openEngine(t, cfg)
	want, err := once.Keys("docs")
	require.NoError(t, err)
	wantFig, err := once.Figures("docs")
	require.NoError(t, err)
	once.Crash()

	require.NoError(t, os.WriteFile(entries[0].Path, saved, 0644))

	twice := openEngine(t, cfg)
	got, err := twice.Keys("docs")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Len(t, got, 6)

	gotFig, err := twice.Figures("docs")
	require.NoError(t, err)
	assert.Equal(t, wantFig.Alive.Count, gotFig.Alive.Count)
	assert.Equal(t, wantFig.Dead.Count, gotFig.Dead.Count)
	assert.Equal(t, 1, twice.RecoveryReport().SegmentsDiscarded)
}

func TestRecovery_CollectionMismatchRefusesToOpen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	engine := openEngine(t, testEngineConfig(dir))

	a, err := engine.CreateCollection("a")
	require.NoError(t, err)
	b, err := engine.CreateCollection("b")
	require.NoError(t, err)
	_, err = engine.Insert(ctx, "a", "k", []byte("v"))
	require.NoError(t, err)
	require.NoError(t, engine.Flush(FlushOptions{ForceSync: true, WaitForCollector: true}))
	require.NoError(t, engine.Close())

	finals, _ := collectionFiles(t, engine, "a")
	require.Len(t, finals, 1)
	data, err := os.ReadFile(filepath.Join(a.Dir(), finals[0]))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(b.Dir(), datafile.FileName(999)), data, 0644))

	_, err = NewStorageService(testEngineConfig(dir), zap.NewNop(), WithDiskManager(testDiskManager(t, dir)))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvariantViolation))
}

func TestRecovery_CorruptSegmentRecord(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	fp := failpointtest.NewRegistry()
	fp.Enable(failpoint.CollectorMarkedDone)

	engine := openEngine(t, testEngineConfig(dir), WithFailpoints(fp))
	_, err := engine.CreateCollection("docs")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := engine.Insert(ctx, "docs", docKey(i), docPayload(i))
		require.NoError(t, err)
	}
	require.NoError(t, engine.Flush(FlushOptions{ForceSync: true}))
	engine.Crash()

	cfg := testEngineConfig(dir)
	entries, err := segment.List(cfg.JournalDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Flip a byte inside the body of the first frame.
	data, err := os.ReadFile(entries[0].Path)
	require.NoError(t, err)
	data[segment.HeaderSize+segment.FrameHeaderSize+2] ^= 0xff
	require.NoError(t, os.WriteFile(entries[0].Path, data, 0644))

	strict := testEngineConfig(dir)
	strict.Strict = true
	_, err = NewStorageService(strict, zap.NewNop(), WithDiskManager(testDiskManager(t, dir)))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCorruption))

	reopened := openEngine(t, cfg)
	assert.Equal(t, 1, reopened.RecoveryReport().Corruptions)
	exists, err := reopened.Exists("docs", docKey(0))
	require.NoError(t, err)
	assert.False(t, exists, "the damaged operation is skipped")
	count, err := reopened.Count("docs")
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}

func TestRecovery_OlderSegmentLostItsSeal(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	fp := failpointtest.NewRegistry()
	fp.Enable(failpoint.CollectorMarkedDone)

	engine := openEngine(t, testEngineConfig(dir), WithFailpoints(fp))
	_, err := engine.CreateCollection("docs")
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		_, err := engine.Insert(ctx, "docs", docKey(i), docPayload(i))
		require.NoError(t, err)
		if i%3 == 2 {
			require.NoError(t, engine.Flush(FlushOptions{ForceSync: true}))
		}
	}
	engine.Crash()

	cfg := testEngineConfig(dir)
	entries, err := segment.List(cfg.JournalDir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Drop the seal marker and the end of the last operation.
	info, err := os.Stat(entries[0].Path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(entries[0].Path, info.Size()-30))
	contents, err := segment.ReadFile(entries[0].Path, segment.ReadOptions{})
	require.NoError(t, err)
	require.False(t, contents.Sealed)
	require.True(t, contents.TornTail)

	strict := testEngineConfig(dir)
	strict.Strict = true
	_, err = NewStorageService(strict, zap.NewNop(), WithDiskManager(testDiskManager(t, dir)))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCorruption))

	reopened := openEngine(t, cfg)
	assert.Equal(t, 1, reopened.RecoveryReport().Corruptions)
	exists, err := reopened.Exists("docs", docKey(2))
	require.NoError(t, err)
	assert.False(t, exists, "the torn operation is lost")
	count, err := reopened.Count("docs")
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
}

func TestRecovery_RemoveAfterPromotedOutputSurvives(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := testEngineConfig(dir)
	cfg.Compaction.Interval = time.Hour
	fp := failpointtest.NewRegistry()
	fp.Enable(failpoint.CompactorRenamed)

	engine := openEngine(t, cfg, WithFailpoints(fp))
	seedForCompaction(t, engine)
	require.NoError(t, engine.Rotate("docs"))
	require.Eventually(t, func() bool { return fp.Hits(failpoint.CompactorRenamed) == 1 }, waitFor, 5*time.Millisecond)
	fp.Clear()

	require.Eventually(t, engine.collector.Halted, waitFor, 5*time.Millisecond)
	assert.True(t, engine.compaction.Fenced())
	assert.False(t, engine.Ready())
	assert.True(t, engine.Health().Metrics.CollectorHalted)

	_, err := engine.Remove(ctx, "docs", docKey(6))
	require.NoError(t, err)
	err = engine.Flush(FlushOptions{ForceSync: true, WaitForCollector: true})
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotCommitted))
	exists, err := engine.Exists("docs", docKey(6))
	require.NoError(t, err)
	assert.False(t, exists)

	engine.Crash()

	reopened := openEngine(t, testEngineConfig(dir))
	assert.Equal(t, 1, reopened.RecoveryReport().CompletedSwaps)
	exists, err = reopened.Exists("docs", docKey(6))
	require.NoError(t, err)
	assert.False(t, exists, "a removed document stays removed")
	keys, err := reopened.Keys("docs")
	require.NoError(t, err)
	assert.Equal(t, []string{docKey(7), docKey(8), docKey(9)}, keys)
}
