package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/failpoint"
	"github.com/devrev/pairdb/docstore/internal/failpoint/failpointtest"
	"github.com/devrev/pairdb/docstore/internal/storage/diskmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const waitFor = 10 * time.Second

func testEngineConfig(dir string) *EngineConfig {
	cfg := DefaultEngineConfig(dir)
	cfg.CommitLog.SyncInterval = 10 * time.Millisecond
	cfg.CommitLog.MaxAge = time.Hour
	cfg.Collector.Interval = 10 * time.Millisecond
	cfg.Collector.MaxBackoff = 20 * time.Millisecond
	cfg.Compaction.Interval = 20 * time.Millisecond
	return cfg
}

func testDiskManager(t *testing.T, dir string) *diskmanager.DiskManager {
	t.Helper()
	dm, err := diskmanager.NewDiskManager(&diskmanager.DiskManagerConfig{
		DataDir:                 dir,
		CheckInterval:           time.Minute,
		WarningThreshold:        101,
		ThrottleThreshold:       101,
		CircuitBreakerThreshold: 101,
	}, zap.NewNop())
	require.NoError(t, err)
	return dm
}

func openEngine(t *testing.T, cfg *EngineConfig, opts ...Option) *StorageService {
	t.Helper()
	opts = append([]Option{WithDiskManager(testDiskManager(t, t.TempDir()))}, opts...)
	s, err := NewStorageService(cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func docKey(i int) string { return fmt.Sprintf("test%d", i) }

func docPayload(i int) []byte { return []byte(fmt.Sprintf(`{"value":%d}`, i)) }

// Crash while the collector is stopped right after making the removals
// durable, before the watermark moves. Compaction then deletes the fully
// dead datafile. None of the removed documents may come back.
func TestStorageService_DieDuringCollector(t *testing.T) {
	dir := t.TempDir()
	fp := failpointtest.NewRegistry()
	ctx := context.Background()
	const name = "UnitTestsRecovery"
	const n = 1000

	engine := openEngine(t, testEngineConfig(dir), WithFailpoints(fp))
	_, err := engine.CreateCollection(name)
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		_, err := engine.Insert(ctx, name, docKey(i), docPayload(i))
		require.NoError(t, err)
	}
	require.NoError(t, engine.Flush(FlushOptions{ForceSync: true, WaitForCollector: true}))

	for i := 0; i < n; i++ {
		_, err := engine.Remove(ctx, name, docKey(i))
		require.NoError(t, err)
	}

	fp.Enable(failpoint.CollectorMarkedDone)
	require.NoError(t, engine.Flush(FlushOptions{ForceSync: true}))

	require.Eventually(t, func() bool {
		fig, err := engine.Figures(name)
		return err == nil && fig.Dead.Deletion == n
	}, waitFor, 10*time.Millisecond)
	assert.GreaterOrEqual(t, fp.Hits(failpoint.CollectorMarkedDone), 1)

	require.NoError(t, engine.Rotate(name))
	require.Eventually(t, func() bool {
		fig, err := engine.Figures(name)
		return err == nil && fig.Datafiles.Count == 0 && fig.Journals.Count == 0
	}, waitFor, 10*time.Millisecond)

	engine.Crash()

	reopened := openEngine(t, testEngineConfig(dir))
	report := reopened.RecoveryReport()
	assert.False(t, report.CleanShutdown)
	assert.Equal(t, 1, report.SegmentsReplayed)

	count, err := reopened.Count(name)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
	for i := 0; i < n; i++ {
		exists, err := reopened.Exists(name, docKey(i))
		require.NoError(t, err)
		require.False(t, exists, "document %s came back", docKey(i))
	}
}

func TestStorageService_DurableAfterFlush(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	engine := openEngine(t, testEngineConfig(dir))
	_, err := engine.CreateCollection("docs")
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		_, err := engine.Insert(ctx, "docs", docKey(i), docPayload(i))
		require.NoError(t, err)
	}
	for i := 0; i < 50; i += 5 {
		_, err := engine.Update(ctx, "docs", docKey(i), docPayload(i*100))
		require.NoError(t, err)
	}
	for i := 1; i < 50; i += 5 {
		_, err := engine.Remove(ctx, "docs", docKey(i))
		require.NoError(t, err)
	}
	require.NoError(t, engine.Flush(FlushOptions{ForceSync: true}))
	engine.Crash()

	reopened := openEngine(t, testEngineConfig(dir))
	count, err := reopened.Count("docs")
	require.NoError(t, err)
	assert.Equal(t, int64(40), count)

	for i := 0; i < 50; i++ {
		doc, err := reopened.Lookup("docs", docKey(i))
		switch {
		case i%5 == 1:
			assert.True(t, errors.IsCode(err, errors.ErrCodeKeyNotFound), "key %d", i)
		case i%5 == 0:
			require.NoError(t, err)
			assert.Equal(t, docPayload(i*100), doc.Payload)
		default:
			require.NoError(t, err)
			assert.Equal(t, docPayload(i), doc.Payload)
		}
	}

	_, err = reopened.Insert(ctx, "docs", "after-restart", nil)
	require.NoError(t, err)
}

func TestStorageService_CleanShutdown(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	engine := openEngine(t, testEngineConfig(dir))
	_, err := engine.CreateCollection("docs")
	require.NoError(t, err)
	last, err := engine.Insert(ctx, "docs", "a", []byte("1"))
	require.NoError(t, err)
	require.NoError(t, engine.Close())

	_, err = engine.Insert(ctx, "docs", "b", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeClosed))

	reopened := openEngine(t, testEngineConfig(dir))
	report := reopened.RecoveryReport()
	assert.True(t, report.CleanShutdown)
	assert.Greater(t, report.NextSequence, last)

	seq, err := reopened.Insert(ctx, "docs", "b", nil)
	require.NoError(t, err)
	assert.Greater(t, seq, last, "sequence numbers continue across restarts")
}

func TestStorageService_SubmitConstraints(t *testing.T) {
	engine := openEngine(t, testEngineConfig(t.TempDir()))
	ctx := context.Background()
	_, err := engine.CreateCollection("docs")
	require.NoError(t, err)
	_, err = engine.Insert(ctx, "docs", "a", []byte("1"))
	require.NoError(t, err)

	tests := []struct {
		name string
		run  func() error
		code errors.ErrorCode
	}{
		{"duplicate insert", func() error { _, err := engine.Insert(ctx, "docs", "a", nil); return err }, errors.ErrCodeUniqueConstraint},
		{"update missing", func() error { _, err := engine.Update(ctx, "docs", "b", nil); return err }, errors.ErrCodeKeyNotFound},
		{"remove missing", func() error { _, err := engine.Remove(ctx, "docs", "b"); return err }, errors.ErrCodeKeyNotFound},
		{"unknown collection", func() error { _, err := engine.Insert(ctx, "nope", "a", nil); return err }, errors.ErrCodeCollectionNotFound},
		{"invalid key", func() error { _, err := engine.Insert(ctx, "docs", "a b", nil); return err }, errors.ErrCodeInvalidKey},
		{"duplicate collection", func() error { _, err := engine.CreateCollection("docs"); return err }, errors.ErrCodeCollectionExists},
		{"invalid collection name", func() error { _, err := engine.CreateCollection("9lives"); return err }, errors.ErrCodeInvalidCollectionName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.GetCode(err))
		})
	}

	_, err = engine.Remove(ctx, "docs", "a")
	require.NoError(t, err)
	_, err = engine.Insert(ctx, "docs", "a", []byte("2"))
	require.NoError(t, err, "a removed key can be inserted again")
}

func TestStorageService_SequenceOrdering(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	engine := openEngine(t, testEngineConfig(dir))
	_, err := engine.CreateCollection("docs")
	require.NoError(t, err)
	_, err = engine.Insert(ctx, "docs", "hot", []byte("0"))
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		maxSeq  uint64
		winner  []byte
		wg      sync.WaitGroup
		workers = 8
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				payload := []byte(fmt.Sprintf("%d-%d", w, i))
				seq, err := engine.Update(ctx, "docs", "hot", payload)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				if seq > maxSeq {
					maxSeq, winner = seq, payload
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	doc, err := engine.Lookup("docs", "hot")
	require.NoError(t, err)
	assert.Equal(t, maxSeq, doc.Sequence)
	assert.Equal(t, winner, doc.Payload)

	require.NoError(t, engine.Flush(FlushOptions{ForceSync: true, WaitForCollector: true}))
	doc, err = engine.Lookup("docs", "hot")
	require.NoError(t, err)
	assert.False(t, doc.Uncollected)
	assert.Equal(t, maxSeq, doc.Sequence)

	fig, err := engine.Figures("docs")
	require.NoError(t, err)
	assert.Equal(t, int64(1), fig.Alive.Count, "every superseded revision is tombstoned")

	engine.Crash()
	reopened := openEngine(t, testEngineConfig(dir))
	doc, err = reopened.Lookup("docs", "hot")
	require.NoError(t, err)
	assert.Equal(t, winner, doc.Payload)
}

func TestStorageService_CompactionPreservesLiveness(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	engine := openEngine(t, testEngineConfig(dir))
	_, err := engine.CreateCollection("docs")
	require.NoError(t, err)

	const n = 200
	for i := 0; i < n; i++ {
		_, err := engine.Insert(ctx, "docs", docKey(i), docPayload(i))
		require.NoError(t, err)
	}
	require.NoError(t, engine.Flush(FlushOptions{ForceSync: true, WaitForCollector: true}))
	for i := 0; i < n; i += 2 {
		_, err := engine.Remove(ctx, "docs", docKey(i))
		require.NoError(t, err)
	}
	for i := 1; i < n; i += 4 {
		_, err := engine.Update(ctx, "docs", docKey(i), docPayload(-i))
		require.NoError(t, err)
	}
	require.NoError(t, engine.Flush(FlushOptions{ForceSync: true, WaitForCollector: true}))

	before, err := engine.Keys("docs")
	require.NoError(t, err)
	require.Len(t, before, n/2)

	require.NoError(t, engine.Rotate("docs"))
	require.Eventually(t, func() bool {
		_, removed, _ := engine.compaction.Stats()
		return removed >= 1
	}, waitFor, 10*time.Millisecond)

	fig, err := engine.Figures("docs")
	require.NoError(t, err)
	assert.Equal(t, int64(0), fig.Dead.Count)
	assert.Equal(t, int64(n/2), fig.Alive.Count)

	check := func(s *StorageService) {
		after, err := s.Keys("docs")
		require.NoError(t, err)
		assert.Equal(t, before, after)
		for i := 1; i < n; i += 2 {
			doc, err := s.Lookup("docs", docKey(i))
			require.NoError(t, err)
			want := docPayload(i)
			if i%4 == 1 {
				want = docPayload(-i)
			}
			assert.Equal(t, want, doc.Payload, "key %d", i)
		}
	}
	check(engine)

	engine.Crash()
	check(openEngine(t, testEngineConfig(dir)))
}

func TestStorageService_DropCollection(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	engine := openEngine(t, testEngineConfig(dir))

	first, err := engine.CreateCollection("docs")
	require.NoError(t, err)
	_, err = engine.Insert(ctx, "docs", "a", []byte("1"))
	require.NoError(t, err)
	require.NoError(t, engine.Flush(FlushOptions{ForceSync: true, WaitForCollector: true}))

	_, err = engine.Insert(ctx, "docs", "b", []byte("2"))
	require.NoError(t, err)
	require.NoError(t, engine.Flush(FlushOptions{ForceSync: true}))
	require.NoError(t, engine.DropCollection("docs"))

	_, err = engine.Count("docs")
	assert.True(t, errors.IsCode(err, errors.ErrCodeCollectionNotFound))

	second, err := engine.CreateCollection("docs")
	require.NoError(t, err)
	assert.Greater(t, second.ID(), first.ID(), "collection ids are never reused")

	require.NoError(t, engine.Flush(FlushOptions{WaitForCollector: true}))
	count, err := engine.Count("docs")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count, "operations of the dropped collection are not collected into the new one")

	engine.Crash()
	reopened := openEngine(t, testEngineConfig(dir))
	colls := reopened.Collections()
	require.Len(t, colls, 1)
	assert.Equal(t, second.ID(), colls[0].ID())
	count, err = reopened.Count("docs")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestStorageService_Health(t *testing.T) {
	engine := openEngine(t, testEngineConfig(t.TempDir()))

	assert.True(t, engine.Ready())
	health := engine.Health()
	assert.Equal(t, "healthy", string(health.Status))
	assert.True(t, health.Metrics.RecoveryComplete)
	assert.False(t, health.Metrics.CollectorHalted)

	require.NoError(t, engine.Close())
	assert.False(t, engine.Ready())
	assert.Equal(t, "unhealthy", string(engine.Health().Status))
}
