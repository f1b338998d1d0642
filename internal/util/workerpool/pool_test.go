package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsTasks(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 2, QueueSize: 8})
	defer pool.Stop(time.Second)

	var ran atomic.Int32
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(Task{ID: "t", Fn: func(context.Context) error {
			ran.Add(1)
			return nil
		}}))
	}
	require.NoError(t, pool.Submit(Task{ID: "fail", Fn: func(context.Context) error {
		return errors.New("boom")
	}}))
	require.NoError(t, pool.Submit(Task{ID: "panic", Fn: func(context.Context) error {
		panic("boom")
	}}))

	require.Eventually(t, func() bool {
		s := pool.Stats()
		return s.CompletedTasks+s.FailedTasks == 6
	}, 5*time.Second, 5*time.Millisecond)

	stats := pool.Stats()
	assert.Equal(t, int32(4), ran.Load())
	assert.Equal(t, uint64(2), stats.FailedTasks)
	assert.InDelta(t, 66.6, stats.SuccessRate(), 0.1)
}

func TestWorkerPool_KeyDeduplication(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 1, QueueSize: 8})
	defer pool.Stop(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	require.True(t, pool.TrySubmit(Task{ID: "a", Key: "coll-1", Fn: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	assert.False(t, pool.TrySubmit(Task{ID: "b", Key: "coll-1", Fn: func(context.Context) error { return nil }}),
		"a running key must reject a second task")
	assert.Error(t, pool.Submit(Task{ID: "b", Key: "coll-1", Fn: func(context.Context) error { return nil }}))
	assert.True(t, pool.TrySubmit(Task{ID: "c", Key: "coll-2", Fn: func(context.Context) error { return nil }}))

	close(release)
	require.Eventually(t, func() bool { return pool.Stats().Idle() }, 5*time.Second, 5*time.Millisecond)

	assert.True(t, pool.TrySubmit(Task{ID: "d", Key: "coll-1", Fn: func(context.Context) error { return nil }}))
}

func TestWorkerPool_StopCancelsContext(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 1})

	started := make(chan struct{})
	require.NoError(t, pool.Submit(Task{ID: "long", Fn: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))
	<-started

	require.NoError(t, pool.Stop(5*time.Second))
	assert.False(t, pool.TrySubmit(Task{ID: "late", Fn: func(context.Context) error { return nil }}))
	assert.NoError(t, pool.Stop(time.Second), "stop is idempotent")
}
