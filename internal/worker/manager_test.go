package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/config"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/pipeline"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/storage"
)

type blockingRunner struct {
	started chan int64
}

func (r *blockingRunner) Run(ctx context.Context, scanID int64, abandon <-chan struct{}) (pipeline.RunResult, error) {
	r.started <- scanID
	select {
	case <-abandon:
	case <-ctx.Done():
		return pipeline.RunResult{}, ctx.Err()
	}
	return pipeline.RunResult{ScanID: scanID}, nil
}

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testConfig() config.Config {
	return config.Config{ScanWorkers: 1, ScanRecoveryInterval: time.Hour}
}

func TestManagerRunsAndCancels(t *testing.T) {
	runner := &blockingRunner{started: make(chan int64, 1)}
	m := NewManager(openTestDB(t), testConfig(), runner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.NoError(t, m.Enqueue(7))
	select {
	case id := <-runner.started:
		assert.Equal(t, int64(7), id)
	case <-time.After(5 * time.Second):
		t.Fatal("scan was never started")
	}

	state, ok := m.State(7)
	require.True(t, ok)
	assert.Equal(t, StateRunning, state)
	assert.ErrorIs(t, m.Enqueue(7), pipeline.ErrAlreadyScheduled)

	assert.True(t, m.Cancel(7))
	assert.True(t, m.Cancel(7))
	require.Eventually(t, func() bool {
		s, _ := m.State(7)
		return s == StateCancelled
	}, 5*time.Second, 10*time.Millisecond)

	assert.False(t, m.Cancel(7))
	assert.False(t, m.Cancel(99))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop")
	}
}

func TestManagerRecoverRequeuesProcessingScans(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	m := NewManager(db, testConfig(), &blockingRunner{started: make(chan int64, 1)})

	scan, err := db.CreateScan(ctx, []string{"a.jpg", "b.jpg"})
	require.NoError(t, err)
	_, err = db.CreateScan(ctx, []string{"c.jpg"})
	require.NoError(t, err)
	require.NoError(t, db.MarkScanProcessing(ctx, scan.ID, "Queued"))

	n, err := m.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	state, ok := m.State(scan.ID)
	require.True(t, ok)
	assert.Equal(t, StateQueued, state)

	n, err = m.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestManagerQueueFull(t *testing.T) {
	m := NewManager(nil, testConfig(), &blockingRunner{})
	for i := int64(1); i <= queueSize; i++ {
		require.NoError(t, m.Enqueue(i))
	}
	assert.ErrorIs(t, m.Enqueue(queueSize+1), ErrQueueFull)
}

func TestManagerPrunesFinishedTasks(t *testing.T) {
	cfg := testConfig()
	cfg.ScanTaskRetention = time.Minute
	m := NewManager(nil, cfg, &blockingRunner{})

	now := time.Now()
	m.tasks[1] = &task{state: StateDone, finished: now.Add(-2 * time.Minute)}
	m.tasks[2] = &task{state: StateCancelled, finished: now.Add(-30 * time.Second)}
	m.tasks[3] = &task{state: StateFailed, finished: now.Add(-time.Hour)}
	require.NoError(t, m.Enqueue(4))

	assert.Equal(t, 2, m.prune(now))

	_, ok := m.State(1)
	assert.False(t, ok)
	_, ok = m.State(3)
	assert.False(t, ok)
	state, ok := m.State(2)
	require.True(t, ok)
	assert.Equal(t, StateCancelled, state)
	state, ok = m.State(4)
	require.True(t, ok)
	assert.Equal(t, StateQueued, state)

	// A pruned scan can be scheduled again.
	require.NoError(t, m.Enqueue(1))
}
