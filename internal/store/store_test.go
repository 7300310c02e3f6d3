package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmylchreest/tvarr-fleet/internal/config"
	"github.com/jmylchreest/tvarr-fleet/internal/database"
	"github.com/jmylchreest/tvarr-fleet/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	cfg := config.DatabaseConfig{
		Driver:          "sqlite",
		DSN:             ":memory:",
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
		LogLevel:        "silent",
	}

	db, err := database.New(cfg, nil, &database.Options{PrepareStmt: false})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.DB.AutoMigrate(&models.FileRecord{}))

	return New(db.DB)
}

func makeFile(path string, size int64) *models.FileRecord {
	return &models.FileRecord{
		Path:      path,
		Directory: "/media",
		Filename:  path,
		SizeBytes: size,
	}
}

func TestUpsertFile_InsertsNew(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	file, err := s.UpsertFile(ctx, makeFile("/media/a.mkv", 100))
	require.NoError(t, err)
	assert.NotZero(t, file.ID)
	assert.Equal(t, models.FileStatusPending, file.Status)
}

func TestUpsertFile_UpdatesMetadataOnlyNotStatus(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	file, err := s.UpsertFile(ctx, makeFile("/media/a.mkv", 100))
	require.NoError(t, err)

	claimed, err := s.PickNextPending(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, file.ID, claimed.ID)

	updated, err := s.UpsertFile(ctx, makeFile("/media/a.mkv", 200))
	require.NoError(t, err)
	assert.Equal(t, int64(200), updated.SizeBytes)
	assert.Equal(t, models.FileStatusProcessing, updated.Status, "upsert must never change status")
}

func TestPickNextPending_NoCandidates(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	file, err := s.PickNextPending(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, file)
}

func TestPickNextPending_FIFOTieBreak(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertFile(ctx, makeFile("/media/first.mkv", 100))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = s.UpsertFile(ctx, makeFile("/media/second.mkv", 100))
	require.NoError(t, err)

	claimed, err := s.PickNextPending(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, models.FileStatusProcessing, claimed.Status)
	assert.Equal(t, "worker-1", claimed.AssignedWorkerID)
	assert.NotNil(t, claimed.StartedAt)
}

func TestPickNextPending_PriorityBeatsFIFO(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertFile(ctx, makeFile("/media/first.mkv", 100))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	second, err := s.UpsertFile(ctx, makeFile("/media/second.mkv", 100))
	require.NoError(t, err)

	_, err = s.SetPriority(ctx, second.ID, 10, nil)
	require.NoError(t, err)

	claimed, err := s.PickNextPending(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, second.ID, claimed.ID)
}

func TestPickNextPending_PreferredWorkerExcludesOthers(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	file, err := s.UpsertFile(ctx, makeFile("/media/pinned.mkv", 100))
	require.NoError(t, err)

	preferred := "worker-pinned"
	_, err = s.SetPriority(ctx, file.ID, 0, &preferred)
	require.NoError(t, err)

	claimed, err := s.PickNextPending(ctx, "worker-other")
	require.NoError(t, err)
	assert.Nil(t, claimed, "file pinned to another worker must not be claimable")

	claimed, err = s.PickNextPending(ctx, preferred)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, file.ID, claimed.ID)
}

func TestPickNextPending_NoDoubleAssignment(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	const numFiles = 20
	for i := 0; i < numFiles; i++ {
		_, err := s.UpsertFile(ctx, makeFile(fmt.Sprintf("/media/file-%d.mkv", i), 100))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[uint]int)

	const numWorkers = 8
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				file, err := s.PickNextPending(ctx, workerID)
				if err != nil || file == nil {
					return
				}
				mu.Lock()
				seen[file.ID]++
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()

	assert.Len(t, seen, numFiles)
	for id, count := range seen {
		assert.Equal(t, 1, count, "file %d was claimed %d times", id, count)
	}
}

func TestUpdateProgress_IgnoredWhenNotProcessing(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	file, err := s.UpsertFile(ctx, makeFile("/media/a.mkv", 100))
	require.NoError(t, err)

	err = s.UpdateProgress(ctx, file.ID, 50, 1.5, 60)
	require.NoError(t, err)

	got, err := s.Get(ctx, file.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ProgressPercent, "progress update on a pending row must be ignored")
}

func TestUpdateProgress_AppliesWhenProcessing(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	file, err := s.UpsertFile(ctx, makeFile("/media/a.mkv", 100))
	require.NoError(t, err)
	_, err = s.PickNextPending(ctx, "worker-1")
	require.NoError(t, err)

	err = s.UpdateProgress(ctx, file.ID, 42.5, 30, 120)
	require.NoError(t, err)

	got, err := s.Get(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, 42.5, got.ProgressPercent)
	assert.Equal(t, 30.0, got.ProcessingSpeedFPS)
	assert.Equal(t, int64(120), got.TimeRemainingSeconds)
}

func TestMarkCompleted_ComputesSavings(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	file, err := s.UpsertFile(ctx, makeFile("/media/a.mkv", 1000))
	require.NoError(t, err)
	_, err = s.PickNextPending(ctx, "worker-1")
	require.NoError(t, err)

	completed, err := s.MarkCompleted(ctx, file.ID, 400, 600, 60.0)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusCompleted, completed.Status)
	assert.Equal(t, int64(600), completed.SavingsBytes)
	assert.InDelta(t, 60.0, completed.SavingsPercent, 0.001)
}

func TestMarkCompleted_IdempotentOnSecondCall(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	file, err := s.UpsertFile(ctx, makeFile("/media/a.mkv", 1000))
	require.NoError(t, err)
	_, err = s.PickNextPending(ctx, "worker-1")
	require.NoError(t, err)

	first, err := s.MarkCompleted(ctx, file.ID, 400, 600, 60.0)
	require.NoError(t, err)

	second, err := s.MarkCompleted(ctx, file.ID, 999, 1, 0.1)
	require.NoError(t, err)
	assert.Equal(t, first.OutputSizeBytes, second.OutputSizeBytes, "a second complete call must not change an already-completed row")
}

func TestMarkFailed_IncrementsRetryCount(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	file, err := s.UpsertFile(ctx, makeFile("/media/a.mkv", 1000))
	require.NoError(t, err)
	_, err = s.PickNextPending(ctx, "worker-1")
	require.NoError(t, err)

	failed, err := s.MarkFailed(ctx, file.ID, "encoder crashed")
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusFailed, failed.Status)
	assert.Equal(t, 1, failed.RetryCount)
	assert.Equal(t, "encoder crashed", failed.ErrorMessage)
	assert.Empty(t, failed.AssignedWorkerID)
}

func TestResetAllFailed(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	file, err := s.UpsertFile(ctx, makeFile("/media/a.mkv", 1000))
	require.NoError(t, err)
	_, err = s.PickNextPending(ctx, "worker-1")
	require.NoError(t, err)
	_, err = s.MarkFailed(ctx, file.ID, "boom")
	require.NoError(t, err)

	count, err := s.ResetAllFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	got, err := s.Get(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusPending, got.Status)
	assert.Empty(t, got.ErrorMessage)
}

func TestSkip_MarksCompletedWithoutTranscoding(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	file, err := s.UpsertFile(ctx, makeFile("/media/a.mkv", 1000))
	require.NoError(t, err)

	skipped, err := s.Skip(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusCompleted, skipped.Status)
	assert.Equal(t, int64(0), skipped.SavingsBytes)
	assert.Equal(t, file.SizeBytes, skipped.OutputSizeBytes)
}

func TestDeleteAllCompleted(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	a, err := s.UpsertFile(ctx, makeFile("/media/a.mkv", 1000))
	require.NoError(t, err)
	_, err = s.Skip(ctx, a.ID)
	require.NoError(t, err)

	_, err = s.UpsertFile(ctx, makeFile("/media/b.mkv", 1000))
	require.NoError(t, err)

	count, err := s.DeleteAllCompleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	files, err := s.List(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestStatistics(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	a, err := s.UpsertFile(ctx, makeFile("/media/a.mkv", 1000))
	require.NoError(t, err)
	_, err = s.PickNextPending(ctx, "worker-1")
	require.NoError(t, err)
	_, err = s.MarkCompleted(ctx, a.ID, 600, 400, 40.0)
	require.NoError(t, err)

	_, err = s.UpsertFile(ctx, makeFile("/media/b.mkv", 2000))
	require.NoError(t, err)

	stats, err := s.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalFiles)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(3000), stats.TotalOriginalSize)
	assert.Equal(t, int64(600), stats.TotalOutputSize)
	assert.Equal(t, int64(400), stats.TotalSavingsBytes)
}

func TestListProcessing(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertFile(ctx, makeFile("/media/a.mkv", 1000))
	require.NoError(t, err)
	_, err = s.UpsertFile(ctx, makeFile("/media/b.mkv", 1000))
	require.NoError(t, err)

	_, err = s.PickNextPending(ctx, "worker-1")
	require.NoError(t, err)

	processing, err := s.ListProcessing(ctx)
	require.NoError(t, err)
	assert.Len(t, processing, 1)
}

func TestGet_NotFound(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	file, err := s.Get(ctx, 9999)
	require.NoError(t, err)
	assert.Nil(t, file)
}
