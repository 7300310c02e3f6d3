package transfer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmylchreest/tvarr-fleet/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	file      *models.FileRecord
	completed *models.FileRecord
}

func (f *fakeStore) Get(ctx context.Context, id uint) (*models.FileRecord, error) {
	return f.file, nil
}

func (f *fakeStore) MarkCompleted(ctx context.Context, id uint, outputSize, savingsBytes int64, savingsPercent float64) (*models.FileRecord, error) {
	f.file.MarkCompleted(outputSize, savingsBytes, savingsPercent)
	f.completed = f.file
	return f.file, nil
}

func writeOriginal(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "movie.mkv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0640))
	return path
}

func TestUpload_SafeReplacePreservesBackup(t *testing.T) {
	path := writeOriginal(t, "original-bytes-000000")
	store := &fakeStore{file: &models.FileRecord{
		ID: 1, Path: path, SizeBytes: int64(len("original-bytes-000000")), Status: models.FileStatusProcessing,
	}}

	svc := New(store, true, nil)
	orig, newSize, pct, err := svc.Upload(context.Background(), 1, bytes.NewBufferString("short"))
	require.NoError(t, err)

	assert.Equal(t, int64(len("original-bytes-000000")), orig)
	assert.Equal(t, int64(len("short")), newSize)
	assert.Greater(t, pct, 0.0)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "short", string(data))

	bak, err := os.ReadFile(path + bakSuffix)
	require.NoError(t, err)
	assert.Equal(t, "original-bytes-000000", string(bak))

	assert.Equal(t, models.FileStatusCompleted, store.completed.Status)
}

func TestUpload_RemovesBackupWhenNotPreserving(t *testing.T) {
	path := writeOriginal(t, "original")
	store := &fakeStore{file: &models.FileRecord{
		ID: 1, Path: path, SizeBytes: int64(len("original")), Status: models.FileStatusProcessing,
	}}

	svc := New(store, false, nil)
	_, _, _, err := svc.Upload(context.Background(), 1, bytes.NewBufferString("x"))
	require.NoError(t, err)

	_, err = os.Stat(path + bakSuffix)
	assert.True(t, os.IsNotExist(err), "backup should be removed when preserve_mode is false")
}

func TestUpload_IdempotentOnAlreadyCompleted(t *testing.T) {
	store := &fakeStore{file: &models.FileRecord{
		ID: 1, Status: models.FileStatusCompleted, SizeBytes: 1000, OutputSizeBytes: 700, SavingsPercent: 30,
	}}

	svc := New(store, true, nil)
	orig, newSize, pct, err := svc.Upload(context.Background(), 1, bytes.NewBufferString("ignored"))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), orig)
	assert.Equal(t, int64(700), newSize)
	assert.Equal(t, 30.0, pct)
}

func TestUpload_RejectsWrongStatus(t *testing.T) {
	store := &fakeStore{file: &models.FileRecord{ID: 1, Status: models.FileStatusPending}}
	svc := New(store, true, nil)

	_, _, _, err := svc.Upload(context.Background(), 1, bytes.NewBufferString("x"))
	assert.Error(t, err)
}

func TestMarkAndClearInProgress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.mkv")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0640))

	svc := New(&fakeStore{}, true, nil)
	require.NoError(t, svc.MarkInProgress(path))

	_, err := os.Stat(InProgressMarkerPath(path))
	require.NoError(t, err)

	svc.ClearInProgress(path)
	_, err = os.Stat(InProgressMarkerPath(path))
	assert.True(t, os.IsNotExist(err))
}

func TestSource_StreamsFileWithSize(t *testing.T) {
	path := writeOriginal(t, "hello world")
	store := &fakeStore{file: &models.FileRecord{ID: 1, Path: path, Filename: "movie.mkv"}}
	svc := New(store, true, nil)

	f, size, filename, err := svc.Source(context.Background(), 1)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, int64(len("hello world")), size)
	assert.Equal(t, "movie.mkv", filename)
}

func TestSource_NotFound(t *testing.T) {
	store := &fakeStore{file: nil}
	svc := New(store, true, nil)

	_, _, _, err := svc.Source(context.Background(), 999)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
