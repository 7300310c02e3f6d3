package scanner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tvarr-fleet/internal/models"
)

type fakeStore struct {
	mu    sync.Mutex
	files []*models.FileRecord
}

func (f *fakeStore) UpsertFile(ctx context.Context, info *models.FileRecord) (*models.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = append(f.files, info)
	return info, nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.files)
}

func writeMediaTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "movie.mkv"), []byte("x"), 0640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0640))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "clip.mp4"), []byte("x"), 0640))
	return dir
}

func TestScanner_Scan_UpsertsMediaFilesOnly(t *testing.T) {
	dir := writeMediaTree(t)
	store := &fakeStore{}
	s := New(store, nil)

	err := s.Scan(context.Background(), []string{dir})
	require.NoError(t, err)
	assert.Equal(t, 2, store.count())
}

func TestScanner_Scan_RejectsConcurrentRuns(t *testing.T) {
	dir := writeMediaTree(t)
	store := &fakeStore{}
	s := New(store, nil)

	s.mu.Lock()
	s.scanning = true
	s.mu.Unlock()

	err := s.Scan(context.Background(), []string{dir})
	assert.Error(t, err)

	s.mu.Lock()
	s.scanning = false
	s.mu.Unlock()
}

func TestScanner_InProgress_ReflectsState(t *testing.T) {
	s := New(&fakeStore{}, nil)
	assert.False(t, s.InProgress())

	s.mu.Lock()
	s.scanning = true
	s.mu.Unlock()
	assert.True(t, s.InProgress())
}

func TestScanner_StartSchedule_EmptyExprIsNoop(t *testing.T) {
	s := New(&fakeStore{}, nil)
	c, err := s.StartSchedule(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestScanner_StartSchedule_RunsOnTick(t *testing.T) {
	dir := writeMediaTree(t)
	store := &fakeStore{}
	s := New(store, nil)

	c, err := s.StartSchedule(context.Background(), "@every 10ms", []string{dir})
	require.NoError(t, err)
	require.NotNil(t, c)
	defer func() { <-c.Stop().Done() }()

	require.Eventually(t, func() bool {
		return store.count() > 0
	}, time.Second, 10*time.Millisecond)
}

func TestScanner_StartSchedule_InvalidExprErrors(t *testing.T) {
	s := New(&fakeStore{}, nil)
	_, err := s.StartSchedule(context.Background(), "not-a-cron-expr", nil)
	assert.Error(t, err)
}
