package scheduler

import (
	"context"
	"testing"

	"github.com/jmylchreest/tvarr-fleet/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	file *models.FileRecord
	err  error
}

func (f *fakeStore) PickNextPending(ctx context.Context, workerID string) (*models.FileRecord, error) {
	return f.file, f.err
}

type fakeRegistry struct {
	canAccept  bool
	setCalls   []string
	setJobErr  error
}

func (f *fakeRegistry) CanAcceptJobs(workerID string) bool { return f.canAccept }

func (f *fakeRegistry) SetCurrentJob(workerID string, fileID uint, filename string) error {
	f.setCalls = append(f.setCalls, workerID)
	return f.setJobErr
}

type fakeLookup struct{ version string }

func (f fakeLookup) Version() string { return f.version }

func TestAssign_RejectsWorkerNotAcceptingJobs(t *testing.T) {
	s := New(&fakeStore{}, &fakeRegistry{canAccept: false}, fakeLookup{})

	_, err := s.Assign(context.Background(), "worker-1")
	assert.ErrorIs(t, err, ErrWorkerNotAcceptingJobs)
}

func TestAssign_NoFilesReturnsNil(t *testing.T) {
	s := New(&fakeStore{file: nil}, &fakeRegistry{canAccept: true}, fakeLookup{})

	assignment, err := s.Assign(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.Nil(t, assignment)
}

func TestAssign_SuccessRecordsCurrentJob(t *testing.T) {
	file := &models.FileRecord{ID: 5, Path: "/media/a.mkv", Filename: "a.mkv", SizeBytes: 100, TargetCRF: 28}
	reg := &fakeRegistry{canAccept: true}
	s := New(&fakeStore{file: file}, reg, fakeLookup{version: "v3"})

	assignment, err := s.Assign(context.Background(), "worker-1")
	require.NoError(t, err)
	require.NotNil(t, assignment)
	assert.Equal(t, uint(5), assignment.FileID)
	assert.Equal(t, "v3", assignment.LookupVersion)
	assert.Equal(t, 28, assignment.TargetCRF)
	assert.Equal(t, []string{"worker-1"}, reg.setCalls)
}
