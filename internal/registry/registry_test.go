package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/jmylchreest/tvarr-fleet/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveWorkerID_Stable(t *testing.T) {
	id1 := DeriveWorkerID("box1", "nonce-abc")
	id2 := DeriveWorkerID("box1", "nonce-abc")
	assert.Equal(t, id1, id2)
	assert.Regexp(t, "^worker-[0-9a-f]{16}$", id1)
}

func TestDeriveWorkerID_DifferentHostnameOrNonceDiffers(t *testing.T) {
	base := DeriveWorkerID("box1", "nonce-abc")
	assert.NotEqual(t, base, DeriveWorkerID("box2", "nonce-abc"))
	assert.NotEqual(t, base, DeriveWorkerID("box1", "nonce-xyz"))
}

func TestRegister_NewWorker(t *testing.T) {
	r := New()
	id := r.Register("box1", "nonce-abc", "1.0.0", models.Capabilities{CPUCount: 4})

	w := r.ByID(id)
	require.NotNil(t, w)
	assert.Equal(t, "box1", w.Hostname)
	assert.Equal(t, models.WorkerStatusIdle, w.Status)
}

func TestRegister_ReRegistrationReusesID(t *testing.T) {
	r := New()
	id1 := r.Register("box1", "nonce-abc", "1.0.0", models.Capabilities{})
	id2 := r.Register("box1", "nonce-abc", "1.1.0", models.Capabilities{})

	assert.Equal(t, id1, id2)
	w := r.ByID(id1)
	require.NotNil(t, w)
	assert.Equal(t, "1.1.0", w.Version)
}

func TestHeartbeat_UnknownWorkerReturnsFalse(t *testing.T) {
	r := New()
	ok := r.Heartbeat("worker-doesnotexist", models.HeartbeatPayload{})
	assert.False(t, ok)
}

func TestHeartbeat_UpdatesKnownWorker(t *testing.T) {
	r := New()
	id := r.Register("box1", "nonce-abc", "1.0.0", models.Capabilities{})

	ok := r.Heartbeat(id, models.HeartbeatPayload{Status: models.WorkerStatusProcessing, CurrentSpeed: 5})
	assert.True(t, ok)

	w := r.ByID(id)
	require.NotNil(t, w)
	assert.Equal(t, models.WorkerStatusProcessing, w.Status)
	assert.Equal(t, 5.0, w.CurrentSpeedFPS)
}

func TestSetCurrentJob_AndClear(t *testing.T) {
	r := New()
	id := r.Register("box1", "nonce-abc", "1.0.0", models.Capabilities{})

	err := r.SetCurrentJob(id, 42, "movie.mkv")
	require.NoError(t, err)

	w := r.ByID(id)
	require.NotNil(t, w.CurrentFileID)
	assert.Equal(t, uint(42), *w.CurrentFileID)
	assert.Equal(t, models.WorkerStatusProcessing, w.Status)

	err = r.ClearCurrentJob(id, true, 1024)
	require.NoError(t, err)

	w = r.ByID(id)
	assert.Nil(t, w.CurrentFileID)
	assert.Equal(t, models.WorkerStatusIdle, w.Status)
	assert.Equal(t, int64(1), w.JobsCompleted)
	assert.Equal(t, int64(1024), w.TotalBytesProcessed)
}

func TestSetCurrentJob_UnknownWorker(t *testing.T) {
	r := New()
	err := r.SetCurrentJob("worker-nope", 1, "x.mkv")
	assert.ErrorIs(t, err, models.ErrWorkerUnknown)
}

func TestToggleFadeOut(t *testing.T) {
	r := New()
	id := r.Register("box1", "nonce-abc", "1.0.0", models.Capabilities{})

	fadeOut, err := r.ToggleFadeOut(id)
	require.NoError(t, err)
	assert.True(t, fadeOut)

	fadeOut, err = r.ToggleFadeOut(id)
	require.NoError(t, err)
	assert.False(t, fadeOut)
}

func TestCanAcceptJobs_FalseWhenFadingOutOrOffline(t *testing.T) {
	r := New()
	id := r.Register("box1", "nonce-abc", "1.0.0", models.Capabilities{})
	assert.True(t, r.CanAcceptJobs(id))

	_, err := r.ToggleFadeOut(id)
	require.NoError(t, err)
	assert.False(t, r.CanAcceptJobs(id))
}

func TestMarkOffline_ReturnsInFlightFile(t *testing.T) {
	r := New()
	id := r.Register("box1", "nonce-abc", "1.0.0", models.Capabilities{})
	require.NoError(t, r.SetCurrentJob(id, 7, "a.mkv"))

	fileID, marked := r.MarkOffline(id, 0)
	require.True(t, marked)
	require.NotNil(t, fileID)
	assert.Equal(t, uint(7), *fileID)

	assert.False(t, r.WorkerIsAlive(id))
}

func TestMarkOffline_NoInFlightFile(t *testing.T) {
	r := New()
	id := r.Register("box1", "nonce-abc", "1.0.0", models.Capabilities{})

	fileID, marked := r.MarkOffline(id, 0)
	assert.True(t, marked)
	assert.Nil(t, fileID)
}

func TestMarkOffline_RecentHeartbeatWinsRace(t *testing.T) {
	r := New()
	id := r.Register("box1", "nonce-abc", "1.0.0", models.Capabilities{})

	// Simulates the Monitor racing a concurrent Heartbeat: the worker looked
	// stale in the Workers() snapshot, but by the time MarkOffline takes the
	// lock a heartbeat has already landed, so the re-check under the lock
	// must leave the worker untouched.
	fileID, marked := r.MarkOffline(id, time.Hour)
	assert.False(t, marked)
	assert.Nil(t, fileID)
	assert.True(t, r.WorkerIsAlive(id))
}

func TestWorkers_ReturnsSnapshotCopies(t *testing.T) {
	r := New()
	id := r.Register("box1", "nonce-abc", "1.0.0", models.Capabilities{})

	workers := r.Workers()
	require.Len(t, workers, 1)
	workers[0].Hostname = "mutated"

	w := r.ByID(id)
	assert.Equal(t, "box1", w.Hostname, "mutating a snapshot must not affect the registry")
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := r.Register("box", "nonce", "1.0.0", models.Capabilities{})
			_ = r.Heartbeat(id, models.HeartbeatPayload{Status: models.WorkerStatusIdle})
			_ = r.Workers()
		}(i)
	}
	wg.Wait()

	assert.Len(t, r.Workers(), 1)
}
