package workerclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tvarr-fleet/internal/config"
	"github.com/jmylchreest/tvarr-fleet/internal/models"
	"github.com/jmylchreest/tvarr-fleet/internal/scheduler"
)

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	cfg := config.WorkerConfig{
		MasterURL:     "http://127.0.0.1:0",
		TempDirectory: t.TempDir(),
	}
	w, err := NewWorker(cfg, "ffmpeg", slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)
	return w
}

func TestHasUnpreservableDynamicHDR(t *testing.T) {
	cases := []struct {
		name string
		hdr  models.HDRKind
		dyn  bool
		want bool
	}{
		{"sdr", models.HDRKindSDR, false, false},
		{"hdr10_static", models.HDRKindHDR10, false, false},
		{"hdr10plus_static", models.HDRKindHDR10Plus, false, false},
		{"hdr10plus_dynamic", models.HDRKindHDR10Plus, true, true},
		{"dolby_vision_dynamic", models.HDRKindDolbyVision, true, true},
		{"dolby_vision_static", models.HDRKindDolbyVision, false, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			job := &scheduler.Assignment{HDR: tc.hdr, HDRDynamic: tc.dyn}
			assert.Equal(t, tc.want, hasUnpreservableDynamicHDR(job))
		})
	}
}

func TestWorker_loadOrCreateNonce_PersistsAcrossCalls(t *testing.T) {
	w := newTestWorker(t)

	first, err := w.loadOrCreateNonce()
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	second, err := w.loadOrCreateNonce()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestWorker_capabilities_ReportsCPUCount(t *testing.T) {
	w := newTestWorker(t)
	caps := w.capabilities()
	assert.Greater(t, caps.CPUCount, 0)
}

// TestSendHeartbeat_ReportsIsCompletedForUnconfirmedJob proves a worker that
// finished a job locally but hasn't had it confirmed by the master (upload
// or /complete still pending, or previously failed) reports is_completed on
// its next heartbeat, the signal the master's reconnection recovery needs.
func TestSendHeartbeat_ReportsIsCompletedForUnconfirmedJob(t *testing.T) {
	var got models.HeartbeatPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	worker := newTestWorker(t)
	worker.client = NewClient(srv.URL, nil)
	worker.workerID = "worker-test"
	worker.activeJob = &activeJobState{
		fileID:     42,
		filePath:   "/media/movie.mkv",
		fileSize:   1000,
		startedAt:  time.Now(),
		completed:  true,
		outputSize: 400,
	}

	require.NoError(t, worker.sendHeartbeat(context.Background()))

	require.NotNil(t, got.CurrentJob)
	assert.True(t, got.CurrentJob.IsCompleted)
	assert.Equal(t, uint(42), got.CurrentJob.FileID)
}

// TestSendHeartbeat_NotCompletedWhileStillTranscoding proves a job that
// hasn't produced output yet never reports is_completed.
func TestSendHeartbeat_NotCompletedWhileStillTranscoding(t *testing.T) {
	var got models.HeartbeatPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	worker := newTestWorker(t)
	worker.client = NewClient(srv.URL, nil)
	worker.workerID = "worker-test"
	worker.activeJob = &activeJobState{fileID: 7, filePath: "/media/a.mkv", fileSize: 500, startedAt: time.Now()}

	require.NoError(t, worker.sendHeartbeat(context.Background()))

	require.NotNil(t, got.CurrentJob)
	assert.False(t, got.CurrentJob.IsCompleted)
}

func TestClearActiveJobIfMatches(t *testing.T) {
	w := newTestWorker(t)
	w.activeJob = &activeJobState{fileID: 5, completed: true}

	w.clearActiveJobIfMatches(99)
	assert.NotNil(t, w.activeJob, "mismatched file ID must not clear the slot")

	w.clearActiveJobIfMatches(5)
	assert.Nil(t, w.activeJob)
}
