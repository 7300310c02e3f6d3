package workerclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorker_saveFailedUpload_WritesSidecarAndCopy(t *testing.T) {
	w := newTestWorker(t)

	resultDir := t.TempDir()
	resultPath := filepath.Join(resultDir, "result.mkv")
	require.NoError(t, os.WriteFile(resultPath, []byte("encoded"), 0640))

	err := w.saveFailedUpload(7, "/media/a.mkv", resultPath, 100, 200, "worker-abc")
	require.NoError(t, err)

	data, err := w.sandbox.ReadFile(filepath.Join(failedUploadsDir, sidecarName(7)))
	require.NoError(t, err)

	var fu failedUpload
	require.NoError(t, json.Unmarshal(data, &fu))
	assert.EqualValues(t, 7, fu.FileID)
	assert.Equal(t, "worker-abc", fu.WorkerID)

	durableBytes, err := os.ReadFile(fu.ResultPath)
	require.NoError(t, err)
	assert.Equal(t, "encoded", string(durableBytes))
}

func TestWorker_retryFailedUploads_ClearsSidecarOnSuccess(t *testing.T) {
	var uploaded, completed bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/file/7/result":
			uploaded = true
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/api/worker/worker-abc/job/7/complete":
			completed = true
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	w := newTestWorker(t)
	w.client = NewClient(srv.URL, nil)

	resultDir := t.TempDir()
	resultPath := filepath.Join(resultDir, "result.mkv")
	require.NoError(t, os.WriteFile(resultPath, []byte("encoded"), 0640))
	require.NoError(t, w.saveFailedUpload(7, "/media/a.mkv", resultPath, 100, 200, "worker-abc"))

	w.retryFailedUploads(context.Background())

	assert.True(t, uploaded)
	assert.True(t, completed)

	_, err := w.sandbox.ReadFile(filepath.Join(failedUploadsDir, sidecarName(7)))
	assert.Error(t, err)
}
