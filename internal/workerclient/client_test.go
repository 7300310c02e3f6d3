package workerclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tvarr-fleet/internal/models"
	"github.com/jmylchreest/tvarr-fleet/internal/scheduler"
)

func TestClient_Register(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/worker/register", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var body struct {
			Hostname string `json:"hostname"`
			Nonce    string `json:"nonce"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "host-a", body.Hostname)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"worker_id": "worker-abc"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	id, err := c.Register(context.Background(), "host-a", "nonce-1", "v1.0.0", models.Capabilities{CPUCount: 4})
	require.NoError(t, err)
	assert.Equal(t, "worker-abc", id)
}

func TestClient_Heartbeat_NotRegistered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	err := c.Heartbeat(context.Background(), "worker-missing", models.HeartbeatPayload{Status: models.WorkerStatusIdle})
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestClient_RequestJob_EmptyQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"job": nil})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	assignment, err := c.RequestJob(context.Background(), "worker-abc")
	require.NoError(t, err)
	assert.Nil(t, assignment)
}

func TestClient_RequestJob_ReturnsAssignment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"job": scheduler.Assignment{FileID: 42, Path: "/media/a.mkv", TargetCRF: 28},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	assignment, err := c.RequestJob(context.Background(), "worker-abc")
	require.NoError(t, err)
	require.NotNil(t, assignment)
	assert.EqualValues(t, 42, assignment.FileID)
	assert.Equal(t, 28, assignment.TargetCRF)
}

func TestClient_PostComplete(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Equal(t, "/api/worker/worker-abc/job/42/complete", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	err := c.PostComplete(context.Background(), "worker-abc", 42, 1000, 2000)
	require.NoError(t, err)
	assert.True(t, called)
}

func TestClient_DownloadSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("source-bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := dir + "/out.bin"

	c := NewClient(srv.URL, nil)
	err := c.DownloadSource(context.Background(), "worker-abc", 1, dest)
	require.NoError(t, err)
}

func TestClient_FetchLookupTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/config/quality_lookup.json", r.URL.Path)
		_, _ = w.Write([]byte(`{"720p":{"8":26}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	data, err := c.FetchLookupTable(context.Background(), "quality_lookup.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"720p":{"8":26}}`, string(data))
}
