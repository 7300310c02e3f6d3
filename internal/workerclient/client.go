// Package workerclient implements the worker side of the HTTP job protocol:
// register, heartbeat, job request, progress, completion/failure reporting,
// and source/result transfer. Each concern goes through its own circuit
// breaker (all on the global default settings), grounded on the teacher's
// pkg/httpclient factory.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/jmylchreest/tvarr-fleet/internal/models"
	"github.com/jmylchreest/tvarr-fleet/internal/scheduler"
	"github.com/jmylchreest/tvarr-fleet/pkg/httpclient"
)

// ErrNotRegistered is returned when the master responds 404 to a call that
// requires a previously-registered worker ID, signaling the caller should
// re-register.
var ErrNotRegistered = errors.New("worker is not registered with master")

// Timeouts per call kind, per SPEC_FULL.md's worker client section.
const (
	registerTimeout = 10 * time.Second
	heartbeatTimeout = 5 * time.Second
	jobTimeout       = 10 * time.Second
	transferTimeout  = 300 * time.Second
)

// Client is the HTTP client a worker uses to talk to the master.
type Client struct {
	baseURL string

	registerClient *httpclient.Client
	heartbeatClient *httpclient.Client
	jobClient      *httpclient.Client
	transferClient *httpclient.Client
}

// NewClient creates a Client targeting masterURL, with a distinct
// circuit breaker per call kind so a dead master trips its breaker
// independently for heartbeats, registration, job polling, and transfer.
func NewClient(masterURL string, factory *httpclient.ClientFactory) *Client {
	if factory == nil {
		factory = httpclient.DefaultFactory
	}

	return &Client{
		baseURL:         masterURL,
		registerClient:  factory.CreateClient(httpclient.ClientConfig{ServiceName: "register", Timeout: registerTimeout}),
		heartbeatClient: factory.CreateClient(httpclient.ClientConfig{ServiceName: "heartbeat", Timeout: heartbeatTimeout}),
		jobClient:       factory.CreateClient(httpclient.ClientConfig{ServiceName: "job", Timeout: jobTimeout}),
		transferClient:  factory.CreateClient(httpclient.ClientConfig{ServiceName: "transfer", Timeout: transferTimeout}),
	}
}

func (c *Client) url(p string) string {
	return c.baseURL + p
}

func doJSON(ctx context.Context, client *httpclient.Client, method, u string, body, out any) (int, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshaling request body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.DoWithContext(ctx, req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, ErrNotRegistered
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("master returned %d: %s", resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Register registers the worker, returning its stable ID.
func (c *Client) Register(ctx context.Context, hostname, nonce, version string, caps models.Capabilities) (string, error) {
	body := struct {
		Hostname     string              `json:"hostname"`
		Nonce        string              `json:"nonce"`
		Version      string              `json:"version"`
		Capabilities models.Capabilities `json:"capabilities"`
	}{hostname, nonce, version, caps}

	var out struct {
		WorkerID string `json:"worker_id"`
	}
	if _, err := doJSON(ctx, c.registerClient, http.MethodPost, c.url("/api/worker/register"), body, &out); err != nil {
		return "", err
	}
	return out.WorkerID, nil
}

// Heartbeat reports liveness and, optionally, an in-flight job's state.
func (c *Client) Heartbeat(ctx context.Context, workerID string, payload models.HeartbeatPayload) error {
	u := c.url(fmt.Sprintf("/api/worker/%s/heartbeat", url.PathEscape(workerID)))
	_, err := doJSON(ctx, c.heartbeatClient, http.MethodPost, u, payload, nil)
	return err
}

// RequestJob polls for the next assignment. Returns nil, nil if the queue
// is empty.
func (c *Client) RequestJob(ctx context.Context, workerID string) (*scheduler.Assignment, error) {
	u := c.url(fmt.Sprintf("/api/worker/%s/job/request", url.PathEscape(workerID)))

	var out struct {
		Job *scheduler.Assignment `json:"job"`
	}
	if _, err := doJSON(ctx, c.jobClient, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return out.Job, nil
}

// PostProgress reports transcode progress for an in-flight file.
func (c *Client) PostProgress(ctx context.Context, workerID string, fileID uint, payload models.ProgressPayload) error {
	u := c.url(fmt.Sprintf("/api/worker/%s/job/%d/progress", url.PathEscape(workerID), fileID))
	_, err := doJSON(ctx, c.jobClient, http.MethodPost, u, payload, nil)
	return err
}

// PostComplete reports a successful transcode.
func (c *Client) PostComplete(ctx context.Context, workerID string, fileID uint, outputSize, originalSize int64) error {
	u := c.url(fmt.Sprintf("/api/worker/%s/job/%d/complete", url.PathEscape(workerID), fileID))
	body := struct {
		OutputSize   int64 `json:"output_size"`
		OriginalSize int64 `json:"original_size"`
	}{outputSize, originalSize}
	_, err := doJSON(ctx, c.jobClient, http.MethodPost, u, body, nil)
	return err
}

// PostFail reports a transcode failure with a human-readable reason.
func (c *Client) PostFail(ctx context.Context, workerID string, fileID uint, reason string) error {
	u := c.url(fmt.Sprintf("/api/worker/%s/job/%d/failed", url.PathEscape(workerID), fileID))
	body := struct {
		Error string `json:"error"`
	}{reason}
	_, err := doJSON(ctx, c.jobClient, http.MethodPost, u, body, nil)
	return err
}

// DownloadSource streams the source file for fileID to destPath.
func (c *Client) DownloadSource(ctx context.Context, workerID string, fileID uint, destPath string) error {
	u := c.url(fmt.Sprintf("/api/worker/%s/file/%d/download", url.PathEscape(workerID), fileID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building download request: %w", err)
	}

	resp, err := c.transferClient.DoWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("downloading source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("master returned %d downloading source: %s", resp.StatusCode, string(data))
	}

	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("opening destination: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("writing downloaded source: %w", err)
	}
	return nil
}

// UploadResult uploads the transcoded result at localPath for fileID.
func (c *Client) UploadResult(ctx context.Context, fileID uint, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening result file: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		defer pw.Close()
		defer mw.Close()

		part, err := mw.CreateFormFile("file", path.Base(localPath))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
	}()

	u := c.url(fmt.Sprintf("/api/file/%d/result", fileID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, pr)
	if err != nil {
		return fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.transferClient.DoWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("uploading result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("master returned %d uploading result: %s", resp.StatusCode, string(data))
	}
	return nil
}

// FetchLookupTable fetches a static worker-facing config table verbatim.
func (c *Client) FetchLookupTable(ctx context.Context, name string) ([]byte, error) {
	resp, err := c.jobClient.Get(ctx, c.url("/api/config/"+name))
	if err != nil {
		return nil, fmt.Errorf("fetching lookup table %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("master returned %d fetching %s", resp.StatusCode, name)
	}
	return io.ReadAll(resp.Body)
}
