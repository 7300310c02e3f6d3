package workerclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const failedUploadsDir = "failed_uploads"

// failedUpload is the sidecar record persisted next to a result file that
// could not be uploaded, so it survives a worker restart and is retried
// every heartbeat tick until the master accepts it.
type failedUpload struct {
	FileID       uint      `json:"job_id"`
	OriginalPath string    `json:"original_path"`
	ResultPath   string    `json:"result_path"`
	OutputSize   int64     `json:"output_size"`
	OriginalSize int64     `json:"original_size"`
	FailedAt     time.Time `json:"failed_at"`
	WorkerID     string    `json:"worker_id"`
}

// saveFailedUpload copies resultPath into the durable failed_uploads
// directory (outside the per-job work directory, which is removed when
// processJob returns) and writes its sidecar JSON.
func (w *Worker) saveFailedUpload(fileID uint, originalPath, resultPath string, outputSize, originalSize int64, workerID string) error {
	if err := w.sandbox.MkdirAll(failedUploadsDir); err != nil {
		return fmt.Errorf("creating failed_uploads directory: %w", err)
	}

	durableResultPath, err := w.sandbox.ResolvePath(filepath.Join(failedUploadsDir, fmt.Sprintf("%d.mkv", fileID)))
	if err != nil {
		return fmt.Errorf("resolving durable result path: %w", err)
	}
	if err := copyFile(resultPath, durableResultPath); err != nil {
		return fmt.Errorf("copying result into failed_uploads: %w", err)
	}

	fu := failedUpload{
		FileID:       fileID,
		OriginalPath: originalPath,
		ResultPath:   durableResultPath,
		OutputSize:   outputSize,
		OriginalSize: originalSize,
		FailedAt:     time.Now(),
		WorkerID:     workerID,
	}
	data, err := json.Marshal(fu)
	if err != nil {
		return fmt.Errorf("marshaling failed-upload sidecar: %w", err)
	}
	return w.sandbox.WriteFile(filepath.Join(failedUploadsDir, sidecarName(fileID)), data)
}

// retryFailedUploads is called every heartbeat tick to drain the
// failed_uploads queue against the master.
func (w *Worker) retryFailedUploads(ctx context.Context) {
	entries, err := w.sandbox.List(failedUploadsDir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		sidecarRel := filepath.Join(failedUploadsDir, entry.Name())
		data, err := w.sandbox.ReadFile(sidecarRel)
		if err != nil {
			continue
		}

		var fu failedUpload
		if err := json.Unmarshal(data, &fu); err != nil {
			w.logger.Warn("discarding unreadable failed-upload sidecar", slog.String("file", entry.Name()))
			_ = w.sandbox.Remove(sidecarRel)
			continue
		}

		if err := w.client.UploadResult(ctx, fu.FileID, fu.ResultPath); err != nil {
			w.logger.Warn("retrying failed upload still failing",
				slog.Uint64("file_id", uint64(fu.FileID)), slog.String("error", err.Error()))
			continue
		}

		if err := w.client.PostComplete(ctx, fu.WorkerID, fu.FileID, fu.OutputSize, fu.OriginalSize); err != nil {
			w.logger.Warn("failed-upload retry uploaded but completion report failed",
				slog.Uint64("file_id", uint64(fu.FileID)), slog.String("error", err.Error()))
			continue
		}

		w.clearActiveJobIfMatches(fu.FileID)
		_ = w.sandbox.Remove(sidecarRel)
		_ = os.Remove(fu.ResultPath)
		w.logger.Info("recovered previously failed upload", slog.Uint64("file_id", uint64(fu.FileID)))
	}
}

func sidecarName(fileID uint) string {
	return fmt.Sprintf("%d.json", fileID)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
