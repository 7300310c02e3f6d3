// Package transfer streams source files out to workers and performs the
// safe replacement of a source file with its transcoded result. Grounded
// on internal/storage.Sandbox's atomic-rename discipline: a file is never
// overwritten in place, only ever reached via a rename from a fully
// written sibling.
package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jmylchreest/tvarr-fleet/internal/models"
	"golang.org/x/sys/unix"
)

// Store is the narrow view of the durable queue the transfer layer needs.
type Store interface {
	Get(ctx context.Context, id uint) (*models.FileRecord, error)
	MarkCompleted(ctx context.Context, id uint, outputSize, savingsBytes int64, savingsPercent float64) (*models.FileRecord, error)
}

// Service performs file downloads and safe-replacement uploads.
type Service struct {
	store        Store
	preserveMode bool
	logger       *slog.Logger
}

// New creates a transfer Service. preserveMode controls whether the ".bak"
// sibling created during a safe replace is kept or removed afterward.
func New(store Store, preserveMode bool, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, preserveMode: preserveMode, logger: logger.With(slog.String("component", "transfer"))}
}

// Source opens a FileRecord's source file for streaming download, returning
// the open file, its size, and its display filename. The caller must Close
// the file.
func (s *Service) Source(ctx context.Context, fileID uint) (*os.File, int64, string, error) {
	file, err := s.store.Get(ctx, fileID)
	if err != nil {
		return nil, 0, "", fmt.Errorf("looking up file record: %w", err)
	}
	if file == nil {
		return nil, 0, "", models.ErrNotFound
	}

	f, err := os.Open(file.Path)
	if err != nil {
		return nil, 0, "", fmt.Errorf("opening source file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, "", fmt.Errorf("statting source file: %w", err)
	}

	return f, info.Size(), file.Filename, nil
}

// inProgressSuffix and part/bak suffixes follow the filesystem layout in
// the configuration spec: "<path>.av1.inprogress" marks an active
// transcode, "<path>.av1.part" is the in-flight upload sibling, and
// "<path>.bak" is the preserved or transient original.
const (
	inProgressSuffix = ".av1.inprogress"
	partSuffix       = ".av1.part"
	bakSuffix        = ".bak"
)

// InProgressMarkerPath returns the sibling marker path for a source path.
func InProgressMarkerPath(path string) string {
	return path + inProgressSuffix
}

// MarkInProgress creates the sibling marker file, created on job assignment
// so external tools scanning the library can skip files mid-transcode.
func (s *Service) MarkInProgress(path string) error {
	f, err := os.OpenFile(InProgressMarkerPath(path), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("creating in-progress marker: %w", err)
	}
	return f.Close()
}

// ClearInProgress removes the sibling marker, on completion or failure.
// Missing markers are not an error.
func (s *Service) ClearInProgress(path string) {
	if err := os.Remove(InProgressMarkerPath(path)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove in-progress marker", slog.String("path", path), slog.Any("error", err))
	}
}

// Upload accepts the transcoded body for fileID, performs the safe
// replacement algorithm, and finalizes the FileRecord as completed.
// Returns the original size, new size, and percentage saved.
func (s *Service) Upload(ctx context.Context, fileID uint, body io.Reader) (originalSize, newSize int64, savingsPercent float64, err error) {
	file, err := s.store.Get(ctx, fileID)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("looking up file record: %w", err)
	}
	if file == nil {
		return 0, 0, 0, models.ErrNotFound
	}

	if file.Status == models.FileStatusCompleted {
		return file.SizeBytes, file.OutputSizeBytes, file.SavingsPercent, nil
	}
	if file.Status != models.FileStatusProcessing && file.Status != models.FileStatusFailed {
		return 0, 0, 0, fmt.Errorf("%w: upload rejected, status is %s", models.ErrNotProcessing, file.Status)
	}

	if err := s.checkFreeSpace(filepath.Dir(file.Path), file.SizeBytes); err != nil {
		return 0, 0, 0, err
	}

	partPath := file.Path + partSuffix
	written, err := writeToSibling(partPath, body)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("writing uploaded body: %w", err)
	}

	if err := s.safeReplace(file.Path, partPath); err != nil {
		os.Remove(partPath)
		return 0, 0, 0, fmt.Errorf("replacing source with transcoded output: %w", err)
	}

	s.ClearInProgress(file.Path)

	savingsBytes := file.SizeBytes - written
	var savingsPercent float64
	if file.SizeBytes > 0 {
		savingsPercent = float64(savingsBytes) / float64(file.SizeBytes) * 100
	}

	updated, err := s.store.MarkCompleted(ctx, fileID, written, savingsBytes, savingsPercent)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("finalizing file record: %w", err)
	}

	return updated.SizeBytes, updated.OutputSizeBytes, updated.SavingsPercent, nil
}

// safeReplace performs the three-step rename sequence: remove any stale
// .bak, move the original aside to .bak, then promote the part file into
// the original's place. A failure between steps leaves the filesystem in
// a recoverable state: before step 2, the original is untouched; after
// step 2 but before step 3, the .bak is the source of truth for a retry.
func (s *Service) safeReplace(originalPath, partPath string) error {
	bakPath := originalPath + bakSuffix

	if _, err := os.Stat(bakPath); err == nil {
		if err := os.Remove(bakPath); err != nil {
			return fmt.Errorf("removing stale backup: %w", err)
		}
	}

	if err := os.Rename(originalPath, bakPath); err != nil {
		return fmt.Errorf("moving original aside: %w", err)
	}

	if err := os.Rename(partPath, originalPath); err != nil {
		return fmt.Errorf("promoting transcoded output: %w", err)
	}

	if !s.preserveMode {
		if err := os.Remove(bakPath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove backup after replace", slog.String("path", bakPath), slog.Any("error", err))
		}
	}

	return nil
}

func writeToSibling(path string, body io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return 0, fmt.Errorf("creating parent directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return 0, fmt.Errorf("creating sibling file: %w", err)
	}

	written, copyErr := io.Copy(f, body)
	closeErr := f.Close()
	if copyErr != nil {
		os.Remove(path)
		return 0, copyErr
	}
	if closeErr != nil {
		os.Remove(path)
		return 0, closeErr
	}
	return written, nil
}

// checkFreeSpace rejects the upload early if the destination filesystem
// clearly lacks room for the incoming body, using a best-effort statfs.
func (s *Service) checkFreeSpace(dir string, incoming int64) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		s.logger.Warn("statfs failed, skipping free space check", slog.String("dir", dir), slog.Any("error", err))
		return nil
	}

	available := int64(stat.Bavail) * int64(stat.Bsize)
	if available < incoming {
		return fmt.Errorf("insufficient free space in %s: need %d bytes, have %d", dir, incoming, available)
	}
	return nil
}
