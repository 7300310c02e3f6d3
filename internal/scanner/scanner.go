// Package scanner walks the configured media directories and reports
// candidate files to the Store. The traversal itself is a thin external
// collaborator: media probing (codec, resolution, HDR, ...) happens later,
// either here if cheap metadata is available or at process time on the
// worker. Only the upsert effect on the Store is load-bearing.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/tvarr-fleet/internal/models"
)

// mediaExtensions lists the container extensions considered candidates for
// transcoding. Matches the teacher's case-insensitive extension checks.
var mediaExtensions = map[string]bool{
	".mkv": true,
	".mp4": true,
	".avi": true,
	".mov": true,
	".ts":  true,
	".m2ts": true,
	".wmv": true,
}

// Store is the narrow view of the Store the Scanner needs.
type Store interface {
	UpsertFile(ctx context.Context, info *models.FileRecord) (*models.FileRecord, error)
}

// Scanner walks a set of media directories and upserts every candidate file
// it finds into the Store.
type Scanner struct {
	mu        sync.Mutex
	scanning  bool
	store     Store
	logger    *slog.Logger
}

// New creates a Scanner backed by store.
func New(store Store, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{store: store, logger: logger.With(slog.String("component", "scanner"))}
}

// InProgress reports whether a scan is currently running.
func (s *Scanner) InProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

// Scan walks every directory in dirs and upserts each candidate file found.
// Only one scan runs at a time; a scan already in progress is a no-op.
// Walk errors for individual entries are logged and skipped rather than
// aborting the whole pass, matching the teacher's tolerant directory walks.
func (s *Scanner) Scan(ctx context.Context, dirs []string) error {
	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		return fmt.Errorf("scan already in progress")
	}
	s.scanning = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.scanning = false
		s.mu.Unlock()
	}()

	found := 0
	for _, dir := range dirs {
		if err := s.walkDir(ctx, dir, &found); err != nil {
			return err
		}
	}

	s.logger.Info("scan complete", slog.Int("files_found", found))
	return nil
}

// StartSchedule runs Scan on a recurring cron schedule (6-field, seconds
// first, same grammar the teacher's relay scheduler parses) in addition to
// the on-demand trigger. An empty expr is a no-op. The returned cron.Cron is
// already started; call Stop on it during shutdown.
func (s *Scanner) StartSchedule(ctx context.Context, expr string, dirs []string) (*cron.Cron, error) {
	if expr == "" {
		return nil, nil
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(
		cron.Recover(cron.DefaultLogger),
	))

	if _, err := c.AddFunc(expr, func() {
		if err := s.Scan(ctx, dirs); err != nil {
			s.logger.Warn("scheduled scan skipped", slog.String("error", err.Error()))
		}
	}); err != nil {
		return nil, fmt.Errorf("parsing scan schedule %q: %w", expr, err)
	}

	c.Start()
	return c, nil
}

func (s *Scanner) walkDir(ctx context.Context, dir string, found *int) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.logger.Warn("skipping unreadable path", slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if !mediaExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		record := &models.FileRecord{
			Path:      path,
			Directory: filepath.Dir(path),
			Filename:  filepath.Base(path),
			SizeBytes: info.Size(),
			Status:    models.FileStatusPending,
		}

		if _, err := s.store.UpsertFile(ctx, record); err != nil {
			s.logger.Error("upserting discovered file", slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}
		*found++
		return nil
	})
}
