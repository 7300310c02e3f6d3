// Package store implements the durable transcoding queue: a GORM-backed
// repository over the files table, with an atomic claim operation that is
// safe under concurrent worker requests regardless of SQL dialect.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmylchreest/tvarr-fleet/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the durable file-record queue.
type Store struct {
	db     *gorm.DB
	driver string // "sqlite", "postgres", or "mysql"
}

// New creates a Store backed by db.
func New(db *gorm.DB) *Store {
	driver := ""
	if db.Dialector != nil {
		driver = db.Dialector.Name()
	}
	return &Store{db: db, driver: driver}
}

// UpsertFile inserts a new file record or updates the metadata-only fields
// of an existing one, keyed by path. It never touches status, progress, or
// assignment — those transitions belong to pick_next_pending and friends.
func (s *Store) UpsertFile(ctx context.Context, info *models.FileRecord) (*models.FileRecord, error) {
	var existing models.FileRecord
	err := s.db.WithContext(ctx).Where("path = ?", info.Path).First(&existing).Error
	switch {
	case err == nil:
		existing.Directory = info.Directory
		existing.Filename = info.Filename
		existing.SizeBytes = info.SizeBytes
		existing.Codec = info.Codec
		existing.Bitrate = info.Bitrate
		existing.Resolution = info.Resolution
		existing.BitDepth = info.BitDepth
		existing.HDR = info.HDR
		existing.HDRDynamic = info.HDRDynamic
		existing.ColorTransfer = info.ColorTransfer
		existing.ColorSpace = info.ColorSpace
		existing.AudioCodec = info.AudioCodec
		existing.AudioChannels = info.AudioChannels
		existing.AudioBitrate = info.AudioBitrate
		existing.TargetCRF = info.TargetCRF
		existing.TargetOpusBitrate = info.TargetOpusBitrate
		if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
			return nil, fmt.Errorf("updating file record: %w", err)
		}
		return &existing, nil
	case err == gorm.ErrRecordNotFound:
		if err := s.db.WithContext(ctx).Create(info).Error; err != nil {
			return nil, fmt.Errorf("creating file record: %w", err)
		}
		return info, nil
	default:
		return nil, fmt.Errorf("looking up file record: %w", err)
	}
}

// PickNextPending atomically selects the next candidate row and flips it to
// processing, or returns nil if nothing is available. The selection order
// is: preferred-worker match first, then priority descending, then
// created_at ascending (FIFO tie-break). Rows with a preferred_worker_id set
// to a different worker are excluded entirely.
func (s *Store) PickNextPending(ctx context.Context, workerID string) (*models.FileRecord, error) {
	if s.driver == "sqlite" {
		return s.pickNextPendingSQLite(ctx, workerID)
	}
	return s.pickNextPendingLocked(ctx, workerID)
}

func candidateQuery(tx *gorm.DB, workerID string) *gorm.DB {
	return tx.Model(&models.FileRecord{}).
		Where("status = ?", models.FileStatusPending).
		Where("preferred_worker_id IS NULL OR preferred_worker_id = ?", workerID).
		Order(clause.Expr{SQL: "CASE WHEN preferred_worker_id = ? THEN 0 ELSE 1 END", Vars: []any{workerID}}).
		Order("priority DESC").
		Order("created_at ASC").
		Limit(1)
}

// pickNextPendingLocked uses SELECT ... FOR UPDATE SKIP LOCKED inside a
// transaction, for dialects (Postgres, MySQL) that support row locking.
func (s *Store) pickNextPendingLocked(ctx context.Context, workerID string) (*models.FileRecord, error) {
	var file models.FileRecord
	now := Now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := candidateQuery(tx, workerID).Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := query.First(&file).Error; err != nil {
			return err
		}

		file.Status = models.FileStatusProcessing
		file.AssignedWorkerID = workerID
		file.StartedAt = &now
		file.ProgressPercent = 0

		if err := tx.Save(&file).Error; err != nil {
			return fmt.Errorf("claiming file record: %w", err)
		}
		return nil
	})

	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &file, nil
}

// pickNextPendingSQLite claims a row with a single atomic UPDATE against a
// subquery, since SQLite has no SELECT ... FOR UPDATE. The first UPDATE to
// execute wins; SQLite's writer serialization prevents a second concurrent
// UPDATE from matching the same row.
func (s *Store) pickNextPendingSQLite(ctx context.Context, workerID string) (*models.FileRecord, error) {
	now := Now()

	subQuery := candidateQuery(s.db, workerID).Select("id")

	result := s.db.WithContext(ctx).
		Model(&models.FileRecord{}).
		Where("id = (?)", subQuery).
		UpdateColumns(map[string]any{
			"status":            models.FileStatusProcessing,
			"assigned_worker_id": workerID,
			"started_at":        now,
			"progress_percent":  0,
		})

	if result.Error != nil {
		return nil, fmt.Errorf("claiming file record: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}

	var file models.FileRecord
	err := s.db.WithContext(ctx).
		Where("assigned_worker_id = ? AND status = ?", workerID, models.FileStatusProcessing).
		Order("started_at DESC").
		First(&file).Error
	if err != nil {
		return nil, fmt.Errorf("fetching claimed file record: %w", err)
	}
	return &file, nil
}

// UpdateProgress records a progress update. Silently ignored (returns nil)
// if the row is not currently processing, since a late update can arrive
// after a completion raced it.
func (s *Store) UpdateProgress(ctx context.Context, id uint, percent, speed float64, etaSeconds int64) error {
	result := s.db.WithContext(ctx).Model(&models.FileRecord{}).
		Where("id = ? AND status = ?", id, models.FileStatusProcessing).
		UpdateColumns(map[string]any{
			"progress_percent":        percent,
			"processing_speed_fps":    speed,
			"time_remaining_seconds":  etaSeconds,
		})
	if result.Error != nil {
		return fmt.Errorf("updating progress: %w", result.Error)
	}
	return nil
}

// MarkCompleted transitions a file to completed with caller-supplied savings
// figures. Calling this on an already-completed row is a no-op (idempotent
// retry path).
func (s *Store) MarkCompleted(ctx context.Context, id uint, outputSize, savingsBytes int64, savingsPercent float64) (*models.FileRecord, error) {
	file, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, models.ErrNotFound
	}
	if file.Status == models.FileStatusCompleted {
		return file, nil
	}

	file.MarkCompleted(outputSize, savingsBytes, savingsPercent)
	if err := s.db.WithContext(ctx).Save(file).Error; err != nil {
		return nil, fmt.Errorf("marking file completed: %w", err)
	}
	return file, nil
}

// MarkFailed transitions a file to failed, incrementing retry_count.
func (s *Store) MarkFailed(ctx context.Context, id uint, reason string) (*models.FileRecord, error) {
	file, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, models.ErrNotFound
	}

	file.MarkFailed(reason)
	if err := s.db.WithContext(ctx).Save(file).Error; err != nil {
		return nil, fmt.Errorf("marking file failed: %w", err)
	}
	return file, nil
}

// Reset returns a single file to pending, clearing assignment and progress.
func (s *Store) Reset(ctx context.Context, id uint) (*models.FileRecord, error) {
	file, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, models.ErrNotFound
	}

	file.Reset()
	if err := s.db.WithContext(ctx).Save(file).Error; err != nil {
		return nil, fmt.Errorf("resetting file: %w", err)
	}
	return file, nil
}

// ResetAllFailed returns every failed file to pending. Returns the number of
// rows affected.
func (s *Store) ResetAllFailed(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Model(&models.FileRecord{}).
		Where("status = ?", models.FileStatusFailed).
		UpdateColumns(map[string]any{
			"status":                 models.FileStatusPending,
			"assigned_worker_id":     "",
			"started_at":             nil,
			"completed_at":           nil,
			"progress_percent":       0,
			"processing_speed_fps":   0,
			"time_remaining_seconds": 0,
			"error_message":          "",
		})
	if result.Error != nil {
		return 0, fmt.Errorf("resetting failed files: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Skip marks a file completed with zero savings without ever transcoding
// it, for operator-driven "leave this one alone" decisions.
func (s *Store) Skip(ctx context.Context, id uint) (*models.FileRecord, error) {
	file, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, models.ErrNotFound
	}

	now := Now()
	file.Status = models.FileStatusCompleted
	file.CompletedAt = &now
	file.ProgressPercent = 100
	file.OutputSizeBytes = file.SizeBytes
	file.SavingsBytes = 0
	file.SavingsPercent = 0

	if err := s.db.WithContext(ctx).Save(file).Error; err != nil {
		return nil, fmt.Errorf("skipping file: %w", err)
	}
	return file, nil
}

// Delete removes a single file record.
func (s *Store) Delete(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).Delete(&models.FileRecord{}, id).Error; err != nil {
		return fmt.Errorf("deleting file record: %w", err)
	}
	return nil
}

// DeleteAllCompleted removes every completed file record. Returns the
// number of rows removed.
func (s *Store) DeleteAllCompleted(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Where("status = ?", models.FileStatusCompleted).Delete(&models.FileRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting completed file records: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// SetPriority updates a file's priority and optional preferred worker pin.
func (s *Store) SetPriority(ctx context.Context, id uint, priority int, preferredWorkerID *string) (*models.FileRecord, error) {
	file, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, models.ErrNotFound
	}

	file.Priority = priority
	file.PreferredWorkerID = preferredWorkerID
	if err := s.db.WithContext(ctx).Save(file).Error; err != nil {
		return nil, fmt.Errorf("setting file priority: %w", err)
	}
	return file, nil
}

// Rebind re-establishes a processing assignment for a file after a worker
// reconnects mid-job, per the heartbeat reconnection-recovery rules: the
// row is pinned back to workerID at the reported progress and start time
// without going through PickNextPending again.
func (s *Store) Rebind(ctx context.Context, id uint, workerID string, progress float64, startedAt time.Time) (*models.FileRecord, error) {
	file, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, models.ErrNotFound
	}

	file.Status = models.FileStatusProcessing
	file.AssignedWorkerID = workerID
	file.ProgressPercent = progress
	file.StartedAt = &startedAt

	if err := s.db.WithContext(ctx).Save(file).Error; err != nil {
		return nil, fmt.Errorf("rebinding file: %w", err)
	}
	return file, nil
}

// Get retrieves a single file record by id, or nil if not found.
func (s *Store) Get(ctx context.Context, id uint) (*models.FileRecord, error) {
	var file models.FileRecord
	if err := s.db.WithContext(ctx).First(&file, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting file record: %w", err)
	}
	return &file, nil
}

// List returns all files, optionally filtered by status.
func (s *Store) List(ctx context.Context, status *models.FileStatus) ([]*models.FileRecord, error) {
	var files []*models.FileRecord
	query := s.db.WithContext(ctx).Order("priority DESC, created_at ASC")
	if status != nil {
		query = query.Where("status = ?", *status)
	}
	if err := query.Find(&files).Error; err != nil {
		return nil, fmt.Errorf("listing file records: %w", err)
	}
	return files, nil
}

// ListProcessing returns every file currently assigned to a worker, used by
// the Monitor's orphan-reap pass.
func (s *Store) ListProcessing(ctx context.Context) ([]*models.FileRecord, error) {
	status := models.FileStatusProcessing
	return s.List(ctx, &status)
}

// Statistics computes the derived aggregate view over all file records.
func (s *Store) Statistics(ctx context.Context) (*models.Statistics, error) {
	var stats models.Statistics

	type statusCount struct {
		Status FileStatus
		Count  int64
	}

	var counts []statusCount
	if err := s.db.WithContext(ctx).Model(&models.FileRecord{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("counting files by status: %w", err)
	}

	for _, c := range counts {
		stats.TotalFiles += c.Count
		switch models.FileStatus(c.Status) {
		case models.FileStatusPending:
			stats.Pending = c.Count
		case models.FileStatusProcessing:
			stats.Processing = c.Count
		case models.FileStatusCompleted:
			stats.Completed = c.Count
		case models.FileStatusFailed:
			stats.Failed = c.Count
		}
	}

	if err := s.db.WithContext(ctx).Model(&models.FileRecord{}).
		Select("COALESCE(SUM(size_bytes), 0)").Scan(&stats.TotalOriginalSize).Error; err != nil {
		return nil, fmt.Errorf("summing original size: %w", err)
	}

	var completedAgg struct {
		TotalOutputSize   int64
		TotalSavingsBytes int64
		AvgSavingsPercent float64
	}
	if err := s.db.WithContext(ctx).Model(&models.FileRecord{}).
		Where("status = ?", models.FileStatusCompleted).
		Select("COALESCE(SUM(output_size_bytes), 0) as total_output_size, "+
			"COALESCE(SUM(savings_bytes), 0) as total_savings_bytes, "+
			"COALESCE(AVG(savings_percent), 0) as avg_savings_percent").
		Scan(&completedAgg).Error; err != nil {
		return nil, fmt.Errorf("aggregating completed files: %w", err)
	}

	stats.TotalOutputSize = completedAgg.TotalOutputSize
	stats.TotalSavingsBytes = completedAgg.TotalSavingsBytes
	stats.AverageSavingsPct = completedAgg.AvgSavingsPercent
	stats.EstimatedFinalSize = int64(float64(stats.TotalOriginalSize) * (1 - stats.AverageSavingsPct/100))

	return &stats, nil
}

// Now returns the current time. Extracted for testability: the statistics
// and claim paths never need to mock it, but keeping one seam here matches
// the models package's own Now() convention for ULID timestamps.
func Now() time.Time {
	return time.Now().UTC()
}

type FileStatus = models.FileStatus
