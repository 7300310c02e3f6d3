// Package scheduler assigns queued files to requesting workers. It is thin
// glue between the Store's atomic claim and the Registry's in-memory
// worker table; all policy (selection order, staleness) lives in the Store.
package scheduler

import (
	"context"
	"fmt"

	"github.com/jmylchreest/tvarr-fleet/internal/models"
)

// Store is the narrow view of the durable queue the Scheduler needs.
type Store interface {
	PickNextPending(ctx context.Context, workerID string) (*models.FileRecord, error)
}

// Registry is the narrow view of the worker table the Scheduler needs.
type Registry interface {
	CanAcceptJobs(workerID string) bool
	SetCurrentJob(workerID string, fileID uint, filename string) error
}

// LookupVersion reports the current version stamp of the quality/audio
// lookup tables, so a job payload can carry it and let a worker detect a
// stale local cache.
type LookupVersion interface {
	Version() string
}

// Scheduler is the thin glue described above.
type Scheduler struct {
	store    Store
	registry Registry
	lookup   LookupVersion
}

// New creates a Scheduler.
func New(store Store, registry Registry, lookup LookupVersion) *Scheduler {
	return &Scheduler{store: store, registry: registry, lookup: lookup}
}

// Assignment is the job descriptor handed back to a worker.
type Assignment struct {
	FileID            uint
	Path              string
	Filename          string
	SizeBytes         int64
	Codec             string
	Resolution        string
	BitDepth          int
	HDR               models.HDRKind
	HDRDynamic        bool
	ColorTransfer     string
	ColorSpace        string
	AudioCodec        string
	AudioChannels     int
	TargetCRF         int
	TargetOpusBitrate int
	LookupVersion     string
}

// ErrWorkerNotAcceptingJobs is returned when the worker is offline or
// fading out and must not be handed new work.
var ErrWorkerNotAcceptingJobs = fmt.Errorf("worker is not accepting jobs")

// Assign attempts to hand the named worker its next file. Returns nil,
// nil if the queue is empty. Returns ErrWorkerNotAcceptingJobs if the
// worker is offline or fading out.
func (s *Scheduler) Assign(ctx context.Context, workerID string) (*Assignment, error) {
	if !s.registry.CanAcceptJobs(workerID) {
		return nil, ErrWorkerNotAcceptingJobs
	}

	file, err := s.store.PickNextPending(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("picking next pending file: %w", err)
	}
	if file == nil {
		return nil, nil
	}

	if err := s.registry.SetCurrentJob(workerID, file.ID, file.Filename); err != nil {
		return nil, fmt.Errorf("recording assignment: %w", err)
	}

	version := ""
	if s.lookup != nil {
		version = s.lookup.Version()
	}

	return &Assignment{
		FileID:            file.ID,
		Path:              file.Path,
		Filename:          file.Filename,
		SizeBytes:         file.SizeBytes,
		Codec:             file.Codec,
		Resolution:        file.Resolution,
		BitDepth:          file.BitDepth,
		HDR:               file.HDR,
		HDRDynamic:        file.HDRDynamic,
		ColorTransfer:     file.ColorTransfer,
		ColorSpace:        file.ColorSpace,
		AudioCodec:        file.AudioCodec,
		AudioChannels:     file.AudioChannels,
		TargetCRF:         file.TargetCRF,
		TargetOpusBitrate: file.TargetOpusBitrate,
		LookupVersion:     version,
	}, nil
}
