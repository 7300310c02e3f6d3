// Package registry implements the in-memory worker table. Worker state is
// never persisted: a restarted master starts empty and workers re-register
// on their next failed heartbeat.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/jmylchreest/tvarr-fleet/internal/models"
)

// idPrefixLen is the number of hex characters of the hostname+nonce hash
// kept for the worker_id, per the identity scheme in the configuration spec.
const idPrefixLen = 16

// Registry holds the in-memory WorkerRecord table. All operations are
// serialized by a single mutex; the lock is never held across I/O.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*models.WorkerRecord
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{workers: make(map[string]*models.WorkerRecord)}
}

// DeriveWorkerID computes the stable worker identity from a hostname and a
// per-install persisted nonce: sha256(hostname + ":" + nonce)[:16], hex
// encoded, prefixed with "worker-". Re-registration from the same physical
// worker after a restart reuses the same ID since the nonce file survives
// on disk; a wiped nonce or new hostname yields a new identity.
func DeriveWorkerID(hostname, nonce string) string {
	sum := sha256.Sum256([]byte(hostname + ":" + nonce))
	return "worker-" + hex.EncodeToString(sum[:])[:idPrefixLen]
}

// Register creates or refreshes a WorkerRecord for the given hostname and
// capabilities, returning its derived worker_id. Idempotent: registering
// again with the same hostname+nonce refreshes registered_at but keeps the
// same ID and any in-flight assignment.
func (r *Registry) Register(hostname, nonce, version string, capabilities models.Capabilities) string {
	id := DeriveWorkerID(hostname, nonce)
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.workers[id]
	if !ok {
		r.workers[id] = &models.WorkerRecord{
			ID:           id,
			Hostname:     hostname,
			Capabilities: capabilities,
			Version:      version,
			Status:       models.WorkerStatusIdle,
			RegisteredAt: now,
			LastSeen:     now,
		}
		return id
	}

	existing.Hostname = hostname
	existing.Capabilities = capabilities
	existing.Version = version
	existing.Status = models.WorkerStatusIdle
	existing.RegisteredAt = now
	existing.LastSeen = now
	return id
}

// Heartbeat applies a heartbeat payload to the named worker, updating
// last_seen and merging reported stats. Returns false if the worker is not
// registered, signaling the caller to reject with 404.
func (r *Registry) Heartbeat(workerID string, payload models.HeartbeatPayload) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return false
	}

	w.LastSeen = time.Now()
	w.Status = payload.Status
	w.CurrentSpeedFPS = payload.CurrentSpeed
	w.CurrentETASeconds = payload.CurrentETA
	return true
}

// Workers returns a snapshot copy of every known worker.
func (r *Registry) Workers() []*models.WorkerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*models.WorkerRecord, 0, len(r.workers))
	for _, w := range r.workers {
		cp := *w
		out = append(out, &cp)
	}
	return out
}

// ByID returns a snapshot copy of a single worker, or nil if unknown.
func (r *Registry) ByID(workerID string) *models.WorkerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return nil
	}
	cp := *w
	return &cp
}

// SetCurrentJob records that a worker now holds fileID/filename, and marks
// it processing.
func (r *Registry) SetCurrentJob(workerID string, fileID uint, filename string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrWorkerUnknown, workerID)
	}
	w.CurrentFileID = &fileID
	w.CurrentFilename = filename
	w.CurrentProgress = 0
	w.Status = models.WorkerStatusProcessing
	return nil
}

// ClearCurrentJob clears a worker's in-flight assignment, recording the
// outcome in its lifetime counters.
func (r *Registry) ClearCurrentJob(workerID string, completed bool, outputBytes int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrWorkerUnknown, workerID)
	}

	w.CurrentFileID = nil
	w.CurrentFilename = ""
	w.CurrentProgress = 0
	w.CurrentSpeedFPS = 0
	w.CurrentETASeconds = 0
	w.Status = models.WorkerStatusIdle

	if completed {
		w.JobsCompleted++
		w.TotalBytesProcessed += outputBytes
	} else {
		w.JobsFailed++
	}
	return nil
}

// UpdateProgress updates the progress fields of a worker's in-flight job
// without touching its lifetime counters.
func (r *Registry) UpdateProgress(workerID string, percent, speed float64, etaSeconds int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrWorkerUnknown, workerID)
	}
	w.CurrentProgress = percent
	w.CurrentSpeedFPS = speed
	w.CurrentETASeconds = etaSeconds
	return nil
}

// ToggleFadeOut flips a worker's fade_out flag, returning the new value.
// A fading-out worker finishes its current job but receives no new ones.
func (r *Registry) ToggleFadeOut(workerID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return false, fmt.Errorf("%w: %s", models.ErrWorkerUnknown, workerID)
	}
	w.FadeOut = !w.FadeOut
	return w.FadeOut, nil
}

// WorkerIsAlive reports whether the named worker is registered and not
// marked offline.
func (r *Registry) WorkerIsAlive(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	return ok && w.IsAlive()
}

// MarkOffline transitions a worker to offline and returns its prior
// in-flight file ID, if any, so the caller can fail that file. Used by the
// Monitor's timeout pass. The caller's staleness check (Workers() snapshot,
// then this call) is unlocked between the two, so heartbeatTimeout is
// re-checked here under the same lock that flips the status: if a
// concurrent Heartbeat refreshed last_seen in that window, marked is false
// and the worker is left untouched.
func (r *Registry) MarkOffline(workerID string, heartbeatTimeout time.Duration) (fileID *uint, marked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return nil, false
	}
	if time.Since(w.LastSeen) <= heartbeatTimeout {
		return nil, false
	}
	w.Status = models.WorkerStatusOffline
	fileID = w.CurrentFileID
	w.CurrentFileID = nil
	w.CurrentFilename = ""
	return fileID, true
}

// CanAcceptJobs reports whether the named worker may be assigned new work.
func (r *Registry) CanAcceptJobs(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	return ok && w.CanAcceptJobs()
}
