package models

import "time"

// WorkerStatus represents the current activity phase of a worker.
type WorkerStatus string

const (
	WorkerStatusIdle        WorkerStatus = "idle"
	WorkerStatusDownloading WorkerStatus = "downloading"
	WorkerStatusProcessing  WorkerStatus = "processing"
	WorkerStatusUploading   WorkerStatus = "uploading"
	WorkerStatusOffline     WorkerStatus = "offline"
)

// Capabilities describes what a worker reported about itself at registration.
type Capabilities struct {
	CPUCount    int   `json:"cpu_count"`
	MemoryTotal int64 `json:"memory_total"`
	GPU         bool  `json:"gpu"`
}

// WorkerRecord is the in-memory record the Registry keeps for a single
// worker. It is never persisted: a restarted master starts with an empty
// Registry and workers re-register on their next heartbeat failure.
type WorkerRecord struct {
	ID           string       `json:"id"`
	Hostname     string       `json:"hostname"`
	Capabilities Capabilities `json:"capabilities"`
	Version      string       `json:"version"`
	Status       WorkerStatus `json:"status"`

	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`

	CurrentFileID      *uint   `json:"current_file_id,omitempty"`
	CurrentFilename    string  `json:"current_filename,omitempty"`
	CurrentProgress    float64 `json:"current_progress,omitempty"`
	CurrentSpeedFPS    float64 `json:"current_speed_fps,omitempty"`
	CurrentETASeconds  int64   `json:"current_eta_seconds,omitempty"`

	JobsCompleted        int64 `json:"jobs_completed"`
	JobsFailed           int64 `json:"jobs_failed"`
	TotalBytesProcessed  int64 `json:"total_bytes_processed"`

	FadeOut bool `json:"fade_out"`
}

// IsAlive reports whether the worker has not been marked offline.
func (w *WorkerRecord) IsAlive() bool {
	return w.Status != WorkerStatusOffline
}

// CanAcceptJobs reports whether the Scheduler may assign new work to this
// worker: it must be alive and not fading out.
func (w *WorkerRecord) CanAcceptJobs() bool {
	return w.IsAlive() && !w.FadeOut
}

// HeartbeatPayload is the tagged record a worker posts on every heartbeat.
// Unknown fields are ignored by the decoder for forward compatibility.
type HeartbeatPayload struct {
	Status         WorkerStatus     `json:"status"`
	CPUPercent     float64          `json:"cpu_percent"`
	MemoryPercent  float64          `json:"memory_percent"`
	CurrentSpeed   float64          `json:"current_speed,omitempty"`
	CurrentETA     int64            `json:"current_eta,omitempty"`
	CurrentJob     *CurrentJobState `json:"current_job,omitempty"`
}

// CurrentJobState is the reconnection-recovery payload a worker attaches to
// a heartbeat when it is mid-job, letting the master re-derive the worker's
// true state after a network partition.
type CurrentJobState struct {
	FileID      uint      `json:"file_id"`
	FilePath    string    `json:"file_path"`
	FileSize    int64     `json:"file_size"`
	Progress    float64   `json:"progress"`
	StartedAt   time.Time `json:"started_at"`
	IsCompleted bool      `json:"is_completed"`
}

// ProgressPayload is the tagged record a worker posts on /progress.
type ProgressPayload struct {
	Percent float64 `json:"percent"`
	Speed   float64 `json:"speed,omitempty"`
	ETA     int64   `json:"eta,omitempty"`
	Status  string  `json:"status,omitempty"`
}
