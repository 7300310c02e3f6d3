package models

import (
	"time"

	"gorm.io/gorm"
)

// FileStatus represents the lifecycle state of a FileRecord.
type FileStatus string

const (
	// FileStatusPending indicates the file is queued and has not been assigned.
	FileStatusPending FileStatus = "pending"
	// FileStatusProcessing indicates a worker currently holds the file.
	FileStatusProcessing FileStatus = "processing"
	// FileStatusCompleted indicates the file was transcoded and replaced successfully.
	FileStatusCompleted FileStatus = "completed"
	// FileStatusFailed indicates the last attempt failed or was refused by policy.
	FileStatusFailed FileStatus = "failed"
)

// HDRKind describes the HDR metadata kind carried by a source file.
type HDRKind string

const (
	HDRKindSDR        HDRKind = "SDR"
	HDRKindHDR10      HDRKind = "HDR10"
	HDRKindHDR10Plus  HDRKind = "HDR10+"
	HDRKindDolbyVision HDRKind = "Dolby Vision"
)

// FileRecord is a row in the durable transcoding queue. It uses a plain
// auto-incrementing integer primary key rather than the package's usual
// ULID, per the identity contract for this entity.
type FileRecord struct {
	ID uint `gorm:"primarykey;autoIncrement" json:"id"`

	Path      string `gorm:"not null;uniqueIndex;size:4096" json:"path"`
	Directory string `gorm:"index;size:4096" json:"directory"`
	Filename  string `gorm:"size:1024" json:"filename"`

	SizeBytes int64 `gorm:"not null" json:"size_bytes"`

	Status FileStatus `gorm:"not null;default:'pending';size:20;index" json:"status"`

	// Source metadata, filled in by probe (external collaborator) at scan or
	// process time via UpsertFile.
	Codec         string  `gorm:"size:50" json:"codec,omitempty"`
	Bitrate       int64   `json:"bitrate,omitempty"`
	Resolution    string  `gorm:"size:20" json:"resolution,omitempty"`
	BitDepth      int     `json:"bitdepth,omitempty"`
	HDR           HDRKind `gorm:"size:20" json:"hdr,omitempty"`
	HDRDynamic    bool    `json:"hdr_dynamic"`
	ColorTransfer string  `gorm:"size:50" json:"color_transfer,omitempty"`
	ColorSpace    string  `gorm:"size:50" json:"color_space,omitempty"`
	AudioCodec    string  `gorm:"size:50" json:"audio_codec,omitempty"`
	AudioChannels int     `json:"audio_channels,omitempty"`
	AudioBitrate  int64   `json:"audio_bitrate,omitempty"`

	// Target settings, computed from the (out-of-scope) lookup tables.
	TargetCRF         int `json:"target_crf,omitempty"`
	TargetOpusBitrate int `json:"target_opus_bitrate,omitempty"`

	// Progress.
	ProgressPercent      float64    `gorm:"default:0" json:"progress_percent"`
	AssignedWorkerID     string     `gorm:"size:64;index" json:"assigned_worker_id,omitempty"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	ProcessingSpeedFPS   float64    `json:"processing_speed_fps,omitempty"`
	TimeRemainingSeconds int64      `json:"time_remaining_seconds,omitempty"`

	// Results.
	OutputSizeBytes int64   `json:"output_size_bytes,omitempty"`
	SavingsBytes    int64   `json:"savings_bytes,omitempty"`
	SavingsPercent  float64 `json:"savings_percent,omitempty"`

	// Error tracking.
	ErrorMessage string `gorm:"size:4096" json:"error_message,omitempty"`
	RetryCount   int    `gorm:"default:0" json:"retry_count"`

	// Priority and pinning.
	Priority          int     `gorm:"default:0;index" json:"priority"`
	PreferredWorkerID *string `gorm:"size:64;index" json:"preferred_worker_id,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for FileRecord.
func (FileRecord) TableName() string {
	return "files"
}

// Validate performs basic structural validation.
func (f *FileRecord) Validate() error {
	if f.Path == "" {
		return ErrPathRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the record before insert.
func (f *FileRecord) BeforeCreate(tx *gorm.DB) error {
	return f.Validate()
}

// BeforeUpdate is a GORM hook that validates the record before update.
func (f *FileRecord) BeforeUpdate(tx *gorm.DB) error {
	return f.Validate()
}

// IsPending returns true if the file is waiting to be assigned.
func (f *FileRecord) IsPending() bool {
	return f.Status == FileStatusPending
}

// IsProcessing returns true if a worker currently holds the file.
func (f *FileRecord) IsProcessing() bool {
	return f.Status == FileStatusProcessing
}

// IsFinished returns true if the file reached a terminal status.
func (f *FileRecord) IsFinished() bool {
	return f.Status == FileStatusCompleted || f.Status == FileStatusFailed
}

// MarkCompleted transitions the row to completed. savingsBytes/savingsPercent
// are supplied by the caller rather than derived here, since the caller is
// the one holding the authoritative original size for this completion (the
// worker-reported original_size on /complete, or the stored size_bytes for
// an in-process upload).
func (f *FileRecord) MarkCompleted(outputSize, savingsBytes int64, savingsPercent float64) {
	now := Now()
	f.Status = FileStatusCompleted
	f.CompletedAt = &now
	f.ProgressPercent = 100
	f.OutputSizeBytes = outputSize
	f.SavingsBytes = savingsBytes
	f.SavingsPercent = savingsPercent
	f.ErrorMessage = ""
}

// MarkFailed transitions the row to failed and increments the retry counter.
func (f *FileRecord) MarkFailed(reason string) {
	now := Now()
	f.Status = FileStatusFailed
	f.CompletedAt = &now
	f.ErrorMessage = reason
	f.RetryCount++
	f.AssignedWorkerID = ""
}

// Reset returns a failed or processing row to pending, clearing assignment
// and progress, for a manual retry.
func (f *FileRecord) Reset() {
	f.Status = FileStatusPending
	f.AssignedWorkerID = ""
	f.StartedAt = nil
	f.CompletedAt = nil
	f.ProgressPercent = 0
	f.ProcessingSpeedFPS = 0
	f.TimeRemainingSeconds = 0
	f.ErrorMessage = ""
}

// IsDynamicHDR returns true if the source carries frame-accurate dynamic HDR
// metadata that the encoder cannot preserve.
func (f *FileRecord) IsDynamicHDR() bool {
	return (f.HDR == HDRKindHDR10Plus || f.HDR == HDRKindDolbyVision) && f.HDRDynamic
}

// Statistics is the derived aggregate view over all FileRecords.
type Statistics struct {
	TotalFiles        int64   `json:"total_files"`
	Pending           int64   `json:"pending"`
	Processing        int64   `json:"processing"`
	Completed         int64   `json:"completed"`
	Failed            int64   `json:"failed"`
	TotalOriginalSize int64   `json:"total_original_size"`
	TotalOutputSize   int64   `json:"total_output_size"`
	TotalSavingsBytes int64   `json:"total_savings_bytes"`
	AverageSavingsPct float64 `json:"average_savings_percent"`
	EstimatedFinalSize int64  `json:"estimated_final_size"`
}
