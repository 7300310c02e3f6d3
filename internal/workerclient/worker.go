package workerclient

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/jmylchreest/tvarr-fleet/internal/config"
	"github.com/jmylchreest/tvarr-fleet/internal/models"
	"github.com/jmylchreest/tvarr-fleet/internal/scheduler"
	"github.com/jmylchreest/tvarr-fleet/internal/storage"
	"github.com/jmylchreest/tvarr-fleet/internal/transcode"
	"github.com/jmylchreest/tvarr-fleet/pkg/format"
	"github.com/jmylchreest/tvarr-fleet/pkg/httpclient"
)

const (
	nonceFilename          = ".worker-nonce"
	jobPollInterval        = 5 * time.Second
	maxConsecutiveFailures = 3
	reconnectMaxAttempts   = 5
	minSavingsFloorPercent = 5.0
)

// Worker runs the register/heartbeat/poll/transcode loop against a master.
// The reconnect idiom (consecutive-failure counter driving a bounded,
// exponentially-backed-off reconnect, with an unbounded retry loop for the
// initial connection) is the same one the project's gRPC daemon client uses,
// adapted to plain HTTP register/heartbeat calls.
type Worker struct {
	cfg     config.WorkerConfig
	client  *Client
	sandbox *storage.Sandbox
	logger  *slog.Logger
	runner  *transcode.Runner

	mu         sync.RWMutex
	workerID   string
	registered bool
	hostname   string
	nonce      string

	activeJob *activeJobState
}

type activeJobState struct {
	fileID    uint
	filePath  string
	fileSize  int64
	startedAt time.Time
	progress  float64

	// completed is set once the local transcode has produced usable output,
	// before the worker has been able to confirm that to the master (upload
	// and/or /complete may still fail, e.g. mid-partition). A heartbeat sent
	// while this is true reports is_completed so the master's reconnection
	// recovery can finalize the row without waiting on this worker's retry.
	completed  bool
	outputSize int64
}

// NewWorker creates a Worker. ffmpegPath may be empty to resolve "ffmpeg"
// from PATH.
func NewWorker(cfg config.WorkerConfig, ffmpegPath string, logger *slog.Logger) (*Worker, error) {
	sandbox, err := storage.NewSandbox(cfg.TempDirectory)
	if err != nil {
		return nil, fmt.Errorf("creating worker sandbox: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("resolving hostname: %w", err)
	}

	return &Worker{
		cfg:     cfg,
		client:  NewClient(cfg.MasterURL, httpclient.DefaultFactory),
		sandbox: sandbox,
		logger:  logger,
		runner:  transcode.NewRunner(ffmpegPath, cfg.ProcessPriority),
		hostname: hostname,
	}, nil
}

// Run registers with the master, then runs the heartbeat and job loops
// until ctx is canceled.
func (w *Worker) Run(ctx context.Context, version string) error {
	nonce, err := w.loadOrCreateNonce()
	if err != nil {
		return fmt.Errorf("loading worker nonce: %w", err)
	}
	w.nonce = nonce

	if err := w.connectAndRegister(ctx, version); err != nil {
		return fmt.Errorf("initial registration: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		w.heartbeatLoop(ctx, version)
	}()
	go func() {
		defer wg.Done()
		w.jobLoop(ctx, version)
	}()

	wg.Wait()
	return nil
}

// loadOrCreateNonce persists a per-install random nonce so the worker's
// derived ID is stable across restarts, even if the hostname is reused by
// another instance.
func (w *Worker) loadOrCreateNonce() (string, error) {
	if data, err := w.sandbox.ReadFile(nonceFilename); err == nil {
		return string(data), nil
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	nonce := hex.EncodeToString(buf)

	if err := w.sandbox.WriteFile(nonceFilename, []byte(nonce)); err != nil {
		return "", fmt.Errorf("persisting nonce: %w", err)
	}
	return nonce, nil
}

// connectAndRegister retries registration with exponential backoff,
// unbounded, since a worker with nothing to connect to has nothing better
// to do than keep trying.
func (w *Worker) connectAndRegister(ctx context.Context, version string) error {
	delay := 2 * time.Second
	const maxDelay = 60 * time.Second

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := w.register(ctx, version); err != nil {
			w.logger.Warn("registration failed, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		return nil
	}
}

func (w *Worker) register(ctx context.Context, version string) error {
	caps := w.capabilities()

	id, err := w.client.Register(ctx, w.hostname, w.nonce, version, caps)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.workerID = id
	w.registered = true
	w.mu.Unlock()

	w.logger.Info("registered with master", slog.String("worker_id", id), slog.String("hostname", w.hostname))
	return nil
}

func (w *Worker) capabilities() models.Capabilities {
	caps := models.Capabilities{CPUCount: runtime.NumCPU()}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		caps.MemoryTotal = int64(vm.Total)
	}
	return caps
}

// heartbeatLoop sends periodic heartbeats and reconnects after repeated
// failures.
func (w *Worker) heartbeatLoop(ctx context.Context, version string) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	consecutiveFailures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.retryFailedUploads(ctx)

			if err := w.sendHeartbeat(ctx); err != nil {
				consecutiveFailures++
				w.logger.Warn("heartbeat failed",
					slog.String("error", err.Error()),
					slog.Int("consecutive_failures", consecutiveFailures))

				if consecutiveFailures >= maxConsecutiveFailures {
					if err := w.reconnect(ctx, version); err != nil {
						w.logger.Error("reconnection failed, will keep trying", slog.String("error", err.Error()))
					} else {
						w.logger.Info("reconnection successful")
						consecutiveFailures = 0
					}
				}
			} else {
				if consecutiveFailures > 0 {
					w.logger.Info("heartbeat recovered after failures", slog.Int("previous_failures", consecutiveFailures))
				}
				consecutiveFailures = 0
			}
		}
	}
}

func (w *Worker) sendHeartbeat(ctx context.Context) error {
	w.mu.RLock()
	workerID := w.workerID
	job := w.activeJob
	w.mu.RUnlock()

	payload := models.HeartbeatPayload{Status: models.WorkerStatusIdle}

	if cpu, err := load.Avg(); err == nil && cpu != nil && runtime.NumCPU() > 0 {
		payload.CPUPercent = (cpu.Load1 / float64(runtime.NumCPU())) * 100
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		payload.MemoryPercent = vm.UsedPercent
	}

	if job != nil {
		payload.Status = models.WorkerStatusProcessing
		payload.CurrentJob = &models.CurrentJobState{
			FileID:      job.fileID,
			FilePath:    job.filePath,
			FileSize:    job.fileSize,
			Progress:    job.progress,
			StartedAt:   job.startedAt,
			IsCompleted: job.completed,
		}
	}

	err := w.client.Heartbeat(ctx, workerID, payload)
	if errors.Is(err, ErrNotRegistered) {
		w.mu.Lock()
		w.registered = false
		w.mu.Unlock()
	}
	return err
}

// reconnect re-registers after repeated heartbeat failures, with a bounded
// number of attempts before returning control to the heartbeat loop.
func (w *Worker) reconnect(ctx context.Context, version string) error {
	w.mu.Lock()
	w.registered = false
	w.mu.Unlock()

	delay := 2 * time.Second
	const maxDelay = 60 * time.Second

	for attempt := 1; attempt <= reconnectMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := w.register(ctx, version); err != nil {
			w.logger.Warn("reconnect attempt failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
			time.Sleep(delay)
			delay = min(delay*2, maxDelay)
			continue
		}
		return nil
	}

	return fmt.Errorf("reconnection failed after %d attempts", reconnectMaxAttempts)
}

// jobLoop polls the master for work and runs it to completion.
func (w *Worker) jobLoop(ctx context.Context, version string) {
	ticker := time.NewTicker(jobPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.RLock()
			registered := w.registered
			workerID := w.workerID
			w.mu.RUnlock()
			if !registered {
				continue
			}

			assignment, err := w.client.RequestJob(ctx, workerID)
			if err != nil {
				if !errors.Is(err, ErrNotRegistered) {
					w.logger.Warn("requesting job failed", slog.String("error", err.Error()))
				}
				continue
			}
			if assignment == nil {
				continue
			}

			w.processJob(ctx, workerID, assignment)
		}
	}
}

// clearActiveJobIfMatches drops the active-job slot if it still refers to
// fileID, called once a completion report for that file succeeds via a path
// other than processJob's own (the failed_uploads retry loop), so later
// heartbeats stop reporting a job the master has already been told about.
func (w *Worker) clearActiveJobIfMatches(fileID uint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeJob != nil && w.activeJob.fileID == fileID {
		w.activeJob = nil
	}
}

// processJob runs one assignment end to end: download, skip checks,
// transcode, upload, and completion/failure reporting.
func (w *Worker) processJob(ctx context.Context, workerID string, job *scheduler.Assignment) {
	logger := w.logger.With(slog.Uint64("file_id", uint64(job.FileID)), slog.String("path", job.Path))

	w.mu.Lock()
	w.activeJob = &activeJobState{fileID: job.FileID, filePath: job.Path, fileSize: job.SizeBytes, startedAt: time.Now()}
	w.mu.Unlock()

	// Terminal-failure paths below have produced no output for the master to
	// recover, so they clear the slot immediately. The success path past the
	// savings-floor check instead marks the slot completed-but-unconfirmed and
	// leaves clearing it to whichever of upload/complete/retry finishes last;
	// see the completed field on activeJobState.
	clearActiveJob := func() {
		w.mu.Lock()
		w.activeJob = nil
		w.mu.Unlock()
	}

	if hasUnpreservableDynamicHDR(job) {
		reason := fmt.Sprintf("%s dynamic metadata cannot be preserved", job.HDR)
		logger.Info("skipping file with unpreservable dynamic HDR", slog.String("reason", reason))
		if err := w.client.PostFail(ctx, workerID, job.FileID, reason); err != nil {
			logger.Error("reporting HDR skip failed", slog.String("error", err.Error()))
		}
		clearActiveJob()
		return
	}

	workDir := filepath.Join(w.sandbox.BaseDir(), fmt.Sprintf("job-%d", job.FileID))
	if err := os.MkdirAll(workDir, 0750); err != nil {
		logger.Error("creating job work directory failed", slog.String("error", err.Error()))
		_ = w.client.PostFail(ctx, workerID, job.FileID, "worker could not prepare work directory")
		clearActiveJob()
		return
	}
	defer os.RemoveAll(workDir)

	if diskInfo, err := disk.UsageWithContext(ctx, workDir); err == nil {
		// Source plus a same-size output is the worst case until the
		// savings floor check runs; reject up front rather than fail
		// mid-transcode with a full disk.
		if diskInfo.Free < uint64(job.SizeBytes)*2 {
			logger.Warn("insufficient disk space for job, skipping",
				slog.Uint64("free_bytes", diskInfo.Free),
				slog.Int64("required_bytes", job.SizeBytes*2))
			_ = w.client.PostFail(ctx, workerID, job.FileID, "insufficient free disk space on worker")
			clearActiveJob()
			return
		}
	}

	srcPath := filepath.Join(workDir, "source"+filepath.Ext(job.Filename))
	if err := w.client.DownloadSource(ctx, workerID, job.FileID, srcPath); err != nil {
		logger.Error("downloading source failed", slog.String("error", err.Error()))
		_ = w.client.PostFail(ctx, workerID, job.FileID, "download failed: "+err.Error())
		clearActiveJob()
		return
	}

	outPath := filepath.Join(workDir, "output.mkv")
	runnerJob := transcode.Job{
		InputPath:          srcPath,
		OutputPath:         outPath,
		TargetCRF:          job.TargetCRF,
		TargetOpusBitrate:  job.TargetOpusBitrate,
		SkipAudioTranscode: w.cfg.Transcoding.SkipAudioTranscode,
		SVTAV1Preset:       w.cfg.Transcoding.SVTAV1Preset,
	}

	err := w.runner.Run(ctx, runnerJob, func(p transcode.Progress) {
		_ = w.client.PostProgress(ctx, workerID, job.FileID, models.ProgressPayload{Speed: p.Speed})
	})
	if err != nil {
		logger.Error("transcode failed", slog.String("error", err.Error()))
		_ = w.client.PostFail(ctx, workerID, job.FileID, "transcode failed: "+err.Error())
		clearActiveJob()
		return
	}

	outputSize, err := transcode.Stat(outPath)
	if err != nil {
		logger.Error("stat output failed", slog.String("error", err.Error()))
		_ = w.client.PostFail(ctx, workerID, job.FileID, "reading transcode output failed")
		clearActiveJob()
		return
	}

	savingsPercent := 0.0
	if job.SizeBytes > 0 {
		savingsPercent = (1 - float64(outputSize)/float64(job.SizeBytes)) * 100
	}
	if outputSize >= job.SizeBytes || savingsPercent < minSavingsFloorPercent {
		reason := fmt.Sprintf("savings %.1f%% below the %.1f%% floor, not worth replacing", savingsPercent, minSavingsFloorPercent)
		logger.Info("skipping upload, insufficient savings", slog.String("reason", reason))
		_ = w.client.PostFail(ctx, workerID, job.FileID, reason)
		clearActiveJob()
		return
	}

	// Output exists and clears the floor: the job is locally done even though
	// the master doesn't know it yet. Mark the slot so a heartbeat fired
	// during the upload/complete calls below (or after either fails) reports
	// is_completed, letting reconnection recovery finalize the row if this
	// worker can't get the result back itself.
	w.mu.Lock()
	if w.activeJob != nil {
		w.activeJob.completed = true
		w.activeJob.outputSize = outputSize
	}
	w.mu.Unlock()

	if err := w.client.UploadResult(ctx, job.FileID, outPath); err != nil {
		logger.Error("uploading result failed, queuing for retry", slog.String("error", err.Error()))
		if saveErr := w.saveFailedUpload(job.FileID, job.Path, outPath, outputSize, job.SizeBytes, workerID); saveErr != nil {
			logger.Error("persisting failed upload sidecar failed", slog.String("error", saveErr.Error()))
		}
		return
	}

	if err := w.client.PostComplete(ctx, workerID, job.FileID, outputSize, job.SizeBytes); err != nil {
		logger.Error("reporting completion failed", slog.String("error", err.Error()))
		return
	}

	clearActiveJob()
	logger.Info("job complete",
		slog.String("original_size", format.Bytes(job.SizeBytes)),
		slog.String("output_size", format.Bytes(outputSize)),
		slog.String("savings", format.Percentage(savingsPercent, 1)))
}

// hasUnpreservableDynamicHDR mirrors models.FileRecord.IsDynamicHDR
// for the subset of fields an Assignment carries.
func hasUnpreservableDynamicHDR(job *scheduler.Assignment) bool {
	return (job.HDR == models.HDRKindHDR10Plus || job.HDR == models.HDRKindDolbyVision) && job.HDRDynamic
}
