// Package transcode runs the FFmpeg AV1 encode for a single assigned file.
// The command-building and progress-parsing idiom is adapted from the
// project's live-relay FFmpeg wrapper; the pipeline here runs once to
// completion rather than streaming indefinitely.
package transcode

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/jmylchreest/tvarr-fleet/internal/config"
)

// Job describes a single encode: source/destination paths and the target
// settings computed by the master from its lookup tables.
type Job struct {
	InputPath          string
	OutputPath         string
	TargetCRF          int
	TargetOpusBitrate  int
	SkipAudioTranscode bool
	SVTAV1Preset       int
}

// Progress reports ongoing encode state, parsed from FFmpeg's stderr.
type Progress struct {
	Speed   float64
	Elapsed time.Duration
}

// Runner builds and executes the FFmpeg command for a Job.
type Runner struct {
	ffmpegPath string
	priority   config.ProcessPriorityConfig
}

// NewRunner creates a Runner. ffmpegPath defaults to "ffmpeg" (resolved via
// PATH) when empty.
func NewRunner(ffmpegPath string, priority config.ProcessPriorityConfig) *Runner {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Runner{ffmpegPath: ffmpegPath, priority: priority}
}

func (r *Runner) buildArgs(job Job) []string {
	args := []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-stats",
		"-i", job.InputPath,
		"-map", "0",
		"-c:v", "libsvtav1",
		"-preset", strconv.Itoa(job.SVTAV1Preset),
		"-crf", strconv.Itoa(job.TargetCRF),
	}

	if job.SkipAudioTranscode {
		args = append(args, "-c:a", "copy")
	} else {
		args = append(args, "-c:a", "libopus", "-b:a", fmt.Sprintf("%dk", job.TargetOpusBitrate/1000))
	}

	args = append(args, "-c:s", "copy", job.OutputPath)
	return args
}

// Run executes the encode, invoking progress for each parsed stderr update.
// It blocks until FFmpeg exits or ctx is canceled.
func (r *Runner) Run(ctx context.Context, job Job, progress func(Progress)) error {
	cmd := exec.CommandContext(ctx, r.ffmpegPath, r.buildArgs(job)...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("getting ffmpeg stderr pipe: %w", err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting ffmpeg: %w", err)
	}

	r.applyPriority(cmd.Process.Pid)

	done := make(chan struct{})
	go func() {
		defer close(done)
		parseProgress(stderr, started, progress)
	}()

	waitErr := cmd.Wait()
	<-done

	if waitErr != nil {
		return fmt.Errorf("ffmpeg exited: %w", waitErr)
	}
	return nil
}

// applyPriority lowers the encode's scheduling priority so it does not
// starve the host. Best-effort: failures are not fatal to the encode.
func (r *Runner) applyPriority(pid int) {
	if runtime.GOOS != "linux" || r.priority.Nice == 0 {
		return
	}
	_ = syscall.Setpriority(syscall.PRIO_PROCESS, pid, r.priority.Nice)
}

var speedRe = regexp.MustCompile(`speed=\s*([\d.]+)x`)

func parseProgress(r io.Reader, started time.Time, report func(Progress)) {
	if report == nil {
		return
	}
	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanLines)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	for scanner.Scan() {
		line := scanner.Text()
		matches := speedRe.FindStringSubmatch(line)
		if len(matches) < 2 {
			continue
		}
		speed, err := strconv.ParseFloat(matches[1], 64)
		if err != nil {
			continue
		}
		report(Progress{Speed: speed, Elapsed: time.Since(started)})
	}
}

// Stat is a thin os.Stat wrapper kept here so callers never need an
// additional import just to compare encode input/output sizes.
func Stat(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
