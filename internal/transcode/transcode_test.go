package transcode

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tvarr-fleet/internal/config"
)

func TestRunner_buildArgs_TranscodesAudio(t *testing.T) {
	r := NewRunner("ffmpeg", config.ProcessPriorityConfig{})
	job := Job{
		InputPath:         "in.mkv",
		OutputPath:        "out.mkv",
		TargetCRF:         28,
		TargetOpusBitrate: 128000,
		SVTAV1Preset:      6,
	}

	args := r.buildArgs(job)
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-c:v libsvtav1")
	assert.Contains(t, joined, "-crf 28")
	assert.Contains(t, joined, "-preset 6")
	assert.Contains(t, joined, "-c:a libopus")
	assert.Contains(t, joined, "-b:a 128k")
	assert.Equal(t, "out.mkv", args[len(args)-1])
}

func TestRunner_buildArgs_SkipsAudioTranscode(t *testing.T) {
	r := NewRunner("", config.ProcessPriorityConfig{})
	job := Job{InputPath: "in.mkv", OutputPath: "out.mkv", SkipAudioTranscode: true}

	args := r.buildArgs(job)
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-c:a copy")
	assert.NotContains(t, joined, "libopus")
}

func TestParseProgress_ParsesSpeed(t *testing.T) {
	lines := "frame=  120 fps= 30 q=28.0 size=    1024kB time=00:00:04.00 bitrate=2048.0kbits/s speed=1.5x\n"

	var got []Progress
	parseProgress(strings.NewReader(lines), time.Now(), func(p Progress) {
		got = append(got, p)
	})

	require.Len(t, got, 1)
	assert.InDelta(t, 1.5, got[0].Speed, 0.001)
}

func TestStat_ReturnsFileSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0640))

	size, err := Stat(path)
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)
}
