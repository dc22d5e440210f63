package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sync/semaphore"
)

const defaultMaxProcesses = 4

// FFmpegConfig configures the CLI-backed gateway implementation.
type FFmpegConfig struct {
	FFmpegPath  string
	FFprobePath string
	// MaxProcesses bounds how many encoder/prober subprocesses may run at
	// once across all workers.
	MaxProcesses int64
	Logger       *slog.Logger
}

// FFmpeg shells out to ffmpeg/ffprobe. Subprocess concurrency is bounded by a
// weighted semaphore shared across all calls.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	sem         *semaphore.Weighted
	logger      *slog.Logger
}

// NewFFmpeg builds a Gateway that invokes the configured binaries.
func NewFFmpeg(cfg FFmpegConfig) *FFmpeg {
	ffmpegPath := strings.TrimSpace(cfg.FFmpegPath)
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	ffprobePath := strings.TrimSpace(cfg.FFprobePath)
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	maxProcs := cfg.MaxProcesses
	if maxProcs <= 0 {
		maxProcs = defaultMaxProcesses
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		sem:         semaphore.NewWeighted(maxProcs),
		logger:      logger,
	}
}

var _ Gateway = (*FFmpeg)(nil)

type probePayload struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
}

func (f *FFmpeg) Probe(ctx context.Context, input string) (ProbeResult, error) {
	if strings.TrimSpace(input) == "" {
		return ProbeResult{}, fmt.Errorf("input path is required")
	}
	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		input,
	}
	stdout, err := f.run(ctx, f.ffprobePath, args, true)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("probe %s: %w", input, err)
	}
	return parseProbeOutput(stdout)
}

func parseProbeOutput(data []byte) (ProbeResult, error) {
	var payload probePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return ProbeResult{}, fmt.Errorf("decode probe output: %w", err)
	}
	result := ProbeResult{Format: payload.Format.FormatName}
	if raw := strings.TrimSpace(payload.Format.Duration); raw != "" {
		duration, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return ProbeResult{}, fmt.Errorf("parse probe duration %q: %w", raw, err)
		}
		result.Duration = duration
	}
	for _, stream := range payload.Streams {
		if stream.CodecType != "video" {
			continue
		}
		if stream.Width > 0 && stream.Height > 0 {
			result.Width = stream.Width
			result.Height = stream.Height
			break
		}
	}
	return result, nil
}

func (f *FFmpeg) EncodeVariant(ctx context.Context, params VariantParams) error {
	args, err := buildVariantArgs(params)
	if err != nil {
		return err
	}
	if _, err := f.run(ctx, f.ffmpegPath, args, false); err != nil {
		return fmt.Errorf("encode variant %s: %w", params.Resolution, err)
	}
	return nil
}

func buildVariantArgs(params VariantParams) ([]string, error) {
	if strings.TrimSpace(params.Input) == "" {
		return nil, fmt.Errorf("input path is required")
	}
	if strings.TrimSpace(params.Resolution) == "" {
		return nil, fmt.Errorf("resolution is required")
	}
	if strings.TrimSpace(params.PlaylistPath) == "" {
		return nil, fmt.Errorf("playlist path is required")
	}
	if strings.TrimSpace(params.SegmentPattern) == "" {
		return nil, fmt.Errorf("segment pattern is required")
	}
	audioBitrate := params.AudioBitrate
	if audioBitrate == "" {
		audioBitrate = "128k"
	}
	segmentSeconds := params.SegmentSeconds
	if segmentSeconds <= 0 {
		segmentSeconds = 10
	}
	return []string{
		"-y",
		"-i", params.Input,
		"-vf", "scale=" + strings.Replace(params.Resolution, "x", ":", 1),
		"-c:v", "h264",
		"-b:v", params.VideoBitrate,
		"-c:a", "aac",
		"-b:a", audioBitrate,
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentSeconds),
		"-hls_list_size", "0",
		"-hls_segment_filename", params.SegmentPattern,
		params.PlaylistPath,
	}, nil
}

func (f *FFmpeg) ExtractFrame(ctx context.Context, input string, offsetSeconds float64, outputPath string) error {
	if strings.TrimSpace(input) == "" {
		return fmt.Errorf("input path is required")
	}
	if strings.TrimSpace(outputPath) == "" {
		return fmt.Errorf("output path is required")
	}
	args := []string{
		"-y",
		"-ss", formatOffset(offsetSeconds),
		"-i", input,
		"-vframes", "1",
		"-q:v", "2",
		outputPath,
	}
	if _, err := f.run(ctx, f.ffmpegPath, args, false); err != nil {
		return fmt.Errorf("extract frame at %s: %w", formatOffset(offsetSeconds), err)
	}
	return nil
}

func (f *FFmpeg) ExtractAudio(ctx context.Context, input, outputPath string) error {
	if strings.TrimSpace(input) == "" {
		return fmt.Errorf("input path is required")
	}
	if strings.TrimSpace(outputPath) == "" {
		return fmt.Errorf("output path is required")
	}
	args := []string{
		"-y",
		"-i", input,
		"-ac", "1",
		"-ar", "16000",
		"-vn",
		outputPath,
	}
	if _, err := f.run(ctx, f.ffmpegPath, args, false); err != nil {
		return fmt.Errorf("extract audio: %w", err)
	}
	return nil
}

func formatOffset(seconds float64) string {
	return strconv.FormatFloat(seconds, 'f', 3, 64)
}

// run executes one subprocess under the shared semaphore. When captureStdout
// is set, stdout is returned to the caller; stderr is always drained into the
// logger so encoder diagnostics land in the logs rather than on the console.
func (f *FFmpeg) run(ctx context.Context, binary string, args []string, captureStdout bool) ([]byte, error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer f.sem.Release(1)

	cmd := exec.CommandContext(ctx, binary, args...)

	var stdout bytes.Buffer
	var stderrTail tailBuffer
	if captureStdout {
		cmd.Stdout = &stdout
	} else {
		cmd.Stdout = newLogWriter(f.logger, binary, "stdout")
	}
	cmd.Stderr = newLogWriter(f.logger, binary, "stderr", &stderrTail)

	f.logger.Debug("spawning subprocess", "binary", binary, "args", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if tail := stderrTail.String(); tail != "" {
			return nil, fmt.Errorf("%s: %w: %s", binary, err, tail)
		}
		return nil, fmt.Errorf("%s: %w", binary, err)
	}
	return stdout.Bytes(), nil
}

// tailBuffer retains the last few stderr lines for error reporting.
type tailBuffer struct {
	lines []string
}

const tailBufferLines = 5

func (t *tailBuffer) add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > tailBufferLines {
		t.lines = t.lines[len(t.lines)-tailBufferLines:]
	}
}

func (t *tailBuffer) String() string {
	return strings.Join(t.lines, "; ")
}

type logWriter struct {
	logger *slog.Logger
	binary string
	stream string
	tail   *tailBuffer
}

func newLogWriter(logger *slog.Logger, binary, stream string, tail ...*tailBuffer) *logWriter {
	w := &logWriter{logger: logger, binary: binary, stream: stream}
	if len(tail) > 0 {
		w.tail = tail[0]
	}
	return w
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if w.tail != nil {
			w.tail.add(string(line))
		}
		w.logger.Debug("subprocess output", "binary", w.binary, "stream", w.stream, "line", string(line))
	}
	return total, nil
}
