package media

import (
	"io"
	"log/slog"
	"strings"
	"testing"
)

const sampleProbeOutput = `{
  "streams": [
    {
      "index": 0,
      "codec_name": "h264",
      "codec_type": "video",
      "width": 1920,
      "height": 1080
    },
    {
      "index": 1,
      "codec_name": "aac",
      "codec_type": "audio"
    }
  ],
  "format": {
    "format_name": "mov,mp4,m4a,3gp,3g2,mj2",
    "duration": "1437.123000"
  }
}`

func TestParseProbeOutput(t *testing.T) {
	result, err := parseProbeOutput([]byte(sampleProbeOutput))
	if err != nil {
		t.Fatalf("parseProbeOutput: %v", err)
	}
	if result.Duration != 1437.123 {
		t.Fatalf("expected duration 1437.123, got %v", result.Duration)
	}
	if result.Width != 1920 || result.Height != 1080 {
		t.Fatalf("expected 1920x1080, got %dx%d", result.Width, result.Height)
	}
	if !strings.Contains(result.Format, "mp4") {
		t.Fatalf("expected mp4 format, got %q", result.Format)
	}
}

func TestParseProbeOutputMissingDuration(t *testing.T) {
	result, err := parseProbeOutput([]byte(`{"streams":[],"format":{"format_name":"mpegts"}}`))
	if err != nil {
		t.Fatalf("parseProbeOutput: %v", err)
	}
	if result.Duration != 0 {
		t.Fatalf("expected zero duration, got %v", result.Duration)
	}
}

func TestParseProbeOutputInvalidJSON(t *testing.T) {
	if _, err := parseProbeOutput([]byte("not json")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestBuildVariantArgs(t *testing.T) {
	args, err := buildVariantArgs(VariantParams{
		Input:          "/media/source.mp4",
		Resolution:     "1280x720",
		VideoBitrate:   "2500k",
		SegmentSeconds: 10,
		SegmentPattern: "/out/720p/segment_%03d.ts",
		PlaylistPath:   "/out/720p/playlist.m3u8",
	})
	if err != nil {
		t.Fatalf("buildVariantArgs: %v", err)
	}
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"-i /media/source.mp4",
		"-vf scale=1280:720",
		"-b:v 2500k",
		"-b:a 128k",
		"-hls_time 10",
		"-hls_segment_filename /out/720p/segment_%03d.ts",
		"/out/720p/playlist.m3u8",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected args to contain %q, got %q", want, joined)
		}
	}
}

func TestBuildVariantArgsValidation(t *testing.T) {
	testCases := []struct {
		name   string
		params VariantParams
	}{
		{name: "missing input", params: VariantParams{Resolution: "640x360", PlaylistPath: "p", SegmentPattern: "s"}},
		{name: "missing resolution", params: VariantParams{Input: "in", PlaylistPath: "p", SegmentPattern: "s"}},
		{name: "missing playlist", params: VariantParams{Input: "in", Resolution: "640x360", SegmentPattern: "s"}},
		{name: "missing segment pattern", params: VariantParams{Input: "in", Resolution: "640x360", PlaylistPath: "p"}},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if _, err := buildVariantArgs(tc.params); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLogWriterSplitsLinesAndKeepsTail(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var tail tailBuffer
	writer := newLogWriter(logger, "ffmpeg", "stderr", &tail)

	input := "frame=1\nframe=2\n\nerror: something broke\n"
	n, err := writer.Write([]byte(input))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != len(input) {
		t.Fatalf("expected %d bytes written, got %d", len(input), n)
	}
	if !strings.Contains(tail.String(), "error: something broke") {
		t.Fatalf("expected tail to retain error line, got %q", tail.String())
	}
}

func TestTailBufferBounded(t *testing.T) {
	var tail tailBuffer
	for i := 0; i < 20; i++ {
		tail.add("line")
	}
	if got := len(tail.lines); got != tailBufferLines {
		t.Fatalf("expected %d retained lines, got %d", tailBufferLines, got)
	}
}

func TestNewFFmpegDefaults(t *testing.T) {
	gateway := NewFFmpeg(FFmpegConfig{})
	if gateway.ffmpegPath != "ffmpeg" || gateway.ffprobePath != "ffprobe" {
		t.Fatalf("expected default binary names, got %q / %q", gateway.ffmpegPath, gateway.ffprobePath)
	}
	if gateway.sem == nil {
		t.Fatalf("expected semaphore to be initialised")
	}
}
