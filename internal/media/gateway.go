// Package media wraps the external encoding and probing binaries behind a
// request/response gateway. The gateway holds no job state; callers own
// sequencing, retries, and output layout.
package media

import "context"

// ProbeResult summarises the media properties the pipeline needs from the
// probing binary.
type ProbeResult struct {
	Duration float64
	Width    int
	Height   int
	Format   string
}

// VariantParams describes a single HLS variant encode: scale the source to
// Resolution, re-encode at Bitrate, and emit fixed-duration segments plus a
// per-variant playlist.
type VariantParams struct {
	Input          string
	Resolution     string
	VideoBitrate   string
	AudioBitrate   string
	SegmentSeconds int
	SegmentPattern string
	PlaylistPath   string
}

// Gateway is the boundary to the encoder and prober subprocesses. A non-zero
// exit code from either binary surfaces as an error. Implementations must be
// safe for concurrent use.
type Gateway interface {
	// Probe inspects the input and returns its duration and dimensions.
	Probe(ctx context.Context, input string) (ProbeResult, error)

	// EncodeVariant produces one HLS rendition of the input.
	EncodeVariant(ctx context.Context, params VariantParams) error

	// ExtractFrame pulls a single frame at the given offset (seconds) into
	// outputPath.
	ExtractFrame(ctx context.Context, input string, offsetSeconds float64, outputPath string) error

	// ExtractAudio demuxes the audio track to mono 16kHz for speech
	// recognition input.
	ExtractAudio(ctx context.Context, input, outputPath string) error
}
