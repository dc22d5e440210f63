package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/language"

	"streamforge/internal/media"
	"streamforge/internal/models"
	"streamforge/internal/observability/logging"
)

// TranscriptionRequest asks a speech recognition provider to produce a WebVTT
// file for one language from a mono 16kHz audio track.
type TranscriptionRequest struct {
	VideoID    string
	AudioPath  string
	Language   string
	OutputPath string
}

// TranscriptionProvider converts extracted audio into subtitle files.
// Implementations must be safe for concurrent use.
type TranscriptionProvider interface {
	Name() string
	Transcribe(ctx context.Context, req TranscriptionRequest) error
}

// NormalizeLanguages canonicalises BCP 47 language tags, dropping entries
// that do not parse and deduplicating while preserving order. An empty result
// falls back to English.
func NormalizeLanguages(languages []string) []string {
	seen := map[string]struct{}{}
	normalized := make([]string, 0, len(languages))
	for _, raw := range languages {
		tag, err := language.Parse(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		canonical := tag.String()
		if _, ok := seen[canonical]; ok {
			continue
		}
		seen[canonical] = struct{}{}
		normalized = append(normalized, canonical)
	}
	if len(normalized) == 0 {
		return []string{language.English.String()}
	}
	return normalized
}

// SubtitleGenerator extracts the audio track once and transcribes it into one
// WebVTT file per requested language. Languages fail independently; the stage
// succeeds as long as at least one language was produced.
type SubtitleGenerator struct {
	gateway  media.Gateway
	provider TranscriptionProvider
	layout   Layout
	logger   *slog.Logger
}

func NewSubtitleGenerator(gateway media.Gateway, provider TranscriptionProvider, layout Layout, logger *slog.Logger) *SubtitleGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubtitleGenerator{
		gateway:  gateway,
		provider: provider,
		layout:   layout,
		logger:   logging.WithComponent(logger, "subtitles"),
	}
}

// Generate returns the languages that were successfully transcribed. The
// temporary audio file is removed before returning, success or not.
func (g *SubtitleGenerator) Generate(ctx context.Context, video models.Video, languages []string) ([]string, error) {
	languages = NormalizeLanguages(languages)

	audioPath := g.layout.TempAudioPath(video.ID)
	if err := os.MkdirAll(g.layout.SubtitleDir(video.ID), 0o755); err != nil {
		return nil, fmt.Errorf("create subtitle dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(audioPath), 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	if err := g.gateway.ExtractAudio(ctx, video.SourcePath, audioPath); err != nil {
		return nil, fmt.Errorf("extract audio: %w", err)
	}
	defer func() {
		if err := os.Remove(audioPath); err != nil && !os.IsNotExist(err) {
			g.logger.Warn("failed to remove temp audio", "video_id", video.ID, "path", audioPath, "error", err)
		}
	}()

	produced := make([]string, 0, len(languages))
	for _, lang := range languages {
		if err := ctx.Err(); err != nil {
			return produced, err
		}
		outputPath := g.layout.SubtitlePath(video.ID, lang)
		req := TranscriptionRequest{
			VideoID:    video.ID,
			AudioPath:  audioPath,
			Language:   lang,
			OutputPath: outputPath,
		}
		if err := g.provider.Transcribe(ctx, req); err != nil {
			g.logger.Warn("transcription failed", "video_id", video.ID, "language", lang, "error", err)
			continue
		}
		produced = append(produced, lang)
	}
	if len(produced) == 0 {
		return nil, fmt.Errorf("no subtitle language could be generated")
	}
	return produced, nil
}

// StaticTranscriber writes a minimal WebVTT document per language. It stands
// in for a real speech recognition backend in development and tests.
type StaticTranscriber struct{}

func (StaticTranscriber) Name() string { return "static" }

func (StaticTranscriber) Transcribe(ctx context.Context, req TranscriptionRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	content := fmt.Sprintf("WEBVTT\n\nNOTE language=%s video=%s\n", req.Language, req.VideoID)
	return os.WriteFile(req.OutputPath, []byte(content), 0o644)
}
