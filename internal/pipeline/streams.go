package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"streamforge/internal/media"
	"streamforge/internal/models"
	"streamforge/internal/observability/logging"
)

// StreamBuilder encodes every rung of the plan's ladder and assembles the
// master playlist that references the successful variants.
type StreamBuilder struct {
	gateway        media.Gateway
	layout         Layout
	segmentSeconds int
	logger         *slog.Logger
}

// NewStreamBuilder wires a builder against the encoder gateway. segmentSeconds
// falls back to 10 when non-positive.
func NewStreamBuilder(gateway media.Gateway, layout Layout, segmentSeconds int, logger *slog.Logger) *StreamBuilder {
	if segmentSeconds <= 0 {
		segmentSeconds = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamBuilder{
		gateway:        gateway,
		layout:         layout,
		segmentSeconds: segmentSeconds,
		logger:         logging.WithComponent(logger, "streams"),
	}
}

// Build encodes each rendition in ladder order and writes the master playlist.
// Any encode failure aborts the stage: a partial ladder is never published.
// On success it returns the renditions annotated with manifest URLs and the
// public playback URL of the master playlist.
func (b *StreamBuilder) Build(ctx context.Context, video models.Video, plan Plan) ([]models.Rendition, string, error) {
	renditions := make([]models.Rendition, 0, len(plan.Ladder))
	for _, rung := range plan.Ladder {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		variantDir := b.layout.VariantDir(video.ID, rung.Name)
		if err := os.MkdirAll(variantDir, 0o755); err != nil {
			return nil, "", fmt.Errorf("create variant dir %s: %w", rung.Name, err)
		}
		params := media.VariantParams{
			Input:          video.SourcePath,
			Resolution:     rung.Resolution,
			VideoBitrate:   rung.Bitrate,
			SegmentSeconds: b.segmentSeconds,
			SegmentPattern: b.layout.SegmentPattern(video.ID, rung.Name),
			PlaylistPath:   b.layout.VariantPlaylist(video.ID, rung.Name),
		}
		b.logger.Info("encoding variant", "video_id", video.ID, "rendition", rung.Name, "bitrate", rung.Bitrate)
		if err := b.gateway.EncodeVariant(ctx, params); err != nil {
			return nil, "", fmt.Errorf("encode %s: %w", rung.Name, err)
		}
		rung.ManifestURL = b.layout.PublicURL(params.PlaylistPath)
		renditions = append(renditions, rung)
	}

	masterPath := b.layout.MasterPlaylist(video.ID)
	if err := writeMasterPlaylist(masterPath, renditions); err != nil {
		return nil, "", fmt.Errorf("write master playlist: %w", err)
	}
	b.logger.Info("master playlist written", "video_id", video.ID, "variants", len(renditions))
	return renditions, b.layout.PublicURL(masterPath), nil
}

// writeMasterPlaylist renders the multivariant playlist and installs it
// atomically so a concurrent reader never sees a half-written manifest.
func writeMasterPlaylist(path string, renditions []models.Rendition) error {
	var builder strings.Builder
	builder.WriteString("#EXTM3U\n")
	builder.WriteString("#EXT-X-VERSION:3\n")
	for _, rendition := range renditions {
		fmt.Fprintf(&builder, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%s\n", rendition.Bandwidth, rendition.Resolution)
		builder.WriteString(rendition.Name + "/playlist.m3u8\n")
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "playlist-*.m3u8")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(builder.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
