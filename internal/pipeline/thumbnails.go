package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"streamforge/internal/media"
	"streamforge/internal/models"
	"streamforge/internal/observability/logging"
)

// thumbnailFractions are the proportional source offsets frames are pulled at.
var thumbnailFractions = []float64{0.1, 0.3, 0.5, 0.7, 0.9}

// defaultThumbnailIndex is the midpoint frame, preferred as the poster image.
const defaultThumbnailIndex = 2

// ThumbnailExtractor pulls poster candidates from the source at fixed
// proportional offsets. Individual frame failures are tolerated; the stage
// fails only when no frame at all could be extracted.
type ThumbnailExtractor struct {
	gateway media.Gateway
	layout  Layout
	logger  *slog.Logger
}

func NewThumbnailExtractor(gateway media.Gateway, layout Layout, logger *slog.Logger) *ThumbnailExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThumbnailExtractor{
		gateway: gateway,
		layout:  layout,
		logger:  logging.WithComponent(logger, "thumbnails"),
	}
}

// Extract produces up to five thumbnails and returns them together with the
// path of the default poster: the midpoint frame when it succeeded, otherwise
// the first successful frame.
func (e *ThumbnailExtractor) Extract(ctx context.Context, video models.Video, duration float64) ([]models.Thumbnail, string, error) {
	if duration <= 0 {
		return nil, "", fmt.Errorf("duration must be positive, got %v", duration)
	}
	if err := os.MkdirAll(e.layout.ThumbnailDir(video.ID), 0o755); err != nil {
		return nil, "", fmt.Errorf("create thumbnail dir: %w", err)
	}

	thumbnails := make([]models.Thumbnail, 0, len(thumbnailFractions))
	for index, fraction := range thumbnailFractions {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		offset := duration * fraction
		outputPath := e.layout.ThumbnailPath(video.ID, index)
		if err := e.gateway.ExtractFrame(ctx, video.SourcePath, offset, outputPath); err != nil {
			e.logger.Warn("thumbnail extraction failed",
				"video_id", video.ID, "index", index, "offset", offset, "error", err)
			continue
		}
		thumbnails = append(thumbnails, models.Thumbnail{
			Index:    index,
			Fraction: fraction,
			Offset:   offset,
			Path:     outputPath,
		})
	}
	if len(thumbnails) == 0 {
		return nil, "", fmt.Errorf("no thumbnails could be extracted")
	}
	// Prefer the midpoint frame as the poster, else the first that succeeded.
	defaultPath := thumbnails[0].Path
	for _, thumb := range thumbnails {
		if thumb.Index == defaultThumbnailIndex {
			defaultPath = thumb.Path
			break
		}
	}
	return thumbnails, defaultPath, nil
}
