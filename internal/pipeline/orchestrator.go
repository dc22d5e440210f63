package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"streamforge/internal/media"
	"streamforge/internal/models"
	"streamforge/internal/observability/logging"
	"streamforge/internal/observability/metrics"
	"streamforge/internal/storage"
)

// OrchestratorConfig wires the stage implementations together.
type OrchestratorConfig struct {
	Repository storage.Repository
	Gateway    media.Gateway
	Layout     Layout
	// SegmentSeconds is the HLS segment duration; zero means the default.
	SegmentSeconds int
	// Protection enables the protection stage for every video when non-nil.
	// A provider named by the video's DRM type wins over this default when
	// registered.
	Protection ProtectionProvider
	// Transcriber enables subtitle generation when non-nil.
	Transcriber TranscriptionProvider
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Orchestrator runs the full processing sequence for one video: probe, plan,
// encode the adaptive ladder, extract thumbnails, then the optional
// protection and subtitle stages. Required stage failures surface as
// StageErrors for the job runner to classify.
type Orchestrator struct {
	repo       storage.Repository
	gateway    media.Gateway
	layout     Layout
	streams    *StreamBuilder
	thumbnails *ThumbnailExtractor
	subtitles  *SubtitleGenerator
	protection ProtectionProvider
	logger     *slog.Logger
	clock      func() time.Time
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("media gateway is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	orch := &Orchestrator{
		repo:       cfg.Repository,
		gateway:    cfg.Gateway,
		layout:     cfg.Layout,
		streams:    NewStreamBuilder(cfg.Gateway, cfg.Layout, cfg.SegmentSeconds, logger),
		thumbnails: NewThumbnailExtractor(cfg.Gateway, cfg.Layout, logger),
		protection: cfg.Protection,
		logger:     logging.WithComponent(logger, "orchestrator"),
		clock:      clock,
	}
	if cfg.Transcriber != nil {
		orch.subtitles = NewSubtitleGenerator(cfg.Gateway, cfg.Transcriber, cfg.Layout, logger)
	}
	return orch, nil
}

// Process runs every stage for the given video and persists the results.
// Calling it on an already-complete video is a no-op. The video must already
// be in the processing state; the caller owns claiming and retry bookkeeping.
func (o *Orchestrator) Process(ctx context.Context, videoID string) error {
	video, ok := o.repo.GetVideo(videoID)
	if !ok {
		return Fatal("lookup", fmt.Errorf("video %s not found", videoID))
	}
	if video.Status == models.StatusComplete {
		o.logger.Info("video already complete, skipping", "video_id", video.ID)
		return nil
	}

	logger := logging.WithContext(logging.ContextWithVideoID(ctx, video.ID), o.logger)
	start := o.clock()

	if _, err := os.Stat(video.SourcePath); err != nil {
		return Fatal("source", fmt.Errorf("source file unavailable: %w", err))
	}

	probeStart := o.clock()
	probe, probeErr := o.gateway.Probe(ctx, video.SourcePath)
	metrics.ObserveStage("probe", o.clock().Sub(probeStart))
	if probeErr != nil {
		if ctx.Err() != nil {
			return Retryable("probe", ctx.Err())
		}
		logger.Warn("probe failed, continuing with degraded duration", "error", probeErr)
	}
	plan, err := BuildPlan(probe, probeErr)
	if err != nil {
		return Fatal("plan", err)
	}
	metadata := map[string]string{}
	if plan.Degraded {
		metadata["probe_degraded"] = "true"
	}

	streamsStart := o.clock()
	renditions, playbackURL, err := o.streams.Build(ctx, video, plan)
	metrics.ObserveStage("streams", o.clock().Sub(streamsStart))
	if err != nil {
		return Retryable("streams", err)
	}

	thumbsStart := o.clock()
	thumbnails, defaultThumbnail, err := o.thumbnails.Extract(ctx, video, plan.Duration)
	metrics.ObserveStage("thumbnails", o.clock().Sub(thumbsStart))
	if err != nil {
		return Retryable("thumbnails", err)
	}

	update := storage.VideoUpdate{
		PlaybackURL:   &playbackURL,
		ThumbnailPath: &defaultThumbnail,
		Renditions:    &renditions,
		Thumbnails:    &thumbnails,
	}

	if o.protection != nil {
		o.applyProtection(ctx, logger, video, renditions, &update, metadata)
	}

	if o.subtitles != nil && len(video.SubtitleLanguages) > 0 {
		produced, err := o.subtitles.Generate(ctx, video, video.SubtitleLanguages)
		if err != nil {
			if ctx.Err() != nil {
				return Retryable("subtitles", ctx.Err())
			}
			logger.Warn("subtitle generation failed", "error", err)
			// The languages field only ever reports produced subtitles, so
			// the requested list must not survive a total failure.
			none := []string{}
			hasSubtitles := false
			update.HasSubtitles = &hasSubtitles
			update.SubtitleLanguages = &none
		} else {
			hasSubtitles := true
			update.HasSubtitles = &hasSubtitles
			update.SubtitleLanguages = &produced
		}
	}

	elapsed := o.clock().Sub(start).Seconds()
	status := models.StatusComplete
	adaptive := true
	clearError := ""
	processedAt := o.clock()
	update.Status = &status
	update.AdaptiveStreaming = &adaptive
	update.ProcessingError = &clearError
	update.ProcessingDuration = &elapsed
	update.ProcessedAt = &processedAt
	if len(metadata) > 0 {
		update.Metadata = metadata
	}

	if _, err := o.repo.UpdateVideo(video.ID, update); err != nil {
		return Retryable("persist", err)
	}
	logger.Info("processing complete",
		"renditions", len(renditions),
		"thumbnails", len(thumbnails),
		"duration_seconds", elapsed)
	return nil
}

// applyProtection never fails the job: a protection error leaves the video
// published unprotected with a logged warning. IsProtected is set only when
// the provider succeeds.
func (o *Orchestrator) applyProtection(ctx context.Context, logger *slog.Logger, video models.Video, renditions []models.Rendition, update *storage.VideoUpdate, metadata map[string]string) {
	provider := o.protection
	if video.DRMType != "" {
		if registered, err := ProtectionProviderByName(video.DRMType); err == nil {
			provider = registered
		}
	}

	manifests := make([]string, 0, len(renditions))
	for _, rendition := range renditions {
		manifests = append(manifests, rendition.ManifestURL)
	}
	result, err := provider.Protect(ctx, ProtectionRequest{
		VideoID:    video.ID,
		MasterPath: o.layout.MasterPlaylist(video.ID),
		Renditions: manifests,
	})
	if err != nil {
		logger.Warn("protection failed, publishing unprotected", "provider", provider.Name(), "error", err)
		return
	}

	protected := true
	providerName := result.Provider
	update.IsProtected = &protected
	update.DRMType = &providerName
	if result.KeyID != "" {
		metadata["drm_key_id"] = result.KeyID
	}
	for key, value := range result.Metadata {
		metadata["drm_"+key] = value
	}
	logger.Info("protection applied", "provider", providerName)
}
