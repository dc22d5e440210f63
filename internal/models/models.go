package models

import (
	"time"
)

// VideoStatus tracks a video through the processing lifecycle. Only the job
// runner and the orchestrator mutate it after creation.
type VideoStatus string

const (
	StatusPending    VideoStatus = "pending"
	StatusProcessing VideoStatus = "processing"
	StatusComplete   VideoStatus = "complete"
	StatusFailed     VideoStatus = "failed"
)

// CanTransitionTo reports whether moving from s to next is a legal lifecycle
// transition. The graph is exactly: pending→processing, processing→complete,
// processing→pending (retry), processing→failed.
func (s VideoStatus) CanTransitionTo(next VideoStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusComplete || next == StatusPending || next == StatusFailed
	default:
		return false
	}
}

// Video is the unit of work for the processing pipeline.
type Video struct {
	ID                 string            `json:"id"`
	OwnerID            string            `json:"ownerId"`
	Title              string            `json:"title"`
	SourcePath         string            `json:"sourcePath"`
	PlaybackURL        string            `json:"playbackUrl,omitempty"`
	ThumbnailPath      string            `json:"thumbnailPath,omitempty"`
	Status             VideoStatus       `json:"status"`
	ProcessingAttempts int               `json:"processingAttempts"`
	ProcessingError    string            `json:"processingError,omitempty"`
	ProcessingDuration *float64          `json:"processingDuration,omitempty"`
	AdaptiveStreaming  bool              `json:"adaptiveStreaming"`
	Renditions         []Rendition       `json:"renditions,omitempty"`
	Thumbnails         []Thumbnail       `json:"thumbnails,omitempty"`
	IsProtected        bool              `json:"isProtected"`
	DRMType            string            `json:"drmType,omitempty"`
	HasSubtitles       bool              `json:"hasSubtitles"`
	SubtitleLanguages  []string          `json:"subtitleLanguages,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
	ProcessedAt        *time.Time        `json:"processedAt,omitempty"`
}

// Rendition describes one quality variant in the encoding ladder. Resolution
// is "WIDTHxHEIGHT" and Bitrate a human-readable value such as "2500k"; the
// Bandwidth field carries the numeric bits-per-second derived from Bitrate
// once the variant has been encoded.
type Rendition struct {
	Name        string `json:"name"`
	Resolution  string `json:"resolution"`
	Bitrate     string `json:"bitrate"`
	Bandwidth   int    `json:"bandwidth,omitempty"`
	ManifestURL string `json:"manifestUrl,omitempty"`
}

// Thumbnail is a single frame pulled from the source at a proportional
// offset. Fraction is the position in the source (0..1), Offset the resolved
// timestamp in seconds.
type Thumbnail struct {
	Index    int     `json:"index"`
	Fraction float64 `json:"fraction"`
	Offset   float64 `json:"offset"`
	Path     string  `json:"path"`
}

// ProcessingJob is the queue-resident envelope for one processing attempt.
type ProcessingJob struct {
	ID         string        `json:"id"`
	VideoID    string        `json:"videoId"`
	Queue      string        `json:"queue"`
	Attempt    int           `json:"attempt"`
	EnqueuedAt time.Time     `json:"enqueuedAt"`
	NotBefore  time.Time     `json:"notBefore"`
	Timeout    time.Duration `json:"timeout"`
}

// Ready reports whether the job's scheduled-not-before time has passed.
func (j ProcessingJob) Ready(now time.Time) bool {
	return j.NotBefore.IsZero() || !now.Before(j.NotBefore)
}

// DeadLetter records a job that exhausted its retries. Dead letters are
// inspectable and manually retryable by operators.
type DeadLetter struct {
	ID         string    `json:"id"`
	VideoID    string    `json:"videoId"`
	Queue      string    `json:"queue"`
	Error      string    `json:"error"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	FailedAt   time.Time `json:"failedAt"`
}
