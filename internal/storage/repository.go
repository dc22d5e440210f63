// Package storage persists videos and dead letters. Two implementations share
// the Repository interface: a JSON file store for single-node deployments and
// a Postgres-backed store for everything else.
package storage

import (
	"context"
	"errors"
	"time"

	"streamforge/internal/models"
)

var (
	// ErrVideoNotFound is returned when the referenced video does not exist.
	ErrVideoNotFound = errors.New("video not found")
	// ErrVideoNotClaimable is returned when a claim races another worker or
	// the video is no longer pending.
	ErrVideoNotClaimable = errors.New("video is not claimable")
	// ErrInvalidTransition is returned when an update would move a video
	// through an illegal lifecycle transition.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDeadLetterNotFound is returned when the referenced dead letter does
	// not exist.
	ErrDeadLetterNotFound = errors.New("dead letter not found")
)

// CreateVideoParams captures the caller-supplied fields of a new video. The
// video starts pending with zero attempts. DRMType selects a registered
// protection provider for this video; whether protection actually applied is
// reported by the video's IsProtected field, which only the pipeline sets.
type CreateVideoParams struct {
	OwnerID           string
	Title             string
	SourcePath        string
	DRMType           string
	SubtitleLanguages []string
	Metadata          map[string]string
}

// VideoUpdate mutates a video. Nil fields are left untouched; a non-nil
// pointer to a zero value clears the field. Metadata entries are merged into
// the existing map.
type VideoUpdate struct {
	Title              *string
	Status             *models.VideoStatus
	PlaybackURL        *string
	ThumbnailPath      *string
	ProcessingError    *string
	ProcessingDuration *float64
	AdaptiveStreaming  *bool
	Renditions         *[]models.Rendition
	Thumbnails         *[]models.Thumbnail
	IsProtected        *bool
	DRMType            *string
	HasSubtitles       *bool
	SubtitleLanguages  *[]string
	Metadata           map[string]string
	ProcessedAt        *time.Time
}

// Repository exposes the datastore operations required by the job runner,
// the orchestrator, and operator tooling.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateVideo(params CreateVideoParams) (models.Video, error)
	GetVideo(id string) (models.Video, bool)
	ListVideos(status models.VideoStatus) []models.Video
	UpdateVideo(id string, update VideoUpdate) (models.Video, error)

	// ClaimVideoForProcessing atomically moves a pending video to processing
	// and increments its attempt counter. Exactly one concurrent caller wins;
	// the rest receive ErrVideoNotClaimable.
	ClaimVideoForProcessing(id string) (models.Video, error)

	// RequeueVideo is the operator path that resets a failed video back to
	// pending with a fresh attempt budget.
	RequeueVideo(id string) (models.Video, error)

	AddDeadLetter(letter models.DeadLetter) (models.DeadLetter, error)
	ListDeadLetters() []models.DeadLetter
	GetDeadLetter(id string) (models.DeadLetter, bool)
	DeleteDeadLetter(id string) error
}
