package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"streamforge/internal/models"
)

type dataset struct {
	Videos      map[string]models.Video      `json:"videos"`
	DeadLetters map[string]models.DeadLetter `json:"deadLetters"`
}

// Storage is the JSON file-backed repository. All mutations rewrite the store
// file atomically; a persist failure rolls the in-memory state back.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	clock    func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// Option mutates storage configuration.
type Option func(*Storage)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Storage) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func newDataset() dataset {
	return dataset{
		Videos:      make(map[string]models.Video),
		DeadLetters: make(map[string]models.DeadLetter),
	}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Videos == nil {
		s.data.Videos = make(map[string]models.Video)
	}
	if s.data.DeadLetters == nil {
		s.data.DeadLetters = make(map[string]models.DeadLetter)
	}
}

// NewStorage opens (or creates) the JSON store at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

var _ Repository = (*Storage)(nil)

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()

	return nil
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func cloneVideo(video models.Video) models.Video {
	cloned := video
	if video.Renditions != nil {
		cloned.Renditions = append([]models.Rendition(nil), video.Renditions...)
	}
	if video.Thumbnails != nil {
		cloned.Thumbnails = append([]models.Thumbnail(nil), video.Thumbnails...)
	}
	if video.SubtitleLanguages != nil {
		cloned.SubtitleLanguages = append([]string(nil), video.SubtitleLanguages...)
	}
	if video.Metadata != nil {
		cloned.Metadata = make(map[string]string, len(video.Metadata))
		for key, value := range video.Metadata {
			cloned.Metadata[key] = value
		}
	}
	if video.ProcessingDuration != nil {
		duration := *video.ProcessingDuration
		cloned.ProcessingDuration = &duration
	}
	if video.ProcessedAt != nil {
		processedAt := *video.ProcessedAt
		cloned.ProcessedAt = &processedAt
	}
	return cloned
}

func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data.Videos == nil {
		return fmt.Errorf("store not initialised")
	}
	return nil
}

func (s *Storage) Close(ctx context.Context) error {
	return nil
}

func (s *Storage) CreateVideo(params CreateVideoParams) (models.Video, error) {
	if strings.TrimSpace(params.Title) == "" {
		return models.Video{}, fmt.Errorf("title is required")
	}
	if strings.TrimSpace(params.SourcePath) == "" {
		return models.Video{}, fmt.Errorf("source path is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDatasetInitializedLocked()

	id, err := generateID()
	if err != nil {
		return models.Video{}, err
	}
	now := s.clock()
	video := models.Video{
		ID:                id,
		OwnerID:           strings.TrimSpace(params.OwnerID),
		Title:             strings.TrimSpace(params.Title),
		SourcePath:        params.SourcePath,
		Status:            models.StatusPending,
		DRMType:           strings.TrimSpace(params.DRMType),
		SubtitleLanguages: append([]string(nil), params.SubtitleLanguages...),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if len(params.Metadata) > 0 {
		video.Metadata = make(map[string]string, len(params.Metadata))
		for key, value := range params.Metadata {
			video.Metadata[key] = value
		}
	}

	s.data.Videos[id] = video
	if err := s.persist(); err != nil {
		delete(s.data.Videos, id)
		return models.Video{}, err
	}
	return cloneVideo(video), nil
}

func (s *Storage) GetVideo(id string) (models.Video, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, false
	}
	return cloneVideo(video), true
}

// ListVideos returns videos sorted by creation time, oldest first. An empty
// status matches every video.
func (s *Storage) ListVideos(status models.VideoStatus) []models.Video {
	s.mu.RLock()
	defer s.mu.RUnlock()
	videos := make([]models.Video, 0, len(s.data.Videos))
	for _, video := range s.data.Videos {
		if status != "" && video.Status != status {
			continue
		}
		videos = append(videos, cloneVideo(video))
	}
	sort.Slice(videos, func(i, j int) bool {
		if videos[i].CreatedAt.Equal(videos[j].CreatedAt) {
			return videos[i].ID < videos[j].ID
		}
		return videos[i].CreatedAt.Before(videos[j].CreatedAt)
	})
	return videos
}

func applyVideoUpdate(video models.Video, update VideoUpdate, now time.Time) (models.Video, error) {
	if update.Status != nil && *update.Status != video.Status {
		if !video.Status.CanTransitionTo(*update.Status) {
			return models.Video{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, video.Status, *update.Status)
		}
		video.Status = *update.Status
	}
	if update.Title != nil {
		video.Title = strings.TrimSpace(*update.Title)
	}
	if update.PlaybackURL != nil {
		video.PlaybackURL = *update.PlaybackURL
	}
	if update.ThumbnailPath != nil {
		video.ThumbnailPath = *update.ThumbnailPath
	}
	if update.ProcessingError != nil {
		video.ProcessingError = *update.ProcessingError
	}
	if update.ProcessingDuration != nil {
		duration := *update.ProcessingDuration
		video.ProcessingDuration = &duration
	}
	if update.AdaptiveStreaming != nil {
		video.AdaptiveStreaming = *update.AdaptiveStreaming
	}
	if update.Renditions != nil {
		video.Renditions = append([]models.Rendition(nil), (*update.Renditions)...)
	}
	if update.Thumbnails != nil {
		video.Thumbnails = append([]models.Thumbnail(nil), (*update.Thumbnails)...)
	}
	if update.IsProtected != nil {
		video.IsProtected = *update.IsProtected
	}
	if update.DRMType != nil {
		video.DRMType = strings.TrimSpace(*update.DRMType)
	}
	if update.HasSubtitles != nil {
		video.HasSubtitles = *update.HasSubtitles
	}
	if update.SubtitleLanguages != nil {
		video.SubtitleLanguages = append([]string(nil), (*update.SubtitleLanguages)...)
	}
	if len(update.Metadata) > 0 {
		if video.Metadata == nil {
			video.Metadata = make(map[string]string, len(update.Metadata))
		}
		for key, value := range update.Metadata {
			video.Metadata[key] = value
		}
	}
	if update.ProcessedAt != nil {
		processedAt := *update.ProcessedAt
		video.ProcessedAt = &processedAt
	}
	video.UpdatedAt = now
	return video, nil
}

func (s *Storage) UpdateVideo(id string, update VideoUpdate) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, ErrVideoNotFound
	}
	updated, err := applyVideoUpdate(cloneVideo(existing), update, s.clock())
	if err != nil {
		return models.Video{}, err
	}
	s.data.Videos[id] = updated
	if err := s.persist(); err != nil {
		s.data.Videos[id] = existing
		return models.Video{}, err
	}
	return cloneVideo(updated), nil
}

func (s *Storage) ClaimVideoForProcessing(id string) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, ErrVideoNotFound
	}
	if existing.Status != models.StatusPending {
		return models.Video{}, fmt.Errorf("%w: status is %s", ErrVideoNotClaimable, existing.Status)
	}

	claimed := cloneVideo(existing)
	claimed.Status = models.StatusProcessing
	claimed.ProcessingAttempts++
	claimed.UpdatedAt = s.clock()

	s.data.Videos[id] = claimed
	if err := s.persist(); err != nil {
		s.data.Videos[id] = existing
		return models.Video{}, err
	}
	return cloneVideo(claimed), nil
}

func (s *Storage) RequeueVideo(id string) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, ErrVideoNotFound
	}
	if existing.Status != models.StatusFailed {
		return models.Video{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, existing.Status, models.StatusPending)
	}

	requeued := cloneVideo(existing)
	requeued.Status = models.StatusPending
	requeued.ProcessingAttempts = 0
	requeued.ProcessingError = ""
	requeued.UpdatedAt = s.clock()

	s.data.Videos[id] = requeued
	if err := s.persist(); err != nil {
		s.data.Videos[id] = existing
		return models.Video{}, err
	}
	return cloneVideo(requeued), nil
}

func (s *Storage) AddDeadLetter(letter models.DeadLetter) (models.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDatasetInitializedLocked()

	if letter.ID == "" {
		id, err := generateID()
		if err != nil {
			return models.DeadLetter{}, err
		}
		letter.ID = id
	}
	if letter.FailedAt.IsZero() {
		letter.FailedAt = s.clock()
	}

	s.data.DeadLetters[letter.ID] = letter
	if err := s.persist(); err != nil {
		delete(s.data.DeadLetters, letter.ID)
		return models.DeadLetter{}, err
	}
	return letter, nil
}

// ListDeadLetters returns dead letters sorted by failure time, oldest first.
func (s *Storage) ListDeadLetters() []models.DeadLetter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	letters := make([]models.DeadLetter, 0, len(s.data.DeadLetters))
	for _, letter := range s.data.DeadLetters {
		letters = append(letters, letter)
	}
	sort.Slice(letters, func(i, j int) bool {
		if letters[i].FailedAt.Equal(letters[j].FailedAt) {
			return letters[i].ID < letters[j].ID
		}
		return letters[i].FailedAt.Before(letters[j].FailedAt)
	})
	return letters
}

func (s *Storage) GetDeadLetter(id string) (models.DeadLetter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	letter, ok := s.data.DeadLetters[id]
	return letter, ok
}

func (s *Storage) DeleteDeadLetter(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	letter, ok := s.data.DeadLetters[id]
	if !ok {
		return ErrDeadLetterNotFound
	}
	delete(s.data.DeadLetters, id)
	if err := s.persist(); err != nil {
		s.data.DeadLetters[id] = letter
		return err
	}
	return nil
}
