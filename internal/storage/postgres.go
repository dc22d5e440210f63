package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"streamforge/internal/models"
)

const defaultPostgresOperationTimeout = 10 * time.Second

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	ConnectTimeout      time.Duration
	ApplicationName     string
	OperationTimeout    time.Duration
	Clock               func() time.Time
}

type postgresRepository struct {
	pool      *pgxpool.Pool
	opTimeout time.Duration
	clock     func() time.Time
}

var _ Repository = (*postgresRepository)(nil)

// NewPostgresRepository opens a Postgres-backed repository and applies the
// schema migrations.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{
		pool:      pool,
		opTimeout: cfg.OperationTimeout,
		clock:     cfg.Clock,
	}
	if repo.opTimeout <= 0 {
		repo.opTimeout = defaultPostgresOperationTimeout
	}
	if repo.clock == nil {
		repo.clock = func() time.Time { return time.Now().UTC() }
	}
	if err := repo.applyMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS videos (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		source_path TEXT NOT NULL,
		playback_url TEXT NOT NULL DEFAULT '',
		thumbnail_path TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		processing_attempts INTEGER NOT NULL DEFAULT 0,
		processing_error TEXT NOT NULL DEFAULT '',
		processing_duration DOUBLE PRECISION,
		adaptive_streaming BOOLEAN NOT NULL DEFAULT FALSE,
		renditions JSONB NOT NULL DEFAULT '[]'::jsonb,
		thumbnails JSONB NOT NULL DEFAULT '[]'::jsonb,
		is_protected BOOLEAN NOT NULL DEFAULT FALSE,
		drm_type TEXT NOT NULL DEFAULT '',
		has_subtitles BOOLEAN NOT NULL DEFAULT FALSE,
		subtitle_languages TEXT[] NOT NULL DEFAULT '{}',
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		processed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS videos_status_idx ON videos (status)`,
	`CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		video_id TEXT NOT NULL,
		queue TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		enqueued_at TIMESTAMPTZ NOT NULL,
		failed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS dead_letters_video_idx ON dead_letters (video_id)`,
}

func (r *postgresRepository) applyMigrations(ctx context.Context) error {
	for _, statement := range postgresMigrations {
		if _, err := r.pool.Exec(ctx, statement); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}

func (r *postgresRepository) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.opTimeout)
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

const videoColumns = `id, owner_id, title, source_path, playback_url, thumbnail_path,
	status, processing_attempts, processing_error, processing_duration,
	adaptive_streaming, renditions, thumbnails, is_protected, drm_type,
	has_subtitles, subtitle_languages, metadata, created_at, updated_at, processed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideo(row rowScanner) (models.Video, error) {
	var video models.Video
	var renditionsJSON, thumbnailsJSON, metadataJSON []byte
	err := row.Scan(
		&video.ID,
		&video.OwnerID,
		&video.Title,
		&video.SourcePath,
		&video.PlaybackURL,
		&video.ThumbnailPath,
		&video.Status,
		&video.ProcessingAttempts,
		&video.ProcessingError,
		&video.ProcessingDuration,
		&video.AdaptiveStreaming,
		&renditionsJSON,
		&thumbnailsJSON,
		&video.IsProtected,
		&video.DRMType,
		&video.HasSubtitles,
		&video.SubtitleLanguages,
		&metadataJSON,
		&video.CreatedAt,
		&video.UpdatedAt,
		&video.ProcessedAt,
	)
	if err != nil {
		return models.Video{}, err
	}
	if len(renditionsJSON) > 0 {
		if err := json.Unmarshal(renditionsJSON, &video.Renditions); err != nil {
			return models.Video{}, fmt.Errorf("decode renditions: %w", err)
		}
	}
	if len(thumbnailsJSON) > 0 {
		if err := json.Unmarshal(thumbnailsJSON, &video.Thumbnails); err != nil {
			return models.Video{}, fmt.Errorf("decode thumbnails: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &video.Metadata); err != nil {
			return models.Video{}, fmt.Errorf("decode metadata: %w", err)
		}
		if len(video.Metadata) == 0 {
			video.Metadata = nil
		}
	}
	return video, nil
}

func encodeVideoJSON(video models.Video) (renditions, thumbnails, metadata []byte, err error) {
	if renditions, err = json.Marshal(orEmptyRenditions(video.Renditions)); err != nil {
		return nil, nil, nil, fmt.Errorf("encode renditions: %w", err)
	}
	if thumbnails, err = json.Marshal(orEmptyThumbnails(video.Thumbnails)); err != nil {
		return nil, nil, nil, fmt.Errorf("encode thumbnails: %w", err)
	}
	meta := video.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	if metadata, err = json.Marshal(meta); err != nil {
		return nil, nil, nil, fmt.Errorf("encode metadata: %w", err)
	}
	return renditions, thumbnails, metadata, nil
}

func orEmptyRenditions(renditions []models.Rendition) []models.Rendition {
	if renditions == nil {
		return []models.Rendition{}
	}
	return renditions
}

func orEmptyThumbnails(thumbnails []models.Thumbnail) []models.Thumbnail {
	if thumbnails == nil {
		return []models.Thumbnail{}
	}
	return thumbnails
}

func (r *postgresRepository) CreateVideo(params CreateVideoParams) (models.Video, error) {
	if strings.TrimSpace(params.Title) == "" {
		return models.Video{}, fmt.Errorf("title is required")
	}
	if strings.TrimSpace(params.SourcePath) == "" {
		return models.Video{}, fmt.Errorf("source path is required")
	}

	id, err := generateID()
	if err != nil {
		return models.Video{}, err
	}
	now := r.clock()
	video := models.Video{
		ID:                id,
		OwnerID:           strings.TrimSpace(params.OwnerID),
		Title:             strings.TrimSpace(params.Title),
		SourcePath:        params.SourcePath,
		Status:            models.StatusPending,
		DRMType:           strings.TrimSpace(params.DRMType),
		SubtitleLanguages: append([]string(nil), params.SubtitleLanguages...),
		Metadata:          params.Metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	renditions, thumbnails, metadata, err := encodeVideoJSON(video)
	if err != nil {
		return models.Video{}, err
	}
	languages := video.SubtitleLanguages
	if languages == nil {
		languages = []string{}
	}

	ctx, cancel := r.opContext()
	defer cancel()
	_, err = r.pool.Exec(ctx, `INSERT INTO videos (`+videoColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		video.ID, video.OwnerID, video.Title, video.SourcePath, video.PlaybackURL, video.ThumbnailPath,
		video.Status, video.ProcessingAttempts, video.ProcessingError, video.ProcessingDuration,
		video.AdaptiveStreaming, renditions, thumbnails, video.IsProtected, video.DRMType,
		video.HasSubtitles, languages, metadata, video.CreatedAt, video.UpdatedAt, video.ProcessedAt)
	if err != nil {
		return models.Video{}, fmt.Errorf("insert video: %w", err)
	}
	return video, nil
}

func (r *postgresRepository) GetVideo(id string) (models.Video, bool) {
	ctx, cancel := r.opContext()
	defer cancel()
	row := r.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id)
	video, err := scanVideo(row)
	if err != nil {
		return models.Video{}, false
	}
	return video, true
}

func (r *postgresRepository) ListVideos(status models.VideoStatus) []models.Video {
	ctx, cancel := r.opContext()
	defer cancel()

	query := `SELECT ` + videoColumns + ` FROM videos ORDER BY created_at, id`
	args := []any{}
	if status != "" {
		query = `SELECT ` + videoColumns + ` FROM videos WHERE status = $1 ORDER BY created_at, id`
		args = append(args, status)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var videos []models.Video
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil
		}
		videos = append(videos, video)
	}
	if rows.Err() != nil {
		return nil
	}
	return videos
}

func (r *postgresRepository) UpdateVideo(id string, update VideoUpdate) (models.Video, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Video{}, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1 FOR UPDATE`, id)
	existing, err := scanVideo(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, ErrVideoNotFound
	} else if err != nil {
		return models.Video{}, fmt.Errorf("load video: %w", err)
	}

	updated, err := applyVideoUpdate(existing, update, r.clock())
	if err != nil {
		return models.Video{}, err
	}
	if err := writeVideoTx(ctx, tx, updated); err != nil {
		return models.Video{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Video{}, fmt.Errorf("commit update: %w", err)
	}
	return updated, nil
}

func writeVideoTx(ctx context.Context, tx pgx.Tx, video models.Video) error {
	renditions, thumbnails, metadata, err := encodeVideoJSON(video)
	if err != nil {
		return err
	}
	languages := video.SubtitleLanguages
	if languages == nil {
		languages = []string{}
	}
	_, err = tx.Exec(ctx, `UPDATE videos SET
		owner_id = $2, title = $3, source_path = $4, playback_url = $5, thumbnail_path = $6,
		status = $7, processing_attempts = $8, processing_error = $9, processing_duration = $10,
		adaptive_streaming = $11, renditions = $12, thumbnails = $13, is_protected = $14,
		drm_type = $15, has_subtitles = $16, subtitle_languages = $17, metadata = $18,
		updated_at = $19, processed_at = $20
		WHERE id = $1`,
		video.ID, video.OwnerID, video.Title, video.SourcePath, video.PlaybackURL, video.ThumbnailPath,
		video.Status, video.ProcessingAttempts, video.ProcessingError, video.ProcessingDuration,
		video.AdaptiveStreaming, renditions, thumbnails, video.IsProtected,
		video.DRMType, video.HasSubtitles, languages, metadata,
		video.UpdatedAt, video.ProcessedAt)
	if err != nil {
		return fmt.Errorf("write video: %w", err)
	}
	return nil
}

func (r *postgresRepository) ClaimVideoForProcessing(id string) (models.Video, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	// The WHERE clause is the compare-and-set: only a pending row is claimed,
	// so concurrent claimers race on a single UPDATE.
	row := r.pool.QueryRow(ctx, `UPDATE videos SET
		status = $2, processing_attempts = processing_attempts + 1, updated_at = $3
		WHERE id = $1 AND status = $4
		RETURNING `+videoColumns,
		id, models.StatusProcessing, r.clock(), models.StatusPending)
	video, err := scanVideo(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, ok := r.GetVideo(id); !ok {
			return models.Video{}, ErrVideoNotFound
		}
		return models.Video{}, ErrVideoNotClaimable
	} else if err != nil {
		return models.Video{}, fmt.Errorf("claim video: %w", err)
	}
	return video, nil
}

func (r *postgresRepository) RequeueVideo(id string) (models.Video, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	row := r.pool.QueryRow(ctx, `UPDATE videos SET
		status = $2, processing_attempts = 0, processing_error = '', updated_at = $3
		WHERE id = $1 AND status = $4
		RETURNING `+videoColumns,
		id, models.StatusPending, r.clock(), models.StatusFailed)
	video, err := scanVideo(row)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, ok := r.GetVideo(id)
		if !ok {
			return models.Video{}, ErrVideoNotFound
		}
		return models.Video{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, existing.Status, models.StatusPending)
	} else if err != nil {
		return models.Video{}, fmt.Errorf("requeue video: %w", err)
	}
	return video, nil
}

func (r *postgresRepository) AddDeadLetter(letter models.DeadLetter) (models.DeadLetter, error) {
	if letter.ID == "" {
		id, err := generateID()
		if err != nil {
			return models.DeadLetter{}, err
		}
		letter.ID = id
	}
	if letter.FailedAt.IsZero() {
		letter.FailedAt = r.clock()
	}

	ctx, cancel := r.opContext()
	defer cancel()
	_, err := r.pool.Exec(ctx, `INSERT INTO dead_letters (id, video_id, queue, error, attempts, enqueued_at, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		letter.ID, letter.VideoID, letter.Queue, letter.Error, letter.Attempts, letter.EnqueuedAt, letter.FailedAt)
	if err != nil {
		return models.DeadLetter{}, fmt.Errorf("insert dead letter: %w", err)
	}
	return letter, nil
}

func (r *postgresRepository) ListDeadLetters() []models.DeadLetter {
	ctx, cancel := r.opContext()
	defer cancel()

	rows, err := r.pool.Query(ctx, `SELECT id, video_id, queue, error, attempts, enqueued_at, failed_at
		FROM dead_letters ORDER BY failed_at, id`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var letters []models.DeadLetter
	for rows.Next() {
		var letter models.DeadLetter
		if err := rows.Scan(&letter.ID, &letter.VideoID, &letter.Queue, &letter.Error,
			&letter.Attempts, &letter.EnqueuedAt, &letter.FailedAt); err != nil {
			return nil
		}
		letters = append(letters, letter)
	}
	if rows.Err() != nil {
		return nil
	}
	return letters
}

func (r *postgresRepository) GetDeadLetter(id string) (models.DeadLetter, bool) {
	ctx, cancel := r.opContext()
	defer cancel()

	var letter models.DeadLetter
	err := r.pool.QueryRow(ctx, `SELECT id, video_id, queue, error, attempts, enqueued_at, failed_at
		FROM dead_letters WHERE id = $1`, id).
		Scan(&letter.ID, &letter.VideoID, &letter.Queue, &letter.Error,
			&letter.Attempts, &letter.EnqueuedAt, &letter.FailedAt)
	if err != nil {
		return models.DeadLetter{}, false
	}
	return letter, true
}

func (r *postgresRepository) DeleteDeadLetter(id string) error {
	ctx, cancel := r.opContext()
	defer cancel()

	tag, err := r.pool.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeadLetterNotFound
	}
	return nil
}
