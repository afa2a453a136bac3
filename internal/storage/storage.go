package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"photoingest/internal/models"
)

type Storage struct {
	pool *pgxpool.Pool
}

var _ Repository = (*Storage)(nil)

func NewStorage(ctx context.Context, dsn string, log zerolog.Logger) (*Storage, error) {
	const op = "storage.NewStorage"

	if err := runMigrations(dsn, log); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{pool: pool}, nil
}

func (s *Storage) Close() {
	s.pool.Close()
}

// Pool exposes the connection pool for stores sharing the database.
func (s *Storage) Pool() *pgxpool.Pool {
	return s.pool
}

const imageColumns = `id, owner_id, upload_id, object_key, content_type, title, category_ref, location,
	tags, exif, palette, derivatives, processing_status, processing_attempts, processing_error,
	moderation_status, version, created_at, updated_at`

const jobColumns = `id, image_id, attempt, max_attempts, next_attempt_at, last_error,
	COALESCE(lease_owner, ''), COALESCE(lease_until, 'epoch'::timestamptz), done,
	COALESCE(published_at, 'epoch'::timestamptz), created_at`

func scanImage(row pgx.Row) (*models.Image, error) {
	var (
		img         models.Image
		exif        []byte
		derivatives []byte
	)
	err := row.Scan(&img.ID, &img.OwnerID, &img.UploadID, &img.ObjectKey, &img.ContentType,
		&img.Title, &img.CategoryRef, &img.Location, &img.Tags, &exif, &img.Palette, &derivatives,
		&img.ProcessingStatus, &img.ProcessingAttempts, &img.ProcessingError,
		&img.ModerationStatus, &img.Version, &img.CreatedAt, &img.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(exif, &img.Exif); err != nil {
		return nil, err
	}
	img.Derivatives = map[string]string{}
	if err := json.Unmarshal(derivatives, &img.Derivatives); err != nil {
		return nil, err
	}
	return &img, nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		job  models.Job
		done []byte
	)
	err := row.Scan(&job.ID, &job.ImageID, &job.Attempt, &job.MaxAttempts, &job.NextAttemptAt,
		&job.LastError, &job.LeaseOwner, &job.LeaseUntil, &done, &job.PublishedAt, &job.CreatedAt)
	if err != nil {
		return nil, err
	}
	job.Done = map[string]string{}
	if err := json.Unmarshal(done, &job.Done); err != nil {
		return nil, err
	}
	if job.LeaseUntil.Unix() == 0 {
		job.LeaseUntil = time.Time{}
	}
	if job.PublishedAt.Unix() == 0 {
		job.PublishedAt = time.Time{}
	}
	return &job, nil
}

func notFound(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isVersionConflict(err error) bool {
	return errors.Is(err, models.ErrVersionConflict)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (s *Storage) CreateImageWithJob(ctx context.Context, img *models.Image, job *models.Job) (*models.Image, bool, error) {
	const op = "storage.CreateImageWithJob"

	exif, err := json.Marshal(img.Exif)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	derivatives, err := json.Marshal(img.Derivatives)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		INSERT INTO images (id, owner_id, upload_id, object_key, content_type, title, category_ref,
			location, tags, exif, palette, derivatives, processing_status, moderation_status, version,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1, $15, $15)
		ON CONFLICT (upload_id) DO NOTHING
		RETURNING `+imageColumns,
		img.ID, img.OwnerID, img.UploadID, img.ObjectKey, img.ContentType, img.Title, img.CategoryRef,
		img.Location, nonNil(img.Tags), exif, nonNil(img.Palette), derivatives, img.ProcessingStatus,
		img.ModerationStatus, img.CreatedAt)

	stored, err := scanImage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		tx.Rollback(ctx)
		existing, err := s.GetImageByUploadID(ctx, img.UploadID)
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w", op, err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO processing_jobs (id, image_id, attempt, max_attempts, next_attempt_at, done, created_at)
		VALUES ($1, $2, 0, $3, $4, '{}', $5)`,
		job.ID, job.ImageID, job.MaxAttempts, job.NextAttemptAt, job.CreatedAt); err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			existing, getErr := s.GetImageByUploadID(ctx, img.UploadID)
			if getErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	return stored, true, nil
}

func (s *Storage) GetImage(ctx context.Context, id uuid.UUID) (*models.Image, error) {
	const op = "storage.GetImage"
	img, err := scanImage(s.pool.QueryRow(ctx, `SELECT `+imageColumns+` FROM images WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(op, err)
	}
	return img, nil
}

func (s *Storage) GetImageByUploadID(ctx context.Context, uploadID uuid.UUID) (*models.Image, error) {
	const op = "storage.GetImageByUploadID"
	img, err := scanImage(s.pool.QueryRow(ctx, `SELECT `+imageColumns+` FROM images WHERE upload_id = $1`, uploadID))
	if err != nil {
		return nil, notFound(op, err)
	}
	return img, nil
}

func (s *Storage) UpdateImage(ctx context.Context, img *models.Image) error {
	const op = "storage.UpdateImage"

	exif, err := json.Marshal(img.Exif)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	derivatives, err := json.Marshal(img.Derivatives)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	err = s.pool.QueryRow(ctx, `
		UPDATE images SET object_key = $3, content_type = $4, title = $5, category_ref = $6,
			location = $7, tags = $8, exif = $9, palette = $10, derivatives = $11,
			processing_status = $12, processing_attempts = $13, processing_error = $14,
			moderation_status = $15, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`,
		img.ID, img.Version, img.ObjectKey, img.ContentType, img.Title, img.CategoryRef,
		img.Location, nonNil(img.Tags), exif, nonNil(img.Palette), derivatives,
		img.ProcessingStatus, img.ProcessingAttempts, img.ProcessingError, img.ModerationStatus,
	).Scan(&img.Version, &img.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM images WHERE id = $1)`, img.ID).Scan(&exists); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if !exists {
			return fmt.Errorf("%s: %w", op, models.ErrNotFound)
		}
		return fmt.Errorf("%s: %w", op, models.ErrVersionConflict)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) DeleteImage(ctx context.Context, id uuid.UUID) error {
	const op = "storage.DeleteImage"
	tag, err := s.pool.Exec(ctx, `DELETE FROM images WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	return nil
}

func (s *Storage) ListImages(ctx context.Context, q models.ListQuery, publicOnly bool) ([]models.Image, int, error) {
	const op = "storage.ListImages"

	where := `WHERE ($1 = '' OR owner_id = $1) AND ($2 = '' OR category_ref = $2)`
	if publicOnly {
		where += ` AND processing_status = 'complete' AND moderation_status IN ('approved', 'pending')`
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM images `+where, q.OwnerID, q.Category).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%s: %w", op, err)
	}

	offset := (q.Page - 1) * q.PageSize
	rows, err := s.pool.Query(ctx, `SELECT `+imageColumns+` FROM images `+where+`
		ORDER BY created_at DESC, id LIMIT $3 OFFSET $4`, q.OwnerID, q.Category, q.PageSize, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	images := make([]models.Image, 0, q.PageSize)
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("%s: %w", op, err)
		}
		images = append(images, *img)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("%s: %w", op, err)
	}
	return images, total, nil
}

func (s *Storage) RequeueImage(ctx context.Context, imageID uuid.UUID, objectKey string, job *models.Job) (*models.Image, error) {
	const op = "storage.RequeueImage"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	img, err := scanImage(tx.QueryRow(ctx, `
		UPDATE images SET object_key = CASE WHEN $2 = '' THEN object_key ELSE $2 END,
			derivatives = '{}', palette = '{}', processing_status = 'queued',
			processing_attempts = 0, processing_error = '', version = version + 1, updated_at = now()
		WHERE id = $1
		RETURNING `+imageColumns, imageID, objectKey))
	if err != nil {
		return nil, notFound(op, err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO processing_jobs (id, image_id, attempt, max_attempts, next_attempt_at, done, created_at)
		VALUES ($1, $2, 0, $3, $4, '{}', $5)`,
		job.ID, job.ImageID, job.MaxAttempts, job.NextAttemptAt, job.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%s: %w", op, models.ErrConflict)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return img, nil
}

func (s *Storage) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	const op = "storage.GetJob"
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(op, err)
	}
	return job, nil
}

func (s *Storage) ClaimJob(ctx context.Context, id uuid.UUID, owner string, now time.Time, lease time.Duration) (*models.Job, error) {
	const op = "storage.ClaimJob"
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE processing_jobs SET attempt = attempt + 1, lease_owner = $2, lease_until = $3
		WHERE id = $1 AND next_attempt_at <= $4 AND attempt < max_attempts
			AND (lease_owner IS NULL OR lease_until < $4)
		RETURNING `+jobColumns, id, owner, now.Add(lease), now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, models.ErrNotClaimable)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return job, nil
}

func (s *Storage) RecordSubtask(ctx context.Context, id uuid.UUID, owner, name, result string) error {
	const op = "storage.RecordSubtask"
	tag, err := s.pool.Exec(ctx, `
		UPDATE processing_jobs SET done = done || jsonb_build_object($3::text, $4::text)
		WHERE id = $1 AND lease_owner = $2`, id, owner, name, result)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, models.ErrNotClaimable)
	}
	return nil
}

func (s *Storage) RescheduleJob(ctx context.Context, id uuid.UUID, owner string, next time.Time, lastErr string) error {
	const op = "storage.RescheduleJob"
	tag, err := s.pool.Exec(ctx, `
		UPDATE processing_jobs SET next_attempt_at = $3, last_error = $4,
			lease_owner = NULL, lease_until = NULL, published_at = NULL
		WHERE id = $1 AND lease_owner = $2`, id, owner, next, lastErr)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, models.ErrNotClaimable)
	}
	return nil
}

func (s *Storage) DeleteJob(ctx context.Context, id uuid.UUID) error {
	const op = "storage.DeleteJob"
	if _, err := s.pool.Exec(ctx, `DELETE FROM processing_jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) CancelJobs(ctx context.Context, imageID uuid.UUID, now time.Time) (int, error) {
	const op = "storage.CancelJobs"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	var leased bool
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(lease_owner IS NOT NULL AND lease_until >= $2, false)
		FROM processing_jobs WHERE image_id = $1 FOR UPDATE`,
		imageID, now).Scan(&leased)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if leased {
		return 0, fmt.Errorf("%s: %w", op, models.ErrConflict)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM processing_jobs WHERE image_id = $1`, imageID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Storage) DueJobs(ctx context.Context, now time.Time, redeliverAfter time.Duration, limit int) ([]models.Job, error) {
	const op = "storage.DueJobs"
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM processing_jobs
		WHERE next_attempt_at <= $1
			AND (lease_owner IS NULL OR lease_until < $1)
			AND (published_at IS NULL OR published_at < $2)
		ORDER BY next_attempt_at
		LIMIT $3`, now, now.Add(-redeliverAfter), limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return jobs, nil
}

func (s *Storage) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	const op = "storage.MarkPublished"
	if _, err := s.pool.Exec(ctx, `UPDATE processing_jobs SET published_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
