package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"photoingest/internal/models"
)

// Repository is the durable record store for images and their processing jobs.
//
// Image writes are guarded by Version: UpdateImage succeeds only when img.Version
// matches the stored row, and bumps it. Job mutations after a claim are guarded by
// the lease owner, so a worker whose lease expired cannot overwrite a newer attempt.
type Repository interface {
	// CreateImageWithJob persists img and job atomically. When an image already exists
	// for img.UploadID the existing record is returned with created=false and no job is written.
	CreateImageWithJob(ctx context.Context, img *models.Image, job *models.Job) (stored *models.Image, created bool, err error)
	GetImage(ctx context.Context, id uuid.UUID) (*models.Image, error)
	GetImageByUploadID(ctx context.Context, uploadID uuid.UUID) (*models.Image, error)
	UpdateImage(ctx context.Context, img *models.Image) error
	DeleteImage(ctx context.Context, id uuid.UUID) error
	ListImages(ctx context.Context, q models.ListQuery, publicOnly bool) ([]models.Image, int, error)
	// RequeueImage resets processing state, optionally swaps the source object,
	// and inserts job. Fails with ErrConflict while another job exists for the image.
	RequeueImage(ctx context.Context, imageID uuid.UUID, objectKey string, job *models.Job) (*models.Image, error)

	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ClaimJob(ctx context.Context, id uuid.UUID, owner string, now time.Time, lease time.Duration) (*models.Job, error)
	RecordSubtask(ctx context.Context, id uuid.UUID, owner, name, result string) error
	RescheduleJob(ctx context.Context, id uuid.UUID, owner string, next time.Time, lastErr string) error
	DeleteJob(ctx context.Context, id uuid.UUID) error
	// CancelJobs removes unclaimed jobs for an image. It fails with ErrConflict when
	// a job for the image is currently leased.
	CancelJobs(ctx context.Context, imageID uuid.UUID, now time.Time) (int, error)
	// DueJobs returns jobs whose next attempt is due, that hold no live lease,
	// and that were not published within redeliverAfter.
	DueJobs(ctx context.Context, now time.Time, redeliverAfter time.Duration, limit int) ([]models.Job, error)
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Update re-reads the image and applies mutate until the versioned write succeeds.
// Both the processing worker and metadata edits go through it, so neither
// silently overwrites the other.
func Update(ctx context.Context, repo Repository, id uuid.UUID, mutate func(*models.Image) error) (*models.Image, error) {
	const maxTries = 8
	var lastErr error
	for i := 0; i < maxTries; i++ {
		img, err := repo.GetImage(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := mutate(img); err != nil {
			return nil, err
		}
		err = repo.UpdateImage(ctx, img)
		if err == nil {
			return img, nil
		}
		if !isVersionConflict(err) {
			return nil, err
		}
		lastErr = err
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}
