// Package ingest accepts uploads: it issues transfer targets, finalizes
// uploaded objects into image records and owns the record-level operations
// owners perform afterwards.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"photoingest/internal/models"
	"photoingest/internal/objectstore"
	"photoingest/internal/queue"
	"photoingest/internal/sessions"
	"photoingest/internal/storage"
)

// CategoryResolver reports whether a category reference exists.
type CategoryResolver interface {
	Resolve(ctx context.Context, ref string) (bool, error)
}

// ModerationPolicy decides the moderation status a new image starts with.
type ModerationPolicy interface {
	InitialStatus(ctx context.Context, ownerID string) models.ModerationStatus
}

// ListingCache is the cache in front of public listings.
type ListingCache interface {
	Get(key string) (models.ImagePage, bool)
	Put(key string, page models.ImagePage)
	Invalidate()
}

// StaticCategories resolves against a fixed list, usually from config.
type StaticCategories map[string]struct{}

func NewStaticCategories(names []string) StaticCategories {
	c := make(StaticCategories, len(names))
	for _, n := range names {
		c[strings.ToLower(n)] = struct{}{}
	}
	return c
}

func (c StaticCategories) Resolve(_ context.Context, ref string) (bool, error) {
	_, ok := c[strings.ToLower(ref)]
	return ok, nil
}

// FixedModeration starts every image in the same status.
type FixedModeration models.ModerationStatus

func (m FixedModeration) InitialStatus(context.Context, string) models.ModerationStatus {
	return models.ModerationStatus(m)
}

type Deps struct {
	Repo       storage.Repository
	Sessions   sessions.Store
	Objects    objectstore.Store
	Queue      queue.Queue
	Categories CategoryResolver
	Moderation ModerationPolicy
	Cache      ListingCache
}

type Options struct {
	PresignTTL      time.Duration
	FinalizeTimeout time.Duration
	MaxBytes        int64
	ContentTypes    []string
	MaxAttempts     int
	PageSize        int
	Variants        []models.VariantConfig
}

func OptionsFromConfig(cfg *models.Config) Options {
	return Options{
		PresignTTL:      cfg.Upload.PresignTTL,
		FinalizeTimeout: cfg.Upload.FinalizeTimeout,
		MaxBytes:        cfg.Upload.MaxBytes,
		ContentTypes:    cfg.Upload.ContentTypes,
		MaxAttempts:     cfg.Worker.MaxAttempts,
		PageSize:        cfg.Listing.PageSize,
		Variants:        cfg.Variants,
	}
}

type Service struct {
	repo       storage.Repository
	sessions   sessions.Store
	objects    objectstore.Store
	queue      queue.Queue
	categories CategoryResolver
	moderation ModerationPolicy
	cache      ListingCache

	opts     Options
	allowed  map[string]bool
	finalize singleflight.Group
	log      zerolog.Logger
	now      func() time.Time
}

func NewService(deps Deps, opts Options, log zerolog.Logger) *Service {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.PageSize < 1 {
		opts.PageSize = 24
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = 30 * time.Second
	}
	if deps.Categories == nil {
		deps.Categories = NewStaticCategories(nil)
	}
	if deps.Moderation == nil {
		deps.Moderation = FixedModeration(models.ModerationPending)
	}

	allowed := make(map[string]bool, len(opts.ContentTypes))
	for _, ct := range opts.ContentTypes {
		allowed[strings.ToLower(ct)] = true
	}

	return &Service{
		repo:       deps.Repo,
		sessions:   deps.Sessions,
		objects:    deps.Objects,
		queue:      deps.Queue,
		categories: deps.Categories,
		moderation: deps.Moderation,
		cache:      deps.Cache,
		opts:       opts,
		allowed:    allowed,
		log:        log.With().Str("component", "ingest").Logger(),
		now:        time.Now,
	}
}

// enqueue wakes a worker for job. The job row is already durable, so a failed
// publish is only logged: the retry scheduler picks the job up later.
func (s *Service) enqueue(ctx context.Context, job *models.Job) {
	msg := models.JobMessage{JobID: job.ID, ImageID: job.ImageID}
	if err := s.queue.Publish(ctx, msg); err != nil {
		s.log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("publish job, leaving it to the scheduler")
		return
	}
	if err := s.repo.MarkPublished(ctx, job.ID, s.now()); err != nil {
		s.log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("mark job published")
	}
}

func (s *Service) invalidateListings() {
	if s.cache != nil {
		s.cache.Invalidate()
	}
}

// ownedImage loads an image and checks that ownerID may modify it.
func (s *Service) ownedImage(ctx context.Context, ownerID string, id uuid.UUID) (*models.Image, error) {
	img, err := s.repo.GetImage(ctx, id)
	if err != nil {
		return nil, err
	}
	if img.OwnerID != ownerID {
		return nil, fmt.Errorf("image %s: %w", id, models.ErrForbidden)
	}
	return img, nil
}

// timeoutErr turns a context deadline into ErrTimeout so callers can map it.
func timeoutErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, models.ErrTimeout, err)
	}
	return err
}
