package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"photoingest/internal/cache"
	"photoingest/internal/models"
	"photoingest/internal/objectstore"
	"photoingest/internal/processing"
	"photoingest/internal/storage"
)

// Get returns an image to its owner, or to anyone once it is publicly listable.
// Hidden images look the same as missing ones.
func (s *Service) Get(ctx context.Context, viewerID string, id uuid.UUID) (*models.Image, error) {
	const op = "ingest.Get"

	img, err := s.repo.GetImage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if img.OwnerID != viewerID && !img.PubliclyListable() {
		return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	return img, nil
}

func (s *Service) normalizeQuery(q models.ListQuery) models.ListQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 || q.PageSize > 100 {
		q.PageSize = s.opts.PageSize
	}
	q.Category = strings.TrimSpace(q.Category)
	return q
}

// ListPublic lists complete, non-rejected images. Pages are served from the
// listing cache when present.
func (s *Service) ListPublic(ctx context.Context, q models.ListQuery) (models.ImagePage, error) {
	const op = "ingest.ListPublic"

	q = s.normalizeQuery(q)
	q.OwnerID = ""
	key := cache.Key(q)
	if s.cache != nil {
		if page, ok := s.cache.Get(key); ok {
			return page, nil
		}
	}

	items, total, err := s.repo.ListImages(ctx, q, true)
	if err != nil {
		return models.ImagePage{}, fmt.Errorf("%s: %w", op, err)
	}
	page := models.ImagePage{Items: items, Pagination: models.NewPagination(q.Page, q.PageSize, total)}
	if s.cache != nil {
		s.cache.Put(key, page)
	}
	return page, nil
}

// ListOwner lists every image of ownerID whatever its processing state.
func (s *Service) ListOwner(ctx context.Context, ownerID string, q models.ListQuery) (models.ImagePage, error) {
	const op = "ingest.ListOwner"

	q = s.normalizeQuery(q)
	q.OwnerID = ownerID
	items, total, err := s.repo.ListImages(ctx, q, false)
	if err != nil {
		return models.ImagePage{}, fmt.Errorf("%s: %w", op, err)
	}
	return models.ImagePage{Items: items, Pagination: models.NewPagination(q.Page, q.PageSize, total)}, nil
}

// EditMetadata applies patch through the versioned update loop, so an edit
// racing the worker's completion write is retried on the newer version rather
// than overwriting it. A patch that names a version fails with
// ErrVersionConflict once the record has moved past it.
func (s *Service) EditMetadata(ctx context.Context, ownerID string, id uuid.UUID, patch models.MetadataPatch) (*models.Image, error) {
	const op = "ingest.EditMetadata"

	if err := s.validatePatch(ctx, &patch); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	img, err := storage.Update(ctx, s.repo, id, func(img *models.Image) error {
		if img.OwnerID != ownerID {
			return models.ErrForbidden
		}
		if patch.Version != nil && *patch.Version != img.Version {
			return models.ErrVersionConflict
		}
		if patch.Title != nil {
			img.Title = *patch.Title
		}
		if patch.Category != nil {
			img.CategoryRef = *patch.Category
		}
		if patch.Location != nil {
			img.Location = *patch.Location
		}
		if patch.Tags != nil {
			img.Tags = *patch.Tags
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.invalidateListings()
	return img, nil
}

func (s *Service) validatePatch(ctx context.Context, p *models.MetadataPatch) error {
	if p.Title != nil {
		t := strings.TrimSpace(*p.Title)
		if err := checkTitle(t); err != nil {
			return err
		}
		p.Title = &t
	}
	if p.Category != nil {
		c := strings.TrimSpace(*p.Category)
		if err := s.checkCategory(ctx, c); err != nil {
			return err
		}
		p.Category = &c
	}
	if p.Location != nil {
		l := strings.TrimSpace(*p.Location)
		if utf8.RuneCountInString(l) > maxLocationRunes {
			return models.Invalid("location", fmt.Sprintf("longer than %d characters", maxLocationRunes))
		}
		p.Location = &l
	}
	if p.Tags != nil {
		tags, err := normalizeTags(*p.Tags)
		if err != nil {
			return err
		}
		p.Tags = &tags
	}
	return nil
}

// Delete removes an image, its pending job and its objects. A job that a worker
// has already claimed cannot be cancelled, so deletion then fails with
// ErrConflict and may be retried once the attempt settles.
func (s *Service) Delete(ctx context.Context, ownerID string, id uuid.UUID) error {
	const op = "ingest.Delete"

	img, err := s.ownedImage(ctx, ownerID, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	cancelled, err := s.repo.CancelJobs(ctx, id, s.now())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.repo.DeleteImage(ctx, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	for _, key := range s.objectKeys(img) {
		if err := s.objects.Delete(ctx, key); err != nil {
			s.log.Warn().Err(err).Str("object_key", key).Msg("delete object")
		}
	}
	s.invalidateListings()

	s.log.Info().Str("image_id", id.String()).Int("cancelled_jobs", cancelled).Msg("image deleted")
	return nil
}

func (s *Service) objectKeys(img *models.Image) []string {
	keys := []string{img.ObjectKey}
	for _, v := range s.opts.Variants {
		if _, ok := img.Derivatives[v.Name]; ok {
			keys = append(keys, processing.DerivativeKey(img.ID, v.Name, processing.VariantExt(v)))
		}
	}
	return keys
}

// Reprocess re-enqueues a failed image with a fresh job.
func (s *Service) Reprocess(ctx context.Context, ownerID string, id uuid.UUID) (*models.Image, error) {
	const op = "ingest.Reprocess"

	img, err := s.ownedImage(ctx, ownerID, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if img.ProcessingStatus != models.ProcessingFailed {
		return nil, fmt.Errorf("%s: %w: image is %s", op, models.ErrConflict, img.ProcessingStatus)
	}

	job := models.NewJob(id, s.opts.MaxAttempts, s.now())
	img, err = s.repo.RequeueImage(ctx, id, "", job)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.enqueue(ctx, job)

	s.log.Info().Str("image_id", id.String()).Msg("image requeued for processing")
	return img, nil
}

// Replace swaps the source file of an image and processes it again. The image
// leaves public listings until the new derivatives are ready.
func (s *Service) Replace(ctx context.Context, ownerID string, id uuid.UUID, contentType string, r io.Reader, size int64) (*models.Image, error) {
	const op = "ingest.Replace"

	img, err := s.ownedImage(ctx, ownerID, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ct, err := s.checkContentType(contentType)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if s.opts.MaxBytes > 0 && size > s.opts.MaxBytes {
		return nil, fmt.Errorf("%s: %w", op, models.Invalid("file", "too large"))
	}

	key := ObjectKey(ownerID, uuid.New(), s.now(), ct)
	if err := s.objects.Put(ctx, key, r, size, ct); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, timeoutErr(op, err)
		}
		return nil, fmt.Errorf("%s: %w: %v", op, models.ErrStorage, err)
	}

	job := models.NewJob(id, s.opts.MaxAttempts, s.now())
	updated, err := s.repo.RequeueImage(ctx, id, key, job)
	if err != nil {
		if delErr := s.objects.Delete(ctx, key); delErr != nil {
			s.log.Warn().Err(delErr).Str("object_key", key).Msg("delete unused replacement")
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.objects.Delete(ctx, img.ObjectKey); err != nil {
		s.log.Warn().Err(err).Str("object_key", img.ObjectKey).Msg("delete replaced source")
	}
	s.enqueue(ctx, job)
	s.invalidateListings()

	return updated, nil
}

// Download opens the stored bytes of one variant, or of the source for
// models.VariantOriginal.
func (s *Service) Download(ctx context.Context, viewerID string, id uuid.UUID, variant string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	const op = "ingest.Download"

	img, err := s.Get(ctx, viewerID, id)
	if err != nil {
		return nil, objectstore.ObjectInfo{}, fmt.Errorf("%s: %w", op, err)
	}

	key := img.ObjectKey
	if variant != models.VariantOriginal {
		v, ok := s.variant(variant)
		if !ok {
			return nil, objectstore.ObjectInfo{}, fmt.Errorf("%s: %w", op, models.Invalid("size", fmt.Sprintf("unknown variant %q", variant)))
		}
		if _, ok := img.Derivatives[variant]; !ok {
			return nil, objectstore.ObjectInfo{}, fmt.Errorf("%s: variant %s: %w", op, variant, models.ErrNotFound)
		}
		key = processing.DerivativeKey(img.ID, v.Name, processing.VariantExt(v))
	}

	rc, info, err := s.objects.Get(ctx, key)
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			return nil, objectstore.ObjectInfo{}, fmt.Errorf("%s: %w", op, models.ErrNotFound)
		}
		return nil, objectstore.ObjectInfo{}, fmt.Errorf("%s: %w: %v", op, models.ErrStorage, err)
	}
	return rc, info, nil
}

func (s *Service) variant(name string) (models.VariantConfig, bool) {
	for _, v := range s.opts.Variants {
		if v.Name == name {
			return v, true
		}
	}
	return models.VariantConfig{}, false
}
