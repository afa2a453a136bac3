package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"photoingest/internal/models"
	"photoingest/internal/objectstore"
)

const (
	settleTimeout    = 5 * time.Second
	maxTitleRunes    = 140
	maxLocationRunes = 200
	maxTags          = 20
	maxTagRunes      = 40
)

// Finalize turns a completed transfer into an image record and enqueues its
// processing job. It returns as soon as the job is durable; the record comes
// back with processingStatus=queued.
//
// Finalize is idempotent on uploadID: a repeated call returns the existing
// record and enqueues nothing.
func (s *Service) Finalize(ctx context.Context, ownerID string, uploadID uuid.UUID, meta models.Metadata) (*models.Image, error) {
	const op = "ingest.Finalize"

	ctx, cancel := context.WithTimeout(ctx, s.opts.FinalizeTimeout)
	defer cancel()

	v, err, shared := s.finalize.Do(uploadID.String(), func() (interface{}, error) {
		return s.finalizeOnce(ctx, ownerID, uploadID, meta)
	})
	if err != nil {
		return nil, timeoutErr(op, err)
	}

	img := v.(*models.Image)
	if img.OwnerID != ownerID {
		return nil, fmt.Errorf("%s: %w", op, models.Invalid("uploadId", "unknown upload"))
	}
	if shared {
		s.log.Debug().Str("upload_id", uploadID.String()).Msg("finalize collapsed with concurrent call")
	}
	return img.Clone(), nil
}

func (s *Service) finalizeOnce(ctx context.Context, ownerID string, uploadID uuid.UUID, meta models.Metadata) (*models.Image, error) {
	const op = "ingest.finalizeOnce"

	existing, err := s.repo.GetImageByUploadID(ctx, uploadID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	sess, err := s.sessions.Get(ctx, uploadID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", op, models.Invalid("uploadId", "unknown upload"))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if sess.OwnerID != ownerID {
		return nil, fmt.Errorf("%s: %w", op, models.Invalid("uploadId", "unknown upload"))
	}
	if sess.State == models.SessionFinalized {
		// record was finalized and later deleted
		return nil, fmt.Errorf("%s: %w", op, models.Invalid("uploadId", "upload already finalized"))
	}
	if sess.Expired(s.now()) {
		return nil, fmt.Errorf("%s: %w", op, models.Invalid("uploadId", "upload session expired"))
	}

	meta, err = s.validateMetadata(ctx, meta)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	info, err := s.objects.Stat(ctx, sess.ObjectKey)
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			return nil, fmt.Errorf("%s: %w: no object at %s", op, models.ErrStorage, sess.ObjectKey)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w: %v", op, models.ErrStorage, err)
	}
	if err := s.checkObject(info, sess); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// claim the session before the record exists; an expired session may already
	// have had its object swept
	if err := s.sessions.Transition(ctx, uploadID, models.SessionFinalized, sess.State); err != nil {
		return s.claimLost(ctx, op, uploadID, err)
	}

	now := s.now()
	contentType := info.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = sess.ContentType
	}
	img := &models.Image{
		ID:               uuid.New(),
		OwnerID:          ownerID,
		UploadID:         uploadID,
		ObjectKey:        sess.ObjectKey,
		ContentType:      contentType,
		Title:            meta.Title,
		CategoryRef:      meta.Category,
		Location:         meta.Location,
		Tags:             meta.Tags,
		Derivatives:      map[string]string{},
		ProcessingStatus: models.ProcessingQueued,
		ModerationStatus: s.moderation.InitialStatus(ctx, ownerID),
		CreatedAt:        now,
	}
	job := models.NewJob(img.ID, s.opts.MaxAttempts, now)

	stored, created, err := s.repo.CreateImageWithJob(ctx, img, job)
	if err != nil {
		s.releaseSession(ctx, uploadID, sess.State)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !created {
		// another process won the race on upload_id
		return stored, nil
	}
	s.enqueue(ctx, job)

	s.log.Info().
		Str("image_id", stored.ID.String()).
		Str("upload_id", uploadID.String()).
		Str("owner_id", ownerID).
		Int64("size", info.Size).
		Msg("upload finalized")
	return stored, nil
}

// claimLost explains a failed session claim: a concurrent finalize that already
// wrote the record wins, an expired session is a validation error.
func (s *Service) claimLost(ctx context.Context, op string, uploadID uuid.UUID, cause error) (*models.Image, error) {
	if !errors.Is(cause, models.ErrConflict) {
		return nil, fmt.Errorf("%s: %w", op, cause)
	}
	if existing, err := s.repo.GetImageByUploadID(ctx, uploadID); err == nil {
		return existing, nil
	}
	sess, err := s.sessions.Get(ctx, uploadID)
	if err == nil && sess.State == models.SessionExpired {
		return nil, fmt.Errorf("%s: %w", op, models.Invalid("uploadId", "upload session expired"))
	}
	return nil, fmt.Errorf("%s: finalize already in progress: %w", op, models.ErrConflict)
}

// releaseSession hands a claimed session back after the record write failed,
// so the upload can be finalized again or swept.
func (s *Service) releaseSession(ctx context.Context, uploadID uuid.UUID, prev models.SessionState) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if err := s.sessions.Transition(ctx, uploadID, prev, models.SessionFinalized); err != nil {
		s.log.Error().Err(err).Str("upload_id", uploadID.String()).Msg("release session claim")
	}
}

func (s *Service) checkObject(info objectstore.ObjectInfo, sess *models.UploadSession) error {
	ct := strings.ToLower(info.ContentType)
	if ct != "" && ct != "application/octet-stream" && !strings.HasPrefix(ct, "image/") {
		return models.Invalid("file", fmt.Sprintf("content type %q is not an image", info.ContentType))
	}
	if ct == "" && !strings.HasPrefix(sess.ContentType, "image/") {
		return models.Invalid("file", "not an image")
	}
	if info.Size <= 0 {
		return models.Invalid("file", "empty")
	}
	if s.opts.MaxBytes > 0 && info.Size > s.opts.MaxBytes {
		return models.Invalid("file", fmt.Sprintf("%d bytes exceeds the %d byte limit", info.Size, s.opts.MaxBytes))
	}
	return nil
}

// validateMetadata checks and normalizes caller metadata. Nothing is persisted
// when it fails.
func (s *Service) validateMetadata(ctx context.Context, meta models.Metadata) (models.Metadata, error) {
	meta.Title = strings.TrimSpace(meta.Title)
	meta.Category = strings.TrimSpace(meta.Category)
	meta.Location = strings.TrimSpace(meta.Location)

	if err := checkTitle(meta.Title); err != nil {
		return meta, err
	}
	if err := s.checkCategory(ctx, meta.Category); err != nil {
		return meta, err
	}
	if utf8.RuneCountInString(meta.Location) > maxLocationRunes {
		return meta, models.Invalid("location", fmt.Sprintf("longer than %d characters", maxLocationRunes))
	}
	tags, err := normalizeTags(meta.Tags)
	if err != nil {
		return meta, err
	}
	meta.Tags = tags
	return meta, nil
}

func checkTitle(title string) error {
	n := utf8.RuneCountInString(title)
	if n == 0 {
		return models.Invalid("title", "required")
	}
	if n > maxTitleRunes {
		return models.Invalid("title", fmt.Sprintf("longer than %d characters", maxTitleRunes))
	}
	return nil
}

func (s *Service) checkCategory(ctx context.Context, ref string) error {
	if ref == "" {
		return models.Invalid("category", "required")
	}
	ok, err := s.categories.Resolve(ctx, ref)
	if err != nil {
		return fmt.Errorf("resolve category: %w", err)
	}
	if !ok {
		return models.Invalid("category", fmt.Sprintf("unknown category %q", ref))
	}
	return nil
}

func normalizeTags(tags []string) ([]string, error) {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		if utf8.RuneCountInString(t) > maxTagRunes {
			return nil, models.Invalid("tags", fmt.Sprintf("tag %q longer than %d characters", t, maxTagRunes))
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) > maxTags {
		return nil, models.Invalid("tags", fmt.Sprintf("at most %d tags", maxTags))
	}
	return out, nil
}

// Upload is the legacy single-phase path: the server receives the bytes and
// finalizes in the same request.
func (s *Service) Upload(ctx context.Context, ownerID, contentType string, r io.Reader, size int64, meta models.Metadata) (*models.Image, error) {
	const op = "ingest.Upload"

	// reject bad metadata before moving any bytes
	if _, err := s.validateMetadata(ctx, meta); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	tr, err := s.Accept(ctx, ownerID, contentType, r, size)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return s.Finalize(ctx, ownerID, tr.UploadID, meta)
}
