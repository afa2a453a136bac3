package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"

	"photoingest/internal/models"
	"photoingest/internal/objectstore"
)

// Transfer is a write target issued for one upload.
type Transfer struct {
	UploadID  uuid.UUID           `json:"uploadId"`
	ObjectKey string              `json:"objectKey"`
	Target    *objectstore.Target `json:"uploadTarget,omitempty"`
	ExpiresAt time.Time           `json:"expiresAt"`
}

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/tiff": ".tiff",
	"image/bmp":  ".bmp",
	"image/webp": ".webp",
	"image/heic": ".heic",
}

func extensionFor(contentType string) string {
	if ext, ok := extensions[contentType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

// ObjectKey derives a collision-free key from the owner and a fresh nonce.
func ObjectKey(ownerID string, nonce uuid.UUID, issuedAt time.Time, contentType string) string {
	return fmt.Sprintf("uploads/%s/%04d/%02d/%s%s",
		ownerID, issuedAt.Year(), int(issuedAt.Month()), nonce, extensionFor(contentType))
}

func (s *Service) checkContentType(contentType string) (string, error) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if ct == "" {
		return "", models.Invalid("contentType", "required")
	}
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mt
	}
	if !s.allowed[ct] {
		return "", models.Invalid("contentType", fmt.Sprintf("%q is not accepted", contentType))
	}
	return ct, nil
}

func (s *Service) newSession(ownerID, contentType string) *models.UploadSession {
	now := s.now()
	nonce := uuid.New()
	return &models.UploadSession{
		UploadID:    nonce,
		ObjectKey:   ObjectKey(ownerID, nonce, now, contentType),
		OwnerID:     ownerID,
		ContentType: contentType,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.opts.PresignTTL),
		State:       models.SessionPending,
	}
}

// Issue returns a presigned write target for one upload and records a pending session.
func (s *Service) Issue(ctx context.Context, ownerID, contentType string) (*Transfer, error) {
	const op = "ingest.Issue"

	if ownerID == "" {
		return nil, fmt.Errorf("%s: %w", op, models.Invalid("ownerId", "required"))
	}
	ct, err := s.checkContentType(contentType)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	sess := s.newSession(ownerID, ct)
	target, err := s.objects.PresignPut(ctx, sess.ObjectKey, ct, s.opts.PresignTTL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, models.ErrStorage, err)
	}
	if err := s.sessions.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.log.Debug().Str("upload_id", sess.UploadID.String()).Str("object_key", sess.ObjectKey).Msg("transfer issued")
	return &Transfer{
		UploadID:  sess.UploadID,
		ObjectKey: sess.ObjectKey,
		Target:    &target,
		ExpiresAt: target.ExpiresAt,
	}, nil
}

// Accept is the proxied variant of Issue: the server streams r to the object
// store itself and records the session as uploaded.
func (s *Service) Accept(ctx context.Context, ownerID, contentType string, r io.Reader, size int64) (*Transfer, error) {
	const op = "ingest.Accept"

	if ownerID == "" {
		return nil, fmt.Errorf("%s: %w", op, models.Invalid("ownerId", "required"))
	}
	ct, err := s.checkContentType(contentType)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if s.opts.MaxBytes > 0 && size > s.opts.MaxBytes {
		return nil, fmt.Errorf("%s: %w", op, models.Invalid("file", "too large"))
	}

	sess := s.newSession(ownerID, ct)
	if err := s.objects.Put(ctx, sess.ObjectKey, r, size, ct); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, timeoutErr(op, err)
		}
		return nil, fmt.Errorf("%s: %w: %v", op, models.ErrStorage, err)
	}
	sess.State = models.SessionUploaded
	if err := s.sessions.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Transfer{
		UploadID:  sess.UploadID,
		ObjectKey: sess.ObjectKey,
		ExpiresAt: sess.ExpiresAt,
	}, nil
}
