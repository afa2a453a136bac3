package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"photoingest/internal/models"
)

// ObjectRemover deletes the object left behind by an abandoned session.
type ObjectRemover interface {
	Delete(ctx context.Context, key string) error
}

// RecordFinder reports whether an upload already has a durable image record.
type RecordFinder interface {
	GetImageByUploadID(ctx context.Context, uploadID uuid.UUID) (*models.Image, error)
}

// Sweeper expires abandoned sessions and, when configured, deletes the orphaned
// object written under their key.
type Sweeper struct {
	store         Store
	objects       ObjectRemover
	records       RecordFinder
	interval      time.Duration
	retention     time.Duration
	deleteOrphans bool
	log           zerolog.Logger
	now           func() time.Time
}

func NewSweeper(store Store, objects ObjectRemover, records RecordFinder, interval time.Duration, deleteOrphans bool, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:         store,
		objects:       objects,
		records:       records,
		interval:      interval,
		retention:     24 * time.Hour,
		deleteOrphans: deleteOrphans,
		log:           log.With().Str("component", "session-sweeper").Logger(),
		now:           time.Now,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one expiry pass and returns how many sessions expired.
func (s *Sweeper) Sweep(ctx context.Context) int {
	return s.SweepAt(ctx, s.now())
}

// SweepAt runs one expiry pass as of now.
func (s *Sweeper) SweepAt(ctx context.Context, now time.Time) int {
	expired, err := s.store.ExpireBefore(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("expire sessions")
		return 0
	}

	for _, sess := range expired {
		log := s.log.With().Str("upload_id", sess.UploadID.String()).Str("object_key", sess.ObjectKey).Logger()
		if !s.deleteOrphans {
			log.Info().Msg("session expired")
			continue
		}
		if referenced, err := s.referenced(ctx, sess); err != nil || referenced {
			log.Warn().Err(err).Bool("referenced", referenced).Msg("session expired, object kept")
			continue
		}
		if err := s.objects.Delete(ctx, sess.ObjectKey); err != nil {
			log.Warn().Err(err).Msg("delete orphaned object")
			continue
		}
		log.Info().Msg("session expired, orphaned object removed")
	}

	if n, err := s.store.Purge(ctx, now.Add(-s.retention)); err != nil {
		s.log.Error().Err(err).Msg("purge sessions")
	} else if n > 0 {
		s.log.Debug().Int("purged", n).Msg("purged old sessions")
	}
	return len(expired)
}

// referenced reports whether an image record still points at the session's
// object. Lookup failures count as referenced.
func (s *Sweeper) referenced(ctx context.Context, sess models.UploadSession) (bool, error) {
	if s.records == nil {
		return false, nil
	}
	img, err := s.records.GetImageByUploadID(ctx, sess.UploadID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return true, err
	}
	return img.ObjectKey == sess.ObjectKey, nil
}
