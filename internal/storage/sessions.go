package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"photoingest/internal/models"
)

// SessionStore keeps upload sessions in postgres for multi-instance deployments.
type SessionStore struct {
	s *Storage
}

func (s *Storage) Sessions() *SessionStore {
	return &SessionStore{s: s}
}

const sessionColumns = `upload_id, object_key, owner_id, content_type, issued_at, expires_at, state`

func scanSession(row pgx.Row) (*models.UploadSession, error) {
	var sess models.UploadSession
	if err := row.Scan(&sess.UploadID, &sess.ObjectKey, &sess.OwnerID, &sess.ContentType,
		&sess.IssuedAt, &sess.ExpiresAt, &sess.State); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (ss *SessionStore) Put(ctx context.Context, sess *models.UploadSession) error {
	const op = "storage.SessionStore.Put"
	_, err := ss.s.pool.Exec(ctx, `
		INSERT INTO upload_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.UploadID, sess.ObjectKey, sess.OwnerID, sess.ContentType, sess.IssuedAt, sess.ExpiresAt, sess.State)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", op, models.ErrConflict)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (ss *SessionStore) Get(ctx context.Context, uploadID uuid.UUID) (*models.UploadSession, error) {
	const op = "storage.SessionStore.Get"
	sess, err := scanSession(ss.s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM upload_sessions WHERE upload_id = $1`, uploadID))
	if err != nil {
		return nil, notFound(op, err)
	}
	return sess, nil
}

func (ss *SessionStore) Transition(ctx context.Context, uploadID uuid.UUID, to models.SessionState, from ...models.SessionState) error {
	const op = "storage.SessionStore.Transition"
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}
	tag, err := ss.s.pool.Exec(ctx, `
		UPDATE upload_sessions SET state = $2
		WHERE upload_id = $1 AND state = ANY($3)`, uploadID, to, states)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := ss.Get(ctx, uploadID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, models.ErrConflict)
}

func (ss *SessionStore) ExpireBefore(ctx context.Context, now time.Time) ([]models.UploadSession, error) {
	const op = "storage.SessionStore.ExpireBefore"
	rows, err := ss.s.pool.Query(ctx, `
		UPDATE upload_sessions SET state = 'expired'
		WHERE state IN ('pending', 'uploaded') AND expires_at <= $1
		RETURNING `+sessionColumns, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var expired []models.UploadSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		expired = append(expired, *sess)
	}
	return expired, rows.Err()
}

// Purge drops finalized and expired sessions older than cutoff.
func (ss *SessionStore) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	const op = "storage.SessionStore.Purge"
	tag, err := ss.s.pool.Exec(ctx, `
		DELETE FROM upload_sessions WHERE state IN ('finalized', 'expired') AND expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(tag.RowsAffected()), nil
}
