// Package sessions keeps the ephemeral record of in-flight uploads.
package sessions

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"photoingest/internal/models"
)

type Store interface {
	Put(ctx context.Context, s *models.UploadSession) error
	Get(ctx context.Context, uploadID uuid.UUID) (*models.UploadSession, error)
	// Transition moves a session to state `to` only while it is in one of `from`.
	// It fails with ErrConflict when the session has moved on, so finalize and the
	// sweeper cannot both win the same session.
	Transition(ctx context.Context, uploadID uuid.UUID, to models.SessionState, from ...models.SessionState) error
	// ExpireBefore marks unfinalized sessions past their expiry as expired and returns them.
	ExpireBefore(ctx context.Context, now time.Time) ([]models.UploadSession, error)
	// Purge forgets finalized and expired sessions whose expiry is before cutoff.
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

type Memory struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]models.UploadSession
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{sessions: make(map[uuid.UUID]models.UploadSession)}
}

func (m *Memory) Put(_ context.Context, s *models.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.UploadID]; ok {
		return fmt.Errorf("sessions.Memory.Put: %w", models.ErrConflict)
	}
	m.sessions[s.UploadID] = *s
	return nil
}

func (m *Memory) Get(_ context.Context, uploadID uuid.UUID) (*models.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[uploadID]
	if !ok {
		return nil, fmt.Errorf("sessions.Memory.Get: %w", models.ErrNotFound)
	}
	return &s, nil
}

func (m *Memory) Transition(_ context.Context, uploadID uuid.UUID, to models.SessionState, from ...models.SessionState) error {
	const op = "sessions.Memory.Transition"
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[uploadID]
	if !ok {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	if !slices.Contains(from, s.State) {
		return fmt.Errorf("%s: %s -> %s: %w", op, s.State, to, models.ErrConflict)
	}
	s.State = to
	m.sessions[uploadID] = s
	return nil
}

func (m *Memory) ExpireBefore(_ context.Context, now time.Time) ([]models.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []models.UploadSession
	for id, s := range m.sessions {
		if (s.State == models.SessionPending || s.State == models.SessionUploaded) && !now.Before(s.ExpiresAt) {
			s.State = models.SessionExpired
			m.sessions[id] = s
			expired = append(expired, s)
		}
	}
	return expired, nil
}

func (m *Memory) Purge(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, s := range m.sessions {
		if (s.State == models.SessionFinalized || s.State == models.SessionExpired) && s.ExpiresAt.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}
