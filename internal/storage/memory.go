package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"photoingest/internal/models"
)

// Memory is a Repository held in process memory. It backs local runs
// without postgres and the package tests.
type Memory struct {
	mu       sync.Mutex
	images   map[uuid.UUID]*models.Image
	byUpload map[uuid.UUID]uuid.UUID
	jobs     map[uuid.UUID]*models.Job
	now      func() time.Time
}

var _ Repository = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		images:   make(map[uuid.UUID]*models.Image),
		byUpload: make(map[uuid.UUID]uuid.UUID),
		jobs:     make(map[uuid.UUID]*models.Job),
		now:      time.Now,
	}
}

func (m *Memory) CreateImageWithJob(_ context.Context, img *models.Image, job *models.Job) (*models.Image, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byUpload[img.UploadID]; ok {
		return m.images[id].Clone(), false, nil
	}

	stored := img.Clone()
	stored.Version = 1
	stored.UpdatedAt = stored.CreatedAt
	m.images[stored.ID] = stored
	m.byUpload[stored.UploadID] = stored.ID
	m.jobs[job.ID] = job.Clone()
	return stored.Clone(), true, nil
}

func (m *Memory) GetImage(_ context.Context, id uuid.UUID) (*models.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	img, ok := m.images[id]
	if !ok {
		return nil, fmt.Errorf("storage.Memory.GetImage: %w", models.ErrNotFound)
	}
	return img.Clone(), nil
}

func (m *Memory) GetImageByUploadID(_ context.Context, uploadID uuid.UUID) (*models.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byUpload[uploadID]
	if !ok {
		return nil, fmt.Errorf("storage.Memory.GetImageByUploadID: %w", models.ErrNotFound)
	}
	return m.images[id].Clone(), nil
}

func (m *Memory) UpdateImage(_ context.Context, img *models.Image) error {
	const op = "storage.Memory.UpdateImage"
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.images[img.ID]
	if !ok {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	if cur.Version != img.Version {
		return fmt.Errorf("%s: %w", op, models.ErrVersionConflict)
	}
	img.Version++
	img.UpdatedAt = m.now()
	m.images[img.ID] = img.Clone()
	return nil
}

func (m *Memory) DeleteImage(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	img, ok := m.images[id]
	if !ok {
		return fmt.Errorf("storage.Memory.DeleteImage: %w", models.ErrNotFound)
	}
	delete(m.byUpload, img.UploadID)
	delete(m.images, id)
	for jid, job := range m.jobs {
		if job.ImageID == id {
			delete(m.jobs, jid)
		}
	}
	return nil
}

func (m *Memory) ListImages(_ context.Context, q models.ListQuery, publicOnly bool) ([]models.Image, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []models.Image
	for _, img := range m.images {
		if q.OwnerID != "" && img.OwnerID != q.OwnerID {
			continue
		}
		if q.Category != "" && img.CategoryRef != q.Category {
			continue
		}
		if publicOnly && !img.PubliclyListable() {
			continue
		}
		matched = append(matched, *img.Clone())
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := (q.Page - 1) * q.PageSize
	if start >= total {
		return []models.Image{}, total, nil
	}
	end := start + q.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (m *Memory) RequeueImage(_ context.Context, imageID uuid.UUID, objectKey string, job *models.Job) (*models.Image, error) {
	const op = "storage.Memory.RequeueImage"
	m.mu.Lock()
	defer m.mu.Unlock()

	img, ok := m.images[imageID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	for _, j := range m.jobs {
		if j.ImageID == imageID {
			return nil, fmt.Errorf("%s: %w", op, models.ErrConflict)
		}
	}
	if objectKey != "" {
		img.ObjectKey = objectKey
	}
	img.Derivatives = map[string]string{}
	img.Palette = nil
	img.ProcessingStatus = models.ProcessingQueued
	img.ProcessingAttempts = 0
	img.ProcessingError = ""
	img.Version++
	img.UpdatedAt = m.now()
	m.jobs[job.ID] = job.Clone()
	return img.Clone(), nil
}

func (m *Memory) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("storage.Memory.GetJob: %w", models.ErrNotFound)
	}
	return job.Clone(), nil
}

func (m *Memory) ClaimJob(_ context.Context, id uuid.UUID, owner string, now time.Time, lease time.Duration) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok || job.NextAttemptAt.After(now) || job.Attempt >= job.MaxAttempts || job.Leased(now) {
		return nil, fmt.Errorf("storage.Memory.ClaimJob: %w", models.ErrNotClaimable)
	}
	job.Attempt++
	job.LeaseOwner = owner
	job.LeaseUntil = now.Add(lease)
	return job.Clone(), nil
}

func (m *Memory) leasedBy(id uuid.UUID, owner string) (*models.Job, bool) {
	job, ok := m.jobs[id]
	if !ok || job.LeaseOwner != owner {
		return nil, false
	}
	return job, true
}

func (m *Memory) RecordSubtask(_ context.Context, id uuid.UUID, owner, name, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.leasedBy(id, owner)
	if !ok {
		return fmt.Errorf("storage.Memory.RecordSubtask: %w", models.ErrNotClaimable)
	}
	job.Done[name] = result
	return nil
}

func (m *Memory) RescheduleJob(_ context.Context, id uuid.UUID, owner string, next time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.leasedBy(id, owner)
	if !ok {
		return fmt.Errorf("storage.Memory.RescheduleJob: %w", models.ErrNotClaimable)
	}
	job.NextAttemptAt = next
	job.LastError = lastErr
	job.LeaseOwner = ""
	job.LeaseUntil = time.Time{}
	job.PublishedAt = time.Time{}
	return nil
}

func (m *Memory) DeleteJob(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.jobs, id)
	return nil
}

func (m *Memory) CancelJobs(_ context.Context, imageID uuid.UUID, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []uuid.UUID
	for id, job := range m.jobs {
		if job.ImageID != imageID {
			continue
		}
		if job.Leased(now) {
			return 0, fmt.Errorf("storage.Memory.CancelJobs: %w", models.ErrConflict)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		delete(m.jobs, id)
	}
	return len(ids), nil
}

func (m *Memory) DueJobs(_ context.Context, now time.Time, redeliverAfter time.Duration, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-redeliverAfter)
	var due []models.Job
	for _, job := range m.jobs {
		if job.NextAttemptAt.After(now) {
			continue
		}
		if job.Leased(now) {
			continue
		}
		if !job.PublishedAt.IsZero() && !job.PublishedAt.Before(cutoff) {
			continue
		}
		due = append(due, *job.Clone())
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) MarkPublished(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, ok := m.jobs[id]; ok {
		job.PublishedAt = at
	}
	return nil
}
