package models

import (
	"time"

	"github.com/google/uuid"
)

// Sub-task names recorded alongside derivative variants.
const (
	SubtaskExif    = "exif"
	SubtaskPalette = "palette"
)

type Job struct {
	ID            uuid.UUID `json:"id"`
	ImageID       uuid.UUID `json:"imageId"`
	Attempt       int       `json:"attempt"`
	MaxAttempts   int       `json:"maxAttempts"`
	NextAttemptAt time.Time `json:"nextAttemptAt"`
	LastError     string    `json:"lastError,omitempty"`
	LeaseOwner    string    `json:"leaseOwner,omitempty"`
	LeaseUntil    time.Time `json:"leaseUntil,omitempty"`
	// Done maps a finished sub-task to its result: the derivative object key,
	// the EXIF JSON, or the comma-joined palette.
	Done        map[string]string `json:"done"`
	PublishedAt time.Time         `json:"publishedAt,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

func NewJob(imageID uuid.UUID, maxAttempts int, now time.Time) *Job {
	return &Job{
		ID:            uuid.New(),
		ImageID:       imageID,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: now,
		Done:          map[string]string{},
		CreatedAt:     now,
	}
}

func (j *Job) Leased(now time.Time) bool {
	return j.LeaseOwner != "" && now.Before(j.LeaseUntil)
}

func (j *Job) Clone() *Job {
	c := *j
	c.Done = make(map[string]string, len(j.Done))
	for k, v := range j.Done {
		c.Done[k] = v
	}
	return &c
}

// JobMessage is the queue payload. Workers fetch everything else by ID.
type JobMessage struct {
	JobID   uuid.UUID `json:"jobId"`
	ImageID uuid.UUID `json:"imageId"`
}
