package models

import (
	"time"

	"github.com/google/uuid"
)

type SessionState string

const (
	SessionPending   SessionState = "pending"
	SessionUploaded  SessionState = "uploaded"
	SessionFinalized SessionState = "finalized"
	SessionExpired   SessionState = "expired"
)

// UploadSession tracks one in-flight upload between issuance and finalize.
type UploadSession struct {
	UploadID    uuid.UUID    `json:"uploadId"`
	ObjectKey   string       `json:"objectKey"`
	OwnerID     string       `json:"ownerId"`
	ContentType string       `json:"contentType"`
	IssuedAt    time.Time    `json:"issuedAt"`
	ExpiresAt   time.Time    `json:"expiresAt"`
	State       SessionState `json:"state"`
}

func (s *UploadSession) Expired(now time.Time) bool {
	return s.State == SessionExpired || (s.State != SessionFinalized && !now.Before(s.ExpiresAt))
}
