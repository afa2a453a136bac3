package models

import (
	"time"

	"github.com/google/uuid"
)

type ProcessingStatus string

const (
	ProcessingQueued     ProcessingStatus = "queued"
	ProcessingProcessing ProcessingStatus = "processing"
	ProcessingComplete   ProcessingStatus = "complete"
	ProcessingFailed     ProcessingStatus = "failed"
)

type ModerationStatus string

const (
	ModerationPending  ModerationStatus = "pending"
	ModerationApproved ModerationStatus = "approved"
	ModerationRejected ModerationStatus = "rejected"
	ModerationFlagged  ModerationStatus = "flagged"
)

// VariantOriginal names the uploaded source object in download requests.
const VariantOriginal = "original"

type Image struct {
	ID                 uuid.UUID         `json:"id" db:"id"`
	OwnerID            string            `json:"ownerId" db:"owner_id"`
	UploadID           uuid.UUID         `json:"uploadId" db:"upload_id"`
	ObjectKey          string            `json:"-" db:"object_key"`
	ContentType        string            `json:"contentType" db:"content_type"`
	Title              string            `json:"title" db:"title"`
	CategoryRef        string            `json:"category" db:"category_ref"`
	Location           string            `json:"location,omitempty" db:"location"`
	Tags               []string          `json:"tags,omitempty" db:"tags"`
	Exif               Exif              `json:"exif" db:"exif"`
	Palette            []string          `json:"palette,omitempty" db:"palette"`
	Derivatives        map[string]string `json:"derivatives" db:"derivatives"`
	ProcessingStatus   ProcessingStatus  `json:"processingStatus" db:"processing_status"`
	ProcessingAttempts int               `json:"processingAttempts" db:"processing_attempts"`
	ProcessingError    string            `json:"processingError,omitempty" db:"processing_error"`
	ModerationStatus   ModerationStatus  `json:"moderationStatus" db:"moderation_status"`
	Version            int64             `json:"version" db:"version"`
	CreatedAt          time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time         `json:"updatedAt" db:"updated_at"`
}

// Exif holds the subset of camera metadata the platform filters on.
type Exif struct {
	CameraMake  string     `json:"cameraMake,omitempty"`
	CameraModel string     `json:"cameraModel,omitempty"`
	TakenAt     *time.Time `json:"takenAt,omitempty"`
	Latitude    *float64   `json:"latitude,omitempty"`
	Longitude   *float64   `json:"longitude,omitempty"`
	Width       int        `json:"width,omitempty"`
	Height      int        `json:"height,omitempty"`
}

// PubliclyListable reports whether the image may appear in public listings.
func (i *Image) PubliclyListable() bool {
	if i.ProcessingStatus != ProcessingComplete {
		return false
	}
	return i.ModerationStatus == ModerationApproved || i.ModerationStatus == ModerationPending
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (i *Image) Clone() *Image {
	c := *i
	if i.Tags != nil {
		c.Tags = append([]string(nil), i.Tags...)
	}
	if i.Palette != nil {
		c.Palette = append([]string(nil), i.Palette...)
	}
	c.Derivatives = make(map[string]string, len(i.Derivatives))
	for k, v := range i.Derivatives {
		c.Derivatives[k] = v
	}
	if i.Exif.TakenAt != nil {
		t := *i.Exif.TakenAt
		c.Exif.TakenAt = &t
	}
	if i.Exif.Latitude != nil {
		v := *i.Exif.Latitude
		c.Exif.Latitude = &v
	}
	if i.Exif.Longitude != nil {
		v := *i.Exif.Longitude
		c.Exif.Longitude = &v
	}
	return &c
}

// Metadata is the caller-supplied part of an image record.
type Metadata struct {
	Title    string   `json:"title"`
	Category string   `json:"category"`
	Location string   `json:"location"`
	Tags     []string `json:"tags"`
}

// MetadataPatch carries a partial edit; nil fields are left unchanged.
type MetadataPatch struct {
	Title    *string   `json:"title"`
	Category *string   `json:"category"`
	Location *string   `json:"location"`
	Tags     *[]string `json:"tags"`
	// Version, when set, must match the stored version.
	Version *int64 `json:"version"`
}

type ListQuery struct {
	OwnerID  string
	Category string
	Page     int
	PageSize int
}

type Pagination struct {
	Page       int  `json:"page"`
	PageSize   int  `json:"pageSize"`
	Total      int  `json:"total"`
	HasNext    bool `json:"hasNext"`
	TotalPages int  `json:"totalPages"`
}

// ImagePage is the single listing shape returned at the ingress boundary.
type ImagePage struct {
	Items      []Image    `json:"items"`
	Pagination Pagination `json:"pagination"`
}

func NewPagination(page, pageSize, total int) Pagination {
	pages := 0
	if pageSize > 0 {
		pages = (total + pageSize - 1) / pageSize
	}
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		HasNext:    page < pages,
		TotalPages: pages,
	}
}
