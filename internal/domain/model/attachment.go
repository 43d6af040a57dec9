package model

import (
	"time"

	"github.com/ivankudzin/attachvault/internal/domain/enums"
)

type Attachment struct {
	ID           int64                `json:"id"`
	ParentID     int64                `json:"parentId"`
	OriginalName string               `json:"originalName"`
	Location     string               `json:"storedLocation"`
	SizeBytes    int64                `json:"sizeBytes"`
	MimeType     string               `json:"mimeType"`
	Backend      enums.StorageBackend `json:"storageBackend"`
	URL          string               `json:"url"`
	UploadedAt   time.Time            `json:"uploadedAt"`
	Thumbnail    Thumbnail            `json:"thumbnail"`
}

// Thumbnail is a tagged state. Location and Backend are set only for Ready.
type Thumbnail struct {
	State    enums.ThumbnailState `json:"state"`
	Location string               `json:"location,omitempty"`
	Backend  enums.StorageBackend `json:"backend,omitempty"`
}

func ThumbnailNone() Thumbnail    { return Thumbnail{State: enums.ThumbnailNone} }
func ThumbnailPending() Thumbnail { return Thumbnail{State: enums.ThumbnailPending} }
func ThumbnailFailed() Thumbnail  { return Thumbnail{State: enums.ThumbnailFailed} }

func ThumbnailReady(location string, backend enums.StorageBackend) Thumbnail {
	return Thumbnail{State: enums.ThumbnailReady, Location: location, Backend: backend}
}

func (t Thumbnail) IsReady() bool {
	return t.State == enums.ThumbnailReady && t.Location != ""
}

// CanTransition allows only None -> Pending -> {Ready, Failed}.
func (t Thumbnail) CanTransition(to enums.ThumbnailState) bool {
	switch t.State {
	case "", enums.ThumbnailNone:
		return to == enums.ThumbnailPending
	case enums.ThumbnailPending:
		return to == enums.ThumbnailReady || to == enums.ThumbnailFailed
	default:
		return false
	}
}
