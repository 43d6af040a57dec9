package model

import (
	"time"

	"github.com/ivankudzin/attachvault/internal/domain/enums"
)

type ObjectRef struct {
	Backend  enums.StorageBackend `json:"backend"`
	Location string               `json:"location"`
}

type RenderJob struct {
	JobID        string    `json:"jobId"`
	ParentID     int64     `json:"parentId"`
	AttachmentID int64     `json:"attachmentId"`
	Source       ObjectRef `json:"source"`
	Destination  ObjectRef `json:"destination"`
	Attempt      int       `json:"attempt"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
}
