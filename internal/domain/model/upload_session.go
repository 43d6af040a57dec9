package model

import "github.com/ivankudzin/attachvault/internal/domain/enums"

type UploadSession struct {
	UploadID  string       `json:"uploadId"`
	ObjectKey string       `json:"key"`
	Parts     []UploadPart `json:"parts"`
}

type UploadPart struct {
	PartNumber int              `json:"partNumber"`
	Status     enums.PartStatus `json:"status"`
	ETag       string           `json:"etag,omitempty"`
}
