package dto

import "time"

type ThumbnailResponse struct {
	State    string `json:"state"`
	Location string `json:"location,omitempty"`
	Backend  string `json:"backend,omitempty"`
}

type AttachmentResponse struct {
	ID             int64             `json:"id"`
	ParentID       int64             `json:"parentId"`
	OriginalName   string            `json:"originalName"`
	StoredLocation string            `json:"storedLocation"`
	SizeBytes      int64             `json:"sizeBytes"`
	MimeType       string            `json:"mimeType"`
	StorageBackend string            `json:"storageBackend"`
	URL            string            `json:"url"`
	UploadedAt     time.Time         `json:"uploadedAt"`
	Thumbnail      ThumbnailResponse `json:"thumbnail"`
}

type AttachmentsListResponse struct {
	Items []AttachmentResponse `json:"items"`
}

type URLResponse struct {
	URL       string `json:"url"`
	ExpiresIn int64  `json:"expiresIn,omitempty"`
}

type ThumbnailURLResponse struct {
	URL         string `json:"url"`
	ExpiresIn   int64  `json:"expiresIn,omitempty"`
	State       string `json:"state"`
	Placeholder bool   `json:"placeholder"`
}
