package dto

type UploadIntentRequest struct {
	Filename    string `json:"filename" validate:"required,max=255"`
	ContentType string `json:"contentType" validate:"required"`
	Size        int64  `json:"size" validate:"gt=0"`
}

type PresignResponse struct {
	UploadURL string            `json:"uploadUrl"`
	ObjectURL string            `json:"objectUrl"`
	Key       string            `json:"key"`
	Headers   map[string]string `json:"headers"`
	ExpiresIn int64             `json:"expiresIn"`
}

type RecordRequest struct {
	Key          string `json:"key" validate:"required"`
	ObjectURL    string `json:"objectUrl"`
	OriginalName string `json:"originalName" validate:"required,max=255"`
	Size         int64  `json:"size" validate:"gte=0"`
	MimeType     string `json:"mimeType"`
}

type MultipartInitiateResponse struct {
	Key      string `json:"key"`
	UploadID string `json:"uploadId"`
}

type MultipartSessionRequest struct {
	Key      string `json:"key" validate:"required"`
	UploadID string `json:"uploadId" validate:"required"`
}

type PresignPartRequest struct {
	Key        string `json:"key" validate:"required"`
	UploadID   string `json:"uploadId" validate:"required"`
	PartNumber int    `json:"partNumber" validate:"min=1,max=10000"`
}

type PresignPartResponse struct {
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	ExpiresIn int64             `json:"expiresIn"`
}

type CompletedPart struct {
	PartNumber int    `json:"PartNumber" validate:"min=1,max=10000"`
	ETag       string `json:"ETag" validate:"required"`
}

type CompleteMultipartRequest struct {
	Key      string          `json:"key" validate:"required"`
	UploadID string          `json:"uploadId" validate:"required"`
	Parts    []CompletedPart `json:"parts" validate:"required,min=1,max=10000,dive"`
}

type CompleteMultipartResponse struct {
	ObjectURL string `json:"objectUrl"`
	Key       string `json:"key"`
}
