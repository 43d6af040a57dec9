package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ivankudzin/attachvault/internal/domain/model"
	attachsvc "github.com/ivankudzin/attachvault/internal/services/attachments"
	"github.com/ivankudzin/attachvault/internal/services/media"
	"github.com/ivankudzin/attachvault/internal/transport/http/dto"
	httperrors "github.com/ivankudzin/attachvault/internal/transport/http/errors"
)

const multipartOverhead = 1 << 20

type AttachmentsHandler struct {
	service        *attachsvc.Service
	maxUploadBytes int64
	logger         *zap.Logger
}

func NewAttachmentsHandler(service *attachsvc.Service, maxUploadBytes int64, logger *zap.Logger) *AttachmentsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = 10 << 20
	}
	return &AttachmentsHandler{service: service, maxUploadBytes: maxUploadBytes, logger: logger}
}

func (h *AttachmentsHandler) List(w http.ResponseWriter, r *http.Request) {
	parentID, ok := h.parent(w, r)
	if !ok {
		return
	}

	items, err := h.service.List(r.Context(), parentID)
	if err != nil {
		h.handleError(w, err)
		return
	}

	out := make([]dto.AttachmentResponse, 0, len(items))
	for _, a := range items {
		out = append(out, attachmentResponse(a))
	}
	httperrors.Write(w, http.StatusOK, dto.AttachmentsListResponse{Items: out})
}

// Upload ingests a multipart/form-data body with a single "file" field.
func (h *AttachmentsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	parentID, ok := h.parent(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartOverhead)
	reader, err := r.MultipartReader()
	if err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "multipart form expected")
		return
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			writeBadRequest(w, "VALIDATION_ERROR", "file is required")
			return
		}
		if err != nil {
			writeTooLargeOrBad(w, err)
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}

		att, err := h.service.Ingest(r.Context(), parentID, attachsvc.IngestInput{
			OriginalName: part.FileName(),
			MimeType:     part.Header.Get("Content-Type"),
			Body:         part,
		})
		_ = part.Close()
		if err != nil {
			h.handleError(w, err)
			return
		}

		httperrors.Write(w, http.StatusCreated, attachmentResponse(att))
		return
	}
}

func (h *AttachmentsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	parentID, attachmentID, ok := h.ids(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), parentID, attachmentID); err != nil {
		h.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AttachmentsHandler) Presign(w http.ResponseWriter, r *http.Request) {
	parentID, ok := h.parent(w, r)
	if !ok {
		return
	}
	var req dto.UploadIntentRequest
	if !decodeValid(w, r, &req) {
		return
	}

	put, err := h.service.Presign(r.Context(), parentID, attachsvc.UploadIntent{
		Filename:    req.Filename,
		ContentType: req.ContentType,
		Size:        req.Size,
	})
	if err != nil {
		h.handleError(w, err)
		return
	}

	httperrors.Write(w, http.StatusOK, dto.PresignResponse{
		UploadURL: put.UploadURL,
		ObjectURL: put.ObjectURL,
		Key:       put.Key,
		Headers:   put.Headers,
		ExpiresIn: seconds(put.ExpiresIn),
	})
}

func (h *AttachmentsHandler) Record(w http.ResponseWriter, r *http.Request) {
	parentID, ok := h.parent(w, r)
	if !ok {
		return
	}
	var req dto.RecordRequest
	if !decodeValid(w, r, &req) {
		return
	}

	att, err := h.service.RecordPresigned(r.Context(), parentID, attachsvc.RecordInput{
		Key:          req.Key,
		ObjectURL:    req.ObjectURL,
		OriginalName: req.OriginalName,
		Size:         req.Size,
		MimeType:     req.MimeType,
	})
	if err != nil {
		h.handleError(w, err)
		return
	}

	httperrors.Write(w, http.StatusCreated, attachmentResponse(att))
}

func (h *AttachmentsHandler) URL(w http.ResponseWriter, r *http.Request) {
	parentID, attachmentID, ok := h.ids(w, r)
	if !ok {
		return
	}

	resolved, err := h.service.ResolveURL(r.Context(), parentID, attachmentID)
	if err != nil {
		h.handleError(w, err)
		return
	}
	httperrors.Write(w, http.StatusOK, dto.URLResponse{URL: resolved.URL, ExpiresIn: seconds(resolved.ExpiresIn)})
}

func (h *AttachmentsHandler) ThumbnailURL(w http.ResponseWriter, r *http.Request) {
	parentID, attachmentID, ok := h.ids(w, r)
	if !ok {
		return
	}

	thumb, err := h.service.ResolveThumbnailURL(r.Context(), parentID, attachmentID)
	if err != nil {
		h.handleError(w, err)
		return
	}
	httperrors.Write(w, http.StatusOK, dto.ThumbnailURLResponse{
		URL:         thumb.URL,
		ExpiresIn:   seconds(thumb.ExpiresIn),
		State:       string(thumb.State),
		Placeholder: thumb.Placeholder,
	})
}

func (h *AttachmentsHandler) Download(w http.ResponseWriter, r *http.Request) {
	parentID, attachmentID, ok := h.ids(w, r)
	if !ok {
		return
	}

	dl, err := h.service.StreamDownload(r.Context(), parentID, attachmentID)
	if err != nil {
		h.handleError(w, err)
		return
	}
	defer dl.Body.Close()

	w.Header().Set("Content-Type", dl.ContentType)
	w.Header().Set("Content-Disposition", contentDisposition(dl.Filename))
	if dl.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, dl.Body); err != nil {
		h.logger.Warn("download interrupted",
			zap.Error(err),
			zap.Int64("parent_id", parentID),
			zap.Int64("attachment_id", attachmentID),
		)
	}
}

func (h *AttachmentsHandler) InitiateMultipart(w http.ResponseWriter, r *http.Request) {
	parentID, ok := h.parent(w, r)
	if !ok {
		return
	}
	var req dto.UploadIntentRequest
	if !decodeValid(w, r, &req) {
		return
	}

	session, err := h.service.InitiateMultipart(r.Context(), parentID, attachsvc.UploadIntent{
		Filename:    req.Filename,
		ContentType: req.ContentType,
		Size:        req.Size,
	})
	if err != nil {
		h.handleError(w, err)
		return
	}
	httperrors.Write(w, http.StatusOK, dto.MultipartInitiateResponse{Key: session.Key, UploadID: session.UploadID})
}

func (h *AttachmentsHandler) PresignPart(w http.ResponseWriter, r *http.Request) {
	parentID, ok := h.parent(w, r)
	if !ok {
		return
	}
	var req dto.PresignPartRequest
	if !decodeValid(w, r, &req) {
		return
	}

	part, err := h.service.PresignPart(r.Context(), parentID, req.Key, req.UploadID, req.PartNumber)
	if err != nil {
		h.handleError(w, err)
		return
	}
	httperrors.Write(w, http.StatusOK, dto.PresignPartResponse{
		URL:       part.URL,
		Headers:   map[string]string{},
		ExpiresIn: seconds(part.ExpiresIn),
	})
}

func (h *AttachmentsHandler) CompleteMultipart(w http.ResponseWriter, r *http.Request) {
	parentID, ok := h.parent(w, r)
	if !ok {
		return
	}
	var req dto.CompleteMultipartRequest
	if !decodeValid(w, r, &req) {
		return
	}

	parts := make([]media.Part, 0, len(req.Parts))
	for _, p := range req.Parts {
		parts = append(parts, media.Part{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	objectURL, err := h.service.CompleteMultipart(r.Context(), parentID, req.Key, req.UploadID, parts)
	if err != nil {
		h.handleError(w, err)
		return
	}
	httperrors.Write(w, http.StatusOK, dto.CompleteMultipartResponse{ObjectURL: objectURL, Key: req.Key})
}

func (h *AttachmentsHandler) AbortMultipart(w http.ResponseWriter, r *http.Request) {
	parentID, ok := h.parent(w, r)
	if !ok {
		return
	}
	var req dto.MultipartSessionRequest
	if !decodeValid(w, r, &req) {
		return
	}

	if err := h.service.AbortMultipart(r.Context(), parentID, req.Key, req.UploadID); err != nil {
		h.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AttachmentsHandler) parent(w http.ResponseWriter, r *http.Request) (int64, bool) {
	if h.service == nil {
		writeInternal(w, "ATTACHMENTS_SERVICE_UNAVAILABLE", "attachments service is unavailable")
		return 0, false
	}
	parentID, ok := pathInt64(r, "parentID")
	if !ok {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid parent id")
		return 0, false
	}
	return parentID, true
}

func (h *AttachmentsHandler) ids(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	parentID, ok := h.parent(w, r)
	if !ok {
		return 0, 0, false
	}
	attachmentID, ok := pathInt64(r, "attachmentID")
	if !ok {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid attachment id")
		return 0, 0, false
	}
	return parentID, attachmentID, true
}

func (h *AttachmentsHandler) handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, attachsvc.ErrValidation):
		writeBadRequest(w, "VALIDATION_ERROR", validationMessage(err))
	case errors.Is(err, attachsvc.ErrNotFound):
		writeNotFound(w, "NOT_FOUND", "attachment not found")
	case errors.Is(err, attachsvc.ErrBackendUnavailable):
		httperrors.WriteError(w, http.StatusServiceUnavailable, "BACKEND_UNAVAILABLE", "storage backend is unavailable")
	case errors.Is(err, attachsvc.ErrScanRejected):
		httperrors.WriteError(w, http.StatusUnprocessableEntity, "SCAN_REJECTED", "file rejected by antivirus")
	case errors.Is(err, attachsvc.ErrUpstream):
		h.logger.Warn("upstream failure", zap.Error(err))
		httperrors.WriteError(w, http.StatusBadGateway, "UPSTREAM_FAILURE", "storage upstream failed")
	default:
		h.logger.Error("attachments request failed", zap.Error(err))
		writeInternal(w, "INTERNAL_ERROR", "internal server error")
	}
}

// validationMessage keeps the detail after the sentinel, which never carries
// internal paths.
func validationMessage(err error) string {
	msg := err.Error()
	prefix := attachsvc.ErrValidation.Error() + ": "
	if i := strings.Index(msg, prefix); i >= 0 {
		return msg[i+len(prefix):]
	}
	return "invalid request"
}

func writeTooLargeOrBad(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeBadRequest(w, "VALIDATION_ERROR", fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
		return
	}
	writeBadRequest(w, "VALIDATION_ERROR", "invalid multipart form")
}

func attachmentResponse(a model.Attachment) dto.AttachmentResponse {
	state := string(a.Thumbnail.State)
	if state == "" {
		state = "None"
	}
	return dto.AttachmentResponse{
		ID:             a.ID,
		ParentID:       a.ParentID,
		OriginalName:   a.OriginalName,
		StoredLocation: a.Location,
		SizeBytes:      a.SizeBytes,
		MimeType:       a.MimeType,
		StorageBackend: string(a.Backend),
		URL:            a.URL,
		UploadedAt:     a.UploadedAt,
		Thumbnail: dto.ThumbnailResponse{
			State:    state,
			Location: a.Thumbnail.Location,
			Backend:  string(a.Thumbnail.Backend),
		},
	}
}

func contentDisposition(filename string) string {
	fallback := strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			return '_'
		}
		return r
	}, filename)
	if fallback == "" {
		fallback = "download"
	}
	return fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", fallback, url.PathEscape(filename))
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
