package attachments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/ivankudzin/attachvault/internal/domain/enums"
	"github.com/ivankudzin/attachvault/internal/domain/model"
	"github.com/ivankudzin/attachvault/internal/infra/metrics"
	"github.com/ivankudzin/attachvault/internal/services/media"
)

const (
	modeDirect    = "direct"
	modePresigned = "presigned"
)

// Ingest stores a directly uploaded file on the default backend. At most
// MaxUploadBytes+1 bytes are read before anything is written.
func (s *Service) Ingest(ctx context.Context, parentID int64, in IngestInput) (model.Attachment, error) {
	if parentID <= 0 || in.Body == nil {
		return model.Attachment{}, ErrValidation
	}
	name := strings.TrimSpace(in.OriginalName)
	if name == "" {
		return model.Attachment{}, fmt.Errorf("%w: file name is required", ErrValidation)
	}

	data, err := io.ReadAll(io.LimitReader(in.Body, s.cfg.MaxUploadBytes+1))
	if err != nil {
		return model.Attachment{}, fmt.Errorf("%w: read upload: %v", ErrValidation, err)
	}
	if len(data) == 0 {
		return model.Attachment{}, fmt.Errorf("%w: file is empty", ErrValidation)
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		s.countIngest(s.cfg.DefaultBackend, modeDirect, metrics.OutcomeRejected)
		return model.Attachment{}, fmt.Errorf("%w: file exceeds %d bytes", ErrValidation, s.cfg.MaxUploadBytes)
	}

	head := data
	if len(head) > sniffBytes {
		head = head[:sniffBytes]
	}
	mimeType, err := s.checkMime(sniffMime(in.MimeType, head))
	if err != nil {
		s.countIngest(s.cfg.DefaultBackend, modeDirect, metrics.OutcomeRejected)
		return model.Attachment{}, err
	}

	backend := s.cfg.DefaultBackend
	store, err := s.store(backend)
	if err != nil {
		return model.Attachment{}, err
	}

	size := int64(len(data))
	location, err := store.Write(ctx, parentID, name, mimeType, bytes.NewReader(data), size)
	if err != nil {
		s.countIngest(backend, modeDirect, metrics.OutcomeFailed)
		return model.Attachment{}, storageError(backend, "write object", err)
	}

	if err := s.scanStored(ctx, store, location, bytes.NewReader(data), size); err != nil {
		s.countIngest(backend, modeDirect, metrics.OutcomeRejected)
		return model.Attachment{}, err
	}

	att, err := s.registry.Create(ctx, model.Attachment{
		ParentID:     parentID,
		OriginalName: name,
		Location:     location,
		SizeBytes:    size,
		MimeType:     mimeType,
		Backend:      backend,
		URL:          store.URL(location),
		UploadedAt:   s.now().UTC(),
		Thumbnail:    model.ThumbnailNone(),
	})
	if err != nil {
		_ = store.Delete(ctx, location)
		s.countIngest(backend, modeDirect, metrics.OutcomeFailed)
		return model.Attachment{}, fmt.Errorf("create attachment record: %w", err)
	}

	s.countIngest(backend, modeDirect, metrics.OutcomeOK)
	metrics.IngestBytes.WithLabelValues(string(backend)).Add(float64(size))

	return s.dispatchThumbnail(ctx, att, store, data), nil
}

// RecordPresigned registers an object the client uploaded straight to the
// remote backend.
func (s *Service) RecordPresigned(ctx context.Context, parentID int64, in RecordInput) (model.Attachment, error) {
	if parentID <= 0 {
		return model.Attachment{}, ErrValidation
	}
	key := strings.TrimSpace(in.Key)
	if !media.KeyBelongsTo(parentID, key) {
		return model.Attachment{}, fmt.Errorf("%w: object key does not belong to parent", ErrValidation)
	}
	name := strings.TrimSpace(in.OriginalName)
	if name == "" {
		return model.Attachment{}, fmt.Errorf("%w: original name is required", ErrValidation)
	}

	store, err := s.store(enums.StorageBackendRemote)
	if err != nil {
		return model.Attachment{}, err
	}

	// Recording is idempotent per key: a retried record returns the first
	// attachment instead of a second one sharing the object.
	existing, err := s.registry.FindByLocation(ctx, parentID, key)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, ErrNotFound):
		return model.Attachment{}, fmt.Errorf("look up recorded object: %w", err)
	}

	info, err := store.Stat(ctx, key)
	if err != nil {
		return model.Attachment{}, storageError(enums.StorageBackendRemote, "stat uploaded object", err)
	}
	if info.Size <= 0 || info.Size > s.cfg.MaxObjectBytes {
		s.discard(ctx, store, key)
		s.countIngest(enums.StorageBackendRemote, modePresigned, metrics.OutcomeRejected)
		return model.Attachment{}, fmt.Errorf("%w: stored object size %d outside limit %d", ErrValidation, info.Size, s.cfg.MaxObjectBytes)
	}

	declared := in.MimeType
	if declared == "" {
		declared = info.ContentType
	}
	var head []byte
	if m := normalizeMime(declared); m == "" || m == octetStream {
		head, err = s.readHead(ctx, store, key)
		if err != nil {
			return model.Attachment{}, err
		}
	}
	mimeType, err := s.checkMime(sniffMime(declared, head))
	if err != nil {
		s.discard(ctx, store, key)
		s.countIngest(enums.StorageBackendRemote, modePresigned, metrics.OutcomeRejected)
		return model.Attachment{}, err
	}

	if s.scanner != nil {
		body, _, err := store.Read(ctx, key)
		if err != nil {
			return model.Attachment{}, storageError(enums.StorageBackendRemote, "read uploaded object", err)
		}
		err = s.scanStored(ctx, store, key, body, info.Size)
		_ = body.Close()
		if err != nil {
			s.countIngest(enums.StorageBackendRemote, modePresigned, metrics.OutcomeRejected)
			return model.Attachment{}, err
		}
	}

	att, err := s.registry.Create(ctx, model.Attachment{
		ParentID:     parentID,
		OriginalName: name,
		Location:     key,
		SizeBytes:    info.Size,
		MimeType:     mimeType,
		Backend:      enums.StorageBackendRemote,
		URL:          store.URL(key),
		UploadedAt:   s.now().UTC(),
		Thumbnail:    model.ThumbnailNone(),
	})
	if errors.Is(err, ErrDuplicateLocation) {
		// a concurrent record of the same key won
		existing, err = s.registry.FindByLocation(ctx, parentID, key)
		if err != nil {
			return model.Attachment{}, fmt.Errorf("look up recorded object: %w", err)
		}
		return existing, nil
	}
	if err != nil {
		return model.Attachment{}, fmt.Errorf("create attachment record: %w", err)
	}

	s.countIngest(enums.StorageBackendRemote, modePresigned, metrics.OutcomeOK)
	metrics.IngestBytes.WithLabelValues(string(enums.StorageBackendRemote)).Add(float64(info.Size))

	return s.dispatchThumbnail(ctx, att, store, nil), nil
}

// Presign issues a one-shot upload URL on the remote backend.
func (s *Service) Presign(ctx context.Context, parentID int64, in UploadIntent) (media.PresignedPut, error) {
	if parentID <= 0 {
		return media.PresignedPut{}, ErrValidation
	}
	in, err := s.checkIntent(in)
	if err != nil {
		return media.PresignedPut{}, err
	}
	store, err := s.store(enums.StorageBackendRemote)
	if err != nil {
		return media.PresignedPut{}, err
	}

	put, err := store.PresignPut(ctx, parentID, in.Filename, in.ContentType, s.cfg.URLTTL)
	if err != nil {
		return media.PresignedPut{}, storageError(enums.StorageBackendRemote, "presign put", err)
	}
	return put, nil
}

// scanStored removes the object when the scanner rejects it or cannot decide.
func (s *Service) scanStored(ctx context.Context, store media.Store, location string, r io.Reader, size int64) error {
	if s.scanner == nil {
		return nil
	}

	verdict, err := s.scanner.Scan(ctx, r, size)
	if err != nil {
		s.discard(ctx, store, location)
		return fmt.Errorf("%w: antivirus scan: %v", ErrUpstream, err)
	}
	if verdict.Infected {
		s.discard(ctx, store, location)
		s.logger.Warn("upload rejected by antivirus",
			zap.String("location", location),
			zap.String("signature", verdict.Signature),
		)
		return fmt.Errorf("%w: %s", ErrScanRejected, verdict.Signature)
	}
	return nil
}

func (s *Service) readHead(ctx context.Context, store media.Store, location string) ([]byte, error) {
	body, _, err := store.Read(ctx, location)
	if err != nil {
		return nil, storageError(store.Backend(), "read object head", err)
	}
	defer body.Close()

	head, err := io.ReadAll(io.LimitReader(body, sniffBytes))
	if err != nil {
		return nil, storageError(store.Backend(), "read object head", err)
	}
	return head, nil
}

func (s *Service) discard(ctx context.Context, store media.Store, location string) {
	if err := store.Delete(ctx, location); err != nil {
		s.logger.Warn("failed to discard rejected object", zap.Error(err), zap.String("location", location))
	}
}

func (s *Service) countIngest(backend enums.StorageBackend, mode, outcome string) {
	metrics.IngestTotal.WithLabelValues(string(backend), mode, outcome).Inc()
}

// dispatchThumbnail never fails the upload; problems end in the Failed state.
func (s *Service) dispatchThumbnail(ctx context.Context, att model.Attachment, store media.Store, data []byte) model.Attachment {
	switch {
	case strings.HasPrefix(att.MimeType, "image/"):
		return s.deriveImageThumbnail(ctx, att, store, data)
	case att.MimeType == pdfMime:
		return s.enqueueRender(ctx, att)
	default:
		return att
	}
}

func (s *Service) deriveImageThumbnail(ctx context.Context, att model.Attachment, store media.Store, data []byte) model.Attachment {
	if s.deriver == nil {
		return att
	}
	att = s.setThumbnail(ctx, att, model.ThumbnailPending())

	if data == nil {
		if att.SizeBytes > maxInlineImage {
			metrics.ThumbnailsTotal.WithLabelValues("image", metrics.OutcomeFailed).Inc()
			return s.setThumbnail(ctx, att, model.ThumbnailFailed())
		}
		body, _, err := store.Read(ctx, att.Location)
		if err != nil {
			s.logThumbnailFailure(att, err)
			metrics.ThumbnailsTotal.WithLabelValues("image", metrics.OutcomeFailed).Inc()
			return s.setThumbnail(ctx, att, model.ThumbnailFailed())
		}
		data, err = io.ReadAll(body)
		_ = body.Close()
		if err != nil {
			s.logThumbnailFailure(att, err)
			metrics.ThumbnailsTotal.WithLabelValues("image", metrics.OutcomeFailed).Inc()
			return s.setThumbnail(ctx, att, model.ThumbnailFailed())
		}
	}

	thumb, err := s.deriver.Derive(ctx, bytes.NewReader(data))
	if err != nil {
		s.logThumbnailFailure(att, err)
		metrics.ThumbnailsTotal.WithLabelValues("image", metrics.OutcomeFailed).Inc()
		return s.setThumbnail(ctx, att, model.ThumbnailFailed())
	}

	location, err := store.WriteThumbnail(ctx, att.Location, "image/jpeg", bytes.NewReader(thumb), int64(len(thumb)))
	if err != nil {
		s.logThumbnailFailure(att, err)
		metrics.ThumbnailsTotal.WithLabelValues("image", metrics.OutcomeFailed).Inc()
		return s.setThumbnail(ctx, att, model.ThumbnailFailed())
	}

	metrics.ThumbnailsTotal.WithLabelValues("image", metrics.OutcomeOK).Inc()
	updated := s.setThumbnail(ctx, att, model.ThumbnailReady(location, store.Backend()))
	if !updated.Thumbnail.IsReady() {
		// the attachment was deleted while the thumbnail was derived
		_ = store.Delete(ctx, location)
	}
	return updated
}

func (s *Service) enqueueRender(ctx context.Context, att model.Attachment) model.Attachment {
	if s.queue == nil {
		s.logger.Warn("pdf thumbnail skipped: render queue is not configured", zap.Int64("attachment_id", att.ID))
		return att
	}
	att = s.setThumbnail(ctx, att, model.ThumbnailPending())

	job := model.RenderJob{
		JobID:        s.newJobID(),
		ParentID:     att.ParentID,
		AttachmentID: att.ID,
		Source:       model.ObjectRef{Backend: att.Backend, Location: att.Location},
		Destination:  model.ObjectRef{Backend: att.Backend, Location: media.ThumbnailLocation(att.Location)},
		EnqueuedAt:   s.now().UTC(),
	}

	queued, err := s.queue.Enqueue(ctx, job)
	if err != nil {
		s.logger.Error("failed to enqueue render job",
			zap.Error(err),
			zap.Int64("parent_id", att.ParentID),
			zap.Int64("attachment_id", att.ID),
		)
		metrics.ThumbnailsTotal.WithLabelValues("pdf", metrics.OutcomeFailed).Inc()
		return s.setThumbnail(ctx, att, model.ThumbnailFailed())
	}
	if !queued {
		s.logger.Debug("render job already outstanding", zap.Int64("attachment_id", att.ID))
	}
	return att
}

func (s *Service) setThumbnail(ctx context.Context, att model.Attachment, thumb model.Thumbnail) model.Attachment {
	updated, err := s.registry.SetThumbnail(ctx, att.ParentID, att.ID, thumb)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("failed to update thumbnail state",
				zap.Error(err),
				zap.Int64("attachment_id", att.ID),
				zap.String("state", string(thumb.State)),
			)
		}
		return att
	}
	return updated
}

func (s *Service) logThumbnailFailure(att model.Attachment, err error) {
	s.logger.Warn("thumbnail derivation failed",
		zap.Error(err),
		zap.Int64("parent_id", att.ParentID),
		zap.Int64("attachment_id", att.ID),
		zap.String("mime_type", att.MimeType),
	)
}
