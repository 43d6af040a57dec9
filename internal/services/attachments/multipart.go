package attachments

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ivankudzin/attachvault/internal/domain/enums"
	"github.com/ivankudzin/attachvault/internal/services/media"
)

const maxParts = 10000

type MultipartSession struct {
	Key      string
	UploadID string
}

type PresignedPart struct {
	URL       string
	ExpiresIn time.Duration
}

func (s *Service) multipart() (media.Multipart, error) {
	store, err := s.store(enums.StorageBackendRemote)
	if err != nil {
		return nil, err
	}
	mp, ok := store.(media.Multipart)
	if !ok {
		return nil, fmt.Errorf("%w: remote storage does not support multipart uploads", ErrBackendUnavailable)
	}
	return mp, nil
}

func (s *Service) InitiateMultipart(ctx context.Context, parentID int64, in UploadIntent) (MultipartSession, error) {
	if parentID <= 0 {
		return MultipartSession{}, ErrValidation
	}
	in, err := s.checkIntent(in)
	if err != nil {
		return MultipartSession{}, err
	}
	mp, err := s.multipart()
	if err != nil {
		return MultipartSession{}, err
	}

	key, uploadID, err := mp.InitiateMultipart(ctx, parentID, in.Filename, in.ContentType)
	if err != nil {
		return MultipartSession{}, storageError(enums.StorageBackendRemote, "initiate multipart", err)
	}
	return MultipartSession{Key: key, UploadID: uploadID}, nil
}

func (s *Service) PresignPart(ctx context.Context, parentID int64, key, uploadID string, partNumber int) (PresignedPart, error) {
	if err := checkSession(parentID, key, uploadID); err != nil {
		return PresignedPart{}, err
	}
	if partNumber < 1 || partNumber > maxParts {
		return PresignedPart{}, fmt.Errorf("%w: part number must be in 1..%d", ErrValidation, maxParts)
	}
	mp, err := s.multipart()
	if err != nil {
		return PresignedPart{}, err
	}

	url, err := mp.PresignPart(ctx, key, uploadID, partNumber, s.cfg.URLTTL)
	if err != nil {
		return PresignedPart{}, storageError(enums.StorageBackendRemote, "presign part", err)
	}
	return PresignedPart{URL: url, ExpiresIn: s.cfg.URLTTL}, nil
}

// CompleteMultipart requires parts in strictly ascending order, each with an
// ETag.
func (s *Service) CompleteMultipart(ctx context.Context, parentID int64, key, uploadID string, parts []media.Part) (string, error) {
	if err := checkSession(parentID, key, uploadID); err != nil {
		return "", err
	}
	if len(parts) == 0 || len(parts) > maxParts {
		return "", fmt.Errorf("%w: parts list is empty or too long", ErrValidation)
	}
	prev := 0
	for _, p := range parts {
		if p.PartNumber <= prev || strings.TrimSpace(p.ETag) == "" {
			return "", fmt.Errorf("%w: parts must be ascending with etags", ErrValidation)
		}
		prev = p.PartNumber
	}

	mp, err := s.multipart()
	if err != nil {
		return "", err
	}
	objectURL, err := mp.CompleteMultipart(ctx, key, uploadID, parts)
	if err != nil {
		return "", storageError(enums.StorageBackendRemote, "complete multipart", err)
	}
	return objectURL, nil
}

func (s *Service) AbortMultipart(ctx context.Context, parentID int64, key, uploadID string) error {
	if err := checkSession(parentID, key, uploadID); err != nil {
		return err
	}
	mp, err := s.multipart()
	if err != nil {
		return err
	}
	if err := mp.AbortMultipart(ctx, key, uploadID); err != nil {
		return storageError(enums.StorageBackendRemote, "abort multipart", err)
	}
	return nil
}

func checkSession(parentID int64, key, uploadID string) error {
	if parentID <= 0 || strings.TrimSpace(uploadID) == "" {
		return ErrValidation
	}
	if !media.KeyBelongsTo(parentID, key) {
		return fmt.Errorf("%w: object key does not belong to parent", ErrValidation)
	}
	return nil
}
