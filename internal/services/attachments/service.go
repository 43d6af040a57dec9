package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ivankudzin/attachvault/internal/domain/enums"
	"github.com/ivankudzin/attachvault/internal/domain/model"
	"github.com/ivankudzin/attachvault/internal/services/media"
	"github.com/ivankudzin/attachvault/internal/services/scan"
)

const (
	octetStream      = "application/octet-stream"
	pdfMime          = "application/pdf"
	sniffBytes       = 3072
	maxInlineImage   = 64 << 20
	defaultPlacehold = "/static/thumb-placeholder.svg"
)

// Registry is the shared attachment index. Implementations assign ids that
// grow per parent and are never reused.
type Registry interface {
	Create(ctx context.Context, a model.Attachment) (model.Attachment, error)
	List(ctx context.Context, parentID int64) ([]model.Attachment, error)
	Get(ctx context.Context, parentID, attachmentID int64) (model.Attachment, error)
	// FindByLocation returns ErrNotFound when no attachment of the parent
	// points at location.
	FindByLocation(ctx context.Context, parentID int64, location string) (model.Attachment, error)
	Delete(ctx context.Context, parentID, attachmentID int64) (model.Attachment, error)
	SetThumbnail(ctx context.Context, parentID, attachmentID int64, thumb model.Thumbnail) (model.Attachment, error)
}

// RenderQueue reports false when a job for the same attachment is already
// outstanding.
type RenderQueue interface {
	Enqueue(ctx context.Context, job model.RenderJob) (bool, error)
}

type Scanner interface {
	Scan(ctx context.Context, r io.Reader, size int64) (scan.Verdict, error)
}

type ImageDeriver interface {
	Derive(ctx context.Context, r io.Reader) ([]byte, error)
}

type Config struct {
	AllowedMimeTypes []string
	MaxUploadBytes   int64
	MaxObjectBytes   int64
	URLTTL           time.Duration
	Placeholder      string
	DefaultBackend   enums.StorageBackend
}

type Dependencies struct {
	Registry Registry
	Local    media.Store
	Remote   media.Store
	Queue    RenderQueue
	Deriver  ImageDeriver
	Scanner  Scanner
	Logger   *zap.Logger
}

type Service struct {
	registry Registry
	stores   map[enums.StorageBackend]media.Store
	queue    RenderQueue
	deriver  ImageDeriver
	scanner  Scanner
	cfg      Config
	allowed  map[string]struct{}
	logger   *zap.Logger
	now      func() time.Time
	newJobID func() string
}

type IngestInput struct {
	OriginalName string
	MimeType     string
	Body         io.Reader
}

type RecordInput struct {
	Key          string
	ObjectURL    string
	OriginalName string
	Size         int64
	MimeType     string
}

type UploadIntent struct {
	Filename    string
	ContentType string
	Size        int64
}

type ResolvedURL struct {
	URL       string
	ExpiresIn time.Duration
}

type ThumbnailURL struct {
	URL         string
	ExpiresIn   time.Duration
	State       enums.ThumbnailState
	Placeholder bool
}

type Download struct {
	Body        io.ReadCloser
	Filename    string
	ContentType string
	Size        int64
}

func NewService(deps Dependencies, cfg Config) *Service {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if cfg.MaxObjectBytes < cfg.MaxUploadBytes {
		cfg.MaxObjectBytes = 1 << 30
	}
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = media.DefaultURLTTL
	}
	if cfg.Placeholder == "" {
		cfg.Placeholder = defaultPlacehold
	}
	if cfg.DefaultBackend == "" {
		cfg.DefaultBackend = enums.StorageBackendLocal
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedMimeTypes))
	for _, m := range cfg.AllowedMimeTypes {
		allowed[normalizeMime(m)] = struct{}{}
	}

	stores := map[enums.StorageBackend]media.Store{}
	if deps.Local != nil {
		stores[enums.StorageBackendLocal] = deps.Local
	}
	if deps.Remote != nil {
		stores[enums.StorageBackendRemote] = deps.Remote
	}

	return &Service{
		registry: deps.Registry,
		stores:   stores,
		queue:    deps.Queue,
		deriver:  deps.Deriver,
		scanner:  deps.Scanner,
		cfg:      cfg,
		allowed:  allowed,
		logger:   logger,
		now:      time.Now,
		newJobID: uuid.NewString,
	}
}

func (s *Service) Placeholder() string {
	return s.cfg.Placeholder
}

func (s *Service) List(ctx context.Context, parentID int64) ([]model.Attachment, error) {
	if parentID <= 0 {
		return nil, ErrValidation
	}
	items, err := s.registry.List(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	return items, nil
}

func (s *Service) Get(ctx context.Context, parentID, attachmentID int64) (model.Attachment, error) {
	if parentID <= 0 || attachmentID <= 0 {
		return model.Attachment{}, ErrValidation
	}
	att, err := s.registry.Get(ctx, parentID, attachmentID)
	if err != nil {
		return model.Attachment{}, err
	}
	return att, nil
}

func (s *Service) Delete(ctx context.Context, parentID, attachmentID int64) error {
	if parentID <= 0 || attachmentID <= 0 {
		return ErrValidation
	}

	att, err := s.registry.Delete(ctx, parentID, attachmentID)
	if err != nil {
		return err
	}

	store, ok := s.stores[att.Backend]
	if !ok {
		s.logger.Warn("attachment bytes left in place: backend not configured",
			zap.Int64("parent_id", parentID),
			zap.Int64("attachment_id", attachmentID),
			zap.String("backend", string(att.Backend)),
		)
		return nil
	}

	locations := []string{att.Location}
	if att.Thumbnail.IsReady() {
		locations = append(locations, att.Thumbnail.Location)
	} else if att.Thumbnail.State == enums.ThumbnailPending {
		// a running render may still publish this
		locations = append(locations, media.ThumbnailLocation(att.Location))
	}

	for _, loc := range locations {
		if err := store.Delete(ctx, loc); err != nil {
			s.logger.Warn("failed to delete attachment object",
				zap.Error(err),
				zap.String("backend", string(att.Backend)),
				zap.String("location", loc),
			)
		}
	}

	return nil
}

func (s *Service) ResolveURL(ctx context.Context, parentID, attachmentID int64) (ResolvedURL, error) {
	att, err := s.Get(ctx, parentID, attachmentID)
	if err != nil {
		return ResolvedURL{}, err
	}
	return s.resolve(ctx, att.Backend, att.Location)
}

func (s *Service) ResolveThumbnailURL(ctx context.Context, parentID, attachmentID int64) (ThumbnailURL, error) {
	att, err := s.Get(ctx, parentID, attachmentID)
	if err != nil {
		return ThumbnailURL{}, err
	}

	state := att.Thumbnail.State
	if state == "" {
		state = enums.ThumbnailNone
	}
	if !att.Thumbnail.IsReady() {
		return ThumbnailURL{URL: s.cfg.Placeholder, State: state, Placeholder: true}, nil
	}

	backend := att.Thumbnail.Backend
	if backend == "" {
		backend = att.Backend
	}
	resolved, err := s.resolve(ctx, backend, att.Thumbnail.Location)
	if err != nil {
		return ThumbnailURL{}, err
	}

	return ThumbnailURL{URL: resolved.URL, ExpiresIn: resolved.ExpiresIn, State: state}, nil
}

func (s *Service) StreamDownload(ctx context.Context, parentID, attachmentID int64) (Download, error) {
	att, err := s.Get(ctx, parentID, attachmentID)
	if err != nil {
		return Download{}, err
	}
	store, err := s.store(att.Backend)
	if err != nil {
		return Download{}, err
	}

	body, info, err := store.Read(ctx, att.Location)
	if err != nil {
		return Download{}, storageError(att.Backend, "read object", err)
	}

	contentType := att.MimeType
	if contentType == "" {
		contentType = info.ContentType
	}
	size := info.Size
	if size <= 0 {
		size = att.SizeBytes
	}

	return Download{
		Body:        body,
		Filename:    att.OriginalName,
		ContentType: contentType,
		Size:        size,
	}, nil
}

func (s *Service) resolve(ctx context.Context, backend enums.StorageBackend, location string) (ResolvedURL, error) {
	store, err := s.store(backend)
	if err != nil {
		return ResolvedURL{}, err
	}

	if backend == enums.StorageBackendLocal {
		return ResolvedURL{URL: store.URL(location)}, nil
	}

	url, err := store.PresignGet(ctx, location, s.cfg.URLTTL)
	if err != nil {
		return ResolvedURL{}, storageError(backend, "presign get", err)
	}
	return ResolvedURL{URL: url, ExpiresIn: s.cfg.URLTTL}, nil
}

func (s *Service) store(backend enums.StorageBackend) (media.Store, error) {
	store, ok := s.stores[backend]
	if !ok || store == nil {
		return nil, fmt.Errorf("%w: %s storage is not configured", ErrBackendUnavailable, backend)
	}
	return store, nil
}

func (s *Service) checkMime(contentType string) (string, error) {
	m := normalizeMime(contentType)
	if _, ok := s.allowed[m]; !ok {
		return "", fmt.Errorf("%w: unsupported file type %q", ErrValidation, contentType)
	}
	return m, nil
}

func (s *Service) checkIntent(in UploadIntent) (UploadIntent, error) {
	in.Filename = strings.TrimSpace(in.Filename)
	if in.Filename == "" {
		return UploadIntent{}, fmt.Errorf("%w: filename is required", ErrValidation)
	}
	if in.Size <= 0 {
		return UploadIntent{}, fmt.Errorf("%w: size must be positive", ErrValidation)
	}
	if in.Size > s.cfg.MaxObjectBytes {
		return UploadIntent{}, fmt.Errorf("%w: file exceeds %d bytes", ErrValidation, s.cfg.MaxObjectBytes)
	}
	m, err := s.checkMime(in.ContentType)
	if err != nil {
		return UploadIntent{}, err
	}
	in.ContentType = m
	return in, nil
}

// sniffMime trusts a declared type unless it is missing or generic.
func sniffMime(declared string, head []byte) string {
	m := normalizeMime(declared)
	if m != "" && m != octetStream {
		return m
	}
	return normalizeMime(mimetype.Detect(head).String())
}

func normalizeMime(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if parsed, _, err := mime.ParseMediaType(v); err == nil {
		return parsed
	}
	return strings.ToLower(v)
}

func storageError(backend enums.StorageBackend, op string, err error) error {
	switch {
	case errors.Is(err, media.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, media.ErrNotSupported):
		return fmt.Errorf("%s: %w", op, ErrBackendUnavailable)
	case errors.Is(err, media.ErrValidation):
		return fmt.Errorf("%s: %w", op, ErrValidation)
	case backend == enums.StorageBackendRemote:
		return fmt.Errorf("%s: %w: %v", op, ErrUpstream, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
