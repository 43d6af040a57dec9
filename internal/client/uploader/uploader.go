package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ivankudzin/attachvault/internal/client/apiclient"
	"github.com/ivankudzin/attachvault/internal/domain/enums"
	"github.com/ivankudzin/attachvault/internal/domain/model"
	"github.com/ivankudzin/attachvault/internal/transport/http/dto"
)

var (
	ErrRejected = errors.New("file rejected")
	ErrCanceled = errors.New("upload canceled")
)

// API is the subset of the attachments API the orchestrator drives.
type API interface {
	Ingest(ctx context.Context, parentID int64, name, mimeType string, body io.Reader) (dto.AttachmentResponse, error)
	Presign(ctx context.Context, parentID int64, req dto.UploadIntentRequest) (dto.PresignResponse, error)
	Record(ctx context.Context, parentID int64, req dto.RecordRequest) (dto.AttachmentResponse, error)
	InitiateMultipart(ctx context.Context, parentID int64, req dto.UploadIntentRequest) (dto.MultipartInitiateResponse, error)
	PresignPart(ctx context.Context, parentID int64, req dto.PresignPartRequest) (dto.PresignPartResponse, error)
	CompleteMultipart(ctx context.Context, parentID int64, req dto.CompleteMultipartRequest) (dto.CompleteMultipartResponse, error)
	AbortMultipart(ctx context.Context, parentID int64, req dto.MultipartSessionRequest) error
	PutObject(ctx context.Context, url string, headers map[string]string, body io.Reader, size int64) (string, error)
}

// Source is an opened file. *os.File satisfies it.
type Source interface {
	io.ReaderAt
	io.Closer
}

type File struct {
	Name     string
	MimeType string
	Size     int64
	Open     func() (Source, error)
}

type Status string

const (
	StatusRejected Status = "rejected"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

type Strategy string

const (
	StrategyDirect    Strategy = "direct"
	StrategySingle    Strategy = "single"
	StrategyMultipart Strategy = "multipart"
)

type Result struct {
	Name       string
	Status     Status
	Strategy   Strategy
	Attachment *dto.AttachmentResponse
	Session    *model.UploadSession
	// Retryable marks failures the caller may resubmit.
	Retryable bool
	Err       error
}

type Report struct {
	Files []Result
}

func (r Report) Count(status Status) int {
	n := 0
	for _, f := range r.Files {
		if f.Status == status {
			n++
		}
	}
	return n
}

type Options struct {
	ParentID           int64
	AllowedMimeTypes   []string
	MaxFileBytes       int64
	Concurrency        int
	MultipartThreshold int64
	PartSize           int64
	Attempts           int
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	// OnProgress is called from upload goroutines and must be safe for
	// concurrent use.
	OnProgress func(Progress)
	Logger     *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 3
	}
	if o.MultipartThreshold <= 0 {
		o.MultipartThreshold = DefaultMultipartThreshold
	}
	if o.PartSize <= 0 {
		o.PartSize = DefaultPartSize
	}
	if o.PartSize < MinPartSize {
		o.PartSize = MinPartSize
	}
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = 10 * time.Second
		if o.MaxBackoff < o.InitialBackoff {
			o.MaxBackoff = o.InitialBackoff
		}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Orchestrator uploads a batch of files with a bounded number of files in
// flight. Cancel, Pause and Resume address files by name.
type Orchestrator struct {
	api     API
	opts    Options
	allowed map[string]struct{}
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	controls map[string]*control
	tracker  *tracker
}

func New(api API, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	allowed := make(map[string]struct{}, len(opts.AllowedMimeTypes))
	for _, m := range opts.AllowedMimeTypes {
		allowed[normalizeMime(m)] = struct{}{}
	}
	o := &Orchestrator{
		api:      api,
		opts:     opts,
		allowed:  allowed,
		logger:   opts.Logger,
		now:      time.Now,
		controls: make(map[string]*control),
	}
	o.tracker = newTracker(o.now, opts.OnProgress)
	return o
}

// Run uploads every file and returns one result per file in input order.
// A failed file never stops the rest of the batch.
func (o *Orchestrator) Run(ctx context.Context, files []File) Report {
	files = append([]File(nil), files...)
	results := make([]Result, len(files))
	admitted := make([]int, 0, len(files))

	sem := semaphore.NewWeighted(int64(o.opts.Concurrency))

	o.mu.Lock()
	o.tracker = newTracker(o.now, o.opts.OnProgress)
	o.controls = make(map[string]*control, len(files))
	for i := range files {
		f := &files[i]
		if err := o.validate(f); err != nil {
			results[i] = Result{Name: f.Name, Status: StatusRejected, Err: err}
			continue
		}
		fileCtx, cancel := context.WithCancel(ctx)
		o.controls[f.Name] = &control{ctx: fileCtx, cancel: cancel, slots: sem}
		o.tracker.admit(f.Name, f.Size)
		admitted = append(admitted, i)
	}
	o.mu.Unlock()

	var g errgroup.Group
	for _, i := range admitted {
		f := files[i]
		ctl := o.control(f.Name)
		if err := ctl.acquire(); err != nil {
			results[i] = o.canceled(f, "", nil)
			ctl.cancel()
			continue
		}
		g.Go(func() error {
			defer ctl.release()
			defer ctl.cancel()
			results[i] = o.upload(ctl, f)
			return nil
		})
	}
	_ = g.Wait()

	return Report{Files: results}
}

// Snapshot returns aggregate progress for the current batch.
func (o *Orchestrator) Snapshot() Progress {
	o.mu.Lock()
	t := o.tracker
	o.mu.Unlock()
	return t.snapshot()
}

// Cancel aborts in-flight calls for the named file and discards its progress.
func (o *Orchestrator) Cancel(name string) bool {
	ctl := o.control(name)
	if ctl == nil {
		return false
	}
	ctl.cancel()
	ctl.resume()
	return true
}

// Pause stops scheduling new work for the file. Transfers already running
// finish, then the file's pool slot goes to the next queued file.
func (o *Orchestrator) Pause(name string) bool {
	ctl := o.control(name)
	if ctl == nil {
		return false
	}
	ctl.pause()
	return true
}

func (o *Orchestrator) Resume(name string) bool {
	ctl := o.control(name)
	if ctl == nil {
		return false
	}
	ctl.resume()
	return true
}

func (o *Orchestrator) control(name string) *control {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.controls[name]
}

func (o *Orchestrator) validate(f *File) error {
	if strings.TrimSpace(f.Name) == "" || f.Open == nil {
		return fmt.Errorf("%w: name and source are required", ErrRejected)
	}
	if _, dup := o.controls[f.Name]; dup {
		return fmt.Errorf("%w: duplicate file name %q", ErrRejected, f.Name)
	}
	if f.Size <= 0 {
		return fmt.Errorf("%w: %s is empty", ErrRejected, f.Name)
	}
	if o.opts.MaxFileBytes > 0 && f.Size > o.opts.MaxFileBytes {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrRejected, f.Name, o.opts.MaxFileBytes)
	}

	if f.MimeType == "" {
		detected, err := detectMime(f)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRejected, err)
		}
		f.MimeType = detected
	}
	f.MimeType = normalizeMime(f.MimeType)
	if len(o.allowed) > 0 {
		if _, ok := o.allowed[f.MimeType]; !ok {
			return fmt.Errorf("%w: type %s is not allowed", ErrRejected, f.MimeType)
		}
	}
	return nil
}

func (o *Orchestrator) upload(ctl *control, f File) Result {
	o.tracker.setActive(1)
	defer o.tracker.setActive(-1)

	if err := o.wait(ctl); err != nil {
		return o.canceled(f, "", nil)
	}

	src, err := f.Open()
	if err != nil {
		return Result{Name: f.Name, Status: StatusFailed, Retryable: true, Err: fmt.Errorf("open %s: %w", f.Name, err)}
	}
	defer src.Close()

	log := o.logger.With(zap.String("file", f.Name), zap.Int64("size", f.Size))

	var (
		att      dto.AttachmentResponse
		strategy Strategy
		session  *model.UploadSession
	)
	if f.Size >= o.opts.MultipartThreshold {
		strategy = StrategyMultipart
		att, session, err = o.uploadMultipart(ctl, f, src, log)
		if errors.Is(err, errFallback) {
			strategy = StrategyDirect
			att, err = o.uploadDirect(ctl.ctx, f, src)
		}
	} else {
		strategy = StrategySingle
		att, err = o.uploadSingle(ctl.ctx, f, src, log)
		if errors.Is(err, errFallback) {
			strategy = StrategyDirect
			att, err = o.uploadDirect(ctl.ctx, f, src)
		}
	}

	if err != nil && ctl.ctx.Err() != nil {
		return o.canceled(f, strategy, session)
	}
	if err != nil {
		log.Warn("upload failed", zap.String("strategy", string(strategy)), zap.Error(err))
		return Result{Name: f.Name, Status: StatusFailed, Strategy: strategy, Session: session, Retryable: true, Err: err}
	}
	return Result{Name: f.Name, Status: StatusDone, Strategy: strategy, Attachment: &att, Session: session}
}

func (o *Orchestrator) canceled(f File, strategy Strategy, session *model.UploadSession) Result {
	o.tracker.drop(f.Name)
	return Result{Name: f.Name, Status: StatusCanceled, Strategy: strategy, Session: session, Err: ErrCanceled}
}

var errFallback = errors.New("fall back to direct ingest")

func (o *Orchestrator) uploadSingle(ctx context.Context, f File, src Source, log *zap.Logger) (dto.AttachmentResponse, error) {
	presigned, err := o.api.Presign(ctx, o.opts.ParentID, o.intent(f))
	if err != nil {
		if ctx.Err() != nil {
			return dto.AttachmentResponse{}, err
		}
		log.Info("presign failed, using direct ingest", zap.Error(err))
		return dto.AttachmentResponse{}, errFallback
	}

	headers := presigned.Headers
	if headers == nil {
		headers = map[string]string{"Content-Type": f.MimeType}
	}
	err = o.retry(ctx, func() error {
		body := o.counter(f.Name, io.NewSectionReader(src, 0, f.Size))
		_, err := o.api.PutObject(ctx, presigned.UploadURL, headers, body, f.Size)
		if err != nil {
			body.rollback()
		}
		return err
	})
	if err != nil {
		return dto.AttachmentResponse{}, fmt.Errorf("put %s: %w", f.Name, err)
	}

	return o.record(ctx, f, presigned.Key, presigned.ObjectURL)
}

func (o *Orchestrator) uploadDirect(ctx context.Context, f File, src Source) (dto.AttachmentResponse, error) {
	var att dto.AttachmentResponse
	err := o.retry(ctx, func() error {
		body := o.counter(f.Name, io.NewSectionReader(src, 0, f.Size))
		out, err := o.api.Ingest(ctx, o.opts.ParentID, f.Name, f.MimeType, body)
		if err != nil {
			body.rollback()
			return err
		}
		att = out
		return nil
	})
	if err != nil {
		return att, fmt.Errorf("ingest %s: %w", f.Name, err)
	}
	return att, nil
}

func (o *Orchestrator) uploadMultipart(ctl *control, f File, src Source, log *zap.Logger) (dto.AttachmentResponse, *model.UploadSession, error) {
	ctx := ctl.ctx
	initiated, err := o.api.InitiateMultipart(ctx, o.opts.ParentID, o.intent(f))
	if err != nil {
		if ctx.Err() == nil && apiclient.IsBackendUnavailable(err) {
			log.Info("remote storage unavailable, using direct ingest")
			return dto.AttachmentResponse{}, nil, errFallback
		}
		return dto.AttachmentResponse{}, nil, fmt.Errorf("initiate multipart: %w", err)
	}

	plan := PlanParts(f.Size, o.opts.PartSize)
	session := &model.UploadSession{
		UploadID:  initiated.UploadID,
		ObjectKey: initiated.Key,
		Parts:     make([]model.UploadPart, len(plan)),
	}
	for i, p := range plan {
		session.Parts[i] = model.UploadPart{PartNumber: p.Number, Status: enums.PartIdle}
	}

	completed := make([]dto.CompletedPart, 0, len(plan))
	for i, p := range plan {
		if err := o.wait(ctl); err != nil {
			o.abort(ctx, session, log)
			return dto.AttachmentResponse{}, session, err
		}

		session.Parts[i].Status = enums.PartUploading
		etag, err := o.uploadPart(ctx, f, src, session, p)
		if err != nil {
			session.Parts[i].Status = enums.PartFailed
			o.abort(ctx, session, log)
			return dto.AttachmentResponse{}, session, fmt.Errorf("part %d of %s: %w", p.Number, f.Name, err)
		}
		session.Parts[i].Status = enums.PartDone
		session.Parts[i].ETag = etag
		completed = append(completed, dto.CompletedPart{PartNumber: p.Number, ETag: etag})
	}

	var done dto.CompleteMultipartResponse
	err = o.retry(ctx, func() error {
		out, err := o.api.CompleteMultipart(ctx, o.opts.ParentID, dto.CompleteMultipartRequest{
			Key:      session.ObjectKey,
			UploadID: session.UploadID,
			Parts:    completed,
		})
		done = out
		return err
	})
	if err != nil {
		o.abort(ctx, session, log)
		return dto.AttachmentResponse{}, session, fmt.Errorf("complete multipart: %w", err)
	}

	key := done.Key
	if key == "" {
		key = session.ObjectKey
	}
	att, err := o.record(ctx, f, key, done.ObjectURL)
	return att, session, err
}

func (o *Orchestrator) uploadPart(ctx context.Context, f File, src Source, session *model.UploadSession, p Part) (string, error) {
	var etag string
	err := o.retry(ctx, func() error {
		presigned, err := o.api.PresignPart(ctx, o.opts.ParentID, dto.PresignPartRequest{
			Key:        session.ObjectKey,
			UploadID:   session.UploadID,
			PartNumber: p.Number,
		})
		if err != nil {
			return err
		}

		body := o.counter(f.Name, io.NewSectionReader(src, p.Offset, p.Size))
		tag, err := o.api.PutObject(ctx, presigned.URL, presigned.Headers, body, p.Size)
		if err != nil {
			body.rollback()
			return err
		}
		if tag == "" {
			body.rollback()
			return errors.New("storage returned no etag")
		}
		etag = tag
		return nil
	})
	return etag, err
}

func (o *Orchestrator) record(ctx context.Context, f File, key, objectURL string) (dto.AttachmentResponse, error) {
	var att dto.AttachmentResponse
	err := o.retry(ctx, func() error {
		out, err := o.api.Record(ctx, o.opts.ParentID, dto.RecordRequest{
			Key:          key,
			ObjectURL:    objectURL,
			OriginalName: f.Name,
			Size:         f.Size,
			MimeType:     f.MimeType,
		})
		att = out
		return err
	})
	if err != nil {
		return att, fmt.Errorf("record %s: %w", f.Name, err)
	}
	return att, nil
}

// abort releases the remote multipart session. Best effort, also after the
// file context is cancelled.
func (o *Orchestrator) abort(ctx context.Context, session *model.UploadSession, log *zap.Logger) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := o.api.AbortMultipart(abortCtx, o.opts.ParentID, dto.MultipartSessionRequest{
		Key:      session.ObjectKey,
		UploadID: session.UploadID,
	})
	if err != nil {
		log.Warn("abort multipart failed", zap.String("upload_id", session.UploadID), zap.Error(err))
	}
}

func (o *Orchestrator) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.opts.InitialBackoff
	b.MaxInterval = o.opts.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.opts.Attempts-1)), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !apiclient.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (o *Orchestrator) counter(name string, r io.Reader) *countingReader {
	return &countingReader{r: r, onAdd: func(n int64) { o.tracker.add(name, n) }}
}

func (o *Orchestrator) intent(f File) dto.UploadIntentRequest {
	return dto.UploadIntentRequest{Filename: f.Name, ContentType: f.MimeType, Size: f.Size}
}

func detectMime(f *File) (string, error) {
	src, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer src.Close()

	m, err := mimetype.DetectReader(io.NewSectionReader(src, 0, f.Size))
	if err != nil {
		return "", fmt.Errorf("detect type of %s: %w", f.Name, err)
	}
	return m.String(), nil
}

func normalizeMime(value string) string {
	if i := strings.IndexByte(value, ';'); i >= 0 {
		value = value[:i]
	}
	return strings.ToLower(strings.TrimSpace(value))
}

type control struct {
	ctx    context.Context
	cancel context.CancelFunc

	// slots is the batch pool. held is only touched by the goroutine
	// uploading the file.
	slots *semaphore.Weighted
	held  bool

	mu     sync.Mutex
	paused chan struct{}
}

func (c *control) acquire() error {
	if err := c.slots.Acquire(c.ctx, 1); err != nil {
		return err
	}
	c.held = true
	return nil
}

func (c *control) release() {
	if c.held {
		c.held = false
		c.slots.Release(1)
	}
}

func (c *control) gate() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *control) pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused == nil {
		c.paused = make(chan struct{})
	}
}

func (c *control) resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused != nil {
		close(c.paused)
		c.paused = nil
	}
}

// wait blocks while the file is paused. A paused file gives its pool slot
// to the next queued file and takes a slot again before continuing.
func (o *Orchestrator) wait(c *control) error {
	gate := c.gate()
	if gate == nil {
		return c.ctx.Err()
	}

	c.release()
	o.tracker.setActive(-1)
	select {
	case <-gate:
	case <-c.ctx.Done():
	}
	err := c.ctx.Err()
	if err == nil {
		err = c.acquire()
	}
	o.tracker.setActive(1)
	if err != nil {
		return err
	}
	return o.wait(c)
}
