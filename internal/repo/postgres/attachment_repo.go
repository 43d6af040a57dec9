package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ivankudzin/attachvault/internal/domain/enums"
	"github.com/ivankudzin/attachvault/internal/domain/model"
	attachsvc "github.com/ivankudzin/attachvault/internal/services/attachments"
)

// AttachmentRepo is the durable registry shared by API and worker processes.
type AttachmentRepo struct {
	pool *pgxpool.Pool
}

func NewAttachmentRepo(pool *pgxpool.Pool) *AttachmentRepo {
	return &AttachmentRepo{pool: pool}
}

const attachmentColumns = `
parent_id, id, original_name, location, size_bytes, mime_type, backend, url, uploaded_at,
thumb_state, COALESCE(thumb_location, ''), COALESCE(thumb_backend, '')`

const uniqueViolation = "23505"

func (r *AttachmentRepo) Create(ctx context.Context, a model.Attachment) (model.Attachment, error) {
	if a.ParentID <= 0 {
		return model.Attachment{}, attachsvc.ErrValidation
	}
	if a.Thumbnail.State == "" {
		a.Thumbnail = model.ThumbnailNone()
	}

	var out model.Attachment
	err := withTx(ctx, r.pool, txReadCommitted, func(tx pgx.Tx) error {
		// the counter row survives deletes, so ids are never handed out twice
		var id int64
		if err := tx.QueryRow(ctx, `
INSERT INTO attachment_counters (parent_id, last_id)
VALUES ($1, 1)
ON CONFLICT (parent_id) DO UPDATE SET last_id = attachment_counters.last_id + 1
RETURNING last_id
`, a.ParentID).Scan(&id); err != nil {
			return fmt.Errorf("allocate attachment id: %w", err)
		}

		row := tx.QueryRow(ctx, `
INSERT INTO attachments (
    parent_id, id, original_name, location, size_bytes, mime_type, backend, url, uploaded_at,
    thumb_state, thumb_location, thumb_backend
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), NULLIF($12, ''))
RETURNING `+attachmentColumns,
			a.ParentID, id, a.OriginalName, a.Location, a.SizeBytes, a.MimeType, string(a.Backend), a.URL, a.UploadedAt,
			string(a.Thumbnail.State), a.Thumbnail.Location, string(a.Thumbnail.Backend),
		)
		var err error
		out, err = scanAttachment(row)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return attachsvc.ErrDuplicateLocation
			}
			return fmt.Errorf("insert attachment: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Attachment{}, err
	}

	return out, nil
}

func (r *AttachmentRepo) List(ctx context.Context, parentID int64) ([]model.Attachment, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}

	rows, err := r.pool.Query(ctx, `
SELECT `+attachmentColumns+`
FROM attachments
WHERE parent_id = $1
ORDER BY id ASC
`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	items := make([]model.Attachment, 0)
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}

	return items, nil
}

func (r *AttachmentRepo) Get(ctx context.Context, parentID, attachmentID int64) (model.Attachment, error) {
	if r.pool == nil {
		return model.Attachment{}, fmt.Errorf("postgres pool is nil")
	}

	a, err := scanAttachment(r.pool.QueryRow(ctx, `
SELECT `+attachmentColumns+`
FROM attachments
WHERE parent_id = $1 AND id = $2
`, parentID, attachmentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Attachment{}, attachsvc.ErrNotFound
		}
		return model.Attachment{}, fmt.Errorf("get attachment: %w", err)
	}
	return a, nil
}

func (r *AttachmentRepo) FindByLocation(ctx context.Context, parentID int64, location string) (model.Attachment, error) {
	if r.pool == nil {
		return model.Attachment{}, fmt.Errorf("postgres pool is nil")
	}

	a, err := scanAttachment(r.pool.QueryRow(ctx, `
SELECT `+attachmentColumns+`
FROM attachments
WHERE parent_id = $1 AND location = $2
`, parentID, location))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Attachment{}, attachsvc.ErrNotFound
		}
		return model.Attachment{}, fmt.Errorf("find attachment by location: %w", err)
	}
	return a, nil
}

func (r *AttachmentRepo) Delete(ctx context.Context, parentID, attachmentID int64) (model.Attachment, error) {
	if r.pool == nil {
		return model.Attachment{}, fmt.Errorf("postgres pool is nil")
	}

	a, err := scanAttachment(r.pool.QueryRow(ctx, `
DELETE FROM attachments
WHERE parent_id = $1 AND id = $2
RETURNING `+attachmentColumns,
		parentID, attachmentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Attachment{}, attachsvc.ErrNotFound
		}
		return model.Attachment{}, fmt.Errorf("delete attachment: %w", err)
	}
	return a, nil
}

func (r *AttachmentRepo) SetThumbnail(ctx context.Context, parentID, attachmentID int64, thumb model.Thumbnail) (model.Attachment, error) {
	var out model.Attachment
	err := withTx(ctx, r.pool, txReadCommitted, func(tx pgx.Tx) error {
		current, err := scanAttachment(tx.QueryRow(ctx, `
SELECT `+attachmentColumns+`
FROM attachments
WHERE parent_id = $1 AND id = $2
FOR UPDATE
`, parentID, attachmentID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return attachsvc.ErrNotFound
			}
			return fmt.Errorf("lock attachment: %w", err)
		}
		if !current.Thumbnail.CanTransition(thumb.State) {
			out = current
			return attachsvc.ErrThumbnailTransition
		}

		out, err = scanAttachment(tx.QueryRow(ctx, `
UPDATE attachments
SET thumb_state = $3, thumb_location = NULLIF($4, ''), thumb_backend = NULLIF($5, '')
WHERE parent_id = $1 AND id = $2
RETURNING `+attachmentColumns,
			parentID, attachmentID, string(thumb.State), thumb.Location, string(thumb.Backend)))
		if err != nil {
			return fmt.Errorf("update thumbnail state: %w", err)
		}
		return nil
	})
	if err != nil {
		return out, err
	}
	return out, nil
}

func scanAttachment(row pgx.Row) (model.Attachment, error) {
	var a model.Attachment
	var backend, state, thumbBackend string
	err := row.Scan(
		&a.ParentID, &a.ID, &a.OriginalName, &a.Location, &a.SizeBytes, &a.MimeType, &backend, &a.URL, &a.UploadedAt,
		&state, &a.Thumbnail.Location, &thumbBackend,
	)
	if err != nil {
		return model.Attachment{}, err
	}
	a.Backend = enums.StorageBackend(backend)
	a.Thumbnail.State = enums.ThumbnailState(state)
	a.Thumbnail.Backend = enums.StorageBackend(thumbBackend)
	a.UploadedAt = a.UploadedAt.UTC()
	return a, nil
}

var _ attachsvc.Registry = (*AttachmentRepo)(nil)
