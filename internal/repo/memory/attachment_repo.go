package memory

import (
	"context"
	"sync"

	"github.com/ivankudzin/attachvault/internal/domain/model"
	attachsvc "github.com/ivankudzin/attachvault/internal/services/attachments"
)

// AttachmentRepo is a process-local registry.
//
// The mutex only protects the maps. There are no cross-call transactions, so
// two requests doing read-modify-write on the same parent resolve as
// last-write-wins. Use the postgres registry when API and workers run as
// separate processes.
type AttachmentRepo struct {
	mu      sync.Mutex
	parents map[int64]*parentEntry
}

type parentEntry struct {
	lastID int64
	items  []model.Attachment
}

func NewAttachmentRepo() *AttachmentRepo {
	return &AttachmentRepo{parents: map[int64]*parentEntry{}}
}

func (r *AttachmentRepo) Create(_ context.Context, a model.Attachment) (model.Attachment, error) {
	if a.ParentID <= 0 {
		return model.Attachment{}, attachsvc.ErrValidation
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.parents[a.ParentID]
	if entry == nil {
		entry = &parentEntry{}
		r.parents[a.ParentID] = entry
	}
	if entry.locate(a.Location) >= 0 {
		return model.Attachment{}, attachsvc.ErrDuplicateLocation
	}

	// ids are never reused, even after deletes
	entry.lastID++
	a.ID = entry.lastID
	if a.Thumbnail.State == "" {
		a.Thumbnail = model.ThumbnailNone()
	}
	entry.items = append(entry.items, a)

	return a, nil
}

func (r *AttachmentRepo) List(_ context.Context, parentID int64) ([]model.Attachment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.parents[parentID]
	if entry == nil {
		return []model.Attachment{}, nil
	}
	out := make([]model.Attachment, len(entry.items))
	copy(out, entry.items)
	return out, nil
}

func (r *AttachmentRepo) Get(_ context.Context, parentID, attachmentID int64) (model.Attachment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, idx := r.find(parentID, attachmentID)
	if idx < 0 {
		return model.Attachment{}, attachsvc.ErrNotFound
	}
	return r.parents[parentID].items[idx], nil
}

func (r *AttachmentRepo) FindByLocation(_ context.Context, parentID int64, location string) (model.Attachment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.parents[parentID]
	if entry == nil {
		return model.Attachment{}, attachsvc.ErrNotFound
	}
	idx := entry.locate(location)
	if idx < 0 {
		return model.Attachment{}, attachsvc.ErrNotFound
	}
	return entry.items[idx], nil
}

func (r *AttachmentRepo) Delete(_ context.Context, parentID, attachmentID int64) (model.Attachment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, idx := r.find(parentID, attachmentID)
	if idx < 0 {
		return model.Attachment{}, attachsvc.ErrNotFound
	}
	removed := entry.items[idx]
	entry.items = append(entry.items[:idx], entry.items[idx+1:]...)
	return removed, nil
}

func (r *AttachmentRepo) SetThumbnail(_ context.Context, parentID, attachmentID int64, thumb model.Thumbnail) (model.Attachment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, idx := r.find(parentID, attachmentID)
	if idx < 0 {
		return model.Attachment{}, attachsvc.ErrNotFound
	}
	current := entry.items[idx]
	if !current.Thumbnail.CanTransition(thumb.State) {
		return current, attachsvc.ErrThumbnailTransition
	}
	current.Thumbnail = thumb
	entry.items[idx] = current
	return current, nil
}

func (r *AttachmentRepo) find(parentID, attachmentID int64) (*parentEntry, int) {
	entry := r.parents[parentID]
	if entry == nil {
		return nil, -1
	}
	for i := range entry.items {
		if entry.items[i].ID == attachmentID {
			return entry, i
		}
	}
	return entry, -1
}

func (e *parentEntry) locate(location string) int {
	if location == "" {
		return -1
	}
	for i := range e.items {
		if e.items[i].Location == location {
			return i
		}
	}
	return -1
}

var _ attachsvc.Registry = (*AttachmentRepo)(nil)
