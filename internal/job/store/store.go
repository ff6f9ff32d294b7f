// Package store persists job records. Implementations are single-writer and
// flush every mutation to stable storage before returning.
package store

import (
	"context"
	"sort"
	"time"

	"github.com/cuongbtq/analysis-orchestrator/internal/job/domain"
)

// Mutation changes a record in place. Returning an error aborts the update.
type Mutation func(rec *domain.Record) error

// Store is the durable identifier -> record mapping
type Store interface {
	// Create inserts rec; domain.ErrDuplicateJob if the identifier exists
	Create(ctx context.Context, rec *domain.Record) error

	// Get returns a copy of the record or domain.ErrNotFound
	Get(ctx context.Context, id string) (*domain.Record, error)

	// Update applies mutate atomically and returns the persisted record
	Update(ctx context.Context, id string, mutate Mutation) (*domain.Record, error)

	// List returns records newest-first by creation time
	List(ctx context.Context, filter ListFilter) ([]*domain.Record, error)

	// Delete removes the record; domain.ErrNotFound if absent
	Delete(ctx context.Context, id string) error

	Close() error
}

// ListFilter narrows List. The zero value returns every record.
type ListFilter struct {
	Status        domain.Status
	CreatedBefore time.Time
	PageSize      int
	Cursor        *Cursor
}

// Cursor is the keyset position after which a page starts
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

// newerFirst orders records by creation time, then identifier, both descending
func newerFirst(a, b *domain.Record) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// before reports whether rec sorts strictly after the cursor position
func (c *Cursor) before(rec *domain.Record) bool {
	if !rec.CreatedAt.Equal(c.CreatedAt) {
		return rec.CreatedAt.Before(c.CreatedAt)
	}
	return rec.ID < c.JobID
}

// applyFilter is the in-memory equivalent of the SQL list query
func applyFilter(records []*domain.Record, filter ListFilter) []*domain.Record {
	out := make([]*domain.Record, 0, len(records))
	for _, rec := range records {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if !filter.CreatedBefore.IsZero() && !rec.CreatedAt.Before(filter.CreatedBefore) {
			continue
		}
		if filter.Cursor != nil && !filter.Cursor.before(rec) {
			continue
		}
		out = append(out, rec.Clone())
	}

	sort.Slice(out, func(i, j int) bool { return newerFirst(out[i], out[j]) })

	if filter.PageSize > 0 && len(out) > filter.PageSize {
		out = out[:filter.PageSize]
	}
	return out
}
