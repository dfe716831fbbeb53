package gateway

import (
	"context"
	"time"

	"github.com/groupvault/groupvault/internal/blob"
)

// Listing limits, matching what the UI can sensibly render.
const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Entry is one listed object, with the key relativized for display.
type Entry struct {
	Key          string    `json:"key"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// ListPage is one page of entries. NextCursor is the backend's opaque
// continuation token; page sizes are not exact since marker objects are
// filtered after the backend pages.
type ListPage struct {
	Items      []Entry `json:"items"`
	NextCursor string  `json:"nextCursor,omitempty"`
}

// Lister enumerates a group's objects.
type Lister struct {
	backend blob.Client
}

// NewLister creates a Lister over a backend.
func NewLister(backend blob.Client) *Lister {
	return &Lister{backend: backend}
}

// List returns one page of objects under prefix, excluding folder
// markers. cursor is the NextCursor of a previous page, or empty.
func (l *Lister) List(ctx context.Context, prefix string, limit int, cursor string) (ListPage, error) {
	prefix = NormalizePrefix(prefix)
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	page, err := l.backend.List(ctx, prefix, limit, cursor)
	if err != nil {
		return ListPage{}, classify(err)
	}

	out := ListPage{NextCursor: page.NextMarker, Items: []Entry{}}
	for _, obj := range page.Objects {
		if IsMarkerKey(obj.Key) {
			continue
		}
		out.Items = append(out.Items, Entry{
			Key:          obj.Key,
			Name:         RelativeName(prefix, obj.Key),
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	return out, nil
}
