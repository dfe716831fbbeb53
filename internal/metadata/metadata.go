// Package metadata defines the external metadata collaborator: the
// store holding group and file records. The gateway consults it for a
// group's logical prefix and a file's lifecycle status only; it is
// never part of a containment decision.
package metadata

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
)

// FileStatus is the lifecycle state of a stored file.
type FileStatus string

const (
	StatusActive   FileStatus = "ACTIVE"
	StatusArchived FileStatus = "ARCHIVED"
	StatusPurged   FileStatus = "PURGED"
)

// Group is a provisioned group with its immutable storage prefix.
type Group struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	StoragePrefix string `json:"storagePrefix"`
}

// File is the metadata record of one uploaded object.
type File struct {
	ID        string     `json:"id"`
	GroupID   string     `json:"groupId"`
	Key       string     `json:"key"`
	Name      string     `json:"name"`
	MimeType  string     `json:"mimeType,omitempty"`
	SizeBytes int64      `json:"sizeBytes,omitempty"`
	Status    FileStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Store error types.
var (
	ErrGroupNotFound   = fmt.Errorf("%w: group not found", errdefs.ErrNotFound)
	ErrFileNotFound    = fmt.Errorf("%w: file not found", errdefs.ErrNotFound)
	ErrAlreadyArchived = fmt.Errorf("%w: file already archived", errdefs.ErrConflict)
)

// Store is the metadata contract the gateway depends on. Backed by the
// deployment's relational database; the in-memory implementation exists
// for tests and single-node development.
type Store interface {
	// Group returns a group by ID.
	Group(ctx context.Context, groupID string) (Group, error)
	// ListGroups returns all groups, for backfill jobs.
	ListGroups(ctx context.Context) ([]Group, error)

	// RecordFile inserts a new ACTIVE file record after upload completion.
	RecordFile(ctx context.Context, f File) (File, error)
	// File returns a file record by ID.
	File(ctx context.Context, fileID string) (File, error)
	// MarkArchived transitions a file to ARCHIVED and rewrites its key.
	// Returns ErrAlreadyArchived if the file is not ACTIVE.
	MarkArchived(ctx context.Context, fileID, newKey string) (File, error)
	// DeleteFile removes a file record after its object is purged.
	DeleteFile(ctx context.Context, fileID string) error
}
