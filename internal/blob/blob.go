// Package blob defines the storage backend contract used by the gateway.
//
// A Client talks to a single container in a remote blob store. All calls
// are blocking I/O and honor context cancellation; implementations must
// apply their own request timeouts on top of the caller's context.
package blob

import (
	"context"
	"time"
)

// ObjectInfo describes a single stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// Page is one page of a prefix listing. NextMarker is an opaque
// continuation token; empty means the listing is exhausted.
type Page struct {
	Objects    []ObjectInfo
	NextMarker string
}

// CopyState reports the progress of a server-side copy.
type CopyState string

const (
	CopyPending CopyState = "pending"
	CopySuccess CopyState = "success"
	CopyFailed  CopyState = "failed"
	CopyAborted CopyState = "aborted"
)

// Terminal reports whether the copy has finished, successfully or not.
func (s CopyState) Terminal() bool {
	return s == CopySuccess || s == CopyFailed || s == CopyAborted
}

// CopyResult is returned when a server-side copy is initiated.
type CopyResult struct {
	ID    string
	State CopyState
}

// DownloadOptions carry optional response-header overrides baked into a
// signed download URL.
type DownloadOptions struct {
	// Filename, when set, produces an attachment content-disposition so
	// browsers save the file under a human name instead of the opaque key.
	Filename string
	// ContentType overrides the response content type.
	ContentType string
}

// Client is the backend interface the gateway operates against.
type Client interface {
	// Exists probes whether an object is present at key.
	Exists(ctx context.Context, key string) (bool, error)

	// Upload writes a whole object server-side. Used for small control
	// objects such as folder markers; bulk data flows through signed URLs.
	// Returns ErrAlreadyExists when ifNoneMatch is set and the key is taken.
	Upload(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string, ifNoneMatch bool) error

	// Delete removes an object. Returns ErrNotFound if the key is absent;
	// callers that want idempotent deletes swallow that error.
	Delete(ctx context.Context, key string) error

	// List returns one page of objects whose key starts with prefix.
	List(ctx context.Context, prefix string, maxResults int, marker string) (Page, error)

	// CopyFromURL starts a server-side copy of srcURL into dstKey and
	// returns the initial state. The copy may complete asynchronously;
	// poll with CopyState until the state is terminal.
	CopyFromURL(ctx context.Context, dstKey, srcURL string) (CopyResult, error)

	// CopyState reports the state of the most recent copy into dstKey.
	CopyState(ctx context.Context, dstKey string) (CopyState, error)

	// PresignUpload mints a URL granting create+write on exactly key,
	// valid over [start, expiry], plus the headers the client must echo
	// on its PUT.
	PresignUpload(ctx context.Context, key, contentType string, start, expiry time.Time) (url string, headers map[string]string, err error)

	// PresignDownload mints a read-only URL for exactly key, valid over
	// [start, expiry].
	PresignDownload(ctx context.Context, key string, start, expiry time.Time, opts DownloadOptions) (string, error)
}
