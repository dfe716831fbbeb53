package gateway

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/groupvault/groupvault/internal/blob"
)

// Gateway error types. They carry an errdefs class so the API layer can
// derive HTTP status codes without inspecting backend internals.
var (
	// ErrInvalidPath reports caller input that resolves outside the
	// group's storage prefix, or cannot form a valid key at all.
	ErrInvalidPath = fmt.Errorf("%w: path escapes group scope", errdefs.ErrInvalidArgument)

	// ErrBackendUnavailable reports a failed credential or service call.
	// Safe for the caller to retry.
	ErrBackendUnavailable = fmt.Errorf("%w: storage backend unavailable", errdefs.ErrUnavailable)
)

// classify maps backend errors onto the errdefs taxonomy. Errors that
// are already classified pass through unchanged.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsInvalidArgument(err), errdefs.IsNotFound(err),
		errdefs.IsConflict(err), errdefs.IsUnavailable(err),
		errdefs.IsPermissionDenied(err):
		return err
	case errors.Is(err, blob.ErrNotFound):
		return fmt.Errorf("%w: %w", errdefs.ErrNotFound, err)
	case errors.Is(err, blob.ErrAlreadyExists):
		return fmt.Errorf("%w: %w", errdefs.ErrConflict, err)
	case errors.Is(err, blob.ErrAccessDenied):
		// Server-side credential issuance means this should not happen;
		// when it does the deployment is misconfigured.
		return fmt.Errorf("%w: %w", errdefs.ErrPermissionDenied, err)
	case errors.Is(err, blob.ErrUnavailable), errors.Is(err, blob.ErrCopyFailed):
		return fmt.Errorf("%w: %w", errdefs.ErrUnavailable, err)
	default:
		return fmt.Errorf("%w: %w", errdefs.ErrUnknown, err)
	}
}
