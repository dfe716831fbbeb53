package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/groupvault/groupvault/internal/blob"
)

// MarkerName is the zero-byte object denoting "folder provisioned".
const MarkerName = ".keep"

// legacyMarkerNames are marker spellings from earlier deployments. They
// are never created but must stay invisible in listings.
var legacyMarkerNames = []string{"_folder", "prefix_foldername"}

// IsMarkerKey reports whether key is a folder marker, current or legacy.
func IsMarkerKey(key string) bool {
	base := Basename(key)
	if base == MarkerName {
		return true
	}
	for _, name := range legacyMarkerNames {
		if base == name {
			return true
		}
	}
	return false
}

// Provisioner creates group folders idempotently.
type Provisioner struct {
	backend blob.Client
}

// NewProvisioner creates a Provisioner over a backend.
func NewProvisioner(backend blob.Client) *Provisioner {
	return &Provisioner{backend: backend}
}

// EnsureFolder creates the folder marker at prefix. An already-existing
// marker is success, so retries and duplicate provisioning calls (for
// example from a backfill job) are safe. Any other backend error
// propagates.
func (p *Provisioner) EnsureFolder(ctx context.Context, prefix string, extraMeta map[string]string) error {
	prefix = NormalizePrefix(prefix)
	markerKey := prefix + MarkerName

	meta := map[string]string{
		"purpose":   "folder-marker",
		"createdat": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range extraMeta {
		meta[k] = v
	}

	err := p.backend.Upload(ctx, markerKey, nil, "text/plain", meta, true)
	if errors.Is(err, blob.ErrAlreadyExists) {
		log.Debug().Str("marker", markerKey).Msg("folder marker already exists")
		return nil
	}
	if err != nil {
		log.Error().Err(err).Str("marker", markerKey).Msg("folder marker creation failed")
		return classify(err)
	}

	log.Info().Str("marker", markerKey).Msg("folder marker created")
	return nil
}
