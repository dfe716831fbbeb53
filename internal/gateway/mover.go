package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/groupvault/groupvault/internal/blob"
)

// ArchiveFolder is the sub-prefix archived objects move under.
const ArchiveFolder = "archived/"

// copySourceTTL bounds the read grant minted for the copy source.
const copySourceTTL = 300 * time.Second

// purgeConcurrency bounds parallel deletes during a prefix purge.
const purgeConcurrency = 8

// Mover implements the archive and purge lifecycle transitions. Archive
// is copy-then-delete: the original is removed only after the copy is
// confirmed, so the system is never left with neither key present.
type Mover struct {
	backend      blob.Client
	grants       *Issuer
	pollInterval time.Duration
	copyTimeout  time.Duration
	now          func() time.Time
}

// NewMover creates a Mover. grants supplies the read credential for the
// server-side copy source.
func NewMover(backend blob.Client, grants *Issuer) *Mover {
	return &Mover{
		backend:      backend,
		grants:       grants,
		pollInterval: 500 * time.Millisecond,
		copyTimeout:  2 * time.Minute,
		now:          time.Now,
	}
}

// ArchiveKey computes the destination key for an archived object:
// prefix + "archived/" + YYYY/MM/DD + "/" + basename. The date is the
// archival date (UTC), not the original upload date.
func ArchiveKey(groupPrefix, oldKey string, now time.Time) string {
	d := now.UTC()
	return fmt.Sprintf("%s%s%04d/%02d/%02d/%s",
		NormalizePrefix(groupPrefix), ArchiveFolder, d.Year(), d.Month(), d.Day(), Basename(oldKey))
}

// Archive moves oldKey into the group's archive folder and returns the
// new key. Steps: mint a read grant on the old key, server-side copy to
// the new key, poll to completion, delete the old key. A failed delete
// leaves the object at both keys: that duplication is logged for
// out-of-band cleanup rather than rolled back, since deleting the fresh
// copy risks data loss when the failure was transient.
func (m *Mover) Archive(ctx context.Context, oldKey, groupPrefix string) (string, error) {
	prefix := NormalizePrefix(groupPrefix)
	if !strings.HasPrefix(oldKey, prefix) {
		return "", fmt.Errorf("%w: key %q not under prefix", ErrInvalidPath, oldKey)
	}

	newKey := ArchiveKey(prefix, oldKey, m.now())

	srcGrant, err := m.grants.DownloadGrant(ctx, oldKey, copySourceTTL, "", "")
	if err != nil {
		return "", err
	}

	result, err := m.backend.CopyFromURL(ctx, newKey, srcGrant.URL)
	if err != nil {
		return "", classify(err)
	}

	state := result.State
	deadline := m.now().Add(m.copyTimeout)
	for !state.Terminal() {
		if m.now().After(deadline) {
			return "", fmt.Errorf("%w: copy to %q still pending after %s", blob.ErrCopyFailed, newKey, m.copyTimeout)
		}
		select {
		case <-time.After(m.pollInterval):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		state, err = m.backend.CopyState(ctx, newKey)
		if err != nil {
			return "", classify(err)
		}
	}
	if state != blob.CopySuccess {
		return "", classify(fmt.Errorf("%w: state %q for %q", blob.ErrCopyFailed, state, newKey))
	}

	if err := m.backend.Delete(ctx, oldKey); err != nil && !errors.Is(err, blob.ErrNotFound) {
		// Both keys now hold the object. Operator-visible; cleaned up
		// out-of-band.
		log.Error().Err(err).
			Str("old_key", oldKey).
			Str("new_key", newKey).
			Msg("archive copy succeeded but source delete failed; object exists at both keys")
		return "", classify(err)
	}

	log.Info().Str("old_key", oldKey).Str("new_key", newKey).Msg("object archived")
	return newKey, nil
}

// Purge hard-deletes a key. An already-absent key is success.
func (m *Mover) Purge(ctx context.Context, key string) error {
	err := m.backend.Delete(ctx, key)
	if err != nil && !errors.Is(err, blob.ErrNotFound) {
		return classify(err)
	}
	log.Info().Str("key", key).Msg("object purged")
	return nil
}

// PurgePrefix deletes every object under prefix, markers included. Used
// when a group is removed. Deletes within a page run concurrently;
// already-absent keys are tolerated.
func (m *Mover) PurgePrefix(ctx context.Context, prefix string) error {
	prefix = NormalizePrefix(prefix)

	marker := ""
	for {
		page, err := m.backend.List(ctx, prefix, 200, marker)
		if err != nil {
			return classify(err)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(purgeConcurrency)
		for _, obj := range page.Objects {
			g.Go(func() error {
				if err := m.backend.Delete(gctx, obj.Key); err != nil && !errors.Is(err, blob.ErrNotFound) {
					return err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return classify(err)
		}

		if page.NextMarker == "" {
			return nil
		}
		marker = page.NextMarker
	}
}
