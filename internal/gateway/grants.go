package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/groupvault/groupvault/internal/blob"
)

// ClockSkewWindow back-dates every grant so moderate clock drift between
// the issuer and the backend does not reject freshly minted URLs.
const ClockSkewWindow = 60 * time.Second

// TTL bounds. Grants have no revocation, so the ceiling keeps the blast
// radius of a leaked URL bounded.
const (
	MinGrantTTL = 60 * time.Second
	MaxGrantTTL = time.Hour

	DefaultUploadTTL   = 600 * time.Second
	DefaultDownloadTTL = 300 * time.Second
)

// presignRetries and presignRetryBase bound the retry loop around
// credential acquisition. A still-failing call surfaces to the caller
// within the request cycle rather than hanging.
const (
	presignRetries   = 3
	presignRetryBase = 100 * time.Millisecond
)

// UploadGrant is a bearer credential for one PUT to one key. Ephemeral:
// never persisted, never reused, never extended.
type UploadGrant struct {
	Key       string            `json:"key"`
	UploadURL string            `json:"uploadUrl"`
	Headers   map[string]string `json:"headers"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// DownloadGrant is a read-only bearer credential for one key.
type DownloadGrant struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Issuer mints time-bounded, key-scoped grants. Every call produces a
// fresh grant; no state survives the request.
type Issuer struct {
	backend     blob.Client
	uploadTTL   time.Duration
	downloadTTL time.Duration
	metrics     *Metrics
	now         func() time.Time
}

// NewIssuer creates an Issuer. Zero TTLs fall back to the defaults.
func NewIssuer(backend blob.Client, uploadTTL, downloadTTL time.Duration, metrics *Metrics) *Issuer {
	if uploadTTL == 0 {
		uploadTTL = DefaultUploadTTL
	}
	if downloadTTL == 0 {
		downloadTTL = DefaultDownloadTTL
	}
	return &Issuer{
		backend:     backend,
		uploadTTL:   uploadTTL,
		downloadTTL: downloadTTL,
		metrics:     metrics,
		now:         time.Now,
	}
}

// clampTTL applies the issuer bounds; zero selects fallback.
func clampTTL(ttl, fallback time.Duration) time.Duration {
	if ttl == 0 {
		ttl = fallback
	}
	if ttl < MinGrantTTL {
		return MinGrantTTL
	}
	if ttl > MaxGrantTTL {
		return MaxGrantTTL
	}
	return ttl
}

// withRetry runs fn up to presignRetries times, backing off between
// attempts. Only backend-unavailable failures are retried.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < presignRetries; attempt++ {
		if err = fn(); err == nil || !errors.Is(err, blob.ErrUnavailable) {
			return err
		}
		delay := presignRetryBase << attempt
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// UploadGrant mints a write grant scoped to exactly key. The mimeType,
// when set, is returned in the headers the uploader must echo.
func (i *Issuer) UploadGrant(ctx context.Context, key, mimeType string, ttl time.Duration) (UploadGrant, error) {
	ttl = clampTTL(ttl, i.uploadTTL)
	now := i.now()
	start := now.Add(-ClockSkewWindow)
	expiry := now.Add(ttl)

	var (
		url     string
		headers map[string]string
	)
	err := withRetry(ctx, func() error {
		var err error
		url, headers, err = i.backend.PresignUpload(ctx, key, mimeType, start, expiry)
		return err
	})
	if err != nil {
		return UploadGrant{}, classify(err)
	}

	if i.metrics != nil {
		i.metrics.RecordGrant("upload")
	}
	return UploadGrant{
		Key:       key,
		UploadURL: url,
		Headers:   headers,
		ExpiresAt: expiry,
	}, nil
}

// DownloadGrant mints a read-only grant scoped to exactly key. The
// filename, when set, becomes a content-disposition hint so browsers
// save under a human name instead of the opaque key.
func (i *Issuer) DownloadGrant(ctx context.Context, key string, ttl time.Duration, filename, mimeType string) (DownloadGrant, error) {
	ttl = clampTTL(ttl, i.downloadTTL)
	now := i.now()
	start := now.Add(-ClockSkewWindow)
	expiry := now.Add(ttl)

	var url string
	err := withRetry(ctx, func() error {
		var err error
		url, err = i.backend.PresignDownload(ctx, key, start, expiry, blob.DownloadOptions{
			Filename:    filename,
			ContentType: mimeType,
		})
		return err
	})
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("download grant failed")
		return DownloadGrant{}, classify(err)
	}

	if i.metrics != nil {
		i.metrics.RecordGrant("download")
	}
	return DownloadGrant{URL: url, ExpiresAt: expiry}, nil
}
