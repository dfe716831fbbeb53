// Package gateway implements the scoped object-storage gateway: key
// construction and containment, collision-free naming, grant issuance,
// folder provisioning, archive/purge transitions, and prefix listing.
//
// Every key the gateway operates on is contained under exactly one
// group prefix. Containment is enforced from the key/prefix strings
// alone; the metadata store is never consulted for security decisions.
package gateway

import (
	"fmt"
	"strings"
)

// reservedSegmentChars are stripped from individual path segments.
// Segments are sanitized one at a time so legitimate subdirectories
// survive while separator smuggling inside a segment does not.
const reservedSegmentChars = `/\:*?"<>|`

// NormalizePrefix returns prefix with exactly one trailing slash and no
// leading slashes.
func NormalizePrefix(prefix string) string {
	p := strings.TrimLeft(prefix, "/")
	p = strings.TrimRight(p, "/")
	return p + "/"
}

// BuildGroupPrefix derives the storage prefix for a group. The group ID
// is reduced to filesystem-safe characters before use; prefixes are
// created once per group and never reused.
func BuildGroupPrefix(groupID string) string {
	var b strings.Builder
	for _, r := range groupID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return "groups/" + b.String() + "/"
}

// sanitizeSegment removes reserved characters from a single segment and
// trims surrounding whitespace.
func sanitizeSegment(seg string) string {
	var b strings.Builder
	for _, r := range seg {
		if !strings.ContainsRune(reservedSegmentChars, r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// SanitizeFilename keeps only the last path segment of name and strips
// reserved characters from it.
func SanitizeFilename(name string) string {
	last := name
	if idx := strings.LastIndexAny(name, `/\`); idx >= 0 {
		last = name[idx+1:]
	}
	return sanitizeSegment(last)
}

// SplitRelative sanitizes a caller-supplied relative path into a subdir
// (empty or slash-terminated) and a filename.
func SplitRelative(raw string) (subdir, filename string, err error) {
	cleaned := strings.ReplaceAll(raw, `\`, "/")
	parts := strings.Split(cleaned, "/")

	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		if p == ".." || p == "." {
			return "", "", fmt.Errorf("%w: segment %q", ErrInvalidPath, p)
		}
		if s := sanitizeSegment(p); s != "" {
			segs = append(segs, s)
		}
	}
	if len(segs) == 0 {
		return "", "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}

	filename = segs[len(segs)-1]
	if len(segs) > 1 {
		subdir = strings.Join(segs[:len(segs)-1], "/") + "/"
	}
	return subdir, filename, nil
}

// BuildKey builds a fully qualified object key from a group prefix and
// caller-supplied relative path. A single leading slash is tolerated;
// traversal segments and absolute paths are rejected. The final
// containment check runs last, after all sanitization, and is the
// authoritative security gate.
func BuildKey(prefix, raw string) (string, error) {
	p := NormalizePrefix(prefix)

	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "/")
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.HasPrefix(trimmed, "/") || strings.HasPrefix(trimmed, `\`) {
		return "", fmt.Errorf("%w: absolute path", ErrInvalidPath)
	}

	subdir, filename, err := SplitRelative(trimmed)
	if err != nil {
		return "", err
	}
	if filename == "" {
		return "", fmt.Errorf("%w: empty filename after sanitization", ErrInvalidPath)
	}

	key := p + subdir + filename
	if !strings.HasPrefix(key, p) {
		return "", ErrInvalidPath
	}
	return key, nil
}

// ResolveKey normalizes a caller-supplied key that may be either
// relative to the group prefix or already fully qualified, and asserts
// containment. Used on the read and delete paths where the key refers
// to an existing object and must not be rewritten.
func ResolveKey(prefix, raw string) (string, error) {
	p := NormalizePrefix(prefix)

	trimmed := strings.TrimLeft(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return "", fmt.Errorf("%w: key is required", ErrInvalidPath)
	}
	if strings.Contains(trimmed, "..") {
		return "", fmt.Errorf("%w: traversal segment", ErrInvalidPath)
	}

	key := trimmed
	if !strings.HasPrefix(key, p) {
		key = p + key
	}
	if !strings.HasPrefix(key, p) {
		return "", ErrInvalidPath
	}
	return key, nil
}

// Basename returns the final segment of a key.
func Basename(key string) string {
	if idx := strings.LastIndex(key, "/"); idx >= 0 {
		return key[idx+1:]
	}
	return key
}

// RelativeName returns key with the group prefix removed, for display.
func RelativeName(prefix, key string) string {
	return strings.TrimPrefix(key, NormalizePrefix(prefix))
}
