package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/groupvault/groupvault/internal/gateway"
	"github.com/groupvault/groupvault/internal/metadata"
	"github.com/groupvault/groupvault/pkg/bytesize"
)

// uploadURLRequest accepts filename as the primary field; key and blob
// are tolerated for older clients.
type uploadURLRequest struct {
	Filename string `json:"filename"`
	Key      string `json:"key"`
	Blob     string `json:"blob"`
	MimeType string `json:"mimeType"`
}

// handleUploadURL resolves a final key for the named file and returns a
// write grant for it. The caller PUTs directly to the backend and then
// calls the completion endpoint.
func (s *Server) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	g, ok := s.requireGroup(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	prefix := gateway.NormalizePrefix(g.StoragePrefix)

	var req uploadURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	raw := strings.TrimSpace(req.Filename)
	if raw == "" {
		raw = strings.TrimSpace(req.Key)
	}
	if raw == "" {
		raw = strings.TrimSpace(req.Blob)
	}
	if raw == "" {
		s.jsonError(w, "filename is required", http.StatusBadRequest)
		return
	}

	// A client that echoes the full prefix gets it stripped once so the
	// key is not doubled.
	raw = strings.TrimPrefix(raw, prefix)

	subdir, filename, err := gateway.SplitRelative(raw)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if filename == "" {
		s.jsonError(w, "invalid filename", http.StatusBadRequest)
		return
	}

	keyPrefix := prefix + subdir
	finalName, err := s.namer.UniqueName(r.Context(), keyPrefix, filename)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	key, err := gateway.BuildKey(prefix, subdir+finalName)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	grant, err := s.issuer.UploadGrant(r.Context(), key, req.MimeType, 0)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	log.Info().Str("group", g.ID).Str("key", key).Msg("upload grant issued")
	if s.audit != nil {
		s.audit.LogGrant(s.subject(r), "upload", key, grant.ExpiresAt)
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"key":              grant.Key,
		"resolvedFilename": finalName,
		"uploadUrl":        grant.UploadURL,
		"headers":          grant.Headers,
		"expiresAt":        grant.ExpiresAt,
	})
}

// completeRequest records metadata after a successful direct upload.
type completeRequest struct {
	GroupID   string `json:"groupId"`
	Key       string `json:"key"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mimeType"`
	SizeBytes int64  `json:"sizeBytes"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.GroupID == "" || req.Key == "" {
		s.jsonError(w, "groupId and key are required", http.StatusBadRequest)
		return
	}
	if s.maxUpload > 0 && req.SizeBytes > s.maxUpload {
		s.jsonError(w, fmt.Sprintf("file exceeds the %s upload limit", bytesize.Format(s.maxUpload)), http.StatusBadRequest)
		return
	}

	g, ok := s.requireGroup(w, r, req.GroupID)
	if !ok {
		return
	}

	key, err := gateway.ResolveKey(g.StoragePrefix, req.Key)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	name := req.Filename
	if name == "" {
		name = gateway.Basename(key)
	}

	file, err := s.store.RecordFile(r.Context(), metadata.File{
		GroupID:   g.ID,
		Key:       key,
		Name:      name,
		MimeType:  req.MimeType,
		SizeBytes: req.SizeBytes,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}

	s.notify("uploaded", g.ID, key)
	s.writeJSON(w, http.StatusCreated, file)
}

func (s *Server) handleReadURL(w http.ResponseWriter, r *http.Request) {
	g, ok := s.requireGroup(w, r, r.PathValue("id"))
	if !ok {
		return
	}

	raw := r.URL.Query().Get("key")
	if raw == "" {
		raw = r.URL.Query().Get("blob")
	}
	if raw == "" {
		s.jsonError(w, "key is required", http.StatusBadRequest)
		return
	}

	key, err := gateway.ResolveKey(g.StoragePrefix, raw)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	grant, err := s.issuer.DownloadGrant(r.Context(), key, 0, gateway.Basename(key), "")
	if err != nil {
		s.writeErr(w, err)
		return
	}

	if s.audit != nil {
		s.audit.LogGrant(s.subject(r), "download", key, grant.ExpiresAt)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"url":       grant.URL,
		"expiresAt": grant.ExpiresAt,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	g, ok := s.requireGroup(w, r, r.PathValue("id"))
	if !ok {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	cursor := r.URL.Query().Get("cursor")

	page, err := s.lister.List(r.Context(), g.StoragePrefix, limit, cursor)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	g, ok := s.requireGroup(w, r, r.PathValue("id"))
	if !ok {
		return
	}

	raw := r.URL.Query().Get("key")
	if raw == "" {
		raw = r.URL.Query().Get("blob")
	}
	if raw == "" {
		s.jsonError(w, "key is required", http.StatusBadRequest)
		return
	}

	key, err := gateway.ResolveKey(g.StoragePrefix, raw)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	if err := s.mover.Purge(r.Context(), key); err != nil {
		s.writeErr(w, err)
		return
	}

	if s.audit != nil {
		s.audit.LogLifecycle(s.subject(r), "delete", g.ID, key, "")
	}
	s.notify("deleted", g.ID, key)
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	g, ok := s.requireGroup(w, r, r.PathValue("id"))
	if !ok {
		return
	}

	if err := s.provisioner.EnsureFolder(r.Context(), g.StoragePrefix, map[string]string{"groupid": g.ID}); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleArchive moves a file into the group's archive folder and updates
// its metadata record. Already-archived files are a conflict; the
// metadata check runs before any object is touched.
func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	file, err := s.store.File(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}

	g, ok := s.requireGroup(w, r, file.GroupID)
	if !ok {
		return
	}

	if file.Status != metadata.StatusActive {
		s.writeErr(w, metadata.ErrAlreadyArchived)
		return
	}

	newKey, err := s.mover.Archive(r.Context(), file.Key, g.StoragePrefix)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	updated, err := s.store.MarkArchived(r.Context(), file.ID, newKey)
	if err != nil {
		// The object moved but the record did not. Surface the error;
		// the stale record still points at the old (now deleted) key and
		// needs operator attention.
		log.Error().Err(err).Str("file", file.ID).Str("new_key", newKey).Msg("archive succeeded but metadata update failed")
		s.writeErr(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.ArchivesTotal.Inc()
	}
	if s.audit != nil {
		s.audit.LogLifecycle(s.subject(r), "archive", g.ID, file.Key, newKey)
	}
	s.notify("archived", g.ID, newKey)
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	file, err := s.store.File(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}

	g, ok := s.requireGroup(w, r, file.GroupID)
	if !ok {
		return
	}

	if err := s.mover.Purge(r.Context(), file.Key); err != nil {
		s.writeErr(w, err)
		return
	}

	if err := s.store.DeleteFile(r.Context(), file.ID); err != nil {
		s.writeErr(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.PurgesTotal.Inc()
	}
	if s.audit != nil {
		s.audit.LogLifecycle(s.subject(r), "purge", g.ID, file.Key, "")
	}
	s.notify("purged", g.ID, file.Key)
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
