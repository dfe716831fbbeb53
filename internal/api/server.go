// Package api exposes the gateway over HTTP: grant issuance, upload
// completion, listing, delete, archive/purge, provisioning, and a
// websocket event feed.
package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/groupvault/groupvault/internal/auth"
	"github.com/groupvault/groupvault/internal/gateway"
	"github.com/groupvault/groupvault/internal/logging/audit"
	"github.com/groupvault/groupvault/internal/metadata"
)

// Options wire a Server to its collaborators.
type Options struct {
	Verifier    *auth.Verifier
	Store       metadata.Store
	Issuer      *gateway.Issuer
	Namer       *gateway.Namer
	Provisioner *gateway.Provisioner
	Mover       *gateway.Mover
	Lister      *gateway.Lister
	Metrics     *gateway.Metrics

	// RateLimit enables the per-caller sliding-window limiter when > 0
	// (requests per minute).
	RateLimit int

	// MaxUploadBytes rejects upload completions declaring a larger
	// size. Zero means no cap.
	MaxUploadBytes int64

	// Audit receives security-relevant events. Optional.
	Audit *audit.Logger
}

// Server is the gateway HTTP server.
type Server struct {
	mux         *http.ServeMux
	verifier    *auth.Verifier
	store       metadata.Store
	issuer      *gateway.Issuer
	namer       *gateway.Namer
	provisioner *gateway.Provisioner
	mover       *gateway.Mover
	lister      *gateway.Lister
	metrics     *gateway.Metrics
	events      *eventHub
	limiter     *rateLimiter
	maxUpload   int64
	audit       *audit.Logger
}

// NewServer creates a Server and registers its routes.
func NewServer(opts Options) *Server {
	s := &Server{
		mux:         http.NewServeMux(),
		verifier:    opts.Verifier,
		store:       opts.Store,
		issuer:      opts.Issuer,
		namer:       opts.Namer,
		provisioner: opts.Provisioner,
		mover:       opts.Mover,
		lister:      opts.Lister,
		metrics:     opts.Metrics,
		events:      newEventHub(),
		maxUpload:   opts.MaxUploadBytes,
		audit:       opts.Audit,
	}
	if opts.RateLimit > 0 {
		s.limiter = newRateLimiter(opts.RateLimit, time.Minute)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("POST /api/v1/groups/{id}/files/upload-url", s.instrument("UploadURL", s.withAuth(s.handleUploadURL)))
	s.mux.HandleFunc("GET /api/v1/groups/{id}/files/read-url", s.instrument("ReadURL", s.withAuth(s.handleReadURL)))
	s.mux.HandleFunc("GET /api/v1/groups/{id}/files/list", s.instrument("List", s.withAuth(s.handleList)))
	s.mux.HandleFunc("DELETE /api/v1/groups/{id}/files", s.instrument("Delete", s.withAuth(s.handleDelete)))
	s.mux.HandleFunc("POST /api/v1/groups/{id}/provision", s.instrument("Provision", s.withAuth(s.handleProvision)))

	s.mux.HandleFunc("POST /api/v1/files/complete", s.instrument("Complete", s.withAuth(s.handleComplete)))
	s.mux.HandleFunc("PATCH /api/v1/files/{id}/archive", s.instrument("Archive", s.withAuth(s.handleArchive)))
	s.mux.HandleFunc("DELETE /api/v1/files/{id}/purge", s.instrument("Purge", s.withAuth(s.handlePurge)))

	s.mux.HandleFunc("GET /api/v1/events", s.withAuth(s.handleEvents))
}

// Handler returns the gateway handler with response compression applied.
func (s *Server) Handler() http.Handler {
	return gzhttp.GzipHandler(s.mux)
}

// statusRecorder captures the status code written by a handler.
// Not thread-safe; used within a single request only.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) getStatus() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// classifyStatus converts an HTTP status into a metric status label.
func classifyStatus(httpStatus int) string {
	switch {
	case httpStatus >= 200 && httpStatus < 300:
		return "success"
	case httpStatus == http.StatusNotFound:
		return "not_found"
	case httpStatus == http.StatusConflict:
		return "conflict"
	case httpStatus == http.StatusForbidden, httpStatus == http.StatusUnauthorized:
		return "denied"
	default:
		return "error"
	}
}

// instrument wraps a handler with request metrics for one operation.
func (s *Server) instrument(operation string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next(rec, r)
		if s.metrics != nil {
			s.metrics.RecordRequest(operation, classifyStatus(rec.getStatus()), time.Since(start).Seconds())
		}
	}
}

// identityKey is the request context key for the caller identity.
type contextKey string

const identityKey contextKey = "identity"

// withAuth validates the bearer token and applies rate limiting keyed
// by subject (or client IP when unauthenticated paths hit the limiter).
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			s.jsonError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.jsonError(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}

		id, err := s.verifier.Verify(parts[1])
		if err != nil {
			if s.audit != nil {
				ip, _, _ := net.SplitHostPort(r.RemoteAddr)
				s.audit.LogAuth("", "denied", err.Error(), ip)
			}
			s.jsonError(w, "invalid token", http.StatusUnauthorized)
			return
		}

		if s.limiter != nil {
			key := id.Subject
			if key == "" {
				key, _, _ = net.SplitHostPort(r.RemoteAddr)
			}
			if !s.limiter.allow(key) {
				s.jsonError(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
		}

		ctx := withIdentity(r.Context(), id)
		next(w, r.WithContext(ctx))
	}
}

// requireGroup loads the group and checks the caller may access it.
// Writes the error response itself when access fails.
func (s *Server) requireGroup(w http.ResponseWriter, r *http.Request, groupID string) (metadata.Group, bool) {
	id, ok := identityFrom(r.Context())
	if !ok || !id.CanAccessGroup(groupID) {
		if s.audit != nil {
			s.audit.LogAccess(id.Subject, r.Method+" "+r.URL.Path, groupID, "", "denied", "not a member of group")
		}
		s.jsonError(w, "forbidden", http.StatusForbidden)
		return metadata.Group{}, false
	}

	g, err := s.store.Group(r.Context(), groupID)
	if err != nil {
		s.writeErr(w, err)
		return metadata.Group{}, false
	}
	if g.StoragePrefix == "" {
		s.jsonError(w, "group has no storage prefix", http.StatusNotFound)
		return metadata.Group{}, false
	}
	return g, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeErr maps a classified gateway error onto an HTTP response.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errdefs.IsInvalidArgument(err):
		status = http.StatusBadRequest
	case errdefs.IsNotFound(err):
		status = http.StatusNotFound
	case errdefs.IsConflict(err):
		status = http.StatusConflict
	case errdefs.IsPermissionDenied(err):
		status = http.StatusForbidden
	case errdefs.IsUnavailable(err):
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}
	if status >= 500 {
		log.Error().Err(err).Msg("request failed")
	}
	s.jsonError(w, err.Error(), status)
}

func (s *Server) jsonError(w http.ResponseWriter, msg string, status int) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
