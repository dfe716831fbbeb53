package api

import (
	"context"
	"net/http"

	"github.com/groupvault/groupvault/internal/auth"
)

// withIdentity stores the authenticated caller on the request context.
func withIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// identityFrom retrieves the authenticated caller, if any.
func identityFrom(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey).(auth.Identity)
	return id, ok
}

// subject returns the authenticated caller's subject, or empty when the
// request never passed auth.
func (s *Server) subject(r *http.Request) string {
	id, ok := identityFrom(r.Context())
	if !ok {
		return ""
	}
	return id.Subject
}
