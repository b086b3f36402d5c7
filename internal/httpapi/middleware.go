package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/chatvault/chatvault/internal/auth"
	"github.com/chatvault/chatvault/internal/store"
)

// sessionCookie is the cookie carrying the opaque session token.
const sessionCookie = "viewer_auth"

type contextKey string

const principalKey contextKey = "principal"

// Principal is the authenticated caller of a request.
type Principal struct {
	Username string
	Role     string
	Scope    *auth.ScopeSet
}

// IsMaster reports whether the caller is the master account.
func (p Principal) IsMaster() bool { return p.Role == auth.RoleMaster }

// principalFrom returns the request principal. Only valid below the session
// middleware.
func principalFrom(ctx context.Context) Principal {
	p, _ := ctx.Value(principalKey).(Principal)
	return p
}

// currentSession resolves the cookie to a live session, if any.
func (s *Server) currentSession(r *http.Request) (auth.Session, bool) {
	c, err := r.Cookie(sessionCookie)
	if err != nil || c.Value == "" {
		return auth.Session{}, false
	}
	return s.Sessions.Get(c.Value)
}

// resolvePrincipal authenticates a request. With auth disabled every caller
// is the master, scoped only by the display filter.
func (s *Server) resolvePrincipal(r *http.Request) (Principal, bool) {
	if !s.Cfg.AuthEnabled() {
		return Principal{Username: "master", Role: auth.RoleMaster, Scope: s.MasterFilter}, true
	}
	sess, ok := s.currentSession(r)
	if !ok {
		return Principal{}, false
	}
	return Principal{Username: sess.Username, Role: sess.Role, Scope: sess.Scope}, true
}

// RequireSession rejects unauthenticated requests and stores the principal in
// the request context.
func (s *Server) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.resolvePrincipal(r)
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), principalKey, p)))
	})
}

// RequireMaster additionally rejects viewer accounts. Admin surfaces only.
func (s *Server) RequireMaster(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !principalFrom(r.Context()).IsMaster() {
			writeError(w, r, http.StatusForbidden, "master account required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// InternalOnly restricts an endpoint to private and loopback peers. The
// archiver posts change events here; it always runs next to the viewer.
func InternalOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.IsTrustedPeer(r) {
			log.Warn().Str("remote", r.RemoteAddr).Str("path", r.URL.Path).
				Msg("internal endpoint hit from public address")
			writeError(w, r, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SecurityHeaders sets the browser hardening headers on every response.
func SecurityHeaders(next http.Handler) http.Handler {
	csp := strings.Join([]string{
		"default-src 'self'",
		"script-src 'self' 'unsafe-inline' https://cdn.tailwindcss.com https://unpkg.com https://cdnjs.cloudflare.com https://cdn.jsdelivr.net",
		"style-src 'self' 'unsafe-inline' https://fonts.googleapis.com https://cdn.jsdelivr.net",
		"font-src 'self' https://fonts.gstatic.com",
		"img-src 'self' data: blob:",
		"media-src 'self' blob:",
		"connect-src 'self' ws: wss:",
	}, "; ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "SAMEORIGIN")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", csp)
		next.ServeHTTP(w, r)
	})
}

// audit appends one access-log row. Failures are logged but never fail the
// request.
func (s *Server) audit(r *http.Request, action string, chatID *int64) {
	p := principalFrom(r.Context())
	username := p.Username
	role := p.Role
	if username == "" {
		username = "anonymous"
		role = "none"
	}
	s.auditAs(r, username, role, action, chatID)
}

// auditAs is the variant for the login path, where no principal is in
// context yet.
func (s *Server) auditAs(r *http.Request, username, role, action string, chatID *int64) {
	ip := auth.ClientIP(r)
	endpoint := r.URL.Path
	ua := r.UserAgent()

	entry := store.AuditEntry{
		Username:  username,
		Role:      role,
		Action:    action,
		Endpoint:  &endpoint,
		ChatID:    chatID,
		IPAddress: &ip,
	}
	if ua != "" {
		entry.UserAgent = &ua
	}
	if err := s.Store.CreateAuditLog(r.Context(), entry); err != nil {
		log.Error().Err(err).Str("action", action).Msg("write audit log")
	}
}
